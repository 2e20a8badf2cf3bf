package handler

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/genomic-intake-server/internal/blob"
	"github.com/genomic-intake-server/internal/domain"
	"github.com/genomic-intake-server/internal/metrics"
	"github.com/genomic-intake-server/internal/signature"
	"github.com/genomic-intake-server/internal/store"
	"github.com/genomic-intake-server/pkg/fasta"
)

var fixedNow = time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)

type harness struct {
	handler      *Handler
	deps         Dependencies
	store        domain.RecordStore
	patientsPath string
	blobDir      string
	addr         string
	hook         *test.Hook
	cancel       context.CancelFunc
	served       chan error
}

func newHarness(t *testing.T, configure func(*Dependencies)) *harness {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	dir := t.TempDir()

	patientsPath := filepath.Join(dir, "patients.csv")
	csvStore, err := store.NewCSVStore(patientsPath, filepath.Join(dir, "reports.csv"), logger)
	require.NoError(t, err)

	blobDir := filepath.Join(dir, "fasta")
	blobs, err := blob.NewFSStore(blobDir)
	require.NoError(t, err)

	index := signature.NewIndex([]domain.DiseaseSignature{
		{DiseaseID: "D1", Name: "Flu", Severity: 5, ReferenceSequence: "ACGTACGT"},
	})
	screener, err := signature.NewScreener(index, 16, logger)
	require.NoError(t, err)

	deps := Dependencies{
		Store:     csvStore,
		Blobs:     blobs,
		Screener:  screener,
		Validator: fasta.NewValidator(fasta.Lenient),
		Metrics:   metrics.New(),
		Logger:    logger,
		Config:    Config{IdleTimeout: 5 * time.Second, CommandTimeout: 5 * time.Second},
		Now:       func() time.Time { return fixedNow },
	}
	if configure != nil {
		configure(&deps)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())

	h := &harness{
		handler:      New(deps),
		deps:         deps,
		store:        deps.Store,
		patientsPath: patientsPath,
		blobDir:      blobDir,
		addr:         ln.Addr().String(),
		hook:         hook,
		cancel:       cancel,
		served:       make(chan error, 128),
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				err := h.handler.Serve(ctx, conn)
				conn.Close()
				select {
				case h.served <- err:
				default:
				}
			}()
		}
	}()

	t.Cleanup(func() {
		cancel()
		ln.Close()
		csvStore.Close()
	})
	return h
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (h *harness) dial(t *testing.T) *client {
	t.Helper()
	conn, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) send(s string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(s))
	require.NoError(c.t, err)
}

func (c *client) line() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimRight(line, "\n")
}

// record reads an OK block and returns its fields.
func (c *client) record() map[string]string {
	c.t.Helper()
	require.Equal(c.t, "OK", c.line())
	fields := make(map[string]string)
	for i := 0; i < 11; i++ {
		key, value, ok := strings.Cut(c.line(), ": ")
		require.True(c.t, ok)
		fields[key] = value
	}
	return fields
}

func patientFields(id string) map[string]string {
	return map[string]string{
		"full_name":      "Ada Lovelace",
		"document_id":    id,
		"age":            "36",
		"sex":            "F",
		"contact_email":  "ada@example.org",
		"clinical_notes": "routine screening",
	}
}

func metadataBlock(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, fields[k])
	}
	b.WriteString("END_METADATA\n")
	return b.String()
}

func createRequest(fields map[string]string, payload string) string {
	return "CREATE_PATIENT\n" + metadataBlock(fields) + fmt.Sprintf("START_FASTA %d\n", len(payload)) + payload
}

func sha(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func blobCount(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(entries)
}

const samplePayload = ">sample\nACGTTGCA\n"

func TestCreateAndRetrieveRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.send(createRequest(patientFields("42"), samplePayload))
	assert.Equal(t, "201 CREATED patient_id: 42", c.line())
	assert.Equal(t, "END_DETECTIONS", c.line())

	c.send("RETRIEVE_PATIENT 42\n")
	rec := c.record()
	assert.Equal(t, "42", rec["patientID"])
	assert.Equal(t, "Ada Lovelace", rec["fullName"])
	assert.Equal(t, "42", rec["documentID"])
	assert.Equal(t, "36", rec["age"])
	assert.Equal(t, "F", rec["sex"])
	assert.Equal(t, "ada@example.org", rec["contactEmail"])
	assert.Equal(t, "routine screening", rec["clinicalNotes"])
	assert.Equal(t, "2024-05-01T10:30:00Z", rec["registrationDate"])
	assert.Equal(t, sha(samplePayload), rec["checksumFasta"])
	assert.Equal(t, fmt.Sprint(len(samplePayload)), rec["fileSizeBytes"])
	assert.Equal(t, "true", rec["active"])

	assert.Equal(t, 1, blobCount(t, h.blobDir))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.deps.Metrics.Commands.WithLabelValues("CREATE_PATIENT", "ok")))
}

func TestCreateReportsDetections(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	payload := ">sample\nttacgtACGTaa\n"
	c.send(createRequest(patientFields("7"), payload))
	assert.Equal(t, "201 CREATED patient_id: 7", c.line())
	assert.Equal(t, "DETECTION 7,D1,5,2024-05-01T10:30:00Z,Match found with Flu", c.line())
	assert.Equal(t, "END_DETECTIONS", c.line())

	reports, err := h.store.Reports(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "D1", reports[0].DiseaseID)
	assert.Equal(t, 5, reports[0].Severity)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.deps.Metrics.Detections.WithLabelValues("D1")))
}

func TestCreateScreensSequenceLinesOnly(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.send(createRequest(patientFields("8"), ">ACGTACGT\nTTTT\n"))
	assert.Equal(t, "201 CREATED patient_id: 8", c.line())
	assert.Equal(t, "END_DETECTIONS", c.line())

	reports, err := h.store.Reports(context.Background(), 8)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestCreateChecksum(t *testing.T) {
	t.Run("mismatch rejects and stores nothing", func(t *testing.T) {
		h := newHarness(t, nil)
		c := h.dial(t)

		fields := patientFields("42")
		fields["checksum_fasta"] = "deadbeef"
		c.send(createRequest(fields, samplePayload))
		assert.Equal(t, "ERROR 422 CHECKSUM_MISMATCH", c.line())

		c.send("RETRIEVE_PATIENT 42\n")
		assert.Equal(t, "ERROR 404 NOT_FOUND", c.line())
		assert.Equal(t, 0, blobCount(t, h.blobDir))
	})

	t.Run("matching claim is accepted in any case", func(t *testing.T) {
		h := newHarness(t, nil)
		c := h.dial(t)

		fields := patientFields("42")
		fields["checksum_fasta"] = strings.ToUpper(sha(samplePayload))
		c.send(createRequest(fields, samplePayload))
		assert.Equal(t, "201 CREATED patient_id: 42", c.line())
		assert.Equal(t, "END_DETECTIONS", c.line())
	})
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(map[string]string)
		payload string
		want    string
	}{
		{
			name:    "payload without header line",
			mutate:  func(map[string]string) {},
			payload: "ACGTACGT\n",
			want:    "ERROR 422 INVALID_FASTA",
		},
		{
			name:    "missing document id",
			mutate:  func(f map[string]string) { delete(f, "document_id") },
			payload: samplePayload,
			want:    "ERROR 400 MISSING_DOCUMENT_ID",
		},
		{
			name:    "non numeric document id",
			mutate:  func(f map[string]string) { f["document_id"] = "A-42" },
			payload: samplePayload,
			want:    "ERROR 400 INVALID_DOCUMENT_ID",
		},
		{
			name:    "non numeric age",
			mutate:  func(f map[string]string) { f["age"] = "old" },
			payload: samplePayload,
			want:    "ERROR 400 INVALID_AGE",
		},
		{
			name:    "negative age",
			mutate:  func(f map[string]string) { f["age"] = "-1" },
			payload: samplePayload,
			want:    "ERROR 400 INVALID_AGE",
		},
		{
			name:    "unknown sex",
			mutate:  func(f map[string]string) { f["sex"] = "X" },
			payload: samplePayload,
			want:    "ERROR 400 BAD_REQUEST",
		},
		{
			name:    "format is checked before identity",
			mutate:  func(f map[string]string) { delete(f, "document_id") },
			payload: "no header\n",
			want:    "ERROR 422 INVALID_FASTA",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			c := h.dial(t)

			fields := patientFields("42")
			tt.mutate(fields)
			c.send(createRequest(fields, tt.payload))
			assert.Equal(t, tt.want, c.line())
			assert.Equal(t, 0, blobCount(t, h.blobDir))

			// the connection stays usable after a rejected command
			c.send("RETRIEVE_PATIENT 42\n")
			assert.Equal(t, "ERROR 404 NOT_FOUND", c.line())
		})
	}
}

func TestCreateWithoutSex(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	fields := patientFields("42")
	delete(fields, "sex")
	c.send(createRequest(fields, samplePayload))
	assert.Equal(t, "201 CREATED patient_id: 42", c.line())
	assert.Equal(t, "END_DETECTIONS", c.line())

	c.send("RETRIEVE_PATIENT 42\n")
	rec := c.record()
	assert.Equal(t, "", rec["sex"])
	assert.Equal(t, "Ada Lovelace", rec["fullName"])

	// the record survives a reload of the patient file
	reopened, err := store.NewCSVStore(h.patientsPath, filepath.Join(t.TempDir(), "reports.csv"), logrus.New())
	require.NoError(t, err)
	defer reopened.Close()
	stored, err := reopened.FindActiveByID(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, domain.Sex(""), stored.Sex)
	assert.True(t, stored.Active)
}

func TestCreateMalformedPayloadHeader(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.send("CREATE_PATIENT\n" + metadataBlock(patientFields("42")) + "START_FASTA lots\n")
	assert.Equal(t, "ERROR 422 INVALID_FASTA_HEADER", c.line())

	c.send("RETRIEVE_PATIENT 42\n")
	assert.Equal(t, "ERROR 404 NOT_FOUND", c.line())
}

func TestCreateMalformedPayloadHeaderLeavesPayloadOnStream(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.send(createRequest(patientFields("42"), samplePayload))
	assert.Equal(t, "201 CREATED patient_id: 42", c.line())
	assert.Equal(t, "END_DETECTIONS", c.line())

	// Without a usable length nothing is consumed, so the bytes that follow
	// are read as commands.
	c.send("CREATE_PATIENT\n" + metadataBlock(patientFields("43")) + "START_FASTA x8\n>x\nACGT\nDELETE_PATIENT 42\n")
	assert.Equal(t, "ERROR 422 INVALID_FASTA_HEADER", c.line())
	assert.Equal(t, "ERROR 400 UNKNOWN_COMMAND", c.line())
	assert.Equal(t, "ERROR 400 UNKNOWN_COMMAND", c.line())
	assert.Equal(t, "OK patient deleted", c.line())

	c.send("RETRIEVE_PATIENT 43\n")
	assert.Equal(t, "ERROR 404 NOT_FOUND", c.line())
	assert.Equal(t, 1, blobCount(t, h.blobDir))
}

func TestCreateOversizePayloadIsDrained(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) { d.Config.MaxPayloadBytes = 8 })
	c := h.dial(t)

	c.send(createRequest(patientFields("42"), samplePayload))
	assert.Equal(t, "ERROR 422 INVALID_FASTA_HEADER", c.line())

	c.send(createRequest(patientFields("43"), ">s\nACGT\n"))
	assert.Equal(t, "201 CREATED patient_id: 43", c.line())
	assert.Equal(t, "END_DETECTIONS", c.line())
}

func TestCreateDuplicateActivePatient(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.send(createRequest(patientFields("42"), samplePayload))
	assert.Equal(t, "201 CREATED patient_id: 42", c.line())
	assert.Equal(t, "END_DETECTIONS", c.line())

	c.send(createRequest(patientFields("42"), samplePayload))
	assert.Equal(t, "ERROR 409 DUPLICATE_PATIENT", c.line())
	assert.Equal(t, 1, blobCount(t, h.blobDir))
}

func TestCreateShortPayloadClosesConnection(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.send("CREATE_PATIENT\n" + metadataBlock(patientFields("42")) + "START_FASTA 100\n>s\nACGT\n")
	require.NoError(t, c.conn.(*net.TCPConn).CloseWrite())

	select {
	case err := <-h.served:
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not stop")
	}
	assert.Equal(t, 0, blobCount(t, h.blobDir))
}

// stalledPublisher never queues an event; it waits for the caller to give up.
type stalledPublisher struct {
	errs chan error
}

func (p *stalledPublisher) PublishDetection(ctx context.Context, _ *domain.DetectionReport) error {
	<-ctx.Done()
	p.errs <- ctx.Err()
	return ctx.Err()
}

func (p *stalledPublisher) Close() error { return nil }

func TestCreateDoesNotWaitOnStalledEventStream(t *testing.T) {
	publisher := &stalledPublisher{errs: make(chan error, 1)}
	h := newHarness(t, func(d *Dependencies) {
		d.Publisher = publisher
		d.Config.PublishTimeout = 50 * time.Millisecond
	})
	c := h.dial(t)

	c.send(createRequest(patientFields("7"), ">sample\nACGTACGT\n"))
	assert.Equal(t, "201 CREATED patient_id: 7", c.line())
	assert.Equal(t, "DETECTION 7,D1,5,2024-05-01T10:30:00Z,Match found with Flu", c.line())
	assert.Equal(t, "END_DETECTIONS", c.line())

	select {
	case err := <-publisher.errs:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("publisher was never released")
	}

	reports, err := h.store.Reports(context.Background(), 7)
	require.NoError(t, err)
	assert.Len(t, reports, 1)

	var warned bool
	for _, entry := range h.hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Message == "Failed to queue detection event" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestUpdatePatient(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.send(createRequest(patientFields("42"), samplePayload))
	assert.Equal(t, "201 CREATED patient_id: 42", c.line())
	assert.Equal(t, "END_DETECTIONS", c.line())

	t.Run("partial update changes only supplied fields", func(t *testing.T) {
		c.send("UPDATE_PATIENT\npatient_id: 42\nage: 37\nEND_METADATA\n")
		assert.Equal(t, "OK patient updated", c.line())

		c.send("RETRIEVE_PATIENT 42\n")
		rec := c.record()
		assert.Equal(t, "37", rec["age"])
		assert.Equal(t, "Ada Lovelace", rec["fullName"])
		assert.Equal(t, "F", rec["sex"])
		assert.Equal(t, "ada@example.org", rec["contactEmail"])
		assert.Equal(t, sha(samplePayload), rec["checksumFasta"])
	})

	t.Run("replacement payload updates checksum and size", func(t *testing.T) {
		payload := ">replacement\nGGGGCCCCAAAATTTT\n"
		c.send(fmt.Sprintf("UPDATE_PATIENT\npatient_id: 42\nsex: m\nfile_size_bytes: %d\nEND_METADATA\nSTART_FASTA %d\n%s",
			len(payload), len(payload), payload))
		assert.Equal(t, "OK patient updated", c.line())

		c.send("RETRIEVE_PATIENT 42\n")
		rec := c.record()
		assert.Equal(t, "M", rec["sex"])
		assert.Equal(t, sha(payload), rec["checksumFasta"])
		assert.Equal(t, fmt.Sprint(len(payload)), rec["fileSizeBytes"])
		assert.Equal(t, 2, blobCount(t, h.blobDir))
	})

	t.Run("rejected replacement keeps the record", func(t *testing.T) {
		payload := "not fasta\n"
		c.send(fmt.Sprintf("UPDATE_PATIENT\npatient_id: 42\nfile_size_bytes: %d\nEND_METADATA\nSTART_FASTA %d\n%s",
			len(payload), len(payload), payload))
		assert.Equal(t, "ERROR 422 INVALID_FASTA", c.line())
		assert.Equal(t, 2, blobCount(t, h.blobDir))
	})

	t.Run("errors", func(t *testing.T) {
		c.send("UPDATE_PATIENT\nage: 40\nEND_METADATA\n")
		assert.Equal(t, "ERROR 400 MISSING_PATIENT_ID", c.line())

		c.send("UPDATE_PATIENT\npatient_id: abc\nEND_METADATA\n")
		assert.Equal(t, "ERROR 400 BAD_REQUEST", c.line())

		c.send("UPDATE_PATIENT\npatient_id: 42\nage: many\nEND_METADATA\n")
		assert.Equal(t, "ERROR 400 INVALID_AGE", c.line())

		c.send("UPDATE_PATIENT\npatient_id: 42\nsex: unknown\nEND_METADATA\n")
		assert.Equal(t, "ERROR 400 BAD_REQUEST", c.line())

		c.send("UPDATE_PATIENT\npatient_id: 99\nage: 40\nEND_METADATA\n")
		assert.Equal(t, "ERROR 404 NOT_FOUND", c.line())
	})
}

func TestDeletePatientIsSoft(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.send(createRequest(patientFields("42"), samplePayload))
	assert.Equal(t, "201 CREATED patient_id: 42", c.line())
	assert.Equal(t, "END_DETECTIONS", c.line())

	c.send("DELETE_PATIENT 42\n")
	assert.Equal(t, "OK patient deleted", c.line())

	c.send("RETRIEVE_PATIENT 42\n")
	assert.Equal(t, "ERROR 404 NOT_FOUND", c.line())

	c.send("DELETE_PATIENT 42\n")
	assert.Equal(t, "ERROR 404 NOT_FOUND", c.line())

	data, err := os.ReadFile(h.patientsPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "42,"))
	assert.True(t, strings.HasSuffix(lines[1], ",false"))
}

func TestCommandErrors(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	tests := []struct {
		request string
		want    string
	}{
		{"FROBNICATE\n", "ERROR 400 UNKNOWN_COMMAND"},
		{"RETRIEVE_PATIENT\n", "ERROR 400 BAD_REQUEST"},
		{"RETRIEVE_PATIENT 1 2\n", "ERROR 400 BAD_REQUEST"},
		{"RETRIEVE_PATIENT abc\n", "ERROR 400 BAD_REQUEST"},
		{"DELETE_PATIENT -3\n", "ERROR 400 BAD_REQUEST"},
		{"\n\r\nRETRIEVE_PATIENT 5\n", "ERROR 404 NOT_FOUND"},
	}
	for _, tt := range tests {
		c.send(tt.request)
		assert.Equal(t, tt.want, c.line(), tt.request)
	}
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Create(ctx context.Context, rec *domain.PatientRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *mockStore) FindActiveByID(ctx context.Context, id int64) (*domain.PatientRecord, error) {
	args := m.Called(ctx, id)
	rec, _ := args.Get(0).(*domain.PatientRecord)
	return rec, args.Error(1)
}

func (m *mockStore) Modify(ctx context.Context, id int64, fn func(*domain.PatientRecord) error) (*domain.PatientRecord, error) {
	args := m.Called(ctx, id, fn)
	rec, _ := args.Get(0).(*domain.PatientRecord)
	return rec, args.Error(1)
}

func (m *mockStore) Deactivate(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockStore) AppendReport(ctx context.Context, report *domain.DetectionReport) error {
	return m.Called(ctx, report).Error(0)
}

func (m *mockStore) Reports(ctx context.Context, patientID int64) ([]domain.DetectionReport, error) {
	args := m.Called(ctx, patientID)
	reports, _ := args.Get(0).([]domain.DetectionReport)
	return reports, args.Error(1)
}

func (m *mockStore) Close() error {
	return m.Called().Error(0)
}

func TestStoreFailureKeepsConnectionOpen(t *testing.T) {
	records := new(mockStore)
	records.On("FindActiveByID", mock.Anything, int64(42)).Return(nil, errors.New("disk failure"))
	records.On("Create", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	h := newHarness(t, func(d *Dependencies) { d.Store = records })
	c := h.dial(t)

	c.send("RETRIEVE_PATIENT 42\n")
	assert.Equal(t, "ERROR 500 SERVER_ERROR", c.line())

	c.send(createRequest(patientFields("42"), samplePayload))
	assert.Equal(t, "ERROR 500 SERVER_ERROR", c.line())
	assert.Equal(t, 0, blobCount(t, h.blobDir))

	c.send("RETRIEVE_PATIENT 42\n")
	assert.Equal(t, "ERROR 500 SERVER_ERROR", c.line())

	records.AssertNumberOfCalls(t, "FindActiveByID", 2)
	failures := 0
	for _, entry := range h.hook.AllEntries() {
		if entry.Message == "Command failed" {
			failures++
		}
	}
	assert.Equal(t, 3, failures)
}

func TestConcurrentCreates(t *testing.T) {
	h := newHarness(t, nil)
	const n = 20

	var wg sync.WaitGroup
	results := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			conn, err := net.Dial("tcp", h.addr)
			if err != nil {
				results <- err.Error()
				return
			}
			defer conn.Close()

			payload := fmt.Sprintf(">patient-%d\nACGTACGTACGT\n", id)
			if _, err := conn.Write([]byte(createRequest(patientFields(fmt.Sprint(1000+id)), payload))); err != nil {
				results <- err.Error()
				return
			}
			conn.SetReadDeadline(time.Now().Add(10 * time.Second))
			line, err := bufio.NewReader(conn).ReadString('\n')
			if err != nil {
				results <- err.Error()
				return
			}
			results <- strings.TrimSpace(line)
		}(i)
	}
	wg.Wait()
	close(results)

	for line := range results {
		assert.True(t, strings.HasPrefix(line, "201 CREATED patient_id: "), line)
	}

	data, err := os.ReadFile(h.patientsPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, n+1)
	for _, line := range lines[1:] {
		columns := strings.Split(line, ",")
		require.Len(t, columns, 11, line)
		assert.Equal(t, "true", columns[10])
	}
}

func TestServeStopsIdleConnectionOnShutdown(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.send("RETRIEVE_PATIENT 1\n")
	assert.Equal(t, "ERROR 404 NOT_FOUND", c.line())

	h.cancel()
	select {
	case err := <-h.served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("idle connection was not released")
	}
}

func TestServeIdleTimeout(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) { d.Config.IdleTimeout = 50 * time.Millisecond })
	h.dial(t)

	select {
	case err := <-h.served:
		var netErr net.Error
		require.True(t, errors.As(err, &netErr))
		assert.True(t, netErr.Timeout())
	case <-time.After(5 * time.Second):
		t.Fatal("idle connection did not time out")
	}
}
