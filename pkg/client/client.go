// Package client speaks the patient intake stream protocol.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/genomic-intake-server/internal/domain"
	"github.com/genomic-intake-server/internal/protocol"
	"github.com/genomic-intake-server/pkg/fasta"
)

// ErrMalformedResponse is returned when the server answers with an
// unexpected line.
var ErrMalformedResponse = errors.New("malformed server response")

// NewPatient holds the metadata sent with CREATE_PATIENT
type NewPatient struct {
	DocumentID    int64
	FullName      string
	Age           int
	Sex           domain.Sex
	ContactEmail  string
	ClinicalNotes string

	// Checksum is the claimed SHA-256 of the payload; empty skips the check.
	Checksum string
}

// PatientUpdate holds the fields changed by UPDATE_PATIENT; nil fields are left unchanged
type PatientUpdate struct {
	FullName      *string
	Age           *int
	Sex           *domain.Sex
	ContactEmail  *string
	ClinicalNotes *string
	Checksum      string
}

// Payload is a FASTA file to upload
type Payload struct {
	Body io.Reader
	Size int64
}

// CreateResult is the server answer to CREATE_PATIENT
type CreateResult struct {
	PatientID  int64
	Detections []domain.DetectionReport
}

// Option configures a Client
type Option func(*options)

type options struct {
	tlsConfig *tls.Config
	timeout   time.Duration
}

// WithTLS dials with TLS using cfg
func WithTLS(cfg *tls.Config) Option {
	return func(o *options) { o.tlsConfig = cfg }
}

// WithTimeout bounds every request that has no context deadline
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// Client is one protocol connection. Requests are serialized; a Client may
// be shared between goroutines.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	reader  *protocol.FramedReader
	writer  *bufio.Writer
	timeout time.Duration
}

// Dial connects to the intake server at addr
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	o := &options{timeout: time.Minute}
	for _, opt := range opts {
		opt(o)
	}

	var (
		conn net.Conn
		err  error
	)
	if o.tlsConfig != nil {
		dialer := &tls.Dialer{Config: o.tlsConfig}
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		var dialer net.Dialer
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	return &Client{
		conn:    conn,
		reader:  protocol.NewFramedReader(conn),
		writer:  bufio.NewWriter(conn),
		timeout: o.timeout,
	}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// do runs one request/response exchange under the client lock, bounded by
// ctx and the client timeout.
func (c *Client) do(ctx context.Context, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok && c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	defer stop()

	err := fn()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && !time.Now().Before(ctxDeadline) {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

func (c *Client) writeLine(format string, args ...interface{}) {
	fmt.Fprintf(c.writer, format+"\n", args...)
}

func (c *Client) writeMetadata(key, value string) {
	c.writeLine("%s: %s", key, value)
}

// writePayload sends the START_FASTA header and exactly p.Size bytes.
func (c *Client) writePayload(p *Payload) error {
	c.writeLine("%s %d", protocol.StartFasta, p.Size)
	n, err := io.CopyN(c.writer, p.Body, p.Size)
	if err != nil {
		// The server is now waiting for bytes that will never come.
		c.conn.Close()
		return fmt.Errorf("payload ended after %d of %d bytes: %w", n, p.Size, err)
	}
	return nil
}

func (c *Client) flush() error {
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	return nil
}

// readStatus reads one response line and converts ERROR lines to a
// *domain.ProtocolError.
func (c *Client) readStatus() (string, error) {
	line, err := c.reader.ReadLine()
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if strings.HasPrefix(line, "ERROR ") {
		return "", parseError(line)
	}
	return line, nil
}

func parseError(line string) error {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return fmt.Errorf("%w: %q", ErrMalformedResponse, line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return fmt.Errorf("%w: %q", ErrMalformedResponse, line)
	}
	return domain.NewProtocolError(code, fields[2])
}

// CreatePatient registers a new patient with its FASTA payload and returns
// the detections the server reported.
func (c *Client) CreatePatient(ctx context.Context, p NewPatient, payload Payload) (*CreateResult, error) {
	var result *CreateResult
	err := c.do(ctx, func() error {
		c.writeLine(protocol.CmdCreatePatient)
		c.writeMetadata(protocol.KeyFullName, p.FullName)
		c.writeMetadata(protocol.KeyDocumentID, strconv.FormatInt(p.DocumentID, 10))
		c.writeMetadata(protocol.KeyAge, strconv.Itoa(p.Age))
		c.writeMetadata(protocol.KeySex, p.Sex.String())
		c.writeMetadata(protocol.KeyContactEmail, p.ContactEmail)
		c.writeMetadata(protocol.KeyClinicalNotes, p.ClinicalNotes)
		c.writeMetadata(protocol.KeyFileSize, strconv.FormatInt(payload.Size, 10))
		if p.Checksum != "" {
			c.writeMetadata(protocol.KeyChecksum, p.Checksum)
		}
		c.writeLine(protocol.EndMetadata)
		if err := c.writePayload(&payload); err != nil {
			return err
		}
		if err := c.flush(); err != nil {
			return err
		}

		status, err := c.readStatus()
		if err != nil {
			return err
		}
		var id int64
		if _, err := fmt.Sscanf(status, "201 CREATED patient_id: %d", &id); err != nil {
			return fmt.Errorf("%w: %q", ErrMalformedResponse, status)
		}

		result = &CreateResult{PatientID: id}
		for {
			line, err := c.reader.ReadLine()
			if err != nil {
				return fmt.Errorf("failed to read detections: %w", err)
			}
			if line == protocol.EndDetections {
				return nil
			}
			report, err := parseDetection(line)
			if err != nil {
				return err
			}
			result.Detections = append(result.Detections, *report)
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CreatePatientFromFile uploads the FASTA file at path. When p.Checksum is
// empty the file digest is computed and claimed, so the server verifies the
// transfer end to end.
func (c *Client) CreatePatientFromFile(ctx context.Context, p NewPatient, path string) (*CreateResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open FASTA file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat FASTA file: %w", err)
	}
	if p.Checksum == "" {
		sum, err := fasta.Checksum(file)
		if err != nil {
			return nil, fmt.Errorf("failed to hash FASTA file: %w", err)
		}
		p.Checksum = sum
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to rewind FASTA file: %w", err)
		}
	}
	return c.CreatePatient(ctx, p, Payload{Body: file, Size: info.Size()})
}

func parseDetection(line string) (*domain.DetectionReport, error) {
	body, ok := strings.CutPrefix(line, "DETECTION ")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
	}
	parts := strings.SplitN(body, ",", 5)
	if len(parts) != 5 {
		return nil, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
	}
	patientID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
	}
	severity, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
	}
	detectedAt, err := time.Parse(domain.TimestampLayout, parts[3])
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
	}
	return &domain.DetectionReport{
		PatientID:   patientID,
		DiseaseID:   parts[1],
		Severity:    severity,
		DetectedAt:  detectedAt,
		Description: parts[4],
	}, nil
}

// RetrievePatient returns the active record for id
func (c *Client) RetrievePatient(ctx context.Context, id int64) (*domain.PatientRecord, error) {
	var rec *domain.PatientRecord
	err := c.do(ctx, func() error {
		c.writeLine("%s %d", protocol.CmdRetrievePatient, id)
		if err := c.flush(); err != nil {
			return err
		}

		status, err := c.readStatus()
		if err != nil {
			return err
		}
		if status != "OK" {
			return fmt.Errorf("%w: %q", ErrMalformedResponse, status)
		}

		fields := make(map[string]string)
		for i := 0; i < len((&domain.PatientRecord{}).Fields()); i++ {
			line, err := c.reader.ReadLine()
			if err != nil {
				return fmt.Errorf("failed to read record: %w", err)
			}
			key, value, ok := strings.Cut(line, ": ")
			if !ok {
				// an empty value is written as "key: " and may reach us trimmed
				key, value = strings.TrimSuffix(line, ":"), ""
			}
			fields[key] = value
		}
		rec, err = parseRecord(fields)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func parseRecord(fields map[string]string) (*domain.PatientRecord, error) {
	var (
		rec domain.PatientRecord
		err error
	)
	if rec.PatientID, err = strconv.ParseInt(fields["patientID"], 10, 64); err != nil {
		return nil, fmt.Errorf("%w: patientID %q", ErrMalformedResponse, fields["patientID"])
	}
	if rec.Age, err = strconv.Atoi(fields["age"]); err != nil {
		return nil, fmt.Errorf("%w: age %q", ErrMalformedResponse, fields["age"])
	}
	if rec.RegistrationTimestamp, err = time.Parse(domain.TimestampLayout, fields["registrationDate"]); err != nil {
		return nil, fmt.Errorf("%w: registrationDate %q", ErrMalformedResponse, fields["registrationDate"])
	}
	if rec.FileSizeBytes, err = strconv.ParseInt(fields["fileSizeBytes"], 10, 64); err != nil {
		return nil, fmt.Errorf("%w: fileSizeBytes %q", ErrMalformedResponse, fields["fileSizeBytes"])
	}
	if rec.Active, err = strconv.ParseBool(fields["active"]); err != nil {
		return nil, fmt.Errorf("%w: active %q", ErrMalformedResponse, fields["active"])
	}
	rec.FullName = fields["fullName"]
	rec.DocumentID = fields["documentID"]
	rec.Sex = domain.Sex(fields["sex"])
	rec.ContactEmail = fields["contactEmail"]
	rec.ClinicalNotes = fields["clinicalNotes"]
	rec.FastaChecksum = fields["checksumFasta"]
	return &rec, nil
}

// UpdatePatient applies u to patient id. A non-nil payload replaces the
// stored FASTA file.
func (c *Client) UpdatePatient(ctx context.Context, id int64, u PatientUpdate, payload *Payload) error {
	return c.do(ctx, func() error {
		c.writeLine(protocol.CmdUpdatePatient)
		c.writeMetadata(protocol.KeyPatientID, strconv.FormatInt(id, 10))
		if u.FullName != nil {
			c.writeMetadata(protocol.KeyFullName, *u.FullName)
		}
		if u.Age != nil {
			c.writeMetadata(protocol.KeyAge, strconv.Itoa(*u.Age))
		}
		if u.Sex != nil {
			c.writeMetadata(protocol.KeySex, u.Sex.String())
		}
		if u.ContactEmail != nil {
			c.writeMetadata(protocol.KeyContactEmail, *u.ContactEmail)
		}
		if u.ClinicalNotes != nil {
			c.writeMetadata(protocol.KeyClinicalNotes, *u.ClinicalNotes)
		}
		if payload != nil {
			c.writeMetadata(protocol.KeyFileSize, strconv.FormatInt(payload.Size, 10))
			if u.Checksum != "" {
				c.writeMetadata(protocol.KeyChecksum, u.Checksum)
			}
		}
		c.writeLine(protocol.EndMetadata)
		if payload != nil {
			if err := c.writePayload(payload); err != nil {
				return err
			}
		}
		if err := c.flush(); err != nil {
			return err
		}
		return c.expectOK("OK patient updated")
	})
}

// DeletePatient soft deletes patient id
func (c *Client) DeletePatient(ctx context.Context, id int64) error {
	return c.do(ctx, func() error {
		c.writeLine("%s %d", protocol.CmdDeletePatient, id)
		if err := c.flush(); err != nil {
			return err
		}
		return c.expectOK("OK patient deleted")
	})
}

func (c *Client) expectOK(want string) error {
	status, err := c.readStatus()
	if err != nil {
		return err
	}
	if status != want {
		return fmt.Errorf("%w: %q", ErrMalformedResponse, status)
	}
	return nil
}
