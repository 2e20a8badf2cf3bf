// Package store persists patient records and detection reports.
package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/genomic-intake-server/internal/domain"
)

const (
	// PatientsHeader is the first line of the patients file
	PatientsHeader = "patientID,fullName,documentID,age,sex,contactEmail,registrationDate,clinicalNotes,checksumFasta,fileSizeBytes,active"
	// ReportsHeader is the first line of the reports file
	ReportsHeader = "patientId,diseaseId,severity,detectedAt,description"

	patientColumns = 11
	reportColumns  = 5
	activeColumn   = 10
)

// CSVStore keeps patients and reports in two comma separated files.
// A single mutex serializes every read and write; rewrites go through a
// temporary file and a rename so a crash never leaves a half written file.
type CSVStore struct {
	mu           sync.Mutex
	patientsPath string
	reportsPath  string
	logger       *logrus.Logger
	closed       bool
}

// NewCSVStore opens (creating if needed) the patients and reports files
func NewCSVStore(patientsPath, reportsPath string, logger *logrus.Logger) (*CSVStore, error) {
	if err := ensureFile(patientsPath, PatientsHeader); err != nil {
		return nil, fmt.Errorf("failed to prepare patients file: %w", err)
	}
	if err := ensureFile(reportsPath, ReportsHeader); err != nil {
		return nil, fmt.Errorf("failed to prepare reports file: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"patients_file": patientsPath,
		"reports_file":  reportsPath,
	}).Info("CSV record store opened")

	return &CSVStore{
		patientsPath: patientsPath,
		reportsPath:  reportsPath,
		logger:       logger,
	}, nil
}

func ensureFile(path, header string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := f.WriteString(header + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Append writes rec as a new row without any duplicate check.
func (s *CSVStore) Append(ctx context.Context, rec *domain.PatientRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(ctx); err != nil {
		return err
	}
	return appendLine(s.patientsPath, formatPatientRow(rec))
}

// Create appends rec unless an active row for the same id already exists.
func (s *CSVStore) Create(ctx context.Context, rec *domain.PatientRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(ctx); err != nil {
		return err
	}
	lines, err := readLines(s.patientsPath)
	if err != nil {
		return fmt.Errorf("failed to read patients: %w", err)
	}
	if i, _ := findActive(lines, rec.PatientID); i >= 0 {
		return domain.ErrDuplicatePatient
	}
	if err := appendLine(s.patientsPath, formatPatientRow(rec)); err != nil {
		return fmt.Errorf("failed to append patient: %w", err)
	}
	return nil
}

// FindActiveByID returns the active record for id. When several active rows
// share the id the last one in the file wins.
func (s *CSVStore) FindActiveByID(ctx context.Context, id int64) (*domain.PatientRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(ctx); err != nil {
		return nil, err
	}
	lines, err := readLines(s.patientsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read patients: %w", err)
	}
	i, rec := findActive(lines, id)
	if i < 0 {
		return nil, domain.ErrNotFound
	}
	return rec, nil
}

// Update replaces the active row for rec.PatientID with rec.
func (s *CSVStore) Update(ctx context.Context, rec *domain.PatientRecord) error {
	_, err := s.Modify(ctx, rec.PatientID, func(current *domain.PatientRecord) error {
		*current = *rec
		return nil
	})
	return err
}

// Modify runs fn on the active record for id and persists the result, all
// under the store lock.
func (s *CSVStore) Modify(ctx context.Context, id int64, fn func(*domain.PatientRecord) error) (*domain.PatientRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(ctx); err != nil {
		return nil, err
	}
	lines, err := readLines(s.patientsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read patients: %w", err)
	}
	i, rec := findActive(lines, id)
	if i < 0 {
		return nil, domain.ErrNotFound
	}

	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.PatientID = id
	lines[i] = formatPatientRow(rec)

	if err := writeLinesAtomic(s.patientsPath, lines); err != nil {
		return nil, fmt.Errorf("failed to rewrite patients: %w", err)
	}
	return rec, nil
}

// Deactivate marks every active row for id inactive.
func (s *CSVStore) Deactivate(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(ctx); err != nil {
		return err
	}
	lines, err := readLines(s.patientsPath)
	if err != nil {
		return fmt.Errorf("failed to read patients: %w", err)
	}

	changed := 0
	for i, line := range lines {
		rec, err := parsePatientRow(line)
		if err != nil || rec.PatientID != id || !rec.Active {
			continue
		}
		rec.Active = false
		lines[i] = formatPatientRow(rec)
		changed++
	}
	if changed == 0 {
		return domain.ErrNotFound
	}

	if err := writeLinesAtomic(s.patientsPath, lines); err != nil {
		return fmt.Errorf("failed to rewrite patients: %w", err)
	}
	if changed > 1 {
		s.logger.WithFields(logrus.Fields{
			"patient_id": id,
			"rows":       changed,
		}).Warn("Deactivated several active rows for one patient")
	}
	return nil
}

// AppendReport appends one detection report row.
func (s *CSVStore) AppendReport(ctx context.Context, report *domain.DetectionReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(ctx); err != nil {
		return err
	}
	if err := appendLine(s.reportsPath, report.CSV()); err != nil {
		return fmt.Errorf("failed to append report: %w", err)
	}
	return nil
}

// Reports returns the reports recorded for patientID in file order.
func (s *CSVStore) Reports(ctx context.Context, patientID int64) ([]domain.DetectionReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(ctx); err != nil {
		return nil, err
	}
	lines, err := readLines(s.reportsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read reports: %w", err)
	}

	var reports []domain.DetectionReport
	for _, line := range lines {
		report, err := parseReportRow(line)
		if err != nil || report.PatientID != patientID {
			continue
		}
		reports = append(reports, *report)
	}
	return reports, nil
}

// Close marks the store closed; later calls fail with ErrStoreClosed.
func (s *CSVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *CSVStore) usable(ctx context.Context) error {
	if s.closed {
		return domain.ErrStoreClosed
	}
	return ctx.Err()
}

// findActive returns the line index and record of the last active row for id, or -1.
func findActive(lines []string, id int64) (int, *domain.PatientRecord) {
	index := -1
	var found *domain.PatientRecord
	for i, line := range lines {
		rec, err := parsePatientRow(line)
		if err != nil || rec.PatientID != id || !rec.Active {
			continue
		}
		index, found = i, rec
	}
	return index, found
}

func formatPatientRow(rec *domain.PatientRecord) string {
	fields := rec.Fields()
	values := make([]string, len(fields))
	for i, f := range fields {
		values[i] = domain.SanitizeField(f.Value)
	}
	return strings.Join(values, ",")
}

// parsePatientRow decodes one data row. The header row and any short or
// corrupt row fail to parse and are skipped by callers.
func parsePatientRow(line string) (*domain.PatientRecord, error) {
	parts := strings.Split(line, ",")
	if len(parts) != patientColumns {
		return nil, fmt.Errorf("expected %d columns, got %d", patientColumns, len(parts))
	}

	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid patient id: %w", err)
	}
	age, err := strconv.Atoi(parts[3])
	if err != nil {
		return nil, fmt.Errorf("invalid age: %w", err)
	}
	sex, err := domain.ParseOptionalSex(parts[4])
	if err != nil {
		return nil, err
	}
	registered, err := time.Parse(domain.TimestampLayout, parts[6])
	if err != nil {
		return nil, fmt.Errorf("invalid registration date: %w", err)
	}
	size, err := strconv.ParseInt(parts[9], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid file size: %w", err)
	}
	active, err := strconv.ParseBool(parts[activeColumn])
	if err != nil {
		return nil, fmt.Errorf("invalid active flag: %w", err)
	}

	return &domain.PatientRecord{
		PatientID:             id,
		FullName:              parts[1],
		DocumentID:            parts[2],
		Age:                   age,
		Sex:                   sex,
		ContactEmail:          parts[5],
		RegistrationTimestamp: registered.UTC(),
		ClinicalNotes:         parts[7],
		FastaChecksum:         parts[8],
		FileSizeBytes:         size,
		Active:                active,
	}, nil
}

func parseReportRow(line string) (*domain.DetectionReport, error) {
	parts := strings.Split(line, ",")
	if len(parts) != reportColumns {
		return nil, fmt.Errorf("expected %d columns, got %d", reportColumns, len(parts))
	}
	patientID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid patient id: %w", err)
	}
	severity, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil, fmt.Errorf("invalid severity: %w", err)
	}
	detected, err := time.Parse(domain.TimestampLayout, parts[3])
	if err != nil {
		return nil, fmt.Errorf("invalid detection date: %w", err)
	}
	return &domain.DetectionReport{
		PatientID:   patientID,
		DiseaseID:   parts[1],
		Severity:    severity,
		DetectedAt:  detected.UTC(),
		Description: parts[4],
	}, nil
}

// readLines returns every line of path without line terminators.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			lines = append(lines, strings.TrimRight(line, "\r\n"))
		}
		if err == io.EOF {
			return lines, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// appendLine appends line to path, first terminating a torn last row if a
// previous write was cut short.
func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if info.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err != nil {
			f.Close()
			return err
		}
		if last[0] != '\n' {
			line = "\n" + line
		}
	}

	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeLinesAtomic replaces path with lines via a synced temporary file.
func writeLinesAtomic(path string, lines []string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	writer := bufio.NewWriter(tmp)
	for _, line := range lines {
		if _, err := writer.WriteString(line + "\n"); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := writer.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
