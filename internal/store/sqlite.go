package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/genomic-intake-server/internal/domain"
)

// SQLiteStore implements domain.RecordStore on an embedded SQLite database.
// Rows keep the soft delete model of the CSV store: deleting only clears the
// active flag.
type SQLiteStore struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *logrus.Logger
}

// NewSQLiteStore creates a new SQLite record store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string, logger *logrus.Logger) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.WithField("path", dbPath).Info("SQLite record store opened")
	return newSQLiteStoreWithDB(db, logger), nil
}

func newSQLiteStoreWithDB(db *sql.DB, logger *logrus.Logger) *SQLiteStore {
	return &SQLiteStore{db: db, logger: logger}
}

// createSchema creates the database tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS patients (
		row_id INTEGER PRIMARY KEY AUTOINCREMENT,
		patient_id INTEGER NOT NULL,
		full_name TEXT NOT NULL DEFAULT '',
		document_id TEXT NOT NULL,
		age INTEGER NOT NULL,
		sex TEXT NOT NULL,
		contact_email TEXT NOT NULL DEFAULT '',
		registration_date TEXT NOT NULL,
		clinical_notes TEXT NOT NULL DEFAULT '',
		checksum_fasta TEXT NOT NULL,
		file_size_bytes INTEGER NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_patients_patient_id ON patients(patient_id, active);

	CREATE TABLE IF NOT EXISTS detection_reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		patient_id INTEGER NOT NULL,
		disease_id TEXT NOT NULL,
		severity INTEGER NOT NULL,
		detected_at TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_reports_patient_id ON detection_reports(patient_id);
	`

	_, err := db.Exec(schema)
	return err
}

const selectActivePatient = `
	SELECT row_id, patient_id, full_name, document_id, age, sex, contact_email,
		registration_date, clinical_notes, checksum_fasta, file_size_bytes, active
	FROM patients
	WHERE patient_id = ? AND active = 1
	ORDER BY row_id DESC
	LIMIT 1`

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanPatient scans a row into a PatientRecord and returns its row id.
func scanPatient(s scanner) (int64, *domain.PatientRecord, error) {
	rec := &domain.PatientRecord{}
	var rowID int64
	var sex, registered string

	err := s.Scan(
		&rowID, &rec.PatientID, &rec.FullName, &rec.DocumentID, &rec.Age, &sex,
		&rec.ContactEmail, &registered, &rec.ClinicalNotes, &rec.FastaChecksum,
		&rec.FileSizeBytes, &rec.Active,
	)
	if err != nil {
		return 0, nil, err
	}

	rec.Sex = domain.Sex(sex)
	ts, err := time.Parse(domain.TimestampLayout, registered)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid registration date for row %d: %w", rowID, err)
	}
	rec.RegistrationTimestamp = ts.UTC()
	return rowID, rec, nil
}

// Create inserts rec unless an active row with the same patient id exists.
func (s *SQLiteStore) Create(ctx context.Context, rec *domain.PatientRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx,
		"SELECT row_id FROM patients WHERE patient_id = ? AND active = 1 LIMIT 1",
		rec.PatientID,
	).Scan(&existing)
	if err == nil {
		return domain.ErrDuplicatePatient
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check existing: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO patients (
			patient_id, full_name, document_id, age, sex, contact_email,
			registration_date, clinical_notes, checksum_fasta, file_size_bytes, active
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.PatientID,
		rec.FullName,
		rec.DocumentID,
		rec.Age,
		rec.Sex.String(),
		rec.ContactEmail,
		rec.RegistrationTimestamp.UTC().Format(domain.TimestampLayout),
		domain.SanitizeField(rec.ClinicalNotes),
		rec.FastaChecksum,
		rec.FileSizeBytes,
		rec.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to insert patient: %w", err)
	}

	return tx.Commit()
}

// FindActiveByID returns the newest active row for id.
func (s *SQLiteStore) FindActiveByID(ctx context.Context, id int64) (*domain.PatientRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, rec, err := scanPatient(s.db.QueryRowContext(ctx, selectActivePatient, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query patient: %w", err)
	}
	return rec, nil
}

// Modify applies fn to the active record for id inside one transaction.
func (s *SQLiteStore) Modify(ctx context.Context, id int64, fn func(*domain.PatientRecord) error) (*domain.PatientRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rowID, rec, err := scanPatient(tx.QueryRowContext(ctx, selectActivePatient, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query patient: %w", err)
	}

	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.PatientID = id

	_, err = tx.ExecContext(ctx, `
		UPDATE patients SET
			full_name = ?,
			document_id = ?,
			age = ?,
			sex = ?,
			contact_email = ?,
			clinical_notes = ?,
			checksum_fasta = ?,
			file_size_bytes = ?,
			active = ?
		WHERE row_id = ?
	`,
		rec.FullName,
		rec.DocumentID,
		rec.Age,
		rec.Sex.String(),
		rec.ContactEmail,
		domain.SanitizeField(rec.ClinicalNotes),
		rec.FastaChecksum,
		rec.FileSizeBytes,
		rec.Active,
		rowID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update patient: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return rec, nil
}

// Deactivate clears the active flag on every active row for id.
func (s *SQLiteStore) Deactivate(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		"UPDATE patients SET active = 0 WHERE patient_id = ? AND active = 1", id)
	if err != nil {
		return fmt.Errorf("failed to deactivate patient: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AppendReport inserts one detection report.
func (s *SQLiteStore) AppendReport(ctx context.Context, report *domain.DetectionReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO detection_reports (patient_id, disease_id, severity, detected_at, description)
		VALUES (?, ?, ?, ?, ?)
	`,
		report.PatientID,
		report.DiseaseID,
		report.Severity,
		report.DetectedAt.UTC().Format(domain.TimestampLayout),
		report.Description,
	)
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}
	return nil
}

// Reports returns the reports recorded for patientID, oldest first.
func (s *SQLiteStore) Reports(ctx context.Context, patientID int64) ([]domain.DetectionReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT patient_id, disease_id, severity, detected_at, description
		FROM detection_reports
		WHERE patient_id = ?
		ORDER BY id ASC
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	var reports []domain.DetectionReport
	for rows.Next() {
		var report domain.DetectionReport
		var detected string
		if err := rows.Scan(&report.PatientID, &report.DiseaseID, &report.Severity, &detected, &report.Description); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		ts, err := time.Parse(domain.TimestampLayout, detected)
		if err != nil {
			return nil, fmt.Errorf("invalid detection date: %w", err)
		}
		report.DetectedAt = ts.UTC()
		reports = append(reports, report)
	}
	return reports, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
