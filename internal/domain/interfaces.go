package domain

import (
	"context"
)

// RecordStore persists patient records and detection reports.
// Every operation is serialized by a single store-wide lock; Modify and
// Deactivate hold it across the whole read-modify-write span.
type RecordStore interface {
	// Create appends rec unless an active record with the same PatientID exists,
	// in which case ErrDuplicatePatient is returned.
	Create(ctx context.Context, rec *PatientRecord) error

	// FindActiveByID returns the active record for id or ErrNotFound.
	FindActiveByID(ctx context.Context, id int64) (*PatientRecord, error)

	// Modify loads the active record for id, applies fn and persists the result.
	// If fn returns an error nothing is written.
	Modify(ctx context.Context, id int64, fn func(*PatientRecord) error) (*PatientRecord, error)

	// Deactivate flips the active flag of id to false or returns ErrNotFound.
	Deactivate(ctx context.Context, id int64) error

	// AppendReport appends one detection report.
	AppendReport(ctx context.Context, report *DetectionReport) error

	// Reports returns the detection reports recorded for patientID, oldest first.
	Reports(ctx context.Context, patientID int64) ([]DetectionReport, error)

	// Close releases resources.
	Close() error
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetServerConfig() *ServerConfig
	GetStorageConfig() *StorageConfig
	Reload() error
	Validate() error
}
