package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is used for every timestamp that leaves the process,
// on the wire and in the persisted CSV columns.
const TimestampLayout = time.RFC3339

// PatientRecord is one registered patient submission.
// Records are never physically removed; Active flips to false on delete.
type PatientRecord struct {
	PatientID             int64     `json:"patient_id"`
	DocumentID            string    `json:"document_id"`
	FullName              string    `json:"full_name"`
	Age                   int       `json:"age"`
	Sex                   Sex       `json:"sex"`
	ContactEmail          string    `json:"contact_email"`
	RegistrationTimestamp time.Time `json:"registration_timestamp"`
	ClinicalNotes         string    `json:"clinical_notes"`
	FastaChecksum         string    `json:"fasta_checksum"`
	FileSizeBytes         int64     `json:"file_size_bytes"`
	Active                bool      `json:"active"`
}

// Fields returns the record as ordered key/value pairs, in persisted column order.
func (p *PatientRecord) Fields() []Field {
	return []Field{
		{"patientID", strconv.FormatInt(p.PatientID, 10)},
		{"fullName", p.FullName},
		{"documentID", p.DocumentID},
		{"age", strconv.Itoa(p.Age)},
		{"sex", p.Sex.String()},
		{"contactEmail", p.ContactEmail},
		{"registrationDate", p.RegistrationTimestamp.UTC().Format(TimestampLayout)},
		{"clinicalNotes", p.ClinicalNotes},
		{"checksumFasta", p.FastaChecksum},
		{"fileSizeBytes", strconv.FormatInt(p.FileSizeBytes, 10)},
		{"active", strconv.FormatBool(p.Active)},
	}
}

// Field is a single named value of a record.
type Field struct {
	Key   string
	Value string
}

// DiseaseSignature is a reference sequence loaded at startup.
// Signatures are immutable once loaded.
type DiseaseSignature struct {
	DiseaseID         string `json:"disease_id"`
	Name              string `json:"name"`
	Severity          int    `json:"severity"`
	ReferenceSequence string `json:"-"`
}

// SequenceLength is exposed instead of the sequence itself in listings.
func (d *DiseaseSignature) SequenceLength() int {
	return len(d.ReferenceSequence)
}

// DetectionReport records one signature match for a newly created patient.
// Reports are append-only.
type DetectionReport struct {
	PatientID   int64     `json:"patient_id"`
	DiseaseID   string    `json:"disease_id"`
	Severity    int       `json:"severity"`
	DetectedAt  time.Time `json:"detected_at"`
	Description string    `json:"description"`
}

// NewDetectionReport builds the report emitted when signature matches the patient's sequence.
func NewDetectionReport(patientID int64, signature DiseaseSignature, at time.Time) *DetectionReport {
	return &DetectionReport{
		PatientID:   patientID,
		DiseaseID:   signature.DiseaseID,
		Severity:    signature.Severity,
		DetectedAt:  at.UTC(),
		Description: fmt.Sprintf("Match found with %s", signature.Name),
	}
}

// CSV renders the report in the comma separated layout shared by the
// DETECTION response line and the reports file.
func (r *DetectionReport) CSV() string {
	return fmt.Sprintf("%d,%s,%d,%s,%s",
		r.PatientID,
		SanitizeField(r.DiseaseID),
		r.Severity,
		r.DetectedAt.UTC().Format(TimestampLayout),
		SanitizeField(r.Description),
	)
}

var fieldReplacer = strings.NewReplacer(",", ";", "\r", " ", "\n", " ")

// SanitizeField makes free text safe for a comma separated row.
// Commas become semicolons; the substitution is lossy but deterministic.
func SanitizeField(value string) string {
	return fieldReplacer.Replace(value)
}
