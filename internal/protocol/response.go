package protocol

import (
	"bufio"
	"fmt"
	"io"

	"github.com/genomic-intake-server/internal/domain"
)

// ResponseWriter buffers response lines and sends them in one flush per command.
type ResponseWriter struct {
	w *bufio.Writer
}

// NewResponseWriter wraps w
func NewResponseWriter(w io.Writer) *ResponseWriter {
	return &ResponseWriter{w: bufio.NewWriter(w)}
}

func (rw *ResponseWriter) line(format string, args ...interface{}) error {
	_, err := fmt.Fprintf(rw.w, format+"\n", args...)
	return err
}

// Error writes "ERROR <code> <REASON>".
func (rw *ResponseWriter) Error(e *domain.ProtocolError) error {
	if err := rw.line("%s", e.Error()); err != nil {
		return err
	}
	return rw.w.Flush()
}

// Created writes the CREATE_PATIENT response: the status line, one DETECTION
// line per report and the END_DETECTIONS sentinel.
func (rw *ResponseWriter) Created(patientID int64, reports []*domain.DetectionReport) error {
	if err := rw.line("201 CREATED patient_id: %d", patientID); err != nil {
		return err
	}
	for _, report := range reports {
		if err := rw.line("DETECTION %s", report.CSV()); err != nil {
			return err
		}
	}
	if err := rw.line("%s", EndDetections); err != nil {
		return err
	}
	return rw.w.Flush()
}

// Record writes "OK" followed by one "key: value" line per record field.
func (rw *ResponseWriter) Record(rec *domain.PatientRecord) error {
	if err := rw.line("OK"); err != nil {
		return err
	}
	for _, field := range rec.Fields() {
		if err := rw.line("%s: %s", field.Key, domain.SanitizeField(field.Value)); err != nil {
			return err
		}
	}
	return rw.w.Flush()
}

// OK writes "OK <message>".
func (rw *ResponseWriter) OK(message string) error {
	if err := rw.line("OK %s", message); err != nil {
		return err
	}
	return rw.w.Flush()
}
