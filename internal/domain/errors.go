package domain

import (
	"fmt"
)

// ProtocolError is a failure reported to the client as a single
// "ERROR <code> <REASON>" line. It never closes the connection.
type ProtocolError struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ERROR %d %s", e.Code, e.Reason)
}

// Is matches any ProtocolError with the same code and reason, so errors
// decoded from a response compare equal to the sentinels below.
func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	return ok && t.Code == e.Code && t.Reason == e.Reason
}

// Status codes used on the wire
const (
	StatusBadRequest          = 400
	StatusNotFound            = 404
	StatusConflict            = 409
	StatusUnprocessable       = 422
	StatusInternalServerError = 500
)

// Reasons paired with the status codes above
const (
	ReasonBadRequest         = "BAD_REQUEST"
	ReasonUnknownCommand     = "UNKNOWN_COMMAND"
	ReasonMissingDocumentID  = "MISSING_DOCUMENT_ID"
	ReasonInvalidDocumentID  = "INVALID_DOCUMENT_ID"
	ReasonInvalidAge         = "INVALID_AGE"
	ReasonMissingPatientID   = "MISSING_PATIENT_ID"
	ReasonNotFound           = "NOT_FOUND"
	ReasonDuplicatePatient   = "DUPLICATE_PATIENT"
	ReasonInvalidFastaHeader = "INVALID_FASTA_HEADER"
	ReasonInvalidFasta       = "INVALID_FASTA"
	ReasonChecksumMismatch   = "CHECKSUM_MISMATCH"
	ReasonServerError        = "SERVER_ERROR"
)

// NewProtocolError creates a new ProtocolError
func NewProtocolError(code int, reason string) *ProtocolError {
	return &ProtocolError{Code: code, Reason: reason}
}

var (
	ErrBadRequest         = NewProtocolError(StatusBadRequest, ReasonBadRequest)
	ErrUnknownCommand     = NewProtocolError(StatusBadRequest, ReasonUnknownCommand)
	ErrMissingDocumentID  = NewProtocolError(StatusBadRequest, ReasonMissingDocumentID)
	ErrInvalidDocumentID  = NewProtocolError(StatusBadRequest, ReasonInvalidDocumentID)
	ErrInvalidAge         = NewProtocolError(StatusBadRequest, ReasonInvalidAge)
	ErrMissingPatientID   = NewProtocolError(StatusBadRequest, ReasonMissingPatientID)
	ErrPatientNotFound    = NewProtocolError(StatusNotFound, ReasonNotFound)
	ErrPatientExists      = NewProtocolError(StatusConflict, ReasonDuplicatePatient)
	ErrInvalidFastaHeader = NewProtocolError(StatusUnprocessable, ReasonInvalidFastaHeader)
	ErrInvalidFasta       = NewProtocolError(StatusUnprocessable, ReasonInvalidFasta)
	ErrChecksumMismatch   = NewProtocolError(StatusUnprocessable, ReasonChecksumMismatch)
	ErrServerError        = NewProtocolError(StatusInternalServerError, ReasonServerError)
)

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}
