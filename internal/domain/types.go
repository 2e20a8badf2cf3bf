package domain

import (
	"errors"
	"strings"
)

// Sex represents the biological sex recorded for a patient
type Sex string

const (
	SexMale   Sex = "M"
	SexFemale Sex = "F"
)

// Store errors shared by every RecordStore implementation
var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicatePatient = errors.New("patient already has an active record")
	ErrStoreClosed      = errors.New("store is closed")
)

// ParseSex normalizes a client supplied value. Matching is case-insensitive.
func ParseSex(value string) (Sex, error) {
	s := Sex(strings.ToUpper(strings.TrimSpace(value)))
	if !s.IsValid() {
		return "", NewValidationError("sex", "sex must be M or F", value)
	}
	return s, nil
}

// ParseOptionalSex is ParseSex for records where the sex may be unrecorded.
// A blank value yields the empty Sex.
func ParseOptionalSex(value string) (Sex, error) {
	if strings.TrimSpace(value) == "" {
		return "", nil
	}
	return ParseSex(value)
}

// IsValid reports whether the value is one of the accepted sex codes.
func (s Sex) IsValid() bool {
	switch s {
	case SexMale, SexFemale:
		return true
	default:
		return false
	}
}

// String returns the string representation of the sex code.
func (s Sex) String() string {
	return string(s)
}
