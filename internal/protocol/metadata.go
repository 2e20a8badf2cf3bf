package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Wire literals
const (
	CmdCreatePatient   = "CREATE_PATIENT"
	CmdRetrievePatient = "RETRIEVE_PATIENT"
	CmdUpdatePatient   = "UPDATE_PATIENT"
	CmdDeletePatient   = "DELETE_PATIENT"

	EndMetadata   = "END_METADATA"
	StartFasta    = "START_FASTA"
	EndDetections = "END_DETECTIONS"
)

// Metadata keys understood by the handler
const (
	KeyPatientID     = "patient_id"
	KeyFullName      = "full_name"
	KeyDocumentID    = "document_id"
	KeyAge           = "age"
	KeySex           = "sex"
	KeyContactEmail  = "contact_email"
	KeyRegistration  = "registration_date"
	KeyClinicalNotes = "clinical_notes"
	KeyChecksum      = "checksum_fasta"
	KeyFileSize      = "file_size_bytes"
)

// Metadata is the key/value block sent between a command line and END_METADATA.
type Metadata map[string]string

// Get returns the value for key and whether it was sent.
func (m Metadata) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// Has reports whether key was sent.
func (m Metadata) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// ReadMetadata consumes lines up to and including END_METADATA. Each line is
// split on its first ':'; keys and values are trimmed, the last occurrence of
// a key wins and lines without ':' are ignored.
func ReadMetadata(f *FramedReader) (Metadata, error) {
	md := make(Metadata)
	for {
		line, err := f.ReadLine()
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(line) == EndMetadata {
			return md, nil
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		md[key] = strings.TrimSpace(value)
	}
}

// ParseStartFasta parses "START_FASTA <nbytes>" and returns nbytes.
func ParseStartFasta(line string) (int64, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != StartFasta {
		return 0, fmt.Errorf("malformed payload header %q", line)
	}
	n, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid payload length %q", fields[1])
	}
	return n, nil
}

// ParseCommand splits a command line into its verb and arguments.
func ParseCommand(line string) (string, []string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}
