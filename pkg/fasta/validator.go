// Package fasta validates, hashes and normalizes FASTA payloads.
package fasta

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"github.com/genomic-intake-server/internal/domain"
)

// chunkSize is the read size used while hashing and scanning payloads.
const chunkSize = 4096

// Policy selects how characters outside {A,C,G,T,N} in sequence lines are treated
type Policy int

const (
	// Lenient silently discards stray characters in sequence lines.
	Lenient Policy = iota
	// Strict rejects a payload containing any stray character in sequence lines.
	Strict
)

// String returns the policy name used in logs and configuration.
func (p Policy) String() string {
	if p == Strict {
		return "strict"
	}
	return "lenient"
}

// Inspection is the result of a single pass over a payload
type Inspection struct {
	Checksum string
	Size     int64
	Sequence string // normalized sequence lines, headers excluded

	// Problem is non-nil when the payload is not acceptable FASTA.
	Problem *domain.ValidationError
}

// Valid reports whether the payload passed format validation.
func (i *Inspection) Valid() bool {
	return i.Problem == nil
}

// Validator provides FASTA validation functionality
type Validator struct {
	policy Policy
}

// NewValidator creates a new FASTA validator
func NewValidator(policy Policy) *Validator {
	return &Validator{policy: policy}
}

// Policy returns the configured validation policy.
func (v *Validator) Policy() Policy {
	return v.policy
}

// Inspect hashes, measures, validates and normalizes r in one pass.
// The returned error is reserved for read failures; format problems are
// reported through Inspection.Problem.
func (v *Validator) Inspect(r io.Reader) (*Inspection, error) {
	hash := sha256.New()
	scanner := newSequenceScanner(v.policy, true)

	size, err := io.CopyBuffer(io.MultiWriter(hash, scanner), r, make([]byte, chunkSize))
	if err != nil {
		return nil, err
	}

	return &Inspection{
		Checksum: hex.EncodeToString(hash.Sum(nil)),
		Size:     size,
		Sequence: scanner.sequence.String(),
		Problem:  scanner.finish(),
	}, nil
}

// ValidateFormat checks that r is FASTA: the first non-empty line starts with
// '>' and every following line is sequence data under the validator's policy.
func (v *Validator) ValidateFormat(r io.Reader) error {
	scanner := newSequenceScanner(v.policy, false)
	if _, err := io.CopyBuffer(scanner, r, make([]byte, chunkSize)); err != nil {
		return err
	}
	if problem := scanner.finish(); problem != nil {
		return problem
	}
	return nil
}

// Checksum streams r through SHA-256 and returns the lowercase hex digest.
func Checksum(r io.Reader) (string, error) {
	hash := sha256.New()
	if _, err := io.CopyBuffer(hash, r, make([]byte, chunkSize)); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// ChecksumMatches compares a client claimed digest with a computed one.
func ChecksumMatches(claimed, computed string) bool {
	return strings.EqualFold(strings.TrimSpace(claimed), computed)
}

// Normalize upper-cases s and drops every character outside {A,C,G,T,N}.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if c, ok := nucleotide(s[i]); ok {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// nucleotide returns the upper-case base for c when c is in {A,C,G,T,N}.
func nucleotide(c byte) (byte, bool) {
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	switch c {
	case 'A', 'C', 'G', 'T', 'N':
		return c, true
	}
	return 0, false
}

func isBlank(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r'
}

// sequenceScanner is an io.Writer that validates FASTA byte by byte, so
// payload lines of any length are handled without buffering them.
type sequenceScanner struct {
	policy     Policy
	collect    bool
	sequence   strings.Builder
	line       int
	lineStart  bool
	inHeader   bool
	seenHeader bool
	problem    *domain.ValidationError
}

func newSequenceScanner(policy Policy, collect bool) *sequenceScanner {
	return &sequenceScanner{policy: policy, collect: collect, line: 1, lineStart: true}
}

func (s *sequenceScanner) Write(p []byte) (int, error) {
	for _, c := range p {
		s.feed(c)
	}
	return len(p), nil
}

func (s *sequenceScanner) feed(c byte) {
	if c == '\n' {
		s.line++
		s.lineStart = true
		s.inHeader = false
		return
	}
	if s.problem != nil {
		return
	}
	if s.lineStart {
		if !s.seenHeader && isBlank(c) {
			return
		}
		s.lineStart = false
		if c == '>' {
			s.inHeader = true
			s.seenHeader = true
			return
		}
		if !s.seenHeader {
			s.problem = domain.NewValidationError("fasta", "first non-empty line must start with '>'", s.line)
			return
		}
	}
	if s.inHeader {
		return
	}
	if base, ok := nucleotide(c); ok {
		if s.collect {
			s.sequence.WriteByte(base)
		}
		return
	}
	if s.policy == Strict && !isBlank(c) {
		s.problem = domain.NewValidationError("fasta", "sequence line contains a character outside A, C, G, T, N", s.line)
	}
}

func (s *sequenceScanner) finish() *domain.ValidationError {
	if s.problem == nil && !s.seenHeader {
		s.problem = domain.NewValidationError("fasta", "missing header line", s.line)
	}
	return s.problem
}
