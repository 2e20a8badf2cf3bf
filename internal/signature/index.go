// Package signature loads disease reference sequences and screens patient
// sequences against them.
package signature

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cloudflare/ahocorasick"
	"github.com/sirupsen/logrus"

	"github.com/genomic-intake-server/internal/domain"
	"github.com/genomic-intake-server/pkg/fasta"
)

const (
	minSeverity = 1
	maxSeverity = 10
)

// Index is the immutable set of disease signatures, in load order.
// It is safe for concurrent use without locking.
type Index struct {
	signatures []domain.DiseaseSignature
	byID       map[string]int

	// matcher holds each distinct reference sequence once; owners maps a
	// dictionary index back to the signatures sharing that sequence.
	matcher *ahocorasick.Matcher
	owners  [][]int
}

// NewIndex builds an index from already parsed signatures. Reference
// sequences are normalized; entries with an empty sequence or a repeated
// id are dropped.
func NewIndex(signatures []domain.DiseaseSignature) *Index {
	idx := &Index{byID: make(map[string]int, len(signatures))}
	for _, sig := range signatures {
		sig.ReferenceSequence = fasta.Normalize(sig.ReferenceSequence)
		if sig.ReferenceSequence == "" {
			continue
		}
		if _, exists := idx.byID[sig.DiseaseID]; exists {
			continue
		}
		idx.byID[sig.DiseaseID] = len(idx.signatures)
		idx.signatures = append(idx.signatures, sig)
	}

	var patterns []string
	dictionary := make(map[string]int, len(idx.signatures))
	for i, sig := range idx.signatures {
		d, ok := dictionary[sig.ReferenceSequence]
		if !ok {
			d = len(patterns)
			dictionary[sig.ReferenceSequence] = d
			patterns = append(patterns, sig.ReferenceSequence)
			idx.owners = append(idx.owners, nil)
		}
		idx.owners[d] = append(idx.owners[d], i)
	}
	idx.matcher = ahocorasick.NewStringMatcher(patterns)
	return idx
}

// Load reads every *.fasta and *.fa file in dir, in lexical file name order.
// Malformed files are skipped with a warning; only an unreadable directory
// is an error.
func Load(dir string, logger *logrus.Logger) (*Index, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read signature directory: %w", err)
	}

	var signatures []domain.DiseaseSignature
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".fasta" && ext != ".fa" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		sig, err := parseSignatureFile(path)
		if err != nil {
			logger.WithError(err).WithField("file", path).Warn("Skipping malformed signature file")
			continue
		}
		if previous, ok := seen[sig.DiseaseID]; ok {
			logger.WithFields(logrus.Fields{
				"file":       path,
				"disease_id": sig.DiseaseID,
				"first_file": previous,
			}).Warn("Skipping duplicate disease id")
			continue
		}
		seen[sig.DiseaseID] = path
		signatures = append(signatures, *sig)

		logger.WithFields(logrus.Fields{
			"disease_id": sig.DiseaseID,
			"name":       sig.Name,
			"severity":   sig.Severity,
			"length":     sig.SequenceLength(),
		}).Debug("Loaded disease signature")
	}

	idx := NewIndex(signatures)
	logger.WithFields(logrus.Fields{
		"dir":        dir,
		"signatures": idx.Len(),
	}).Info("Disease signature index loaded")
	return idx, nil
}

// parseSignatureFile reads ">diseaseId|name|severity" followed by sequence lines.
func parseSignatureFile(path string) (*domain.DiseaseSignature, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	header, err := reader.ReadString('\n')
	if err != nil && header == "" {
		return nil, fmt.Errorf("empty signature file")
	}
	header = strings.TrimRight(header, "\r\n")
	if !strings.HasPrefix(header, ">") {
		return nil, fmt.Errorf("header must start with '>'")
	}

	parts := strings.Split(header[1:], "|")
	if len(parts) < 3 {
		return nil, fmt.Errorf("header %q must be diseaseId|name|severity", header)
	}
	id := strings.TrimSpace(parts[0])
	if id == "" {
		return nil, fmt.Errorf("header %q has an empty disease id", header)
	}
	severity, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil || severity < minSeverity || severity > maxSeverity {
		return nil, fmt.Errorf("severity %q must be an integer in [%d, %d]", parts[2], minSeverity, maxSeverity)
	}

	var sequence strings.Builder
	for {
		line, readErr := reader.ReadString('\n')
		sequence.WriteString(strings.TrimSpace(line))
		if readErr != nil {
			break
		}
	}

	normalized := fasta.Normalize(sequence.String())
	if normalized == "" {
		return nil, fmt.Errorf("signature %s has an empty reference sequence", id)
	}

	return &domain.DiseaseSignature{
		DiseaseID:         id,
		Name:              strings.TrimSpace(parts[1]),
		Severity:          severity,
		ReferenceSequence: normalized,
	}, nil
}

// All returns the signatures in load order.
func (idx *Index) All() []domain.DiseaseSignature {
	out := make([]domain.DiseaseSignature, len(idx.signatures))
	copy(out, idx.signatures)
	return out
}

// Len returns the number of loaded signatures.
func (idx *Index) Len() int {
	return len(idx.signatures)
}

// FindByID returns the signature with the given id.
func (idx *Index) FindByID(id string) (domain.DiseaseSignature, bool) {
	i, ok := idx.byID[id]
	if !ok {
		return domain.DiseaseSignature{}, false
	}
	return idx.signatures[i], true
}

// Match returns every signature whose reference sequence occurs in the
// normalized patient sequence, in load order, each at most once.
func (idx *Index) Match(sequence string) []domain.DiseaseSignature {
	if sequence == "" || len(idx.signatures) == 0 {
		return nil
	}

	found := make([]bool, len(idx.signatures))
	for _, d := range idx.matcher.MatchThreadSafe([]byte(sequence)) {
		for _, i := range idx.owners[d] {
			found[i] = true
		}
	}

	var matches []domain.DiseaseSignature
	for i, hit := range found {
		if hit {
			matches = append(matches, idx.signatures[i])
		}
	}
	return matches
}
