package signature

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genomic-intake-server/internal/domain"
)

func writeSignature(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeSignature(t, dir, "01_flu.fasta", ">D1|Flu|5\nACGT\n  acgt  \n")
	writeSignature(t, dir, "02_covid.fa", ">D2|COVID19|8\r\nGGGCCC\r\n")
	writeSignature(t, dir, "03_bad_header.fasta", "D3|NoMarker|4\nACGT\n")
	writeSignature(t, dir, "04_bad_severity.fasta", ">D4|TooBad|11\nACGT\n")
	writeSignature(t, dir, "05_short_header.fasta", ">D5|Short\nACGT\n")
	writeSignature(t, dir, "06_empty_sequence.fasta", ">D6|Empty|3\n---\n")
	writeSignature(t, dir, "07_duplicate.fasta", ">D1|Other|2\nTTTT\n")
	writeSignature(t, dir, "notes.txt", ">D8|Ignored|1\nACGT\n")
	writeSignature(t, dir, "08_empty.fasta", "")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.fasta"), 0o755))

	logger, hook := test.NewNullLogger()
	idx, err := Load(dir, logger)
	require.NoError(t, err)

	all := idx.All()
	require.Len(t, all, 2)
	assert.Equal(t, domain.DiseaseSignature{DiseaseID: "D1", Name: "Flu", Severity: 5, ReferenceSequence: "ACGTACGT"}, all[0])
	assert.Equal(t, domain.DiseaseSignature{DiseaseID: "D2", Name: "COVID19", Severity: 8, ReferenceSequence: "GGGCCC"}, all[1])

	warnings := 0
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel {
			warnings++
		}
	}
	assert.Equal(t, 6, warnings)
}

func TestLoadMissingDirectory(t *testing.T) {
	logger, _ := test.NewNullLogger()
	_, err := Load(filepath.Join(t.TempDir(), "missing"), logger)
	assert.Error(t, err)
}

func TestFindByID(t *testing.T) {
	idx := NewIndex([]domain.DiseaseSignature{
		{DiseaseID: "D1", Name: "Flu", Severity: 5, ReferenceSequence: "acgtacgt"},
		{DiseaseID: "D2", Name: "Cold", Severity: 2, ReferenceSequence: "TTTT"},
	})

	sig, ok := idx.FindByID("D1")
	require.True(t, ok)
	assert.Equal(t, "Flu", sig.Name)
	assert.Equal(t, "ACGTACGT", sig.ReferenceSequence)

	_, ok = idx.FindByID("D9")
	assert.False(t, ok)
}

func TestMatch(t *testing.T) {
	idx := NewIndex([]domain.DiseaseSignature{
		{DiseaseID: "D1", Name: "Flu", Severity: 5, ReferenceSequence: "ACGTACGT"},
		{DiseaseID: "D2", Name: "Overlap", Severity: 3, ReferenceSequence: "GTAC"},
		{DiseaseID: "D3", Name: "Suffix", Severity: 7, ReferenceSequence: "CGT"},
		{DiseaseID: "D4", Name: "Absent", Severity: 9, ReferenceSequence: "GGGGGG"},
		{DiseaseID: "D5", Name: "WithN", Severity: 1, ReferenceSequence: "NNA"},
	})

	tests := []struct {
		name     string
		sequence string
		want     []string
	}{
		{"full hit reports every contained signature", "TTACGTACGTTT", []string{"D1", "D2", "D3"}},
		{"order follows load order not position", "NNAGTAC", []string{"D2", "D5"}},
		{"no hit", "AAAAAAAA", nil},
		{"empty sequence", "", nil},
		{"pattern longer than sequence", "ACG", nil},
		{"repeated hits reported once", "CGTCGTCGT", []string{"D3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, sig := range idx.Match(tt.sequence) {
				got = append(got, sig.DiseaseID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchAgreesWithNaiveScan(t *testing.T) {
	signatures := []domain.DiseaseSignature{
		{DiseaseID: "A", Name: "a", Severity: 1, ReferenceSequence: "AAC"},
		{DiseaseID: "B", Name: "b", Severity: 1, ReferenceSequence: "ACA"},
		{DiseaseID: "C", Name: "c", Severity: 1, ReferenceSequence: "CAA"},
		{DiseaseID: "D", Name: "d", Severity: 1, ReferenceSequence: "A"},
		{DiseaseID: "E", Name: "e", Severity: 1, ReferenceSequence: "TTT"},
	}
	idx := NewIndex(signatures)

	sequences := []string{"AACAA", "CA", "TT", "GACAG", "TTTT", "AC"}
	for _, seq := range sequences {
		var want []string
		for _, sig := range signatures {
			if containsNaive(seq, sig.ReferenceSequence) {
				want = append(want, sig.DiseaseID)
			}
		}
		var got []string
		for _, sig := range idx.Match(seq) {
			got = append(got, sig.DiseaseID)
		}
		assert.Equal(t, want, got, "sequence %s", seq)
	}
}

func TestMatchSignaturesSharingASequence(t *testing.T) {
	idx := NewIndex([]domain.DiseaseSignature{
		{DiseaseID: "D1", Name: "Flu", Severity: 5, ReferenceSequence: "ACGT"},
		{DiseaseID: "D2", Name: "Other", Severity: 2, ReferenceSequence: "GGCC"},
		{DiseaseID: "D3", Name: "Flu variant", Severity: 6, ReferenceSequence: "acgt"},
	})

	var got []string
	for _, sig := range idx.Match("TTACGTTT") {
		got = append(got, sig.DiseaseID)
	}
	assert.Equal(t, []string{"D1", "D3"}, got)
}

func TestMatchConcurrentUse(t *testing.T) {
	idx := NewIndex([]domain.DiseaseSignature{
		{DiseaseID: "D1", Name: "Flu", Severity: 5, ReferenceSequence: "ACGTACGT"},
		{DiseaseID: "D2", Name: "Cold", Severity: 2, ReferenceSequence: "TTTTGGGG"},
	})
	sequences := map[string][]string{
		"ACGTACGTTTTTGGGG": {"D1", "D2"},
		"AAACGTACGTAA":     {"D1"},
		"TTTTGGGG":         {"D2"},
		"CCCC":             nil,
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		for seq, want := range sequences {
			wg.Add(1)
			go func(seq string, want []string) {
				defer wg.Done()
				for n := 0; n < 50; n++ {
					var got []string
					for _, sig := range idx.Match(seq) {
						got = append(got, sig.DiseaseID)
					}
					assert.Equal(t, want, got, "sequence %s", seq)
				}
			}(seq, want)
		}
	}
	wg.Wait()
}

func containsNaive(text, pattern string) bool {
	for i := 0; i+len(pattern) <= len(text); i++ {
		if text[i:i+len(pattern)] == pattern {
			return true
		}
	}
	return false
}

func TestNewIndexDropsEmptyAndDuplicates(t *testing.T) {
	idx := NewIndex([]domain.DiseaseSignature{
		{DiseaseID: "D1", ReferenceSequence: "ACGT"},
		{DiseaseID: "D2", ReferenceSequence: "xyz"},
		{DiseaseID: "D1", ReferenceSequence: "TTTT"},
	})
	assert.Equal(t, 1, idx.Len())
	assert.Empty(t, idx.Match("TTTT"))
}
