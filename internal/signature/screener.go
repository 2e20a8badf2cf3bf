package signature

import (
	"sync/atomic"

	"github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/genomic-intake-server/internal/domain"
)

// defaultCacheSize is used when the configured cache size is not positive
const defaultCacheSize = 256

// Screener matches patient sequences against the index and remembers the
// outcome per payload checksum, so resubmitted payloads skip the scan.
type Screener struct {
	index  *Index
	cache  *lru.Cache
	logger *logrus.Logger

	hits   int64
	misses int64
}

// ScreenerStats represents screening cache statistics
type ScreenerStats struct {
	Signatures int   `json:"signatures"`
	CacheSize  int   `json:"cache_entries"`
	Hits       int64 `json:"cache_hits"`
	Misses     int64 `json:"cache_misses"`
}

// NewScreener creates a screener over index with an LRU cache of cacheSize entries
func NewScreener(index *Index, cacheSize int, logger *logrus.Logger) (*Screener, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Screener{index: index, cache: cache, logger: logger}, nil
}

// Index returns the underlying signature index.
func (s *Screener) Index() *Index {
	return s.index
}

// Screen returns the signatures detected in sequence. checksum identifies the
// payload the sequence was derived from; an empty checksum bypasses the cache.
func (s *Screener) Screen(checksum, sequence string) []domain.DiseaseSignature {
	if checksum != "" {
		if cached, ok := s.cache.Get(checksum); ok {
			atomic.AddInt64(&s.hits, 1)
			return cloneSignatures(cached.([]domain.DiseaseSignature))
		}
		atomic.AddInt64(&s.misses, 1)
	}

	matches := s.index.Match(sequence)
	if checksum != "" {
		s.cache.Add(checksum, cloneSignatures(matches))
	}

	s.logger.WithFields(logrus.Fields{
		"checksum":        checksum,
		"sequence_length": len(sequence),
		"matches":         len(matches),
	}).Debug("Screened sequence against disease signatures")
	return matches
}

// Stats returns a snapshot of the cache counters.
func (s *Screener) Stats() ScreenerStats {
	return ScreenerStats{
		Signatures: s.index.Len(),
		CacheSize:  s.cache.Len(),
		Hits:       atomic.LoadInt64(&s.hits),
		Misses:     atomic.LoadInt64(&s.misses),
	}
}

func cloneSignatures(in []domain.DiseaseSignature) []domain.DiseaseSignature {
	if in == nil {
		return nil
	}
	out := make([]domain.DiseaseSignature, len(in))
	copy(out, in)
	return out
}
