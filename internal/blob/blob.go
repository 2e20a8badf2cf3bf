// Package blob stores uploaded FASTA payloads.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/genomic-intake-server/internal/domain"
)

// Supported blob drivers
const (
	DriverFilesystem = "filesystem"
	DriverS3         = "s3"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("blob not found")

// Store persists payloads under opaque keys.
type Store interface {
	// Put stores everything read from r under key and returns the number of
	// bytes persisted. size is the expected length, or -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64) (int64, error)
	// Open returns a reader over the stored payload.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// NewKey returns a unique payload key for a new upload.
func NewKey(now time.Time) string {
	return fmt.Sprintf("patient_%d_%s.fasta", now.UnixNano(), uuid.New().String())
}

// Open builds the payload store selected by cfg.Driver. Remote drivers are
// wrapped in a circuit breaker.
func Open(ctx context.Context, cfg domain.BlobConfig, logger *logrus.Logger) (Store, error) {
	switch cfg.Driver {
	case DriverFilesystem, "":
		return NewFSStore(cfg.Dir)
	case DriverS3:
		s3Store, err := NewS3Store(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 blob store: %w", err)
		}
		return NewBreakerStore(s3Store, cfg.Breaker, logger), nil
	default:
		return nil, fmt.Errorf("unsupported blob driver: %s", cfg.Driver)
	}
}
