package blob

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/genomic-intake-server/internal/domain"
)

// BreakerStore wraps a remote Store with a circuit breaker so a failing
// backend is rejected fast instead of stalling every upload.
type BreakerStore struct {
	next    Store
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerStore creates a new breaker around next
func NewBreakerStore(next Store, cfg domain.BreakerConfig, logger *logrus.Logger) *BreakerStore {
	maxRequests := cfg.MaxRequests
	if maxRequests == 0 {
		maxRequests = 5
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = 30 * time.Second
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "blob-store",
		MaxRequests: maxRequests,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker changed state")
		},
	})

	return &BreakerStore{next: next, breaker: breaker}
}

// State returns the current breaker state.
func (b *BreakerStore) State() gobreaker.State {
	return b.breaker.State()
}

func (b *BreakerStore) Put(ctx context.Context, key string, r io.Reader, size int64) (int64, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.next.Put(ctx, key, r, size)
	})
	if err != nil {
		n, _ := result.(int64)
		return n, err
	}
	return result.(int64), nil
}

func (b *BreakerStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.next.Open(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return result.(io.ReadCloser), nil
}

func (b *BreakerStore) Delete(ctx context.Context, key string) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.next.Delete(ctx, key)
	})
	return err
}
