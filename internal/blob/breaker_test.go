package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/genomic-intake-server/internal/domain"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Put(ctx context.Context, key string, r io.Reader, size int64) (int64, error) {
	args := m.Called(ctx, key, r, size)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	args := m.Called(ctx, key)
	if rc := args.Get(0); rc != nil {
		return rc.(io.ReadCloser), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func TestBreakerStore_PassThrough(t *testing.T) {
	logger, _ := test.NewNullLogger()
	next := new(MockStore)
	store := NewBreakerStore(next, domain.BreakerConfig{}, logger)
	ctx := context.Background()

	next.On("Put", ctx, "k", mock.Anything, int64(4)).Return(int64(4), nil)
	next.On("Open", ctx, "k").Return(io.NopCloser(strings.NewReader("ACGT")), nil)
	next.On("Delete", ctx, "k").Return(nil)

	n, err := store.Put(ctx, "k", strings.NewReader("ACGT"), 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	rc, err := store.Open(ctx, "k")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "ACGT", string(data))

	require.NoError(t, store.Delete(ctx, "k"))
	next.AssertExpectations(t)
}

func TestBreakerStore_TripsOnFailures(t *testing.T) {
	logger, hook := test.NewNullLogger()
	next := new(MockStore)
	store := NewBreakerStore(next, domain.BreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute}, logger)
	ctx := context.Background()

	failure := errors.New("connection refused")
	next.On("Put", ctx, "k", mock.Anything, int64(1)).Return(int64(0), failure)

	for i := 0; i < 3; i++ {
		_, err := store.Put(ctx, "k", strings.NewReader("A"), 1)
		assert.ErrorIs(t, err, failure)
	}
	assert.Equal(t, gobreaker.StateOpen, store.State())

	_, err := store.Put(ctx, "k", strings.NewReader("A"), 1)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	next.AssertNumberOfCalls(t, "Put", 3)
	assert.NotEmpty(t, hook.AllEntries(), "state change is logged")
}

func TestBreakerStore_NotFoundDoesNotTrip(t *testing.T) {
	logger, _ := test.NewNullLogger()
	next := new(MockStore)
	store := NewBreakerStore(next, domain.BreakerConfig{}, logger)
	ctx := context.Background()

	next.On("Open", ctx, "missing").Return(nil, ErrNotFound)
	for i := 0; i < 5; i++ {
		_, err := store.Open(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, gobreaker.StateClosed, store.State())
}
