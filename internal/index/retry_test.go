package index

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/ansuz/internal/models"
)

// flakyStore fails Upsert with the given error a fixed number of times.
type flakyStore struct {
	Store
	failures int
	err      error
	calls    int
}

func (f *flakyStore) Upsert(_ context.Context, _ models.Entry) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.True(t, IsTransient(fmt.Errorf("index: upsert: %w", sqlite3.Error{Code: sqlite3.ErrLocked})))
	assert.False(t, IsTransient(sqlite3.Error{Code: sqlite3.ErrConstraint}))
	assert.False(t, IsTransient(errors.New("boom")))
	assert.False(t, IsTransient(nil))
}

func TestGateway_RetriesBusyThenSucceeds(t *testing.T) {
	fs := &flakyStore{failures: 2, err: fmt.Errorf("index: upsert: %w", sqlite3.Error{Code: sqlite3.ErrBusy})}
	g := NewGateway(fs, fastRetry(), nil)

	err := g.Upsert(context.Background(), models.Entry{Path: "/a"})
	require.NoError(t, err)
	assert.Equal(t, 3, fs.calls)
}

func TestGateway_GivesUpAfterMaxRetries(t *testing.T) {
	fs := &flakyStore{failures: 100, err: sqlite3.Error{Code: sqlite3.ErrLocked}}
	g := NewGateway(fs, fastRetry(), nil)

	err := g.Upsert(context.Background(), models.Entry{Path: "/a"})
	require.Error(t, err)
	assert.True(t, IsTransient(err), "exhausted retries should surface the underlying error")
	assert.Equal(t, 4, fs.calls, "one attempt plus MaxRetries retries")
}

func TestGateway_DoesNotRetryPermanentErrors(t *testing.T) {
	permanent := errors.New("disk on fire")
	fs := &flakyStore{failures: 100, err: permanent}
	g := NewGateway(fs, fastRetry(), nil)

	err := g.Upsert(context.Background(), models.Entry{Path: "/a"})
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, fs.calls)
}

func TestGateway_PassesThroughToDB(t *testing.T) {
	db := testDB(t)
	g := NewGateway(db, DefaultRetryConfig(), nil)
	ctx := context.Background()

	require.NoError(t, g.Upsert(ctx, fileEntry("/g/a.txt", 1, models.StatusPending)))
	counts, err := g.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.StatusPending])

	n, err := g.DeleteWhere(ctx, "/g")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
