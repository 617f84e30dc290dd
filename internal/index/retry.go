package index

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/sethvargo/go-retry"

	"github.com/starford/ansuz/internal/metrics"
	"github.com/starford/ansuz/internal/models"
)

// RetryConfig bounds the backoff applied to busy/locked store errors.
type RetryConfig struct {
	MaxRetries uint64
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns the backoff used in production.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 5,
		BaseDelay:  25 * time.Millisecond,
		MaxDelay:   time.Second,
	}
}

// IsTransient reports whether err is a SQLite busy/locked contention error.
func IsTransient(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// Gateway wraps a Store and retries transient contention errors with
// exponential backoff. Every pipeline write goes through it because the
// database serializes writers while the scanner, watcher, workers and sweep
// all write concurrently.
type Gateway struct {
	store  Store
	cfg    RetryConfig
	logger *slog.Logger
}

// NewGateway wraps store with the given retry policy.
func NewGateway(store Store, cfg RetryConfig, logger *slog.Logger) *Gateway {
	if cfg.BaseDelay <= 0 {
		cfg = DefaultRetryConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{store: store, cfg: cfg, logger: logger}
}

func (g *Gateway) backoff() retry.Backoff {
	b := retry.NewExponential(g.cfg.BaseDelay)
	if g.cfg.MaxDelay > 0 {
		b = retry.WithCappedDuration(g.cfg.MaxDelay, b)
	}
	return retry.WithMaxRetries(g.cfg.MaxRetries, b)
}

func (g *Gateway) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	err := retry.Do(ctx, g.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && IsTransient(err) {
			metrics.StoreRetriesTotal.WithLabelValues(op).Inc()
			g.logger.Debug("store: transient error, retrying",
				slog.String("operation", op),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && IsTransient(err) {
		metrics.StoreFailuresTotal.WithLabelValues(op).Inc()
	}
	return err
}

func (g *Gateway) Get(ctx context.Context, path string) (*models.Entry, error) {
	var out *models.Entry
	err := g.do(ctx, "find", func(ctx context.Context) error {
		var err error
		out, err = g.store.Get(ctx, path)
		return err
	})
	return out, err
}

func (g *Gateway) FindByPrefix(ctx context.Context, dir string) ([]models.Entry, error) {
	var out []models.Entry
	err := g.do(ctx, "find", func(ctx context.Context) error {
		var err error
		out, err = g.store.FindByPrefix(ctx, dir)
		return err
	})
	return out, err
}

func (g *Gateway) FindChildren(ctx context.Context, dir string) ([]models.Entry, error) {
	var out []models.Entry
	err := g.do(ctx, "find", func(ctx context.Context) error {
		var err error
		out, err = g.store.FindChildren(ctx, dir)
		return err
	})
	return out, err
}

func (g *Gateway) Upsert(ctx context.Context, e models.Entry) error {
	return g.do(ctx, "upsert", func(ctx context.Context) error {
		return g.store.Upsert(ctx, e)
	})
}

func (g *Gateway) UpsertBatch(ctx context.Context, entries []models.Entry) error {
	return g.do(ctx, "upsert_batch", func(ctx context.Context) error {
		return g.store.UpsertBatch(ctx, entries)
	})
}

func (g *Gateway) SetStatus(ctx context.Context, path string, status models.ChecksumStatus) error {
	return g.do(ctx, "set_status", func(ctx context.Context) error {
		return g.store.SetStatus(ctx, path, status)
	})
}

func (g *Gateway) SetChecksum(ctx context.Context, path string, size int64, modTime time.Time, sum string, at time.Time) (bool, error) {
	var ok bool
	err := g.do(ctx, "set_checksum", func(ctx context.Context) error {
		var err error
		ok, err = g.store.SetChecksum(ctx, path, size, modTime, sum, at)
		return err
	})
	return ok, err
}

func (g *Gateway) UpdateWhereStatusIn(ctx context.Context, from []models.ChecksumStatus, to models.ChecksumStatus) (int64, error) {
	var n int64
	err := g.do(ctx, "update_where_status", func(ctx context.Context) error {
		var err error
		n, err = g.store.UpdateWhereStatusIn(ctx, from, to)
		return err
	})
	return n, err
}

func (g *Gateway) DeleteWhere(ctx context.Context, path string) (int64, error) {
	var n int64
	err := g.do(ctx, "delete", func(ctx context.Context) error {
		var err error
		n, err = g.store.DeleteWhere(ctx, path)
		return err
	})
	return n, err
}

func (g *Gateway) Rename(ctx context.Context, oldPath, newPath string) (int64, error) {
	var n int64
	err := g.do(ctx, "rename", func(ctx context.Context) error {
		var err error
		n, err = g.store.Rename(ctx, oldPath, newPath)
		return err
	})
	return n, err
}

func (g *Gateway) CountByStatus(ctx context.Context) (models.StatusCounts, error) {
	var out models.StatusCounts
	err := g.do(ctx, "count", func(ctx context.Context) error {
		var err error
		out, err = g.store.CountByStatus(ctx)
		return err
	})
	return out, err
}

func (g *Gateway) ListPending(ctx context.Context, limit int) ([]models.Entry, error) {
	var out []models.Entry
	err := g.do(ctx, "list_pending", func(ctx context.Context) error {
		var err error
		out, err = g.store.ListPending(ctx, limit)
		return err
	})
	return out, err
}
