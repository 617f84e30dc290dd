package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/ansuz/internal/index"
	"github.com/starford/ansuz/internal/models"
)

// Notifier receives pipeline events. Implementations must not block and
// swallow their own delivery failures.
type Notifier interface {
	PublishChecksumUpdate(path, checksum string, size int64, modifiedAt time.Time)
	PublishProgress(p models.Progress)
}

// NopNotifier discards every event.
type NopNotifier struct{}

func (NopNotifier) PublishChecksumUpdate(string, string, int64, time.Time) {}
func (NopNotifier) PublishProgress(models.Progress) {}

// Broadcaster computes progress snapshots and pushes them to a Notifier.
// While work is in flight every snapshot is published; once the index
// settles exactly one idle snapshot is published until work resumes.
type Broadcaster struct {
	store    index.Store
	pool     WorkerPool
	notifier Notifier
	logger   *slog.Logger

	mu         sync.Mutex
	published  bool
	lastActive bool
}

// NewBroadcaster creates a Broadcaster. A nil notifier discards snapshots.
func NewBroadcaster(store index.Store, pool WorkerPool, notifier Notifier, logger *slog.Logger) *Broadcaster {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Broadcaster{store: store, pool: pool, notifier: notifier, logger: logger}
}

// Snapshot returns the current progress without publishing it.
func (b *Broadcaster) Snapshot(ctx context.Context) (models.Progress, error) {
	counts, err := b.store.CountByStatus(ctx)
	if err != nil {
		return models.Progress{}, fmt.Errorf("indexer: progress: %w", err)
	}
	return models.NewProgress(counts, b.pool.Active()), nil
}

// Broadcast computes a snapshot and publishes it, suppressing repeated idle
// snapshots. It reports whether anything was published.
func (b *Broadcaster) Broadcast(ctx context.Context) bool {
	p, err := b.Snapshot(ctx)
	if err != nil {
		b.logger.Warn("progress: snapshot failed", slog.String("error", err.Error()))
		return false
	}

	b.mu.Lock()
	publish := p.IsActive || !b.published || b.lastActive
	if publish {
		b.published = true
		b.lastActive = p.IsActive
	}
	b.mu.Unlock()

	if !publish {
		return false
	}
	if !p.IsActive {
		b.logger.Info("progress: index settled",
			slog.Int("total", p.Total),
			slog.Int("complete", p.Complete),
			slog.Int("error", p.Error))
	}
	b.notifier.PublishProgress(p)
	return true
}
