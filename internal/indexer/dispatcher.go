package indexer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/ansuz/internal/checksum"
	"github.com/starford/ansuz/internal/metrics"
)

// WorkerPool is the slot-reservation surface of the checksum pool shared by
// the dispatcher and the sweep.
type WorkerPool interface {
	TrySubmit(path string) bool
	IsActive(path string) bool
	Active() int
	Free() int
}

var _ WorkerPool = (*checksum.Pool)(nil)

// Enqueuer accepts paths that need a checksum.
type Enqueuer interface {
	Enqueue(path string)
}

// Dispatcher feeds live checksum work into the pool. Paths are kept in
// arrival order and de-duplicated; every tick it hands the pool as many
// paths as there are free slots.
type Dispatcher struct {
	pool     WorkerPool
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	queue  []string
	queued map[string]struct{}
}

// NewDispatcher creates a dispatcher ticking every interval.
func NewDispatcher(pool WorkerPool, interval time.Duration, logger *slog.Logger) *Dispatcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Dispatcher{
		pool:     pool,
		interval: interval,
		logger:   logger,
		queued:   make(map[string]struct{}),
	}
}

// Enqueue adds path unless it is already queued or being hashed.
func (d *Dispatcher) Enqueue(path string) {
	if d.pool.IsActive(path) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.queued[path]; ok {
		return
	}
	d.queued[path] = struct{}{}
	d.queue = append(d.queue, path)
	metrics.ChecksumQueueDepth.Set(float64(len(d.queue)))
}

// Len returns the number of queued paths.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Dispatch submits queued paths while the pool has free slots and returns
// how many were accepted. Paths that another feeder already made active are
// dropped; rejected paths keep their place.
func (d *Dispatcher) Dispatch() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	free := d.pool.Free()
	if free <= 0 || len(d.queue) == 0 {
		return 0
	}

	submitted := 0
	kept := d.queue[:0]
	for _, p := range d.queue {
		switch {
		case submitted >= free:
			kept = append(kept, p)
		case d.pool.TrySubmit(p):
			submitted++
			delete(d.queued, p)
		case d.pool.IsActive(p):
			delete(d.queued, p)
		default:
			kept = append(kept, p)
		}
	}
	clear(d.queue[len(kept):])
	d.queue = kept
	metrics.ChecksumQueueDepth.Set(float64(len(d.queue)))
	return submitted
}

// Run dispatches on every tick until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("dispatcher: started", slog.Duration("interval", d.interval))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher: stopped", slog.Int("queued", d.Len()))
			return nil
		case <-ticker.C:
			if n := d.Dispatch(); n > 0 {
				d.logger.Debug("dispatcher: submitted", slog.Int("count", n), slog.Int("queued", d.Len()))
			}
		}
	}
}
