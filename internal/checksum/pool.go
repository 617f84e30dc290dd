package checksum

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/starford/ansuz/internal/index"
	"github.com/starford/ansuz/internal/metrics"
	"github.com/starford/ansuz/internal/models"
)

// Outcome classifies how a job ended.
type Outcome string

// Job outcomes.
const (
	OutcomeComplete Outcome = "complete"
	OutcomeError    Outcome = "error"
	OutcomeVanished Outcome = "vanished"
	OutcomeStale    Outcome = "stale"
	OutcomeSkipped  Outcome = "skipped"
)

// Result is reported to completion callbacks after the store was updated.
type Result struct {
	Path       string
	Outcome    Outcome
	Checksum   string
	Size       int64
	ModifiedAt time.Time
	Duration   time.Duration
	Err        error
}

// HashFunc computes the digest of the file at path.
type HashFunc func(path string) (string, error)

// PoolConfig bounds the pool.
type PoolConfig struct {
	MaxConcurrent int
	SoftTimeout   time.Duration
}

// Pool runs a fixed number of long-lived hashing goroutines. Submissions go
// through a shared active set, so a path is never hashed twice concurrently
// and the number of jobs in flight never exceeds MaxConcurrent, no matter how
// many feeders compete for slots.
type Pool struct {
	store  index.Store
	cfg    PoolConfig
	logger *slog.Logger
	hash   HashFunc

	jobs chan string

	mu     sync.Mutex
	active map[string]struct{}
	onDone []func(Result)

	g *errgroup.Group
}

// PoolOption customises a Pool.
type PoolOption func(*Pool)

// WithHashFunc replaces the digest function (File by default).
func WithHashFunc(fn HashFunc) PoolOption {
	return func(p *Pool) {
		p.hash = fn
	}
}

// NewPool creates a stopped pool. Call Start to launch the workers.
func NewPool(store index.Store, cfg PoolConfig, logger *slog.Logger, opts ...PoolOption) *Pool {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		store:  store,
		cfg:    cfg,
		logger: logger,
		hash:   File,
		jobs:   make(chan string, cfg.MaxConcurrent),
		active: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnDone registers a callback invoked after every finished job. Register
// callbacks before Start.
func (p *Pool) OnDone(fn func(Result)) {
	p.mu.Lock()
	p.onDone = append(p.onDone, fn)
	p.mu.Unlock()
}

// Start launches MaxConcurrent workers that run until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.MaxConcurrent; i++ {
		g.Go(func() error {
			p.worker(gCtx)
			return nil
		})
	}
	p.g = g
	p.logger.Info("checksum: pool started", slog.Int("workers", p.cfg.MaxConcurrent))
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	if p.g != nil {
		_ = p.g.Wait()
	}
}

// TrySubmit reserves a slot for path. It returns false when path is already
// active or every slot is taken; the caller keeps the path for a later try.
func (p *Pool) TrySubmit(path string) bool {
	p.mu.Lock()
	if _, ok := p.active[path]; ok || len(p.active) >= p.cfg.MaxConcurrent {
		p.mu.Unlock()
		return false
	}
	p.active[path] = struct{}{}
	metrics.ChecksumActiveWorkers.Set(float64(len(p.active)))
	p.mu.Unlock()

	// Never blocks: the buffer holds MaxConcurrent paths and at most
	// MaxConcurrent paths are active.
	p.jobs <- path
	return true
}

// IsActive reports whether path is queued or being hashed.
func (p *Pool) IsActive(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[path]
	return ok
}

// Active returns the number of reserved slots.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Free returns the number of unreserved slots.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.MaxConcurrent - len(p.active)
}

// MaxConcurrent returns the configured slot count.
func (p *Pool) MaxConcurrent() int {
	return p.cfg.MaxConcurrent
}

func (p *Pool) release(path string) []func(Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, path)
	metrics.ChecksumActiveWorkers.Set(float64(len(p.active)))
	return p.onDone
}

func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-p.jobs:
			res := p.process(ctx, path)
			callbacks := p.release(path)
			for _, fn := range callbacks {
				fn(res)
			}
		}
	}
}

// process hashes one file and records the outcome in the store.
func (p *Pool) process(ctx context.Context, path string) Result {
	start := time.Now()
	res := Result{Path: path}
	defer func() {
		res.Duration = time.Since(start)
		metrics.ChecksumJobDuration.Observe(res.Duration.Seconds())
	}()

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			p.removeVanished(ctx, path)
			res.Outcome = OutcomeVanished
			return res
		}
		p.markError(ctx, path, err)
		res.Outcome, res.Err = OutcomeError, err
		return res
	}
	if info.IsDir() {
		res.Outcome = OutcomeSkipped
		return res
	}
	res.Size, res.ModifiedAt = info.Size(), info.ModTime()

	if err := p.store.SetStatus(ctx, path, models.StatusGenerating); err != nil {
		p.logger.Warn("checksum: set generating failed", slog.String("path", path), slog.String("error", err.Error()))
	}

	var soft *time.Timer
	if p.cfg.SoftTimeout > 0 {
		soft = time.AfterFunc(p.cfg.SoftTimeout, func() {
			metrics.ChecksumSoftTimeouts.Inc()
			p.logger.Warn("checksum: job exceeds soft timeout",
				slog.String("path", path),
				slog.Duration("timeout", p.cfg.SoftTimeout),
				slog.String("size", humanize.Bytes(uint64(info.Size()))))
		})
	}
	sum, err := p.safeHash(path)
	if soft != nil {
		soft.Stop()
	}

	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			p.removeVanished(ctx, path)
			res.Outcome = OutcomeVanished
			return res
		}
		p.markError(ctx, path, err)
		res.Outcome, res.Err = OutcomeError, err
		return res
	}

	stored, err := p.store.SetChecksum(ctx, path, info.Size(), info.ModTime(), sum, time.Now())
	if err != nil {
		p.logger.Warn("checksum: store result failed", slog.String("path", path), slog.String("error", err.Error()))
		res.Outcome, res.Err = OutcomeError, err
		return res
	}
	if !stored {
		// The stored metadata no longer matches what was hashed. Record the
		// fresh metadata as pending so the sweep hashes it again.
		p.logger.Debug("checksum: metadata changed during hashing", slog.String("path", path))
		if fresh, err := os.Stat(path); err == nil {
			info = fresh
		}
		if err := p.store.Upsert(ctx, models.Entry{
			Path:       path,
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
			Status:     models.StatusPending,
		}); err != nil {
			p.logger.Warn("checksum: reset stale entry failed", slog.String("path", path), slog.String("error", err.Error()))
		}
		res.Outcome = OutcomeStale
		return res
	}

	metrics.ChecksumJobsTotal.WithLabelValues(string(OutcomeComplete)).Inc()
	metrics.ChecksumBytesTotal.Add(float64(info.Size()))
	p.logger.Debug("checksum: complete",
		slog.String("path", path),
		slog.String("size", humanize.Bytes(uint64(info.Size()))),
		slog.Duration("took", time.Since(start)))
	res.Outcome, res.Checksum = OutcomeComplete, sum
	return res
}

// safeHash runs the digest and converts a panic into an error so one bad job
// never takes the worker down.
func (p *Pool) safeHash(path string) (sum string, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ChecksumJobsTotal.WithLabelValues("panic").Inc()
			err = fmt.Errorf("checksum: worker panic: %v", r)
		}
	}()
	return p.hash(path)
}

func (p *Pool) removeVanished(ctx context.Context, path string) {
	metrics.ChecksumJobsTotal.WithLabelValues(string(OutcomeVanished)).Inc()
	if _, err := p.store.DeleteWhere(ctx, path); err != nil {
		p.logger.Warn("checksum: remove vanished entry failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	p.logger.Debug("checksum: file vanished, entry removed", slog.String("path", path))
}

func (p *Pool) markError(ctx context.Context, path string, cause error) {
	metrics.ChecksumJobsTotal.WithLabelValues(string(OutcomeError)).Inc()
	p.logger.Warn("checksum: hashing failed", slog.String("path", path), slog.String("error", cause.Error()))
	if err := p.store.SetStatus(ctx, path, models.StatusError); err != nil {
		p.logger.Warn("checksum: set error status failed", slog.String("path", path), slog.String("error", err.Error()))
	}
}
