package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/ansuz/internal/index"
	"github.com/starford/ansuz/internal/metrics"
	"github.com/starford/ansuz/internal/models"
)

// Sweep redrives entries that are still pending or failed, independently of
// the live dispatcher. It is what guarantees every file eventually reaches a
// terminal status, including files whose job was lost to a crash.
type Sweep struct {
	store     index.Store
	pool      WorkerPool
	progress  *Broadcaster
	interval  time.Duration
	batchSize int
	logger    *slog.Logger

	// last failed path submitted; failed rows resume after it next cycle.
	errCursor string
}

// NewSweep creates a sweep running every interval over at most batchSize rows.
func NewSweep(store index.Store, pool WorkerPool, progress *Broadcaster, interval time.Duration, batchSize int, logger *slog.Logger) *Sweep {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Sweep{
		store:     store,
		pool:      pool,
		progress:  progress,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
	}
}

// ResetUnfinished moves every generating or error row back to pending.
// Rows left generating belong to jobs that died with the previous process.
func (s *Sweep) ResetUnfinished(ctx context.Context) (int64, error) {
	n, err := s.store.UpdateWhereStatusIn(ctx,
		[]models.ChecksumStatus{models.StatusGenerating, models.StatusError}, models.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("indexer: reset unfinished: %w", err)
	}
	if n > 0 {
		s.logger.Info("sweep: reset unfinished entries", slog.Int64("count", n))
	}
	return n, nil
}

// RunOnce submits pending rows that are not already being hashed, up to the
// pool's free slots, then broadcasts progress. It returns how many paths
// were accepted.
func (s *Sweep) RunOnce(ctx context.Context) (int, error) {
	metrics.SweepRunsTotal.Inc()
	defer s.progress.Broadcast(ctx)

	if s.pool.Free() == 0 {
		return 0, nil
	}
	rows, err := s.store.ListPending(ctx, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("indexer: sweep: %w", err)
	}

	submitted := 0
	for _, e := range s.rotateFailed(rows) {
		if s.pool.Free() == 0 {
			break
		}
		if s.pool.IsActive(e.Path) {
			continue
		}
		if s.pool.TrySubmit(e.Path) {
			submitted++
			if e.Status == models.StatusError {
				s.errCursor = e.Path
			}
		}
	}
	if submitted > 0 {
		metrics.SweepSubmittedTotal.Add(float64(submitted))
		s.logger.Debug("sweep: submitted", slog.Int("count", submitted), slog.Int("candidates", len(rows)))
	}
	return submitted, nil
}

// rotateFailed keeps pending rows in front and reorders the failed tail so
// it starts after errCursor, giving every failed row a turn.
func (s *Sweep) rotateFailed(rows []models.Entry) []models.Entry {
	split := len(rows)
	for i, e := range rows {
		if e.Status == models.StatusError {
			split = i
			break
		}
	}
	failed := rows[split:]
	start := 0
	for start < len(failed) && failed[start].Path <= s.errCursor {
		start++
	}
	if start == 0 || start == len(failed) {
		return rows
	}
	out := make([]models.Entry, 0, len(rows))
	out = append(out, rows[:split]...)
	out = append(out, failed[start:]...)
	return append(out, failed[:start]...)
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweep) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweep: started", slog.Duration("interval", s.interval), slog.Int("batch", s.batchSize))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweep: stopped")
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Warn("sweep: cycle failed", slog.String("error", err.Error()))
			}
		}
	}
}
