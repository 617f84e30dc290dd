// Package indexer keeps a filesystem subtree mirrored in the index and drives
// background checksum computation for it.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/checksum"
	"github.com/starford/ansuz/internal/index"
	"github.com/starford/ansuz/internal/models"
)

// Config holds the pipeline settings.
type Config struct {
	Ignore           []string
	RescanSchedule   string
	MaxConcurrent    int
	DispatchInterval time.Duration
	SweepInterval    time.Duration
	SweepBatchSize   int
	StabilityWindow  time.Duration
	RenameWindow     time.Duration
	SoftTimeout      time.Duration
}

// Service wires the scanner, watcher, dispatcher, sweep and checksum pool
// around one store.
type Service struct {
	store    index.Store
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	hashOpts []checksum.PoolOption

	root       string
	pool       *checksum.Pool
	dispatcher *Dispatcher
	scanner    *Scanner
	watcher    *Watcher
	sweep      *Sweep
	progress   *Broadcaster
	cron       *cron.Cron

	runCtx   context.Context
	cancel   context.CancelFunc
	g        *errgroup.Group
	ready    atomic.Bool
	rescanMu sync.Mutex
	// coalesced full-rescan requests from the watcher
	rescanReq chan struct{}
	stopOnce  sync.Once
}

// NewService creates a stopped service. A nil notifier discards events.
func NewService(store index.Store, notifier Notifier, cfg Config, logger *slog.Logger, opts ...checksum.PoolOption) *Service {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, notifier: notifier, cfg: cfg, logger: logger, hashOpts: opts}
}

// Initialize recovers unfinished rows, starts the pool, dispatcher, sweep and
// watcher, and returns after the initial scan of root.
func (s *Service) Initialize(ctx context.Context, root string) error {
	if s.cancel != nil {
		return fmt.Errorf("indexer: initialize: %w", apperr.ErrAlreadyExists)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("indexer: resolve root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	s.root = abs

	ignore := NewIgnoreMatcher(s.cfg.Ignore)
	s.pool = checksum.NewPool(s.store, checksum.PoolConfig{
		MaxConcurrent: s.cfg.MaxConcurrent,
		SoftTimeout:   s.cfg.SoftTimeout,
	}, s.logger, s.hashOpts...)
	s.dispatcher = NewDispatcher(s.pool, s.cfg.DispatchInterval, s.logger)
	s.scanner = NewScanner(abs, s.store, s.dispatcher, ignore, s.logger)
	s.rescanReq = make(chan struct{}, 1)
	s.watcher = NewWatcher(abs, s.store, s.scanner, s.dispatcher, ignore, WatcherConfig{
		StabilityWindow: s.cfg.StabilityWindow,
		RenameWindow:    s.cfg.RenameWindow,
		OnOverflow:      s.requestRescan,
	}, s.logger)
	s.progress = NewBroadcaster(s.store, s.pool, s.notifier, s.logger)
	s.sweep = NewSweep(s.store, s.pool, s.progress, s.cfg.SweepInterval, s.cfg.SweepBatchSize, s.logger)

	if _, err := s.sweep.ResetUnfinished(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.runCtx, s.cancel = runCtx, cancel

	s.pool.OnDone(s.jobDone)
	s.pool.Start(runCtx)

	g, gCtx := errgroup.WithContext(runCtx)
	s.g = g
	g.Go(func() error { return s.dispatcher.Run(gCtx) })
	g.Go(func() error { return s.sweep.Run(gCtx) })
	g.Go(func() error { return s.rescanLoop(gCtx) })
	g.Go(func() error {
		if err := s.watcher.Run(gCtx); err != nil {
			s.logger.Error("watcher: failed", slog.String("error", err.Error()))
		}
		return nil
	})

	select {
	case <-s.watcher.Ready():
	case <-s.watcher.stopped:
	case <-ctx.Done():
		s.Shutdown()
		return ctx.Err()
	}

	res, err := s.scanner.Scan(ctx, abs)
	if err != nil {
		s.Shutdown()
		return fmt.Errorf("indexer: initial scan: %w", err)
	}
	s.ready.Store(true)
	s.progress.Broadcast(runCtx)

	if err := s.startSchedule(); err != nil {
		s.Shutdown()
		return err
	}

	s.logger.Info("indexer: initialized",
		slog.String("root", abs),
		slog.String("run_id", res.RunID),
		slog.Int("files", res.Files),
		slog.Int("enqueued", res.Enqueued))
	return nil
}

func (s *Service) startSchedule() error {
	if s.cfg.RescanSchedule == "" {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.RescanSchedule, func() {
		if _, err := s.Rescan(s.runCtx); err != nil && !errors.Is(err, apperr.ErrConflict) {
			s.logger.Warn("indexer: scheduled rescan failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("indexer: rescan schedule %q: %w", s.cfg.RescanSchedule, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("indexer: rescan scheduled", slog.String("schedule", s.cfg.RescanSchedule))
	return nil
}

// jobDone publishes the digest of a finished job and refreshes progress.
func (s *Service) jobDone(res checksum.Result) {
	if res.Outcome == checksum.OutcomeComplete {
		s.notifier.PublishChecksumUpdate(res.Path, res.Checksum, res.Size, res.ModifiedAt)
	}
	s.progress.Broadcast(s.runCtx)
}

// Root returns the resolved root directory.
func (s *Service) Root() string { return s.root }

// Ready reports whether the initial scan has completed.
func (s *Service) Ready() bool { return s.ready.Load() }

// Resolve maps a slash-separated path relative to the root onto an absolute
// path, rejecting anything that escapes the root.
func (s *Service) Resolve(rel string) (string, error) {
	clean := filepath.Clean("/" + strings.TrimPrefix(filepath.ToSlash(rel), "/"))
	abs := filepath.Join(s.root, filepath.FromSlash(clean))
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", apperr.ErrOutsideRoot
	}
	return abs, nil
}

// MarkUploadStart suppresses watcher events for path while it is written.
func (s *Service) MarkUploadStart(path string) {
	s.watcher.MarkUploadStart(filepath.Clean(path))
}

// MarkUploadComplete schedules a single index update for path.
func (s *Service) MarkUploadComplete(path string) {
	s.watcher.MarkUploadComplete(filepath.Clean(path))
}

// ListDirectory returns the indexed direct children of dir.
func (s *Service) ListDirectory(ctx context.Context, dir string) ([]models.DirItem, error) {
	dir = filepath.Clean(dir)
	if dir != s.root && !strings.HasPrefix(dir, s.root+string(filepath.Separator)) {
		return nil, apperr.ErrOutsideRoot
	}
	if dir != s.root {
		e, err := s.store.Get(ctx, dir)
		if err != nil {
			return nil, err
		}
		if !e.IsDir {
			return nil, fmt.Errorf("indexer: %s is not a directory: %w", dir, apperr.ErrConflict)
		}
	}
	children, err := s.store.FindChildren(ctx, dir)
	if err != nil {
		return nil, err
	}
	items := make([]models.DirItem, 0, len(children))
	for _, e := range children {
		items = append(items, models.NewDirItem(filepath.Base(e.Path), e))
	}
	return items, nil
}

// Entry returns the indexed entry for path.
func (s *Service) Entry(ctx context.Context, path string) (*models.Entry, error) {
	return s.store.Get(ctx, filepath.Clean(path))
}

// Progress returns the current progress snapshot.
func (s *Service) Progress(ctx context.Context) (models.Progress, error) {
	return s.progress.Snapshot(ctx)
}

// Rescan scans the whole root again. Only one rescan runs at a time; a
// concurrent call fails with apperr.ErrConflict.
func (s *Service) Rescan(ctx context.Context) (ScanResult, error) {
	if !s.rescanMu.TryLock() {
		return ScanResult{}, fmt.Errorf("indexer: rescan in progress: %w", apperr.ErrConflict)
	}
	defer s.rescanMu.Unlock()

	res, err := s.scanner.Scan(ctx, s.root)
	if err != nil {
		return res, fmt.Errorf("indexer: rescan: %w", err)
	}
	s.progress.Broadcast(ctx)
	return res, nil
}

// requestRescan asks for a full rescan without blocking. Requests made while
// one is queued collapse into it.
func (s *Service) requestRescan() {
	select {
	case s.rescanReq <- struct{}{}:
	default:
	}
}

// rescanLoop serves rescan requests. Unlike Rescan it waits for a running
// scan to finish, so every request is followed by a complete pass.
func (s *Service) rescanLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.rescanReq:
		}

		s.rescanMu.Lock()
		res, err := s.scanner.Scan(ctx, s.root)
		s.rescanMu.Unlock()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("indexer: recovery rescan failed", slog.String("error", err.Error()))
			continue
		}
		s.progress.Broadcast(ctx)
		s.logger.Info("indexer: recovery rescan finished",
			slog.String("run_id", res.RunID),
			slog.Int("enqueued", res.Enqueued),
			slog.Int("removed", res.Removed))
	}
}

// Shutdown stops the cron schedule, the loops and the pool. Rows left
// generating are recovered on the next Initialize.
func (s *Service) Shutdown() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
		if s.g != nil {
			_ = s.g.Wait()
		}
		if s.pool != nil {
			s.pool.Wait()
		}
		s.logger.Info("indexer: stopped")
	})
}
