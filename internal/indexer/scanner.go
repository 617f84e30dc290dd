package indexer

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/starford/ansuz/internal/index"
	"github.com/starford/ansuz/internal/metrics"
	"github.com/starford/ansuz/internal/models"
)

// ScanResult summarises one scan.
type ScanResult struct {
	RunID       string        `json:"run_id"`
	Root        string        `json:"root"`
	Directories int           `json:"directories"`
	Files       int           `json:"files"`
	Enqueued    int           `json:"enqueued"`
	Removed     int           `json:"removed"`
	Errors      int           `json:"errors"`
	Duration    time.Duration `json:"duration"`
}

// Scanner walks a directory tree and brings the index in line with disk:
//   - new and changed files are upserted as pending and enqueued
//   - unchanged files are left alone
//   - entries whose paths vanished are deleted with their subtree
type Scanner struct {
	root   string
	store  index.Store
	queue  Enqueuer
	ignore *IgnoreMatcher
	logger *slog.Logger
}

// NewScanner creates a scanner for the tree under root.
func NewScanner(root string, store index.Store, queue Enqueuer, ignore *IgnoreMatcher, logger *slog.Logger) *Scanner {
	return &Scanner{root: root, store: store, queue: queue, ignore: ignore, logger: logger}
}

// Scan indexes the subtree under dir. Directories are processed one at a
// time from an explicit stack. A failure inside one directory only skips
// that branch; the returned error is non-nil only when ctx ends the scan.
func (s *Scanner) Scan(ctx context.Context, dir string) (ScanResult, error) {
	return s.ScanExcept(ctx, dir, nil)
}

// ScanExcept is Scan with paths for which hold returns true left as they
// are in the index.
func (s *Scanner) ScanExcept(ctx context.Context, dir string, hold func(path string) bool) (ScanResult, error) {
	start := time.Now()
	res := ScanResult{RunID: uuid.NewString(), Root: dir}
	log := s.logger.With(slog.String("run_id", res.RunID))
	log.Info("scanner: started", slog.String("dir", dir))
	metrics.ScanRunsTotal.Inc()

	stack := []string{dir}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			res.Duration = time.Since(start)
			return res, err
		}
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		subdirs := s.scanDir(ctx, log, current, hold, &res)
		// Push in reverse so siblings are visited in name order.
		slices.Reverse(subdirs)
		stack = append(stack, subdirs...)
	}

	res.Duration = time.Since(start)
	log.Info("scanner: finished",
		slog.Int("directories", res.Directories),
		slog.Int("files", res.Files),
		slog.Int("enqueued", res.Enqueued),
		slog.Int("removed", res.Removed),
		slog.Int("errors", res.Errors),
		slog.Duration("took", res.Duration))
	return res, nil
}

// scanDir reconciles the direct children of dir and returns its
// subdirectories.
func (s *Scanner) scanDir(ctx context.Context, log *slog.Logger, dir string, hold func(string) bool, res *ScanResult) []string {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		res.Errors++
		metrics.ScanErrorsTotal.Inc()
		log.Warn("scanner: read dir failed", slog.String("dir", dir), slog.String("error", err.Error()))
		return nil
	}

	known := make(map[string]models.Entry)
	children, err := s.store.FindChildren(ctx, dir)
	if err != nil {
		// Without the lookup every child is treated as new and nothing is
		// removed; the next scan repairs it.
		res.Errors++
		log.Warn("scanner: lookup children failed", slog.String("dir", dir), slog.String("error", err.Error()))
	}
	for _, e := range children {
		known[e.Path] = e
	}

	var (
		batch   []models.Entry
		enqueue []string
		subdirs []string
		seen    = make(map[string]struct{}, len(dirents))
	)
	for _, de := range dirents {
		p := filepath.Join(dir, de.Name())
		if s.ignore.Ignored(s.root, p) {
			continue
		}
		if hold != nil && hold(p) {
			seen[p] = struct{}{}
			continue
		}
		info, err := de.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				res.Errors++
				metrics.ScanErrorsTotal.Inc()
				log.Warn("scanner: stat failed", slog.String("path", p), slog.String("error", err.Error()))
			}
			continue
		}
		if !indexable(info) {
			continue
		}
		seen[p] = struct{}{}
		prev, indexed := known[p]

		if info.IsDir() {
			res.Directories++
			metrics.ScanEntriesTotal.WithLabelValues("dir").Inc()
			subdirs = append(subdirs, p)
			if !indexed || !prev.IsDir || prev.MetadataChanged(0, info.ModTime()) || prev.Status != models.StatusComplete {
				batch = append(batch, dirEntry(p, info))
			}
			continue
		}

		res.Files++
		metrics.ScanEntriesTotal.WithLabelValues("file").Inc()
		if indexed && prev.IsDir {
			// A file now stands where a directory was indexed.
			if n, err := s.store.DeleteWhere(ctx, p); err != nil {
				res.Errors++
				log.Warn("scanner: remove replaced dir failed", slog.String("path", p), slog.String("error", err.Error()))
			} else if n > 1 {
				res.Removed += int(n) - 1
			}
		}
		if !indexed || prev.IsDir || prev.MetadataChanged(info.Size(), info.ModTime()) {
			batch = append(batch, pendingEntry(p, info))
			enqueue = append(enqueue, p)
			continue
		}
		if prev.NeedsChecksum(info.Size(), info.ModTime()) {
			enqueue = append(enqueue, p)
		}
	}

	for p := range known {
		if _, ok := seen[p]; ok {
			continue
		}
		n, err := s.store.DeleteWhere(ctx, p)
		if err != nil {
			res.Errors++
			log.Warn("scanner: remove stale failed", slog.String("path", p), slog.String("error", err.Error()))
			continue
		}
		res.Removed += int(n)
		log.Debug("scanner: removed stale", slog.String("path", p), slog.Int64("entries", n))
	}

	if err := s.store.UpsertBatch(ctx, batch); err != nil {
		res.Errors++
		log.Warn("scanner: upsert failed", slog.String("dir", dir), slog.Int("entries", len(batch)), slog.String("error", err.Error()))
		return subdirs
	}

	// Rows exist now, so workers can record results against them.
	for _, p := range enqueue {
		s.queue.Enqueue(p)
	}
	res.Enqueued += len(enqueue)
	return subdirs
}

// indexable reports whether info describes a regular file or a directory.
// Symlinks, devices, sockets and pipes are never indexed.
func indexable(info fs.FileInfo) bool {
	return info.Mode().IsRegular() || info.IsDir()
}

func dirEntry(path string, info fs.FileInfo) models.Entry {
	return models.Entry{
		Path:       path,
		ModifiedAt: info.ModTime(),
		IsDir:      true,
		Status:     models.StatusComplete,
	}
}

func pendingEntry(path string, info fs.FileInfo) models.Entry {
	return models.Entry{
		Path:       path,
		Size:       info.Size(),
		ModifiedAt: info.ModTime(),
		Status:     models.StatusPending,
	}
}
