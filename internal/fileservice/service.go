// Package fileservice coordinates managed file operations with the indexer.
package fileservice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/indexer"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/storage"
)

// Indexer is the part of indexer.Service the file operations depend on.
type Indexer interface {
	Root() string
	Ready() bool
	MarkUploadStart(path string)
	MarkUploadComplete(path string)
	ListDirectory(ctx context.Context, dir string) ([]models.DirItem, error)
	Entry(ctx context.Context, path string) (*models.Entry, error)
	Progress(ctx context.Context) (models.Progress, error)
	Rescan(ctx context.Context) (indexer.ScanResult, error)
}

var _ Indexer = (*indexer.Service)(nil)

// FileDetail is the full representation of one indexed path.
type FileDetail struct {
	Path       string                `json:"path"`
	Size       int64                 `json:"size"`
	ModifiedAt time.Time             `json:"modified_at"`
	IsDir      bool                  `json:"is_dir"`
	Checksum   string                `json:"checksum,omitempty"`
	Status     models.ChecksumStatus `json:"checksum_status"`
	ChecksumAt *time.Time            `json:"checksum_generated_at,omitempty"`
}

// UploadResult describes a completed upload.
type UploadResult struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Service exposes the index and managed writes by root-relative path.
type Service struct {
	store  storage.Provider
	idx    Indexer
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a new file service.
func NewService(store storage.Provider, idx Indexer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{store: store, idx: idx, logger: logger, ctx: ctx, cancel: cancel}
}

// Ready reports whether the initial scan has completed.
func (s *Service) Ready() bool { return s.idx.Ready() }

// List returns the indexed children of the directory at rel.
func (s *Service) List(ctx context.Context, rel string) ([]models.DirItem, error) {
	abs, err := s.store.Resolve(rel)
	if err != nil {
		return nil, err
	}
	return s.idx.ListDirectory(ctx, abs)
}

// Entry returns the index record for rel.
func (s *Service) Entry(ctx context.Context, rel string) (*FileDetail, error) {
	abs, err := s.store.Resolve(rel)
	if err != nil {
		return nil, err
	}
	e, err := s.idx.Entry(ctx, abs)
	if err != nil {
		return nil, err
	}
	return s.detail(e), nil
}

func (s *Service) detail(e *models.Entry) *FileDetail {
	d := &FileDetail{
		Path:       s.relative(e.Path),
		Size:       e.Size,
		ModifiedAt: e.ModifiedAt,
		IsDir:      e.IsDir,
		Status:     e.Status,
		ChecksumAt: e.ChecksumAt,
	}
	if e.Checksum != nil {
		d.Checksum = *e.Checksum
	}
	return d
}

func (s *Service) relative(abs string) string {
	rel, err := filepath.Rel(s.idx.Root(), abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

// Upload streams r into rel. The watcher ignores the path while the write
// runs and indexes it exactly once afterwards.
func (s *Service) Upload(ctx context.Context, rel string, r io.Reader) (*UploadResult, error) {
	abs, err := s.store.Resolve(rel)
	if err != nil {
		return nil, err
	}
	if abs == s.idx.Root() {
		return nil, fmt.Errorf("fileservice: upload onto root: %w", apperr.ErrConflict)
	}

	start := time.Now()
	s.idx.MarkUploadStart(abs)
	n, err := s.store.WriteStream(rel, r)
	s.idx.MarkUploadComplete(abs)
	if err != nil {
		return nil, fmt.Errorf("fileservice: upload %s: %w", rel, err)
	}

	s.logger.Info("fileservice: upload complete",
		slog.String("path", abs),
		slog.String("size", humanize.Bytes(uint64(n))),
		slog.Duration("duration", time.Since(start)))
	return &UploadResult{Path: s.relative(abs), Size: n}, nil
}

// Delete removes the file or directory tree at rel. The watcher drops the
// index entries.
func (s *Service) Delete(_ context.Context, rel string) error {
	return s.store.Delete(rel)
}

// Move renames from to to. The watcher pairs the rename and keeps digests.
func (s *Service) Move(_ context.Context, from, to string) error {
	return s.store.Move(from, to)
}

// Progress returns the current progress snapshot.
func (s *Service) Progress(ctx context.Context) (models.Progress, error) {
	return s.idx.Progress(ctx)
}

// Rescan runs a full rescan and waits for it.
func (s *Service) Rescan(ctx context.Context) (indexer.ScanResult, error) {
	return s.idx.Rescan(ctx)
}

// StartRescan runs a full rescan in the background. It is cancelled by Close.
func (s *Service) StartRescan() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.idx.Rescan(s.ctx)
		switch {
		case errors.Is(err, apperr.ErrConflict):
			s.logger.Info("fileservice: rescan already running")
		case err != nil:
			s.logger.Error("fileservice: rescan failed", slog.String("error", err.Error()))
		default:
			s.logger.Info("fileservice: rescan finished",
				slog.String("run_id", res.RunID),
				slog.Int("files", res.Files),
				slog.Int("enqueued", res.Enqueued))
		}
	}()
}

// Close cancels background rescans and waits for them.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}
