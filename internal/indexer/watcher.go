package indexer

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/index"
	"github.com/starford/ansuz/internal/metrics"
	"github.com/starford/ansuz/internal/models"
)

// Op is the kind of change carried by an Event.
type Op uint8

// Event operations.
const (
	OpCreate Op = iota + 1
	OpWrite
	OpRemove
	OpRename
	OpUploadStart
	OpUploadComplete
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	case OpUploadStart:
		return "upload_start"
	case OpUploadComplete:
		return "upload_complete"
	}
	return "unknown"
}

// Event is a typed change message consumed by the watcher loop. Info, when
// set, is trusted instead of a fresh stat.
type Event struct {
	Path string
	Op   Op
	Info fs.FileInfo

	ack chan struct{}
}

// WatcherConfig tunes the watcher timers.
type WatcherConfig struct {
	StabilityWindow time.Duration
	RenameWindow    time.Duration

	// OnOverflow runs on the loop when the kernel queue dropped events. It
	// must not block.
	OnOverflow func()
}

type stabilityTimer struct {
	timer *time.Timer
	gen   uint64
}

type timerFired struct {
	path string
	gen  uint64
}

type renameCandidate struct {
	entry models.Entry
	timer *time.Timer
	gen   uint64
}

// Watcher keeps the index in sync with live filesystem changes. One loop
// goroutine owns every timer, the upload suppression set and the rename
// candidates; everything else talks to it through channels.
type Watcher struct {
	root    string
	store   index.Store
	scanner *Scanner
	queue   Enqueuer
	ignore  *IgnoreMatcher
	cfg     WatcherConfig
	logger  *slog.Logger

	inbox   chan Event
	fired   chan timerFired
	expired chan timerFired
	ready   chan struct{}
	stopped chan struct{}

	// Loop-owned state.
	fsw        *fsnotify.Watcher
	timers     map[string]*stabilityTimer
	infos      map[string]fs.FileInfo
	suppressed map[string]struct{}
	renames    map[string]*renameCandidate
	gen        uint64

	// settled is called after every committed index update. Test hook.
	settled func(path string)
}

// NewWatcher creates a watcher for root. Call Run to start it.
func NewWatcher(root string, store index.Store, scanner *Scanner, queue Enqueuer, ignore *IgnoreMatcher, cfg WatcherConfig, logger *slog.Logger) *Watcher {
	if cfg.StabilityWindow <= 0 {
		cfg.StabilityWindow = 2 * time.Second
	}
	if cfg.RenameWindow <= 0 {
		cfg.RenameWindow = 250 * time.Millisecond
	}
	return &Watcher{
		root:       root,
		store:      store,
		scanner:    scanner,
		queue:      queue,
		ignore:     ignore,
		cfg:        cfg,
		logger:     logger,
		inbox:      make(chan Event, 256),
		fired:      make(chan timerFired),
		expired:    make(chan timerFired),
		ready:      make(chan struct{}),
		stopped:    make(chan struct{}),
		timers:     make(map[string]*stabilityTimer),
		infos:      make(map[string]fs.FileInfo),
		suppressed: make(map[string]struct{}),
		renames:    make(map[string]*renameCandidate),
	}
}

// Ready is closed once every directory under root is being watched.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// Notify injects a write for path with authoritative stats, so the loop does
// not stat the file again when the stability window elapses.
func (w *Watcher) Notify(path string, info fs.FileInfo) {
	w.send(Event{Path: path, Op: OpWrite, Info: info})
}

// MarkUploadStart suppresses all events for path until MarkUploadComplete.
// It returns once the loop has applied the suppression.
func (w *Watcher) MarkUploadStart(path string) {
	w.sendAndWait(Event{Path: path, Op: OpUploadStart})
}

// MarkUploadComplete lifts the suppression for path and schedules exactly
// one index update after the stability window.
func (w *Watcher) MarkUploadComplete(path string) {
	w.sendAndWait(Event{Path: path, Op: OpUploadComplete})
}

func (w *Watcher) send(ev Event) bool {
	select {
	case w.inbox <- ev:
		return true
	case <-w.stopped:
		return false
	}
}

func (w *Watcher) sendAndWait(ev Event) {
	ev.ack = make(chan struct{})
	if !w.send(ev) {
		return
	}
	select {
	case <-ev.ack:
	case <-w.stopped:
	}
}

// Run watches root until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.stopped)

	fsw, err := fsnotify.NewBufferedWatcher(1024)
	if err != nil {
		return err
	}
	defer fsw.Close()
	w.fsw = fsw

	w.addDirs(w.root)
	close(w.ready)
	w.logger.Info("watcher: started",
		slog.String("root", w.root),
		slog.Duration("stability_window", w.cfg.StabilityWindow))

	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			w.logger.Info("watcher: stopped")
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleFS(ctx, ev)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.watchError(err)

		case ev := <-w.inbox:
			w.handle(ctx, ev)
			if ev.ack != nil {
				close(ev.ack)
			}

		case f := <-w.fired:
			if t, ok := w.timers[f.path]; ok && t.gen == f.gen {
				delete(w.timers, f.path)
				w.commit(ctx, f.path)
			}

		case f := <-w.expired:
			if c, ok := w.renames[f.path]; ok && c.gen == f.gen {
				delete(w.renames, f.path)
				w.remove(ctx, f.path, "rename unmatched")
			}
		}
	}
}

// watchError handles an error reported by fsnotify. An overflow means
// creates may have been lost, so the whole tree has to be rescanned.
func (w *Watcher) watchError(err error) {
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		metrics.WatcherEventsTotal.WithLabelValues("overflow").Inc()
		w.logger.Warn("watcher: event queue overflowed", slog.String("error", err.Error()))
		if w.cfg.OnOverflow != nil {
			w.cfg.OnOverflow()
		}
		return
	}
	w.logger.Error("watcher: error", slog.String("error", err.Error()))
}

// handleFS converts an fsnotify event into a typed Event.
func (w *Watcher) handleFS(ctx context.Context, ev fsnotify.Event) {
	if w.ignore.Ignored(w.root, ev.Name) {
		return
	}
	var op Op
	switch {
	case ev.Has(fsnotify.Remove):
		op = OpRemove
	case ev.Has(fsnotify.Rename):
		op = OpRename
	case ev.Has(fsnotify.Create):
		op = OpCreate
	case ev.Has(fsnotify.Write):
		op = OpWrite
	default:
		// Chmod only.
		return
	}
	metrics.WatcherEventsTotal.WithLabelValues(op.String()).Inc()
	w.handle(ctx, Event{Path: ev.Name, Op: op})
}

func (w *Watcher) isSuppressed(path string) bool {
	_, ok := w.suppressed[path]
	return ok
}

func (w *Watcher) handle(ctx context.Context, ev Event) {
	path := filepath.Clean(ev.Path)

	switch ev.Op {
	case OpUploadStart:
		w.suppressed[path] = struct{}{}
		w.cancelTimer(path)
		w.logger.Debug("watcher: upload started", slog.String("path", path))
		return
	case OpUploadComplete:
		delete(w.suppressed, path)
		w.logger.Debug("watcher: upload complete", slog.String("path", path))
		w.arm(path, nil)
		return
	}

	if w.isSuppressed(path) {
		return
	}

	switch ev.Op {
	case OpCreate:
		w.created(ctx, path, ev.Info)
	case OpWrite:
		w.arm(path, ev.Info)
	case OpRemove:
		w.cancelTimer(path)
		w.dropCandidate(path)
		w.remove(ctx, path, "removed")
	case OpRename:
		w.cancelTimer(path)
		w.renamedFrom(ctx, path)
	}
}

// created handles a new path: the destination of a move, a new directory,
// or a new file.
func (w *Watcher) created(ctx context.Context, path string, info fs.FileInfo) {
	if info == nil {
		var err error
		info, err = os.Lstat(path)
		if err != nil {
			return
		}
	}
	if !indexable(info) {
		return
	}

	if old, ok := w.matchCandidate(path, info); ok {
		w.renamedTo(ctx, old, path, info)
		return
	}

	if !info.IsDir() {
		w.arm(path, info)
		return
	}

	w.addDirs(path)
	if err := w.store.Upsert(ctx, dirEntry(path, info)); err != nil {
		w.logger.Warn("watcher: index dir failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	if _, err := w.scanner.ScanExcept(ctx, path, w.isSuppressed); err != nil {
		w.logger.Warn("watcher: scan new dir failed", slog.String("path", path), slog.String("error", err.Error()))
	}
	w.notifySettled(path)
}

// renamedFrom keeps the indexed entry for a moved-away path as a candidate
// until its destination shows up or the rename window elapses.
func (w *Watcher) renamedFrom(ctx context.Context, path string) {
	e, err := w.store.Get(ctx, path)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			w.logger.Warn("watcher: rename lookup failed", slog.String("path", path), slog.String("error", err.Error()))
		}
		return
	}
	w.dropCandidate(path)
	w.gen++
	gen := w.gen
	w.renames[path] = &renameCandidate{
		entry: *e,
		gen:   gen,
		timer: time.AfterFunc(w.cfg.RenameWindow, func() {
			select {
			case w.expired <- timerFired{path: path, gen: gen}:
			case <-w.stopped:
			}
		}),
	}
}

// matchCandidate returns the most recent rename candidate that looks like
// the same file or directory as info.
func (w *Watcher) matchCandidate(path string, info fs.FileInfo) (string, bool) {
	var (
		best    string
		bestGen uint64
		found   bool
	)
	for old, c := range w.renames {
		if c.entry.IsDir != info.IsDir() {
			continue
		}
		if info.IsDir() {
			// Moving a directory may touch its mtime; prefer an identical name.
			if filepath.Base(old) != filepath.Base(path) && len(w.renames) > 1 {
				continue
			}
		} else if c.entry.MetadataChanged(info.Size(), info.ModTime()) {
			continue
		}
		if !found || c.gen > bestGen {
			best, bestGen, found = old, c.gen, true
		}
	}
	return best, found
}

// renamedTo rewrites the indexed paths from old to path, keeping checksums.
func (w *Watcher) renamedTo(ctx context.Context, old, path string, info fs.FileInfo) {
	w.dropCandidate(old)
	n, err := w.store.Rename(ctx, old, path)
	if err != nil {
		w.logger.Warn("watcher: rename failed",
			slog.String("from", old),
			slog.String("to", path),
			slog.String("error", err.Error()))
		w.remove(ctx, old, "rename failed")
		if info.IsDir() {
			w.addDirs(path)
			if _, err := w.scanner.ScanExcept(ctx, path, w.isSuppressed); err != nil {
				w.logger.Warn("watcher: scan moved dir failed", slog.String("path", path), slog.String("error", err.Error()))
			}
		} else {
			w.arm(path, info)
		}
		return
	}
	w.logger.Debug("watcher: renamed", slog.String("from", old), slog.String("to", path), slog.Int64("entries", n))

	if !info.IsDir() {
		w.notifySettled(path)
		return
	}
	_ = w.fsw.Remove(old)
	w.addDirs(path)
	// Reconcile anything that changed inside the tree while it moved.
	if _, err := w.scanner.ScanExcept(ctx, path, w.isSuppressed); err != nil {
		w.logger.Warn("watcher: scan moved dir failed", slog.String("path", path), slog.String("error", err.Error()))
	}
	w.notifySettled(path)
}

// arm (re)starts the stability timer for path.
func (w *Watcher) arm(path string, info fs.FileInfo) {
	if info != nil {
		w.infos[path] = info
	} else {
		delete(w.infos, path)
	}
	if t, ok := w.timers[path]; ok {
		t.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timers[path] = &stabilityTimer{
		gen: gen,
		timer: time.AfterFunc(w.cfg.StabilityWindow, func() {
			select {
			case w.fired <- timerFired{path: path, gen: gen}:
			case <-w.stopped:
			}
		}),
	}
}

func (w *Watcher) cancelTimer(path string) {
	if t, ok := w.timers[path]; ok {
		t.timer.Stop()
		delete(w.timers, path)
	}
	delete(w.infos, path)
}

func (w *Watcher) dropCandidate(path string) {
	if c, ok := w.renames[path]; ok {
		c.timer.Stop()
		delete(w.renames, path)
	}
}

func (w *Watcher) stopTimers() {
	for p := range w.timers {
		w.cancelTimer(p)
	}
	for p := range w.renames {
		w.dropCandidate(p)
	}
}

// commit writes the settled state of path to the index once its stability
// window elapsed.
func (w *Watcher) commit(ctx context.Context, path string) {
	info, ok := w.infos[path]
	delete(w.infos, path)
	if !ok {
		var err error
		info, err = os.Lstat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				w.remove(ctx, path, "vanished before settling")
			}
			return
		}
	}
	if !indexable(info) || info.IsDir() {
		return
	}

	prev, err := w.store.Get(ctx, path)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		prev = nil
	case err != nil:
		w.logger.Warn("watcher: lookup failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	if prev == nil || prev.IsDir || prev.MetadataChanged(info.Size(), info.ModTime()) {
		if err := w.store.Upsert(ctx, pendingEntry(path, info)); err != nil {
			w.logger.Warn("watcher: index failed", slog.String("path", path), slog.String("error", err.Error()))
			return
		}
		w.queue.Enqueue(path)
		w.logger.Debug("watcher: indexed", slog.String("path", path), slog.Int64("size", info.Size()))
	} else if prev.NeedsChecksum(info.Size(), info.ModTime()) {
		w.queue.Enqueue(path)
	}
	w.notifySettled(path)
}

func (w *Watcher) remove(ctx context.Context, path, reason string) {
	n, err := w.store.DeleteWhere(ctx, path)
	if err != nil {
		w.logger.Warn("watcher: delete failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		w.logger.Debug("watcher: deleted",
			slog.String("path", path),
			slog.String("reason", reason),
			slog.Int64("entries", n))
	}
}

func (w *Watcher) notifySettled(path string) {
	if w.settled != nil {
		w.settled(path)
	}
}

// addDirs watches dir and every non-ignored directory below it.
func (w *Watcher) addDirs(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("watcher: walk failed", slog.String("path", path), slog.String("error", err.Error()))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.ignore.Ignored(w.root, path) {
			return fs.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("watcher: add dir failed", slog.String("path", path), slog.String("error", err.Error()))
		}
		return nil
	})
}
