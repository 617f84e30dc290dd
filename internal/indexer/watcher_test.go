package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/index"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/testutil"
)

const (
	testStability = 100 * time.Millisecond
	testRename    = 200 * time.Millisecond
	waitFor       = 5 * time.Second
	tick          = 10 * time.Millisecond
)

type watchHarness struct {
	root  string
	store *index.Gateway
	queue *recordingQueue
	w     *Watcher

	mu      sync.Mutex
	settled map[string]int
}

func (h *watchHarness) settledCount(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.settled[path]
}

func (h *watchHarness) path(rel string) string {
	return filepath.Join(h.root, filepath.FromSlash(rel))
}

func (h *watchHarness) indexed(rel string) bool {
	_, err := h.store.Get(context.Background(), h.path(rel))
	return err == nil
}

// startWatcher indexes files with a scan and then watches the tree.
func startWatcher(t *testing.T, files map[string]string) *watchHarness {
	t.Helper()
	h := &watchHarness{
		root:    testutil.TestTree(t, files),
		store:   testutil.TestStore(t),
		queue:   &recordingQueue{},
		settled: make(map[string]int),
	}
	ignore := NewIgnoreMatcher(nil)
	scanner := NewScanner(h.root, h.store, h.queue, ignore, testutil.Logger())
	_, err := scanner.Scan(context.Background(), h.root)
	require.NoError(t, err)

	h.w = NewWatcher(h.root, h.store, scanner, h.queue, ignore, WatcherConfig{
		StabilityWindow: testStability,
		RenameWindow:    testRename,
	}, testutil.Logger())
	h.w.settled = func(p string) {
		h.mu.Lock()
		h.settled[p]++
		h.mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	select {
	case <-h.w.Ready():
	case <-time.After(waitFor):
		t.Fatal("watcher never became ready")
	}
	return h
}

func setChecksum(t *testing.T, store index.Store, path, sum string) {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	ok, err := store.SetChecksum(context.Background(), path, info.Size(), info.ModTime(), sum, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestWatcher_BurstOfWritesSettlesOnce(t *testing.T) {
	h := startWatcher(t, nil)
	p := h.path("new.txt")

	for i := 0; i < 5; i++ {
		testutil.WriteFile(t, p, string(make([]byte, i+1)))
		time.Sleep(testStability / 5)
	}

	testutil.Eventually(t, waitFor, tick, func() bool { return h.settledCount(p) > 0 }, "write never settled")
	time.Sleep(3 * testStability)
	assert.Equal(t, 1, h.settledCount(p))
	assert.Equal(t, 1, h.queue.Count(p))

	e, err := h.store.Get(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, e.Status)
	assert.EqualValues(t, 5, e.Size)
}

func TestWatcher_ModifyForcesPending(t *testing.T) {
	h := startWatcher(t, map[string]string{"a.txt": "one"})
	p := h.path("a.txt")
	setChecksum(t, h.store, p, "old")

	testutil.WriteFile(t, p, "one two")
	testutil.Eventually(t, waitFor, tick, func() bool {
		e, err := h.store.Get(context.Background(), p)
		return err == nil && e.Status == models.StatusPending && e.Checksum == nil
	}, "modified file never went back to pending")
}

func TestWatcher_DeleteDirectoryCascades(t *testing.T) {
	h := startWatcher(t, map[string]string{
		"keep.txt":       "k",
		"dir/a.txt":      "a",
		"dir/sub/b.txt":  "b",
		"dir/sub/c.txt":  "c",
		"dir/sub/d/e.md": "e",
	})
	require.True(t, h.indexed("dir/sub/d/e.md"))

	require.NoError(t, os.RemoveAll(h.path("dir")))
	testutil.Eventually(t, waitFor, tick, func() bool {
		left, err := h.store.FindByPrefix(context.Background(), h.root)
		return err == nil && len(left) == 1 && left[0].Path == h.path("keep.txt")
	}, "directory subtree was not removed")
}

func TestWatcher_RenameFilePreservesChecksum(t *testing.T) {
	h := startWatcher(t, map[string]string{"a.txt": "alpha"})
	setChecksum(t, h.store, h.path("a.txt"), "sum-a")

	require.NoError(t, os.Rename(h.path("a.txt"), h.path("b.txt")))
	testutil.Eventually(t, waitFor, tick, func() bool {
		e, err := h.store.Get(context.Background(), h.path("b.txt"))
		return err == nil && e.Checksum != nil && *e.Checksum == "sum-a"
	}, "renamed file lost its checksum")
	assert.False(t, h.indexed("a.txt"))
	assert.Zero(t, h.queue.Count(h.path("b.txt")), "a pure rename needs no rehash")
}

func TestWatcher_MoveDirectoryRewritesSubtree(t *testing.T) {
	h := startWatcher(t, map[string]string{"src/x.txt": "x", "src/deep/y.txt": "y"})
	setChecksum(t, h.store, h.path("src/x.txt"), "sum-x")
	setChecksum(t, h.store, h.path("src/deep/y.txt"), "sum-y")
	require.NoError(t, os.Mkdir(h.path("dst"), 0o755))

	// Let the mkdir settle so its Create is not mistaken for the move.
	testutil.Eventually(t, waitFor, tick, func() bool { return h.indexed("dst") }, "dst never indexed")

	require.NoError(t, os.Rename(h.path("src"), h.path("dst/src")))
	testutil.Eventually(t, waitFor, tick, func() bool {
		e, err := h.store.Get(context.Background(), h.path("dst/src/deep/y.txt"))
		return err == nil && e.Checksum != nil && *e.Checksum == "sum-y"
	}, "moved subtree lost its checksums")
	assert.False(t, h.indexed("src"))
	assert.False(t, h.indexed("src/x.txt"))

	// The moved tree stays watched.
	testutil.WriteFile(t, h.path("dst/src/deep/z.txt"), "z")
	testutil.Eventually(t, waitFor, tick, func() bool { return h.indexed("dst/src/deep/z.txt") },
		"file in moved directory not indexed")
}

func TestWatcher_MoveOutOfRootDeletesAfterWindow(t *testing.T) {
	h := startWatcher(t, map[string]string{"a.txt": "alpha"})
	outside := filepath.Join(t.TempDir(), "a.txt")

	require.NoError(t, os.Rename(h.path("a.txt"), outside))
	testutil.Eventually(t, waitFor, tick, func() bool { return !h.indexed("a.txt") },
		"moved-out file still indexed")
}

func TestWatcher_NewDirectoryIsScannedAndWatched(t *testing.T) {
	h := startWatcher(t, nil)
	testutil.WriteFile(t, h.path("fresh/one.txt"), "1")
	testutil.WriteFile(t, h.path("fresh/nested/two.txt"), "2")

	testutil.Eventually(t, waitFor, tick, func() bool {
		return h.indexed("fresh") && h.indexed("fresh/one.txt") && h.indexed("fresh/nested/two.txt")
	}, "new directory contents not indexed")

	e, err := h.store.Get(context.Background(), h.path("fresh"))
	require.NoError(t, err)
	assert.True(t, e.IsDir)
	assert.Equal(t, models.StatusComplete, e.Status)
}

func TestWatcher_UploadSuppression(t *testing.T) {
	h := startWatcher(t, nil)
	p := h.path("upload.bin")

	h.w.MarkUploadStart(p)
	for i := 0; i < 4; i++ {
		testutil.WriteFile(t, p, string(make([]byte, (i+1)*1024)))
		time.Sleep(testStability)
	}
	time.Sleep(2 * testStability)
	assert.Zero(t, h.settledCount(p), "no update may fire while the upload runs")
	assert.False(t, h.indexed("upload.bin"))

	h.w.MarkUploadComplete(p)
	testutil.Eventually(t, waitFor, tick, func() bool { return h.settledCount(p) == 1 }, "completed upload never settled")
	time.Sleep(3 * testStability)
	assert.Equal(t, 1, h.settledCount(p))
	assert.Equal(t, 1, h.queue.Count(p))

	e, err := h.store.Get(context.Background(), p)
	require.NoError(t, err)
	assert.EqualValues(t, 4*1024, e.Size)
}

func TestWatcher_NotifyUsesSuppliedStats(t *testing.T) {
	h := startWatcher(t, map[string]string{"n.txt": "abc"})
	p := h.path("n.txt")
	info, err := os.Stat(p)
	require.NoError(t, err)
	setChecksum(t, h.store, p, "sum")

	// Same stats as stored: the commit is a no-op apart from the settle.
	h.w.Notify(p, info)
	testutil.Eventually(t, waitFor, tick, func() bool { return h.settledCount(p) == 1 }, "notify never settled")
	e, err := h.store.Get(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, e.Status)
	assert.Equal(t, 1, h.queue.Count(p), "only the initial scan enqueued")
}

func TestWatcher_IgnoresHiddenAndChmod(t *testing.T) {
	h := startWatcher(t, map[string]string{"a.txt": "a"})
	testutil.WriteFile(t, h.path(".partial"), "tmp")
	require.NoError(t, os.Chmod(h.path("a.txt"), 0o600))

	time.Sleep(4 * testStability)
	assert.False(t, h.indexed(".partial"))
	assert.Zero(t, h.settledCount(h.path(".partial")))
	assert.Zero(t, h.settledCount(h.path("a.txt")))
}

func TestWatcher_VanishedBeforeSettlingIsNotIndexed(t *testing.T) {
	h := startWatcher(t, nil)
	p := h.path("blink.txt")
	testutil.WriteFile(t, p, "x")
	require.NoError(t, os.Remove(p))

	time.Sleep(4 * testStability)
	_, err := h.store.Get(context.Background(), p)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestWatcher_OverflowRequestsRescan(t *testing.T) {
	calls := 0
	w := NewWatcher(t.TempDir(), testutil.TestStore(t), nil, &recordingQueue{}, NewIgnoreMatcher(nil), WatcherConfig{
		OnOverflow: func() { calls++ },
	}, testutil.Logger())

	w.watchError(fmt.Errorf("inotify: %w", fsnotify.ErrEventOverflow))
	assert.Equal(t, 1, calls)

	w.watchError(errors.New("some other failure"))
	assert.Equal(t, 1, calls, "only an overflow asks for a rescan")
}
