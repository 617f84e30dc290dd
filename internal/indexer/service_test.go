package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/checksum"
	"github.com/starford/ansuz/internal/index"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/testutil"
)

// hashCounter counts digest computations per path.
type hashCounter struct {
	mu    sync.Mutex
	calls map[string]int
}

func newHashCounter() *hashCounter { return &hashCounter{calls: make(map[string]int)} }

func (h *hashCounter) hash(path string) (string, error) {
	h.mu.Lock()
	h.calls[path]++
	h.mu.Unlock()
	return checksum.File(path)
}

func (h *hashCounter) total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		n += c
	}
	return n
}

func (h *hashCounter) count(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[path]
}

func liveConfig() Config {
	return Config{
		MaxConcurrent:    2,
		DispatchInterval: 10 * time.Millisecond,
		SweepInterval:    time.Hour,
		StabilityWindow:  50 * time.Millisecond,
		RenameWindow:     100 * time.Millisecond,
	}
}

func startService(t *testing.T, store index.Store, root string, cfg Config, n Notifier, opts ...checksum.PoolOption) *Service {
	t.Helper()
	svc := NewService(store, n, cfg, testutil.Logger(), opts...)
	require.NoError(t, svc.Initialize(context.Background(), root))
	t.Cleanup(svc.Shutdown)
	return svc
}

func waitSettled(t *testing.T, svc *Service) models.Progress {
	t.Helper()
	var p models.Progress
	testutil.Eventually(t, waitFor, tick, func() bool {
		var err error
		p, err = svc.Progress(context.Background())
		return err == nil && !p.IsActive
	}, "index never settled")
	return p
}

func TestService_InitialScanHashesEachFileOnce(t *testing.T) {
	root := testutil.TestTree(t, map[string]string{"a.txt": "alpha", "b/c.txt": "charlie"})
	store := testutil.TestStore(t)
	hc := newHashCounter()
	n := newRecordingNotifier()

	svc := startService(t, store, root, liveConfig(), n, checksum.WithHashFunc(hc.hash))
	assert.True(t, svc.Ready())

	p := waitSettled(t, svc)
	assert.Equal(t, 2, p.Total)
	assert.Equal(t, 2, p.Complete)
	assert.InDelta(t, 100.0, p.Percentage, 0.001)
	assert.Equal(t, 2, hc.total(), "exactly one job per file")

	entries, err := store.FindByPrefix(context.Background(), root)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	sum, ok := n.Update(filepath.Join(root, "b", "c.txt"))
	require.True(t, ok, "checksum update published")
	assert.Equal(t, checksum.Sum([]byte("charlie")), sum)

	testutil.Eventually(t, waitFor, tick, func() bool { return n.settledCount() >= 1 }, "no settled snapshot")
}

func TestService_UnchangedRestartDoesNoWork(t *testing.T) {
	root := testutil.TestTree(t, map[string]string{"a.txt": "alpha", "b/c.txt": "charlie"})
	store := testutil.TestStore(t)

	first := NewService(store, nil, liveConfig(), testutil.Logger())
	require.NoError(t, first.Initialize(context.Background(), root))
	waitSettled(t, first)
	first.Shutdown()

	hc := newHashCounter()
	second := startService(t, store, root, liveConfig(), nil, checksum.WithHashFunc(hc.hash))
	waitSettled(t, second)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, hc.total())
}

func TestService_RecoversRowsLeftGenerating(t *testing.T) {
	root := testutil.TestTree(t, map[string]string{"crash.txt": "interrupted"})
	store := testutil.TestStore(t)
	p := filepath.Join(root, "crash.txt")
	info, err := os.Stat(p)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(context.Background(), models.Entry{
		Path:       p,
		Size:       info.Size(),
		ModifiedAt: info.ModTime(),
		Status:     models.StatusGenerating,
	}))

	cfg := liveConfig()
	cfg.DispatchInterval = time.Hour
	cfg.SweepInterval = 20 * time.Millisecond
	svc := startService(t, store, root, cfg, nil)

	waitSettled(t, svc)
	e, err := store.Get(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, e.Status)
	require.NotNil(t, e.Checksum)
	assert.Equal(t, checksum.Sum([]byte("interrupted")), *e.Checksum)
}

func TestService_BothFeedersShareTheBound(t *testing.T) {
	files := make(map[string]string)
	for i := 0; i < 30; i++ {
		files[fmt.Sprintf("d%d/f%02d.bin", i%5, i)] = fmt.Sprintf("payload %d", i)
	}
	root := testutil.TestTree(t, files)
	store := testutil.TestStore(t)

	const limit = 3
	var inFlight, peak atomic.Int32
	slow := func(path string) (string, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return checksum.File(path)
	}

	cfg := liveConfig()
	cfg.MaxConcurrent = limit
	cfg.DispatchInterval = 5 * time.Millisecond
	cfg.SweepInterval = 5 * time.Millisecond
	svc := startService(t, store, root, cfg, nil, checksum.WithHashFunc(slow))

	p := waitSettled(t, svc)
	assert.Equal(t, 30, p.Complete)
	assert.LessOrEqual(t, int(peak.Load()), limit)
}

func TestService_FailedHashIsRedrivenBySweep(t *testing.T) {
	root := testutil.TestTree(t, map[string]string{"flaky.txt": "f"})
	store := testutil.TestStore(t)
	var attempts atomic.Int32
	flaky := func(path string) (string, error) {
		if attempts.Add(1) == 1 {
			return "", os.ErrPermission
		}
		return checksum.File(path)
	}

	cfg := liveConfig()
	cfg.SweepInterval = 20 * time.Millisecond
	svc := startService(t, store, root, cfg, nil, checksum.WithHashFunc(flaky))

	testutil.Eventually(t, waitFor, tick, func() bool {
		e, err := store.Get(context.Background(), filepath.Join(root, "flaky.txt"))
		return err == nil && e.Status == models.StatusComplete
	}, "errored file never completed")
	assert.GreaterOrEqual(t, int(attempts.Load()), 2)
	waitSettled(t, svc)
}

func TestService_ListDirectory(t *testing.T) {
	root := testutil.TestTree(t, map[string]string{"a.txt": "alpha", "b/c.txt": "charlie"})
	store := testutil.TestStore(t)
	cfg := liveConfig()
	cfg.DispatchInterval = time.Hour
	svc := startService(t, store, root, cfg, nil)
	ctx := context.Background()

	items, err := svc.ListDirectory(ctx, root)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a.txt", items[0].Name)
	assert.Equal(t, models.PendingChecksum, items[0].Checksum)
	assert.EqualValues(t, 5, items[0].Size)
	assert.Equal(t, "b", items[1].Name)
	assert.True(t, items[1].IsDir)
	assert.Empty(t, items[1].Checksum)

	items, err = svc.ListDirectory(ctx, filepath.Join(root, "b"))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "c.txt", items[0].Name)

	_, err = svc.ListDirectory(ctx, filepath.Dir(root))
	assert.ErrorIs(t, err, apperr.ErrOutsideRoot)
	_, err = svc.ListDirectory(ctx, filepath.Join(root, "missing"))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = svc.ListDirectory(ctx, filepath.Join(root, "a.txt"))
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestService_Resolve(t *testing.T) {
	svc := &Service{root: "/srv/data"}

	got, err := svc.Resolve("b/c.txt")
	require.NoError(t, err)
	assert.Equal(t, "/srv/data/b/c.txt", got)

	got, err = svc.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "/srv/data", got)

	got, err = svc.Resolve("../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "/srv/data/etc/passwd", got, "dot-dot is clamped at the root")
}

func TestService_UploadProducesSingleJob(t *testing.T) {
	root := testutil.TestTree(t, nil)
	store := testutil.TestStore(t)
	hc := newHashCounter()
	svc := startService(t, store, root, liveConfig(), nil, checksum.WithHashFunc(hc.hash))
	p := filepath.Join(root, "up.bin")

	svc.MarkUploadStart(p)
	for i := 0; i < 3; i++ {
		testutil.WriteFile(t, p, string(make([]byte, (i+1)*512)))
		time.Sleep(60 * time.Millisecond)
	}
	_, err := store.Get(context.Background(), p)
	assert.ErrorIs(t, err, apperr.ErrNotFound, "nothing indexed during the upload")
	svc.MarkUploadComplete(p)

	testutil.Eventually(t, waitFor, tick, func() bool {
		e, err := store.Get(context.Background(), p)
		return err == nil && e.Status == models.StatusComplete
	}, "uploaded file never completed")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, hc.count(p))
}

func TestService_Rescan(t *testing.T) {
	root := testutil.TestTree(t, map[string]string{"a.txt": "alpha"})
	store := testutil.TestStore(t)
	svc := startService(t, store, root, liveConfig(), nil)
	waitSettled(t, svc)

	res, err := svc.Rescan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Files)
	assert.Zero(t, res.Enqueued)
}

func TestService_InvalidScheduleFailsInitialize(t *testing.T) {
	root := testutil.TestTree(t, nil)
	cfg := liveConfig()
	cfg.RescanSchedule = "every other tuesday"
	svc := NewService(testutil.TestStore(t), nil, cfg, testutil.Logger())

	err := svc.Initialize(context.Background(), root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rescan schedule")
}

func TestService_ScheduledRescanRuns(t *testing.T) {
	root := testutil.TestTree(t, map[string]string{"a.txt": "alpha"})
	store := testutil.TestStore(t)
	cfg := liveConfig()
	cfg.RescanSchedule = "@every 1s"
	svc := startService(t, store, root, cfg, nil)
	waitSettled(t, svc)

	// Stale row the watcher never hears about.
	require.NoError(t, store.Upsert(context.Background(), models.Entry{
		Path:       filepath.Join(root, "ghost.txt"),
		Size:       1,
		ModifiedAt: time.Unix(1, 0),
		Status:     models.StatusComplete,
	}))
	testutil.Eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		_, err := store.Get(context.Background(), filepath.Join(root, "ghost.txt"))
		return err != nil
	}, "scheduled rescan never removed the stale row")
}

func TestService_RequestedRescanRepairsIndex(t *testing.T) {
	root := testutil.TestTree(t, map[string]string{"a.txt": "alpha"})
	store := testutil.TestStore(t)
	svc := startService(t, store, root, liveConfig(), nil)
	waitSettled(t, svc)

	ghost := filepath.Join(root, "ghost.txt")
	require.NoError(t, store.Upsert(context.Background(), models.Entry{
		Path:       ghost,
		Size:       1,
		ModifiedAt: time.Unix(1, 0),
		Status:     models.StatusComplete,
	}))
	// Its create event was lost.
	_, err := store.DeleteWhere(context.Background(), filepath.Join(root, "a.txt"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		svc.requestRescan()
	}

	testutil.Eventually(t, waitFor, tick, func() bool {
		_, errGhost := store.Get(context.Background(), ghost)
		_, errA := store.Get(context.Background(), filepath.Join(root, "a.txt"))
		return errGhost != nil && errA == nil
	}, "requested rescan never ran")
}
