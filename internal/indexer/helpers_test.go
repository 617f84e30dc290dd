package indexer

import (
	"sync"
	"time"

	"github.com/starford/ansuz/internal/models"
)

// fakePool is a WorkerPool with manually controlled slots.
type fakePool struct {
	mu        sync.Mutex
	slots     int
	active    map[string]struct{}
	submitted []string
}

func newFakePool(slots int) *fakePool {
	return &fakePool{slots: slots, active: make(map[string]struct{})}
}

func (p *fakePool) TrySubmit(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.active[path]; ok || len(p.active) >= p.slots {
		return false
	}
	p.active[path] = struct{}{}
	p.submitted = append(p.submitted, path)
	return true
}

func (p *fakePool) IsActive(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[path]
	return ok
}

func (p *fakePool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

func (p *fakePool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots - len(p.active)
}

func (p *fakePool) finish(path string) {
	p.mu.Lock()
	delete(p.active, path)
	p.mu.Unlock()
}

func (p *fakePool) markActive(path string) {
	p.mu.Lock()
	p.active[path] = struct{}{}
	p.mu.Unlock()
}

func (p *fakePool) Submitted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.submitted...)
}

// recordingQueue remembers every Enqueue call.
type recordingQueue struct {
	mu    sync.Mutex
	paths []string
}

func (q *recordingQueue) Enqueue(path string) {
	q.mu.Lock()
	q.paths = append(q.paths, path)
	q.mu.Unlock()
}

func (q *recordingQueue) Paths() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.paths...)
}

func (q *recordingQueue) Count(path string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, p := range q.paths {
		if p == path {
			n++
		}
	}
	return n
}

// recordingNotifier captures published events.
type recordingNotifier struct {
	mu       sync.Mutex
	progress []models.Progress
	updates  map[string]string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{updates: make(map[string]string)}
}

func (n *recordingNotifier) PublishChecksumUpdate(path, checksum string, _ int64, _ time.Time) {
	n.mu.Lock()
	n.updates[path] = checksum
	n.mu.Unlock()
}

func (n *recordingNotifier) PublishProgress(p models.Progress) {
	n.mu.Lock()
	n.progress = append(n.progress, p)
	n.mu.Unlock()
}

func (n *recordingNotifier) Progress() []models.Progress {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.Progress(nil), n.progress...)
}

func (n *recordingNotifier) Update(path string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	sum, ok := n.updates[path]
	return sum, ok
}

func (n *recordingNotifier) settledCount() int {
	c := 0
	for _, p := range n.Progress() {
		if !p.IsActive {
			c++
		}
	}
	return c
}
