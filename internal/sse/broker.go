// Package sse implements a Server-Sent Events broker for index updates.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/starford/ansuz/internal/indexer"
	"github.com/starford/ansuz/internal/metrics"
	"github.com/starford/ansuz/internal/models"
)

// Event types.
const (
	EventChecksumUpdated = "checksum.updated"
	EventIndexProgress   = "index.progress"
)

// Event represents an SSE event to broadcast.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ChecksumUpdate is the payload of a checksum.updated event.
type ChecksumUpdate struct {
	Path       string    `json:"path"`
	Checksum   string    `json:"checksum"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Broker manages SSE client connections and broadcasts events.
//
// Concurrency model: a single internal event loop (goroutine) owns mutable state
// (clients + progress throttle timestamp). Public methods communicate with this
// loop through channels, so no mutexes are required.
type Broker struct {
	progressMin time.Duration
	logger      *slog.Logger

	subscribeCh   chan chan []byte
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	progressCh    chan models.Progress
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

var _ indexer.Notifier = (*Broker)(nil)

// NewBroker creates a new SSE broker with the given progress throttle interval.
func NewBroker(progressThrottle time.Duration, logger *slog.Logger) *Broker {
	if progressThrottle <= 0 {
		progressThrottle = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &Broker{
		progressMin:   progressThrottle,
		logger:        logger,
		subscribeCh:   make(chan chan []byte),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		progressCh:    make(chan models.Progress, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	var lastProgress time.Time

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		raw := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, payload))
		metrics.SSEEventsTotal.WithLabelValues(event.Type).Inc()

		for ch := range clients {
			select {
			case ch <- raw:
			default:
				// A client that cannot keep up is dropped; the others still
				// receive the event.
				delete(clients, ch)
				close(ch)
				metrics.SSEDroppedClientsTotal.Inc()
				metrics.SSEClients.Set(float64(len(clients)))
				b.logger.Warn("sse: dropped slow client", slog.Int("clients", len(clients)))
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			metrics.SSEClients.Set(0)
			return

		case ch := <-b.subscribeCh:
			clients[ch] = struct{}{}
			metrics.SSEClients.Set(float64(len(clients)))

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
				metrics.SSEClients.Set(float64(len(clients)))
			}

		case event := <-b.publishCh:
			broadcast(event)

		case p := <-b.progressCh:
			now := time.Now()
			if p.IsActive && now.Sub(lastProgress) < b.progressMin {
				metrics.SSEProgressThrottledTotal.Inc()
				continue
			}
			lastProgress = now
			broadcast(Event{Type: EventIndexProgress, Data: p})

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a new client and returns its channel.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish queues an event for all connected clients. It never blocks; when
// the broker is saturated the event is dropped.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	default:
		b.logger.Debug("sse: publish queue full, event dropped", slog.String("type", event.Type))
	}
}

// PublishChecksumUpdate announces a freshly computed digest.
func (b *Broker) PublishChecksumUpdate(path, checksum string, size int64, modifiedAt time.Time) {
	b.Publish(Event{Type: EventChecksumUpdated, Data: ChecksumUpdate{
		Path:       path,
		Checksum:   checksum,
		Size:       size,
		ModifiedAt: modifiedAt,
	}})
}

// PublishProgress publishes a progress snapshot. Active snapshots are
// throttled; settled snapshots are always delivered.
func (b *Broker) PublishProgress(p models.Progress) {
	if b.closed.Load() {
		return
	}
	select {
	case b.progressCh <- p:
	default:
		b.logger.Debug("sse: progress queue full, snapshot dropped")
	}
}

// ServeHTTP is the SSE endpoint handler (GET /api/events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
