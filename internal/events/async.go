package events

import (
	"log/slog"
	"sync"

	"github.com/ashureev/shsh-pilot/internal/protocol"
)

const (
	defaultQueueSize = 1024
	maxBatch         = 64
)

// asyncWriter moves events off the engine's goroutine onto a single
// background worker that handles them in batches.
type asyncWriter struct {
	name      string
	ch        chan protocol.Event
	flush     func(batch []protocol.Event)
	logger    *slog.Logger
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

func newAsyncWriter(name string, size int, flush func([]protocol.Event), logger *slog.Logger) *asyncWriter {
	if size <= 0 {
		size = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &asyncWriter{
		name:   name,
		ch:     make(chan protocol.Event, size),
		flush:  flush,
		logger: logger,
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

// enqueue hands e to the worker, dropping it when the queue is full.
func (w *asyncWriter) enqueue(e protocol.Event) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- e:
	default:
		w.logger.Warn("Event queue full, dropping event", "sink", w.name, "session_id", e.SessionID, "type", e.Type)
	}
}

func (w *asyncWriter) loop() {
	defer close(w.done)
	batch := make([]protocol.Event, 0, maxBatch)
	for e := range w.ch {
		batch = append(batch, e)
	drain:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-w.ch:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		w.flush(batch)
		batch = batch[:0]
	}
}

// close stops accepting events and waits for the queue to drain.
func (w *asyncWriter) close() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.ch)
		w.mu.Unlock()
	})
	<-w.done
}
