// Package events fans agent events out to live subscribers, Redis and the
// SQLite audit trail.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/shsh-pilot/internal/protocol"
)

const subscriberBuffer = 256

// Subscription delivers one session's events to a single client. C is
// closed when the subscription ends, either by Unsubscribe or because the
// client fell too far behind; a lagging client reconnects and replays.
type Subscription struct {
	ID        int64
	SessionID string
	C         <-chan Envelope

	ch     chan Envelope
	closed bool
}

// Hub is the in-process event broker. Emit never blocks.
type Hub struct {
	mu      sync.Mutex
	queue   *ReplayQueue
	subs    map[string]map[int64]*Subscription // sessionID -> subID -> subscription
	lastID  int64
	nextSub int64
	logger  *slog.Logger
}

// NewHub creates a hub replaying up to replaySize events per session.
func NewHub(replaySize int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		queue:  NewReplayQueue(replaySize),
		subs:   make(map[string]map[int64]*Subscription),
		logger: logger,
	}
}

// Emit stamps e with the next event id, buffers it for replay and delivers
// it to the session's subscribers.
func (h *Hub) Emit(e protocol.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	env := Envelope{ID: h.lastID, Event: e}
	h.queue.Enqueue(env)

	for _, sub := range h.subs[e.SessionID] {
		select {
		case sub.ch <- env:
		default:
			h.logger.Warn("Dropping lagging subscriber", "session_id", e.SessionID, "subscription_id", sub.ID)
			h.removeLocked(sub)
		}
	}
}

// Subscribe registers a subscriber for sessionID and returns the buffered
// events after afterID. Registration and replay happen atomically, so no
// event falls between the replayed batch and the live channel.
func (h *Hub) Subscribe(sessionID string, afterID int64) (*Subscription, []Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSub++
	ch := make(chan Envelope, subscriberBuffer)
	sub := &Subscription{ID: h.nextSub, SessionID: sessionID, C: ch, ch: ch}
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[int64]*Subscription)
	}
	h.subs[sessionID][sub.ID] = sub

	var missed []Envelope
	if afterID > 0 {
		missed = h.queue.After(sessionID, afterID)
	}
	return sub, missed
}

// Unsubscribe ends a subscription. It is safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

// Subscribers reports the number of live subscribers for a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

// LastID returns the most recently assigned event id.
func (h *Hub) LastID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastID
}

// Forget drops a session's replay buffer and closes its subscribers.
func (h *Hub) Forget(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs[sessionID] {
		h.removeLocked(sub)
	}
	h.queue.Prune(sessionID)
}

// PruneIdle drops the replay buffers of sessions with no subscribers whose
// last event is older than d. It returns the number of sessions dropped.
func (h *Hub) PruneIdle(d time.Duration) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	pruned := 0
	for _, id := range h.queue.IdleSince(time.Now().Add(-d)) {
		if len(h.subs[id]) > 0 {
			continue
		}
		h.queue.Prune(id)
		pruned++
	}
	return pruned
}

func (h *Hub) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	if subs, ok := h.subs[sub.SessionID]; ok {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(h.subs, sub.SessionID)
		}
	}
}
