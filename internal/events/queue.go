package events

import (
	"container/list"
	"sync"
	"time"

	"github.com/ashureev/shsh-pilot/internal/protocol"
)

const defaultReplaySize = 256

// Envelope is an event stamped with its hub-wide sequence id.
type Envelope struct {
	ID    int64
	Event protocol.Event
}

// ReplayQueue buffers recent events for reconnecting clients, sharded per
// session. Each session gets its own bounded list so one session's burst
// cannot evict events belonging to another.
type ReplayQueue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List // sessionID -> envelopes
	maxSize int
}

// NewReplayQueue creates a per-session queue keeping at most maxSize
// events per session.
func NewReplayQueue(maxSize int) *ReplayQueue {
	if maxSize <= 0 {
		maxSize = defaultReplaySize
	}
	return &ReplayQueue{
		queues:  make(map[string]*list.List),
		maxSize: maxSize,
	}
}

// Enqueue adds an envelope to its session's queue.
func (q *ReplayQueue) Enqueue(env Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[env.Event.SessionID]
	if !ok {
		l = list.New()
		q.queues[env.Event.SessionID] = l
	}
	l.PushBack(env)
	// Evict oldest events only within this session's queue.
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// After returns the session's buffered events with id greater than afterID.
func (q *ReplayQueue) After(sessionID string, afterID int64) []Envelope {
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[sessionID]
	if !ok {
		return nil
	}
	var missed []Envelope
	for e := l.Front(); e != nil; e = e.Next() {
		env := e.Value.(Envelope)
		if env.ID > afterID {
			missed = append(missed, env)
		}
	}
	return missed
}

// Len reports how many events are buffered for a session.
func (q *ReplayQueue) Len(sessionID string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if l, ok := q.queues[sessionID]; ok {
		return l.Len()
	}
	return 0
}

// Prune removes the queue for a session.
func (q *ReplayQueue) Prune(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, sessionID)
}

// IdleSince returns the sessions whose newest buffered event is older than
// cutoff.
func (q *ReplayQueue) IdleSince(cutoff time.Time) []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var ids []string
	for id, l := range q.queues {
		back := l.Back()
		if back == nil || back.Value.(Envelope).Event.Timestamp.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}
