package agent

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrSessionClosed is returned for actions addressed to a session that
	// already reached a terminal state.
	ErrSessionClosed = errors.New("agent session closed")
	// ErrUnknownSession is returned for non-user_message actions addressed
	// to a session that was never created.
	ErrUnknownSession = errors.New("agent session not found")
	// ErrSessionActive is returned when a user_message targets a session that
	// is already running.
	ErrSessionActive = errors.New("agent session already active")
)

// defaultTombstoneTTL is how long a closed session id stays reserved.
const defaultTombstoneTTL = time.Hour

// entry is the arena slot for one session. mu guards every field and is
// never held across a model call or a batch execution.
type entry struct {
	mu        sync.Mutex
	session   Session
	proposals *ProposalTracker
	plan      *PlanTracker
	bridge    Bridge
	// cancelTurn aborts the model stream of the turn in flight, if any.
	cancelTurn context.CancelFunc
}

// sessionStore is the arena of live sessions keyed by id. Closed ids are
// kept as tombstones so a stray action cannot resurrect them.
type sessionStore struct {
	mu         sync.Mutex
	active     map[string]*entry
	tombstones map[string]time.Time
	ttl        time.Duration
}

func newSessionStore(ttl time.Duration) *sessionStore {
	if ttl <= 0 {
		ttl = defaultTombstoneTTL
	}
	return &sessionStore{
		active:     make(map[string]*entry),
		tombstones: make(map[string]time.Time),
		ttl:        ttl,
	}
}

// create reserves id for a new session.
func (s *sessionStore) create(id string, now time.Time, init func(*entry)) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(now)
	if _, ok := s.active[id]; ok {
		return nil, ErrSessionActive
	}
	if _, ok := s.tombstones[id]; ok {
		return nil, ErrSessionClosed
	}
	e := &entry{session: Session{ID: id, State: stateIdle, CreatedAt: now, UpdatedAt: now}}
	init(e)
	s.active[id] = e
	return e, nil
}

// get returns the live entry for id.
func (s *sessionStore) get(id string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.active[id]; ok {
		return e, nil
	}
	if _, ok := s.tombstones[id]; ok {
		return nil, ErrSessionClosed
	}
	return nil, ErrUnknownSession
}

// admit checks that id can be created, or already exists, without
// changing the arena.
func (s *sessionStore) admit(id string, creating bool, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(now)
	if _, ok := s.active[id]; ok {
		if creating {
			return ErrSessionActive
		}
		return nil
	}
	if _, ok := s.tombstones[id]; ok {
		return ErrSessionClosed
	}
	if creating {
		return nil
	}
	return ErrUnknownSession
}

// close moves id from the arena to the tombstones.
func (s *sessionStore) close(id string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, id)
	s.tombstones[id] = now
}

// idle returns active ids whose session was not updated since cutoff.
func (s *sessionStore) idle(cutoff time.Time) []string {
	s.mu.Lock()
	entries := make(map[string]*entry, len(s.active))
	for id, e := range s.active {
		entries[id] = e
	}
	s.mu.Unlock()

	var ids []string
	for id, e := range entries {
		e.mu.Lock()
		stale := e.session.UpdatedAt.Before(cutoff)
		e.mu.Unlock()
		if stale {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *sessionStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *sessionStore) pruneLocked(now time.Time) {
	for id, at := range s.tombstones {
		if now.Sub(at) > s.ttl {
			delete(s.tombstones, id)
		}
	}
}

// terminal reports whether the entry's session already finished or failed.
// Callers hold e.mu.
func (e *entry) terminal() bool {
	return e.session.State.Terminal()
}
