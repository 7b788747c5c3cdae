package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/ashureev/shsh-pilot/internal/protocol"
)

// ErrMailboxFull is returned when a session already has too many queued actions.
var ErrMailboxFull = errors.New("session action queue is full")

const defaultMailboxSize = 16

// ActionHandler applies actions to sessions.
type ActionHandler interface {
	Handle(ctx context.Context, a protocol.Action) error
}

// mailbox holds the queued actions of one session. A single goroutine
// drains it while running is set.
type mailbox struct {
	queue   []protocol.Action
	running bool
}

// Dispatcher serializes actions per session. Each session gets a mailbox
// drained by one goroutine, so a session sees its actions one at a time
// while sessions run concurrently. Cancel skips the queue so it can abort
// a turn in flight.
type Dispatcher struct {
	ctx     context.Context
	handler ActionHandler
	size    int
	logger  *slog.Logger

	mu    sync.Mutex
	boxes map[string]*mailbox
	wg    sync.WaitGroup
}

// NewDispatcher creates a dispatcher whose workers run under ctx.
func NewDispatcher(ctx context.Context, handler ActionHandler, mailboxSize int, logger *slog.Logger) *Dispatcher {
	if mailboxSize <= 0 {
		mailboxSize = defaultMailboxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		ctx:     ctx,
		handler: handler,
		size:    mailboxSize,
		logger:  logger,
		boxes:   make(map[string]*mailbox),
	}
}

// Submit queues a for its session and returns without waiting for it to run.
func (d *Dispatcher) Submit(a protocol.Action) error {
	if a.Type == protocol.ActionCancel {
		d.handle(a)
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	mb, ok := d.boxes[a.SessionID]
	if !ok {
		mb = &mailbox{}
		d.boxes[a.SessionID] = mb
	}
	if len(mb.queue) >= d.size {
		return ErrMailboxFull
	}
	mb.queue = append(mb.queue, a)
	if !mb.running {
		mb.running = true
		d.wg.Add(1)
		go d.drain(a.SessionID, mb)
	}
	return nil
}

// Pending reports how many actions are queued or running for a session.
func (d *Dispatcher) Pending(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	mb, ok := d.boxes[sessionID]
	if !ok {
		return 0
	}
	n := len(mb.queue)
	if mb.running {
		n++
	}
	return n
}

// Wait blocks until every mailbox has drained.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) drain(sessionID string, mb *mailbox) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(mb.queue) == 0 {
			mb.running = false
			delete(d.boxes, sessionID)
			d.mu.Unlock()
			return
		}
		a := mb.queue[0]
		mb.queue = mb.queue[1:]
		d.mu.Unlock()

		d.handle(a)
	}
}

func (d *Dispatcher) handle(a protocol.Action) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Action handler panicked",
				"session_id", a.SessionID,
				"type", a.Type,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()

	if err := d.handler.Handle(d.ctx, a); err != nil {
		d.logger.Warn("Action rejected", "session_id", a.SessionID, "type", a.Type, "error", err)
	}
}
