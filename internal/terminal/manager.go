// Package terminal attaches live shells in session containers to WebSocket
// clients and lets the agent type interactive commands into them.
package terminal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// ErrNotAttached is returned when a session has no live terminal.
var ErrNotAttached = errors.New("no live terminal attached")

// Stream is one live terminal attached to a session's shell.
type Stream struct {
	SessionID string
	ExecID    string

	mu    sync.Mutex // serializes stdin writes from the user and the typist
	stdin io.Writer
	close func(reason string)
}

// NewStream wraps a shell's stdin. closeFn is called when the stream is
// replaced or the session is closed.
func NewStream(sessionID, execID string, stdin io.Writer, closeFn func(reason string)) *Stream {
	return &Stream{SessionID: sessionID, ExecID: execID, stdin: stdin, close: closeFn}
}

// Write forwards input to the shell.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdin.Write(p)
}

// SessionManager tracks the live terminal and transcript of each session.
// Transcripts outlive reconnects so a confirm after a page reload still
// sees the command's output.
type SessionManager struct {
	mu          sync.RWMutex
	active      map[string]*Stream
	transcripts map[string]*Transcript
	typist      *PTYController
	size        int
	logger      *slog.Logger
}

// NewSessionManager creates a new session manager. typist may be nil, in
// which case commands are typed instantly.
func NewSessionManager(typist *PTYController, transcriptSize int, logger *slog.Logger) *SessionManager {
	if typist == nil {
		typist = NewPTYController(PTYConfig{}, logger)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		active:      make(map[string]*Stream),
		transcripts: make(map[string]*Transcript),
		typist:      typist,
		size:        transcriptSize,
		logger:      logger,
	}
}

// GetActive returns the live stream for a session, or nil.
func (m *SessionManager) GetActive(sessionID string) *Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[sessionID]
}

// Attached reports whether the session has a live stream.
func (m *SessionManager) Attached(sessionID string) bool {
	return m.GetActive(sessionID) != nil
}

// Register makes s the live stream for its session, closing any stream it
// replaces.
func (m *SessionManager) Register(s *Stream) {
	m.mu.Lock()
	existing := m.active[s.SessionID]
	m.active[s.SessionID] = s
	m.mu.Unlock()

	if existing != nil && existing != s && existing.close != nil {
		existing.close("session replaced")
	}
	m.logger.Info("Terminal session registered", "session_id", s.SessionID, "exec_id", s.ExecID)
}

// Unregister removes s if it is still the session's live stream.
func (m *SessionManager) Unregister(s *Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.active[s.SessionID]; ok && current == s {
		delete(m.active, s.SessionID)
		m.logger.Info("Terminal session unregistered", "session_id", s.SessionID)
	}
}

// CloseSession terminates the session's live stream and drops its transcript.
func (m *SessionManager) CloseSession(sessionID string) {
	m.mu.Lock()
	s := m.active[sessionID]
	delete(m.active, sessionID)
	delete(m.transcripts, sessionID)
	m.mu.Unlock()

	if s != nil && s.close != nil {
		s.close("session closed")
		m.logger.Info("Terminal session closed", "session_id", sessionID)
	}
}

// TranscriptFor returns the session's transcript, creating it on first use.
func (m *SessionManager) TranscriptFor(sessionID string) *Transcript {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transcripts[sessionID]
	if !ok {
		t = NewTranscript(m.size)
		m.transcripts[sessionID] = t
	}
	return t
}

// Transcript returns the cleaned recent output of the session's terminal.
func (m *SessionManager) Transcript(sessionID string, n int) string {
	m.mu.RLock()
	t, ok := m.transcripts[sessionID]
	m.mu.RUnlock()
	if !ok {
		return ""
	}
	return t.Tail(n)
}

// Type types command into the session's live terminal.
func (m *SessionManager) Type(ctx context.Context, sessionID, command string) error {
	s := m.GetActive(sessionID)
	if s == nil {
		return ErrNotAttached
	}
	res, err := m.typist.TypeCommand(ctx, s, command)
	if err != nil {
		return err
	}
	m.logger.Info("Interactive command typed", "session_id", sessionID, "chars", res.CharactersTyped)
	return nil
}
