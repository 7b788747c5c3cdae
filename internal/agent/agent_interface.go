package agent

import (
	"context"
	"iter"

	"github.com/ashureev/shsh-pilot/internal/protocol"
)

// PromptInput is everything the prompt builder sees for one turn.
type PromptInput struct {
	Goal  string
	Step  int
	Note  string
	Steps []protocol.PlanStep
}

// PromptBuilder renders the prompt text for a turn.
type PromptBuilder interface {
	Build(in PromptInput) string
}

// ModelRequest is one streaming completion request.
type ModelRequest struct {
	SessionID string
	Prompt    string
	Model     string
	MaxTokens int
}

// ModelClient streams text deltas for a prompt. A non-nil error ends the
// stream and is treated as a provider failure.
type ModelClient interface {
	Stream(ctx context.Context, req ModelRequest) iter.Seq2[string, error]
}

// ResponseParser turns complete raw model text into a typed response. It
// must not fail on malformed payloads; it returns an empty command list
// and a best-effort message instead.
type ResponseParser interface {
	Parse(raw string) ParseResult
}

// Executor runs approved commands against the session's shell.
type Executor interface {
	// Run executes a batch command and waits for its result.
	Run(ctx context.Context, sessionID, command, toolCallID string) (ExecResult, error)
	// Start dispatches an interactive command and returns without waiting.
	Start(ctx context.Context, sessionID, command string) error
}

// TranscriptReader is implemented by executors that can report the recent
// output of a session's live terminal.
type TranscriptReader interface {
	Transcript(sessionID string) string
}

// EventSink receives every outbound event. Emit must not block for long.
type EventSink interface {
	Emit(e protocol.Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(protocol.Event)

// Emit calls f(e).
func (f EventSinkFunc) Emit(e protocol.Event) { f(e) }
