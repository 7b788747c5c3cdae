// Package executor runs approved agent commands against session targets:
// batch commands through container exec, interactive commands by typing
// them into the session's live terminal.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-pilot/internal/agent"
	"github.com/ashureev/shsh-pilot/internal/container"
	"github.com/ashureev/shsh-pilot/internal/domain"
	"github.com/ashureev/shsh-pilot/internal/store"
)

var (
	// ErrNoTarget is returned when a session has no bound container.
	ErrNoTarget = errors.New("session has no target container")
	// ErrNoLiveTerminal is returned when an interactive command is
	// dispatched to a session without an attached terminal.
	ErrNoLiveTerminal = errors.New("session has no live terminal")
)

const (
	defaultTranscriptTail = 4000
	defaultTypingTimeout  = 2 * time.Minute
	touchTimeout          = 5 * time.Second
)

// Targets resolves and touches session target bindings.
type Targets interface {
	GetTarget(ctx context.Context, sessionID string) (*domain.Target, error)
	TouchTarget(ctx context.Context, sessionID string, at time.Time) error
}

// Runner runs batch commands in a container.
type Runner interface {
	RunCommand(ctx context.Context, req container.RunRequest) (container.RunResult, error)
}

// Terminals types into and reads from live session terminals.
type Terminals interface {
	Attached(sessionID string) bool
	Type(ctx context.Context, sessionID, command string) error
	Transcript(sessionID string, n int) string
}

// Config tunes the executor.
type Config struct {
	TranscriptTail int
	TypingTimeout  time.Duration
}

// Executor implements agent.Executor and agent.TranscriptReader.
type Executor struct {
	targets   Targets
	runner    Runner
	terminals Terminals
	cfg       Config
	logger    *slog.Logger
}

// New creates an executor. terminals may be nil, in which case interactive
// commands always fail with ErrNoLiveTerminal.
func New(targets Targets, runner Runner, terminals Terminals, cfg Config, logger *slog.Logger) *Executor {
	if cfg.TranscriptTail <= 0 {
		cfg.TranscriptTail = defaultTranscriptTail
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = defaultTypingTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{targets: targets, runner: runner, terminals: terminals, cfg: cfg, logger: logger}
}

// Run executes a batch command in the session's container.
func (x *Executor) Run(ctx context.Context, sessionID, command, toolCallID string) (agent.ExecResult, error) {
	target, err := x.target(ctx, sessionID)
	if err != nil {
		return agent.ExecResult{}, err
	}

	start := time.Now()
	res, err := x.runner.RunCommand(ctx, container.RunRequest{
		ContainerID: target.ContainerID,
		Command:     command,
		Shell:       target.Shell,
		User:        target.User,
	})
	if err != nil {
		return agent.ExecResult{}, fmt.Errorf("run command: %w", err)
	}
	x.logger.Info("Command executed",
		"session_id", sessionID,
		"tool_call_id", toolCallID,
		"container_id", target.ContainerID,
		"exit_code", res.ExitCode,
		"duration", time.Since(start))

	x.touch(sessionID)
	return agent.ExecResult{Output: res.Output, ExitCode: res.ExitCode}, nil
}

// Start types an interactive command into the session's live terminal. It
// returns once the command has been handed off; typing continues in the
// background and is not bound to ctx's cancellation.
func (x *Executor) Start(ctx context.Context, sessionID, command string) error {
	if x.terminals == nil || !x.terminals.Attached(sessionID) {
		return ErrNoLiveTerminal
	}

	typeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), x.cfg.TypingTimeout)
	go func() {
		defer cancel()
		if err := x.terminals.Type(typeCtx, sessionID, command); err != nil {
			x.logger.Warn("Failed to type interactive command", "session_id", sessionID, "error", err)
			return
		}
		x.touch(sessionID)
	}()
	return nil
}

// Transcript returns the recent cleaned output of the session's terminal.
func (x *Executor) Transcript(sessionID string) string {
	if x.terminals == nil {
		return ""
	}
	return x.terminals.Transcript(sessionID, x.cfg.TranscriptTail)
}

func (x *Executor) target(ctx context.Context, sessionID string) (*domain.Target, error) {
	target, err := x.targets.GetTarget(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoTarget
	}
	if err != nil {
		return nil, fmt.Errorf("get target: %w", err)
	}
	if target.ContainerID == "" {
		return nil, ErrNoTarget
	}
	return target, nil
}

func (x *Executor) touch(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
	defer cancel()
	if err := x.targets.TouchTarget(ctx, sessionID, time.Now()); err != nil && !errors.Is(err, store.ErrNotFound) {
		x.logger.Warn("Failed to update last seen", "session_id", sessionID, "error", err)
	}
}

var (
	_ agent.Executor         = (*Executor)(nil)
	_ agent.TranscriptReader = (*Executor)(nil)
)
