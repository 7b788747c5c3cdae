package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/shsh-pilot/internal/protocol"
	"github.com/google/uuid"
)

const (
	// DefaultMaxSteps is the step budget of a session that does not set one.
	DefaultMaxSteps = 10
	// DefaultTranscriptTail is how much of a live terminal transcript is
	// fed back after an interactive command is confirmed.
	DefaultTranscriptTail = 2000

	roleAssistant      = "assistant"
	toolName           = "shell"
	placeholderMessage = "Working on it."
)

// Config tunes an Engine.
type Config struct {
	Marker         string
	DefaultModel   string
	MaxSteps       int
	OutputCap      int
	OutputLimit    int
	TranscriptTail int
	TombstoneTTL   time.Duration
	Policy         Policy
}

// Deps are the collaborators an Engine drives.
type Deps struct {
	Prompts  PromptBuilder
	Model    ModelClient
	Parser   ResponseParser
	Executor Executor
	Sink     EventSink
	Logger   *slog.Logger
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Engine is the session state machine. It owns every live session, consumes
// inbound actions and reports progress only through events.
//
// Actions for one session must be delivered one at a time, with the
// exception of cancel, which may arrive while a turn is in flight.
type Engine struct {
	prompts PromptBuilder
	model   ModelClient
	parser  ResponseParser
	exec    Executor
	sink    EventSink
	logger  *slog.Logger
	now     func() time.Time
	cfg     Config
	store   *sessionStore
}

// NewEngine creates an Engine.
func NewEngine(deps Deps, cfg Config) *Engine {
	if cfg.Marker == "" {
		cfg.Marker = DefaultMarker
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = DefaultOutputLimit
	}
	if cfg.TranscriptTail <= 0 {
		cfg.TranscriptTail = DefaultTranscriptTail
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sink == nil {
		deps.Sink = EventSinkFunc(func(protocol.Event) {})
	}
	return &Engine{
		prompts: deps.Prompts,
		model:   deps.Model,
		parser:  deps.Parser,
		exec:    deps.Executor,
		sink:    deps.Sink,
		logger:  deps.Logger,
		now:     deps.Now,
		cfg:     cfg,
		store:   newSessionStore(cfg.TombstoneTTL),
	}
}

// Handle applies one action. Domain failures are reported as events; the
// returned error is non-nil only when the action cannot be addressed to a
// live session.
func (e *Engine) Handle(ctx context.Context, a protocol.Action) error {
	if a.Version == 0 {
		a.Version = protocol.Version
	}
	if err := a.Validate(); err != nil {
		return err
	}

	switch a.Type {
	case protocol.ActionUserMessage:
		return e.start(ctx, a)
	case protocol.ActionApproveTool:
		return e.approve(ctx, a)
	case protocol.ActionConfirmTool:
		return e.confirm(ctx, a)
	case protocol.ActionRejectTool:
		return e.reject(a)
	case protocol.ActionCancel:
		return e.Cancel(a.SessionID, a.Reason)
	}
	return fmt.Errorf("%w: unknown type %q", protocol.ErrInvalidAction, a.Type)
}

// Admit reports whether Handle would accept a without running it. The
// transport uses it to answer synchronously before queueing the action.
func (e *Engine) Admit(a protocol.Action) error {
	if a.Version == 0 {
		a.Version = protocol.Version
	}
	if err := a.Validate(); err != nil {
		return err
	}
	return e.store.admit(a.SessionID, a.Type == protocol.ActionUserMessage, e.now())
}

// Cancel finishes a session unconditionally and aborts its in-flight work.
func (e *Engine) Cancel(sessionID, reason string) error {
	en, err := e.store.get(sessionID)
	if err != nil {
		return err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.terminal() {
		return ErrSessionClosed
	}
	if reason == "" {
		reason = "cancelled"
	}
	e.transitionLocked(en, protocol.StateFinish, reason)
	return nil
}

// Snapshot returns a copy of a live session and its plan.
func (e *Engine) Snapshot(sessionID string) (Snapshot, error) {
	en, err := e.store.get(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	return Snapshot{
		Session: en.session,
		PlanID:  en.plan.ID(),
		Plan:    en.plan.Steps(),
		Cursor:  en.plan.Cursor(),
		Pending: en.bridge.Pending(),
	}, nil
}

// Idle returns the ids of live sessions not updated within d.
func (e *Engine) Idle(d time.Duration) []string {
	return e.store.idle(e.now().Add(-d))
}

// Active returns the number of live sessions.
func (e *Engine) Active() int { return e.store.len() }

func (e *Engine) start(ctx context.Context, a protocol.Action) error {
	now := e.now()
	en, err := e.store.create(a.SessionID, now, func(en *entry) {
		sessionID := a.SessionID
		en.proposals = NewProposalTracker()
		en.plan = NewPlanTracker(func(planID string, steps []protocol.PlanStep) {
			e.emit(protocol.NewPlanUpdated(sessionID, planID, steps, e.now()))
		})
	})
	if err != nil {
		return err
	}

	en.mu.Lock()
	s := &en.session
	s.Goal = strings.TrimSpace(a.Content)
	s.Model = a.Model
	if s.Model == "" {
		s.Model = e.cfg.DefaultModel
	}
	s.MaxSteps = a.MaxSteps
	if s.MaxSteps <= 0 {
		s.MaxSteps = e.cfg.MaxSteps
	}
	e.logger.Info("agent session started", "session_id", s.ID, "model", s.Model, "max_steps", s.MaxSteps)
	e.transitionLocked(en, protocol.StateIntent, "")
	e.transitionLocked(en, protocol.StatePlan, "")
	en.mu.Unlock()

	e.run(ctx, en, "")
	return nil
}

// run drives turns until one of them waits on the user or ends the session.
func (e *Engine) run(ctx context.Context, en *entry, note string) {
	for {
		next := e.turn(ctx, en, note)
		if next.run != nil {
			var again bool
			note, again = e.execute(ctx, en, *next.run)
			if !again {
				return
			}
			continue
		}
		if !next.again {
			return
		}
		note = next.note
	}
}

// followUp tells run what to do after a turn.
type followUp struct {
	note  string
	again bool
	// run is set when policy approved the proposal without the user.
	run *Proposal
}

func (e *Engine) turn(ctx context.Context, en *entry, note string) followUp {
	en.mu.Lock()
	if en.terminal() {
		en.mu.Unlock()
		return followUp{}
	}
	s := &en.session
	if s.Step >= s.MaxSteps {
		e.logger.Info("agent step budget exhausted", "session_id", s.ID, "step", s.Step)
		e.transitionLocked(en, protocol.StateFinish, "step budget exhausted")
		en.mu.Unlock()
		return followUp{}
	}
	req := ModelRequest{
		SessionID: s.ID,
		Prompt: e.prompts.Build(PromptInput{
			Goal:  s.Goal,
			Step:  s.Step,
			Note:  note,
			Steps: en.plan.Steps(),
		}),
		Model:     s.Model,
		MaxTokens: e.cfg.OutputCap,
	}
	turnCtx, cancel := context.WithCancel(ctx)
	en.cancelTurn = cancel
	en.mu.Unlock()
	defer cancel()

	messageID := uuid.NewString()
	raw, narration, err := e.stream(turnCtx, en, req, messageID)

	en.mu.Lock()
	defer en.mu.Unlock()
	en.cancelTurn = nil
	now := e.now()
	if en.terminal() {
		e.logger.Debug("dropping model result for closed session", "session_id", req.SessionID)
		if narration != "" {
			e.emit(protocol.NewMessage(req.SessionID, messageID, roleAssistant, narration, false, now))
		}
		return followUp{}
	}
	if err != nil {
		e.logger.Error("model stream failed", "session_id", req.SessionID, "step", s.Step, "error", err)
		e.transitionLocked(en, protocol.StateError, "model request failed")
		e.emit(protocol.NewMessage(req.SessionID, messageID, roleAssistant,
			fmt.Sprintf("The model request failed: %v", err), false, now))
		return followUp{}
	}

	parsed := e.parser.Parse(raw)
	resp := e.cfg.Policy.apply(parsed.Response)
	if len(resp.Plan) > 0 && en.plan.Empty() {
		en.plan.Adopt(resp.Plan)
	}

	final := strings.TrimSpace(narration)
	if final == "" {
		final = strings.TrimSpace(parsed.Narration)
	}
	if final == "" {
		final = strings.TrimSpace(resp.Message)
	}
	if final == "" {
		final = placeholderMessage
	}
	e.emit(protocol.NewMessage(req.SessionID, messageID, roleAssistant, final, false, now))

	resp = en.proposals.Track(resp)
	if resp.Done || len(resp.Commands) == 0 {
		e.transitionLocked(en, protocol.StateFinish, "goal complete")
		return followUp{}
	}

	prop := resp.Commands[0]
	switch CheckRepeat(s, prop.Command) {
	case GuardStop:
		e.logger.Warn("duplicate command loop stopped", "session_id", s.ID, "step", s.Step, "command", prop.Command)
		en.proposals.Clear()
		e.emit(protocol.NewMessage(s.ID, uuid.NewString(), roleAssistant, guardStopMessage, false, now))
		e.transitionLocked(en, protocol.StateFinish, "repeated command")
		return followUp{}
	case GuardRetry:
		e.logger.Info("duplicate command, retrying with correction", "session_id", s.ID, "step", s.Step)
		en.proposals.Clear()
		return followUp{note: fmt.Sprintf(guardRetryNote, strings.TrimSpace(prop.Command)), again: true}
	}

	if en.plan.Exhausted() {
		en.plan.Append(prop.ID, describe(prop))
	}
	e.transitionLocked(en, protocol.StateAct, "")
	auto := e.cfg.Policy.AutoApproves(prop)
	e.emit(protocol.NewToolRequested(s.ID, protocol.ToolCall{
		ID:               prop.ID,
		Name:             toolName,
		Input:            prop.Command,
		RequiresApproval: !auto,
		Risk:             string(prop.Risk),
		Interactive:      prop.Interactive,
	}, now))
	if auto {
		return followUp{run: &prop}
	}
	e.emit(protocol.NewWaitingForApproval(s.ID, prop.ID, now))
	return followUp{}
}

// stream runs the model call, re-emitting visible narration as partial
// messages. It returns the full raw text and the narration seen.
func (e *Engine) stream(ctx context.Context, en *entry, req ModelRequest, messageID string) (string, string, error) {
	var raw, shown strings.Builder
	part := NewPartition(e.cfg.Marker)

	for delta, err := range e.model.Stream(ctx, req) {
		if err != nil {
			return raw.String(), shown.String(), err
		}
		raw.WriteString(delta)
		var visible string
		part, visible = part.Push(delta)
		if visible == "" {
			continue
		}
		shown.WriteString(visible)
		if !e.emitLive(en, protocol.NewMessage(req.SessionID, messageID, roleAssistant, shown.String(), true, e.now())) {
			return raw.String(), shown.String(), context.Canceled
		}
	}
	if err := ctx.Err(); err != nil {
		return raw.String(), shown.String(), err
	}
	if !part.InPayload() {
		shown.WriteString(part.Remainder())
	}
	return raw.String(), shown.String(), nil
}

func (e *Engine) approve(ctx context.Context, a protocol.Action) error {
	en, err := e.store.get(a.SessionID)
	if err != nil {
		return err
	}
	en.mu.Lock()
	if en.terminal() {
		en.mu.Unlock()
		return ErrSessionClosed
	}
	prop, ok := en.proposals.Lookup(a.ToolCallID)
	if !ok {
		e.emit(protocol.NewToolResult(a.SessionID, a.ToolCallID, protocol.ToolError, "", "unknown tool call", e.now()))
		en.mu.Unlock()
		return nil
	}
	en.mu.Unlock()

	if note, again := e.execute(ctx, en, prop); again {
		e.run(ctx, en, note)
	}
	return nil
}

// execute runs an approved proposal. For batch commands it returns the
// note for the next turn and whether a turn should follow.
func (e *Engine) execute(ctx context.Context, en *entry, prop Proposal) (string, bool) {
	en.mu.Lock()
	if en.terminal() {
		en.mu.Unlock()
		return "", false
	}
	sessionID := en.session.ID
	en.proposals.Remove(prop.ID)
	en.plan.Mark(prop.ID, StepInProgress)
	e.transitionLocked(en, protocol.StateObserve, "")

	if prop.Interactive {
		en.bridge.Set(prop.ID, prop.Command)
		en.mu.Unlock()
		e.logger.Info("interactive command dispatched", "session_id", sessionID, "tool_call_id", prop.ID)
		if err := e.exec.Start(ctx, sessionID, prop.Command); err != nil {
			en.mu.Lock()
			en.bridge.Clear()
			e.failLocked(en, prop.ID, err)
			en.mu.Unlock()
		}
		return "", false
	}

	runCtx, cancel := context.WithCancel(ctx)
	en.cancelTurn = cancel
	en.mu.Unlock()
	res, err := e.exec.Run(runCtx, sessionID, prop.Command, prop.ID)
	cancel()

	en.mu.Lock()
	defer en.mu.Unlock()
	en.cancelTurn = nil
	if en.terminal() {
		return "", false
	}
	if err != nil {
		e.failLocked(en, prop.ID, err)
		return "", false
	}

	out := FormatOutput(res, e.cfg.OutputLimit)
	e.emit(protocol.NewToolResult(sessionID, prop.ID, protocol.ToolSuccess, out, "", e.now()))
	e.completeLocked(en, prop.ID, prop.Command, res.ExitCode)
	return resultNote(prop.Command, out), true
}

func (e *Engine) confirm(ctx context.Context, a protocol.Action) error {
	en, err := e.store.get(a.SessionID)
	if err != nil {
		return err
	}
	en.mu.Lock()
	if en.terminal() {
		en.mu.Unlock()
		return ErrSessionClosed
	}
	command, ok := en.bridge.Resolve(a.ToolCallID)
	if !ok {
		e.emit(protocol.NewToolResult(a.SessionID, a.ToolCallID, protocol.ToolError, "", "no pending interactive command with this id", e.now()))
		en.mu.Unlock()
		return nil
	}

	var transcript string
	if tr, ok := e.exec.(TranscriptReader); ok {
		transcript = strings.TrimSpace(tail(tr.Transcript(a.SessionID), e.cfg.TranscriptTail))
	}
	e.emit(protocol.NewToolResult(a.SessionID, a.ToolCallID, protocol.ToolSuccess, transcript, "", e.now()))
	e.completeLocked(en, a.ToolCallID, command, 0)
	note := fmt.Sprintf("The user confirmed that the interactive command `%s` completed.", command)
	if transcript != "" {
		note += "\nRecent terminal output:\n" + transcript
	}
	en.mu.Unlock()

	e.run(ctx, en, note)
	return nil
}

func (e *Engine) reject(a protocol.Action) error {
	en, err := e.store.get(a.SessionID)
	if err != nil {
		return err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.terminal() {
		return ErrSessionClosed
	}
	now := e.now()
	_, tracked := en.proposals.Lookup(a.ToolCallID)
	interactive := en.bridge.Pending() == a.ToolCallID
	if !tracked && !interactive {
		e.emit(protocol.NewToolResult(a.SessionID, a.ToolCallID, protocol.ToolError, "", "unknown tool call", now))
		return nil
	}

	reason := a.Reason
	if reason == "" {
		reason = "rejected by user"
	}
	en.proposals.Remove(a.ToolCallID)
	if interactive {
		en.bridge.Clear()
	}
	en.plan.Mark(a.ToolCallID, StepBlocked)
	e.emit(protocol.NewToolResult(a.SessionID, a.ToolCallID, protocol.ToolCancelled, "", reason, now))
	e.transitionLocked(en, protocol.StateFinish, reason)
	return nil
}

// completeLocked records a finished command and moves to reflect.
func (e *Engine) completeLocked(en *entry, toolCallID, command string, exitCode int) {
	s := &en.session
	en.plan.Mark(toolCallID, StepDone)
	RecordSuccess(s, command, exitCode)
	s.Step++
	e.transitionLocked(en, protocol.StateReflect, "")
}

// failLocked handles an executor failure.
func (e *Engine) failLocked(en *entry, toolCallID string, err error) {
	e.logger.Error("command execution failed", "session_id", en.session.ID, "tool_call_id", toolCallID, "error", err)
	en.plan.Mark(toolCallID, StepBlocked)
	e.transitionLocked(en, protocol.StateError, "command execution failed")
	e.emit(protocol.NewToolResult(en.session.ID, toolCallID, protocol.ToolError, "", err.Error(), e.now()))
}

// transitionLocked moves the session to state `to` and emits state_changed.
// Staying in the current state is silently ignored and an invalid
// transition is logged and dropped. Reaching a terminal state closes the
// session.
func (e *Engine) transitionLocked(en *entry, to protocol.State, detail string) {
	s := &en.session
	from := s.State
	if from == to {
		return
	}
	if err := ValidateTransition(from, to); err != nil {
		e.logger.Warn("rejected session transition", "session_id", s.ID, "from", from, "to", to, "error", err)
		return
	}
	now := e.now()
	s.State = to
	s.UpdatedAt = now
	e.logger.Debug("session state changed", "session_id", s.ID, "state", to, "step", s.Step)
	e.emit(protocol.NewStateChanged(s.ID, to, detail, now))

	if to.Terminal() {
		if en.cancelTurn != nil {
			en.cancelTurn()
			en.cancelTurn = nil
		}
		en.proposals.Clear()
		e.store.close(s.ID, now)
		e.logger.Info("agent session closed", "session_id", s.ID, "state", to, "step", s.Step)
	}
}

// emitLive emits an event unless the session already closed.
func (e *Engine) emitLive(en *entry, ev protocol.Event) bool {
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.terminal() {
		return false
	}
	e.emit(ev)
	return true
}

func (e *Engine) emit(ev protocol.Event) {
	e.sink.Emit(ev)
}

func describe(p Proposal) string {
	if r := strings.TrimSpace(p.Rationale); r != "" {
		return r
	}
	return strings.TrimSpace(p.Command)
}

func resultNote(command, output string) string {
	if output == "" {
		output = "(no output)"
	}
	return fmt.Sprintf("Output of `%s`:\n%s", strings.TrimSpace(command), output)
}

// IsClientError reports whether err from Handle describes a request that
// cannot be applied, as opposed to an internal failure.
func IsClientError(err error) bool {
	return errors.Is(err, protocol.ErrInvalidAction) ||
		errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, ErrUnknownSession) ||
		errors.Is(err, ErrSessionActive)
}
