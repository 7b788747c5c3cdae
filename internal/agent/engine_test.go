package agent

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/shsh-pilot/internal/protocol"
)

// --- fakes ---

type recordingSink struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recordingSink) Emit(e protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) all() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recordingSink) ofType(t protocol.EventType) []protocol.Event {
	var out []protocol.Event
	for _, e := range r.all() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingSink) states() []protocol.State {
	var out []protocol.State
	for _, e := range r.ofType(protocol.EventStateChanged) {
		out = append(out, e.State)
	}
	return out
}

type recordingPrompts struct {
	mu     sync.Mutex
	inputs []PromptInput
}

func (p *recordingPrompts) Build(in PromptInput) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputs = append(p.inputs, in)
	return "goal: " + in.Goal + "\nnote: " + in.Note
}

func (p *recordingPrompts) last() PromptInput {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inputs[len(p.inputs)-1]
}

// scriptedModel replays one canned response per call, split into small
// chunks so the partitioner sees markers across delta boundaries.
type scriptedModel struct {
	mu        sync.Mutex
	responses []string
	calls     int
	err       error
}

func (m *scriptedModel) Stream(ctx context.Context, _ ModelRequest) iter.Seq2[string, error] {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	m.mu.Unlock()

	return func(yield func(string, error) bool) {
		if m.err != nil {
			yield("", m.err)
			return
		}
		if idx >= len(m.responses) {
			yield("", errors.New("script exhausted"))
			return
		}
		text := m.responses[idx]
		for len(text) > 0 {
			n := min(3, len(text))
			if !yield(text[:n], nil) {
				return
			}
			text = text[n:]
		}
	}
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// blockingModel yields one delta and waits for its context to end.
type blockingModel struct {
	started chan struct{}
}

func (m *blockingModel) Stream(ctx context.Context, _ ModelRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !yield("Thinking about it ", nil) {
			return
		}
		close(m.started)
		<-ctx.Done()
		yield("", ctx.Err())
	}
}

type testParser struct{}

func (testParser) Parse(raw string) ParseResult {
	narration, payload, found := strings.Cut(raw, DefaultMarker)
	if !found {
		return ParseResult{Response: Response{Message: raw}, Narration: raw}
	}
	var p struct {
		Message  string
		Done     bool
		Action   string
		Plan     []string
		Commands []struct {
			ID          string
			Command     string
			Rationale   string
			Risk        string
			Interactive bool
		}
	}
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return ParseResult{Response: Response{Message: "unparseable"}, Narration: narration}
	}
	resp := Response{Message: p.Message, Done: p.Done, Action: p.Action, Plan: p.Plan}
	for _, c := range p.Commands {
		resp.Commands = append(resp.Commands, Proposal{
			ID:          c.ID,
			Command:     c.Command,
			Rationale:   c.Rationale,
			Risk:        ParseRisk(c.Risk),
			Interactive: c.Interactive,
		})
	}
	return ParseResult{Response: resp, Narration: narration}
}

type fakeExecutor struct {
	mu         sync.Mutex
	results    map[string]ExecResult
	err        error
	ran        []string
	started    []string
	transcript string
}

func (f *fakeExecutor) Run(_ context.Context, _, command, _ string) (ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, command)
	if f.err != nil {
		return ExecResult{}, f.err
	}
	return f.results[command], nil
}

func (f *fakeExecutor) Start(_ context.Context, _, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, command)
	return f.err
}

func (f *fakeExecutor) Transcript(string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transcript
}

type harness struct {
	engine  *Engine
	sink    *recordingSink
	model   *scriptedModel
	prompts *recordingPrompts
	exec    *fakeExecutor
}

func newHarness(t *testing.T, cfg Config, responses ...string) *harness {
	t.Helper()
	h := &harness{
		sink:    &recordingSink{},
		model:   &scriptedModel{responses: responses},
		prompts: &recordingPrompts{},
		exec:    &fakeExecutor{results: map[string]ExecResult{}},
	}
	if cfg.Policy.InteractivePrograms == nil && cfg.Policy.Actions == nil {
		cfg.Policy = DefaultPolicy()
	}
	h.engine = NewEngine(Deps{
		Prompts:  h.prompts,
		Model:    h.model,
		Parser:   testParser{},
		Executor: h.exec,
		Sink:     h.sink,
	}, cfg)
	t.Cleanup(func() { checkEventInvariants(t, h.sink.all()) })
	return h
}

func userMessage(sessionID, content string) protocol.Action {
	return protocol.Action{Type: protocol.ActionUserMessage, SessionID: sessionID, MessageID: "m1", Content: content}
}

func toolAction(typ protocol.ActionType, sessionID, toolCallID string) protocol.Action {
	return protocol.Action{Type: typ, SessionID: sessionID, ToolCallID: toolCallID}
}

func lastToolCallID(t *testing.T, sink *recordingSink) string {
	t.Helper()
	reqs := sink.ofType(protocol.EventToolRequested)
	if len(reqs) == 0 {
		t.Fatal("expected a tool_requested event")
	}
	return reqs[len(reqs)-1].ToolCall.ID
}

// checkEventInvariants verifies state paths and message streaming order.
func checkEventInvariants(t *testing.T, events []protocol.Event) {
	t.Helper()
	state := stateIdle
	closed := false
	type msgState struct {
		last  string
		final int
	}
	msgs := map[string]*msgState{}

	for _, e := range events {
		if e.Version != protocol.Version || e.SessionID == "" || e.Timestamp.IsZero() {
			t.Errorf("event %s missing envelope fields: %+v", e.Type, e)
		}
		switch e.Type {
		case protocol.EventStateChanged:
			if closed {
				t.Errorf("state_changed %s after terminal state", e.State)
			}
			if err := ValidateTransition(state, e.State); err != nil {
				t.Errorf("invalid path: %v", err)
			}
			state = e.State
			closed = state.Terminal()
		case protocol.EventMessage:
			m := msgs[e.MessageID]
			if m == nil {
				m = &msgState{}
				msgs[e.MessageID] = m
			}
			if m.final > 0 {
				t.Errorf("message %s emitted after its final event", e.MessageID)
			}
			if e.Partial {
				if len(e.Content) <= len(m.last) || !strings.HasPrefix(e.Content, m.last) {
					t.Errorf("partial content did not grow: %q -> %q", m.last, e.Content)
				}
				if strings.Contains(e.Content, "JSO") {
					t.Errorf("partial content leaks marker: %q", e.Content)
				}
				m.last = e.Content
			} else {
				m.final++
			}
		}
	}
	for id, m := range msgs {
		if m.final != 1 {
			t.Errorf("message %s has %d final events", id, m.final)
		}
	}
}

// --- scenarios ---

func TestEngineDiskSpaceApproveFlow(t *testing.T) {
	h := newHarness(t, Config{},
		`Let me check the disk. JSON:{"commands":[{"command":"df -h","risk":"low"}]}`,
		`Disk looks fine, checking uptime. JSON:{"commands":[{"command":"uptime"}]}`,
	)
	h.exec.results["df -h"] = ExecResult{Output: "Filesystem      Size  Used\n/dev/sda1  20G  5G\n"}
	ctx := context.Background()

	if err := h.engine.Handle(ctx, userMessage("s1", "check disk space")); err != nil {
		t.Fatalf("user_message: %v", err)
	}

	reqs := h.sink.ofType(protocol.EventToolRequested)
	if len(reqs) != 1 || reqs[0].ToolCall.Input != "df -h" || reqs[0].ToolCall.Risk != "low" {
		t.Fatalf("unexpected tool_requested events %+v", reqs)
	}
	if !reqs[0].ToolCall.RequiresApproval {
		t.Fatal("expected approval to be required")
	}
	waits := h.sink.ofType(protocol.EventWaitingForApproval)
	if len(waits) != 1 || waits[0].ToolCallID != reqs[0].ToolCall.ID {
		t.Fatalf("unexpected waiting_for_approval events %+v", waits)
	}

	if err := h.engine.Handle(ctx, toolAction(protocol.ActionApproveTool, "s1", reqs[0].ToolCall.ID)); err != nil {
		t.Fatalf("approve_tool: %v", err)
	}

	results := h.sink.ofType(protocol.EventToolResult)
	if len(results) != 1 || results[0].Status != protocol.ToolSuccess {
		t.Fatalf("unexpected tool_result events %+v", results)
	}
	if !strings.HasPrefix(results[0].Output, "Filesystem") {
		t.Fatalf("unexpected output %q", results[0].Output)
	}

	snap, err := h.engine.Snapshot("s1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Session.Step != 1 {
		t.Fatalf("expected step 1, got %d", snap.Session.Step)
	}
	if snap.Plan[0].Status != string(StepDone) {
		t.Fatalf("expected first plan step done, got %+v", snap.Plan)
	}
	if h.model.callCount() != 2 {
		t.Fatalf("expected a new turn to start automatically, model calls=%d", h.model.callCount())
	}
	if note := h.prompts.last().Note; !strings.Contains(note, "Filesystem") {
		t.Fatalf("expected command output in next prompt, got %q", note)
	}

	expected := []protocol.State{protocol.StateIntent, protocol.StatePlan, protocol.StateAct, protocol.StateObserve, protocol.StateReflect, protocol.StateAct}
	if got := h.sink.states(); !equalStates(got, expected) {
		t.Fatalf("expected states %v, got %v", expected, got)
	}
}

func TestEngineApproveUnknownToolCall(t *testing.T) {
	h := newHarness(t, Config{}, `JSON:{"commands":[{"command":"ls"}]}`)
	ctx := context.Background()
	if err := h.engine.Handle(ctx, userMessage("s1", "list files")); err != nil {
		t.Fatal(err)
	}
	before := len(h.sink.all())

	if err := h.engine.Handle(ctx, toolAction(protocol.ActionApproveTool, "s1", "call_missing")); err != nil {
		t.Fatalf("approve_tool: %v", err)
	}

	after := h.sink.all()[before:]
	if len(after) != 1 {
		t.Fatalf("expected exactly one event, got %d: %+v", len(after), after)
	}
	if after[0].Type != protocol.EventToolResult || after[0].Status != protocol.ToolError {
		t.Fatalf("expected error tool_result, got %+v", after[0])
	}
	snap, _ := h.engine.Snapshot("s1")
	if snap.Session.State != protocol.StateAct {
		t.Fatalf("expected state unchanged, got %s", snap.Session.State)
	}
}

func TestEngineStepBudgetFinishesWithoutModelCall(t *testing.T) {
	h := newHarness(t, Config{}, `JSON:{"commands":[{"command":"ls"}]}`)
	ctx := context.Background()

	a := userMessage("s1", "list files")
	a.MaxSteps = 1
	if err := h.engine.Handle(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Handle(ctx, toolAction(protocol.ActionApproveTool, "s1", lastToolCallID(t, h.sink))); err != nil {
		t.Fatal(err)
	}

	if h.model.callCount() != 1 {
		t.Fatalf("expected no model call after budget, got %d calls", h.model.callCount())
	}
	states := h.sink.states()
	if states[len(states)-1] != protocol.StateFinish {
		t.Fatalf("expected finish, got %v", states)
	}
	if _, err := h.engine.Snapshot("s1"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected closed session, got %v", err)
	}
}

func TestEngineDuplicateGuard(t *testing.T) {
	echo := `Saying hi. JSON:{"commands":[{"command":"echo hi"}]}`
	h := newHarness(t, Config{}, echo, echo, echo)
	h.exec.results["echo hi"] = ExecResult{Output: "hi"}
	ctx := context.Background()

	if err := h.engine.Handle(ctx, userMessage("s1", "say hi")); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Handle(ctx, toolAction(protocol.ActionApproveTool, "s1", lastToolCallID(t, h.sink))); err != nil {
		t.Fatal(err)
	}

	if got := h.model.callCount(); got != 3 {
		t.Fatalf("expected 3 model calls, got %d", got)
	}
	if got := len(h.sink.ofType(protocol.EventWaitingForApproval)); got != 1 {
		t.Fatalf("repeat must not ask for approval, got %d waits", got)
	}
	if got := len(h.sink.ofType(protocol.EventToolRequested)); got != 1 {
		t.Fatalf("repeat must not be requested, got %d", got)
	}
	if in := h.prompts.last(); !strings.Contains(in.Note, "echo hi") || !strings.Contains(in.Note, "Do not repeat") {
		t.Fatalf("expected corrective note, got %q", in.Note)
	}

	states := h.sink.states()
	if states[len(states)-1] != protocol.StateFinish {
		t.Fatalf("expected finish, got %v", states)
	}
	msgs := h.sink.ofType(protocol.EventMessage)
	if last := msgs[len(msgs)-1]; last.Content != guardStopMessage {
		t.Fatalf("expected guidance message, got %q", last.Content)
	}
}

func TestEngineCancel(t *testing.T) {
	h := newHarness(t, Config{}, `JSON:{"commands":[{"command":"ls"}]}`)
	ctx := context.Background()
	if err := h.engine.Handle(ctx, userMessage("s1", "list")); err != nil {
		t.Fatal(err)
	}
	id := lastToolCallID(t, h.sink)

	if err := h.engine.Handle(ctx, protocol.Action{Type: protocol.ActionCancel, SessionID: "s1", Reason: "user left"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	states := h.sink.ofType(protocol.EventStateChanged)
	last := states[len(states)-1]
	if last.State != protocol.StateFinish || last.Detail != "user left" {
		t.Fatalf("unexpected final state %+v", last)
	}

	before := len(h.sink.all())
	if err := h.engine.Handle(ctx, toolAction(protocol.ActionApproveTool, "s1", id)); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if err := h.engine.Handle(ctx, userMessage("s1", "again")); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected closed id to stay closed, got %v", err)
	}
	if len(h.sink.all()) != before {
		t.Fatal("stray actions must not emit events")
	}
	if len(h.exec.ran) != 0 {
		t.Fatal("cancelled proposal must not run")
	}
}

func TestEngineCancelAbortsModelStream(t *testing.T) {
	sink := &recordingSink{}
	model := &blockingModel{started: make(chan struct{})}
	engine := NewEngine(Deps{
		Prompts:  &recordingPrompts{},
		Model:    model,
		Parser:   testParser{},
		Executor: &fakeExecutor{},
		Sink:     sink,
	}, Config{})
	t.Cleanup(func() { checkEventInvariants(t, sink.all()) })

	done := make(chan error, 1)
	go func() { done <- engine.Handle(context.Background(), userMessage("s1", "think")) }()

	select {
	case <-model.started:
	case <-time.After(2 * time.Second):
		t.Fatal("model stream never started")
	}
	if err := engine.Handle(context.Background(), protocol.Action{Type: protocol.ActionCancel, SessionID: "s1"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("user_message: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not end after cancel")
	}

	states := sink.states()
	if !equalStates(states, []protocol.State{protocol.StateIntent, protocol.StatePlan, protocol.StateFinish}) {
		t.Fatalf("unexpected states %v", states)
	}
}

func TestEngineReject(t *testing.T) {
	h := newHarness(t, Config{}, `JSON:{"commands":[{"command":"rm -rf /tmp/cache","risk":"high"}]}`)
	ctx := context.Background()
	if err := h.engine.Handle(ctx, userMessage("s1", "clean cache")); err != nil {
		t.Fatal(err)
	}
	id := lastToolCallID(t, h.sink)

	reject := toolAction(protocol.ActionRejectTool, "s1", id)
	reject.Reason = "too risky"
	if err := h.engine.Handle(ctx, reject); err != nil {
		t.Fatalf("reject_tool: %v", err)
	}

	results := h.sink.ofType(protocol.EventToolResult)
	if len(results) != 1 || results[0].Status != protocol.ToolCancelled || results[0].Error != "too risky" {
		t.Fatalf("unexpected tool_result %+v", results)
	}
	plans := h.sink.ofType(protocol.EventPlanUpdated)
	if steps := plans[len(plans)-1].Steps; steps[0].Status != string(StepBlocked) {
		t.Fatalf("expected blocked step, got %+v", steps)
	}
	states := h.sink.states()
	if states[len(states)-1] != protocol.StateFinish {
		t.Fatalf("expected finish, got %v", states)
	}
}

func TestEngineRejectUnknownToolCall(t *testing.T) {
	h := newHarness(t, Config{}, `JSON:{"commands":[{"command":"ls"}]}`)
	ctx := context.Background()
	if err := h.engine.Handle(ctx, userMessage("s1", "list")); err != nil {
		t.Fatal(err)
	}
	before := len(h.sink.all())
	if err := h.engine.Handle(ctx, toolAction(protocol.ActionRejectTool, "s1", "nope")); err != nil {
		t.Fatal(err)
	}
	after := h.sink.all()[before:]
	if len(after) != 1 || after[0].Status != protocol.ToolError {
		t.Fatalf("expected single error result, got %+v", after)
	}
}

func TestEngineInteractiveConfirm(t *testing.T) {
	h := newHarness(t, Config{},
		`Opening the editor. JSON:{"commands":[{"command":"vim notes.txt"}]}`,
		`Saved. JSON:{"done":true}`,
	)
	h.exec.transcript = "~\n~\n\"notes.txt\" 3L, 42B written"
	ctx := context.Background()

	if err := h.engine.Handle(ctx, userMessage("s1", "edit notes")); err != nil {
		t.Fatal(err)
	}
	req := h.sink.ofType(protocol.EventToolRequested)[0]
	if !req.ToolCall.Interactive {
		t.Fatal("expected vim to be interactive")
	}
	if err := h.engine.Handle(ctx, toolAction(protocol.ActionApproveTool, "s1", req.ToolCall.ID)); err != nil {
		t.Fatal(err)
	}
	if len(h.exec.started) != 1 || len(h.exec.ran) != 0 {
		t.Fatalf("expected Start, got started=%v ran=%v", h.exec.started, h.exec.ran)
	}
	snap, _ := h.engine.Snapshot("s1")
	if snap.Session.State != protocol.StateObserve || snap.Pending != req.ToolCall.ID {
		t.Fatalf("expected observe with pending id, got %s %q", snap.Session.State, snap.Pending)
	}

	before := len(h.sink.all())
	if err := h.engine.Handle(ctx, toolAction(protocol.ActionConfirmTool, "s1", "call_other")); err != nil {
		t.Fatal(err)
	}
	after := h.sink.all()[before:]
	if len(after) != 1 || after[0].Status != protocol.ToolError {
		t.Fatalf("mismatched confirm must yield one error result, got %+v", after)
	}

	if err := h.engine.Handle(ctx, toolAction(protocol.ActionConfirmTool, "s1", req.ToolCall.ID)); err != nil {
		t.Fatal(err)
	}
	results := h.sink.ofType(protocol.EventToolResult)
	if last := results[len(results)-1]; last.Status != protocol.ToolSuccess || !strings.Contains(last.Output, "written") {
		t.Fatalf("unexpected confirm result %+v", last)
	}
	if note := h.prompts.last().Note; !strings.Contains(note, "vim notes.txt") || !strings.Contains(note, "written") {
		t.Fatalf("expected transcript in note, got %q", note)
	}
	states := h.sink.states()
	if states[len(states)-1] != protocol.StateFinish {
		t.Fatalf("expected finish, got %v", states)
	}
}

func TestEngineInteractiveStartFailure(t *testing.T) {
	h := newHarness(t, Config{}, `JSON:{"commands":[{"command":"top"}]}`)
	h.exec.err = errors.New("terminal not attached")
	ctx := context.Background()
	if err := h.engine.Handle(ctx, userMessage("s1", "show processes")); err != nil {
		t.Fatal(err)
	}
	id := lastToolCallID(t, h.sink)
	if err := h.engine.Handle(ctx, toolAction(protocol.ActionApproveTool, "s1", id)); err != nil {
		t.Fatal(err)
	}

	if len(h.exec.started) != 1 || len(h.exec.ran) != 0 {
		t.Fatalf("expected Start only, got started=%v ran=%v", h.exec.started, h.exec.ran)
	}
	results := h.sink.ofType(protocol.EventToolResult)
	if len(results) != 1 || results[0].ToolCallID != id || results[0].Status != protocol.ToolError {
		t.Fatalf("expected one error result, got %+v", results)
	}
	plans := h.sink.ofType(protocol.EventPlanUpdated)
	if steps := plans[len(plans)-1].Steps; steps[0].Status != string(StepBlocked) {
		t.Fatalf("expected blocked step, got %+v", steps)
	}
	want := []protocol.State{protocol.StateIntent, protocol.StatePlan, protocol.StateAct, protocol.StateObserve, protocol.StateError}
	if got := h.sink.states(); !equalStates(got, want) {
		t.Fatalf("expected states %v, got %v", want, got)
	}

	if err := h.engine.Handle(ctx, toolAction(protocol.ActionConfirmTool, "s1", id)); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("confirm after failed start should hit a closed session, got %v", err)
	}
}

func TestEngineModelFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.model.err = errors.New("connection refused")

	if err := h.engine.Handle(context.Background(), userMessage("s1", "anything")); err != nil {
		t.Fatalf("model failure must not surface as an error: %v", err)
	}
	states := h.sink.states()
	if states[len(states)-1] != protocol.StateError {
		t.Fatalf("expected error state, got %v", states)
	}
	msgs := h.sink.ofType(protocol.EventMessage)
	last := msgs[len(msgs)-1]
	if last.Partial || !strings.Contains(last.Content, "connection refused") {
		t.Fatalf("unexpected failure message %+v", last)
	}
}

func TestEngineExecutorFailure(t *testing.T) {
	h := newHarness(t, Config{}, `JSON:{"commands":[{"command":"ls"}]}`)
	h.exec.err = errors.New("container gone")
	ctx := context.Background()
	if err := h.engine.Handle(ctx, userMessage("s1", "list")); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Handle(ctx, toolAction(protocol.ActionApproveTool, "s1", lastToolCallID(t, h.sink))); err != nil {
		t.Fatal(err)
	}

	results := h.sink.ofType(protocol.EventToolResult)
	if len(results) != 1 || results[0].Status != protocol.ToolError || results[0].Error != "container gone" {
		t.Fatalf("unexpected results %+v", results)
	}
	plans := h.sink.ofType(protocol.EventPlanUpdated)
	if steps := plans[len(plans)-1].Steps; steps[0].Status != string(StepBlocked) {
		t.Fatalf("expected blocked step, got %+v", steps)
	}
	states := h.sink.states()
	if states[len(states)-1] != protocol.StateError {
		t.Fatalf("expected error state, got %v", states)
	}
}

func TestEngineAutoApprove(t *testing.T) {
	policy := DefaultPolicy()
	policy.AutoApproveRisks = []Risk{RiskLow}
	h := newHarness(t, Config{Policy: policy},
		`JSON:{"commands":[{"command":"pwd","risk":"low"}]}`,
		`JSON:{"done":true,"message":"You are in /root."}`,
	)
	h.exec.results["pwd"] = ExecResult{Output: "/root"}

	if err := h.engine.Handle(context.Background(), userMessage("s1", "where am I")); err != nil {
		t.Fatal(err)
	}
	if len(h.sink.ofType(protocol.EventWaitingForApproval)) != 0 {
		t.Fatal("auto-approved command must not wait for approval")
	}
	if req := h.sink.ofType(protocol.EventToolRequested)[0]; req.ToolCall.RequiresApproval {
		t.Fatal("expected requiresApproval=false")
	}
	if len(h.exec.ran) != 1 {
		t.Fatalf("expected command to run, ran=%v", h.exec.ran)
	}
	msgs := h.sink.ofType(protocol.EventMessage)
	if last := msgs[len(msgs)-1]; last.Content != "You are in /root." {
		t.Fatalf("expected parsed message fallback, got %q", last.Content)
	}
}

func TestEngineAdoptsModelPlan(t *testing.T) {
	h := newHarness(t, Config{},
		`JSON:{"plan":["inspect disk","clean logs"],"commands":[{"command":"df -h"}]}`,
		`JSON:{"plan":["something else"],"commands":[{"command":"du -sh /var/log"}]}`,
	)
	ctx := context.Background()
	if err := h.engine.Handle(ctx, userMessage("s1", "free space")); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Handle(ctx, toolAction(protocol.ActionApproveTool, "s1", lastToolCallID(t, h.sink))); err != nil {
		t.Fatal(err)
	}

	snap, _ := h.engine.Snapshot("s1")
	if len(snap.Plan) != 2 || snap.Plan[0].Description != "inspect disk" {
		t.Fatalf("expected the first plan to be kept, got %+v", snap.Plan)
	}
	if snap.Cursor != 1 || snap.Plan[0].Status != string(StepDone) {
		t.Fatalf("expected cursor on the second step, got cursor=%d plan=%+v", snap.Cursor, snap.Plan)
	}
}

func TestEnginePlaceholderNarration(t *testing.T) {
	h := newHarness(t, Config{}, `JSON:{"done":true}`)
	if err := h.engine.Handle(context.Background(), userMessage("s1", "noop")); err != nil {
		t.Fatal(err)
	}
	msgs := h.sink.ofType(protocol.EventMessage)
	if len(msgs) != 1 || msgs[0].Content != placeholderMessage {
		t.Fatalf("expected placeholder, got %+v", msgs)
	}
}

func TestEngineStrayActions(t *testing.T) {
	h := newHarness(t, Config{}, `JSON:{"commands":[{"command":"ls"}]}`)
	ctx := context.Background()

	if err := h.engine.Handle(ctx, toolAction(protocol.ActionApproveTool, "ghost", "x")); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	if err := h.engine.Handle(ctx, protocol.Action{Type: protocol.ActionUserMessage, SessionID: "s1"}); !errors.Is(err, protocol.ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}
	if err := h.engine.Handle(ctx, userMessage("s1", "list")); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Handle(ctx, userMessage("s1", "again")); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	if !IsClientError(ErrSessionActive) || IsClientError(errors.New("boom")) {
		t.Fatal("unexpected IsClientError classification")
	}
}

func TestEngineIdle(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	engine := NewEngine(Deps{
		Prompts:  &recordingPrompts{},
		Model:    &scriptedModel{responses: []string{`JSON:{"commands":[{"command":"ls"}]}`}},
		Parser:   testParser{},
		Executor: &fakeExecutor{},
		Now:      clock,
	}, Config{})

	if err := engine.Handle(context.Background(), userMessage("s1", "list")); err != nil {
		t.Fatal(err)
	}
	if ids := engine.Idle(time.Minute); len(ids) != 0 {
		t.Fatalf("expected no idle sessions, got %v", ids)
	}
	now = now.Add(2 * time.Minute)
	if ids := engine.Idle(time.Minute); len(ids) != 1 || ids[0] != "s1" {
		t.Fatalf("expected s1 idle, got %v", ids)
	}
	if engine.Active() != 1 {
		t.Fatalf("expected one active session, got %d", engine.Active())
	}
}

func TestEngineAdmit(t *testing.T) {
	h := newHarness(t, Config{}, `JSON:{"commands":[{"command":"ls"}]}`)
	ctx := context.Background()
	approve := protocol.Action{Type: protocol.ActionApproveTool, SessionID: "s1", ToolCallID: "call_x"}

	if err := h.engine.Admit(userMessage("s1", "list")); err != nil {
		t.Fatalf("new session should be admitted: %v", err)
	}
	if err := h.engine.Admit(approve); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	if err := h.engine.Admit(protocol.Action{Type: "bogus", SessionID: "s1"}); !errors.Is(err, protocol.ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}
	if h.engine.Active() != 0 {
		t.Fatal("Admit must not create sessions")
	}

	if err := h.engine.Handle(ctx, userMessage("s1", "list")); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Admit(approve); err != nil {
		t.Fatalf("approve for a live session should be admitted: %v", err)
	}
	if err := h.engine.Admit(userMessage("s1", "again")); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}

	if err := h.engine.Cancel("s1", ""); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Admit(approve); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func equalStates(a, b []protocol.State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
