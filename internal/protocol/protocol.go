// Package protocol defines the wire vocabulary exchanged with the agent engine.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version stamped on every Action and Event.
const Version = 1

// ErrInvalidAction is returned when an inbound action fails validation.
var ErrInvalidAction = errors.New("invalid action")

// State is a session state as reported by state_changed events.
type State string

const (
	StateIntent  State = "intent"
	StatePlan    State = "plan"
	StateAct     State = "act"
	StateObserve State = "observe"
	StateReflect State = "reflect"
	StateFinish  State = "finish"
	StateError   State = "error"
)

// Terminal reports whether no further transitions may follow s.
func (s State) Terminal() bool {
	return s == StateFinish || s == StateError
}

// ActionType discriminates inbound actions.
type ActionType string

const (
	ActionUserMessage ActionType = "user_message"
	ActionApproveTool ActionType = "approve_tool"
	ActionConfirmTool ActionType = "confirm_tool"
	ActionRejectTool  ActionType = "reject_tool"
	ActionCancel      ActionType = "cancel"
)

// Action is an inbound request addressed to one session.
// Only the fields relevant to Type are populated.
type Action struct {
	Version   int        `json:"version"`
	Type      ActionType `json:"type"`
	SessionID string     `json:"sessionId"`

	// user_message
	MessageID string `json:"messageId,omitempty"`
	Content   string `json:"content,omitempty"`
	Model     string `json:"model,omitempty"`
	MaxSteps  int    `json:"maxSteps,omitempty"`

	// approve_tool, confirm_tool, reject_tool
	ToolCallID string `json:"toolCallId,omitempty"`

	// reject_tool, cancel
	Reason string `json:"reason,omitempty"`
}

// Validate checks that the action carries the fields its type requires.
func (a Action) Validate() error {
	if a.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidAction, a.Version)
	}
	if strings.TrimSpace(a.SessionID) == "" {
		return fmt.Errorf("%w: sessionId is required", ErrInvalidAction)
	}
	switch a.Type {
	case ActionUserMessage:
		if strings.TrimSpace(a.Content) == "" {
			return fmt.Errorf("%w: content is required", ErrInvalidAction)
		}
		if a.MaxSteps < 0 {
			return fmt.Errorf("%w: maxSteps must be >= 0", ErrInvalidAction)
		}
	case ActionApproveTool, ActionConfirmTool, ActionRejectTool:
		if strings.TrimSpace(a.ToolCallID) == "" {
			return fmt.Errorf("%w: toolCallId is required for %s", ErrInvalidAction, a.Type)
		}
	case ActionCancel:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidAction, a.Type)
	}
	return nil
}

// DecodeAction parses and validates a JSON action. A missing version is
// treated as the current one.
func DecodeAction(data []byte) (Action, error) {
	var a Action
	if err := json.Unmarshal(data, &a); err != nil {
		return Action{}, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	if a.Version == 0 {
		a.Version = Version
	}
	if err := a.Validate(); err != nil {
		return Action{}, err
	}
	return a, nil
}

// EventType discriminates outbound events.
type EventType string

const (
	EventMessage            EventType = "message"
	EventPlanUpdated        EventType = "plan_updated"
	EventToolRequested      EventType = "tool_requested"
	EventWaitingForApproval EventType = "waiting_for_approval"
	EventToolResult         EventType = "tool_result"
	EventStateChanged       EventType = "state_changed"
)

// ToolStatus is the outcome carried by a tool_result event.
type ToolStatus string

const (
	ToolSuccess   ToolStatus = "success"
	ToolError     ToolStatus = "error"
	ToolCancelled ToolStatus = "cancelled"
)

// ToolCall describes a proposed command offered for approval.
type ToolCall struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Input            string `json:"input"`
	RequiresApproval bool   `json:"requiresApproval"`
	Risk             string `json:"risk,omitempty"`
	Interactive      bool   `json:"interactive,omitempty"`
}

// PlanStep is one rendered item of a session plan.
type PlanStep struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// Event is an outbound notification. Type selects which payload fields
// are meaningful; the rest stay empty and are omitted on the wire.
type Event struct {
	Version   int       `json:"version"`
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`

	// message
	MessageID string `json:"messageId,omitempty"`
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	Partial   bool   `json:"partial,omitempty"`

	// plan_updated
	PlanID string     `json:"planId,omitempty"`
	Steps  []PlanStep `json:"steps,omitempty"`

	// tool_requested
	ToolCall *ToolCall `json:"toolCall,omitempty"`

	// waiting_for_approval, tool_result
	ToolCallID string     `json:"toolCallId,omitempty"`
	Status     ToolStatus `json:"status,omitempty"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`

	// state_changed
	State  State  `json:"state,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func newEvent(sessionID string, t EventType, now time.Time) Event {
	return Event{Version: Version, Type: t, SessionID: sessionID, Timestamp: now.UTC()}
}

// NewMessage builds a message event.
func NewMessage(sessionID, messageID, role, content string, partial bool, now time.Time) Event {
	e := newEvent(sessionID, EventMessage, now)
	e.MessageID = messageID
	e.Role = role
	e.Content = content
	e.Partial = partial
	return e
}

// NewPlanUpdated builds a plan_updated event carrying the full step list.
func NewPlanUpdated(sessionID, planID string, steps []PlanStep, now time.Time) Event {
	e := newEvent(sessionID, EventPlanUpdated, now)
	e.PlanID = planID
	e.Steps = steps
	if e.Steps == nil {
		e.Steps = []PlanStep{}
	}
	return e
}

// NewToolRequested builds a tool_requested event.
func NewToolRequested(sessionID string, call ToolCall, now time.Time) Event {
	e := newEvent(sessionID, EventToolRequested, now)
	e.ToolCall = &call
	return e
}

// NewWaitingForApproval builds a waiting_for_approval event.
func NewWaitingForApproval(sessionID, toolCallID string, now time.Time) Event {
	e := newEvent(sessionID, EventWaitingForApproval, now)
	e.ToolCallID = toolCallID
	return e
}

// NewToolResult builds a tool_result event.
func NewToolResult(sessionID, toolCallID string, status ToolStatus, output, errMsg string, now time.Time) Event {
	e := newEvent(sessionID, EventToolResult, now)
	e.ToolCallID = toolCallID
	e.Status = status
	e.Output = output
	e.Error = errMsg
	return e
}

// NewStateChanged builds a state_changed event.
func NewStateChanged(sessionID string, state State, detail string, now time.Time) Event {
	e := newEvent(sessionID, EventStateChanged, now)
	e.State = state
	e.Detail = detail
	return e
}
