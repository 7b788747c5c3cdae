// Package agent implements the orchestration engine that drives a delegated
// shell goal through intent, plan, act, observe and reflect until it finishes.
package agent

import (
	"time"

	"github.com/ashureev/shsh-pilot/internal/protocol"
)

// Risk is the risk tier a model attaches to a proposed command.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// ParseRisk normalizes a model-supplied tier. Unknown values map to "".
func ParseRisk(raw string) Risk {
	switch Risk(raw) {
	case RiskLow, RiskMedium, RiskHigh:
		return Risk(raw)
	default:
		return ""
	}
}

// Proposal is one candidate command offered by the model in a turn.
type Proposal struct {
	ID               string
	Command          string
	Rationale        string
	Risk             Risk
	RequiresApproval bool
	Interactive      bool
}

// Response is the validated, parsed form of one model turn.
type Response struct {
	Message  string
	Intent   string
	Action   string
	Plan     []string
	Done     bool
	Commands []Proposal
}

// ParseResult is what a ResponseParser returns for raw model text.
type ParseResult struct {
	Response  Response
	Narration string
}

// Session is the per-goal record owned by the engine.
type Session struct {
	ID           string
	State        protocol.State
	Goal         string
	Step         int
	Model        string
	MaxSteps     int
	LastCommand  string
	LastExitCode int
	// GuardStep is the step at which the duplicate guard last fired;
	// meaningful only while GuardArmed is set.
	GuardStep  int
	GuardArmed bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ExecResult is the outcome of a batch command.
type ExecResult struct {
	Output   string
	ExitCode int
}

// Snapshot is a read-only copy of a session and its plan.
type Snapshot struct {
	Session Session
	PlanID  string
	Plan    []protocol.PlanStep
	Cursor  int
	Pending string
}
