package agent

import (
	"fmt"

	"github.com/ashureev/shsh-pilot/internal/protocol"
	"github.com/google/uuid"
)

// StepStatus is the lifecycle of a plan step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepDone       StepStatus = "done"
	StepBlocked    StepStatus = "blocked"
)

// MaxPlanSteps bounds how many steps a model-supplied plan may carry.
const MaxPlanSteps = 12

// PlanStep is one checklist item.
type PlanStep struct {
	ID          string
	Description string
	Status      StepStatus
}

// PlanTracker keeps a session's ordered plan and the cursor pointing at
// the step in flight. Every mutation reports the full step list through
// onChange; there is no incremental diff.
type PlanTracker struct {
	id       string
	steps    []PlanStep
	cursor   int
	onChange func(planID string, steps []protocol.PlanStep)
}

// NewPlanTracker creates an empty plan. onChange may be nil.
func NewPlanTracker(onChange func(planID string, steps []protocol.PlanStep)) *PlanTracker {
	return &PlanTracker{id: "plan_" + uuid.NewString(), onChange: onChange}
}

// Adopt replaces the plan wholesale with pending steps and resets the cursor.
func (p *PlanTracker) Adopt(descriptions []string) {
	if len(descriptions) > MaxPlanSteps {
		descriptions = descriptions[:MaxPlanSteps]
	}
	p.steps = make([]PlanStep, 0, len(descriptions))
	for i, d := range descriptions {
		p.steps = append(p.steps, PlanStep{
			ID:          fmt.Sprintf("step-%d", i+1),
			Description: d,
			Status:      StepPending,
		})
	}
	p.cursor = 0
	p.notify()
}

// Append adds an ad hoc step, used when a command arrives without a plan
// step to attribute it to.
func (p *PlanTracker) Append(id, description string) {
	p.steps = append(p.steps, PlanStep{ID: id, Description: description, Status: StepPending})
	p.notify()
}

// SetStatus updates the step with stepID. It reports whether a step matched.
func (p *PlanTracker) SetStatus(stepID string, status StepStatus) bool {
	for i := range p.steps {
		if p.steps[i].ID == stepID {
			p.steps[i].Status = status
			p.notify()
			return true
		}
	}
	return false
}

// AdvanceCursor applies status to the step at the cursor, clamped to the
// last step, and moves the cursor forward only when status is done.
func (p *PlanTracker) AdvanceCursor(status StepStatus) {
	if len(p.steps) == 0 {
		return
	}
	p.advance(status)
	p.notify()
}

// Mark sets status on the step with stepID and on the step at the cursor,
// advancing the cursor like AdvanceCursor. It emits a single update.
func (p *PlanTracker) Mark(stepID string, status StepStatus) {
	if len(p.steps) == 0 {
		return
	}
	for i := range p.steps {
		if p.steps[i].ID == stepID {
			p.steps[i].Status = status
		}
	}
	p.advance(status)
	p.notify()
}

func (p *PlanTracker) advance(status StepStatus) {
	idx := min(p.cursor, len(p.steps)-1)
	p.steps[idx].Status = status
	if status == StepDone && p.cursor < len(p.steps) {
		p.cursor++
	}
}

// Empty reports whether the plan has no steps.
func (p *PlanTracker) Empty() bool { return len(p.steps) == 0 }

// Exhausted reports whether the cursor has moved past every step.
func (p *PlanTracker) Exhausted() bool { return p.cursor >= len(p.steps) }

// Cursor returns the index of the step in flight.
func (p *PlanTracker) Cursor() int { return p.cursor }

// ID returns the plan identifier.
func (p *PlanTracker) ID() string { return p.id }

// Steps returns a wire-ready copy of the steps.
func (p *PlanTracker) Steps() []protocol.PlanStep {
	out := make([]protocol.PlanStep, len(p.steps))
	for i, s := range p.steps {
		out[i] = protocol.PlanStep{ID: s.ID, Description: s.Description, Status: string(s.Status)}
	}
	return out
}

func (p *PlanTracker) notify() {
	if p.onChange != nil {
		p.onChange(p.id, p.Steps())
	}
}
