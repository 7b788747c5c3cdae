package agent

import (
	"strings"

	"github.com/google/uuid"
)

// ProposalTracker holds the proposals of a session's most recent turn.
// It is the source of truth for what can still be approved.
type ProposalTracker struct {
	byID  map[string]Proposal
	order []string
	newID func() string
}

// NewProposalTracker creates an empty tracker.
func NewProposalTracker() *ProposalTracker {
	return &ProposalTracker{
		byID:  make(map[string]Proposal),
		newID: func() string { return "call_" + uuid.NewString() },
	}
}

// Track assigns ids to proposals that lack one and replaces the tracked
// set wholesale. Proposals from earlier turns are dropped so a stale id
// can never be approved. The returned response carries the filled ids.
func (t *ProposalTracker) Track(resp Response) Response {
	t.byID = make(map[string]Proposal, len(resp.Commands))
	t.order = t.order[:0]
	if len(resp.Commands) == 0 {
		resp.Commands = nil
		return resp
	}

	cmds := make([]Proposal, len(resp.Commands))
	for i, p := range resp.Commands {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			p.ID = t.newID()
		}
		if _, dup := t.byID[p.ID]; dup {
			p.ID = t.newID()
		}
		t.byID[p.ID] = p
		t.order = append(t.order, p.ID)
		cmds[i] = p
	}
	resp.Commands = cmds
	return resp
}

// Lookup returns the tracked proposal with id.
func (t *ProposalTracker) Lookup(id string) (Proposal, bool) {
	p, ok := t.byID[id]
	return p, ok
}

// Remove drops a proposal once it has been resolved.
func (t *ProposalTracker) Remove(id string) {
	if _, ok := t.byID[id]; !ok {
		return
	}
	delete(t.byID, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Clear forgets every tracked proposal.
func (t *ProposalTracker) Clear() {
	t.byID = make(map[string]Proposal)
	t.order = t.order[:0]
}

// Len returns the number of tracked proposals.
func (t *ProposalTracker) Len() int { return len(t.byID) }

// IDs returns tracked ids in proposal order.
func (t *ProposalTracker) IDs() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}
