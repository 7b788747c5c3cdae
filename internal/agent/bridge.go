package agent

// Bridge tracks the single interactive command awaiting out-of-band
// confirmation for a session. It gates only the resolution of that id;
// other proposals are handled independently.
type Bridge struct {
	pending string
	command string
}

// Set records toolCallID as the pending interactive command, replacing any
// previous one.
func (b *Bridge) Set(toolCallID, command string) {
	b.pending = toolCallID
	b.command = command
}

// Pending returns the pending id, or "" when none is set.
func (b *Bridge) Pending() string { return b.pending }

// Resolve clears the pending command if its id equals toolCallID and
// returns the command text.
func (b *Bridge) Resolve(toolCallID string) (string, bool) {
	if b.pending == "" || b.pending != toolCallID {
		return "", false
	}
	cmd := b.command
	b.pending, b.command = "", ""
	return cmd, true
}

// Clear drops any pending command.
func (b *Bridge) Clear() { b.pending, b.command = "", "" }
