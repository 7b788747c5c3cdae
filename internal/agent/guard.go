package agent

import "strings"

// GuardVerdict is the duplicate guard's decision for a proposed command.
type GuardVerdict int

const (
	// GuardPass means the command is not a repeat and may be proposed.
	GuardPass GuardVerdict = iota
	// GuardRetry means the command repeats the last success; the turn is
	// re-run once with a corrective note.
	GuardRetry
	// GuardStop means the repeat already fired at this step; the session
	// should finish and ask the user for direction.
	GuardStop
)

// Corrective notes used by the engine when the guard fires.
const (
	guardRetryNote = "You proposed %q again, but it already ran successfully. " +
		"Do not repeat it. Advance to the next step, or set done to true if the goal is met."
	guardStopMessage = "I keep proposing the same command that already succeeded. " +
		"Tell me how you would like to continue."
)

// IsRepeat reports whether command exactly repeats the session's last
// successfully executed command.
func IsRepeat(s *Session, command string) bool {
	if s.LastCommand == "" || s.LastExitCode != 0 {
		return false
	}
	return strings.TrimSpace(command) == strings.TrimSpace(s.LastCommand)
}

// CheckRepeat runs the guard against s and arms the marker on the first
// repeat at a step.
func CheckRepeat(s *Session, command string) GuardVerdict {
	if !IsRepeat(s, command) {
		return GuardPass
	}
	if s.GuardArmed && s.GuardStep == s.Step {
		return GuardStop
	}
	s.GuardArmed = true
	s.GuardStep = s.Step
	return GuardRetry
}

// RecordSuccess stores the last executed command. A zero exit code for a
// command that is not a repeat clears the guard marker.
func RecordSuccess(s *Session, command string, exitCode int) {
	if exitCode == 0 && !IsRepeat(s, command) {
		s.GuardArmed = false
		s.GuardStep = 0
	}
	s.LastCommand = strings.TrimSpace(command)
	s.LastExitCode = exitCode
}
