package agent

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultOutputLimit caps the visible bytes of a command's output.
const DefaultOutputLimit = 4000

// FormatOutput renders a batch result as shown to the user and fed back
// to the model. Output is trimmed, a non-zero exit code is appended and the
// text is capped at limit bytes without splitting a rune.
func FormatOutput(res ExecResult, limit int) string {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	out := strings.TrimSpace(res.Output)
	if res.ExitCode != 0 {
		if out != "" {
			out += "\n"
		}
		out += fmt.Sprintf("[exit code %d]", res.ExitCode)
	}
	if len(out) <= limit {
		return out
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(out[cut]) {
		cut--
	}
	return fmt.Sprintf("%s\n…[truncated %d bytes]", out[:cut], len(out)-cut)
}

// tail returns at most n trailing bytes of s, starting on a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}
