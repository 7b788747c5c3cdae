package terminal

import (
	"regexp"
	"sync"
	"unicode/utf8"
)

// DefaultTranscriptSize bounds the per-session transcript.
const DefaultTranscriptSize = 64 * 1024

// ansiPattern matches CSI and OSC escape sequences emitted by a TTY.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[()][0-9A-Za-z]`)

// Transcript is a fixed-size ring of terminal output. When full, the oldest
// bytes are overwritten, so commands like `yes` cannot exhaust memory.
type Transcript struct {
	mu   sync.RWMutex
	buf  []byte
	head int // write position
	full bool
}

// NewTranscript creates a transcript holding at most size bytes.
func NewTranscript(size int) *Transcript {
	if size <= 0 {
		size = DefaultTranscriptSize
	}
	return &Transcript{buf: make([]byte, size)}
}

// Write implements io.Writer. It never fails.
func (t *Transcript) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(p)
	size := len(t.buf)
	if n >= size {
		copy(t.buf, p[n-size:])
		t.head = 0
		t.full = true
		return n, nil
	}

	written := copy(t.buf[t.head:], p)
	if written < n {
		copy(t.buf, p[written:])
		t.full = true
	}
	next := t.head + n
	if next >= size {
		t.full = true
	}
	t.head = next % size
	return n, nil
}

// Bytes returns the buffered output in write order.
func (t *Transcript) Bytes() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.full {
		out := make([]byte, t.head)
		copy(out, t.buf[:t.head])
		return out
	}
	out := make([]byte, 0, len(t.buf))
	out = append(out, t.buf[t.head:]...)
	return append(out, t.buf[:t.head]...)
}

// Len returns the number of buffered bytes.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.full {
		return len(t.buf)
	}
	return t.head
}

// Reset clears the transcript.
func (t *Transcript) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.head = 0
	t.full = false
}

// Tail returns at most n bytes of the most recent output with terminal
// escape sequences and carriage returns removed. n <= 0 returns everything.
func (t *Transcript) Tail(n int) string {
	text := Clean(t.Bytes())
	if n <= 0 || len(text) <= n {
		return text
	}
	text = text[len(text)-n:]
	for len(text) > 0 && !utf8.RuneStart(text[0]) {
		text = text[1:]
	}
	return text
}

// Clean strips escape sequences and carriage returns from raw TTY output.
func Clean(raw []byte) string {
	cleaned := ansiPattern.ReplaceAll(raw, nil)
	out := make([]byte, 0, len(cleaned))
	for _, b := range cleaned {
		if b == '\r' || b == 0x07 {
			continue
		}
		out = append(out, b)
	}
	return string(out)
}
