package agent

import (
	"strings"
	"unicode/utf8"
)

// DefaultMarker separates narration from the trailing structured payload.
const DefaultMarker = "JSON:"

// Partition is the state of a narration/payload split over a growing
// stream. It is a value: Push returns the next state and never mutates
// the receiver.
type Partition struct {
	marker  string
	pending string
	payload bool
}

// NewPartition returns the initial state for marker. An empty marker
// falls back to DefaultMarker.
func NewPartition(marker string) Partition {
	if marker == "" {
		marker = DefaultMarker
	}
	return Partition{marker: marker}
}

// Push consumes one delta and returns the new state together with the
// narration that became safe to show. The emitted text never contains a
// partial marker.
func (p Partition) Push(delta string) (Partition, string) {
	if p.payload || delta == "" {
		return p, ""
	}
	buf := p.pending + delta
	if i := strings.Index(buf, p.marker); i >= 0 {
		return Partition{marker: p.marker, payload: true}, buf[:i]
	}

	hold := len(p.marker) - 1
	if len(buf) <= hold {
		return Partition{marker: p.marker, pending: buf}, ""
	}
	// The hold is counted in runes: backing up to a rune start can keep a
	// few more bytes, never more than len(marker)-1 runes.
	cut := len(buf) - hold
	for cut > 0 && !utf8.RuneStart(buf[cut]) {
		cut--
	}
	return Partition{marker: p.marker, pending: buf[cut:]}, buf[:cut]
}

// InPayload reports whether the marker has been seen.
func (p Partition) InPayload() bool { return p.payload }

// Remainder returns narration held back while waiting for more input.
// It is empty once the marker has been seen.
func (p Partition) Remainder() string { return p.pending }
