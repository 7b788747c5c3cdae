package events

import (
	"errors"
	"io"

	"github.com/ashureev/shsh-pilot/internal/agent"
	"github.com/ashureev/shsh-pilot/internal/protocol"
)

// Multi forwards every event to each sink in order. Nil sinks are skipped.
type Multi []agent.EventSink

// NewMulti builds a Multi from the non-nil sinks.
func NewMulti(sinks ...agent.EventSink) Multi {
	m := make(Multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

// Emit delivers e to every sink.
func (m Multi) Emit(e protocol.Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Close closes every sink that implements io.Closer.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
