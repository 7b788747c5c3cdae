package agent

import (
	"fmt"

	"github.com/ashureev/shsh-pilot/internal/protocol"
)

// stateIdle is the implicit state of a session that does not exist yet.
const stateIdle protocol.State = ""

var allowedTransitions = map[protocol.State]map[protocol.State]struct{}{
	stateIdle: {
		protocol.StateIntent: {},
	},
	protocol.StateIntent: {
		protocol.StatePlan:   {},
		protocol.StateFinish: {},
		protocol.StateError:  {},
	},
	protocol.StatePlan: {
		protocol.StateAct:    {},
		protocol.StateFinish: {},
		protocol.StateError:  {},
	},
	protocol.StateAct: {
		protocol.StateObserve: {},
		protocol.StateReflect: {},
		protocol.StateFinish:  {},
		protocol.StateError:   {},
	},
	protocol.StateObserve: {
		protocol.StateReflect: {},
		protocol.StateFinish:  {},
		protocol.StateError:   {},
	},
	protocol.StateReflect: {
		protocol.StateAct:    {},
		protocol.StateFinish: {},
		protocol.StateError:  {},
	},
	protocol.StateFinish: {},
	protocol.StateError:  {},
}

// ValidateTransition reports whether a session may move from one state to
// another. Staying in the same non-terminal state is not a transition and
// is rejected so callers can suppress it.
func ValidateTransition(from, to protocol.State) error {
	if _, ok := allowedTransitions[from]; !ok {
		return fmt.Errorf("invalid session state: %q", from)
	}
	if _, ok := allowedTransitions[to]; !ok || to == stateIdle {
		return fmt.Errorf("invalid session state: %q", to)
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid session transition: %s -> %s", from, to)
	}
	return nil
}
