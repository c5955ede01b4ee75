// SPDX-License-Identifier: Apache-2.0

package enforcer

import log "github.com/sirupsen/logrus"

// FSMState is the session lifecycle state.
type FSMState int

const (
	FSMActive FSMState = iota
	FSMTerminationScheduled
	FSMReleased
	FSMTerminated
)

func (s FSMState) String() string {
	switch s {
	case FSMActive:
		return "ACTIVE"
	case FSMTerminationScheduled:
		return "TERMINATION_SCHEDULED"
	case FSMReleased:
		return "RELEASED"
	case FSMTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// fsmTransitions enumerates the legal (from, event) -> to edges. event
// names are free-form strings matching the ones used by the session
// operations below; they exist only to drive this table and logging,
// not to be serialized.
var fsmTransitions = map[FSMState]map[string]FSMState{
	FSMActive: {
		"markAwaitingTermination": FSMTerminationScheduled,
		"flowsReleased":           FSMReleased,
	},
	FSMTerminationScheduled: {
		"flowsReleased": FSMReleased,
	},
	FSMReleased: {
		"completeTermination": FSMTerminated,
	},
}

// transition attempts (from, event) -> to. TERMINATED is absorbing:
// any transition attempted from it, or any transition not present in
// the table, is a no-op with a warning log.
func transition(from FSMState, event string) (FSMState, error) {
	if from == FSMTerminated {
		log.WithFields(log.Fields{"from": from, "event": event}).
			Warn("fsm: attempted transition out of terminal state")

		return from, ErrInvalidTransition(from, event)
	}

	edges, ok := fsmTransitions[from]
	if !ok {
		log.WithFields(log.Fields{"from": from, "event": event}).Warn("fsm: no edges from state")
		return from, ErrInvalidTransition(from, event)
	}

	to, ok := edges[event]
	if !ok {
		log.WithFields(log.Fields{"from": from, "event": event}).Warn("fsm: invalid transition")
		return from, ErrInvalidTransition(from, event)
	}

	return to, nil
}
