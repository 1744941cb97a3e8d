package store

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a RelayRecord
type State string

const (
	StateDetected     State = "DETECTED"
	StateSubmitting   State = "SUBMITTING"
	StateSubmitted    State = "SUBMITTED"
	StateConfirmed    State = "CONFIRMED"
	StateFailed       State = "FAILED"
	StateDeadLettered State = "DEAD_LETTERED"
	StateIgnored      State = "IGNORED"
)

// AllStates lists every state in lifecycle order
var AllStates = []State{
	StateDetected,
	StateSubmitting,
	StateSubmitted,
	StateConfirmed,
	StateFailed,
	StateDeadLettered,
	StateIgnored,
}

// transitions is the relay state machine. SUBMITTING -> SUBMITTING is the
// pre-broadcast checkpoint that persists the signed tx hash.
var transitions = map[State][]State{
	StateDetected:   {StateSubmitting},
	StateSubmitting: {StateSubmitting, StateSubmitted, StateFailed, StateConfirmed, StateDeadLettered},
	StateSubmitted:  {StateConfirmed, StateFailed},
	StateFailed:     {StateSubmitting, StateDeadLettered},
}

// CanTransition reports whether from -> to is a legal transition
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves the state
func (s State) IsTerminal() bool {
	return s == StateConfirmed || s == StateDeadLettered || s == StateIgnored
}

// IsValid reports whether s is a known state
func (s State) IsValid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// HasDestTxHash reports whether records in this state must carry a destination tx hash
func (s State) HasDestTxHash() bool {
	return s == StateSubmitted || s == StateConfirmed
}

// NonTerminalStates returns the states the coordinator resumes on startup
func NonTerminalStates() []State {
	var states []State
	for _, s := range AllStates {
		if !s.IsTerminal() {
			states = append(states, s)
		}
	}
	return states
}

// ParseState parses a state name case-insensitively, accepting "deadlettered"
// and "dead_lettered" alike.
func ParseState(s string) (State, error) {
	normalized := strings.ToUpper(strings.TrimSpace(s))
	if normalized == "DEADLETTERED" {
		normalized = string(StateDeadLettered)
	}
	state := State(normalized)
	if !state.IsValid() {
		return "", fmt.Errorf("unknown state %q", s)
	}
	return state, nil
}
