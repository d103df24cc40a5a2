package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a role session.
type State string

const (
	Initializing State = "initializing"
	Active       State = "active"
	Waiting      State = "waiting"
	Blocked      State = "blocked"
	Completed    State = "completed"
	Suspended    State = "suspended"
	Error        State = "error"
)

var (
	ErrDuplicateSession  = errors.New("role already has a non-terminal session")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrNotFound          = errors.New("session not found")
)

var allowedTransitions = map[State]map[State]struct{}{
	Initializing: {
		Active:    {},
		Error:     {},
		Suspended: {},
	},
	Active: {
		Waiting:   {},
		Blocked:   {},
		Completed: {},
		Suspended: {},
		Error:     {},
	},
	Waiting: {
		Active:    {},
		Blocked:   {},
		Completed: {},
		Suspended: {},
		Error:     {},
	},
	Blocked: {
		Active:    {},
		Waiting:   {},
		Completed: {},
		Suspended: {},
		Error:     {},
	},
	// Error -> Initializing is a restart of the same session.
	Error: {
		Initializing: {},
		Suspended:    {},
	},
	Completed: {},
	Suspended: {},
}

// ParseState validates a state name.
func ParseState(s string) (State, error) {
	st := State(s)
	if _, ok := allowedTransitions[st]; !ok {
		return "", fmt.Errorf("invalid session state: %q", s)
	}
	return st, nil
}

// ValidateTransition reports whether from -> to is allowed.
func ValidateTransition(from, to State) error {
	if _, err := ParseState(string(from)); err != nil {
		return err
	}
	if _, err := ParseState(string(to)); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
