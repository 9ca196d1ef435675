package lab

import (
	"fmt"
	"strings"
)

// State is the lifecycle stage of a loop.
type State int

const (
	// Idle is a loop that has not been run.
	Idle State = iota
	// Running is a loop inside Run.
	Running
	// Converged means the convergence predicate held.
	Converged
	// Exhausted means the step budget or the strategy ran out first.
	Exhausted
	// Failed means a step could not complete.
	Failed
)

var stateNames = [...]string{"idle", "running", "converged", "exhausted", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == Converged || s == Exhausted || s == Failed
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	name := strings.ToLower(string(b))
	for i, n := range stateNames {
		if n == name {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", string(b))
}
