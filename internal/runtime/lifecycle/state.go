// Package lifecycle holds the run state machine shared by receivers and other
// long-running entities.
package lifecycle

// RunState is the lifecycle state of a receiver or adapter.
type RunState int

const (
	Stopped RunState = iota
	Starting
	Started
	Stopping
	ExceptionStarting
	ExceptionStopping
	Error
)

var stateNames = [...]string{
	Stopped:           "STOPPED",
	Starting:          "STARTING",
	Started:           "STARTED",
	Stopping:          "STOPPING",
	ExceptionStarting: "EXCEPTION_STARTING",
	ExceptionStopping: "EXCEPTION_STOPPING",
	Error:             "ERROR",
}

func (s RunState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// MarshalText lets states appear by name in JSON and TOML.
func (s RunState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseRunState is the inverse of String.
func ParseRunState(name string) (RunState, bool) {
	for i, n := range stateNames {
		if n == name {
			return RunState(i), true
		}
	}
	return Stopped, false
}

// transitions lists the allowed successors of every state. ERROR is reachable
// from anywhere and handled separately.
var transitions = map[RunState][]RunState{
	Stopped:           {Starting},
	Starting:          {Started, ExceptionStarting},
	Started:           {Stopping},
	Stopping:          {Stopped, ExceptionStopping},
	ExceptionStarting: {Starting, Stopping, Stopped},
	ExceptionStopping: {Starting, Stopping, Stopped},
	Error:             {Starting, Stopping, Stopped},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to RunState) bool {
	if from == to {
		return false
	}
	if to == Error {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsRest reports whether s is a state nothing is actively moving out of.
func (s RunState) IsRest() bool {
	switch s {
	case Stopped, Started, Error, ExceptionStarting, ExceptionStopping:
		return true
	}
	return false
}
