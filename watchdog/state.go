package watchdog

import "github.com/vinayprograms/singletonkit/registry"

// State is the phase of a watchdog's election cycle.
type State int

const (
	// StateElecting is the initial state and the state between a worker
	// failure and the next claim.
	StateElecting State = iota
	// StateOwner means this watchdog's claim won and it monitors its own worker.
	StateOwner
	// StateFollower means another claim won and this watchdog monitors it.
	StateFollower
	// StateStopped is terminal: the watched worker exited normally or Run was cancelled.
	StateStopped
	// StateFatal is terminal: the first election could not be evaluated.
	StateFatal
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateElecting:
		return "electing"
	case StateOwner:
		return "owner"
	case StateFollower:
		return "follower"
	case StateStopped:
		return "stopped"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFatal
}

// Transition describes one state change.
type Transition struct {
	Name   string
	From   State
	To     State
	Handle registry.Handle
	Role   registry.Role
}
