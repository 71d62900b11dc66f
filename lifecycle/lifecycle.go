// Package lifecycle defines the object lifecycle states that drive edge path
// states. The engine that computes the states lives outside this module; it
// only has to implement Source.
package lifecycle

// State is the lifecycle state of a storage object.
type State int

// The lifecycle states.
const (
	Invalid State = iota
	Specialize
	Activate
	Ready
	Hibernate
	Offline
	Fail
	Destroy
)

var stateNames = [...]string{
	Invalid:    "invalid",
	Specialize: "specialize",
	Activate:   "activate",
	Ready:      "ready",
	Hibernate:  "hibernate",
	Offline:    "offline",
	Fail:       "fail",
	Destroy:    "destroy",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}

	return stateNames[s]
}

// Status tells the lifecycle machinery whether a condition has converged.
type Status int

// The lifecycle statuses.
const (
	Done Status = iota
	Pending
	Error
)

func (s Status) String() string {
	switch s {
	case Done:
		return "done"
	case Pending:
		return "pending"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// A Source reports the current lifecycle state of an object.
type Source interface {
	LifecycleState() State
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func() State

// LifecycleState returns f().
func (f SourceFunc) LifecycleState() State {
	return f()
}

// Fixed is a Source that always reports the same state.
type Fixed State

// LifecycleState returns s.
func (s Fixed) LifecycleState() State {
	return State(s)
}
