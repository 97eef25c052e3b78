package runner

import "fmt"

// StepState is a step's position in the execution state machine
type StepState string

const (
	StatePending   StepState = "pending"
	StateRunning   StepState = "running"
	StateSucceeded StepState = "succeeded"
	StateFailed    StepState = "failed"
	StateSkipped   StepState = "skipped"
)

// IsTerminal reports whether no further transition is possible from s.
func IsTerminal(s StepState) bool {
	switch s {
	case StateSucceeded, StateFailed, StateSkipped:
		return true
	default:
		return false
	}
}

// ExecutionState tracks every selected step by name
type ExecutionState map[string]StepState

func newExecutionState(steps []string) ExecutionState {
	st := make(ExecutionState, len(steps))
	for _, s := range steps {
		st[s] = StatePending
	}
	return st
}

// Transition moves step from one state to another. The expected prior state
// must match, and only Pending->Running, Pending->Skipped and
// Running->{Succeeded,Failed} are allowed.
func (st ExecutionState) Transition(step string, from, to StepState) error {
	cur, ok := st[step]
	if !ok {
		return fmt.Errorf("unknown step in state: %q", step)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", step, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", step, from, to)
	}
	st[step] = to
	return nil
}

func isAllowedTransition(from, to StepState) bool {
	switch from {
	case StatePending:
		return to == StateRunning || to == StateSkipped
	case StateRunning:
		return to == StateSucceeded || to == StateFailed
	default:
		return false
	}
}
