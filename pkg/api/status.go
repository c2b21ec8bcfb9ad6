package api

import "github.com/kode4food/cascade/internal/util"

type (
	// InstanceStatus represents the lifecycle state of a workflow instance
	InstanceStatus string

	// StepStatus represents the state of a single step's execution
	StepStatus string

	// StateTransitions maps states to their set of valid next states
	StateTransitions[T comparable] map[T]util.Set[T]
)

const (
	InstancePending      InstanceStatus = "pending"
	InstanceRunning      InstanceStatus = "running"
	InstancePaused       InstanceStatus = "paused"
	InstanceCompleted    InstanceStatus = "completed"
	InstanceFailed       InstanceStatus = "failed"
	InstanceCancelled    InstanceStatus = "cancelled"
	InstanceCompensating InstanceStatus = "compensating"
	InstanceCompensated  InstanceStatus = "compensated"
)

const (
	StepPending            StepStatus = "pending"
	StepRunning            StepStatus = "running"
	StepCompleted          StepStatus = "completed"
	StepFailed             StepStatus = "failed"
	StepSkipped            StepStatus = "skipped"
	StepTimedOut           StepStatus = "timed_out"
	StepRetrying           StepStatus = "retrying"
	StepCompensating       StepStatus = "compensating"
	StepCompensated        StepStatus = "compensated"
	StepCompensationFailed StepStatus = "compensation_failed"
)

// InstanceStatuses lists every instance status
var InstanceStatuses = []InstanceStatus{
	InstancePending, InstanceRunning, InstancePaused, InstanceCompleted,
	InstanceFailed, InstanceCancelled, InstanceCompensating,
	InstanceCompensated,
}

var (
	// InstanceTransitions is the instance state machine. FAILED is only
	// left when compensation is triggered
	InstanceTransitions = StateTransitions[InstanceStatus]{
		InstancePending: util.SetOf(
			InstanceRunning,
			InstanceCancelled,
			InstanceFailed,
		),
		InstanceRunning: util.SetOf(
			InstanceCompleted,
			InstanceFailed,
			InstanceCancelled,
			InstancePaused,
		),
		InstancePaused: util.SetOf(
			InstanceRunning,
			InstanceCancelled,
		),
		InstanceFailed: util.SetOf(
			InstanceCompensating,
		),
		InstanceCompensating: util.SetOf(
			InstanceCompensated,
		),
		InstanceCompleted:   {},
		InstanceCancelled:   {},
		InstanceCompensated: {},
	}

	// StepTransitions is the step state machine. RUNNING and RETRYING may
	// fall back to PENDING when an interrupted instance is resumed
	StepTransitions = StateTransitions[StepStatus]{
		StepPending: util.SetOf(
			StepRunning,
			StepSkipped,
			StepFailed,
		),
		StepRunning: util.SetOf(
			StepCompleted,
			StepFailed,
			StepTimedOut,
			StepPending,
		),
		StepFailed: util.SetOf(
			StepRetrying,
		),
		StepTimedOut: util.SetOf(
			StepRetrying,
		),
		StepRetrying: util.SetOf(
			StepRunning,
			StepPending,
		),
		StepCompleted: util.SetOf(
			StepCompensating,
		),
		StepCompensating: util.SetOf(
			StepCompensated,
			StepCompensationFailed,
		),
		StepSkipped:            {},
		StepCompensated:        {},
		StepCompensationFailed: {},
	}
)

// CanTransition returns whether transition from one state to another is valid
func (t StateTransitions[T]) CanTransition(from, to T) bool {
	allowed, ok := t[from]
	if !ok {
		return false
	}
	return allowed.Contains(to)
}

// IsTerminal returns true if the state has no valid transitions
func (t StateTransitions[T]) IsTerminal(state T) bool {
	allowed, ok := t[state]
	return ok && allowed.IsEmpty()
}

// IsTerminal reports whether the instance can no longer change. FAILED is
// not terminal here because compensation may still follow
func (s InstanceStatus) IsTerminal() bool {
	return InstanceTransitions.IsTerminal(s)
}

// IsSettled reports whether a waiter on the instance should be released:
// terminal, paused, or failed
func (s InstanceStatus) IsSettled() bool {
	return s.IsTerminal() || s == InstancePaused || s == InstanceFailed
}

// IsDone reports whether a step no longer blocks its dependents
func (s StepStatus) IsDone() bool {
	return s == StepCompleted || s == StepSkipped
}
