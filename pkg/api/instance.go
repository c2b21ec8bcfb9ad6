package api

import (
	"slices"
	"time"
)

type (
	// Instance is the runtime record of one run of a workflow definition.
	// Definitions are referenced by name and never persisted with the
	// instance
	Instance struct {
		CreatedAt            time.Time              `json:"created_at"`
		StartedAt            time.Time              `json:"started_at,omitempty"`
		UpdatedAt            time.Time              `json:"updated_at"`
		CompletedAt          time.Time              `json:"completed_at,omitempty"`
		Context              *WorkflowContext       `json:"context"`
		ID                   InstanceID             `json:"id"`
		Workflow             string                 `json:"workflow"`
		Status               InstanceStatus         `json:"status"`
		Error                string                 `json:"error,omitempty"`
		ErrorKind            ErrorKind              `json:"error_kind,omitempty"`
		Steps                []*StepRecord          `json:"steps"`
		CompensationFailures []*CompensationFailure `json:"compensation_failures,omitempty"`
	}

	// StepRecord tracks the execution of a single step within an instance
	StepRecord struct {
		UpdatedAt         time.Time  `json:"updated_at,omitempty"`
		CompletedAt       time.Time  `json:"completed_at,omitempty"`
		Output            any        `json:"output,omitempty"`
		StepID            StepID     `json:"step_id"`
		Status            StepStatus `json:"status"`
		Error             string     `json:"error,omitempty"`
		ErrorKind         ErrorKind  `json:"error_kind,omitempty"`
		CompensationError string     `json:"compensation_error,omitempty"`
		Attempts          []*Attempt `json:"attempts,omitempty"`
		AttemptCount      int        `json:"attempt_count"`
		CompletionSeq     int64      `json:"completion_seq,omitempty"`
	}

	// Attempt records a single invocation of a step's action
	Attempt struct {
		StartedAt time.Time  `json:"started_at"`
		EndedAt   time.Time  `json:"ended_at,omitempty"`
		Status    StepStatus `json:"status"`
		Error     string     `json:"error,omitempty"`
		Number    int        `json:"number"`
	}

	// CompensationFailure reports a compensation action that returned an
	// error while the instance was unwinding
	CompensationFailure struct {
		At     time.Time `json:"at"`
		StepID StepID    `json:"step_id"`
		Error  string    `json:"error"`
	}
)

// Clone returns a deep copy of the instance's mutable parts. Step outputs
// and context values are shared, as they are treated as immutable once
// recorded
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	res := *i
	res.Context = i.Context.Clone()
	res.Steps = make([]*StepRecord, len(i.Steps))
	for idx, rec := range i.Steps {
		res.Steps[idx] = rec.Clone()
	}
	res.CompensationFailures = make(
		[]*CompensationFailure, len(i.CompensationFailures),
	)
	for idx, f := range i.CompensationFailures {
		fc := *f
		res.CompensationFailures[idx] = &fc
	}
	return &res
}

// Step returns the record for the given step
func (i *Instance) Step(id StepID) (*StepRecord, bool) {
	for _, rec := range i.Steps {
		if rec.StepID == id {
			return rec, true
		}
	}
	return nil, false
}

// CountSteps returns how many step records are in one of the given statuses
func (i *Instance) CountSteps(statuses ...StepStatus) int {
	count := 0
	for _, rec := range i.Steps {
		if slices.Contains(statuses, rec.Status) {
			count++
		}
	}
	return count
}

// LastTransition returns the most recent transition time across all step
// records, or the zero time if no record has transitioned
func (i *Instance) LastTransition() time.Time {
	var last time.Time
	for _, rec := range i.Steps {
		if rec.UpdatedAt.After(last) {
			last = rec.UpdatedAt
		}
	}
	return last
}

// Clone returns a copy of the record with its own attempt list
func (r *StepRecord) Clone() *StepRecord {
	res := *r
	res.Attempts = make([]*Attempt, len(r.Attempts))
	for idx, a := range r.Attempts {
		ac := *a
		res.Attempts[idx] = &ac
	}
	return &res
}

// LastAttempt returns the most recent attempt, if any
func (r *StepRecord) LastAttempt() (*Attempt, bool) {
	if len(r.Attempts) == 0 {
		return nil, false
	}
	return r.Attempts[len(r.Attempts)-1], true
}

// Duration returns the total time spent across all finished attempts
func (r *StepRecord) Duration() time.Duration {
	var total time.Duration
	for _, a := range r.Attempts {
		if a.EndedAt.IsZero() {
			continue
		}
		total += a.EndedAt.Sub(a.StartedAt)
	}
	return total
}
