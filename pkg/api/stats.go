package api

import "time"

type (
	// HealthStatus is the staleness verdict for an instance. The set is open
	// so that further heuristics can be added alongside healthy and stuck
	HealthStatus string

	// HealthReport is the result of a health check on an instance
	HealthReport struct {
		LastTransition time.Time      `json:"last_transition,omitempty"`
		CheckedAt      time.Time      `json:"checked_at"`
		InstanceID     InstanceID     `json:"instance_id"`
		Status         HealthStatus   `json:"status"`
		InstanceStatus InstanceStatus `json:"instance_status,omitempty"`
		Reason         string         `json:"reason,omitempty"`
		Idle           time.Duration  `json:"idle"`
		Threshold      time.Duration  `json:"threshold"`
	}

	// ExecutionStats aggregates attempt counts and durations for an instance
	ExecutionStats struct {
		Steps          map[StepID]*StepStats `json:"steps"`
		InstanceID     InstanceID            `json:"instance_id"`
		TotalAttempts  int                   `json:"total_attempts"`
		Retries        int                   `json:"retries"`
		Completed      int                   `json:"completed"`
		Failed         int                   `json:"failed"`
		TimedOut       int                   `json:"timed_out"`
		Skipped        int                   `json:"skipped"`
		Compensated    int                   `json:"compensated"`
		StepTime       time.Duration         `json:"step_time"`
		Elapsed        time.Duration         `json:"elapsed"`
		FailedAttempts int                   `json:"failed_attempts"`
	}

	// StepStats describes the attempts made for a single step
	StepStats struct {
		StepID         StepID        `json:"step_id"`
		Status         StepStatus    `json:"status"`
		Attempts       int           `json:"attempts"`
		FailedAttempts int           `json:"failed_attempts"`
		Duration       time.Duration `json:"duration"`
		LongestAttempt time.Duration `json:"longest_attempt"`
		SucceededAfter int           `json:"succeeded_after,omitempty"`
	}

	// StateSummary is a point-in-time view of an instance and its steps
	StateSummary struct {
		UpdatedAt    time.Time              `json:"updated_at"`
		Steps        map[StepID]StepStatus  `json:"steps"`
		InstanceID   InstanceID             `json:"instance_id"`
		Workflow     string                 `json:"workflow"`
		Status       InstanceStatus         `json:"status"`
		Error        string                 `json:"error,omitempty"`
		Order        []StepID               `json:"order"`
		Active       []StepID               `json:"active,omitempty"`
		Counts       map[StepStatus]int     `json:"counts"`
		Compensation []*CompensationFailure `json:"compensation_failures,omitempty"`
	}
)

const (
	HealthHealthy HealthStatus = "healthy"
	HealthStuck   HealthStatus = "stuck"
	HealthUnknown HealthStatus = "unknown"
)
