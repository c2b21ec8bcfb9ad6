package api

import "time"

type (
	// EventType identifies the kind of transition an Event reports
	EventType string

	// Event describes a single instance or step transition, as published to
	// subscribers of the transition stream
	Event struct {
		At         time.Time  `json:"at"`
		Type       EventType  `json:"type"`
		InstanceID InstanceID `json:"instance_id"`
		Workflow   string     `json:"workflow"`
		StepID     StepID     `json:"step_id,omitempty"`
		Status     string     `json:"status"`
		Error      string     `json:"error,omitempty"`
		Attempt    int        `json:"attempt,omitempty"`
	}
)

const (
	EventInstanceStatus EventType = "instance_status"
	EventStepStatus     EventType = "step_status"
	EventCompensation   EventType = "compensation_failed"
)

// IsTerminal reports whether the event moved an instance to a terminal
// status
func (e *Event) IsTerminal() bool {
	return e.Type == EventInstanceStatus &&
		InstanceStatus(e.Status).IsTerminal()
}
