package api

import "github.com/google/uuid"

type (
	// InstanceID uniquely identifies a workflow instance
	InstanceID string

	// StepID identifies a step within a workflow definition
	StepID string
)

// NewInstanceID generates a random instance identifier
func NewInstanceID() InstanceID {
	return InstanceID(uuid.NewString())
}
