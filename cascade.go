// Package cascade is a durable, saga-style workflow orchestration core.
//
// Workflows are immutable definitions of steps with retry policies and
// compensation actions. The engine runs instances of those definitions,
// persisting every transition, and unwinds completed work when an instance
// fails
package cascade

const (
	// Name is the service name reported in logs
	Name = "cascade"

	// Version is the current release of the engine
	Version = "0.1.0"
)
