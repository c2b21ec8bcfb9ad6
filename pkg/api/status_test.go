package api_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kode4food/cascade/pkg/api"
)

func TestInstanceTransitions(t *testing.T) {
	tr := api.InstanceTransitions

	assert.True(t, tr.CanTransition(api.InstancePending, api.InstanceRunning))
	assert.True(t, tr.CanTransition(api.InstanceRunning, api.InstancePaused))
	assert.True(t, tr.CanTransition(api.InstancePaused, api.InstanceRunning))
	assert.True(t,
		tr.CanTransition(api.InstanceFailed, api.InstanceCompensating),
	)
	assert.True(t,
		tr.CanTransition(api.InstanceCompensating, api.InstanceCompensated),
	)

	assert.False(t,
		tr.CanTransition(api.InstanceCompleted, api.InstanceRunning),
	)
	assert.False(t,
		tr.CanTransition(api.InstancePending, api.InstanceCompleted),
	)
	assert.False(t, tr.CanTransition(api.InstanceFailed, api.InstanceRunning))
	assert.False(t, tr.CanTransition("bogus", api.InstanceRunning))
}

func TestInstanceTerminal(t *testing.T) {
	assert.True(t, api.InstanceCompleted.IsTerminal())
	assert.True(t, api.InstanceCancelled.IsTerminal())
	assert.True(t, api.InstanceCompensated.IsTerminal())
	assert.False(t, api.InstanceFailed.IsTerminal())
	assert.False(t, api.InstanceRunning.IsTerminal())

	assert.True(t, api.InstancePaused.IsSettled())
	assert.True(t, api.InstanceFailed.IsSettled())
	assert.False(t, api.InstanceCompensating.IsSettled())
}

func TestStepTransitions(t *testing.T) {
	tr := api.StepTransitions

	assert.True(t, tr.CanTransition(api.StepPending, api.StepRunning))
	assert.True(t, tr.CanTransition(api.StepFailed, api.StepRetrying))
	assert.True(t, tr.CanTransition(api.StepTimedOut, api.StepRetrying))
	assert.True(t, tr.CanTransition(api.StepRetrying, api.StepRunning))
	assert.True(t, tr.CanTransition(api.StepCompleted, api.StepCompensating))

	assert.False(t, tr.CanTransition(api.StepSkipped, api.StepRunning))
	assert.False(t, tr.CanTransition(api.StepPending, api.StepCompensating))
	assert.True(t, tr.IsTerminal(api.StepCompensated))
	assert.False(t, tr.IsTerminal(api.StepCompleted))

	assert.True(t, api.StepSkipped.IsDone())
	assert.False(t, api.StepRetrying.IsDone())
}
