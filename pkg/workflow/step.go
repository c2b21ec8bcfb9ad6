package workflow

import (
	"slices"
	"time"

	"github.com/kode4food/cascade/pkg/api"
	"github.com/kode4food/cascade/pkg/retry"
)

// Step is an immutable step definition. Each With method returns a copy
type Step struct {
	action       Action
	compensation Compensation
	retry        *retry.Policy
	condition    *Condition
	id           api.StepID
	dependencies []api.StepID
	timeout      time.Duration
}

// NewStep creates a step definition with the given id and action
func NewStep(id api.StepID, action Action) *Step {
	return &Step{
		id:     id,
		action: action,
	}
}

// NewStepFunc is NewStep for a plain function
func NewStepFunc(id api.StepID, fn ActionFunc) *Step {
	return NewStep(id, fn)
}

// DependsOn adds dependencies. They only order dispatch in parallel mode
func (s *Step) DependsOn(ids ...api.StepID) *Step {
	res := *s
	res.dependencies = append(slices.Clone(s.dependencies), ids...)
	return &res
}

// WithCompensation sets the action that undoes this step
func (s *Step) WithCompensation(c Compensation) *Step {
	res := *s
	res.compensation = c
	return &res
}

// WithCompensationFunc is WithCompensation for a plain function
func (s *Step) WithCompensationFunc(fn CompensationFunc) *Step {
	return s.WithCompensation(fn)
}

// WithRetry sets the step's retry policy. A step without one uses the
// engine's default policy
func (s *Step) WithRetry(p *retry.Policy) *Step {
	res := *s
	res.retry = p
	return &res
}

// WithTimeout bounds each attempt of the step. Zero uses the engine default
func (s *Step) WithTimeout(d time.Duration) *Step {
	res := *s
	res.timeout = d
	return &res
}

// When gates the step on a Go predicate
func (s *Step) When(pred Predicate) *Step {
	return s.WithCondition(When(pred))
}

// WhenLua gates the step on a Lua predicate
func (s *Step) WhenLua(src string) *Step {
	return s.WithCondition(WhenLua(src))
}

// WithCondition sets the condition gating the step
func (s *Step) WithCondition(c *Condition) *Step {
	res := *s
	res.condition = c
	return &res
}

func (s *Step) ID() api.StepID {
	return s.id
}

func (s *Step) Dependencies() []api.StepID {
	return slices.Clone(s.dependencies)
}

func (s *Step) Action() Action {
	return s.action
}

func (s *Step) Compensation() Compensation {
	return s.compensation
}

// Retry returns the step's policy, or nil when the engine default applies
func (s *Step) Retry() *retry.Policy {
	return s.retry
}

func (s *Step) Timeout() time.Duration {
	return s.timeout
}

// Condition returns the step's condition, or nil if it always runs
func (s *Step) Condition() *Condition {
	return s.condition
}

// HasCompensation reports whether the step can be undone
func (s *Step) HasCompensation() bool {
	return s.compensation != nil
}
