// Package workflow defines immutable workflow blueprints: their steps,
// dependencies, retry and compensation policies
package workflow

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/kode4food/cascade/internal/util"
	"github.com/kode4food/cascade/pkg/api"
)

type (
	// Mode selects how the engine schedules a definition's steps
	Mode string

	// Definition is a validated, immutable workflow blueprint shared by
	// every instance started from it
	Definition struct {
		order    CompensationOrder
		index    map[api.StepID]*Step
		name     string
		mode     Mode
		strategy CompensationStrategy
		steps    []*Step
		timeout  time.Duration
	}

	// Builder assembles a Definition. Each method returns a copy
	Builder struct {
		order    CompensationOrder
		name     string
		mode     Mode
		strategy CompensationStrategy
		steps    []*Step
		timeout  time.Duration
	}
)

const (
	// Sequential runs steps one at a time in definition order
	Sequential Mode = "sequential"

	// Parallel runs every step whose dependencies are satisfied
	Parallel Mode = "parallel"
)

var (
	ErrInvalidDefinition    = errors.New("invalid workflow definition")
	ErrNameRequired         = errors.New("workflow name is required")
	ErrNoSteps              = errors.New("workflow has no steps")
	ErrStepIDRequired       = errors.New("step id is required")
	ErrActionRequired       = errors.New("step action is required")
	ErrDuplicateStep        = errors.New("duplicate step id")
	ErrUnknownDependency    = errors.New("unknown step dependency")
	ErrSelfDependency       = errors.New("step depends on itself")
	ErrDependencyCycle      = errors.New("step dependencies form a cycle")
	ErrNegativeTimeout      = errors.New("timeout cannot be negative")
	ErrInvalidMode          = errors.New("invalid execution mode")
	ErrInvalidStrategy      = errors.New("invalid compensation strategy")
	ErrCustomOrderRequired  = errors.New("custom compensation requires an order")
	ErrInvalidCondition     = errors.New("invalid step condition")
	ErrDuplicateDefinition  = errors.New("duplicate workflow definition")
	ErrDefinitionNotFound   = errors.New("workflow definition not found")
	ErrDefinitionMismatched = errors.New("definition does not match instance")
)

// NewDefinition starts building a sequential definition with no
// compensation
func NewDefinition(name string) *Builder {
	return &Builder{
		name:     name,
		mode:     Sequential,
		strategy: CompensateNone,
	}
}

// Sequential runs the steps strictly in the order they were added
func (b *Builder) Sequential() *Builder {
	return b.WithMode(Sequential)
}

// Parallel runs steps as soon as their dependencies are satisfied
func (b *Builder) Parallel() *Builder {
	return b.WithMode(Parallel)
}

func (b *Builder) WithMode(mode Mode) *Builder {
	res := *b
	res.mode = mode
	return &res
}

// WithSteps appends steps to the definition
func (b *Builder) WithSteps(steps ...*Step) *Builder {
	res := *b
	res.steps = append(slices.Clone(b.steps), steps...)
	return &res
}

// WithCompensation sets the strategy used to unwind failed instances
func (b *Builder) WithCompensation(s CompensationStrategy) *Builder {
	res := *b
	res.strategy = s
	return &res
}

// WithReverseCompensation undoes completed steps newest first
func (b *Builder) WithReverseCompensation() *Builder {
	return b.WithCompensation(CompensateReverse)
}

// WithCustomCompensation undoes completed steps in the order returned by fn
func (b *Builder) WithCustomCompensation(fn CompensationOrder) *Builder {
	res := *b
	res.strategy = CompensateCustom
	res.order = fn
	return &res
}

// WithTimeout bounds the whole instance. Zero means no overall timeout
func (b *Builder) WithTimeout(d time.Duration) *Builder {
	res := *b
	res.timeout = d
	return &res
}

// Build validates the definition and compiles step conditions
func (b *Builder) Build() (*Definition, error) {
	if err := b.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidDefinition, b.name, err)
	}

	res := &Definition{
		order:    b.order,
		name:     b.name,
		mode:     b.mode,
		strategy: b.strategy,
		timeout:  b.timeout,
		steps:    make([]*Step, len(b.steps)),
		index:    make(map[api.StepID]*Step, len(b.steps)),
	}
	for i, s := range b.steps {
		st := s
		if s.condition != nil {
			cond, err := s.condition.compile()
			if err != nil {
				return nil, fmt.Errorf("%w: %s: step %s: %w",
					ErrInvalidDefinition, b.name, s.id, err)
			}
			st = s.WithCondition(cond)
		}
		res.steps[i] = st
		res.index[st.id] = st
	}
	return res, nil
}

// MustBuild is Build for statically known definitions
func (b *Builder) MustBuild() *Definition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

func (b *Builder) validate() error {
	switch {
	case b.name == "":
		return ErrNameRequired
	case len(b.steps) == 0:
		return ErrNoSteps
	case b.timeout < 0:
		return ErrNegativeTimeout
	case b.mode != Sequential && b.mode != Parallel:
		return fmt.Errorf("%w: %s", ErrInvalidMode, b.mode)
	}

	switch b.strategy {
	case CompensateNone, CompensateReverse:
	case CompensateCustom:
		if b.order == nil {
			return ErrCustomOrderRequired
		}
	default:
		return fmt.Errorf("%w: %s", ErrInvalidStrategy, b.strategy)
	}

	ids := util.Set[api.StepID]{}
	for _, s := range b.steps {
		switch {
		case s.id == "":
			return ErrStepIDRequired
		case ids.Contains(s.id):
			return fmt.Errorf("%w: %s", ErrDuplicateStep, s.id)
		case s.action == nil:
			return fmt.Errorf("%w: %s", ErrActionRequired, s.id)
		case s.timeout < 0:
			return fmt.Errorf("%w: step %s", ErrNegativeTimeout, s.id)
		}
		ids.Add(s.id)
	}

	for _, s := range b.steps {
		for _, dep := range s.dependencies {
			if dep == s.id {
				return fmt.Errorf("%w: %s", ErrSelfDependency, s.id)
			}
			if !ids.Contains(dep) {
				return fmt.Errorf("%w: %s -> %s", ErrUnknownDependency, s.id, dep)
			}
		}
	}

	if _, err := topoSort(b.steps); err != nil {
		return err
	}
	return nil
}

// topoSort orders steps so that each follows its dependencies, preferring
// definition order among steps that are ready at the same time
func topoSort(steps []*Step) ([]api.StepID, error) {
	remaining := make(map[api.StepID]int, len(steps))
	dependents := map[api.StepID][]api.StepID{}
	for _, s := range steps {
		deps := util.SetOf(s.dependencies...)
		remaining[s.id] = deps.Len()
		for dep := range deps {
			dependents[dep] = append(dependents[dep], s.id)
		}
	}

	res := make([]api.StepID, 0, len(steps))
	done := util.Set[api.StepID]{}
	for len(res) < len(steps) {
		progressed := false
		for _, s := range steps {
			if done.Contains(s.id) || remaining[s.id] > 0 {
				continue
			}
			done.Add(s.id)
			res = append(res, s.id)
			for _, d := range dependents[s.id] {
				remaining[d]--
			}
			progressed = true
		}
		if !progressed {
			var stuck []api.StepID
			for _, s := range steps {
				if !done.Contains(s.id) {
					stuck = append(stuck, s.id)
				}
			}
			return nil, fmt.Errorf("%w: %v", ErrDependencyCycle, stuck)
		}
	}
	return res, nil
}

func (d *Definition) Name() string {
	return d.name
}

func (d *Definition) Mode() Mode {
	return d.mode
}

func (d *Definition) Strategy() CompensationStrategy {
	return d.strategy
}

// Timeout returns the overall instance timeout, zero if unbounded
func (d *Definition) Timeout() time.Duration {
	return d.timeout
}

// Steps returns the step definitions in definition order
func (d *Definition) Steps() []*Step {
	return slices.Clone(d.steps)
}

// StepIDs returns the step ids in definition order
func (d *Definition) StepIDs() []api.StepID {
	res := make([]api.StepID, len(d.steps))
	for i, s := range d.steps {
		res[i] = s.id
	}
	return res
}

// Step returns the step definition with the given id
func (d *Definition) Step(id api.StepID) (*Step, bool) {
	s, ok := d.index[id]
	return s, ok
}

// Len returns the number of steps
func (d *Definition) Len() int {
	return len(d.steps)
}

// ExecutionOrder returns a dependency-respecting order of the steps. In
// sequential mode this is simply definition order
func (d *Definition) ExecutionOrder() []api.StepID {
	if d.mode == Sequential {
		return d.StepIDs()
	}
	res, _ := topoSort(d.steps)
	return res
}

// Prerequisites returns the steps that must be done before id may start
func (d *Definition) Prerequisites(id api.StepID) []api.StepID {
	if d.mode == Parallel {
		if s, ok := d.index[id]; ok {
			return s.Dependencies()
		}
		return nil
	}
	for i, s := range d.steps {
		if s.id == id {
			if i == 0 {
				return nil
			}
			return []api.StepID{d.steps[i-1].id}
		}
	}
	return nil
}
