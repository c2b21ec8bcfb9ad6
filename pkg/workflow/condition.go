package workflow

import (
	"fmt"

	"github.com/kode4food/cascade/internal/script"
	"github.com/kode4food/cascade/pkg/api"
)

type (
	// ConditionKind names the closed set of step condition variants
	ConditionKind string

	// Predicate decides from the instance context whether a step runs
	Predicate func(wc *api.WorkflowContext) (bool, error)

	// Condition gates a step. When it evaluates to false the step is
	// skipped and counts as satisfied for its dependents
	Condition struct {
		predicate Predicate
		lua       *script.Predicate
		source    string
		kind      ConditionKind
	}
)

const (
	ConditionFunc ConditionKind = "func"
	ConditionLua  ConditionKind = "lua"
)

// When builds a condition from a Go predicate
func When(pred Predicate) *Condition {
	return &Condition{
		kind:      ConditionFunc,
		predicate: pred,
	}
}

// WhenLua builds a condition from a Lua script. The script is compiled when
// the owning definition is built
func WhenLua(src string) *Condition {
	return &Condition{
		kind:   ConditionLua,
		source: src,
	}
}

// Kind returns the condition's variant
func (c *Condition) Kind() ConditionKind {
	return c.kind
}

// Source returns the Lua source of a Lua condition
func (c *Condition) Source() string {
	return c.source
}

// Evaluate decides whether the gated step should run
func (c *Condition) Evaluate(wc *api.WorkflowContext) (bool, error) {
	switch c.kind {
	case ConditionFunc:
		return c.predicate(wc)
	case ConditionLua:
		if c.lua == nil {
			return false, fmt.Errorf("%w: not compiled", ErrInvalidCondition)
		}
		return script.Default().Evaluate(c.lua, wc)
	default:
		return false, fmt.Errorf("%w: %s", ErrInvalidCondition, c.kind)
	}
}

func (c *Condition) compile() (*Condition, error) {
	switch c.kind {
	case ConditionFunc:
		if c.predicate == nil {
			return nil, fmt.Errorf("%w: nil predicate", ErrInvalidCondition)
		}
		return c, nil
	case ConditionLua:
		pred, err := script.Default().Compile(c.source)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCondition, err)
		}
		res := *c
		res.lua = pred
		return &res, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidCondition, c.kind)
	}
}
