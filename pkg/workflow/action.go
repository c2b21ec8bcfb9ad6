package workflow

import (
	"context"

	"github.com/kode4food/cascade/pkg/api"
)

type (
	// Action performs the work of a step. It is invoked once per attempt
	// with a snapshot of the instance context; the returned output is
	// recorded on the step and stored in the context under the step's id
	Action interface {
		Execute(ctx context.Context, wc *api.WorkflowContext) (any, error)
	}

	// ActionFunc adapts a function into an Action
	ActionFunc func(ctx context.Context, wc *api.WorkflowContext) (any, error)

	// Compensation undoes the effect of a completed step. It receives the
	// output the step's action produced
	Compensation interface {
		Compensate(
			ctx context.Context, output any, wc *api.WorkflowContext,
		) error
	}

	// CompensationFunc adapts a function into a Compensation
	CompensationFunc func(
		ctx context.Context, output any, wc *api.WorkflowContext,
	) error
)

func (f ActionFunc) Execute(
	ctx context.Context, wc *api.WorkflowContext,
) (any, error) {
	return f(ctx, wc)
}

func (f CompensationFunc) Compensate(
	ctx context.Context, output any, wc *api.WorkflowContext,
) error {
	return f(ctx, output, wc)
}
