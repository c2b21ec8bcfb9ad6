package engine

import (
	"cmp"
	"context"
	"log/slog"
	"slices"

	"github.com/kode4food/cascade/internal/metrics"
	"github.com/kode4food/cascade/pkg/api"
	"github.com/kode4food/cascade/pkg/log"
	"github.com/kode4food/cascade/pkg/workflow"
)

// compensateInstance unwinds every completed step in the order chosen by the
// definition's strategy. A failing compensation is recorded and the next one
// still runs; the instance always ends COMPENSATED
func (a *actor) compensateInstance() {
	a.compensate = false
	if a.inst.Status == api.InstanceFailed {
		if !a.transition(api.InstanceCompensating) {
			return
		}
	}
	plan := a.compensationPlan()
	slog.Info("Workflow compensating", append(logInstance(a.inst),
		slog.Any("plan", plan),
		slog.String("strategy", string(a.def.Strategy())),
	)...)

	for _, id := range plan {
		if !a.compensateStep(a.records[id]) {
			return
		}
	}

	a.inst.CompletedAt = a.clock()
	if !a.transition(api.InstanceCompensated) {
		return
	}
	a.metrics.Inc(metrics.WorkflowsCompensated)
	slog.Info("Workflow compensated", append(logInstance(a.inst),
		slog.Int("failures", len(a.inst.CompensationFailures)))...)
}

// compensationPlan returns the steps to compensate. Steps left COMPENSATING
// by an interrupted run are compensated again
func (a *actor) compensationPlan() []api.StepID {
	var done []*api.StepRecord
	for _, rec := range a.inst.Steps {
		switch rec.Status {
		case api.StepCompleted, api.StepCompensating:
			done = append(done, rec)
		}
	}
	slices.SortStableFunc(done, func(l, r *api.StepRecord) int {
		return cmp.Compare(l.CompletionSeq, r.CompletionSeq)
	})
	ids := make([]api.StepID, len(done))
	for i, rec := range done {
		ids[i] = rec.StepID
	}
	return a.def.CompensationPlan(ids)
}

func (a *actor) compensateStep(rec *api.StepRecord) bool {
	if rec.Status == api.StepCompleted {
		if !a.moveStep(rec, api.StepCompensating) {
			return false
		}
	}
	step, ok := a.def.Step(rec.StepID)
	if !ok || !step.HasCompensation() {
		return a.moveStep(rec, api.StepCompensated)
	}

	a.metrics.Inc(metrics.CompensationsExecuted)
	if err := a.runCompensation(step, rec); err != nil {
		now := a.clock()
		rec.CompensationError = err.Error()
		a.inst.CompensationFailures = append(a.inst.CompensationFailures,
			&api.CompensationFailure{
				At:     now,
				StepID: rec.StepID,
				Error:  err.Error(),
			},
		)
		a.metrics.Inc(metrics.CompensationsFailed)
		slog.Warn("Step compensation failed",
			append(a.stepLog(rec), log.Error(err))...)
		if !a.moveStep(rec, api.StepCompensationFailed) {
			return false
		}
		a.publish(&api.Event{
			At:         now,
			Type:       api.EventCompensation,
			InstanceID: a.inst.ID,
			Workflow:   a.inst.Workflow,
			StepID:     rec.StepID,
			Status:     string(rec.Status),
			Error:      rec.CompensationError,
		})
		return true
	}

	if !a.moveStep(rec, api.StepCompensated) {
		return false
	}
	slog.Info("Step compensated", a.stepLog(rec)...)
	return true
}

func (a *actor) runCompensation(step *workflow.Step, rec *api.StepRecord) error {
	wc := a.inst.Context.Clone()
	_, _, err := invoke(a.ctx, a.timeoutFor(step.Timeout()),
		func(ctx context.Context) (any, error) {
			return nil, step.Compensation().Compensate(ctx, rec.Output, wc)
		},
	)
	return api.WithKind(api.KindCompensation, err)
}
