package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/kode4food/cascade/internal/metrics"
	"github.com/kode4food/cascade/pkg/api"
	"github.com/kode4food/cascade/pkg/log"
)

// transition moves the instance to status, persists it, and publishes the
// change. It reports false if the actor had to halt
func (a *actor) transition(status api.InstanceStatus) bool {
	prev := a.inst.Status
	if !api.InstanceTransitions.CanTransition(prev, status) {
		a.halt(a.invalidTransition(status))
		return false
	}
	a.inst.Status = status
	if err := a.persist(); err != nil {
		a.inst.Status = prev
		a.halt(err)
		return false
	}
	a.publish(&api.Event{
		At:         a.inst.UpdatedAt,
		Type:       api.EventInstanceStatus,
		InstanceID: a.inst.ID,
		Workflow:   a.inst.Workflow,
		Status:     string(status),
		Error:      a.inst.Error,
	})
	return true
}

// moveStep moves a step record to status, persists the instance, and
// publishes the change. It reports false if the actor had to halt
func (a *actor) moveStep(rec *api.StepRecord, status api.StepStatus) bool {
	if !api.StepTransitions.CanTransition(rec.Status, status) {
		a.halt(api.WithKind(api.KindTransition, fmt.Errorf(
			"%w: step %s %s -> %s",
			api.ErrInvalidTransition, rec.StepID, rec.Status, status,
		)))
		return false
	}
	prev := rec.Status
	rec.Status = status
	rec.UpdatedAt = a.clock()
	if err := a.persist(); err != nil {
		rec.Status = prev
		a.halt(err)
		return false
	}
	a.publish(&api.Event{
		At:         rec.UpdatedAt,
		Type:       api.EventStepStatus,
		InstanceID: a.inst.ID,
		Workflow:   a.inst.Workflow,
		StepID:     rec.StepID,
		Status:     string(status),
		Error:      rec.Error,
		Attempt:    rec.AttemptCount,
	})
	return true
}

// persist saves the instance and publishes a new snapshot for readers
func (a *actor) persist() error {
	a.inst.UpdatedAt = a.clock()
	snap := a.inst.Clone()
	if err := a.store.Save(a.ctx, snap); err != nil {
		return fmt.Errorf("persist instance: %w", err)
	}
	a.current.Store(snap)
	return nil
}

// halt fails the instance because the engine itself could not proceed.
// Nothing further is dispatched or compensated
func (a *actor) halt(err error) {
	if a.fatal != nil {
		return
	}
	a.fatal = api.WithKind(api.KindEngine, err)
	a.stopTimers()
	a.runCancel()

	if api.InstanceTransitions.CanTransition(
		a.inst.Status, api.InstanceFailed,
	) {
		a.inst.Status = api.InstanceFailed
		a.metrics.Inc(metrics.WorkflowsFailed)
	}
	a.inst.Error = err.Error()
	a.inst.ErrorKind = api.KindEngine
	a.inst.UpdatedAt = a.clock()
	snap := a.inst.Clone()
	a.current.Store(snap)
	if serr := a.store.Save(a.ctx, snap); serr != nil {
		slog.Warn("Failed to persist halted instance",
			append(logInstance(a.inst), log.Error(serr))...)
	}

	slog.Error("Workflow halted",
		append(logInstance(a.inst), log.Error(err))...)
	a.publish(&api.Event{
		At:         a.inst.UpdatedAt,
		Type:       api.EventInstanceStatus,
		InstanceID: a.inst.ID,
		Workflow:   a.inst.Workflow,
		Status:     string(a.inst.Status),
		Error:      a.inst.Error,
	})
}

func (a *actor) invalidTransition(to api.InstanceStatus) error {
	return api.WithKind(api.KindTransition, fmt.Errorf(
		"%w: instance %s %s -> %s",
		api.ErrInvalidTransition, a.inst.ID, a.inst.Status, to,
	))
}

// failInstance marks the instance FAILED. Dispatch stops; in-flight steps
// drain before compensation, if any, begins
func (a *actor) failInstance(err error) {
	a.stopTimers()
	a.inst.Error = err.Error()
	a.inst.ErrorKind = api.KindOf(err)
	if !a.transition(api.InstanceFailed) {
		return
	}
	a.pausing = false
	a.compensate = a.def.Strategy().Compensates()
	a.metrics.Inc(metrics.WorkflowsFailed)
	a.observeDuration()

	var se *api.StepError
	attrs := logInstance(a.inst)
	if errors.As(err, &se) {
		attrs = append(attrs, log.StepID(se.StepID))
	}
	slog.Error("Workflow failed", append(attrs,
		log.Error(err),
		slog.String("compensation", string(a.def.Strategy())),
	)...)
}

// advance dispatches every step whose prerequisites are done, completes the
// instance once all steps are done, and otherwise settles any pending pause
// or compensation
func (a *actor) advance() {
	for a.dispatchable() {
		progressed := false
		for _, id := range a.order {
			if !a.dispatchable() {
				break
			}
			rec := a.records[id]
			if rec.Status != api.StepPending || !a.ready(id) {
				continue
			}
			if a.dispatch(id, rec) {
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	if a.fatal == nil && a.inst.Status == api.InstanceRunning && a.allDone() {
		a.complete()
		return
	}
	a.settle()
}

func (a *actor) dispatchable() bool {
	return a.fatal == nil && !a.pausing &&
		a.inst.Status == api.InstanceRunning
}

func (a *actor) ready(id api.StepID) bool {
	for _, dep := range a.def.Prerequisites(id) {
		rec, ok := a.records[dep]
		if !ok || !rec.Status.IsDone() {
			return false
		}
	}
	return true
}

func (a *actor) allDone() bool {
	for _, id := range a.order {
		if !a.records[id].Status.IsDone() {
			return false
		}
	}
	return true
}

func (a *actor) complete() {
	a.stopTimers()
	a.inst.CompletedAt = a.clock()
	if !a.transition(api.InstanceCompleted) {
		return
	}
	a.metrics.Inc(metrics.WorkflowsCompleted)
	a.observeDuration()
	slog.Info("Workflow completed", logInstance(a.inst)...)
}

// settle finishes a pause or starts compensation once nothing is in flight
func (a *actor) settle() {
	if a.fatal != nil || len(a.inFlight) > 0 {
		return
	}
	switch a.inst.Status {
	case api.InstanceRunning:
		if !a.pausing {
			return
		}
		a.pausing = false
		if !a.transition(api.InstancePaused) {
			return
		}
		a.metrics.Inc(metrics.WorkflowsPaused)
		slog.Info("Workflow paused", logInstance(a.inst)...)
	case api.InstanceFailed:
		if a.compensate {
			a.compensateInstance()
		}
	}
}
