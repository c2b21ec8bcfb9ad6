package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kode4food/cascade/internal/metrics"
	"github.com/kode4food/cascade/internal/store"
	"github.com/kode4food/cascade/pkg/api"
	"github.com/kode4food/cascade/pkg/log"
	"github.com/kode4food/cascade/pkg/workflow"
)

// Start creates a new instance of def and begins running it. An empty id is
// replaced with a generated one. Starting an id that is active or already
// stored fails with api.ErrInstanceExists
func (e *Engine) Start(
	ctx context.Context, def *workflow.Definition, id api.InstanceID,
	input *api.WorkflowContext,
) (*Handle, error) {
	if def == nil {
		return nil, workflow.ErrDefinitionNotFound
	}
	if id == "" {
		id = api.NewInstanceID()
	}
	if err := e.claim(id); err != nil {
		if errors.Is(err, ErrInstanceActive) {
			return nil, fmt.Errorf("%w: %s", api.ErrInstanceExists, id)
		}
		return nil, err
	}

	now := e.clock()
	inst := &api.Instance{
		ID:        id,
		Workflow:  def.Name(),
		Status:    api.InstancePending,
		Context:   input.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, sid := range def.StepIDs() {
		inst.Steps = append(inst.Steps, &api.StepRecord{
			StepID: sid,
			Status: api.StepPending,
		})
	}
	if err := e.store.Create(ctx, inst); err != nil {
		e.release(id)
		if errors.Is(err, store.ErrExists) {
			return nil, fmt.Errorf("%w: %s", api.ErrInstanceExists, id)
		}
		return nil, err
	}

	e.metrics.Inc(metrics.WorkflowsStarted)
	slog.Info("Workflow started", logInstance(inst)...)
	return e.newActor(def, inst).launch(&startRequest{}), nil
}

// Resume continues a paused instance, or an instance left RUNNING by a
// previous process. Steps that were running or waiting to retry are run
// again. Values in extra are added to the context without replacing any
// existing key
func (e *Engine) Resume(
	ctx context.Context, def *workflow.Definition, id api.InstanceID,
	extra *api.WorkflowContext,
) (*Handle, error) {
	inst, err := e.claimStored(ctx, def, id)
	if err != nil {
		return nil, err
	}
	switch inst.Status {
	case api.InstancePaused, api.InstanceRunning, api.InstancePending:
	default:
		e.release(id)
		return nil, api.WithKind(api.KindTransition, fmt.Errorf(
			"%w: instance %s %s -> %s",
			api.ErrInvalidTransition, id, inst.Status, api.InstanceRunning,
		))
	}

	now := e.clock()
	for _, rec := range inst.Steps {
		switch rec.Status {
		case api.StepRunning, api.StepRetrying:
			if att, ok := rec.LastAttempt(); ok && att.EndedAt.IsZero() {
				att.EndedAt = now
				att.Status = api.StepFailed
				att.Error = "interrupted"
			}
			rec.Status = api.StepPending
			rec.UpdatedAt = now
		}
	}
	if extra != nil {
		inst.Context = extra.Merge(inst.Context)
	}
	return e.newActor(def, inst).launch(&resumeRequest{}), nil
}

// Compensate unwinds a FAILED instance whose compensation has not run, or
// finishes one interrupted while COMPENSATING
func (e *Engine) Compensate(
	ctx context.Context, def *workflow.Definition, id api.InstanceID,
) (*Handle, error) {
	inst, err := e.claimStored(ctx, def, id)
	if err != nil {
		return nil, err
	}
	switch {
	case !def.Strategy().Compensates():
		e.release(id)
		return nil, fmt.Errorf("%w: %s", ErrCompensationDisabled, def.Name())
	case inst.Status != api.InstanceFailed &&
		inst.Status != api.InstanceCompensating:
		e.release(id)
		return nil, api.WithKind(api.KindTransition, fmt.Errorf(
			"%w: instance %s %s -> %s", api.ErrInvalidTransition,
			id, inst.Status, api.InstanceCompensating,
		))
	}
	return e.newActor(def, inst).launch(&compensateRequest{}), nil
}

// Pause stops dispatching new steps. In-flight steps finish and the
// instance becomes PAUSED once nothing is running. Pending retries are
// dropped and rerun on resume
func (e *Engine) Pause(ctx context.Context, id api.InstanceID) error {
	a, ok := e.activeActor(id)
	if !ok {
		return e.inactiveError(ctx, id, api.InstancePaused)
	}
	req := &pauseRequest{reply: make(chan error, 1)}
	return a.request(ctx, req, (*control)(req))
}

// Cancel moves the instance to CANCELLED immediately. Running actions see
// their context cancelled and any result they produce is discarded
func (e *Engine) Cancel(ctx context.Context, id api.InstanceID) error {
	for {
		if a, ok := e.activeActor(id); ok {
			req := &cancelRequest{reply: make(chan error, 1)}
			err := a.request(ctx, req, (*control)(req))
			if !errors.Is(err, ErrInstanceNotActive) {
				return err
			}
		} else {
			err := e.claim(id)
			if err == nil {
				return e.cancelStored(ctx, id)
			}
			if !errors.Is(err, ErrInstanceActive) {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cancelRetryDelay):
		}
	}
}

// Recover resumes stored instances left RUNNING, PENDING, or COMPENSATING
// by a previous process whose definitions are found in reg. FAILED
// instances whose compensation never began are compensated
func (e *Engine) Recover(
	ctx context.Context, reg *workflow.Registry,
) ([]*Handle, error) {
	ids, err := e.store.List(ctx,
		api.InstancePending, api.InstanceRunning, api.InstanceCompensating,
		api.InstanceFailed,
	)
	if err != nil {
		return nil, err
	}

	var res []*Handle
	for _, id := range ids {
		if e.IsActive(id) {
			continue
		}
		inst, err := e.store.Load(ctx, id)
		if err != nil {
			slog.Warn("Failed to load instance for recovery",
				log.InstanceID(id), log.Error(err))
			continue
		}
		def, ok := reg.Get(inst.Workflow)
		if !ok {
			slog.Warn("No definition for recovered instance",
				logInstance(inst)...)
			continue
		}

		var h *Handle
		switch inst.Status {
		case api.InstanceFailed:
			if !awaitsCompensation(def, inst) {
				continue
			}
			h, err = e.Compensate(ctx, def, id)
		case api.InstanceCompensating:
			h, err = e.Compensate(ctx, def, id)
		default:
			h, err = e.Resume(ctx, def, id, nil)
		}
		if err != nil {
			slog.Warn("Failed to recover instance",
				append(logInstance(inst), log.Error(err))...)
			continue
		}
		res = append(res, h)
	}
	slog.Info("Instances recovered", slog.Int("count", len(res)))
	return res, nil
}

// awaitsCompensation reports whether a FAILED instance should have been
// compensated but was stopped before any step was unwound. Instances halted
// by the engine are left for an operator
func awaitsCompensation(def *workflow.Definition, inst *api.Instance) bool {
	if !def.Strategy().Compensates() || inst.ErrorKind == api.KindEngine {
		return false
	}
	for _, rec := range inst.Steps {
		switch rec.Status {
		case api.StepCompensating, api.StepCompensated,
			api.StepCompensationFailed:
			return false
		}
	}
	return true
}

// claimStored claims an inactive instance and loads it, checking that it was
// created from def. The claim is released on error
func (e *Engine) claimStored(
	ctx context.Context, def *workflow.Definition, id api.InstanceID,
) (*api.Instance, error) {
	if def == nil {
		return nil, workflow.ErrDefinitionNotFound
	}
	if err := e.claim(id); err != nil {
		return nil, err
	}
	inst, err := e.store.Load(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		e.release(id)
		return nil, fmt.Errorf("%w: %s", api.ErrInstanceNotFound, id)
	case err != nil:
		e.release(id)
		return nil, err
	case inst.Workflow != def.Name():
		e.release(id)
		return nil, fmt.Errorf("%w: instance %s is %q, not %q",
			workflow.ErrDefinitionMismatched, id, inst.Workflow, def.Name())
	}
	return inst, nil
}

func (e *Engine) cancelStored(ctx context.Context, id api.InstanceID) error {
	defer e.release(id)
	inst, err := e.store.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", api.ErrInstanceNotFound, id)
	}
	if err != nil {
		return err
	}
	if !api.InstanceTransitions.CanTransition(
		inst.Status, api.InstanceCancelled,
	) {
		return api.WithKind(api.KindTransition, fmt.Errorf(
			"%w: instance %s %s -> %s", api.ErrInvalidTransition,
			id, inst.Status, api.InstanceCancelled,
		))
	}

	now := e.clock()
	inst.Status = api.InstanceCancelled
	inst.CompletedAt = now
	inst.UpdatedAt = now
	if err := e.store.Save(ctx, inst); err != nil {
		return err
	}
	e.metrics.Inc(metrics.WorkflowsCancelled)
	e.publish(&api.Event{
		At:         now,
		Type:       api.EventInstanceStatus,
		InstanceID: id,
		Workflow:   inst.Workflow,
		Status:     string(inst.Status),
	})
	slog.Info("Workflow cancelled", logInstance(inst)...)
	return nil
}

func (e *Engine) inactiveError(
	ctx context.Context, id api.InstanceID, to api.InstanceStatus,
) error {
	inst, err := e.Get(ctx, id)
	if err != nil {
		return err
	}
	return api.WithKind(api.KindTransition, fmt.Errorf(
		"%w: instance %s %s -> %s",
		api.ErrInvalidTransition, id, inst.Status, to,
	))
}
