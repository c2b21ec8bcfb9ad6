package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kode4food/cascade/internal/metrics"
	"github.com/kode4food/cascade/pkg/api"
	"github.com/kode4food/cascade/pkg/log"
	"github.com/kode4food/cascade/pkg/retry"
	"github.com/kode4food/cascade/pkg/workflow"
)

// stepResult is what a worker reports back after running one attempt
type stepResult struct {
	output   any
	err      error
	stepID   api.StepID
	attempt  int
	timedOut bool
}

// dispatch evaluates the step's condition and either skips the step or
// starts its first attempt. It reports whether the step was skipped, which
// may make further steps ready
func (a *actor) dispatch(id api.StepID, rec *api.StepRecord) bool {
	step, ok := a.def.Step(id)
	if !ok {
		a.halt(fmt.Errorf("%w: %s", workflow.ErrUnknownDependency, id))
		return false
	}

	if cond := step.Condition(); cond != nil {
		run, err := cond.Evaluate(a.inst.Context.Clone())
		if err != nil {
			err = api.NewStepError(id, api.KindStepAction, err)
			rec.Error = err.Error()
			rec.ErrorKind = api.KindStepAction
			if a.moveStep(rec, api.StepFailed) {
				a.metrics.Inc(metrics.StepsFailed)
				a.failInstance(err)
			}
			return false
		}
		if !run {
			if a.moveStep(rec, api.StepSkipped) {
				a.metrics.Inc(metrics.StepsSkipped)
				slog.Info("Step skipped", append(a.stepLog(rec),
					slog.String("condition", cond.Source()))...)
			}
			return true
		}
	}

	a.execute(step, rec)
	return false
}

// execute starts a new attempt of the step on the worker pool
func (a *actor) execute(step *workflow.Step, rec *api.StepRecord) {
	rec.AttemptCount++
	rec.Attempts = append(rec.Attempts, &api.Attempt{
		Number:    rec.AttemptCount,
		StartedAt: a.clock(),
		Status:    api.StepRunning,
	})
	rec.Error = ""
	rec.ErrorKind = ""
	if !a.moveStep(rec, api.StepRunning) {
		return
	}
	a.inFlight[rec.StepID] = rec.AttemptCount
	a.metrics.Inc(metrics.StepsExecuted)
	slog.Debug("Step started", a.stepLog(rec)...)

	runCtx := a.runCtx
	wc := a.inst.Context.Clone()
	attempt := rec.AttemptCount
	timeout := a.timeoutFor(step.Timeout())
	a.pool.Submit(func() {
		a.post(runStep(runCtx, step, wc, attempt, timeout))
	})
}

// runStep runs one attempt of the step's action. The attempt is abandoned
// when its timeout elapses or the instance is cancelled; the action's
// context is cancelled, but the action itself is not interrupted
func runStep(
	runCtx context.Context, step *workflow.Step, wc *api.WorkflowContext,
	attempt int, timeout time.Duration,
) *stepResult {
	out, timedOut, err := invoke(runCtx, timeout,
		func(ctx context.Context) (any, error) {
			return step.Action().Execute(ctx, wc)
		},
	)
	return &stepResult{
		stepID:   step.ID(),
		attempt:  attempt,
		output:   out,
		err:      err,
		timedOut: timedOut,
	}
}

// invoke calls fn under a timeout, converting panics to errors
func invoke(
	parent context.Context, timeout time.Duration,
	fn func(ctx context.Context) (any, error),
) (any, bool, error) {
	ctx, cancel := withTimeout(parent, timeout)
	defer cancel()

	type result struct {
		out any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%w: %v", api.ErrStepPanicked, r)}
			}
		}()
		out, err := fn(ctx)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && parent.Err() == nil &&
			errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, true, timeoutError(timeout)
		}
		return r.out, false, r.err
	case <-ctx.Done():
		if err := parent.Err(); err != nil {
			return nil, false, api.WithKind(api.KindCancelled, err)
		}
		return nil, true, timeoutError(timeout)
	}
}

func withTimeout(
	parent context.Context, timeout time.Duration,
) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

func timeoutError(timeout time.Duration) error {
	return api.WithKind(api.KindStepTimeout,
		fmt.Errorf("%w after %s", api.ErrStepTimeout, timeout),
	)
}

// stepFinished records the outcome of an attempt, scheduling a retry or
// failing the instance when the attempt failed
func (a *actor) stepFinished(r *stepResult) {
	rec, ok := a.records[r.stepID]
	if !ok || a.inst.Status.IsTerminal() ||
		a.inFlight[r.stepID] != r.attempt || rec.Status != api.StepRunning {
		slog.Debug("Discarding stale step result",
			append(logInstance(a.inst),
				log.StepID(r.stepID), log.Attempt(r.attempt))...)
		return
	}
	delete(a.inFlight, r.stepID)

	now := a.clock()
	att, _ := rec.LastAttempt()
	att.EndedAt = now
	a.metrics.Observe(metrics.StepDuration, elapsed(att.StartedAt, now))

	if r.err == nil {
		a.stepSucceeded(rec, att, r.output)
	} else {
		a.stepFailed(rec, att, r)
	}
	a.advance()
}

func (a *actor) stepSucceeded(rec *api.StepRecord, att *api.Attempt, out any) {
	att.Status = api.StepCompleted
	a.seq++
	rec.CompletionSeq = a.seq
	rec.Output = out
	rec.CompletedAt = att.EndedAt
	a.inst.Context.Put(string(rec.StepID), out)
	if !a.moveStep(rec, api.StepCompleted) {
		return
	}
	a.metrics.Inc(metrics.StepsComplete)
	slog.Info("Step completed", a.stepLog(rec)...)
}

func (a *actor) stepFailed(
	rec *api.StepRecord, att *api.Attempt, r *stepResult,
) {
	err := r.err
	status := api.StepFailed
	if r.timedOut {
		status = api.StepTimedOut
		a.metrics.Inc(metrics.StepsTimedOut)
	} else {
		a.metrics.Inc(metrics.StepsFailed)
		if api.KindOf(err) == "" {
			err = api.WithKind(api.KindStepAction, err)
		}
	}
	att.Status = status
	att.Error = err.Error()
	rec.Error = err.Error()
	rec.ErrorKind = api.KindOf(err)
	if !a.moveStep(rec, status) {
		return
	}

	step, _ := a.def.Step(rec.StepID)
	policy := a.retryPolicy(step.Retry())
	if a.inst.Status == api.InstanceRunning &&
		policy.ShouldRetry(err) && policy.CanAttempt(rec.AttemptCount) {
		if !a.moveStep(rec, api.StepRetrying) {
			return
		}
		a.metrics.Inc(metrics.StepsRetried)
		if !a.pausing {
			a.scheduleRetry(rec, policy)
		}
		return
	}

	slog.Warn("Step failed", append(a.stepLog(rec),
		slog.Int("budget", policy.AttemptBudget()),
		log.Error(err),
	)...)
	if a.inst.Status == api.InstanceRunning {
		a.failInstance(api.NewStepError(rec.StepID, rec.ErrorKind, err))
	}
}

// reconcileFailed settles records left FAILED or TIMED_OUT by a run that
// stopped before deciding their outcome. A record the retry policy still
// allows goes back to PENDING; otherwise the instance fails. It reports
// false if the instance can no longer run
func (a *actor) reconcileFailed() bool {
	for _, id := range a.order {
		rec := a.records[id]
		if rec.Status != api.StepFailed && rec.Status != api.StepTimedOut {
			continue
		}
		err := api.WithKind(rec.ErrorKind, errors.New(rec.Error))
		step, _ := a.def.Step(id)
		policy := a.retryPolicy(step.Retry())
		if policy.ShouldRetry(err) && policy.CanAttempt(rec.AttemptCount) {
			if !a.moveStep(rec, api.StepRetrying) ||
				!a.moveStep(rec, api.StepPending) {
				return false
			}
			a.metrics.Inc(metrics.StepsRetried)
			continue
		}
		slog.Warn("Step failed", append(a.stepLog(rec), log.Error(err))...)
		a.failInstance(api.NewStepError(id, rec.ErrorKind, err))
		return false
	}
	return true
}

func (a *actor) scheduleRetry(rec *api.StepRecord, policy *retry.Policy) {
	delay := policy.CalculateDelay(rec.AttemptCount - 1)
	msg := &retryDue{stepID: rec.StepID, attempt: rec.AttemptCount}
	a.retries[rec.StepID] = a.afterFunc(delay, func() {
		a.post(msg)
	})
	slog.Info("Step retry scheduled",
		append(a.stepLog(rec), log.Delay(delay), log.ErrorString(rec.Error))...)
}

func (a *actor) retryStep(r *retryDue) {
	delete(a.retries, r.stepID)
	rec, ok := a.records[r.stepID]
	if !ok || rec.Status != api.StepRetrying || rec.AttemptCount != r.attempt ||
		!a.dispatchable() {
		return
	}
	step, _ := a.def.Step(r.stepID)
	a.execute(step, rec)
}
