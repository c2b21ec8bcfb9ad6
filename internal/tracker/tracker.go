// Package tracker derives statistics, summaries and health verdicts from
// instance snapshots. Every function is pure: it reads the snapshot it is
// given and nothing else
package tracker

import (
	"fmt"
	"time"

	"github.com/kode4food/cascade/pkg/api"
)

// ExecutionStats aggregates attempt counts and durations. Elapsed runs from
// the instance's start to its completion, or to its last update while it is
// still active
func ExecutionStats(inst *api.Instance) *api.ExecutionStats {
	res := &api.ExecutionStats{
		InstanceID: inst.ID,
		Steps:      make(map[api.StepID]*api.StepStats, len(inst.Steps)),
	}

	for _, rec := range inst.Steps {
		st := stepStats(rec)
		res.Steps[rec.StepID] = st
		res.TotalAttempts += st.Attempts
		res.FailedAttempts += st.FailedAttempts
		res.Retries += max(st.Attempts-1, 0)
		res.StepTime += st.Duration

		switch rec.Status {
		case api.StepCompleted:
			res.Completed++
		case api.StepFailed:
			res.Failed++
		case api.StepTimedOut:
			res.TimedOut++
		case api.StepSkipped:
			res.Skipped++
		case api.StepCompensated:
			res.Compensated++
		}
	}

	if !inst.StartedAt.IsZero() {
		end := inst.CompletedAt
		if end.IsZero() {
			end = inst.UpdatedAt
		}
		res.Elapsed = max(end.Sub(inst.StartedAt), 0)
	}
	return res
}

func stepStats(rec *api.StepRecord) *api.StepStats {
	res := &api.StepStats{
		StepID:   rec.StepID,
		Status:   rec.Status,
		Attempts: rec.AttemptCount,
		Duration: rec.Duration(),
	}
	for _, a := range rec.Attempts {
		if a.Status == api.StepFailed || a.Status == api.StepTimedOut {
			res.FailedAttempts++
		}
		if !a.EndedAt.IsZero() {
			res.LongestAttempt = max(res.LongestAttempt, a.EndedAt.Sub(a.StartedAt))
		}
		if a.Status == api.StepCompleted {
			res.SucceededAfter = a.Number
		}
	}
	return res
}

// StateSummary reports each step's status alongside the instance's
func StateSummary(inst *api.Instance) *api.StateSummary {
	res := &api.StateSummary{
		InstanceID: inst.ID,
		Workflow:   inst.Workflow,
		Status:     inst.Status,
		Error:      inst.Error,
		UpdatedAt:  inst.UpdatedAt,
		Steps:      make(map[api.StepID]api.StepStatus, len(inst.Steps)),
		Order:      make([]api.StepID, 0, len(inst.Steps)),
		Counts:     map[api.StepStatus]int{},
	}
	for _, rec := range inst.Steps {
		res.Steps[rec.StepID] = rec.Status
		res.Order = append(res.Order, rec.StepID)
		res.Counts[rec.Status]++
		switch rec.Status {
		case api.StepRunning, api.StepRetrying, api.StepCompensating:
			res.Active = append(res.Active, rec.StepID)
		}
	}
	for _, f := range inst.CompensationFailures {
		fc := *f
		res.Compensation = append(res.Compensation, &fc)
	}
	return res
}

// CheckHealth flags a running instance as stuck when no step has
// transitioned within threshold of now. The instance's start time is only
// used when no step has transitioned yet
func CheckHealth(
	inst *api.Instance, threshold time.Duration, now time.Time,
) *api.HealthReport {
	if inst == nil {
		return &api.HealthReport{
			Status:    api.HealthUnknown,
			CheckedAt: now,
			Threshold: threshold,
			Reason:    "instance not found",
		}
	}

	res := &api.HealthReport{
		InstanceID:     inst.ID,
		InstanceStatus: inst.Status,
		CheckedAt:      now,
		Threshold:      threshold,
		Status:         api.HealthHealthy,
	}

	last := inst.LastTransition()
	if last.IsZero() {
		last = inst.StartedAt
	}
	res.LastTransition = last
	if !last.IsZero() {
		res.Idle = max(now.Sub(last), 0)
	}

	if inst.Status == api.InstanceRunning && res.Idle > threshold {
		res.Status = api.HealthStuck
		res.Reason = fmt.Sprintf("no step transition for %s", res.Idle)
	}
	return res
}

// Progress returns the fraction of total steps that completed, clamped to
// [0, 1]. A non-positive total yields 0
func Progress(inst *api.Instance, total int) float64 {
	if inst == nil || total <= 0 {
		return 0
	}
	done := inst.CountSteps(api.StepCompleted)
	return min(max(float64(done)/float64(total), 0), 1)
}
