// Package orchestrator is the entry point for running workflows. It wraps
// the engine with a definition registry, metrics, and a transition stream,
// and derives progress, statistics, and health from instance snapshots
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kode4food/cascade/internal/config"
	"github.com/kode4food/cascade/internal/engine"
	"github.com/kode4food/cascade/internal/events"
	"github.com/kode4food/cascade/internal/metrics"
	"github.com/kode4food/cascade/internal/store"
	"github.com/kode4food/cascade/internal/tracker"
	"github.com/kode4food/cascade/pkg/api"
	"github.com/kode4food/cascade/pkg/log"
	"github.com/kode4food/cascade/pkg/workflow"
)

type (
	// Orchestrator runs instances of registered workflow definitions
	Orchestrator struct {
		engine    *engine.Engine
		registry  *workflow.Registry
		hub       *events.Hub
		metrics   *metrics.Metrics
		clock     engine.Clock
		threshold time.Duration
		ownsHub   bool
	}

	// Option customizes an Orchestrator
	Option func(*options)

	// StartOption customizes a single Start call
	StartOption func(*startOptions)

	// Handle tracks a running instance until it settles
	Handle = engine.Handle

	// Subscription delivers transition events
	Subscription = events.Subscription

	// Filter selects the transition events a Subscription delivers
	Filter = events.Filter

	// Snapshot is a point-in-time copy of the collected metrics
	Snapshot = metrics.Snapshot

	options struct {
		hub     *events.Hub
		metrics *metrics.Metrics
		engine  []engine.Option
	}

	startOptions struct {
		id api.InstanceID
	}
)

// New creates an orchestrator running the definitions in reg and persisting
// instances to s
func New(
	cfg *config.Config, reg *workflow.Registry, s store.Store,
	opts ...Option,
) (*Orchestrator, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	res := &Orchestrator{
		registry:  reg,
		hub:       o.hub,
		metrics:   o.metrics,
		clock:     time.Now,
		threshold: cfg.StuckThreshold,
	}
	if res.hub == nil {
		res.hub = events.NewHub()
		res.ownsHub = true
	}
	if res.metrics == nil {
		res.metrics = metrics.New()
	}

	engOpts := append([]engine.Option{
		engine.WithHub(res.hub),
		engine.WithMetrics(res.metrics),
	}, o.engine...)
	eng, err := engine.New(cfg, s, engOpts...)
	if err != nil {
		return nil, err
	}
	res.engine = eng
	res.clock = eng.Now
	return res, nil
}

// WithHub publishes transitions to an existing hub
func WithHub(hub *events.Hub) Option {
	return func(o *options) {
		o.hub = hub
	}
}

// WithMetrics records into an existing metrics collector
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithEngineOptions passes options through to the underlying engine
func WithEngineOptions(opts ...engine.Option) Option {
	return func(o *options) {
		o.engine = append(o.engine, opts...)
	}
}

// WithInstanceID starts the instance under a caller-chosen id
func WithInstanceID(id api.InstanceID) StartOption {
	return func(o *startOptions) {
		o.id = id
	}
}

// Stop pauses running instances and shuts the engine down
func (o *Orchestrator) Stop() error {
	err := o.engine.Stop()
	if o.ownsHub {
		o.hub.Close()
	}
	return err
}

// Recover resumes instances left unfinished by a previous process
func (o *Orchestrator) Recover(ctx context.Context) ([]*Handle, error) {
	return o.engine.Recover(ctx, o.registry)
}

// Registry returns the definitions this orchestrator runs
func (o *Orchestrator) Registry() *workflow.Registry {
	return o.registry
}

// Definition returns the registered definition with the given name
func (o *Orchestrator) Definition(name string) (*workflow.Definition, error) {
	return o.registry.Lookup(name)
}

// Start runs an instance of def and blocks until it settles
func (o *Orchestrator) Start(
	ctx context.Context, def *workflow.Definition, input *api.WorkflowContext,
	opts ...StartOption,
) (*api.Instance, error) {
	h, err := o.StartAsync(ctx, def, input, opts...)
	if err != nil {
		return nil, err
	}
	return h.Wait(ctx)
}

// StartAsync runs an instance of def and returns a handle to wait on
func (o *Orchestrator) StartAsync(
	ctx context.Context, def *workflow.Definition, input *api.WorkflowContext,
	opts ...StartOption,
) (*Handle, error) {
	so := &startOptions{}
	for _, opt := range opts {
		opt(so)
	}
	return o.engine.Start(ctx, def, so.id, input)
}

// StartAndReturnID runs an instance of def without waiting for it
func (o *Orchestrator) StartAndReturnID(
	ctx context.Context, def *workflow.Definition, input *api.WorkflowContext,
	opts ...StartOption,
) (api.InstanceID, error) {
	h, err := o.StartAsync(ctx, def, input, opts...)
	if err != nil {
		return "", err
	}
	return h.ID(), nil
}

// Pause stops dispatching new steps of a running instance
func (o *Orchestrator) Pause(ctx context.Context, id api.InstanceID) error {
	return o.engine.Pause(ctx, id)
}

// Resume continues a paused instance using its registered definition
func (o *Orchestrator) Resume(
	ctx context.Context, id api.InstanceID, extra *api.WorkflowContext,
) (*Handle, error) {
	def, err := o.definitionOf(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.engine.Resume(ctx, def, id, extra)
}

// ResumeWith continues a paused instance using the supplied definition,
// which must carry the name the instance was started with
func (o *Orchestrator) ResumeWith(
	ctx context.Context, def *workflow.Definition, id api.InstanceID,
	extra *api.WorkflowContext,
) (*Handle, error) {
	return o.engine.Resume(ctx, def, id, extra)
}

// Cancel stops an instance immediately
func (o *Orchestrator) Cancel(ctx context.Context, id api.InstanceID) error {
	return o.engine.Cancel(ctx, id)
}

// Compensate unwinds a failed instance using its registered definition
func (o *Orchestrator) Compensate(
	ctx context.Context, id api.InstanceID,
) (*Handle, error) {
	def, err := o.definitionOf(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.engine.Compensate(ctx, def, id)
}

// Get returns the instance, or false if it doesn't exist. Other read
// failures are logged and also reported as false
func (o *Orchestrator) Get(
	ctx context.Context, id api.InstanceID,
) (*api.Instance, bool) {
	inst, err := o.engine.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, api.ErrInstanceNotFound) {
			slog.Error("Failed to read instance",
				log.InstanceID(id), log.Error(err))
		}
		return nil, false
	}
	return inst, true
}

// GetOrError returns the instance or api.ErrInstanceNotFound
func (o *Orchestrator) GetOrError(
	ctx context.Context, id api.InstanceID,
) (*api.Instance, error) {
	return o.engine.Get(ctx, id)
}

// Exists reports whether the instance is active or stored
func (o *Orchestrator) Exists(ctx context.Context, id api.InstanceID) bool {
	_, ok := o.Get(ctx, id)
	return ok
}

// List returns the ids of stored instances in any of the given statuses
func (o *Orchestrator) List(
	ctx context.Context, statuses ...api.InstanceStatus,
) ([]api.InstanceID, error) {
	return o.engine.List(ctx, statuses...)
}

// Progress returns the fraction of the instance's steps that completed
func (o *Orchestrator) Progress(
	ctx context.Context, id api.InstanceID,
) (float64, error) {
	inst, err := o.engine.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return tracker.Progress(inst, len(inst.Steps)), nil
}

// ProgressOf returns the fraction of total steps that completed
func (o *Orchestrator) ProgressOf(
	ctx context.Context, id api.InstanceID, total int,
) (float64, error) {
	inst, err := o.engine.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return tracker.Progress(inst, total), nil
}

// StateSummary describes the instance and the status of each step
func (o *Orchestrator) StateSummary(
	ctx context.Context, id api.InstanceID,
) (*api.StateSummary, error) {
	inst, err := o.engine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return tracker.StateSummary(inst), nil
}

// ExecutionStats aggregates attempts and durations for the instance
func (o *Orchestrator) ExecutionStats(
	ctx context.Context, id api.InstanceID,
) (*api.ExecutionStats, error) {
	inst, err := o.engine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return tracker.ExecutionStats(inst), nil
}

// CheckHealth reports whether the instance appears stuck, using the
// configured stuck threshold
func (o *Orchestrator) CheckHealth(
	ctx context.Context, id api.InstanceID,
) (*api.HealthReport, error) {
	return o.CheckHealthWithin(ctx, id, o.threshold)
}

// CheckHealthWithin reports whether the instance has gone without progress
// for longer than threshold. A missing instance yields an unknown verdict
// rather than an error
func (o *Orchestrator) CheckHealthWithin(
	ctx context.Context, id api.InstanceID, threshold time.Duration,
) (*api.HealthReport, error) {
	inst, err := o.engine.Get(ctx, id)
	switch {
	case errors.Is(err, api.ErrInstanceNotFound):
		res := tracker.CheckHealth(nil, threshold, o.clock())
		res.InstanceID = id
		return res, nil
	case err != nil:
		return nil, err
	}
	return tracker.CheckHealth(inst, threshold, o.clock()), nil
}

// MetricsSnapshot returns a copy of the collected metrics
func (o *Orchestrator) MetricsSnapshot() *Snapshot {
	return o.metrics.Snapshot()
}

// Subscribe streams transition events accepted by filter. A nil filter
// accepts everything. The subscription must be closed by the caller
func (o *Orchestrator) Subscribe(filter Filter) *Subscription {
	return o.hub.Subscribe(filter)
}

func (o *Orchestrator) definitionOf(
	ctx context.Context, id api.InstanceID,
) (*workflow.Definition, error) {
	inst, err := o.engine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.registry.Lookup(inst.Workflow)
}
