package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/kode4food/cascade/internal/config"
	"github.com/kode4food/cascade/internal/events"
	"github.com/kode4food/cascade/internal/metrics"
	"github.com/kode4food/cascade/internal/store"
	"github.com/kode4food/cascade/pkg/api"
	"github.com/kode4food/cascade/pkg/log"
	"github.com/kode4food/cascade/pkg/retry"
)

type (
	// Engine runs workflow instances against a Store. It tracks active
	// instances in memory and persists every transition
	Engine struct {
		ctx          context.Context
		cancel       context.CancelFunc
		store        store.Store
		hub          *events.Hub
		metrics      *metrics.Metrics
		pool         *Pool
		clock        Clock
		afterFunc    AfterFunc
		defaultRetry *retry.Policy
		actors       map[api.InstanceID]*actor
		mu           sync.Mutex
		wg           sync.WaitGroup
		stepTimeout  time.Duration
		shutdown     time.Duration
		stopped      bool
	}

	// Option customizes an Engine
	Option func(*Engine)
)

// cancelRetryDelay spaces out attempts to cancel an instance that is being
// claimed by another call
const cancelRetryDelay = time.Millisecond

var (
	ErrShutdownTimeout      = errors.New("shutdown timeout exceeded")
	ErrEngineStopped        = errors.New("engine stopped")
	ErrInstanceActive       = errors.New("workflow instance is active")
	ErrInstanceNotActive    = errors.New("workflow instance is not active")
	ErrCompensationDisabled = errors.New("workflow does not compensate")
)

// New creates an engine persisting instances to s and configured by cfg
func New(cfg *config.Config, s store.Store, opts ...Option) (*Engine, error) {
	policy, err := cfg.DefaultRetryPolicy()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		ctx:          ctx,
		cancel:       cancel,
		store:        s,
		clock:        time.Now,
		afterFunc:    SystemAfterFunc,
		defaultRetry: policy,
		actors:       map[api.InstanceID]*actor{},
		stepTimeout:  cfg.StepTimeout,
		shutdown:     cfg.ShutdownTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	e.pool = NewPool(cfg.WorkerCount, cfg.QueueSize)
	return e, nil
}

// WithHub publishes every transition to hub
func WithHub(hub *events.Hub) Option {
	return func(e *Engine) {
		e.hub = hub
	}
}

// WithMetrics records counters and timings into m
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithClock replaces the engine's time source
func WithClock(clock Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithAfterFunc replaces the scheduler used for retry delays and workflow
// timeouts
func WithAfterFunc(fn AfterFunc) Option {
	return func(e *Engine) {
		e.afterFunc = fn
	}
}

// Metrics returns the engine's metrics collector
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Store returns the engine's instance store
func (e *Engine) Store() store.Store {
	return e.store
}

// Stop pauses every running instance, waits for in-flight steps to finish,
// and shuts the worker pool down. Instances still busy when the shutdown
// timeout elapses have their step contexts cancelled
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	active := slices.Collect(maps.Values(e.actors))
	e.mu.Unlock()

	for _, a := range active {
		if a != nil {
			a.post(&pauseRequest{})
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(e.shutdown):
		slog.Warn("Engine shutdown timed out",
			slog.Int("active", len(e.Active())))
		err = ErrShutdownTimeout
	}
	e.cancel()
	e.pool.Stop()
	return err
}

// Active returns the ids of instances currently owned by this engine
func (e *Engine) Active() []api.InstanceID {
	e.mu.Lock()
	defer e.mu.Unlock()
	res := make([]api.InstanceID, 0, len(e.actors))
	for id, a := range e.actors {
		if a != nil {
			res = append(res, id)
		}
	}
	return store.SortIDs(res)
}

// IsActive reports whether the instance is currently owned by this engine
func (e *Engine) IsActive(id api.InstanceID) bool {
	_, ok := e.activeActor(id)
	return ok
}

// Get returns a snapshot of the instance, preferring the live state of an
// active instance over the stored one
func (e *Engine) Get(
	ctx context.Context, id api.InstanceID,
) (*api.Instance, error) {
	if a, ok := e.activeActor(id); ok {
		return a.snapshot(), nil
	}
	inst, err := e.store.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", api.ErrInstanceNotFound, id)
	}
	return inst, err
}

// List returns the ids of stored instances in one of the given statuses
func (e *Engine) List(
	ctx context.Context, statuses ...api.InstanceStatus,
) ([]api.InstanceID, error) {
	return e.store.List(ctx, statuses...)
}

// claim reserves id for a caller that is about to create an actor for it.
// The claim is released by the actor when it exits, or by release
func (e *Engine) claim(id api.InstanceID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrEngineStopped
	}
	if _, ok := e.actors[id]; ok {
		return fmt.Errorf("%w: %s", ErrInstanceActive, id)
	}
	e.actors[id] = nil
	return nil
}

func (e *Engine) release(id api.InstanceID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.actors, id)
}

func (e *Engine) activate(a *actor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actors[a.inst.ID] = a
	e.wg.Add(1)
}

func (e *Engine) deactivate(a *actor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.actors[a.inst.ID] == a {
		delete(e.actors, a.inst.ID)
	}
	e.wg.Done()
}

func (e *Engine) activeActor(id api.InstanceID) (*actor, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a := e.actors[id]
	return a, a != nil
}

func (e *Engine) publish(ev *api.Event) {
	if e.hub != nil {
		e.hub.Publish(ev)
	}
}

func (e *Engine) retryPolicy(p *retry.Policy) *retry.Policy {
	if p != nil {
		return p
	}
	return e.defaultRetry
}

func (e *Engine) timeoutFor(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return e.stepTimeout
}

func logInstance(inst *api.Instance) []any {
	return []any{
		log.InstanceID(inst.ID),
		log.Workflow(inst.Workflow),
	}
}
