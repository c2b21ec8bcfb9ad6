package engine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/cascade/internal/config"
	"github.com/kode4food/cascade/internal/engine"
	"github.com/kode4food/cascade/internal/events"
	"github.com/kode4food/cascade/internal/metrics"
	"github.com/kode4food/cascade/internal/store"
	"github.com/kode4food/cascade/internal/store/memory"
	"github.com/kode4food/cascade/pkg/api"
	"github.com/kode4food/cascade/pkg/workflow"
)

type (
	// recorder collects step ids in the order they were reported
	recorder struct {
		ids []api.StepID
		mu  sync.Mutex
	}

	// failingStore fails every Save once fail is set
	failingStore struct {
		store.Store
		fail atomic.Bool
	}
)

var errBoom = errors.New("boom")

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.WorkerCount = 4
	cfg.QueueSize = 16
	cfg.StepTimeout = 2 * time.Second
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	return cfg
}

func newEngine(
	t *testing.T, s store.Store, opts ...engine.Option,
) *engine.Engine {
	t.Helper()
	if s == nil {
		s = memory.New()
	}
	e, err := engine.New(testConfig(), s, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = e.Stop()
	})
	return e
}

func wait(t *testing.T, h *engine.Handle) *api.Instance {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inst, err := h.Wait(ctx)
	require.NoError(t, err)
	return inst
}

func succeed(out any) workflow.ActionFunc {
	return func(context.Context, *api.WorkflowContext) (any, error) {
		return out, nil
	}
}

func fail(err error) workflow.ActionFunc {
	return func(context.Context, *api.WorkflowContext) (any, error) {
		return nil, err
	}
}

func (r *recorder) add(id api.StepID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *recorder) list() []api.StepID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]api.StepID(nil), r.ids...)
}

func (r *recorder) compensation(id api.StepID) workflow.CompensationFunc {
	return func(context.Context, any, *api.WorkflowContext) error {
		r.add(id)
		return nil
	}
}

func (s *failingStore) Save(ctx context.Context, inst *api.Instance) error {
	if s.fail.Load() {
		return errBoom
	}
	return s.Store.Save(ctx, inst)
}

func stepStatus(
	t *testing.T, inst *api.Instance, id api.StepID,
) api.StepStatus {
	t.Helper()
	rec, ok := inst.Step(id)
	require.True(t, ok)
	return rec.Status
}

func TestSequentialCompletes(t *testing.T) {
	m := metrics.New()
	e := newEngine(t, nil, engine.WithMetrics(m))

	def := workflow.NewDefinition("greet").WithSteps(
		workflow.NewStepFunc("hello", succeed("hi")),
		workflow.NewStepFunc("world",
			func(_ context.Context, wc *api.WorkflowContext) (any, error) {
				v, err := api.ContextValue[string](wc, "hello")
				if err != nil {
					return nil, err
				}
				return v + " world", nil
			},
		),
	).MustBuild()

	h, err := e.Start(context.Background(), def, "wf-1",
		api.ContextOf(map[string]any{"name": "cascade"}),
	)
	require.NoError(t, err)
	assert.Equal(t, api.InstanceID("wf-1"), h.ID())

	inst := wait(t, h)
	assert.Equal(t, api.InstanceCompleted, inst.Status)
	assert.False(t, inst.StartedAt.IsZero())
	assert.False(t, inst.CompletedAt.IsZero())

	out, ok := inst.Context.Get("world")
	require.True(t, ok)
	assert.Equal(t, "hi world", out)
	name, _ := inst.Context.Get("name")
	assert.Equal(t, "cascade", name)

	hello, _ := inst.Step("hello")
	world, _ := inst.Step("world")
	assert.Equal(t, 1, hello.AttemptCount)
	assert.Less(t, hello.CompletionSeq, world.CompletionSeq)

	stored, err := e.Get(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, api.InstanceCompleted, stored.Status)
	assert.False(t, e.IsActive("wf-1"))

	assert.EqualValues(t, 1, m.Count(metrics.WorkflowsStarted))
	assert.EqualValues(t, 1, m.Count(metrics.WorkflowsCompleted))
	assert.EqualValues(t, 2, m.Count(metrics.StepsComplete))
	assert.EqualValues(t, 1, m.Timer(metrics.WorkflowDuration).Count)
}

func TestGeneratedID(t *testing.T) {
	e := newEngine(t, nil)
	def := workflow.NewDefinition("one").WithSteps(
		workflow.NewStepFunc("a", succeed(1)),
	).MustBuild()

	h, err := e.Start(context.Background(), def, "", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID())
	assert.Equal(t, api.InstanceCompleted, wait(t, h).Status)
}

func TestParallelDependencies(t *testing.T) {
	e := newEngine(t, nil)

	def := workflow.NewDefinition("scrape").Parallel().WithSteps(
		workflow.NewStepFunc("fetch", succeed(map[string]any{"views": 42})),
		workflow.NewStepFunc("analyze",
			func(_ context.Context, wc *api.WorkflowContext) (any, error) {
				views, ok := wc.Lookup("fetch.views")
				if !ok {
					return nil, api.Permanent(errors.New("no views"))
				}
				return views.(float64) * 2, nil
			},
		).DependsOn("fetch"),
		workflow.NewStepFunc("other", succeed("independent")),
	).MustBuild()

	h, err := e.Start(context.Background(), def, "", nil)
	require.NoError(t, err)
	inst := wait(t, h)

	assert.Equal(t, api.InstanceCompleted, inst.Status)
	out, _ := inst.Context.Get("analyze")
	assert.Equal(t, float64(84), out)

	fetch, _ := inst.Step("fetch")
	analyze, _ := inst.Step("analyze")
	assert.Less(t, fetch.CompletionSeq, analyze.CompletionSeq)
	assert.False(t, analyze.Attempts[0].StartedAt.Before(fetch.CompletedAt))
}

func TestConcurrentDuplicateStart(t *testing.T) {
	e := newEngine(t, nil)
	release := make(chan struct{})
	def := workflow.NewDefinition("dup").WithSteps(
		workflow.NewStepFunc("a",
			func(context.Context, *api.WorkflowContext) (any, error) {
				<-release
				return nil, nil
			},
		),
	).MustBuild()

	var started, exists atomic.Int32
	var wg sync.WaitGroup
	handles := make(chan *engine.Handle, 2)
	for range 2 {
		wg.Go(func() {
			h, err := e.Start(context.Background(), def, "same", nil)
			switch {
			case err == nil:
				started.Add(1)
				handles <- h
			case errors.Is(err, api.ErrInstanceExists):
				exists.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
	wg.Wait()
	close(release)

	assert.EqualValues(t, 1, started.Load())
	assert.EqualValues(t, 1, exists.Load())
	assert.Equal(t, api.InstanceCompleted, wait(t, <-handles).Status)

	_, err := e.Start(context.Background(), def, "same", nil)
	assert.ErrorIs(t, err, api.ErrInstanceExists)
}

func TestConditionSkips(t *testing.T) {
	m := metrics.New()
	e := newEngine(t, nil, engine.WithMetrics(m))
	var ran atomic.Int32

	def := workflow.NewDefinition("cond").WithSteps(
		workflow.NewStepFunc("check", succeed("skip")),
		workflow.NewStepFunc("lua",
			func(context.Context, *api.WorkflowContext) (any, error) {
				ran.Add(1)
				return nil, nil
			},
		).WhenLua(`ctx.check ~= "skip"`),
		workflow.NewStepFunc("func", succeed("ran")).When(
			func(wc *api.WorkflowContext) (bool, error) {
				_, ok := wc.Get("check")
				return ok, nil
			},
		),
	).MustBuild()

	h, err := e.Start(context.Background(), def, "", nil)
	require.NoError(t, err)
	inst := wait(t, h)

	assert.Equal(t, api.InstanceCompleted, inst.Status)
	assert.Equal(t, api.StepSkipped, stepStatus(t, inst, "lua"))
	assert.Equal(t, api.StepCompleted, stepStatus(t, inst, "func"))
	assert.Zero(t, ran.Load())
	assert.EqualValues(t, 1, m.Count(metrics.StepsSkipped))
}

func TestConditionError(t *testing.T) {
	e := newEngine(t, nil)
	def := workflow.NewDefinition("cond").WithSteps(
		workflow.NewStepFunc("a", succeed(nil)).When(
			func(*api.WorkflowContext) (bool, error) {
				return false, errBoom
			},
		),
	).MustBuild()

	h, err := e.Start(context.Background(), def, "", nil)
	require.NoError(t, err)
	inst := wait(t, h)
	assert.Equal(t, api.InstanceFailed, inst.Status)
	assert.Equal(t, api.StepFailed, stepStatus(t, inst, "a"))
	assert.Contains(t, inst.Error, "boom")
}

func TestGetUnknown(t *testing.T) {
	e := newEngine(t, nil)
	_, err := e.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, api.ErrInstanceNotFound)
}

func TestEventsPublished(t *testing.T) {
	hub := events.NewHub()
	defer hub.Close()
	e := newEngine(t, nil, engine.WithHub(hub))

	sub := hub.Subscribe(events.ForInstance("evt"))
	defer sub.Close()

	def := workflow.NewDefinition("evt").WithSteps(
		workflow.NewStepFunc("a", succeed(nil)),
	).MustBuild()
	_, err := e.Start(context.Background(), def, "evt", nil)
	require.NoError(t, err)

	var statuses []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Type == api.EventInstanceStatus {
				statuses = append(statuses, ev.Status)
			}
			if ev.IsTerminal() {
				assert.Equal(t, []string{
					string(api.InstanceRunning),
					string(api.InstanceCompleted),
				}, statuses)
				return
			}
		case <-timeout:
			t.Fatal("no terminal event")
		}
	}
}

func TestStopRejectsStart(t *testing.T) {
	e, err := engine.New(testConfig(), memory.New())
	require.NoError(t, err)
	require.NoError(t, e.Stop())
	require.NoError(t, e.Stop())

	def := workflow.NewDefinition("one").WithSteps(
		workflow.NewStepFunc("a", succeed(nil)),
	).MustBuild()
	_, err = e.Start(context.Background(), def, "", nil)
	assert.ErrorIs(t, err, engine.ErrEngineStopped)
}

func TestStopPausesRunning(t *testing.T) {
	s := memory.New()
	e, err := engine.New(testConfig(), s)
	require.NoError(t, err)

	started := make(chan struct{})
	def := workflow.NewDefinition("long").WithSteps(
		workflow.NewStepFunc("a",
			func(context.Context, *api.WorkflowContext) (any, error) {
				close(started)
				time.Sleep(20 * time.Millisecond)
				return "a", nil
			},
		),
		workflow.NewStepFunc("b", succeed("b")),
	).MustBuild()

	h, err := e.Start(context.Background(), def, "long", nil)
	require.NoError(t, err)
	<-started
	require.NoError(t, e.Stop())

	inst := wait(t, h)
	assert.Equal(t, api.InstancePaused, inst.Status)
	assert.Equal(t, api.StepCompleted, stepStatus(t, inst, "a"))
	assert.Equal(t, api.StepPending, stepStatus(t, inst, "b"))
}
