package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/cascade/internal/config"
	"github.com/kode4food/cascade/internal/server"
	"github.com/kode4food/cascade/internal/store/memory"
	"github.com/kode4food/cascade/pkg/api"
	"github.com/kode4food/cascade/pkg/orchestrator"
	"github.com/kode4food/cascade/pkg/retry"
	"github.com/kode4food/cascade/pkg/workflow"
)

type testServerEnv struct {
	Orch    *orchestrator.Orchestrator
	Server  *server.Server
	Router  *gin.Engine
	Release chan struct{}
}

func succeed(out any) workflow.ActionFunc {
	return func(context.Context, *api.WorkflowContext) (any, error) {
		return out, nil
	}
}

func testServer(t *testing.T) *testServerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	release := make(chan struct{})
	defs := []*workflow.Definition{
		workflow.NewDefinition("quick").WithSteps(
			workflow.NewStepFunc("a", succeed("a")),
			workflow.NewStepFunc("b", succeed("b")),
		).MustBuild(),
		workflow.NewDefinition("gated").WithSteps(
			workflow.NewStepFunc("wait",
				func(context.Context, *api.WorkflowContext) (any, error) {
					<-release
					return nil, nil
				},
			),
			workflow.NewStepFunc("after", succeed(nil)),
		).MustBuild(),
		workflow.NewDefinition("broken").WithSteps(
			workflow.NewStepFunc("a", succeed(nil)),
			workflow.NewStepFunc("b",
				func(context.Context, *api.WorkflowContext) (any, error) {
					return nil, errors.New("boom")
				},
			).WithRetry(retry.None),
		).MustBuild(),
	}
	reg, err := workflow.NewRegistry(defs...)
	require.NoError(t, err)

	cfg := config.NewDefaultConfig()
	cfg.WorkerCount = 2
	o, err := orchestrator.New(cfg, reg, memory.New())
	require.NoError(t, err)

	srv := server.NewServer(o)
	env := &testServerEnv{
		Orch:    o,
		Server:  srv,
		Router:  srv.SetupRoutes(),
		Release: release,
	}
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
		srv.CloseWebSockets()
		_ = o.Stop()
	})
	return env
}

func (e *testServerEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var res T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res
}

func TestHealthEndpoint(t *testing.T) {
	env := testServer(t)
	w := env.do("GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	res := decode[api.HealthResponse](t, w)
	assert.Equal(t, "cascade", res.Service)
	assert.Equal(t, "ok", res.Status)
}

func TestListWorkflows(t *testing.T) {
	env := testServer(t)
	w := env.do("GET", "/workflows", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	res := decode[api.WorkflowsListResponse](t, w)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, "broken", res.Workflows[0].Name)
	assert.Equal(t, "sequential", res.Workflows[0].Mode)
	assert.Equal(t, []api.StepID{"a", "b"}, res.Workflows[2].Steps)
}

func TestStartAndWait(t *testing.T) {
	env := testServer(t)
	w := env.do("POST", "/workflows/quick", api.StartRequest{
		ID:    "q-1",
		Input: api.ContextOf(map[string]any{"x": 1}),
		Wait:  true,
	})
	require.Equal(t, http.StatusOK, w.Code)

	inst := decode[api.Instance](t, w)
	assert.Equal(t, api.InstanceID("q-1"), inst.ID)
	assert.Equal(t, api.InstanceCompleted, inst.Status)
	x, _ := inst.Context.Get("x")
	assert.Equal(t, float64(1), x)

	w = env.do("POST", "/workflows/quick", api.StartRequest{ID: "q-1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do("GET", "/instances/q-1/progress", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	prog := decode[api.ProgressResponse](t, w)
	assert.Equal(t, 1.0, prog.Progress)
	assert.Equal(t, 2, prog.Total)

	w = env.do("GET", "/instances/q-1/progress?total=4", nil)
	assert.Equal(t, 0.5, decode[api.ProgressResponse](t, w).Progress)

	w = env.do("GET", "/instances/q-1/progress?total=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do("GET", "/instances/q-1/summary", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, api.InstanceCompleted,
		decode[api.StateSummary](t, w).Status)

	w = env.do("GET", "/instances/q-1/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[api.ExecutionStats](t, w).TotalAttempts)

	w = env.do("GET", "/instances/q-1/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, api.HealthHealthy, decode[api.HealthReport](t, w).Status)

	w = env.do("GET", "/instances?status=completed", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	list := decode[api.InstancesListResponse](t, w)
	assert.Equal(t, []api.InstanceID{"q-1"}, list.Instances)

	w = env.do("GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "workflows.completed")
}

func TestStartAsync(t *testing.T) {
	env := testServer(t)
	w := env.do("POST", "/workflows/quick", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	res := decode[api.InstanceStartedResponse](t, w)
	require.NotEmpty(t, res.InstanceID)
	require.Eventually(t, func() bool {
		w := env.do("GET", "/instances/"+string(res.InstanceID), nil)
		return w.Code == http.StatusOK &&
			decode[api.Instance](t, w).Status == api.InstanceCompleted
	}, 5*time.Second, 5*time.Millisecond)
}

func TestStartErrors(t *testing.T) {
	env := testServer(t)

	w := env.do("POST", "/workflows/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	req := httptest.NewRequest("POST", "/workflows/quick",
		bytes.NewBufferString("{not json"),
	)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), server.ErrInvalidJSON.Error())
}

func TestInstanceNotFound(t *testing.T) {
	env := testServer(t)
	for _, path := range []string{
		"/instances/missing",
		"/instances/missing/summary",
		"/instances/missing/stats",
		"/instances/missing/progress",
	} {
		w := env.do("GET", path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
		assert.Equal(t, http.StatusNotFound,
			decode[api.ErrorResponse](t, w).Status)
	}

	w := env.do("GET", "/instances/missing/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, api.HealthUnknown, decode[api.HealthReport](t, w).Status)

	w = env.do("GET", "/instances/missing/health?threshold=90s", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	rep := decode[api.HealthReport](t, w)
	assert.Equal(t, api.HealthUnknown, rep.Status)
	assert.Equal(t, 90*time.Second, rep.Threshold)

	w = env.do("GET", "/instances/missing/health?threshold=soon", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	for _, op := range []string{"pause", "resume", "cancel", "compensate"} {
		w := env.do("POST", "/instances/missing/"+op, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, op)
	}
}

func TestPauseResumeCancel(t *testing.T) {
	env := testServer(t)
	w := env.do("POST", "/workflows/gated", api.StartRequest{ID: "g-1"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do("POST", "/instances/g-1/pause", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	close(env.Release)

	require.Eventually(t, func() bool {
		inst, ok := env.Orch.Get(context.Background(), "g-1")
		return ok && inst.Status == api.InstancePaused
	}, 5*time.Second, 5*time.Millisecond)

	w = env.do("POST", "/instances/g-1/pause", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do("POST", "/instances/g-1/resume", api.ResumeRequest{
		Input: api.ContextOf(map[string]any{"more": true}),
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		inst, ok := env.Orch.Get(context.Background(), "g-1")
		return ok && inst.Status == api.InstanceCompleted
	}, 5*time.Second, 5*time.Millisecond)

	w = env.do("POST", "/instances/g-1/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCancelRunning(t *testing.T) {
	env := testServer(t)
	w := env.do("POST", "/workflows/gated", api.StartRequest{ID: "g-2"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do("POST", "/instances/g-2/cancel", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do("GET", "/instances/g-2", nil)
	assert.Equal(t, api.InstanceCancelled, decode[api.Instance](t, w).Status)
}

func TestCompensateDisabled(t *testing.T) {
	env := testServer(t)
	w := env.do("POST", "/workflows/broken", api.StartRequest{
		ID:   "b-1",
		Wait: true,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, api.InstanceFailed, decode[api.Instance](t, w).Status)

	w = env.do("POST", "/instances/b-1/compensate", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}
