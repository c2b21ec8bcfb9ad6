package server

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"

	"github.com/kode4food/cascade"
	"github.com/kode4food/cascade/internal/engine"
	"github.com/kode4food/cascade/internal/util"
	"github.com/kode4food/cascade/pkg/api"
	"github.com/kode4food/cascade/pkg/orchestrator"
	"github.com/kode4food/cascade/pkg/workflow"
)

// Server implements the HTTP API for the orchestrator
type Server struct {
	orch    *orchestrator.Orchestrator
	sockets util.Set[*Client]
	mu      sync.Mutex
}

var (
	ErrInvalidJSON  = errors.New("invalid JSON")
	ErrInvalidQuery = errors.New("invalid query parameter")
)

// NewServer creates an HTTP API server for o
func NewServer(o *orchestrator.Orchestrator) *Server {
	return &Server{
		orch:    o,
		sockets: util.Set[*Client]{},
	}
}

// SetupRoutes configures and returns the HTTP router with all API endpoints
func (s *Server) SetupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(glog.SetLogger(
		glog.WithLogger(func(c *gin.Context, l *slog.Logger) *slog.Logger {
			return slog.Default()
		}),
	))

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", s.handleMetrics)
	router.GET("/events", s.handleWebSocket)

	wf := router.Group("/workflows")
	{
		wf.GET("", s.listWorkflows)
		wf.POST("/:name", s.startInstance)
	}

	inst := router.Group("/instances")
	{
		inst.GET("", s.listInstances)
		inst.GET("/:id", s.getInstance)
		inst.GET("/:id/summary", s.getSummary)
		inst.GET("/:id/stats", s.getStats)
		inst.GET("/:id/health", s.getHealth)
		inst.GET("/:id/progress", s.getProgress)
		inst.POST("/:id/pause", s.pauseInstance)
		inst.POST("/:id/resume", s.resumeInstance)
		inst.POST("/:id/cancel", s.cancelInstance)
		inst.POST("/:id/compensate", s.compensateInstance)
	}

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	ids, err := s.orch.List(c.Request.Context(), api.InstanceRunning)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, api.HealthResponse{
		Service: cascade.Name,
		Version: cascade.Version,
		Status:  "ok",
		Active:  len(ids),
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.MetricsSnapshot())
}

func (s *Server) registerWebSocket(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets.Add(c)
}

func (s *Server) unregisterWebSocket(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets.Remove(c)
}

// CloseWebSockets closes all active WebSocket connections
func (s *Server) CloseWebSockets() {
	s.mu.Lock()
	conns := make([]*Client, 0, len(s.sockets))
	for c := range s.sockets {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// abort responds with the status matching err
func (s *Server) abort(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("Request failed",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()))
	}
	c.JSON(status, api.ErrorResponse{
		Error:  err.Error(),
		Status: status,
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, api.ErrorResponse{
		Error:  err.Error(),
		Status: http.StatusBadRequest,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, api.ErrInstanceNotFound),
		errors.Is(err, workflow.ErrDefinitionNotFound):
		return http.StatusNotFound
	case errors.Is(err, api.ErrInstanceExists),
		errors.Is(err, api.ErrInvalidTransition),
		errors.Is(err, engine.ErrInstanceActive),
		errors.Is(err, engine.ErrInstanceNotActive),
		errors.Is(err, engine.ErrCompensationDisabled),
		errors.Is(err, workflow.ErrDefinitionMismatched):
		return http.StatusConflict
	case errors.Is(err, engine.ErrEngineStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
