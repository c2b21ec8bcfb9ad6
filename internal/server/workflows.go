package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kode4food/cascade/pkg/api"
	"github.com/kode4food/cascade/pkg/orchestrator"
)

func (s *Server) listWorkflows(c *gin.Context) {
	reg := s.orch.Registry()
	res := make([]*api.WorkflowInfo, 0, reg.Len())
	for _, name := range reg.Names() {
		def, _ := reg.Get(name)
		res = append(res, &api.WorkflowInfo{
			Name:         def.Name(),
			Mode:         string(def.Mode()),
			Compensation: string(def.Strategy()),
			Steps:        def.StepIDs(),
			Timeout:      def.Timeout(),
		})
	}
	c.JSON(http.StatusOK, api.WorkflowsListResponse{
		Workflows: res,
		Count:     len(res),
	})
}

func (s *Server) startInstance(c *gin.Context) {
	def, err := s.orch.Definition(c.Param("name"))
	if err != nil {
		s.abort(c, err)
		return
	}

	var req api.StartRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	opts := []orchestrator.StartOption{orchestrator.WithInstanceID(req.ID)}
	if req.Wait || c.Query("wait") == "true" {
		inst, err := s.orch.Start(ctx, def, req.Input, opts...)
		if err != nil {
			s.abort(c, err)
			return
		}
		c.JSON(http.StatusOK, inst)
		return
	}

	id, err := s.orch.StartAndReturnID(ctx, def, req.Input, opts...)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, api.InstanceStartedResponse{
		Message:    "instance started",
		InstanceID: id,
	})
}

// bindOptionalJSON decodes the request body into dst, accepting an empty
// body. It responds with 400 and returns false on malformed input
func bindOptionalJSON(c *gin.Context, dst any) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, fmt.Errorf("%w: %v", ErrInvalidJSON, err))
		return false
	}
	return true
}
