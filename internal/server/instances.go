package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kode4food/cascade/pkg/api"
)

func instanceID(c *gin.Context) api.InstanceID {
	return api.InstanceID(c.Param("id"))
}

func (s *Server) listInstances(c *gin.Context) {
	var statuses []api.InstanceStatus
	if q := c.Query("status"); q != "" {
		for part := range strings.SplitSeq(q, ",") {
			statuses = append(statuses, api.InstanceStatus(strings.TrimSpace(part)))
		}
	}

	ids, err := s.orch.List(c.Request.Context(), statuses...)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, api.InstancesListResponse{
		Instances: ids,
		Count:     len(ids),
	})
}

func (s *Server) getInstance(c *gin.Context) {
	inst, err := s.orch.GetOrError(c.Request.Context(), instanceID(c))
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) getSummary(c *gin.Context) {
	res, err := s.orch.StateSummary(c.Request.Context(), instanceID(c))
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getStats(c *gin.Context) {
	res, err := s.orch.ExecutionStats(c.Request.Context(), instanceID(c))
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getHealth(c *gin.Context) {
	ctx := c.Request.Context()
	q := c.Query("threshold")
	if q == "" {
		res, err := s.orch.CheckHealth(ctx, instanceID(c))
		if err != nil {
			s.abort(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
		return
	}

	threshold, err := time.ParseDuration(q)
	if err != nil || threshold <= 0 {
		badRequest(c, fmt.Errorf("%w: threshold: %q", ErrInvalidQuery, q))
		return
	}
	res, err := s.orch.CheckHealthWithin(ctx, instanceID(c), threshold)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getProgress(c *gin.Context) {
	ctx := c.Request.Context()
	id := instanceID(c)
	inst, err := s.orch.GetOrError(ctx, id)
	if err != nil {
		s.abort(c, err)
		return
	}

	total := len(inst.Steps)
	if q := c.Query("total"); q != "" {
		total, err = strconv.Atoi(q)
		if err != nil {
			badRequest(c, fmt.Errorf("%w: total: %v", ErrInvalidQuery, err))
			return
		}
	}

	progress, err := s.orch.ProgressOf(ctx, id, total)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, api.ProgressResponse{
		InstanceID: id,
		Progress:   progress,
		Total:      total,
	})
}

func (s *Server) pauseInstance(c *gin.Context) {
	if err := s.orch.Pause(c.Request.Context(), instanceID(c)); err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, api.MessageResponse{
		Message: "instance pausing",
	})
}

func (s *Server) resumeInstance(c *gin.Context) {
	var req api.ResumeRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	h, err := s.orch.Resume(c.Request.Context(), instanceID(c), req.Input)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, api.InstanceStartedResponse{
		Message:    "instance resumed",
		InstanceID: h.ID(),
	})
}

func (s *Server) cancelInstance(c *gin.Context) {
	if err := s.orch.Cancel(c.Request.Context(), instanceID(c)); err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, api.MessageResponse{
		Message: "instance cancelled",
	})
}

func (s *Server) compensateInstance(c *gin.Context) {
	h, err := s.orch.Compensate(c.Request.Context(), instanceID(c))
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, api.InstanceStartedResponse{
		Message:    "instance compensating",
		InstanceID: h.ID(),
	})
}
