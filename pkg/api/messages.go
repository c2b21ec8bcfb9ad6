package api

import (
	"encoding/json"
	"time"
)

type (
	// StartRequest contains parameters for starting a workflow instance
	StartRequest struct {
		Input *WorkflowContext `json:"input,omitempty"`
		ID    InstanceID       `json:"id,omitempty"`
		Wait  bool             `json:"wait,omitempty"`
	}

	// ResumeRequest carries optional extra input for a resumed instance
	ResumeRequest struct {
		Input *WorkflowContext `json:"input,omitempty"`
	}

	// InstanceStartedResponse is returned when an instance is started or
	// resumed without waiting for it
	InstanceStartedResponse struct {
		Message    string     `json:"message"`
		InstanceID InstanceID `json:"instance_id"`
	}

	// InstancesListResponse contains the ids of stored instances
	InstancesListResponse struct {
		Instances []InstanceID `json:"instances"`
		Count     int          `json:"count"`
	}

	// WorkflowInfo describes a registered workflow definition
	WorkflowInfo struct {
		Name         string        `json:"name"`
		Mode         string        `json:"mode"`
		Compensation string        `json:"compensation"`
		Steps        []StepID      `json:"steps"`
		Timeout      time.Duration `json:"timeout,omitempty"`
	}

	// WorkflowsListResponse contains the registered workflow definitions
	WorkflowsListResponse struct {
		Workflows []*WorkflowInfo `json:"workflows"`
		Count     int             `json:"count"`
	}

	// ProgressResponse reports the completed fraction of an instance
	ProgressResponse struct {
		InstanceID InstanceID `json:"instance_id"`
		Progress   float64    `json:"progress"`
		Total      int        `json:"total"`
	}

	// HealthResponse provides service health information
	HealthResponse struct {
		Service string `json:"service"`
		Version string `json:"version"`
		Status  string `json:"status"`
		Active  int    `json:"active"`
	}

	// MessageResponse contains a simple message string
	MessageResponse struct {
		Message string `json:"message"`
	}

	// ErrorResponse contains error details for failed requests
	ErrorResponse struct {
		Error  string `json:"error"`
		Status int    `json:"status,omitempty"`
	}

	// SubscribeRequest is sent by a transition stream client to choose the
	// events it receives
	SubscribeRequest struct {
		Type string             `json:"type"`
		Data ClientSubscription `json:"data"`
	}

	// ClientSubscription selects events by instance and type. An empty
	// field matches everything
	ClientSubscription struct {
		InstanceID InstanceID  `json:"instance_id,omitempty"`
		EventTypes []EventType `json:"event_types,omitempty"`
	}

	// SubscribedResult acknowledges a subscription, carrying the current
	// state of the subscribed instance when one was named
	SubscribedResult struct {
		Type       string          `json:"type"`
		InstanceID InstanceID      `json:"instance_id,omitempty"`
		Data       json.RawMessage `json:"data,omitempty"`
	}
)
