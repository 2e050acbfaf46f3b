package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c360studio/semstreams/natsclient"

	"github.com/c360studio/taskmesh/broker"
	"github.com/c360studio/taskmesh/mesh"
	taskrouter "github.com/c360studio/taskmesh/processor/task-router"
	"github.com/c360studio/taskmesh/protocol"
)

// SubmitRequest is the mesh.ops.submit body.
type SubmitRequest struct {
	Type          string          `json:"type"`
	Name          string          `json:"name"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      int             `json:"priority"`
	RequiredTools []string        `json:"required_tools,omitempty"`
	TargetNode    string          `json:"target_node,omitempty"`
	TimeoutMs     int64           `json:"timeout_ms,omitempty"`
	Deterministic bool            `json:"deterministic,omitempty"`
}

// SubmitResponse acknowledges an admitted task.
type SubmitResponse struct {
	TaskID string `json:"task_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// StatusRequest selects between one task's status (task_id set) and the
// whole system snapshot (empty body or empty task_id).
type StatusRequest struct {
	TaskID string `json:"task_id,omitempty"`
}

// StatusResponse is the mesh.ops.status body.
type StatusResponse struct {
	Task   *taskrouter.TaskStatusView `json:"task,omitempty"`
	System *Status                    `json:"system,omitempty"`
	Error  string                     `json:"error,omitempty"`
}

// StatsResponse is the mesh.ops.stats body: router, broker, protocol, and
// bus counters.
type StatsResponse struct {
	Tasks         taskrouter.Stats `json:"tasks"`
	Broker        *broker.Stats    `json:"broker,omitempty"`
	Protocol      protocol.Stats   `json:"protocol"`
	EventsDropped int64            `json:"events_dropped"`
	Error         string           `json:"error,omitempty"`
}

// CancelRequest names the task to cancel.
type CancelRequest struct {
	TaskID string `json:"task_id"`
}

// CancelResponse reports the cancellation outcome.
type CancelResponse struct {
	Cancelled bool   `json:"cancelled"`
	Error     string `json:"error,omitempty"`
}

// opsServer answers the operator endpoints over NATS request/reply. Bad
// requests get a JSON reply with the error field set rather than silence,
// so callers always see a body.
type opsServer struct {
	orch   *Orchestrator
	logger *slog.Logger

	mu   sync.Mutex
	subs []*natsclient.Subscription

	requests atomic.Int64
}

func newOpsServer(orch *Orchestrator) *opsServer {
	return &opsServer{orch: orch, logger: orch.logger}
}

// Start subscribes the five endpoints. A failure unwinds nothing beyond
// returning the error; the caller cancels the context, which releases any
// subscriptions already made.
func (s *opsServer) Start(ctx context.Context) error {
	endpoints := []struct {
		subject string
		handler func(ctx context.Context, data []byte) ([]byte, error)
	}{
		{mesh.SubjectOpsSubmit, s.handleSubmit},
		{mesh.SubjectOpsStatus, s.handleStatus},
		{mesh.SubjectOpsHealth, s.handleHealth},
		{mesh.SubjectOpsStats, s.handleStats},
		{mesh.SubjectOpsCancel, s.handleCancel},
	}
	for _, ep := range endpoints {
		sub, err := s.orch.natsClient.SubscribeForRequests(ctx, ep.subject, ep.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", ep.subject, err)
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}

	s.logger.Info("Ops endpoints ready",
		"subjects", []string{
			mesh.SubjectOpsSubmit, mesh.SubjectOpsStatus, mesh.SubjectOpsHealth,
			mesh.SubjectOpsStats, mesh.SubjectOpsCancel,
		})
	return nil
}

// Stop drops the subscription handles. The subscriptions themselves are
// bound to the start context and end with it.
func (s *opsServer) Stop() {
	s.mu.Lock()
	s.subs = nil
	s.mu.Unlock()
	s.logger.Info("Ops endpoints stopped", "requests_served", s.requests.Load())
}

func (s *opsServer) handleSubmit(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.requests.Add(1)

	var req SubmitRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return marshalReply(SubmitResponse{Error: "parse request: " + err.Error()})
	}
	task := &mesh.Task{
		Type:          req.Type,
		Name:          req.Name,
		Payload:       req.Payload,
		Priority:      req.Priority,
		RequiredTools: req.RequiredTools,
		TargetNode:    req.TargetNode,
		TimeoutMs:     req.TimeoutMs,
		Deterministic: req.Deterministic,
	}
	id, err := s.orch.SubmitTask(ctx, task)
	if err != nil {
		return marshalReply(SubmitResponse{Error: err.Error()})
	}
	return marshalReply(SubmitResponse{TaskID: id})
}

func (s *opsServer) handleStatus(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.requests.Add(1)

	var req StatusRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return marshalReply(StatusResponse{Error: "parse request: " + err.Error()})
		}
	}

	if req.TaskID != "" {
		view, err := s.orch.GetTaskStatus(req.TaskID)
		if err != nil {
			return marshalReply(StatusResponse{Error: err.Error()})
		}
		return marshalReply(StatusResponse{Task: &view})
	}

	status := s.orch.GetStatus()
	return marshalReply(StatusResponse{System: &status})
}

func (s *opsServer) handleHealth(ctx context.Context, _ []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.requests.Add(1)
	return marshalReply(s.orch.HealthCheck(ctx))
}

func (s *opsServer) handleStats(ctx context.Context, _ []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.requests.Add(1)

	resp := StatsResponse{
		Tasks:         s.orch.router.GetStats(),
		Protocol:      s.orch.gateway.ProtocolStats(),
		EventsDropped: s.orch.bus.Dropped(),
	}
	if s.orch.queue != nil {
		stats := s.orch.queue.Stats()
		resp.Broker = &stats
	}
	return marshalReply(resp)
}

func (s *opsServer) handleCancel(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.requests.Add(1)

	var req CancelRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return marshalReply(CancelResponse{Error: "parse request: " + err.Error()})
	}
	if req.TaskID == "" {
		return marshalReply(CancelResponse{Error: "task_id is required"})
	}
	if err := s.orch.CancelTask(ctx, req.TaskID); err != nil {
		return marshalReply(CancelResponse{Error: err.Error()})
	}
	return marshalReply(CancelResponse{Cancelled: true})
}

func marshalReply(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal reply: %w", err)
	}
	return data, nil
}
