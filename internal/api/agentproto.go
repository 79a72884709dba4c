package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jbhoorasingh/iperf-orchestrator/internal/db"
	"github.com/jbhoorasingh/iperf-orchestrator/internal/metrics"
	"github.com/jbhoorasingh/iperf-orchestrator/internal/repositories"
)

// AgentProtocolHandler serves the endpoints the agent runtime talks to:
// register, heartbeat, claim, started, result. All of them run behind
// AgentAuth, so the calling agent is always present in the request context.
type AgentProtocolHandler struct {
	agents repositories.AgentRepository
	tasks  repositories.TaskRepository
	logger *zap.Logger
}

// NewAgentProtocolHandler creates a new AgentProtocolHandler.
func NewAgentProtocolHandler(agents repositories.AgentRepository, tasks repositories.TaskRepository, logger *zap.Logger) *AgentProtocolHandler {
	return &AgentProtocolHandler{
		agents: agents,
		tasks:  tasks,
		logger: logger.Named("agent_protocol"),
	}
}

// registerRequest is the JSON body expected by POST /v1/agent/register.
type registerRequest struct {
	IPAddress       string `json:"ip_address"`
	OperatingSystem string `json:"operating_system"`
}

// Register handles POST /v1/agent/register.
// The agent row already exists (admin-created); registration marks it online
// and records its address and OS.
func (h *AgentProtocolHandler) Register(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	now := time.Now()
	if err := h.agents.MarkSeen(r.Context(), agent.ID, now, req.IPAddress, req.OperatingSystem); err != nil {
		h.logger.Error("failed to register agent", zap.Error(err))
		ErrInternal(w)
		return
	}
	// Targeted update only: a full-row save here would overwrite the status
	// and heartbeat MarkSeen just wrote.
	if err := h.agents.StampFirstRegistered(r.Context(), agent.ID, now); err != nil {
		h.logger.Error("failed to stamp first registration", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.logger.Info("agent registered",
		zap.String("agent", agent.Name),
		zap.String("ip", req.IPAddress),
		zap.String("os", req.OperatingSystem))
	JSON(w, http.StatusOK, map[string]any{
		"agent_id": agent.ID,
		"status":   db.AgentStatusOnline,
	})
}

// runningProcess describes one live child in the heartbeat body. Accepted
// and logged; the manager does not persist it.
type runningProcess struct {
	Type string `json:"type"`
	Port int    `json:"port"`
	PID  int    `json:"pid"`
}

// heartbeatRequest is the JSON body expected by POST /v1/agent/heartbeat.
type heartbeatRequest struct {
	IPAddress string           `json:"ip_address"`
	Running   []runningProcess `json:"running"`
}

// heartbeatResponse tells the agent whether to pull tasks this cycle.
// PullTasks is currently always true; the field exists so backpressure can
// be added without a protocol change.
type heartbeatResponse struct {
	PullTasks bool `json:"pull_tasks"`
}

// Heartbeat handles POST /v1/agent/heartbeat.
func (h *AgentProtocolHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	var req heartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.agents.MarkSeen(r.Context(), agent.ID, time.Now(), req.IPAddress, ""); err != nil {
		h.logger.Error("failed to record heartbeat", zap.Error(err))
		ErrInternal(w)
		return
	}

	metrics.HeartbeatsReceived.Inc()
	h.logger.Debug("heartbeat",
		zap.String("agent", agent.Name),
		zap.Int("running", len(req.Running)))
	JSON(w, http.StatusOK, heartbeatResponse{PullTasks: true})
}

// claimResponse carries the claimed task, or null when nothing is pending.
type claimResponse struct {
	Task *taskResponse `json:"task"`
}

// Claim handles POST /v1/agent/tasks/claim.
func (h *AgentProtocolHandler) Claim(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())

	task, err := h.tasks.Claim(r.Context(), agent.ID, time.Now())
	if err != nil {
		h.logger.Error("claim failed", zap.String("agent", agent.Name), zap.Error(err))
		Err(w, http.StatusInternalServerError, KindClaimFailed,
			"could not claim a task", nil)
		return
	}
	if task == nil {
		metrics.EmptyClaims.Inc()
		JSON(w, http.StatusOK, claimResponse{Task: nil})
		return
	}

	metrics.TasksClaimed.Inc()
	h.logger.Info("task claimed",
		zap.String("agent", agent.Name),
		zap.Uint("task_id", task.ID),
		zap.String("type", task.Type))
	resp := taskToResponse(task)
	JSON(w, http.StatusOK, claimResponse{Task: &resp})
}

// ownTask loads a task and checks it belongs to the calling agent. A task
// owned by another agent is reported as missing, not forbidden.
func (h *AgentProtocolHandler) ownTask(w http.ResponseWriter, r *http.Request, agent *db.Agent, id uint) *db.Task {
	task, err := h.tasks.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			Err(w, http.StatusNotFound, KindTaskNotFound, "no such task", nil)
			return nil
		}
		h.logger.Error("failed to get task", zap.Error(err))
		ErrInternal(w)
		return nil
	}
	if task.AgentID != agent.ID {
		Err(w, http.StatusNotFound, KindTaskNotFound, "no such task", nil)
		return nil
	}
	return task
}

// startedRequest is the JSON body expected by POST /v1/agent/tasks/{id}/started.
type startedRequest struct {
	PID int `json:"pid"`
}

// Started handles POST /v1/agent/tasks/{id}/started.
func (h *AgentProtocolHandler) Started(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	id, ok := idParam(w, r, KindTaskNotFound)
	if !ok {
		return
	}
	var req startedRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if task := h.ownTask(w, r, agent, id); task == nil {
		return
	}

	if err := h.tasks.MarkStarted(r.Context(), id, req.PID, time.Now()); err != nil {
		switch {
		case errors.Is(err, repositories.ErrNotFound):
			Err(w, http.StatusNotFound, KindTaskNotFound, "no such task", nil)
		case errors.Is(err, repositories.ErrInvalidState):
			Err(w, http.StatusConflict, KindInvalidTaskState,
				"task is not in accepted", nil)
		default:
			h.logger.Error("failed to mark task started", zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	JSON(w, http.StatusOK, map[string]any{"id": id, "status": db.TaskStatusRunning})
}

// resultRequest is the JSON body expected by POST /v1/agent/tasks/{id}/result.
type resultRequest struct {
	Status   string         `json:"status"`
	Result   map[string]any `json:"result"`
	Stderr   string         `json:"stderr"`
	ExitCode int            `json:"exit_code"`
}

// Result handles POST /v1/agent/tasks/{id}/result.
// Accepted from running, accepted and timed_out; a late result overwrites a
// sweeper timeout, while an operator-canceled task answers 409.
func (h *AgentProtocolHandler) Result(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	id, ok := idParam(w, r, KindTaskNotFound)
	if !ok {
		return
	}
	var req resultRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	task := h.ownTask(w, r, agent, id)
	if task == nil {
		return
	}

	updated, err := h.tasks.SubmitResult(r.Context(), id, req.Status, db.JSONMap(req.Result), req.Stderr, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, repositories.ErrNotFound):
			Err(w, http.StatusNotFound, KindTaskNotFound, "no such task", nil)
		case errors.Is(err, repositories.ErrInvalidState):
			if db.IsTerminalTaskStatus(task.Status) && task.Status != db.TaskStatusTimedOut {
				Err(w, http.StatusConflict, KindTaskAlreadyTerminal,
					"task has already reached a terminal status", nil)
			} else {
				Err(w, http.StatusConflict, KindInvalidTaskState,
					"result not accepted from the task's current status", nil)
			}
		default:
			h.logger.Error("failed to submit result", zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	metrics.ResultsSubmitted.WithLabelValues(updated.Status).Inc()
	h.logger.Info("task result stored",
		zap.String("agent", agent.Name),
		zap.Uint("task_id", id),
		zap.String("status", updated.Status),
		zap.Int("exit_code", req.ExitCode))
	JSON(w, http.StatusOK, map[string]any{"id": id, "status": updated.Status})
}
