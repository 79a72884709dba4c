package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/jbhoorasingh/iperf-orchestrator/internal/db"
	"github.com/jbhoorasingh/iperf-orchestrator/internal/repositories"
)

// TaskHandler groups the admin-side task and reservation endpoints.
type TaskHandler struct {
	repo         repositories.TaskRepository
	reservations repositories.ReservationRepository
	logger       *zap.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(repo repositories.TaskRepository, reservations repositories.ReservationRepository, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		repo:         repo,
		reservations: reservations,
		logger:       logger.Named("task_handler"),
	}
}

// taskResponse is the JSON representation of a task.
type taskResponse struct {
	ID         uint           `json:"id"`
	Type       string         `json:"type"`
	AgentID    uint           `json:"agent_id"`
	Status     string         `json:"status"`
	Payload    map[string]any `json:"payload"`
	Result     map[string]any `json:"result"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  string         `json:"created_at"`
	AcceptedAt *string        `json:"accepted_at"`
	StartedAt  *string        `json:"started_at"`
	FinishedAt *string        `json:"finished_at"`
}

func taskToResponse(t *db.Task) taskResponse {
	resp := taskResponse{
		ID:        t.ID,
		Type:      t.Type,
		AgentID:   t.AgentID,
		Status:    t.Status,
		Payload:   t.Payload,
		Result:    t.Result,
		Error:     t.Error,
		CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
	}
	fmtTime := func(t *time.Time) *string {
		if t == nil {
			return nil
		}
		s := t.UTC().Format(time.RFC3339)
		return &s
	}
	resp.AcceptedAt = fmtTime(t.AcceptedAt)
	resp.StartedAt = fmtTime(t.StartedAt)
	resp.FinishedAt = fmtTime(t.FinishedAt)
	return resp
}

// List handles GET /v1/tasks.
// Accepts optional agent_id, status and type query filters.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	var filter repositories.TaskFilter
	q := r.URL.Query()
	if raw := q.Get("agent_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			Err(w, http.StatusBadRequest, KindValidationError, "agent_id must be an integer", nil)
			return
		}
		filter.AgentID = uint(id)
	}
	filter.Status = q.Get("status")
	filter.Type = q.Get("type")

	tasks, err := h.repo.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list tasks", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]taskResponse, len(tasks))
	for i := range tasks {
		items[i] = taskToResponse(&tasks[i])
	}
	JSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

// GetByID handles GET /v1/tasks/{id}.
func (h *TaskHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, KindTaskNotFound)
	if !ok {
		return
	}

	task, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			Err(w, http.StatusNotFound, KindTaskNotFound, "no such task", nil)
			return
		}
		h.logger.Error("failed to get task", zap.Error(err))
		ErrInternal(w)
		return
	}
	JSON(w, http.StatusOK, taskToResponse(task))
}

// Cancel handles POST /v1/tasks/{id}/cancel.
// A terminal task answers 409; a late agent result against an
// operator-canceled task is rejected the same way.
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, KindTaskNotFound)
	if !ok {
		return
	}

	if err := h.repo.Cancel(r.Context(), id, time.Now()); err != nil {
		switch {
		case errors.Is(err, repositories.ErrNotFound):
			Err(w, http.StatusNotFound, KindTaskNotFound, "no such task", nil)
		case errors.Is(err, repositories.ErrInvalidState):
			Err(w, http.StatusConflict, KindTaskAlreadyTerminal,
				"task has already reached a terminal status", nil)
		default:
			h.logger.Error("failed to cancel task", zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	h.logger.Info("task canceled", zap.Uint("task_id", id))
	JSON(w, http.StatusOK, map[string]any{"id": id, "status": db.TaskStatusCanceled})
}

// reservationResponse is the JSON representation of a port reservation.
type reservationResponse struct {
	ID         uint    `json:"id"`
	AgentID    uint    `json:"agent_id"`
	Port       int     `json:"port"`
	TaskID     uint    `json:"task_id"`
	CreatedAt  string  `json:"created_at"`
	ReleasedAt *string `json:"released_at"`
}

// ListReservations handles GET /v1/tasks/ports/reservations.
// Returns live reservations by default; ?active=false includes released rows.
func (h *TaskHandler) ListReservations(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") != "false"

	reservations, err := h.reservations.List(r.Context(), activeOnly)
	if err != nil {
		h.logger.Error("failed to list reservations", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]reservationResponse, len(reservations))
	for i, res := range reservations {
		items[i] = reservationResponse{
			ID:        res.ID,
			AgentID:   res.AgentID,
			Port:      res.Port,
			TaskID:    res.TaskID,
			CreatedAt: res.CreatedAt.UTC().Format(time.RFC3339),
		}
		if res.ReleasedAt != nil {
			s := res.ReleasedAt.UTC().Format(time.RFC3339)
			items[i].ReleasedAt = &s
		}
	}
	JSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}
