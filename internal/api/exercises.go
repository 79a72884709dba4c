package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jbhoorasingh/iperf-orchestrator/internal/db"
	"github.com/jbhoorasingh/iperf-orchestrator/internal/iperf"
	"github.com/jbhoorasingh/iperf-orchestrator/internal/repositories"
)

// Client-task pacing defaults. The delay keeps the client from connecting
// before its server task has spawned; retries cover the remaining race.
const (
	defaultClientDelaySeconds = 3
	defaultMaxRetries         = 3
	defaultRetryDelaySeconds  = 2
)

// ExerciseHandler groups the exercise and test endpoints.
type ExerciseHandler struct {
	repo   repositories.ExerciseRepository
	agents repositories.AgentRepository
	tasks  repositories.TaskRepository
	logger *zap.Logger
}

// NewExerciseHandler creates a new ExerciseHandler.
func NewExerciseHandler(repo repositories.ExerciseRepository, agents repositories.AgentRepository, tasks repositories.TaskRepository, logger *zap.Logger) *ExerciseHandler {
	return &ExerciseHandler{
		repo:   repo,
		agents: agents,
		tasks:  tasks,
		logger: logger.Named("exercise_handler"),
	}
}

// exerciseResponse is the JSON representation of an exercise.
type exerciseResponse struct {
	ID              uint    `json:"id"`
	Name            string  `json:"name"`
	DurationSeconds int     `json:"duration_seconds"`
	Notes           string  `json:"notes"`
	CreatedAt       string  `json:"created_at"`
	StartedAt       *string `json:"started_at"`
	EndedAt         *string `json:"ended_at"`
}

func exerciseToResponse(e *db.Exercise) exerciseResponse {
	resp := exerciseResponse{
		ID:              e.ID,
		Name:            e.Name,
		DurationSeconds: e.DurationSeconds,
		Notes:           e.Notes,
		CreatedAt:       e.CreatedAt.UTC().Format(time.RFC3339),
	}
	if e.StartedAt != nil {
		s := e.StartedAt.UTC().Format(time.RFC3339)
		resp.StartedAt = &s
	}
	if e.EndedAt != nil {
		s := e.EndedAt.UTC().Format(time.RFC3339)
		resp.EndedAt = &s
	}
	return resp
}

// testResponse is the JSON representation of a test within an exercise.
type testResponse struct {
	ID            uint  `json:"id"`
	ExerciseID    uint  `json:"exercise_id"`
	ServerAgentID uint  `json:"server_agent_id"`
	ClientAgentID uint  `json:"client_agent_id"`
	ServerPort    int   `json:"server_port"`
	UDP           bool  `json:"udp"`
	Parallel      int   `json:"parallel"`
	TimeSeconds   int   `json:"time_seconds"`
	ServerTaskID  *uint `json:"server_task_id"`
	ClientTaskID  *uint `json:"client_task_id"`
}

func testToResponse(t *db.Test) testResponse {
	return testResponse{
		ID:            t.ID,
		ExerciseID:    t.ExerciseID,
		ServerAgentID: t.ServerAgentID,
		ClientAgentID: t.ClientAgentID,
		ServerPort:    t.ServerPort,
		UDP:           t.UDP,
		Parallel:      t.Parallel,
		TimeSeconds:   t.TimeSeconds,
		ServerTaskID:  t.ServerTaskID,
		ClientTaskID:  t.ClientTaskID,
	}
}

// createExerciseRequest is the JSON body expected by POST /v1/exercises.
type createExerciseRequest struct {
	Name            string `json:"name"`
	DurationSeconds int    `json:"duration_seconds"`
	Notes           string `json:"notes"`
}

// Create handles POST /v1/exercises.
func (h *ExerciseHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createExerciseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		Err(w, http.StatusBadRequest, KindValidationError, "name is required", nil)
		return
	}
	if req.DurationSeconds < 0 {
		Err(w, http.StatusBadRequest, KindValidationError, "duration_seconds must be positive", nil)
		return
	}
	if req.DurationSeconds == 0 {
		req.DurationSeconds = 30
	}

	exercise := &db.Exercise{
		Name:            req.Name,
		DurationSeconds: req.DurationSeconds,
		Notes:           req.Notes,
	}
	if err := h.repo.Create(r.Context(), exercise); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			Err(w, http.StatusConflict, KindDuplicateExerciseName,
				"an exercise with this name already exists", nil)
			return
		}
		h.logger.Error("failed to create exercise", zap.Error(err))
		ErrInternal(w)
		return
	}

	JSON(w, http.StatusCreated, exerciseToResponse(exercise))
}

// List handles GET /v1/exercises.
func (h *ExerciseHandler) List(w http.ResponseWriter, r *http.Request) {
	exercises, err := h.repo.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list exercises", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]exerciseResponse, len(exercises))
	for i := range exercises {
		items[i] = exerciseToResponse(&exercises[i])
	}
	JSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

// exerciseDetailResponse embeds the exercise's tests and their tasks.
type exerciseDetailResponse struct {
	exerciseResponse
	Tests []testDetail `json:"tests"`
}

type testDetail struct {
	testResponse
	ServerTask *taskResponse `json:"server_task"`
	ClientTask *taskResponse `json:"client_task"`
}

// GetByID handles GET /v1/exercises/{id}.
func (h *ExerciseHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, KindExerciseNotFound)
	if !ok {
		return
	}

	exercise, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			Err(w, http.StatusNotFound, KindExerciseNotFound, "no such exercise", nil)
			return
		}
		h.logger.Error("failed to get exercise", zap.Error(err))
		ErrInternal(w)
		return
	}

	tests, taskByID, err := h.loadTestsWithTasks(r, id)
	if err != nil {
		h.logger.Error("failed to load exercise detail", zap.Error(err))
		ErrInternal(w)
		return
	}

	detail := exerciseDetailResponse{
		exerciseResponse: exerciseToResponse(exercise),
		Tests:            make([]testDetail, len(tests)),
	}
	for i := range tests {
		td := testDetail{testResponse: testToResponse(&tests[i])}
		if tests[i].ServerTaskID != nil {
			if task, ok := taskByID[*tests[i].ServerTaskID]; ok {
				resp := taskToResponse(task)
				td.ServerTask = &resp
			}
		}
		if tests[i].ClientTaskID != nil {
			if task, ok := taskByID[*tests[i].ClientTaskID]; ok {
				resp := taskToResponse(task)
				td.ClientTask = &resp
			}
		}
		detail.Tests[i] = td
	}

	JSON(w, http.StatusOK, detail)
}

// loadTestsWithTasks fetches an exercise's tests and resolves their task rows.
func (h *ExerciseHandler) loadTestsWithTasks(r *http.Request, exerciseID uint) ([]db.Test, map[uint]*db.Task, error) {
	tests, err := h.repo.ListTests(r.Context(), exerciseID)
	if err != nil {
		return nil, nil, err
	}

	var ids []uint
	for i := range tests {
		if tests[i].ServerTaskID != nil {
			ids = append(ids, *tests[i].ServerTaskID)
		}
		if tests[i].ClientTaskID != nil {
			ids = append(ids, *tests[i].ClientTaskID)
		}
	}
	tasks, err := h.tasks.ListByIDs(r.Context(), ids)
	if err != nil {
		return nil, nil, err
	}

	taskByID := make(map[uint]*db.Task, len(tasks))
	for i := range tasks {
		taskByID[tasks[i].ID] = &tasks[i]
	}
	return tests, taskByID, nil
}

// addTestRequest is the JSON body expected by POST /v1/exercises/{id}/tests.
// TimeSeconds defaults to the exercise duration when omitted.
type addTestRequest struct {
	ServerAgentID uint `json:"server_agent_id"`
	ClientAgentID uint `json:"client_agent_id"`
	ServerPort    int  `json:"server_port"`
	UDP           bool `json:"udp"`
	Parallel      int  `json:"parallel"`
	TimeSeconds   int  `json:"time_seconds"`
}

// AddTest handles POST /v1/exercises/{id}/tests.
// Creates the test, its two tasks, and the server port reservation
// atomically. Tests added after the exercise has started are admitted as
// pending immediately; the start gate has already passed.
func (h *ExerciseHandler) AddTest(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, KindExerciseNotFound)
	if !ok {
		return
	}
	var req addTestRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Parallel == 0 {
		req.Parallel = 1
	}
	if req.Parallel < 1 || req.Parallel > 32 {
		Err(w, http.StatusBadRequest, KindValidationError, "parallel must be between 1 and 32", nil)
		return
	}
	if req.ServerPort < 1 || req.ServerPort > 65535 {
		Err(w, http.StatusBadRequest, KindValidationError, "server_port must be a valid port", nil)
		return
	}
	if req.TimeSeconds < 0 {
		Err(w, http.StatusBadRequest, KindValidationError, "time_seconds must be positive", nil)
		return
	}

	exercise, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			Err(w, http.StatusNotFound, KindExerciseNotFound, "no such exercise", nil)
			return
		}
		h.logger.Error("failed to get exercise", zap.Error(err))
		ErrInternal(w)
		return
	}
	if exercise.EndedAt != nil {
		Err(w, http.StatusConflict, KindInvalidTaskState,
			"exercise has already ended", nil)
		return
	}

	serverAgent, err := h.agents.GetByID(r.Context(), req.ServerAgentID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			Err(w, http.StatusNotFound, KindAgentNotFound, "no such server agent", nil)
			return
		}
		h.logger.Error("failed to get server agent", zap.Error(err))
		ErrInternal(w)
		return
	}
	if _, err := h.agents.GetByID(r.Context(), req.ClientAgentID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			Err(w, http.StatusNotFound, KindAgentNotFound, "no such client agent", nil)
			return
		}
		h.logger.Error("failed to get client agent", zap.Error(err))
		ErrInternal(w)
		return
	}

	timeSeconds := req.TimeSeconds
	if timeSeconds == 0 {
		timeSeconds = exercise.DurationSeconds
	}

	// The client connects to the server agent's last-known address; an agent
	// that has never checked in falls back to loopback.
	serverIP := serverAgent.IPAddress
	if serverIP == "" {
		serverIP = "127.0.0.1"
	}

	initialStatus := db.TaskStatusQueued
	if exercise.StartedAt != nil {
		initialStatus = db.TaskStatusPending
	}

	serverTask := &db.Task{
		Type:    db.TaskTypeServerStart,
		AgentID: req.ServerAgentID,
		Status:  initialStatus,
		Payload: db.JSONMap{
			"port": req.ServerPort,
			"udp":  req.UDP,
		},
	}
	clientTask := &db.Task{
		Type:    db.TaskTypeClientRun,
		AgentID: req.ClientAgentID,
		Status:  initialStatus,
		Payload: db.JSONMap{
			"server_ip":            serverIP,
			"port":                 req.ServerPort,
			"udp":                  req.UDP,
			"parallel":             req.Parallel,
			"time":                 timeSeconds,
			"client_delay_seconds": defaultClientDelaySeconds,
			"max_retries":          defaultMaxRetries,
			"retry_delay_seconds":  defaultRetryDelaySeconds,
		},
	}
	test := &db.Test{
		ExerciseID:    id,
		ServerAgentID: req.ServerAgentID,
		ClientAgentID: req.ClientAgentID,
		ServerPort:    req.ServerPort,
		UDP:           req.UDP,
		Parallel:      req.Parallel,
		TimeSeconds:   timeSeconds,
	}

	if err := h.repo.AddTest(r.Context(), test, serverTask, clientTask); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			Err(w, http.StatusConflict, KindPortReservationConflict,
				"port is already reserved on this agent", map[string]any{
					"agent_id": req.ServerAgentID,
					"port":     req.ServerPort,
				})
			return
		}
		h.logger.Error("failed to add test", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.logger.Info("test added",
		zap.Uint("exercise_id", id),
		zap.Uint("test_id", test.ID),
		zap.Int("port", req.ServerPort))
	JSON(w, http.StatusCreated, testToResponse(test))
}

// Start handles POST /v1/exercises/{id}/start.
// Stamps started_at and admits all queued tasks to pending.
func (h *ExerciseHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, KindExerciseNotFound)
	if !ok {
		return
	}

	if err := h.repo.Start(r.Context(), id, time.Now()); err != nil {
		switch {
		case errors.Is(err, repositories.ErrNotFound):
			Err(w, http.StatusNotFound, KindExerciseNotFound, "no such exercise", nil)
		case errors.Is(err, repositories.ErrInvalidState):
			Err(w, http.StatusConflict, KindInvalidTaskState,
				"exercise has already been started", nil)
		default:
			h.logger.Error("failed to start exercise", zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	h.logger.Info("exercise started", zap.Uint("exercise_id", id))
	JSON(w, http.StatusOK, map[string]any{"id": id, "status": "started"})
}

// Stop handles POST /v1/exercises/{id}/stop.
// Idempotent: stopping an already-ended exercise creates no new kill_all
// tasks and still answers 200.
func (h *ExerciseHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, KindExerciseNotFound)
	if !ok {
		return
	}

	killCount, err := h.repo.Stop(r.Context(), id, time.Now())
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			Err(w, http.StatusNotFound, KindExerciseNotFound, "no such exercise", nil)
			return
		}
		h.logger.Error("failed to stop exercise", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.logger.Info("exercise stopped",
		zap.Uint("exercise_id", id), zap.Int("kill_tasks", killCount))
	JSON(w, http.StatusOK, map[string]any{
		"id":                 id,
		"status":             "stopped",
		"kill_tasks_created": killCount,
	})
}

// testResult is the per-test projection in the results view.
type testResult struct {
	TestID        uint           `json:"test_id"`
	ServerAgentID uint           `json:"server_agent_id"`
	ClientAgentID uint           `json:"client_agent_id"`
	ServerPort    int            `json:"server_port"`
	UDP           bool           `json:"udp"`
	Parallel      int            `json:"parallel"`
	TimeSeconds   int            `json:"time_seconds"`
	Status        string         `json:"status"`
	Metrics       *iperf.Metrics `json:"metrics"`
	Error         string         `json:"error,omitempty"`
}

// Results handles GET /v1/exercises/{id}/results.
// Per-test status comes from the client task; metrics are projected from
// the stored iperf3 JSON of succeeded runs. The aggregate is the arithmetic
// mean of bits_per_second over succeeded tests.
func (h *ExerciseHandler) Results(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, KindExerciseNotFound)
	if !ok {
		return
	}

	exercise, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			Err(w, http.StatusNotFound, KindExerciseNotFound, "no such exercise", nil)
			return
		}
		h.logger.Error("failed to get exercise", zap.Error(err))
		ErrInternal(w)
		return
	}

	tests, taskByID, err := h.loadTestsWithTasks(r, id)
	if err != nil {
		h.logger.Error("failed to load results", zap.Error(err))
		ErrInternal(w)
		return
	}

	results := make([]testResult, len(tests))
	var sumBps float64
	succeeded := 0
	for i := range tests {
		tr := testResult{
			TestID:        tests[i].ID,
			ServerAgentID: tests[i].ServerAgentID,
			ClientAgentID: tests[i].ClientAgentID,
			ServerPort:    tests[i].ServerPort,
			UDP:           tests[i].UDP,
			Parallel:      tests[i].Parallel,
			TimeSeconds:   tests[i].TimeSeconds,
			Status:        db.TaskStatusQueued,
		}
		if tests[i].ClientTaskID != nil {
			if task, ok := taskByID[*tests[i].ClientTaskID]; ok {
				tr.Status = task.Status
				tr.Error = task.Error
				if task.Status == db.TaskStatusSucceeded {
					tr.Metrics = iperf.Project(task.Result)
					if tr.Metrics != nil {
						sumBps += tr.Metrics.BitsPerSecond
						succeeded++
					}
				}
			}
		}
		results[i] = tr
	}

	var meanBps float64
	if succeeded > 0 {
		meanBps = sumBps / float64(succeeded)
	}

	JSON(w, http.StatusOK, map[string]any{
		"exercise": exerciseToResponse(exercise),
		"tests":    results,
		"aggregate": map[string]any{
			"mean_bits_per_second": meanBps,
			"succeeded":            succeeded,
			"total":                len(results),
		},
	})
}
