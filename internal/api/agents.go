package api

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jbhoorasingh/iperf-orchestrator/internal/db"
	"github.com/jbhoorasingh/iperf-orchestrator/internal/repositories"
)

// AgentHandler groups the admin-side agent endpoints.
type AgentHandler struct {
	repo   repositories.AgentRepository
	logger *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(repo repositories.AgentRepository, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		repo:   repo,
		logger: logger.Named("agent_handler"),
	}
}

// idParam parses the {id} route parameter. Writes a 404 with the given kind
// and returns false when it is not a positive integer, so an unparseable ID
// looks the same as a missing record.
func idParam(w http.ResponseWriter, r *http.Request, kind string) (uint, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		Err(w, http.StatusNotFound, kind, "no such record", nil)
		return 0, false
	}
	return uint(id), true
}

// agentResponse is the JSON representation of an agent. Status is derived
// from the last heartbeat at read time rather than echoing the stored
// column, so a freshly silent agent shows offline before the sweeper runs.
type agentResponse struct {
	ID              uint    `json:"id"`
	Name            string  `json:"name"`
	Status          string  `json:"status"`
	Disabled        bool    `json:"disabled"`
	IPAddress       string  `json:"ip_address"`
	OperatingSystem string  `json:"operating_system"`
	FirstRegistered *string `json:"first_registered"`
	LastHeartbeat   *string `json:"last_heartbeat"`
}

// agentCreateResponse extends agentResponse with the registration key, shown
// only at creation time.
type agentCreateResponse struct {
	agentResponse
	RegistrationKey string `json:"registration_key"`
}

func agentToResponse(a *db.Agent, now time.Time) agentResponse {
	resp := agentResponse{
		ID:              a.ID,
		Name:            a.Name,
		Status:          db.DeriveAgentStatus(a.LastHeartbeat, now),
		Disabled:        a.Disabled,
		IPAddress:       a.IPAddress,
		OperatingSystem: a.OperatingSystem,
	}
	if !a.FirstRegistered.IsZero() {
		s := a.FirstRegistered.UTC().Format(time.RFC3339)
		resp.FirstRegistered = &s
	}
	if a.LastHeartbeat != nil {
		s := a.LastHeartbeat.UTC().Format(time.RFC3339)
		resp.LastHeartbeat = &s
	}
	return resp
}

// createAgentRequest is the JSON body expected by POST /v1/agents.
// RegistrationKey is optional; a random one is generated when omitted.
type createAgentRequest struct {
	Name            string `json:"name"`
	RegistrationKey string `json:"registration_key"`
}

// Create handles POST /v1/agents.
// Enrolls a new agent and returns it along with its registration key.
func (h *AgentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		Err(w, http.StatusBadRequest, KindValidationError, "name is required", nil)
		return
	}

	key := req.RegistrationKey
	if key == "" {
		buf := make([]byte, 24)
		if _, err := rand.Read(buf); err != nil {
			h.logger.Error("failed to generate registration key", zap.Error(err))
			ErrInternal(w)
			return
		}
		key = hex.EncodeToString(buf)
	}

	agent := &db.Agent{
		Name:            req.Name,
		RegistrationKey: key,
		Status:          db.AgentStatusOffline,
	}
	if err := h.repo.Create(r.Context(), agent); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			Err(w, http.StatusConflict, KindDuplicateAgentName,
				"an agent with this name already exists", nil)
			return
		}
		h.logger.Error("failed to create agent", zap.Error(err))
		ErrInternal(w)
		return
	}

	JSON(w, http.StatusCreated, agentCreateResponse{
		agentResponse:   agentToResponse(agent, time.Now()),
		RegistrationKey: key,
	})
}

// List handles GET /v1/agents.
// Accepts an optional ?status=online|offline filter on the derived status.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.repo.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list agents", zap.Error(err))
		ErrInternal(w)
		return
	}

	filter := r.URL.Query().Get("status")
	now := time.Now()
	items := make([]agentResponse, 0, len(agents))
	for i := range agents {
		resp := agentToResponse(&agents[i], now)
		if filter != "" && resp.Status != filter {
			continue
		}
		items = append(items, resp)
	}

	JSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

// GetByID handles GET /v1/agents/{id}.
func (h *AgentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, KindAgentNotFound)
	if !ok {
		return
	}

	agent, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			Err(w, http.StatusNotFound, KindAgentNotFound, "no such agent", nil)
			return
		}
		h.logger.Error("failed to get agent", zap.Error(err))
		ErrInternal(w)
		return
	}

	JSON(w, http.StatusOK, agentToResponse(agent, time.Now()))
}

// updateAgentRequest is the JSON body expected by PUT /v1/agents/{id}.
// Empty fields are left unchanged.
type updateAgentRequest struct {
	Name            string `json:"name"`
	RegistrationKey string `json:"registration_key"`
}

// Update handles PUT /v1/agents/{id}.
func (h *AgentHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, KindAgentNotFound)
	if !ok {
		return
	}
	var req updateAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	agent, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			Err(w, http.StatusNotFound, KindAgentNotFound, "no such agent", nil)
			return
		}
		h.logger.Error("failed to get agent", zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.Name != "" {
		agent.Name = req.Name
	}
	if req.RegistrationKey != "" {
		agent.RegistrationKey = req.RegistrationKey
	}

	if err := h.repo.Update(r.Context(), agent); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			Err(w, http.StatusConflict, KindDuplicateAgentName,
				"an agent with this name already exists", nil)
			return
		}
		h.logger.Error("failed to update agent", zap.Error(err))
		ErrInternal(w)
		return
	}

	JSON(w, http.StatusOK, agentToResponse(agent, time.Now()))
}

// Disable handles POST /v1/agents/{id}/disable.
// The agent's next protocol call receives the fatal signal and it exits.
func (h *AgentHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.setDisabled(w, r, true)
}

// Enable handles POST /v1/agents/{id}/enable.
func (h *AgentHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.setDisabled(w, r, false)
}

func (h *AgentHandler) setDisabled(w http.ResponseWriter, r *http.Request, disabled bool) {
	id, ok := idParam(w, r, KindAgentNotFound)
	if !ok {
		return
	}

	if err := h.repo.SetDisabled(r.Context(), id, disabled); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			Err(w, http.StatusNotFound, KindAgentNotFound, "no such agent", nil)
			return
		}
		h.logger.Error("failed to set disabled flag", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.logger.Info("agent disabled flag changed",
		zap.Uint("agent_id", id), zap.Bool("disabled", disabled))
	JSON(w, http.StatusOK, map[string]any{"id": id, "disabled": disabled})
}
