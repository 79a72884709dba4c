package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/jbhoorasingh/iperf-orchestrator/internal/auth"
	"github.com/jbhoorasingh/iperf-orchestrator/internal/metrics"
	"github.com/jbhoorasingh/iperf-orchestrator/internal/repositories"
)

// versionSkipPaths are exempt from the X-API-Version gate: liveness probes,
// Prometheus scrapes and the login call itself.
var versionSkipPaths = []string{"/healthz", "/metrics", "/v1/auth/login"}

// RouterConfig holds all dependencies needed to build the HTTP router.
// Populated in main.go after all components are initialized and passed as a
// single struct to keep the constructor signature manageable.
type RouterConfig struct {
	Auth   *auth.Manager
	Logger *zap.Logger

	// APIVersion is the integer the X-API-Version header must equal.
	APIVersion int

	Agents       repositories.AgentRepository
	Exercises    repositories.ExerciseRepository
	Tasks        repositories.TaskRepository
	Reservations repositories.ReservationRepository
	Idempotency  repositories.IdempotencyRepository
}

// NewRouter builds and returns the fully configured Chi router. Admin routes
// live under /v1 behind the JWT gate; the agent protocol lives under
// /v1/agent behind header auth plus idempotency replay.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(VersionCheck(cfg.APIVersion, versionSkipPaths))

	// --- Initialize handlers ---
	authHandler := NewAuthHandler(cfg.Auth, cfg.Logger)
	agentHandler := NewAgentHandler(cfg.Agents, cfg.Logger)
	exerciseHandler := NewExerciseHandler(cfg.Exercises, cfg.Agents, cfg.Tasks, cfg.Logger)
	taskHandler := NewTaskHandler(cfg.Tasks, cfg.Reservations, cfg.Logger)
	protoHandler := NewAgentProtocolHandler(cfg.Agents, cfg.Tasks, cfg.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {

		// --- Public routes ---
		r.Post("/auth/login", authHandler.Login)

		// --- Admin surface (valid JWT required) ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.Auth))

			// Agents
			r.Get("/agents", agentHandler.List)
			r.Post("/agents", agentHandler.Create)
			r.Get("/agents/{id}", agentHandler.GetByID)
			r.Put("/agents/{id}", agentHandler.Update)
			r.Post("/agents/{id}/disable", agentHandler.Disable)
			r.Post("/agents/{id}/enable", agentHandler.Enable)

			// Exercises
			r.Get("/exercises", exerciseHandler.List)
			r.Post("/exercises", exerciseHandler.Create)
			r.Get("/exercises/{id}", exerciseHandler.GetByID)
			r.Post("/exercises/{id}/tests", exerciseHandler.AddTest)
			r.Post("/exercises/{id}/start", exerciseHandler.Start)
			r.Post("/exercises/{id}/stop", exerciseHandler.Stop)
			r.Get("/exercises/{id}/results", exerciseHandler.Results)

			// Tasks
			r.Get("/tasks", taskHandler.List)
			r.Get("/tasks/ports/reservations", taskHandler.ListReservations)
			r.Get("/tasks/{id}", taskHandler.GetByID)
			r.Post("/tasks/{id}/cancel", taskHandler.Cancel)
		})

		// --- Agent protocol (header auth + idempotency replay) ---
		r.Route("/agent", func(r chi.Router) {
			r.Use(AgentAuth(cfg.Agents))
			r.Use(Idempotency(cfg.Idempotency, cfg.Logger))

			r.Post("/register", protoHandler.Register)
			r.Post("/heartbeat", protoHandler.Heartbeat)
			r.Post("/tasks/claim", protoHandler.Claim)
			r.Post("/tasks/{id}/started", protoHandler.Started)
			r.Post("/tasks/{id}/result", protoHandler.Result)
		})
	})

	return r
}
