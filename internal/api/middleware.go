package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/jbhoorasingh/iperf-orchestrator/internal/auth"
	"github.com/jbhoorasingh/iperf-orchestrator/internal/db"
	"github.com/jbhoorasingh/iperf-orchestrator/internal/repositories"
)

// Agent protocol headers.
const (
	headerAgentName      = "X-AGENT-NAME"
	headerAgentKey       = "X-AGENT-KEY"
	headerAPIVersion     = "X-API-Version"
	headerIdempotencyKey = "Idempotency-Key"
)

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const (
	// contextKeyClaims holds the *auth.Claims of an authenticated operator.
	contextKeyClaims contextKey = iota
	// contextKeyAgent holds the *db.Agent authenticated by AgentAuth.
	contextKeyAgent
)

// Authenticate validates the JWT bearer token in the Authorization header.
// On success the parsed claims are stored in the request context; on failure
// it writes a 401 and stops the chain.
func Authenticate(authMgr *auth.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				ErrUnauthorized(w)
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				ErrUnauthorized(w)
				return
			}

			claims, err := authMgr.ValidateAccessToken(parts[1])
			if err != nil {
				ErrUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// claimsFromCtx retrieves the claims stored by Authenticate, or nil.
func claimsFromCtx(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(contextKeyClaims).(*auth.Claims)
	return claims
}

// RequestLogger logs each request with method, path, status and latency
// through the provided zap logger. Chi's middleware.RequestID is expected to
// run earlier in the chain.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// VersionCheck enforces the X-API-Version equality gate on every route
// except the paths in skip. The server's version is echoed on every response
// so clients can discover it without a failing probe. Mismatches answer 426
// with the accepted range in details; a missing or non-integer header is a
// 400 with its own kind so agents can tell misconfiguration from staleness.
func VersionCheck(version int, skip []string) func(http.Handler) http.Handler {
	skipSet := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipSet[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(headerAPIVersion, strconv.Itoa(version))

			if _, ok := skipSet[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			raw := r.Header.Get(headerAPIVersion)
			if raw == "" {
				Err(w, http.StatusBadRequest, KindMissingVersionHeader,
					"X-API-Version header is required", nil)
				return
			}
			got, err := strconv.Atoi(raw)
			if err != nil {
				Err(w, http.StatusBadRequest, KindInvalidVersionFormat,
					"X-API-Version must be an integer", nil)
				return
			}
			if got != version {
				Err(w, http.StatusUpgradeRequired, KindUnsupportedVersion,
					"client API version is not supported", map[string]any{
						"min": version,
						"max": version,
					})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AgentAuth authenticates agent-protocol requests from the X-AGENT-NAME and
// X-AGENT-KEY headers. An unknown or disabled agent is answered with 404
// agent_not_found, which the agent runtime treats as the fatal signal and
// exits on; a wrong key for a live agent is a plain 401.
func AgentAuth(agents repositories.AgentRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name := r.Header.Get(headerAgentName)
			key := r.Header.Get(headerAgentKey)
			if name == "" || key == "" {
				Err(w, http.StatusBadRequest, KindMissingAgentHeaders,
					"X-AGENT-NAME and X-AGENT-KEY headers are required", nil)
				return
			}

			agent, err := agents.GetByName(r.Context(), name)
			if err != nil {
				if errors.Is(err, repositories.ErrNotFound) {
					Err(w, http.StatusNotFound, KindAgentNotFound,
						"agent is not enrolled", nil)
					return
				}
				ErrInternal(w)
				return
			}
			if agent.Disabled {
				// Same answer as a deleted row: the fatal signal.
				Err(w, http.StatusNotFound, KindAgentNotFound,
					"agent is not enrolled", nil)
				return
			}
			if agent.RegistrationKey != key {
				Err(w, http.StatusUnauthorized, KindInvalidAgentKey,
					"registration key does not match", nil)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyAgent, agent)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// agentFromCtx retrieves the agent stored by AgentAuth, or nil.
func agentFromCtx(ctx context.Context) *db.Agent {
	agent, _ := ctx.Value(contextKeyAgent).(*db.Agent)
	return agent
}

// recordingWriter buffers the response so Idempotency can cache it.
type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *recordingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// Idempotency replays cached responses for mutating agent-protocol POSTs.
// The cache key is (Idempotency-Key header, route path); requests without
// the header pass through untouched. Only responses below 500 are cached so
// an agent retrying after a transient server error gets a fresh attempt.
func Idempotency(idem repositories.IdempotencyRepository, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(headerIdempotencyKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			endpoint := r.URL.Path

			if entry, err := idem.Get(r.Context(), key, endpoint); err == nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(entry.Status)
				_, _ = w.Write([]byte(entry.Response))
				return
			} else if !errors.Is(err, repositories.ErrNotFound) {
				logger.Warn("idempotency lookup failed", zap.Error(err))
			}

			rec := &recordingWriter{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			if rec.status >= http.StatusInternalServerError {
				return
			}
			err := idem.Put(r.Context(), &db.IdempotencyLog{
				Key:      key,
				Endpoint: endpoint,
				Status:   rec.status,
				Response: rec.body.String(),
			})
			if err != nil {
				logger.Warn("idempotency store failed", zap.Error(err))
			}
		})
	}
}
