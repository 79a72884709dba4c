package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/jbhoorasingh/iperf-orchestrator/internal/auth"
)

// AuthHandler serves the operator login endpoint.
type AuthHandler struct {
	auth   *auth.Manager
	logger *zap.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(authMgr *auth.Manager, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		auth:   authMgr,
		logger: logger.Named("auth_handler"),
	}
}

// loginRequest is the JSON body expected by POST /v1/auth/login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loginResponse carries the issued bearer token.
type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Login handles POST /v1/auth/login.
// Checks the configured operator credentials and issues a bearer token.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		Err(w, http.StatusBadRequest, KindValidationError, "username and password are required", nil)
		return
	}

	if err := h.auth.CheckCredentials(req.Username, req.Password); err != nil {
		h.logger.Warn("login rejected", zap.String("username", req.Username))
		ErrUnauthorized(w)
		return
	}

	token, err := h.auth.GenerateAccessToken(req.Username)
	if err != nil {
		h.logger.Error("failed to sign token", zap.Error(err))
		ErrInternal(w)
		return
	}

	JSON(w, http.StatusOK, loginResponse{AccessToken: token, TokenType: "bearer"})
}
