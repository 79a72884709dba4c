// Package api implements the HTTP REST layer of the manager. It uses Chi as
// the router and exposes the admin surface and the agent protocol under /v1.
// Admin routes are gated by a JWT bearer token; agent-protocol routes
// authenticate with the X-AGENT-NAME / X-AGENT-KEY header pair. Both sides
// pass through the X-API-Version equality gate.
package api

import (
	"encoding/json"
	"net/http"
)

// Stable machine-readable error kinds. These are wire identifiers consumed
// by operators and agents; renaming one is a protocol change.
const (
	KindMissingAgentHeaders     = "missing_agent_headers"
	KindInvalidAgentKey         = "invalid_agent_key"
	KindAgentNotFound           = "agent_not_found"
	KindDuplicateAgentName      = "duplicate_agent_name"
	KindDuplicateExerciseName   = "duplicate_exercise_name"
	KindExerciseNotFound        = "exercise_not_found"
	KindTaskNotFound            = "task_not_found"
	KindInvalidTaskState        = "invalid_task_state"
	KindTaskAlreadyTerminal     = "task_already_terminal"
	KindPortReservationConflict = "port_reservation_conflict"
	KindMissingVersionHeader    = "missing_version_header"
	KindUnsupportedVersion      = "unsupported_version"
	KindInvalidVersionFormat    = "invalid_version_format"
	KindClaimFailed             = "claim_failed"
	KindValidationError         = "validation_error"
	KindUnauthorized            = "unauthorized"
	KindInternalError           = "internal_error"
)

// errorBody is the error envelope:
//
//	{"error": "<kind>", "message": "<human>", "details": {...}}
type errorBody struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Err writes an error envelope with the given status, kind and message.
// details may be nil, in which case an empty object is sent.
func Err(w http.ResponseWriter, status int, kind, message string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	JSON(w, status, errorBody{Error: kind, Message: message, Details: details})
}

// ErrUnauthorized writes a 401 error envelope.
func ErrUnauthorized(w http.ResponseWriter) {
	Err(w, http.StatusUnauthorized, KindUnauthorized, "authentication required", nil)
}

// ErrInternal writes a 500 error envelope. The internal error detail is
// intentionally not exposed to the client.
func ErrInternal(w http.ResponseWriter) {
	Err(w, http.StatusInternalServerError, KindInternalError, "an internal error occurred", nil)
}

// decodeJSON decodes the request body into dst. Returns false and writes a
// validation error response if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		Err(w, http.StatusBadRequest, KindValidationError, "invalid request body: "+err.Error(), nil)
		return false
	}
	return true
}
