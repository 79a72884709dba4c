package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionGate(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	// Missing header.
	status, body := ts.request(http.MethodGet, "/v1/agents", nil,
		map[string]string{"X-API-Version": ""})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, KindMissingVersionHeader, errKind(body))

	// Not an integer.
	status, body = ts.request(http.MethodGet, "/v1/agents", nil,
		map[string]string{"X-API-Version": "one"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, KindInvalidVersionFormat, errKind(body))

	// Wrong version: 426 with the accepted range.
	status, body = ts.request(http.MethodGet, "/v1/agents", nil,
		map[string]string{"X-API-Version": "2"})
	assert.Equal(t, http.StatusUpgradeRequired, status)
	assert.Equal(t, KindUnsupportedVersion, errKind(body))
	details, _ := body["details"].(map[string]any)
	assert.Equal(t, float64(1), details["min"])
	assert.Equal(t, float64(1), details["max"])
}

func TestVersionGateSkipsProbes(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	// Health and login work without the header.
	status, body := ts.request(http.MethodGet, "/healthz", nil,
		map[string]string{"X-API-Version": ""})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	status, _ = ts.request(http.MethodPost, "/v1/auth/login",
		map[string]any{"username": testAdminUser, "password": testAdminPass},
		map[string]string{"X-API-Version": ""})
	assert.Equal(t, http.StatusOK, status)
}

func TestVersionEchoedOnResponses(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "1", resp.Header.Get("X-API-Version"))
}

func TestAdminAuthGate(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	// No token.
	status, body := ts.request(http.MethodGet, "/v1/agents", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, KindUnauthorized, errKind(body))

	// Garbage token.
	status, _ = ts.request(http.MethodGet, "/v1/agents", nil,
		map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, status)

	// Wrong scheme.
	status, _ = ts.request(http.MethodGet, "/v1/agents", nil,
		map[string]string{"Authorization": "Basic " + ts.token})
	assert.Equal(t, http.StatusUnauthorized, status)

	// Bad credentials at login.
	status, _ = ts.request(http.MethodPost, "/v1/auth/login",
		map[string]any{"username": testAdminUser, "password": "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAgentAuthGate(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	_, key := ts.createAgent("worker-1")

	// Missing headers.
	status, body := ts.request(http.MethodPost, "/v1/agent/heartbeat",
		map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, KindMissingAgentHeaders, errKind(body))

	// Unknown agent name: the fatal signal.
	status, body = ts.agentCall("ghost", key, "/v1/agent/heartbeat", nil, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, KindAgentNotFound, errKind(body))

	// Wrong key for a live agent.
	status, body = ts.agentCall("worker-1", "wrong-key", "/v1/agent/heartbeat", nil, "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, KindInvalidAgentKey, errKind(body))

	// Correct pair.
	status, body = ts.agentCall("worker-1", key, "/v1/agent/heartbeat", nil, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["pull_tasks"])
}

func TestDisabledAgentGetsFatalSignal(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	id, key := ts.createAgent("worker-1")

	status, _ := ts.agentCall("worker-1", key, "/v1/agent/register", nil, "")
	require.Equal(t, http.StatusOK, status)

	status, _ = ts.admin(http.MethodPost, agentPath(id, "disable"), nil)
	require.Equal(t, http.StatusOK, status)

	// Disabled answers the same as deleted.
	status, body := ts.agentCall("worker-1", key, "/v1/agent/heartbeat", nil, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, KindAgentNotFound, errKind(body))

	status, _ = ts.admin(http.MethodPost, agentPath(id, "enable"), nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = ts.agentCall("worker-1", key, "/v1/agent/heartbeat", nil, "")
	assert.Equal(t, http.StatusOK, status)
}

func TestIdempotencyReplay(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	id, key := ts.createAgent("worker-1")
	clientID, _ := ts.createAgent("client-1")

	// A claimable task.
	exID := ts.createExerciseWithTest("replay-exercise", id, clientID, 5201)
	status, _ := ts.admin(http.MethodPost, exercisePath(exID, "start"), nil)
	require.Equal(t, http.StatusOK, status)

	status, first := ts.agentCall("worker-1", key, "/v1/agent/tasks/claim", nil, "replay-key")
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, first["task"])

	// Same key replays the cached response instead of claiming again.
	status, second := ts.agentCall("worker-1", key, "/v1/agent/tasks/claim", nil, "replay-key")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, first, second)

	// A fresh key reaches the handler and finds the queue empty.
	status, third := ts.agentCall("worker-1", key, "/v1/agent/tasks/claim", nil, "other-key")
	require.Equal(t, http.StatusOK, status)
	assert.Nil(t, third["task"])
}
