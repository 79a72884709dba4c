package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentCreateAndDuplicate(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	status, body := ts.admin(http.MethodPost, "/v1/agents", map[string]any{"name": "worker-1"})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "worker-1", body["name"])
	assert.Equal(t, "offline", body["status"])
	assert.NotEmpty(t, body["registration_key"])

	status, body = ts.admin(http.MethodPost, "/v1/agents", map[string]any{"name": "worker-1"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, KindDuplicateAgentName, errKind(body))

	status, body = ts.admin(http.MethodPost, "/v1/agents", map[string]any{"name": ""})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, KindValidationError, errKind(body))
}

func TestAgentListDerivedStatusFilter(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	_, key := ts.createAgent("alive")
	ts.createAgent("silent")

	// A heartbeat makes the derived status online; the silent agent has
	// never checked in and lists as offline.
	status, _ := ts.agentCall("alive", key, "/v1/agent/heartbeat", nil, "")
	require.Equal(t, http.StatusOK, status)

	status, body := ts.admin(http.MethodGet, "/v1/agents?status=online", nil)
	require.Equal(t, http.StatusOK, status)
	items, _ := body["items"].([]any)
	require.Len(t, items, 1)
	first, _ := items[0].(map[string]any)
	assert.Equal(t, "alive", first["name"])

	status, body = ts.admin(http.MethodGet, "/v1/agents?status=offline", nil)
	require.Equal(t, http.StatusOK, status)
	items, _ = body["items"].([]any)
	require.Len(t, items, 1)
	first, _ = items[0].(map[string]any)
	assert.Equal(t, "silent", first["name"])
}

func TestAgentGetUpdate(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	id, _ := ts.createAgent("worker-1")

	status, body := ts.admin(http.MethodGet, "/v1/agents/"+itoa(id), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "worker-1", body["name"])
	// The key is only shown at creation time.
	_, present := body["registration_key"]
	assert.False(t, present)

	status, body = ts.admin(http.MethodPut, "/v1/agents/"+itoa(id),
		map[string]any{"name": "worker-renamed"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "worker-renamed", body["name"])

	status, body = ts.admin(http.MethodGet, "/v1/agents/99999", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, KindAgentNotFound, errKind(body))

	status, body = ts.admin(http.MethodGet, "/v1/agents/not-a-number", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, KindAgentNotFound, errKind(body))
}

func TestAgentRegisterRecordsIdentity(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	id, key := ts.createAgent("worker-1")

	status, body := ts.agentCall("worker-1", key, "/v1/agent/register", map[string]any{
		"ip_address":       "10.1.2.3",
		"operating_system": "Ubuntu 24.04",
	}, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "online", body["status"])

	status, body = ts.admin(http.MethodGet, "/v1/agents/"+itoa(id), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "online", body["status"])
	assert.Equal(t, "10.1.2.3", body["ip_address"])
	assert.Equal(t, "Ubuntu 24.04", body["operating_system"])
	assert.NotNil(t, body["first_registered"])
	assert.NotNil(t, body["last_heartbeat"])
	firstRegistered := body["first_registered"]

	// Re-registering refreshes identity but keeps the original stamp.
	status, _ = ts.agentCall("worker-1", key, "/v1/agent/register", map[string]any{
		"ip_address":       "10.1.2.4",
		"operating_system": "Ubuntu 24.04",
	}, "")
	require.Equal(t, http.StatusOK, status)

	status, body = ts.admin(http.MethodGet, "/v1/agents/"+itoa(id), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "online", body["status"])
	assert.Equal(t, "10.1.2.4", body["ip_address"])
	assert.Equal(t, firstRegistered, body["first_registered"])
}
