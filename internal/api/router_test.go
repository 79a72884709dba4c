package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jbhoorasingh/iperf-orchestrator/internal/auth"
	"github.com/jbhoorasingh/iperf-orchestrator/internal/db"
	"github.com/jbhoorasingh/iperf-orchestrator/internal/repositories"
)

const (
	testAdminUser = "admin"
	testAdminPass = "integration-secret"
)

// testServer wires the real router against an in-memory sqlite database, so
// the tests cover the full path from HTTP to SQL.
type testServer struct {
	*httptest.Server
	t     *testing.T
	token string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	authMgr, err := auth.NewManager("iperf-orchestrator-test", testAdminUser, testAdminPass)
	require.NoError(t, err)

	router := NewRouter(RouterConfig{
		Auth:         authMgr,
		Logger:       zap.NewNop(),
		APIVersion:   1,
		Agents:       repositories.NewAgentRepository(database),
		Exercises:    repositories.NewExerciseRepository(database),
		Tasks:        repositories.NewTaskRepository(database),
		Reservations: repositories.NewReservationRepository(database),
		Idempotency:  repositories.NewIdempotencyRepository(database),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	ts := &testServer{Server: srv, t: t}
	ts.token = ts.login()
	return ts
}

func (ts *testServer) login() string {
	ts.t.Helper()

	status, body := ts.request(http.MethodPost, "/v1/auth/login",
		map[string]any{"username": testAdminUser, "password": testAdminPass}, nil)
	require.Equal(ts.t, http.StatusOK, status)
	token, _ := body["access_token"].(string)
	require.NotEmpty(ts.t, token)
	return token
}

// request sends a JSON request with the X-API-Version header set and returns
// the status and decoded body. extra headers override defaults.
func (ts *testServer) request(method, path string, payload any, extra map[string]string) (int, map[string]any) {
	ts.t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(ts.t, err)
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, ts.URL+path, body)
	require.NoError(ts.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Version", "1")
	for k, v := range extra {
		if v == "" {
			req.Header.Del(k)
		} else {
			req.Header.Set(k, v)
		}
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(ts.t, err)

	decoded := map[string]any{}
	if len(raw) > 0 {
		require.NoError(ts.t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp.StatusCode, decoded
}

// admin sends an authenticated admin request.
func (ts *testServer) admin(method, path string, payload any) (int, map[string]any) {
	ts.t.Helper()
	return ts.request(method, path, payload, map[string]string{
		"Authorization": "Bearer " + ts.token,
	})
}

// agentCall sends an agent-protocol request with the given identity headers.
func (ts *testServer) agentCall(name, key, path string, payload any, idemKey string) (int, map[string]any) {
	ts.t.Helper()
	if payload == nil {
		payload = map[string]any{}
	}
	headers := map[string]string{
		"X-AGENT-NAME": name,
		"X-AGENT-KEY":  key,
	}
	if idemKey != "" {
		headers["Idempotency-Key"] = idemKey
	}
	return ts.request(http.MethodPost, path, payload, headers)
}

// createAgent enrolls an agent through the admin API and returns its ID and
// registration key.
func (ts *testServer) createAgent(name string) (uint, string) {
	ts.t.Helper()

	status, body := ts.admin(http.MethodPost, "/v1/agents", map[string]any{"name": name})
	require.Equal(ts.t, http.StatusCreated, status)
	id, _ := body["id"].(float64)
	key, _ := body["registration_key"].(string)
	require.NotZero(ts.t, id)
	require.NotEmpty(ts.t, key)
	return uint(id), key
}

// createExerciseWithTest creates an exercise with one test and returns the
// exercise ID.
func (ts *testServer) createExerciseWithTest(name string, serverID, clientID uint, port int) uint {
	ts.t.Helper()

	status, body := ts.admin(http.MethodPost, "/v1/exercises",
		map[string]any{"name": name, "duration_seconds": 10})
	require.Equal(ts.t, http.StatusCreated, status)
	exID, _ := body["id"].(float64)
	require.NotZero(ts.t, exID)

	status, _ = ts.admin(http.MethodPost, exercisePath(uint(exID), "tests"), map[string]any{
		"server_agent_id": serverID,
		"client_agent_id": clientID,
		"server_port":     port,
	})
	require.Equal(ts.t, http.StatusCreated, status)
	return uint(exID)
}

func agentPath(id uint, action string) string {
	return "/v1/agents/" + itoa(id) + "/" + action
}

func exercisePath(id uint, action string) string {
	return "/v1/exercises/" + itoa(id) + "/" + action
}

func taskPath(id uint, action string) string {
	if action == "" {
		return "/v1/tasks/" + itoa(id)
	}
	return "/v1/tasks/" + itoa(id) + "/" + action
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

func errKind(body map[string]any) string {
	kind, _ := body["error"].(string)
	return kind
}
