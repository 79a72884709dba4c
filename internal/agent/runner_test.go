package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jbhoorasingh/iperf-orchestrator/internal/agent/executor"
	"github.com/jbhoorasingh/iperf-orchestrator/internal/agent/transport"
)

// newTestRunner wires a Runner, its executor, and a transport client against
// an httptest manager. The working directory is moved into a temp dir so the
// executor's results/temp layout lands there.
func newTestRunner(t *testing.T, handler http.Handler) *Runner {
	t.Helper()
	t.Chdir(t.TempDir())

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := transport.New(transport.Config{
		ManagerURL: srv.URL,
		AgentName:  "runner-test",
		AgentKey:   "key",
		APIVersion: 1,
	}, zap.NewNop())
	t.Cleanup(client.Close)

	ex, err := executor.New(executor.Config{AgentName: "runner-test"}, client, zap.NewNop())
	require.NoError(t, err)

	return New(client, ex, zap.NewNop())
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func TestRunExitsOnFatalRegister(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/agent/register", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"error":"agent_not_found","message":"no such agent"}`)
	})

	r := newTestRunner(t, mux)
	err := r.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrFatal)
}

// A disabled agent registers fine and then gets the fatal signal on its next
// heartbeat; the loop must exit rather than keep retrying.
func TestRunExitsOnFatalHeartbeat(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/agent/register", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"agent_id":1,"status":"online"}`)
	})
	mux.HandleFunc("/v1/agent/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"error":"agent_not_found","message":"no such agent"}`)
	})

	r := newTestRunner(t, mux)
	err := r.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrFatal)
}

func TestRunExitsAfterConsecutiveHeartbeatFailures(t *testing.T) {
	var beats atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/agent/register", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"agent_id":1,"status":"online"}`)
	})
	mux.HandleFunc("/v1/agent/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		beats.Add(1)
		writeJSON(w, http.StatusInternalServerError, `{"error":"internal_error","message":"boom"}`)
	})

	r := newTestRunner(t, mux)
	r.interval = 10 * time.Millisecond

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, transport.ErrFatal)
	assert.Contains(t, err.Error(), "consecutive heartbeat failures")
	assert.Equal(t, int32(maxHeartbeatFailures), beats.Load())
}

// Full cycle against a fake manager: register, heartbeat with pull_tasks,
// claim a kill_all task, execute it, and post its result.
func TestRunClaimsAndReportsResult(t *testing.T) {
	var claimed atomic.Bool
	resultCh := make(chan map[string]any, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/agent/register", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"agent_id":1,"status":"online"}`)
	})
	mux.HandleFunc("/v1/agent/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"pull_tasks":true}`)
	})
	mux.HandleFunc("/v1/agent/tasks/claim", func(w http.ResponseWriter, r *http.Request) {
		if claimed.CompareAndSwap(false, true) {
			writeJSON(w, http.StatusOK,
				`{"task":{"id":42,"type":"kill_all","agent_id":1,"status":"accepted","payload":{}}}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"task":null}`)
	})
	mux.HandleFunc("/v1/agent/tasks/42/result", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		select {
		case resultCh <- body:
		default:
		}
		writeJSON(w, http.StatusOK, `{"id":42,"status":"succeeded"}`)
	})

	r := newTestRunner(t, mux)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(ctx) }()

	select {
	case body := <-resultCh:
		assert.Equal(t, "succeeded", body["status"])
		result, _ := body["result"].(map[string]any)
		assert.Equal(t, float64(0), result["killed"])
	case <-time.After(10 * time.Second):
		t.Fatal("no result posted")
	}

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
