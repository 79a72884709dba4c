package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jbhoorasingh/iperf-orchestrator/internal/agent/transport"
	"github.com/jbhoorasingh/iperf-orchestrator/internal/db"
)

func TestIsConnectionFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		output string
		want   bool
	}{
		{"iperf3: error - unable to connect to server: Connection refused", true},
		{"connect failed: No route to host", true},
		{"iperf3: error - unable to connect to server", true},
		{"iperf3: error - the server is busy running a test. try again later", false},
		{"iperf3: interrupt - the client has terminated", false},
		{"", false},
	}

	for _, test := range tests {
		assert.Equal(t, test.want, isConnectionFailure(test.output), "output: %q", test.output)
	}
}

func TestDecodeClientReport(t *testing.T) {
	t.Parallel()

	report, err := decodeClientReport([]byte(`{"end":{"sum_sent":{"bits_per_second":1}}}`))
	require.NoError(t, err)
	assert.Contains(t, report, "end")

	_, err = decodeClientReport([]byte("iperf3: error - garbled"))
	assert.Error(t, err)
}

func TestPayloadAccessors(t *testing.T) {
	t.Parallel()

	// Decoded JSON payloads carry numbers as float64.
	payload := map[string]any{
		"port": float64(5201),
		"udp":  true,
	}

	assert.Equal(t, 5201, payloadInt(payload, "port", 0))
	assert.Equal(t, 3, payloadInt(payload, "missing", 3))
	assert.True(t, payloadBool(payload, "udp"))
	assert.False(t, payloadBool(payload, "missing"))
}

// TestKillAllDuringClientRun terminates a live client child while its
// executor goroutine is still waiting on it. Both sides must come back:
// KillAll returns after the grace handling and the executor goroutine
// observes the exit and reports a result.
func TestKillAllDuringClientRun(t *testing.T) {
	t.Chdir(t.TempDir())

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := transport.New(transport.Config{
		ManagerURL: srv.URL,
		AgentName:  "exec-test",
		AgentKey:   "key",
		APIVersion: 1,
	}, zap.NewNop())
	defer client.Close()

	// A stand-in binary that runs until signaled.
	fakeIperf := filepath.Join(t.TempDir(), "iperf3")
	require.NoError(t, os.WriteFile(fakeIperf, []byte("#!/bin/sh\nexec sleep 60\n"), 0755))

	ex, err := New(Config{AgentName: "exec-test", IperfPath: fakeIperf}, client, zap.NewNop())
	require.NoError(t, err)

	execDone := make(chan struct{})
	go func() {
		defer close(execDone)
		ex.Execute(context.Background(), &transport.Task{
			ID:   7,
			Type: db.TaskTypeClientRun,
			Payload: map[string]any{
				"server_ip":            "192.0.2.1",
				"port":                 float64(5201),
				"client_delay_seconds": float64(0),
				"max_retries":          float64(1),
			},
		})
	}()

	require.Eventually(t, func() bool {
		return len(ex.Running()) == 1
	}, 5*time.Second, 10*time.Millisecond, "client child never appeared in the running table")

	killed := make(chan int, 1)
	go func() { killed <- ex.KillAll(context.Background()) }()

	select {
	case n := <-killed:
		assert.Equal(t, 1, n)
	case <-time.After(terminateGrace + 10*time.Second):
		t.Fatal("KillAll did not return")
	}

	select {
	case <-execDone:
	case <-time.After(10 * time.Second):
		t.Fatal("client executor goroutine did not observe the exit")
	}
	assert.Empty(t, ex.Running())
}

func TestSleepCtx(t *testing.T) {
	t.Parallel()

	assert.True(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleepCtx(ctx, time.Minute))
}
