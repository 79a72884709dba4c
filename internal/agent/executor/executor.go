// Package executor runs the agent's task types as local iperf3 subprocesses
// and keeps the table of live children. The table is the only state the
// agent holds between tasks: kill_all and graceful shutdown walk it to
// terminate children, and server children get their buffered stdout
// harvested into a result update on the way out.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jbhoorasingh/iperf-orchestrator/internal/agent/transport"
	"github.com/jbhoorasingh/iperf-orchestrator/internal/db"
	"github.com/jbhoorasingh/iperf-orchestrator/internal/iperf"
)

const (
	// terminateGrace is how long a child gets between SIGTERM and SIGKILL.
	terminateGrace = 5 * time.Second

	// captureBudget bounds the total time spent harvesting server stdout
	// during shutdown. The kill path never blocks longer than this on
	// result uploads.
	captureBudget = 10 * time.Second

	defaultClientDelay = 3
	defaultMaxRetries  = 3
	defaultRetryDelay  = 2
)

// connectionFailures are the iperf3 output substrings that mark a
// connection-phase failure, the only class of client error worth retrying.
var connectionFailures = []string{
	"Connection refused",
	"No route to host",
	"unable to connect",
}

// child is one live subprocess tracked in the running table. done is closed
// once cmd.Wait has returned, so the owning executor goroutine and the kill
// path can both observe the exit without racing for a single receive.
type child struct {
	taskID     uint
	kind       string
	port       int
	cmd        *exec.Cmd
	done       chan struct{}
	waitErr    error  // valid after done is closed
	stdoutPath string // server children only
}

// reap starts the goroutine that waits for the child and closes done.
func (c *child) reap(cleanup func()) {
	go func() {
		c.waitErr = c.cmd.Wait()
		if cleanup != nil {
			cleanup()
		}
		close(c.done)
	}()
}

// Config holds the executor's filesystem layout and binary path.
type Config struct {
	AgentName string
	IperfPath string // defaults to "iperf3"
}

// Executor supervises task subprocesses. Safe for concurrent use; every
// access to the running table goes through mu.
type Executor struct {
	cfg    Config
	client *transport.Client
	logger *zap.Logger

	mu    sync.Mutex
	procs map[uint]*child
}

// New creates an Executor and its results/temp directories.
func New(cfg Config, client *transport.Client, logger *zap.Logger) (*Executor, error) {
	if cfg.IperfPath == "" {
		cfg.IperfPath = "iperf3"
	}
	for _, dir := range []string{cfg.resultsDir(), cfg.tempDir()} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("executor: create %s: %w", dir, err)
		}
	}
	return &Executor{
		cfg:    cfg,
		client: client,
		logger: logger.Named("executor"),
		procs:  make(map[uint]*child),
	}, nil
}

func (c Config) resultsDir() string { return filepath.Join("results", c.AgentName) }
func (c Config) tempDir() string    { return filepath.Join("temp", c.AgentName) }

// Running snapshots the child table for the heartbeat body.
func (e *Executor) Running() []transport.RunningProcess {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]transport.RunningProcess, 0, len(e.procs))
	for _, p := range e.procs {
		out = append(out, transport.RunningProcess{
			Type: p.kind,
			Port: p.port,
			PID:  p.cmd.Process.Pid,
		})
	}
	return out
}

// Execute dispatches a claimed task to its executor. Unknown types are
// reported failed rather than crashing the loop.
func (e *Executor) Execute(ctx context.Context, task *transport.Task) {
	switch task.Type {
	case db.TaskTypeServerStart:
		e.executeServer(ctx, task)
	case db.TaskTypeClientRun:
		e.executeClient(ctx, task)
	case db.TaskTypeKillAll:
		e.executeKillAll(ctx, task)
	default:
		e.logger.Error("unknown task type",
			zap.Uint("task_id", task.ID), zap.String("type", task.Type))
		e.submit(ctx, task.ID, db.TaskStatusFailed, nil,
			fmt.Sprintf("unknown task type %q", task.Type), -1)
	}
}

// executeServer spawns iperf3 -s with stdout redirected to a temp file,
// registers the child, and reports success as soon as the process is alive.
// The stdout file is harvested by the kill path when the server goes down.
func (e *Executor) executeServer(ctx context.Context, task *transport.Task) {
	port := payloadInt(task.Payload, "port", 0)
	udp := payloadBool(task.Payload, "udp")
	if port == 0 {
		e.submit(ctx, task.ID, db.TaskStatusFailed, nil, "payload has no port", -1)
		return
	}

	stdoutPath := filepath.Join(e.cfg.tempDir(), fmt.Sprintf("server_task_%d.json", task.ID))
	stdout, err := os.Create(stdoutPath)
	if err != nil {
		e.submit(ctx, task.ID, db.TaskStatusFailed, nil,
			fmt.Sprintf("create stdout file: %v", err), -1)
		return
	}

	cmd := exec.Command(e.cfg.IperfPath, iperf.ServerArgs(port, udp)...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		stdout.Close()
		os.Remove(stdoutPath)
		e.submit(ctx, task.ID, db.TaskStatusFailed, nil,
			fmt.Sprintf("spawn iperf3 server: %v", err), -1)
		return
	}

	c := &child{
		taskID:     task.ID,
		kind:       db.TaskTypeServerStart,
		port:       port,
		cmd:        cmd,
		done:       make(chan struct{}),
		stdoutPath: stdoutPath,
	}
	c.reap(func() { stdout.Close() })

	e.mu.Lock()
	e.procs[task.ID] = c
	e.mu.Unlock()

	pid := cmd.Process.Pid
	e.logger.Info("server started",
		zap.Uint("task_id", task.ID), zap.Int("port", port), zap.Int("pid", pid))

	if err := e.client.Started(ctx, task.ID, pid); err != nil {
		e.logger.Warn("failed to report server started", zap.Error(err))
	}
	// The server is considered done once the process is alive; the client
	// side compensates for listen latency with its startup delay.
	e.submit(ctx, task.ID, db.TaskStatusSucceeded,
		map[string]any{"pid": pid, "port": port}, "", 0)
}

// executeClient runs iperf3 -c after the configured startup delay, retrying
// connection-phase failures with exponential backoff.
func (e *Executor) executeClient(ctx context.Context, task *transport.Task) {
	serverIP, _ := task.Payload["server_ip"].(string)
	port := payloadInt(task.Payload, "port", 0)
	parallel := payloadInt(task.Payload, "parallel", 1)
	seconds := payloadInt(task.Payload, "time", 10)
	udp := payloadBool(task.Payload, "udp")
	delay := payloadInt(task.Payload, "client_delay_seconds", defaultClientDelay)
	maxRetries := payloadInt(task.Payload, "max_retries", defaultMaxRetries)
	retryDelay := payloadInt(task.Payload, "retry_delay_seconds", defaultRetryDelay)

	if serverIP == "" || port == 0 {
		e.submit(ctx, task.ID, db.TaskStatusFailed, nil, "payload has no server_ip/port", -1)
		return
	}

	// Give the freshly spawned server a head start; there is no readiness
	// handshake in the protocol.
	if !sleepCtx(ctx, time.Duration(delay)*time.Second) {
		return
	}

	args := iperf.ClientArgs(serverIP, port, parallel, seconds, udp)
	started := false

	for attempt := 1; attempt <= maxRetries; attempt++ {
		var stdout, stderr bytes.Buffer
		cmd := exec.Command(e.cfg.IperfPath, args...)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Start(); err != nil {
			e.submit(ctx, task.ID, db.TaskStatusFailed, nil,
				fmt.Sprintf("spawn iperf3 client: %v", err), -1)
			return
		}

		c := &child{
			taskID: task.ID,
			kind:   db.TaskTypeClientRun,
			port:   port,
			cmd:    cmd,
			done:   make(chan struct{}),
		}
		c.reap(nil)

		e.mu.Lock()
		e.procs[task.ID] = c
		e.mu.Unlock()

		if !started {
			started = true
			if err := e.client.Started(ctx, task.ID, cmd.Process.Pid); err != nil {
				e.logger.Warn("failed to report client started", zap.Error(err))
			}
		}

		<-c.done
		waitErr := c.waitErr

		e.mu.Lock()
		delete(e.procs, task.ID)
		e.mu.Unlock()

		if waitErr == nil {
			report, err := decodeClientReport(stdout.Bytes())
			if err != nil {
				// Exit 0 with unparseable output is not a connection
				// problem; retrying would waste a full test duration.
				e.submit(ctx, task.ID, db.TaskStatusFailed, nil,
					fmt.Sprintf("parse iperf3 output: %v", err), 0)
				return
			}
			e.persistResult(task.ID, false, report)
			e.submit(ctx, task.ID, db.TaskStatusSucceeded, report, "", 0)
			return
		}

		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		combined := strings.TrimSpace(stderr.String() + "\n" + stdout.String())

		if attempt < maxRetries && isConnectionFailure(combined) {
			backoff := time.Duration(retryDelay) * time.Second << (attempt - 1)
			e.logger.Info("client connect failed, retrying",
				zap.Uint("task_id", task.ID),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff))
			if !sleepCtx(ctx, backoff) {
				return
			}
			continue
		}

		e.submit(ctx, task.ID, db.TaskStatusFailed, nil, combined, exitCode)
		return
	}
}

// executeKillAll terminates every tracked child, harvesting server stdout on
// the way, and reports the kill count.
func (e *Executor) executeKillAll(ctx context.Context, task *transport.Task) {
	killed := e.KillAll(ctx)
	e.submit(ctx, task.ID, db.TaskStatusSucceeded, map[string]any{"killed": killed}, "", 0)
}

// KillAll terminates all tracked children and clears the table. Server
// children get a best-effort result capture; capture problems never stop
// the sweep. Returns the number of children terminated. Also used by the
// shutdown path, where no kill_all task exists.
func (e *Executor) KillAll(ctx context.Context) int {
	e.mu.Lock()
	snapshot := make([]*child, 0, len(e.procs))
	for _, p := range e.procs {
		snapshot = append(snapshot, p)
	}
	e.procs = make(map[uint]*child)
	e.mu.Unlock()

	captureCtx, cancel := context.WithTimeout(ctx, captureBudget)
	defer cancel()

	for _, p := range snapshot {
		e.terminate(p)
		if p.kind == db.TaskTypeServerStart {
			e.harvestServer(captureCtx, p)
		}
	}

	if len(snapshot) > 0 {
		e.logger.Info("children terminated", zap.Int("count", len(snapshot)))
	}
	return len(snapshot)
}

// terminate sends SIGTERM and escalates to SIGKILL after the grace period.
func (e *Executor) terminate(p *child) {
	if p.cmd.Process == nil {
		return
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-p.done:
	case <-time.After(terminateGrace):
		_ = p.cmd.Process.Kill()
		<-p.done
	}
}

// harvestServer parses the server child's stdout file and posts the best
// report as a result update. Every step is best-effort: a dead server with
// unreadable output must not fail the kill path.
func (e *Executor) harvestServer(ctx context.Context, p *child) {
	f, err := os.Open(p.stdoutPath)
	if err != nil {
		e.logger.Warn("server stdout unreadable",
			zap.Uint("task_id", p.taskID), zap.Error(err))
		return
	}
	report, err := iperf.SelectReport(f)
	f.Close()
	if err != nil {
		e.logger.Warn("no report in server stdout",
			zap.Uint("task_id", p.taskID), zap.Error(err))
		return
	}

	e.persistResult(p.taskID, true, report)
	os.Remove(p.stdoutPath)

	if err := e.client.SubmitResult(ctx, p.taskID, db.TaskStatusSucceeded, report, "", 0); err != nil {
		e.logger.Warn("failed to post server capture",
			zap.Uint("task_id", p.taskID), zap.Error(err))
	}
}

// persistResult writes a captured report to the results directory.
func (e *Executor) persistResult(taskID uint, server bool, report map[string]any) {
	suffix := ""
	if server {
		suffix = "_server"
	}
	name := fmt.Sprintf("task_%d%s_%s.json", taskID, suffix, time.Now().Format("20060102_150405"))
	path := filepath.Join(e.cfg.resultsDir(), name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err == nil {
		err = os.WriteFile(path, data, 0640)
	}
	if err != nil {
		e.logger.Warn("failed to persist result file",
			zap.Uint("task_id", taskID), zap.Error(err))
	}
}

// submit posts a terminal status, logging instead of propagating failures;
// the manager's timeout sweeper covers a result that never arrives.
func (e *Executor) submit(ctx context.Context, taskID uint, status string, result map[string]any, stderr string, exitCode int) {
	if err := e.client.SubmitResult(ctx, taskID, status, result, stderr, exitCode); err != nil {
		e.logger.Error("failed to submit result",
			zap.Uint("task_id", taskID),
			zap.String("status", status),
			zap.Error(err))
	}
}

// decodeClientReport parses the client's single-object JSON stdout.
func decodeClientReport(raw []byte) (map[string]any, error) {
	var report map[string]any
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, err
	}
	return report, nil
}

// isConnectionFailure reports whether the combined output names a
// connection-phase failure worth retrying.
func isConnectionFailure(output string) bool {
	for _, marker := range connectionFailures {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}

// sleepCtx sleeps for d unless ctx is canceled first. Returns false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func payloadInt(payload map[string]any, key string, def int) int {
	if v, ok := payload[key].(float64); ok {
		return int(v)
	}
	return def
}

func payloadBool(payload map[string]any, key string) bool {
	v, _ := payload[key].(bool)
	return v
}
