// Package transport is the agent's HTTP client for the manager's agent
// protocol. It owns the protocol headers, per-call idempotency keys, and the
// classification of manager responses into fatal (the agent must exit) and
// transient (log and retry next tick).
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrFatal is returned when the manager answers 404 on an agent-protocol
// endpoint: the agent row is gone or disabled and the process must exit.
// Callers check it with errors.Is.
var ErrFatal = errors.New("manager signaled agent termination")

const requestTimeout = 30 * time.Second

// Config holds what is needed to talk to the manager.
type Config struct {
	ManagerURL string
	AgentName  string
	AgentKey   string
	APIVersion int
}

// Task is the wire representation of a claimed task.
type Task struct {
	ID      uint           `json:"id"`
	Type    string         `json:"type"`
	AgentID uint           `json:"agent_id"`
	Status  string         `json:"status"`
	Payload map[string]any `json:"payload"`
}

// RunningProcess describes one live child in the heartbeat body.
type RunningProcess struct {
	Type string `json:"type"`
	Port int    `json:"port"`
	PID  int    `json:"pid"`
}

// Client talks to the manager's agent protocol. Safe for concurrent use;
// task executors and the main loop share one instance.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New creates a Client. Call Close when the agent shuts down.
func New(cfg Config, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: requestTimeout},
		logger: logger.Named("transport"),
	}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// apiError mirrors the manager's error envelope.
type apiError struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

// post sends one JSON POST to path and decodes the response into out (when
// out is non-nil). Every call carries the agent headers and a fresh
// idempotency key; a 404 is mapped to ErrFatal, any other non-2xx status to
// a regular error carrying the envelope's kind.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("transport: marshal %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ManagerURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("transport: build %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-AGENT-NAME", c.cfg.AgentName)
	req.Header.Set("X-AGENT-KEY", c.cfg.AgentKey)
	req.Header.Set("X-API-Version", strconv.Itoa(c.cfg.APIVersion))
	req.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("transport: read %s: %w", path, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("transport: %s: %w", path, ErrFatal)
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("transport: %s: %s (%s)", path, apiErr.Error, apiErr.Message)
		}
		return fmt.Errorf("transport: %s: http %d", path, resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("transport: decode %s: %w", path, err)
		}
	}
	return nil
}

// Register announces the agent to the manager.
func (c *Client) Register(ctx context.Context, ipAddress, operatingSystem string) error {
	body := map[string]any{
		"ip_address":       ipAddress,
		"operating_system": operatingSystem,
	}
	return c.post(ctx, "/v1/agent/register", body, nil)
}

// Heartbeat reports liveness and the current child process table. Returns
// whether the manager wants the agent to pull tasks this cycle.
func (c *Client) Heartbeat(ctx context.Context, ipAddress string, running []RunningProcess) (bool, error) {
	if running == nil {
		running = []RunningProcess{}
	}
	body := map[string]any{
		"ip_address": ipAddress,
		"running":    running,
	}
	var resp struct {
		PullTasks bool `json:"pull_tasks"`
	}
	if err := c.post(ctx, "/v1/agent/heartbeat", body, &resp); err != nil {
		return false, err
	}
	return resp.PullTasks, nil
}

// Claim asks for the oldest pending task. Returns nil when the queue is empty.
func (c *Client) Claim(ctx context.Context) (*Task, error) {
	var resp struct {
		Task *Task `json:"task"`
	}
	if err := c.post(ctx, "/v1/agent/tasks/claim", map[string]any{}, &resp); err != nil {
		return nil, err
	}
	return resp.Task, nil
}

// Started reports that a claimed task's subprocess is running.
func (c *Client) Started(ctx context.Context, taskID uint, pid int) error {
	path := fmt.Sprintf("/v1/agent/tasks/%d/started", taskID)
	return c.post(ctx, path, map[string]any{"pid": pid}, nil)
}

// SubmitResult posts a task's terminal status and captured output.
func (c *Client) SubmitResult(ctx context.Context, taskID uint, status string, result map[string]any, stderr string, exitCode int) error {
	path := fmt.Sprintf("/v1/agent/tasks/%d/result", taskID)
	body := map[string]any{
		"status":    status,
		"result":    result,
		"stderr":    stderr,
		"exit_code": exitCode,
	}
	return c.post(ctx, path, body, nil)
}
