package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Task types understood by agents. A Test produces one server task and one
// client task; stopping an exercise produces kill_all tasks.
const (
	TaskTypeServerStart = "iperf_server_start"
	TaskTypeClientRun   = "iperf_client_run"
	TaskTypeKillAll     = "kill_all"
)

// Task statuses. queued tasks are created with their Test but are not
// claimable until the owning exercise is started; the four terminal statuses
// are absorbing.
const (
	TaskStatusQueued    = "queued"
	TaskStatusPending   = "pending"
	TaskStatusAccepted  = "accepted"
	TaskStatusRunning   = "running"
	TaskStatusSucceeded = "succeeded"
	TaskStatusFailed    = "failed"
	TaskStatusCanceled  = "canceled"
	TaskStatusTimedOut  = "timed_out"
)

// TerminalTaskStatuses is the set of absorbing task statuses, in the order
// used by SQL IN clauses throughout the repositories and sweepers.
var TerminalTaskStatuses = []string{
	TaskStatusSucceeded,
	TaskStatusFailed,
	TaskStatusCanceled,
	TaskStatusTimedOut,
}

// IsTerminalTaskStatus reports whether status is absorbing.
func IsTerminalTaskStatus(status string) bool {
	switch status {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCanceled, TaskStatusTimedOut:
		return true
	}
	return false
}

// Agent statuses. Status is derived: the offline sweeper flips online agents
// whose last heartbeat is older than the liveness window.
const (
	AgentStatusOnline  = "online"
	AgentStatusOffline = "offline"
)

// AgentLivenessWindow is how long after its last heartbeat an agent is still
// considered online. Read-side status derivation and the offline sweeper
// both use it.
const AgentLivenessWindow = 15 * time.Second

// DeriveAgentStatus computes liveness from the last heartbeat at read time,
// so list and detail views do not lag behind the sweeper.
func DeriveAgentStatus(lastHeartbeat *time.Time, now time.Time) string {
	if lastHeartbeat == nil || now.Sub(*lastHeartbeat) > AgentLivenessWindow {
		return AgentStatusOffline
	}
	return AgentStatusOnline
}

// JSONMap is a map stored as a JSON text column. Used for task payloads and
// results so both sqlite and postgres see a plain string.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("db: marshal json column: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("db: unsupported json column type %T", value)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Agent is a remote worker host enrolled in the fleet. Rows are created
// administratively and never hard-deleted; Disabled causes the next
// agent-protocol call to be answered with the fatal signal so the agent
// retires itself.
type Agent struct {
	ID              uint   `gorm:"primaryKey"`
	Name            string `gorm:"uniqueIndex;not null"`
	RegistrationKey string `gorm:"not null"`
	Status          string `gorm:"not null;default:'offline'"` // "online", "offline"
	Disabled        bool   `gorm:"not null;default:false"`
	FirstRegistered time.Time
	LastHeartbeat   *time.Time
	IPAddress       string
	OperatingSystem string
}

// -----------------------------------------------------------------------------
// Exercises & Tests
// -----------------------------------------------------------------------------

// Exercise is a named batch of Tests with a shared default duration.
// Lifecycle: created -> started (StartedAt set) -> ended (EndedAt set,
// terminal). Starting is the single admission gate for the exercise's tasks.
type Exercise struct {
	ID              uint   `gorm:"primaryKey"`
	Name            string `gorm:"uniqueIndex;not null"`
	DurationSeconds int    `gorm:"not null;default:30"`
	CreatedAt       time.Time
	StartedAt       *time.Time
	EndedAt         *time.Time
	Notes           string `gorm:"type:text"`
}

// Test is one (server agent, client agent, port, params) tuple within an
// exercise. TimeSeconds defaults to the exercise duration when left nil at
// creation. The two task references are filled in by the same transaction
// that creates the tasks.
type Test struct {
	ID            uint `gorm:"primaryKey"`
	ExerciseID    uint `gorm:"not null;index"`
	ServerAgentID uint `gorm:"not null"`
	ClientAgentID uint `gorm:"not null"`
	ServerPort    int  `gorm:"not null"`
	UDP           bool `gorm:"not null;default:false"`
	Parallel      int  `gorm:"not null;default:1"` // 1-32
	TimeSeconds   int  `gorm:"not null"`
	ServerTaskID  *uint
	ClientTaskID  *uint
}

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

// Task is the per-agent unit of execution.
// Status machine: queued -> pending -> accepted -> running -> terminal.
type Task struct {
	ID         uint    `gorm:"primaryKey"`
	Type       string  `gorm:"not null"`
	AgentID    uint    `gorm:"not null;index"`
	Status     string  `gorm:"not null;default:'queued';index"`
	Payload    JSONMap `gorm:"type:text;not null"`
	Result     JSONMap `gorm:"type:text"`
	Error      string  `gorm:"type:text"`
	CreatedAt  time.Time
	AcceptedAt *time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// -----------------------------------------------------------------------------
// Port reservations
// -----------------------------------------------------------------------------

// PortReservation holds (agent, port) exclusivity while a server task is
// live. Released rows are retained for audit; uniqueness is enforced only
// over active rows by the partial unique index uq_agent_port_active
// (see migrations/0001_init.up.sql).
type PortReservation struct {
	ID         uint `gorm:"primaryKey"`
	AgentID    uint `gorm:"not null"`
	Port       int  `gorm:"not null"`
	TaskID     uint `gorm:"not null;index"`
	CreatedAt  time.Time
	ReleasedAt *time.Time
}

// -----------------------------------------------------------------------------
// Idempotency log
// -----------------------------------------------------------------------------

// IdempotencyLog caches one response per (key, endpoint) so mutating
// agent-protocol POSTs can be replayed safely after network loss.
type IdempotencyLog struct {
	ID        uint   `gorm:"primaryKey"`
	Key       string `gorm:"not null;index:uq_idem_key_endpoint,unique"`
	Endpoint  string `gorm:"not null;index:uq_idem_key_endpoint,unique"`
	Status    int    `gorm:"not null"`
	Response  string `gorm:"type:text;not null"`
	CreatedAt time.Time
}
