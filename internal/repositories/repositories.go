// Package repositories provides the data access layer between the HTTP
// handlers / sweepers and the database. Each entity gets an interface here
// and a GORM-backed implementation in its own file. All multi-row mutations
// that must be atomic (adding a test, starting and stopping an exercise,
// claiming a task) run inside a single transaction in the repository, never
// in the caller.
package repositories

import (
	"context"
	"time"

	"github.com/jbhoorasingh/iperf-orchestrator/internal/db"
)

// TaskFilter narrows task list queries. Zero values mean "no filter".
type TaskFilter struct {
	AgentID uint
	Status  string
	Type    string
}

// -----------------------------------------------------------------------------
// AgentRepository
// -----------------------------------------------------------------------------

type AgentRepository interface {
	Create(ctx context.Context, agent *db.Agent) error
	GetByID(ctx context.Context, id uint) (*db.Agent, error)
	GetByName(ctx context.Context, name string) (*db.Agent, error)
	Update(ctx context.Context, agent *db.Agent) error
	SetDisabled(ctx context.Context, id uint, disabled bool) error
	List(ctx context.Context) ([]db.Agent, error)

	// MarkSeen records a successful register or heartbeat: status online,
	// last_heartbeat stamped, IP (and OS, when non-empty) refreshed.
	MarkSeen(ctx context.Context, id uint, at time.Time, ip, os string) error

	// StampFirstRegistered records the first successful registration time.
	// Later registrations leave the original value in place. Touches no
	// other column, so it composes with MarkSeen.
	StampFirstRegistered(ctx context.Context, id uint, at time.Time) error

	// MarkOfflineBefore flips online agents whose last heartbeat is older
	// than cutoff (or null) to offline. Returns the number of rows changed.
	MarkOfflineBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// ExerciseRepository
// -----------------------------------------------------------------------------

type ExerciseRepository interface {
	Create(ctx context.Context, exercise *db.Exercise) error
	GetByID(ctx context.Context, id uint) (*db.Exercise, error)
	List(ctx context.Context) ([]db.Exercise, error)
	ListTests(ctx context.Context, exerciseID uint) ([]db.Test, error)

	// AddTest atomically creates the two queued tasks, the server port
	// reservation, and the test row referencing all three. Returns
	// ErrConflict if the (agent, port) pair is already reserved or the
	// exercise already has a test on that server endpoint.
	AddTest(ctx context.Context, test *db.Test, serverTask, clientTask *db.Task) error

	// Start stamps started_at and admits every queued task of the
	// exercise's tests to pending, in one transaction. Returns
	// ErrInvalidState if the exercise was already started or ended.
	Start(ctx context.Context, id uint, now time.Time) error

	// Stop stamps ended_at, cancels the exercise's non-terminal tasks,
	// creates one pending kill_all task per involved agent, and releases
	// the exercise's live reservations. Stopping an already-ended exercise
	// is a no-op returning zero. Returns the number of kill_all tasks
	// created.
	Stop(ctx context.Context, id uint, now time.Time) (int, error)

	// ListRunning returns exercises with started_at set and ended_at null.
	ListRunning(ctx context.Context) ([]db.Exercise, error)

	// CountActiveTasks counts the exercise's test tasks that are not yet
	// terminal. Zero means the auto-ender may finish the exercise.
	CountActiveTasks(ctx context.Context, exerciseID uint) (int64, error)
}

// -----------------------------------------------------------------------------
// TaskRepository
// -----------------------------------------------------------------------------

type TaskRepository interface {
	GetByID(ctx context.Context, id uint) (*db.Task, error)
	List(ctx context.Context, filter TaskFilter) ([]db.Task, error)
	ListByIDs(ctx context.Context, ids []uint) ([]db.Task, error)

	// Claim atomically moves the agent's oldest pending task to accepted
	// and returns it. Returns (nil, nil) when the agent has nothing
	// pending. Two concurrent claims never return the same task.
	Claim(ctx context.Context, agentID uint, now time.Time) (*db.Task, error)

	// MarkStarted moves an accepted task to running, stamps started_at,
	// and merges the reported PID into the payload. Returns
	// ErrInvalidState if the task is not in accepted.
	MarkStarted(ctx context.Context, id uint, pid int, now time.Time) error

	// SubmitResult stores the agent-reported terminal status, result JSON
	// and error text, and stamps finished_at. Legal from running, accepted
	// and timed_out (late results overwrite a sweeper timeout). If the
	// task is a server task reaching a terminal status its port
	// reservation is released in the same transaction.
	SubmitResult(ctx context.Context, id uint, status string, result db.JSONMap, errMsg string, now time.Time) (*db.Task, error)

	// Cancel marks a non-terminal task canceled and stamps finished_at.
	// Returns ErrInvalidState if the task is already terminal.
	Cancel(ctx context.Context, id uint, now time.Time) error

	// TimeOutOverdue flips running client tasks whose started_at plus the
	// payload duration plus grace has passed to timed_out. Returns the
	// number of tasks flipped.
	TimeOutOverdue(ctx context.Context, now time.Time, grace time.Duration) (int, error)
}

// -----------------------------------------------------------------------------
// ReservationRepository
// -----------------------------------------------------------------------------

type ReservationRepository interface {
	List(ctx context.Context, activeOnly bool) ([]db.PortReservation, error)

	// ReleaseTerminal releases live reservations whose task has reached a
	// terminal status. Returns the number released.
	ReleaseTerminal(ctx context.Context, now time.Time) (int64, error)

	// ReleaseStale releases live reservations created before cutoff
	// regardless of task state. Returns the number released.
	ReleaseStale(ctx context.Context, cutoff, now time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// IdempotencyRepository
// -----------------------------------------------------------------------------

type IdempotencyRepository interface {
	// Get returns the cached response for (key, endpoint), or ErrNotFound.
	Get(ctx context.Context, key, endpoint string) (*db.IdempotencyLog, error)

	// Put stores a response for replay. A concurrent duplicate insert is
	// not an error; the first write wins.
	Put(ctx context.Context, entry *db.IdempotencyLog) error
}
