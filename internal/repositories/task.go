package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jbhoorasingh/iperf-orchestrator/internal/db"
)

// resultableStatuses are the statuses a result submission is accepted from.
// timed_out is included so a late agent result overwrites a sweeper timeout
// instead of being lost.
var resultableStatuses = []string{
	db.TaskStatusRunning,
	db.TaskStatusAccepted,
	db.TaskStatusTimedOut,
}

// gormTaskRepository is the GORM implementation of TaskRepository.
type gormTaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository returns a TaskRepository backed by the provided *gorm.DB.
func NewTaskRepository(db *gorm.DB) TaskRepository {
	return &gormTaskRepository{db: db}
}

// GetByID retrieves a task by ID. Returns ErrNotFound if no record exists.
func (r *gormTaskRepository) GetByID(ctx context.Context, id uint) (*db.Task, error) {
	var task db.Task
	err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tasks: get by id: %w", err)
	}
	return &task, nil
}

// List returns tasks matching the filter, newest first.
func (r *gormTaskRepository) List(ctx context.Context, filter TaskFilter) ([]db.Task, error) {
	q := r.db.WithContext(ctx).Model(&db.Task{})
	if filter.AgentID != 0 {
		q = q.Where("agent_id = ?", filter.AgentID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}

	var tasks []db.Task
	if err := q.Order("created_at DESC, id DESC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("tasks: list: %w", err)
	}
	return tasks, nil
}

// ListByIDs returns the tasks with the given IDs, in ID order.
func (r *gormTaskRepository) ListByIDs(ctx context.Context, ids []uint) ([]db.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var tasks []db.Task
	if err := r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("tasks: list by ids: %w", err)
	}
	return tasks, nil
}

// Claim moves the agent's oldest pending task to accepted in a single
// guarded UPDATE with a RETURNING clause, so two concurrent claims can never
// win the same row: on sqlite the single writer connection serializes them,
// on postgres the second UPDATE re-evaluates the status predicate after the
// first commits and matches nothing.
func (r *gormTaskRepository) Claim(ctx context.Context, agentID uint, now time.Time) (*db.Task, error) {
	var claimed []uint
	err := r.db.WithContext(ctx).Raw(`
UPDATE tasks SET status = ?, accepted_at = ?
WHERE id = (
	SELECT id FROM tasks
	WHERE agent_id = ? AND status = ?
	ORDER BY created_at ASC, id ASC
	LIMIT 1
) AND status = ?
RETURNING id`,
		db.TaskStatusAccepted, now,
		agentID, db.TaskStatusPending,
		db.TaskStatusPending,
	).Scan(&claimed).Error
	if err != nil {
		return nil, fmt.Errorf("tasks: claim: %w", err)
	}
	if len(claimed) == 0 {
		return nil, nil
	}
	return r.GetByID(ctx, claimed[0])
}

// MarkStarted moves an accepted task to running and merges the agent's PID
// into the payload.
func (r *gormTaskRepository) MarkStarted(ctx context.Context, id uint, pid int, now time.Time) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task db.Task
		if err := tx.First(&task, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("load: %w", err)
		}
		if task.Status != db.TaskStatusAccepted {
			return ErrInvalidState
		}

		payload := task.Payload
		if payload == nil {
			payload = db.JSONMap{}
		}
		if pid > 0 {
			payload["pid"] = pid
		}

		result := tx.Model(&db.Task{}).
			Where("id = ? AND status = ?", id, db.TaskStatusAccepted).
			Updates(map[string]interface{}{
				"status":     db.TaskStatusRunning,
				"started_at": now,
				"payload":    payload,
			})
		if result.Error != nil {
			return fmt.Errorf("update: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrInvalidState
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidState) {
			return err
		}
		return fmt.Errorf("tasks: mark started: %w", err)
	}
	return nil
}

// SubmitResult stores an agent-reported terminal status. Server tasks
// reaching a terminal status release their port reservation in the same
// transaction so the (agent, port) pair becomes reusable immediately.
func (r *gormTaskRepository) SubmitResult(ctx context.Context, id uint, status string, result db.JSONMap, errMsg string, now time.Time) (*db.Task, error) {
	if !db.IsTerminalTaskStatus(status) {
		return nil, ErrInvalidState
	}

	var task db.Task
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&task, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("load: %w", err)
		}

		accepted := resultableStatuses
		if task.Type == db.TaskTypeServerStart {
			// Server tasks report succeeded at spawn and post the harvested
			// stdout as a result update when the process is killed, so the
			// overwrite from succeeded is allowed for them.
			accepted = append([]string{db.TaskStatusSucceeded}, resultableStatuses...)
		}
		legal := false
		for _, s := range accepted {
			if task.Status == s {
				legal = true
				break
			}
		}
		if !legal {
			return ErrInvalidState
		}

		res := tx.Model(&db.Task{}).
			Where("id = ? AND status IN ?", id, accepted).
			Updates(map[string]interface{}{
				"status":      status,
				"result":      result,
				"error":       errMsg,
				"finished_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("update: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrInvalidState
		}

		if task.Type == db.TaskTypeServerStart {
			if err := tx.Model(&db.PortReservation{}).
				Where("task_id = ? AND released_at IS NULL", id).
				Update("released_at", now).Error; err != nil {
				return fmt.Errorf("release reservation: %w", err)
			}
		}

		task.Status = status
		task.Result = result
		task.Error = errMsg
		task.FinishedAt = &now
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidState) {
			return nil, err
		}
		return nil, fmt.Errorf("tasks: submit result: %w", err)
	}
	return &task, nil
}

// Cancel marks a non-terminal task canceled. The guarded update keeps a
// concurrent agent result from being overwritten after the fact.
func (r *gormTaskRepository) Cancel(ctx context.Context, id uint, now time.Time) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task db.Task
		if err := tx.First(&task, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("load: %w", err)
		}
		if db.IsTerminalTaskStatus(task.Status) {
			return ErrInvalidState
		}

		result := tx.Model(&db.Task{}).
			Where("id = ? AND status NOT IN ?", id, db.TerminalTaskStatuses).
			Updates(map[string]interface{}{
				"status":      db.TaskStatusCanceled,
				"finished_at": now,
			})
		if result.Error != nil {
			return fmt.Errorf("update: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrInvalidState
		}

		if task.Type == db.TaskTypeServerStart {
			if err := tx.Model(&db.PortReservation{}).
				Where("task_id = ? AND released_at IS NULL", id).
				Update("released_at", now).Error; err != nil {
				return fmt.Errorf("release reservation: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidState) {
			return err
		}
		return fmt.Errorf("tasks: cancel: %w", err)
	}
	return nil
}

// TimeOutOverdue flips running client tasks whose deadline has passed. The
// deadline is started_at plus the payload's duration plus grace; the
// duration lives inside the JSON payload, so candidates are loaded and
// checked in Go and each flip is guarded on status so a task that finished
// in the meantime is left alone.
func (r *gormTaskRepository) TimeOutOverdue(ctx context.Context, now time.Time, grace time.Duration) (int, error) {
	var candidates []db.Task
	if err := r.db.WithContext(ctx).
		Where("type = ? AND status = ? AND started_at IS NOT NULL", db.TaskTypeClientRun, db.TaskStatusRunning).
		Find(&candidates).Error; err != nil {
		return 0, fmt.Errorf("tasks: timeout scan: %w", err)
	}

	flipped := 0
	for _, task := range candidates {
		seconds, ok := task.Payload["time"].(float64)
		if !ok {
			continue
		}
		deadline := task.StartedAt.Add(time.Duration(seconds)*time.Second + grace)
		if now.Before(deadline) {
			continue
		}

		result := r.db.WithContext(ctx).
			Model(&db.Task{}).
			Where("id = ? AND status = ?", task.ID, db.TaskStatusRunning).
			Updates(map[string]interface{}{
				"status":      db.TaskStatusTimedOut,
				"finished_at": now,
			})
		if result.Error != nil {
			return flipped, fmt.Errorf("tasks: timeout flip %d: %w", task.ID, result.Error)
		}
		flipped += int(result.RowsAffected)
	}
	return flipped, nil
}
