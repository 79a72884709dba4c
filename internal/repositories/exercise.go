package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jbhoorasingh/iperf-orchestrator/internal/db"
)

// testTaskIDs is the subquery selecting both task IDs of an exercise's tests.
// Used by Start, Stop and CountActiveTasks; tasks carry no exercise column so
// membership is resolved through the tests table.
const testTaskIDs = `SELECT server_task_id FROM tests WHERE exercise_id = ?
UNION SELECT client_task_id FROM tests WHERE exercise_id = ?`

// gormExerciseRepository is the GORM implementation of ExerciseRepository.
type gormExerciseRepository struct {
	db *gorm.DB
}

// NewExerciseRepository returns an ExerciseRepository backed by the provided *gorm.DB.
func NewExerciseRepository(db *gorm.DB) ExerciseRepository {
	return &gormExerciseRepository{db: db}
}

// Create inserts a new exercise. Returns ErrConflict on a duplicate name.
func (r *gormExerciseRepository) Create(ctx context.Context, exercise *db.Exercise) error {
	if err := r.db.WithContext(ctx).Create(exercise).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("exercises: create: %w", err)
	}
	return nil
}

// GetByID retrieves an exercise by ID. Returns ErrNotFound if no record exists.
func (r *gormExerciseRepository) GetByID(ctx context.Context, id uint) (*db.Exercise, error) {
	var exercise db.Exercise
	err := r.db.WithContext(ctx).First(&exercise, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("exercises: get by id: %w", err)
	}
	return &exercise, nil
}

// List returns all exercises, most recent first.
func (r *gormExerciseRepository) List(ctx context.Context) ([]db.Exercise, error) {
	var exercises []db.Exercise
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&exercises).Error; err != nil {
		return nil, fmt.Errorf("exercises: list: %w", err)
	}
	return exercises, nil
}

// ListTests returns the exercise's tests in creation order.
func (r *gormExerciseRepository) ListTests(ctx context.Context, exerciseID uint) ([]db.Test, error) {
	var tests []db.Test
	if err := r.db.WithContext(ctx).
		Where("exercise_id = ?", exerciseID).
		Order("id ASC").
		Find(&tests).Error; err != nil {
		return nil, fmt.Errorf("exercises: list tests: %w", err)
	}
	return tests, nil
}

// AddTest creates the server task, client task, port reservation and test
// row in one transaction. The partial unique index on live reservations is
// what detects a port collision; a rollback removes the tasks again.
func (r *gormExerciseRepository) AddTest(ctx context.Context, test *db.Test, serverTask, clientTask *db.Task) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(serverTask).Error; err != nil {
			return fmt.Errorf("create server task: %w", err)
		}
		if err := tx.Create(clientTask).Error; err != nil {
			return fmt.Errorf("create client task: %w", err)
		}

		reservation := &db.PortReservation{
			AgentID: test.ServerAgentID,
			Port:    test.ServerPort,
			TaskID:  serverTask.ID,
		}
		if err := tx.Create(reservation).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("create reservation: %w", err)
		}

		test.ServerTaskID = &serverTask.ID
		test.ClientTaskID = &clientTask.ID
		if err := tx.Create(test).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("create test: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return ErrConflict
		}
		return fmt.Errorf("exercises: add test: %w", err)
	}
	return nil
}

// Start stamps started_at and admits the exercise's queued tasks to pending.
// The guarded update makes a concurrent double start lose with
// ErrInvalidState rather than admitting tasks twice.
func (r *gormExerciseRepository) Start(ctx context.Context, id uint, now time.Time) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var exercise db.Exercise
		if err := tx.First(&exercise, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("load: %w", err)
		}

		result := tx.Model(&db.Exercise{}).
			Where("id = ? AND started_at IS NULL AND ended_at IS NULL", id).
			Update("started_at", now)
		if result.Error != nil {
			return fmt.Errorf("stamp started: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrInvalidState
		}

		if err := tx.Model(&db.Task{}).
			Where("status = ?", db.TaskStatusQueued).
			Where("id IN ("+testTaskIDs+")", id, id).
			Update("status", db.TaskStatusPending).Error; err != nil {
			return fmt.Errorf("admit tasks: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidState) {
			return err
		}
		return fmt.Errorf("exercises: start: %w", err)
	}
	return nil
}

// Stop ends the exercise: ended_at stamped, non-terminal test tasks
// canceled, one pending kill_all task per involved agent, live reservations
// released. Stopping an already-ended exercise does nothing and returns
// zero, so a repeated stop never emits extra kill_all tasks. The auto-ender
// sweeper uses the same path once all test tasks are terminal.
func (r *gormExerciseRepository) Stop(ctx context.Context, id uint, now time.Time) (int, error) {
	killCount := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var exercise db.Exercise
		if err := tx.First(&exercise, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("load: %w", err)
		}
		if exercise.EndedAt != nil {
			return nil
		}

		result := tx.Model(&db.Exercise{}).
			Where("id = ? AND ended_at IS NULL", id).
			Update("ended_at", now)
		if result.Error != nil {
			return fmt.Errorf("stamp ended: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			// Lost a race with another stop; nothing left to do.
			return nil
		}

		if err := tx.Model(&db.Task{}).
			Where("status NOT IN ?", db.TerminalTaskStatuses).
			Where("id IN ("+testTaskIDs+")", id, id).
			Updates(map[string]interface{}{
				"status":      db.TaskStatusCanceled,
				"finished_at": now,
			}).Error; err != nil {
			return fmt.Errorf("cancel tasks: %w", err)
		}

		var agentIDs []uint
		if err := tx.Raw(`SELECT server_agent_id FROM tests WHERE exercise_id = ?
UNION SELECT client_agent_id FROM tests WHERE exercise_id = ?`, id, id).
			Scan(&agentIDs).Error; err != nil {
			return fmt.Errorf("involved agents: %w", err)
		}
		for _, agentID := range agentIDs {
			task := &db.Task{
				Type:    db.TaskTypeKillAll,
				AgentID: agentID,
				Status:  db.TaskStatusPending,
				Payload: db.JSONMap{},
			}
			if err := tx.Create(task).Error; err != nil {
				return fmt.Errorf("create kill_all for agent %d: %w", agentID, err)
			}
			killCount++
		}

		if err := tx.Model(&db.PortReservation{}).
			Where("released_at IS NULL").
			Where("task_id IN (SELECT server_task_id FROM tests WHERE exercise_id = ?)", id).
			Update("released_at", now).Error; err != nil {
			return fmt.Errorf("release reservations: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("exercises: stop: %w", err)
	}
	return killCount, nil
}

// ListRunning returns exercises that are started but not yet ended. Consumed
// by the auto-ender sweeper.
func (r *gormExerciseRepository) ListRunning(ctx context.Context) ([]db.Exercise, error) {
	var exercises []db.Exercise
	if err := r.db.WithContext(ctx).
		Where("started_at IS NOT NULL AND ended_at IS NULL").
		Find(&exercises).Error; err != nil {
		return nil, fmt.Errorf("exercises: list running: %w", err)
	}
	return exercises, nil
}

// CountActiveTasks counts the exercise's test tasks that are not terminal.
func (r *gormExerciseRepository) CountActiveTasks(ctx context.Context, exerciseID uint) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("status NOT IN ?", db.TerminalTaskStatuses).
		Where("id IN ("+testTaskIDs+")", exerciseID, exerciseID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("exercises: count active tasks: %w", err)
	}
	return count, nil
}
