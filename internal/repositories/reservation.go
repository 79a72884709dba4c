package repositories

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jbhoorasingh/iperf-orchestrator/internal/db"
)

// gormReservationRepository is the GORM implementation of ReservationRepository.
type gormReservationRepository struct {
	db *gorm.DB
}

// NewReservationRepository returns a ReservationRepository backed by the provided *gorm.DB.
func NewReservationRepository(db *gorm.DB) ReservationRepository {
	return &gormReservationRepository{db: db}
}

// List returns reservations, optionally only the live ones, newest first.
func (r *gormReservationRepository) List(ctx context.Context, activeOnly bool) ([]db.PortReservation, error) {
	q := r.db.WithContext(ctx).Model(&db.PortReservation{})
	if activeOnly {
		q = q.Where("released_at IS NULL")
	}
	var reservations []db.PortReservation
	if err := q.Order("created_at DESC, id DESC").Find(&reservations).Error; err != nil {
		return nil, fmt.Errorf("reservations: list: %w", err)
	}
	return reservations, nil
}

// ReleaseTerminal releases live reservations whose server task has reached a
// terminal status. Normally the result-submission path releases inline; this
// sweeps up tasks that were canceled or timed out without a result.
func (r *gormReservationRepository) ReleaseTerminal(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&db.PortReservation{}).
		Where("released_at IS NULL").
		Where("task_id IN (SELECT id FROM tasks WHERE status IN ?)", db.TerminalTaskStatuses).
		Update("released_at", now)
	if result.Error != nil {
		return 0, fmt.Errorf("reservations: release terminal: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ReleaseStale releases live reservations created before cutoff regardless
// of task state, reclaiming ports leaked by crashed agents.
func (r *gormReservationRepository) ReleaseStale(ctx context.Context, cutoff, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&db.PortReservation{}).
		Where("released_at IS NULL AND created_at < ?", cutoff).
		Update("released_at", now)
	if result.Error != nil {
		return 0, fmt.Errorf("reservations: release stale: %w", result.Error)
	}
	return result.RowsAffected, nil
}
