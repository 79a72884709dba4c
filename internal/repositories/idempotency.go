package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/jbhoorasingh/iperf-orchestrator/internal/db"
)

// gormIdempotencyRepository is the GORM implementation of IdempotencyRepository.
type gormIdempotencyRepository struct {
	db *gorm.DB
}

// NewIdempotencyRepository returns an IdempotencyRepository backed by the provided *gorm.DB.
func NewIdempotencyRepository(db *gorm.DB) IdempotencyRepository {
	return &gormIdempotencyRepository{db: db}
}

// Get returns the cached response for (key, endpoint), or ErrNotFound.
func (r *gormIdempotencyRepository) Get(ctx context.Context, key, endpoint string) (*db.IdempotencyLog, error) {
	var entry db.IdempotencyLog
	err := r.db.WithContext(ctx).
		First(&entry, "key = ? AND endpoint = ?", key, endpoint).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("idempotency: get: %w", err)
	}
	return &entry, nil
}

// Put stores a response for replay. Losing a race to a concurrent duplicate
// insert is fine; the first cached response wins.
func (r *gormIdempotencyRepository) Put(ctx context.Context, entry *db.IdempotencyLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("idempotency: put: %w", err)
	}
	return nil
}
