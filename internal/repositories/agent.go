package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jbhoorasingh/iperf-orchestrator/internal/db"
)

// gormAgentRepository is the GORM implementation of AgentRepository.
type gormAgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository returns an AgentRepository backed by the provided *gorm.DB.
func NewAgentRepository(db *gorm.DB) AgentRepository {
	return &gormAgentRepository{db: db}
}

// Create inserts a new agent record. Returns ErrConflict if the name is taken.
func (r *gormAgentRepository) Create(ctx context.Context, agent *db.Agent) error {
	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("agents: create: %w", err)
	}
	return nil
}

// GetByID retrieves an agent by ID. Returns ErrNotFound if no record exists.
func (r *gormAgentRepository) GetByID(ctx context.Context, id uint) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by id: %w", err)
	}
	return &agent, nil
}

// GetByName retrieves an agent by its unique name. Used by the agent-protocol
// authentication middleware on every request.
func (r *gormAgentRepository) GetByName(ctx context.Context, name string) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by name: %w", err)
	}
	return &agent, nil
}

// Update persists all fields of an existing agent record.
func (r *gormAgentRepository) Update(ctx context.Context, agent *db.Agent) error {
	result := r.db.WithContext(ctx).Save(agent)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return ErrConflict
		}
		return fmt.Errorf("agents: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDisabled flips the disabled flag. A disabled agent fails agent-protocol
// authentication with the fatal signal on its next call.
func (r *gormAgentRepository) SetDisabled(ctx context.Context, id uint, disabled bool) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Update("disabled", disabled)
	if result.Error != nil {
		return fmt.Errorf("agents: set disabled: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all agents ordered by name.
func (r *gormAgentRepository) List(ctx context.Context) ([]db.Agent, error) {
	var agents []db.Agent
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("agents: list: %w", err)
	}
	return agents, nil
}

// MarkSeen records a successful register or heartbeat. OS is only written
// when non-empty so heartbeats do not blank the value set at registration.
func (r *gormAgentRepository) MarkSeen(ctx context.Context, id uint, at time.Time, ip, os string) error {
	updates := map[string]interface{}{
		"status":         db.AgentStatusOnline,
		"last_heartbeat": at,
	}
	if ip != "" {
		updates["ip_address"] = ip
	}
	if os != "" {
		updates["operating_system"] = os
	}
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("agents: mark seen: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// StampFirstRegistered sets first_registered once; an agent that already has
// the stamp keeps it across re-registrations.
func (r *gormAgentRepository) StampFirstRegistered(ctx context.Context, id uint, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Where("first_registered IS NULL OR first_registered = ?", time.Time{}).
		Update("first_registered", at)
	if result.Error != nil {
		return fmt.Errorf("agents: stamp first registered: %w", result.Error)
	}
	return nil
}

// MarkOfflineBefore is the offline sweeper's query: online agents whose last
// heartbeat is null or older than cutoff become offline.
func (r *gormAgentRepository) MarkOfflineBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("status = ?", db.AgentStatusOnline).
		Where("last_heartbeat IS NULL OR last_heartbeat < ?", cutoff).
		Update("status", db.AgentStatusOffline)
	if result.Error != nil {
		return 0, fmt.Errorf("agents: mark offline: %w", result.Error)
	}
	return result.RowsAffected, nil
}
