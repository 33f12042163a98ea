package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/errors"
)

type escalationRepository struct {
	db *gorm.DB
}

// NewEscalationRepository creates an EscalationRepository backed by GORM.
func NewEscalationRepository(db *gorm.DB) EscalationRepository {
	return &escalationRepository{db: db}
}

func (r *escalationRepository) CreatePolicy(ctx context.Context, policy *entities.EscalationPolicy) error {
	if err := r.db.WithContext(ctx).Create(policy).Error; err != nil {
		return fmt.Errorf("failed to create escalation policy: %w", err)
	}
	return nil
}

func (r *escalationRepository) GetPolicy(ctx context.Context, tenantID, id string) (*entities.EscalationPolicy, error) {
	var policy entities.EscalationPolicy
	err := r.db.WithContext(ctx).Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_index ASC")
	}).First(&policy, "tenant_id = ? AND id = ?", tenantID, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPolicyNotFound
		}
		return nil, fmt.Errorf("failed to get escalation policy %s: %w", id, err)
	}
	return &policy, nil
}

// UpdatePolicy replaces the policy and its steps. Replacement only affects
// alerts opened after this call; running cursors keep their step list.
func (r *escalationRepository) UpdatePolicy(ctx context.Context, policy *entities.EscalationPolicy) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&entities.EscalationPolicy{}).
			Where("tenant_id = ? AND id = ?", policy.TenantID, policy.ID).
			Update("name", policy.Name)
		if result.Error != nil {
			return fmt.Errorf("failed to update escalation policy: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrPolicyNotFound
		}
		if err := tx.Where("policy_id = ?", policy.ID).Delete(&entities.EscalationStep{}).Error; err != nil {
			return fmt.Errorf("failed to delete old steps: %w", err)
		}
		for i := range policy.Steps {
			policy.Steps[i].ID = 0
			policy.Steps[i].PolicyID = policy.ID
		}
		if len(policy.Steps) > 0 {
			if err := tx.Create(&policy.Steps).Error; err != nil {
				return fmt.Errorf("failed to create steps: %w", err)
			}
		}
		return nil
	})
}

func (r *escalationRepository) DeletePolicy(ctx context.Context, tenantID, id string) error {
	result := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Delete(&entities.EscalationPolicy{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete escalation policy %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

func (r *escalationRepository) ListPolicies(ctx context.Context, tenantID string, page Page) ([]entities.EscalationPolicy, string, error) {
	after, err := page.afterID()
	if err != nil {
		return nil, "", err
	}
	query := r.db.WithContext(ctx).Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_index ASC")
	}).Where("tenant_id = ?", tenantID).Order("id ASC").Limit(page.limit())
	if after != "" {
		query = query.Where("id > ?", after)
	}
	var policies []entities.EscalationPolicy
	if err := query.Find(&policies).Error; err != nil {
		return nil, "", fmt.Errorf("failed to list escalation policies: %w", err)
	}
	var next string
	if len(policies) == page.limit() {
		next = EncodeCursor(policies[len(policies)-1].ID)
	}
	return policies, next, nil
}

func (r *escalationRepository) CreateRotation(ctx context.Context, rotation *entities.OnCallRotation) error {
	if err := r.db.WithContext(ctx).Create(rotation).Error; err != nil {
		return fmt.Errorf("failed to create rotation: %w", err)
	}
	return nil
}

func (r *escalationRepository) GetRotation(ctx context.Context, tenantID, id string) (*entities.OnCallRotation, error) {
	var rotation entities.OnCallRotation
	err := r.db.WithContext(ctx).
		Preload("Shifts", func(db *gorm.DB) *gorm.DB { return db.Order("starts_at ASC") }).
		Preload("Overrides", func(db *gorm.DB) *gorm.DB { return db.Order("starts_at ASC") }).
		First(&rotation, "tenant_id = ? AND id = ?", tenantID, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRotationNotFound
		}
		return nil, fmt.Errorf("failed to get rotation %s: %w", id, err)
	}
	return &rotation, nil
}

func (r *escalationRepository) UpdateRotation(ctx context.Context, rotation *entities.OnCallRotation) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&entities.OnCallRotation{}).
			Where("tenant_id = ? AND id = ?", rotation.TenantID, rotation.ID).
			Update("name", rotation.Name)
		if result.Error != nil {
			return fmt.Errorf("failed to update rotation: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrRotationNotFound
		}
		// Shifts are rolling: append new, keep past for audit. Overrides
		// are replaced wholesale.
		if err := tx.Where("rotation_id = ?", rotation.ID).Delete(&entities.OnCallOverride{}).Error; err != nil {
			return fmt.Errorf("failed to delete old overrides: %w", err)
		}
		for i := range rotation.Overrides {
			rotation.Overrides[i].ID = 0
			rotation.Overrides[i].RotationID = rotation.ID
		}
		if len(rotation.Overrides) > 0 {
			if err := tx.Create(&rotation.Overrides).Error; err != nil {
				return fmt.Errorf("failed to create overrides: %w", err)
			}
		}
		for i := range rotation.Shifts {
			if rotation.Shifts[i].ID != 0 {
				continue
			}
			rotation.Shifts[i].RotationID = rotation.ID
			if err := tx.Create(&rotation.Shifts[i]).Error; err != nil {
				return fmt.Errorf("failed to append shift: %w", err)
			}
		}
		return nil
	})
}

func (r *escalationRepository) DeleteRotation(ctx context.Context, tenantID, id string) error {
	result := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Delete(&entities.OnCallRotation{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete rotation %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRotationNotFound
	}
	return nil
}

func (r *escalationRepository) ListRotations(ctx context.Context, tenantID string, page Page) ([]entities.OnCallRotation, string, error) {
	after, err := page.afterID()
	if err != nil {
		return nil, "", err
	}
	query := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).Order("id ASC").Limit(page.limit())
	if after != "" {
		query = query.Where("id > ?", after)
	}
	var rotations []entities.OnCallRotation
	if err := query.Find(&rotations).Error; err != nil {
		return nil, "", fmt.Errorf("failed to list rotations: %w", err)
	}
	var next string
	if len(rotations) == page.limit() {
		next = EncodeCursor(rotations[len(rotations)-1].ID)
	}
	return rotations, next, nil
}

func (r *escalationRepository) SaveCheckpoint(ctx context.Context, checkpoint *entities.EscalationCheckpoint) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "alert_id"}},
		UpdateAll: true,
	}).Create(checkpoint).Error
	if err != nil {
		return fmt.Errorf("failed to save escalation checkpoint: %w", err)
	}
	return nil
}

func (r *escalationRepository) GetCheckpoint(ctx context.Context, alertID string) (*entities.EscalationCheckpoint, error) {
	var checkpoint entities.EscalationCheckpoint
	err := r.db.WithContext(ctx).First(&checkpoint, "alert_id = ?", alertID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, gorm.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get checkpoint for alert %s: %w", alertID, err)
	}
	return &checkpoint, nil
}

func (r *escalationRepository) DeleteCheckpoint(ctx context.Context, alertID string) error {
	err := r.db.WithContext(ctx).Where("alert_id = ?", alertID).
		Delete(&entities.EscalationCheckpoint{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint for alert %s: %w", alertID, err)
	}
	return nil
}

func (r *escalationRepository) ListDue(ctx context.Context, now time.Time) ([]entities.EscalationCheckpoint, error) {
	var checkpoints []entities.EscalationCheckpoint
	err := r.db.WithContext(ctx).
		Where("served = ? AND fire_at <= ?", false, now).
		Order("fire_at ASC").Find(&checkpoints).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list due checkpoints: %w", err)
	}
	return checkpoints, nil
}

func (r *escalationRepository) ListCheckpoints(ctx context.Context) ([]entities.EscalationCheckpoint, error) {
	var checkpoints []entities.EscalationCheckpoint
	err := r.db.WithContext(ctx).Order("fire_at ASC").Find(&checkpoints).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return checkpoints, nil
}
