package repository

import (
	"context"
	"fmt"
	"strconv"

	"gorm.io/gorm"

	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/errors"
)

type retentionRepository struct {
	db *gorm.DB
}

// NewRetentionRepository creates a RetentionRepository backed by GORM.
func NewRetentionRepository(db *gorm.DB) RetentionRepository {
	return &retentionRepository{db: db}
}

func (r *retentionRepository) CreatePolicy(ctx context.Context, policy *entities.RetentionPolicy) error {
	if err := r.db.WithContext(ctx).Create(policy).Error; err != nil {
		return fmt.Errorf("failed to create retention policy: %w", err)
	}
	return nil
}

func (r *retentionRepository) GetPolicy(ctx context.Context, tenantID, id string) (*entities.RetentionPolicy, error) {
	var policy entities.RetentionPolicy
	err := r.db.WithContext(ctx).First(&policy, "tenant_id = ? AND id = ?", tenantID, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPolicyNotFound
		}
		return nil, fmt.Errorf("failed to get retention policy %s: %w", id, err)
	}
	return &policy, nil
}

func (r *retentionRepository) GetPolicyByID(ctx context.Context, id string) (*entities.RetentionPolicy, error) {
	var policy entities.RetentionPolicy
	err := r.db.WithContext(ctx).First(&policy, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPolicyNotFound
		}
		return nil, fmt.Errorf("failed to get retention policy %s: %w", id, err)
	}
	return &policy, nil
}

func (r *retentionRepository) UpdatePolicy(ctx context.Context, policy *entities.RetentionPolicy) error {
	result := r.db.WithContext(ctx).Model(&entities.RetentionPolicy{}).
		Where("tenant_id = ? AND id = ?", policy.TenantID, policy.ID).
		Select("*").Omit("id", "tenant_id", "created_at").Updates(policy)
	if result.Error != nil {
		return fmt.Errorf("failed to update retention policy %s: %w", policy.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

func (r *retentionRepository) DeletePolicy(ctx context.Context, tenantID, id string) error {
	result := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Delete(&entities.RetentionPolicy{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete retention policy %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

func (r *retentionRepository) ListPolicies(ctx context.Context, tenantID string, page Page) ([]entities.RetentionPolicy, string, error) {
	after, err := page.afterID()
	if err != nil {
		return nil, "", err
	}
	query := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).Order("id ASC").Limit(page.limit())
	if after != "" {
		query = query.Where("id > ?", after)
	}
	var policies []entities.RetentionPolicy
	if err := query.Find(&policies).Error; err != nil {
		return nil, "", fmt.Errorf("failed to list retention policies: %w", err)
	}
	var next string
	if len(policies) == page.limit() {
		next = EncodeCursor(policies[len(policies)-1].ID)
	}
	return policies, next, nil
}

func (r *retentionRepository) ListEnabled(ctx context.Context) ([]entities.RetentionPolicy, error) {
	var policies []entities.RetentionPolicy
	err := r.db.WithContext(ctx).Where("enabled = ?", true).Find(&policies).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled retention policies: %w", err)
	}
	return policies, nil
}

func (r *retentionRepository) RecordRun(ctx context.Context, run *entities.RetentionRun) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to record retention run: %w", err)
	}
	return nil
}

func (r *retentionRepository) ListRuns(ctx context.Context, policyID string, page Page) ([]entities.RetentionRun, string, error) {
	after, err := page.afterID()
	if err != nil {
		return nil, "", err
	}
	query := r.db.WithContext(ctx).
		Where("policy_id = ?", policyID).Order("id ASC").Limit(page.limit())
	if after != "" {
		query = query.Where("id > ?", after)
	}
	var runs []entities.RetentionRun
	if err := query.Find(&runs).Error; err != nil {
		return nil, "", fmt.Errorf("failed to list retention runs: %w", err)
	}
	var next string
	if len(runs) == page.limit() {
		next = EncodeCursor(strconv.FormatUint(uint64(runs[len(runs)-1].ID), 10))
	}
	return runs, next, nil
}
