package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/errors"
)

type ruleRepository struct {
	db *gorm.DB
}

// NewRuleRepository creates a RuleRepository backed by GORM.
func NewRuleRepository(db *gorm.DB) RuleRepository {
	return &ruleRepository{db: db}
}

func (r *ruleRepository) Create(ctx context.Context, rule *entities.RuleDefinition) error {
	if rule.Version == 0 {
		rule.Version = 1
	}
	if err := r.db.WithContext(ctx).Create(rule).Error; err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

func (r *ruleRepository) Get(ctx context.Context, tenantID, id string) (*entities.RuleDefinition, error) {
	var rule entities.RuleDefinition
	err := r.db.WithContext(ctx).First(&rule, "tenant_id = ? AND id = ?", tenantID, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to get rule %s: %w", id, err)
	}
	return &rule, nil
}

func (r *ruleRepository) Update(ctx context.Context, rule *entities.RuleDefinition) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current entities.RuleDefinition
		err := tx.First(&current, "tenant_id = ? AND id = ?", rule.TenantID, rule.ID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRuleNotFound
			}
			return fmt.Errorf("failed to load rule %s: %w", rule.ID, err)
		}
		rule.Version = current.Version + 1
		if err := tx.Model(&entities.RuleDefinition{}).
			Where("tenant_id = ? AND id = ?", rule.TenantID, rule.ID).
			Select("*").Omit("id", "tenant_id", "created_at").Updates(rule).Error; err != nil {
			return fmt.Errorf("failed to update rule %s: %w", rule.ID, err)
		}
		return nil
	})
}

func (r *ruleRepository) Delete(ctx context.Context, tenantID, id string) error {
	result := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Delete(&entities.RuleDefinition{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (r *ruleRepository) List(ctx context.Context, tenantID string, page Page) ([]entities.RuleDefinition, string, error) {
	after, err := page.afterID()
	if err != nil {
		return nil, "", err
	}
	query := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("id ASC").Limit(page.limit())
	if after != "" {
		query = query.Where("id > ?", after)
	}
	var rules []entities.RuleDefinition
	if err := query.Find(&rules).Error; err != nil {
		return nil, "", fmt.Errorf("failed to list rules: %w", err)
	}
	var next string
	if len(rules) == page.limit() {
		next = EncodeCursor(rules[len(rules)-1].ID)
	}
	return rules, next, nil
}

func (r *ruleRepository) GetEnabled(ctx context.Context) ([]entities.RuleDefinition, error) {
	var rules []entities.RuleDefinition
	err := r.db.WithContext(ctx).
		Where("enabled = ? AND degraded = ?", true, false).
		Order("tenant_id ASC, id ASC").Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load enabled rules: %w", err)
	}
	return rules, nil
}

func (r *ruleRepository) MarkDegraded(ctx context.Context, id, reason string) error {
	result := r.db.WithContext(ctx).Model(&entities.RuleDefinition{}).
		Where("id = ?", id).
		Updates(map[string]any{"degraded": true, "degraded_reason": reason})
	if result.Error != nil {
		return fmt.Errorf("failed to mark rule %s degraded: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (r *ruleRepository) ClearDegraded(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Model(&entities.RuleDefinition{}).
		Where("id = ?", id).
		Updates(map[string]any{"degraded": false, "degraded_reason": ""})
	if result.Error != nil {
		return fmt.Errorf("failed to clear degraded mark on rule %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}
