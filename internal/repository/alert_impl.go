package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/errors"
)

type alertRepository struct {
	db *gorm.DB
}

// NewAlertRepository creates an AlertRepository backed by GORM.
func NewAlertRepository(db *gorm.DB) AlertRepository {
	return &alertRepository{db: db}
}

var terminalStates = []string{
	entities.AlertResolved,
	entities.AlertExpired,
	entities.AlertSuppressed,
}

func (r *alertRepository) Create(ctx context.Context, alert *entities.AlertInstance) error {
	if err := r.db.WithContext(ctx).Create(alert).Error; err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

func (r *alertRepository) Get(ctx context.Context, tenantID, id string) (*entities.AlertInstance, error) {
	var alert entities.AlertInstance
	err := r.db.WithContext(ctx).First(&alert, "tenant_id = ? AND id = ?", tenantID, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to get alert %s: %w", id, err)
	}
	return &alert, nil
}

func (r *alertRepository) GetByID(ctx context.Context, id string) (*entities.AlertInstance, error) {
	var alert entities.AlertInstance
	err := r.db.WithContext(ctx).First(&alert, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to get alert %s: %w", id, err)
	}
	return &alert, nil
}

func (r *alertRepository) GetOpenByFingerprint(ctx context.Context, tenantID, fingerprint string) (*entities.AlertInstance, error) {
	var alert entities.AlertInstance
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND fingerprint = ? AND state NOT IN ?", tenantID, fingerprint, terminalStates).
		First(&alert).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to get open alert for fingerprint %s: %w", fingerprint, err)
	}
	return &alert, nil
}

func (r *alertRepository) Update(ctx context.Context, alert *entities.AlertInstance) error {
	result := r.db.WithContext(ctx).Model(&entities.AlertInstance{}).
		Where("id = ?", alert.ID).
		Select("*").Omit("id", "tenant_id", "created_at").Updates(alert)
	if result.Error != nil {
		return fmt.Errorf("failed to update alert %s: %w", alert.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAlertNotFound
	}
	return nil
}

func (r *alertRepository) List(ctx context.Context, tenantID string, filter AlertFilter, page Page) ([]entities.AlertInstance, string, error) {
	after, err := page.afterID()
	if err != nil {
		return nil, "", err
	}
	query := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("id ASC").Limit(page.limit())
	if filter.State != "" {
		query = query.Where("state = ?", filter.State)
	}
	if filter.RuleID != "" {
		query = query.Where("rule_id = ?", filter.RuleID)
	}
	if filter.DeviceID != "" {
		query = query.Where("device_id = ?", filter.DeviceID)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if after != "" {
		query = query.Where("id > ?", after)
	}
	var alerts []entities.AlertInstance
	if err := query.Find(&alerts).Error; err != nil {
		return nil, "", fmt.Errorf("failed to list alerts: %w", err)
	}
	var next string
	if len(alerts) == page.limit() {
		next = EncodeCursor(alerts[len(alerts)-1].ID)
	}
	return alerts, next, nil
}

func (r *alertRepository) ListOpen(ctx context.Context) ([]entities.AlertInstance, error) {
	var alerts []entities.AlertInstance
	err := r.db.WithContext(ctx).
		Where("state NOT IN ?", terminalStates).
		Order("opened_at ASC").Find(&alerts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list open alerts: %w", err)
	}
	return alerts, nil
}

func (r *alertRepository) ListOpenPastDeadline(ctx context.Context, now time.Time) ([]entities.AlertInstance, error) {
	var alerts []entities.AlertInstance
	err := r.db.WithContext(ctx).
		Where("state NOT IN ?", terminalStates).
		Where(r.db.
			Where("ack_breached = ? AND ack_deadline IS NOT NULL AND ack_deadline < ?", false, now).
			Or("resolve_breached = ? AND resolve_deadline IS NOT NULL AND resolve_deadline < ?", false, now)).
		Find(&alerts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts past deadline: %w", err)
	}
	return alerts, nil
}

func (r *alertRepository) AppendTransition(ctx context.Context, transition *entities.AlertTransition) (bool, error) {
	err := r.db.WithContext(ctx).Create(transition).Error
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to append transition: %w", err)
	}
	return true, nil
}

func (r *alertRepository) HasTransition(ctx context.Context, alertID, toState, reason string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&entities.AlertTransition{}).
		Where("alert_id = ? AND to_state = ? AND reason = ?", alertID, toState, reason).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check transition for alert %s: %w", alertID, err)
	}
	return count > 0, nil
}

func (r *alertRepository) ListTransitions(ctx context.Context, alertID string) ([]entities.AlertTransition, error) {
	var transitions []entities.AlertTransition
	err := r.db.WithContext(ctx).
		Where("alert_id = ?", alertID).
		Order("at ASC, id ASC").Find(&transitions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions for alert %s: %w", alertID, err)
	}
	return transitions, nil
}

func (r *alertRepository) RecordBreach(ctx context.Context, breach *entities.SLABreach) (bool, error) {
	err := r.db.WithContext(ctx).Create(breach).Error
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to record SLA breach: %w", err)
	}
	return true, nil
}

// isUniqueViolation detects a unique index conflict across sqlite and mysql.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry")
}
