package repository

import (
	"context"
	"fmt"
	"strconv"

	"gorm.io/gorm"

	"github.com/tidemark-io/tidemark/internal/entities"
)

type notificationRepository struct {
	db *gorm.DB
}

// NewNotificationRepository creates a NotificationRepository backed by GORM.
func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) Append(ctx context.Context, attempt *entities.NotificationAttempt) error {
	if err := r.db.WithContext(ctx).Create(attempt).Error; err != nil {
		return fmt.Errorf("failed to append notification attempt: %w", err)
	}
	return nil
}

func (r *notificationRepository) NextAttemptNo(ctx context.Context, alertID string, stepIndex int) (int, error) {
	var max int
	err := r.db.WithContext(ctx).Model(&entities.NotificationAttempt{}).
		Where("alert_id = ? AND step_index = ?", alertID, stepIndex).
		Select("COALESCE(MAX(attempt_no), 0)").Scan(&max).Error
	if err != nil {
		return 0, fmt.Errorf("failed to compute next attempt number: %w", err)
	}
	return max + 1, nil
}

func (r *notificationRepository) ListByAlert(ctx context.Context, tenantID, alertID string, page Page) ([]entities.NotificationAttempt, string, error) {
	after, err := page.afterID()
	if err != nil {
		return nil, "", err
	}
	// Attempts do not carry tenant_id; scope through the owning alert.
	query := r.db.WithContext(ctx).
		Joins("JOIN alert_instances ON alert_instances.id = notification_attempts.alert_id").
		Where("alert_instances.tenant_id = ? AND notification_attempts.alert_id = ?", tenantID, alertID).
		Order("notification_attempts.id ASC").Limit(page.limit())
	if after != "" {
		query = query.Where("notification_attempts.id > ?", after)
	}
	var attempts []entities.NotificationAttempt
	if err := query.Find(&attempts).Error; err != nil {
		return nil, "", fmt.Errorf("failed to list notification attempts: %w", err)
	}
	var next string
	if len(attempts) == page.limit() {
		next = EncodeCursor(strconv.FormatUint(uint64(attempts[len(attempts)-1].ID), 10))
	}
	return attempts, next, nil
}
