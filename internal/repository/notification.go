package repository

import (
	"context"

	"github.com/tidemark-io/tidemark/internal/entities"
)

// NotificationRepository handles the append-only attempt log.
type NotificationRepository interface {
	Append(ctx context.Context, attempt *entities.NotificationAttempt) error
	// NextAttemptNo returns 1 + the highest attempt number recorded for
	// the (alert, step) pair.
	NextAttemptNo(ctx context.Context, alertID string, stepIndex int) (int, error)
	ListByAlert(ctx context.Context, tenantID, alertID string, page Page) ([]entities.NotificationAttempt, string, error)
}
