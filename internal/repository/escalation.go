package repository

import (
	"context"
	"time"

	"github.com/tidemark-io/tidemark/internal/entities"
)

// EscalationRepository handles escalation policies, on-call rotations, and
// the durable per-alert firing checkpoints.
type EscalationRepository interface {
	CreatePolicy(ctx context.Context, policy *entities.EscalationPolicy) error
	GetPolicy(ctx context.Context, tenantID, id string) (*entities.EscalationPolicy, error)
	UpdatePolicy(ctx context.Context, policy *entities.EscalationPolicy) error
	DeletePolicy(ctx context.Context, tenantID, id string) error
	ListPolicies(ctx context.Context, tenantID string, page Page) ([]entities.EscalationPolicy, string, error)

	CreateRotation(ctx context.Context, rotation *entities.OnCallRotation) error
	GetRotation(ctx context.Context, tenantID, id string) (*entities.OnCallRotation, error)
	UpdateRotation(ctx context.Context, rotation *entities.OnCallRotation) error
	DeleteRotation(ctx context.Context, tenantID, id string) error
	ListRotations(ctx context.Context, tenantID string, page Page) ([]entities.OnCallRotation, string, error)

	SaveCheckpoint(ctx context.Context, checkpoint *entities.EscalationCheckpoint) error
	GetCheckpoint(ctx context.Context, alertID string) (*entities.EscalationCheckpoint, error)
	DeleteCheckpoint(ctx context.Context, alertID string) error
	// ListDue returns unserved checkpoints whose fire time has passed.
	ListDue(ctx context.Context, now time.Time) ([]entities.EscalationCheckpoint, error)
	ListCheckpoints(ctx context.Context) ([]entities.EscalationCheckpoint, error)
}
