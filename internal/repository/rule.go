package repository

import (
	"context"

	"github.com/tidemark-io/tidemark/internal/entities"
)

// RuleRepository handles rule definition CRUD and degradation marks.
type RuleRepository interface {
	Create(ctx context.Context, rule *entities.RuleDefinition) error
	Get(ctx context.Context, tenantID, id string) (*entities.RuleDefinition, error)
	// Update bumps the rule version. The previous version's parameters are
	// not kept as a row; open alerts reference the rule by id and survive.
	Update(ctx context.Context, rule *entities.RuleDefinition) error
	Delete(ctx context.Context, tenantID, id string) error
	List(ctx context.Context, tenantID string, page Page) ([]entities.RuleDefinition, string, error)

	// GetEnabled returns every enabled, non-degraded rule across tenants.
	// The engine partitions them per tenant itself.
	GetEnabled(ctx context.Context) ([]entities.RuleDefinition, error)
	MarkDegraded(ctx context.Context, id, reason string) error
	ClearDegraded(ctx context.Context, id string) error
}
