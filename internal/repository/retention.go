package repository

import (
	"context"

	"github.com/tidemark-io/tidemark/internal/entities"
)

// RetentionRepository handles retention policies and their run log.
type RetentionRepository interface {
	CreatePolicy(ctx context.Context, policy *entities.RetentionPolicy) error
	GetPolicy(ctx context.Context, tenantID, id string) (*entities.RetentionPolicy, error)
	GetPolicyByID(ctx context.Context, id string) (*entities.RetentionPolicy, error)
	UpdatePolicy(ctx context.Context, policy *entities.RetentionPolicy) error
	DeletePolicy(ctx context.Context, tenantID, id string) error
	ListPolicies(ctx context.Context, tenantID string, page Page) ([]entities.RetentionPolicy, string, error)
	ListEnabled(ctx context.Context) ([]entities.RetentionPolicy, error)

	RecordRun(ctx context.Context, run *entities.RetentionRun) error
	ListRuns(ctx context.Context, policyID string, page Page) ([]entities.RetentionRun, string, error)
}
