package repository

import (
	"context"

	"github.com/tidemark-io/tidemark/internal/entities"
)

// OpsRepository handles audit records, dead letters, and engine checkpoints.
type OpsRepository interface {
	AppendAudit(ctx context.Context, record *entities.AuditRecord) error
	ListAudit(ctx context.Context, tenantID string, page Page) ([]entities.AuditRecord, string, error)

	AppendDeadLetter(ctx context.Context, letter *entities.DeadLetter) error
	ListDeadLetters(ctx context.Context, tenantID string, page Page) ([]entities.DeadLetter, string, error)

	// SaveEngineCheckpoint stores a snapshot under the name, bumping its
	// monotonic version.
	SaveEngineCheckpoint(ctx context.Context, name, state string) (int64, error)
	LoadEngineCheckpoint(ctx context.Context, name string) (*entities.EngineCheckpoint, error)
}
