package repository

import (
	"context"

	"github.com/tidemark-io/tidemark/internal/entities"
)

// TenantRepository handles tenant CRUD and quota accounting.
type TenantRepository interface {
	Create(ctx context.Context, tenant *entities.Tenant) error
	Get(ctx context.Context, id string) (*entities.Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*entities.Tenant, error)
	Update(ctx context.Context, tenant *entities.Tenant) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, page Page) ([]entities.Tenant, string, error)

	// ReserveQuota atomically adds delta to the tenant's usage for the
	// resource within the window ("" for non-windowed resources) and fails
	// with ErrQuotaExceeded semantics when the limit would be crossed.
	// A negative delta releases previously reserved quota.
	ReserveQuota(ctx context.Context, tenantID, resource, window string, delta, limit int64) (bool, error)
}
