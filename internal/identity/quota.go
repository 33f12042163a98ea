package identity

import (
	"context"
	"time"

	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/errors"
	"github.com/tidemark-io/tidemark/internal/repository"
)

// Quota resources.
const (
	ResourceDevices        = "devices"
	ResourceReadingsPerDay = "readings_per_day"
)

// QuotaManager reserves and releases tenant resource quotas atomically
// around the consuming operation.
type QuotaManager struct {
	tenants repository.TenantRepository
}

// NewQuotaManager creates a QuotaManager.
func NewQuotaManager(tenants repository.TenantRepository) *QuotaManager {
	return &QuotaManager{tenants: tenants}
}

// Reserve reserves delta units of the resource for the tenant, failing
// with quota_exceeded when the tenant limit would be crossed.
func (q *QuotaManager) Reserve(ctx context.Context, tenant *entities.Tenant, resource string, delta int64) error {
	limit, window := q.bounds(tenant, resource)
	ok, err := q.tenants.ReserveQuota(ctx, tenant.ID, resource, window, delta, limit)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "quota reservation failed", err)
	}
	if !ok {
		return errors.Newf(errors.KindQuotaExceeded, "%s quota exceeded for tenant %s", resource, tenant.Slug)
	}
	return nil
}

// Release returns previously reserved units, used when the consuming
// operation fails after the reserve.
func (q *QuotaManager) Release(ctx context.Context, tenant *entities.Tenant, resource string, delta int64) error {
	_, window := q.bounds(tenant, resource)
	if _, err := q.tenants.ReserveQuota(ctx, tenant.ID, resource, window, -delta, 0); err != nil {
		return errors.Wrap(errors.KindInternal, "quota release failed", err)
	}
	return nil
}

// bounds returns the tenant limit and accounting window for a resource.
// Daily resources use the current UTC day so counters reset naturally.
func (q *QuotaManager) bounds(tenant *entities.Tenant, resource string) (limit int64, window string) {
	switch resource {
	case ResourceDevices:
		return int64(tenant.MaxDevices), ""
	case ResourceReadingsPerDay:
		return tenant.MaxReadingsPerDay, time.Now().UTC().Format("20060102")
	default:
		return 0, ""
	}
}
