package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/errors"
)

type tenantRepository struct {
	db *gorm.DB
}

// NewTenantRepository creates a TenantRepository backed by GORM.
func NewTenantRepository(db *gorm.DB) TenantRepository {
	return &tenantRepository{db: db}
}

func (r *tenantRepository) Create(ctx context.Context, tenant *entities.Tenant) error {
	if err := r.db.WithContext(ctx).Create(tenant).Error; err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

func (r *tenantRepository) Get(ctx context.Context, id string) (*entities.Tenant, error) {
	var tenant entities.Tenant
	if err := r.db.WithContext(ctx).First(&tenant, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to get tenant %s: %w", id, err)
	}
	return &tenant, nil
}

func (r *tenantRepository) GetBySlug(ctx context.Context, slug string) (*entities.Tenant, error) {
	var tenant entities.Tenant
	if err := r.db.WithContext(ctx).First(&tenant, "slug = ?", slug).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to get tenant by slug %s: %w", slug, err)
	}
	return &tenant, nil
}

func (r *tenantRepository) Update(ctx context.Context, tenant *entities.Tenant) error {
	result := r.db.WithContext(ctx).Model(&entities.Tenant{}).
		Where("id = ?", tenant.ID).
		Select("*").Omit("id", "created_at").Updates(tenant)
	if result.Error != nil {
		return fmt.Errorf("failed to update tenant %s: %w", tenant.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func (r *tenantRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&entities.Tenant{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete tenant %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func (r *tenantRepository) List(ctx context.Context, page Page) ([]entities.Tenant, string, error) {
	after, err := page.afterID()
	if err != nil {
		return nil, "", err
	}
	query := r.db.WithContext(ctx).Order("id ASC").Limit(page.limit())
	if after != "" {
		query = query.Where("id > ?", after)
	}
	var tenants []entities.Tenant
	if err := query.Find(&tenants).Error; err != nil {
		return nil, "", fmt.Errorf("failed to list tenants: %w", err)
	}
	var next string
	if len(tenants) == page.limit() {
		next = EncodeCursor(tenants[len(tenants)-1].ID)
	}
	return tenants, next, nil
}

// ReserveQuota performs the reserve inside a transaction with an upsert so
// concurrent reservations observe a consistent counter.
func (r *tenantRepository) ReserveQuota(ctx context.Context, tenantID, resource, window string, delta, limit int64) (bool, error) {
	ok := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		usage := entities.QuotaUsage{TenantID: tenantID, Resource: resource, Window: window}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&usage).Error; err != nil {
			return fmt.Errorf("failed to ensure quota row: %w", err)
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&usage, "tenant_id = ? AND resource = ? AND window = ?", tenantID, resource, window).Error; err != nil {
			return fmt.Errorf("failed to load quota row: %w", err)
		}
		next := usage.Used + delta
		if next < 0 {
			next = 0
		}
		if delta > 0 && limit > 0 && next > limit {
			return nil // leaves ok=false: quota exceeded, not an error
		}
		if err := tx.Model(&entities.QuotaUsage{}).
			Where("tenant_id = ? AND resource = ? AND window = ?", tenantID, resource, window).
			Update("used", next).Error; err != nil {
			return fmt.Errorf("failed to update quota row: %w", err)
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}
