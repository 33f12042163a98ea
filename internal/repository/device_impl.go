package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/errors"
)

type deviceRepository struct {
	db *gorm.DB
}

// NewDeviceRepository creates a DeviceRepository backed by GORM.
func NewDeviceRepository(db *gorm.DB) DeviceRepository {
	return &deviceRepository{db: db}
}

func (r *deviceRepository) Create(ctx context.Context, device *entities.Device) error {
	if err := r.db.WithContext(ctx).Create(device).Error; err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

func (r *deviceRepository) Get(ctx context.Context, tenantID, id string) (*entities.Device, error) {
	var device entities.Device
	err := r.db.WithContext(ctx).Preload("Keys").
		First(&device, "tenant_id = ? AND id = ?", tenantID, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to get device %s: %w", id, err)
	}
	return &device, nil
}

func (r *deviceRepository) GetByID(ctx context.Context, id string) (*entities.Device, error) {
	var device entities.Device
	err := r.db.WithContext(ctx).Preload("Keys").First(&device, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to get device %s: %w", id, err)
	}
	return &device, nil
}

func (r *deviceRepository) Update(ctx context.Context, device *entities.Device) error {
	result := r.db.WithContext(ctx).Model(&entities.Device{}).
		Where("tenant_id = ? AND id = ?", device.TenantID, device.ID).
		Select("name", "protocol", "status", "tags", "accepts_any_key").Updates(device)
	if result.Error != nil {
		return fmt.Errorf("failed to update device %s: %w", device.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (r *deviceRepository) Delete(ctx context.Context, tenantID, id string) error {
	result := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Delete(&entities.Device{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete device %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (r *deviceRepository) List(ctx context.Context, tenantID string, page Page) ([]entities.Device, string, error) {
	after, err := page.afterID()
	if err != nil {
		return nil, "", err
	}
	query := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("id ASC").Limit(page.limit())
	if after != "" {
		query = query.Where("id > ?", after)
	}
	var devices []entities.Device
	if err := query.Find(&devices).Error; err != nil {
		return nil, "", fmt.Errorf("failed to list devices: %w", err)
	}
	var next string
	if len(devices) == page.limit() {
		next = EncodeCursor(devices[len(devices)-1].ID)
	}
	return devices, next, nil
}

func (r *deviceRepository) UpdateStatus(ctx context.Context, id, status string) error {
	result := r.db.WithContext(ctx).Model(&entities.Device{}).
		Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("failed to update device %s status: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (r *deviceRepository) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&entities.Device{}).
		Where("id = ?", id).
		Updates(map[string]any{"last_seen": at, "status": entities.DeviceOnline}).Error
	if err != nil {
		return fmt.Errorf("failed to touch device %s: %w", id, err)
	}
	return nil
}

func (r *deviceRepository) RotateKey(ctx context.Context, tenantID, id, newSecret string) error {
	result := r.db.WithContext(ctx).Model(&entities.Device{}).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Update("shared_secret", newSecret)
	if result.Error != nil {
		return fmt.Errorf("failed to rotate key for device %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}
