package repository

import (
	"context"
	"time"

	"github.com/tidemark-io/tidemark/internal/entities"
)

// DeviceRepository handles device CRUD, credential lookup, and liveness.
type DeviceRepository interface {
	Create(ctx context.Context, device *entities.Device) error
	Get(ctx context.Context, tenantID, id string) (*entities.Device, error)
	// GetByID looks a device up without a tenant scope. Used only by the
	// ingest pipeline, which derives the tenant FROM the device.
	GetByID(ctx context.Context, id string) (*entities.Device, error)
	Update(ctx context.Context, device *entities.Device) error
	Delete(ctx context.Context, tenantID, id string) error
	List(ctx context.Context, tenantID string, page Page) ([]entities.Device, string, error)

	UpdateStatus(ctx context.Context, id, status string) error
	TouchLastSeen(ctx context.Context, id string, at time.Time) error
	RotateKey(ctx context.Context, tenantID, id, newSecret string) error
}
