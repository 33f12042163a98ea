// Package entities defines the persistent data model.
package entities

import "time"

// Tenant statuses.
const (
	TenantActive    = "active"
	TenantSuspended = "suspended"
)

// Tenant tiers, used for ingest fairness weighting.
const (
	TierFree       = "free"
	TierStandard   = "standard"
	TierEnterprise = "enterprise"
)

// Tenant owns devices, rules, and alerts. Quota columns bound resource
// consumption; EnabledFeatures is a comma-separated feature flag list.
type Tenant struct {
	ID                 string    `gorm:"primaryKey;size:36" json:"id"`
	Slug               string    `gorm:"size:100;not null;uniqueIndex" json:"slug"`
	Tier               string    `gorm:"size:20;not null;default:'free'" json:"tier"`
	Status             string    `gorm:"size:20;not null;default:'active';index" json:"status"`
	MaxDevices         int       `gorm:"not null;default:0" json:"max_devices"`
	MaxReadingsPerDay  int64     `gorm:"not null;default:0" json:"max_readings_per_day"`
	MaxRetentionDays   int       `gorm:"not null;default:0" json:"max_retention_days"`
	EnabledFeatures    string    `gorm:"size:500;default:''" json:"enabled_features"`
	AllowPrivateHooks  bool      `gorm:"not null;default:false" json:"allow_private_hooks"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for GORM.
func (Tenant) TableName() string {
	return "tenants"
}

// HasFeature reports whether the named feature flag is enabled.
func (t *Tenant) HasFeature(name string) bool {
	if t.EnabledFeatures == "" {
		return false
	}
	start := 0
	s := t.EnabledFeatures
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if s[start:i] == name {
				return true
			}
			start = i + 1
		}
	}
	return false
}

// FairShareWeight returns the flush scheduling weight for the tenant tier.
func (t *Tenant) FairShareWeight() int {
	switch t.Tier {
	case TierEnterprise:
		return 4
	case TierStandard:
		return 2
	default:
		return 1
	}
}
