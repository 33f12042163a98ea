package entities

import "time"

// AuditRecord is written for every authorization decision that mutates
// state or reads sensitive data, and for every alert transition.
type AuditRecord struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	TenantID      string    `gorm:"size:36;not null;index:idx_audit_tenant_at,priority:1" json:"tenant_id"`
	Principal     string    `gorm:"size:100;not null" json:"principal"`
	Action        string    `gorm:"size:100;not null" json:"action"`
	Resource      string    `gorm:"size:200;default:''" json:"resource,omitempty"`
	Decision      string    `gorm:"size:20;not null" json:"decision"`
	CorrelationID string    `gorm:"size:64;default:''" json:"correlation_id,omitempty"`
	At            time.Time `gorm:"not null;index:idx_audit_tenant_at,priority:2" json:"at"`
}

// TableName returns the table name for GORM.
func (AuditRecord) TableName() string {
	return "audit_records"
}

// DeadLetter journals a reading that failed a pipeline stage.
type DeadLetter struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TenantID  string    `gorm:"size:36;default:'';index" json:"tenant_id"`
	DeviceID  string    `gorm:"size:36;default:''" json:"device_id"`
	Stage     string    `gorm:"size:40;not null" json:"stage"`
	Reason    string    `gorm:"size:500;not null" json:"reason"`
	Payload   string    `gorm:"type:text;default:''" json:"payload"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for GORM.
func (DeadLetter) TableName() string {
	return "dead_letters"
}

// EngineCheckpoint is a periodic snapshot of rule evaluation state,
// referenced by a monotonic version. State is an opaque JSON document owned
// by the rule engine.
type EngineCheckpoint struct {
	Name      string    `gorm:"primaryKey;size:60" json:"name"`
	Version   int64     `gorm:"not null" json:"version"`
	State     string    `gorm:"type:text;not null" json:"state"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for GORM.
func (EngineCheckpoint) TableName() string {
	return "engine_checkpoints"
}

// QuotaUsage tracks reserved consumption for one tenant resource within a
// usage window (daily for readings, unbounded for devices/rules).
type QuotaUsage struct {
	TenantID  string    `gorm:"primaryKey;size:36" json:"tenant_id"`
	Resource  string    `gorm:"primaryKey;size:40" json:"resource"`
	Window    string    `gorm:"primaryKey;size:8;default:''" json:"window"`
	Used      int64     `gorm:"not null;default:0" json:"used"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for GORM.
func (QuotaUsage) TableName() string {
	return "quota_usage"
}
