package entities

import "time"

// RetentionPolicy deletes or archives readings older than RetentionDays on
// the cron Schedule. A selector narrows the affected rows within the
// tenant; empty selector fields match everything.
type RetentionPolicy struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	TenantID      string    `gorm:"size:36;not null;index" json:"tenant_id"`
	Name          string    `gorm:"size:200;not null" json:"name"`
	DeviceID      string    `gorm:"size:36;default:''" json:"device_id,omitempty"`
	Key           string    `gorm:"size:100;default:''" json:"key,omitempty"`
	RetentionDays int       `gorm:"not null" json:"retention_days"`
	ArchiveTarget string    `gorm:"size:500;default:''" json:"archive_target,omitempty"`
	Schedule      string    `gorm:"size:100;not null;default:'@daily'" json:"schedule"`
	Enabled       bool      `gorm:"not null;default:true" json:"enabled"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for GORM.
func (RetentionPolicy) TableName() string {
	return "retention_policies"
}

// RetentionRun logs one execution of a policy.
type RetentionRun struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	PolicyID    string    `gorm:"size:36;not null;index" json:"policy_id"`
	Cutoff      time.Time `gorm:"not null" json:"cutoff"`
	RowsDeleted int64     `gorm:"not null;default:0" json:"rows_deleted"`
	BytesFreed  int64     `gorm:"not null;default:0" json:"bytes_freed"`
	DurationMs  int64     `gorm:"not null;default:0" json:"duration_ms"`
	Errors      string    `gorm:"size:1000;default:''" json:"errors,omitempty"`
	RanAt       time.Time `gorm:"not null" json:"ran_at"`
}

// TableName returns the table name for GORM.
func (RetentionRun) TableName() string {
	return "retention_runs"
}
