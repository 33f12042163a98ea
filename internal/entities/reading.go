package entities

import "time"

// Reading is one persisted time-series row. Identity is the composite
// (tenant, device, key, ts); rows are immutable once written and removed
// only by retention. ID is the store-assigned durable offset, set by the
// gateway on append. PartitionDay carries the day partition ("20060102");
// only the store gateway reads or writes it.
type Reading struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	TenantID     string    `gorm:"size:36;not null;uniqueIndex:idx_readings_identity,priority:1;index:idx_readings_partition,priority:1" json:"tenant_id"`
	DeviceID     string    `gorm:"size:36;not null;uniqueIndex:idx_readings_identity,priority:2" json:"device_id"`
	Key          string    `gorm:"size:100;not null;uniqueIndex:idx_readings_identity,priority:3" json:"key"`
	Ts           time.Time `gorm:"not null;uniqueIndex:idx_readings_identity,priority:4;index:idx_readings_partition,priority:3" json:"ts"`
	NumericValue *float64  `json:"numeric_value,omitempty"`
	StringValue  string    `gorm:"size:500;default:''" json:"string_value,omitempty"`
	Quality      int       `gorm:"not null;default:100" json:"quality"`
	Unit         string    `gorm:"size:30;default:''" json:"unit,omitempty"`
	PartitionDay string    `gorm:"size:8;not null;index:idx_readings_partition,priority:2" json:"-"`
}

// TableName returns the table name for GORM.
func (Reading) TableName() string {
	return "readings"
}

// PartitionDayOf formats a timestamp into its UTC day partition label.
func PartitionDayOf(ts time.Time) string {
	return ts.UTC().Format("20060102")
}

// Value returns the reading's value as an any, preferring the numeric side.
func (r *Reading) Value() any {
	if r.NumericValue != nil {
		return *r.NumericValue
	}
	return r.StringValue
}
