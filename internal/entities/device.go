package entities

import "time"

// Device statuses.
const (
	DeviceOnline   = "online"
	DeviceOffline  = "offline"
	DeviceDisabled = "disabled"
)

// Device produces readings under its tenant. SharedSecret authenticates the
// device on every transport; CertThumbprint is set instead when the device
// connects over mTLS.
type Device struct {
	ID             string     `gorm:"primaryKey;size:36" json:"id"`
	TenantID       string     `gorm:"size:36;not null;index:idx_devices_tenant_name,priority:1" json:"tenant_id"`
	Name           string     `gorm:"size:200;not null;index:idx_devices_tenant_name,priority:2" json:"name"`
	Protocol       string     `gorm:"size:20;not null;default:'http'" json:"protocol"`
	SharedSecret   string     `gorm:"size:128" json:"-"`
	CertThumbprint string     `gorm:"size:128;default:''" json:"-"`
	Status         string     `gorm:"size:20;not null;default:'offline';index" json:"status"`
	Tags           []string   `gorm:"serializer:json" json:"tags,omitempty"`
	AcceptsAnyKey  bool       `gorm:"not null;default:false" json:"accepts_any_key"`
	LastSeen       *time.Time `json:"last_seen,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	Keys []DeviceKey `gorm:"foreignKey:DeviceID;constraint:OnDelete:CASCADE" json:"keys,omitempty"`
}

// TableName returns the table name for GORM.
func (Device) TableName() string {
	return "devices"
}

// Reading value types a device key may declare.
const (
	ValueTypeNumber = "number"
	ValueTypeString = "string"
)

// DeviceKey declares a sensor key a device may report, with its value type
// and unit. Devices with AcceptsAnyKey set skip this declaration.
type DeviceKey struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	DeviceID  string `gorm:"size:36;not null;index" json:"device_id"`
	Key       string `gorm:"size:100;not null" json:"key"`
	ValueType string `gorm:"size:10;not null;default:'number'" json:"value_type"`
	Unit      string `gorm:"size:30;default:''" json:"unit"`
}

// TableName returns the table name for GORM.
func (DeviceKey) TableName() string {
	return "device_keys"
}
