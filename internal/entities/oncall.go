package entities

import "time"

// OnCallRotation maps time intervals to responders. Past shifts are kept
// for audit.
type OnCallRotation struct {
	ID        string           `gorm:"primaryKey;size:36" json:"id"`
	TenantID  string           `gorm:"size:36;not null;index" json:"tenant_id"`
	Name      string           `gorm:"size:200;not null" json:"name"`
	CreatedAt time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
	Shifts    []OnCallShift    `gorm:"foreignKey:RotationID;constraint:OnDelete:CASCADE" json:"shifts"`
	Overrides []OnCallOverride `gorm:"foreignKey:RotationID;constraint:OnDelete:CASCADE" json:"overrides"`
}

// TableName returns the table name for GORM.
func (OnCallRotation) TableName() string {
	return "oncall_rotations"
}

// OnCallShift assigns a user to a half-open interval [StartsAt, EndsAt).
type OnCallShift struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	RotationID string    `gorm:"size:36;not null;index:idx_shifts_rotation_start,priority:1" json:"rotation_id"`
	UserID     string    `gorm:"size:100;not null" json:"user_id"`
	StartsAt   time.Time `gorm:"not null;index:idx_shifts_rotation_start,priority:2" json:"starts_at"`
	EndsAt     time.Time `gorm:"not null" json:"ends_at"`
}

// TableName returns the table name for GORM.
func (OnCallShift) TableName() string {
	return "oncall_shifts"
}

// Covers reports whether the shift is active at the given instant.
func (s *OnCallShift) Covers(at time.Time) bool {
	return !at.Before(s.StartsAt) && at.Before(s.EndsAt)
}

// OnCallOverride substitutes a responder for an interval; overrides win
// over the regular shift schedule.
type OnCallOverride struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	RotationID string    `gorm:"size:36;not null;index" json:"rotation_id"`
	UserID     string    `gorm:"size:100;not null" json:"user_id"`
	StartsAt   time.Time `gorm:"not null" json:"starts_at"`
	EndsAt     time.Time `gorm:"not null" json:"ends_at"`
}

// TableName returns the table name for GORM.
func (OnCallOverride) TableName() string {
	return "oncall_overrides"
}

// Covers reports whether the override is active at the given instant.
func (o *OnCallOverride) Covers(at time.Time) bool {
	return !at.Before(o.StartsAt) && at.Before(o.EndsAt)
}
