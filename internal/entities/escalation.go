package entities

import "time"

// Escalation step target types.
const (
	TargetUser   = "user"
	TargetRole   = "role"
	TargetOnCall = "on_call"
)

// Notification channels.
const (
	ChannelWebhook = "webhook"
	ChannelEmail   = "email"
	ChannelChat    = "chat"
)

// EscalationPolicy is an ordered list of notification steps. Changes apply
// only to alerts opened after the change.
type EscalationPolicy struct {
	ID        string           `gorm:"primaryKey;size:36" json:"id"`
	TenantID  string           `gorm:"size:36;not null;index" json:"tenant_id"`
	Name      string           `gorm:"size:200;not null" json:"name"`
	CreatedAt time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
	Steps     []EscalationStep `gorm:"foreignKey:PolicyID;constraint:OnDelete:CASCADE" json:"steps"`
}

// TableName returns the table name for GORM.
func (EscalationPolicy) TableName() string {
	return "escalation_policies"
}

// EscalationStep fires DelaySec after the alert opens. TargetType selects
// how Target is resolved: a user id, a role name, or an on-call rotation id.
// AckWindowSec bounds how long the step waits for acknowledgement before the
// cursor advances.
type EscalationStep struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	PolicyID     string `gorm:"size:36;not null;index" json:"policy_id"`
	StepIndex    int    `gorm:"not null" json:"step_index"`
	DelaySec     int    `gorm:"not null;default:0" json:"delay_sec"`
	TargetType   string `gorm:"size:20;not null" json:"target_type"`
	Target       string `gorm:"size:200;not null" json:"target"`
	Channel      string `gorm:"size:20;not null" json:"channel"`
	AckWindowSec int    `gorm:"not null;default:300" json:"ack_window_sec"`
}

// TableName returns the table name for GORM.
func (EscalationStep) TableName() string {
	return "escalation_steps"
}

// EscalationCheckpoint durably records the next firing per alert so a
// restart recomputes deadlines without re-notifying served steps.
type EscalationCheckpoint struct {
	AlertID    string    `gorm:"primaryKey;size:36" json:"alert_id"`
	PolicyID   string    `gorm:"size:36;not null" json:"policy_id"`
	StepIndex  int       `gorm:"not null" json:"step_index"`
	FireAt     time.Time `gorm:"not null;index" json:"fire_at"`
	Served     bool      `gorm:"not null;default:false" json:"served"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for GORM.
func (EscalationCheckpoint) TableName() string {
	return "escalation_checkpoints"
}
