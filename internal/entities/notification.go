package entities

import "time"

// Notification attempt statuses.
const (
	AttemptDelivered        = "delivered"
	AttemptRetryable        = "retryable"
	AttemptPermanentFailure = "permanent_failure"
)

// NotificationAttempt records one delivery try for an alert escalation
// step. Rows are append-only; AttemptNo is strictly increasing per
// (alert_id, step_index) and delivery success closes the step.
type NotificationAttempt struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	AlertID       string    `gorm:"size:36;not null;index:idx_attempts_alert_step,priority:1" json:"alert_id"`
	StepIndex     int       `gorm:"not null;index:idx_attempts_alert_step,priority:2" json:"step_index"`
	AttemptNo     int       `gorm:"not null" json:"attempt_no"`
	Channel       string    `gorm:"size:20;not null" json:"channel"`
	Target        string    `gorm:"size:500;not null" json:"target"`
	Status        string    `gorm:"size:30;not null" json:"status"`
	Reason        string    `gorm:"size:500;default:''" json:"reason,omitempty"`
	Signature     string    `gorm:"size:128;default:''" json:"signature,omitempty"`
	CorrelationID string    `gorm:"size:64;not null" json:"correlation_id"`
	SentAt        time.Time `gorm:"not null" json:"sent_at"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for GORM.
func (NotificationAttempt) TableName() string {
	return "notification_attempts"
}
