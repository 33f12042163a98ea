package entities

import "time"

// Alert states. Terminal states are absorbing.
const (
	AlertOpen          = "open"
	AlertAcknowledged  = "acknowledged"
	AlertInvestigating = "investigating"
	AlertResolved      = "resolved"
	AlertExpired       = "expired"
	AlertSuppressed    = "suppressed"
)

// IsTerminalAlertState reports whether the state absorbs further transitions.
func IsTerminalAlertState(state string) bool {
	switch state {
	case AlertResolved, AlertExpired, AlertSuppressed:
		return true
	default:
		return false
	}
}

// AlertInstance is one logical alert. At most one non-terminal instance per
// fingerprint exists at any time; a fresh instance (new id) is opened when a
// hit arrives for a fingerprint whose previous instance is terminal.
type AlertInstance struct {
	ID                   string     `gorm:"primaryKey;size:36" json:"id"`
	TenantID             string     `gorm:"size:36;not null;index:idx_alerts_tenant_state,priority:1" json:"tenant_id"`
	RuleID               string     `gorm:"size:36;not null;index" json:"rule_id"`
	DeviceID             string     `gorm:"size:36;not null" json:"device_id"`
	Fingerprint          string     `gorm:"size:64;not null;index" json:"fingerprint"`
	CorrelationGroup     string     `gorm:"size:200;default:''" json:"correlation_group"`
	State                string     `gorm:"size:20;not null;index:idx_alerts_tenant_state,priority:2" json:"state"`
	Severity             string     `gorm:"size:20;not null" json:"severity"`
	OpenedAt             time.Time  `gorm:"not null" json:"opened_at"`
	LastSeen             time.Time  `gorm:"not null" json:"last_seen"`
	HitCount             int64      `gorm:"not null;default:1" json:"hit_count"`
	Observed             float64    `json:"observed"`
	AckDeadline          *time.Time `json:"ack_deadline,omitempty"`
	ResolveDeadline      *time.Time `json:"resolve_deadline,omitempty"`
	AckBreached          bool       `gorm:"not null;default:false" json:"ack_breached"`
	ResolveBreached      bool       `gorm:"not null;default:false" json:"resolve_breached"`
	AckedBy              string     `gorm:"size:100;default:''" json:"acked_by,omitempty"`
	AckedAt              *time.Time `json:"acked_at,omitempty"`
	EscalationStep       int        `gorm:"not null;default:0" json:"escalation_step"`
	EscalationExhausted  bool       `gorm:"not null;default:false" json:"escalation_exhausted"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for GORM.
func (AlertInstance) TableName() string {
	return "alert_instances"
}

// AlertTransition is one append-only entry in an alert's transition log.
// IdempotencyKey is (alert_id, to_state, reason); a duplicate insert is
// detected by the unique index and treated as success.
type AlertTransition struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	AlertID        string    `gorm:"size:36;not null;index:idx_transitions_alert,priority:1;uniqueIndex:idx_transitions_idem,priority:1" json:"alert_id"`
	FromState      string    `gorm:"size:20;not null" json:"from_state"`
	ToState        string    `gorm:"size:20;not null;uniqueIndex:idx_transitions_idem,priority:2" json:"to_state"`
	Reason         string    `gorm:"size:200;not null;uniqueIndex:idx_transitions_idem,priority:3" json:"reason"`
	Actor          string    `gorm:"size:100;not null" json:"actor"`
	At             time.Time `gorm:"not null;index:idx_transitions_alert,priority:2" json:"at"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for GORM.
func (AlertTransition) TableName() string {
	return "alert_transitions"
}

// SLABreach records an observed deadline crossing. Breaches never change
// alert state by themselves.
type SLABreach struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	AlertID   string    `gorm:"size:36;not null;uniqueIndex:idx_breach_alert_kind,priority:1" json:"alert_id"`
	Kind      string    `gorm:"size:20;not null;uniqueIndex:idx_breach_alert_kind,priority:2" json:"kind"`
	Deadline  time.Time `gorm:"not null" json:"deadline"`
	BreachedAt time.Time `gorm:"not null" json:"breached_at"`
}

// TableName returns the table name for GORM.
func (SLABreach) TableName() string {
	return "sla_breaches"
}

// SLA breach kinds.
const (
	BreachAck     = "ack"
	BreachResolve = "resolve"
)
