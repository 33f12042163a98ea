package entities

import "time"

// Rule trigger families.
const (
	RuleFamilyThreshold    = "threshold"
	RuleFamilyWindow       = "window"
	RuleFamilyRateOfChange = "rate_of_change"
	RuleFamilyExpression   = "expression"
)

// Window aggregate functions.
const (
	AggregateAvg    = "avg"
	AggregateMin    = "min"
	AggregateMax    = "max"
	AggregateStddev = "stddev"
	AggregateCount  = "count"
	AggregateRate   = "rate"
)

// Comparison operators for rule predicates.
const (
	OperatorGreaterThan    = "greater_than"
	OperatorLessThan       = "less_than"
	OperatorGreaterOrEqual = "greater_or_equal"
	OperatorLessOrEqual    = "less_or_equal"
	OperatorEqual          = "equal"
	OperatorNotEqual       = "not_equal"
)

// Alert severities, ordered weakest to strongest.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// SeverityRank orders severities for monotonic upgrades.
func SeverityRank(severity string) int {
	switch severity {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// RuleDefinition is a versioned, tenant-owned alerting rule. The tagged
// Family column selects which parameter columns are meaningful:
//
//   - threshold: Key, RisingBound, FallingBound, Operator
//   - window: Key, WindowDur, Aggregate, Operator, BoundValue
//   - rate_of_change: Key, WindowDur, BoundValue (|Δv|/Δt bound per second)
//   - expression: Expression (named sensor keys, pure functions only)
//
// DwellDur > 0 wraps any family with dead-band flap suppression: the
// condition must hold continuously for the dwell before a hit is emitted.
type RuleDefinition struct {
	ID                 string    `gorm:"primaryKey;size:36" json:"id"`
	TenantID           string    `gorm:"size:36;not null;index:idx_rules_tenant_enabled,priority:1" json:"tenant_id"`
	Name               string    `gorm:"size:200;not null" json:"name"`
	Version            int       `gorm:"not null;default:1" json:"version"`
	Enabled            bool      `gorm:"not null;index:idx_rules_tenant_enabled,priority:2" json:"enabled"`
	DeviceID           string    `gorm:"size:36;default:'';index" json:"device_id"`
	DeviceTag          string    `gorm:"size:100;default:''" json:"device_tag"`
	Family             string    `gorm:"size:20;not null" json:"family"`
	Key                string    `gorm:"size:100;default:''" json:"key"`
	Operator           string    `gorm:"size:20;default:''" json:"operator"`
	BoundValue         float64   `json:"bound_value"`
	RisingBound        float64   `json:"rising_bound"`
	FallingBound       float64   `json:"falling_bound"`
	Aggregate          string    `gorm:"size:10;default:''" json:"aggregate"`
	WindowSec          int       `gorm:"not null;default:0" json:"window_sec"`
	DwellSec           int       `gorm:"not null;default:0" json:"dwell_sec"`
	Expression         string    `gorm:"size:1000;default:''" json:"expression"`
	CooldownSec        int       `gorm:"not null;default:300" json:"cooldown_sec"`
	Severity           string    `gorm:"size:20;not null;default:'warning'" json:"severity"`
	CorrelationTag     string    `gorm:"size:100;default:''" json:"correlation_tag"`
	EscalationPolicyID string    `gorm:"size:36;default:''" json:"escalation_policy_id"`
	WebhookURL         string    `gorm:"size:500;default:''" json:"webhook_url"`
	EmailTarget        string    `gorm:"size:200;default:''" json:"email_target"`
	ChatURL            string    `gorm:"size:500;default:''" json:"chat_url"`
	Degraded           bool      `gorm:"not null;default:false" json:"degraded"`
	DegradedReason     string    `gorm:"size:500;default:''" json:"degraded_reason"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for GORM.
func (RuleDefinition) TableName() string {
	return "rule_definitions"
}

// MatchesDevice reports whether the rule's target selector covers the device.
func (r *RuleDefinition) MatchesDevice(deviceID string, deviceTags []string) bool {
	if r.DeviceID != "" {
		return r.DeviceID == deviceID
	}
	if r.DeviceTag != "" {
		for _, tag := range deviceTags {
			if tag == r.DeviceTag {
				return true
			}
		}
		return false
	}
	// No selector means all devices of the tenant.
	return true
}
