package repository

import (
	"context"
	"time"

	"github.com/tidemark-io/tidemark/internal/entities"
)

// AlertFilter narrows alert list queries.
type AlertFilter struct {
	State    string
	RuleID   string
	DeviceID string
	Severity string
}

// AlertRepository handles alert instances, their append-only transition
// log, and SLA breach records.
type AlertRepository interface {
	Create(ctx context.Context, alert *entities.AlertInstance) error
	Get(ctx context.Context, tenantID, id string) (*entities.AlertInstance, error)
	GetByID(ctx context.Context, id string) (*entities.AlertInstance, error)
	// GetOpenByFingerprint returns the single non-terminal instance for the
	// fingerprint, or ErrAlertNotFound.
	GetOpenByFingerprint(ctx context.Context, tenantID, fingerprint string) (*entities.AlertInstance, error)
	Update(ctx context.Context, alert *entities.AlertInstance) error
	List(ctx context.Context, tenantID string, filter AlertFilter, page Page) ([]entities.AlertInstance, string, error)
	ListOpen(ctx context.Context) ([]entities.AlertInstance, error)
	// ListOpenPastDeadline returns non-terminal alerts whose ack or resolve
	// deadline precedes the given instant and is not yet marked breached.
	ListOpenPastDeadline(ctx context.Context, now time.Time) ([]entities.AlertInstance, error)

	// AppendTransition inserts a transition log entry. Duplicate
	// (alert, to_state, reason) entries return (false, nil) so transitions
	// stay idempotent.
	AppendTransition(ctx context.Context, transition *entities.AlertTransition) (bool, error)
	// HasTransition reports whether the (alert, to_state, reason) entry is
	// already logged.
	HasTransition(ctx context.Context, alertID, toState, reason string) (bool, error)
	ListTransitions(ctx context.Context, alertID string) ([]entities.AlertTransition, error)

	// RecordBreach inserts an SLA breach row once per (alert, kind).
	RecordBreach(ctx context.Context, breach *entities.SLABreach) (bool, error)
}
