package alerts

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tidemark-io/tidemark/internal/conf"
	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/errors"
	"github.com/tidemark-io/tidemark/internal/logger"
	"github.com/tidemark-io/tidemark/internal/metrics"
	"github.com/tidemark-io/tidemark/internal/repository"
	"github.com/tidemark-io/tidemark/internal/rules"
)

// Transition reasons written by the platform itself.
const (
	ReasonRuleHit   = "rule_hit"
	ReasonAbandoned = "abandoned"
	ActorSystem     = "system"
)

// Escalator is notified of lifecycle edges the escalation scheduler cares
// about. A nil escalator disables escalation.
type Escalator interface {
	AlertOpened(ctx context.Context, alert *entities.AlertInstance, rule *entities.RuleDefinition)
	AlertAcknowledged(ctx context.Context, alert *entities.AlertInstance)
	AlertClosed(ctx context.Context, alertID string)
}

// Event is published to listeners after an alert changes.
type Event struct {
	Alert   *entities.AlertInstance `json:"alert"`
	Change  string                  `json:"change"`
	RuleID  string                  `json:"rule_id"`
}

// stateRank orders the forward lifecycle. Transitions never move to a
// lower rank; terminal states absorb everything.
var stateRank = map[string]int{
	entities.AlertOpen:          0,
	entities.AlertAcknowledged:  1,
	entities.AlertInvestigating: 2,
	entities.AlertResolved:      3,
}

// Manager applies rule hits and guarded transitions to alert instances.
// All writes to one fingerprint are serialized through a striped lock, so
// concurrent hits and API transitions cannot interleave their
// read-modify-write cycles.
type Manager struct {
	cfg       conf.AlertSettings
	alerts    repository.AlertRepository
	ops       repository.OpsRepository
	escalator Escalator
	metrics   *metrics.Metrics
	log       logger.Logger

	locks [64]sync.Mutex

	listenersMu sync.RWMutex
	listeners   []func(*Event)
}

// NewManager creates an alert manager.
func NewManager(
	cfg conf.AlertSettings,
	alerts repository.AlertRepository,
	ops repository.OpsRepository,
	m *metrics.Metrics,
	log logger.Logger,
) *Manager {
	return &Manager{cfg: cfg, alerts: alerts, ops: ops, metrics: m, log: log}
}

// SetEscalator attaches the escalation scheduler. Called once at wiring
// time, before any hit flows.
func (m *Manager) SetEscalator(e Escalator) { m.escalator = e }

// AddListener registers a callback for alert events. Callbacks must not
// block.
func (m *Manager) AddListener(fn func(*Event)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) publish(event *Event) {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	for _, fn := range m.listeners {
		fn(event)
	}
}

func (m *Manager) lock(fingerprint string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(fingerprint))
	return &m.locks[h.Sum32()%uint32(len(m.locks))]
}

// HandleHit implements rules.Sink. A hit for an open fingerprint folds
// into the existing instance; a fresh, unsuppressed hit opens a new one.
func (m *Manager) HandleHit(ctx context.Context, hit *rules.Hit) {
	fp := Fingerprint(hit.Rule, hit.DeviceID)
	mu := m.lock(fp)
	mu.Lock()
	defer mu.Unlock()

	existing, err := m.alerts.GetOpenByFingerprint(ctx, hit.Rule.TenantID, fp)
	switch {
	case err == nil:
		m.foldHit(ctx, existing, hit)
	case errors.Is(err, repository.ErrAlertNotFound):
		if hit.Suppressed {
			return
		}
		m.openAlert(ctx, fp, hit)
	default:
		m.log.Error("alert lookup failed", logger.String("fingerprint", fp), logger.Error(err))
	}
}

// foldHit updates the open instance in place. Severity only ever rises;
// an upgrade tightens the deadlines to the stricter severity's targets.
func (m *Manager) foldHit(ctx context.Context, alert *entities.AlertInstance, hit *rules.Hit) {
	alert.LastSeen = hit.At
	alert.HitCount++
	alert.Observed = hit.Observed
	if entities.SeverityRank(hit.Rule.Severity) > entities.SeverityRank(alert.Severity) {
		alert.Severity = hit.Rule.Severity
		ack, resolve := m.deadlines(alert.OpenedAt, alert.Severity)
		if ack != nil && (alert.AckDeadline == nil || ack.Before(*alert.AckDeadline)) {
			alert.AckDeadline = ack
		}
		if resolve != nil && (alert.ResolveDeadline == nil || resolve.Before(*alert.ResolveDeadline)) {
			alert.ResolveDeadline = resolve
		}
	}
	if err := m.alerts.Update(ctx, alert); err != nil {
		m.log.Error("alert update failed", logger.String("alert_id", alert.ID), logger.Error(err))
		return
	}
	m.publish(&Event{Alert: alert, Change: "hit", RuleID: alert.RuleID})
}

func (m *Manager) openAlert(ctx context.Context, fingerprint string, hit *rules.Hit) {
	now := hit.At
	alert := &entities.AlertInstance{
		ID:               uuid.NewString(),
		TenantID:         hit.Rule.TenantID,
		RuleID:           hit.Rule.ID,
		DeviceID:         hit.DeviceID,
		Fingerprint:      fingerprint,
		CorrelationGroup: hit.Rule.CorrelationTag,
		State:            entities.AlertOpen,
		Severity:         hit.Rule.Severity,
		OpenedAt:         now,
		LastSeen:         now,
		HitCount:         1,
		Observed:         hit.Observed,
	}
	alert.AckDeadline, alert.ResolveDeadline = m.deadlines(now, alert.Severity)

	if err := m.alerts.Create(ctx, alert); err != nil {
		m.log.Error("alert create failed", logger.String("fingerprint", fingerprint), logger.Error(err))
		return
	}
	if _, err := m.alerts.AppendTransition(ctx, &entities.AlertTransition{
		AlertID:   alert.ID,
		FromState: "",
		ToState:   entities.AlertOpen,
		Reason:    ReasonRuleHit,
		Actor:     ActorSystem,
		At:        now,
	}); err != nil {
		m.log.Error("transition log failed", logger.String("alert_id", alert.ID), logger.Error(err))
	}
	m.metrics.AlertTransitions.WithLabelValues(entities.AlertOpen).Inc()
	m.audit(ctx, alert, ActorSystem, "alerts:open")

	if m.escalator != nil {
		m.escalator.AlertOpened(ctx, alert, hit.Rule)
	}
	m.publish(&Event{Alert: alert, Change: entities.AlertOpen, RuleID: alert.RuleID})
	m.log.Info("alert opened",
		logger.String("alert_id", alert.ID),
		logger.String("tenant_id", alert.TenantID),
		logger.String("rule_id", alert.RuleID),
		logger.String("severity", alert.Severity))
}

// Transition applies a guarded state change. Repeating an already applied
// (state, reason) pair succeeds without effect; moving backwards or out of
// a terminal state fails with conflict.
func (m *Manager) Transition(ctx context.Context, tenantID, alertID, toState, actor, reason string) (*entities.AlertInstance, error) {
	found, err := m.alerts.Get(ctx, tenantID, alertID)
	if err != nil {
		if errors.Is(err, repository.ErrAlertNotFound) {
			return nil, errors.Newf(errors.KindNotFound, "alert %s not found", alertID)
		}
		return nil, errors.Wrap(errors.KindInternal, "alert lookup failed", err)
	}

	mu := m.lock(found.Fingerprint)
	mu.Lock()
	defer mu.Unlock()

	alert, err := m.alerts.Get(ctx, tenantID, alertID)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "alert lookup failed", err)
	}
	if err := guardTransition(alert.State, toState); err != nil {
		// An exact repeat of a recorded transition is an idempotent retry.
		// Only a lookup here; a repeat with a different reason must not
		// grow the transition log.
		if alert.State == toState {
			seen, txErr := m.alerts.HasTransition(ctx, alertID, toState, reason)
			if txErr == nil && seen {
				return alert, nil
			}
		}
		return nil, err
	}

	now := time.Now().UTC()
	applied, err := m.alerts.AppendTransition(ctx, &entities.AlertTransition{
		AlertID:   alertID,
		FromState: alert.State,
		ToState:   toState,
		Reason:    reason,
		Actor:     actor,
		At:        now,
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "transition log failed", err)
	}
	if !applied {
		// Another caller already applied this exact transition.
		return alert, nil
	}

	alert.State = toState
	if toState == entities.AlertAcknowledged {
		alert.AckedBy = actor
		alert.AckedAt = &now
	}
	if err := m.alerts.Update(ctx, alert); err != nil {
		return nil, errors.Wrap(errors.KindInternal, "alert update failed", err)
	}
	m.metrics.AlertTransitions.WithLabelValues(toState).Inc()
	m.audit(ctx, alert, actor, "alerts:"+toState)

	if m.escalator != nil {
		switch {
		case toState == entities.AlertAcknowledged:
			m.escalator.AlertAcknowledged(ctx, alert)
		case entities.IsTerminalAlertState(toState):
			m.escalator.AlertClosed(ctx, alert.ID)
		}
	}
	m.publish(&Event{Alert: alert, Change: toState, RuleID: alert.RuleID})
	return alert, nil
}

// guardTransition enforces the forward-only lifecycle.
func guardTransition(from, to string) error {
	if entities.IsTerminalAlertState(from) {
		return errors.Newf(errors.KindConflict, "alert is %s; terminal states accept no transitions", from)
	}
	switch to {
	case entities.AlertSuppressed, entities.AlertExpired:
		// Allowed from any non-terminal state.
		return nil
	case entities.AlertAcknowledged, entities.AlertInvestigating, entities.AlertResolved:
		if stateRank[to] <= stateRank[from] {
			return errors.Newf(errors.KindConflict, "cannot move %s alert to %s", from, to)
		}
		return nil
	default:
		return errors.Newf(errors.KindValidationFailed, "unknown alert state %q", to)
	}
}

// deadlines computes the SLA deadlines for a severity, or nil when the
// deployment configures none.
func (m *Manager) deadlines(openedAt time.Time, severity string) (ack, resolve *time.Time) {
	target, ok := m.cfg.SLA[severity]
	if !ok {
		return nil, nil
	}
	if d := target.Ack.Std(); d > 0 {
		t := openedAt.Add(d)
		ack = &t
	}
	if d := target.Resolve.Std(); d > 0 {
		t := openedAt.Add(d)
		resolve = &t
	}
	return ack, resolve
}

func (m *Manager) audit(ctx context.Context, alert *entities.AlertInstance, actor, action string) {
	record := &entities.AuditRecord{
		TenantID:  alert.TenantID,
		Principal: actor,
		Action:    action,
		Resource:  "alert/" + alert.ID,
		Decision:  "applied",
		At:        time.Now().UTC(),
	}
	if err := m.ops.AppendAudit(ctx, record); err != nil {
		m.log.Error("failed to write audit record", logger.String("alert_id", alert.ID), logger.Error(err))
	}
}
