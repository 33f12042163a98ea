package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/logger"
)

const scanInterval = 30 * time.Second

// Scanner walks open alerts on a timer, recording SLA breaches and
// expiring abandoned alerts. Breaches mark the instance but never change
// its state; only the abandonment policy moves an alert to expired.
type Scanner struct {
	manager *Manager
	stop    chan struct{}
	done    sync.WaitGroup
}

// NewScanner creates a scanner bound to the manager.
func NewScanner(manager *Manager) *Scanner {
	return &Scanner{manager: manager, stop: make(chan struct{})}
}

// Start launches the scan loop.
func (s *Scanner) Start(ctx context.Context) {
	s.done.Add(1)
	go func() {
		defer s.done.Done()
		ticker := time.NewTicker(scanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				now := time.Now().UTC()
				s.scanBreaches(ctx, now)
				s.scanAbandoned(ctx, now)
			}
		}
	}()
}

// Stop halts the scan loop.
func (s *Scanner) Stop() {
	close(s.stop)
	s.done.Wait()
}

func (s *Scanner) scanBreaches(ctx context.Context, now time.Time) {
	m := s.manager
	overdue, err := m.alerts.ListOpenPastDeadline(ctx, now)
	if err != nil {
		m.log.Error("deadline scan failed", logger.Error(err))
		return
	}
	for i := range overdue {
		alert := &overdue[i]
		mu := m.lock(alert.Fingerprint)
		mu.Lock()
		s.recordBreaches(ctx, alert, now)
		mu.Unlock()
	}
}

func (s *Scanner) recordBreaches(ctx context.Context, alert *entities.AlertInstance, now time.Time) {
	m := s.manager
	changed := false
	if alert.AckDeadline != nil && !alert.AckBreached &&
		alert.AckDeadline.Before(now) && alert.AckedAt == nil {
		if s.recordBreach(ctx, alert.ID, entities.BreachAck, *alert.AckDeadline, now) {
			alert.AckBreached = true
			changed = true
		}
	}
	if alert.ResolveDeadline != nil && !alert.ResolveBreached && alert.ResolveDeadline.Before(now) {
		if s.recordBreach(ctx, alert.ID, entities.BreachResolve, *alert.ResolveDeadline, now) {
			alert.ResolveBreached = true
			changed = true
		}
	}
	if !changed {
		return
	}
	if err := m.alerts.Update(ctx, alert); err != nil {
		m.log.Error("breach mark failed", logger.String("alert_id", alert.ID), logger.Error(err))
		return
	}
	m.publish(&Event{Alert: alert, Change: "sla_breach", RuleID: alert.RuleID})
	m.log.Warn("sla deadline breached",
		logger.String("alert_id", alert.ID),
		logger.String("tenant_id", alert.TenantID),
		logger.String("severity", alert.Severity))
}

func (s *Scanner) recordBreach(ctx context.Context, alertID, kind string, deadline, now time.Time) bool {
	inserted, err := s.manager.alerts.RecordBreach(ctx, &entities.SLABreach{
		AlertID:    alertID,
		Kind:       kind,
		Deadline:   deadline,
		BreachedAt: now,
	})
	if err != nil {
		s.manager.log.Error("breach record failed", logger.String("alert_id", alertID), logger.Error(err))
		return false
	}
	return inserted
}

// scanAbandoned expires non-terminal alerts that have seen no hit and no
// operator action for the configured abandonment window.
func (s *Scanner) scanAbandoned(ctx context.Context, now time.Time) {
	m := s.manager
	window := m.cfg.AbandonAfter.Std()
	if window <= 0 {
		return
	}
	open, err := m.alerts.ListOpen(ctx)
	if err != nil {
		m.log.Error("open alert scan failed", logger.Error(err))
		return
	}
	cutoff := now.Add(-window)
	for i := range open {
		alert := &open[i]
		idle := alert.LastSeen
		if alert.UpdatedAt.After(idle) {
			idle = alert.UpdatedAt
		}
		if !idle.Before(cutoff) {
			continue
		}
		if _, err := m.Transition(ctx, alert.TenantID, alert.ID, entities.AlertExpired, ActorSystem, ReasonAbandoned); err != nil {
			m.log.Error("abandon transition failed", logger.String("alert_id", alert.ID), logger.Error(err))
		}
	}
}
