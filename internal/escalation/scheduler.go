// Package escalation walks alerts through their escalation policies,
// resolving each step's responder and handing deliveries to the
// dispatcher. Firing times are durable; a restart never re-notifies a
// served step.
package escalation

import (
	"context"
	"sync"
	"time"

	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/errors"
	"github.com/tidemark-io/tidemark/internal/logger"
	"github.com/tidemark-io/tidemark/internal/repository"
)

const tickInterval = 5 * time.Second

// Notification is one delivery request handed to the dispatcher. The
// dispatcher owns retries; the scheduler advances on its ack windows
// regardless of delivery outcome.
type Notification struct {
	Alert     *entities.AlertInstance
	Rule      *entities.RuleDefinition
	Channel   string
	Target    string
	StepIndex int
}

// Notifier queues notifications for asynchronous delivery.
type Notifier interface {
	Notify(ctx context.Context, n *Notification)
}

// Scheduler implements the alert manager's escalation hooks and drives
// step firing from durable checkpoints.
type Scheduler struct {
	escalations repository.EscalationRepository
	alerts      repository.AlertRepository
	rules       repository.RuleRepository
	notifier    Notifier
	log         logger.Logger

	stop chan struct{}
	done sync.WaitGroup
}

// NewScheduler creates an escalation scheduler.
func NewScheduler(
	escalations repository.EscalationRepository,
	alerts repository.AlertRepository,
	rules repository.RuleRepository,
	notifier Notifier,
	log logger.Logger,
) *Scheduler {
	return &Scheduler{
		escalations: escalations,
		alerts:      alerts,
		rules:       rules,
		notifier:    notifier,
		log:         log,
		stop:        make(chan struct{}),
	}
}

// Start launches the firing loop. Due checkpoints from before the restart
// are picked up on the first tick.
func (s *Scheduler) Start(ctx context.Context) {
	s.done.Add(1)
	go func() {
		defer s.done.Done()
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.fireDue(ctx, time.Now().UTC())
			}
		}
	}()
}

// Stop halts the firing loop.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.done.Wait()
}

// AlertOpened sends the rule's direct notifications immediately and
// schedules the first policy step.
func (s *Scheduler) AlertOpened(ctx context.Context, alert *entities.AlertInstance, rule *entities.RuleDefinition) {
	s.notifyRuleChannels(ctx, alert, rule)

	if rule.EscalationPolicyID == "" {
		return
	}
	policy, err := s.escalations.GetPolicy(ctx, alert.TenantID, rule.EscalationPolicyID)
	if err != nil {
		s.log.Error("escalation policy lookup failed",
			logger.String("alert_id", alert.ID),
			logger.String("policy_id", rule.EscalationPolicyID),
			logger.Error(err))
		return
	}
	if len(policy.Steps) == 0 {
		return
	}
	checkpoint := &entities.EscalationCheckpoint{
		AlertID:   alert.ID,
		PolicyID:  policy.ID,
		StepIndex: 0,
		FireAt:    alert.OpenedAt.Add(time.Duration(policy.Steps[0].DelaySec) * time.Second),
	}
	if err := s.escalations.SaveCheckpoint(ctx, checkpoint); err != nil {
		s.log.Error("escalation checkpoint save failed", logger.String("alert_id", alert.ID), logger.Error(err))
	}
}

// AlertAcknowledged cancels pending escalation; an acknowledged alert has
// a responder.
func (s *Scheduler) AlertAcknowledged(ctx context.Context, alert *entities.AlertInstance) {
	s.cancel(ctx, alert.ID)
}

// AlertClosed cancels pending escalation for a terminal alert.
func (s *Scheduler) AlertClosed(ctx context.Context, alertID string) {
	s.cancel(ctx, alertID)
}

// StepCompleted is the dispatcher's delivery report for a served step. A
// step whose every attempt failed permanently buys the alert nothing, so
// its ack window is forfeited and the next firing is pulled forward.
func (s *Scheduler) StepCompleted(ctx context.Context, alertID string, stepIndex int, delivered bool) {
	if delivered {
		return
	}
	checkpoint, err := s.escalations.GetCheckpoint(ctx, alertID)
	if err != nil {
		return
	}
	if checkpoint.StepIndex != stepIndex+1 {
		// A later step already fired; the report is stale.
		return
	}
	now := time.Now().UTC()
	if !checkpoint.FireAt.After(now) {
		return
	}
	checkpoint.FireAt = now
	if err := s.escalations.SaveCheckpoint(ctx, checkpoint); err != nil {
		s.log.Error("escalation checkpoint save failed", logger.String("alert_id", alertID), logger.Error(err))
		return
	}
	s.log.Warn("escalation step undeliverable, advancing",
		logger.String("alert_id", alertID),
		logger.Int("step", stepIndex))
}

func (s *Scheduler) cancel(ctx context.Context, alertID string) {
	if err := s.escalations.DeleteCheckpoint(ctx, alertID); err != nil {
		s.log.Error("escalation cancel failed", logger.String("alert_id", alertID), logger.Error(err))
	}
}

func (s *Scheduler) notifyRuleChannels(ctx context.Context, alert *entities.AlertInstance, rule *entities.RuleDefinition) {
	targets := []struct{ channel, target string }{
		{entities.ChannelWebhook, rule.WebhookURL},
		{entities.ChannelEmail, rule.EmailTarget},
		{entities.ChannelChat, rule.ChatURL},
	}
	for _, t := range targets {
		if t.target == "" {
			continue
		}
		s.notifier.Notify(ctx, &Notification{
			Alert:   alert,
			Rule:    rule,
			Channel: t.channel,
			Target:  t.target,
		})
	}
}

func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	due, err := s.escalations.ListDue(ctx, now)
	if err != nil {
		s.log.Error("escalation scan failed", logger.Error(err))
		return
	}
	for i := range due {
		s.fireStep(ctx, &due[i], now)
	}
}

// fireStep serves one due checkpoint: resolve the responder, queue the
// notification, bump the alert's step cursor, and schedule the next step.
// The next step waits for both its own delay and the current step's ack
// window.
func (s *Scheduler) fireStep(ctx context.Context, checkpoint *entities.EscalationCheckpoint, now time.Time) {
	alert, err := s.alerts.GetByID(ctx, checkpoint.AlertID)
	if err != nil {
		if errors.Is(err, repository.ErrAlertNotFound) {
			s.cancel(ctx, checkpoint.AlertID)
			return
		}
		s.log.Error("alert lookup failed", logger.String("alert_id", checkpoint.AlertID), logger.Error(err))
		return
	}
	if entities.IsTerminalAlertState(alert.State) || alert.AckedAt != nil {
		s.cancel(ctx, checkpoint.AlertID)
		return
	}

	policy, err := s.escalations.GetPolicy(ctx, alert.TenantID, checkpoint.PolicyID)
	if err != nil {
		s.log.Error("escalation policy lookup failed", logger.String("alert_id", alert.ID), logger.Error(err))
		s.cancel(ctx, checkpoint.AlertID)
		return
	}
	if checkpoint.StepIndex >= len(policy.Steps) {
		s.exhaust(ctx, alert, checkpoint)
		return
	}
	step := policy.Steps[checkpoint.StepIndex]

	target, err := s.resolveTarget(ctx, alert.TenantID, &step, now)
	if err != nil {
		s.log.Warn("escalation target unresolved",
			logger.String("alert_id", alert.ID),
			logger.Int("step", step.StepIndex),
			logger.Error(err))
	} else {
		var rule *entities.RuleDefinition
		if r, err := s.rules.Get(ctx, alert.TenantID, alert.RuleID); err == nil {
			rule = r
		}
		s.notifier.Notify(ctx, &Notification{
			Alert:     alert,
			Rule:      rule,
			Channel:   step.Channel,
			Target:    target,
			StepIndex: step.StepIndex,
		})
	}

	alert.EscalationStep = checkpoint.StepIndex + 1
	if err := s.alerts.Update(ctx, alert); err != nil {
		s.log.Error("alert step update failed", logger.String("alert_id", alert.ID), logger.Error(err))
	}

	// The cursor moving past the last step marks the exhaustion deadline:
	// the checkpoint fires once more after the final ack window, and only
	// an alert still un-acked then is flagged exhausted.
	next := checkpoint.StepIndex + 1
	fireAt := now.Add(time.Duration(step.AckWindowSec) * time.Second)
	if next < len(policy.Steps) {
		if delayAt := alert.OpenedAt.Add(time.Duration(policy.Steps[next].DelaySec) * time.Second); delayAt.After(fireAt) {
			fireAt = delayAt
		}
	}
	checkpoint.StepIndex = next
	checkpoint.FireAt = fireAt
	checkpoint.Served = false
	if err := s.escalations.SaveCheckpoint(ctx, checkpoint); err != nil {
		s.log.Error("escalation checkpoint save failed", logger.String("alert_id", alert.ID), logger.Error(err))
	}
}

// exhaust marks the alert and retires the checkpoint; the last step's ack
// window elapsed with nobody acknowledging.
func (s *Scheduler) exhaust(ctx context.Context, alert *entities.AlertInstance, checkpoint *entities.EscalationCheckpoint) {
	if !alert.EscalationExhausted {
		alert.EscalationExhausted = true
		if err := s.alerts.Update(ctx, alert); err != nil {
			s.log.Error("alert exhaust update failed", logger.String("alert_id", alert.ID), logger.Error(err))
		}
		s.log.Warn("escalation exhausted",
			logger.String("alert_id", alert.ID),
			logger.String("tenant_id", alert.TenantID))
	}
	s.cancel(ctx, checkpoint.AlertID)
}

// resolveTarget turns a step target into a concrete delivery address.
func (s *Scheduler) resolveTarget(ctx context.Context, tenantID string, step *entities.EscalationStep, now time.Time) (string, error) {
	switch step.TargetType {
	case entities.TargetUser, entities.TargetRole:
		return step.Target, nil
	case entities.TargetOnCall:
		return s.resolveOnCall(ctx, tenantID, step.Target, now)
	default:
		return "", errors.Newf(errors.KindValidationFailed, "unknown target type %q", step.TargetType)
	}
}

// resolveOnCall returns the responder covering now, with overrides taking
// precedence over the regular shift schedule.
func (s *Scheduler) resolveOnCall(ctx context.Context, tenantID, rotationID string, now time.Time) (string, error) {
	rotation, err := s.escalations.GetRotation(ctx, tenantID, rotationID)
	if err != nil {
		return "", errors.Wrap(errors.KindInternal, "rotation lookup failed", err)
	}
	for i := range rotation.Overrides {
		if rotation.Overrides[i].Covers(now) {
			return rotation.Overrides[i].UserID, nil
		}
	}
	for i := range rotation.Shifts {
		if rotation.Shifts[i].Covers(now) {
			return rotation.Shifts[i].UserID, nil
		}
	}
	return "", errors.Newf(errors.KindNotFound, "rotation %s has no responder on call", rotationID)
}
