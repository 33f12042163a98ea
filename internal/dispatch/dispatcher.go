// Package dispatch delivers alert notifications over webhook, email, and
// chat channels with signing, retries, rate limits, and an append-only
// attempt log.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tidemark-io/tidemark/internal/conf"
	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/errors"
	"github.com/tidemark-io/tidemark/internal/escalation"
	"github.com/tidemark-io/tidemark/internal/logger"
	"github.com/tidemark-io/tidemark/internal/metrics"
	"github.com/tidemark-io/tidemark/internal/repository"
)

// reasonForbiddenDestination is the stable attempt reason recorded when
// the destination guard refuses a webhook target.
const reasonForbiddenDestination = "forbidden_destination"

// Completer receives the final delivery outcome of a step. The escalation
// scheduler uses failure reports to advance past an undeliverable step.
type Completer interface {
	StepCompleted(ctx context.Context, alertID string, stepIndex int, delivered bool)
}

// Dispatcher owns the delivery worker pool. Each destination is rate
// limited independently; a global semaphore caps in-flight deliveries so
// one slow receiver cannot absorb every worker.
type Dispatcher struct {
	cfg       conf.DispatchSettings
	tenants   repository.TenantRepository
	attempts  repository.NotificationRepository
	webhook   *webhookSender
	email     *emailSender
	chat      chatSender
	completer Completer
	metrics   *metrics.Metrics
	log       logger.Logger

	jobs chan *escalation.Notification
	sem  chan struct{}

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	stop chan struct{}
	done sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(
	cfg conf.DispatchSettings,
	tenants repository.TenantRepository,
	attempts repository.NotificationRepository,
	secretSalt string,
	m *metrics.Metrics,
	log logger.Logger,
) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		tenants:  tenants,
		attempts: attempts,
		webhook:  &webhookSender{secretSalt: secretSalt, timeout: cfg.AttemptTimeout.Std()},
		email:    &emailSender{cfg: cfg.SMTP},
		metrics:  m,
		log:      log,
		jobs:     make(chan *escalation.Notification, 256),
		sem:      make(chan struct{}, cfg.MaxConcurrency),
		limiters: make(map[string]*rate.Limiter),
		stop:     make(chan struct{}),
	}
}

// SetCompleter attaches the step-completion listener. Called once at
// wiring time, before any delivery flows.
func (d *Dispatcher) SetCompleter(c Completer) { d.completer = c }

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.done.Add(1)
		go d.runWorker(ctx)
	}
}

// Stop halts intake and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	close(d.stop)
	d.done.Wait()
}

// Notify implements escalation.Notifier. Intake never blocks; an overrun
// queue sheds the notification and records the fact.
func (d *Dispatcher) Notify(_ context.Context, n *escalation.Notification) {
	select {
	case d.jobs <- n:
	default:
		d.metrics.DispatchOutcomes.WithLabelValues(n.Channel, "dropped").Inc()
		d.log.Error("dispatch queue full, notification dropped",
			logger.String("alert_id", n.Alert.ID),
			logger.String("channel", n.Channel))
	}
}

func (d *Dispatcher) runWorker(ctx context.Context) {
	defer d.done.Done()
	for {
		select {
		case <-d.stop:
			return
		case job := <-d.jobs:
			d.sem <- struct{}{}
			d.deliver(ctx, job)
			<-d.sem
		}
	}
}

// limiter returns the per-destination rate limiter.
func (d *Dispatcher) limiter(target string) *rate.Limiter {
	d.limMu.Lock()
	defer d.limMu.Unlock()
	lim, ok := d.limiters[target]
	if !ok {
		lim = rate.NewLimiter(rate.Every(d.cfg.MinInterval.Std()), 1)
		d.limiters[target] = lim
	}
	return lim
}

// deliver runs the retry loop for one notification. Every try appends an
// attempt row; delivery success or a permanent failure ends the loop.
func (d *Dispatcher) deliver(ctx context.Context, job *escalation.Notification) {
	payload, err := d.buildPayload(job)
	if err != nil {
		d.record(ctx, job, 0, entities.AttemptPermanentFailure, err.Error(), "")
		if d.completer != nil {
			d.completer.StepCompleted(ctx, job.Alert.ID, job.StepIndex, false)
		}
		return
	}

	budget, cancel := context.WithTimeout(ctx, d.cfg.StepBudget.Std())
	defer cancel()

	policy := backoff.WithContext(backoff.WithMaxRetries(
		newExponential(d.cfg.InitialBackoff.Std(), d.cfg.MaxBackoff.Std()),
		uint64(d.cfg.MaxAttempts-1),
	), budget)

	op := func() error {
		if err := d.limiter(job.Target).Wait(budget); err != nil {
			return backoff.Permanent(err)
		}
		attemptCtx, cancel := context.WithTimeout(budget, d.cfg.AttemptTimeout.Std())
		defer cancel()

		attemptNo := d.nextAttemptNo(ctx, job)
		signature, err := d.send(attemptCtx, job, payload, attemptNo)
		switch {
		case err == nil:
			d.record(ctx, job, attemptNo, entities.AttemptDelivered, "", signature)
			return nil
		case errors.IsKind(err, errors.KindUpstreamTimeout):
			d.record(ctx, job, attemptNo, entities.AttemptRetryable, err.Error(), signature)
			return err
		default:
			reason := err.Error()
			if errors.IsKind(err, errors.KindForbidden) {
				reason = reasonForbiddenDestination
			}
			d.record(ctx, job, attemptNo, entities.AttemptPermanentFailure, reason, signature)
			return backoff.Permanent(err)
		}
	}
	err = backoff.Retry(op, policy)
	if d.completer != nil {
		d.completer.StepCompleted(ctx, job.Alert.ID, job.StepIndex, err == nil)
	}
	if err != nil {
		d.log.Warn("notification delivery gave up",
			logger.String("alert_id", job.Alert.ID),
			logger.String("channel", job.Channel),
			logger.Int("step", job.StepIndex),
			logger.Error(err))
	}
}

func newExponential(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	return b
}

func (d *Dispatcher) send(ctx context.Context, job *escalation.Notification, payload []byte, attemptNo int) (string, error) {
	switch job.Channel {
	case entities.ChannelWebhook:
		allowPrivate := false
		if tenant, err := d.tenants.Get(ctx, job.Alert.TenantID); err == nil {
			allowPrivate = tenant.AllowPrivateHooks
		}
		key := idempotencyKey(job.Alert.ID, job.StepIndex, attemptNo)
		return d.webhook.send(ctx, job.Target, allowPrivate, job.Alert.TenantID, key, payload)
	case entities.ChannelEmail:
		subject, body := renderEmail(job)
		return "", d.email.send(ctx, job.Target, job.Alert, subject, body, attemptNo)
	case entities.ChannelChat:
		return "", d.chat.send(job.Target, renderChat(job))
	default:
		return "", errors.Newf(errors.KindValidationFailed, "unknown channel %q", job.Channel)
	}
}

func (d *Dispatcher) nextAttemptNo(ctx context.Context, job *escalation.Notification) int {
	n, err := d.attempts.NextAttemptNo(ctx, job.Alert.ID, job.StepIndex)
	if err != nil {
		d.log.Error("attempt numbering failed", logger.String("alert_id", job.Alert.ID), logger.Error(err))
		return 1
	}
	return n
}

func (d *Dispatcher) record(ctx context.Context, job *escalation.Notification, attemptNo int, status, reason, signature string) {
	d.metrics.DispatchOutcomes.WithLabelValues(job.Channel, status).Inc()
	attempt := &entities.NotificationAttempt{
		AlertID:       job.Alert.ID,
		StepIndex:     job.StepIndex,
		AttemptNo:     attemptNo,
		Channel:       job.Channel,
		Target:        job.Target,
		Status:        status,
		Reason:        reason,
		Signature:     signature,
		CorrelationID: uuid.NewString(),
		SentAt:        time.Now().UTC(),
	}
	if err := d.attempts.Append(ctx, attempt); err != nil {
		d.log.Error("attempt log failed", logger.String("alert_id", job.Alert.ID), logger.Error(err))
	}
}

// buildPayload renders the webhook body, bounded by the payload cap.
func (d *Dispatcher) buildPayload(job *escalation.Notification) ([]byte, error) {
	body := map[string]any{
		"alert":      job.Alert,
		"step_index": job.StepIndex,
	}
	if job.Rule != nil {
		body["rule"] = map[string]any{
			"id":       job.Rule.ID,
			"name":     job.Rule.Name,
			"family":   job.Rule.Family,
			"severity": job.Rule.Severity,
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "payload encoding failed", err)
	}
	if len(payload) > d.cfg.MaxPayloadBytes {
		return nil, errors.Newf(errors.KindValidationFailed,
			"payload of %d bytes exceeds the %d byte cap", len(payload), d.cfg.MaxPayloadBytes)
	}
	return payload, nil
}

func ruleName(job *escalation.Notification) string {
	if job.Rule != nil {
		return job.Rule.Name
	}
	return job.Alert.RuleID
}

func renderEmail(job *escalation.Notification) (subject, body string) {
	a := job.Alert
	subject = fmt.Sprintf("[%s] %s on device %s", a.Severity, ruleName(job), a.DeviceID)
	body = fmt.Sprintf(
		"<h2>%s</h2><p>Device <b>%s</b> observed <b>%g</b>.</p><p>State: %s, hits: %d, opened %s.</p>",
		ruleName(job), a.DeviceID, a.Observed, a.State, a.HitCount, a.OpenedAt.Format(time.RFC3339))
	return subject, body
}

func renderChat(job *escalation.Notification) string {
	a := job.Alert
	return fmt.Sprintf("[%s] %s: device %s observed %g (state %s, %d hits)",
		a.Severity, ruleName(job), a.DeviceID, a.Observed, a.State, a.HitCount)
}
