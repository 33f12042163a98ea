package escalation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/errors"
	"github.com/tidemark-io/tidemark/internal/logger"
	"github.com/tidemark-io/tidemark/internal/repository"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent []*Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n *Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
}

func (f *fakeNotifier) all() []*Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Notification(nil), f.sent...)
}

type schedulerFixture struct {
	scheduler   *Scheduler
	notifier    *fakeNotifier
	escalations repository.EscalationRepository
	alerts      repository.AlertRepository
	rules       repository.RuleRepository
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()
	db, err := repository.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))

	f := &schedulerFixture{
		notifier:    &fakeNotifier{},
		escalations: repository.NewEscalationRepository(db),
		alerts:      repository.NewAlertRepository(db),
		rules:       repository.NewRuleRepository(db),
	}
	f.scheduler = NewScheduler(f.escalations, f.alerts, f.rules, f.notifier, logger.NewNop())
	return f
}

func (f *schedulerFixture) createAlert(t *testing.T, openedAt time.Time) *entities.AlertInstance {
	t.Helper()
	alert := &entities.AlertInstance{
		ID: "a1", TenantID: "t1", RuleID: "r1", DeviceID: "d1",
		Fingerprint: "fp", State: entities.AlertOpen,
		Severity: entities.SeverityWarning, OpenedAt: openedAt, LastSeen: openedAt,
	}
	require.NoError(t, f.alerts.Create(context.Background(), alert))
	return alert
}

func (f *schedulerFixture) createPolicy(t *testing.T, steps ...entities.EscalationStep) *entities.EscalationPolicy {
	t.Helper()
	policy := &entities.EscalationPolicy{
		ID: "p1", TenantID: "t1", Name: "ops ladder", Steps: steps,
	}
	require.NoError(t, f.escalations.CreatePolicy(context.Background(), policy))
	return policy
}

func TestAlertOpened_DirectChannelsAndFirstCheckpoint(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	f.createPolicy(t, entities.EscalationStep{
		PolicyID: "p1", StepIndex: 0, DelaySec: 60,
		TargetType: entities.TargetUser, Target: "u1",
		Channel: entities.ChannelWebhook, AckWindowSec: 300,
	})

	openedAt := time.Now().UTC().Truncate(time.Second)
	alert := f.createAlert(t, openedAt)
	rule := &entities.RuleDefinition{
		ID: "r1", TenantID: "t1", Name: "hot pump",
		WebhookURL:         "https://hooks.example.com/x",
		ChatURL:            "generic://chat.example.com/x",
		EscalationPolicyID: "p1",
	}
	f.scheduler.AlertOpened(ctx, alert, rule)

	sent := f.notifier.all()
	require.Len(t, sent, 2, "one notification per configured rule channel")
	assert.Equal(t, entities.ChannelWebhook, sent[0].Channel)
	assert.Equal(t, "https://hooks.example.com/x", sent[0].Target)
	assert.Equal(t, entities.ChannelChat, sent[1].Channel)

	checkpoint, err := f.escalations.GetCheckpoint(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, checkpoint.StepIndex)
	assert.Equal(t, openedAt.Add(60*time.Second).Unix(), checkpoint.FireAt.Unix())
}

func TestAlertOpened_NoPolicyNoCheckpoint(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	alert := f.createAlert(t, time.Now().UTC())
	rule := &entities.RuleDefinition{ID: "r1", TenantID: "t1", EmailTarget: "ops@example.com"}

	f.scheduler.AlertOpened(ctx, alert, rule)

	require.Len(t, f.notifier.all(), 1)
	_, err := f.escalations.GetCheckpoint(ctx, alert.ID)
	assert.Error(t, err, "no policy means nothing scheduled")
}

func TestFireStep_NotifiesAndSchedulesNext(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	openedAt := now.Add(-time.Minute)

	f.createPolicy(t,
		entities.EscalationStep{PolicyID: "p1", StepIndex: 0, DelaySec: 0,
			TargetType: entities.TargetUser, Target: "u1",
			Channel: entities.ChannelEmail, AckWindowSec: 10},
		entities.EscalationStep{PolicyID: "p1", StepIndex: 1, DelaySec: 3600,
			TargetType: entities.TargetUser, Target: "u2",
			Channel: entities.ChannelEmail, AckWindowSec: 10},
	)
	alert := f.createAlert(t, openedAt)
	require.NoError(t, f.escalations.SaveCheckpoint(ctx, &entities.EscalationCheckpoint{
		AlertID: alert.ID, PolicyID: "p1", StepIndex: 0, FireAt: openedAt,
	}))

	f.scheduler.fireDue(ctx, now)

	sent := f.notifier.all()
	require.Len(t, sent, 1)
	assert.Equal(t, 0, sent[0].StepIndex)
	assert.Equal(t, "u1", sent[0].Target)

	updated, err := f.alerts.GetByID(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.EscalationStep, "the cursor records the served step")

	checkpoint, err := f.escalations.GetCheckpoint(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, checkpoint.StepIndex)
	// The next delay lands well past the ack window, so it wins.
	assert.Equal(t, openedAt.Add(3600*time.Second).Unix(), checkpoint.FireAt.Unix())
}

func TestFireStep_AckWindowFloorsNextFiring(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	openedAt := now.Add(-time.Minute)

	// Both steps are nominally due immediately; the first step's ack window
	// still buys the responder time before the second fires.
	f.createPolicy(t,
		entities.EscalationStep{PolicyID: "p1", StepIndex: 0, DelaySec: 0,
			TargetType: entities.TargetUser, Target: "u1",
			Channel: entities.ChannelEmail, AckWindowSec: 120},
		entities.EscalationStep{PolicyID: "p1", StepIndex: 1, DelaySec: 0,
			TargetType: entities.TargetUser, Target: "u2",
			Channel: entities.ChannelEmail, AckWindowSec: 120},
	)
	alert := f.createAlert(t, openedAt)
	require.NoError(t, f.escalations.SaveCheckpoint(ctx, &entities.EscalationCheckpoint{
		AlertID: alert.ID, PolicyID: "p1", StepIndex: 0, FireAt: openedAt,
	}))

	f.scheduler.fireDue(ctx, now)

	checkpoint, err := f.escalations.GetCheckpoint(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, now.Add(120*time.Second).Unix(), checkpoint.FireAt.Unix())
}

func TestFireStep_CancelsForAckedAlert(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f.createPolicy(t, entities.EscalationStep{PolicyID: "p1", StepIndex: 0,
		TargetType: entities.TargetUser, Target: "u1", Channel: entities.ChannelEmail})
	alert := f.createAlert(t, now.Add(-time.Minute))
	ackedAt := now.Add(-time.Second)
	alert.State = entities.AlertAcknowledged
	alert.AckedAt = &ackedAt
	require.NoError(t, f.alerts.Update(ctx, alert))
	require.NoError(t, f.escalations.SaveCheckpoint(ctx, &entities.EscalationCheckpoint{
		AlertID: alert.ID, PolicyID: "p1", StepIndex: 0, FireAt: now.Add(-time.Minute),
	}))

	f.scheduler.fireDue(ctx, now)

	assert.Empty(t, f.notifier.all(), "an acknowledged alert has a responder")
	_, err := f.escalations.GetCheckpoint(ctx, alert.ID)
	assert.Error(t, err)
}

func TestFireStep_CancelsForTerminalAlert(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f.createPolicy(t, entities.EscalationStep{PolicyID: "p1", StepIndex: 0,
		TargetType: entities.TargetUser, Target: "u1", Channel: entities.ChannelEmail})
	alert := f.createAlert(t, now.Add(-time.Minute))
	alert.State = entities.AlertResolved
	require.NoError(t, f.alerts.Update(ctx, alert))
	require.NoError(t, f.escalations.SaveCheckpoint(ctx, &entities.EscalationCheckpoint{
		AlertID: alert.ID, PolicyID: "p1", StepIndex: 0, FireAt: now.Add(-time.Minute),
	}))

	f.scheduler.fireDue(ctx, now)

	assert.Empty(t, f.notifier.all())
	_, err := f.escalations.GetCheckpoint(ctx, alert.ID)
	assert.Error(t, err)
}

func TestFireStep_LastStepExhaustsAfterAckWindow(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f.createPolicy(t, entities.EscalationStep{PolicyID: "p1", StepIndex: 0,
		TargetType: entities.TargetUser, Target: "u1",
		Channel: entities.ChannelEmail, AckWindowSec: 60})
	alert := f.createAlert(t, now.Add(-time.Minute))
	require.NoError(t, f.escalations.SaveCheckpoint(ctx, &entities.EscalationCheckpoint{
		AlertID: alert.ID, PolicyID: "p1", StepIndex: 0, FireAt: now.Add(-time.Minute),
	}))

	f.scheduler.fireDue(ctx, now)

	// The last responder still gets their full ack window before the alert
	// is flagged exhausted.
	require.Len(t, f.notifier.all(), 1)
	updated, err := f.alerts.GetByID(ctx, alert.ID)
	require.NoError(t, err)
	assert.False(t, updated.EscalationExhausted, "exhaustion waits for the final ack window")
	checkpoint, err := f.escalations.GetCheckpoint(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, checkpoint.StepIndex)
	assert.Equal(t, now.Add(60*time.Second).Unix(), checkpoint.FireAt.Unix())

	f.scheduler.fireDue(ctx, now.Add(30*time.Second))
	updated, err = f.alerts.GetByID(ctx, alert.ID)
	require.NoError(t, err)
	assert.False(t, updated.EscalationExhausted, "the window has not elapsed yet")

	f.scheduler.fireDue(ctx, now.Add(61*time.Second))

	updated, err = f.alerts.GetByID(ctx, alert.ID)
	require.NoError(t, err)
	assert.True(t, updated.EscalationExhausted)
	_, err = f.escalations.GetCheckpoint(ctx, alert.ID)
	assert.Error(t, err, "an exhausted alert has nothing left to fire")
	assert.Len(t, f.notifier.all(), 1, "exhaustion never re-notifies")
}

func TestFireStep_AckInsideFinalWindowAvertsExhaustion(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f.createPolicy(t, entities.EscalationStep{PolicyID: "p1", StepIndex: 0,
		TargetType: entities.TargetUser, Target: "u1",
		Channel: entities.ChannelEmail, AckWindowSec: 60})
	alert := f.createAlert(t, now.Add(-time.Minute))
	require.NoError(t, f.escalations.SaveCheckpoint(ctx, &entities.EscalationCheckpoint{
		AlertID: alert.ID, PolicyID: "p1", StepIndex: 0, FireAt: now.Add(-time.Minute),
	}))
	f.scheduler.fireDue(ctx, now)

	ackedAt := now.Add(30 * time.Second)
	alert.State = entities.AlertAcknowledged
	alert.AckedAt = &ackedAt
	require.NoError(t, f.alerts.Update(ctx, alert))

	f.scheduler.fireDue(ctx, now.Add(61*time.Second))

	updated, err := f.alerts.GetByID(ctx, alert.ID)
	require.NoError(t, err)
	assert.False(t, updated.EscalationExhausted, "an acked alert never exhausts")
	_, err = f.escalations.GetCheckpoint(ctx, alert.ID)
	assert.Error(t, err)
}

func TestStepCompleted_FailedDeliveryForfeitsAckWindow(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	openedAt := now.Add(-time.Minute)

	f.createPolicy(t,
		entities.EscalationStep{PolicyID: "p1", StepIndex: 0, DelaySec: 0,
			TargetType: entities.TargetUser, Target: "u1",
			Channel: entities.ChannelEmail, AckWindowSec: 3600},
		entities.EscalationStep{PolicyID: "p1", StepIndex: 1, DelaySec: 0,
			TargetType: entities.TargetUser, Target: "u2",
			Channel: entities.ChannelEmail, AckWindowSec: 60},
	)
	alert := f.createAlert(t, openedAt)
	require.NoError(t, f.escalations.SaveCheckpoint(ctx, &entities.EscalationCheckpoint{
		AlertID: alert.ID, PolicyID: "p1", StepIndex: 0, FireAt: openedAt,
	}))
	f.scheduler.fireDue(ctx, now)

	// A stale or successful report leaves the schedule alone.
	f.scheduler.StepCompleted(ctx, alert.ID, 5, false)
	f.scheduler.StepCompleted(ctx, alert.ID, 0, true)
	checkpoint, err := f.escalations.GetCheckpoint(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, now.Add(3600*time.Second).Unix(), checkpoint.FireAt.Unix())

	// Every attempt for step 0 failed: its ack window buys nothing, so the
	// next step fires on the following sweep.
	f.scheduler.StepCompleted(ctx, alert.ID, 0, false)
	checkpoint, err = f.escalations.GetCheckpoint(ctx, alert.ID)
	require.NoError(t, err)
	assert.False(t, checkpoint.FireAt.After(time.Now().UTC()))

	f.scheduler.fireDue(ctx, time.Now().UTC().Add(time.Second))
	sent := f.notifier.all()
	require.Len(t, sent, 2)
	assert.Equal(t, "u2", sent[1].Target)
}

func TestResolveOnCall_OverridesWinOverShifts(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, f.escalations.CreateRotation(ctx, &entities.OnCallRotation{
		ID: "rot1", TenantID: "t1", Name: "primary",
		Shifts: []entities.OnCallShift{{
			RotationID: "rot1", UserID: "shift-user",
			StartsAt: now.Add(-time.Hour), EndsAt: now.Add(time.Hour),
		}},
		Overrides: []entities.OnCallOverride{{
			RotationID: "rot1", UserID: "override-user",
			StartsAt: now.Add(-10 * time.Minute), EndsAt: now.Add(10 * time.Minute),
		}},
	}))

	user, err := f.scheduler.resolveOnCall(ctx, "t1", "rot1", now)
	require.NoError(t, err)
	assert.Equal(t, "override-user", user)

	// Past the override interval the regular shift takes back over.
	user, err = f.scheduler.resolveOnCall(ctx, "t1", "rot1", now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "shift-user", user)

	_, err = f.scheduler.resolveOnCall(ctx, "t1", "rot1", now.Add(2*time.Hour))
	assert.True(t, errors.IsKind(err, errors.KindNotFound), "uncovered instants have no responder")
}

func TestResolveTarget_UnknownType(t *testing.T) {
	f := newSchedulerFixture(t)
	step := &entities.EscalationStep{TargetType: "pager", Target: "x"}
	_, err := f.scheduler.resolveTarget(context.Background(), "t1", step, time.Now().UTC())
	assert.True(t, errors.IsKind(err, errors.KindValidationFailed))
}
