package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/internal/conf"
	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/escalation"
	"github.com/tidemark-io/tidemark/internal/logger"
	"github.com/tidemark-io/tidemark/internal/metrics"
	"github.com/tidemark-io/tidemark/internal/repository"
)

func testDispatchSettings() conf.DispatchSettings {
	return conf.DispatchSettings{
		Workers:         1,
		MaxAttempts:     3,
		AttemptTimeout:  conf.Duration(2 * time.Second),
		StepBudget:      conf.Duration(10 * time.Second),
		MinInterval:     conf.Duration(time.Millisecond),
		MaxConcurrency:  2,
		MaxPayloadBytes: 1 << 16,
		InitialBackoff:  conf.Duration(time.Millisecond),
		MaxBackoff:      conf.Duration(5 * time.Millisecond),
	}
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	attempts   repository.NotificationRepository
}

func newDispatcherFixture(t *testing.T, cfg conf.DispatchSettings) *dispatcherFixture {
	t.Helper()
	db, err := repository.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))

	tenants := repository.NewTenantRepository(db)
	attempts := repository.NewNotificationRepository(db)
	alerts := repository.NewAlertRepository(db)

	ctx := context.Background()
	require.NoError(t, tenants.Create(ctx, &entities.Tenant{
		ID: "t1", Slug: "acme", Status: entities.TenantActive, AllowPrivateHooks: true,
	}))
	require.NoError(t, tenants.Create(ctx, &entities.Tenant{
		ID: "t2", Slug: "globex", Status: entities.TenantActive,
	}))
	require.NoError(t, alerts.Create(ctx, &entities.AlertInstance{
		ID: "a1", TenantID: "t1", RuleID: "r1", DeviceID: "d1",
		Fingerprint: "fp", State: entities.AlertOpen,
		Severity: entities.SeverityHigh, OpenedAt: time.Now().UTC(), LastSeen: time.Now().UTC(),
	}))
	require.NoError(t, alerts.Create(ctx, &entities.AlertInstance{
		ID: "a2", TenantID: "t2", RuleID: "r2", DeviceID: "d2",
		Fingerprint: "fp2", State: entities.AlertOpen,
		Severity: entities.SeverityHigh, OpenedAt: time.Now().UTC(), LastSeen: time.Now().UTC(),
	}))

	d := NewDispatcher(cfg, tenants, attempts, "salt", metrics.New(), logger.NewNop())
	return &dispatcherFixture{dispatcher: d, attempts: attempts}
}

func webhookJob(target string) *escalation.Notification {
	return &escalation.Notification{
		Alert: &entities.AlertInstance{
			ID: "a1", TenantID: "t1", RuleID: "r1", DeviceID: "d1",
			Fingerprint: "fp", State: entities.AlertOpen, Severity: entities.SeverityHigh,
			OpenedAt: time.Now().UTC(), HitCount: 1, Observed: 97.5,
		},
		Rule: &entities.RuleDefinition{
			ID: "r1", Name: "hot pump", Family: entities.RuleFamilyThreshold,
			Severity: entities.SeverityHigh,
		},
		Channel:   entities.ChannelWebhook,
		Target:    target,
		StepIndex: 0,
	}
}

func TestDeliver_SuccessRecordsDeliveredAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newDispatcherFixture(t, testDispatchSettings())
	f.dispatcher.deliver(context.Background(), webhookJob(srv.URL))

	rows, _, err := f.attempts.ListByAlert(context.Background(), "t1", "a1", repository.Page{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, entities.AttemptDelivered, rows[0].Status)
	assert.Equal(t, 1, rows[0].AttemptNo)
	assert.NotEmpty(t, rows[0].Signature)
	assert.NotEmpty(t, rows[0].CorrelationID)
}

func TestDeliver_RetryableExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		rw.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testDispatchSettings()
	f := newDispatcherFixture(t, cfg)
	f.dispatcher.deliver(context.Background(), webhookJob(srv.URL))

	assert.EqualValues(t, cfg.MaxAttempts, calls.Load())
	rows, _, err := f.attempts.ListByAlert(context.Background(), "t1", "a1", repository.Page{})
	require.NoError(t, err)
	require.Len(t, rows, cfg.MaxAttempts)
	for i, row := range rows {
		assert.Equal(t, entities.AttemptRetryable, row.Status)
		assert.Equal(t, i+1, row.AttemptNo, "attempt numbers are strictly increasing")
	}
}

func TestDeliver_PermanentFailureStopsImmediately(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		rw.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	f := newDispatcherFixture(t, testDispatchSettings())
	f.dispatcher.deliver(context.Background(), webhookJob(srv.URL))

	assert.EqualValues(t, 1, calls.Load(), "a permanent failure never retries")
	rows, _, err := f.attempts.ListByAlert(context.Background(), "t1", "a1", repository.Page{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, entities.AttemptPermanentFailure, rows[0].Status)
}

func TestDeliver_PayloadCap(t *testing.T) {
	cfg := testDispatchSettings()
	cfg.MaxPayloadBytes = 16
	f := newDispatcherFixture(t, cfg)
	f.dispatcher.deliver(context.Background(), webhookJob("http://127.0.0.1:1/never"))

	rows, _, err := f.attempts.ListByAlert(context.Background(), "t1", "a1", repository.Page{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, entities.AttemptPermanentFailure, rows[0].Status)
	assert.Contains(t, rows[0].Reason, "byte cap")
}

func TestDeliver_UnknownChannel(t *testing.T) {
	f := newDispatcherFixture(t, testDispatchSettings())
	job := webhookJob("http://127.0.0.1:1/never")
	job.Channel = "carrier_pigeon"
	f.dispatcher.deliver(context.Background(), job)

	rows, _, err := f.attempts.ListByAlert(context.Background(), "t1", "a1", repository.Page{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, entities.AttemptPermanentFailure, rows[0].Status)
}

type stepReport struct {
	alertID   string
	stepIndex int
	delivered bool
}

type fakeCompleter struct {
	mu      sync.Mutex
	reports []stepReport
}

func (f *fakeCompleter) StepCompleted(_ context.Context, alertID string, stepIndex int, delivered bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, stepReport{alertID: alertID, stepIndex: stepIndex, delivered: delivered})
}

func (f *fakeCompleter) all() []stepReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stepReport(nil), f.reports...)
}

func TestDeliver_ReportsStepOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newDispatcherFixture(t, testDispatchSettings())
	completer := &fakeCompleter{}
	f.dispatcher.SetCompleter(completer)

	f.dispatcher.deliver(context.Background(), webhookJob(srv.URL))
	f.dispatcher.deliver(context.Background(), webhookJob("http://127.0.0.1:1/never"))

	reports := completer.all()
	require.Len(t, reports, 2)
	assert.Equal(t, stepReport{alertID: "a1", stepIndex: 0, delivered: true}, reports[0])
	assert.Equal(t, stepReport{alertID: "a1", stepIndex: 0, delivered: false}, reports[1],
		"a step whose every attempt failed is reported as a failed completion")
}

func TestDeliver_PrivateTargetRecordsForbiddenReason(t *testing.T) {
	f := newDispatcherFixture(t, testDispatchSettings())
	job := webhookJob("http://127.0.0.1:9/hook")
	job.Alert.ID = "a2"
	job.Alert.TenantID = "t2"
	f.dispatcher.deliver(context.Background(), job)

	rows, _, err := f.attempts.ListByAlert(context.Background(), "t2", "a2", repository.Page{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, entities.AttemptPermanentFailure, rows[0].Status)
	assert.Equal(t, "forbidden_destination", rows[0].Reason)
}

func TestRenderChat(t *testing.T) {
	line := renderChat(webhookJob("x"))
	assert.Contains(t, line, "hot pump")
	assert.Contains(t, line, "d1")
	assert.Contains(t, line, "97.5")
}

func TestRenderEmail_Subject(t *testing.T) {
	subject, body := renderEmail(webhookJob("x"))
	assert.Contains(t, subject, "[high]")
	assert.Contains(t, subject, "hot pump")
	assert.Contains(t, body, "97.5")
}
