package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/internal/alerts"
	"github.com/tidemark-io/tidemark/internal/cache"
	"github.com/tidemark-io/tidemark/internal/conf"
	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/errors"
	"github.com/tidemark-io/tidemark/internal/identity"
	"github.com/tidemark-io/tidemark/internal/ingest"
	"github.com/tidemark-io/tidemark/internal/logger"
	"github.com/tidemark-io/tidemark/internal/metrics"
	"github.com/tidemark-io/tidemark/internal/realtime"
	"github.com/tidemark-io/tidemark/internal/repository"
	"github.com/tidemark-io/tidemark/internal/retention"
	"github.com/tidemark-io/tidemark/internal/tsdb"
)

const apiTestSigningKey = "api-test-signing-key"

func apiTestSettings() *conf.Settings {
	return &conf.Settings{
		Auth: conf.AuthSettings{
			JWTSigningKey:     apiTestSigningKey,
			WebhookSecretSalt: "salt",
		},
		Ingest: conf.IngestSettings{
			Workers:              1,
			QueueSize:            16,
			MaxClockSkew:         conf.Duration(5 * time.Minute),
			DedupWindow:          conf.Duration(2 * time.Minute),
			DedupRingSize:        8,
			BatchSize:            10,
			BatchMaxAge:          conf.Duration(50 * time.Millisecond),
			SaturationHighWater:  0.9,
			MaxTenantConcurrency: 4,
		},
		Alerts: conf.AlertSettings{
			SLA: map[string]conf.SLATarget{
				entities.SeverityWarning: {
					Ack:     conf.Duration(time.Hour),
					Resolve: conf.Duration(8 * time.Hour),
				},
			},
			AbandonAfter: conf.Duration(168 * time.Hour),
		},
		Realtime: conf.RealtimeSettings{
			HeartbeatInterval: conf.Duration(25 * time.Second),
			SubscriberBuffer:  4,
		},
		Retention: conf.RetentionSettings{FloorDays: 7},
	}
}

// newTestController wires a full controller over an in-memory store, the
// same graph the runtime builds, minus the background goroutines.
func newTestController(t *testing.T) *Controller {
	t.Helper()
	db, err := repository.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))

	settings := apiTestSettings()
	log := logger.NewNop()
	m := metrics.New()

	tenants := repository.NewTenantRepository(db)
	devices := repository.NewDeviceRepository(db)
	ruleRepo := repository.NewRuleRepository(db)
	alertRepo := repository.NewAlertRepository(db)
	escalations := repository.NewEscalationRepository(db)
	notifications := repository.NewNotificationRepository(db)
	retentionRepo := repository.NewRetentionRepository(db)
	ops := repository.NewOpsRepository(db)

	gateway := tsdb.NewGormGateway(db)
	last := cache.NewMemoryLastValue()
	queries := cache.NewQueryCache()

	resolver := identity.NewResolver(tenants, devices, ops, settings.Auth.JWTSigningKey, log)
	quotas := identity.NewQuotaManager(tenants)
	pipeline := ingest.NewPipeline(settings.Ingest, resolver, quotas,
		devices, ops, gateway, last, queries, m, log)
	manager := alerts.NewManager(settings.Alerts, alertRepo, ops, m, log)
	hub := realtime.NewHub(settings.Realtime, m, log)
	runner := retention.NewRunner(settings.Retention, retentionRepo, gateway, log)

	c := New(Deps{
		Settings:      settings,
		Resolver:      resolver,
		Quotas:        quotas,
		Pipeline:      pipeline,
		Manager:       manager,
		Hub:           hub,
		Runner:        runner,
		Gateway:       gateway,
		LastCache:     last,
		Queries:       queries,
		Metrics:       m,
		Tenants:       tenants,
		Devices:       devices,
		Rules:         ruleRepo,
		Alerts:        alertRepo,
		Escalations:   escalations,
		Notifications: notifications,
		Retention:     retentionRepo,
		Ops:           ops,
		Log:           log,
	})

	ctx := context.Background()
	require.NoError(t, tenants.Create(ctx, &entities.Tenant{
		ID: "t1", Slug: "acme", Status: entities.TenantActive,
	}))
	require.NoError(t, devices.Create(ctx, &entities.Device{
		ID: "d1", TenantID: "t1", Name: "pump-1",
		SharedSecret: "s3cret", Status: entities.DeviceOnline,
		AcceptsAnyKey: true,
	}))
	now := time.Now().UTC()
	require.NoError(t, alertRepo.Create(ctx, &entities.AlertInstance{
		ID: "a1", TenantID: "t1", RuleID: "r1", DeviceID: "d1",
		Fingerprint: "fp-a1", State: entities.AlertOpen,
		Severity: entities.SeverityWarning, OpenedAt: now, LastSeen: now,
	}))
	return c
}

func mintTestToken(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	token, err := identity.MintToken(apiTestSigningKey, subject, "t1", roles, time.Hour)
	require.NoError(t, err)
	return token
}

func doRequest(c *Controller, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	c.Echo.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code          string `json:"code"`
			Message       string `json:"message"`
			CorrelationID string `json:"correlation_id"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.NotEmpty(t, envelope.Error.CorrelationID)
	return envelope.Error.Code
}

func TestKindStatus(t *testing.T) {
	tests := []struct {
		kind   errors.Kind
		status int
	}{
		{errors.KindUnauthenticated, http.StatusUnauthorized},
		{errors.KindForbidden, http.StatusForbidden},
		{errors.KindTenantInactive, http.StatusForbidden},
		{errors.KindQuotaExceeded, http.StatusTooManyRequests},
		{errors.KindValidationFailed, http.StatusBadRequest},
		{errors.KindNotFound, http.StatusNotFound},
		{errors.KindConflict, http.StatusConflict},
		{errors.KindSaturated, http.StatusServiceUnavailable},
		{errors.KindUpstreamTimeout, http.StatusGatewayTimeout},
		{errors.KindUpstreamPermanent, http.StatusBadGateway},
		{errors.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.kind.Code(), func(t *testing.T) {
			assert.Equal(t, tt.status, kindStatus(tt.kind))
		})
	}
}

func TestHealthz(t *testing.T) {
	c := newTestController(t)
	rec := doRequest(c, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_MissingBearer(t *testing.T) {
	c := newTestController(t)
	rec := doRequest(c, http.MethodGet, "/v1/alerts", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", errorCode(t, rec))
}

func TestListAlerts(t *testing.T) {
	c := newTestController(t)
	rec := doRequest(c, http.MethodGet, "/v1/alerts", mintTestToken(t, "alice", identity.RoleViewer), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Alerts []entities.AlertInstance `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Alerts, 1)
	assert.Equal(t, "a1", body.Alerts[0].ID)
}

func TestGetAlert_NotFound(t *testing.T) {
	c := newTestController(t)
	rec := doRequest(c, http.MethodGet, "/v1/alerts/ghost", mintTestToken(t, "alice", identity.RoleAdmin), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorCode(t, rec))
}

func TestTransition_ViewerForbidden(t *testing.T) {
	c := newTestController(t)
	rec := doRequest(c, http.MethodPost, "/v1/alerts/a1/acknowledge",
		mintTestToken(t, "bob", identity.RoleViewer), map[string]string{"reason": "on it"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", errorCode(t, rec))
}

func TestTransition_OperatorAcknowledges(t *testing.T) {
	c := newTestController(t)
	rec := doRequest(c, http.MethodPost, "/v1/alerts/a1/acknowledge",
		mintTestToken(t, "bob", identity.RoleOperator), map[string]string{"reason": "on it"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var alert entities.AlertInstance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alert))
	assert.Equal(t, entities.AlertAcknowledged, alert.State)
	require.NotNil(t, alert.AckedAt)
}

func postTelemetry(c *Controller, deviceKey, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/telemetry", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if deviceKey != "" {
		req.Header.Set("X-Device-Key", deviceKey)
	}
	rec := httptest.NewRecorder()
	c.Echo.ServeHTTP(rec, req)
	return rec
}

func TestIngestTelemetry(t *testing.T) {
	c := newTestController(t)

	rec := postTelemetry(c, "", `{"device_id":"d1","readings":[{"key":"temp_c","value":21.5}]}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "device credentials are required")

	rec = postTelemetry(c, "s3cret", `{
		"device_id": "d1",
		"readings": [
			{"key": "temp_c", "value": 21.5},
			{"key": "rpm", "value": 1450, "ts": "2026-08-29T10:00:00Z", "quality": 90}
		]
	}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var body struct {
		Accepted int `json:"accepted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Accepted)
}

func TestIngestTelemetry_BadBatchRejectedWhole(t *testing.T) {
	c := newTestController(t)

	rec := postTelemetry(c, "s3cret", `{"device_id":"d1","readings":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "an empty batch has nothing to accept")

	rec = postTelemetry(c, "s3cret", `{
		"device_id": "d1",
		"readings": [
			{"key": "temp_c", "value": 21.5},
			{"key": "rpm", "value": 1450, "ts": "yesterday"}
		]
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_failed", errorCode(t, rec))
}
