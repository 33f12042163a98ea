package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/internal/cache"
	"github.com/tidemark-io/tidemark/internal/conf"
	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/errors"
	"github.com/tidemark-io/tidemark/internal/identity"
	"github.com/tidemark-io/tidemark/internal/logger"
	"github.com/tidemark-io/tidemark/internal/metrics"
	"github.com/tidemark-io/tidemark/internal/repository"
	"github.com/tidemark-io/tidemark/internal/tsdb"
)

func testIngestSettings() conf.IngestSettings {
	return conf.IngestSettings{
		Workers:              2,
		QueueSize:            64,
		MaxClockSkew:         conf.Duration(5 * time.Minute),
		DedupWindow:          conf.Duration(2 * time.Minute),
		DedupRingSize:        16,
		BatchSize:            10,
		BatchMaxAge:          conf.Duration(50 * time.Millisecond),
		SaturationHighWater:  0.8,
		MaxTenantConcurrency: 8,
	}
}

type pipelineFixture struct {
	pipeline *Pipeline
	devices  repository.DeviceRepository
	tenants  repository.TenantRepository
	ops      repository.OpsRepository
	gateway  tsdb.Gateway
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	db, err := repository.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))

	tenants := repository.NewTenantRepository(db)
	devices := repository.NewDeviceRepository(db)
	ops := repository.NewOpsRepository(db)
	gateway := tsdb.NewGormGateway(db)
	log := logger.NewNop()

	resolver := identity.NewResolver(tenants, devices, ops, "test-key", log)
	quotas := identity.NewQuotaManager(tenants)
	p := NewPipeline(testIngestSettings(), resolver, quotas, devices, ops,
		gateway, cache.NewMemoryLastValue(), cache.NewQueryCache(), metrics.New(), log)

	ctx := context.Background()
	require.NoError(t, tenants.Create(ctx, &entities.Tenant{
		ID: "t1", Slug: "acme", Tier: entities.TierFree,
		Status: entities.TenantActive, MaxReadingsPerDay: 1000,
	}))
	require.NoError(t, devices.Create(ctx, &entities.Device{
		ID: "d1", TenantID: "t1", Name: "pump-1",
		SharedSecret: "s3cret", Status: entities.DeviceOnline,
		Keys: []entities.DeviceKey{
			{DeviceID: "d1", Key: "temp", ValueType: entities.ValueTypeNumber, Unit: "C"},
			{DeviceID: "d1", Key: "mode", ValueType: entities.ValueTypeString},
		},
	}))
	return &pipelineFixture{pipeline: p, devices: devices, tenants: tenants, ops: ops, gateway: gateway}
}

func incoming(key string, value any) *IncomingReading {
	return &IncomingReading{
		Adapter: "http", DeviceID: "d1", DeviceSecret: "s3cret",
		Key: key, Value: value,
	}
}

func TestPrepare_StampsTenantFromDevice(t *testing.T) {
	f := newPipelineFixture(t)
	in := incoming("temp", 21.5)
	in.TenantHint = "someone-else"

	prep, err := f.pipeline.Prepare(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "t1", prep.Reading.TenantID, "tenant comes from the device, never the hint")
	assert.Equal(t, "d1", prep.Reading.DeviceID)
	assert.Equal(t, "C", prep.Reading.Unit)
	require.NotNil(t, prep.Reading.NumericValue)
	assert.InDelta(t, 21.5, *prep.Reading.NumericValue, 1e-9)
	assert.Equal(t, entities.PartitionDayOf(prep.Reading.Ts), prep.Reading.PartitionDay)
}

func TestPrepare_BadSecretDeadLettersWithoutPayload(t *testing.T) {
	f := newPipelineFixture(t)
	in := incoming("temp", 21.5)
	in.DeviceSecret = "wrong"

	_, err := f.pipeline.Prepare(context.Background(), in)
	assert.True(t, errors.IsKind(err, errors.KindUnauthenticated))

	letters, _, err := f.ops.ListDeadLetters(context.Background(), "", repository.Page{})
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, StageResolve, letters[0].Stage)
	assert.Empty(t, letters[0].Payload, "unauthenticated rejections carry no attacker bytes")
}

func TestPrepare_DisabledDeviceForbidden(t *testing.T) {
	f := newPipelineFixture(t)
	require.NoError(t, f.devices.UpdateStatus(context.Background(), "d1", entities.DeviceDisabled))

	_, err := f.pipeline.Prepare(context.Background(), incoming("temp", 21.5))
	assert.True(t, errors.IsKind(err, errors.KindForbidden))
}

func TestPrepare_SuspendedTenantRejected(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	tenant, err := f.tenants.Get(ctx, "t1")
	require.NoError(t, err)
	tenant.Status = entities.TenantSuspended
	require.NoError(t, f.tenants.Update(ctx, tenant))

	_, err = f.pipeline.Prepare(ctx, incoming("temp", 21.5))
	assert.True(t, errors.IsKind(err, errors.KindTenantInactive))
}

func TestPrepare_QuotaExceeded(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	tenant, err := f.tenants.Get(ctx, "t1")
	require.NoError(t, err)
	tenant.MaxReadingsPerDay = 1
	require.NoError(t, f.tenants.Update(ctx, tenant))

	_, err = f.pipeline.Prepare(ctx, incoming("temp", 21.5))
	require.NoError(t, err)
	_, err = f.pipeline.Prepare(ctx, incoming("temp", 22.5))
	assert.True(t, errors.IsKind(err, errors.KindQuotaExceeded))
}

func TestPrepare_UndeclaredKeyRejected(t *testing.T) {
	f := newPipelineFixture(t)
	_, err := f.pipeline.Prepare(context.Background(), incoming("pressure", 3.2))
	assert.True(t, errors.IsKind(err, errors.KindValidationFailed))

	// Rejecting after the reserve hands the quota back: the next good
	// reading still fits a limit of 1.
	ctx := context.Background()
	tenant, err := f.tenants.Get(ctx, "t1")
	require.NoError(t, err)
	tenant.MaxReadingsPerDay = 1
	require.NoError(t, f.tenants.Update(ctx, tenant))
	_, err = f.pipeline.Prepare(ctx, incoming("temp", 21.5))
	assert.NoError(t, err)
}

func TestPrepare_TypeMismatchRejected(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Prepare(ctx, incoming("temp", "hot"))
	assert.True(t, errors.IsKind(err, errors.KindValidationFailed), "declared number rejects strings")

	_, err = f.pipeline.Prepare(ctx, incoming("mode", 3.0))
	assert.True(t, errors.IsKind(err, errors.KindValidationFailed), "declared string rejects numbers")

	prep, err := f.pipeline.Prepare(ctx, incoming("mode", "auto"))
	require.NoError(t, err)
	assert.Equal(t, "auto", prep.Reading.StringValue)
}

func TestStampTimestamp_Policy(t *testing.T) {
	p := &Pipeline{cfg: testIngestSettings()}
	now := time.Now().UTC()

	// Missing producer timestamp: stamped at receive time, reduced quality.
	r := p.stampTimestamp(&IncomingReading{})
	assert.Equal(t, qualityStamped, r.Quality)
	assert.WithinDuration(t, now, r.Ts, time.Second)

	// Future beyond the skew: distrusted, stored at server time.
	future := now.Add(10 * time.Minute)
	r = p.stampTimestamp(&IncomingReading{ProducerTs: &future})
	assert.Equal(t, qualityStale, r.Quality)
	assert.WithinDuration(t, now, r.Ts, time.Second)

	// Past beyond the skew: also distrusted, stored at server time.
	past := now.Add(-time.Hour)
	r = p.stampTimestamp(&IncomingReading{ProducerTs: &past})
	assert.Equal(t, qualityStale, r.Quality)
	assert.WithinDuration(t, now, r.Ts, time.Second)

	// Within the skew: kept at full quality.
	recent := now.Add(-time.Minute)
	r = p.stampTimestamp(&IncomingReading{ProducerTs: &recent})
	assert.Equal(t, 100, r.Quality)
	assert.Equal(t, recent.Unix(), r.Ts.Unix())

	// A producer-supplied quality is never raised by stamping.
	q := 30
	r = p.stampTimestamp(&IncomingReading{Quality: &q})
	assert.Equal(t, 30, r.Quality)
}

func TestPrepare_SkewedClockAcceptedAtServerTime(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	future := now.Add(time.Hour)
	in := incoming("temp", 21.5)
	in.ProducerTs = &future
	prep, err := f.pipeline.Prepare(ctx, in)
	require.NoError(t, err, "a skewed clock degrades quality, never rejects")
	assert.Equal(t, qualityStale, prep.Reading.Quality)
	assert.WithinDuration(t, now, prep.Reading.Ts, time.Second)
	assert.Equal(t, entities.PartitionDayOf(prep.Reading.Ts), prep.Reading.PartitionDay)

	letters, _, err := f.ops.ListDeadLetters(ctx, "", repository.Page{})
	require.NoError(t, err)
	assert.Empty(t, letters, "an accepted reading leaves no dead letter")
}

func TestNumericValue_Coercions(t *testing.T) {
	for _, v := range []any{3.5, float32(3.5), 3, int64(3), uint64(3)} {
		_, ok := numericValue(v)
		assert.True(t, ok, "%T coerces", v)
	}
	_, ok := numericValue("3.5")
	assert.False(t, ok, "strings are not silently parsed")
}

func TestEnqueueFlush_PersistsAndFansOut(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	var published []entities.Reading
	done := make(chan struct{})
	f.pipeline.Subscribe(func(r *entities.Reading) {
		published = append(published, *r)
		close(done)
	})

	f.pipeline.Start(ctx)
	prep, err := f.pipeline.Prepare(ctx, incoming("temp", 21.5))
	require.NoError(t, err)
	require.NoError(t, f.pipeline.Enqueue(prep))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reading never flushed")
	}
	f.pipeline.Drain(ctx)

	require.Len(t, published, 1)
	assert.Equal(t, "t1", published[0].TenantID)

	last, err := f.gateway.Last(ctx, "t1", "d1", "temp")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.InDelta(t, 21.5, *last.NumericValue, 1e-9)

	// Device liveness follows the flush.
	device, err := f.devices.Get(ctx, "t1", "d1")
	require.NoError(t, err)
	require.NotNil(t, device.LastSeen)
}

func TestAppendSync_DurableBeforeReturn(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	var published []entities.Reading
	f.pipeline.Subscribe(func(r *entities.Reading) {
		published = append(published, *r)
	})

	prep, err := f.pipeline.Prepare(ctx, incoming("temp", 18.25))
	require.NoError(t, err)
	require.NoError(t, f.pipeline.AppendSync(ctx, prep))

	// No Start, no Drain: the row must already be in the store.
	last, err := f.gateway.Last(ctx, "t1", "d1", "temp")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.InDelta(t, 18.25, *last.NumericValue, 1e-9)
	require.Len(t, published, 1)

	// The synchronous path still deduplicates.
	dup, err := f.pipeline.Prepare(ctx, incoming("temp", 18.25))
	require.NoError(t, err)
	dup.Reading.Ts = prep.Reading.Ts
	require.NoError(t, f.pipeline.AppendSync(ctx, dup))
	assert.Len(t, published, 1, "a duplicate is dropped, not re-published")
}

func TestEnqueue_TenantConcurrencyCap(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	limit := testIngestSettings().MaxTenantConcurrency

	// Workers never started, so enqueued readings stay in flight.
	for i := 0; i < limit; i++ {
		prep, err := f.pipeline.Prepare(ctx, incoming("temp", float64(i)))
		require.NoError(t, err)
		require.NoError(t, f.pipeline.Enqueue(prep))
	}

	prep, err := f.pipeline.Prepare(ctx, incoming("temp", 99.0))
	require.NoError(t, err)
	err = f.pipeline.Enqueue(prep)
	assert.True(t, errors.IsKind(err, errors.KindSaturated), "a tenant at its cap is refused")
}

func TestDrain_FlushesBufferedReadings(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	f.pipeline.Start(ctx)

	prep, err := f.pipeline.Prepare(ctx, incoming("temp", 33.0))
	require.NoError(t, err)
	require.NoError(t, f.pipeline.Enqueue(prep))
	f.pipeline.Drain(ctx)

	last, err := f.gateway.Last(ctx, "t1", "d1", "temp")
	require.NoError(t, err)
	require.NotNil(t, last, "nothing accepted before drain is lost")
}
