package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

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

// Quality assigned when the pipeline stamps or distrusts a timestamp.
const (
	qualityStamped = 80
	qualityStale   = 50
)

// Prepared is a reading that passed the synchronous admission stages and
// is ready to enqueue.
type Prepared struct {
	Reading entities.Reading
	Tenant  *entities.Tenant
	Device  *entities.Device
	Adapter string
}

// Subscriber receives each durably persisted reading, after its batch
// flush commits. Callbacks must not block.
type Subscriber func(reading *entities.Reading)

// Pipeline admits, deduplicates, batches, and persists readings. Admission
// (Prepare) is synchronous so adapters can map failures onto transport
// status codes; everything after Enqueue is asynchronous, with per
// (device, key) ordering preserved by worker routing.
type Pipeline struct {
	cfg      conf.IngestSettings
	resolver *identity.Resolver
	quotas   *identity.QuotaManager
	devices  repository.DeviceRepository
	ops      repository.OpsRepository
	gateway  tsdb.Gateway
	last     cache.LastValueStore
	queries  *cache.QueryCache
	metrics  *metrics.Metrics
	log      logger.Logger

	workers []chan *Prepared
	depth   atomic.Int64
	dedup   *deduper
	batch   *batcher

	tenantMu       sync.Mutex
	tenantInFlight map[string]int

	subsMu sync.RWMutex
	subs   []Subscriber

	stop    chan struct{}
	stopped sync.WaitGroup
}

// NewPipeline wires the ingest pipeline. Start must be called before
// Enqueue.
func NewPipeline(
	cfg conf.IngestSettings,
	resolver *identity.Resolver,
	quotas *identity.QuotaManager,
	devices repository.DeviceRepository,
	ops repository.OpsRepository,
	gateway tsdb.Gateway,
	last cache.LastValueStore,
	queries *cache.QueryCache,
	m *metrics.Metrics,
	log logger.Logger,
) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		resolver: resolver,
		quotas:   quotas,
		devices:  devices,
		ops:      ops,
		gateway:  gateway,
		last:     last,
		queries:  queries,
		metrics:  m,
		log:      log,
		dedup:    newDeduper(cfg.DedupRingSize, cfg.DedupWindow.Std()),
		batch:    newBatcher(cfg.BatchSize, cfg.BatchMaxAge.Std()),
		stop:     make(chan struct{}),

		tenantInFlight: make(map[string]int),
	}
	p.workers = make([]chan *Prepared, cfg.Workers)
	for i := range p.workers {
		p.workers[i] = make(chan *Prepared, cfg.QueueSize/cfg.Workers+1)
	}
	return p
}

// Subscribe registers a callback for persisted readings.
func (p *Pipeline) Subscribe(fn Subscriber) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	p.subs = append(p.subs, fn)
}

// Start launches the worker and flush goroutines.
func (p *Pipeline) Start(ctx context.Context) {
	for i, ch := range p.workers {
		p.stopped.Add(1)
		go p.runWorker(ctx, i, ch)
	}
	p.stopped.Add(1)
	go p.runFlusher(ctx)
}

// Drain stops intake, flushes every buffered reading, and waits for the
// goroutines to exit. No reading accepted before Drain is lost.
func (p *Pipeline) Drain(ctx context.Context) {
	close(p.stop)
	for _, ch := range p.workers {
		close(ch)
	}
	p.stopped.Wait()
	p.flushAll(ctx)
}

// Saturated reports whether the queue has crossed the high-water mark.
// Adapters consult this to shed or pause intake before Enqueue fails.
func (p *Pipeline) Saturated() bool {
	return float64(p.depth.Load()) >= p.cfg.SaturationHighWater*float64(p.cfg.QueueSize)
}

// Prepare runs the synchronous admission stages: device resolution,
// tenant stamping with quota reservation, timestamp policy, and the
// declared-key schema check. The reported tenant always comes from the
// resolved device; an adapter-supplied hint never overrides it.
func (p *Pipeline) Prepare(ctx context.Context, in *IncomingReading) (*Prepared, error) {
	auth, device, err := p.resolver.ResolveDevice(ctx, in.DeviceID, in.DeviceSecret)
	if err != nil {
		p.reject(ctx, in, "", StageResolve, err)
		return nil, err
	}
	tenant := auth.Tenant

	if err := p.quotas.Reserve(ctx, tenant, identity.ResourceReadingsPerDay, 1); err != nil {
		p.reject(ctx, in, tenant.ID, StageQuota, err)
		return nil, err
	}

	reading := p.stampTimestamp(in)
	if err := p.checkSchema(device, in, reading); err != nil {
		if relErr := p.quotas.Release(ctx, tenant, identity.ResourceReadingsPerDay, 1); relErr != nil {
			p.log.Warn("quota release failed", logger.String("tenant_id", tenant.ID), logger.Error(relErr))
		}
		p.reject(ctx, in, tenant.ID, StageSchema, err)
		return nil, err
	}

	reading.TenantID = tenant.ID
	reading.DeviceID = device.ID
	reading.Key = in.Key
	reading.PartitionDay = entities.PartitionDayOf(reading.Ts)
	return &Prepared{Reading: *reading, Tenant: tenant, Device: device, Adapter: in.Adapter}, nil
}

// Enqueue hands a prepared reading to its worker. Readings for the same
// (device, key) always land on the same worker, preserving append order.
// A tenant at its concurrency cap is refused so it cannot monopolize the
// worker queues.
func (p *Pipeline) Enqueue(prep *Prepared) error {
	if p.Saturated() {
		p.metrics.PipelineSaturated.Inc()
		return errors.New(errors.KindSaturated, "ingest pipeline saturated")
	}
	if !p.reserveTenantSlot(prep.Reading.TenantID) {
		p.metrics.PipelineSaturated.Inc()
		return errors.Newf(errors.KindSaturated, "tenant %s is at its ingest concurrency cap", prep.Reading.TenantID)
	}
	h := fnv.New32a()
	h.Write([]byte(prep.Reading.DeviceID))
	h.Write([]byte{'|'})
	h.Write([]byte(prep.Reading.Key))
	idx := int(h.Sum32()) % len(p.workers)

	select {
	case p.workers[idx] <- prep:
		p.depth.Add(1)
		p.metrics.ReadingsAccepted.WithLabelValues(prep.Adapter).Inc()
		return nil
	default:
		p.releaseTenantSlot(prep.Reading.TenantID)
		p.metrics.PipelineSaturated.Inc()
		return errors.New(errors.KindSaturated, "ingest worker queue full")
	}
}

func (p *Pipeline) reserveTenantSlot(tenantID string) bool {
	if p.cfg.MaxTenantConcurrency <= 0 {
		return true
	}
	p.tenantMu.Lock()
	defer p.tenantMu.Unlock()
	if p.tenantInFlight[tenantID] >= p.cfg.MaxTenantConcurrency {
		return false
	}
	p.tenantInFlight[tenantID]++
	return true
}

func (p *Pipeline) releaseTenantSlot(tenantID string) {
	if p.cfg.MaxTenantConcurrency <= 0 {
		return
	}
	p.tenantMu.Lock()
	if p.tenantInFlight[tenantID] > 0 {
		p.tenantInFlight[tenantID]--
	}
	p.tenantMu.Unlock()
}

// AppendSync admits one prepared reading straight through to the store,
// bypassing the batcher. Queue adapters use it so a delivery is
// acknowledged only once the append is durable.
func (p *Pipeline) AppendSync(ctx context.Context, prep *Prepared) error {
	r := prep.Reading
	if p.dedup.isDuplicate(r.DeviceID, r.Key, r.Ts, r.Value(), time.Now()) {
		p.metrics.ReadingsRejected.WithLabelValues(StageDedup).Inc()
		if err := p.quotas.Release(ctx, prep.Tenant, identity.ResourceReadingsPerDay, 1); err != nil {
			p.log.Warn("quota release failed", logger.String("tenant_id", r.TenantID), logger.Error(err))
		}
		return nil
	}
	err := p.gateway.AppendBatch(ctx, r.TenantID, []entities.Reading{r})
	if err != nil && errors.IsKind(err, errors.KindConflict) {
		err = nil
	}
	if err != nil {
		p.deadLetterBatch(ctx, r.TenantID, []entities.Reading{r}, err)
		return err
	}
	p.metrics.ReadingsAccepted.WithLabelValues(prep.Adapter).Inc()
	p.fanOut(ctx, []entities.Reading{r})
	return nil
}

// stampTimestamp applies the clock policy. A missing producer timestamp is
// replaced with the receive time at reduced quality. A producer clock
// skewed beyond the allowed window in either direction is distrusted: the
// reading keeps the server time and a stale quality. The policy never
// rejects a reading.
func (p *Pipeline) stampTimestamp(in *IncomingReading) *entities.Reading {
	now := time.Now().UTC()
	reading := &entities.Reading{Quality: 100}
	if in.Quality != nil {
		reading.Quality = *in.Quality
	}

	skew := p.cfg.MaxClockSkew.Std()
	switch {
	case in.ProducerTs == nil:
		reading.Ts = now
		reading.Quality = min(reading.Quality, qualityStamped)
	case in.ProducerTs.After(now.Add(skew)), in.ProducerTs.Before(now.Add(-skew)):
		reading.Ts = now
		reading.Quality = min(reading.Quality, qualityStale)
	default:
		reading.Ts = in.ProducerTs.UTC()
	}
	return reading
}

// checkSchema validates the key against the device's declared keys and
// normalizes the value onto the reading. Devices with AcceptsAnyKey skip
// the declaration check but still get type normalization.
func (p *Pipeline) checkSchema(device *entities.Device, in *IncomingReading, reading *entities.Reading) error {
	var declared *entities.DeviceKey
	for i := range device.Keys {
		if device.Keys[i].Key == in.Key {
			declared = &device.Keys[i]
			break
		}
	}
	if declared == nil && !device.AcceptsAnyKey {
		return errors.Newf(errors.KindValidationFailed, "key %q is not declared for device %s", in.Key, device.ID)
	}

	num, isNum := numericValue(in.Value)
	if declared != nil {
		switch declared.ValueType {
		case entities.ValueTypeNumber:
			if !isNum {
				return errors.Newf(errors.KindValidationFailed, "key %q expects a number", in.Key)
			}
		case entities.ValueTypeString:
			if isNum {
				return errors.Newf(errors.KindValidationFailed, "key %q expects a string", in.Key)
			}
		}
		reading.Unit = declared.Unit
	}

	if isNum {
		reading.NumericValue = &num
		return nil
	}
	s, ok := in.Value.(string)
	if !ok {
		return errors.Newf(errors.KindValidationFailed, "unsupported value type %T for key %q", in.Value, in.Key)
	}
	reading.StringValue = s
	return nil
}

// numericValue coerces the adapter value types that represent numbers.
func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func (p *Pipeline) runWorker(ctx context.Context, _ int, ch chan *Prepared) {
	defer p.stopped.Done()
	for prep := range ch {
		p.depth.Add(-1)
		p.releaseTenantSlot(prep.Reading.TenantID)
		r := prep.Reading
		if p.dedup.isDuplicate(r.DeviceID, r.Key, r.Ts, r.Value(), time.Now()) {
			p.metrics.ReadingsRejected.WithLabelValues(StageDedup).Inc()
			// The duplicate never consumed storage; hand its quota back.
			if err := p.quotas.Release(ctx, prep.Tenant, identity.ResourceReadingsPerDay, 1); err != nil {
				p.log.Warn("quota release failed", logger.String("tenant_id", r.TenantID), logger.Error(err))
			}
			continue
		}
		if p.batch.add(r.TenantID, prep.Tenant.FairShareWeight(), r) {
			p.flushNext(ctx, false)
		}
	}
}

func (p *Pipeline) runFlusher(ctx context.Context) {
	defer p.stopped.Done()
	interval := p.cfg.BatchMaxAge.Std() / 2
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.flushNext(ctx, false)
		}
	}
}

// flushNext flushes at most one tenant batch per call; the weighted
// round-robin in the batcher picks which.
func (p *Pipeline) flushNext(ctx context.Context, force bool) {
	tenantID, rows := p.batch.takeBatch(force)
	if len(rows) == 0 {
		return
	}
	p.flushBatch(ctx, tenantID, rows)
}

func (p *Pipeline) flushAll(ctx context.Context) {
	for p.batch.pending() > 0 {
		tenantID, rows := p.batch.takeBatch(true)
		if len(rows) == 0 {
			return
		}
		p.flushBatch(ctx, tenantID, rows)
	}
}

func (p *Pipeline) flushBatch(ctx context.Context, tenantID string, rows []entities.Reading) {
	err := p.gateway.AppendBatch(ctx, tenantID, rows)
	if err != nil && errors.IsKind(err, errors.KindConflict) {
		// Rows already present from an earlier delivery. The readings are
		// durable either way, so proceed to fan-out.
		err = nil
	}
	if err != nil {
		p.log.Error("batch flush failed",
			logger.String("tenant_id", tenantID),
			logger.Int("rows", len(rows)),
			logger.Error(err))
		p.deadLetterBatch(ctx, tenantID, rows, err)
		return
	}
	p.metrics.BatchFlushes.Inc()
	p.metrics.BatchFlushSize.Observe(float64(len(rows)))
	p.fanOut(ctx, rows)
}

// fanOut runs the post-durability side effects for persisted rows: cache
// maintenance, device liveness, and subscriber delivery.
func (p *Pipeline) fanOut(ctx context.Context, rows []entities.Reading) {
	seen := make(map[string]time.Time)
	for i := range rows {
		r := &rows[i]
		if err := p.last.Set(ctx, r); err != nil {
			p.log.Warn("last-value cache set failed", logger.String("device_id", r.DeviceID), logger.Error(err))
		}
		p.queries.Invalidate(r.TenantID, r.DeviceID, r.Key)
		if r.Ts.After(seen[r.DeviceID]) {
			seen[r.DeviceID] = r.Ts
		}
		p.publish(r)
	}
	for deviceID, at := range seen {
		if err := p.devices.TouchLastSeen(ctx, deviceID, at); err != nil {
			p.log.Warn("last-seen update failed", logger.String("device_id", deviceID), logger.Error(err))
		}
	}
}

func (p *Pipeline) publish(r *entities.Reading) {
	p.subsMu.RLock()
	defer p.subsMu.RUnlock()
	for _, fn := range p.subs {
		fn(r)
	}
}

func (p *Pipeline) deadLetterBatch(ctx context.Context, tenantID string, rows []entities.Reading, cause error) {
	payload, _ := json.Marshal(rows)
	letter := &entities.DeadLetter{
		TenantID: tenantID,
		Stage:    StageFlush,
		Reason:   cause.Error(),
		Payload:  string(payload),
	}
	if err := p.ops.AppendDeadLetter(ctx, letter); err != nil {
		p.log.Error("dead letter write failed", logger.String("tenant_id", tenantID), logger.Error(err))
	}
	p.metrics.ReadingsRejected.WithLabelValues(StageFlush).Add(float64(len(rows)))
}

// reject records a stage rejection as a dead letter and a metric.
// Unauthenticated failures are journaled without a payload so a credential
// guessing loop cannot fill the table with attacker-chosen bytes.
func (p *Pipeline) reject(ctx context.Context, in *IncomingReading, tenantID, stage string, cause error) {
	p.metrics.ReadingsRejected.WithLabelValues(stage).Inc()
	letter := &entities.DeadLetter{
		TenantID: tenantID,
		DeviceID: in.DeviceID,
		Stage:    stage,
		Reason:   cause.Error(),
	}
	if !errors.IsKind(cause, errors.KindUnauthenticated) {
		payload, err := json.Marshal(map[string]any{
			"adapter": in.Adapter,
			"key":     in.Key,
			"value":   fmt.Sprintf("%v", in.Value),
		})
		if err == nil {
			letter.Payload = string(payload)
		}
	}
	if err := p.ops.AppendDeadLetter(ctx, letter); err != nil {
		p.log.Error("dead letter write failed", logger.String("stage", stage), logger.Error(err))
	}
}
