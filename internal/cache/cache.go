// Package cache provides the last-value and query-result caches. Both are
// write-through safety nets: correctness never depends on TTL expiry.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/tidemark-io/tidemark/internal/entities"
)

const (
	lastValueTTL  = 24 * time.Hour
	queryTTL      = 30 * time.Second
	cleanupPeriod = 10 * time.Minute
)

// LastValueStore holds the most recent reading per (tenant, device, key).
type LastValueStore interface {
	Set(ctx context.Context, reading *entities.Reading) error
	Get(ctx context.Context, tenantID, deviceID, key string) (*entities.Reading, error)
}

func lastValueKey(tenantID, deviceID, key string) string {
	return "lv:" + tenantID + ":" + deviceID + ":" + key
}

// memoryLastValue is the in-process backend used when no CACHE_DSN is set.
type memoryLastValue struct {
	c *gocache.Cache
}

// NewMemoryLastValue creates an in-process last-value store.
func NewMemoryLastValue() LastValueStore {
	return &memoryLastValue{c: gocache.New(lastValueTTL, cleanupPeriod)}
}

func (m *memoryLastValue) Set(_ context.Context, reading *entities.Reading) error {
	k := lastValueKey(reading.TenantID, reading.DeviceID, reading.Key)
	// Keep the newest timestamp; out-of-order flushes must not regress it.
	if existing, ok := m.c.Get(k); ok {
		if prev, ok := existing.(*entities.Reading); ok && prev.Ts.After(reading.Ts) {
			return nil
		}
	}
	m.c.Set(k, reading, lastValueTTL)
	return nil
}

func (m *memoryLastValue) Get(_ context.Context, tenantID, deviceID, key string) (*entities.Reading, error) {
	v, ok := m.c.Get(lastValueKey(tenantID, deviceID, key))
	if !ok {
		return nil, nil
	}
	reading, ok := v.(*entities.Reading)
	if !ok {
		return nil, nil
	}
	return reading, nil
}

// redisLastValue shares the last-value cache across processes.
type redisLastValue struct {
	client *redis.Client
}

// NewRedisLastValue connects a redis-backed last-value store.
func NewRedisLastValue(dsn string) (LastValueStore, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid cache DSN: %w", err)
	}
	return &redisLastValue{client: redis.NewClient(opts)}, nil
}

func (r *redisLastValue) Set(ctx context.Context, reading *entities.Reading) error {
	payload, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("failed to encode reading: %w", err)
	}
	k := lastValueKey(reading.TenantID, reading.DeviceID, reading.Key)
	if err := r.client.Set(ctx, k, payload, lastValueTTL).Err(); err != nil {
		return fmt.Errorf("failed to set last value: %w", err)
	}
	return nil
}

func (r *redisLastValue) Get(ctx context.Context, tenantID, deviceID, key string) (*entities.Reading, error) {
	raw, err := r.client.Get(ctx, lastValueKey(tenantID, deviceID, key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last value: %w", err)
	}
	var reading entities.Reading
	if err := json.Unmarshal(raw, &reading); err != nil {
		return nil, fmt.Errorf("failed to decode cached reading: %w", err)
	}
	return &reading, nil
}

// QueryCache memoizes materialized query results keyed by (tenant, query
// fingerprint). A write whose (device, key) intersects a cached query's
// selector invalidates that entry.
type QueryCache struct {
	c      *gocache.Cache
	flight singleflight.Group
}

// NewQueryCache creates a query-result cache.
func NewQueryCache() *QueryCache {
	return &QueryCache{c: gocache.New(queryTTL, cleanupPeriod)}
}

func queryKey(tenantID, fingerprint string) string {
	return "q:" + tenantID + ":" + fingerprint
}

// GetOrBuild returns the cached value for the fingerprint or builds it.
// At most one build per key runs at a time across callers.
func (q *QueryCache) GetOrBuild(tenantID, fingerprint string, build func() (any, error)) (any, error) {
	k := queryKey(tenantID, fingerprint)
	if v, ok := q.c.Get(k); ok {
		return v, nil
	}
	v, err, _ := q.flight.Do(k, func() (any, error) {
		if v, ok := q.c.Get(k); ok {
			return v, nil
		}
		built, err := build()
		if err != nil {
			return nil, err
		}
		q.c.Set(k, built, queryTTL)
		return built, nil
	})
	return v, err
}

// Invalidate drops every cached query for the tenant whose fingerprint
// names the written device and key. Fingerprints embed their selector as
// "device/key/..." so intersection is a prefix check.
func (q *QueryCache) Invalidate(tenantID, deviceID, key string) {
	prefix := queryKey(tenantID, QueryFingerprint(deviceID, key, ""))
	for k := range q.c.Items() {
		if strings.HasPrefix(k, prefix) {
			q.c.Delete(k)
		}
	}
}

// QueryFingerprint builds the cache fingerprint for a range query. The
// selector prefix (device/key) makes write intersection checks cheap.
func QueryFingerprint(deviceID, key, params string) string {
	return deviceID + "/" + key + "/" + params
}
