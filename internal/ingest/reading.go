// Package ingest normalizes, validates, deduplicates, batches, and
// persists incoming readings, then fans them out to subscribers.
package ingest

import (
	"time"
)

// IncomingReading is the canonical record every ingress adapter produces.
// TenantHint is advisory only; the pipeline stamps the tenant from the
// resolved device and overrides any hint.
type IncomingReading struct {
	Adapter      string
	DeviceID     string
	DeviceSecret string
	TenantHint   string
	Key          string
	Value        any
	ProducerTs   *time.Time
	Quality      *int
}

// Pipeline stage names, recorded on dead letters and rejection metrics.
const (
	StageResolve   = "device_resolution"
	StageQuota     = "quota"
	StageTimestamp = "timestamp_policy"
	StageSchema    = "schema_check"
	StageDedup     = "deduplication"
	StageFlush     = "batch_flush"
)
