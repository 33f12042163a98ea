// Package tsdb abstracts the time-series store. The gateway hides the day
// partitioning of the readings table; callers never name a partition.
package tsdb

import (
	"context"
	"time"

	"github.com/tidemark-io/tidemark/internal/entities"
)

// Selector narrows bulk operations within a tenant. Empty fields match all.
type Selector struct {
	DeviceID string
	Key      string
}

// RangeQuery describes a range read. When Bucket is non-zero, rows are
// pre-aggregated into buckets of that width instead of returned raw.
type RangeQuery struct {
	TenantID string
	DeviceID string
	Key      string
	From     time.Time
	To       time.Time
	Bucket   time.Duration
	Limit    int
	Cursor   string
}

// RangeResult is one page of a range read. NextCursor restarts the scan
// after the last returned row; empty means the range is exhausted.
type RangeResult struct {
	Rows       []entities.Reading
	Buckets    []Bucket
	NextCursor string
}

// Bucket is one downsampled aggregate interval.
type Bucket struct {
	Start time.Time `json:"start"`
	Avg   float64   `json:"avg"`
	Min   float64   `json:"min"`
	Max   float64   `json:"max"`
	Count int64     `json:"count"`
}

// ArchiveSink receives rows streamed out before a drop. Close must be
// called to confirm the sink acknowledged everything written.
type ArchiveSink interface {
	WriteRow(ctx context.Context, row *entities.Reading) error
	Close() error
}

// Gateway is the persistent store interface. All operations scope by
// tenant at the leading index position; readers observe monotonic append
// order per (device, key).
type Gateway interface {
	// AppendBatch durably appends rows, atomically per day partition. On
	// return each row carries its assigned ID, the durable offset within
	// the store.
	AppendBatch(ctx context.Context, tenantID string, rows []entities.Reading) error
	Range(ctx context.Context, q RangeQuery) (*RangeResult, error)
	// Last returns the latest row for the key, or nil when none exists.
	Last(ctx context.Context, tenantID, deviceID, key string) (*entities.Reading, error)
	// DropBefore bulk-deletes rows older than t; returns rows deleted.
	DropBefore(ctx context.Context, tenantID string, sel Selector, t time.Time) (int64, error)
	// ArchiveBefore streams matching rows to the sink, then drops them.
	// The drop is skipped when the sink fails.
	ArchiveBefore(ctx context.Context, tenantID string, sel Selector, t time.Time, sink ArchiveSink) (int64, error)
}
