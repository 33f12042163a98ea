package tsdb

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/errors"
)

const (
	defaultRangeLimit = 1000
	maxRangeLimit     = 10000
	archiveChunkSize  = 500
	// estRowBytes approximates on-disk row size for bytes-freed accounting.
	estRowBytes = 96
)

type gormGateway struct {
	db *gorm.DB
}

// NewGormGateway creates a Gateway over the readings table.
func NewGormGateway(db *gorm.DB) Gateway {
	return &gormGateway{db: db}
}

func (g *gormGateway) AppendBatch(ctx context.Context, tenantID string, rows []entities.Reading) error {
	if len(rows) == 0 {
		return nil
	}
	// Group rows by day partition; each partition's insert is one
	// transaction so a failure never leaves a partition half-written.
	byDay := make(map[string][]int)
	for i := range rows {
		rows[i].TenantID = tenantID
		if rows[i].PartitionDay == "" {
			rows[i].PartitionDay = entities.PartitionDayOf(rows[i].Ts)
		}
		byDay[rows[i].PartitionDay] = append(byDay[rows[i].PartitionDay], i)
	}
	for day, indices := range byDay {
		chunk := make([]entities.Reading, len(indices))
		for j, idx := range indices {
			chunk[j] = rows[idx]
		}
		err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.CreateInBatches(chunk, archiveChunkSize).Error
		})
		if err != nil {
			if isDuplicate(err) {
				return errors.Wrap(errors.KindConflict, "duplicate reading in batch", err)
			}
			return fmt.Errorf("failed to append partition %s: %w", day, err)
		}
		// The insert assigned primary keys; hand them back so callers can
		// read each row's durable offset.
		for j, idx := range indices {
			rows[idx].ID = chunk[j].ID
		}
	}
	return nil
}

func (g *gormGateway) Range(ctx context.Context, q RangeQuery) (*RangeResult, error) {
	limit := q.Limit
	switch {
	case limit <= 0:
		limit = defaultRangeLimit
	case limit > maxRangeLimit:
		limit = maxRangeLimit
	}

	query := g.db.WithContext(ctx).Model(&entities.Reading{}).
		Where("tenant_id = ? AND device_id = ? AND `key` = ?", q.TenantID, q.DeviceID, q.Key).
		Where("ts >= ? AND ts <= ?", q.From, q.To).
		Order("ts ASC")

	if q.Cursor != "" {
		after, err := decodeTsCursor(q.Cursor)
		if err != nil {
			return nil, errors.Wrap(errors.KindValidationFailed, "invalid range cursor", err)
		}
		query = query.Where("ts > ?", after)
	}

	var rows []entities.Reading
	if err := query.Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to range readings: %w", err)
	}

	result := &RangeResult{}
	if len(rows) == limit {
		result.NextCursor = encodeTsCursor(rows[len(rows)-1].Ts)
	}
	if q.Bucket > 0 {
		result.Buckets = downsample(rows, q.Bucket)
	} else {
		result.Rows = rows
	}
	return result, nil
}

func (g *gormGateway) Last(ctx context.Context, tenantID, deviceID, key string) (*entities.Reading, error) {
	var row entities.Reading
	err := g.db.WithContext(ctx).
		Where("tenant_id = ? AND device_id = ? AND `key` = ?", tenantID, deviceID, key).
		Order("ts DESC").First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read last value: %w", err)
	}
	return &row, nil
}

func (g *gormGateway) DropBefore(ctx context.Context, tenantID string, sel Selector, t time.Time) (int64, error) {
	// Whole partitions older than the cutoff day go first; the cheap path
	// for aged data. The remainder within the cutoff day goes by ts.
	cutoffDay := entities.PartitionDayOf(t)
	var total int64

	query := g.db.WithContext(ctx).Where("tenant_id = ? AND partition_day < ?", tenantID, cutoffDay)
	query = applySelector(query, sel)
	result := query.Delete(&entities.Reading{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to drop aged partitions: %w", result.Error)
	}
	total += result.RowsAffected

	query = g.db.WithContext(ctx).Where("tenant_id = ? AND partition_day = ? AND ts < ?", tenantID, cutoffDay, t)
	query = applySelector(query, sel)
	result = query.Delete(&entities.Reading{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to drop cutoff partition remainder: %w", result.Error)
	}
	total += result.RowsAffected
	return total, nil
}

func (g *gormGateway) ArchiveBefore(ctx context.Context, tenantID string, sel Selector, t time.Time, sink ArchiveSink) (int64, error) {
	var streamed int64
	lastTs := time.Time{}
	for {
		query := g.db.WithContext(ctx).
			Where("tenant_id = ? AND ts < ?", tenantID, t).
			Order("ts ASC").Limit(archiveChunkSize)
		query = applySelector(query, sel)
		if !lastTs.IsZero() {
			query = query.Where("ts > ?", lastTs)
		}
		var rows []entities.Reading
		if err := query.Find(&rows).Error; err != nil {
			return streamed, fmt.Errorf("failed to scan rows for archive: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		for i := range rows {
			if err := sink.WriteRow(ctx, &rows[i]); err != nil {
				return streamed, errors.Wrap(errors.KindUpstreamPermanent, "archive sink write failed", err)
			}
			streamed++
		}
		lastTs = rows[len(rows)-1].Ts
	}
	// Drop only after the sink confirms everything it buffered.
	if err := sink.Close(); err != nil {
		return streamed, errors.Wrap(errors.KindUpstreamPermanent, "archive sink close failed", err)
	}
	if _, err := g.DropBefore(ctx, tenantID, sel, t); err != nil {
		return streamed, err
	}
	return streamed, nil
}

func applySelector(query *gorm.DB, sel Selector) *gorm.DB {
	if sel.DeviceID != "" {
		query = query.Where("device_id = ?", sel.DeviceID)
	}
	if sel.Key != "" {
		query = query.Where("`key` = ?", sel.Key)
	}
	return query
}

// EstimateBytes approximates bytes freed for a number of dropped rows.
func EstimateBytes(rows int64) int64 {
	return rows * estRowBytes
}

func downsample(rows []entities.Reading, bucket time.Duration) []Bucket {
	var buckets []Bucket
	var cur *Bucket
	for i := range rows {
		if rows[i].NumericValue == nil {
			continue
		}
		v := *rows[i].NumericValue
		start := rows[i].Ts.Truncate(bucket)
		if cur == nil || !cur.Start.Equal(start) {
			buckets = append(buckets, Bucket{Start: start, Min: math.Inf(1), Max: math.Inf(-1)})
			cur = &buckets[len(buckets)-1]
		}
		cur.Avg += v // running sum; finalized below
		cur.Count++
		if v < cur.Min {
			cur.Min = v
		}
		if v > cur.Max {
			cur.Max = v
		}
	}
	for i := range buckets {
		if buckets[i].Count > 0 {
			buckets[i].Avg /= float64(buckets[i].Count)
		}
	}
	return buckets
}

func encodeTsCursor(ts time.Time) string {
	return base64.URLEncoding.EncodeToString([]byte(strconv.FormatInt(ts.UnixMicro(), 10)))
}

func decodeTsCursor(cursor string) (time.Time, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, err
	}
	micros, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(micros).UTC(), nil
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry")
}
