package ingest

import (
	"sync"
	"time"

	"github.com/tidemark-io/tidemark/internal/entities"
)

// tenantBuffer accumulates one tenant's pending rows.
type tenantBuffer struct {
	rows   []entities.Reading
	weight int
	oldest time.Time
}

// batcher buffers readings per tenant and decides which tenant flushes
// next using weighted round-robin over tier weights, so a high-volume
// tenant cannot starve the rest.
type batcher struct {
	mu       sync.Mutex
	buffers  map[string]*tenantBuffer
	order    []string
	cursor   int
	maxSize  int
	maxAge   time.Duration
}

func newBatcher(maxSize int, maxAge time.Duration) *batcher {
	return &batcher{
		buffers: make(map[string]*tenantBuffer),
		maxSize: maxSize,
		maxAge:  maxAge,
	}
}

// add buffers a row and reports whether the tenant's buffer is now ripe
// for an immediate flush.
func (b *batcher) add(tenantID string, weight int, row entities.Reading) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.buffers[tenantID]
	if !ok {
		buf = &tenantBuffer{weight: weight}
		b.buffers[tenantID] = buf
		b.order = append(b.order, tenantID)
	}
	if len(buf.rows) == 0 {
		buf.oldest = time.Now()
	}
	buf.rows = append(buf.rows, row)
	return len(buf.rows) >= b.maxSize
}

// takeBatch selects the next tenant due for a flush and removes up to
// weight*maxSize rows from its buffer. Returns ("", nil) when nothing is
// due. Age triggers a flush regardless of size; size triggers regardless
// of age; otherwise the tenant waits.
func (b *batcher) takeBatch(force bool) (string, []entities.Reading) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.order)
	for i := 0; i < n; i++ {
		tenantID := b.order[(b.cursor+i)%n]
		buf := b.buffers[tenantID]
		if buf == nil || len(buf.rows) == 0 {
			continue
		}
		due := force ||
			len(buf.rows) >= b.maxSize ||
			time.Since(buf.oldest) >= b.maxAge
		if !due {
			continue
		}
		b.cursor = (b.cursor + i + 1) % n

		budget := b.maxSize * buf.weight
		if budget >= len(buf.rows) {
			rows := buf.rows
			buf.rows = nil
			return tenantID, rows
		}
		rows := make([]entities.Reading, budget)
		copy(rows, buf.rows[:budget])
		buf.rows = append(buf.rows[:0], buf.rows[budget:]...)
		buf.oldest = time.Now()
		return tenantID, rows
	}
	return "", nil
}

// pending reports the total buffered row count.
func (b *batcher) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, buf := range b.buffers {
		total += len(buf.rows)
	}
	return total
}
