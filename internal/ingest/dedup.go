package ingest

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// dedupEntry is one remembered reading hash.
type dedupEntry struct {
	hash uint64
	at   time.Time
}

// dedupRing drops exact replays of (key, timestamp, value) per device
// within the window. The ring is bounded; the oldest entries are
// overwritten once the capacity wraps.
type dedupRing struct {
	entries []dedupEntry
	next    int
	window  time.Duration
}

func newDedupRing(size int, window time.Duration) *dedupRing {
	if size <= 0 {
		size = 64
	}
	return &dedupRing{entries: make([]dedupEntry, size), window: window}
}

// seen reports whether the hash was recorded within the window, recording
// it when it was not.
func (r *dedupRing) seen(hash uint64, now time.Time) bool {
	cutoff := now.Add(-r.window)
	for i := range r.entries {
		e := &r.entries[i]
		if e.at.IsZero() || e.at.Before(cutoff) {
			continue
		}
		if e.hash == hash {
			return true
		}
	}
	r.entries[r.next] = dedupEntry{hash: hash, at: now}
	r.next = (r.next + 1) % len(r.entries)
	return false
}

// deduper holds one ring per device.
type deduper struct {
	mu     sync.Mutex
	rings  map[string]*dedupRing
	size   int
	window time.Duration
}

func newDeduper(ringSize int, window time.Duration) *deduper {
	return &deduper{rings: make(map[string]*dedupRing), size: ringSize, window: window}
}

// isDuplicate hashes the reading identity and checks the device ring.
func (d *deduper) isDuplicate(deviceID, key string, ts time.Time, value any, now time.Time) bool {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%v", key, ts.UnixMicro(), value))
	hash := binary.BigEndian.Uint64(sum[:8])

	d.mu.Lock()
	defer d.mu.Unlock()
	ring, ok := d.rings[deviceID]
	if !ok {
		ring = newDedupRing(d.size, d.window)
		d.rings[deviceID] = ring
	}
	return ring.seen(hash, now)
}
