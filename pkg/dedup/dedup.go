// Package dedup drops messages already processed within a TTL window,
// typically QoS1 redeliveries carrying an identical payload.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

type Deduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	max  int
	now  func() time.Time
	seen map[string]time.Time
}

// New returns a Deduper remembering up to max ids for ttl each.
// now may be nil, in which case time.Now is used.
func New(ttl time.Duration, max int, now func() time.Time) *Deduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if max <= 0 {
		max = 10000
	}
	if now == nil {
		now = time.Now
	}
	return &Deduper{ttl: ttl, max: max, now: now, seen: make(map[string]time.Time, max)}
}

// PayloadKey hashes a raw payload into a dedup id.
func PayloadKey(payload []byte) string {
	h := sha256.Sum256(payload)
	return hex.EncodeToString(h[:])
}

// ShouldProcess reports whether id is new (or its previous sighting expired)
// and records it.
func (d *Deduper) ShouldProcess(id string) bool {
	if id == "" {
		return true
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if exp, ok := d.seen[id]; ok && now.Before(exp) {
		return false
	}
	d.seen[id] = now.Add(d.ttl)
	if len(d.seen) > d.max {
		d.evict(now)
	}
	return true
}

// evict drops expired ids; if none expired it drops the ones closest to expiry
// until the map is back under max.
func (d *Deduper) evict(now time.Time) {
	for k, v := range d.seen {
		if !now.Before(v) {
			delete(d.seen, k)
		}
	}
	for len(d.seen) > d.max {
		var oldest string
		var oldestExp time.Time
		for k, v := range d.seen {
			if oldest == "" || v.Before(oldestExp) {
				oldest, oldestExp = k, v
			}
		}
		delete(d.seen, oldest)
	}
}

// Len returns the number of remembered ids.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
