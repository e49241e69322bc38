// Package dedup drops messages already seen within a TTL window,
// used to absorb MQTT QoS1 redeliveries.
package dedup

import (
	"sync"
	"time"
)

const (
	defaultTTL = 2 * time.Minute
	defaultMax = 4096
)

type Deduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	max  int
	now  func() time.Time
	seen map[string]time.Time // key -> expiry
}

func New(ttl time.Duration, max int) *Deduper {
	return NewWithClock(ttl, max, time.Now)
}

// NewWithClock is New with an injectable clock.
func NewWithClock(ttl time.Duration, max int, now func() time.Time) *Deduper {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if max <= 0 {
		max = defaultMax
	}
	if now == nil {
		now = time.Now
	}
	return &Deduper{ttl: ttl, max: max, now: now, seen: make(map[string]time.Time)}
}

// ShouldProcess returns true the first time key is seen within the TTL.
// An empty key is always processed.
func (d *Deduper) ShouldProcess(key string) bool {
	if key == "" {
		return true
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return false
	}
	d.seen[key] = now.Add(d.ttl)
	if len(d.seen) > d.max {
		d.evict(now)
	}
	return true
}

// evict drops expired keys, then the oldest ones until under max. Caller holds mu.
func (d *Deduper) evict(now time.Time) {
	for k, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, k)
		}
	}
	for len(d.seen) > d.max {
		var oldest string
		var oldestExp time.Time
		for k, exp := range d.seen {
			if oldest == "" || exp.Before(oldestExp) {
				oldest, oldestExp = k, exp
			}
		}
		delete(d.seen, oldest)
	}
}

// Len is the number of tracked keys, expired ones included until the next eviction.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Reset forgets every key.
func (d *Deduper) Reset() {
	d.mu.Lock()
	d.seen = make(map[string]time.Time)
	d.mu.Unlock()
}
