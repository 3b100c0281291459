package quota

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// burstStore caps short-horizon spikes per key with a token bucket. It sits
// in front of the fixed-window ceilings; a denial here never consumes window
// quota.
type burstStore struct {
	mu      sync.Mutex
	buckets map[string]*burstEntry
	rps     rate.Limit
	burst   int
}

type burstEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newBurstStore(rps float64, burst int) *burstStore {
	return &burstStore{
		buckets: map[string]*burstEntry{},
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

func (b *burstStore) allow(key string, now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	ent, ok := b.buckets[key]
	if !ok {
		ent = &burstEntry{lim: rate.NewLimiter(b.rps, b.burst)}
		b.buckets[key] = ent
	}
	ent.lastSeen = now
	b.mu.Unlock()

	if ent.lim.Allow() {
		return true, 0
	}
	return false, b.retryAfter()
}

func (b *burstStore) retryAfter() time.Duration {
	if b.rps <= 0 {
		return time.Second
	}
	d := time.Duration(float64(time.Second) / float64(b.rps))
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (b *burstStore) prune(cutoff time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, ent := range b.buckets {
		if ent.lastSeen.Before(cutoff) {
			delete(b.buckets, k)
		}
	}
}
