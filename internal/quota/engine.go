package quota

import (
	"context"
	"sync"
	"time"
)

// Policy caps admitted request count and cumulative byte volume inside one
// fixed window. Policies are pure configuration and never change at runtime.
type Policy struct {
	Window      time.Duration
	MaxRequests int
	// MaxBytes of 0 disables the byte ceiling; an engine configured that way
	// acts as a plain request limiter.
	MaxBytes int64
}

// Rejection reasons surfaced to callers. The HTTP layer maps these to
// user-facing messages; the engine itself never touches HTTP concerns.
const (
	ReasonRequests = "rate_limit_requests"
	ReasonBytes    = "rate_limit_bytes"
	ReasonBurst    = "rate_limit_burst"
)

// Decision is the result of one CheckAndConsume call. Every call returns a
// Decision; ceiling violations are outcomes, not errors.
type Decision struct {
	Allowed        bool
	Reason         string
	RetryAfter     time.Duration
	Remaining      int
	RemainingBytes int64
	WindowEnd      time.Time
	// Generation identifies the window the charge landed in. Pass it to
	// ReleaseGeneration for a release that refuses to touch a newer window.
	Generation uint64
}

// Status is a read-only projection of current usage for one key.
type Status struct {
	Count          int
	Remaining      int
	UsedBytes      int64
	RemainingBytes int64
	// UsedPercent is not clamped; it can exceed 100 if limits were lowered
	// after bytes were charged.
	UsedPercent float64
	WindowEnd   time.Time
}

type entry struct {
	count       int
	totalBytes  int64
	windowStart time.Time
	generation  uint64
}

// Engine tracks per-identity usage and gates admission against the policy
// for the identity's class. One mutex serializes all mutation; the map is
// small and every operation is in-memory, so coarse locking is enough.
type Engine struct {
	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64

	guest  Policy
	member Policy

	burst      *burstStore
	sweepEvery time.Duration
	now        func() time.Time
}

type Option func(*Engine)

// WithClock replaces the time source, used by tests to step windows.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) { e.sweepEvery = d }
}

// WithBurst adds a per-key token-bucket pre-check in front of the window
// ceilings. A burst denial consumes no window quota.
func WithBurst(rps float64, burst int) Option {
	return func(e *Engine) { e.burst = newBurstStore(rps, burst) }
}

func New(guest, member Policy, opts ...Option) *Engine {
	e := &Engine{
		entries:    map[string]*entry{},
		guest:      guest,
		member:     member,
		sweepEvery: 5 * time.Minute,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) policyFor(authenticated bool) Policy {
	if authenticated {
		return e.member
	}
	return e.guest
}

// CheckAndConsume evaluates a prospective request for key and, if admitted,
// commits the increment in the same critical section. The count ceiling is
// checked strictly before the byte ceiling; a request violating both reports
// the count violation. Nothing is persisted on rejection, not even a fresh
// empty entry.
func (e *Engine) CheckAndConsume(key string, candidateBytes int64, authenticated bool) Decision {
	p := e.policyFor(authenticated)

	if e.burst != nil {
		if ok, retry := e.burst.allow(key, e.now()); !ok {
			return Decision{Reason: ReasonBurst, RetryAfter: retry}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	ent, ok := e.entries[key]
	fresh := !ok || now.Sub(ent.windowStart) > p.Window

	var count int
	var total int64
	start := now
	if !fresh {
		count = ent.count
		total = ent.totalBytes
		start = ent.windowStart
	}
	windowEnd := start.Add(p.Window)

	if count >= p.MaxRequests {
		return Decision{
			Reason:         ReasonRequests,
			RetryAfter:     windowEnd.Sub(now),
			RemainingBytes: remainingBytes(p, total),
			WindowEnd:      windowEnd,
		}
	}
	if p.MaxBytes > 0 && total+candidateBytes > p.MaxBytes {
		return Decision{
			Reason:         ReasonBytes,
			RetryAfter:     windowEnd.Sub(now),
			Remaining:      p.MaxRequests - count,
			RemainingBytes: p.MaxBytes - total,
			WindowEnd:      windowEnd,
		}
	}

	if fresh {
		e.gen++
		ent = &entry{windowStart: now, generation: e.gen}
		e.entries[key] = ent
	}
	ent.count = count + 1
	ent.totalBytes = total + candidateBytes
	return Decision{
		Allowed:        true,
		Remaining:      p.MaxRequests - ent.count,
		RemainingBytes: remainingBytes(p, ent.totalBytes),
		WindowEnd:      windowEnd,
		Generation:     ent.generation,
	}
}

// PeekStatus reports current usage without mutating anything. An absent or
// expired entry reads as full capacity; no entry is created.
func (e *Engine) PeekStatus(key string, authenticated bool) Status {
	p := e.policyFor(authenticated)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var count int
	var total int64
	start := now
	if ent, ok := e.entries[key]; ok && now.Sub(ent.windowStart) <= p.Window {
		count = ent.count
		total = ent.totalBytes
		start = ent.windowStart
	}

	st := Status{
		Count:          count,
		Remaining:      p.MaxRequests - count,
		UsedBytes:      total,
		RemainingBytes: remainingBytes(p, total),
		WindowEnd:      start.Add(p.Window),
	}
	if st.Remaining < 0 {
		st.Remaining = 0
	}
	if p.MaxBytes > 0 {
		st.UsedPercent = float64(total) / float64(p.MaxBytes) * 100
	}
	return st
}

// Release returns previously charged quota after the resource that earned it
// is deleted. It decrements against whatever entry currently sits at the key
// without re-checking window freshness; if the window rolled over since the
// charge, the decrement lands on the newer window and floors at zero. An
// unknown key is a no-op, tolerating duplicate or late deletion events.
func (e *Engine) Release(key string, bytes int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaseLocked(key, bytes, 0)
}

// ReleaseGeneration is the strict variant: it only decrements when the
// entry's window generation still matches the stamp captured at charge time,
// so a charge released after its window rolled is dropped instead of
// under-counting an unrelated window.
func (e *Engine) ReleaseGeneration(key string, bytes int64, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaseLocked(key, bytes, gen)
}

func (e *Engine) releaseLocked(key string, bytes int64, gen uint64) {
	ent, ok := e.entries[key]
	if !ok {
		return
	}
	if gen != 0 && ent.generation != gen {
		return
	}
	ent.count--
	if ent.count < 0 {
		ent.count = 0
	}
	ent.totalBytes -= bytes
	if ent.totalBytes < 0 {
		ent.totalBytes = 0
	}
}

func (e *Engine) maxWindow() time.Duration {
	if e.member.Window > e.guest.Window {
		return e.member.Window
	}
	return e.guest.Window
}

// Sweep drops entries whose window fully elapsed. The threshold is the
// longest window across both policies: the store serves both classes, so a
// shorter per-class cutoff could evict a still-live member entry. Sweeping
// is tidying only; an unswept stale entry is still treated as expired on
// next access.
func (e *Engine) Sweep() int {
	now := e.now()
	cutoff := now.Add(-e.maxWindow())

	e.mu.Lock()
	removed := 0
	for k, ent := range e.entries {
		if ent.windowStart.Before(cutoff) {
			delete(e.entries, k)
			removed++
		}
	}
	e.mu.Unlock()

	if e.burst != nil {
		e.burst.prune(cutoff)
	}
	return removed
}

// StartSweeper runs Sweep on a ticker until ctx is cancelled.
func (e *Engine) StartSweeper(ctx context.Context) {
	t := time.NewTicker(e.sweepEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				e.Sweep()
			}
		}
	}()
}

func remainingBytes(p Policy, total int64) int64 {
	if p.MaxBytes <= 0 {
		return 0
	}
	rem := p.MaxBytes - total
	if rem < 0 {
		return 0
	}
	return rem
}
