package ratelimit

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for bucket tracking. Series are labelled by registry
// so isolated registries never share one.
var (
	canvasBucketRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "canvas_rate_limit_remaining",
		Help: "Locally tracked remaining capacity by bucket",
	}, []string{"registry", "bucket"})

	canvasBucketRefunds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_rate_limit_refunded_units_total",
		Help: "Units refunded after the reported request cost came in below the estimate",
	}, []string{"registry", "bucket"})
)

var registrySeq atomic.Uint64

// Policy configures newly created buckets.
type Policy struct {
	Capacity float64
	LeakRate float64
}

// DefaultPolicy returns the Canvas defaults.
func DefaultPolicy() Policy {
	return Policy{
		Capacity: DefaultBucketSize,
		LeakRate: DefaultLeakRate,
	}
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// WithName sets the registry label used in metrics. Registries are named
// registry-1, registry-2, ... by default.
func WithName(name string) RegistryOption {
	return func(r *Registry) {
		if name != "" {
			r.name = name
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger zerolog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

type entry struct {
	mu      sync.Mutex
	bucket  Bucket
	removed bool
}

// Registry holds the buckets of one client (or of several clients that are
// handed the same registry). Each bucket has its own lock so requests
// against different keys never contend.
//
// A bucket that has refilled to capacity is indistinguishable from a new
// one, so full buckets are dropped whenever a new bucket is created. This
// keeps keys of rotated credentials from accumulating.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*entry
	policy  Policy
	name    string
	now     func() time.Time
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(policy Policy, opts ...RegistryOption) *Registry {
	if policy.Capacity <= 0 {
		policy.Capacity = DefaultBucketSize
	}
	if policy.LeakRate < 0 {
		policy.LeakRate = 0
	}

	r := &Registry{
		buckets: make(map[string]*entry),
		policy:  policy,
		name:    fmt.Sprintf("registry-%d", registrySeq.Add(1)),
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the registry's metrics label.
func (r *Registry) Name() string {
	return r.name
}

// Policy returns the policy applied to new buckets.
func (r *Registry) Policy() Policy {
	return r.policy
}

func (r *Registry) get(key string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.buckets[key]
	if !ok {
		now := r.now()
		r.pruneLocked(now)
		e = &entry{bucket: *NewBucket(key, r.policy.Capacity, r.policy.LeakRate, now)}
		r.buckets[key] = e
		r.logger.Debug().Str("bucket", key).Float64("capacity", r.policy.Capacity).Msg("Bucket created")
	}
	return e
}

// pruneLocked drops buckets that have refilled to capacity. Buckets in use
// are skipped. r.mu must be held.
func (r *Registry) pruneLocked(now time.Time) {
	for key, e := range r.buckets {
		if !e.mu.TryLock() {
			continue
		}
		if e.bucket.RemainingAt(now) >= e.bucket.Capacity {
			e.removed = true
			delete(r.buckets, key)
			r.dropSeries(key)
			r.logger.Debug().Str("bucket", key).Msg("Full bucket pruned")
		}
		e.mu.Unlock()
	}
}

// removeLocked drops one bucket. r.mu must be held.
func (r *Registry) removeLocked(key string, e *entry) {
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	delete(r.buckets, key)
	r.dropSeries(key)
}

func (r *Registry) dropSeries(key string) {
	canvasBucketRemaining.DeleteLabelValues(r.name, key)
	canvasBucketRefunds.DeleteLabelValues(r.name, key)
}

// with runs fn on the refilled bucket under its lock and publishes the result.
func (r *Registry) with(key string, fn func(b *Bucket)) Bucket {
	for {
		e := r.get(key)
		e.mu.Lock()
		if e.removed {
			// Pruned between lookup and lock; use the replacement.
			e.mu.Unlock()
			continue
		}

		e.bucket.refill(r.now())
		if fn != nil {
			fn(&e.bucket)
		}
		canvasBucketRemaining.WithLabelValues(r.name, key).Set(e.bucket.Remaining)
		b := e.bucket
		e.mu.Unlock()
		return b
	}
}

// Remaining returns the refilled remaining capacity of a bucket.
func (r *Registry) Remaining(key string) float64 {
	return r.with(key, nil).Remaining
}

// Snapshot returns a copy of the bucket if it exists.
func (r *Registry) Snapshot(key string) (Bucket, bool) {
	r.mu.Lock()
	_, ok := r.buckets[key]
	r.mu.Unlock()
	if !ok {
		return Bucket{}, false
	}
	return r.with(key, nil), true
}

// Charge deducts cost from the bucket. The bucket never goes below zero.
func (r *Registry) Charge(key string, cost float64) float64 {
	return r.with(key, func(b *Bucket) {
		b.charge(cost)
	}).Remaining
}

// Refund gives back capacity, capped at the bucket size.
func (r *Registry) Refund(key string, amount float64) float64 {
	return r.with(key, func(b *Bucket) {
		b.refund(amount)
	}).Remaining
}

// Reserve charges cost if the bucket holds at least minRemaining. Otherwise
// nothing is charged and the wait needed to reach minRemaining is returned;
// ok is false in both of the latter cases and wait is negative when the
// bucket can never recover.
func (r *Registry) Reserve(key string, minRemaining, cost float64) (remaining float64, wait time.Duration, ok bool) {
	now := r.now()
	b := r.with(key, func(b *Bucket) {
		if b.Remaining < minRemaining {
			d, recoverable := b.TimeUntil(minRemaining, now)
			if !recoverable {
				d = -1
			}
			wait = d
			return
		}
		b.charge(cost)
		ok = true
	})
	return b.Remaining, wait, ok
}

// Settle reconciles a pre-charge with what the server reported: the
// difference between the estimate and the actual cost is refunded (or
// charged), then the server's remaining value is adopted when present.
func (r *Registry) Settle(key string, charged float64, report Report) Bucket {
	return r.with(key, func(b *Bucket) {
		if report.HasCost {
			diff := charged - report.Cost
			if diff > 0 {
				b.refund(diff)
				canvasBucketRefunds.WithLabelValues(r.name, key).Add(diff)
			} else if diff < 0 {
				b.charge(-diff)
			}
		}
		if report.HasRemaining {
			b.Remaining = clamp(report.Remaining, 0, b.Capacity)
		}

		r.logger.Debug().
			Str("bucket", key).
			Float64("charged", charged).
			Float64("cost", report.Cost).
			Float64("remaining", b.Remaining).
			Msg("Bucket settled")
	})
}

// Reset drops a bucket; it is recreated full on next use.
func (r *Registry) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.buckets[key]; ok {
		r.removeLocked(key, e)
	}
}

// ResetAll drops every bucket.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, e := range r.buckets {
		r.removeLocked(key, e)
	}
}

// Keys returns the known bucket keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.buckets))
	for key := range r.buckets {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
