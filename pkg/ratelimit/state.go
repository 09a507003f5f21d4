// Package ratelimit implements Canvas cost-based rate limit accounting.
// Canvas charges every request against a leaky bucket and reports the
// bucket state in the X-Rate-Limit-Remaining and X-Request-Cost headers.
// Buckets here mirror that accounting locally so requests can be held back
// before the server starts rejecting them.
package ratelimit

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

// Canvas response headers reporting bucket state.
const (
	HeaderRemaining   = "X-Rate-Limit-Remaining"
	HeaderRequestCost = "X-Request-Cost"
)

// Defaults matching the documented Canvas throttling behaviour.
const (
	// DefaultBucketSize is the bucket capacity when none is configured.
	DefaultBucketSize = 3000

	// DefaultLeakRate is the number of units restored per second.
	DefaultLeakRate = 10.0

	// DefaultBucket is the key used when no credential is configured.
	DefaultBucket = "default"
)

// Bucket is the local view of one rate limit bucket.
// Remaining always stays within [0, Capacity].
type Bucket struct {
	Key        string    `json:"key"`
	Capacity   float64   `json:"capacity"`
	Remaining  float64   `json:"remaining"`
	LeakRate   float64   `json:"leak_rate"`
	LastUpdate time.Time `json:"last_update"`
}

// NewBucket creates a full bucket.
func NewBucket(key string, capacity, leakRate float64, now time.Time) *Bucket {
	return &Bucket{
		Key:        key,
		Capacity:   capacity,
		Remaining:  capacity,
		LeakRate:   leakRate,
		LastUpdate: now,
	}
}

// RemainingAt returns the remaining capacity at now, applying the leak
// rate since LastUpdate, without modifying the bucket.
func (b *Bucket) RemainingAt(now time.Time) float64 {
	elapsed := now.Sub(b.LastUpdate).Seconds()
	if elapsed <= 0 || b.LeakRate <= 0 {
		return b.Remaining
	}
	return math.Min(b.Capacity, b.Remaining+b.LeakRate*elapsed)
}

// TimeUntil returns how long the bucket needs to leak back up to target.
// Returns false if the bucket never gets there (no leak rate).
func (b *Bucket) TimeUntil(target float64, now time.Time) (time.Duration, bool) {
	current := b.RemainingAt(now)
	if current >= target {
		return 0, true
	}
	if b.LeakRate <= 0 || target > b.Capacity {
		return 0, false
	}
	seconds := (target - current) / b.LeakRate
	return time.Duration(math.Ceil(seconds * float64(time.Second))), true
}

func (b *Bucket) refill(now time.Time) {
	b.Remaining = b.RemainingAt(now)
	if now.After(b.LastUpdate) {
		b.LastUpdate = now
	}
}

func (b *Bucket) charge(cost float64) {
	b.Remaining = clamp(b.Remaining-cost, 0, b.Capacity)
}

func (b *Bucket) refund(amount float64) {
	b.Remaining = clamp(b.Remaining+amount, 0, b.Capacity)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Report is the bucket state a response reported.
type Report struct {
	Remaining    float64
	HasRemaining bool
	Cost         float64
	HasCost      bool
}

// ParseHeaders reads the Canvas rate limit headers. Missing headers are not
// an error; unparsable ones are.
func ParseHeaders(headers http.Header) (Report, error) {
	var r Report

	if v := headers.Get(HeaderRemaining); v != "" {
		remaining, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Report{}, fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
		}
		r.Remaining, r.HasRemaining = remaining, true
	}

	if v := headers.Get(HeaderRequestCost); v != "" {
		cost, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Report{}, fmt.Errorf("parse %s header: %w", HeaderRequestCost, err)
		}
		r.Cost, r.HasCost = cost, true
	}

	return r, nil
}

// Exhausted reports whether the server said the bucket is empty.
func (r Report) Exhausted() bool {
	return r.HasRemaining && r.Remaining <= 0
}
