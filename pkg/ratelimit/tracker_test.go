package ratelimit

import (
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestNewRegistry_Defaults(t *testing.T) {
	r := NewRegistry(Policy{})

	if r.Policy().Capacity != DefaultBucketSize {
		t.Errorf("Capacity = %v, want %v", r.Policy().Capacity, DefaultBucketSize)
	}
	if got := r.Remaining("new"); got != DefaultBucketSize {
		t.Errorf("Remaining on first use = %v, want full bucket %v", got, DefaultBucketSize)
	}
}

func TestRegistry_ChargeMonotonic(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(Policy{Capacity: 1000, LeakRate: 10}, WithClock(clock.Now))

	const cost = 75.0
	previous := r.Remaining("k")
	for i := 0; i < 10; i++ {
		got := r.Charge("k", cost)
		if got != previous-cost {
			t.Fatalf("charge %d: Remaining = %v, want %v", i, got, previous-cost)
		}
		previous = got
	}

	// Charging past empty clamps at zero.
	for i := 0; i < 20; i++ {
		r.Charge("k", cost)
	}
	if got := r.Remaining("k"); got != 0 {
		t.Errorf("Remaining = %v, want 0", got)
	}
}

func TestRegistry_LeakRefill(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(Policy{Capacity: 1000, LeakRate: 10}, WithClock(clock.Now))

	r.Charge("k", 900) // 100 left
	clock.Advance(20 * time.Second)

	if got := r.Remaining("k"); got != 300 {
		t.Errorf("Remaining after 20s = %v, want 300", got)
	}

	clock.Advance(time.Hour)
	if got := r.Remaining("k"); got != 1000 {
		t.Errorf("Remaining after 1h = %v, want capacity 1000", got)
	}
}

func TestRegistry_Reserve(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(Policy{Capacity: 1000, LeakRate: 10}, WithClock(clock.Now))

	remaining, wait, ok := r.Reserve("k", 100, 50)
	if !ok || wait != 0 {
		t.Fatalf("Reserve() on full bucket = (%v, %v, %v), want ok", remaining, wait, ok)
	}
	if remaining != 950 {
		t.Errorf("Remaining = %v, want 950", remaining)
	}

	r.Charge("k", 900) // 50 left
	remaining, wait, ok = r.Reserve("k", 100, 50)
	if ok {
		t.Fatal("Reserve() below threshold should not be ok")
	}
	if remaining != 50 {
		t.Errorf("Reserve() must not charge when refused: remaining = %v, want 50", remaining)
	}
	if wait != 5*time.Second {
		t.Errorf("wait = %v, want 5s", wait)
	}

	clock.Advance(wait)
	if _, _, ok = r.Reserve("k", 100, 50); !ok {
		t.Error("Reserve() after waiting should be ok")
	}
}

func TestRegistry_ReserveUnrecoverable(t *testing.T) {
	r := NewRegistry(Policy{Capacity: 1000, LeakRate: 0})

	r.Charge("k", 950)
	_, wait, ok := r.Reserve("k", 100, 50)
	if ok {
		t.Fatal("Reserve() should fail")
	}
	if wait >= 0 {
		t.Errorf("wait = %v, want negative for a bucket that never refills", wait)
	}
}

func TestRegistry_Settle(t *testing.T) {
	tests := []struct {
		name     string
		charged  float64
		report   Report
		expected float64
	}{
		{
			name:     "refund when actual cost is lower",
			charged:  50,
			report:   Report{Cost: 10, HasCost: true},
			expected: 990,
		},
		{
			name:     "extra charge when actual cost is higher",
			charged:  50,
			report:   Report{Cost: 80, HasCost: true},
			expected: 920,
		},
		{
			name:     "no headers keeps estimate",
			charged:  50,
			report:   Report{},
			expected: 950,
		},
		{
			name:     "server remaining is adopted",
			charged:  50,
			report:   Report{Cost: 10, HasCost: true, Remaining: 400, HasRemaining: true},
			expected: 400,
		},
		{
			name:     "server remaining clamped to capacity",
			charged:  50,
			report:   Report{Remaining: 5000, HasRemaining: true},
			expected: 1000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			r := NewRegistry(Policy{Capacity: 1000, LeakRate: 10}, WithClock(clock.Now))

			r.Charge("k", tt.charged)
			b := r.Settle("k", tt.charged, tt.report)
			if b.Remaining != tt.expected {
				t.Errorf("Remaining = %v, want %v", b.Remaining, tt.expected)
			}
		})
	}
}

func TestRegistry_Isolation(t *testing.T) {
	r := NewRegistry(Policy{Capacity: 1000, LeakRate: 0})

	keyA := BucketKey{Host: "school.instructure.com", Credential: "token-a"}.String()
	keyB := BucketKey{Host: "school.instructure.com", Credential: "token-b"}.String()
	keyCDN := BucketKey{Host: "cdn.instructure.com", Credential: "token-a"}.String()

	r.Charge(keyA, 300)
	r.Charge(keyB, 100)

	if got := r.Remaining(keyA); got != 700 {
		t.Errorf("bucket A remaining = %v, want 700", got)
	}
	if got := r.Remaining(keyB); got != 900 {
		t.Errorf("bucket B remaining = %v, want 900", got)
	}
	if got := r.Remaining(keyCDN); got != 1000 {
		t.Errorf("CDN bucket remaining = %v, want untouched 1000", got)
	}
}

func TestRegistry_ResetAndSnapshot(t *testing.T) {
	r := NewRegistry(Policy{Capacity: 1000, LeakRate: 0})

	if _, ok := r.Snapshot("k"); ok {
		t.Error("Snapshot() of unknown key should report false")
	}

	r.Charge("k", 400)
	r.Charge("other", 1)

	b, ok := r.Snapshot("k")
	if !ok || b.Remaining != 600 || b.Key != "k" {
		t.Errorf("Snapshot() = (%+v, %v), want remaining 600", b, ok)
	}

	r.Reset("k")
	if got := r.Remaining("k"); got != 1000 {
		t.Errorf("Remaining after Reset = %v, want 1000", got)
	}

	r.ResetAll()
	if keys := r.Keys(); len(keys) != 0 {
		t.Errorf("Keys() after ResetAll = %v, want none", keys)
	}
}

func remainingGauge(t *testing.T, registry, bucket string) float64 {
	t.Helper()
	g, err := canvasBucketRemaining.GetMetricWithLabelValues(registry, bucket)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues() error = %v", err)
	}
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestRegistry_MetricsScopedByRegistry(t *testing.T) {
	a := NewRegistry(Policy{Capacity: 1000, LeakRate: 0}, WithName("tenant-a"))
	b := NewRegistry(Policy{Capacity: 1000, LeakRate: 0}, WithName("tenant-b"))

	a.Charge("shared-key", 300)
	b.Charge("shared-key", 100)

	if got := remainingGauge(t, "tenant-a", "shared-key"); got != 700 {
		t.Errorf("tenant-a gauge = %v, want 700", got)
	}
	if got := remainingGauge(t, "tenant-b", "shared-key"); got != 900 {
		t.Errorf("tenant-b gauge = %v, want 900", got)
	}

	if NewRegistry(Policy{}).Name() == NewRegistry(Policy{}).Name() {
		t.Error("default registry names must be unique")
	}
}

func TestRegistry_PrunesFullBuckets(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(Policy{Capacity: 1000, LeakRate: 10}, WithClock(clock.Now), WithName("prune"))

	r.Charge("old-token", 100)
	r.Charge("busy", 900)
	clock.Advance(10 * time.Second) // old-token full again, busy at 200

	r.Charge("new-token", 50)

	keys := r.Keys()
	if len(keys) != 2 || keys[0] != "busy" || keys[1] != "new-token" {
		t.Errorf("Keys() = %v, want [busy new-token]", keys)
	}
	if canvasBucketRemaining.DeleteLabelValues("prune", "old-token") {
		t.Error("gauge series of a pruned bucket should be removed")
	}
	if got := r.Remaining("busy"); got != 200 {
		t.Errorf("busy remaining = %v, want 200", got)
	}
	if got := r.Remaining("old-token"); got != 1000 {
		t.Errorf("recreated bucket remaining = %v, want full 1000", got)
	}
}

func TestRegistry_ResetDropsSeries(t *testing.T) {
	r := NewRegistry(Policy{Capacity: 1000, LeakRate: 0}, WithName("reset"))
	r.Charge("k", 10)

	r.Reset("k")
	if canvasBucketRemaining.DeleteLabelValues("reset", "k") {
		t.Error("gauge series should be removed on Reset")
	}
}

func TestRegistry_ConcurrentCharges(t *testing.T) {
	r := NewRegistry(Policy{Capacity: 10000, LeakRate: 0})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				r.Charge("shared", 5)
			}
		}()
	}
	wg.Wait()

	if got := r.Remaining("shared"); got != 5000 {
		t.Errorf("Remaining = %v, want 5000 after 1000 charges of 5", got)
	}
}
