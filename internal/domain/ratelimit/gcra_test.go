package ratelimit

import (
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestGCRA_AllowsBurst(t *testing.T) {
	g := NewGCRA()
	cfg := GCRAConfig{Rate: 10, Burst: 3, Period: time.Minute}

	allowed := 0
	for i := 0; i < 5; i++ {
		if g.Allow("conn-1", cfg).Allowed {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("allowed = %d, want burst of 3", allowed)
	}
}

func TestGCRA_RetryAfterSet(t *testing.T) {
	g := NewGCRA()
	cfg := GCRAConfig{Rate: 60, Burst: 1, Period: time.Minute}

	if got := g.Allow("k", cfg); !got.Allowed {
		t.Fatalf("first Allow() = %+v, want allowed", got)
	}
	got := g.Allow("k", cfg)
	if got.Allowed {
		t.Fatal("second Allow() allowed, want denied")
	}
	if got.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive", got.RetryAfter)
	}
}

func TestGCRA_KeysIndependent(t *testing.T) {
	g := NewGCRA()
	cfg := GCRAConfig{Rate: 10, Burst: 1, Period: time.Minute}

	if !g.Allow("a", cfg).Allowed {
		t.Error("key a first event denied")
	}
	if !g.Allow("b", cfg).Allowed {
		t.Error("key b first event denied, keys must be independent")
	}
}

func TestGCRA_RefillAfterEmission(t *testing.T) {
	g := NewGCRA()
	now := time.Now()
	g.clock = func() time.Time { return now }
	cfg := GCRAConfig{Rate: 600, Burst: 1, Period: time.Minute} // emission 100ms

	if !g.Allow("k", cfg).Allowed {
		t.Fatal("first event denied")
	}
	if g.Allow("k", cfg).Allowed {
		t.Fatal("immediate second event allowed")
	}
	now = now.Add(150 * time.Millisecond)
	if !g.Allow("k", cfg).Allowed {
		t.Error("event after emission interval denied, want allowed")
	}
}

func TestGCRA_CleanupDropsIdleKeys(t *testing.T) {
	defer goleak.VerifyNone(t)

	g := NewGCRAWithConfig(time.Millisecond, time.Millisecond)
	now := time.Now()
	g.clock = func() time.Time { return now }

	g.Allow("stale", GCRAConfig{Rate: 10, Burst: 1, Period: time.Minute})
	now = now.Add(time.Hour)
	g.cleanup()
	if g.Size() != 0 {
		t.Errorf("Size() = %d after cleanup, want 0", g.Size())
	}

	g.StartCleanup()
	g.Stop()
}
