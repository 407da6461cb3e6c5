package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	l, err := NewLimiter(cfg, nil)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	return l
}

func TestLimiter_CapacityExhaustion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 100
	cfg.RefillPerSec = 10
	l := newTestLimiter(t, cfg)

	for i := 0; i < 100; i++ {
		d := l.Allow("client-1", 1)
		if !d.Allowed {
			t.Fatalf("request %d rejected before capacity exhausted", i+1)
		}
	}

	d := l.Allow("client-1", 1)
	if d.Allowed {
		t.Error("expected rejection after draining the bucket")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("expected a retry hint, got %s", d.RetryAfter)
	}
}

func TestLimiter_RefillAdmitsAgain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 10
	cfg.RefillPerSec = 100
	l := newTestLimiter(t, cfg)

	for i := 0; i < 10; i++ {
		if d := l.Allow("client-1", 1); !d.Allowed {
			t.Fatalf("request %d rejected before capacity exhausted", i+1)
		}
	}
	if d := l.Allow("client-1", 1); d.Allowed {
		t.Fatal("expected rejection after draining the bucket")
	}

	time.Sleep(150 * time.Millisecond)

	for i := 0; i < 10; i++ {
		if d := l.Allow("client-1", 1); !d.Allowed {
			t.Errorf("request %d rejected after refill window", i+1)
		}
	}
}

func TestLimiter_PerClientIsolation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 5
	cfg.RefillPerSec = 1
	l := newTestLimiter(t, cfg)

	for i := 0; i < 5; i++ {
		l.Allow("drained", 1)
	}
	if d := l.Allow("drained", 1); d.Allowed {
		t.Fatal("expected drained client to be rejected")
	}

	if d := l.Allow("fresh", 1); !d.Allowed {
		t.Error("fresh client must start with a full bucket")
	}
}

func TestLimiter_CostAboveCapacityNeverAdmitted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 5
	cfg.RefillPerSec = 1000
	l := newTestLimiter(t, cfg)

	d := l.Allow("client-1", 6)
	if d.Allowed {
		t.Error("cost above capacity can never be admitted")
	}
	if d.RetryAfter != 0 {
		t.Errorf("expected no retry hint for unsatisfiable cost, got %s", d.RetryAfter)
	}

	// The failed oversized request must not drain the bucket.
	if d := l.Allow("client-1", 5); !d.Allowed {
		t.Error("bucket should still be full after an unsatisfiable request")
	}
}

func TestLimiter_CumulativeAdmissionCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 20
	cfg.RefillPerSec = 50
	l := newTestLimiter(t, cfg)

	var admitted atomic.Int64
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deadline := time.Now().Add(100 * time.Millisecond)
			for time.Now().Before(deadline) {
				if d := l.Allow("shared", 1); d.Allowed {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	elapsed := time.Since(start).Seconds()
	maxAdmissible := float64(cfg.Capacity) + elapsed*cfg.RefillPerSec + 1
	if got := float64(admitted.Load()); got > maxAdmissible {
		t.Errorf("admitted %.0f tokens, cumulative cap is %.1f", got, maxAdmissible)
	}
}

func TestLimiter_ConcurrentDistinctClients(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 100
	cfg.RefillPerSec = 10
	l := newTestLimiter(t, cfg)

	const clients = 50
	var rejected atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			clientID := fmt.Sprintf("client-%d", id)
			for j := 0; j < 10; j++ {
				if d := l.Allow(clientID, 1); !d.Allowed {
					rejected.Add(1)
				}
			}
		}(i)
	}
	wg.Wait()

	if rejected.Load() != 0 {
		t.Errorf("expected no rejections under capacity, got %d", rejected.Load())
	}
	if l.Len() != clients {
		t.Errorf("expected %d tracked buckets, got %d", clients, l.Len())
	}
}

func TestLimiter_CleanupEvictsIdleBuckets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTTL = 10 * time.Millisecond
	l := newTestLimiter(t, cfg)

	for i := 0; i < 5; i++ {
		l.Allow(fmt.Sprintf("client-%d", i), 1)
	}
	if l.Len() != 5 {
		t.Fatalf("expected 5 buckets, got %d", l.Len())
	}

	time.Sleep(30 * time.Millisecond)

	if removed := l.Cleanup(); removed != 5 {
		t.Errorf("expected 5 evictions, got %d", removed)
	}
	if l.Len() != 0 {
		t.Errorf("expected empty limiter after cleanup, got %d buckets", l.Len())
	}
}

func TestLimiter_JanitorRuns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTTL = 5 * time.Millisecond
	cfg.CleanupEvery = 10 * time.Millisecond
	l := newTestLimiter(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.StartJanitor(ctx)

	l.Allow("client-1", 1)

	deadline := time.Now().Add(2 * time.Second)
	for l.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("janitor never evicted the idle bucket")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewLimiter_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 0
	if _, err := NewLimiter(cfg, nil); err == nil {
		t.Error("expected error for zero capacity")
	}

	cfg = DefaultConfig()
	cfg.RefillPerSec = -1
	if _, err := NewLimiter(cfg, nil); err == nil {
		t.Error("expected error for negative refill rate")
	}
}
