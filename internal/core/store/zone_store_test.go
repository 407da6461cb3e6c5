package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zonekit/zonecore/internal/core/domain"
	"github.com/zonekit/zonecore/internal/port"
)

type memRecord struct {
	quantity int64
	version  int64
}

// memBackend is an in-test conditional store with true CAS semantics.
type memBackend struct {
	mu       sync.Mutex
	records  map[string]memRecord
	getCalls int
	putCalls int
}

func newMemBackend() *memBackend {
	return &memBackend{records: make(map[string]memRecord)}
}

func (m *memBackend) seed(key string, quantity, version int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = memRecord{quantity: quantity, version: version}
}

func (m *memBackend) Get(ctx context.Context, key string) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	rec := m.records[key]
	return rec.quantity, rec.version, nil
}

func (m *memBackend) ConditionalPut(ctx context.Context, key string, quantity, expectedVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	if m.records[key].version != expectedVersion {
		return false, nil
	}
	m.records[key] = memRecord{quantity: quantity, version: expectedVersion + 1}
	return true, nil
}

// conflictBackend reports a version conflict on every put.
type conflictBackend struct {
	mu       sync.Mutex
	putCalls int
}

func (c *conflictBackend) Get(ctx context.Context, key string) (int64, int64, error) {
	return 100, 7, nil
}

func (c *conflictBackend) ConditionalPut(ctx context.Context, key string, quantity, expectedVersion int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putCalls++
	return false, nil
}

func (c *conflictBackend) puts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.putCalls
}

// downBackend fails every call the way a dead driver would.
type downBackend struct {
	mu       sync.Mutex
	getCalls int
}

func (d *downBackend) Get(ctx context.Context, key string) (int64, int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.getCalls++
	return 0, 0, fmt.Errorf("%w: connection refused", domain.ErrStorageUnavailable)
}

func (d *downBackend) ConditionalPut(ctx context.Context, key string, quantity, expectedVersion int64) (bool, error) {
	return false, fmt.Errorf("%w: connection refused", domain.ErrStorageUnavailable)
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, JitterFactor: 0}
}

func newTestStore(t *testing.T, backend port.ConditionalStore, policy RetryPolicy) *ZoneStore {
	t.Helper()
	s, err := NewZoneStore(backend, policy, nil)
	if err != nil {
		t.Fatalf("failed to create zone store: %v", err)
	}
	return s
}

func TestZoneStore_ApplyDelta_FirstWrite(t *testing.T) {
	backend := newMemBackend()
	s := newTestStore(t, backend, fastPolicy())

	rec, err := s.ApplyDelta(context.Background(), "Z1", "A", 10)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if rec.Quantity != 10 {
		t.Errorf("expected quantity 10, got %d", rec.Quantity)
	}
	if rec.Version != 1 {
		t.Errorf("expected version 1, got %d", rec.Version)
	}

	qty, err := s.Quantity(context.Background(), "Z1", "A")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if qty != 10 {
		t.Errorf("expected quantity 10, got %d", qty)
	}
}

func TestZoneStore_ReadUnseenRecord(t *testing.T) {
	s := newTestStore(t, newMemBackend(), fastPolicy())

	qty, err := s.Quantity(context.Background(), "Z1", "missing")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if qty != 0 {
		t.Errorf("unseen item must read 0, got %d", qty)
	}

	rec, err := s.Record(context.Background(), "Z1", "missing")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if rec.Quantity != 0 || rec.Version != 0 {
		t.Errorf("unseen record must be zero-valued, got %+v", rec)
	}
}

func TestZoneStore_NoLostUpdates(t *testing.T) {
	backend := newMemBackend()
	policy := RetryPolicy{MaxAttempts: 100, BaseDelay: time.Millisecond, JitterFactor: 0.5}
	s := newTestStore(t, backend, policy)

	const writers = 25
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		versions = make(map[int64]bool)
		failures []error
	)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := s.ApplyDelta(context.Background(), "Z1", "A", 1)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			versions[rec.Version] = true
		}()
	}
	wg.Wait()

	if len(failures) != 0 {
		t.Fatalf("expected all writers to commit, got failures: %v", failures)
	}

	rec, err := s.Record(context.Background(), "Z1", "A")
	if err != nil {
		t.Fatalf("final read failed: %v", err)
	}
	if rec.Quantity != writers {
		t.Errorf("lost update: expected quantity %d, got %d", writers, rec.Quantity)
	}
	if rec.Version != writers {
		t.Errorf("expected version %d, got %d", writers, rec.Version)
	}

	// Commits linearize by version: each writer must have won a distinct round.
	if len(versions) != writers {
		t.Errorf("expected %d distinct versions, got %d", writers, len(versions))
	}
	for v := int64(1); v <= writers; v++ {
		if !versions[v] {
			t.Errorf("no writer committed version %d", v)
		}
	}
}

func TestZoneStore_ConcurrentMixedDeltas(t *testing.T) {
	backend := newMemBackend()
	backend.seed(domain.RecordKey("Z1", "A"), 100, 1)
	policy := RetryPolicy{MaxAttempts: 50, BaseDelay: time.Millisecond, JitterFactor: 0.5}
	s := newTestStore(t, backend, policy)

	var wg sync.WaitGroup
	for _, delta := range []int64{10, -5} {
		wg.Add(1)
		go func(d int64) {
			defer wg.Done()
			if _, err := s.ApplyDelta(context.Background(), "Z1", "A", d); err != nil {
				t.Errorf("delta %d failed: %v", d, err)
			}
		}(delta)
	}
	wg.Wait()

	rec, err := s.Record(context.Background(), "Z1", "A")
	if err != nil {
		t.Fatalf("final read failed: %v", err)
	}
	if rec.Quantity != 105 {
		t.Errorf("expected quantity 105, got %d", rec.Quantity)
	}
	if rec.Version != 3 {
		t.Errorf("expected version 3 after two commits, got %d", rec.Version)
	}
}

func TestZoneStore_InvalidDeltaRejectedWithoutCommit(t *testing.T) {
	backend := newMemBackend()
	backend.seed(domain.RecordKey("Z1", "A"), 100, 1)
	s := newTestStore(t, backend, fastPolicy())

	_, err := s.ApplyDelta(context.Background(), "Z1", "A", -150)
	if !errors.Is(err, domain.ErrInvalidDelta) {
		t.Fatalf("expected ErrInvalidDelta, got %v", err)
	}

	rec, err := s.Record(context.Background(), "Z1", "A")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if rec.Quantity != 100 {
		t.Errorf("quantity must be untouched, got %d", rec.Quantity)
	}
	if rec.Version != 1 {
		t.Errorf("version must be untouched, got %d", rec.Version)
	}
	if backend.putCalls != 0 {
		t.Errorf("rejected delta must never reach the backend, puts = %d", backend.putCalls)
	}
}

func TestZoneStore_ConcurrencyExhausted(t *testing.T) {
	backend := &conflictBackend{}
	s := newTestStore(t, backend, fastPolicy())

	_, err := s.ApplyDelta(context.Background(), "Z1", "A", 1)
	if !errors.Is(err, domain.ErrConcurrencyExhausted) {
		t.Fatalf("expected ErrConcurrencyExhausted, got %v", err)
	}
	if got := backend.puts(); got != 5 {
		t.Errorf("expected exactly 5 CAS attempts, got %d", got)
	}
}

func TestZoneStore_ExpiredDeadlineFailsBeforeBackend(t *testing.T) {
	backend := newMemBackend()
	s := newTestStore(t, backend, fastPolicy())

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := s.ApplyDelta(ctx, "Z1", "A", 1)
	if !errors.Is(err, domain.ErrDeadlineExceeded) {
		t.Fatalf("expected ErrDeadlineExceeded, got %v", err)
	}
	if backend.getCalls != 0 || backend.putCalls != 0 {
		t.Errorf("expired deadline must not touch the backend, gets = %d puts = %d",
			backend.getCalls, backend.putCalls)
	}
}

func TestZoneStore_DeadlineDuringBackoff(t *testing.T) {
	backend := &conflictBackend{}
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, JitterFactor: 0}
	s := newTestStore(t, backend, policy)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.ApplyDelta(ctx, "Z1", "A", 1)
	if !errors.Is(err, domain.ErrDeadlineExceeded) {
		t.Fatalf("expected ErrDeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("retry loop outlived the deadline by far: %s", elapsed)
	}
}

func TestZoneStore_CancellationPropagates(t *testing.T) {
	s := newTestStore(t, &conflictBackend{}, fastPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.ApplyDelta(ctx, "Z1", "A", 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, domain.ErrDeadlineExceeded) {
		t.Error("cancellation must not be reported as a deadline")
	}
}

func TestZoneStore_StorageFailureSurfacesImmediately(t *testing.T) {
	backend := &downBackend{}
	s := newTestStore(t, backend, fastPolicy())

	_, err := s.ApplyDelta(context.Background(), "Z1", "A", 1)
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}

	backend.mu.Lock()
	gets := backend.getCalls
	backend.mu.Unlock()
	if gets != 1 {
		t.Errorf("storage failures must not be retried by the CAS loop, gets = %d", gets)
	}
}

func TestZoneStore_BackoffGrowsLinearly(t *testing.T) {
	s := newTestStore(t, newMemBackend(), RetryPolicy{
		MaxAttempts:  5,
		BaseDelay:    30 * time.Millisecond,
		JitterFactor: 0,
	})

	for attempt := 1; attempt <= 3; attempt++ {
		want := time.Duration(attempt) * 30 * time.Millisecond
		if got := s.backoffFor(attempt); got != want {
			t.Errorf("attempt %d: expected backoff %s, got %s", attempt, want, got)
		}
	}
}

func TestZoneStore_BackoffJitterStaysBounded(t *testing.T) {
	s := newTestStore(t, newMemBackend(), RetryPolicy{
		MaxAttempts:  5,
		BaseDelay:    30 * time.Millisecond,
		JitterFactor: 0.5,
	})

	base := 60 * time.Millisecond // attempt 2
	lo := time.Duration(float64(base) * 0.5)
	hi := time.Duration(float64(base) * 1.5)
	for i := 0; i < 100; i++ {
		got := s.backoffFor(2)
		if got < lo || got > hi {
			t.Fatalf("jittered backoff %s outside [%s, %s]", got, lo, hi)
		}
	}
}
