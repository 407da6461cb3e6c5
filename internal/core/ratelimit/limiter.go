package ratelimit

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const shardCount = 16

// Config controls per-client admission.
type Config struct {
	Capacity     int           // bucket size; unknown clients start full
	RefillPerSec float64       // tokens restored per second
	IdleTTL      time.Duration // evict buckets not used for this long
	CleanupEvery time.Duration // janitor sweep interval
}

func DefaultConfig() Config {
	return Config{
		Capacity:     100,
		RefillPerSec: 10,
		IdleTTL:      15 * time.Minute,
		CleanupEvery: 2 * time.Minute,
	}
}

func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("ratelimit: Capacity must be positive, got %d", c.Capacity)
	}
	if c.RefillPerSec <= 0 {
		return fmt.Errorf("ratelimit: RefillPerSec must be positive, got %f", c.RefillPerSec)
	}
	if c.IdleTTL <= 0 {
		return fmt.Errorf("ratelimit: IdleTTL must be positive, got %s", c.IdleTTL)
	}
	if c.CleanupEvery <= 0 {
		return fmt.Errorf("ratelimit: CleanupEvery must be positive, got %s", c.CleanupEvery)
	}
	return nil
}

// Decision is the outcome of a single admission check. Remaining reports the
// tokens left in the client's bucket after the decision. RetryAfter is a hint
// for rejected requests; zero means no recommendation (the cost can never be
// satisfied, or the bucket refills immediately).
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter hands out admission decisions from per-client token buckets. Buckets
// are created lazily and spread over fixed shards so concurrent clients do not
// contend on a single lock.
type Limiter struct {
	cfg    Config
	shards [shardCount]*shard
	logger *zap.Logger
}

func NewLimiter(cfg Config, logger *zap.Logger) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Limiter{cfg: cfg, logger: logger}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return l, nil
}

func (l *Limiter) shardFor(clientID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(clientID))
	return l.shards[h.Sum32()%shardCount]
}

// Allow attempts to consume cost tokens from clientID's bucket. The decision
// is synchronous; it never waits for tokens to refill.
func (l *Limiter) Allow(clientID string, cost int) Decision {
	if cost <= 0 {
		cost = 1
	}

	s := l.shardFor(clientID)
	now := time.Now()

	s.mu.Lock()
	b, ok := s.buckets[clientID]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(l.cfg.RefillPerSec), l.cfg.Capacity)}
		s.buckets[clientID] = b
	}
	b.lastSeen = now
	s.mu.Unlock()

	allowed := b.lim.AllowN(now, cost)
	remaining := b.lim.TokensAt(now)
	if remaining < 0 {
		remaining = 0
	}

	d := Decision{Allowed: allowed, Remaining: remaining}
	if !allowed && cost <= l.cfg.Capacity {
		deficit := float64(cost) - remaining
		if deficit > 0 {
			d.RetryAfter = time.Duration(deficit / l.cfg.RefillPerSec * float64(time.Second))
		}
	}
	return d
}

// Len reports the number of tracked client buckets.
func (l *Limiter) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.buckets)
		s.mu.Unlock()
	}
	return n
}

// Cleanup drops buckets that have been idle longer than IdleTTL and returns
// how many were removed. An evicted client simply starts over with a full
// bucket on its next request.
func (l *Limiter) Cleanup() int {
	cutoff := time.Now().Add(-l.cfg.IdleTTL)
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for id, b := range s.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(s.buckets, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// StartJanitor sweeps idle buckets every CleanupEvery until ctx is done.
func (l *Limiter) StartJanitor(ctx context.Context) {
	t := time.NewTicker(l.cfg.CleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if removed := l.Cleanup(); removed > 0 {
					l.logger.Debug("evicted idle client buckets", zap.Int("count", removed))
				}
			}
		}
	}()
}
