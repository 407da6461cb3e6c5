package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zonekit/zonecore/internal/core/domain"
)

// Config controls entry lifetime.
type Config struct {
	// DefaultTTL is used when GetOrLoad is called with a non-positive ttl.
	DefaultTTL time.Duration

	// StaleFor is how long past expiry an entry may still be served when the
	// authoritative load fails with an open circuit or unavailable storage.
	// Entries older than expiry+StaleFor are dropped by Cleanup.
	StaleFor time.Duration

	// CleanupEvery is the janitor sweep interval.
	CleanupEvery time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultTTL:   5 * time.Minute,
		StaleFor:     5 * time.Minute,
		CleanupEvery: time.Minute,
	}
}

func (c Config) Validate() error {
	if c.DefaultTTL <= 0 {
		return fmt.Errorf("cache: DefaultTTL must be positive, got %s", c.DefaultTTL)
	}
	if c.StaleFor < 0 {
		return fmt.Errorf("cache: StaleFor must not be negative, got %s", c.StaleFor)
	}
	if c.CleanupEvery <= 0 {
		return fmt.Errorf("cache: CleanupEvery must be positive, got %s", c.CleanupEvery)
	}
	return nil
}

type entry struct {
	payload   []byte
	expiresAt time.Time
}

// Store is a read-through cache keyed by string with plain TTL expiry.
// Values are opaque serialized payloads owned by the caller. Expired entries
// linger for a bounded stale window so reads can degrade gracefully while the
// authoritative source is unreachable; explicit invalidation removes entries
// outright, stale window included.
type Store struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.RWMutex
	items map[string]*entry
}

func NewStore(cfg Config, logger *zap.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:    cfg,
		logger: logger,
		items:  make(map[string]*entry),
	}, nil
}

// GetOrLoad returns the cached payload for key when present and unexpired,
// reporting fromCache=true. Otherwise it invokes loader, caches the result
// for ttl (DefaultTTL when ttl <= 0), and returns it fresh.
//
// When loader fails with domain.ErrCircuitOpen or domain.ErrStorageUnavailable
// and an expired entry is still within its stale window, that payload is
// returned with an error wrapping domain.ErrServedStale and the loader's
// failure; callers distinguish degraded reads with errors.Is.
func (s *Store) GetOrLoad(ctx context.Context, key string, ttl time.Duration, loader func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	now := time.Now()

	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()

	if ok && now.Before(e.expiresAt) {
		return e.payload, true, nil
	}

	// Loader runs outside the lock; concurrent misses may race to fill and
	// the last writer wins, which is harmless for TTL-bounded data.
	payload, err := loader(ctx)
	if err != nil {
		if stale, found := s.staleFor(key, now); found && degradable(err) {
			s.logger.Warn("serving stale cache entry",
				zap.String("key", key),
				zap.Error(err),
			)
			return stale, true, fmt.Errorf("%w: %w", domain.ErrServedStale, err)
		}
		return nil, false, err
	}

	s.mu.Lock()
	s.items[key] = &entry{payload: payload, expiresAt: now.Add(ttl)}
	s.mu.Unlock()

	return payload, false, nil
}

func degradable(err error) bool {
	return errors.Is(err, domain.ErrCircuitOpen) || errors.Is(err, domain.ErrStorageUnavailable)
}

func (s *Store) staleFor(key string, now time.Time) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if now.After(e.expiresAt.Add(s.cfg.StaleFor)) {
		return nil, false
	}
	return e.payload, true
}

// Invalidate removes every entry whose key starts with prefix and returns the
// number removed. Stale copies go too, so a write is never served from before
// its own invalidation.
func (s *Store) Invalidate(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.items {
		if strings.HasPrefix(key, prefix) {
			delete(s.items, key)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("invalidated cache entries",
			zap.String("prefix", prefix),
			zap.Int("count", removed),
		)
	}
	return removed
}

// Size reports the number of resident entries, expired ones included.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Cleanup drops entries expired past their stale window and returns how many
// were removed.
func (s *Store) Cleanup() int {
	cutoff := time.Now().Add(-s.cfg.StaleFor)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.items {
		if e.expiresAt.Before(cutoff) {
			delete(s.items, key)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("swept expired cache entries", zap.Int("count", removed))
	}
	return removed
}

// StartJanitor sweeps expired entries every CleanupEvery until ctx is done.
func (s *Store) StartJanitor(ctx context.Context) {
	t := time.NewTicker(s.cfg.CleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}
