package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/zonekit/zonecore/internal/core/domain"
	"github.com/zonekit/zonecore/internal/port"
)

// RetryPolicy bounds the compare-and-swap retry loop in ApplyDelta.
type RetryPolicy struct {
	MaxAttempts  int           // CAS rounds before giving up
	BaseDelay    time.Duration // delay grows linearly: BaseDelay × attempt
	JitterFactor float64       // ± fraction applied to each delay; 0 disables
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		BaseDelay:    100 * time.Millisecond,
		JitterFactor: 0.2,
	}
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("store: MaxAttempts must be positive, got %d", p.MaxAttempts)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("store: BaseDelay must be positive, got %s", p.BaseDelay)
	}
	if p.JitterFactor < 0 || p.JitterFactor >= 1 {
		return fmt.Errorf("store: JitterFactor must be in [0, 1), got %f", p.JitterFactor)
	}
	return nil
}

// ZoneStore holds the authoritative, versioned inventory records and applies
// deltas with optimistic concurrency control. Every committed mutation
// advances the record's version by exactly one; concurrent writers race on
// the version and the losers retry against a fresh read. Deltas commute, so
// re-applying one to a fresh read preserves every committed update.
type ZoneStore struct {
	backend port.ConditionalStore
	policy  RetryPolicy
	logger  *zap.Logger
}

func NewZoneStore(backend port.ConditionalStore, policy RetryPolicy, logger *zap.Logger) (*ZoneStore, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZoneStore{backend: backend, policy: policy, logger: logger}, nil
}

// Quantity returns the current quantity for (zoneID, itemID), 0 for records
// never written.
func (s *ZoneStore) Quantity(ctx context.Context, zoneID, itemID string) (int64, error) {
	quantity, _, err := s.backend.Get(ctx, domain.RecordKey(zoneID, itemID))
	if err != nil {
		return 0, err
	}
	return quantity, nil
}

// Record returns the full versioned record for (zoneID, itemID). Unseen
// records come back with quantity 0 and version 0.
func (s *ZoneStore) Record(ctx context.Context, zoneID, itemID string) (domain.ItemRecord, error) {
	quantity, version, err := s.backend.Get(ctx, domain.RecordKey(zoneID, itemID))
	if err != nil {
		return domain.ItemRecord{}, err
	}
	return domain.ItemRecord{
		ZoneID:   zoneID,
		ItemID:   itemID,
		Quantity: quantity,
		Version:  version,
	}, nil
}

// ApplyDelta atomically adds delta to the quantity of (zoneID, itemID).
//
// Each round reads the current record, rejects the delta with ErrInvalidDelta
// if it would drive the quantity negative, and commits with a version-
// conditional put. A version conflict triggers a fresh round after a linear
// backoff, up to MaxAttempts rounds; exhausting them fails with
// ErrConcurrencyExhausted, which callers may retry at their own level.
// The caller's deadline bounds the whole loop: expiry surfaces as
// ErrDeadlineExceeded, cancellation as context.Canceled.
func (s *ZoneStore) ApplyDelta(ctx context.Context, zoneID, itemID string, delta int64) (domain.ItemRecord, error) {
	key := domain.RecordKey(zoneID, itemID)

	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.ItemRecord{}, mapContextErr(err)
		}

		quantity, version, err := s.backend.Get(ctx, key)
		if err != nil {
			return domain.ItemRecord{}, s.classify(ctx, err)
		}

		candidate := quantity + delta
		if candidate < 0 {
			return domain.ItemRecord{}, fmt.Errorf("%w: quantity %d with delta %d", domain.ErrInvalidDelta, quantity, delta)
		}

		committed, err := s.backend.ConditionalPut(ctx, key, candidate, version)
		if err != nil {
			return domain.ItemRecord{}, s.classify(ctx, err)
		}
		if committed {
			return domain.ItemRecord{
				ZoneID:   zoneID,
				ItemID:   itemID,
				Quantity: candidate,
				Version:  version + 1,
			}, nil
		}

		if attempt == s.policy.MaxAttempts {
			break
		}

		s.logger.Debug("version conflict, retrying",
			zap.String("key", key),
			zap.Int64("read_version", version),
			zap.Int("attempt", attempt),
		)

		select {
		case <-time.After(s.backoffFor(attempt)):
		case <-ctx.Done():
			return domain.ItemRecord{}, mapContextErr(ctx.Err())
		}
	}

	return domain.ItemRecord{}, fmt.Errorf("%w: %s contended for %d attempts", domain.ErrConcurrencyExhausted, key, s.policy.MaxAttempts)
}

// backoffFor computes the delay before the next round after attempt conflicts.
func (s *ZoneStore) backoffFor(attempt int) time.Duration {
	backoff := float64(s.policy.BaseDelay) * float64(attempt)
	if s.policy.JitterFactor > 0 {
		jitter := (rand.Float64()*2 - 1) * s.policy.JitterFactor * backoff
		backoff += jitter
	}
	if backoff < 0 {
		return 0
	}
	return time.Duration(backoff)
}

// classify prefers the caller's expired deadline over whatever the backend
// reported while dying with it.
func (s *ZoneStore) classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return mapContextErr(ctxErr)
	}
	return err
}

func mapContextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrDeadlineExceeded, err)
	}
	return err
}
