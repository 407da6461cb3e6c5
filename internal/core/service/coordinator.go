package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zonekit/zonecore/internal/core/domain"
	"github.com/zonekit/zonecore/internal/core/ratelimit"
	"github.com/zonekit/zonecore/internal/port"
)

// storageDependency names the durable backend for circuit isolation.
const storageDependency = "storage"

// publishTimeout bounds the post-commit invalidation publish, which runs on
// its own context so a caller bailing out cannot suppress the event.
const publishTimeout = 2 * time.Second

// AdmissionController decides whether a client's request proceeds.
type AdmissionController interface {
	Allow(clientID string, cost int) ratelimit.Decision
}

// FailureIsolator shields calls into a downstream dependency, rejecting them
// outright while the dependency's circuit is open.
type FailureIsolator interface {
	Execute(dependency string, fn func() (domain.ItemRecord, error)) (domain.ItemRecord, error)
}

// VersionedStore is the authoritative inventory state.
type VersionedStore interface {
	Record(ctx context.Context, zoneID, itemID string) (domain.ItemRecord, error)
	ApplyDelta(ctx context.Context, zoneID, itemID string, delta int64) (domain.ItemRecord, error)
}

// ReadCache serves read payloads and absorbs invalidations.
type ReadCache interface {
	GetOrLoad(ctx context.Context, key string, ttl time.Duration, loader func(context.Context) ([]byte, error)) ([]byte, bool, error)
	Invalidate(prefix string) int
}

type Config struct {
	// NodeID tags published invalidation events so the local subscriber can
	// skip them; empty means a generated ID.
	NodeID string

	// CacheTTL is the lifetime of cached read payloads.
	CacheTTL time.Duration

	// OpTimeout is the deadline applied when the caller brings none.
	OpTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		CacheTTL:  5 * time.Minute,
		OpTimeout: 5 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.CacheTTL <= 0 {
		return fmt.Errorf("service: CacheTTL must be positive, got %s", c.CacheTTL)
	}
	if c.OpTimeout <= 0 {
		return fmt.Errorf("service: OpTimeout must be positive, got %s", c.OpTimeout)
	}
	return nil
}

// Dependencies are the collaborators a Coordinator composes.
type Dependencies struct {
	Limiter  AdmissionController
	Breakers FailureIsolator
	Store    VersionedStore
	Cache    ReadCache
	Bus      port.InvalidationBus
	Logger   *zap.Logger
}

func (d Dependencies) validate() error {
	if d.Limiter == nil {
		return errors.New("service: Limiter is required")
	}
	if d.Breakers == nil {
		return errors.New("service: Breakers is required")
	}
	if d.Store == nil {
		return errors.New("service: Store is required")
	}
	if d.Cache == nil {
		return errors.New("service: Cache is required")
	}
	if d.Bus == nil {
		return errors.New("service: Bus is required")
	}
	return nil
}

// Coordinator services inventory reads and updates from the edge: admission
// first, then the cache or the breaker-guarded store, then write-through
// invalidation. Rate-limit and circuit rejections surface as their own
// errors, never as generic failures.
type Coordinator struct {
	cfg      Config
	limiter  AdmissionController
	breakers FailureIsolator
	store    VersionedStore
	cache    ReadCache
	bus      port.InvalidationBus
	logger   *zap.Logger
	tracer   trace.Tracer
}

func NewCoordinator(cfg Config, deps Dependencies) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:      cfg,
		limiter:  deps.Limiter,
		breakers: deps.Breakers,
		store:    deps.Store,
		cache:    deps.Cache,
		bus:      deps.Bus,
		logger:   logger,
		tracer:   otel.Tracer("zonecore/coordinator"),
	}, nil
}

// NodeID returns the origin tag this instance stamps on published events.
func (c *Coordinator) NodeID() string { return c.cfg.NodeID }

type ReadRequest struct {
	ClientID string
	ZoneID   string
	ItemID   string
}

type UpdateRequest struct {
	ClientID string
	ZoneID   string
	ItemID   string
	Delta    int64
}

// Result is the successful outcome of a read or update. Stale marks a read
// served from an expired cache entry while storage was unreachable; such
// reads succeed, degraded.
type Result struct {
	Quantity  int64
	Version   int64
	FromCache bool
	Stale     bool
}

// Read returns the current record for (zone, item), from cache when fresh.
// Cache misses load through the storage circuit breaker, so an unhealthy
// backend trips reads over to the stale fallback instead of hammering it.
func (c *Coordinator) Read(ctx context.Context, req ReadRequest) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator_read")
	defer span.End()
	span.SetAttributes(
		attribute.String("zone.id", req.ZoneID),
		attribute.String("item.id", req.ItemID),
	)

	if d := c.limiter.Allow(req.ClientID, 1); !d.Allowed {
		span.SetStatus(codes.Error, "rate limited")
		return Result{}, &domain.RateLimitError{RetryAfter: d.RetryAfter}
	}

	ctx, cancel := c.withOpTimeout(ctx)
	defer cancel()

	key := domain.RecordKey(req.ZoneID, req.ItemID)
	payload, fromCache, err := c.cache.GetOrLoad(ctx, key, c.cfg.CacheTTL, func(ctx context.Context) ([]byte, error) {
		rec, err := c.breakers.Execute(storageDependency, func() (domain.ItemRecord, error) {
			return c.store.Record(ctx, req.ZoneID, req.ItemID)
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(rec)
	})

	stale := false
	if err != nil {
		if !errors.Is(err, domain.ErrServedStale) {
			span.SetStatus(codes.Error, "read failed")
			return Result{}, err
		}
		stale = true
	}

	var rec domain.ItemRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		span.SetStatus(codes.Error, "cache decode failed")
		return Result{}, fmt.Errorf("decode cached record %s: %w", key, err)
	}

	span.SetAttributes(
		attribute.Int64("inventory.quantity", rec.Quantity),
		attribute.Int64("inventory.version", rec.Version),
		attribute.Bool("cache.hit", fromCache),
		attribute.Bool("cache.stale", stale),
	)
	span.SetStatus(codes.Ok, "read served")

	return Result{
		Quantity:  rec.Quantity,
		Version:   rec.Version,
		FromCache: fromCache,
		Stale:     stale,
	}, nil
}

// Update applies a delta through the breaker-guarded store, then invalidates
// the local cache entry and publishes the invalidation for remote caches.
// The publish is best-effort: once the write committed, a bus failure is
// logged and the committed result still returned.
func (c *Coordinator) Update(ctx context.Context, req UpdateRequest) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator_update")
	defer span.End()
	span.SetAttributes(
		attribute.String("zone.id", req.ZoneID),
		attribute.String("item.id", req.ItemID),
		attribute.Int64("inventory.delta", req.Delta),
	)

	if d := c.limiter.Allow(req.ClientID, 1); !d.Allowed {
		span.SetStatus(codes.Error, "rate limited")
		return Result{}, &domain.RateLimitError{RetryAfter: d.RetryAfter}
	}

	ctx, cancel := c.withOpTimeout(ctx)
	defer cancel()

	rec, err := c.breakers.Execute(storageDependency, func() (domain.ItemRecord, error) {
		return c.store.ApplyDelta(ctx, req.ZoneID, req.ItemID, req.Delta)
	})
	if err != nil {
		span.SetStatus(codes.Error, "update failed")
		return Result{}, err
	}

	// Local readers must not see the pre-write value from cache.
	key := domain.RecordKey(req.ZoneID, req.ItemID)
	c.cache.Invalidate(key)

	ev := domain.NewInvalidationEvent(req.ZoneID, req.ItemID, rec.Version, c.cfg.NodeID)
	pubCtx, pubCancel := context.WithTimeout(context.Background(), publishTimeout)
	defer pubCancel()
	if err := c.bus.Publish(pubCtx, ev); err != nil {
		c.logger.Warn("invalidation publish failed",
			zap.String("key", key),
			zap.Int64("version", rec.Version),
			zap.Error(err),
		)
	}

	span.SetAttributes(
		attribute.Int64("inventory.quantity", rec.Quantity),
		attribute.Int64("inventory.version", rec.Version),
	)
	span.SetStatus(codes.Ok, "update committed")

	return Result{Quantity: rec.Quantity, Version: rec.Version}, nil
}

// RunInvalidationWorker applies invalidations published by other instances to
// the local cache. It blocks until ctx is done; run it in its own goroutine.
func (c *Coordinator) RunInvalidationWorker(ctx context.Context) error {
	return c.bus.Subscribe(ctx, func(ev domain.InvalidationEvent) {
		if ev.Origin == c.cfg.NodeID {
			// Already invalidated synchronously at commit time.
			return
		}
		removed := c.cache.Invalidate(ev.Prefix)
		c.logger.Debug("applied remote invalidation",
			zap.String("prefix", ev.Prefix),
			zap.String("origin", ev.Origin),
			zap.Int64("version", ev.Version),
			zap.Int("removed", removed),
		)
	})
}

func (c *Coordinator) withOpTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.OpTimeout)
}
