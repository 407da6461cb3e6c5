package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/zonekit/zonecore/internal/core/domain"
)

// Config controls when a dependency's circuit opens and how long it stays
// open before a recovery probe.
type Config struct {
	Threshold uint32        // consecutive failures that open the circuit
	Timeout   time.Duration // open duration before a half-open trial
}

func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Timeout:   60 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.Threshold == 0 {
		return errors.New("breaker: Threshold must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("breaker: Timeout must be positive, got %s", c.Timeout)
	}
	return nil
}

// Registry holds one circuit breaker per downstream dependency, created
// lazily on first use. While a circuit is open every call is rejected with
// domain.ErrCircuitOpen without invoking the wrapped function; after Timeout
// a single trial call probes recovery.
type Registry struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker[domain.ItemRecord]
}

func NewRegistry(cfg Config, logger *zap.Logger) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[domain.ItemRecord]),
	}, nil
}

func (r *Registry) breakerFor(dependency string) *gobreaker.CircuitBreaker[domain.ItemRecord] {
	r.mu.RLock()
	cb, ok := r.breakers[dependency]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[dependency]; ok {
		return cb
	}

	cb = gobreaker.NewCircuitBreaker[domain.ItemRecord](gobreaker.Settings{
		Name: dependency,
		// Exactly one probe is admitted while half-open.
		MaxRequests: 1,
		// Interval 0 keeps consecutive-failure counts from decaying while closed.
		Interval: 0,
		Timeout:  r.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.Threshold
		},
		IsSuccessful: func(err error) bool {
			return !dependencyFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Info("circuit state changed",
				zap.String("dependency", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	r.breakers[dependency] = cb
	return cb
}

// dependencyFailure reports whether err indicates an unhealthy dependency.
// Business rejections, spent retry budgets, and caller-side aborts all mean
// the dependency answered (or was never at fault), so they must not push the
// circuit toward open.
func dependencyFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrInvalidDelta) ||
		errors.Is(err, domain.ErrConcurrencyExhausted) ||
		errors.Is(err, domain.ErrDeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Execute runs fn under the dependency's circuit breaker. Rejections while
// the circuit is open surface as domain.ErrCircuitOpen; fn's own error passes
// through unchanged.
func (r *Registry) Execute(dependency string, fn func() (domain.ItemRecord, error)) (domain.ItemRecord, error) {
	rec, err := r.breakerFor(dependency).Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return domain.ItemRecord{}, fmt.Errorf("%w: dependency %s", domain.ErrCircuitOpen, dependency)
		}
		return domain.ItemRecord{}, err
	}
	return rec, nil
}

// State reports the current state of a dependency's circuit. Dependencies
// that have never been called report a closed circuit.
func (r *Registry) State(dependency string) gobreaker.State {
	r.mu.RLock()
	cb, ok := r.breakers[dependency]
	r.mu.RUnlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}
