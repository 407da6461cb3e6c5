package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/zonekit/zonecore/internal/core/domain"
)

// ChannelBus is an in-process InvalidationBus for single-node deployments
// and tests. Each subscriber gets its own buffered channel; a subscriber
// that falls behind loses events rather than stalling publishers (the TTL
// still bounds how long the resulting staleness can last).
type ChannelBus struct {
	mu     sync.RWMutex
	subs   map[int]chan domain.InvalidationEvent
	nextID int

	buffer int
	logger *zap.Logger
}

func NewChannelBus(buffer int, logger *zap.Logger) *ChannelBus {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChannelBus{
		subs:   make(map[int]chan domain.InvalidationEvent),
		buffer: buffer,
		logger: logger,
	}
}

func (b *ChannelBus) Publish(ctx context.Context, ev domain.InvalidationEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("invalidation subscriber lagging, dropping event",
				zap.Int("subscriber", id),
				zap.String("prefix", ev.Prefix),
			)
		}
	}
	return nil
}

func (b *ChannelBus) Subscribe(ctx context.Context, handler func(domain.InvalidationEvent)) error {
	ch := make(chan domain.InvalidationEvent, b.buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()

	for {
		select {
		case ev := <-ch:
			handler(ev)
		case <-ctx.Done():
			return nil
		}
	}
}
