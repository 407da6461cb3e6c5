package port

import (
	"context"

	"github.com/zonekit/zonecore/internal/core/domain"
)

// InvalidationBus carries cache invalidation events between instances.
// Writers publish one event per committed write; every subscribed cache
// instance evicts the event's prefix.
type InvalidationBus interface {
	// Publish delivers the event to all subscribers. Publishing is
	// best-effort from the writer's point of view: the write it announces
	// has already committed.
	Publish(ctx context.Context, ev domain.InvalidationEvent) error

	// Subscribe invokes handler for every event until ctx is done.
	// It blocks for the life of the subscription.
	Subscribe(ctx context.Context, handler func(domain.InvalidationEvent)) error
}
