package port

import "context"

// ConditionalStore is the durable backend holding one versioned record per
// (zone, item) key. Implementations must provide atomic compare-and-swap
// semantics for ConditionalPut; the no-lost-update guarantee of the zone
// store rests entirely on that atomicity.
type ConditionalStore interface {
	// Get returns the stored quantity and version for key.
	// Unseen keys return (0, 0, nil); version 0 means "never written".
	// Backend unavailability is reported by wrapping domain.ErrStorageUnavailable.
	Get(ctx context.Context, key string) (quantity int64, version int64, err error)

	// ConditionalPut commits quantity under key only if the stored version
	// still equals expectedVersion, advancing the version by one. It returns
	// false when another writer advanced the version first.
	ConditionalPut(ctx context.Context, key string, quantity int64, expectedVersion int64) (bool, error)
}
