package domain

import (
	"time"

	"github.com/google/uuid"
)

// InvalidationEvent announces a committed write so that every cache instance
// can evict the affected keys. Events are published on the invalidation bus
// after the conditional commit succeeds, never before.
type InvalidationEvent struct {
	ID         string    `json:"id"`
	Prefix     string    `json:"prefix"`
	ZoneID     string    `json:"zone_id"`
	ItemID     string    `json:"item_id"`
	Version    int64     `json:"version"`
	Origin     string    `json:"origin"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewInvalidationEvent builds the event for a committed write to (zone, item).
// Origin identifies the publishing instance so subscribers can skip events
// they already applied locally.
func NewInvalidationEvent(zoneID, itemID string, version int64, origin string) InvalidationEvent {
	return InvalidationEvent{
		ID:         uuid.NewString(),
		Prefix:     RecordKey(zoneID, itemID),
		ZoneID:     zoneID,
		ItemID:     itemID,
		Version:    version,
		Origin:     origin,
		OccurredAt: time.Now(),
	}
}
