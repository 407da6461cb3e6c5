package domain

import "fmt"

// ItemRecord is the authoritative inventory state for one item in one zone.
// Records are versioned for optimistic locking: every committed mutation
// advances Version by exactly one.
type ItemRecord struct {
	ZoneID   string `json:"zone_id"`
	ItemID   string `json:"item_id"`
	Quantity int64  `json:"quantity"`
	Version  int64  `json:"version"`
}

// RecordKey returns the storage and cache key for a (zone, item) pair.
// Invalidating this key as a prefix affects exactly this record.
func RecordKey(zoneID, itemID string) string {
	return fmt.Sprintf("inv:%s:%s", zoneID, itemID)
}

// ZoneKeyPrefix returns the key prefix shared by every record in a zone.
func ZoneKeyPrefix(zoneID string) string {
	return fmt.Sprintf("inv:%s:", zoneID)
}
