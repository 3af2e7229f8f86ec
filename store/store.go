// Package store defines the ordered key-value store the query engine reads
// through. Records are ordered by geohash so a geohash range is a contiguous
// key range.
package store

import (
	"context"
	"encoding/json"

	"geoquery/geohash"
	"geoquery/models"
)

// Notification is one item of a range subscription feed: either a change or
// the marker that the initial snapshot has been delivered.
type Notification struct {
	Change models.RawChange
	Ready  bool
}

// Subscription is a live feed of changes for one geohash range.
type Subscription interface {
	// Changes delivers notifications in store order. It is closed when the
	// subscription ends.
	Changes() <-chan Notification
	// Err reports why Changes was closed. It is nil after Close.
	Err() error
	// Close stops delivery. It is idempotent.
	Close() error
}

// Store is the remote ordered store holding geo records.
type Store interface {
	// Subscribe streams every record in rng, then a Ready notification,
	// then every later change affecting rng. A record leaving rng is
	// delivered as a removal, with RawChange.Next set when it moved.
	Subscribe(ctx context.Context, rng geohash.Range) (Subscription, error)
	Get(ctx context.Context, key string) (*models.GeoRecord, error)
	Set(ctx context.Context, key string, loc models.Location, payload json.RawMessage) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// RangeChange translates a write observed store-wide into the change a
// subscriber to rng must see, given the key's previous geohash. A key moving
// out of rng is a removal carrying its new record. It reports false when
// the write does not touch rng.
func RangeChange(rng geohash.Range, key, previous string, rec *models.GeoRecord) (models.RawChange, bool) {
	if rec != nil && rng.Contains(rec.Geohash) {
		return models.RawChange{Key: key, Record: rec}, true
	}
	if previous != "" && rng.Contains(previous) {
		return models.RawChange{Key: key, Next: rec}, true
	}
	return models.RawChange{}, false
}
