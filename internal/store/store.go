// Package store provides the durable-store abstraction the core persists
// entities through. The core is written against this interface only;
// persistence is swappable.
package store

import (
	"context"
	"encoding/json"
)

// EntityType names a class of stored entities.
type EntityType string

const (
	EntityOrder        EntityType = "orders"
	EntityPosition     EntityType = "positions"
	EntityTrailingStop EntityType = "trailing_stops"
	EntityIceberg      EntityType = "icebergs"
	EntityBot          EntityType = "bots"
	EntityTrade        EntityType = "trades"
)

// Filter narrows Query results. Zero-valued fields are ignored.
type Filter struct {
	OwnerID string
	Status  string
	Symbol  string
	Limit   int
}

// Store is the key-value/document abstraction over durable storage.
// Entities are stored as JSON documents keyed by (entityType, id).
type Store interface {
	// Save upserts the entity under (entityType, id).
	Save(ctx context.Context, entityType EntityType, id string, entity interface{}) error
	// Load reads the entity into out. Returns a NOT_FOUND error when the
	// key does not exist.
	Load(ctx context.Context, entityType EntityType, id string, out interface{}) error
	// Query returns the raw documents of an entity type matching the
	// filter.
	Query(ctx context.Context, entityType EntityType, filter Filter) ([]json.RawMessage, error)
	// Delete removes the entity. Deleting a missing key is a no-op.
	Delete(ctx context.Context, entityType EntityType, id string) error
	// Close releases underlying resources.
	Close() error
}
