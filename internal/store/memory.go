package store

import (
	"context"
	"encoding/json"
	"sync"

	"tradesim/internal/errors"
)

// MemoryStore implements Store in memory. Used in tests and for
// throwaway simulation runs.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[EntityType]map[string]json.RawMessage
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[EntityType]map[string]json.RawMessage)}
}

// Save upserts the entity.
func (m *MemoryStore) Save(ctx context.Context, entityType EntityType, id string, entity interface{}) error {
	payload, err := json.Marshal(entity)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.data[entityType]
	if !ok {
		bucket = make(map[string]json.RawMessage)
		m.data[entityType] = bucket
	}
	bucket[id] = payload
	return nil
}

// Load reads the entity into out.
func (m *MemoryStore) Load(ctx context.Context, entityType EntityType, id string, out interface{}) error {
	m.mu.RLock()
	payload, ok := m.data[entityType][id]
	m.mu.RUnlock()
	if !ok {
		return errors.NotFound(string(entityType), id)
	}
	return json.Unmarshal(payload, out)
}

// Query returns matching documents.
func (m *MemoryStore) Query(ctx context.Context, entityType EntityType, filter Filter) ([]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []json.RawMessage
	for _, payload := range m.data[entityType] {
		if !matches(payload, filter) {
			continue
		}
		out = append(out, payload)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func matches(payload json.RawMessage, filter Filter) bool {
	if filter.OwnerID == "" && filter.Status == "" && filter.Symbol == "" {
		return true
	}
	var doc struct {
		OwnerID string `json:"owner_id"`
		Status  string `json:"status"`
		Symbol  string `json:"symbol"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return false
	}
	if filter.OwnerID != "" && doc.OwnerID != filter.OwnerID {
		return false
	}
	if filter.Status != "" && doc.Status != filter.Status {
		return false
	}
	if filter.Symbol != "" && doc.Symbol != filter.Symbol {
		return false
	}
	return true
}

// Delete removes the entity.
func (m *MemoryStore) Delete(ctx context.Context, entityType EntityType, id string) error {
	m.mu.Lock()
	delete(m.data[entityType], id)
	m.mu.Unlock()
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
