package dimension

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// InMemoryRepository keeps dimension entities in memory for local
// development and tests. Safe for concurrent use; the mutex gives
// UpsertKeys the same insert-if-absent atomicity the Postgres repository
// gets from ON CONFLICT.
type InMemoryRepository struct {
	mu       sync.RWMutex
	entities map[memoryKey]Entity
}

type memoryKey struct {
	kind   Kind
	userID string
	key    string
}

// NewInMemoryRepository constructs an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{entities: make(map[memoryKey]Entity)}
}

// Get implements Repository.
func (r *InMemoryRepository) Get(ctx context.Context, kind Kind, userID, key string) (*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entity, ok := r.entities[memoryKey{kind, userID, key}]
	if !ok {
		return nil, nil
	}
	return &entity, nil
}

// UpsertKeys implements Repository: inserts absent entries and returns the
// stored row for every requested key, existing or new.
func (r *InMemoryRepository) UpsertKeys(ctx context.Context, kind Kind, entries []Entity) ([]Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entity, 0, len(entries))
	for _, entry := range entries {
		mk := memoryKey{kind, entry.UserID, entry.Key}
		stored, ok := r.entities[mk]
		if !ok {
			stored = Entity{
				ID:     uuid.NewString(),
				Kind:   kind,
				UserID: entry.UserID,
				Key:    entry.Key,
				Name:   entry.Name,
			}
			r.entities[mk] = stored
		}
		out = append(out, stored)
	}
	return out, nil
}

// Len reports the number of stored entities.
func (r *InMemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}
