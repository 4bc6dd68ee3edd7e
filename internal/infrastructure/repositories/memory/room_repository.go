package memory

import (
	"context"
	"encoding/json"
	"sync"

	"watchsync/internal/core/domain"
	"watchsync/internal/core/ports"
)

// MemoryRoomRepository keeps room state in process. Suitable for
// single-node deployments and tests; nothing survives a restart.
type MemoryRoomRepository struct {
	mu    sync.RWMutex
	rooms map[string][]byte
}

func NewMemoryRoomRepository() ports.RoomRepository {
	return &MemoryRoomRepository{rooms: make(map[string][]byte)}
}

func (r *MemoryRoomRepository) Load(ctx context.Context, name string) (*domain.RoomState, error) {
	r.mu.RLock()
	data, ok := r.rooms[name]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ErrRoomNotFound
	}

	var state domain.RoomState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (r *MemoryRoomRepository) Save(ctx context.Context, state *domain.RoomState) error {
	// Stored serialized so callers never share mutable state through
	// the repository.
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.rooms[state.Name] = data
	r.mu.Unlock()
	return nil
}

func (r *MemoryRoomRepository) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	delete(r.rooms, name)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRoomRepository) Exists(ctx context.Context, name string) (bool, error) {
	r.mu.RLock()
	_, ok := r.rooms[name]
	r.mu.RUnlock()
	return ok, nil
}

func (r *MemoryRoomRepository) ListPublic(ctx context.Context) ([]*domain.RoomState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make([]*domain.RoomState, 0, len(r.rooms))
	for _, data := range r.rooms {
		var state domain.RoomState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, err
		}
		if state.Visibility == domain.VisibilityPublic {
			states = append(states, &state)
		}
	}
	return states, nil
}
