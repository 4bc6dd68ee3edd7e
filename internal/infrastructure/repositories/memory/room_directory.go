package memory

import (
	"context"
	"fmt"
	"sync"

	"watchsync/internal/core/ports"
)

// MemoryRoomDirectory is the single-node claim table. It honors the
// same exactly-one-winner contract as the redis directory but never
// expires claims.
type MemoryRoomDirectory struct {
	mu     sync.Mutex
	owners map[string]string
}

func NewMemoryRoomDirectory() ports.RoomDirectory {
	return &MemoryRoomDirectory{owners: make(map[string]string)}
}

func (d *MemoryRoomDirectory) Reserve(ctx context.Context, name, nodeID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	owner, taken := d.owners[name]
	if taken {
		return owner == nodeID, nil
	}
	d.owners[name] = nodeID
	return true, nil
}

func (d *MemoryRoomDirectory) Release(ctx context.Context, name, nodeID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.owners[name] == nodeID {
		delete(d.owners, name)
	}
	return nil
}

func (d *MemoryRoomDirectory) Owner(ctx context.Context, name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.owners[name], nil
}

func (d *MemoryRoomDirectory) Refresh(ctx context.Context, name, nodeID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.owners[name] != nodeID {
		return fmt.Errorf("room claim for %q is no longer held by %s", name, nodeID)
	}
	return nil
}
