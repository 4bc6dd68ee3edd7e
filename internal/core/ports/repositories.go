package ports

import (
	"context"

	"watchsync/internal/core/domain"
)

// RoomRepository is the persistent storage collaborator, consulted only
// at room load/save boundaries. Temporary rooms never reach it.
type RoomRepository interface {
	Load(ctx context.Context, name string) (*domain.RoomState, error)
	Save(ctx context.Context, state *domain.RoomState) error
	Delete(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
	ListPublic(ctx context.Context) ([]*domain.RoomState, error)
}

// RoomDirectory is the cluster directory: which node owns which live
// room, and the compare-and-swap name reservation that makes racing
// CreateRoom calls resolve to exactly one winner.
type RoomDirectory interface {
	// Reserve claims name for nodeID. Exactly one concurrent caller
	// gets true; everyone else gets false with no error.
	Reserve(ctx context.Context, name, nodeID string) (bool, error)
	Release(ctx context.Context, name, nodeID string) error
	// Owner returns the owning node id, or "" when the room is not
	// resident anywhere.
	Owner(ctx context.Context, name string) (string, error)
	Refresh(ctx context.Context, name, nodeID string) error
}
