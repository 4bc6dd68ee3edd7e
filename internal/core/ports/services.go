package ports

import (
	"context"

	"watchsync/internal/core/domain"
)

// UserDirectory is the account collaborator. Users are consumed as
// opaque {id, username} credentials; storage and authentication live
// elsewhere.
type UserDirectory interface {
	GetUser(ctx context.Context, id domain.UserID) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
}

// VideoResolver turns a URL into a playable video descriptor.
type VideoResolver interface {
	Resolve(ctx context.Context, url string) (*domain.Video, error)
}

// ForwardHandler is the node-local entry point the bus delivers
// forwarded requests to. origin is the sending node, which is where
// relayed messages for the acting client go back to.
type ForwardHandler func(ctx context.Context, origin, room string, req domain.RoomRequest) (*domain.RoomEvent, error)

// RelayHandler receives a server message relayed from a room's owning
// node for a client attached to this node.
type RelayHandler func(client domain.ClientID, msg domain.ServerMessage)

// MessageBus carries room requests between nodes. Forward blocks until
// the owning node replies or the context deadline passes; a timeout is
// reported, never retried here. Relay is the reverse direction: the
// owning node pushing broadcasts to a remote client's attachment node,
// fire and forget.
type MessageBus interface {
	Forward(ctx context.Context, node, room string, req domain.RoomRequest) (*domain.RoomEvent, error)
	Relay(ctx context.Context, node string, client domain.ClientID, msg domain.ServerMessage) error
	Serve(ctx context.Context, forward ForwardHandler, relay RelayHandler) error
	Close() error
}

// MessageSink receives outbound server messages for one client. The
// gateway owns the concrete connection behind it.
type MessageSink interface {
	Send(msg domain.ServerMessage) error
}

// Metrics is the observability sink the engine reports into.
type Metrics interface {
	ObserveRoomRequest(kind, outcome string, seconds float64)
	RecordBroadcastFailure(room string)
	SetRoomClients(room string, n int)
	SetRoomsResident(n int)
	RecordForward(outcome string)
}
