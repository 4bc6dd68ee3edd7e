package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"watchsync/internal/core/domain"
	"watchsync/internal/core/ports"
	apperrors "watchsync/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBus struct {
	forwards atomic.Int64
	reply    func(ctx context.Context, node, room string, req domain.RoomRequest) (*domain.RoomEvent, error)
}

func (b *fakeBus) Forward(ctx context.Context, node, room string, req domain.RoomRequest) (*domain.RoomEvent, error) {
	b.forwards.Add(1)
	return b.reply(ctx, node, room, req)
}

func (b *fakeBus) Relay(ctx context.Context, node string, client domain.ClientID, msg domain.ServerMessage) error {
	return nil
}

func (b *fakeBus) Serve(ctx context.Context, forward ports.ForwardHandler, relay ports.RelayHandler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *fakeBus) Close() error { return nil }

// busHub links ClientManagers in process so forwarded requests and
// relayed messages cross between them the way redis pub/sub would,
// including a wire round trip for every payload.
type busHub struct {
	mu    sync.Mutex
	nodes map[string]*hubNode
}

func newBusHub() *busHub { return &busHub{nodes: make(map[string]*hubNode)} }

func (h *busHub) node(id string) *hubNode {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.nodes[id]
	if !ok {
		n = &hubNode{hub: h, id: id}
		h.nodes[id] = n
	}
	return n
}

type hubNode struct {
	hub *busHub
	id  string

	mu      sync.Mutex
	forward ports.ForwardHandler
	relay   ports.RelayHandler
}

func (n *hubNode) handlers() (ports.ForwardHandler, ports.RelayHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.forward, n.relay
}

func (n *hubNode) Forward(ctx context.Context, node, room string, req domain.RoomRequest) (*domain.RoomEvent, error) {
	fwd, _ := n.hub.node(node).handlers()
	if fwd == nil {
		return nil, errors.New("node not serving")
	}
	data, err := domain.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	decoded, err := domain.DecodeRequest(data)
	if err != nil {
		return nil, err
	}
	return fwd(ctx, n.id, room, decoded)
}

func (n *hubNode) Relay(ctx context.Context, node string, client domain.ClientID, msg domain.ServerMessage) error {
	_, rly := n.hub.node(node).handlers()
	if rly == nil {
		return errors.New("node not serving")
	}
	data, err := domain.EncodeServerMessage(msg)
	if err != nil {
		return err
	}
	decoded, err := domain.DecodeServerMessage(data)
	if err != nil {
		return err
	}
	rly(client, decoded)
	return nil
}

func (n *hubNode) Serve(ctx context.Context, forward ports.ForwardHandler, relay ports.RelayHandler) error {
	n.mu.Lock()
	n.forward, n.relay = forward, relay
	n.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (n *hubNode) Close() error { return nil }

// clusterFixture is two nodes sharing storage and a directory, linked
// by an in-process bus.
type clusterFixture struct {
	a, b   *ClientManager
	roomsA *managerFixture
	roomsB *managerFixture
}

func newClusterFixture(t *testing.T) *clusterFixture {
	t.Helper()
	hub := newBusHub()

	roomsA := newTestManager(t, "node-a")
	roomsB := newTestManager(t, "node-b", roomsA)

	auth := NewAuthService("test-secret", time.Hour, nil)
	a := NewClientManager(roomsA.manager, hub.node("node-a"), auth, nil, zap.NewNop().Sugar(), time.Second)
	b := NewClientManager(roomsB.manager, hub.node("node-b"), auth, nil, zap.NewNop().Sugar(), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = a.Serve(ctx) }()
	go func() { _ = b.Serve(ctx) }()
	require.Eventually(t, func() bool {
		fa, _ := hub.node("node-a").handlers()
		fb, _ := hub.node("node-b").handlers()
		return fa != nil && fb != nil
	}, time.Second, time.Millisecond)

	return &clusterFixture{a: a, b: b, roomsA: roomsA, roomsB: roomsB}
}

func newClientManagerFixture(t *testing.T, bus ports.MessageBus) (*ClientManager, *managerFixture) {
	t.Helper()
	f := newTestManager(t, "node-a")
	auth := NewAuthService("test-secret", time.Hour, nil)
	cm := NewClientManager(f.manager, bus, auth, nil, zap.NewNop().Sugar(), 100*time.Millisecond)
	return cm, f
}

func TestConnectJoinsLocalRoom(t *testing.T) {
	ctx := context.Background()
	cm, f := newClientManagerFixture(t, nil)

	_, err := f.manager.CreateRoom(ctx, CreateRoomParams{Name: "movie-night"})
	require.NoError(t, err)

	sink := &sinkRecorder{}
	client, err := cm.Connect(ctx, "movie-night", "", "alice", sink)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleUnregisteredUser, client.Role)
	assert.Nil(t, client.User)

	roomName, ok := cm.RoomOf(client.ID)
	require.True(t, ok)
	assert.Equal(t, "movie-night", roomName)

	// Join pushes the full room state to the new connection.
	require.Eventually(t, func() bool {
		return len(sink.byType("sync")) > 0
	}, time.Second, 10*time.Millisecond)
}

func TestConnectWithTokenResolvesUser(t *testing.T) {
	ctx := context.Background()
	cm, f := newClientManagerFixture(t, nil)

	_, err := f.manager.CreateRoom(ctx, CreateRoomParams{Name: "movie-night"})
	require.NoError(t, err)

	token, err := cm.auth.GenerateToken("u-alice", "alice")
	require.NoError(t, err)

	client, err := cm.Connect(ctx, "movie-night", token, "alice", &sinkRecorder{})
	require.NoError(t, err)
	require.NotNil(t, client.User)
	assert.Equal(t, domain.UserID("u-alice"), client.User.ID)
	assert.Equal(t, domain.RoleRegisteredUser, client.Role)
}

func TestConnectRejectsBadToken(t *testing.T) {
	ctx := context.Background()
	cm, f := newClientManagerFixture(t, nil)

	_, err := f.manager.CreateRoom(ctx, CreateRoomParams{Name: "movie-night"})
	require.NoError(t, err)

	_, err = cm.Connect(ctx, "movie-night", "not-a-jwt", "alice", &sinkRecorder{})
	assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.CodeOf(err))
}

func TestDisconnectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cm, f := newClientManagerFixture(t, nil)

	room, err := f.manager.CreateRoom(ctx, CreateRoomParams{Name: "movie-night"})
	require.NoError(t, err)

	client, err := cm.Connect(ctx, "movie-night", "", "alice", &sinkRecorder{})
	require.NoError(t, err)

	cm.Disconnect(ctx, client.ID)
	cm.Disconnect(ctx, client.ID)

	assert.Empty(t, room.Snapshot().Users)
	_, ok := cm.RoomOf(client.ID)
	assert.False(t, ok)
}

func TestMakeRoomRequestRoutesLocally(t *testing.T) {
	ctx := context.Background()
	bus := &fakeBus{reply: func(context.Context, string, string, domain.RoomRequest) (*domain.RoomEvent, error) {
		return nil, errors.New("must not be called for resident rooms")
	}}
	cm, f := newClientManagerFixture(t, bus)

	_, err := f.manager.CreateRoom(ctx, CreateRoomParams{Name: "movie-night"})
	require.NoError(t, err)
	client, err := cm.Connect(ctx, "movie-night", "", "alice", &sinkRecorder{})
	require.NoError(t, err)

	v := video("v1", 100)
	_, err = cm.MakeRoomRequest(ctx, "movie-night", &domain.AddRequest{
		RequestBase: domain.RequestBase{Client: client.ID},
		Video:       &v,
	})
	require.NoError(t, err)
	assert.Zero(t, bus.forwards.Load())
}

// remoteFixture pins "movie-night" to a fake remote node so every
// request from this node has to go over the bus.
func remoteFixture(t *testing.T, bus ports.MessageBus) *ClientManager {
	t.Helper()
	cm, f := newClientManagerFixture(t, bus)
	_, err := f.manager.directory.Reserve(context.Background(), "movie-night", "node-b")
	require.NoError(t, err)
	return cm
}

func TestForwardDeliversRemoteReply(t *testing.T) {
	want := &domain.RoomEvent{ID: "ev-1", RoomName: "movie-night"}
	bus := &fakeBus{reply: func(ctx context.Context, node, room string, req domain.RoomRequest) (*domain.RoomEvent, error) {
		assert.Equal(t, "node-b", node)
		assert.Equal(t, "movie-night", room)
		return want, nil
	}}
	cm := remoteFixture(t, bus)

	ev, err := cm.MakeRoomRequest(context.Background(), "movie-night", &domain.SkipRequest{
		RequestBase: domain.RequestBase{Client: "c1"},
	})
	require.NoError(t, err)
	assert.Equal(t, want.ID, ev.ID)
	assert.Equal(t, int64(1), bus.forwards.Load())
}

func TestForwardPropagatesRemoteRejection(t *testing.T) {
	bus := &fakeBus{reply: func(context.Context, string, string, domain.RoomRequest) (*domain.RoomEvent, error) {
		return nil, apperrors.NewPermissionDeniedError("skip requires \"skip\"")
	}}
	cm := remoteFixture(t, bus)

	_, err := cm.MakeRoomRequest(context.Background(), "movie-night", &domain.SkipRequest{
		RequestBase: domain.RequestBase{Client: "c1"},
	})
	assert.Equal(t, apperrors.ErrCodePermissionDenied, apperrors.CodeOf(err))
}

func TestForwardTimeoutIsRemoteUnavailable(t *testing.T) {
	bus := &fakeBus{reply: func(ctx context.Context, _, _ string, _ domain.RoomRequest) (*domain.RoomEvent, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	cm := remoteFixture(t, bus)

	_, err := cm.MakeRoomRequest(context.Background(), "movie-night", &domain.SkipRequest{
		RequestBase: domain.RequestBase{Client: "c1"},
	})
	assert.Equal(t, apperrors.ErrCodeRemoteUnavailable, apperrors.CodeOf(err))
}

func TestForwardBreakerOpensOnTransportFailures(t *testing.T) {
	bus := &fakeBus{reply: func(context.Context, string, string, domain.RoomRequest) (*domain.RoomEvent, error) {
		return nil, errors.New("connection refused")
	}}
	cm := remoteFixture(t, bus)

	for i := 0; i < 10; i++ {
		_, err := cm.MakeRoomRequest(context.Background(), "movie-night", &domain.SkipRequest{
			RequestBase: domain.RequestBase{Client: "c1"},
		})
		assert.Equal(t, apperrors.ErrCodeRemoteUnavailable, apperrors.CodeOf(err))
	}

	// Once open the breaker fails fast without touching the bus.
	before := bus.forwards.Load()
	_, err := cm.MakeRoomRequest(context.Background(), "movie-night", &domain.SkipRequest{
		RequestBase: domain.RequestBase{Client: "c1"},
	})
	assert.Equal(t, apperrors.ErrCodeRemoteUnavailable, apperrors.CodeOf(err))
	assert.Equal(t, before, bus.forwards.Load())
}

func TestForwardRemoteRejectionsDoNotTripBreaker(t *testing.T) {
	bus := &fakeBus{reply: func(context.Context, string, string, domain.RoomRequest) (*domain.RoomEvent, error) {
		return nil, apperrors.NewPermissionDeniedError("denied")
	}}
	cm := remoteFixture(t, bus)

	for i := 0; i < 20; i++ {
		_, err := cm.MakeRoomRequest(context.Background(), "movie-night", &domain.SkipRequest{
			RequestBase: domain.RequestBase{Client: "c1"},
		})
		assert.Equal(t, apperrors.ErrCodePermissionDenied, apperrors.CodeOf(err))
	}
	// Every call reached the bus; nothing failed fast.
	assert.Equal(t, int64(20), bus.forwards.Load())
}

func TestForwardWithoutBusFails(t *testing.T) {
	cm := remoteFixture(t, nil)

	_, err := cm.MakeRoomRequest(context.Background(), "movie-night", &domain.SkipRequest{
		RequestBase: domain.RequestBase{Client: "c1"},
	})
	assert.Equal(t, apperrors.ErrCodeRemoteUnavailable, apperrors.CodeOf(err))
}

func TestConnectWithoutBusNamesOwnerNode(t *testing.T) {
	cm := remoteFixture(t, nil)

	_, err := cm.Connect(context.Background(), "movie-night", "", "alice", &sinkRecorder{})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeRemoteUnavailable, apperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "node-b")
}

func TestConnectJoinsRoomOwnedByAnotherNode(t *testing.T) {
	ctx := context.Background()
	f := newClusterFixture(t)

	room, err := f.roomsB.manager.CreateRoom(ctx, CreateRoomParams{Name: "movie-night"})
	require.NoError(t, err)

	sink := &sinkRecorder{}
	client, err := f.a.Connect(ctx, "movie-night", "", "alice", sink)
	require.NoError(t, err)

	// The owning room's roster holds the remote client.
	snap := room.Snapshot()
	require.Len(t, snap.Users, 1)
	assert.Equal(t, client.ID, snap.Users[0].ID)

	// The join's initial state sync comes back over the relay.
	require.Eventually(t, func() bool {
		return len(sink.byType("sync")) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestRemoteClientRequestsReachOwningRoom(t *testing.T) {
	ctx := context.Background()
	f := newClusterFixture(t)

	room, err := f.roomsB.manager.CreateRoom(ctx, CreateRoomParams{Name: "movie-night"})
	require.NoError(t, err)

	sink := &sinkRecorder{}
	client, err := f.a.Connect(ctx, "movie-night", "", "alice", sink)
	require.NoError(t, err)

	v := video("v1", 100)
	_, err = f.a.MakeRoomRequest(ctx, "movie-night", &domain.AddRequest{
		RequestBase: domain.RequestBase{Client: client.ID},
		Video:       &v,
	})
	require.NoError(t, err)

	snap := room.Snapshot()
	require.NotNil(t, snap.State.CurrentSource)
	assert.Equal(t, v.ID, snap.State.CurrentSource.ID)

	// The applied event is relayed back to the requesting client.
	require.Eventually(t, func() bool {
		return len(sink.byType("event")) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestRemoteClientDisconnectLeavesOwningRoom(t *testing.T) {
	ctx := context.Background()
	f := newClusterFixture(t)

	room, err := f.roomsB.manager.CreateRoom(ctx, CreateRoomParams{Name: "movie-night"})
	require.NoError(t, err)

	client, err := f.a.Connect(ctx, "movie-night", "", "alice", &sinkRecorder{})
	require.NoError(t, err)
	require.Len(t, room.Snapshot().Users, 1)

	f.a.Disconnect(ctx, client.ID)

	assert.Empty(t, room.Snapshot().Users)
	_, ok := f.a.RoomOf(client.ID)
	assert.False(t, ok)
}
