package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"watchsync/internal/core/domain"
	"watchsync/internal/core/ports"
	"watchsync/pkg/circuitbreaker"
	apperrors "watchsync/pkg/errors"
	"watchsync/pkg/validation"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type session struct {
	room   string
	client *domain.Client
	sink   ports.MessageSink
	// owner is the hosting node when the room lives elsewhere, empty
	// for locally resident rooms.
	owner string
}

// relaySink stands in for a remote client's connection on the room's
// owning node: every message the room sends it goes back over the bus
// to the node the client is actually attached to.
type relaySink struct {
	bus    ports.MessageBus
	node   string
	client domain.ClientID
}

func (s *relaySink) Send(msg domain.ServerMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.bus.Relay(ctx, s.node, s.client, msg)
}

// ClientManager binds connections to rooms and routes requests to the
// node hosting each room. Local rooms are called directly; remote ones
// go over the message bus as a blocking call with a deadline. A failed
// or timed-out forward is reported, never silently retried.
type ClientManager struct {
	rooms          *RoomManager
	bus            ports.MessageBus
	auth           AuthService
	logger         *zap.SugaredLogger
	metrics        ports.Metrics
	forwardTimeout time.Duration

	mu       sync.RWMutex
	sessions map[domain.ClientID]session

	breakerMu sync.Mutex
	breakers  map[string]*circuitbreaker.CircuitBreaker
}

func NewClientManager(rooms *RoomManager, bus ports.MessageBus, auth AuthService, metrics ports.Metrics, logger *zap.SugaredLogger, forwardTimeout time.Duration) *ClientManager {
	return &ClientManager{
		rooms:          rooms,
		bus:            bus,
		auth:           auth,
		logger:         logger,
		metrics:        metrics,
		forwardTimeout: forwardTimeout,
		sessions:       make(map[domain.ClientID]session),
		breakers:       make(map[string]*circuitbreaker.CircuitBreaker),
	}
}

// Serve starts consuming forwarded requests and relayed messages from
// other nodes. Forwarded requests run against locally resident rooms
// only; a room this node no longer hosts fails the forward back to the
// sender. A forwarded Join enrolls the remote client with a sink that
// relays the room's broadcasts back to its attachment node.
func (cm *ClientManager) Serve(ctx context.Context) error {
	if cm.bus == nil {
		return nil
	}
	return cm.bus.Serve(ctx,
		func(ctx context.Context, origin, roomName string, req domain.RoomRequest) (*domain.RoomEvent, error) {
			room, ok := cm.rooms.Resident(roomName)
			if !ok {
				return nil, apperrors.Wrap(domain.ErrRoomNotFound, apperrors.ErrCodeNotFound,
					fmt.Sprintf("room %q is not resident here", roomName), 404)
			}
			if join, isJoin := req.(*domain.JoinRequest); isJoin {
				if join.Info == nil || origin == "" {
					return nil, apperrors.NewValidationError("forwarded join is missing client info")
				}
				sink := &relaySink{bus: cm.bus, node: origin, client: join.Info.ID}
				return room.Join(ctx, join.Info, sink)
			}
			return room.Process(ctx, req)
		},
		func(clientID domain.ClientID, msg domain.ServerMessage) {
			cm.mu.RLock()
			sess, ok := cm.sessions[clientID]
			cm.mu.RUnlock()
			if !ok || sess.sink == nil {
				// The client disconnected while the relay was in flight.
				return
			}
			if err := sess.sink.Send(msg); err != nil {
				cm.logger.Warnw("failed to deliver relayed message",
					"room", sess.room,
					"client", clientID,
					"error", err,
				)
			}
		})
}

// Connect authenticates the session and joins the named room. The room
// is loaded onto this node when no other node hosts it; a room resident
// elsewhere gets the join forwarded to its owning node, with broadcasts
// relayed back here over the bus.
func (cm *ClientManager) Connect(ctx context.Context, roomName, token, username string, sink ports.MessageSink) (*domain.Client, error) {
	user, err := cm.auth.ResolveUser(ctx, token)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnauthorized, "invalid session token", 401)
	}

	if username != "" {
		if err := validation.ValidateUsername(username); err != nil {
			return nil, apperrors.NewValidationError(err.Error())
		}
	}
	if username == "" && user == nil {
		username = "anonymous"
	}

	client := &domain.Client{
		ID:           domain.ClientID(uuid.NewString()),
		User:         user,
		Username:     username,
		Role:         domain.RoleUnregisteredUser,
		PlayerStatus: domain.PlayerStatusNone,
	}
	if user != nil {
		client.Role = domain.RoleRegisteredUser
	}

	room, owner, err := cm.rooms.GetRoom(ctx, roomName)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return cm.connectRemote(ctx, roomName, owner, client, sink)
	}

	if _, err := room.Join(ctx, client, sink); err != nil {
		return nil, err
	}

	cm.mu.Lock()
	cm.sessions[client.ID] = session{room: roomName, client: client, sink: sink}
	cm.mu.Unlock()

	cm.logger.Infow("client connected",
		"room", roomName,
		"client", client.ID,
		"authenticated", user != nil,
	)
	return client, nil
}

// connectRemote forwards the join to the room's owning node. The local
// sink is registered before the forward so the join's initial state
// sync, which comes back as a relay, always finds it.
func (cm *ClientManager) connectRemote(ctx context.Context, roomName, owner string, client *domain.Client, sink ports.MessageSink) (*domain.Client, error) {
	cm.mu.Lock()
	cm.sessions[client.ID] = session{room: roomName, client: client, sink: sink, owner: owner}
	cm.mu.Unlock()

	join := &domain.JoinRequest{
		RequestBase: domain.RequestBase{Client: client.ID},
		Info:        client,
	}
	if _, err := cm.forward(ctx, owner, roomName, join); err != nil {
		cm.mu.Lock()
		delete(cm.sessions, client.ID)
		cm.mu.Unlock()
		return nil, err
	}

	cm.logger.Infow("client connected to remote room",
		"room", roomName,
		"node", owner,
		"client", client.ID,
		"authenticated", client.User != nil,
	)
	return client, nil
}

// Disconnect removes the client from its room. Safe to call twice.
func (cm *ClientManager) Disconnect(ctx context.Context, clientID domain.ClientID) {
	cm.mu.Lock()
	sess, ok := cm.sessions[clientID]
	if ok {
		delete(cm.sessions, clientID)
	}
	cm.mu.Unlock()
	if !ok {
		return
	}

	req := &domain.LeaveRequest{RequestBase: domain.RequestBase{Client: clientID}}

	room, resident := cm.rooms.Resident(sess.room)
	if !resident {
		if sess.owner == "" {
			return
		}
		if _, err := cm.forward(ctx, sess.owner, sess.room, req); err != nil && apperrors.CodeOf(err) != apperrors.ErrCodeNotFound {
			cm.logger.Warnw("failed to remove client from remote room",
				"room", sess.room,
				"node", sess.owner,
				"client", clientID,
				"error", err,
			)
		}
		return
	}
	if _, err := room.Process(ctx, req); err != nil && apperrors.CodeOf(err) != apperrors.ErrCodeNotFound {
		cm.logger.Warnw("failed to remove client from room",
			"room", sess.room,
			"client", clientID,
			"error", err,
		)
	}
}

// RoomOf returns the room a connected client belongs to.
func (cm *ClientManager) RoomOf(clientID domain.ClientID) (string, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	sess, ok := cm.sessions[clientID]
	return sess.room, ok
}

// MakeRoomRequest applies req against the named room wherever it lives.
func (cm *ClientManager) MakeRoomRequest(ctx context.Context, roomName string, req domain.RoomRequest) (*domain.RoomEvent, error) {
	if room, ok := cm.rooms.Resident(roomName); ok {
		return room.Process(ctx, req)
	}

	room, owner, err := cm.rooms.GetRoom(ctx, roomName)
	if err != nil {
		return nil, err
	}
	if room != nil {
		return room.Process(ctx, req)
	}
	return cm.forward(ctx, owner, roomName, req)
}

// forward ships the request to the owning node and waits for its reply.
// The per-node circuit breaker fails fast while that node keeps erroring.
func (cm *ClientManager) forward(ctx context.Context, node, roomName string, req domain.RoomRequest) (*domain.RoomEvent, error) {
	if cm.bus == nil {
		return nil, apperrors.NewRemoteUnavailableError(
			fmt.Sprintf("room %q is hosted on node %s and no bus is configured", roomName, node))
	}

	ctx, cancel := context.WithTimeout(ctx, cm.forwardTimeout)
	defer cancel()

	// Only transport failures count against the breaker: a remote room
	// rejecting the request is a healthy reply.
	var ev *domain.RoomEvent
	var remoteErr error
	err := cm.breaker(node).Execute(func() error {
		var ferr error
		ev, ferr = cm.bus.Forward(ctx, node, roomName, req)
		if ferr != nil && apperrors.GetAppError(ferr) != nil {
			remoteErr = ferr
			return nil
		}
		return ferr
	})
	if err == nil {
		err = remoteErr
	}

	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, circuitbreaker.ErrOpen):
		outcome = "rejected"
		err = apperrors.Wrap(err, apperrors.ErrCodeRemoteUnavailable,
			fmt.Sprintf("node %s is unreachable", node), 503)
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
		err = apperrors.Wrap(err, apperrors.ErrCodeRemoteUnavailable,
			fmt.Sprintf("node %s did not reply in time", node), 503)
	case apperrors.GetAppError(err) != nil:
		outcome = string(apperrors.CodeOf(err))
	default:
		outcome = "error"
		err = apperrors.Wrap(err, apperrors.ErrCodeRemoteUnavailable,
			fmt.Sprintf("forward to node %s failed", node), 503)
	}
	if cm.metrics != nil {
		cm.metrics.RecordForward(outcome)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (cm *ClientManager) breaker(node string) *circuitbreaker.CircuitBreaker {
	cm.breakerMu.Lock()
	defer cm.breakerMu.Unlock()
	cb, ok := cm.breakers[node]
	if !ok {
		cb = circuitbreaker.New(circuitbreaker.DefaultConfig())
		cb.OnStateChange(func(from, to circuitbreaker.State) {
			cm.logger.Warnw("forward circuit state changed",
				"node", node,
				"from", from.String(),
				"to", to.String(),
			)
		})
		cm.breakers[node] = cb
	}
	return cb
}
