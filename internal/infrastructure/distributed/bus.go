package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"watchsync/internal/core/domain"
	"watchsync/internal/core/ports"
	apperrors "watchsync/pkg/errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const inboxPrefix = "watchsync:node:"

// frame is the wire shape all three frame kinds share. A request frame
// has Room and Request set; its reply reuses the ID with Event or
// Error; a relay frame carries Client and Message and expects no reply.
type frame struct {
	ID      string          `json:"id"`
	From    string          `json:"from,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
	Room    string          `json:"room,omitempty"`
	Request json.RawMessage `json:"request,omitempty"`

	Client  domain.ClientID `json:"client,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`

	Event     *domain.RoomEvent   `json:"event,omitempty"`
	Error     string              `json:"error,omitempty"`
	ErrorCode apperrors.ErrorCode `json:"error_code,omitempty"`
	Status    int                 `json:"status,omitempty"`
}

// RedisMessageBus carries room requests between nodes over redis
// pub/sub. Each node listens on its own inbox channel; Forward blocks
// on a per-call reply slot until the owning node answers or the
// context deadline passes.
type RedisMessageBus struct {
	client *redis.Client
	nodeID string
	logger *zap.SugaredLogger

	mu      sync.Mutex
	pending map[string]chan frame
	pubsub  *redis.PubSub
	closed  bool
}

func NewRedisMessageBus(client *redis.Client, nodeID string, logger *zap.SugaredLogger) *RedisMessageBus {
	return &RedisMessageBus{
		client:  client,
		nodeID:  nodeID,
		logger:  logger,
		pending: make(map[string]chan frame),
	}
}

var _ ports.MessageBus = (*RedisMessageBus)(nil)

func inbox(node string) string {
	return inboxPrefix + node
}

func (b *RedisMessageBus) Forward(ctx context.Context, node, room string, req domain.RoomRequest) (*domain.RoomEvent, error) {
	encoded, err := domain.EncodeRequest(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "could not encode request", 500)
	}

	f := frame{
		ID:      uuid.NewString(),
		From:    b.nodeID,
		ReplyTo: inbox(b.nodeID),
		Room:    room,
		Request: encoded,
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "could not encode forward frame", 500)
	}

	reply := make(chan frame, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, apperrors.NewRemoteUnavailableError("message bus is closed")
	}
	b.pending[f.ID] = reply
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, f.ID)
		b.mu.Unlock()
	}()

	if err := b.client.Publish(ctx, inbox(node), data).Err(); err != nil {
		return nil, fmt.Errorf("failed to publish forward frame: %w", err)
	}

	select {
	case resp := <-reply:
		if resp.Error != "" {
			code := resp.ErrorCode
			if code == "" {
				code = apperrors.ErrCodeRemoteUnavailable
			}
			status := resp.Status
			if status == 0 {
				status = 503
			}
			return nil, apperrors.New(code, resp.Error, status)
		}
		return resp.Event, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Relay ships a server message to the node a remote client is attached
// to. There is no reply; the next sync diff supersedes a lost relay.
func (b *RedisMessageBus) Relay(ctx context.Context, node string, client domain.ClientID, msg domain.ServerMessage) error {
	encoded, err := domain.EncodeServerMessage(msg)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "could not encode relay message", 500)
	}
	f := frame{
		ID:      uuid.NewString(),
		From:    b.nodeID,
		Client:  client,
		Message: encoded,
	}
	data, err := json.Marshal(f)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "could not encode relay frame", 500)
	}
	if err := b.client.Publish(ctx, inbox(node), data).Err(); err != nil {
		return fmt.Errorf("failed to publish relay frame: %w", err)
	}
	return nil
}

// Serve consumes this node's inbox until ctx ends. Request frames run
// through forward on their own goroutines, relay frames through relay;
// reply frames resolve the matching pending Forward.
func (b *RedisMessageBus) Serve(ctx context.Context, forward ports.ForwardHandler, relay ports.RelayHandler) error {
	b.mu.Lock()
	if b.pubsub != nil {
		b.mu.Unlock()
		return fmt.Errorf("bus already serving")
	}
	b.pubsub = b.client.Subscribe(ctx, inbox(b.nodeID))
	pubsub := b.pubsub
	b.mu.Unlock()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var f frame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				b.logger.Warnw("dropping malformed bus frame", "error", err)
				continue
			}
			if f.Request != nil {
				go b.handleRequest(ctx, f, forward)
				continue
			}
			if f.Message != nil {
				b.handleRelay(f, relay)
				continue
			}
			b.deliverReply(f)
		}
	}
}

func (b *RedisMessageBus) handleRelay(f frame, relay ports.RelayHandler) {
	if relay == nil {
		return
	}
	msg, err := domain.DecodeServerMessage(f.Message)
	if err != nil {
		b.logger.Warnw("dropping malformed relay frame", "from", f.From, "error", err)
		return
	}
	relay(f.Client, msg)
}

func (b *RedisMessageBus) handleRequest(ctx context.Context, f frame, handler ports.ForwardHandler) {
	reply := frame{ID: f.ID}

	req, err := domain.DecodeRequest(f.Request)
	if err == nil {
		var ev *domain.RoomEvent
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		ev, err = handler(ctx, f.From, f.Room, req)
		cancel()
		reply.Event = ev
	}
	if err != nil {
		reply.Error = err.Error()
		reply.ErrorCode = apperrors.CodeOf(err)
		if appErr := apperrors.GetAppError(err); appErr != nil {
			reply.Error = appErr.Message
			reply.Status = appErr.HTTPStatus
		}
	}

	data, merr := json.Marshal(reply)
	if merr != nil {
		b.logger.Errorw("failed to encode bus reply", "error", merr)
		return
	}
	if perr := b.client.Publish(ctx, f.ReplyTo, data).Err(); perr != nil {
		b.logger.Warnw("failed to publish bus reply",
			"reply_to", f.ReplyTo,
			"error", perr,
		)
	}
}

func (b *RedisMessageBus) deliverReply(f frame) {
	b.mu.Lock()
	reply, ok := b.pending[f.ID]
	b.mu.Unlock()
	if !ok {
		// The forwarder already timed out.
		return
	}
	select {
	case reply <- f:
	default:
	}
}

func (b *RedisMessageBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}
