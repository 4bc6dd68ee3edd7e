package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"watchsync/internal/core/domain"
	"watchsync/internal/core/ports"
	"watchsync/internal/core/services"
	apperrors "watchsync/pkg/errors"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config carries the gateway tunables.
type Config struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	AllowedOrigins    []string
	MessagesPerSecond float64
	MessageBurst      int
	MaxMessageSize    int64
}

// clientMessage is the inbound wire shape, mirroring the outbound
// {"type", "data"} wrapping.
type clientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type serverFrame struct {
	Type string               `json:"type"`
	Data domain.ServerMessage `json:"data"`
}

type errorFrame struct {
	Type string    `json:"type"`
	Data errorBody `json:"data"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WebSocketServer owns every client socket on this node. Each
// connection gets a buffered outbound queue drained by one writer
// goroutine, so room broadcasts never block on a slow socket.
type WebSocketServer struct {
	clients *services.ClientManager
	cfg     Config
	logger  *zap.SugaredLogger

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[domain.ClientID]*connection
}

type connection struct {
	id     domain.ClientID
	conn   *websocket.Conn
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

// Send queues msg for the connection's writer. A full queue means the
// client cannot keep up; the connection is dropped rather than letting
// the room block on it.
func (c *connection) Send(msg domain.ServerMessage) error {
	data, err := json.Marshal(serverFrame{Type: msg.MessageType(), Data: msg})
	if err != nil {
		return err
	}
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
		c.close()
		return apperrors.NewInternalError("client send queue overflow")
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

var _ ports.MessageSink = (*connection)(nil)

func NewWebSocketServer(clients *services.ClientManager, cfg Config, logger *zap.SugaredLogger) *WebSocketServer {
	s := &WebSocketServer{
		clients: clients,
		cfg:     cfg,
		logger:  logger,
		conns:   make(map[domain.ClientID]*connection),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades the connection and joins the client to the
// room named in the path query.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomName := r.URL.Query().Get("room")
	if roomName == "" {
		http.Error(w, "missing room query parameter", http.StatusBadRequest)
		return
	}
	token := r.URL.Query().Get("token")
	username := r.URL.Query().Get("username")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	conn := &connection{
		conn:   ws,
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}

	go s.writePump(conn)

	client, err := s.clients.Connect(r.Context(), roomName, token, username, conn)
	if err != nil {
		s.sendError(conn, err)
		time.Sleep(100 * time.Millisecond)
		conn.close()
		return
	}
	conn.id = client.ID

	s.mu.Lock()
	s.conns[client.ID] = conn
	s.mu.Unlock()

	s.readPump(conn, roomName)

	s.mu.Lock()
	delete(s.conns, client.ID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	s.clients.Disconnect(ctx, client.ID)
	cancel()
	conn.close()
}

func (s *WebSocketServer) readPump(conn *connection, roomName string) {
	ws := conn.conn
	if s.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageSize)
	}
	ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	limiter := rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.MessageBurst)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debugw("websocket read failed", "client", conn.id, "error", err)
			}
			return
		}

		if !limiter.Allow() {
			s.sendError(conn, apperrors.NewRateLimitError())
			continue
		}

		req, err := s.decode(data, conn.id)
		if err != nil {
			s.sendError(conn, err)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err = s.clients.MakeRoomRequest(ctx, roomName, req)
		cancel()
		if err != nil {
			s.sendError(conn, err)
		}
	}
}

// decode maps an inbound frame to a room request, pinning the actor to
// the connection's own client id so one client can never speak as
// another.
func (s *WebSocketServer) decode(data []byte, clientID domain.ClientID) (domain.RoomRequest, error) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, apperrors.NewValidationError("malformed message")
	}
	if msg.Type == "join" || msg.Type == "leave" {
		return nil, apperrors.NewValidationError("connection lifecycle is not message-driven")
	}

	wire, err := json.Marshal(struct {
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}{Kind: msg.Type, Payload: payloadOrEmpty(msg.Data)})
	if err != nil {
		return nil, apperrors.NewInternalError("could not re-encode message")
	}

	req, err := domain.DecodeRequest(wire)
	if err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}
	setActor(req, clientID)
	return req, nil
}

func payloadOrEmpty(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage("{}")
	}
	return data
}

// setActor overwrites the request's client field with the
// authenticated connection identity.
func setActor(req domain.RoomRequest, id domain.ClientID) {
	switch r := req.(type) {
	case *domain.PlaybackRequest:
		r.Client = id
	case *domain.SkipRequest:
		r.Client = id
	case *domain.SeekRequest:
		r.Client = id
	case *domain.AddRequest:
		r.Client = id
	case *domain.RemoveRequest:
		r.Client = id
	case *domain.OrderRequest:
		r.Client = id
	case *domain.VoteRequest:
		r.Client = id
	case *domain.PromoteRequest:
		r.Client = id
	case *domain.UpdateUserRequest:
		r.Client = id
	case *domain.ChatRequest:
		r.Client = id
	case *domain.UndoRequest:
		r.Client = id
	case *domain.ApplySettingsRequest:
		r.Client = id
	}
}

func (s *WebSocketServer) writePump(conn *connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-conn.out:
			conn.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				conn.close()
				return
			}
		case <-ticker.C:
			conn.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.close()
				return
			}
		case <-conn.closed:
			return
		}
	}
}

func (s *WebSocketServer) sendError(conn *connection, err error) {
	body := errorBody{Code: string(apperrors.ErrCodeInternal), Message: "internal error"}
	if appErr := apperrors.GetAppError(err); appErr != nil {
		body = errorBody{Code: string(appErr.Code), Message: appErr.Message}
	}
	data, merr := json.Marshal(errorFrame{Type: "error", Data: body})
	if merr != nil {
		return
	}
	select {
	case conn.out <- data:
	case <-conn.closed:
	default:
	}
}

// Shutdown closes every open connection.
func (s *WebSocketServer) Shutdown() {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}
