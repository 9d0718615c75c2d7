package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	apperrors "meshroom/pkg/errors"
	rlog "meshroom/pkg/logger"
	"meshroom/pkg/tracing"
	"meshroom/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	errClientClosed = errors.New("connection closed")
	errSlowConsumer = errors.New("send buffer full")
)

// Options tunes the signaling endpoint.
type Options struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBufferSize int
	RequireToken   bool
	AllowedOrigins []string

	HandshakeTimeout time.Duration

	// Per-connection inbound limits; MessagesPerSecond 0 disables limiting.
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
	MaxConnections    int
}

func DefaultOptions() Options {
	return Options{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		SendBufferSize:    256,
		MessagesPerSecond: 50,
		Burst:             100,
		MaxMessageSize:    64 * 1024,
	}
}

// Metrics receives signaling counters.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	MessageReceived(messageType string)
	MessageRejected(messageType, code string)
}

type nopMetrics struct{}

func (nopMetrics) ConnectionOpened()              {}
func (nopMetrics) ConnectionClosed()              {}
func (nopMetrics) MessageReceived(string)         {}
func (nopMetrics) MessageRejected(string, string) {}

type client struct {
	id       domain.ConnectionID
	conn     *websocket.Conn
	send     chan Envelope
	done     chan struct{}
	once     sync.Once
	limiter  *rate.Limiter
	identity *domain.Identity
}

// enqueue never blocks: a client that cannot keep up is disconnected, which
// runs its leave.
func (c *client) enqueue(env Envelope) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	default:
		c.close()
		return errSlowConsumer
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Connections is the registry of open sockets. It is the presence manager's
// event sink.
type Connections struct {
	mu      sync.RWMutex
	clients map[domain.ConnectionID]*client
	logger  *zap.SugaredLogger
}

func NewConnections(logger *zap.SugaredLogger) *Connections {
	if logger == nil {
		logger = rlog.NewNop()
	}
	return &Connections{
		clients: make(map[domain.ConnectionID]*client),
		logger:  logger,
	}
}

func (cs *Connections) Deliver(connID domain.ConnectionID, evt domain.PresenceEvent) error {
	cs.mu.RLock()
	c, ok := cs.clients[connID]
	cs.mu.RUnlock()
	if !ok {
		return errClientClosed
	}

	err := c.enqueue(EnvelopeFromEvent(evt))
	if errors.Is(err, errSlowConsumer) {
		cs.logger.Warnw("closing slow connection",
			"connection_id", connID,
			"room_id", evt.RoomID,
			"event", evt.Type,
		)
	}
	return err
}

func (cs *Connections) Count() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.clients)
}

func (cs *Connections) add(c *client) {
	cs.mu.Lock()
	cs.clients[c.id] = c
	cs.mu.Unlock()
}

func (cs *Connections) remove(id domain.ConnectionID) {
	cs.mu.Lock()
	delete(cs.clients, id)
	cs.mu.Unlock()
}

// closeAll disconnects every client; their handlers then run the leave
// cascade.
func (cs *Connections) closeAll() {
	cs.mu.RLock()
	clients := make([]*client, 0, len(cs.clients))
	for _, c := range cs.clients {
		clients = append(clients, c)
	}
	cs.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}

type ServerOption func(*WebSocketServer)

func WithIdentity(identity ports.IdentityService) ServerOption {
	return func(s *WebSocketServer) { s.identity = identity }
}

func WithMetrics(m Metrics) ServerOption {
	return func(s *WebSocketServer) { s.metrics = m }
}

func WithServerLogger(logger *zap.SugaredLogger) ServerOption {
	return func(s *WebSocketServer) { s.logger = logger }
}

type WebSocketServer struct {
	conns    *Connections
	presence ports.PresenceService
	identity ports.IdentityService
	metrics  Metrics
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
	clog     *rlog.ContextLogger
}

func NewWebSocketServer(conns *Connections, presence ports.PresenceService, opts Options, options ...ServerOption) *WebSocketServer {
	s := &WebSocketServer{
		conns:    conns,
		presence: presence,
		metrics:  nopMetrics{},
		opts:     opts,
		logger:   rlog.New("info").Sugar(),
	}
	for _, o := range options {
		o(s)
	}
	s.clog = rlog.NewContextLogger(s.logger.Desugar())
	if s.opts.SendBufferSize <= 0 {
		s.opts.SendBufferSize = DefaultOptions().SendBufferSize
	}
	if s.opts.PingInterval <= 0 {
		s.opts.PingInterval = DefaultOptions().PingInterval
	}
	if s.opts.PongTimeout <= s.opts.PingInterval {
		s.opts.PongTimeout = 2 * s.opts.PingInterval
	}
	if s.opts.WriteTimeout <= 0 {
		s.opts.WriteTimeout = DefaultOptions().WriteTimeout
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: s.opts.HandshakeTimeout,
		CheckOrigin:      s.checkOrigin,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// resolveIdentity maps the optional token to an identity. A nil identity
// means the client names itself in join-room.
func (s *WebSocketServer) resolveIdentity(r *http.Request) (*domain.Identity, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	if token == "" {
		if s.opts.RequireToken {
			return nil, apperrors.NewUnauthorizedError("token required")
		}
		return nil, nil
	}
	if s.identity == nil {
		return nil, nil
	}
	id, err := s.identity.Resolve(r.Context(), token)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, "invalid token", http.StatusUnauthorized)
	}
	return &id, nil
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.opts.MaxConnections > 0 && s.conns.Count() >= s.opts.MaxConnections {
		s.logger.Warnw("rejecting connection, limit reached", "limit", s.opts.MaxConnections)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	identity, err := s.resolveIdentity(r)
	if err != nil {
		appErr := apperrors.GetAppError(err)
		s.logger.Infow("websocket authentication failed", "error", err)
		http.Error(w, appErr.Message, appErr.HTTPStatus)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:       domain.ConnectionID(utils.GenerateConnectionID()),
		conn:     conn,
		send:     make(chan Envelope, s.opts.SendBufferSize),
		done:     make(chan struct{}),
		identity: identity,
	}
	if s.opts.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.Burst)
	}

	s.conns.add(c)
	s.metrics.ConnectionOpened()
	s.logger.Infow("client connected", "connection_id", c.id, "remote_addr", r.RemoteAddr)

	go s.writePump(c)
	s.readPump(c)

	// Disconnect and explicit leave share one path; Leave is idempotent.
	s.presence.Leave(context.Background(), c.id)
	s.conns.remove(c.id)
	c.close()
	s.metrics.ConnectionClosed()
	s.logger.Infow("client disconnected", "connection_id", c.id)
}

func (s *WebSocketServer) readPump(c *client) {
	if s.opts.MaxMessageSize > 0 {
		c.conn.SetReadLimit(s.opts.MaxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message", "connection_id", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.reject(c, "", apperrors.NewInvalidInputError("malformed message"))
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			s.reject(c, env.Type, apperrors.NewRateLimitError())
			continue
		}

		s.metrics.MessageReceived(env.Type)
		if err := s.handleMessage(c, env); err != nil {
			s.reject(c, env.Type, err)
		}
	}
}

func (s *WebSocketServer) writePump(c *client) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := c.conn.WriteJSON(env); err != nil {
				s.logger.Infow("error writing message", "connection_id", c.id, "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "connection_id", c.id, "error", err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *WebSocketServer) handleMessage(c *client, env Envelope) error {
	ctx := rlog.WithConnectionID(context.Background(), string(c.id))
	if env.RoomID != "" {
		ctx = rlog.WithRoomID(ctx, string(env.RoomID))
	}
	ctx, span := tracing.TraceWebSocketMessage(ctx, env.Type, string(c.id))
	defer span.End()
	ctx = rlog.WithTraceID(ctx, tracing.TraceID(ctx))

	err := s.dispatch(ctx, c, env)
	tracing.RecordError(ctx, err)
	if err != nil && apperrors.GetAppError(err) == nil {
		s.clog.LogError(ctx, err, "message handling failed", zap.String("type", env.Type))
	}
	return err
}

func (s *WebSocketServer) dispatch(ctx context.Context, c *client, env Envelope) error {
	switch env.Type {
	case TypeJoinRoom:
		handle := env.PeerHandle.Handle()
		displayName := env.DisplayName
		if c.identity != nil {
			handle = c.identity.Handle
			displayName = utils.FirstNonEmpty(displayName, c.identity.DisplayName)
		}
		tracing.AddSpanAttributes(ctx, tracing.RoomIDKey.String(string(env.RoomID)), tracing.PeerHandleKey.String(string(handle)))
		_, err := s.presence.Join(ctx, c.id, env.RoomID, handle, displayName)
		return err

	case TypeLeaveRoom:
		s.presence.Leave(ctx, c.id)
		return nil

	case TypeChatMessage:
		return s.presence.RelayChat(ctx, c.id, env.Text)

	case TypeSignal:
		if env.PeerHandle == "" {
			return apperrors.NewInvalidInputError("peer_handle is required")
		}
		return s.presence.RelaySignal(ctx, c.id, env.PeerHandle.Handle(), env.Payload)

	case "":
		return apperrors.NewInvalidInputError("message type is required")
	default:
		return apperrors.NewInvalidInputError("unknown message type: " + env.Type)
	}
}

func (s *WebSocketServer) reject(c *client, messageType string, err error) {
	env := ErrorEnvelope(err)
	env.InReplyTo = messageType
	s.metrics.MessageRejected(messageType, env.Code)
	s.logger.Infow("message rejected",
		"connection_id", c.id,
		"type", messageType,
		"code", env.Code,
		"error", err,
	)
	if sendErr := c.enqueue(env); sendErr != nil {
		s.logger.Debugw("error envelope not sent", "connection_id", c.id, "error", sendErr)
	}
}

// Shutdown closes every open socket.
func (s *WebSocketServer) Shutdown() {
	s.conns.closeAll()
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	stats := s.presence.Stats()
	response := map[string]interface{}{
		"status":       "healthy",
		"timestamp":    time.Now().Unix(),
		"connections":  s.conns.Count(),
		"rooms":        stats.Rooms,
		"participants": stats.Participants,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
