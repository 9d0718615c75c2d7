package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"meshroom/internal/core/domain"
	apperrors "meshroom/pkg/errors"
	rlog "meshroom/pkg/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("signaling client not connected")

// EventHandler consumes what the coordinator sends. The mesh orchestrator
// implements it.
type EventHandler interface {
	HandleEvent(evt domain.PresenceEvent)
	HandleTransportLost(err error)
	// HandleJoinRejected receives the coordinator's answer to a join-room
	// that did not succeed.
	HandleJoinRejected(err error)
}

type ClientOption func(*Client)

// WithServerErrors registers a callback for error envelopes.
func WithServerErrors(fn func(code, message string)) ClientOption {
	return func(c *Client) { c.onServerError = fn }
}

func WithClientLogger(logger *zap.SugaredLogger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func WithWriteTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.writeTimeout = d }
}

// Client is the peer side of the signaling channel.
type Client struct {
	serverURL    string
	token        string
	writeTimeout time.Duration
	dialer       *websocket.Dialer

	onServerError func(code, message string)
	logger        *zap.SugaredLogger

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	closing bool
}

func NewClient(serverURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		serverURL:    serverURL,
		token:        token,
		writeTimeout: 10 * time.Second,
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:       rlog.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.onServerError == nil {
		c.onServerError = func(code, message string) {
			c.logger.Warnw("server rejected message", "code", code, "message", message)
		}
	}
	return c
}

// Connect dials the coordinator and starts delivering events to handler.
// It may be called again after the previous connection ended.
func (c *Client) Connect(ctx context.Context, handler EventHandler) error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	if c.token != "" {
		q := u.Query()
		q.Set("token", c.token)
		u.RawQuery = q.Encode()
	}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, "coordinator rejected token", http.StatusUnauthorized)
		}
		return apperrors.NewTransportDisconnectedError(err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		conn.Close()
		return errors.New("signaling client already connected")
	}
	c.conn = conn
	c.done = done
	c.closing = false
	c.mu.Unlock()

	c.logger.Infow("connected to coordinator", "url", c.serverURL)
	go c.readLoop(conn, done, handler)
	return nil
}

// Done is closed when the current connection ends.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.closing = true
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}, handler EventHandler) {
	defer close(done)

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			closing := c.closing
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()

			conn.Close()
			if !closing {
				c.logger.Warnw("signaling connection lost", "error", err)
				handler.HandleTransportLost(err)
			}
			return
		}

		if env.Type == TypeError {
			if env.InReplyTo == TypeJoinRoom {
				c.logger.Infow("join rejected", "code", env.Code, "message", env.Message)
				handler.HandleJoinRejected(apperrors.FromCode(apperrors.ErrorCode(env.Code), env.Message))
				continue
			}
			c.onServerError(env.Code, env.Message)
			continue
		}
		evt, err := env.Event()
		if err != nil {
			c.logger.Warnw("dropping unexpected envelope", "type", env.Type, "error", err)
			continue
		}
		handler.HandleEvent(evt)
	}
}

func (c *Client) write(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return apperrors.NewTransportDisconnectedError(ErrNotConnected)
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(env); err != nil {
		return apperrors.NewTransportDisconnectedError(err)
	}
	return nil
}

func (c *Client) JoinRoom(ctx context.Context, roomID domain.RoomID, handle domain.PeerHandle, displayName string) error {
	return c.write(ctx, Envelope{
		Type:        TypeJoinRoom,
		RoomID:      roomID,
		PeerHandle:  HandleRef(handle),
		DisplayName: displayName,
	})
}

func (c *Client) LeaveRoom(ctx context.Context) error {
	return c.write(ctx, Envelope{Type: TypeLeaveRoom})
}

func (c *Client) SendChat(ctx context.Context, text string) error {
	return c.write(ctx, Envelope{Type: TypeChatMessage, Text: text})
}

func (c *Client) SendSignal(ctx context.Context, to domain.PeerHandle, sig domain.Signal) error {
	payload, err := sig.Encode()
	if err != nil {
		return err
	}
	return c.write(ctx, Envelope{Type: TypeSignal, PeerHandle: HandleRef(to), Payload: payload})
}
