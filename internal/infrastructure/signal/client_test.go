package signal

import (
	"context"
	"sync"
	"testing"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	apperrors "meshroom/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ ports.SignalingClient = (*Client)(nil)

type recordingHandler struct {
	mu       sync.Mutex
	events   []domain.PresenceEvent
	lost     []error
	rejected []error
}

func (h *recordingHandler) HandleEvent(evt domain.PresenceEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, evt)
}

func (h *recordingHandler) HandleTransportLost(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lost = append(h.lost, err)
}

func (h *recordingHandler) HandleJoinRejected(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rejected = append(h.rejected, err)
}

func (h *recordingHandler) rejections() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.rejected...)
}

func (h *recordingHandler) types() []domain.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.EventType, 0, len(h.events))
	for _, e := range h.events {
		out = append(out, e.Type)
	}
	return out
}

func (h *recordingHandler) find(t domain.EventType) *domain.PresenceEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.events {
		if h.events[i].Type == t {
			e := h.events[i]
			return &e
		}
	}
	return nil
}

func (h *recordingHandler) lostCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.lost)
}

func TestClient_JoinChatAndSignal(t *testing.T) {
	srv := newTestServer(t, DefaultOptions())
	ctx := context.Background()

	handler := &recordingHandler{}
	c := NewClient(srv.wsURL(""), "")
	require.NoError(t, c.Connect(ctx, handler))
	defer c.Close()

	require.NoError(t, c.JoinRoom(ctx, "ABC123", "p1", "Alice"))
	require.Eventually(t, func() bool { return handler.find(domain.EventRoomJoined) != nil }, 2*time.Second, 10*time.Millisecond)

	other := srv.dial(t)
	join(t, other, "ABC123", "p2", "Bob")

	require.Eventually(t, func() bool { return handler.find(domain.EventParticipantJoined) != nil }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.PeerHandle("p2"), handler.find(domain.EventParticipantJoined).Handle)

	send(t, other, map[string]interface{}{
		"type":        TypeSignal,
		"peer_handle": "p1",
		"payload":     map[string]string{"kind": "answer", "sdp": "v=0"},
	})
	require.Eventually(t, func() bool { return handler.find(domain.EventSignal) != nil }, 2*time.Second, 10*time.Millisecond)
	sig, err := domain.DecodeSignal(handler.find(domain.EventSignal).Payload)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalAnswer, sig.Kind)

	require.NoError(t, c.SendChat(ctx, "hello"))
	for {
		env := recv(t, other)
		if env.Type == TypeChatMessage && !env.IsSystem {
			assert.Equal(t, "hello", env.Text)
			assert.Equal(t, "Alice", env.DisplayName)
			break
		}
	}

	require.NoError(t, c.SendSignal(ctx, "p2", domain.Signal{Kind: domain.SignalOffer, SDP: "v=0"}))
	env := recv(t, other)
	assert.Equal(t, TypeSignal, env.Type)
	assert.Equal(t, HandleRef("p1"), env.PeerHandle)
}

func TestClient_ServerErrorsGoToCallback(t *testing.T) {
	srv := newTestServer(t, DefaultOptions())

	codes := make(chan string, 1)
	c := NewClient(srv.wsURL(""), "", WithServerErrors(func(code, message string) { codes <- code }))
	require.NoError(t, c.Connect(context.Background(), &recordingHandler{}))
	defer c.Close()

	require.NoError(t, c.SendChat(context.Background(), "nobody here"))
	select {
	case code := <-codes:
		assert.Equal(t, string(apperrors.ErrCodeNotInRoom), code)
	case <-time.After(2 * time.Second):
		t.Fatal("no error envelope")
	}
}

func TestClient_JoinRejectionGoesToHandler(t *testing.T) {
	srv := newTestServer(t, DefaultOptions())
	ctx := context.Background()
	other := srv.dial(t)
	join(t, other, "ABC123", "p1", "Alice")

	codes := make(chan string, 1)
	handler := &recordingHandler{}
	c := NewClient(srv.wsURL(""), "", WithServerErrors(func(code, message string) { codes <- code }))
	require.NoError(t, c.Connect(ctx, handler))
	defer c.Close()

	require.NoError(t, c.JoinRoom(ctx, "ABC123", "p1", "Imposter"))
	require.Eventually(t, func() bool { return len(handler.rejections()) == 1 }, 2*time.Second, 10*time.Millisecond)

	err := handler.rejections()[0]
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConflict), "got %v", err)
	assert.Nil(t, handler.find(domain.EventRoomJoined))
	select {
	case code := <-codes:
		t.Fatalf("join rejection also reached the generic callback: %s", code)
	default:
	}

	// The same connection can join once the handle is free.
	require.NoError(t, c.JoinRoom(ctx, "ABC123", "p3", "Carol"))
	require.Eventually(t, func() bool { return handler.find(domain.EventRoomJoined) != nil }, 2*time.Second, 10*time.Millisecond)
}

func TestClient_TransportLost(t *testing.T) {
	srv := newTestServer(t, DefaultOptions())
	handler := &recordingHandler{}
	c := NewClient(srv.wsURL(""), "")
	require.NoError(t, c.Connect(context.Background(), handler))

	srv.ws.Shutdown()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the disconnect")
	}
	assert.Equal(t, 1, handler.lostCount())

	err := c.SendChat(context.Background(), "hi")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTransportDisconnected))

	// reconnect works on the same client
	require.NoError(t, c.Connect(context.Background(), handler))
	require.NoError(t, c.Close())
	<-c.Done()
	assert.Equal(t, 1, handler.lostCount(), "explicit close is not a transport loss")
}

func TestClient_ConnectFailure(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/ws", "")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := c.Connect(ctx, &recordingHandler{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTransportDisconnected))
}
