package ports

import (
	"context"

	"meshroom/internal/core/domain"
)

// SignalingClient is the client side of the signaling channel.
type SignalingClient interface {
	JoinRoom(ctx context.Context, roomID domain.RoomID, handle domain.PeerHandle, displayName string) error
	LeaveRoom(ctx context.Context) error
	SendChat(ctx context.Context, text string) error
	SendSignal(ctx context.Context, to domain.PeerHandle, sig domain.Signal) error
}

// Track is an outgoing media track handed to sessions. Kind is "audio" or
// "video"; replacing a track swaps the one with the same kind.
type Track interface {
	ID() string
	StreamID() string
	Kind() string
}

// InboundStream is remote media observed on a session.
type InboundStream interface {
	ID() string
}

// SessionCallbacks are invoked from engine goroutines. Callers must hand
// them off to their own event loop.
type SessionCallbacks struct {
	OnLocalCandidate func(domain.ICECandidate)
	OnInboundStream  func(InboundStream)
	OnClosed         func()
	OnError          func(error)
}

// MediaEngine is the point-to-point negotiation primitive.
type MediaEngine interface {
	// LocalTracks returns the current outgoing tracks, or
	// domain.ErrMediaUnavailable when local capture is not ready yet.
	LocalTracks() ([]Track, error)
	NewSession(remote domain.PeerHandle, tracks []Track, cb SessionCallbacks) (MediaSession, error)
}

type MediaSession interface {
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	ApplyRemoteDescription(ctx context.Context, kind domain.SignalKind, sdp string) error
	AddICECandidate(c domain.ICECandidate) error
	ReplaceOutgoingTrack(track Track) error
	Close() error
}

// Renderer owns the visible outputs, one per remote handle.
type Renderer interface {
	Attach(remote domain.PeerHandle, stream InboundStream) error
	Detach(remote domain.PeerHandle)
	Outputs() []domain.PeerHandle
}
