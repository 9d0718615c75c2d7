package ports

import (
	"context"
	"encoding/json"

	"meshroom/internal/core/domain"
)

// EventSink delivers a presence event to one connection. Implementations
// must not block; the presence manager calls it while holding a room lock.
type EventSink interface {
	Deliver(connID domain.ConnectionID, evt domain.PresenceEvent) error
}

// PresenceObserver receives every broadcast step after it was delivered,
// together with the room's state after that step. A room with zero
// participants has been removed. Must not block.
type PresenceObserver interface {
	OnPresenceEvent(evt domain.PresenceEvent, room domain.RoomSummary)
}

type PresenceService interface {
	Join(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID, handle domain.PeerHandle, displayName string) (*domain.JoinAck, error)
	// Leave is idempotent; it reports whether a participant was removed.
	Leave(ctx context.Context, connID domain.ConnectionID) bool
	RelayChat(ctx context.Context, connID domain.ConnectionID, text string) error
	RelaySignal(ctx context.Context, connID domain.ConnectionID, target domain.PeerHandle, payload json.RawMessage) error

	Snapshot(roomID domain.RoomID) (*domain.Room, error)
	ListRooms() []domain.RoomSummary
	Stats() domain.PresenceStats
}

type IdentityService interface {
	// Resolve maps a bearer token to an identity.
	Resolve(ctx context.Context, token string) (domain.Identity, error)
	IssueToken(identity domain.Identity) (string, error)
}
