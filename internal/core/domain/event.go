package domain

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventRoomJoined        EventType = "room-joined"
	EventParticipantJoined EventType = "participant-joined"
	EventParticipantLeft   EventType = "participant-left"
	EventChatMessage       EventType = "chat-message"
	EventSignal            EventType = "signal"
)

// PresenceEvent is a server to client notification. Seq is assigned by the
// room sequencer and increases by one per broadcast step in a room; signal
// relays are point to point and carry Seq 0.
type PresenceEvent struct {
	Type      EventType
	RoomID    RoomID
	Seq       uint64
	Timestamp time.Time

	// Subject of the event: the joiner, the leaver, the signal source, or
	// the recipient itself for room-joined.
	Handle      PeerHandle
	DisplayName string

	Participants []Member
	Chat         *ChatMessage
	Payload      json.RawMessage
}
