package domain

import "time"

const (
	MaxChatLength     = 500
	SystemDisplayName = "System"
)

type ChatMessage struct {
	RoomID      RoomID
	Sender      PeerHandle
	DisplayName string
	Text        string
	IsSystem    bool
	SentAt      time.Time
}

func NewSystemNotice(roomID RoomID, text string, at time.Time) ChatMessage {
	return ChatMessage{
		RoomID:      roomID,
		DisplayName: SystemDisplayName,
		Text:        text,
		IsSystem:    true,
		SentAt:      at,
	}
}
