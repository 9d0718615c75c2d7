package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"meshroom/internal/core/domain"
	apperrors "meshroom/pkg/errors"
)

// Envelope types on the wire. chat-message and signal are used in both
// directions.
const (
	TypeJoinRoom          = "join-room"
	TypeLeaveRoom         = "leave-room"
	TypeChatMessage       = string(domain.EventChatMessage)
	TypeSignal            = string(domain.EventSignal)
	TypeRoomJoined        = string(domain.EventRoomJoined)
	TypeParticipantJoined = string(domain.EventParticipantJoined)
	TypeParticipantLeft   = string(domain.EventParticipantLeft)
	TypeError             = "error"
)

// Envelope is the single JSON shape exchanged over the signaling socket.
type Envelope struct {
	Type         string          `json:"type"`
	RoomID       domain.RoomID   `json:"room_id,omitempty"`
	PeerHandle   HandleRef       `json:"peer_handle,omitempty"`
	DisplayName  string          `json:"display_name,omitempty"`
	Participants []domain.Member `json:"participants,omitempty"`
	Seq          uint64          `json:"seq,omitempty"`
	Text         string          `json:"text,omitempty"`
	IsSystem     bool            `json:"is_system,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	// InReplyTo names the message type an error answers.
	InReplyTo string `json:"in_reply_to,omitempty"`
}

// HandleRef is a peer handle as sent by clients: either a bare string or an
// object carrying a peer_handle field.
type HandleRef string

func (h HandleRef) Handle() domain.PeerHandle {
	return domain.PeerHandle(h)
}

func (h *HandleRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*h = ""
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*h = HandleRef(s)
		return nil
	case '{':
		var obj struct {
			PeerHandle string `json:"peer_handle"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		*h = HandleRef(obj.PeerHandle)
		return nil
	default:
		return fmt.Errorf("peer_handle must be a string or an object, got %s", data)
	}
}

// EnvelopeFromEvent renders a presence event for a client.
func EnvelopeFromEvent(evt domain.PresenceEvent) Envelope {
	env := Envelope{
		Type:         string(evt.Type),
		RoomID:       evt.RoomID,
		PeerHandle:   HandleRef(evt.Handle),
		DisplayName:  evt.DisplayName,
		Participants: evt.Participants,
		Seq:          evt.Seq,
		Payload:      evt.Payload,
	}
	if !evt.Timestamp.IsZero() {
		env.Timestamp = evt.Timestamp.UnixMilli()
	}
	if evt.Type == domain.EventRoomJoined && env.Participants == nil {
		env.Participants = []domain.Member{}
	}
	if evt.Chat != nil {
		env.PeerHandle = HandleRef(evt.Chat.Sender)
		env.DisplayName = evt.Chat.DisplayName
		env.Text = evt.Chat.Text
		env.IsSystem = evt.Chat.IsSystem
	}
	return env
}

// Event converts a server envelope back into a presence event.
func (e Envelope) Event() (domain.PresenceEvent, error) {
	evt := domain.PresenceEvent{
		Type:         domain.EventType(e.Type),
		RoomID:       e.RoomID,
		Seq:          e.Seq,
		Handle:       e.PeerHandle.Handle(),
		DisplayName:  e.DisplayName,
		Participants: e.Participants,
		Payload:      e.Payload,
	}
	if e.Timestamp > 0 {
		evt.Timestamp = time.UnixMilli(e.Timestamp)
	}

	switch evt.Type {
	case domain.EventRoomJoined, domain.EventParticipantJoined, domain.EventParticipantLeft:
	case domain.EventChatMessage:
		evt.Chat = &domain.ChatMessage{
			RoomID:      e.RoomID,
			Sender:      e.PeerHandle.Handle(),
			DisplayName: e.DisplayName,
			Text:        e.Text,
			IsSystem:    e.IsSystem,
			SentAt:      evt.Timestamp,
		}
	case domain.EventSignal:
		if len(e.Payload) == 0 {
			return domain.PresenceEvent{}, fmt.Errorf("signal from %s without payload", e.PeerHandle)
		}
	default:
		return domain.PresenceEvent{}, fmt.Errorf("unexpected envelope type %q", e.Type)
	}
	return evt, nil
}

// ErrorEnvelope renders err for the client. Non-application errors are
// reported as internal errors without their detail.
func ErrorEnvelope(err error) Envelope {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return Envelope{Type: TypeError, Code: string(appErr.Code), Message: appErr.Message}
	}
	return Envelope{
		Type:    TypeError,
		Code:    string(apperrors.ErrCodeInternal),
		Message: "internal error",
	}
}
