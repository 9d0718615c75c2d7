package domain

import "time"

type RoomID string
type ConnectionID string
type PeerHandle string

type Participant struct {
	ConnectionID ConnectionID
	Handle       PeerHandle
	DisplayName  string
	JoinedAt     time.Time
}

// Member is the public view of a participant sent to other clients.
func (p Participant) Member() Member {
	return Member{Handle: p.Handle, DisplayName: p.DisplayName}
}

type Member struct {
	Handle      PeerHandle `json:"peer_handle"`
	DisplayName string     `json:"display_name"`
}

// Room is a point-in-time copy of an authoritative room.
type Room struct {
	ID           RoomID
	CreatedAt    time.Time
	Participants []Participant
	Seq          uint64
}

type RoomSummary struct {
	ID               RoomID    `json:"room_id"`
	ParticipantCount int       `json:"participant_count"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type PresenceStats struct {
	Rooms        int `json:"rooms"`
	Participants int `json:"participants"`
}

// JoinAck is returned to a joiner; Participants lists the other members in
// join order.
type JoinAck struct {
	RoomID       RoomID
	Self         Member
	Participants []Member
	Seq          uint64
}
