package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	apperrors "meshroom/pkg/errors"
	"meshroom/pkg/tracing"
	"meshroom/pkg/utils"
	"meshroom/pkg/validation"

	"go.uber.org/zap"
)

// room is the authoritative state of one room. Every mutation and every
// delivery for the room happens with mu held, which makes mu the room's
// sequencer. A closed room has been removed from the room map and must not
// be mutated again.
type room struct {
	mu        sync.Mutex
	id        domain.RoomID
	createdAt time.Time
	updatedAt time.Time
	seq       uint64
	closed    bool

	members map[domain.ConnectionID]*domain.Participant
	handles map[domain.PeerHandle]domain.ConnectionID
	order   []domain.ConnectionID
}

func newRoom(id domain.RoomID, now time.Time) *room {
	return &room{
		id:        id,
		createdAt: now,
		updatedAt: now,
		members:   make(map[domain.ConnectionID]*domain.Participant),
		handles:   make(map[domain.PeerHandle]domain.ConnectionID),
	}
}

func (r *room) summary() domain.RoomSummary {
	return domain.RoomSummary{
		ID:               r.id,
		ParticipantCount: len(r.members),
		CreatedAt:        r.createdAt,
		UpdatedAt:        r.updatedAt,
	}
}

func (r *room) remove(connID domain.ConnectionID) {
	p := r.members[connID]
	delete(r.members, connID)
	delete(r.handles, p.Handle)
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

type PresenceOption func(*presenceService)

func WithLogger(logger *zap.SugaredLogger) PresenceOption {
	return func(s *presenceService) { s.logger = logger }
}

func WithObserver(o ports.PresenceObserver) PresenceOption {
	return func(s *presenceService) { s.observers = append(s.observers, o) }
}

// WithSystemNotices toggles the "<name> joined/left" chat notices.
func WithSystemNotices(enabled bool) PresenceOption {
	return func(s *presenceService) { s.systemNotices = enabled }
}

func WithMaxChatLength(n int) PresenceOption {
	return func(s *presenceService) { s.maxChatLength = n }
}

// WithMaxParticipants caps room size; 0 means unlimited.
func WithMaxParticipants(n int) PresenceOption {
	return func(s *presenceService) { s.maxParticipants = n }
}

func WithClock(now func() time.Time) PresenceOption {
	return func(s *presenceService) { s.now = now }
}

type presenceService struct {
	rooms sync.Map // domain.RoomID -> *room
	conns sync.Map // domain.ConnectionID -> domain.RoomID

	sink      ports.EventSink
	observers []ports.PresenceObserver

	systemNotices   bool
	maxChatLength   int
	maxParticipants int

	now    func() time.Time
	logger *zap.SugaredLogger
}

func NewPresenceService(sink ports.EventSink, opts ...PresenceOption) ports.PresenceService {
	s := &presenceService{
		sink:          sink,
		systemNotices: true,
		maxChatLength: domain.MaxChatLength,
		now:           time.Now,
		logger:        zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lockRoom returns the live room for id with its lock held, creating it when
// create is set. It skips rooms that were closed between lookup and lock.
func (s *presenceService) lockRoom(id domain.RoomID, create bool) *room {
	for {
		var r *room
		if create {
			v, _ := s.rooms.LoadOrStore(id, newRoom(id, s.now()))
			r = v.(*room)
		} else {
			v, ok := s.rooms.Load(id)
			if !ok {
				return nil
			}
			r = v.(*room)
		}

		r.mu.Lock()
		if !r.closed {
			return r
		}
		r.mu.Unlock()
	}
}

func (s *presenceService) Join(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID, handle domain.PeerHandle, displayName string) (_ *domain.JoinAck, err error) {
	ctx, span := tracing.TracePresence(ctx, "join", string(roomID))
	start := time.Now()
	defer func() {
		tracing.RecordError(ctx, err)
		tracing.MeasureDuration(ctx, start, "join")
		span.End()
	}()

	if err := validation.ValidateRoomID(string(roomID)); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidatePeerHandle(string(handle)); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateDisplayName(displayName); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	displayName = utils.FirstNonEmpty(utils.SanitizeString(displayName), utils.DefaultDisplayName(string(handle)))

	if current, loaded := s.conns.LoadOrStore(connID, roomID); loaded {
		return nil, apperrors.NewAlreadyInRoomError(domain.ErrAlreadyInRoom).
			WithContext("room_id", current)
	}

	r := s.lockRoom(roomID, true)
	defer r.mu.Unlock()

	if _, taken := r.handles[handle]; taken {
		s.releaseIfEmpty(r)
		s.conns.CompareAndDelete(connID, roomID)
		return nil, apperrors.WrapError(domain.ErrHandleInUse, apperrors.ErrCodeConflict,
			"peer handle already in use in this room", http.StatusConflict).
			WithContext("peer_handle", handle)
	}
	if s.maxParticipants > 0 && len(r.members) >= s.maxParticipants {
		s.releaseIfEmpty(r)
		s.conns.CompareAndDelete(connID, roomID)
		return nil, apperrors.WrapError(domain.ErrRoomFull, apperrors.ErrCodeConflict,
			"room is full", http.StatusConflict).
			WithContext("room_id", roomID)
	}

	roster := make([]domain.Member, 0, len(r.order))
	for _, id := range r.order {
		roster = append(roster, r.members[id].Member())
	}

	now := s.now()
	p := &domain.Participant{
		ConnectionID: connID,
		Handle:       handle,
		DisplayName:  displayName,
		JoinedAt:     now,
	}
	r.members[connID] = p
	r.handles[handle] = connID
	r.order = append(r.order, connID)
	r.updatedAt = now
	r.seq++

	ack := &domain.JoinAck{
		RoomID:       roomID,
		Self:         p.Member(),
		Participants: roster,
		Seq:          r.seq,
	}

	s.deliver(connID, domain.PresenceEvent{
		Type:         domain.EventRoomJoined,
		RoomID:       roomID,
		Seq:          r.seq,
		Timestamp:    now,
		Handle:       handle,
		DisplayName:  displayName,
		Participants: roster,
	})

	joined := domain.PresenceEvent{
		Type:        domain.EventParticipantJoined,
		RoomID:      roomID,
		Seq:         r.seq,
		Timestamp:   now,
		Handle:      handle,
		DisplayName: displayName,
	}
	s.broadcast(r, connID, joined)
	s.notify(joined, r.summary())

	if s.systemNotices {
		s.broadcastChat(r, connID, domain.NewSystemNotice(roomID, fmt.Sprintf("%s joined", displayName), now))
	}

	s.logger.Infow("participant joined",
		"room_id", roomID,
		"connection_id", connID,
		"peer_handle", handle,
		"participants", len(r.members),
	)
	return ack, nil
}

// releaseIfEmpty drops a room that was created for a join that then failed.
func (s *presenceService) releaseIfEmpty(r *room) {
	if len(r.members) == 0 {
		r.closed = true
		s.rooms.CompareAndDelete(r.id, r)
	}
}

func (s *presenceService) Leave(ctx context.Context, connID domain.ConnectionID) bool {
	v, ok := s.conns.Load(connID)
	if !ok {
		return false
	}
	roomID := v.(domain.RoomID)

	r := s.lockRoom(roomID, false)
	if r == nil {
		s.conns.CompareAndDelete(connID, roomID)
		return false
	}
	defer r.mu.Unlock()

	p, ok := r.members[connID]
	if !ok {
		return false
	}

	now := s.now()
	r.remove(connID)
	r.updatedAt = now
	r.seq++
	s.conns.CompareAndDelete(connID, roomID)

	left := domain.PresenceEvent{
		Type:        domain.EventParticipantLeft,
		RoomID:      roomID,
		Seq:         r.seq,
		Timestamp:   now,
		Handle:      p.Handle,
		DisplayName: p.DisplayName,
	}
	s.broadcast(r, connID, left)

	if s.systemNotices && len(r.members) > 0 {
		s.broadcastChat(r, connID, domain.NewSystemNotice(roomID, fmt.Sprintf("%s left", p.DisplayName), now))
	}

	if len(r.members) == 0 {
		r.closed = true
		s.rooms.CompareAndDelete(roomID, r)
		s.logger.Infow("room removed", "room_id", roomID)
	}
	s.notify(left, r.summary())

	s.logger.Infow("participant left",
		"room_id", roomID,
		"connection_id", connID,
		"peer_handle", p.Handle,
		"participants", len(r.members),
	)
	return true
}

func (s *presenceService) RelayChat(ctx context.Context, connID domain.ConnectionID, text string) error {
	r, p, err := s.memberRoom(connID)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()

	text = strings.TrimSpace(text)
	if err := validation.ValidateChatText(text, s.maxChatLength); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}

	s.broadcastChat(r, connID, domain.ChatMessage{
		RoomID:      r.id,
		Sender:      p.Handle,
		DisplayName: p.DisplayName,
		Text:        text,
		SentAt:      s.now(),
	})
	return nil
}

func (s *presenceService) RelaySignal(ctx context.Context, connID domain.ConnectionID, target domain.PeerHandle, payload json.RawMessage) error {
	if len(payload) == 0 || !json.Valid(payload) {
		return apperrors.NewInvalidInputError("signal payload must be a JSON value")
	}

	r, p, err := s.memberRoom(connID)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()

	targetConn, ok := r.handles[target]
	if !ok || targetConn == connID {
		return apperrors.WrapError(domain.ErrPeerNotFound, apperrors.ErrCodeNotFound,
			"target peer is not in this room", http.StatusNotFound).
			WithContext("peer_handle", target)
	}

	evt := domain.PresenceEvent{
		Type:        domain.EventSignal,
		RoomID:      r.id,
		Timestamp:   s.now(),
		Handle:      p.Handle,
		DisplayName: p.DisplayName,
		Payload:     payload,
	}
	s.deliver(targetConn, evt)
	s.notify(evt, r.summary())
	return nil
}

// memberRoom returns the sender's room locked, along with the sender.
func (s *presenceService) memberRoom(connID domain.ConnectionID) (*room, *domain.Participant, error) {
	v, ok := s.conns.Load(connID)
	if !ok {
		return nil, nil, apperrors.NewNotInRoomError(domain.ErrNotInRoom)
	}
	r := s.lockRoom(v.(domain.RoomID), false)
	if r == nil {
		return nil, nil, apperrors.NewNotInRoomError(domain.ErrNotInRoom)
	}
	p, ok := r.members[connID]
	if !ok {
		r.mu.Unlock()
		return nil, nil, apperrors.NewNotInRoomError(domain.ErrNotInRoom)
	}
	return r, p, nil
}

func (s *presenceService) broadcastChat(r *room, sender domain.ConnectionID, msg domain.ChatMessage) {
	r.seq++
	evt := domain.PresenceEvent{
		Type:        domain.EventChatMessage,
		RoomID:      r.id,
		Seq:         r.seq,
		Timestamp:   msg.SentAt,
		Handle:      msg.Sender,
		DisplayName: msg.DisplayName,
		Chat:        &msg,
	}
	s.broadcast(r, sender, evt)
	s.notify(evt, r.summary())
}

// broadcast delivers evt to every member except the excluded connection, in
// join order. Must be called with r.mu held.
func (s *presenceService) broadcast(r *room, exclude domain.ConnectionID, evt domain.PresenceEvent) {
	for _, id := range r.order {
		if id == exclude {
			continue
		}
		s.deliver(id, evt)
	}
}

func (s *presenceService) deliver(connID domain.ConnectionID, evt domain.PresenceEvent) {
	if err := s.sink.Deliver(connID, evt); err != nil {
		// The recipient's transport is gone or closing; its own leave follows.
		s.logger.Warnw("event delivery failed",
			"room_id", evt.RoomID,
			"connection_id", connID,
			"event", evt.Type,
			"error", err,
		)
	}
}

func (s *presenceService) notify(evt domain.PresenceEvent, summary domain.RoomSummary) {
	for _, o := range s.observers {
		o.OnPresenceEvent(evt, summary)
	}
}

func (s *presenceService) Snapshot(roomID domain.RoomID) (*domain.Room, error) {
	r := s.lockRoom(roomID, false)
	if r == nil {
		return nil, apperrors.WrapError(domain.ErrRoomNotFound, apperrors.ErrCodeNotFound,
			"room not found", http.StatusNotFound)
	}
	defer r.mu.Unlock()

	snap := &domain.Room{
		ID:           r.id,
		CreatedAt:    r.createdAt,
		Seq:          r.seq,
		Participants: make([]domain.Participant, 0, len(r.order)),
	}
	for _, id := range r.order {
		snap.Participants = append(snap.Participants, *r.members[id])
	}
	return snap, nil
}

func (s *presenceService) ListRooms() []domain.RoomSummary {
	var out []domain.RoomSummary
	s.rooms.Range(func(_, v any) bool {
		r := v.(*room)
		r.mu.Lock()
		if !r.closed {
			out = append(out, r.summary())
		}
		r.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *presenceService) Stats() domain.PresenceStats {
	var stats domain.PresenceStats
	for _, summary := range s.ListRooms() {
		stats.Rooms++
		stats.Participants += summary.ParticipantCount
	}
	return stats
}
