package domain

import "errors"

var (
	ErrAlreadyInRoom         = errors.New("connection already in a room")
	ErrNotInRoom             = errors.New("connection not in a room")
	ErrHandleInUse           = errors.New("peer handle already in use in room")
	ErrRoomFull              = errors.New("room is full")
	ErrRoomNotFound          = errors.New("room not found")
	ErrPeerNotFound          = errors.New("peer not found")
	ErrNegotiationFailed     = errors.New("negotiation failed")
	ErrMediaUnavailable      = errors.New("local media unavailable")
	ErrTransportDisconnected = errors.New("transport disconnected")
	ErrInvalidSignal         = errors.New("invalid negotiation payload")
)
