package domain

import "errors"

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrAlreadyInRoom       = errors.New("participant already in a room")
	ErrNotInRoom           = errors.New("not joined to a room")
	ErrSessionClosed       = errors.New("peer session closed")
	ErrInvalidEnvelope     = errors.New("invalid envelope")
	ErrUnknownEnvelope     = errors.New("unknown envelope type")
	ErrNotConnected        = errors.New("signaling transport not connected")
	ErrDeviceUnavailable   = errors.New("media device unavailable")
	ErrTrackNotFound       = errors.New("track not found")
)
