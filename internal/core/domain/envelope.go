package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnvelopeType tags the closed set of wire messages exchanged with the
// rendezvous server. Unknown tags are dropped at the boundary.
type EnvelopeType string

const (
	EnvelopeJoin         EnvelopeType = "join"
	EnvelopeJoinAck      EnvelopeType = "join_ack"
	EnvelopeLeave        EnvelopeType = "leave"
	EnvelopePeerJoined   EnvelopeType = "peer_joined"
	EnvelopePeerLeft     EnvelopeType = "peer_left"
	EnvelopeOffer        EnvelopeType = "offer"
	EnvelopeAnswer       EnvelopeType = "answer"
	EnvelopeIceCandidate EnvelopeType = "ice_candidate"
	EnvelopePing         EnvelopeType = "ping"
	EnvelopePong         EnvelopeType = "pong"
)

// Envelope is one JSON frame on the signaling stream. SenderID is injected
// by the server on relay; receivers route on it rather than trusting any
// sender-supplied id inside the payload.
type Envelope struct {
	Type      EnvelopeType    `json:"type"`
	RoomID    RoomID          `json:"roomId,omitempty"`
	TargetID  ParticipantID   `json:"targetId,omitempty"`
	SenderID  ParticipantID   `json:"senderId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Addressed reports whether the envelope is routed to a single peer rather
// than broadcast to the room.
func (e *Envelope) Addressed() bool {
	switch e.Type {
	case EnvelopeOffer, EnvelopeAnswer, EnvelopeIceCandidate:
		return true
	}
	return false
}

// Known reports whether the tag belongs to the closed union.
func (e *Envelope) Known() bool {
	switch e.Type {
	case EnvelopeJoin, EnvelopeJoinAck, EnvelopeLeave, EnvelopePeerJoined,
		EnvelopePeerLeft, EnvelopeOffer, EnvelopeAnswer, EnvelopeIceCandidate,
		EnvelopePing, EnvelopePong:
		return true
	}
	return false
}

// Payload bodies.

type JoinPayload struct {
	ParticipantID ParticipantID `json:"participantId,omitempty"`
	Name          string        `json:"name,omitempty"`
}

type JoinAckPayload struct {
	ParticipantID ParticipantID `json:"participantId"`
	Existing      []Participant `json:"existing"`
}

type LeavePayload struct {
	ParticipantID ParticipantID `json:"participantId"`
}

type PeerJoinedPayload struct {
	ParticipantID ParticipantID `json:"participantId"`
	Name          string        `json:"name,omitempty"`
}

type PeerLeftPayload struct {
	ParticipantID ParticipantID `json:"participantId"`
}

type SessionDescriptionPayload struct {
	SDP string `json:"sdp"`
}

type IceCandidatePayload struct {
	Candidate string `json:"candidate"`
}

func marshalPayload(t EnvelopeType, v interface{}) Envelope {
	raw, err := json.Marshal(v)
	if err != nil {
		// All payload types above marshal unconditionally.
		panic(fmt.Sprintf("marshal %s payload: %v", t, err))
	}
	return Envelope{Type: t, Payload: raw, Timestamp: time.Now().UnixMilli()}
}

// Constructors.

func NewJoin(room RoomID, id ParticipantID, name string) Envelope {
	e := marshalPayload(EnvelopeJoin, JoinPayload{ParticipantID: id, Name: name})
	e.RoomID = room
	return e
}

func NewJoinAck(room RoomID, id ParticipantID, existing []Participant) Envelope {
	if existing == nil {
		existing = []Participant{}
	}
	e := marshalPayload(EnvelopeJoinAck, JoinAckPayload{ParticipantID: id, Existing: existing})
	e.RoomID = room
	return e
}

func NewLeave(id ParticipantID) Envelope {
	return marshalPayload(EnvelopeLeave, LeavePayload{ParticipantID: id})
}

func NewPeerJoined(p Participant) Envelope {
	return marshalPayload(EnvelopePeerJoined, PeerJoinedPayload{ParticipantID: p.ID, Name: p.Name})
}

func NewPeerLeft(id ParticipantID) Envelope {
	return marshalPayload(EnvelopePeerLeft, PeerLeftPayload{ParticipantID: id})
}

func NewOffer(target ParticipantID, sdp string) Envelope {
	e := marshalPayload(EnvelopeOffer, SessionDescriptionPayload{SDP: sdp})
	e.TargetID = target
	return e
}

func NewAnswer(target ParticipantID, sdp string) Envelope {
	e := marshalPayload(EnvelopeAnswer, SessionDescriptionPayload{SDP: sdp})
	e.TargetID = target
	return e
}

func NewIceCandidate(target ParticipantID, candidate string) Envelope {
	e := marshalPayload(EnvelopeIceCandidate, IceCandidatePayload{Candidate: candidate})
	e.TargetID = target
	return e
}

func NewPing() Envelope {
	return Envelope{Type: EnvelopePing, Timestamp: time.Now().UnixMilli()}
}

func NewPong() Envelope {
	return Envelope{Type: EnvelopePong, Timestamp: time.Now().UnixMilli()}
}

// Decode helpers. Each fails with ErrInvalidEnvelope when the payload does
// not parse, so callers can treat all shapes of malformed input alike.

func decode(e *Envelope, want EnvelopeType, v interface{}) error {
	if e.Type != want {
		return fmt.Errorf("%w: decoding %s as %s", ErrInvalidEnvelope, e.Type, want)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrInvalidEnvelope, want)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidEnvelope, want, err)
	}
	return nil
}

func (e *Envelope) DecodeJoin() (JoinPayload, error) {
	var p JoinPayload
	err := decode(e, EnvelopeJoin, &p)
	return p, err
}

func (e *Envelope) DecodeJoinAck() (JoinAckPayload, error) {
	var p JoinAckPayload
	err := decode(e, EnvelopeJoinAck, &p)
	return p, err
}

func (e *Envelope) DecodeLeave() (LeavePayload, error) {
	var p LeavePayload
	err := decode(e, EnvelopeLeave, &p)
	return p, err
}

func (e *Envelope) DecodePeerJoined() (PeerJoinedPayload, error) {
	var p PeerJoinedPayload
	err := decode(e, EnvelopePeerJoined, &p)
	return p, err
}

func (e *Envelope) DecodePeerLeft() (PeerLeftPayload, error) {
	var p PeerLeftPayload
	err := decode(e, EnvelopePeerLeft, &p)
	return p, err
}

func (e *Envelope) DecodeSessionDescription() (SessionDescriptionPayload, error) {
	var p SessionDescriptionPayload
	if e.Type != EnvelopeOffer && e.Type != EnvelopeAnswer {
		return p, fmt.Errorf("%w: %s carries no session description", ErrInvalidEnvelope, e.Type)
	}
	err := decode(e, e.Type, &p)
	return p, err
}

func (e *Envelope) DecodeIceCandidate() (IceCandidatePayload, error) {
	var p IceCandidatePayload
	err := decode(e, EnvelopeIceCandidate, &p)
	return p, err
}
