package domain

import (
	"encoding/json"
	"time"
)

// TrackKind distinguishes audio from video tracks.
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// TrackSource tags where a local track came from.
type TrackSource string

const (
	SourceMicrophone TrackSource = "microphone"
	SourceScreen     TrackSource = "screen"
)

// ContentHint tells the encoder what the video carries so it can trade
// spatial quality against motion smoothness.
type ContentHint string

const (
	HintNone   ContentHint = ""
	HintMotion ContentHint = "motion"
	HintDetail ContentHint = "detail"
	HintText   ContentHint = "text"
)

// TrackInfo describes a local media track as seen by the mesh. The pipeline
// owns the track itself; sessions hold non-owning references keyed by ID.
type TrackInfo struct {
	ID       string
	StreamID string
	Kind     TrackKind
	Source   TrackSource
	Hint     ContentHint
}

// DataMessageType tags messages on the per-peer data channel.
type DataMessageType string

const (
	DataChat     DataMessageType = "chat"
	DataSpeaking DataMessageType = "speaking"
	DataControl  DataMessageType = "control"
)

// DataChannelName is the label of the single bidirectional channel the
// initiator opens on every peer session.
const DataChannelName = "p2d-data"

// ChatMessage is an inbound chat line from a remote peer.
type ChatMessage struct {
	From      ParticipantID
	Text      string
	Timestamp int64
}

// DataMessage is one JSON frame on the data channel.
type DataMessage struct {
	Type      DataMessageType `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type ChatPayload struct {
	Text string `json:"text"`
}

type SpeakingPayload struct {
	Speaking bool `json:"speaking"`
}

// ControlPayload advertises local media flags to the remote peer.
type ControlPayload struct {
	Muted    bool `json:"muted"`
	Deafened bool `json:"deafened"`
}

func newDataMessage(t DataMessageType, v interface{}) DataMessage {
	raw, _ := json.Marshal(v)
	return DataMessage{Type: t, Payload: raw, Timestamp: time.Now().UnixMilli()}
}

func NewChatData(text string) DataMessage {
	return newDataMessage(DataChat, ChatPayload{Text: text})
}

func NewSpeakingData(speaking bool) DataMessage {
	return newDataMessage(DataSpeaking, SpeakingPayload{Speaking: speaking})
}

func NewControlData(muted, deafened bool) DataMessage {
	return newDataMessage(DataControl, ControlPayload{Muted: muted, Deafened: deafened})
}

func (m *DataMessage) DecodeChat() (ChatPayload, error) {
	var p ChatPayload
	err := json.Unmarshal(m.Payload, &p)
	return p, err
}

func (m *DataMessage) DecodeSpeaking() (SpeakingPayload, error) {
	var p SpeakingPayload
	err := json.Unmarshal(m.Payload, &p)
	return p, err
}

func (m *DataMessage) DecodeControl() (ControlPayload, error) {
	var p ControlPayload
	err := json.Unmarshal(m.Payload, &p)
	return p, err
}
