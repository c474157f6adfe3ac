package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeKnown(t *testing.T) {
	for _, typ := range []EnvelopeType{
		EnvelopeJoin, EnvelopeJoinAck, EnvelopeLeave, EnvelopePeerJoined,
		EnvelopePeerLeft, EnvelopeOffer, EnvelopeAnswer, EnvelopeIceCandidate,
		EnvelopePing, EnvelopePong,
	} {
		e := Envelope{Type: typ}
		assert.True(t, e.Known(), "type %s should be known", typ)
	}

	unknown := Envelope{Type: "renegotiate_v2"}
	assert.False(t, unknown.Known())
}

func TestEnvelopeAddressed(t *testing.T) {
	assert.True(t, (&Envelope{Type: EnvelopeOffer}).Addressed())
	assert.True(t, (&Envelope{Type: EnvelopeAnswer}).Addressed())
	assert.True(t, (&Envelope{Type: EnvelopeIceCandidate}).Addressed())
	assert.False(t, (&Envelope{Type: EnvelopeJoin}).Addressed())
	assert.False(t, (&Envelope{Type: EnvelopePing}).Addressed())
}

func TestJoinRoundTrip(t *testing.T) {
	env := NewJoin("room-1", "alice", "Alice")
	require.Equal(t, EnvelopeJoin, env.Type)
	require.Equal(t, RoomID("room-1"), env.RoomID)
	require.NotZero(t, env.Timestamp)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))

	payload, err := decoded.DecodeJoin()
	require.NoError(t, err)
	assert.Equal(t, ParticipantID("alice"), payload.ParticipantID)
	assert.Equal(t, "Alice", payload.Name)
}

func TestJoinAckKeepsEmptyExisting(t *testing.T) {
	env := NewJoinAck("room-1", "alice", nil)
	payload, err := env.DecodeJoinAck()
	require.NoError(t, err)
	assert.NotNil(t, payload.Existing)
	assert.Empty(t, payload.Existing)
}

func TestOfferCarriesTarget(t *testing.T) {
	env := NewOffer("bob", "v=0...")
	assert.Equal(t, ParticipantID("bob"), env.TargetID)

	payload, err := env.DecodeSessionDescription()
	require.NoError(t, err)
	assert.Equal(t, "v=0...", payload.SDP)
}

func TestDecodeWrongType(t *testing.T) {
	env := NewPing()
	_, err := env.DecodeJoin()
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestDecodeMalformedPayload(t *testing.T) {
	env := Envelope{Type: EnvelopeJoin, Payload: json.RawMessage(`{"participantId": 42}`)}
	_, err := env.DecodeJoin()
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestDecodeMissingPayload(t *testing.T) {
	env := Envelope{Type: EnvelopeOffer}
	_, err := env.DecodeSessionDescription()
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestSessionDescriptionOnSignalTypesOnly(t *testing.T) {
	env := NewPing()
	_, err := env.DecodeSessionDescription()
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestDataMessageRoundTrip(t *testing.T) {
	msg := NewChatData("hello")
	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded DataMessage
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, DataChat, decoded.Type)

	chat, err := decoded.DecodeChat()
	require.NoError(t, err)
	assert.Equal(t, "hello", chat.Text)

	speakingMsg := NewSpeakingData(true)
	speaking, err := speakingMsg.DecodeSpeaking()
	require.NoError(t, err)
	assert.True(t, speaking.Speaking)

	controlMsg := NewControlData(true, false)
	control, err := controlMsg.DecodeControl()
	require.NoError(t, err)
	assert.True(t, control.Muted)
	assert.False(t, control.Deafened)
}
