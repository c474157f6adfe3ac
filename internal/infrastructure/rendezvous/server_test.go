package rendezvous

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/infrastructure/registry/memory"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(memory.NewRoomRegistry(), zap.NewNop().Sugar())
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(ts.Close)
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) domain.Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env domain.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

func join(t *testing.T, ws *websocket.Conn, room domain.RoomID, id domain.ParticipantID, name string) domain.JoinAckPayload {
	t.Helper()
	require.NoError(t, ws.WriteJSON(domain.NewJoin(room, id, name)))
	ack := readEnvelope(t, ws)
	require.Equal(t, domain.EnvelopeJoinAck, ack.Type)
	payload, err := ack.DecodeJoinAck()
	require.NoError(t, err)
	return payload
}

func TestJoinAckListsExisting(t *testing.T) {
	_, ts := newTestServer(t)

	alice := dial(t, ts)
	ack := join(t, alice, "room", "alice", "Alice")
	assert.Equal(t, domain.ParticipantID("alice"), ack.ParticipantID)
	assert.Empty(t, ack.Existing)

	bob := dial(t, ts)
	ack = join(t, bob, "room", "bob", "Bob")
	require.Len(t, ack.Existing, 1)
	assert.Equal(t, domain.ParticipantID("alice"), ack.Existing[0].ID)
	assert.Equal(t, "Alice", ack.Existing[0].Name)
}

func TestJoinAssignsIDWhenEmpty(t *testing.T) {
	_, ts := newTestServer(t)

	ws := dial(t, ts)
	ack := join(t, ws, "room", "", "Anon")
	assert.NotEmpty(t, ack.ParticipantID)
}

func TestJoinNotifiesExistingMembers(t *testing.T) {
	_, ts := newTestServer(t)

	alice := dial(t, ts)
	join(t, alice, "room", "alice", "Alice")

	bob := dial(t, ts)
	join(t, bob, "room", "bob", "Bob")

	notice := readEnvelope(t, alice)
	require.Equal(t, domain.EnvelopeJoin, notice.Type)
	assert.Equal(t, domain.ParticipantID("bob"), notice.SenderID)
	payload, err := notice.DecodeJoin()
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantID("bob"), payload.ParticipantID)
	assert.Equal(t, "Bob", payload.Name)
}

func TestAssignedJoinBroadcastsPeerJoined(t *testing.T) {
	_, ts := newTestServer(t)

	alice := dial(t, ts)
	join(t, alice, "room", "alice", "Alice")

	anon := dial(t, ts)
	ack := join(t, anon, "room", "", "Anon")

	notice := readEnvelope(t, alice)
	require.Equal(t, domain.EnvelopePeerJoined, notice.Type)
	payload, err := notice.DecodePeerJoined()
	require.NoError(t, err)
	assert.Equal(t, ack.ParticipantID, payload.ParticipantID)
	assert.Equal(t, "Anon", payload.Name)
}

func TestOfferRelayInjectsSender(t *testing.T) {
	_, ts := newTestServer(t)

	alice := dial(t, ts)
	join(t, alice, "room", "alice", "Alice")

	bob := dial(t, ts)
	join(t, bob, "room", "bob", "Bob")
	readEnvelope(t, alice) // bob's join notice

	offer := domain.NewOffer("alice", "v=0...")
	offer.SenderID = "mallory" // servers must overwrite this
	require.NoError(t, bob.WriteJSON(offer))

	relayed := readEnvelope(t, alice)
	require.Equal(t, domain.EnvelopeOffer, relayed.Type)
	assert.Equal(t, domain.ParticipantID("bob"), relayed.SenderID)
	payload, err := relayed.DecodeSessionDescription()
	require.NoError(t, err)
	assert.Equal(t, "v=0...", payload.SDP)
}

func TestAnswerAndCandidateRelay(t *testing.T) {
	_, ts := newTestServer(t)

	alice := dial(t, ts)
	join(t, alice, "room", "alice", "Alice")
	bob := dial(t, ts)
	join(t, bob, "room", "bob", "Bob")
	readEnvelope(t, alice)

	require.NoError(t, alice.WriteJSON(domain.NewAnswer("bob", "v=0...")))
	answer := readEnvelope(t, bob)
	assert.Equal(t, domain.EnvelopeAnswer, answer.Type)
	assert.Equal(t, domain.ParticipantID("alice"), answer.SenderID)

	require.NoError(t, alice.WriteJSON(domain.NewIceCandidate("bob", "candidate:1")))
	candidate := readEnvelope(t, bob)
	assert.Equal(t, domain.EnvelopeIceCandidate, candidate.Type)
	payload, err := candidate.DecodeIceCandidate()
	require.NoError(t, err)
	assert.Equal(t, "candidate:1", payload.Candidate)
}

func TestRelayDroppedAcrossRooms(t *testing.T) {
	_, ts := newTestServer(t)

	alice := dial(t, ts)
	join(t, alice, "room-1", "alice", "Alice")
	bob := dial(t, ts)
	join(t, bob, "room-2", "bob", "Bob")

	require.NoError(t, bob.WriteJSON(domain.NewOffer("alice", "v=0...")))

	// Alice must not receive the cross-room offer; the next frame she sees
	// is the pong to her own ping.
	require.NoError(t, alice.WriteJSON(domain.NewPing()))
	env := readEnvelope(t, alice)
	assert.Equal(t, domain.EnvelopePong, env.Type)
}

func TestPingPong(t *testing.T) {
	_, ts := newTestServer(t)

	ws := dial(t, ts)
	require.NoError(t, ws.WriteJSON(domain.NewPing()))
	env := readEnvelope(t, ws)
	assert.Equal(t, domain.EnvelopePong, env.Type)
	assert.NotZero(t, env.Timestamp)
}

func TestUnknownEnvelopeIgnored(t *testing.T) {
	_, ts := newTestServer(t)

	ws := dial(t, ts)
	require.NoError(t, ws.WriteJSON(domain.Envelope{Type: "upgrade_codec"}))

	require.NoError(t, ws.WriteJSON(domain.NewPing()))
	env := readEnvelope(t, ws)
	assert.Equal(t, domain.EnvelopePong, env.Type)
}

func TestLeaveBroadcast(t *testing.T) {
	srv, ts := newTestServer(t)

	alice := dial(t, ts)
	join(t, alice, "room", "alice", "Alice")
	bob := dial(t, ts)
	join(t, bob, "room", "bob", "Bob")
	readEnvelope(t, alice)

	require.NoError(t, bob.WriteJSON(domain.NewLeave("bob")))

	notice := readEnvelope(t, alice)
	require.Equal(t, domain.EnvelopeLeave, notice.Type)
	assert.Equal(t, domain.ParticipantID("bob"), notice.SenderID)

	require.Eventually(t, func() bool {
		return len(srv.ConnectedParticipants()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectBroadcastsPeerLeft(t *testing.T) {
	_, ts := newTestServer(t)

	alice := dial(t, ts)
	join(t, alice, "room", "alice", "Alice")
	bob := dial(t, ts)
	join(t, bob, "room", "bob", "Bob")
	readEnvelope(t, alice)

	bob.Close()

	notice := readEnvelope(t, alice)
	require.Equal(t, domain.EnvelopePeerLeft, notice.Type)
	payload, err := notice.DecodePeerLeft()
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantID("bob"), payload.ParticipantID)
}

func TestStaleConnectionReplaced(t *testing.T) {
	srv, ts := newTestServer(t)

	first := dial(t, ts)
	join(t, first, "room", "alice", "Alice")

	second := dial(t, ts)
	join(t, second, "room", "alice", "Alice")

	require.Eventually(t, func() bool {
		ids := srv.ConnectedParticipants()
		return len(ids) == 1 && ids[0] == domain.ParticipantID("alice")
	}, 2*time.Second, 10*time.Millisecond)

	// The surviving connection still works.
	require.NoError(t, second.WriteJSON(domain.NewPing()))
	env := readEnvelope(t, second)
	assert.Equal(t, domain.EnvelopePong, env.Type)
}

func TestRejoinSameRoomResendsAck(t *testing.T) {
	_, ts := newTestServer(t)

	alice := dial(t, ts)
	join(t, alice, "room", "alice", "Alice")
	bob := dial(t, ts)
	join(t, bob, "room", "bob", "Bob")
	readEnvelope(t, alice)

	ack := join(t, bob, "room", "bob", "Bob")
	require.Len(t, ack.Existing, 1)
	assert.Equal(t, domain.ParticipantID("alice"), ack.Existing[0].ID)
}
