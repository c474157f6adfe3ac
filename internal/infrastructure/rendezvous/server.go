package rendezvous

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/internal/infrastructure/monitoring"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Server is the rendezvous service: it tracks room membership and relays
// negotiation envelopes between peers. It never inspects SDP or ICE
// payloads and retains nothing across restarts.
type Server struct {
	registry ports.RoomRegistry
	presence ports.PresenceDirectory
	metrics  *monitoring.Collector

	conns map[domain.ParticipantID]*peerConn
	mu    sync.RWMutex

	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	logger *zap.SugaredLogger
}

// peerConn is the mutable per-connection record: last known room,
// participant id and a serialised outbound queue.
type peerConn struct {
	ws       *websocket.Conn
	id       domain.ParticipantID
	name     string
	room     domain.RoomID
	joinedAt time.Time

	out    chan domain.Envelope
	closed chan struct{}
	once   sync.Once
}

func (c *peerConn) send(env domain.Envelope) bool {
	select {
	case <-c.closed:
		return false
	case c.out <- env:
		return true
	default:
		// Slow consumer; dropping beats stalling every other member.
		return false
	}
}

func (c *peerConn) shutdown() {
	c.once.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

// Option configures the server.
type Option func(*Server)

// WithPresence mirrors membership changes into the directory.
func WithPresence(p ports.PresenceDirectory) Option {
	return func(s *Server) { s.presence = p }
}

// WithMetrics records relay and membership metrics.
func WithMetrics(m *monitoring.Collector) Option {
	return func(s *Server) { s.metrics = m }
}

func NewServer(registry ports.RoomRegistry, logger *zap.SugaredLogger, opts ...Option) *Server {
	s := &Server{
		registry:     registry,
		conns:        make(map[domain.ParticipantID]*peerConn),
		pingInterval: 30 * time.Second,
		readTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleWebSocket upgrades the request and runs the connection until it
// closes. Connection close behaves like a Leave with the connection's last
// known participant id.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &peerConn{
		ws:     ws,
		out:    make(chan domain.Envelope, 32),
		closed: make(chan struct{}),
	}
	defer c.shutdown()

	ws.SetReadDeadline(time.Now().Add(s.readTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	go s.writeLoop(c)

	ctx := r.Context()
	for {
		var env domain.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("read error", "participant_id", c.id, "error", err)
			}
			break
		}
		ws.SetReadDeadline(time.Now().Add(s.readTimeout))
		s.handleEnvelope(ctx, c, env)
	}

	s.disconnect(context.Background(), c)
}

func (s *Server) writeLoop(c *peerConn) {
	// Transport-level pings keep NATs open independently of the
	// application's envelope heartbeat.
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case env := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := c.ws.WriteJSON(env); err != nil {
				s.logger.Debugw("write failed", "participant_id", c.id, "error", err)
				c.shutdown()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

func (s *Server) handleEnvelope(ctx context.Context, c *peerConn, env domain.Envelope) {
	if !env.Known() {
		s.logger.Debugw("dropping unknown envelope", "type", env.Type, "participant_id", c.id)
		s.countDropped(string(env.Type))
		return
	}

	switch env.Type {
	case domain.EnvelopeJoin:
		s.handleJoin(ctx, c, env)
	case domain.EnvelopeLeave:
		s.handleLeave(ctx, c, env)
	case domain.EnvelopeOffer, domain.EnvelopeAnswer, domain.EnvelopeIceCandidate:
		s.relayAddressed(c, env)
	case domain.EnvelopePing:
		c.send(domain.NewPong())
	case domain.EnvelopePong:
		// Liveness only; nothing to route.
	default:
		// Remaining known client-originated envelopes with a room tag are
		// broadcast to the room, excluding the sender.
		if c.id != "" && env.RoomID == c.room && env.RoomID != "" {
			env.SenderID = c.id
			s.broadcast(ctx, c.room, c.id, env)
			s.countRelayed(string(env.Type))
		}
	}
}

func (s *Server) handleJoin(ctx context.Context, c *peerConn, env domain.Envelope) {
	payload, err := env.DecodeJoin()
	if err != nil {
		s.logger.Warnw("malformed join", "error", err)
		s.countDropped("join")
		return
	}
	if env.RoomID == "" {
		s.logger.Warnw("join without room id", "participant_id", payload.ParticipantID)
		s.countDropped("join")
		return
	}

	// Rejoining the same room with the same id must leave membership
	// unchanged; the ack is still re-sent so the client can resync.
	if c.id != "" && c.id == payload.ParticipantID && c.room == env.RoomID {
		members, err := s.registry.Members(ctx, c.room)
		if err == nil {
			c.send(domain.NewJoinAck(c.room, c.id, excludeParticipant(members, c.id)))
		}
		return
	}

	// Moving rooms on one connection leaves the old room first.
	if c.id != "" && c.room != "" {
		s.departRoom(ctx, c, domain.NewLeave(c.id))
	}

	assigned := payload.ParticipantID == ""
	id := payload.ParticipantID
	if assigned {
		id = domain.ParticipantID(uuid.NewString())
	}

	// A participant id maps to at most one live connection; a fresh
	// connection with a known id replaces the stale one.
	s.mu.Lock()
	if old, ok := s.conns[id]; ok && old != c {
		s.mu.Unlock()
		s.logger.Infow("replacing stale connection", "participant_id", id)
		s.disconnect(ctx, old)
		s.mu.Lock()
	}
	s.conns[id] = c
	s.mu.Unlock()

	p := domain.Participant{ID: id, Name: payload.Name, JoinedAt: time.Now().UTC()}
	existing, err := s.registry.Join(ctx, env.RoomID, p)
	if err != nil {
		s.logger.Warnw("join rejected", "participant_id", id, "room_id", env.RoomID, "error", err)
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		return
	}

	c.id = id
	c.name = payload.Name
	c.room = env.RoomID
	c.joinedAt = p.JoinedAt

	c.send(domain.NewJoinAck(env.RoomID, id, existing))

	if assigned {
		notice := domain.NewPeerJoined(p)
		notice.RoomID = env.RoomID
		s.broadcast(ctx, env.RoomID, id, notice)
	} else {
		// Relay the client's own join verbatim, sender id attached.
		env.SenderID = id
		s.broadcast(ctx, env.RoomID, id, env)
	}
	s.countRelayed("join")

	s.logger.Infow("participant joined", "participant_id", id, "room_id", env.RoomID, "existing", len(existing), "assigned_id", assigned)
	s.syncRoom(c.room)
	s.updateGauges(ctx)
}

func (s *Server) handleLeave(ctx context.Context, c *peerConn, env domain.Envelope) {
	if c.id == "" || c.room == "" {
		return
	}
	env.SenderID = c.id
	s.departRoom(ctx, c, env)
	s.updateGauges(ctx)
}

// departRoom broadcasts the parting notice, removes membership and deletes
// the room when it becomes empty. The connection stays open.
func (s *Server) departRoom(ctx context.Context, c *peerConn, notice domain.Envelope) {
	room, id := c.room, c.id
	s.broadcast(ctx, room, id, notice)
	if err := s.registry.Leave(ctx, room, id); err != nil && !errors.Is(err, domain.ErrRoomNotFound) {
		s.logger.Warnw("leave failed", "participant_id", id, "room_id", room, "error", err)
	}

	s.mu.Lock()
	if s.conns[id] == c {
		delete(s.conns, id)
	}
	s.mu.Unlock()

	c.room = ""
	c.id = ""
	s.syncRoom(room)
	s.logger.Infow("participant left", "participant_id", id, "room_id", room)
}

func (s *Server) relayAddressed(c *peerConn, env domain.Envelope) {
	if c.id == "" || c.room == "" {
		s.countDropped(string(env.Type))
		return
	}
	if env.TargetID == "" {
		s.logger.Debugw("addressed envelope without target", "type", env.Type, "participant_id", c.id)
		s.countDropped(string(env.Type))
		return
	}

	s.mu.RLock()
	target, ok := s.conns[env.TargetID]
	s.mu.RUnlock()

	// The target must be a member of the sender's room. Anything else is
	// silently dropped; the peer may simply have left.
	if !ok || target.room != c.room {
		s.countDropped(string(env.Type))
		return
	}

	env.SenderID = c.id
	if target.send(env) {
		s.countRelayed(string(env.Type))
	} else {
		s.countDropped(string(env.Type))
	}
}

func (s *Server) disconnect(ctx context.Context, c *peerConn) {
	if c.id != "" && c.room != "" {
		s.departRoom(ctx, c, domain.NewPeerLeft(c.id))
	}
	c.shutdown()
	s.updateGauges(ctx)
}

func (s *Server) broadcast(ctx context.Context, room domain.RoomID, except domain.ParticipantID, env domain.Envelope) {
	members, err := s.registry.Members(ctx, room)
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range members {
		if m.ID == except {
			continue
		}
		if conn, ok := s.conns[m.ID]; ok {
			conn.send(env)
		}
	}
}

// syncRoom mirrors the room's membership into the presence directory,
// best-effort and off the hot path.
func (s *Server) syncRoom(room domain.RoomID) {
	if s.presence == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		members, err := s.registry.Members(ctx, room)
		if errors.Is(err, domain.ErrRoomNotFound) {
			if err := s.presence.Remove(ctx, room); err != nil {
				s.logger.Debugw("presence remove failed", "room_id", room, "error", err)
			}
			return
		}
		if err != nil {
			return
		}
		if err := s.presence.Publish(ctx, room, members); err != nil {
			s.logger.Debugw("presence publish failed", "room_id", room, "error", err)
		}
	}()
}

func (s *Server) updateGauges(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	rooms, err := s.registry.Rooms(ctx)
	if err != nil {
		return
	}
	s.mu.RLock()
	conns := len(s.conns)
	s.mu.RUnlock()
	s.metrics.SetRoomsActive(len(rooms))
	s.metrics.SetParticipantsConnected(conns)
}

func (s *Server) countRelayed(envelopeType string) {
	if s.metrics != nil {
		s.metrics.IncEnvelopesRelayed(envelopeType)
	}
}

func (s *Server) countDropped(envelopeType string) {
	if s.metrics != nil {
		s.metrics.IncEnvelopesDropped(envelopeType)
	}
}

// ConnectedParticipants lists the ids with live connections.
func (s *Server) ConnectedParticipants() []domain.ParticipantID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]domain.ParticipantID, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

func excludeParticipant(members []domain.Participant, id domain.ParticipantID) []domain.Participant {
	out := make([]domain.Participant, 0, len(members))
	for _, m := range members {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}
