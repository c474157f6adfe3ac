package mesh

import (
	"context"
	"sync"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/internal/infrastructure/media"
	"meshroom/internal/infrastructure/signaling"
	rtc "meshroom/internal/infrastructure/webrtc"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config tunes the mesh's peer sessions.
type Config struct {
	ICEServers      []string
	DisconnectGrace time.Duration
	MaxFaults       int
	Codec           domain.CodecPreference
}

// Controller keeps one peer session per remote participant and drives
// them from signaling traffic. Roles are fixed by join order: the
// newcomer learns the room from its join ack and offers to everyone
// already there, so existing members only ever answer. Sessions are
// kept in arrival order so track fan-out is deterministic.
type Controller struct {
	cfg      Config
	client   *signaling.Client
	pipeline *media.Pipeline
	monitor  ports.BandwidthMonitor
	logger   *zap.SugaredLogger

	mu        sync.Mutex
	localID   domain.ParticipantID
	localName string
	roomID    domain.RoomID
	joined    bool
	sessions  map[domain.ParticipantID]*rtc.Session
	order     []domain.ParticipantID
	peers     map[domain.ParticipantID]domain.Participant
	senders   map[domain.ParticipantID]map[string]*webrtc.RTPSender

	onPeerJoined func(domain.Participant)
	onPeerLeft   func(domain.ParticipantID)
	onChat       func(domain.ChatMessage)
	onSpeaking   func(domain.ParticipantID, bool)
	onTrack      func(domain.ParticipantID, *webrtc.TrackRemote)
	onControl    func(domain.ParticipantID, domain.ControlPayload)
}

func NewController(cfg Config, client *signaling.Client, pipeline *media.Pipeline, monitor ports.BandwidthMonitor, logger *zap.SugaredLogger) *Controller {
	c := &Controller{
		cfg:      cfg,
		client:   client,
		pipeline: pipeline,
		monitor:  monitor,
		logger:   logger,
		sessions: make(map[domain.ParticipantID]*rtc.Session),
		peers:    make(map[domain.ParticipantID]domain.Participant),
		senders:  make(map[domain.ParticipantID]map[string]*webrtc.RTPSender),
	}

	client.On(domain.EnvelopeJoinAck, c.handleJoinAck)
	client.On(domain.EnvelopeJoin, c.handleRelayedJoin)
	client.On(domain.EnvelopePeerJoined, c.handlePeerJoined)
	client.On(domain.EnvelopePeerLeft, c.handlePeerLeft)
	client.On(domain.EnvelopeLeave, c.handleRelayedLeave)
	client.On(domain.EnvelopeOffer, c.handleOffer)
	client.On(domain.EnvelopeAnswer, c.handleAnswer)
	client.On(domain.EnvelopeIceCandidate, c.handleCandidate)

	// Re-announce after every reconnect so the server rebuilds our
	// membership.
	client.OnState(func(s ports.ConnState) {
		if s != ports.ConnConnected {
			return
		}
		c.mu.Lock()
		joined, room, id, name := c.joined, c.roomID, c.localID, c.localName
		c.mu.Unlock()
		if joined {
			client.Send(domain.NewJoin(room, id, name))
		}
	})

	pipeline.OnSpeaking(func(speaking bool) {
		c.Broadcast(domain.NewSpeakingData(speaking))
	})
	pipeline.Screens().OnEnded(func(share *media.ScreenShare) {
		c.detachTrack(share.TrackID)
	})

	return c
}

// Observers. Register before Join; callbacks run on signaling and pion
// goroutines and must not block.

func (c *Controller) OnPeerJoined(fn func(domain.Participant))            { c.onPeerJoined = fn }
func (c *Controller) OnPeerLeft(fn func(domain.ParticipantID))            { c.onPeerLeft = fn }
func (c *Controller) OnChat(fn func(domain.ChatMessage))                  { c.onChat = fn }
func (c *Controller) OnSpeaking(fn func(domain.ParticipantID, bool))      { c.onSpeaking = fn }
func (c *Controller) OnTrack(fn func(domain.ParticipantID, *webrtc.TrackRemote)) {
	c.onTrack = fn
}
func (c *Controller) OnControl(fn func(domain.ParticipantID, domain.ControlPayload)) {
	c.onControl = fn
}

// Join announces the local participant to the room. The mesh builds
// itself from the resulting ack and peer notifications. id may be empty
// to let the server assign one.
func (c *Controller) Join(_ context.Context, room domain.RoomID, id domain.ParticipantID, name string) error {
	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		return domain.ErrAlreadyInRoom
	}
	c.roomID = room
	c.localID = id
	c.localName = name
	c.joined = true
	c.mu.Unlock()

	c.client.Send(domain.NewJoin(room, id, name))
	return nil
}

// Leave announces departure and closes every session.
func (c *Controller) Leave() error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return domain.ErrNotInRoom
	}
	c.joined = false
	id := c.localID
	sessions := c.takeSessionsLocked()
	c.mu.Unlock()

	c.client.Send(domain.NewLeave(id))
	for _, s := range sessions {
		s.Close()
	}
	return nil
}

// Close leaves the room if needed and shuts the signaling link down.
func (c *Controller) Close() error {
	c.Leave()
	return c.client.Close()
}

// LocalID returns the participant id in effect, which may have been
// assigned by the server at join time.
func (c *Controller) LocalID() domain.ParticipantID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localID
}

// Peers lists known remote participants in arrival order.
func (c *Controller) Peers() []domain.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Participant, 0, len(c.order))
	for _, id := range c.order {
		if p, ok := c.peers[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// SendChat delivers a chat line to every connected peer.
func (c *Controller) SendChat(text string) {
	c.Broadcast(domain.NewChatData(text))
}

// SetMuted flips the microphone and tells peers.
func (c *Controller) SetMuted(muted bool) {
	c.pipeline.SetMuted(muted)
	c.Broadcast(domain.NewControlData(muted, c.pipeline.Deafened()))
}

// SetDeafened flips the deafen flag and tells peers.
func (c *Controller) SetDeafened(deafened bool) {
	c.pipeline.SetDeafened(deafened)
	c.Broadcast(domain.NewControlData(c.pipeline.Muted(), deafened))
}

// StartScreenShare opens a screen track and renegotiates it into every
// session.
func (c *Controller) StartScreenShare(profile domain.QualityProfile) (*media.ScreenShare, error) {
	share, err := c.pipeline.StartScreenShare(profile)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	targets := c.orderedSessionsLocked()
	c.mu.Unlock()

	for _, s := range targets {
		c.attachTrackToSession(s, share.TrackID, share.Track)
	}
	return share, nil
}

// StopScreenShare ends the share and removes its track from every
// session.
func (c *Controller) StopScreenShare(trackID string) error {
	if err := c.pipeline.StopScreenShare(trackID); err != nil {
		return err
	}
	// OnEnded fires from the pump goroutine and detaches the track.
	return nil
}

// Broadcast sends a data message to every session in arrival order.
// Peers without an open channel yet are skipped.
func (c *Controller) Broadcast(msg domain.DataMessage) {
	c.mu.Lock()
	targets := c.orderedSessionsLocked()
	c.mu.Unlock()

	for _, s := range targets {
		if err := s.SendData(msg); err != nil && err != domain.ErrNotConnected {
			c.logger.Warnw("data send failed", "remote", s.Remote(), "error", err)
		}
	}
}

// Signaling handlers.

func (c *Controller) handleJoinAck(env domain.Envelope) {
	ack, err := env.DecodeJoinAck()
	if err != nil {
		c.logger.Warnw("bad join ack", "error", err)
		return
	}

	c.mu.Lock()
	c.localID = ack.ParticipantID
	c.mu.Unlock()

	c.logger.Infow("joined room", "room_id", env.RoomID, "participant_id", ack.ParticipantID, "existing", len(ack.Existing))

	for _, p := range ack.Existing {
		c.admitPeer(p, domain.RoleInitiator)
	}
}

func (c *Controller) handleRelayedJoin(env domain.Envelope) {
	join, err := env.DecodeJoin()
	if err != nil {
		c.logger.Warnw("bad join relay", "error", err)
		return
	}
	id := env.SenderID
	if id == "" {
		id = join.ParticipantID
	}
	c.admitPeer(domain.Participant{ID: id, Name: join.Name}, domain.RoleResponder)
}

func (c *Controller) handlePeerJoined(env domain.Envelope) {
	p, err := env.DecodePeerJoined()
	if err != nil {
		c.logger.Warnw("bad peer joined", "error", err)
		return
	}
	c.admitPeer(domain.Participant{ID: p.ParticipantID, Name: p.Name}, domain.RoleResponder)
}

func (c *Controller) handlePeerLeft(env domain.Envelope) {
	p, err := env.DecodePeerLeft()
	if err != nil {
		c.logger.Warnw("bad peer left", "error", err)
		return
	}
	c.dropPeer(p.ParticipantID)
}

func (c *Controller) handleRelayedLeave(env domain.Envelope) {
	leave, err := env.DecodeLeave()
	if err != nil {
		c.logger.Warnw("bad leave relay", "error", err)
		return
	}
	id := leave.ParticipantID
	if id == "" {
		id = env.SenderID
	}
	c.dropPeer(id)
}

func (c *Controller) handleOffer(env domain.Envelope) {
	desc, err := env.DecodeSessionDescription()
	if err != nil {
		c.logger.Warnw("bad offer", "sender", env.SenderID, "error", err)
		return
	}
	// An offer can outrun the membership notification; admit the sender
	// as a responder session on the spot.
	s := c.sessionFor(env.SenderID, true)
	if s == nil {
		return
	}
	if err := s.HandleOffer(desc.SDP); err != nil {
		c.logger.Warnw("offer rejected", "sender", env.SenderID, "error", err)
	}
}

func (c *Controller) handleAnswer(env domain.Envelope) {
	desc, err := env.DecodeSessionDescription()
	if err != nil {
		c.logger.Warnw("bad answer", "sender", env.SenderID, "error", err)
		return
	}
	s := c.sessionFor(env.SenderID, false)
	if s == nil {
		c.logger.Warnw("answer from unknown peer", "sender", env.SenderID)
		return
	}
	if err := s.HandleAnswer(desc.SDP); err != nil {
		c.logger.Warnw("answer rejected", "sender", env.SenderID, "error", err)
	}
}

func (c *Controller) handleCandidate(env domain.Envelope) {
	cand, err := env.DecodeIceCandidate()
	if err != nil {
		c.logger.Warnw("bad candidate", "sender", env.SenderID, "error", err)
		return
	}
	s := c.sessionFor(env.SenderID, false)
	if s == nil {
		c.logger.Debugw("candidate for unknown peer", "sender", env.SenderID)
		return
	}
	if err := s.HandleCandidate(cand.Candidate); err != nil {
		c.logger.Warnw("candidate rejected", "sender", env.SenderID, "error", err)
	}
}

// Session management.

// admitPeer creates a session toward the participant unless one exists.
// The self notification that can echo back after a reconnect is
// ignored.
func (c *Controller) admitPeer(p domain.Participant, role domain.Role) {
	c.mu.Lock()
	if p.ID == "" || p.ID == c.localID {
		c.mu.Unlock()
		return
	}
	if _, ok := c.sessions[p.ID]; ok {
		c.peers[p.ID] = p
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	s, err := c.newSession(p.ID, role)
	if err != nil {
		c.logger.Errorw("session create failed", "remote", p.ID, "error", err)
		return
	}

	c.mu.Lock()
	if _, ok := c.sessions[p.ID]; ok {
		c.mu.Unlock()
		s.Close()
		return
	}
	c.sessions[p.ID] = s
	c.order = append(c.order, p.ID)
	c.peers[p.ID] = p
	c.mu.Unlock()

	c.logger.Infow("peer admitted", "remote", p.ID, "role", role)

	c.attachLocalTracks(s)
	if role == domain.RoleInitiator {
		if err := s.Negotiate(); err != nil {
			c.logger.Warnw("initial offer failed", "remote", p.ID, "error", err)
		}
	}

	if c.onPeerJoined != nil {
		c.onPeerJoined(p)
	}
}

func (c *Controller) dropPeer(id domain.ParticipantID) {
	c.mu.Lock()
	if id == "" || id == c.localID {
		c.mu.Unlock()
		return
	}
	s, ok := c.sessions[id]
	if ok {
		delete(c.sessions, id)
		delete(c.peers, id)
		delete(c.senders, id)
		c.removeFromOrderLocked(id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	s.Close()
	c.logger.Infow("peer departed", "remote", id)
	if c.onPeerLeft != nil {
		c.onPeerLeft(id)
	}
}

func (c *Controller) sessionFor(id domain.ParticipantID, admit bool) *rtc.Session {
	c.mu.Lock()
	if id == "" || id == c.localID {
		c.mu.Unlock()
		return nil
	}
	s, ok := c.sessions[id]
	c.mu.Unlock()
	if ok {
		return s
	}
	if !admit {
		return nil
	}
	c.admitPeer(domain.Participant{ID: id}, domain.RoleResponder)

	c.mu.Lock()
	s = c.sessions[id]
	c.mu.Unlock()
	return s
}

func (c *Controller) newSession(remote domain.ParticipantID, role domain.Role) (*rtc.Session, error) {
	return rtc.NewSession(remote, role, rtc.Config{
		ICEServers:      c.cfg.ICEServers,
		DisconnectGrace: c.cfg.DisconnectGrace,
		MaxFaults:       c.cfg.MaxFaults,
		Codec:           c.cfg.Codec,
	}, rtc.Callbacks{
		Send: c.client.Send,
		OnTrack: func(remote domain.ParticipantID, track *webrtc.TrackRemote) {
			if c.onTrack != nil {
				c.onTrack(remote, track)
			}
		},
		OnData: c.handleData,
		OnStateChange: func(remote domain.ParticipantID, s rtc.State) {
			c.logger.Debugw("session state", "remote", remote, "state", s)
		},
		OnDegraded: c.dropPeer,
		Monitor:    c.monitor,
	}, c.logger)
}

// attachLocalTracks adds the microphone and any live screen shares to
// a fresh session.
func (c *Controller) attachLocalTracks(s *rtc.Session) {
	audio := c.pipeline.AudioTrack()
	c.attachTrackToSessionNoNegotiate(s, audio.ID(), audio)
	for _, share := range c.pipeline.Screens().Active() {
		c.attachTrackToSessionNoNegotiate(s, share.TrackID, share.Track)
	}
}

func (c *Controller) attachTrackToSessionNoNegotiate(s *rtc.Session, trackID string, track webrtc.TrackLocal) {
	sender, err := s.AddTrack(track)
	if err != nil {
		c.logger.Warnw("track attach failed", "remote", s.Remote(), "track_id", trackID, "error", err)
		return
	}
	c.mu.Lock()
	if c.senders[s.Remote()] == nil {
		c.senders[s.Remote()] = make(map[string]*webrtc.RTPSender)
	}
	c.senders[s.Remote()][trackID] = sender
	c.mu.Unlock()
}

func (c *Controller) attachTrackToSession(s *rtc.Session, trackID string, track webrtc.TrackLocal) {
	c.attachTrackToSessionNoNegotiate(s, trackID, track)
	if err := s.Negotiate(); err != nil {
		c.logger.Warnw("renegotiation failed", "remote", s.Remote(), "error", err)
	}
}

// detachTrack removes a track from every session and renegotiates.
func (c *Controller) detachTrack(trackID string) {
	c.mu.Lock()
	type victim struct {
		s      *rtc.Session
		sender *webrtc.RTPSender
	}
	victims := make([]victim, 0, len(c.order))
	for _, id := range c.order {
		if sender, ok := c.senders[id][trackID]; ok {
			delete(c.senders[id], trackID)
			victims = append(victims, victim{c.sessions[id], sender})
		}
	}
	c.mu.Unlock()

	for _, v := range victims {
		if v.s == nil {
			continue
		}
		if err := v.s.RemoveTrack(v.sender); err != nil {
			c.logger.Warnw("track remove failed", "remote", v.s.Remote(), "error", err)
			continue
		}
		if err := v.s.Negotiate(); err != nil {
			c.logger.Warnw("renegotiation failed", "remote", v.s.Remote(), "error", err)
		}
	}
}

func (c *Controller) handleData(remote domain.ParticipantID, msg domain.DataMessage) {
	switch msg.Type {
	case domain.DataChat:
		p, err := msg.DecodeChat()
		if err != nil {
			c.logger.Warnw("bad chat payload", "remote", remote, "error", err)
			return
		}
		if c.onChat != nil {
			c.onChat(domain.ChatMessage{From: remote, Text: p.Text, Timestamp: msg.Timestamp})
		}
	case domain.DataSpeaking:
		p, err := msg.DecodeSpeaking()
		if err != nil {
			c.logger.Warnw("bad speaking payload", "remote", remote, "error", err)
			return
		}
		if c.onSpeaking != nil {
			c.onSpeaking(remote, p.Speaking)
		}
	case domain.DataControl:
		p, err := msg.DecodeControl()
		if err != nil {
			c.logger.Warnw("bad control payload", "remote", remote, "error", err)
			return
		}
		if c.onControl != nil {
			c.onControl(remote, p)
		}
	default:
		c.logger.Debugw("unknown data message", "remote", remote, "type", msg.Type)
	}
}

func (c *Controller) orderedSessionsLocked() []*rtc.Session {
	out := make([]*rtc.Session, 0, len(c.order))
	for _, id := range c.order {
		if s, ok := c.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (c *Controller) takeSessionsLocked() []*rtc.Session {
	out := c.orderedSessionsLocked()
	c.sessions = make(map[domain.ParticipantID]*rtc.Session)
	c.peers = make(map[domain.ParticipantID]domain.Participant)
	c.senders = make(map[domain.ParticipantID]map[string]*webrtc.RTPSender)
	c.order = nil
	return out
}

func (c *Controller) removeFromOrderLocked(id domain.ParticipantID) {
	for i, other := range c.order {
		if other == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
