package webrtc

import (
	"encoding/json"
	"sync"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/pkg/errors"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// State is the session's negotiation lifecycle.
type State int32

const (
	StateNew State = iota
	StateNeedsOffer
	StateOffered
	StateStable
	StateRecovering
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNeedsOffer:
		return "needs_offer"
	case StateOffered:
		return "offered"
	case StateStable:
		return "stable"
	case StateRecovering:
		return "recovering"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Config tunes one peer session.
type Config struct {
	ICEServers []string
	// DisconnectGrace is how long an ICE disconnect may last before the
	// session attempts recovery. Failed skips the grace period.
	DisconnectGrace time.Duration
	// MaxFaults is how many recoveries are attempted before the session
	// is reported degraded and closed.
	MaxFaults int
	Codec     domain.CodecPreference
}

func (c Config) withDefaults() Config {
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = 3 * time.Second
	}
	if c.MaxFaults <= 0 {
		c.MaxFaults = 3
	}
	return c
}

// Callbacks connect a session to its owner. Send must not block; it
// feeds the signaling client's buffered queue.
type Callbacks struct {
	Send          func(domain.Envelope)
	OnTrack       func(remote domain.ParticipantID, track *webrtc.TrackRemote)
	OnData        func(remote domain.ParticipantID, msg domain.DataMessage)
	OnStateChange func(remote domain.ParticipantID, s State)
	OnDegraded    func(remote domain.ParticipantID)
	Monitor       ports.BandwidthMonitor
}

// Session is one leg of the mesh: a peer connection to a single remote
// participant plus the negotiation state machine around it. The role is
// fixed at creation from join order and never changes: the initiator
// opened the first offer and wins glare, the responder rolls back.
type Session struct {
	remote domain.ParticipantID
	role   domain.Role
	cfg    Config
	cb     Callbacks
	logger *zap.SugaredLogger

	pc *webrtc.PeerConnection

	mu            sync.Mutex
	state         State
	dc            *webrtc.DataChannel
	pending       []webrtc.ICECandidateInit
	remoteDescSet bool
	queuedOffer   bool
	faults        int
	graceTimer    *time.Timer

	closeOnce sync.Once
}

func NewSession(remote domain.ParticipantID, role domain.Role, cfg Config, cb Callbacks, logger *zap.SugaredLogger) (*Session, error) {
	cfg = cfg.withDefaults()

	api, err := newAPI()
	if err != nil {
		return nil, err
	}
	pc, err := api.NewPeerConnection(iceConfiguration(cfg.ICEServers))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "create peer connection")
	}

	s := &Session{
		remote: remote,
		role:   role,
		cfg:    cfg,
		cb:     cb,
		logger: logger,
		pc:     pc,
		state:  StateNew,
	}
	if role == domain.RoleInitiator {
		s.state = StateNeedsOffer
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		cb.Send(domain.NewIceCandidate(remote, string(raw)))
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		logger.Infow("remote track",
			"remote", remote,
			"track_id", track.ID(),
			"stream_id", track.StreamID(),
			"kind", track.Kind().String())
		if cb.OnTrack != nil {
			cb.OnTrack(remote, track)
		}
	})

	pc.OnConnectionStateChange(s.onConnectionState)

	if role == domain.RoleInitiator {
		dc, err := pc.CreateDataChannel(domain.DataChannelName, nil)
		if err != nil {
			pc.Close()
			return nil, errors.Wrap(err, errors.KindInternal, "create data channel")
		}
		s.attachDataChannel(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != domain.DataChannelName {
				logger.Warnw("unexpected data channel", "remote", remote, "label", dc.Label())
				return
			}
			s.attachDataChannel(dc)
		})
	}

	return s, nil
}

func (s *Session) Remote() domain.ParticipantID { return s.remote }
func (s *Session) Role() domain.Role            { return s.role }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AddTrack attaches a local track and starts the RTCP feedback reader
// for it. The caller drives renegotiation with Negotiate.
func (s *Session) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil, domain.ErrSessionClosed
	}
	s.mu.Unlock()

	sender, err := s.pc.AddTrack(track)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "add track")
	}
	go s.readFeedback(sender)
	return sender, nil
}

// RemoveTrack detaches a sender added with AddTrack.
func (s *Session) RemoveTrack(sender *webrtc.RTPSender) error {
	return s.pc.RemoveTrack(sender)
}

// Negotiate sends a fresh offer. While an offer is already in flight
// the request is queued and replayed once the answer lands, so track
// changes during negotiation are never lost.
func (s *Session) Negotiate() error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return domain.ErrSessionClosed
	case StateOffered:
		s.queuedOffer = true
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.sendOffer(nil)
}

func (s *Session) sendOffer(opts *webrtc.OfferOptions) error {
	offer, err := s.pc.CreateOffer(opts)
	if err != nil {
		return errors.Wrap(err, errors.KindNegotiation, "create offer")
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return errors.Wrap(err, errors.KindNegotiation, "set local offer")
	}
	s.setState(StateOffered)
	s.cb.Send(domain.NewOffer(s.remote, offer.SDP))
	return nil
}

// HandleOffer applies a remote offer and answers it. On glare the
// responder discards its own in-flight offer with a rollback; the
// initiator ignores the remote offer and keeps waiting for its answer.
func (s *Session) HandleOffer(sdp string) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	s.mu.Unlock()

	if s.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if s.role == domain.RoleInitiator {
			s.logger.Debugw("offer glare, holding local offer", "remote", s.remote)
			return nil
		}
		s.logger.Debugw("offer glare, rolling back", "remote", s.remote)
		// pion rejects a rollback with an empty SDP, so carry the pending offer.
		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if pending := s.pc.PendingLocalDescription(); pending != nil {
			rollback.SDP = pending.SDP
		}
		if err := s.pc.SetLocalDescription(rollback); err != nil {
			return errors.Wrap(err, errors.KindNegotiation, "rollback")
		}
	}

	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return errors.Wrap(err, errors.KindNegotiation, "set remote offer")
	}
	s.flushCandidates()

	if err := applyCodecPreference(s.pc, s.cfg.Codec); err != nil {
		s.logger.Warnw("codec preference not applied", "remote", s.remote, "error", err)
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return errors.Wrap(err, errors.KindNegotiation, "create answer")
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return errors.Wrap(err, errors.KindNegotiation, "set local answer")
	}
	s.setState(StateStable)
	s.cb.Send(domain.NewAnswer(s.remote, answer.SDP))
	return nil
}

// HandleAnswer completes an offer this session sent.
func (s *Session) HandleAnswer(sdp string) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	s.mu.Unlock()

	if s.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return errors.NewNegotiation("answer without pending offer")
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return errors.Wrap(err, errors.KindNegotiation, "set remote answer")
	}
	s.flushCandidates()
	s.setState(StateStable)

	s.mu.Lock()
	queued := s.queuedOffer
	s.queuedOffer = false
	s.mu.Unlock()
	if queued {
		return s.Negotiate()
	}
	return nil
}

// HandleCandidate applies a remote ICE candidate, buffering it until
// the remote description arrives.
func (s *Session) HandleCandidate(candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		// Bare candidate attribute without the JSON wrapper.
		init = webrtc.ICECandidateInit{Candidate: candidate}
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if !s.remoteDescSet {
		s.pending = append(s.pending, init)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.pc.AddICECandidate(init); err != nil {
		return errors.Wrap(err, errors.KindNegotiation, "add ice candidate")
	}
	return nil
}

func (s *Session) flushCandidates() {
	s.mu.Lock()
	s.remoteDescSet = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, init := range pending {
		if err := s.pc.AddICECandidate(init); err != nil {
			s.logger.Warnw("buffered candidate rejected", "remote", s.remote, "error", err)
		}
	}
}

// SendData writes one message to the data channel.
func (s *Session) SendData(msg domain.DataMessage) error {
	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return domain.ErrNotConnected
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return dc.SendText(string(raw))
}

// Close tears the session down. Idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		if s.graceTimer != nil {
			s.graceTimer.Stop()
			s.graceTimer = nil
		}
		s.mu.Unlock()

		if s.cb.OnStateChange != nil {
			s.cb.OnStateChange(s.remote, StateClosed)
		}
		err = s.pc.Close()
	})
	return err
}

func (s *Session) attachDataChannel(dc *webrtc.DataChannel) {
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()

	dc.OnOpen(func() {
		s.logger.Infow("data channel open", "remote", s.remote)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var dm domain.DataMessage
		if err := json.Unmarshal(msg.Data, &dm); err != nil {
			s.logger.Warnw("malformed data message", "remote", s.remote, "error", err)
			return
		}
		if s.cb.OnData != nil {
			s.cb.OnData(s.remote, dm)
		}
	})
}

func (s *Session) onConnectionState(state webrtc.PeerConnectionState) {
	s.logger.Infow("connection state", "remote", s.remote, "state", state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Lock()
		s.faults = 0
		if s.graceTimer != nil {
			s.graceTimer.Stop()
			s.graceTimer = nil
		}
		s.mu.Unlock()
		s.setState(StateStable)

	case webrtc.PeerConnectionStateDisconnected:
		s.mu.Lock()
		if s.state == StateClosed || s.graceTimer != nil {
			s.mu.Unlock()
			return
		}
		s.graceTimer = time.AfterFunc(s.cfg.DisconnectGrace, s.recover)
		s.mu.Unlock()

	case webrtc.PeerConnectionStateFailed:
		s.recover()

	case webrtc.PeerConnectionStateClosed:
		s.Close()
	}
}

// recover counts a fault and, on the initiator, restarts ICE. The
// responder only marks itself recovering and waits for the restart
// offer.
func (s *Session) recover() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	// The grace timer may fire after the link already healed.
	if s.pc.ConnectionState() == webrtc.PeerConnectionStateConnected {
		s.mu.Unlock()
		return
	}
	s.faults++
	faults := s.faults
	s.mu.Unlock()

	if faults > s.cfg.MaxFaults {
		s.logger.Warnw("session degraded, giving up", "remote", s.remote, "faults", faults)
		if s.cb.OnDegraded != nil {
			s.cb.OnDegraded(s.remote)
		}
		s.Close()
		return
	}

	s.logger.Infow("recovering session", "remote", s.remote, "fault", faults)
	s.setState(StateRecovering)

	if s.role == domain.RoleInitiator {
		if err := s.sendOffer(&webrtc.OfferOptions{ICERestart: true}); err != nil {
			s.logger.Warnw("ice restart failed", "remote", s.remote, "error", err)
		}
	}
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == StateClosed || s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()

	if s.cb.OnStateChange != nil {
		s.cb.OnStateChange(s.remote, next)
	}
}

// readFeedback pumps RTCP receiver reports for a sender into the
// bandwidth monitor until the sender stops.
func (s *Session) readFeedback(sender *webrtc.RTPSender) {
	if s.cb.Monitor == nil {
		// Still drain so interceptors keep running.
		for {
			if _, _, err := sender.ReadRTCP(); err != nil {
				return
			}
		}
	}

	clockRate := uint32(90000)
	if params := sender.GetParameters(); len(params.Codecs) > 0 {
		clockRate = params.Codecs[0].ClockRate
	}

	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, report := range rr.Reports {
				s.cb.Monitor.Observe(s.remote, ports.BandwidthSample{
					Jitter:       time.Duration(report.Jitter) * time.Second / time.Duration(clockRate),
					FractionLost: float64(report.FractionLost) / 256,
					At:           time.Now(),
				})
			}
		}
	}
}
