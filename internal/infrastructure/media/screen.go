package media

import (
	"fmt"
	"sync"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/pkg/errors"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

// ScreenShare is one live screen track.
type ScreenShare struct {
	TrackID  string
	StreamID string
	Profile  domain.QualityProfile
	Track    *webrtc.TrackLocalStaticSample

	capture ports.ScreenCapture
	done    chan struct{}
}

// ScreenManager starts and stops screen-share tracks. Stream ids are
// monotonic per process so receivers can tell a restarted share from a
// stale one.
type ScreenManager struct {
	source ports.ScreenSource
	logger *zap.SugaredLogger

	mu      sync.Mutex
	counter int
	shares  map[string]*ScreenShare
	onEnded func(share *ScreenShare)
}

func NewScreenManager(source ports.ScreenSource, logger *zap.SugaredLogger) *ScreenManager {
	return &ScreenManager{
		source: source,
		logger: logger,
		shares: make(map[string]*ScreenShare),
	}
}

// OnEnded registers a callback fired when a share stops, including the
// user revoking capture at the OS level. Fired once per share.
func (m *ScreenManager) OnEnded(fn func(share *ScreenShare)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnded = fn
}

// Start opens a capture for the profile and begins pumping frames into
// a fresh video track. The returned share is already live.
func (m *ScreenManager) Start(profile domain.QualityProfile) (*ScreenShare, error) {
	if !profile.Valid() {
		return nil, errors.NewMisuse(fmt.Sprintf("invalid quality profile: %+v", profile))
	}

	m.mu.Lock()
	m.counter++
	streamID := fmt.Sprintf("screen-%d", m.counter)
	m.mu.Unlock()

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: profile.Codec.MimeType(), ClockRate: 90000},
		"screen-"+uuid.NewString(),
		streamID,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "create screen track")
	}

	capture, err := m.source.Open(profile)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindDevice, "open screen capture")
	}

	share := &ScreenShare{
		TrackID:  track.ID(),
		StreamID: streamID,
		Profile:  profile,
		Track:    track,
		capture:  capture,
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	m.shares[share.TrackID] = share
	m.mu.Unlock()

	m.logger.Infow("screen share started",
		"track_id", share.TrackID,
		"stream_id", streamID,
		"resolution", profile.Resolution,
		"frame_rate", profile.FrameRate,
		"codec", profile.Codec.Resolve())

	go m.pump(share)
	return share, nil
}

// Stop ends the share with the given track id.
func (m *ScreenManager) Stop(trackID string) error {
	m.mu.Lock()
	share, ok := m.shares[trackID]
	m.mu.Unlock()
	if !ok {
		return domain.ErrTrackNotFound
	}
	share.capture.Close()
	<-share.done
	return nil
}

// Active lists the live shares.
func (m *ScreenManager) Active() []*ScreenShare {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ScreenShare, 0, len(m.shares))
	for _, s := range m.shares {
		out = append(out, s)
	}
	return out
}

// UnavailableScreenSource rejects capture requests. Hosts that embed
// the engine supply a real source wired to their capture stack.
type UnavailableScreenSource struct{}

func (UnavailableScreenSource) Open(domain.QualityProfile) (ports.ScreenCapture, error) {
	return nil, domain.ErrDeviceUnavailable
}

// pump copies encoded frames into the track until the capture ends.
func (m *ScreenManager) pump(share *ScreenShare) {
	defer close(share.done)

	for frame := range share.capture.Frames() {
		sample := media.Sample{Data: frame.Data, Duration: frame.Duration}
		if err := share.Track.WriteSample(sample); err != nil {
			m.logger.Warnw("screen sample write failed",
				"track_id", share.TrackID, "error", err)
		}
	}

	m.mu.Lock()
	delete(m.shares, share.TrackID)
	onEnded := m.onEnded
	m.mu.Unlock()

	m.logger.Infow("screen share ended", "track_id", share.TrackID, "stream_id", share.StreamID)
	if onEnded != nil {
		onEnded(share)
	}
}
