package services

import (
	"sync"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"

	"go.uber.org/zap"
)

// PeerBandwidth is the smoothed view of one remote peer's transport.
type PeerBandwidth struct {
	RTT          time.Duration
	Jitter       time.Duration
	FractionLost float64
	BitrateBps   int
	UpdatedAt    time.Time
}

// BandwidthEstimator smooths RTCP observations per peer with an
// exponential moving average. The default policy only reports: it never
// asks the encoder to change bitrate, leaving the knob to whoever
// embeds the engine.
type BandwidthEstimator struct {
	alpha  float64
	logger *zap.SugaredLogger

	mu    sync.RWMutex
	peers map[domain.ParticipantID]PeerBandwidth
}

func NewBandwidthEstimator(logger *zap.SugaredLogger) *BandwidthEstimator {
	return &BandwidthEstimator{
		alpha:  0.2,
		logger: logger,
		peers:  make(map[domain.ParticipantID]PeerBandwidth),
	}
}

var _ ports.BandwidthController = (*BandwidthEstimator)(nil)

func (e *BandwidthEstimator) Observe(remote domain.ParticipantID, s ports.BandwidthSample) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, ok := e.peers[remote]
	if !ok {
		e.peers[remote] = PeerBandwidth{
			RTT:          s.RTT,
			Jitter:       s.Jitter,
			FractionLost: s.FractionLost,
			BitrateBps:   s.BitrateBps,
			UpdatedAt:    s.At,
		}
		return
	}

	cur.RTT = ewmaDuration(cur.RTT, s.RTT, e.alpha)
	cur.Jitter = ewmaDuration(cur.Jitter, s.Jitter, e.alpha)
	cur.FractionLost = cur.FractionLost*(1-e.alpha) + s.FractionLost*e.alpha
	if s.BitrateBps > 0 {
		cur.BitrateBps = int(float64(cur.BitrateBps)*(1-e.alpha) + float64(s.BitrateBps)*e.alpha)
	}
	cur.UpdatedAt = s.At
	e.peers[remote] = cur

	if cur.FractionLost > 0.05 {
		e.logger.Debugw("peer link lossy",
			"remote", remote,
			"fraction_lost", cur.FractionLost,
			"jitter", cur.Jitter)
	}
}

// TargetBitrate reports no target; the reporting-only policy leaves the
// encoder alone.
func (e *BandwidthEstimator) TargetBitrate(domain.ParticipantID) (int, bool) {
	return 0, false
}

// Peer returns the smoothed stats for one remote.
func (e *BandwidthEstimator) Peer(remote domain.ParticipantID) (PeerBandwidth, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	bw, ok := e.peers[remote]
	return bw, ok
}

// Forget drops a departed peer's stats.
func (e *BandwidthEstimator) Forget(remote domain.ParticipantID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.peers, remote)
}

func ewmaDuration(cur, next time.Duration, alpha float64) time.Duration {
	return time.Duration(float64(cur)*(1-alpha) + float64(next)*alpha)
}
