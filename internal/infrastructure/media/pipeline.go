package media

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// PipelineConfig carries the media settings from the application
// config.
type PipelineConfig struct {
	InputDevice  string
	SampleRate   int
	Channels     int
	VADThreshold int
	VADTick      int // milliseconds; zero uses the analyser default
}

// Pipeline is the local media surface: one microphone path with voice
// activity detection, any number of screen shares, and the mute and
// deafen flags. Remote playback is the host application's concern;
// deafen is tracked here so the mesh can advertise it.
type Pipeline struct {
	cfg    PipelineConfig
	logger *zap.SugaredLogger

	analyser *Analyser
	mic      *Microphone
	screens  *ScreenManager

	deafened atomic.Bool

	mu           sync.Mutex
	speakingSubs []func(bool)

	cancel context.CancelFunc
}

func NewPipeline(cfg PipelineConfig, device ports.AudioDevice, source ports.ScreenSource, logger *zap.SugaredLogger) (*Pipeline, error) {
	p := &Pipeline{cfg: cfg, logger: logger}

	analyserCfg := AnalyserConfig{Threshold: cfg.VADThreshold}
	if cfg.VADTick > 0 {
		analyserCfg.Tick = time.Duration(cfg.VADTick) * time.Millisecond
	}
	p.analyser = NewAnalyser(analyserCfg, p.notifySpeaking, logger)

	mic, err := NewMicrophone(ports.AudioConfig{
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
	}, device, p.analyser, logger)
	if err != nil {
		return nil, err
	}
	p.mic = mic
	p.screens = NewScreenManager(source, logger)
	return p, nil
}

// Start opens the microphone and begins voice activity evaluation.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.mic.Start(p.cfg.InputDevice); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.analyser.Run(runCtx)
	return nil
}

// Close stops capture and analysis. Screen shares are stopped
// individually by their owners before close.
func (p *Pipeline) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	return p.mic.Stop()
}

// AudioTrack is the local voice track.
func (p *Pipeline) AudioTrack() *webrtc.TrackLocalStaticSample {
	return p.mic.Track()
}

// Screens manages screen-share tracks.
func (p *Pipeline) Screens() *ScreenManager {
	return p.screens
}

// SetMuted stops outbound voice frames and forces the speaking flag
// off. The capture device stays open.
func (p *Pipeline) SetMuted(muted bool) {
	p.analyser.SetMuted(muted)
	p.logger.Infow("microphone mute changed", "muted", muted)
}

func (p *Pipeline) Muted() bool {
	return p.analyser.Muted()
}

// SetDeafened marks the local participant as not rendering remote
// audio. The flag travels to peers over the data channel; playback
// itself belongs to the host application.
func (p *Pipeline) SetDeafened(deafened bool) {
	p.deafened.Store(deafened)
	p.logger.Infow("deafen changed", "deafened", deafened)
}

func (p *Pipeline) Deafened() bool {
	return p.deafened.Load()
}

// Speaking reports the current voice activity decision.
func (p *Pipeline) Speaking() bool {
	return p.analyser.Speaking()
}

// OnSpeaking registers a voice activity observer.
func (p *Pipeline) OnSpeaking(fn func(bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.speakingSubs = append(p.speakingSubs, fn)
}

// StartScreenShare opens a new screen track; a zero profile selects
// the defaults.
func (p *Pipeline) StartScreenShare(profile domain.QualityProfile) (*ScreenShare, error) {
	if profile == (domain.QualityProfile{}) {
		profile = domain.DefaultQualityProfile()
	}
	return p.screens.Start(profile)
}

// StopScreenShare ends the share with the given track id.
func (p *Pipeline) StopScreenShare(trackID string) error {
	return p.screens.Stop(trackID)
}

func (p *Pipeline) notifySpeaking(speaking bool) {
	p.mu.Lock()
	subs := make([]func(bool), len(p.speakingSubs))
	copy(subs, p.speakingSubs)
	p.mu.Unlock()
	for _, fn := range subs {
		fn(speaking)
	}
}
