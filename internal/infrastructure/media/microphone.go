package media

import (
	"sync"
	"time"

	"meshroom/internal/core/ports"
	"meshroom/pkg/errors"
	"meshroom/pkg/optimize"

	"github.com/google/uuid"
	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

const (
	opusFrameDuration = 20 * time.Millisecond
	micStreamID       = "mic"
	// RFC 6716 recommends 1275 bytes as the largest useful Opus
	// packet; 1500 leaves headroom.
	maxOpusPacket = 1500
)

// The encode loop runs 50 times a second; recycling its output buffer
// keeps it off the allocator.
var encodeBufs = optimize.NewBytePool(maxOpusPacket)

// Microphone owns the capture-to-track path for the local voice. PCM
// from the device callback is buffered into 20ms frames, encoded with
// Opus and written to a sample track that peer sessions attach. Muting
// stops frames at the encoder; the capture stays open so unmute is
// instant.
type Microphone struct {
	cfg      ports.AudioConfig
	device   ports.AudioDevice
	analyser *Analyser
	logger   *zap.SugaredLogger

	track *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	encoder *opus.Encoder
	pcmBuf  []int16
	capture ports.AudioCapture
}

func NewMicrophone(cfg ports.AudioConfig, device ports.AudioDevice, analyser *Analyser, logger *zap.SugaredLogger) (*Microphone, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: uint16(cfg.Channels)},
		"audio-"+uuid.NewString(),
		micStreamID,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "create audio track")
	}

	encoder, err := opus.NewEncoder(cfg.SampleRate, cfg.Channels, opus.AppVoIP)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindDevice, "create opus encoder")
	}

	return &Microphone{
		cfg:      cfg,
		device:   device,
		analyser: analyser,
		logger:   logger,
		track:    track,
		encoder:  encoder,
	}, nil
}

// Track is the local audio track peer sessions send from.
func (m *Microphone) Track() *webrtc.TrackLocalStaticSample {
	return m.track
}

// Start opens the capture device. deviceID empty selects the default
// input.
func (m *Microphone) Start(deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capture != nil {
		return errors.NewMisuse("microphone already started")
	}

	capture, err := m.device.Open(deviceID, m.cfg, m.onPCM)
	if err != nil {
		return err
	}
	m.capture = capture
	return nil
}

// Stop closes the capture device. The track stays valid so sessions do
// not need to renegotiate; it simply goes silent.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capture == nil {
		return nil
	}
	err := m.capture.Close()
	m.capture = nil
	m.pcmBuf = m.pcmBuf[:0]
	return err
}

func (m *Microphone) onPCM(pcm []int16) {
	m.analyser.Push(pcm)
	if m.analyser.Muted() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.encoder == nil {
		return
	}

	m.pcmBuf = append(m.pcmBuf, pcm...)
	samplesPerFrame := m.cfg.SampleRate / 1000 * 20 * m.cfg.Channels

	for len(m.pcmBuf) >= samplesPerFrame {
		frame := m.pcmBuf[:samplesPerFrame]
		encoded := encodeBufs.Get()
		n, err := m.encoder.Encode(frame, encoded)
		m.pcmBuf = m.pcmBuf[samplesPerFrame:]
		if err != nil {
			encodeBufs.Put(encoded)
			m.logger.Warnw("opus encode failed", "error", err)
			continue
		}
		// WriteSample packetizes and hands off synchronously, so the
		// buffer is free again once it returns.
		if err := m.track.WriteSample(media.Sample{Data: encoded[:n], Duration: opusFrameDuration}); err != nil {
			m.logger.Warnw("audio sample write failed", "error", err)
		}
		encodeBufs.Put(encoded)
	}
}
