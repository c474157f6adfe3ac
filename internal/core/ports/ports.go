package ports

import (
	"context"
	"time"

	"meshroom/internal/core/domain"
)

// RoomRegistry holds the rendezvous server's room -> members mapping. All
// mutation happens from the server's connection handlers; implementations
// must be safe for concurrent use.
type RoomRegistry interface {
	// Join inserts the participant and returns the members that were
	// already present, in join order. Joining a room the participant is
	// already in is a no-op that still returns the other members.
	Join(ctx context.Context, room domain.RoomID, p domain.Participant) (existing []domain.Participant, err error)
	// Leave removes the participant. Empty rooms are deleted.
	Leave(ctx context.Context, room domain.RoomID, id domain.ParticipantID) error
	// Members lists the room's participants in join order.
	Members(ctx context.Context, room domain.RoomID) ([]domain.Participant, error)
	// Rooms lists rooms that currently have members.
	Rooms(ctx context.Context) ([]domain.RoomID, error)
}

// PresenceDirectory mirrors room membership into an external store so
// operators can observe a fleet of rendezvous instances. The in-process
// registry stays authoritative; directory failures must never affect
// relaying.
type PresenceDirectory interface {
	Publish(ctx context.Context, room domain.RoomID, members []domain.Participant) error
	Remove(ctx context.Context, room domain.RoomID) error
	Snapshot(ctx context.Context) (map[domain.RoomID][]domain.Participant, error)
}

// SignalConn is one established signaling stream.
type SignalConn interface {
	ReadEnvelope() (domain.Envelope, error)
	WriteEnvelope(domain.Envelope) error
	Close() error
}

// SignalDialer opens signaling streams. Faked in tests.
type SignalDialer interface {
	Dial(ctx context.Context, url string) (SignalConn, error)
}

// ConnState is the signaling client's observable connection state.
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	}
	return "disconnected"
}

// AudioConfig describes the capture format requested from a device. Echo
// cancellation, noise suppression and gain control stay off so the VAD
// sees the natural signal.
type AudioConfig struct {
	SampleRate int
	Channels   int
}

// AudioCapture is an open microphone stream.
type AudioCapture interface {
	Close() error
}

// AudioDevice opens capture streams. The callback receives interleaved
// signed 16-bit PCM on the device's own cadence.
type AudioDevice interface {
	Open(deviceID string, cfg AudioConfig, onPCM func(pcm []int16)) (AudioCapture, error)
}

// EncodedFrame is one encoded video frame from a screen source.
type EncodedFrame struct {
	Data     []byte
	Duration time.Duration
}

// ScreenCapture is an open display capture. Frames ends when the capture
// stops, including the user revoking sharing at the OS level.
type ScreenCapture interface {
	Frames() <-chan EncodedFrame
	Close() error
}

// ScreenSource acquires display captures. The host application owns the
// OS-level capture machinery and hands the engine encoded frames.
type ScreenSource interface {
	Open(profile domain.QualityProfile) (ScreenCapture, error)
}

// BandwidthSample is one RTCP-derived observation for a remote peer.
type BandwidthSample struct {
	RTT          time.Duration
	Jitter       time.Duration
	FractionLost float64
	BitrateBps   int
	At           time.Time
}

// BandwidthMonitor receives per-peer transport observations.
type BandwidthMonitor interface {
	Observe(remote domain.ParticipantID, s BandwidthSample)
}

// BandwidthController decides target send bitrates. The engine exposes the
// hook without committing to a policy; the default controller only reports.
type BandwidthController interface {
	BandwidthMonitor
	// TargetBitrate returns the bits-per-second the sender should aim at
	// for the remote peer, or ok=false to leave the encoder alone.
	TargetBitrate(remote domain.ParticipantID) (bps int, ok bool)
}
