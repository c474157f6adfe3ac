package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/services"
	"meshroom/internal/infrastructure/media"
	"meshroom/internal/infrastructure/mesh"
	"meshroom/internal/infrastructure/signaling"
	"meshroom/pkg/config"
	"meshroom/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to yaml configuration")
	url := flag.String("url", "", "rendezvous websocket url (overrides config)")
	room := flag.String("room", "", "room to join")
	name := flag.String("name", "", "display name")
	id := flag.String("id", "", "participant id; empty lets the server assign one")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			panic(err)
		}
		cfg = loaded
	}
	if *url != "" {
		cfg.Signaling.URL = *url
	}

	zlog := logger.NewConsole(cfg.Logging.Level)
	defer zlog.Sync()
	log := zlog.Sugar()

	if *room == "" {
		log.Fatalw("missing -room")
	}

	dialer := signaling.NewWebSocketDialer()
	client := signaling.NewClient(signaling.Config{
		URL:            cfg.Signaling.URL,
		PingInterval:   cfg.Signaling.PingInterval,
		DeadAfter:      cfg.Signaling.DeadAfter,
		BackoffInitial: cfg.Signaling.BackoffInitial,
		BackoffMax:     cfg.Signaling.BackoffMax,
		OutboundBuffer: cfg.Signaling.OutboundBuffer,
	}, dialer, log)

	device := media.NewMalgoDevice(log)
	pipeline, err := media.NewPipeline(media.PipelineConfig{
		InputDevice:  cfg.Media.InputDevice,
		SampleRate:   cfg.Media.SampleRate,
		Channels:     cfg.Media.Channels,
		VADThreshold: cfg.Media.VADThreshold,
		VADTick:      int(cfg.Media.VADTick / time.Millisecond),
	}, device, media.UnavailableScreenSource{}, log)
	if err != nil {
		log.Fatalw("media pipeline init failed", "error", err)
	}

	estimator := services.NewBandwidthEstimator(log)

	var iceServers []string
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, s.URLs...)
	}

	controller := mesh.NewController(mesh.Config{
		ICEServers:      iceServers,
		DisconnectGrace: cfg.WebRTC.DisconnectGrace,
		MaxFaults:       cfg.WebRTC.MaxFaults,
		Codec:           domain.CodecPreference(cfg.Quality.Codec),
	}, client, pipeline, estimator, log)

	controller.OnPeerJoined(func(p domain.Participant) {
		log.Infow("peer joined", "id", p.ID, "name", p.Name)
	})
	controller.OnPeerLeft(func(id domain.ParticipantID) {
		estimator.Forget(id)
		log.Infow("peer left", "id", id)
	})
	controller.OnChat(func(msg domain.ChatMessage) {
		log.Infow("chat", "from", msg.From, "text", msg.Text)
	})
	controller.OnSpeaking(func(id domain.ParticipantID, speaking bool) {
		log.Infow("speaking", "id", id, "speaking", speaking)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.Start(ctx)
	if err := pipeline.Start(ctx); err != nil {
		log.Warnw("microphone unavailable, continuing without capture", "error", err)
	}
	if err := controller.Join(ctx, domain.RoomID(*room), domain.ParticipantID(*id), *name); err != nil {
		log.Fatalw("join failed", "error", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Infow("leaving")

	controller.Close()
	pipeline.Close()
}
