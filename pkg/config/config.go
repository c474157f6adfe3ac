package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signaling struct {
		URL            string        `yaml:"url"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		DeadAfter      time.Duration `yaml:"dead_after"`
		BackoffInitial time.Duration `yaml:"backoff_initial"`
		BackoffMax     time.Duration `yaml:"backoff_max"`
		OutboundBuffer int           `yaml:"outbound_buffer"`
	} `yaml:"signaling"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		DisconnectGrace time.Duration `yaml:"disconnect_grace"`
		MaxFaults       int           `yaml:"max_faults"`
	} `yaml:"webrtc"`

	Media struct {
		InputDevice  string `yaml:"input_device"`
		SampleRate   int    `yaml:"sample_rate"`
		Channels     int    `yaml:"channels"`
		VADThreshold int    `yaml:"vad_threshold"`
		VADTick      time.Duration `yaml:"vad_tick"`
	} `yaml:"media"`

	Quality struct {
		Resolution  string `yaml:"resolution"`
		FrameRate   int    `yaml:"frame_rate"`
		Bitrate     int    `yaml:"bitrate"`
		Codec       string `yaml:"codec"`
		ContentHint string `yaml:"content_hint"`
	} `yaml:"quality"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		JaegerURL  string  `yaml:"jaeger_url"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		Enabled   bool   `yaml:"enabled"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int `yaml:"connections_per_minute"`
			Burst                int `yaml:"burst"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Default returns a configuration with working defaults for a single-node
// deployment.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second

	cfg.Signaling.URL = "ws://localhost:8080/ws"
	cfg.Signaling.PingInterval = 2 * time.Second
	cfg.Signaling.DeadAfter = 6 * time.Second
	cfg.Signaling.BackoffInitial = 500 * time.Millisecond
	cfg.Signaling.BackoffMax = 10 * time.Second
	cfg.Signaling.OutboundBuffer = 64

	cfg.WebRTC.DisconnectGrace = 3 * time.Second
	cfg.WebRTC.MaxFaults = 5

	cfg.Media.SampleRate = 48000
	cfg.Media.Channels = 2
	cfg.Media.VADThreshold = 20
	cfg.Media.VADTick = 100 * time.Millisecond

	cfg.Quality.Resolution = "native"
	cfg.Quality.FrameRate = 30
	cfg.Quality.Codec = "auto"
	cfg.Quality.ContentHint = "motion"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing.SampleRate = 1.0

	return cfg
}

// Load reads and validates a yaml configuration file. Values absent from
// the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Signaling.PingInterval <= 0 {
		return fmt.Errorf("signaling.ping_interval must be > 0")
	}
	if c.Signaling.DeadAfter <= c.Signaling.PingInterval {
		return fmt.Errorf("signaling.dead_after must be greater than signaling.ping_interval")
	}
	if c.Signaling.BackoffInitial <= 0 || c.Signaling.BackoffMax < c.Signaling.BackoffInitial {
		return fmt.Errorf("signaling backoff bounds are invalid")
	}
	if c.Signaling.OutboundBuffer <= 0 {
		return fmt.Errorf("signaling.outbound_buffer must be > 0")
	}
	if c.Media.SampleRate != 48000 && c.Media.SampleRate != 24000 && c.Media.SampleRate != 16000 {
		return fmt.Errorf("media.sample_rate %d is not an Opus rate", c.Media.SampleRate)
	}
	if c.Media.Channels != 1 && c.Media.Channels != 2 {
		return fmt.Errorf("media.channels must be 1 or 2")
	}
	if c.Media.VADThreshold < 0 || c.Media.VADThreshold > 255 {
		return fmt.Errorf("media.vad_threshold must be in [0,255]")
	}
	switch c.Quality.FrameRate {
	case 0, 15, 30, 60, 120:
	default:
		return fmt.Errorf("quality.frame_rate %d is not one of 15, 30, 60, 120", c.Quality.FrameRate)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		return fmt.Errorf("redis.address is required when redis is enabled")
	}
	return nil
}
