package signaling

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/pkg/retry"

	"go.uber.org/zap"
)

// Config tunes the signaling client's connection behaviour.
type Config struct {
	URL            string
	PingInterval   time.Duration
	DeadAfter      time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	OutboundBuffer int
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 2 * time.Second
	}
	if c.DeadAfter <= 0 {
		c.DeadAfter = 6 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Second
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = 64
	}
	return c
}

// Handler receives inbound envelopes of a subscribed type.
type Handler func(domain.Envelope)

// StateHandler observes connection state transitions.
type StateHandler func(ports.ConnState)

// Client maintains a signaling stream to the rendezvous server. It
// reconnects forever with capped exponential backoff, keeps the link
// alive with application pings and exposes inbound traffic through
// per-type handlers. Outbound envelopes go through a bounded buffer
// that drops the oldest entry under pressure so the caller never
// blocks on a slow link.
type Client struct {
	cfg    Config
	dialer ports.SignalDialer
	logger *zap.SugaredLogger

	mu        sync.RWMutex
	handlers  map[domain.EnvelopeType][]Handler
	stateSubs []StateHandler
	state     ports.ConnState

	out      chan domain.Envelope
	lastSeen atomic.Int64

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewClient(cfg Config, dialer ports.SignalDialer, logger *zap.SugaredLogger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:      cfg,
		dialer:   dialer,
		logger:   logger,
		handlers: make(map[domain.EnvelopeType][]Handler),
		out:      make(chan domain.Envelope, cfg.OutboundBuffer),
		done:     make(chan struct{}),
	}
}

// On registers a handler for the envelope type. Handlers run on the
// read goroutine and must not block; registration after Start is safe.
func (c *Client) On(t domain.EnvelopeType, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = append(c.handlers[t], h)
}

// OnState registers a connection state observer.
func (c *Client) OnState(h StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateSubs = append(c.stateSubs, h)
}

// State returns the current connection state.
func (c *Client) State() ports.ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Start launches the connect loop. Calling Start twice is a no-op.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		c.cancel = cancel
		go c.run(runCtx)
	})
}

// Close stops the connect loop and waits for it to finish.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
			<-c.done
		} else {
			close(c.done)
		}
	})
	return nil
}

// Send enqueues an envelope for delivery. When the buffer is full the
// oldest pending envelope is discarded to make room.
func (c *Client) Send(env domain.Envelope) {
	for {
		select {
		case c.out <- env:
			return
		default:
		}
		select {
		case dropped := <-c.out:
			c.logger.Warnw("outbound buffer full, dropping oldest envelope",
				"dropped_type", dropped.Type)
		default:
		}
	}
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	backoff := retry.Config{
		InitialDelay: c.cfg.BackoffInitial,
		MaxDelay:     c.cfg.BackoffMax,
		Multiplier:   2,
		Jitter:       true,
	}

	attempt := 0
	for ctx.Err() == nil {
		c.setState(ports.ConnConnecting)

		conn, err := c.dialer.Dial(ctx, c.cfg.URL)
		if err != nil {
			attempt++
			delay := backoff.Delay(attempt)
			c.logger.Warnw("signaling dial failed",
				"url", c.cfg.URL,
				"attempt", attempt,
				"retry_in", delay,
				"error", err)
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		c.logger.Infow("signaling connected", "url", c.cfg.URL)
		c.setState(ports.ConnConnected)
		c.serve(ctx, conn)
		c.setState(ports.ConnDisconnected)
	}
	c.setState(ports.ConnDisconnected)
}

// serve owns one established connection until it fails or the client
// shuts down.
func (c *Client) serve(ctx context.Context, conn ports.SignalConn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.lastSeen.Store(time.Now().UnixNano())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop(connCtx, conn)
		cancel()
	}()
	go func() {
		defer wg.Done()
		c.watchdog(connCtx, conn)
	}()
	// Unblocks the read loop on shutdown.
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warnw("signaling read failed", "error", err)
			}
			break
		}
		c.lastSeen.Store(time.Now().UnixNano())
		c.dispatch(env)
	}

	cancel()
	conn.Close()
	wg.Wait()
}

func (c *Client) writeLoop(ctx context.Context, conn ports.SignalConn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-c.out:
			if err := conn.WriteEnvelope(env); err != nil {
				c.logger.Warnw("signaling write failed", "type", env.Type, "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteEnvelope(domain.NewPing()); err != nil {
				c.logger.Warnw("signaling ping failed", "error", err)
				return
			}
		}
	}
}

// watchdog tears the connection down when nothing has arrived for
// DeadAfter. Closing the conn unblocks the read loop, which drives the
// reconnect.
func (c *Client) watchdog(ctx context.Context, conn ports.SignalConn) {
	interval := c.cfg.DeadAfter / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, c.lastSeen.Load())
			if silence := time.Since(last); silence > c.cfg.DeadAfter {
				c.logger.Warnw("signaling connection silent, closing",
					"silence", silence)
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) dispatch(env domain.Envelope) {
	if env.Type == domain.EnvelopePing {
		c.Send(domain.NewPong())
		return
	}

	c.mu.RLock()
	handlers := c.handlers[env.Type]
	c.mu.RUnlock()

	if len(handlers) == 0 && env.Type != domain.EnvelopePong {
		c.logger.Debugw("unhandled envelope", "type", env.Type)
		return
	}
	for _, h := range handlers {
		h(env)
	}
}

func (c *Client) setState(s ports.ConnState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	subs := make([]StateHandler, len(c.stateSubs))
	copy(subs, c.stateSubs)
	c.mu.Unlock()

	for _, h := range subs {
		h(s)
	}
}
