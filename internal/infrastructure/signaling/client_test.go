package signaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeConn is a scriptable signaling stream: the test feeds inbound
// envelopes through a channel and collects everything written.
type fakeConn struct {
	inbound chan domain.Envelope

	mu      sync.Mutex
	written []domain.Envelope
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan domain.Envelope, 16)}
}

func (c *fakeConn) ReadEnvelope() (domain.Envelope, error) {
	env, ok := <-c.inbound
	if !ok {
		return domain.Envelope{}, errors.New("connection closed")
	}
	return env, nil
}

func (c *fakeConn) WriteEnvelope(env domain.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	c.written = append(c.written, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *fakeConn) writtenTypes() []domain.EnvelopeType {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]domain.EnvelopeType, 0, len(c.written))
	for _, env := range c.written {
		types = append(types, env.Type)
	}
	return types
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  int // dial errors before the next success
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (ports.SignalConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail > 0 {
		d.fail--
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func newTestClient(dialer *fakeDialer) *Client {
	return NewClient(Config{
		URL:            "ws://rendezvous.test/ws",
		PingInterval:   time.Hour, // keep pings out of write assertions
		DeadAfter:      time.Hour,
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
	}, dialer, zap.NewNop().Sugar())
}

func TestDispatchToHandlers(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(dialer)
	defer client.Close()

	got := make(chan domain.Envelope, 1)
	client.On(domain.EnvelopeJoinAck, func(env domain.Envelope) { got <- env })

	client.Start(context.Background())
	require.Eventually(t, func() bool { return dialer.dials() == 1 }, time.Second, 5*time.Millisecond)

	dialer.conn(0).inbound <- domain.NewJoinAck("room", "alice", nil)

	select {
	case env := <-got:
		assert.Equal(t, domain.RoomID("room"), env.RoomID)
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestInboundPingAnsweredWithPong(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(dialer)
	defer client.Close()

	client.Start(context.Background())
	require.Eventually(t, func() bool { return dialer.dials() == 1 }, time.Second, 5*time.Millisecond)

	conn := dialer.conn(0)
	conn.inbound <- domain.NewPing()

	require.Eventually(t, func() bool {
		for _, typ := range conn.writtenTypes() {
			if typ == domain.EnvelopePong {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestSendDropsOldestUnderPressure(t *testing.T) {
	// No dial ever succeeds, so nothing drains the buffer.
	dialer := &fakeDialer{fail: 1 << 30}
	client := NewClient(Config{
		URL:            "ws://rendezvous.test/ws",
		OutboundBuffer: 2,
		BackoffInitial: time.Hour,
		BackoffMax:     time.Hour,
	}, dialer, zap.NewNop().Sugar())
	defer client.Close()

	client.Send(domain.NewOffer("a", "first"))
	client.Send(domain.NewOffer("a", "second"))
	client.Send(domain.NewOffer("a", "third"))

	first := <-client.out
	payload, err := first.DecodeSessionDescription()
	require.NoError(t, err)
	assert.Equal(t, "second", payload.SDP)
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(dialer)
	defer client.Close()

	client.Start(context.Background())
	require.Eventually(t, func() bool { return dialer.dials() == 1 }, time.Second, 5*time.Millisecond)

	dialer.conn(0).Close()

	require.Eventually(t, func() bool { return dialer.dials() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return client.State() == ports.ConnConnected }, time.Second, 5*time.Millisecond)
}

func TestStateTransitions(t *testing.T) {
	dialer := &fakeDialer{fail: 1}
	client := newTestClient(dialer)
	defer client.Close()

	var mu sync.Mutex
	var states []ports.ConnState
	client.OnState(func(s ports.ConnState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	client.Start(context.Background())
	require.Eventually(t, func() bool { return client.State() == ports.ConnConnected }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ports.ConnConnecting, states[0])
	assert.Contains(t, states, ports.ConnConnected)
}

func TestCloseStopsReconnecting(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(dialer)

	client.Start(context.Background())
	require.Eventually(t, func() bool { return dialer.dials() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, client.Close())
	assert.Equal(t, ports.ConnDisconnected, client.State())

	dials := dialer.dials()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, dials, dialer.dials())
}

func TestPingsFlowOnInterval(t *testing.T) {
	dialer := &fakeDialer{}
	client := NewClient(Config{
		URL:          "ws://rendezvous.test/ws",
		PingInterval: 10 * time.Millisecond,
		DeadAfter:    time.Hour,
	}, dialer, zap.NewNop().Sugar())
	defer client.Close()

	client.Start(context.Background())
	require.Eventually(t, func() bool { return dialer.dials() == 1 }, time.Second, 5*time.Millisecond)

	conn := dialer.conn(0)
	require.Eventually(t, func() bool {
		pings := 0
		for _, typ := range conn.writtenTypes() {
			if typ == domain.EnvelopePing {
				pings++
			}
		}
		return pings >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestWatchdogClosesSilentConnection(t *testing.T) {
	dialer := &fakeDialer{}
	client := NewClient(Config{
		URL:          "ws://rendezvous.test/ws",
		PingInterval: time.Hour,
		DeadAfter:    50 * time.Millisecond,
	}, dialer, zap.NewNop().Sugar())
	defer client.Close()

	client.Start(context.Background())
	require.Eventually(t, func() bool { return dialer.dials() == 1 }, time.Second, 5*time.Millisecond)

	// Nothing arrives; the watchdog must tear the connection down and
	// the client must dial again.
	require.Eventually(t, func() bool { return dialer.dials() >= 2 }, 2*time.Second, 10*time.Millisecond)
}
