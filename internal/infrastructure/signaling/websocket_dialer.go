package signaling

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// WebSocketDialer opens signaling streams over websocket. Envelopes are
// single JSON text frames.
type WebSocketDialer struct {
	dialer *websocket.Dialer
}

func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

var _ ports.SignalDialer = (*WebSocketDialer)(nil)

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (ports.SignalConn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	drainHandshakeResponse(resp)
	return &wsConn{ws: ws}, nil
}

func drainHandshakeResponse(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadEnvelope() (domain.Envelope, error) {
	var env domain.Envelope
	if err := c.ws.ReadJSON(&env); err != nil {
		return domain.Envelope{}, err
	}
	return env, nil
}

func (c *wsConn) WriteEnvelope(env domain.Envelope) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(env)
}

func (c *wsConn) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}
