package stream

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tunnelops/ratewatch/internal/export"
	"github.com/tunnelops/ratewatch/internal/telemetry"
)

// WebSocketConfig configures the WebSocket transport.
type WebSocketConfig struct {
	// BaseURL is the ws:// or wss:// endpoint of the telemetry
	// gateway. The per-target stream path is derived from it.
	BaseURL string `yaml:"base_url"`

	// HandshakeTimeout bounds the dial handshake. Defaults to 10s.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// PongWait is how long to wait for a pong before declaring the
	// connection dead. Defaults to 60s.
	PongWait time.Duration `yaml:"pong_wait"`

	// MaxMessageSize limits incoming frame size in bytes.
	// Defaults to 64KiB.
	MaxMessageSize int64 `yaml:"max_message_size"`
}

// WebSocketTransport dials per-target push streams over WebSocket.
// Envelopes arrive as JSON text frames.
type WebSocketTransport struct {
	log    logrus.FieldLogger
	cfg    WebSocketConfig
	health *export.HealthMetrics
}

var _ Transport = (*WebSocketTransport)(nil)

// NewWebSocketTransport creates a WebSocket transport.
func NewWebSocketTransport(
	log logrus.FieldLogger,
	cfg WebSocketConfig,
	health *export.HealthMetrics,
) *WebSocketTransport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}

	return &WebSocketTransport{
		log:    log.WithField("component", "transport"),
		cfg:    cfg,
		health: health,
	}
}

func (t *WebSocketTransport) Dial(
	ctx context.Context,
	targetID string,
) (Conn, error) {
	u, err := url.Parse(t.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL %q: %w", t.cfg.BaseURL, err)
	}

	u.Path = path.Join(u.Path, "events")

	q := u.Query()
	q.Set("target", targetID)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: t.cfg.HandshakeTimeout,
	}

	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", u.String(), err)
	}

	ws.SetReadLimit(t.cfg.MaxMessageSize)

	if err := ws.SetReadDeadline(time.Now().Add(t.cfg.PongWait)); err != nil {
		ws.Close()

		return nil, fmt.Errorf("setting read deadline: %w", err)
	}

	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	})

	c := &wsConn{
		log:      t.log.WithField("target", targetID),
		ws:       ws,
		health:   t.health,
		pongWait: t.cfg.PongWait,
		done:     make(chan struct{}),
	}

	go c.pingLoop()

	return c, nil
}

type wsConn struct {
	log      logrus.FieldLogger
	ws       *websocket.Conn
	health   *export.HealthMetrics
	pongWait time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) Receive(ctx context.Context) (telemetry.Envelope, error) {
	for {
		if err := ctx.Err(); err != nil {
			return telemetry.Envelope{}, err
		}

		if err := c.ws.SetReadDeadline(
			time.Now().Add(c.pongWait),
		); err != nil {
			return telemetry.Envelope{}, fmt.Errorf(
				"setting read deadline: %w", err,
			)
		}

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return telemetry.Envelope{}, fmt.Errorf("reading frame: %w", err)
		}

		env, malformed, err := telemetry.DecodeEnvelope(data)
		if err != nil {
			// A bad frame is dropped, not fatal.
			c.log.WithError(err).Debug("Dropping undecodable frame")
			c.health.SamplesDropped.
				WithLabelValues(export.DropMalformed).Inc()

			continue
		}

		if malformed > 0 {
			c.log.WithField("count", malformed).
				Debug("Dropped non-numeric metric values")
			c.health.SamplesDropped.
				WithLabelValues(export.DropMalformed).
				Add(float64(malformed))
		}

		return env, nil
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})

	return c.ws.Close()
}

// pingLoop keeps the connection alive. The pong handler extends the
// read deadline, so a peer that stops answering makes Receive fail.
func (c *wsConn) pingLoop() {
	// Ping interval must be shorter than the pong wait.
	ticker := time.NewTicker(c.pongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := c.ws.WriteControl(
				websocket.PingMessage, nil, deadline,
			); err != nil {
				c.log.WithError(err).Debug("Ping failed")

				return
			}
		}
	}
}
