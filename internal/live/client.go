// Package live follows the backend's push channel for finished analyses.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"circadgo/internal/events"
	"circadgo/internal/logger"
	"circadgo/internal/models"
)

const (
	updatesPath = "/ws/updates/"

	minBackoff = time.Second
	maxBackoff = 30 * time.Second
	pongWait   = 60 * time.Second
	writeWait  = 10 * time.Second
)

// DeriveURL returns the updates socket for an API base such as
// http://host:8000/api/.
func DeriveURL(apiBase string) (string, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported api scheme %q", u.Scheme)
	}
	u.Path = updatesPath
	u.RawQuery = ""
	return u.String(), nil
}

// Client holds one reconnecting connection to the updates socket.
type Client struct {
	url    string
	bus    *events.Bus
	dialer *websocket.Dialer
	log    *zap.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
	pongWait   time.Duration
	connected  atomic.Bool
}

type Option func(*Client)

// WithBackoff overrides the reconnect delay bounds.
func WithBackoff(lo, hi time.Duration) Option {
	return func(c *Client) {
		c.minBackoff, c.maxBackoff = lo, hi
	}
}

// WithKeepalive sets how long a silent connection may stay open. Pings go
// out at nine tenths of it.
func WithKeepalive(wait time.Duration) Option {
	return func(c *Client) {
		if wait > 0 {
			c.pongWait = wait
		}
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func New(wsURL string, bus *events.Bus, log *zap.Logger, opts ...Option) *Client {
	c := &Client{
		url:        wsURL,
		bus:        bus,
		dialer:     websocket.DefaultDialer,
		log:        logger.OrNop(log).Named("live"),
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		pongWait:   pongWait,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connected reports whether the socket is currently open.
func (c *Client) Connected() bool { return c.connected.Load() }

// Run keeps the connection open until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.minBackoff
	for {
		start := time.Now()
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A session that stayed up for a while resets the delay.
		if time.Since(start) > c.maxBackoff {
			backoff = c.minBackoff
		}
		c.log.Warn("live updates disconnected", zap.Error(err), zap.Duration("retry_in", backoff))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, http.Header{})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s: %w", c.url, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()

	c.setConnected(true)
	defer c.setConnected(false)
	c.log.Info("live updates connected", zap.String("url", c.url))

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	extend := func() error { return conn.SetReadDeadline(time.Now().Add(c.pongWait)) }
	_ = extend()
	conn.SetPongHandler(func(string) error { return extend() })
	conn.SetPingHandler(func(appData string) error {
		_ = extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})

	done := make(chan struct{})
	defer close(done)
	go c.keepalive(conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errors.New("closed by server")
			}
			return err
		}
		_ = extend()
		c.handle(data)
	}
}

// keepalive pings the server until done closes. A failed ping closes the
// connection so the reader returns.
func (c *Client) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.pongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Client) handle(data []byte) {
	var msg models.LiveUpdate
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Debug("ignoring malformed frame", zap.Error(err))
		return
	}
	if msg.Type != models.LiveAnalysisUpdate || msg.Data == nil {
		return
	}
	c.log.Info("analysis update",
		zap.Int64("analysis_id", msg.Data.ID),
		zap.String("status", msg.Data.Status))
	c.bus.Publish(events.Event{Type: events.LiveUpdate, Message: msg.Message, Live: &msg})
}

func (c *Client) setConnected(v bool) {
	if c.connected.Swap(v) == v {
		return
	}
	msg := "Disconnected from live updates"
	if v {
		msg = "Real-time connection active"
	}
	c.bus.Publish(events.Event{Type: events.LiveConnection, Connected: v, Message: msg})
}
