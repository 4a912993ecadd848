package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/chatsync/internal/channel"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Options configures the websocket transport.
type Options struct {
	// URL is the push endpoint, e.g. wss://api.example.com/v1/ws.
	URL string
	// Token is sent as a bearer credential on the upgrade request.
	Token string

	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// Transport dials gorilla/websocket connections to the push server.
type Transport struct {
	url    string
	token  string
	dialer *websocket.Dialer
	logger *zap.Logger
}

var _ channel.Transport = (*Transport)(nil)

func New(opts Options) *Transport {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Transport{
		url:   opts.URL,
		token: opts.Token,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		logger: opts.Logger.Named("ws"),
	}
}

// Dial opens a connection and starts its read and ping pumps.
func (t *Transport) Dial(ctx context.Context, userID uuid.UUID) (channel.Conn, error) {
	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", t.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", t.url, err)
	}

	c := &Conn{
		conn:   conn,
		frames: make(chan channel.Envelope, 64),
		closed: make(chan struct{}),
		logger: t.logger.With(zap.String("user_id", userID.String())),
	}
	go c.readPump()
	go c.pingPump()
	return c, nil
}

// Conn is one websocket connection. Gorilla allows one concurrent reader and
// one concurrent writer, so reads happen only in readPump and writes are
// serialized by writeMu.
type Conn struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	frames  chan channel.Envelope
	readErr error

	closeOnce sync.Once
	closed    chan struct{}
}

// Send writes one JSON frame.
func (c *Conn) Send(ctx context.Context, env channel.Envelope) error {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(deadline) //nolint:errcheck
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Receive returns the next frame, or the error that ended the read pump.
func (c *Conn) Receive(ctx context.Context) (channel.Envelope, error) {
	select {
	case env, ok := <-c.frames:
		if !ok {
			if c.readErr != nil {
				return channel.Envelope{}, c.readErr
			}
			return channel.Envelope{}, errors.New("connection closed")
		}
		return env, nil
	case <-ctx.Done():
		return channel.Envelope{}, ctx.Err()
	}
}

// Close sends a close frame (best effort) and closes the socket.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second)) //nolint:errcheck
		c.conn.WriteMessage(websocket.CloseMessage, //nolint:errcheck
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) readPump() {
	defer close(c.frames)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.readErr = fmt.Errorf("server closed connection: %w", err)
			} else {
				c.readErr = fmt.Errorf("read frame: %w", err)
			}
			return
		}
		var env channel.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// A bad frame is the server's problem, not a broken connection.
			c.logger.Debug("skipping malformed frame", zap.Error(err))
			continue
		}
		// Any frame counts as liveness, same as a pong.
		c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck

		select {
		case c.frames <- env:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		case <-c.closed:
			return
		}
	}
}
