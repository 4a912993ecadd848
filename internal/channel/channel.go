package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/lalith-99/chatsync/internal/models"
	"go.uber.org/zap"
)

// Transport opens push connections. Implementations live in
// internal/transport.
type Transport interface {
	Dial(ctx context.Context, userID uuid.UUID) (Conn, error)
}

// Conn is one open push connection. Receive blocks until a frame arrives,
// the connection breaks (non-nil error) or ctx is done.
type Conn interface {
	Send(ctx context.Context, env Envelope) error
	Receive(ctx context.Context) (Envelope, error)
	Close() error
}

// StateChange is published on every accepted state transition.
type StateChange struct {
	From models.ConnState
	To   models.ConnState
	// Reconnected is true when To is connected after an earlier loss. The
	// consumer should resync because events may have been missed.
	Reconnected bool
	At          time.Time
}

// ErrClosed is returned when starting a channel that was already closed.
var ErrClosed = errors.New("channel closed")

var transitions = map[models.ConnState][]models.ConnState{
	models.ConnDisconnected: {models.ConnConnecting},
	models.ConnConnecting:   {models.ConnConnected, models.ConnReconnecting, models.ConnDisconnected},
	models.ConnConnected:    {models.ConnReconnecting, models.ConnDisconnected},
	models.ConnReconnecting: {models.ConnConnected, models.ConnDisconnected},
}

func allowed(from, to models.ConnState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Options configures a Channel.
type Options struct {
	UserID    uuid.UUID
	Transport Transport
	Backoff   Backoff

	// EventBuffer sizes the event stream. Zero means 64.
	EventBuffer int

	Logger *zap.Logger
}

// Channel is the session's single push connection (the SessionConnection).
// It joins on every successful dial, reconnects with backoff on loss, and
// only forwards domain events while connected.
type Channel struct {
	userID    uuid.UUID
	transport Transport
	backoff   Backoff
	logger    *zap.Logger

	mu      sync.Mutex
	state   models.ConnState
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}

	events chan Event
	states chan StateChange
}

func New(opts Options) *Channel {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Channel{
		userID:    opts.UserID,
		transport: opts.Transport,
		backoff:   opts.Backoff.norm(),
		logger:    opts.Logger.Named("channel").With(zap.String("user_id", opts.UserID.String())),
		state:     models.ConnDisconnected,
		done:      make(chan struct{}),
		events:    make(chan Event, opts.EventBuffer),
		states:    make(chan StateChange, 32),
	}
}

// UserID is the identity this connection is bound to.
func (c *Channel) UserID() uuid.UUID {
	return c.userID
}

// State returns the current connection state.
func (c *Channel) State() models.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events is the typed event stream. It has a single intended consumer, the
// reconciler, and is closed after Close returns.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// States reports state transitions. Closed after Close returns.
func (c *Channel) States() <-chan StateChange {
	return c.states
}

// Start begins connecting in the background. It may be called once.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return fmt.Errorf("start channel: already started")
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
	return nil
}

// Close tears the connection down and waits for the background loop to
// exit. Safe to call more than once and before Start.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	started := c.started
	cancel := c.cancel
	c.mu.Unlock()

	if !started {
		close(c.done)
		close(c.events)
		close(c.states)
		return nil
	}
	cancel()
	<-c.done
	return nil
}

func (c *Channel) run(ctx context.Context) {
	defer func() {
		c.transition(ctx, models.ConnDisconnected, false)
		close(c.events)
		close(c.states)
		close(c.done)
	}()

	c.transition(ctx, models.ConnConnecting, false)

	retry := c.backoff.policy()
	failures := 0
	everConnected := false
	for {
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			c.logger.Warn("push connect failed", zap.Int("attempt", failures), zap.Error(err))
			c.transition(ctx, models.ConnReconnecting, false)
			delay := retry.NextBackOff()
			if delay == backoff.Stop {
				c.logger.Error("giving up on push connection", zap.Int("attempts", failures))
				return
			}
			if !c.sleep(ctx, delay) {
				return
			}
			continue
		}

		failures = 0
		retry.Reset()
		c.transition(ctx, models.ConnConnected, everConnected)
		everConnected = true

		err = c.pump(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("push connection lost", zap.Error(err))
		c.transition(ctx, models.ConnReconnecting, false)
		if !c.sleep(ctx, c.backoff.Initial) {
			return
		}
	}
}

// connect dials and announces the session. The server routes events to
// this connection only after the join, so a failed join is a failed dial.
func (c *Channel) connect(ctx context.Context) (Conn, error) {
	conn, err := c.transport.Dial(ctx, c.userID)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if err := conn.Send(ctx, JoinEnvelope(c.userID)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send join: %w", err)
	}
	return conn, nil
}

func (c *Channel) pump(ctx context.Context, conn Conn) error {
	for {
		env, err := conn.Receive(ctx)
		if err != nil {
			return err
		}
		ev, err := Decode(env)
		if err != nil {
			c.logger.Debug("dropping push frame", zap.String("type", string(env.Type)), zap.Error(err))
			continue
		}
		if c.State() != models.ConnConnected {
			continue
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Channel) transition(ctx context.Context, to models.ConnState, reconnected bool) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	if !allowed(from, to) {
		c.mu.Unlock()
		c.logger.Error("refusing connection state transition",
			zap.Stringer("from", from), zap.Stringer("to", to))
		return
	}
	c.state = to
	c.mu.Unlock()

	c.logger.Info("connection state", zap.Stringer("from", from), zap.Stringer("to", to))

	change := StateChange{From: from, To: to, Reconnected: reconnected, At: time.Now()}
	select {
	case c.states <- change:
	case <-ctx.Done():
		// Teardown: nobody may be draining states any more.
		select {
		case c.states <- change:
		default:
		}
	}
}

func (c *Channel) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
