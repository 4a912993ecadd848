package natsx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/chatsync/internal/channel"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// JoinSubject receives the join announcement of every session.
	JoinSubject = "chatsync.join"
	// userSubjectPrefix + user id is where the server publishes a user's events.
	userSubjectPrefix = "chatsync.users."
)

// UserSubject is the subject a user's push events are published on.
func UserSubject(userID uuid.UUID) string {
	return userSubjectPrefix + userID.String()
}

// Options configures the NATS transport.
type Options struct {
	Servers []string
	Name    string
	Token   string
	Timeout time.Duration
	Logger  *zap.Logger
}

// Transport delivers push events over core NATS subjects. Reconnects are
// owned by channel.Channel, so the nats client never reconnects on its own.
type Transport struct {
	cfg    Options
	logger *zap.Logger
}

var _ channel.Transport = (*Transport)(nil)

func New(opts Options) (*Transport, error) {
	if len(opts.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if opts.Name == "" {
		opts.Name = "chatsync"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Transport{cfg: opts, logger: opts.Logger.Named("nats")}, nil
}

// Dial connects and subscribes to the user's subject. The subscription is in
// place before Dial returns so nothing published after the join is missed.
func (t *Transport) Dial(ctx context.Context, userID uuid.UUID) (channel.Conn, error) {
	c := &Conn{
		msgs:   make(chan *nats.Msg, 256),
		lost:   make(chan struct{}),
		logger: t.logger.With(zap.String("user_id", userID.String())),
	}

	timeout := t.cfg.Timeout
	if d, ok := ctx.Deadline(); ok {
		if left := time.Until(d); left < timeout {
			timeout = left
		}
	}

	opts := []nats.Option{
		nats.Name(t.cfg.Name),
		nats.NoReconnect(),
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) { c.markLost(err) }),
		nats.ClosedHandler(func(*nats.Conn) { c.markLost(nil) }),
	}
	if t.cfg.Token != "" {
		opts = append(opts, nats.Token(t.cfg.Token))
	}

	nc, err := nats.Connect(strings.Join(t.cfg.Servers, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	sub, err := nc.ChanSubscribe(UserSubject(userID), c.msgs)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s: %w", UserSubject(userID), err)
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)

	c.nc = nc
	c.sub = sub
	return c, nil
}

// Conn is one NATS connection bound to a single user subject.
type Conn struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	msgs   chan *nats.Msg
	logger *zap.Logger

	lostOnce sync.Once
	lost     chan struct{}
	lostErr  error
}

func (c *Conn) markLost(err error) {
	c.lostOnce.Do(func() {
		if err == nil {
			err = errors.New("nats connection closed")
		}
		c.lostErr = err
		close(c.lost)
	})
}

// Send publishes the envelope. Join frames go to JoinSubject; anything else
// is published back on the connection's own subject.
func (c *Conn) Send(ctx context.Context, env channel.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	subject := c.sub.Subject
	if env.Type == channel.KindJoin {
		subject = JoinSubject
	}
	if err := c.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return c.nc.FlushWithContext(ctx)
}

// Receive returns the next decodable frame from the user subject.
func (c *Conn) Receive(ctx context.Context) (channel.Envelope, error) {
	for {
		select {
		case m := <-c.msgs:
			var env channel.Envelope
			if err := json.Unmarshal(m.Data, &env); err != nil {
				c.logger.Debug("skipping malformed message", zap.String("subject", m.Subject), zap.Error(err))
				continue
			}
			return env, nil
		case <-c.lost:
			return channel.Envelope{}, fmt.Errorf("nats connection lost: %w", c.lostErr)
		case <-ctx.Done():
			return channel.Envelope{}, ctx.Err()
		}
	}
}

func (c *Conn) Close() error {
	_ = c.sub.Unsubscribe()
	c.nc.Close()
	return nil
}
