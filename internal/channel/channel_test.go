package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/lalith-99/chatsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory Conn. Frames pushed to inbound are received;
// breaking the conn makes Receive fail like a dropped socket.
type fakeConn struct {
	inbound chan Envelope
	broken  chan struct{}
	once    sync.Once

	mu   sync.Mutex
	sent []Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan Envelope, 16), broken: make(chan struct{})}
}

func (c *fakeConn) Send(_ context.Context, env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Receive(ctx context.Context) (Envelope, error) {
	select {
	case env := <-c.inbound:
		return env, nil
	case <-c.broken:
		return Envelope{}, errors.New("connection reset")
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.broken) })
	return nil
}

func (c *fakeConn) Sent() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.sent...)
}

type fakeTransport struct {
	mu     sync.Mutex
	conns  []*fakeConn
	fail   bool
	failed int
	dials  chan *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{dials: make(chan *fakeConn, 16)}
}

func (t *fakeTransport) Dial(ctx context.Context, userID uuid.UUID) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail {
		t.failed++
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	t.conns = append(t.conns, c)
	t.dials <- c
	return c, nil
}

func fastBackoff() Backoff {
	return Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}
}

func nextState(t *testing.T, ch *Channel) StateChange {
	t.Helper()
	select {
	case s, ok := <-ch.States():
		require.True(t, ok, "states closed unexpectedly")
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state change")
		return StateChange{}
	}
}

func TestChannel_JoinsOnConnectAndForwardsEvents(t *testing.T) {
	userID := uuid.New()
	tr := newFakeTransport()
	ch := New(Options{UserID: userID, Transport: tr, Backoff: fastBackoff()})
	require.NoError(t, ch.Start(context.Background()))
	defer ch.Close()

	assert.Equal(t, models.ConnConnecting, nextState(t, ch).To)
	connected := nextState(t, ch)
	assert.Equal(t, models.ConnConnected, connected.To)
	assert.False(t, connected.Reconnected)

	conn := <-tr.dials
	sent := conn.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, KindJoin, sent[0].Type)
	var join joinPayload
	require.NoError(t, json.Unmarshal(sent[0].Payload, &join))
	assert.Equal(t, userID, join.UserID)

	convID := uuid.New()
	env, err := NewEnvelope(Event{Kind: KindMessageArrived, ConversationID: convID})
	require.NoError(t, err)
	conn.inbound <- env

	select {
	case ev := <-ch.Events():
		assert.Equal(t, KindMessageArrived, ev.Kind)
		assert.Equal(t, convID, ev.ConversationID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not forwarded")
	}
}

func TestChannel_ReconnectRejoins(t *testing.T) {
	tr := newFakeTransport()
	ch := New(Options{UserID: uuid.New(), Transport: tr, Backoff: fastBackoff()})
	require.NoError(t, ch.Start(context.Background()))
	defer ch.Close()

	nextState(t, ch) // connecting
	nextState(t, ch) // connected
	first := <-tr.dials

	first.Close()

	assert.Equal(t, models.ConnReconnecting, nextState(t, ch).To)
	again := nextState(t, ch)
	assert.Equal(t, models.ConnConnected, again.To)
	assert.True(t, again.Reconnected)

	second := <-tr.dials
	require.Len(t, second.Sent(), 1)
	assert.Equal(t, KindJoin, second.Sent()[0].Type)
}

func TestChannel_GivesUpAfterMaxAttempts(t *testing.T) {
	tr := newFakeTransport()
	tr.fail = true
	b := fastBackoff()
	b.MaxAttempts = 3
	ch := New(Options{UserID: uuid.New(), Transport: tr, Backoff: b})
	require.NoError(t, ch.Start(context.Background()))

	assert.Equal(t, models.ConnConnecting, nextState(t, ch).To)
	assert.Equal(t, models.ConnReconnecting, nextState(t, ch).To)
	assert.Equal(t, models.ConnDisconnected, nextState(t, ch).To)

	_, ok := <-ch.Events()
	assert.False(t, ok, "events must close once the channel gives up")
	tr.mu.Lock()
	assert.Equal(t, 3, tr.failed)
	tr.mu.Unlock()
	require.NoError(t, ch.Close())
	assert.Equal(t, models.ConnDisconnected, ch.State())
}

func TestChannel_DropsUndecodableFrames(t *testing.T) {
	tr := newFakeTransport()
	ch := New(Options{UserID: uuid.New(), Transport: tr, Backoff: fastBackoff()})
	require.NoError(t, ch.Start(context.Background()))
	defer ch.Close()

	nextState(t, ch)
	nextState(t, ch)
	conn := <-tr.dials

	conn.inbound <- Envelope{Type: "typing-started", Payload: json.RawMessage(`{}`)}
	conn.inbound <- Envelope{Type: KindConversationDeleted, Payload: json.RawMessage(`{"conversationId":`)}
	good, err := NewEnvelope(Event{Kind: KindConversationDeleted, ConversationID: uuid.New()})
	require.NoError(t, err)
	conn.inbound <- good

	select {
	case ev := <-ch.Events():
		assert.Equal(t, KindConversationDeleted, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("valid event after garbage was not forwarded")
	}
}

func TestChannel_CloseReleasesConnection(t *testing.T) {
	tr := newFakeTransport()
	ch := New(Options{UserID: uuid.New(), Transport: tr, Backoff: fastBackoff()})
	require.NoError(t, ch.Start(context.Background()))

	nextState(t, ch)
	nextState(t, ch)
	conn := <-tr.dials

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.Equal(t, models.ConnDisconnected, ch.State())

	select {
	case <-conn.broken:
	default:
		t.Fatal("transport connection left open after Close")
	}
	assert.ErrorIs(t, ch.Start(context.Background()), ErrClosed)
}

func TestTransitions(t *testing.T) {
	assert.True(t, allowed(models.ConnDisconnected, models.ConnConnecting))
	assert.True(t, allowed(models.ConnConnecting, models.ConnConnected))
	assert.True(t, allowed(models.ConnConnected, models.ConnReconnecting))
	assert.True(t, allowed(models.ConnReconnecting, models.ConnConnected))
	assert.True(t, allowed(models.ConnReconnecting, models.ConnDisconnected))

	assert.False(t, allowed(models.ConnDisconnected, models.ConnConnected))
	assert.False(t, allowed(models.ConnConnected, models.ConnConnecting))
	assert.False(t, allowed(models.ConnReconnecting, models.ConnConnecting))
}

func TestDecodeFriendRequest(t *testing.T) {
	req := &models.FriendRequest{
		ID:             uuid.New(),
		RequesterID:    uuid.New(),
		RequesterName:  "Ana",
		RequesterEmail: "ana@example.com",
		SentAt:         time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	env, err := NewEnvelope(Event{Kind: KindFriendRequestReceived, Request: req})
	require.NoError(t, err)

	ev, err := Decode(env)
	require.NoError(t, err)
	require.NotNil(t, ev.Request)
	assert.Equal(t, req.ID, ev.Request.ID)
	assert.Equal(t, "Ana", ev.Request.RequesterName)
	assert.Equal(t, models.RequestPending, ev.Request.State)
	assert.True(t, req.SentAt.Equal(ev.Request.SentAt))

	_, err = Decode(Envelope{Type: "presence"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestBackoffPolicy(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}
	p := b.policy()
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, ms := range want {
		assert.Equal(t, ms*time.Millisecond, p.NextBackOff(), "retry %d", i)
	}
	p.Reset()
	assert.Equal(t, 100*time.Millisecond, p.NextBackOff())

	b.MaxAttempts = 3
	p = b.policy()
	assert.Equal(t, 100*time.Millisecond, p.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, p.NextBackOff())
	assert.Equal(t, backoff.Stop, p.NextBackOff())
	p.Reset()
	assert.Equal(t, 100*time.Millisecond, p.NextBackOff())
}

func TestBackoffPolicy_Jitter(t *testing.T) {
	p := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2, Jitter: 0.5}.policy()
	for i := 0; i < 20; i++ {
		d := p.NextBackOff()
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}
