package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/chatsync/internal/channel"
	"github.com/lalith-99/chatsync/internal/models"
	"github.com/lalith-99/chatsync/internal/repository"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	me      = uuid.MustParse("00000000-0000-4000-8000-000000000001")
	base    = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	errDown = errors.New("server unavailable")
)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

type fakeConversations struct {
	mu          sync.Mutex
	list        []models.Conversation
	threads     map[uuid.UUID][]models.Message
	listGate    chan struct{}
	threadGate  map[uuid.UUID]chan struct{}
	listCalls   int
	threadCalls int
	sendErr     error
	threadErr   error
	deleteErr   error
	nextID      int64
	sendAt      time.Time
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{
		threads:    make(map[uuid.UUID][]models.Message),
		threadGate: make(map[uuid.UUID]chan struct{}),
		nextID:     41,
		sendAt:     at(100),
	}
}

func (f *fakeConversations) setList(list ...models.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.list = list
}

func (f *fakeConversations) setThread(id uuid.UUID, msgs ...models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads[id] = msgs
}

func (f *fakeConversations) calls() (list, thread int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.threadCalls
}

func (f *fakeConversations) List(ctx context.Context) ([]models.Conversation, error) {
	f.mu.Lock()
	f.listCalls++
	gate := f.listGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Conversation(nil), f.list...), nil
}

func (f *fakeConversations) Thread(ctx context.Context, conversationID, _ uuid.UUID) ([]models.Message, error) {
	f.mu.Lock()
	f.threadCalls++
	gate := f.threadGate[conversationID]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.threadErr != nil {
		return nil, f.threadErr
	}
	return append([]models.Message(nil), f.threads[conversationID]...), nil
}

func (f *fakeConversations) Send(_ context.Context, recipientID uuid.UUID, content string) (*repository.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.nextID++
	for _, c := range f.list {
		if c.Counterpart.ID == recipientID {
			f.threads[c.ID] = append(f.threads[c.ID], models.Message{
				ID: f.nextID, ConversationID: c.ID, SenderID: me, Content: content,
				CreatedAt: f.sendAt, Status: models.StatusSent, Own: true,
			})
		}
	}
	return &repository.SendResult{ID: f.nextID, CreatedAt: f.sendAt}, nil
}

func (f *fakeConversations) Create(_ context.Context, recipientID uuid.UUID, initial string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.list = append(f.list, models.Conversation{
		ID:                 id,
		Participants:       [2]uuid.UUID{me, recipientID},
		Counterpart:        models.User{ID: recipientID},
		LastMessagePreview: initial,
		LastActivityAt:     f.sendAt,
		Active:             true,
	})
	return id, nil
}

func (f *fakeConversations) Delete(_ context.Context, _ uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteErr
}

type fakeRequests struct {
	mu           sync.Mutex
	pending      []models.FriendRequest
	respondErr   error
	respondGate  chan struct{}
	respondCalls int
}

func (f *fakeRequests) ListPending(context.Context) ([]models.FriendRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.FriendRequest(nil), f.pending...), nil
}

func (f *fakeRequests) Respond(ctx context.Context, _ uuid.UUID, _ repository.Response) error {
	f.mu.Lock()
	f.respondCalls++
	gate, err := f.respondGate, f.respondErr
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeRequests) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.respondCalls
}

type fakeNotifications struct {
	mu           sync.Mutex
	list         []models.Notification
	markErr      error
	marked       []uuid.UUID
	markAllCalls int
	invites      []uuid.UUID
}

func (f *fakeNotifications) setList(list ...models.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.list = list
}

func (f *fakeNotifications) List(_ context.Context, _ bool, _ int) ([]models.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Notification(nil), f.list...), nil
}

func (f *fakeNotifications) MarkRead(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, id)
	return nil
}

func (f *fakeNotifications) MarkAllRead(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markAllCalls++
	return f.markErr
}

func (f *fakeNotifications) SendCourseInvite(_ context.Context, recipientID uuid.UUID, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invites = append(f.invites, recipientID)
	return nil
}

func (f *fakeNotifications) markedIDs() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.marked...)
}

type mockUsers struct {
	mock.Mock
}

func (m *mockUsers) Me(ctx context.Context) (*models.User, error) {
	args := m.Called(ctx)
	u, _ := args.Get(0).(*models.User)
	return u, args.Error(1)
}

func (m *mockUsers) ChatCandidates(ctx context.Context) ([]models.User, error) {
	args := m.Called(ctx)
	users, _ := args.Get(0).([]models.User)
	return users, args.Error(1)
}

type harness struct {
	t      *testing.T
	r      *Reconciler
	convs  *fakeConversations
	reqs   *fakeRequests
	notifs *fakeNotifications
	users  *mockUsers
	events chan channel.Event
	states chan channel.StateChange
	clock  func() time.Time

	candidateCalls atomic.Int32
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		t:      t,
		convs:  newFakeConversations(),
		reqs:   &fakeRequests{},
		notifs: &fakeNotifications{},
		users:  &mockUsers{},
		events: make(chan channel.Event, 32),
		states: make(chan channel.StateChange, 8),
	}
	h.users.On("ChatCandidates", mock.Anything).
		Run(func(mock.Arguments) { h.candidateCalls.Add(1) }).
		Return([]models.User{{ID: uuid.New(), DisplayName: "Kim"}}, nil)
	return h
}

// start runs the reconciler until the test ends.
func (h *harness) start() *Reconciler {
	h.r = New(Options{
		UserID: me,
		Repos: Repositories{
			Users:         h.users,
			Conversations: h.convs,
			Requests:      h.reqs,
			Notifications: h.notifs,
		},
		Debounce: 5 * time.Millisecond,
		Clock:    h.clock,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.r.Run(ctx, h.events, h.states)
	}()
	h.t.Cleanup(func() {
		cancel()
		<-done
	})
	return h.r
}

func (h *harness) eventually(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, cond, 2*time.Second, 2*time.Millisecond, msg)
}

func (h *harness) conversation(id uuid.UUID) (models.Conversation, bool) {
	return h.r.Stores().Conversations.Get(id)
}

func summary(id uuid.UUID, activity time.Time, unread int) models.Conversation {
	return models.Conversation{
		ID:             id,
		Participants:   [2]uuid.UUID{me, uuid.NewSHA1(id, []byte("peer"))},
		Counterpart:    models.User{ID: uuid.NewSHA1(id, []byte("peer")), DisplayName: "Peer"},
		LastActivityAt: activity,
		UnreadCount:    unread,
		Active:         true,
	}
}

func incoming(conv uuid.UUID, id int64, sec int) models.Message {
	return models.Message{ID: id, ConversationID: conv, Content: "hi", CreatedAt: at(sec), Status: models.StatusDelivered}
}
