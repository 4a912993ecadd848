package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/chatsync/internal/models"
	"github.com/lalith-99/chatsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

func unreadConv(sec, unread int) models.Conversation {
	return models.Conversation{ID: uuid.New(), LastActivityAt: at(sec), UnreadCount: unread, LastMessagePreview: "hey"}
}

func note(sec int) models.Notification {
	return models.Notification{ID: uuid.New(), Type: models.NotificationCourseInvite, CreatedAt: at(sec)}
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestCompose_OrderWithTie(t *testing.T) {
	msgA := unreadConv(10, 1)
	notifB := note(12)
	msgC := unreadConv(12, 1)

	got := Compose([]models.Conversation{msgA, msgC}, []models.Notification{notifB})
	require.Len(t, got, 3)

	// Equal timestamps break on entry id; conversation ids sort before
	// notification ids.
	want := []string{
		EntryID(KindConversation, msgC.ID),
		EntryID(KindNotification, notifB.ID),
		EntryID(KindConversation, msgA.ID),
	}
	assert.Equal(t, want, ids(got))

	again := Compose([]models.Conversation{msgC, msgA}, []models.Notification{notifB})
	assert.Equal(t, want, ids(again), "order must not depend on input order")
}

func TestCompose_SkipsReadConversations(t *testing.T) {
	read := unreadConv(20, 0)
	unread := unreadConv(10, 2)
	got := Compose([]models.Conversation{read, unread}, nil)
	require.Len(t, got, 1)
	assert.Equal(t, unread.ID, got[0].ConversationID)
	assert.Equal(t, 2, got[0].UnreadCount)
}

func TestCompose_DeduplicatesLogicalNotifications(t *testing.T) {
	ref := uuid.NewString()
	local := models.Notification{ID: uuid.New(), Type: models.NotificationFriendRequest, RefID: ref, CreatedAt: at(5), Local: true}
	server := models.Notification{ID: uuid.New(), Type: models.NotificationFriendRequest, RefID: ref, CreatedAt: at(4)}

	got := Compose(nil, []models.Notification{local, server})
	require.Len(t, got, 1)
	assert.Equal(t, EntryID(KindNotification, server.ID), got[0].ID)
	require.NotNil(t, got[0].Notification)
	assert.False(t, got[0].Notification.Local)
}

func TestParseEntryID(t *testing.T) {
	id := uuid.New()
	kind, got, err := ParseEntryID("notification:" + id.String())
	require.NoError(t, err)
	assert.Equal(t, KindNotification, kind)
	assert.Equal(t, id, got)

	for _, bad := range []string{"", "conversation", "thread:" + id.String(), "conversation:nope"} {
		_, _, err := ParseEntryID(bad)
		assert.ErrorIs(t, err, ErrUnknownEntry, bad)
	}
}

// storeMarker applies marks straight to the stores and counts how many
// would have reached the server.
type storeMarker struct {
	mu     sync.Mutex
	convs  *store.ConversationStore
	notifs *store.NotificationStore
	calls  int
}

func (m *storeMarker) MarkRead(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, _ := m.convs.Get(id)
	if m.convs.MarkRead(id, c.LastActivityAt) {
		m.calls++
	}
	return nil
}

func (m *storeMarker) MarkNotificationRead(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notifs.MarkRead(id) {
		m.calls++
	}
	return nil
}

func newFeed(t *testing.T) (*Feed, *storeMarker) {
	t.Helper()
	m := &storeMarker{convs: store.NewConversationStore(), notifs: store.NewNotificationStore()}
	return New(m.convs, m.notifs, m), m
}

func TestFeed_EntriesAndUnreadCount(t *testing.T) {
	f, m := newFeed(t)
	c := unreadConv(10, 3)
	read := note(5)
	read.Read = true
	fresh := note(7)
	m.convs.Upsert(c)
	m.notifs.Merge([]models.Notification{read, fresh})

	assert.Len(t, f.Entries(false), 3)
	unread := f.Entries(true)
	assert.Equal(t, []string{EntryID(KindConversation, c.ID), EntryID(KindNotification, fresh.ID)}, ids(unread))
	assert.Equal(t, 2, f.UnreadCount())
}

func TestFeed_MarkConsumedConcurrentSurfaces(t *testing.T) {
	f, m := newFeed(t)
	c := unreadConv(10, 3)
	n := note(12)
	m.convs.Upsert(c)
	m.notifs.Upsert(n)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for _, entry := range []string{EntryID(KindConversation, c.ID), EntryID(KindNotification, n.ID)} {
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(entry string) {
				defer wg.Done()
				errs <- f.MarkConsumed(context.Background(), entry)
			}(entry)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Equal(t, 2, m.calls, "each entry is marked once")
	assert.Equal(t, 0, f.UnreadCount())
	got, _ := m.convs.Get(c.ID)
	assert.Equal(t, 0, got.UnreadCount)
}

func TestFeed_MarkConsumedUnknown(t *testing.T) {
	f, _ := newFeed(t)
	assert.ErrorIs(t, f.MarkConsumed(context.Background(), EntryID(KindConversation, uuid.New())), ErrUnknownEntry)
	assert.ErrorIs(t, f.MarkConsumed(context.Background(), EntryID(KindNotification, uuid.New())), ErrUnknownEntry)
	assert.ErrorIs(t, f.MarkConsumed(context.Background(), "garbage"), ErrUnknownEntry)
}
