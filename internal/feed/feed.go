// Package feed composes the unified activity feed from unread conversations
// and system notifications.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/chatsync/internal/models"
	"github.com/lalith-99/chatsync/internal/reconcile"
	"github.com/lalith-99/chatsync/internal/store"
)

// ErrUnknownEntry is returned for entry ids that do not name a known
// conversation or notification.
var ErrUnknownEntry = errors.New("unknown feed entry")

type Kind string

const (
	KindConversation Kind = "conversation"
	KindNotification Kind = "notification"
)

// Entry is one row of the feed.
type Entry struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Unread    bool      `json:"unread"`
	Title     string    `json:"title"`
	Preview   string    `json:"preview"`

	ConversationID uuid.UUID            `json:"conversation_id,omitempty"`
	UnreadCount    int                  `json:"unread_count,omitempty"`
	Notification   *models.Notification `json:"notification,omitempty"`
}

// EntryID builds the feed id for an entity.
func EntryID(kind Kind, id uuid.UUID) string {
	return string(kind) + ":" + id.String()
}

// ParseEntryID splits a feed id into its kind and entity id.
func ParseEntryID(entryID string) (Kind, uuid.UUID, error) {
	prefix, raw, ok := strings.Cut(entryID, ":")
	if !ok {
		return "", uuid.Nil, fmt.Errorf("%w: %q", ErrUnknownEntry, entryID)
	}
	kind := Kind(prefix)
	if kind != KindConversation && kind != KindNotification {
		return "", uuid.Nil, fmt.Errorf("%w: %q", ErrUnknownEntry, entryID)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("%w: %q", ErrUnknownEntry, entryID)
	}
	return kind, id, nil
}

// Compose merges conversations with unread activity and notifications into
// one list, newest first, ties broken by entry id. Notifications sharing a
// logical key appear once; a server copy wins over a local one, otherwise
// the newest wins.
func Compose(conversations []models.Conversation, notifications []models.Notification) []Entry {
	entries := make([]Entry, 0, len(conversations)+len(notifications))
	for _, c := range conversations {
		if c.UnreadCount <= 0 {
			continue
		}
		entries = append(entries, Entry{
			ID:             EntryID(KindConversation, c.ID),
			Kind:           KindConversation,
			Timestamp:      c.LastActivityAt,
			Unread:         true,
			Title:          c.Counterpart.DisplayName,
			Preview:        c.LastMessagePreview,
			ConversationID: c.ID,
			UnreadCount:    c.UnreadCount,
		})
	}

	best := make(map[string]models.Notification, len(notifications))
	for _, n := range notifications {
		key := n.LogicalKey()
		prev, ok := best[key]
		if !ok || preferNotification(n, prev) {
			best[key] = n
		}
	}
	for _, n := range best {
		entries = append(entries, Entry{
			ID:           EntryID(KindNotification, n.ID),
			Kind:         KindNotification,
			Timestamp:    n.CreatedAt,
			Unread:       !n.Read,
			Title:        n.SenderName,
			Preview:      n.Message,
			Notification: &n,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.After(entries[j].Timestamp)
		}
		return entries[i].ID < entries[j].ID
	})
	return entries
}

func preferNotification(n, prev models.Notification) bool {
	if n.Local != prev.Local {
		return !n.Local
	}
	if !n.CreatedAt.Equal(prev.CreatedAt) {
		return n.CreatedAt.After(prev.CreatedAt)
	}
	return n.ID.String() < prev.ID.String()
}

// Marker clears unread state. *reconcile.Reconciler implements it.
type Marker interface {
	MarkRead(ctx context.Context, conversationID uuid.UUID) error
	MarkNotificationRead(ctx context.Context, notificationID uuid.UUID) error
}

// Feed is the live view over the session stores. Any number of surfaces may
// read it and consume entries concurrently.
type Feed struct {
	conversations *store.ConversationStore
	notifications *store.NotificationStore
	marker        Marker
}

func New(conversations *store.ConversationStore, notifications *store.NotificationStore, marker Marker) *Feed {
	return &Feed{conversations: conversations, notifications: notifications, marker: marker}
}

// Entries returns the current feed, optionally only unread entries.
func (f *Feed) Entries(unreadOnly bool) []Entry {
	all := Compose(f.conversations.List(), f.notifications.List())
	if !unreadOnly {
		return all
	}
	out := all[:0]
	for _, e := range all {
		if e.Unread {
			out = append(out, e)
		}
	}
	return out
}

// UnreadCount is the number of unread entries.
func (f *Feed) UnreadCount() int {
	n := 0
	for _, e := range f.Entries(false) {
		if e.Unread {
			n++
		}
	}
	return n
}

// MarkConsumed clears the unread state behind an entry. Consuming an entry
// that is already read is a no-op.
func (f *Feed) MarkConsumed(ctx context.Context, entryID string) error {
	kind, id, err := ParseEntryID(entryID)
	if err != nil {
		return err
	}

	switch kind {
	case KindConversation:
		if _, ok := f.conversations.Get(id); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownEntry, entryID)
		}
		err = f.marker.MarkRead(ctx, id)
	case KindNotification:
		if _, ok := f.notifications.Find(id); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownEntry, entryID)
		}
		err = f.marker.MarkNotificationRead(ctx, id)
	}
	if errors.Is(err, reconcile.ErrNotFound) {
		// Removed between the lookup and the mark.
		return fmt.Errorf("%w: %q", ErrUnknownEntry, entryID)
	}
	return err
}
