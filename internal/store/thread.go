package store

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/chatsync/internal/models"
)

// MessageThreadCache holds the messages of the one open conversation.
type MessageThreadCache struct {
	mu     sync.RWMutex
	openID uuid.UUID
	loaded bool
	msgs   []models.Message
}

func NewMessageThreadCache() *MessageThreadCache {
	return &MessageThreadCache{}
}

// OpenID returns the open conversation, or uuid.Nil when none is open.
func (t *MessageThreadCache) OpenID() uuid.UUID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.openID
}

// Loaded reports whether the open thread has received a server fetch.
func (t *MessageThreadCache) Loaded() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.loaded
}

// Messages returns the open thread ordered by time, then key.
func (t *MessageThreadCache) Messages() []models.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]models.Message(nil), t.msgs...)
}

// Open switches to conversation id, discarding the previous thread.
func (t *MessageThreadCache) Open(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openID == id {
		return
	}
	t.openID = id
	t.loaded = false
	t.msgs = nil
}

// Close evicts the open thread. It returns the id that was open.
func (t *MessageThreadCache) Close() uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.openID
	t.openID = uuid.Nil
	t.loaded = false
	t.msgs = nil
	return id
}

// Replace installs a server fetch for conversation id. It is a no-op unless
// id is still the open conversation. Local unconfirmed messages survive;
// server messages are deduplicated by canonical id.
func (t *MessageThreadCache) Replace(id uuid.UUID, server []models.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id == uuid.Nil || id != t.openID {
		return false
	}

	seen := make(map[int64]struct{}, len(server))
	next := make([]models.Message, 0, len(server)+len(t.msgs))
	for _, m := range server {
		if m.ID == 0 {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		m.ClientID = ""
		next = append(next, m)
	}
	for _, m := range t.msgs {
		if !m.Confirmed() {
			next = append(next, m)
		}
	}
	models.SortMessages(next)
	t.msgs = next
	t.loaded = true
	return true
}

// AppendLocal adds an optimistic message to the open thread.
func (t *MessageThreadCache) AppendLocal(m models.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m.ConversationID != t.openID || m.ClientID == "" {
		return false
	}
	for _, x := range t.msgs {
		if x.ClientID == m.ClientID {
			return false
		}
	}
	t.msgs = append(t.msgs, m)
	models.SortMessages(t.msgs)
	return true
}

// Find returns the message with the given client id.
func (t *MessageThreadCache) Find(clientID string) (models.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, m := range t.msgs {
		if m.ClientID == clientID && !m.Confirmed() {
			return m, true
		}
	}
	return models.Message{}, false
}

// Confirm gives the optimistic message clientID its canonical id and time.
// If a fetch already delivered the canonical message, the local slot is
// dropped instead so the thread never shows it twice.
func (t *MessageThreadCache) Confirm(clientID string, id int64, createdAt time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot := -1
	for i, m := range t.msgs {
		if m.ClientID == clientID && !m.Confirmed() {
			slot = i
			break
		}
	}
	if slot < 0 {
		return false
	}
	for _, m := range t.msgs {
		if m.ID == id {
			t.msgs = append(t.msgs[:slot], t.msgs[slot+1:]...)
			return true
		}
	}

	m := t.msgs[slot]
	m.ID = id
	m.ClientID = ""
	m.Status = models.StatusSent
	if !createdAt.IsZero() {
		m.CreatedAt = createdAt
	}
	t.msgs[slot] = m
	models.SortMessages(t.msgs)
	return true
}

// SetStatus updates the delivery status of the unconfirmed message clientID.
func (t *MessageThreadCache) SetStatus(clientID string, status models.MessageStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, m := range t.msgs {
		if m.ClientID == clientID && !m.Confirmed() {
			if m.Status == status {
				return false
			}
			t.msgs[i].Status = status
			return true
		}
	}
	return false
}

// MarkFailed flags an optimistic send the server rejected.
func (t *MessageThreadCache) MarkFailed(clientID string) bool {
	return t.SetStatus(clientID, models.StatusFailed)
}

// Remove drops the unconfirmed message clientID.
func (t *MessageThreadCache) Remove(clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, m := range t.msgs {
		if m.ClientID == clientID && !m.Confirmed() {
			t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
			return true
		}
	}
	return false
}

// Unread counts messages from the counterpart newer than marker.
func (t *MessageThreadCache) Unread(marker time.Time) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, m := range t.msgs {
		if !m.Own && m.CreatedAt.After(marker) {
			n++
		}
	}
	return n
}

// Latest returns the newest server-confirmed message time, or the zero time
// when nothing is confirmed. Pending and failed messages carry local clock
// times and are skipped.
func (t *MessageThreadCache) Latest() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var latest time.Time
	for _, m := range t.msgs {
		if m.Confirmed() && m.CreatedAt.After(latest) {
			latest = m.CreatedAt
		}
	}
	return latest
}
