package store

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/lalith-99/chatsync/internal/models"
)

// NotificationStore holds system notifications keyed by their logical key,
// so a push-synthesized notification and its REST copy occupy one slot.
type NotificationStore struct {
	mu    sync.RWMutex
	byKey map[string]models.Notification
}

func NewNotificationStore() *NotificationStore {
	return &NotificationStore{byKey: make(map[string]models.Notification)}
}

// List returns notifications newest first, ties broken by id.
func (s *NotificationStore) List() []models.Notification {
	s.mu.RLock()
	out := make([]models.Notification, 0, len(s.byKey))
	for _, n := range s.byKey {
		out = append(out, n)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Find looks a notification up by id.
func (s *NotificationStore) Find(id uuid.UUID) (models.Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.byKey {
		if n.ID == id {
			return n, true
		}
	}
	return models.Notification{}, false
}

// Upsert merges one notification. A server copy replaces a local one; a local
// copy never replaces a server one. Read is sticky: once read locally it stays
// read even if an older server copy says otherwise.
func (s *NotificationStore) Upsert(n models.Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(n)
}

func (s *NotificationStore) upsertLocked(n models.Notification) bool {
	key := n.LogicalKey()
	prev, ok := s.byKey[key]
	if ok {
		if n.Local && !prev.Local {
			return false
		}
		if prev.Read {
			n.Read = true
		}
		if equalNotification(prev, n) {
			return false
		}
	}
	s.byKey[key] = n
	return true
}

// Merge upserts a batch from the server.
func (s *NotificationStore) Merge(list []models.Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, n := range list {
		if s.upsertLocked(n) {
			changed = true
		}
	}
	return changed
}

// MarkRead flags notification id read. It returns false if already read or
// unknown.
func (s *NotificationStore) MarkRead(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, n := range s.byKey {
		if n.ID == id {
			if n.Read {
				return false
			}
			n.Read = true
			s.byKey[k] = n
			return true
		}
	}
	return false
}

// SetRead forces the read flag of id, used to roll back a failed mark.
func (s *NotificationStore) SetRead(id uuid.UUID, read bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, n := range s.byKey {
		if n.ID == id {
			n.Read = read
			s.byKey[k] = n
			return
		}
	}
}

// MarkAllRead flags every notification read and returns the ids it changed.
func (s *NotificationStore) MarkAllRead() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for k, n := range s.byKey {
		if !n.Read {
			n.Read = true
			s.byKey[k] = n
			ids = append(ids, n.ID)
		}
	}
	return ids
}

func (s *NotificationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}

func equalNotification(a, b models.Notification) bool {
	return a.ID == b.ID && a.Type == b.Type && a.SenderID == b.SenderID &&
		a.SenderName == b.SenderName && a.Message == b.Message &&
		string(a.Payload) == string(b.Payload) && a.RefID == b.RefID &&
		a.Read == b.Read && a.CreatedAt.Equal(b.CreatedAt) && a.Local == b.Local
}
