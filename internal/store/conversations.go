// Package store holds the session's local caches. Every mutator is meant to be
// called from the reconciler's loop only; readers may call from any goroutine
// and always get copies.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/chatsync/internal/models"
)

// ConversationStore caches conversation summaries and the set of users the
// session may start a new chat with.
type ConversationStore struct {
	mu         sync.RWMutex
	byID       map[uuid.UUID]models.Conversation
	deleted    map[uuid.UUID]struct{}
	candidates []models.User
}

func NewConversationStore() *ConversationStore {
	return &ConversationStore{
		byID:    make(map[uuid.UUID]models.Conversation),
		deleted: make(map[uuid.UUID]struct{}),
	}
}

// List returns summaries newest activity first, ties broken by id.
func (s *ConversationStore) List() []models.Conversation {
	s.mu.RLock()
	out := make([]models.Conversation, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (s *ConversationStore) Get(id uuid.UUID) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	return c, ok
}

// Candidates returns the users eligible for a new chat.
func (s *ConversationStore) Candidates() []models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.User(nil), s.candidates...)
}

func (s *ConversationStore) SetCandidates(users []models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append([]models.User(nil), users...)
}

// IsDeleted reports whether id was removed locally. Deleted ids never come
// back through Upsert or ReplaceAll.
func (s *ConversationStore) IsDeleted(id uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.deleted[id]
	return ok
}

// Upsert merges a server summary. The local ReadMarker is kept, and a summary
// whose last activity is not after the marker carries no unread messages.
// It returns false when nothing changed or the id is tombstoned.
func (s *ConversationStore) Upsert(c models.Conversation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(c)
}

func (s *ConversationStore) upsertLocked(c models.Conversation) bool {
	if _, gone := s.deleted[c.ID]; gone {
		return false
	}
	prev, ok := s.byID[c.ID]
	if ok && prev.ReadMarker.After(c.ReadMarker) {
		c.ReadMarker = prev.ReadMarker
	}
	if c.UnreadCount < 0 || (!c.ReadMarker.IsZero() && !c.LastActivityAt.After(c.ReadMarker)) {
		c.UnreadCount = 0
	}
	if ok && prev == c {
		return false
	}
	s.byID[c.ID] = c
	return true
}

// ReplaceAll merges a complete server list: every listed summary is upserted
// and local summaries the server no longer reports are dropped.
func (s *ConversationStore) ReplaceAll(list []models.Conversation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	seen := make(map[uuid.UUID]struct{}, len(list))
	for _, c := range list {
		seen[c.ID] = struct{}{}
		if s.upsertLocked(c) {
			changed = true
		}
	}
	for id := range s.byID {
		if _, ok := seen[id]; !ok {
			delete(s.byID, id)
			changed = true
		}
	}
	return changed
}

// Remove drops the conversation and tombstones its id.
func (s *ConversationStore) Remove(id uuid.UUID) (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	delete(s.byID, id)
	s.deleted[id] = struct{}{}
	return c, ok
}

// Restore undoes a local Remove whose server call failed.
func (s *ConversationStore) Restore(c models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deleted, c.ID)
	s.byID[c.ID] = c
}

// MarkRead zeroes the unread count and moves the read marker to at.
func (s *ConversationStore) MarkRead(id uuid.UUID, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return false
	}
	if c.UnreadCount == 0 && !at.After(c.ReadMarker) {
		return false
	}
	c.UnreadCount = 0
	if at.After(c.ReadMarker) {
		c.ReadMarker = at
	}
	s.byID[id] = c
	return true
}

// SetUnread overwrites the derived unread count, clamped at zero.
func (s *ConversationStore) SetUnread(id uuid.UUID, n int) bool {
	if n < 0 {
		n = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok || c.UnreadCount == n {
		return false
	}
	c.UnreadCount = n
	s.byID[id] = c
	return true
}

// Touch updates the preview after a local send. Activity time is left to
// the next server list so that read markers never see the local clock.
func (s *ConversationStore) Touch(id uuid.UUID, preview string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok || c.LastMessagePreview == preview {
		return false
	}
	c.LastMessagePreview = preview
	s.byID[id] = c
	return true
}

// RestoreRead puts back the read marker after a failed mark-read call and
// raises the unread count to at least unread. Other fields keep whatever the
// server sent since.
func (s *ConversationStore) RestoreRead(id uuid.UUID, unread int, marker time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, gone := s.deleted[id]; gone {
		return false
	}
	c, ok := s.byID[id]
	if !ok {
		return false
	}
	if c.UnreadCount >= unread && c.ReadMarker.Equal(marker) {
		return false
	}
	if c.UnreadCount < unread {
		c.UnreadCount = unread
	}
	c.ReadMarker = marker
	s.byID[id] = c
	return true
}

// Len is the number of cached summaries.
func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
