package store

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/lalith-99/chatsync/internal/models"
)

// SocialRequestQueue holds pending friend requests. Requests this session has
// answered are tombstoned so a partial refresh or a replayed push cannot show
// them again.
type SocialRequestQueue struct {
	mu        sync.RWMutex
	byID      map[uuid.UUID]models.FriendRequest
	responded map[uuid.UUID]struct{}
}

func NewSocialRequestQueue() *SocialRequestQueue {
	return &SocialRequestQueue{
		byID:      make(map[uuid.UUID]models.FriendRequest),
		responded: make(map[uuid.UUID]struct{}),
	}
}

// List returns pending requests, newest first.
func (q *SocialRequestQueue) List() []models.FriendRequest {
	q.mu.RLock()
	out := make([]models.FriendRequest, 0, len(q.byID))
	for _, r := range q.byID {
		out = append(out, r)
	}
	q.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].SentAt.After(out[j].SentAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (q *SocialRequestQueue) Get(id uuid.UUID) (models.FriendRequest, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	r, ok := q.byID[id]
	return r, ok
}

// Upsert stores a pending request by id. Terminal and answered requests are
// ignored.
func (q *SocialRequestQueue) Upsert(r models.FriendRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.upsertLocked(r)
}

func (q *SocialRequestQueue) upsertLocked(r models.FriendRequest) bool {
	if r.State == "" {
		r.State = models.RequestPending
	}
	if r.State != models.RequestPending {
		return false
	}
	if _, done := q.responded[r.ID]; done {
		return false
	}
	if prev, ok := q.byID[r.ID]; ok && prev == r {
		return false
	}
	q.byID[r.ID] = r
	return true
}

// ReplaceAll installs the server's pending list.
func (q *SocialRequestQueue) ReplaceAll(list []models.FriendRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	changed := false
	seen := make(map[uuid.UUID]struct{}, len(list))
	for _, r := range list {
		seen[r.ID] = struct{}{}
		if q.upsertLocked(r) {
			changed = true
		}
	}
	for id := range q.byID {
		if _, ok := seen[id]; !ok {
			delete(q.byID, id)
			changed = true
		}
	}
	return changed
}

// Respond removes a pending request and tombstones it. The second call for
// the same id returns false.
func (q *SocialRequestQueue) Respond(id uuid.UUID) (models.FriendRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.byID[id]
	if !ok {
		return models.FriendRequest{}, false
	}
	delete(q.byID, id)
	q.responded[id] = struct{}{}
	return r, true
}

// Restore puts back a request whose response failed on the server.
func (q *SocialRequestQueue) Restore(r models.FriendRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.responded, r.ID)
	r.State = models.RequestPending
	q.byID[r.ID] = r
}

func (q *SocialRequestQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.byID)
}
