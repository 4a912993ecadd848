package reconcile

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Scope names the view a Change touched.
type Scope string

const (
	ScopeConversations Scope = "conversations"
	ScopeThread        Scope = "thread"
	// ScopeThreadClosed means there is no active thread any more.
	ScopeThreadClosed  Scope = "thread-closed"
	ScopeRequests      Scope = "requests"
	ScopeNotifications Scope = "notifications"
	ScopeCandidates    Scope = "candidates"
	ScopeConnection    Scope = "connection"
)

// Change tells subscribers which view to re-read. It carries no data.
type Change struct {
	Scope          Scope     `json:"scope"`
	ConversationID uuid.UUID `json:"conversation_id"`
	At             time.Time `json:"at"`
}

// Broadcaster fans changes out to any number of subscribers. A subscriber
// that falls behind misses changes rather than stalling the reconciler.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Change
	nextID uint64
	closed bool
	logger *zap.Logger
}

func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{subs: map[uint64]chan Change{}, logger: logger}
}

// Subscribe registers a new listener. The returned func unsubscribes and
// closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	c := make(chan Change, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(c)
		return c, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = c
	b.mu.Unlock()

	var once sync.Once
	return c, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if ch, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
}

func (b *Broadcaster) transmit(c Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- c:
		default:
			b.logger.Debug("subscriber behind, dropping change",
				zap.Uint64("subscriber", id), zap.String("scope", string(c.Scope)))
		}
	}
}

// closeAll ends every subscription. Later subscribers get a closed channel.
func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
