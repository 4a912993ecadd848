// Package reconcile applies push events, REST results and local operations
// to the session stores. It is the only writer: every mutation happens on
// the goroutine running Run.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/chatsync/internal/channel"
	"github.com/lalith-99/chatsync/internal/models"
	"github.com/lalith-99/chatsync/internal/repository"
	"github.com/lalith-99/chatsync/internal/store"
	"go.uber.org/zap"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrStopped      = errors.New("reconciler stopped")
	ErrEmptyMessage = errors.New("message content is empty")
)

const (
	defaultDebounce          = 250 * time.Millisecond
	defaultNotificationLimit = 50
)

// Repositories are the REST collaborators.
type Repositories struct {
	Users         repository.UserRepository
	Conversations repository.ConversationRepository
	Requests      repository.FriendRequestRepository
	Notifications repository.NotificationRepository
}

// Stores are the caches the reconciler owns.
type Stores struct {
	Conversations *store.ConversationStore
	Thread        *store.MessageThreadCache
	Requests      *store.SocialRequestQueue
	Notifications *store.NotificationStore
}

// NewStores returns an empty set of stores.
func NewStores() Stores {
	return Stores{
		Conversations: store.NewConversationStore(),
		Thread:        store.NewMessageThreadCache(),
		Requests:      store.NewSocialRequestQueue(),
		Notifications: store.NewNotificationStore(),
	}
}

type Options struct {
	UserID uuid.UUID
	Repos  Repositories
	Stores Stores

	// Debounce coalesces refetch triggers for the same resource. Zero means
	// 250ms.
	Debounce time.Duration
	// NotificationLimit caps each notification fetch. Zero means 50.
	NotificationLimit int

	Clock  func() time.Time
	Logger *zap.Logger
}

type fetchKind int

const (
	fetchConversations fetchKind = iota
	fetchThread
	fetchRequests
	fetchNotifications
	fetchCandidates
)

func (k fetchKind) String() string {
	switch k {
	case fetchConversations:
		return "conversations"
	case fetchThread:
		return "thread"
	case fetchRequests:
		return "friend-requests"
	case fetchNotifications:
		return "notifications"
	case fetchCandidates:
		return "candidates"
	default:
		return "unknown"
	}
}

type fetchKey struct {
	kind fetchKind
	conv uuid.UUID
}

type Reconciler struct {
	userID     uuid.UUID
	repos      Repositories
	stores     Stores
	debounce   time.Duration
	notifLimit int
	now        func() time.Time
	logger     *zap.Logger
	changes    *Broadcaster

	ops     chan func()
	mu      sync.Mutex
	running bool
	stopped chan struct{}
	wg      sync.WaitGroup

	// Owned by the Run goroutine.
	runCtx       context.Context
	scheduled    map[fetchKey]struct{}
	threadCancel context.CancelFunc
	threadCtx    context.Context
}

func New(opts Options) *Reconciler {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.NotificationLimit <= 0 {
		opts.NotificationLimit = defaultNotificationLimit
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Stores.Conversations == nil {
		opts.Stores = NewStores()
	}
	logger := opts.Logger.Named("reconciler").With(zap.String("user_id", opts.UserID.String()))
	return &Reconciler{
		userID:     opts.UserID,
		repos:      opts.Repos,
		stores:     opts.Stores,
		debounce:   opts.Debounce,
		notifLimit: opts.NotificationLimit,
		now:        opts.Clock,
		logger:     logger,
		changes:    NewBroadcaster(logger),
		ops:        make(chan func()),
		stopped:    make(chan struct{}),
		scheduled:  make(map[fetchKey]struct{}),
	}
}

// Stores exposes the read side of the caches.
func (r *Reconciler) Stores() Stores {
	return r.stores
}

// Subscribe registers for change notices. See Broadcaster.Subscribe.
func (r *Reconciler) Subscribe(buffer int) (<-chan Change, func()) {
	return r.changes.Subscribe(buffer)
}

// Run drains events, connection state changes and local operations until
// ctx is done. Either stream may be nil, e.g. when the session has no push
// connection. Run performs a full resync on start and on every connect.
func (r *Reconciler) Run(ctx context.Context, events <-chan channel.Event, states <-chan channel.StateChange) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("reconciler already running")
	}
	r.running = true
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	r.runCtx = ctx
	defer func() {
		cancel()
		close(r.stopped)
		r.cancelThread()
		r.wg.Wait()
		r.changes.closeAll()
		r.logger.Info("reconciler stopped")
	}()

	r.logger.Info("reconciler started")
	r.resync()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-r.ops:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.handleEvent(ev)
		case sc, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			r.handleState(sc)
		}
	}
}

// Resync schedules a full refetch of every view.
func (r *Reconciler) Resync(ctx context.Context) error {
	return r.submit(ctx, r.resync)
}

// submit runs fn on the loop and waits for it.
func (r *Reconciler) submit(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case r.ops <- func() { defer close(done); fn() }:
	case <-r.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// post queues fn on the loop without waiting. Dropped once stopped.
func (r *Reconciler) post(fn func()) {
	select {
	case r.ops <- fn:
	case <-r.stopped:
	}
}

func (r *Reconciler) emit(scope Scope, conv uuid.UUID) {
	r.changes.transmit(Change{Scope: scope, ConversationID: conv, At: r.now()})
}

func (r *Reconciler) handleEvent(ev channel.Event) {
	log := r.logger.With(zap.String("kind", string(ev.Kind)))
	switch ev.Kind {
	case channel.KindMessageArrived:
		if r.stores.Conversations.IsDeleted(ev.ConversationID) {
			log.Debug("message for deleted conversation ignored", zap.String("conversation_id", ev.ConversationID.String()))
			return
		}
		r.schedule(fetchKey{kind: fetchConversations})
		if ev.ConversationID != uuid.Nil && r.stores.Thread.OpenID() == ev.ConversationID {
			r.schedule(fetchKey{kind: fetchThread, conv: ev.ConversationID})
		}

	case channel.KindConversationDeleted:
		r.removeConversation(ev.ConversationID)

	case channel.KindFriendRequestReceived:
		if ev.Request == nil {
			return
		}
		req := *ev.Request
		if r.stores.Requests.Upsert(req) {
			r.emit(ScopeRequests, uuid.Nil)
		} else if _, ok := r.stores.Requests.Get(req.ID); !ok {
			log.Debug("friend request already answered", zap.String("request_id", req.ID.String()))
			return
		}
		r.addSynthesized(models.NotificationFriendRequest, req.ID.String(), req.RequesterID,
			req.RequesterName, req.RequesterName+" sent you a friend request", req.SentAt, req)

	case channel.KindFriendRequestAccepted:
		// The request left the queue when this session accepted it; all that
		// changes now is who can be messaged.
		r.schedule(fetchKey{kind: fetchCandidates})
		if ev.Friend == nil {
			return
		}
		f := *ev.Friend
		r.addSynthesized(models.NotificationFriendRequestAccepted, f.ID.String(), f.ID,
			f.DisplayName, f.DisplayName+" accepted your friend request", r.now(), f)
	}
}

func (r *Reconciler) handleState(sc channel.StateChange) {
	r.emit(ScopeConnection, uuid.Nil)
	if sc.To == models.ConnConnected {
		if sc.Reconnected {
			r.logger.Info("push connection restored, resyncing")
		}
		r.resync()
	}
}

func (r *Reconciler) resync() {
	r.schedule(fetchKey{kind: fetchConversations})
	r.schedule(fetchKey{kind: fetchRequests})
	r.schedule(fetchKey{kind: fetchNotifications})
	r.schedule(fetchKey{kind: fetchCandidates})
	if open := r.stores.Thread.OpenID(); open != uuid.Nil {
		r.schedule(fetchKey{kind: fetchThread, conv: open})
	}
}

// schedule coalesces refetches of the same resource within the debounce
// window into one request.
func (r *Reconciler) schedule(k fetchKey) {
	if _, pending := r.scheduled[k]; pending {
		return
	}
	r.scheduled[k] = struct{}{}
	time.AfterFunc(r.debounce, func() {
		r.post(func() {
			delete(r.scheduled, k)
			r.fetch(k)
		})
	})
}

// fetch starts the REST call for k now. The result is applied on the loop.
func (r *Reconciler) fetch(k fetchKey) {
	switch k.kind {
	case fetchConversations:
		r.background(r.runCtx, k, func(ctx context.Context) (func(), error) {
			list, err := r.repos.Conversations.List(ctx)
			if err != nil {
				return nil, err
			}
			return func() { r.applyConversations(list) }, nil
		})

	case fetchThread:
		if r.stores.Thread.OpenID() != k.conv || r.threadCtx == nil {
			return
		}
		c, ok := r.stores.Conversations.Get(k.conv)
		if !ok {
			return
		}
		r.background(r.threadCtx, k, func(ctx context.Context) (func(), error) {
			msgs, err := r.repos.Conversations.Thread(ctx, k.conv, c.Counterpart.ID)
			if err != nil {
				return nil, err
			}
			return func() { r.applyThread(k.conv, msgs) }, nil
		})

	case fetchRequests:
		r.background(r.runCtx, k, func(ctx context.Context) (func(), error) {
			list, err := r.repos.Requests.ListPending(ctx)
			if err != nil {
				return nil, err
			}
			return func() {
				if r.stores.Requests.ReplaceAll(list) {
					r.emit(ScopeRequests, uuid.Nil)
				}
			}, nil
		})

	case fetchNotifications:
		r.background(r.runCtx, k, func(ctx context.Context) (func(), error) {
			list, err := r.repos.Notifications.List(ctx, false, r.notifLimit)
			if err != nil {
				return nil, err
			}
			return func() {
				if r.stores.Notifications.Merge(list) {
					r.emit(ScopeNotifications, uuid.Nil)
				}
			}, nil
		})

	case fetchCandidates:
		r.background(r.runCtx, k, func(ctx context.Context) (func(), error) {
			users, err := r.repos.Users.ChatCandidates(ctx)
			if err != nil {
				return nil, err
			}
			return func() {
				r.stores.Conversations.SetCandidates(users)
				r.emit(ScopeCandidates, uuid.Nil)
			}, nil
		})
	}
}

// background runs call off the loop and posts the returned apply func back.
func (r *Reconciler) background(ctx context.Context, k fetchKey, call func(context.Context) (func(), error)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		apply, err := call(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("refetch failed", zap.Stringer("resource", k.kind), zap.Error(err))
			}
			return
		}
		r.post(apply)
	}()
}

func (r *Reconciler) applyConversations(list []models.Conversation) {
	changed := r.stores.Conversations.ReplaceAll(list)

	open := r.stores.Thread.OpenID()
	if open != uuid.Nil && r.stores.Thread.Loaded() {
		if c, ok := r.stores.Conversations.Get(open); ok {
			if c.LastActivityAt.After(c.ReadMarker) {
				r.schedule(fetchKey{kind: fetchThread, conv: open})
			}
			if r.stores.Conversations.SetUnread(open, r.stores.Thread.Unread(c.ReadMarker)) {
				changed = true
			}
		}
	}
	if changed {
		r.emit(ScopeConversations, uuid.Nil)
	}
}

// applyThread installs a thread fetch. Fetching a thread marks it read on the
// server, so the read marker moves to the newest message.
func (r *Reconciler) applyThread(id uuid.UUID, msgs []models.Message) {
	if !r.stores.Thread.Replace(id, msgs) {
		r.logger.Debug("discarding stale thread fetch", zap.String("conversation_id", id.String()))
		return
	}
	r.emit(ScopeThread, id)

	c, ok := r.stores.Conversations.Get(id)
	if !ok {
		return
	}
	marker := r.stores.Thread.Latest()
	if marker.IsZero() {
		marker = c.LastActivityAt
	}
	changed := r.stores.Conversations.MarkRead(id, marker)
	if r.stores.Conversations.SetUnread(id, r.stores.Thread.Unread(marker)) {
		changed = true
	}
	if changed {
		r.emit(ScopeConversations, id)
	}
}

func (r *Reconciler) removeConversation(id uuid.UUID) bool {
	_, had := r.stores.Conversations.Remove(id)
	if r.stores.Thread.OpenID() == id {
		r.closeThread()
	}
	if had {
		r.emit(ScopeConversations, id)
	}
	return had
}

func (r *Reconciler) closeThread() {
	r.cancelThread()
	if id := r.stores.Thread.Close(); id != uuid.Nil {
		r.emit(ScopeThreadClosed, id)
	}
}

func (r *Reconciler) cancelThread() {
	if r.threadCancel != nil {
		r.threadCancel()
	}
	r.threadCancel = nil
	r.threadCtx = nil
}

var synthesizedNamespace = uuid.MustParse("9a3c2f4e-4d0b-4b8e-a1de-6c1f7f0c2b55")

// addSynthesized records a notification derived from a push event. Its id is
// a function of the logical key, so replays land on the same entry.
func (r *Reconciler) addSynthesized(typ models.NotificationType, ref string, sender uuid.UUID, senderName, text string, at time.Time, payload any) {
	id := uuid.NewSHA1(synthesizedNamespace, []byte(string(typ)+":"+ref))
	if _, ok := r.stores.Notifications.Find(id); ok {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		r.logger.Debug("encode notification payload", zap.Error(err))
		raw = nil
	}
	n := models.Notification{
		ID:         id,
		Type:       typ,
		SenderID:   sender,
		SenderName: senderName,
		Message:    text,
		Payload:    raw,
		RefID:      ref,
		CreatedAt:  at,
		Local:      true,
	}
	if r.stores.Notifications.Upsert(n) {
		r.emit(ScopeNotifications, uuid.Nil)
	}
}

func notFound(what string, id fmt.Stringer) error {
	return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
}
