package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/chatsync/internal/channel"
	"github.com/lalith-99/chatsync/internal/feed"
	"github.com/lalith-99/chatsync/internal/models"
	"github.com/lalith-99/chatsync/internal/reconcile"
	"github.com/lalith-99/chatsync/internal/repository"
	"github.com/lalith-99/chatsync/internal/repository/rest"
	"go.uber.org/zap"
)

// Backend builds the collaborators bound to one credential.
type Backend interface {
	Lookup(ctx context.Context, credential string) (*models.User, error)
	Repositories(credential string) reconcile.Repositories
	// Transport returns nil when the session has no push channel.
	Transport(credential string) channel.Transport
}

// RESTBackend is the production Backend: the REST client plus a push
// transport factory.
type RESTBackend struct {
	Client       *rest.Client
	NewTransport func(credential string) channel.Transport
}

func (b RESTBackend) Lookup(ctx context.Context, credential string) (*models.User, error) {
	return b.Client.WithToken(credential).Me(ctx)
}

func (b RESTBackend) Repositories(credential string) reconcile.Repositories {
	c := b.Client.WithToken(credential)
	return reconcile.Repositories{
		Users:         c,
		Conversations: c,
		Requests:      c,
		Notifications: c.Notifications(),
	}
}

func (b RESTBackend) Transport(credential string) channel.Transport {
	if b.NewTransport == nil {
		return nil
	}
	return b.NewTransport(credential)
}

type Options struct {
	Credential string
	Backend    Backend

	// IdentityCache and Snapshots are optional.
	IdentityCache IdentityCache
	Snapshots     repository.SnapshotRepository

	Backoff  channel.Backoff
	Debounce time.Duration
	// SnapshotDelay coalesces snapshot writes. Zero means 2s.
	SnapshotDelay time.Duration

	Logger *zap.Logger
}

// Session owns everything bound to one signed-in identity: the resolver,
// the push connection, the reconciler and its stores, and the feed.
type Session struct {
	opts     Options
	resolver *Resolver
	logger   *zap.Logger

	// startMu serializes Start and Close; mu guards active only and is never
	// held across network calls.
	startMu sync.Mutex
	mu      sync.RWMutex
	active  *runtime
}

// runtime is one Start..Close lifetime.
type runtime struct {
	credential string
	userID     uuid.UUID
	channel    *channel.Channel
	reconciler *reconcile.Reconciler
	feed       *feed.Feed

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Session {
	if opts.SnapshotDelay <= 0 {
		opts.SnapshotDelay = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Session{opts: opts, logger: opts.Logger.Named("session")}
	s.resolver = NewResolver(ResolverOptions{
		Credential: opts.Credential,
		Lookup:     opts.Backend.Lookup,
		Cache:      opts.IdentityCache,
		Logger:     opts.Logger,
	})
	return s
}

// Start resolves the identity and brings the session up. An unauthenticated
// credential is not an error: the REST read paths still work, but no push
// connection is opened and no join is sent.
func (s *Session) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	s.mu.RLock()
	started := s.active != nil
	s.mu.RUnlock()
	if started {
		return errors.New("start session: already started")
	}

	credential := s.resolver.Credential()
	userID, err := s.resolver.Resolve(ctx)
	switch {
	case errors.Is(err, ErrUnauthenticated):
		s.logger.Warn("session unauthenticated, realtime disabled", zap.Error(err))
	case err != nil:
		return fmt.Errorf("start session: %w", err)
	}

	rt := &runtime{credential: credential, userID: userID}
	stores := reconcile.NewStores()
	if userID != uuid.Nil {
		s.warmStart(ctx, userID, stores)
	}

	rt.reconciler = reconcile.New(reconcile.Options{
		UserID:   userID,
		Repos:    s.opts.Backend.Repositories(credential),
		Stores:   stores,
		Debounce: s.opts.Debounce,
		Logger:   s.logger,
	})
	rt.feed = feed.New(stores.Conversations, stores.Notifications, rt.reconciler)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt.cancel = cancel

	var (
		events <-chan channel.Event
		states <-chan channel.StateChange
	)
	if userID != uuid.Nil {
		if tr := s.opts.Backend.Transport(credential); tr != nil {
			rt.channel = channel.New(channel.Options{
				UserID:    userID,
				Transport: tr,
				Backoff:   s.opts.Backoff,
				Logger:    s.logger,
			})
			if err := rt.channel.Start(runCtx); err != nil {
				cancel()
				return fmt.Errorf("start channel: %w", err)
			}
			events, states = rt.channel.Events(), rt.channel.States()
		}
	}

	if s.opts.Snapshots != nil && userID != uuid.Nil {
		changes, unsubscribe := rt.reconciler.Subscribe(64)
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			defer unsubscribe()
			s.saveLoop(runCtx, rt, changes)
		}()
	}

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		if err := rt.reconciler.Run(runCtx, events, states); err != nil {
			s.logger.Error("reconciler exited", zap.Error(err))
		}
	}()

	s.mu.Lock()
	s.active = rt
	s.mu.Unlock()
	s.logger.Info("session started",
		zap.String("user_id", userID.String()),
		zap.Bool("realtime", rt.channel != nil),
	)
	return nil
}

// Close releases the push connection and stops the reconciler. Safe to call
// on a session that never started.
func (s *Session) Close() error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	s.mu.Lock()
	rt := s.active
	s.active = nil
	s.mu.Unlock()
	if rt == nil {
		return nil
	}

	var err error
	if rt.channel != nil {
		err = rt.channel.Close()
	}
	rt.cancel()
	rt.wg.Wait()
	s.logger.Info("session closed", zap.String("user_id", rt.userID.String()))
	return err
}

// Switch tears the session down and starts it again for another credential.
func (s *Session) Switch(ctx context.Context, credential string) error {
	if err := s.Close(); err != nil {
		s.logger.Warn("closing previous session", zap.Error(err))
	}
	s.resolver.Reset(credential)
	return s.Start(ctx)
}

// Credential is the credential the session currently runs with.
func (s *Session) Credential() string {
	return s.resolver.Credential()
}

// UserID returns the resolved identity; ok is false while unauthenticated.
func (s *Session) UserID() (uuid.UUID, bool) {
	return s.resolver.TryResolve()
}

// Reconciler returns the running reconciler, or nil before Start.
func (s *Session) Reconciler() *reconcile.Reconciler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return nil
	}
	return s.active.reconciler
}

// Feed returns the live feed, or nil before Start.
func (s *Session) Feed() *feed.Feed {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return nil
	}
	return s.active.feed
}

// ConnState reports the push connection state.
func (s *Session) ConnState() models.ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil || s.active.channel == nil {
		return models.ConnDisconnected
	}
	return s.active.channel.State()
}

func (s *Session) warmStart(ctx context.Context, userID uuid.UUID, stores reconcile.Stores) {
	if s.opts.Snapshots == nil {
		return
	}
	snap, err := s.opts.Snapshots.Load(ctx, userID)
	if err != nil {
		s.logger.Warn("load snapshot", zap.Error(err))
		return
	}
	if snap == nil {
		return
	}
	stores.Conversations.ReplaceAll(snap.Conversations)
	stores.Requests.ReplaceAll(snap.Requests)
	stores.Notifications.Merge(snap.Notifications)
	s.logger.Info("warm start from snapshot",
		zap.Int("conversations", len(snap.Conversations)),
		zap.Time("saved_at", snap.SavedAt),
	)
}

// saveLoop writes a snapshot once changes settle, and once more on exit.
func (s *Session) saveLoop(ctx context.Context, rt *runtime, changes <-chan reconcile.Change) {
	timer := time.NewTimer(s.opts.SnapshotDelay)
	timer.Stop()
	dirty := false

	for {
		select {
		case c, ok := <-changes:
			if !ok {
				if dirty {
					s.saveSnapshot(rt)
				}
				return
			}
			if c.Scope == reconcile.ScopeConnection || c.Scope == reconcile.ScopeThread {
				continue
			}
			if !dirty {
				dirty = true
				timer.Reset(s.opts.SnapshotDelay)
			}
		case <-timer.C:
			dirty = false
			s.saveSnapshot(rt)
		case <-ctx.Done():
			if dirty {
				s.saveSnapshot(rt)
			}
			return
		}
	}
}

func (s *Session) saveSnapshot(rt *runtime) {
	stores := rt.reconciler.Stores()
	snap := &repository.Snapshot{
		Conversations: stores.Conversations.List(),
		Requests:      stores.Requests.List(),
		Notifications: stores.Notifications.List(),
		SavedAt:       time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.opts.Snapshots.Save(ctx, rt.userID, snap); err != nil {
		s.logger.Warn("save snapshot", zap.Error(err))
		return
	}
	s.logger.Debug("snapshot saved", zap.Int("conversations", len(snap.Conversations)))
}
