package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/chatsync/internal/auth"
	"github.com/lalith-99/chatsync/internal/models"
	"github.com/lalith-99/chatsync/internal/repository/rest"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"
)

// ErrUnauthenticated means the session credential cannot be resolved to a
// user. It is latched per credential: the resolver does not retry on its own.
var ErrUnauthenticated = errors.New("unauthenticated")

// LookupFunc asks the backend who a credential belongs to.
type LookupFunc func(ctx context.Context, credential string) (*models.User, error)

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	Credential string
	Lookup     LookupFunc

	// Cache is optional; nil keeps identities in process only.
	Cache IdentityCache

	// LookupTimeout bounds the single shared lookup. Zero means 10s.
	LookupTimeout time.Duration

	// CacheTTL is used for credentials without an exp claim. Zero means 1h.
	CacheTTL time.Duration

	Clock  func() time.Time
	Logger *zap.Logger
}

// Resolver determines the session's user id. Concurrent callers during the
// pending window share one in-flight lookup.
type Resolver struct {
	mu         sync.RWMutex
	credential string
	identity   uuid.UUID
	failure    error

	lookup        LookupFunc
	cache         IdentityCache
	lookupTimeout time.Duration
	cacheTTL      time.Duration
	group         singleflight.Group
	now           func() time.Time
	logger        *zap.Logger
}

func NewResolver(opts ResolverOptions) *Resolver {
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 10 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Resolver{
		credential:    opts.Credential,
		lookup:        opts.Lookup,
		cache:         opts.Cache,
		lookupTimeout: opts.LookupTimeout,
		cacheTTL:      opts.CacheTTL,
		now:           opts.Clock,
		logger:        opts.Logger.Named("identity"),
	}
}

// Credential returns the credential the resolver currently works with.
func (r *Resolver) Credential() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.credential
}

// TryResolve returns the cached identity without blocking. ok is false while
// resolution is pending or has failed.
func (r *Resolver) TryResolve() (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identity, r.identity != uuid.Nil
}

// Resolve returns the session's user id, performing at most one lookup per
// credential no matter how many goroutines call it concurrently.
func (r *Resolver) Resolve(ctx context.Context) (uuid.UUID, error) {
	r.mu.RLock()
	id, failure, credential := r.identity, r.failure, r.credential
	r.mu.RUnlock()

	if id != uuid.Nil {
		return id, nil
	}
	if failure != nil {
		return uuid.Nil, failure
	}

	// The shared lookup must outlive any single caller's ctx, otherwise the
	// first caller giving up would fail every caller waiting on it.
	ch := r.group.DoChan(cacheKey(credential), func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.lookupTimeout)
		defer cancel()
		return r.resolve(lookupCtx, credential)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return uuid.Nil, res.Err
		}
		return res.Val.(uuid.UUID), nil
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	}
}

func (r *Resolver) resolve(ctx context.Context, credential string) (uuid.UUID, error) {
	now := r.now()
	claims, err := auth.ParseClaims(credential, now)
	if err != nil {
		return uuid.Nil, r.fail(credential, fmt.Errorf("%w: %v", ErrUnauthenticated, err))
	}

	key := cacheKey(credential)
	if r.cache != nil {
		cached, ok, err := r.cache.Get(ctx, key)
		if err != nil {
			// A broken cache only costs us a lookup.
			r.logger.Warn("identity cache read failed", zap.Error(err))
		} else if ok {
			r.store(credential, cached)
			return cached, nil
		}
	}

	if r.lookup == nil {
		return uuid.Nil, fmt.Errorf("resolve identity: no lookup configured")
	}
	user, err := r.lookup(ctx, credential)
	if err != nil {
		if errors.Is(err, rest.ErrUnauthenticated) {
			return uuid.Nil, r.fail(credential, fmt.Errorf("%w: %v", ErrUnauthenticated, err))
		}
		// Transient: not latched, a later explicit Resolve may try again.
		return uuid.Nil, fmt.Errorf("resolve identity: %w", err)
	}
	if user == nil || user.ID == uuid.Nil {
		return uuid.Nil, r.fail(credential, fmt.Errorf("%w: lookup returned no user", ErrUnauthenticated))
	}

	r.store(credential, user.ID)
	if r.cache != nil {
		if err := r.cache.Set(ctx, key, user.ID, claims.TTL(now, r.cacheTTL)); err != nil {
			r.logger.Warn("identity cache write failed", zap.Error(err))
		}
	}
	r.logger.Info("identity resolved", zap.String("user_id", user.ID.String()))
	return user.ID, nil
}

// store records the identity unless the credential was swapped meanwhile.
func (r *Resolver) store(credential string, id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.credential == credential {
		r.identity = id
		r.failure = nil
	}
}

func (r *Resolver) fail(credential string, err error) error {
	r.mu.Lock()
	if r.credential == credential {
		r.failure = err
	}
	r.mu.Unlock()
	r.logger.Warn("identity resolution failed", zap.Error(err))
	return err
}

// Reset switches to a new credential and forgets the old identity.
func (r *Resolver) Reset(credential string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.credential = credential
	r.identity = uuid.Nil
	r.failure = nil
}

// cacheKey never stores the raw credential.
func cacheKey(credential string) string {
	sum := blake2b.Sum256([]byte(credential))
	return "chatsync:identity:" + hex.EncodeToString(sum[:])
}
