package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/chatsync/internal/api"
	"github.com/lalith-99/chatsync/internal/channel"
	"github.com/lalith-99/chatsync/internal/config"
	"github.com/lalith-99/chatsync/internal/db"
	"github.com/lalith-99/chatsync/internal/models"
	"github.com/lalith-99/chatsync/internal/observ"
	"github.com/lalith-99/chatsync/internal/repository"
	"github.com/lalith-99/chatsync/internal/repository/postgres"
	"github.com/lalith-99/chatsync/internal/repository/rest"
	"github.com/lalith-99/chatsync/internal/session"
	"github.com/lalith-99/chatsync/internal/transport/natsx"
	"github.com/lalith-99/chatsync/internal/transport/ws"
	"go.uber.org/zap"
)

// setup loads config and the logger, applying flag overrides.
func setup(f flags) (*config.Config, *zap.Logger, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, nil, err
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if f.listen != "" {
		cfg.ListenAddr = f.listen
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.transport != "" {
		cfg.PushTransport = f.transport
	}
	if f.token != "" {
		cfg.SessionToken = f.token
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	return cfg, logger, nil
}

func newRESTClient(cfg *config.Config, logger *zap.Logger) (*rest.Client, error) {
	client, err := rest.NewClient(rest.Options{
		BaseURL:       cfg.APIBaseURL,
		Token:         cfg.SessionToken,
		Timeout:       cfg.RESTTimeout,
		RatePerSecond: cfg.RESTRateLimit,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create rest client: %w", err)
	}
	return client, nil
}

func run(ctx context.Context, f flags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---------------------------------------------------------------
	// 1. Load config and create logger
	// ---------------------------------------------------------------
	cfg, logger, err := setup(f)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.SessionToken == "" {
		return errors.New("no session credential: set SESSION_TOKEN or --token")
	}

	// ---------------------------------------------------------------
	// 2. Optional identity cache (Redis)
	//
	// Without it identities are cached in process only, so a restart
	// costs one extra lookup. A configured but unreachable Redis is a
	// startup error: the operator asked for it.
	// ---------------------------------------------------------------
	var identities session.IdentityCache = session.NewMemoryIdentityCache()
	if cfg.RedisURL != "" {
		rdb, err := session.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer rdb.Close()
		identities = session.NewRedisIdentityCache(rdb)
		logger.Info("identity cache: redis")
	}

	// ---------------------------------------------------------------
	// 3. Optional snapshot database (Postgres)
	// ---------------------------------------------------------------
	var snapshots repository.SnapshotRepository
	if cfg.DatabaseURL != "" {
		database, err := db.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer database.Close()
		if err := database.Migrate(ctx); err != nil {
			return err
		}
		snapshots = postgres.NewSnapshotStore(database.Pool())
	}

	// ---------------------------------------------------------------
	// 4. Backend collaborators: REST client and push transport
	//
	// Both are built per credential so a session switch reconnects
	// with the new one.
	// ---------------------------------------------------------------
	client, err := newRESTClient(cfg, logger)
	if err != nil {
		return err
	}
	newTransport, err := transportFactory(cfg, logger)
	if err != nil {
		return err
	}

	// ---------------------------------------------------------------
	// 5. Start the session
	// ---------------------------------------------------------------
	sess := session.New(session.Options{
		Credential:    cfg.SessionToken,
		Backend:       session.RESTBackend{Client: client, NewTransport: newTransport},
		IdentityCache: identities,
		Snapshots:     snapshots,
		Backoff: channel.Backoff{
			Initial:     cfg.ReconnectInitial,
			Max:         cfg.ReconnectMax,
			Multiplier:  2,
			Jitter:      0.2,
			MaxAttempts: cfg.ReconnectMaxAttempts,
		},
		Debounce: cfg.RefetchDebounce,
		Logger:   logger,
	})
	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.Close()

	// ---------------------------------------------------------------
	// 6. Local view API
	// ---------------------------------------------------------------
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(sess, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting chatsync",
			zap.String("listen", cfg.ListenAddr),
			zap.String("env", cfg.Env),
			zap.String("transport", cfg.PushTransport),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// ---------------------------------------------------------------
	// 7. Wait for a signal, then shut down
	//
	// The API stops first so no request races the session teardown
	// (deferred above).
	// ---------------------------------------------------------------
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve api: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", zap.Error(err))
	}
	return nil
}

// transportFactory picks the push transport named in config.
func transportFactory(cfg *config.Config, logger *zap.Logger) (func(string) channel.Transport, error) {
	switch cfg.PushTransport {
	case "ws":
		return func(credential string) channel.Transport {
			return ws.New(ws.Options{URL: cfg.PushURL, Token: credential, Logger: logger})
		}, nil
	case "nats":
		// Validate once at startup; the factory itself cannot fail.
		if _, err := natsx.New(natsx.Options{Servers: []string{cfg.NATSURL}}); err != nil {
			return nil, fmt.Errorf("configure nats: %w", err)
		}
		return func(credential string) channel.Transport {
			tr, _ := natsx.New(natsx.Options{
				Servers: []string{cfg.NATSURL},
				Token:   credential,
				Logger:  logger,
			})
			return tr
		}, nil
	}
	return nil, fmt.Errorf("unknown push transport %q", cfg.PushTransport)
}

// whoami resolves the credential once through the backend, the same way the
// daemon does at start, and prints the user.
func whoami(ctx context.Context, out io.Writer, f flags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, logger, err := setup(f)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	client, err := newRESTClient(cfg, logger)
	if err != nil {
		return err
	}
	var me *models.User
	backend := session.RESTBackend{Client: client}
	resolver := session.NewResolver(session.ResolverOptions{
		Credential: cfg.SessionToken,
		Lookup: func(ctx context.Context, credential string) (*models.User, error) {
			u, err := backend.Lookup(ctx, credential)
			me = u
			return u, err
		},
		Logger: logger,
	})
	userID, err := resolver.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}

	body := map[string]any{"user_id": userID}
	if me != nil {
		body["display_name"] = me.DisplayName
		body["email"] = me.Email
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(body)
}
