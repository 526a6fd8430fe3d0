// Package app wires the sessiond runtime: config, logging, credential storage, the session
// supervisor, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"sessiond/cmd/internal/api"
	"sessiond/cmd/internal/creds"
	"sessiond/cmd/internal/events"
	"sessiond/cmd/internal/realtime"
	"sessiond/cmd/internal/socket"
	"sessiond/cmd/internal/socket/bridge"
	"sessiond/cmd/internal/supervisor"
	"sessiond/cmd/security/seal"
	"sessiond/cmd/security/token"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Option customizes New.
type Option func(*options)

type options struct {
	factory socket.Factory
}

// WithSocketFactory replaces the engine bridge with f.
func WithSocketFactory(f socket.Factory) Option {
	return func(o *options) { o.factory = f }
}

// App is the sessiond runtime: it owns storage lifecycles, the supervisor and HTTP wiring.
type App struct {
	cfg Config
	log Logger

	dbPool *pgxpool.Pool

	creds   creds.Store
	files   *creds.FileStore
	archive realtime.MessageStore

	bus         *events.Bus
	sup         *supervisor.Supervisor
	detachRelay func()

	ws     *realtime.WSGateway
	api    *api.Handler
	tokens *token.Manager
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger, opts ...Option) (a *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	ctx := context.Background()
	a = &App{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.closeStores()
		}
	}()

	if cfg.DatabaseURL != "" {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("db: %w", err)
		}
		a.dbPool = pool
		log.Info("db.enabled", "max_conns", cfg.DBMaxConns)
	} else {
		log.Info("db.disabled.inmemory_archive")
	}

	if a.archive, err = newArchive(ctx, cfg, a.dbPool); err != nil {
		return nil, err
	}
	if a.creds, err = newCredsStore(ctx, cfg, log, a.dbPool); err != nil {
		return nil, err
	}
	a.files, _ = a.creds.(*creds.FileStore)
	log.Info("creds.backend", "backend", cfg.CredsBackend)

	factory := o.factory
	if factory == nil {
		if factory, err = newEngineFactory(cfg, log); err != nil {
			return nil, err
		}
	}

	if a.tokens, err = newTokenManager(); err != nil {
		return nil, err
	}
	var gwOpts []realtime.GatewayOption
	if a.tokens != nil {
		gwOpts = append(gwOpts, realtime.WithTokenVerifier(a.tokens))
	}

	supervisor.RegisterMetrics()
	realtime.RegisterMetrics()

	a.bus = events.NewBus(log)
	a.sup = supervisor.New(log, factory, a.creds, a.bus, supervisorConfig(cfg))

	hub := realtime.NewHub(log)
	a.detachRelay = realtime.NewRelay(log, hub, a.archive).Attach(a.bus)
	a.ws = realtime.NewWSGateway(log, hub, a.archive, gwOpts...)
	a.api = api.NewHandler(log, a.sup, api.WithStartTimeout(cfg.StartTimeout))

	return a, nil
}

// Supervisor exposes the session supervisor (used by the CLI and tests).
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.ws, a.api, a.verifier())

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log)
}

func (a *App) verifier() realtime.TokenVerifier {
	if a.tokens == nil {
		return nil
	}
	return a.tokens
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 45*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"api_url", base+"/sessions",
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbPool != nil,
		"auth_enabled", a.tokens != nil,
	)

	runCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	if a.files != nil && a.cfg.CredsWatch {
		go a.watchCreds(runCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if a.cfg.ResumeOnStart {
		go a.resume(runCtx)
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}
	stopBackground()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		runErr = errors.Join(runErr, err)
	}

	if err := a.Close(shutdownCtx); err != nil {
		a.log.Error("app.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return runErr
}

// Close stops every session (credentials are kept) and releases storage.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.sup != nil {
		err = a.sup.Close(ctx)
	}
	if a.detachRelay != nil {
		a.detachRelay()
	}
	a.closeStores()
	return err
}

func (a *App) closeStores() {
	if a.creds != nil {
		if err := a.creds.Close(); err != nil {
			a.log.Warn("creds.close.fail", "err", err)
		}
	}
	if a.archive != nil {
		_ = a.archive.Close()
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func (a *App) resume(ctx context.Context) {
	n, err := a.sup.Resume(ctx)
	if err != nil && !errors.Is(err, supervisor.ErrClosed) {
		a.log.Warn("session.resume.partial", "started", n, "err", err)
	}
}

func (a *App) watchCreds(ctx context.Context) {
	err := a.files.Watch(ctx, func(id string) {
		a.sup.RevokeRemoved(ctx, id)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		a.log.Error("creds.watch.fail", "err", err)
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func supervisorConfig(cfg Config) supervisor.Config {
	sc := supervisor.DefaultConfig()
	sc.MaxRetries = cfg.MaxRetries
	sc.Backoff.InitialDelay = nonZeroDuration(cfg.RetryInitialDelay, sc.Backoff.InitialDelay)
	sc.Backoff.MaxDelay = nonZeroDuration(cfg.RetryMaxDelay, sc.Backoff.MaxDelay)
	sc.DownloadMedia = cfg.DownloadMedia
	sc.MaxMediaBytes = cfg.MaxMediaBytes
	return sc
}

// newArchive picks the Postgres message archive when a pool exists, in-memory otherwise.
func newArchive(ctx context.Context, cfg Config, pool *pgxpool.Pool) (realtime.MessageStore, error) {
	if pool == nil {
		return realtime.NewInMemoryStore(), nil
	}

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	st, err := realtime.NewPostgresStore(pool, realtime.WithSchema(cfg.DBSchema))
	if err != nil {
		return nil, err
	}
	if cfg.DBAutoMigrate {
		if err := st.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// newCredsStore builds the credential backend selected by cfg.CredsBackend.
func newCredsStore(ctx context.Context, cfg Config, log Logger, pool *pgxpool.Pool) (creds.Store, error) {
	switch cfg.CredsBackend {
	case CredsBackendFile, "":
		fileOpts := []creds.FileOption{creds.WithFileLogger(log)}
		if cfg.CredsPassphrase != "" {
			params, err := seal.ParamsFromEnv()
			if err != nil {
				return nil, err
			}
			sealer, err := seal.New(cfg.CredsPassphrase, params)
			if err != nil {
				return nil, err
			}
			fileOpts = append(fileOpts, creds.WithSealer(sealer))
		}
		return creds.NewFileStore(cfg.CredsDir, fileOpts...)

	case CredsBackendPostgres:
		if pool == nil {
			return nil, ErrDatabaseRequired
		}
		st, err := creds.NewPostgresStore(pool, creds.WithSchema(cfg.DBSchema))
		if err != nil {
			return nil, err
		}
		if cfg.DBAutoMigrate {
			if err := st.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		return st, nil

	case CredsBackendRedis:
		return creds.NewRedisStoreFromEnv(ctx)

	case CredsBackendMemory:
		log.Warn("creds.memory.volatile", "note", "credentials are lost on restart")
		return creds.NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCredsBackend, cfg.CredsBackend)
	}
}

func newEngineFactory(cfg Config, log Logger) (socket.Factory, error) {
	if cfg.EngineURL == "" {
		return nil, ErrNoEngine
	}
	bopts := []bridge.Option{bridge.WithLogger(log)}
	if cfg.EngineToken != "" {
		h := http.Header{}
		h.Set("Authorization", "Bearer "+cfg.EngineToken)
		bopts = append(bopts, bridge.WithHeader(h))
	}
	f, err := bridge.NewFactory(cfg.EngineURL, bopts...)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// OpenCredsStore opens the configured credential backend without starting the server.
// The returned func releases the store and any database pool it needed.
func OpenCredsStore(ctx context.Context, cfg Config, log Logger) (creds.Store, func(), error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	var pool *pgxpool.Pool
	if cfg.CredsBackend == CredsBackendPostgres {
		if cfg.DatabaseURL == "" {
			return nil, nil, ErrDatabaseRequired
		}
		p, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("db: %w", err)
		}
		pool = p
	}

	st, err := newCredsStore(ctx, cfg, log, pool)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, nil, err
	}
	return st, func() {
		_ = st.Close()
		if pool != nil {
			pool.Close()
		}
	}, nil
}
