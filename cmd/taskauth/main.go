package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/taskauth/internal/audit"
	"github.com/alexjbarnes/taskauth/internal/auth"
	"github.com/alexjbarnes/taskauth/internal/cache"
	"github.com/alexjbarnes/taskauth/internal/config"
	"github.com/alexjbarnes/taskauth/internal/keys"
	"github.com/alexjbarnes/taskauth/internal/logging"
	"github.com/alexjbarnes/taskauth/internal/mcpserver"
	"github.com/alexjbarnes/taskauth/internal/metrics"
	"github.com/alexjbarnes/taskauth/internal/server"
	"github.com/alexjbarnes/taskauth/internal/storage"
	"github.com/alexjbarnes/taskauth/internal/token"
)

var Version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	var err error

	// Key maintenance subcommands run once and exit.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "rotate-keys":
			err = runKeyCommand(rotateKeys)
		case "prune-keys":
			err = runKeyCommand(pruneKeys)
		default:
			err = fmt.Errorf("unknown command %q (want rotate-keys or prune-keys)", os.Args[1])
		}
	} else {
		err = run()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("taskauth starting",
		slog.String("version", Version),
		slog.String("issuer", cfg.IssuerURL),
		slog.String("database", cfg.DatabaseDriver),
		slog.String("key_backend", cfg.KeyBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	km, backend, closeKeys, err := openKeys(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeKeys()

	if err := km.Ensure(ctx); err != nil {
		return fmt.Errorf("ensuring signing keys: %w", err)
	}

	store, err := storage.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	health := map[string]server.Pinger{"database": store}

	pending, closeCache, err := openCache(ctx, cfg, logger, health)
	if err != nil {
		return err
	}
	defer closeCache()

	publisher, closeAudit, err := openAudit(cfg, logger)
	if err != nil {
		return err
	}
	defer closeAudit()

	registry := auth.NewRegistry(store, cfg.BcryptCost, logger)

	staticClients, err := cfg.LoadStaticClients()
	if err != nil {
		return err
	}

	if err := registry.SeedStatic(ctx, staticClients); err != nil {
		return fmt.Errorf("seeding static clients: %w", err)
	}

	if len(staticClients) > 0 {
		logger.Info("static clients seeded", slog.Int("count", len(staticClients)))
	}

	m := metrics.New()
	verifier := token.NewVerifier(km, cfg.IssuerURL, cfg.TokenAudience)

	authServer := auth.NewServer(auth.Options{
		IssuerURL:       cfg.IssuerURL,
		LoginURL:        cfg.LoginURL,
		Production:      cfg.IsProduction(),
		AuthCodeTTL:     cfg.AuthCodeTTL,
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		PendingAuthTTL:  cfg.PendingAuthTTL,
	}, auth.Deps{
		Registry:      registry,
		Codes:         store,
		RefreshTokens: store,
		Pending:       pending,
		Sessions:      auth.NewCookieSession(cfg.SessionCookie, cfg.SessionSecret, logger),
		Issuer:        token.NewIssuer(km, cfg.IssuerURL, cfg.TokenAudience),
		Metrics:       m,
		Audit:         publisher,
		Logger:        logger,
	})

	mux := server.NewMux(server.MuxConfig{
		Auth:      authServer,
		Keys:      km,
		Verifier:  verifier,
		IssuerURL: cfg.IssuerURL,
		MCPHandler: mcpserver.NewHandler(mcpserver.HandlerConfig{
			Verifier:            verifier,
			Logger:              logger.With(slog.String("component", "mcp")),
			Version:             Version,
			ResourceMetadataURL: cfg.IssuerURL + auth.PathProtectedResource,
			Scopes:              []string{auth.ScopeTasksRead},
		}),
		Metrics: m.Handler(),
		Logger:  logger,
		Health:  health,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting server", slog.String("listen", cfg.ListenAddr))

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	// Shutdown when context is cancelled.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return reloadOnSignal(gctx, km, m, logger)
	})

	if fb, ok := backend.(*keys.FileBackend); ok && cfg.KeyWatch {
		g.Go(func() error {
			return watchKeys(gctx, fb, km, m, logger)
		})
	}

	return g.Wait()
}

// openKeys builds the key backend selected by KEY_BACKEND and a Manager
// over it.
func openKeys(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*keys.Manager, keys.Backend, func(), error) {
	var (
		backend keys.Backend
		closer  = func() {}
	)

	switch cfg.KeyBackend {
	case "file":
		backend = keys.NewFileBackend(cfg.KeyDir)
	case "bolt":
		bb, err := keys.OpenBolt(cfg.KeyBoltPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening key database: %w", err)
		}

		backend = bb
		closer = func() { _ = bb.Close() }
	case "secretsmanager":
		sm, err := keys.NewSecretsManagerBackendFromEnv(ctx, cfg.AWSRegion, cfg.KeySecretID)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("creating secrets manager backend: %w", err)
		}

		backend = sm
	default:
		return nil, nil, nil, fmt.Errorf("unknown key backend %q", cfg.KeyBackend)
	}

	km := keys.NewManager(backend, keys.ManagerConfig{
		KeyID:     cfg.KeyID,
		Bits:      cfg.KeyBits,
		Retention: cfg.AccessTokenTTL,
		Logger:    logger.With(slog.String("component", "keys")),
	})

	return km, backend, closer, nil
}

// openCache selects the pending-authorization cache. Without REDIS_URL
// the cache lives in process memory.
func openCache(ctx context.Context, cfg *config.Config, logger *slog.Logger, health map[string]server.Pinger) (cache.Store, func(), error) {
	if cfg.RedisURL == "" {
		logger.Warn("REDIS_URL not set, pending authorizations are kept in memory (single instance only)")
		return cache.NewMemory(), func() {}, nil
	}

	rc, err := cache.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}

	health["cache"] = rc

	return rc, func() { _ = rc.Close() }, nil
}

// openAudit publishes to AMQP when configured and to the log otherwise.
func openAudit(cfg *config.Config, logger *slog.Logger) (audit.Publisher, func(), error) {
	if cfg.AMQPURL == "" {
		return audit.NewLogPublisher(logger), func() {}, nil
	}

	p, err := audit.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, logger)
	if err != nil {
		return nil, nil, err
	}

	logger.Info("publishing audit events", slog.String("exchange", cfg.AMQPExchange))

	return p, func() { _ = p.Close() }, nil
}

// reloadKeys reloads the key set and counts a rotation when the active
// key changed underneath this process.
func reloadKeys(ctx context.Context, km *keys.Manager, m *metrics.Metrics, logger *slog.Logger) {
	before, _, _ := km.SigningKey(ctx)

	if err := km.Reload(ctx); err != nil {
		logger.Error("reloading keys", slog.String("error", err.Error()))
		return
	}

	after, _, err := km.SigningKey(ctx)
	if err != nil {
		logger.Error("reading active key after reload", slog.String("error", err.Error()))
		return
	}

	if after != before {
		m.KeyRotated()
		logger.Info("active signing key changed", slog.String("kid", after))

		return
	}

	logger.Debug("keys reloaded, active key unchanged", slog.String("kid", after))
}

// reloadOnSignal reloads the key set on SIGHUP, for backends without a
// change feed.
func reloadOnSignal(ctx context.Context, km *keys.Manager, m *metrics.Metrics, logger *slog.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			reloadKeys(ctx, km, m, logger)
		}
	}
}

// watchKeys reloads the key set whenever another process rotates keys in
// the shared key directory.
func watchKeys(ctx context.Context, fb *keys.FileBackend, km *keys.Manager, m *metrics.Metrics, logger *slog.Logger) error {
	err := fb.Watch(ctx, func() {
		reloadKeys(ctx, km, m, logger)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// --- Key maintenance ---

type keyCommand func(ctx context.Context, km *keys.Manager, pub audit.Publisher, logger *slog.Logger) error

func runKeyCommand(cmd keyCommand) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	km, _, closeKeys, err := openKeys(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeKeys()

	if err := km.Ensure(ctx); err != nil {
		return fmt.Errorf("ensuring signing keys: %w", err)
	}

	pub, closeAudit, err := openAudit(cfg, logger)
	if err != nil {
		return err
	}
	defer closeAudit()

	return cmd(ctx, km, pub, logger)
}

func rotateKeys(ctx context.Context, km *keys.Manager, pub audit.Publisher, logger *slog.Logger) error {
	kid, err := km.Rotate(ctx)
	if err != nil {
		return fmt.Errorf("rotating keys: %w", err)
	}

	logger.Info("signing key rotated", slog.String("kid", kid))
	pub.Publish(ctx, audit.Event{Type: audit.KeyRotated, KeyID: kid})

	return nil
}

func pruneKeys(ctx context.Context, km *keys.Manager, _ audit.Publisher, logger *slog.Logger) error {
	n, err := km.Prune(ctx)
	if err != nil {
		return fmt.Errorf("pruning keys: %w", err)
	}

	logger.Info("retired keys pruned", slog.Int("removed", n))

	return nil
}
