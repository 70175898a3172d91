// Package main is the entrypoint for the BugShot API server.
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

	"github.com/spf13/pflag"

	"github.com/kiranshivaraju/bugshot/internal/api"
	"github.com/kiranshivaraju/bugshot/internal/api/handler"
	mw "github.com/kiranshivaraju/bugshot/internal/api/middleware"
	"github.com/kiranshivaraju/bugshot/internal/cache"
	"github.com/kiranshivaraju/bugshot/internal/config"
	"github.com/kiranshivaraju/bugshot/internal/events"
	"github.com/kiranshivaraju/bugshot/internal/ingest"
	"github.com/kiranshivaraju/bugshot/internal/metrics"
	"github.com/kiranshivaraju/bugshot/internal/notify"
	"github.com/kiranshivaraju/bugshot/internal/ratelimit"
	"github.com/kiranshivaraju/bugshot/internal/replay"
	"github.com/kiranshivaraju/bugshot/internal/store"
	"github.com/kiranshivaraju/bugshot/pkg/models"
)

const (
	shutdownTimeout = 30 * time.Second
	sweepInterval   = time.Minute

	// Management API budget per key, separate from the ingest gate.
	managementPerMin = 60
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(os.Args[1:]); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var configPath string
	flagSet := pflag.NewFlagSet("bugshot", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "optional YAML/JSON config file; environment variables override it")
	migrations := flagSet.String("migrations", "", "migrations directory (overrides MIGRATIONS_PATH)")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// 1. Load config, fail fast on invalid config
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *migrations != "" {
		cfg.MigrationsPath = *migrations
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "store", cfg.Store.Backend, "rate_limit", cfg.RateLimit.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	// Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      a.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	// No more publishers; let subscribers finish what was accepted.
	if err := a.bus.Close(shutdownCtx); err != nil {
		slog.Warn("event bus did not drain", "error", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// app is the fully wired server. close releases backends in reverse order.
type app struct {
	router http.Handler
	bus    *events.Bus
	store  store.Store

	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()
	health := map[string]handler.Pinger{}

	// Store
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		pool, err := store.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		slog.Info("database connected")

		if err := store.RunMigrations(cfg.Database.URL, cfg.MigrationsPath); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied")
		a.store = store.NewPostgresStore(pool)
	default:
		a.store = store.NewMemoryStore()
		slog.Warn("using in-memory store; data is lost on restart")
	}
	health["database"] = a.store

	// Rate limit counters
	var counter ratelimit.Counter
	switch cfg.RateLimit.Backend {
	case config.BackendRedis:
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("create redis cache: %w", err)
		}
		a.closers = append(a.closers, func() { redisCache.Close() })
		if err := redisCache.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("redis connected")
		counter = redisCache
		health["cache"] = redisCache
	default:
		mem := ratelimit.NewMemoryCounter()
		sweepCtx, cancel := context.WithCancel(context.Background())
		go mem.RunSweeper(sweepCtx, sweepInterval)
		a.closers = append(a.closers, cancel)
		counter = mem
	}

	gate := ratelimit.NewGate(
		ratelimit.NewLimiter(counter, ratelimit.KindCredential, cfg.RateLimit.CredentialLimit, cfg.RateLimit.Window),
		ratelimit.NewLimiter(counter, ratelimit.KindOrigin, cfg.RateLimit.OriginLimit, cfg.RateLimit.Window),
	)

	// Event bus and subscribers
	a.bus = events.NewBus(events.Options{
		Workers:        cfg.Events.Workers,
		QueueSize:      cfg.Events.QueueSize,
		HandlerTimeout: cfg.Events.HandlerTimeout,
	})

	dispatcher := notify.NewDispatcher(a.store, senders(cfg), notify.DispatcherOptions{
		Timeout:     cfg.Notify.Timeout,
		Concurrency: cfg.Notify.Concurrency,
	})
	replays, err := replay.NewLocalFileStore(cfg.Replay.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("create replay store: %w", err)
	}

	// Subscribers run concurrently per event. Notify filters on the
	// snapshot carried by the event, never on the rescored aggregate.
	a.bus.Subscribe("priority", ingest.NewPriorityListener(a.store).Handle)
	a.bus.Subscribe("project_stats", ingest.NewProjectStatsListener(a.store).Handle)
	a.bus.Subscribe("notify", dispatcher.HandleIngested)
	a.bus.Subscribe("replay", replay.NewListener(replays, a.store).Handle)
	a.bus.Start()

	svc := ingest.NewService(a.store, gate, a.bus)

	a.router = api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(a.store),
		RateLimit: mw.NewRateLimit(ratelimit.NewLimiter(counter, ratelimit.KindCredential, managementPerMin, time.Minute)),

		CORSOrigins: cfg.CORS.AllowedOrigins,

		HealthHandler:  handler.NewHealthHandler(health),
		MetricsHandler: metrics.Handler(),
		IngestHandler:  handler.NewIngestHandler(svc, cfg.TrustedProxies),

		ListErrors:   handler.NewListErrorsHandler(a.store),
		GetError:     handler.NewGetErrorHandler(a.store),
		ResolveError: handler.NewTransitionHandler(svc, models.ActionResolve),
		IgnoreError:  handler.NewTransitionHandler(svc, models.ActionIgnore),
		ReopenError:  handler.NewTransitionHandler(svc, models.ActionReopen),

		TestChannel: handler.NewTestChannelHandler(a.store, dispatcher),
	})

	return a, nil
}

// senders builds one Sender per channel type, sharing an HTTP client.
func senders(cfg *config.Config) notify.Registry {
	client := &http.Client{Timeout: cfg.Notify.Timeout}
	base := cfg.Notify.FrontendBaseURL
	smtp := cfg.Notify.SMTP

	return notify.NewRegistry(
		notify.NewSlackSender(client, base),
		notify.NewDiscordSender(client, base),
		notify.NewTelegramSender(client, cfg.Notify.Telegram.APIBaseURL, base, cfg.Notify.Telegram.RatePerSec),
		notify.NewWebhookSender(client, base),
		notify.NewEmailSender(notify.SMTPSettings{
			Host:     smtp.Host,
			Port:     smtp.Port,
			Username: smtp.Username,
			Password: smtp.Password,
			From:     smtp.From,
		}, base),
	)
}
