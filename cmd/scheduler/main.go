package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/outreach-scheduler/internal/allocator"
	"github.com/LeventeLantos/outreach-scheduler/internal/api"
	"github.com/LeventeLantos/outreach-scheduler/internal/cache"
	"github.com/LeventeLantos/outreach-scheduler/internal/client"
	"github.com/LeventeLantos/outreach-scheduler/internal/config"
	"github.com/LeventeLantos/outreach-scheduler/internal/model"
	"github.com/LeventeLantos/outreach-scheduler/internal/repo"
	"github.com/LeventeLantos/outreach-scheduler/internal/scheduler"
	"github.com/LeventeLantos/outreach-scheduler/internal/service"
	"github.com/LeventeLantos/outreach-scheduler/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("scheduler exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	store, closeStore, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.CatalogFile != "" {
		cat, err := config.LoadCatalogFile(cfg.CatalogFile)
		if err != nil {
			return err
		}
		if err := seedCatalog(ctx, store, cat); err != nil {
			return err
		}
		logger.Info("catalog seeded", "file", cfg.CatalogFile, "accounts", len(cat.Accounts), "campaigns", len(cat.Campaigns))
	}

	ledger, closeLedger, err := openLedger(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer closeLedger()

	opts := []service.Option{service.WithLogger(logger)}
	alloc := allocator.New(store, allocator.WithLogger(logger))
	seq := service.NewSequencer(store, alloc, cfg.Scheduler.MaxRetries, opts...)
	admin := service.NewAdmin(store, seq, alloc, opts...)
	recon := service.NewReconciler(store, seq, alloc, service.ReconcilerConfig{
		DispatchTimeout:  cfg.Reconciler.DispatchTimeout,
		SuspendThreshold: cfg.Reconciler.SuspendThreshold,
		ResumeThreshold:  cfg.Reconciler.ResumeThreshold,
		MinSample:        cfg.Reconciler.MinSample,
		AckSLA:           cfg.Reconciler.AckSLA,
	}, opts...)

	channel := client.NewWebhookClient(cfg.Webhook.URL,
		client.WithToken(cfg.Webhook.Token),
		client.WithTimeout(cfg.Webhook.Timeout),
	)
	disp := service.NewDispatcher(store, channel, service.NewTemplateContent(cfg.Webhook.ContentMax), ledger, seq,
		service.DispatcherConfig{
			BatchSize:      cfg.Scheduler.BatchSize,
			Workers:        cfg.Scheduler.Workers,
			CallTimeout:    cfg.Scheduler.CallTimeout,
			SendsPerSecond: cfg.Scheduler.SendsPerSecond,
		}, opts...)

	dispatchLoop, err := scheduler.New(cfg.Scheduler.Interval,
		func(ctx context.Context) { disp.Tick(ctx) },
		scheduler.WithName("dispatcher"),
		scheduler.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("dispatcher loop: %w", err)
	}
	reconcileLoop, err := scheduler.NewCron(cfg.Reconciler.Schedule, recon.Run, time.UTC, logger)
	if err != nil {
		return fmt.Errorf("reconciler loop: %w", err)
	}

	dispatchLoop.Start()
	reconcileLoop.Start()
	defer reconcileLoop.Stop()
	defer dispatchLoop.Stop()

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(api.NewHandler(dispatchLoop, seq, admin, recon))),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("outreach scheduler starting",
			"addr", cfg.Server.Address,
			"interval", cfg.Scheduler.Interval.String(),
			"batch", cfg.Scheduler.BatchSize,
			"reconcile_schedule", cfg.Reconciler.Schedule,
			"redis", cfg.Redis.Enabled,
			"postgres", cfg.Database.PostgresURL != "",
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("http server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (repo.Store, func(), error) {
	if cfg.PostgresURL == "" {
		logger.Warn("POSTGRES_URL not set, using in-memory store")
		return repo.NewMemoryStore(), func() {}, nil
	}

	db, err := repo.OpenPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, nil, err
	}
	store := repo.NewPostgresStore(db)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return store, func() { _ = db.Close() }, nil
}

func openLedger(ctx context.Context, cfg config.RedisConfig) (cache.SendLedger, func(), error) {
	if !cfg.Enabled {
		return cache.NopLedger{}, func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return cache.NewRedisLedger(rdb, cfg.TTL), func() { _ = rdb.Close() }, nil
}

// catalogStore is the subset of repo.Store that seeding writes to.
type catalogStore interface {
	UpsertAccount(ctx context.Context, a model.Account) error
	UpsertCampaign(ctx context.Context, c model.Campaign) error
}

func seedCatalog(ctx context.Context, store catalogStore, cat config.Catalog) error {
	for _, spec := range cat.Accounts {
		a, err := spec.Account()
		if err != nil {
			return err
		}
		if err := store.UpsertAccount(ctx, a); err != nil {
			return fmt.Errorf("seed account %s: %w", a.ID, err)
		}
	}
	for _, spec := range cat.Campaigns {
		c, err := spec.Campaign()
		if err != nil {
			return err
		}
		if err := store.UpsertCampaign(ctx, c); err != nil {
			return fmt.Errorf("seed campaign %s: %w", c.ID, err)
		}
	}
	return nil
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
