package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/example/trip-tracking/internal/auth"
	"github.com/example/trip-tracking/internal/cache"
	"github.com/example/trip-tracking/internal/config"
	"github.com/example/trip-tracking/internal/dispatch"
	httpapi "github.com/example/trip-tracking/internal/http"
	"github.com/example/trip-tracking/internal/ingest"
	"github.com/example/trip-tracking/internal/logging"
	"github.com/example/trip-tracking/internal/registry"
	"github.com/example/trip-tracking/internal/storage"
	"github.com/example/trip-tracking/internal/throttle"
	"github.com/example/trip-tracking/internal/worker"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "YAML config file (overrides CONFIG_FILE)")
	addr := pflag.String("addr", "", "listen address (overrides HTTP_ADDR)")
	logLevel := pflag.String("log-level", "", "log level: debug, info, warn, error")
	pflag.Parse()

	if *configPath != "" {
		_ = os.Setenv("CONFIG_FILE", *configPath)
	}
	cfg, err := config.LoadServerConfig()
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger := logging.NewLogger("trip-tracking", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.JWTSecret == config.DefaultJWTSecret {
		logger.Warn("JWT_SECRET not set, using the development secret")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		return err
	}

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()
	var ready []httpapi.ReadyCheck

	var locCache cache.LocationCache
	if cfg.RedisAddr != "" {
		rc := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		closers = append(closers, rc.Close)
		ready = append(ready, httpapi.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error { return rc.Ping(ctx).Err() }})
		locCache = cache.NewRedisCache(cache.NewRedisKV(rc), cfg.CacheKeyPrefix, nil)
		logger.Info("cache_backend", "backend", "redis", "addr", cfg.RedisAddr)
	} else {
		locCache = cache.NewMemoryCache(nil)
		logger.Info("cache_backend", "backend", "memory")
	}

	var (
		sink   storage.SnapshotStore
		reader storage.SnapshotReader
	)
	switch cfg.ResolvedSink() {
	case config.SinkPostgres, config.SinkKafka:
		if cfg.PGDSN != "" {
			db, err := openDB(ctx, cfg, logger)
			if err != nil {
				return err
			}
			closers = append(closers, db.Close)
			ps := storage.NewPostgresStore(db)
			ready = append(ready, httpapi.ReadyCheck{Name: "postgres", Check: ps.Ping})
			reader = ps
			sink = ps
		}
		if cfg.ResolvedSink() == config.SinkKafka {
			ks := ingest.NewKafkaSink(ingest.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
			closers = append(closers, ks.Close)
			sink = ks
		}
		if reader == nil {
			logger.Warn("snapshot_reads_disabled", "reason", "PG_DSN not set")
		}
	default:
		mem := storage.NewMemoryStore()
		sink, reader = mem, mem
	}
	logger.Info("snapshot_sink", "sink", cfg.ResolvedSink(), "interval", cfg.SnapshotInterval.String())

	queue := worker.New(logger, cfg.WorkerCount, cfg.WorkerQueueDepth)
	reg := registry.New(logger)
	th := throttle.New(cfg.SnapshotInterval)
	pipeline := &ingest.Pipeline{
		Cache:     locCache,
		Broadcast: reg,
		Throttle:  th,
		Store:     sink,
		Tasks:     queue,
		CacheTTL:  cfg.CacheTTL,
		Logger:    logger,
	}

	hub := dispatch.NewHub()
	api := httpapi.NewServer(httpapi.Deps{
		Verifier:  verifier,
		Registry:  reg,
		Ingest:    pipeline,
		Cache:     locCache,
		Snapshots: reader,
		Hub:       hub,
		Conn: dispatch.Options{
			SendBuffer:   cfg.WSSendBuffer,
			ReadLimit:    cfg.WSReadLimit,
			PingInterval: cfg.WSPingInterval,
			PongWait:     cfg.WSPongWait,
		},
		Ready:  ready,
		Logger: logger,
	})

	go pruneThrottle(ctx, th, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("trip-tracking listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := hub.CloseAll(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := queue.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// openDB connects to Postgres and applies migrations when asked to.
func openDB(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*sql.DB, error) {
	db, err := storage.OpenPostgres(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("postgres_unavailable", "error", err)
		return nil, err
	}
	if cfg.RunMigrations {
		applied, err := storage.Migrate(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		logger.Info("migrations applied", "files", applied)
	}
	return db, nil
}

// pruneThrottle drops throttle entries that can no longer reject anything.
func pruneThrottle(ctx context.Context, th *throttle.Throttle, logger *slog.Logger) {
	t := time.NewTicker(th.Interval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := th.Prune(now); n > 0 {
				logger.Debug("throttle_pruned", "trips", n, "tracked", th.Len())
			}
		}
	}
}
