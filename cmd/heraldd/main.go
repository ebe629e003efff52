// Command heraldd runs the herald delivery engine as a standalone process.
//
// It drains scheduled, pending and retrying deliveries from a shared store
// that application processes write to through the herald library, and
// requeues deliveries abandoned by crashed workers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/kv"
	"github.com/xraph/grove/kv/drivers/redisdriver"

	"github.com/xraph/herald"
	"github.com/xraph/herald/internal/config"
	"github.com/xraph/herald/ratelimit"
	"github.com/xraph/herald/store"
	"github.com/xraph/herald/store/memory"
	"github.com/xraph/herald/store/postgres"
	heraldredis "github.com/xraph/herald/store/redis"
)

func main() {
	configPath := flag.String("config", "", "path to a herald.yaml config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("heraldd exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.close(logger)

	if cfg.Store.Migrate {
		if err := backend.store.Migrate(ctx); err != nil {
			return err
		}
	}

	opts := []herald.Option{
		herald.WithConfig(cfg.Herald()),
		herald.WithStore(backend.store),
		herald.WithLogger(logger),
	}
	if cfg.RateLimit.Shared {
		opts = append(opts, herald.WithLimiter(ratelimit.NewRedis(backend.redis, time.Minute)))
	}

	h, err := herald.New(opts...)
	if err != nil {
		return err
	}

	var srv *http.Server
	if cfg.HealthAddr != "" {
		srv = &http.Server{
			Addr:              cfg.HealthAddr,
			Handler:           newHealthHandler(h),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("health server listening", "addr", cfg.HealthAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("health server failed", "error", err)
				stop()
			}
		}()
	}

	h.Start(ctx)
	logger.Info("heraldd running", "store", cfg.Store.Driver)

	<-ctx.Done()
	logger.Info("heraldd shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout+5*time.Second)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("health server shutdown", "error", err)
		}
	}
	h.Stop(shutdownCtx)
	return nil
}

// backend is an opened store plus whatever must be closed with it.
type backend struct {
	store  store.Store
	redis  *goredis.Client
	closer func() error
}

func (b *backend) close(logger *slog.Logger) {
	if err := b.store.Close(); err != nil {
		logger.Warn("close store", "error", err)
	}
	if b.closer != nil {
		if err := b.closer(); err != nil {
			logger.Warn("close connection", "error", err)
		}
	}
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	b := &backend{}

	// A Redis client is needed by the redis store and by the shared limiter.
	if cfg.Store.RedisURL != "" {
		ropts, err := goredis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := goredis.NewClient(ropts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		b.redis = client
		b.closer = client.Close
	}

	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pgdb := pgdriver.New()
		if err := pgdb.Open(ctx, cfg.Store.PostgresDSN); err != nil {
			b.closeRedis()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		db, err := grove.Open(pgdb)
		if err != nil {
			b.closeRedis()
			return nil, fmt.Errorf("open grove db: %w", err)
		}
		b.store = postgres.New(db)

	case config.DriverRedis:
		kvStore, err := kv.Open(redisdriver.New(b.redis))
		if err != nil {
			b.closeRedis()
			return nil, fmt.Errorf("open grove kv: %w", err)
		}
		b.store = heraldredis.New(kvStore)
		// The kv store owns the client now.
		b.closer = nil

	default:
		b.store = memory.New()
	}
	return b, nil
}

func (b *backend) closeRedis() {
	if b.closer != nil {
		_ = b.closer()
	}
}
