package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/agrocache/internal/config"
	"github.com/Sternrassler/agrocache/internal/server"
	"github.com/Sternrassler/agrocache/pkg/cache"
	"github.com/Sternrassler/agrocache/pkg/logging"
	"github.com/Sternrassler/agrocache/pkg/metrics"
	"github.com/Sternrassler/agrocache/pkg/ratelimit"
	"github.com/Sternrassler/agrocache/pkg/upstream"
	"github.com/Sternrassler/agrocache/pkg/warmup"
)

func main() {
	configPath := flag.String("config", os.Getenv("AGRO_CONFIG_FILE"), "path to a YAML, JSON or TOML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("Failed to load .env file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := logging.Setup(logging.Config{
		Level:   logging.LogLevel(cfg.Log.Level),
		Pretty:  cfg.Log.Pretty,
		Service: cfg.App.Name,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("agrocache stopped with error")
	}
	logger.Info().Msg("agrocache stopped")
}

// run wires the service from cfg and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) error {
	a, err := newApp(ctx, cfg, logger, metrics.Registry)
	if err != nil {
		return err
	}
	defer a.close()

	go a.coordinator.RunCleanup(ctx, cfg.Cache.CleanupInterval)

	ln, err := net.Listen("tcp", cfg.App.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.App.Addr(), err)
	}

	logger.Info().
		Str("addr", ln.Addr().String()).
		Str("cache_backend", cfg.Cache.Backend).
		Str("upstream", cfg.Upstream.BaseURL).
		Msg("Starting agrocache")

	return serve(ctx, &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}, ln, cfg.App.ShutdownTimeout, logger)
}

// app bundles the wired service objects.
type app struct {
	handler     http.Handler
	coordinator *cache.Coordinator
	limiter     *ratelimit.Limiter
	stats       *metrics.StatsRegistry
	closers     []func() error
	logger      zerolog.Logger
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close resource")
		}
	}
}

// newApp builds the cache tiers, limiter, provider client and HTTP server.
// The stats collector is registered with reg.
func newApp(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger, reg prometheus.Registerer) (*app, error) {
	a := &app{logger: logger}

	durable, poolOpt, err := a.openDurable(ctx, cfg, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	a.coordinator = cache.NewCoordinator(
		cache.NewMemoryCache(cfg.Cache.MemoryCapacity),
		durable,
		cache.WithLogger(logging.NewLogger("cache")),
	)

	a.limiter = ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimit.MaxRequestsPerMinute,
		MaxRequestsPerHour:   cfg.RateLimit.MaxRequestsPerHour,
	}, ratelimit.WithLogger(logging.NewLogger("ratelimit")))

	upstreamCfg := upstream.DefaultConfig(cfg.Upstream.BaseURL, cfg.Upstream.UserAgent)
	upstreamCfg.APIKey = cfg.Upstream.APIKey
	upstreamCfg.Timeout = cfg.Upstream.Timeout
	upstreamCfg.RequestsPerSecond = cfg.Upstream.RequestsPerSecond
	upstreamCfg.Burst = cfg.Upstream.Burst
	upstreamCfg.ThrottleDelay = cfg.Upstream.ThrottleDelay
	provider, err := upstream.New(upstreamCfg)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create upstream client: %w", err)
	}

	var opts []metrics.Option
	if poolOpt != nil {
		opts = append(opts, poolOpt)
	}
	a.stats = metrics.NewRegistry(a.coordinator, a.limiter, opts...)
	if reg != nil {
		if err := a.stats.Register(reg); err != nil {
			a.close()
			return nil, fmt.Errorf("register stats collector: %w", err)
		}
	}

	a.handler = server.New(server.Config{
		AdminToken:          cfg.App.AdminToken,
		RequestTimeout:      cfg.App.RequestTimeout,
		TrustClientIDHeader: cfg.App.TrustClientIDHeader,
		TrustProxyHeaders:   cfg.App.TrustProxyHeaders,
		Warmup: warmup.Config{
			MaxConcurrency: cfg.Warmup.MaxConcurrency,
			Timeout:        cfg.Warmup.Timeout,
			MaxBatchSize:   cfg.Warmup.MaxBatchSize,
		},
	}, a.coordinator, a.limiter, a.stats, provider, logging.NewLogger("http")).Router()

	return a, nil
}

// openDurable opens the configured durable backend. It returns a nil cache
// for the "none" backend.
func (a *app) openDurable(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*cache.DurableCache, metrics.Option, error) {
	storeLogger := logger.With().Str("component", "durable").Str("backend", cfg.Cache.Backend).Logger()

	switch cfg.Cache.Backend {
	case config.BackendPostgres:
		store, err := cache.NewPostgresStore(cache.PostgresConfig{
			DSN:     cfg.Postgres.DSN,
			MaxIdle: cfg.Postgres.MaxIdle,
			MaxOpen: cfg.Postgres.MaxOpen,
		}, storeLogger)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, store.Close)

		if err := store.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("ensure postgres schema: %w", err)
		}
		return cache.NewDurableCache(store, storeLogger), metrics.WithPool("postgres", store), nil

	case config.BackendRedis:
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, redisClient.Close)

		store, err := cache.NewRedisStore(redisClient, cache.RedisConfig{
			MaxIdle: cfg.Redis.MaxIdle,
			MaxOpen: cfg.Redis.MaxOpen,
		}, storeLogger)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, store.Close)

		if err := store.Ping(ctx); err != nil {
			// The service still starts and serves from memory; /ready reports the outage.
			storeLogger.Warn().Err(err).Msg("Redis not reachable at startup")
		}
		return cache.NewDurableCache(store, storeLogger), metrics.WithPool("redis", store), nil

	default:
		logger.Info().Msg("No durable cache backend configured, using memory tier only")
		return nil, nil, nil
	}
}

// serve runs srv on ln until ctx is cancelled, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, shutdownTimeout time.Duration, logger zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
