package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/tlammers/skyfeed/internal/auth"
	"github.com/tlammers/skyfeed/internal/config"
	"github.com/tlammers/skyfeed/internal/domain"
	"github.com/tlammers/skyfeed/internal/gateway"
	"github.com/tlammers/skyfeed/internal/logging"
	"github.com/tlammers/skyfeed/internal/metrics"
	"github.com/tlammers/skyfeed/internal/redis"
	"github.com/tlammers/skyfeed/internal/registry"
	"github.com/tlammers/skyfeed/internal/scheduler"
	"github.com/tlammers/skyfeed/internal/server"
	"github.com/tlammers/skyfeed/internal/source"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(ctx context.Context, cfg *config.Config) *goredis.Client {
	client, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupVerifier(cfg *config.Config) domain.CredentialVerifier {
	if cfg.AuthVerifyURL != "" {
		return auth.NewHTTPVerifier(cfg.AuthVerifyURL)
	}
	slog.Warn("Using static credential verifier, not suitable for production")
	return auth.NewStaticVerifier(cfg.AuthStaticToken)
}

func setupQuota(cfg *config.Config, redisClient *goredis.Client) domain.QuotaService {
	if cfg.QuotaLimit <= 0 {
		return redis.NoopQuota{}
	}
	return redis.NewQuotaService(redisClient, cfg.QuotaLimit, cfg.QuotaWindow)
}

func runGracefulShutdown(srv *server.Server, sched *scheduler.Scheduler, bus *redis.Bus, gw *gateway.Gateway, cancelSampler context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		sched.Stop()
		if err := bus.Close(); err != nil {
			slog.Error("Bus close error", "error", err)
		}
		gw.Stop()
		cancelSampler()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	redisClient := setupRedis(context.Background(), cfg)
	defer func() { _ = redisClient.Close() }()

	scripts := redis.NewScriptRunner(redisClient)
	cache := redis.NewCacheStore(redisClient, scripts)
	bus := redis.NewBus(redisClient)
	quota := setupQuota(cfg, redisClient)
	verifier := setupVerifier(cfg)

	reg := registry.New(cfg.SubscriptionLimit)
	gw := gateway.New(reg, cache, verifier, quota, clock, gateway.Config{
		MessageRate:  cfg.MessageRate,
		MessageBurst: cfg.MessageBurst,
	})

	sourceClient := source.NewClient(cfg.NasaAPIKey, clock)
	adapters := source.DefaultAdapters(sourceClient, clock)
	sched := scheduler.New(adapters, cache, bus, clock)
	gw.SetRefresher(sched)

	if err := bus.Subscribe(context.Background(), gw.PushToTopic); err != nil {
		slog.Error("Failed to subscribe to broadcast bus", "error", err)
		os.Exit(1)
	}

	sched.Start(context.Background())

	sampler := metrics.NewSampler(metrics.SnapshotSources{
		Connections:   gw.ConnectionCount,
		Subscriptions: reg.SubscriptionCount,
		Delivered:     gw.Delivered,
		Scheduler:     sched.Status,
		BusState:      bus.State,
	}, cfg.SnapshotInterval, clock)
	samplerCtx, cancelSampler := context.WithCancel(context.Background())
	go sampler.Run(samplerCtx)

	srv := server.NewServer(cfg, gw, sampler, sched, redisClient, bus)

	done := runGracefulShutdown(srv, sched, bus, gw, cancelSampler)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
