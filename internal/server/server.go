// Package server is the HTTP surface: the WebSocket endpoint, health and
// metrics, and the small operator API.
package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"
	"github.com/tlammers/skyfeed/internal/config"
	"github.com/tlammers/skyfeed/internal/domain"
	"github.com/tlammers/skyfeed/internal/gateway"
	"github.com/tlammers/skyfeed/internal/metrics"
)

// Per-process connection admission limits. Intentionally not configurable;
// they protect the process, not the product.
const (
	maxConnectionsGlobal = 10000
	maxConnectionsPerIP  = 32
	connectionsPerSecond = 10.0
	connectionBurst      = 20
)

// redisPinger is the slice of the Redis client the readiness check needs.
type redisPinger interface {
	Ping(ctx context.Context) *goredis.StatusCmd
}

type Server struct {
	echo      *echo.Echo
	cfg       *config.Config
	gateway   *gateway.Gateway
	sampler   *metrics.Sampler
	refresher domain.Refresher
	redis     redisPinger
	bus       domain.Bus
	limits    *ConnectionLimits
	origins   *originChecker
}

func NewServer(cfg *config.Config, gw *gateway.Gateway, sampler *metrics.Sampler, refresher domain.Refresher, redisClient redisPinger, bus domain.Bus) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	srv := &Server{
		echo:      e,
		cfg:       cfg,
		gateway:   gw,
		sampler:   sampler,
		refresher: refresher,
		redis:     redisClient,
		bus:       bus,
		limits:    NewConnectionLimits(maxConnectionsGlobal, maxConnectionsPerIP, connectionsPerSecond, connectionBurst),
		origins:   newOriginChecker(cfg.AllowedOrigins),
	}
	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.cfg.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.cfg.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
