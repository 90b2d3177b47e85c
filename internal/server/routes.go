package server

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Operator API requests per second per IP.
const apiRateLimit rate.Limit = 20

func (s *Server) registerRoutes() {
	// Observability endpoints (no auth required)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/version", s.handleVersion)

	// Operator API
	api := s.echo.Group("/api/v1", middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(apiRateLimit)))
	api.GET("/snapshot", s.handleSnapshot)
	api.POST("/refresh/:source", s.handleForceRefresh)

	// Client entry point
	s.echo.GET("/ws", s.handleWebSocket)
}
