package server

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/tlammers/skyfeed/internal/domain"
	"github.com/tlammers/skyfeed/internal/version"
)

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(200, map[string]string{"status": "ok"})
}

// handleReadiness checks the shared store and the broadcast bus link. A
// reconnecting bus reports unhealthy so load balancers route new
// connections to processes with a live subscription.
func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := s.redis.Ping(ctx).Err(); err != nil {
		return c.JSON(503, map[string]any{
			"status":       "unhealthy",
			"failed_check": "redis",
			"error":        err.Error(),
		})
	}

	if state := s.bus.State(); state != domain.BusConnected {
		return c.JSON(503, map[string]any{
			"status":       "unhealthy",
			"failed_check": "bus",
			"bus_state":    state.String(),
		})
	}

	return c.JSON(200, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(200, version.Get())
}
