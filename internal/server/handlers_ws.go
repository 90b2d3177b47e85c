package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/tlammers/skyfeed/internal/auth"
	"github.com/tlammers/skyfeed/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is checked before the upgrade so rejections can carry a
	// proper status and metric.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket admits, upgrades, and then runs the connection's read
// loop until the client goes away.
func (s *Server) handleWebSocket(c echo.Context) error {
	if origin := c.Request().Header.Get("Origin"); !s.origins.allowed(origin) {
		metrics.GatewayConnectionsTotal.WithLabelValues("origin_rejected").Inc()
		return c.String(http.StatusForbidden, "origin not allowed")
	}

	ip := c.RealIP()
	ok, reason := s.limits.Acquire(ip)
	if !ok {
		slog.Warn("Connection rejected by admission limits", "ip", ip, "reason", reason)
		metrics.GatewayConnectionsTotal.WithLabelValues(string(reason)).Inc()
		return c.String(http.StatusTooManyRequests, "connection limit reached")
	}
	defer s.limits.Release(ip)

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "ip", ip, "error", err)
		return nil
	}

	credential := auth.BearerFromHeader(c.Request().Header.Get("Authorization"))
	if credential == "" {
		// Browser WebSocket clients cannot set headers.
		credential = c.QueryParam("token")
	}

	conn, err := s.gateway.Accept(c.Request().Context(), ws, credential)
	if err != nil {
		return nil
	}
	defer s.gateway.Disconnect(conn)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return nil
		}
		s.gateway.HandleMessage(context.Background(), conn, data)
	}
}
