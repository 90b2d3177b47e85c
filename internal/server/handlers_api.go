package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/tlammers/skyfeed/internal/domain"
)

// handleSnapshot serves the sampled operator view. Reading it never touches
// the fan-out path.
func (s *Server) handleSnapshot(c echo.Context) error {
	return c.JSON(http.StatusOK, s.sampler.Current())
}

// handleForceRefresh triggers an out-of-band scheduler tick for one source
// type. The refresh runs asynchronously; 202 means "accepted", not "done".
func (s *Server) handleForceRefresh(c echo.Context) error {
	source := domain.SourceType(c.Param("source"))
	if !s.refresher.ForceRefresh(source) {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "unknown source type: " + string(source),
		})
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"status": "refresh scheduled",
		"source": string(source),
	})
}
