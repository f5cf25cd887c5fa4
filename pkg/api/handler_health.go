package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/GaryChine-byte/phonefleet/pkg/database"
	"github.com/GaryChine-byte/phonefleet/pkg/masking"
	"github.com/GaryChine-byte/phonefleet/pkg/version"
)

// healthHandler handles GET /health. The LLM section echoes the provider
// binding with the API key masked.
func (s *Server) healthHandler(c *echo.Context) error {
	resp := &HealthResponse{
		Status:  "healthy",
		Version: version.Full(),
		Devices: len(s.registry.List()),
		Running: s.scheduler.RunningCount(),
		LLM: masking.ConfigMap(map[string]any{
			"base_url": s.cfg.LLM.BaseURL,
			"model":    s.cfg.LLM.Model,
			"api_key":  s.cfg.LLM.APIKey,
		}),
	}
	if s.connManager != nil {
		resp.Dashboards = s.connManager.Count()
	}

	if s.dbClient != nil {
		reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()
		dbHealth, err := database.Health(reqCtx, s.dbClient.DB())
		resp.Database = dbHealth
		if err != nil {
			resp.Status = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
	}

	return c.JSON(http.StatusOK, resp)
}
