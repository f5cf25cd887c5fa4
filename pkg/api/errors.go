package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/GaryChine-byte/phonefleet/pkg/ports"
	"github.com/GaryChine-byte/phonefleet/pkg/registry"
	"github.com/GaryChine-byte/phonefleet/pkg/scheduler"
)

// mapServiceError maps scheduler/registry errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound),
		errors.Is(err, registry.ErrDeviceNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrEmptyInstruction),
		errors.Is(err, scheduler.ErrNotWaiting),
		errors.Is(err, scheduler.ErrNotPending):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrDeviceBusy),
		errors.Is(err, ports.ErrPortInUse):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrNoDeviceAvailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}

	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
