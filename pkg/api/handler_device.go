package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// listDevicesHandler handles GET /devices with live-derived status.
func (s *Server) listDevicesHandler(c *echo.Context) error {
	devices := s.registry.List()
	return c.JSON(http.StatusOK, DeviceListResponse{Devices: devices, Count: len(devices)})
}

// getDeviceHandler handles GET /devices/:id.
func (s *Server) getDeviceHandler(c *echo.Context) error {
	device, err := s.registry.Get(c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, device)
}

// deviceCommandHandler handles POST /devices/:id/command: opaque passthrough
// to the device's control socket.
func (s *Server) deviceCommandHandler(c *echo.Context) error {
	var req CommandRequest
	if err := bindStrict(c, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Command) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "command must not be empty")
	}
	if err := s.registry.SendCommand(c.Request().Context(), c.Param("id"), req.Command); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "sent"})
}
