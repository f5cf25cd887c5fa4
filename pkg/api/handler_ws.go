package api

import (
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// deviceSocketHandler handles GET /ws/device/:port — the device control
// WebSocket. Blocks until the device disconnects.
func (s *Server) deviceSocketHandler(c *echo.Context) error {
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil || port <= 0 || port > 65535 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid frp port")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Device agents connect from arbitrary networks through the tunnel.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	_ = s.registry.HandleDeviceSocket(c.Request().Context(), conn, port)
	return nil
}

// eventSocketHandler handles GET /ws/events — the dashboard event stream.
func (s *Server) eventSocketHandler(c *echo.Context) error {
	if s.connManager == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event stream not available")
	}
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	s.connManager.HandleConnection(c.Request().Context(), conn)
	return nil
}
