package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/GaryChine-byte/phonefleet/pkg/models"
)

// pongDeadline bounds how long a native ping may go unanswered.
const pongDeadline = 10 * time.Second

// deviceConn is one device control WebSocket.
type deviceConn struct {
	deviceID string
	conn     *websocket.Conn
	cancel   context.CancelFunc

	writeMu sync.Mutex
}

func (c *deviceConn) sendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, data)
}

// onlineMessage is the first client frame on the control socket.
type onlineMessage struct {
	Type  string `json:"type"`
	Specs struct {
		DeviceName       string  `json:"device_name"`
		DeviceType       string  `json:"device_type"`
		Model            string  `json:"model"`
		OS               string  `json:"os"`
		OSVersion        string  `json:"os_version"`
		ScreenResolution string  `json:"screen_resolution"`
		Battery          int     `json:"battery"`
		FRPPort          int     `json:"frp_port"`
		Force            bool    `json:"force"`
	} `json:"specs"`
}

// HandleDeviceSocket runs the lifecycle of one device control WebSocket:
// registration handshake, heartbeats, and informational traffic. Blocks
// until the socket closes, then soft-deletes the device.
func (r *Registry) HandleDeviceSocket(parentCtx context.Context, conn *websocket.Conn, port int) error {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	log := slog.With("component", "device-ws", "port", port)

	// First frame must be device_online.
	rctx, rcancel := context.WithTimeout(ctx, 15*time.Second)
	_, data, err := conn.Read(rctx)
	rcancel()
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "no registration message")
		return fmt.Errorf("reading device_online: %w", err)
	}
	var online onlineMessage
	if err := json.Unmarshal(data, &online); err != nil || online.Type != "device_online" {
		conn.Close(websocket.StatusPolicyViolation, "expected device_online")
		return fmt.Errorf("bad registration message")
	}

	kind := models.DevicePhone
	if online.Specs.DeviceType == string(models.DevicePC) {
		kind = models.DevicePC
	}
	specs := models.DeviceSpecs{
		Model:            online.Specs.Model,
		OS:               online.Specs.OS,
		OSVersion:        online.Specs.OSVersion,
		ScreenResolution: online.Specs.ScreenResolution,
		Battery:          online.Specs.Battery,
	}

	deviceID := DeviceID(port)
	device, _, err := r.Register(deviceID, kind, port, online.Specs.DeviceName, specs, online.Specs.Force)
	if err != nil {
		_ = writeJSON(ctx, conn, map[string]any{
			"type":    "error",
			"message": err.Error(),
		})
		conn.Close(websocket.StatusPolicyViolation, "port conflict")
		return err
	}

	dc := &deviceConn{deviceID: deviceID, conn: conn, cancel: cancel}
	r.mu.Lock()
	if prev, ok := r.conns[deviceID]; ok {
		prev.cancel()
	}
	r.conns[deviceID] = dc
	r.mu.Unlock()

	if err := dc.sendJSON(ctx, map[string]any{
		"type":      "registered",
		"device_id": deviceID,
		"frp_port":  port,
		"message":   fmt.Sprintf("registered as %s", device.Name),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		log.Warn("Failed to send registration ack", "error", err)
	}

	// Native WebSocket ping every heartbeat interval.
	go r.pingLoop(ctx, dc, log)

	// Read loop: heartbeats and informational traffic until close.
	defer func() {
		r.mu.Lock()
		current := false
		if cur, ok := r.conns[deviceID]; ok && cur == dc {
			delete(r.conns, deviceID)
			current = true
		}
		r.mu.Unlock()
		// A superseding registration (same port, new socket) owns the record
		// now; only the current socket soft-deletes on disconnect.
		if !current {
			return
		}
		if err := r.Unregister(deviceID); err != nil && !errors.Is(err, ErrDeviceNotFound) {
			log.Warn("Unregister on disconnect failed", "error", err)
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			log.Info("Device socket closed", "device_id", deviceID, "error", err)
			return nil
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg["type"] {
		case "ping":
			r.Heartbeat(deviceID)
			_ = dc.sendJSON(ctx, map[string]any{"type": "pong"})
		case "pong":
			r.Heartbeat(deviceID)
		case "task_progress", "log":
			// Informational; heartbeat-equivalent.
			r.Heartbeat(deviceID)
		}
	}
}

func (r *Registry) pingLoop(ctx context.Context, dc *deviceConn, log *slog.Logger) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, pongDeadline)
			err := dc.conn.Ping(pctx)
			cancel()
			if err != nil {
				log.Warn("Heartbeat ping failed, closing socket", "device_id", dc.deviceID, "error", err)
				dc.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				dc.cancel()
				return
			}
			r.Heartbeat(dc.deviceID)
		}
	}
}

// closeConnLocked tears down a device's control socket. Caller holds r.mu.
func (r *Registry) closeConnLocked(deviceID string) {
	if dc, ok := r.conns[deviceID]; ok {
		dc.cancel()
		go dc.conn.Close(websocket.StatusGoingAway, "superseded")
		delete(r.conns, deviceID)
	}
}

// SendCommand routes an opaque command to the device's control socket.
func (r *Registry) SendCommand(ctx context.Context, deviceID string, command map[string]any) error {
	r.mu.RLock()
	dc, ok := r.conns[deviceID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s has no control socket", ErrDeviceNotFound, deviceID)
	}
	return dc.sendJSON(ctx, command)
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
