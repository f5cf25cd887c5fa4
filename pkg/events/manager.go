package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// writeTimeout bounds a single WebSocket send so one stalled client cannot
// back up the broadcaster.
const writeTimeout = 5 * time.Second

// connection is a single dashboard client.
type connection struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
}

// ConnectionManager manages dashboard WebSocket connections and broadcast.
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[string]*connection
	logger      *slog.Logger
}

// NewConnectionManager creates an empty manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*connection),
		logger:      slog.With("component", "event-hub"),
	}
}

// HandleConnection runs one dashboard client's lifecycle. Blocks until the
// socket closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &connection{
		id:     uuid.New().String(),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	m.mu.Lock()
	m.connections[c.id] = c
	total := len(m.connections)
	m.mu.Unlock()
	m.logger.Info("Dashboard client connected", "connection_id", c.id, "total", total)

	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.connections, c.id)
		total := len(m.connections)
		m.mu.Unlock()
		m.logger.Info("Dashboard client disconnected", "connection_id", c.id, "total", total)
	}()

	m.send(c, Envelope{
		Type:      EventConnected,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      map[string]string{"connection_id": c.id},
	})

	// Read loop: clients only send pings; anything unreadable ends the
	// connection.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg["type"] == "ping" {
			m.send(c, Envelope{Type: "pong", Timestamp: time.Now().UTC().Format(time.RFC3339)})
		}
	}
}

// Broadcast fans an event out to every connected client. Never blocks on a
// slow client beyond the write timeout; failed writes close the connection.
func (m *ConnectionManager) Broadcast(eventType, taskID, deviceID string, data any) {
	env := Envelope{
		Type:      eventType,
		TaskID:    taskID,
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}

	m.mu.RLock()
	conns := make([]*connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		m.send(c, env)
	}
}

func (m *ConnectionManager) send(c *connection, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		m.logger.Error("Marshalling event", "error", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.cancel()
	}
}

// Count returns the number of connected clients.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}
