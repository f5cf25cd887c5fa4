// Package ports owns the tunnel-port lifecycle: the allocation table that
// guarantees one device per port, the background scanner that discovers
// devices on the reserved bands, and the reaper that kills zombie listeners.
package ports

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrPortInUse is returned when a non-forced allocation hits a port held by
// another device.
var ErrPortInUse = errors.New("port already allocated to another device")

// Allocation is one port→device binding.
type Allocation struct {
	Port       int       `json:"port"`
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
	lastSeen   time.Time
}

// Allocator serializes port→device bindings. A single lock guards the
// mapping; every other component reads through this interface.
type Allocator struct {
	mu       sync.Mutex
	byPort   map[int]*Allocation
	byDevice map[string]int
	logger   *slog.Logger
}

// NewAllocator creates an empty allocation table.
func NewAllocator() *Allocator {
	return &Allocator{
		byPort:   make(map[int]*Allocation),
		byDevice: make(map[string]int),
		logger:   slog.With("component", "port-allocator"),
	}
}

// Allocate binds port to deviceID. A device re-registering on a new port
// releases its old one first. A port held by a different device fails unless
// force is set, in which case the prior holder is evicted (and logged).
// Returns the evicted device id, if any.
func (a *Allocator) Allocate(deviceID string, port int, name string, force bool) (evicted string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if old, ok := a.byDevice[deviceID]; ok {
		if old == port {
			// Same binding: refresh and succeed (force or not).
			a.byPort[port].lastSeen = time.Now()
			return "", nil
		}
		a.logger.Info("Device switching ports", "device_id", deviceID, "old_port", old, "new_port", port)
		a.releaseLocked(old)
	}

	if existing, ok := a.byPort[port]; ok {
		if !force {
			return "", fmt.Errorf("%w: port %d held by %s", ErrPortInUse, port, existing.DeviceID)
		}
		evicted = existing.DeviceID
		a.logger.Warn("Force allocation evicting prior holder",
			"port", port, "evicted_device", evicted, "new_device", deviceID)
		a.releaseLocked(port)
	}

	now := time.Now()
	a.byPort[port] = &Allocation{
		Port:       port,
		DeviceID:   deviceID,
		DeviceName: name,
		AcquiredAt: now,
		lastSeen:   now,
	}
	a.byDevice[deviceID] = port
	a.logger.Info("Port allocated", "port", port, "device_id", deviceID)
	return evicted, nil
}

// ReleaseDevice drops the binding held by deviceID, if any.
func (a *Allocator) ReleaseDevice(deviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if port, ok := a.byDevice[deviceID]; ok {
		a.releaseLocked(port)
	}
}

// ReleasePort drops the binding for port, if any.
func (a *Allocator) ReleasePort(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseLocked(port)
}

func (a *Allocator) releaseLocked(port int) {
	if alloc, ok := a.byPort[port]; ok {
		delete(a.byDevice, alloc.DeviceID)
		delete(a.byPort, port)
		a.logger.Info("Port released", "port", port, "device_id", alloc.DeviceID)
	}
}

// Touch refreshes the heartbeat timestamp of a binding, keeping it out of
// SweepStale's reach.
func (a *Allocator) Touch(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if alloc, ok := a.byPort[port]; ok {
		alloc.lastSeen = time.Now()
	}
}

// Holder returns the binding for port.
func (a *Allocator) Holder(port int) (Allocation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if alloc, ok := a.byPort[port]; ok {
		return *alloc, true
	}
	return Allocation{}, false
}

// PortOf returns the port held by deviceID.
func (a *Allocator) PortOf(deviceID string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	port, ok := a.byDevice[deviceID]
	return port, ok
}

// List returns all bindings sorted by port.
func (a *Allocator) List() []Allocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Allocation, 0, len(a.byPort))
	for _, alloc := range a.byPort {
		out = append(out, *alloc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// FindFree returns the first unallocated port in [lo, hi].
func (a *Allocator) FindFree(lo, hi int) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for p := lo; p <= hi; p++ {
		if _, taken := a.byPort[p]; !taken {
			return p, true
		}
	}
	return 0, false
}

// SweepStale releases every binding whose last heartbeat is older than
// maxAge and returns the released ports.
func (a *Allocator) SweepStale(maxAge time.Duration) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	var released []int
	for port, alloc := range a.byPort {
		if alloc.lastSeen.Before(cutoff) {
			released = append(released, port)
		}
	}
	for _, port := range released {
		a.logger.Warn("Releasing stale port binding", "port", port, "device_id", a.byPort[port].DeviceID)
		a.releaseLocked(port)
	}
	return released
}
