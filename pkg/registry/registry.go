// Package registry holds the canonical device records. It merges three
// inputs into one derived status per device: WebSocket registration
// (authoritative for specs and ws_up), scanner probes (authoritative for
// tunnel_up), and heartbeats.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/GaryChine-byte/phonefleet/pkg/channel"
	"github.com/GaryChine-byte/phonefleet/pkg/models"
	"github.com/GaryChine-byte/phonefleet/pkg/ports"
)

// Registry errors.
var (
	ErrDeviceNotFound    = errors.New("device not found")
	ErrNoDeviceAvailable = errors.New("no device available")
	ErrDeviceBusy        = errors.New("device already has a task")
)

// HeartbeatInterval is the WebSocket ping cadence; a device silent for twice
// this long is marked offline.
const HeartbeatInterval = 30 * time.Second

// DeviceID derives the stable device identity from its tunnel port.
func DeviceID(port int) string {
	return fmt.Sprintf("device_%d", port)
}

// ChannelFactory builds data channels for devices. Swapped in tests.
type ChannelFactory func(kind models.DeviceKind, port int) channel.Channel

// DefaultChannelFactory builds production ADB/HTTP channels.
func DefaultChannelFactory(kind models.DeviceKind, port int) channel.Channel {
	if kind == models.DevicePC {
		return channel.NewPC(port)
	}
	return channel.NewPhone(port, nil)
}

// Listener is notified of device lifecycle changes; implemented by the
// dashboard event hub.
type Listener interface {
	DeviceChanged(device *models.Device)
}

// Registry is the canonical device table. One lock serializes every state
// transition: an assign-task cannot race an unregister on the same device.
type Registry struct {
	mu       sync.RWMutex
	devices  map[string]*models.Device
	channels map[string]channel.Channel
	conns    map[string]*deviceConn

	allocator  *ports.Allocator
	newChannel ChannelFactory
	listener   Listener
	logger     *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a registry backed by the given allocator.
func New(allocator *ports.Allocator, factory ChannelFactory) *Registry {
	if factory == nil {
		factory = DefaultChannelFactory
	}
	return &Registry{
		devices:    make(map[string]*models.Device),
		channels:   make(map[string]channel.Channel),
		conns:      make(map[string]*deviceConn),
		allocator:  allocator,
		newChannel: factory,
		logger:     slog.With("component", "device-registry"),
		stopCh:     make(chan struct{}),
	}
}

// SetListener wires the event hub. Called once at startup.
func (r *Registry) SetListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

func (r *Registry) notify(d *models.Device) {
	if r.listener != nil {
		snapshot := *d
		go r.listener.DeviceChanged(&snapshot)
	}
}

// Register creates or updates a device from a WebSocket device_online
// message. Reconnections update in place and keep the counters. Returns the
// canonical record and the id of any device evicted from the port.
func (r *Registry) Register(deviceID string, kind models.DeviceKind, port int, name string, specs models.DeviceSpecs, force bool) (*models.Device, string, error) {
	evicted, err := r.allocator.Allocate(deviceID, port, name, force)
	if err != nil {
		return nil, "", err
	}

	r.mu.Lock()
	if evicted != "" {
		if old, ok := r.devices[evicted]; ok {
			old.WSUp = false
			old.TunnelUp = false
			old.Status = models.DeviceOffline
			r.closeChannelLocked(evicted)
			r.closeConnLocked(evicted)
			r.notify(old)
		}
	}

	d, exists := r.devices[deviceID]
	if !exists {
		d = &models.Device{
			ID:           deviceID,
			Kind:         kind,
			Port:         port,
			RegisteredAt: time.Now(),
		}
		r.devices[deviceID] = d
	}
	d.Kind = kind
	d.Port = port
	if name != "" {
		d.Name = name
	}
	if d.Name == "" {
		d.Name = deviceID
	}
	d.Specs = specs
	d.WSUp = true
	// PCs have no separate tunnel handshake beyond the HTTP port the scanner
	// probes; the WS registration implies the agent is reachable.
	if kind == models.DevicePC {
		d.TunnelUp = true
	}
	d.LastHeartbeat = time.Now()
	d.Status = d.DeriveStatus()
	snapshot := *d
	r.mu.Unlock()

	r.logger.Info("Device registered", "device_id", deviceID, "kind", kind, "port", port, "reconnect", exists)
	r.notify(&snapshot)
	return &snapshot, evicted, nil
}

// Unregister marks the device offline, releases the tunnel-side attachment
// and returns the port to the allocator. Records are soft-deleted only.
func (r *Registry) Unregister(deviceID string) error {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	d.WSUp = false
	d.TunnelUp = false
	d.Status = models.DeviceOffline
	// A reconnecting device does not inherit in-flight work.
	d.CurrentTask = ""
	r.closeChannelLocked(deviceID)
	r.closeConnLocked(deviceID)
	snapshot := *d
	r.mu.Unlock()

	r.allocator.ReleaseDevice(deviceID)
	r.logger.Info("Device unregistered", "device_id", deviceID)
	r.notify(&snapshot)
	return nil
}

func (r *Registry) closeChannelLocked(deviceID string) {
	if ch, ok := r.channels[deviceID]; ok {
		go ch.Close()
		delete(r.channels, deviceID)
	}
}

// Heartbeat records a heartbeat for the device and refreshes its port
// binding.
func (r *Registry) Heartbeat(deviceID string) {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if ok {
		d.LastHeartbeat = time.Now()
		r.allocator.Touch(d.Port)
	}
	r.mu.Unlock()
}

// Get returns a snapshot of the device.
func (r *Registry) Get(deviceID string) (*models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	snapshot := *d
	return &snapshot, nil
}

// List returns snapshots of all devices sorted by port.
func (r *Registry) List() []*models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Device, 0, len(r.devices))
	for _, d := range r.devices {
		snapshot := *d
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// GetAvailable returns the ready device with the highest success rate.
func (r *Registry) GetAvailable() (*models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *models.Device
	for _, d := range r.devices {
		if !d.Available() {
			continue
		}
		if best == nil || d.SuccessRate() > best.SuccessRate() {
			best = d
		}
	}
	if best == nil {
		return nil, ErrNoDeviceAvailable
	}
	snapshot := *best
	return &snapshot, nil
}

// AssignTask marks the device busy with taskID. Fails when the device is not
// selectable.
func (r *Registry) AssignTask(deviceID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if d.CurrentTask != "" {
		return fmt.Errorf("%w: %s running %s", ErrDeviceBusy, deviceID, d.CurrentTask)
	}
	if !d.Available() {
		return fmt.Errorf("device %s not available (status=%s)", deviceID, d.Status)
	}
	d.CurrentTask = taskID
	d.Status = models.DeviceBusy
	r.notify(d)
	return nil
}

// CompleteTask clears the device's task and bumps the counters.
func (r *Registry) CompleteTask(deviceID string, success bool) {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return
	}
	d.CurrentTask = ""
	d.TotalTasks++
	if success {
		d.SuccessTasks++
	} else {
		d.FailedTasks++
	}
	d.Status = d.DeriveStatus()
	snapshot := *d
	r.mu.Unlock()
	r.notify(&snapshot)
}

// Channel returns (building on first use) the data channel for the device.
func (r *Registry) Channel(deviceID string) (channel.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if ch, ok := r.channels[deviceID]; ok {
		return ch, nil
	}
	ch := r.newChannel(d.Kind, d.Port)
	r.channels[deviceID] = ch
	return ch, nil
}

// CheckHealth actively probes the device channel and downgrades the record
// on failure.
func (r *Registry) CheckHealth(ctx context.Context, deviceID string) error {
	ch, err := r.Channel(deviceID)
	if err != nil {
		return err
	}
	if err := ch.Health(ctx); err != nil {
		r.mu.Lock()
		if d, ok := r.devices[deviceID]; ok {
			d.TunnelUp = false
			if d.Status != models.DeviceBusy {
				d.Status = d.DeriveStatus()
			}
			r.notify(d)
		}
		r.mu.Unlock()
		return err
	}
	r.mu.Lock()
	if d, ok := r.devices[deviceID]; ok {
		d.TunnelUp = true
		if d.Status != models.DeviceBusy {
			d.Status = d.DeriveStatus()
		}
	}
	r.mu.Unlock()
	return nil
}

// StartHealthLoop sweeps heartbeats on the given interval, marking devices
// offline after two missed heartbeat windows.
func (r *Registry) StartHealthLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = HeartbeatInterval
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweepHeartbeats()
			}
		}
	}()
}

// Stop halts background loops.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Registry) sweepHeartbeats() {
	cutoff := time.Now().Add(-2 * HeartbeatInterval)
	r.mu.Lock()
	var stale []*models.Device
	for _, d := range r.devices {
		if d.WSUp && d.LastHeartbeat.Before(cutoff) {
			d.WSUp = false
			d.Status = d.DeriveStatus()
			snapshot := *d
			stale = append(stale, &snapshot)
		}
	}
	r.mu.Unlock()
	for _, d := range stale {
		r.logger.Warn("Device heartbeat lapsed, marking offline", "device_id", d.ID)
		r.notify(d)
	}
}

// KnownKind implements ports.Sink.
func (r *Registry) KnownKind(port int) (models.DeviceKind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.devices[DeviceID(port)]; ok {
		return d.Kind, true
	}
	return "", false
}

// ObservePort implements ports.Sink: upserts the scanner's finding.
func (r *Registry) ObservePort(_ context.Context, obs ports.Observation) {
	deviceID := DeviceID(obs.Port)

	r.mu.Lock()
	d, exists := r.devices[deviceID]
	if !exists {
		if !obs.Healthy {
			// A listener that fails the device handshake is not a device;
			// leave it to the reaper.
			r.mu.Unlock()
			return
		}
		d = &models.Device{
			ID:           deviceID,
			Name:         deviceID,
			Kind:         obs.Kind,
			Port:         obs.Port,
			RegisteredAt: time.Now(),
		}
		r.devices[deviceID] = d
		r.mu.Unlock()
		// Scanner discovery claims the port like a registration would.
		if _, err := r.allocator.Allocate(deviceID, obs.Port, deviceID, false); err != nil {
			r.logger.Warn("Scanner discovery lost port race", "port", obs.Port, "error", err)
		}
		r.mu.Lock()
		d, exists = r.devices[deviceID]
		if !exists {
			r.mu.Unlock()
			return
		}
	}

	d.TunnelUp = obs.Healthy
	if obs.Healthy {
		r.allocator.Touch(obs.Port)
		applySpecs(d, obs.Specs)
	}
	if d.Status != models.DeviceBusy {
		d.Status = d.DeriveStatus()
	}
	snapshot := *d
	r.mu.Unlock()
	r.notify(&snapshot)
}

// VacatePort implements ports.Sink: marks the port's device tunnel-down and
// releases the port once the device is fully gone.
func (r *Registry) VacatePort(_ context.Context, port int) {
	deviceID := DeviceID(port)
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return
	}
	changed := d.TunnelUp
	d.TunnelUp = false
	if d.Status != models.DeviceBusy {
		d.Status = d.DeriveStatus()
	}
	fullyGone := !d.WSUp && !d.TunnelUp
	snapshot := *d
	r.mu.Unlock()

	if fullyGone {
		r.allocator.ReleasePort(port)
	}
	if changed {
		r.notify(&snapshot)
	}
}

// LivePorts implements ports.LiveSet for the reaper.
func (r *Registry) LivePorts() map[int]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int]bool, len(r.devices))
	for _, d := range r.devices {
		if d.Status != models.DeviceOffline {
			out[d.Port] = true
		}
	}
	return out
}

func applySpecs(d *models.Device, specs map[string]string) {
	if specs == nil {
		return
	}
	if v := specs["model"]; v != "" {
		d.Specs.Model = v
	}
	if v := specs["os"]; v != "" {
		d.Specs.OS = v
	}
	if v := specs["os_version"]; v != "" {
		d.Specs.OSVersion = v
	}
	if v := specs["screen_resolution"]; v != "" {
		d.Specs.ScreenResolution = v
	}
	if v := specs["battery"]; v != "" {
		fmt.Sscanf(v, "%d", &d.Specs.Battery)
	}
}
