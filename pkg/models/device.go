package models

import "time"

// DeviceKind is the device family.
type DeviceKind string

// Device kinds.
const (
	DevicePhone DeviceKind = "phone"
	DevicePC    DeviceKind = "pc"
)

// DeviceStatus is the derived device state.
type DeviceStatus string

// Device statuses.
const (
	DeviceOffline DeviceStatus = "offline"
	DeviceOnline  DeviceStatus = "online"
	DeviceBusy    DeviceStatus = "busy"
	DeviceError   DeviceStatus = "error"
)

// DeviceSpecs are the attributes reported by the device itself.
type DeviceSpecs struct {
	Model            string `json:"model,omitempty"`
	OS               string `json:"os,omitempty"`
	OSVersion        string `json:"os_version,omitempty"`
	ScreenResolution string `json:"screen_resolution,omitempty"`
	Battery          int    `json:"battery,omitempty"`
}

// Device is the canonical device record held by the registry.
type Device struct {
	ID   string     `json:"device_id"` // "device_<port>"
	Name string     `json:"device_name"`
	Kind DeviceKind `json:"device_type"`
	Port int        `json:"frp_port"`

	TunnelUp bool `json:"tunnel_up"`
	WSUp     bool `json:"ws_up"`

	Status        DeviceStatus `json:"status"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	Specs         DeviceSpecs  `json:"specs"`

	CurrentTask string `json:"current_task,omitempty"`

	TotalTasks   int `json:"total_tasks"`
	SuccessTasks int `json:"success_tasks"`
	FailedTasks  int `json:"failed_tasks"`

	RegisteredAt time.Time `json:"registered_at"`
}

// SuccessRate is the completed-task success ratio in [0,1].
func (d *Device) SuccessRate() float64 {
	if d.TotalTasks == 0 {
		return 0
	}
	return float64(d.SuccessTasks) / float64(d.TotalTasks)
}

// Available reports whether the device can take a new task: both channels
// up, online, and idle. PCs only need the WebSocket channel.
func (d *Device) Available() bool {
	if d.Status != DeviceOnline || d.CurrentTask != "" || !d.WSUp {
		return false
	}
	if d.Kind == DevicePhone && !d.TunnelUp {
		return false
	}
	return true
}

// DeriveStatus computes the channel-derived status for a non-busy device.
// Phones need both channels; PCs need only the WebSocket.
func (d *Device) DeriveStatus() DeviceStatus {
	up := d.WSUp
	if d.Kind == DevicePhone {
		up = up && d.TunnelUp
	}
	if !up {
		return DeviceOffline
	}
	if d.CurrentTask != "" {
		return DeviceBusy
	}
	return DeviceOnline
}
