// Package channel abstracts the device data channel reached through a tunnel
// port: ADB for phones, a JSON HTTP API for PCs. The executor talks only to
// the Channel interface; health, reconnection and tool installation live in
// the implementations.
package channel

import (
	"context"
	"errors"
)

// Kind discriminates the two device families.
type Kind string

// Device kinds.
const (
	KindPhone Kind = "phone"
	KindPC    Kind = "pc"
)

// Screen carries the pixel dimensions of the most recent capture.
type Screen struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ErrorKind classifies channel failures for the executor.
type ErrorKind string

// Channel error classification.
const (
	ErrKindUnreachable   ErrorKind = "unreachable"
	ErrKindOffline       ErrorKind = "offline"
	ErrKindCommandFailed ErrorKind = "command_failed"
	ErrKindTimeout       ErrorKind = "timeout"
)

// Sentinel errors wrapped by channel implementations.
var (
	ErrUnreachable   = errors.New("device unreachable")
	ErrOffline       = errors.New("device offline")
	ErrCommandFailed = errors.New("device command failed")
	ErrTimeout       = errors.New("device command timed out")
)

// Classify maps a channel error to its ErrorKind. Unrecognized errors count
// as command failures.
func Classify(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrUnreachable):
		return ErrKindUnreachable
	case errors.Is(err, ErrOffline):
		return ErrKindOffline
	case errors.Is(err, ErrTimeout):
		return ErrKindTimeout
	case errors.Is(err, context.DeadlineExceeded):
		return ErrKindTimeout
	default:
		return ErrKindCommandFailed
	}
}

// Channel is the device-side API reached through the tunnel port.
type Channel interface {
	Kind() Kind

	// Screenshot captures the current screen as PNG bytes plus its dimensions.
	Screenshot(ctx context.Context) ([]byte, Screen, error)
	// ScreenSize returns the device screen dimensions, cached per connection.
	ScreenSize(ctx context.Context) (Screen, error)
	// UIHierarchy dumps the structured UI tree (uiautomator XML on phones).
	// PCs return an error here and expose their element list through
	// ElementProvider instead.
	UIHierarchy(ctx context.Context) (string, error)

	Tap(ctx context.Context, x, y int, button string, clicks int) error
	Swipe(ctx context.Context, x1, y1, x2, y2, durationMS int) error
	InputText(ctx context.Context, text string) error
	KeyEvent(ctx context.Context, key string) error
	LaunchApp(ctx context.Context, app string) error
	ReadClipboard(ctx context.Context) (string, error)
	WriteClipboard(ctx context.Context, text string) error

	// Health probes the channel end to end.
	Health(ctx context.Context) error
	// Reset drops per-connection caches (screen size, dump strategy).
	Reset()
	// Close releases the tunnel-side attachment (adb disconnect for phones).
	Close() error
}
