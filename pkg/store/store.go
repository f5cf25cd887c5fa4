// Package store persists tasks, devices and model-call accounting. The
// scheduler depends on the interfaces here; the production implementation is
// ent-over-PostgreSQL, and a memory implementation backs tests and
// database-less development runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/GaryChine-byte/phonefleet/pkg/models"
)

// ErrNotFound is returned for unknown task or device ids.
var ErrNotFound = errors.New("not found")

// ListFilter narrows task listings.
type ListFilter struct {
	Status models.TaskStatus
	Device string
	Limit  int
	Offset int
}

// ModelCall is one LLM round-trip record for cost accounting.
type ModelCall struct {
	TaskID           string
	StepIndex        int
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Latency          time.Duration
}

// TaskStore persists task records.
type TaskStore interface {
	// SaveTask upserts the full task record.
	SaveTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, filter ListFilter) ([]*models.Task, error)
}

// DeviceStore persists device identity and counters.
type DeviceStore interface {
	SaveDevice(ctx context.Context, device *models.Device) error
	GetDevice(ctx context.Context, id string) (*models.Device, error)
	ListDevices(ctx context.Context) ([]*models.Device, error)
}

// ModelCallStore appends LLM usage records.
type ModelCallStore interface {
	RecordModelCall(ctx context.Context, call ModelCall) error
}

// Store is the full persistence surface.
type Store interface {
	TaskStore
	DeviceStore
	ModelCallStore
}
