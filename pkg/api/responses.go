package api

import (
	"github.com/GaryChine-byte/phonefleet/pkg/database"
	"github.com/GaryChine-byte/phonefleet/pkg/models"
)

// TaskView is the API shape of a task. Timestamps serialize as ISO-8601 via
// time.Time's JSON encoding.
type TaskView struct {
	*models.Task
}

// TaskResponse wraps a single task.
type TaskResponse struct {
	Task    *TaskView `json:"task"`
	Warning string    `json:"warning,omitempty"`
}

// TaskListResponse wraps a task listing.
type TaskListResponse struct {
	Tasks []*TaskView `json:"tasks"`
	Count int         `json:"count"`
}

// DeviceListResponse wraps a device listing.
type DeviceListResponse struct {
	Devices []*models.Device `json:"devices"`
	Count   int              `json:"count"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status     string                 `json:"status"`
	Version    string                 `json:"version,omitempty"`
	Database   *database.HealthStatus `json:"database,omitempty"`
	Devices    int                    `json:"devices"`
	Running    int                    `json:"running_tasks"`
	Dashboards int                    `json:"dashboard_clients"`
	LLM        map[string]any         `json:"llm"`
}
