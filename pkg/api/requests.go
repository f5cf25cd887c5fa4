package api

import (
	"encoding/json"
	"fmt"

	echo "github.com/labstack/echo/v5"
)

// CreateTaskRequest is the POST /tasks body. Unknown fields are rejected;
// the typed boundary keeps free-form config dicts out of the scheduler.
type CreateTaskRequest struct {
	Instruction string `json:"instruction"`
	DeviceID    string `json:"device_id"`
	Model       string `json:"model"`
	KernelMode  string `json:"kernel_mode"`
}

// AnswerRequest is the POST /tasks/:id/answer body.
type AnswerRequest struct {
	Answer string `json:"answer"`
}

// CommandRequest is the opaque POST /devices/:id/command body.
type CommandRequest struct {
	Command map[string]any `json:"command"`
}

// bindStrict decodes a JSON body rejecting unknown fields.
func bindStrict(c *echo.Context, v any) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
