// Package models holds the wire-level and cross-package data shapes: task
// and device statuses, steps, and the snapshots returned by the API.
package models

import (
	"time"

	"github.com/GaryChine-byte/phonefleet/pkg/action"
)

// TaskStatus is the task state machine's state.
type TaskStatus string

// Task statuses. Terminal statuses are absorbing.
const (
	TaskPending        TaskStatus = "pending"
	TaskRunning        TaskStatus = "running"
	TaskWaitingForUser TaskStatus = "waiting_for_user"
	TaskCompleted      TaskStatus = "completed"
	TaskFailed         TaskStatus = "failed"
	TaskCancelled      TaskStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// StepKind distinguishes rule-engine preprocessing steps from LLM steps.
type StepKind string

// Step kinds.
const (
	StepPreprocessing StepKind = "preprocessing"
	StepLLM           StepKind = "llm"
)

// TokenUsage accumulates LLM token counters.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ScreenshotRefs are the store-relative paths of a step's captures.
type ScreenshotRefs struct {
	Original  string `json:"original,omitempty"`
	AI        string `json:"ai,omitempty"`
	Medium    string `json:"medium,omitempty"`
	Small     string `json:"small,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// Step is one perceive-decide-execute iteration. Indices are 1-based and
// contiguous within a task; preprocessing steps use index 0.
type Step struct {
	Index       int            `json:"index"`
	Timestamp   time.Time      `json:"timestamp"`
	Kind        StepKind       `json:"kind"`
	Thinking    string         `json:"thinking,omitempty"`
	Action      *action.Action `json:"action,omitempty"`
	Observation string         `json:"observation,omitempty"`
	Success     bool           `json:"success"`
	Screenshots ScreenshotRefs `json:"screenshots"`
	Tokens      TokenUsage     `json:"tokens"`
	DurationMS  int64          `json:"duration_ms"`
}

// Question is the pending ask-user rendezvous payload.
type Question struct {
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
	AskedAt time.Time `json:"asked_at"`
}

// MemoryNote is one record_important_content entry in task memory.
type MemoryNote struct {
	Text     string    `json:"text"`
	Category string    `json:"category,omitempty"`
	At       time.Time `json:"at"`
}

// TaskMemory is the kernel's long-term scratch space for a task.
type TaskMemory struct {
	Notes []MemoryNote `json:"notes,omitempty"`
	Todos string       `json:"todos,omitempty"` // markdown todo list
}

// KernelMode selects the agent loop implementation.
type KernelMode string

// Kernel modes.
const (
	KernelStructured KernelMode = "structured"
	KernelVision     KernelMode = "vision"
	KernelAuto       KernelMode = "auto"
)

// Task is the canonical task record. The scheduler owns all mutation; other
// components see copies.
type Task struct {
	ID          string     `json:"task_id"`
	Instruction string     `json:"instruction"`
	DeviceID    string     `json:"device_id,omitempty"`
	DeviceKind  DeviceKind `json:"device_kind,omitempty"`
	Status      TaskStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	Steps  []Step     `json:"steps"`
	Tokens TokenUsage `json:"tokens"`

	Model      string     `json:"model,omitempty"`
	KernelMode KernelMode `json:"kernel_mode,omitempty"`
	// ExecutedMode records what actually ran, e.g.
	// "hybrid:auto(structured→vision)".
	ExecutedMode string `json:"executed_mode,omitempty"`

	Memory          TaskMemory `json:"memory"`
	PendingQuestion *Question  `json:"pending_question,omitempty"`
}

// Clone returns a deep-enough copy for handing outside the scheduler lock.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Steps = make([]Step, len(t.Steps))
	copy(cp.Steps, t.Steps)
	if t.PendingQuestion != nil {
		q := *t.PendingQuestion
		cp.PendingQuestion = &q
	}
	cp.Memory.Notes = make([]MemoryNote, len(t.Memory.Notes))
	copy(cp.Memory.Notes, t.Memory.Notes)
	return &cp
}

// Duration returns the task wall-clock duration when known.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}
