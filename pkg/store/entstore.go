package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/GaryChine-byte/phonefleet/ent"
	enttask "github.com/GaryChine-byte/phonefleet/ent/task"
	"github.com/GaryChine-byte/phonefleet/pkg/models"
)

// EntStore is the PostgreSQL-backed store.
type EntStore struct {
	client *ent.Client
}

// NewEntStore wraps an ent client.
func NewEntStore(client *ent.Client) *EntStore {
	return &EntStore{client: client}
}

// SaveTask implements TaskStore with an update-then-create upsert.
func (s *EntStore) SaveTask(ctx context.Context, t *models.Task) error {
	stepsJSON, err := json.Marshal(t.Steps)
	if err != nil {
		return fmt.Errorf("serializing steps: %w", err)
	}
	memoryJSON := map[string]interface{}{}
	if data, err := json.Marshal(t.Memory); err == nil {
		_ = json.Unmarshal(data, &memoryJSON)
	}

	upd := s.client.Task.UpdateOneID(t.ID).
		SetStatus(enttask.Status(t.Status)).
		SetDeviceID(t.DeviceID).
		SetDeviceKind(string(t.DeviceKind)).
		SetResult(t.Result).
		SetErrorMessage(t.Error).
		SetSteps(string(stepsJSON)).
		SetPromptTokens(t.Tokens.PromptTokens).
		SetCompletionTokens(t.Tokens.CompletionTokens).
		SetTotalTokens(t.Tokens.TotalTokens).
		SetModel(t.Model).
		SetKernelMode(string(t.KernelMode)).
		SetExecutedMode(t.ExecutedMode).
		SetMemory(memoryJSON)
	if t.StartedAt != nil {
		upd.SetStartedAt(*t.StartedAt)
	}
	if t.CompletedAt != nil {
		upd.SetCompletedAt(*t.CompletedAt)
	}
	if t.PendingQuestion != nil {
		q := map[string]interface{}{}
		if data, err := json.Marshal(t.PendingQuestion); err == nil {
			_ = json.Unmarshal(data, &q)
		}
		upd.SetPendingQuestion(q)
	} else {
		upd.ClearPendingQuestion()
	}

	if _, err := upd.Save(ctx); err == nil {
		return nil
	} else if !ent.IsNotFound(err) {
		return fmt.Errorf("updating task %s: %w", t.ID, err)
	}

	create := s.client.Task.Create().
		SetID(t.ID).
		SetInstruction(t.Instruction).
		SetDeviceID(t.DeviceID).
		SetDeviceKind(string(t.DeviceKind)).
		SetStatus(enttask.Status(t.Status)).
		SetCreatedAt(t.CreatedAt).
		SetResult(t.Result).
		SetErrorMessage(t.Error).
		SetSteps(string(stepsJSON)).
		SetPromptTokens(t.Tokens.PromptTokens).
		SetCompletionTokens(t.Tokens.CompletionTokens).
		SetTotalTokens(t.Tokens.TotalTokens).
		SetModel(t.Model).
		SetKernelMode(string(t.KernelMode)).
		SetExecutedMode(t.ExecutedMode).
		SetMemory(memoryJSON)
	if t.StartedAt != nil {
		create.SetStartedAt(*t.StartedAt)
	}
	if t.CompletedAt != nil {
		create.SetCompletedAt(*t.CompletedAt)
	}
	if _, err := create.Save(ctx); err != nil {
		return fmt.Errorf("creating task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask implements TaskStore.
func (s *EntStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row, err := s.client.Task.Get(ctx, id)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("loading task %s: %w", id, err)
	}
	return taskFromRow(row)
}

// ListTasks implements TaskStore, newest first.
func (s *EntStore) ListTasks(ctx context.Context, filter ListFilter) ([]*models.Task, error) {
	q := s.client.Task.Query()
	if filter.Status != "" {
		q = q.Where(enttask.StatusEQ(enttask.Status(filter.Status)))
	}
	if filter.Device != "" {
		q = q.Where(enttask.DeviceIDEQ(filter.Device))
	}
	q = q.Order(ent.Desc(enttask.FieldCreatedAt))
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	rows, err := q.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	out := make([]*models.Task, 0, len(rows))
	for _, row := range rows {
		t, err := taskFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func taskFromRow(row *ent.Task) (*models.Task, error) {
	t := &models.Task{
		ID:           row.ID,
		Instruction:  row.Instruction,
		DeviceID:     row.DeviceID,
		DeviceKind:   models.DeviceKind(row.DeviceKind),
		Status:       models.TaskStatus(row.Status),
		CreatedAt:    row.CreatedAt,
		StartedAt:    row.StartedAt,
		CompletedAt:  row.CompletedAt,
		Result:       row.Result,
		Error:        row.ErrorMessage,
		Model:        row.Model,
		KernelMode:   models.KernelMode(row.KernelMode),
		ExecutedMode: row.ExecutedMode,
		Tokens: models.TokenUsage{
			PromptTokens:     row.PromptTokens,
			CompletionTokens: row.CompletionTokens,
			TotalTokens:      row.TotalTokens,
		},
	}
	if row.Steps != "" {
		if err := json.Unmarshal([]byte(row.Steps), &t.Steps); err != nil {
			return nil, fmt.Errorf("deserializing steps of %s: %w", row.ID, err)
		}
	}
	if row.Memory != nil {
		if data, err := json.Marshal(row.Memory); err == nil {
			_ = json.Unmarshal(data, &t.Memory)
		}
	}
	if row.PendingQuestion != nil {
		var q models.Question
		if data, err := json.Marshal(row.PendingQuestion); err == nil {
			if json.Unmarshal(data, &q) == nil && q.Text != "" {
				t.PendingQuestion = &q
			}
		}
	}
	return t, nil
}

// SaveDevice implements DeviceStore.
func (s *EntStore) SaveDevice(ctx context.Context, d *models.Device) error {
	specs := map[string]interface{}{}
	if data, err := json.Marshal(d.Specs); err == nil {
		_ = json.Unmarshal(data, &specs)
	}

	upd := s.client.Device.UpdateOneID(d.ID).
		SetName(d.Name).
		SetKind(string(d.Kind)).
		SetPort(d.Port).
		SetStatus(string(d.Status)).
		SetSpecs(specs).
		SetTotalTasks(d.TotalTasks).
		SetSuccessTasks(d.SuccessTasks).
		SetFailedTasks(d.FailedTasks).
		SetLastHeartbeat(d.LastHeartbeat)
	if _, err := upd.Save(ctx); err == nil {
		return nil
	} else if !ent.IsNotFound(err) {
		return fmt.Errorf("updating device %s: %w", d.ID, err)
	}

	_, err := s.client.Device.Create().
		SetID(d.ID).
		SetName(d.Name).
		SetKind(string(d.Kind)).
		SetPort(d.Port).
		SetStatus(string(d.Status)).
		SetSpecs(specs).
		SetTotalTasks(d.TotalTasks).
		SetSuccessTasks(d.SuccessTasks).
		SetFailedTasks(d.FailedTasks).
		SetLastHeartbeat(d.LastHeartbeat).
		SetRegisteredAt(d.RegisteredAt).
		Save(ctx)
	if err != nil {
		return fmt.Errorf("creating device %s: %w", d.ID, err)
	}
	return nil
}

// GetDevice implements DeviceStore.
func (s *EntStore) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	row, err := s.client.Device.Get(ctx, id)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, fmt.Errorf("%w: device %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("loading device %s: %w", id, err)
	}
	return deviceFromRow(row), nil
}

// ListDevices implements DeviceStore.
func (s *EntStore) ListDevices(ctx context.Context) ([]*models.Device, error) {
	rows, err := s.client.Device.Query().All(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	out := make([]*models.Device, 0, len(rows))
	for _, row := range rows {
		out = append(out, deviceFromRow(row))
	}
	return out, nil
}

func deviceFromRow(row *ent.Device) *models.Device {
	d := &models.Device{
		ID:           row.ID,
		Name:         row.Name,
		Kind:         models.DeviceKind(row.Kind),
		Port:         row.Port,
		Status:       models.DeviceStatus(row.Status),
		TotalTasks:   row.TotalTasks,
		SuccessTasks: row.SuccessTasks,
		FailedTasks:  row.FailedTasks,
		RegisteredAt: row.RegisteredAt,
	}
	if row.LastHeartbeat != nil {
		d.LastHeartbeat = *row.LastHeartbeat
	}
	if row.Specs != nil {
		if data, err := json.Marshal(row.Specs); err == nil {
			_ = json.Unmarshal(data, &d.Specs)
		}
	}
	return d
}

// RecordModelCall implements ModelCallStore.
func (s *EntStore) RecordModelCall(ctx context.Context, call ModelCall) error {
	_, err := s.client.ModelCall.Create().
		SetTaskID(call.TaskID).
		SetStepIndex(call.StepIndex).
		SetModel(call.Model).
		SetPromptTokens(call.PromptTokens).
		SetCompletionTokens(call.CompletionTokens).
		SetTotalTokens(call.TotalTokens).
		SetLatencyMs(call.Latency.Milliseconds()).
		Save(ctx)
	if err != nil {
		return fmt.Errorf("recording model call: %w", err)
	}
	return nil
}
