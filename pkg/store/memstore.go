package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/GaryChine-byte/phonefleet/pkg/models"
)

// MemStore is a map-backed Store for tests and database-less runs.
type MemStore struct {
	mu      sync.RWMutex
	tasks   map[string]*models.Task
	devices map[string]*models.Device
	calls   []ModelCall
}

// NewMemStore creates an empty memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		tasks:   make(map[string]*models.Task),
		devices: make(map[string]*models.Device),
	}
}

// SaveTask implements TaskStore.
func (s *MemStore) SaveTask(_ context.Context, t *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t.Clone()
	return nil
}

// GetTask implements TaskStore.
func (s *MemStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	return t.Clone(), nil
}

// ListTasks implements TaskStore, newest first.
func (s *MemStore) ListTasks(_ context.Context, filter ListFilter) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Task
	for _, t := range s.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Device != "" && t.DeviceID != filter.Device {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SaveDevice implements DeviceStore.
func (s *MemStore) SaveDevice(_ context.Context, d *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.devices[d.ID] = &cp
	return nil
}

// GetDevice implements DeviceStore.
func (s *MemStore) GetDevice(_ context.Context, id string) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: device %s", ErrNotFound, id)
	}
	cp := *d
	return &cp, nil
}

// ListDevices implements DeviceStore.
func (s *MemStore) ListDevices(_ context.Context) ([]*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Device, 0, len(s.devices))
	for _, d := range s.devices {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out, nil
}

// RecordModelCall implements ModelCallStore.
func (s *MemStore) RecordModelCall(_ context.Context, call ModelCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	return nil
}

// ModelCalls returns a copy of the recorded calls. Test helper.
func (s *MemStore) ModelCalls() []ModelCall {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ModelCall, len(s.calls))
	copy(out, s.calls)
	return out
}
