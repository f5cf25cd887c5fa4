package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GaryChine-byte/phonefleet/pkg/channel"
	"github.com/GaryChine-byte/phonefleet/pkg/config"
	"github.com/GaryChine-byte/phonefleet/pkg/events"
	"github.com/GaryChine-byte/phonefleet/pkg/kernel"
	"github.com/GaryChine-byte/phonefleet/pkg/llm"
	"github.com/GaryChine-byte/phonefleet/pkg/models"
	"github.com/GaryChine-byte/phonefleet/pkg/ports"
	"github.com/GaryChine-byte/phonefleet/pkg/registry"
	"github.com/GaryChine-byte/phonefleet/pkg/scheduler"
	"github.com/GaryChine-byte/phonefleet/pkg/store"
)

// inertChannel is a device channel that accepts everything.
type inertChannel struct{}

func (inertChannel) Kind() channel.Kind { return channel.KindPC }
func (inertChannel) Screenshot(context.Context) ([]byte, channel.Screen, error) {
	return nil, channel.Screen{}, errors.New("no screen")
}
func (inertChannel) ScreenSize(context.Context) (channel.Screen, error) {
	return channel.Screen{Width: 1920, Height: 1080}, nil
}
func (inertChannel) UIHierarchy(context.Context) (string, error)          { return "", nil }
func (inertChannel) Tap(context.Context, int, int, string, int) error     { return nil }
func (inertChannel) Swipe(context.Context, int, int, int, int, int) error { return nil }
func (inertChannel) InputText(context.Context, string) error              { return nil }
func (inertChannel) KeyEvent(context.Context, string) error               { return nil }
func (inertChannel) LaunchApp(context.Context, string) error              { return nil }
func (inertChannel) ReadClipboard(context.Context) (string, error)        { return "", nil }
func (inertChannel) WriteClipboard(context.Context, string) error         { return nil }
func (inertChannel) Health(context.Context) error                        { return nil }
func (inertChannel) Reset()                                              {}
func (inertChannel) Close() error                                        { return nil }

// stubLLM satisfies kernel.LLMClient.
type stubLLM struct{}

func (stubLLM) Chat(context.Context, llm.Request) (*llm.Completion, error) {
	return nil, errors.New("not used")
}
func (stubLLM) Model() string { return "test-model" }

// doneKernel finishes immediately.
type doneKernel struct{}

func (doneKernel) Run(context.Context, string) (*kernel.RunResult, error) {
	return &kernel.RunResult{Success: true, Message: "done", Mode: "structured"}, nil
}
func (doneKernel) Reset() {}

func startTestServer(t *testing.T) (string, *registry.Registry, *scheduler.Scheduler) {
	t.Helper()

	cfg, err := config.Initialize("/nonexistent/fleet.yaml")
	require.NoError(t, err)
	cfg.LLM.APIKey = "sk-abcdefghijklmnopqrstuvwxyz"

	reg := registry.New(ports.NewAllocator(), func(models.DeviceKind, int) channel.Channel {
		return inertChannel{}
	})
	sched := scheduler.New(scheduler.Config{MaxSteps: 5, SettleDelay: time.Millisecond},
		store.NewMemStore(), reg, stubLLM{}, nil,
		scheduler.Options{Kernels: func(kernel.Deps, kernel.Config, models.KernelMode) kernel.Kernel {
			return doneKernel{}
		}})
	t.Cleanup(sched.Shutdown)

	srv := NewServer(cfg, nil, sched, reg, nil, events.NewConnectionManager())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.StartWithListener(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	return "http://" + ln.Addr().String(), reg, sched
}

func TestHealthMasksAPIKey(t *testing.T) {
	base, _, _ := startTestServer(t)

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "sk-abcde…wxyz", body.LLM["api_key"])
}

func TestCreateTaskEndToEnd(t *testing.T) {
	base, reg, sched := startTestServer(t)

	// An available PC device.
	_, _, err := reg.Register("device_6200", models.DevicePC, 6200, "desk", models.DeviceSpecs{}, false)
	require.NoError(t, err)

	payload, _ := json.Marshal(CreateTaskRequest{Instruction: "open notepad"})
	resp, err := http.Post(base+"/tasks", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body TaskResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotNil(t, body.Task)
	taskID := body.Task.ID

	require.True(t, sched.Wait(taskID, 5*time.Second))
	final, err := sched.Get(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, final.Status)

	// The task is readable over the API afterwards.
	getResp, err := http.Get(fmt.Sprintf("%s/tasks/%s", base, taskID))
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestCreateTaskRejectsUnknownFields(t *testing.T) {
	base, _, _ := startTestServer(t)

	resp, err := http.Post(base+"/tasks", "application/json",
		bytes.NewReader([]byte(`{"instruction":"x","api_key":"sneaky"}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateTaskNoDeviceAvailable(t *testing.T) {
	base, _, _ := startTestServer(t)

	payload, _ := json.Marshal(CreateTaskRequest{Instruction: "open notepad"})
	resp, err := http.Post(base+"/tasks", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	// Created but not started: no device in the fleet.
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestTaskNotFound(t *testing.T) {
	base, _, _ := startTestServer(t)
	resp, err := http.Get(base + "/tasks/unknown-id")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListDevices(t *testing.T) {
	base, reg, _ := startTestServer(t)
	_, _, err := reg.Register("device_6200", models.DevicePC, 6200, "desk", models.DeviceSpecs{}, false)
	require.NoError(t, err)

	resp, err := http.Get(base + "/devices")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body DeviceListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "device_6200", body.Devices[0].ID)
	assert.Equal(t, models.DeviceOnline, body.Devices[0].Status)
}

func TestCancelUnknownTask(t *testing.T) {
	base, _, _ := startTestServer(t)
	resp, err := http.Post(base+"/tasks/unknown/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
