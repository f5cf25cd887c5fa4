// Package scheduler owns the task lifecycle: the hybrid memory/database
// store, per-task execution goroutines, cooperative cancellation, the
// ask-user rendezvous and the step/screenshot/token bookkeeping streamed out
// of each kernel step.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GaryChine-byte/phonefleet/pkg/action"
	"github.com/GaryChine-byte/phonefleet/pkg/channel"
	"github.com/GaryChine-byte/phonefleet/pkg/events"
	"github.com/GaryChine-byte/phonefleet/pkg/kernel"
	"github.com/GaryChine-byte/phonefleet/pkg/models"
	"github.com/GaryChine-byte/phonefleet/pkg/notify"
	"github.com/GaryChine-byte/phonefleet/pkg/preprocess"
	"github.com/GaryChine-byte/phonefleet/pkg/screenshot"
	"github.com/GaryChine-byte/phonefleet/pkg/store"
)

// Scheduler errors.
var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrNotPending       = errors.New("task is not pending")
	ErrNotWaiting       = errors.New("task is not waiting for user input")
	ErrEmptyInstruction = errors.New("instruction must not be empty")
)

// AskUserTimeout is how long a task waits for a user answer before failing.
const AskUserTimeout = 300 * time.Second

// userTimeoutError is the error recorded when the rendezvous times out.
const userTimeoutError = "等待用户回答超时"

// cancelledError is the error recorded when the user cancels.
const cancelledError = "Task cancelled by user"

// DeviceProvider is the slice of the registry the scheduler needs.
type DeviceProvider interface {
	GetAvailable() (*models.Device, error)
	Get(deviceID string) (*models.Device, error)
	AssignTask(deviceID, taskID string) error
	CompleteTask(deviceID string, success bool)
	Channel(deviceID string) (channel.Channel, error)
}

// Broadcaster fans events to dashboard clients.
type Broadcaster interface {
	Broadcast(eventType, taskID, deviceID string, data any)
}

// noopBroadcaster is used when no event hub is wired.
type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(string, string, string, any) {}

// KernelFactory builds the agent loop for a task. Swapped in tests.
type KernelFactory func(deps kernel.Deps, cfg kernel.Config, mode models.KernelMode) kernel.Kernel

func defaultKernelFactory(deps kernel.Deps, cfg kernel.Config, mode models.KernelMode) kernel.Kernel {
	return kernel.NewHybrid(deps, cfg, mode)
}

// taskState is the in-memory handle of one live task.
type taskState struct {
	task   *models.Task
	cancel context.CancelFunc
	done   chan struct{}

	answerMu     sync.Mutex
	answerCh     chan string
	cachedAnswer *string
}

// Config tunes the scheduler.
type Config struct {
	MaxSteps      int
	HistoryWindow int
	SettleDelay   time.Duration
	// Preprocess enables the rule-engine fast path.
	Preprocess bool
}

// Scheduler is the single-node task control plane.
type Scheduler struct {
	cfg       Config
	store     store.Store
	devices   DeviceProvider
	llm       kernel.LLMClient
	shots     *screenshot.Store
	broadcast Broadcaster
	notifier  *notify.Service
	kernels   KernelFactory
	logger    *slog.Logger

	mu      sync.Mutex
	running map[string]*taskState
	// recent caches terminal snapshots for read-after-write between eviction
	// and the next store round trip.
	recent map[string]*models.Task

	baseCtx   context.Context
	baseStop  context.CancelFunc
	wg        sync.WaitGroup
}

// Options carries the optional collaborators.
type Options struct {
	Broadcast Broadcaster
	Notifier  *notify.Service
	Kernels   KernelFactory
}

// New creates a scheduler.
func New(cfg Config, st store.Store, devices DeviceProvider, llmClient kernel.LLMClient, shots *screenshot.Store, opts Options) *Scheduler {
	if opts.Broadcast == nil {
		opts.Broadcast = noopBroadcaster{}
	}
	if opts.Kernels == nil {
		opts.Kernels = defaultKernelFactory
	}
	baseCtx, baseStop := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:       cfg,
		store:     st,
		devices:   devices,
		llm:       llmClient,
		shots:     shots,
		broadcast: opts.Broadcast,
		notifier:  opts.Notifier,
		kernels:   opts.Kernels,
		logger:    slog.With("component", "scheduler"),
		running:   make(map[string]*taskState),
		recent:    make(map[string]*models.Task),
		baseCtx:   baseCtx,
		baseStop:  baseStop,
	}
}

// Shutdown cancels all running tasks and waits for their goroutines.
func (s *Scheduler) Shutdown() {
	s.baseStop()
	s.wg.Wait()
	if s.shots != nil {
		s.shots.Flush()
	}
}

// TaskSpec is the typed creation request. Unknown fields are rejected at the
// API boundary; the API key never enters the task record.
type TaskSpec struct {
	Instruction string
	DeviceID    string
	Model       string
	KernelMode  models.KernelMode
}

// CreateTask validates the spec, persists a pending task and returns it.
func (s *Scheduler) CreateTask(ctx context.Context, spec TaskSpec) (*models.Task, error) {
	if spec.Instruction == "" {
		return nil, ErrEmptyInstruction
	}
	mode := spec.KernelMode
	if mode == "" {
		mode = models.KernelAuto
	}
	switch mode {
	case models.KernelStructured, models.KernelVision, models.KernelAuto:
	default:
		return nil, fmt.Errorf("unknown kernel mode %q", mode)
	}
	if spec.DeviceID != "" {
		if _, err := s.devices.Get(spec.DeviceID); err != nil {
			return nil, err
		}
	}

	task := &models.Task{
		ID:          uuid.New().String(),
		Instruction: spec.Instruction,
		DeviceID:    spec.DeviceID,
		Status:      models.TaskPending,
		CreatedAt:   time.Now(),
		Model:       spec.Model,
		KernelMode:  mode,
		Steps:       []models.Step{},
	}

	st := &taskState{
		task:     task,
		done:     make(chan struct{}),
		answerCh: make(chan string, 1),
	}
	s.mu.Lock()
	s.running[task.ID] = st
	s.mu.Unlock()

	if err := s.store.SaveTask(ctx, task); err != nil {
		s.mu.Lock()
		delete(s.running, task.ID)
		s.mu.Unlock()
		return nil, fmt.Errorf("persisting task: %w", err)
	}

	s.broadcast.Broadcast(events.EventTaskCreated, task.ID, task.DeviceID, task.Clone())
	s.logger.Info("Task created", "task_id", task.ID, "kernel_mode", mode)
	return task.Clone(), nil
}

// Execute transitions a pending task to running and spawns its goroutine.
// When the task has no assigned device, the best available one (highest
// success rate) is picked.
func (s *Scheduler) Execute(taskID string) error {
	s.mu.Lock()
	st, ok := s.running[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if st.task.Status != models.TaskPending {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotPending, taskID, st.task.Status)
	}
	deviceID := st.task.DeviceID
	s.mu.Unlock()

	var deviceKind models.DeviceKind
	if deviceID == "" {
		device, err := s.devices.GetAvailable()
		if err != nil {
			return err
		}
		deviceID = device.ID
		deviceKind = device.Kind
	} else if device, err := s.devices.Get(deviceID); err == nil {
		deviceKind = device.Kind
	}
	if err := s.devices.AssignTask(deviceID, taskID); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(s.baseCtx)

	s.mu.Lock()
	now := time.Now()
	st.task.DeviceID = deviceID
	st.task.DeviceKind = deviceKind
	st.task.Status = models.TaskRunning
	st.task.StartedAt = &now
	st.cancel = cancel
	snapshot := st.task.Clone()
	s.mu.Unlock()

	_ = s.store.SaveTask(ctx, snapshot)
	s.broadcast.Broadcast(events.EventTaskStatusChange, taskID, deviceID, map[string]any{
		"status": models.TaskRunning,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(st.done)
		s.run(ctx, st)
	}()
	return nil
}

// run drives one task to a terminal state.
func (s *Scheduler) run(ctx context.Context, st *taskState) {
	taskID := st.task.ID
	deviceID := st.task.DeviceID
	log := s.logger.With("task_id", taskID, "device_id", deviceID)

	ch, err := s.devices.Channel(deviceID)
	if err != nil {
		s.finalize(st, false, "", "device_unavailable: "+err.Error())
		return
	}

	if s.shots != nil {
		if err := s.shots.InitTask(taskID, deviceID, st.task.Instruction); err != nil {
			log.Warn("Screenshot store init failed", "error", err)
		}
	}

	cb := &taskCallback{sched: s, state: st, channel: ch}

	// Rule-engine fast path before any LLM round trip.
	instruction := st.task.Instruction
	if s.cfg.Preprocess {
		decision := preprocess.Analyze(instruction)
		if decision.Actionable() {
			ok := s.runPreprocessing(ctx, st, ch, decision)
			if ok && decision.SkipLLM {
				s.finalize(st, true, fmt.Sprintf("Opened %s", decision.App), "")
				return
			}
			if ok && decision.Kind == preprocess.KindCompound {
				instruction = decision.Remainder
			}
		}
	}

	deps := kernel.Deps{
		LLM:     s.llm,
		Channel: ch,
		Steps:   cb,
		Exec:    cb,
	}
	kcfg := kernel.Config{
		MaxSteps:      s.cfg.MaxSteps,
		HistoryWindow: s.cfg.HistoryWindow,
		SettleDelay:   s.cfg.SettleDelay,
		Memory: func() models.TaskMemory {
			s.mu.Lock()
			defer s.mu.Unlock()
			return st.task.Memory
		},
	}

	s.mu.Lock()
	mode := st.task.KernelMode
	s.mu.Unlock()

	k := s.kernels(deps, kcfg, mode)
	result, err := k.Run(ctx, instruction)

	if err != nil || ctx.Err() != nil {
		// Cooperative cancellation: the status was already set by Cancel.
		if s.status(taskID) == models.TaskCancelled {
			s.finalize(st, false, "", cancelledError)
			return
		}
		msg := "kernel error"
		if err != nil {
			msg = err.Error()
		}
		s.finalize(st, false, "", msg)
		return
	}

	s.mu.Lock()
	if result.Mode != "" {
		st.task.ExecutedMode = result.Mode
	}
	s.mu.Unlock()

	if s.status(taskID) == models.TaskCancelled {
		s.finalize(st, false, "", cancelledError)
		return
	}

	switch {
	case result.Success:
		s.finalize(st, true, result.Message, "")
	case result.Bailout == kernel.BailoutMaxSteps:
		s.finalize(st, false, "", "max_steps_reached")
	case result.Bailout != "":
		s.finalize(st, false, "", string(result.Bailout)+": "+result.Message)
	default:
		s.finalize(st, false, "", result.Message)
	}
}

// runPreprocessing executes the system command and records the
// zero-indexed preprocessing step (no screenshot).
func (s *Scheduler) runPreprocessing(ctx context.Context, st *taskState, ch channel.Channel, decision preprocess.Decision) bool {
	start := time.Now()
	err := ch.LaunchApp(ctx, decision.App)

	act := action.Action{Name: action.LaunchApp, App: decision.App}
	step := models.Step{
		Index:       0,
		Timestamp:   start,
		Kind:        models.StepPreprocessing,
		Action:      &act,
		Observation: fmt.Sprintf("rule engine launched %q (confidence %.2f)", decision.App, decision.Confidence),
		Success:     err == nil,
		DurationMS:  time.Since(start).Milliseconds(),
	}
	if err != nil {
		step.Observation = "launch failed: " + err.Error()
	}

	s.mu.Lock()
	st.task.Steps = append(st.task.Steps, step)
	snapshot := st.task.Clone()
	s.mu.Unlock()
	_ = s.store.SaveTask(context.WithoutCancel(ctx), snapshot)

	if s.shots != nil {
		_ = s.shots.AppendAudit(st.task.ID, step)
	}
	return err == nil
}

// status reads a task's current status under the lock.
func (s *Scheduler) status(taskID string) models.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.running[taskID]; ok {
		return st.task.Status
	}
	if t, ok := s.recent[taskID]; ok {
		return t.Status
	}
	return ""
}

// finalize applies the terminal transition: set status, persist, release the
// device, evict from the running set (caching the final snapshot) and fan
// out notifications. Tasks already cancelled keep their status.
func (s *Scheduler) finalize(st *taskState, success bool, result, errMsg string) {
	s.mu.Lock()
	task := st.task
	if !task.Status.Terminal() {
		switch {
		case success:
			task.Status = models.TaskCompleted
		case errMsg == cancelledError:
			task.Status = models.TaskCancelled
		default:
			task.Status = models.TaskFailed
		}
	}
	if task.CompletedAt == nil {
		now := time.Now()
		task.CompletedAt = &now
	}
	task.Result = result
	if errMsg != "" && task.Error == "" {
		task.Error = errMsg
	}
	task.PendingQuestion = nil
	snapshot := task.Clone()

	delete(s.running, task.ID)
	s.recent[task.ID] = snapshot
	// Bound the read-after-write cache.
	if len(s.recent) > 100 {
		for id := range s.recent {
			if id != task.ID {
				delete(s.recent, id)
				break
			}
		}
	}
	s.mu.Unlock()

	ctx := context.WithoutCancel(s.baseCtx)
	if err := s.store.SaveTask(ctx, snapshot); err != nil {
		s.logger.Error("Persisting terminal task failed", "task_id", snapshot.ID, "error", err)
	}
	if snapshot.DeviceID != "" && snapshot.StartedAt != nil {
		s.devices.CompleteTask(snapshot.DeviceID, snapshot.Status == models.TaskCompleted)
	}
	if s.shots != nil {
		_ = s.shots.CompleteTask(screenshot.TaskSummary{
			TaskID:      snapshot.ID,
			DeviceID:    snapshot.DeviceID,
			Instruction: snapshot.Instruction,
			Status:      string(snapshot.Status),
			Steps:       len(snapshot.Steps),
			CompletedAt: *snapshot.CompletedAt,
		})
	}

	s.broadcast.Broadcast(events.EventTaskStatusChange, snapshot.ID, snapshot.DeviceID, map[string]any{
		"status": snapshot.Status,
		"result": snapshot.Result,
		"error":  snapshot.Error,
	})
	s.notifier.TaskFinished(ctx, snapshot)
	s.logger.Info("Task finished", "task_id", snapshot.ID, "status", snapshot.Status,
		"steps", len(snapshot.Steps), "tokens", snapshot.Tokens.TotalTokens)
}

// Cancel cancels a task. Idempotent and valid in pending, running and
// waiting_for_user; cancelling a terminal task is a no-op.
func (s *Scheduler) Cancel(taskID string) error {
	s.mu.Lock()
	st, ok := s.running[taskID]
	if !ok {
		if t, cached := s.recent[taskID]; cached && t.Status.Terminal() {
			s.mu.Unlock()
			return nil // idempotent
		}
		s.mu.Unlock()
		// Terminal tasks in the store are also a no-op.
		if t, err := s.store.GetTask(context.Background(), taskID); err == nil && t.Status.Terminal() {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	switch st.task.Status {
	case models.TaskPending:
		st.task.Status = models.TaskCancelled
		st.task.Error = cancelledError
		s.mu.Unlock()
		s.finalizePending(st)
		return nil
	case models.TaskRunning, models.TaskWaitingForUser:
		st.task.Status = models.TaskCancelled
		st.task.Error = cancelledError
		snapshot := st.task.Clone()
		cancel := st.cancel
		s.mu.Unlock()

		_ = s.store.SaveTask(context.Background(), snapshot)
		if cancel != nil {
			cancel()
		}
		// Unblock a pending ask_user rendezvous.
		st.answerMu.Lock()
		select {
		case st.answerCh <- "":
		default:
		}
		st.answerMu.Unlock()
		s.logger.Info("Task cancelled", "task_id", taskID)
		return nil
	default:
		s.mu.Unlock()
		return nil // already terminal: idempotent
	}
}

// finalizePending finishes a task cancelled before execution started.
func (s *Scheduler) finalizePending(st *taskState) {
	s.mu.Lock()
	now := time.Now()
	st.task.CompletedAt = &now
	snapshot := st.task.Clone()
	delete(s.running, st.task.ID)
	s.recent[st.task.ID] = snapshot
	s.mu.Unlock()

	_ = s.store.SaveTask(context.Background(), snapshot)
	s.broadcast.Broadcast(events.EventTaskStatusChange, snapshot.ID, snapshot.DeviceID, map[string]any{
		"status": snapshot.Status,
		"error":  snapshot.Error,
	})
}

// Answer supplies the user's reply to a waiting task.
func (s *Scheduler) Answer(taskID, answer string) error {
	s.mu.Lock()
	st, ok := s.running[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	status := st.task.Status
	s.mu.Unlock()

	if status != models.TaskWaitingForUser {
		return fmt.Errorf("%w: %s is %s", ErrNotWaiting, taskID, status)
	}

	st.answerMu.Lock()
	defer st.answerMu.Unlock()
	select {
	case st.answerCh <- answer:
	default:
		// A prior answer is already queued; cache the newest for the race
		// window where the kernel re-asks immediately.
		st.cachedAnswer = &answer
	}
	return nil
}

// askUser implements the rendezvous: flip to waiting_for_user, broadcast,
// block on the answer with timeout, then restore running.
func (s *Scheduler) askUser(ctx context.Context, st *taskState, q models.Question) (string, error) {
	// A cached answer from the race window short-circuits the wait.
	st.answerMu.Lock()
	if st.cachedAnswer != nil {
		answer := *st.cachedAnswer
		st.cachedAnswer = nil
		st.answerMu.Unlock()
		return answer, nil
	}
	st.answerMu.Unlock()

	s.mu.Lock()
	if st.task.Status == models.TaskCancelled {
		s.mu.Unlock()
		return "", errors.New("task cancelled")
	}
	st.task.Status = models.TaskWaitingForUser
	st.task.PendingQuestion = &q
	snapshot := st.task.Clone()
	s.mu.Unlock()

	_ = s.store.SaveTask(context.WithoutCancel(ctx), snapshot)
	s.broadcast.Broadcast(events.EventTaskStatusChange, snapshot.ID, snapshot.DeviceID, map[string]any{
		"status":   models.TaskWaitingForUser,
		"question": q,
	})

	var answer string
	select {
	case answer = <-st.answerCh:
	case <-time.After(AskUserTimeout):
		s.mu.Lock()
		st.task.Status = models.TaskFailed
		st.task.Error = userTimeoutError
		cancel := st.cancel
		s.mu.Unlock()
		// Stop the kernel loop; no further step may start after the timeout.
		if cancel != nil {
			cancel()
		}
		return "", errors.New(userTimeoutError)
	case <-ctx.Done():
		return "", errors.New("task cancelled")
	}

	s.mu.Lock()
	if st.task.Status == models.TaskCancelled {
		s.mu.Unlock()
		return "", errors.New("task cancelled")
	}
	st.task.PendingQuestion = nil
	st.task.Status = models.TaskRunning
	snapshot = st.task.Clone()
	s.mu.Unlock()

	_ = s.store.SaveTask(context.WithoutCancel(ctx), snapshot)
	s.broadcast.Broadcast(events.EventTaskStatusChange, snapshot.ID, snapshot.DeviceID, map[string]any{
		"status": models.TaskRunning,
	})
	return answer, nil
}

// Get returns a task: memory first, then the terminal-snapshot cache, then
// the durable store.
func (s *Scheduler) Get(ctx context.Context, taskID string) (*models.Task, error) {
	s.mu.Lock()
	if st, ok := s.running[taskID]; ok {
		snapshot := st.task.Clone()
		s.mu.Unlock()
		return snapshot, nil
	}
	if t, ok := s.recent[taskID]; ok {
		snapshot := t.Clone()
		s.mu.Unlock()
		return snapshot, nil
	}
	s.mu.Unlock()

	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, err
	}
	return t, nil
}

// List merges the running set with the durable store.
func (s *Scheduler) List(ctx context.Context, filter store.ListFilter) ([]*models.Task, error) {
	stored, err := s.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	live := make(map[string]*models.Task, len(s.running))
	for id, st := range s.running {
		live[id] = st.task.Clone()
	}
	s.mu.Unlock()

	out := make([]*models.Task, 0, len(stored))
	for _, t := range stored {
		if fresh, ok := live[t.ID]; ok {
			delete(live, t.ID)
			if filter.Status == "" || fresh.Status == filter.Status {
				out = append(out, fresh)
			}
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// RunningCount reports the size of the in-memory live set.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Wait blocks until the task's goroutine exits. Test helper.
func (s *Scheduler) Wait(taskID string, timeout time.Duration) bool {
	s.mu.Lock()
	st, ok := s.running[taskID]
	s.mu.Unlock()
	if !ok {
		return true
	}
	select {
	case <-st.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
