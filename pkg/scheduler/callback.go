package scheduler

import (
	"context"
	"time"

	"github.com/GaryChine-byte/phonefleet/pkg/channel"
	"github.com/GaryChine-byte/phonefleet/pkg/events"
	"github.com/GaryChine-byte/phonefleet/pkg/kernel"
	"github.com/GaryChine-byte/phonefleet/pkg/models"
	"github.com/GaryChine-byte/phonefleet/pkg/screenshot"
	"github.com/GaryChine-byte/phonefleet/pkg/store"
)

// taskCallback wires one task's kernel to the scheduler. It holds only the
// task handle and the scheduler: kernels never mutate Task fields directly.
type taskCallback struct {
	sched   *Scheduler
	state   *taskState
	channel channel.Channel
}

var (
	_ kernel.StepCallback = (*taskCallback)(nil)
	_ kernel.ExecCallback = (*taskCallback)(nil)
)

// OnStepStart appends the step record, accumulates token counters and
// appends the model-call accounting row.
func (c *taskCallback) OnStepStart(stepIndex int, info kernel.StepStart) {
	s := c.sched
	now := time.Now()

	step := models.Step{
		Index:     stepIndex,
		Timestamp: now,
		Kind:      models.StepLLM,
		Thinking:  info.Thinking,
		Action:    info.Action,
		Tokens:    info.Tokens,
	}

	s.mu.Lock()
	task := c.state.task
	task.Steps = append(task.Steps, step)
	task.Tokens.PromptTokens += info.Tokens.PromptTokens
	task.Tokens.CompletionTokens += info.Tokens.CompletionTokens
	task.Tokens.TotalTokens += info.Tokens.TotalTokens
	taskID := task.ID
	model := task.Model
	s.mu.Unlock()

	if model == "" {
		model = s.llm.Model()
	}
	if info.Tokens.TotalTokens > 0 {
		if err := s.store.RecordModelCall(context.WithoutCancel(s.baseCtx), store.ModelCall{
			TaskID:           taskID,
			StepIndex:        stepIndex,
			Model:            model,
			PromptTokens:     info.Tokens.PromptTokens,
			CompletionTokens: info.Tokens.CompletionTokens,
			TotalTokens:      info.Tokens.TotalTokens,
		}); err != nil {
			s.logger.Warn("Model call accounting failed", "task_id", taskID, "error", err)
		}
	}
}

// OnStepComplete finalizes the step record, appends the audit line and
// schedules the asynchronous screenshot capture.
func (c *taskCallback) OnStepComplete(stepIndex int, success bool, thinking, observation string) {
	s := c.sched

	s.mu.Lock()
	task := c.state.task
	var step *models.Step
	for i := len(task.Steps) - 1; i >= 0; i-- {
		if task.Steps[i].Index == stepIndex {
			step = &task.Steps[i]
			break
		}
	}
	if step == nil {
		s.mu.Unlock()
		return
	}
	step.Success = success
	if thinking != "" {
		step.Thinking = thinking
	}
	step.Observation = observation
	step.DurationMS = time.Since(step.Timestamp).Milliseconds()
	stepCopy := *step
	taskID := task.ID
	deviceID := task.DeviceID
	snapshot := task.Clone()
	s.mu.Unlock()

	_ = s.store.SaveTask(context.WithoutCancel(s.baseCtx), snapshot)

	if s.shots != nil {
		if err := s.shots.AppendAudit(taskID, stepCopy); err != nil {
			s.logger.Warn("Audit append failed", "task_id", taskID, "error", err)
		}
		// Capture is asynchronous and non-blocking: the loop stays near one
		// LLM round trip per step.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.captureScreenshot(taskID, stepIndex, stepCopy)
		}()
	}

	s.broadcast.Broadcast(events.EventTaskStep, taskID, deviceID, stepCopy)
}

func (c *taskCallback) captureScreenshot(taskID string, stepIndex int, step models.Step) {
	s := c.sched
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.baseCtx), 20*time.Second)
	defer cancel()

	pngData, _, err := c.channel.Screenshot(ctx)
	if err != nil {
		s.logger.Warn("Step screenshot failed", "task_id", taskID, "step", stepIndex, "error", err)
		return
	}

	var actDict map[string]any
	if step.Action != nil {
		actDict, _ = step.Action.ToDict()
	}
	refs, err := s.shots.SaveStep(taskID, stepIndex, pngData, screenshot.StepMeta{
		Index:       stepIndex,
		Timestamp:   step.Timestamp,
		Action:      actDict,
		Thinking:    step.Thinking,
		Observation: step.Observation,
		Success:     step.Success,
		Tokens:      step.Tokens,
	})
	if err != nil {
		s.logger.Warn("Step screenshot store failed", "task_id", taskID, "step", stepIndex, "error", err)
		return
	}

	s.mu.Lock()
	task := c.state.task
	for i := range task.Steps {
		if task.Steps[i].Index == stepIndex {
			task.Steps[i].Screenshots = models.ScreenshotRefs{
				Original:  refs.Original,
				AI:        refs.AI,
				Medium:    refs.Medium,
				Small:     refs.Small,
				Thumbnail: refs.Thumbnail,
			}
			break
		}
	}
	s.mu.Unlock()
}

// OnRecordContent implements kernel.ExecCallback.
func (c *taskCallback) OnRecordContent(text, category string) {
	s := c.sched
	s.mu.Lock()
	c.state.task.Memory.Notes = append(c.state.task.Memory.Notes, models.MemoryNote{
		Text:     text,
		Category: category,
		At:       time.Now(),
	})
	s.mu.Unlock()
}

// OnUpdateTodos implements kernel.ExecCallback.
func (c *taskCallback) OnUpdateTodos(markdown string) {
	s := c.sched
	s.mu.Lock()
	c.state.task.Memory.Todos = markdown
	s.mu.Unlock()
}

// AskUser implements kernel.ExecCallback via the scheduler rendezvous.
func (c *taskCallback) AskUser(ctx context.Context, q models.Question) (string, error) {
	return c.sched.askUser(ctx, c.state, q)
}
