package kernel

import (
	"context"
	"time"

	"github.com/GaryChine-byte/phonefleet/pkg/action"
	"github.com/GaryChine-byte/phonefleet/pkg/channel"
	"github.com/GaryChine-byte/phonefleet/pkg/llm"
	"github.com/GaryChine-byte/phonefleet/pkg/models"
)

// LLMClient is the slice of the chat client the kernels need. Faked in
// tests.
type LLMClient interface {
	Chat(ctx context.Context, req llm.Request) (*llm.Completion, error)
	Model() string
}

// StepStart carries the decision data available when a step begins.
type StepStart struct {
	Thinking string
	Action   *action.Action
	Tokens   models.TokenUsage
}

// StepCallback persists steps and schedules screenshot capture. Provided by
// the scheduler; kernels never mutate the task record directly.
type StepCallback interface {
	OnStepStart(stepIndex int, info StepStart)
	OnStepComplete(stepIndex int, success bool, thinking, observation string)
}

// BailoutReason labels why a kernel gave up.
type BailoutReason string

// Bailout reasons. The structured kernel sets ShouldFallback with every reason
// except critical_error; the vision kernel never sets it.
const (
	BailoutUIEmpty       BailoutReason = "ui_consistently_empty"
	BailoutActionFailing BailoutReason = "action_consistently_failing"
	BailoutExceptions    BailoutReason = "too_many_exceptions"
	BailoutMaxSteps      BailoutReason = "max_steps_reached"
	BailoutCritical      BailoutReason = "critical_error"
)

// RunResult is what a kernel hands back to the scheduler.
type RunResult struct {
	Success bool
	// Steps is the number of steps this kernel executed.
	Steps   int
	Message string
	Data    any
	Tokens  models.TokenUsage
	Mode    string

	ShouldFallback bool
	Bailout        BailoutReason
	// LastStep is the index of the final recorded step, for fallback
	// continuation.
	LastStep int
}

// Kernel is an agent loop implementation.
type Kernel interface {
	// Run drives the loop for one instruction. The context carries
	// cancellation; the kernel checks it between steps.
	Run(ctx context.Context, instruction string) (*RunResult, error)
	// Reset clears conversation state for reuse.
	Reset()
}

// Config tunes the kernel loops.
type Config struct {
	MaxSteps int
	// HistoryWindow is the number of recent exchanges kept in context.
	HistoryWindow int
	// SettleDelay is the pause after each device action.
	SettleDelay time.Duration
	// StartStep offsets step indices so a fallback kernel continues the
	// task's numbering.
	StartStep int
	// Memory gives prompts access to the task's notes and todos.
	Memory func() models.TaskMemory
}

func (c *Config) applyDefaults() {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 40
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 5
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 400 * time.Millisecond
	}
}

// Deps bundles what every kernel needs.
type Deps struct {
	LLM     LLMClient
	Channel channel.Channel
	Steps   StepCallback
	Exec    ExecCallback
}

// sleepSettle waits the settle delay, honoring cancellation.
func sleepSettle(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
