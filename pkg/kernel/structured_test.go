package kernel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GaryChine-byte/phonefleet/pkg/llm"
	"github.com/GaryChine-byte/phonefleet/pkg/models"
)

// scriptedLLM returns canned responses in order.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (s *scriptedLLM) Chat(_ context.Context, _ llm.Request) (*llm.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls >= len(s.responses) {
		return nil, errors.New("script exhausted")
	}
	content := s.responses[s.calls]
	s.calls++
	return &llm.Completion{
		Content: content,
		Usage:   llm.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
	}, nil
}

func (s *scriptedLLM) Model() string { return "test-model" }

// recordingSteps captures step-callback invocations.
type recordingSteps struct {
	mu        sync.Mutex
	started   []int
	completed []int
	success   map[int]bool
}

func newRecordingSteps() *recordingSteps {
	return &recordingSteps{success: make(map[int]bool)}
}

func (r *recordingSteps) OnStepStart(idx int, _ StepStart) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, idx)
}

func (r *recordingSteps) OnStepComplete(idx int, success bool, _, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, idx)
	r.success[idx] = success
}

const testUIXML = `<hierarchy>
  <node text="Settings" class="android.widget.Button" clickable="true" focusable="false" bounds="[400,1150][680,1250]"/>
</hierarchy>`

func testDeps(ch *fakeChannel, model LLMClient, steps StepCallback) Deps {
	return Deps{LLM: model, Channel: ch, Steps: steps, Exec: &fakeExec{}}
}

func fastCfg() Config {
	return Config{MaxSteps: 10, HistoryWindow: 5, SettleDelay: time.Millisecond}
}

// Happy path: tap, then done.
func TestStructuredHappyPath(t *testing.T) {
	ch := newFakeChannel()
	ch.uiXML = testUIXML
	model := &scriptedLLM{responses: []string{
		`{"think": "需要打开设置", "action": {"action": "tap", "coordinates": [500, 500]}}`,
		`{"think": "done", "action": {"action": "done", "success": true, "message": "Settings opened"}}`,
	}}
	steps := newRecordingSteps()

	k := NewStructured(testDeps(ch, model, steps), fastCfg())
	result, err := k.Run(context.Background(), "Open Settings")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "Settings opened", result.Message)
	assert.Equal(t, 2, result.Steps)
	assert.Equal(t, []int{1, 2}, steps.started)
	assert.Equal(t, []int{1, 2}, steps.completed)
	assert.Equal(t, 240, result.Tokens.TotalTokens)

	// The tap hit the device at the pixel-resolved point.
	require.NotEmpty(t, ch.calls)
	assert.Equal(t, "tap 540 1200  1", ch.calls[0])
}

// Two consecutive empty perceptions signal fallback.
func TestStructuredEmptyUIFallback(t *testing.T) {
	ch := newFakeChannel()
	ch.uiXML = `<hierarchy></hierarchy>`
	model := &scriptedLLM{}
	steps := newRecordingSteps()

	k := NewStructured(testDeps(ch, model, steps), fastCfg())
	result, err := k.Run(context.Background(), "在应用里搜索X")
	require.NoError(t, err)

	assert.True(t, result.ShouldFallback)
	assert.Equal(t, BailoutUIEmpty, result.Bailout)
	assert.Zero(t, model.calls)
}

// An unparseable response records a wait step; a second one bails out.
func TestStructuredParseFailureBailout(t *testing.T) {
	ch := newFakeChannel()
	ch.uiXML = testUIXML
	model := &scriptedLLM{responses: []string{
		`total garbage with no structure`,
		`still garbage`,
	}}
	steps := newRecordingSteps()

	k := NewStructured(testDeps(ch, model, steps), fastCfg())
	result, err := k.Run(context.Background(), "do something")
	require.NoError(t, err)

	assert.True(t, result.ShouldFallback)
	assert.Equal(t, BailoutExceptions, result.Bailout)
	// Each failure produced a wait step.
	assert.Equal(t, []int{1, 2}, steps.started)
	assert.Equal(t, 2, result.Steps)
}

// Three consecutive action failures signal fallback.
func TestStructuredActionFailureFallback(t *testing.T) {
	ch := newFakeChannel()
	ch.uiXML = testUIXML
	ch.fail = errors.New("input rejected")
	model := &scriptedLLM{responses: []string{
		`{"think": "a", "action": {"action": "tap", "coordinates": [1, 1]}}`,
		`{"think": "b", "action": {"action": "tap", "coordinates": [2, 2]}}`,
		`{"think": "c", "action": {"action": "tap", "coordinates": [3, 3]}}`,
	}}
	steps := newRecordingSteps()

	k := NewStructured(testDeps(ch, model, steps), fastCfg())
	result, err := k.Run(context.Background(), "tap things")
	require.NoError(t, err)

	assert.True(t, result.ShouldFallback)
	assert.Equal(t, BailoutActionFailing, result.Bailout)
	assert.Equal(t, 3, result.Steps)
}

// Running out of steps sets max_steps_reached and fallback.
func TestStructuredMaxSteps(t *testing.T) {
	ch := newFakeChannel()
	ch.uiXML = testUIXML
	responses := make([]string, 3)
	for i := range responses {
		responses[i] = `{"think": "loop", "action": {"action": "wait", "seconds": 0.001}}`
	}
	model := &scriptedLLM{responses: responses}
	steps := newRecordingSteps()

	cfg := fastCfg()
	cfg.MaxSteps = 3
	k := NewStructured(testDeps(ch, model, steps), cfg)
	result, err := k.Run(context.Background(), "never finish")
	require.NoError(t, err)

	assert.True(t, result.ShouldFallback)
	assert.Equal(t, BailoutMaxSteps, result.Bailout)
}

func TestStructuredCancellationBetweenSteps(t *testing.T) {
	ch := newFakeChannel()
	ch.uiXML = testUIXML
	model := &scriptedLLM{responses: []string{
		`{"think": "a", "action": {"action": "wait", "seconds": 0.001}}`,
	}}
	steps := newRecordingSteps()

	ctx, cancel := context.WithCancel(context.Background())
	k := NewStructured(testDeps(ch, model, steps), fastCfg())

	// Cancel after the first response is consumed.
	go func() {
		for {
			model.mu.Lock()
			n := model.calls
			model.mu.Unlock()
			if n >= 1 {
				cancel()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	result, err := k.Run(ctx, "long task")
	assert.Error(t, err)
	assert.LessOrEqual(t, result.Steps, 1)
}

func TestWindowedHistory(t *testing.T) {
	var history []llm.Message
	for i := 0; i < 20; i++ {
		history = append(history, llm.TextMessage(llm.RoleUser, "u"))
		history = append(history, llm.TextMessage(llm.RoleAssistant, "a"))
	}
	out := windowedHistory(history, 5)
	// First pair plus the last 4 exchanges.
	assert.Len(t, out, 10)
	assert.Equal(t, history[0], out[0])
	assert.Equal(t, history[1], out[1])
	assert.Equal(t, history[len(history)-1], out[len(out)-1])
}

// Hybrid auto mode: structured bails out, vision continues, mode string
// records the handover.
func TestHybridAutoFallback(t *testing.T) {
	ch := newFakeChannel()
	ch.uiXML = `<hierarchy></hierarchy>` // structured sees nothing
	model := &scriptedLLM{responses: []string{
		`<thinking>看到了搜索框</thinking><tool_call>{"action":"done","success":true,"message":"found"}</tool_call>`,
	}}
	steps := newRecordingSteps()

	k := NewHybrid(testDeps(ch, model, steps), fastCfg(), models.KernelAuto)
	result, err := k.Run(context.Background(), "在应用里搜索X")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "hybrid:auto(structured→vision)", result.Mode)
	assert.False(t, result.ShouldFallback)
}

func TestHybridStructuredOnly(t *testing.T) {
	ch := newFakeChannel()
	ch.uiXML = testUIXML
	model := &scriptedLLM{responses: []string{
		`{"think": "x", "action": {"action": "done", "success": true, "message": "ok"}}`,
	}}
	steps := newRecordingSteps()

	k := NewHybrid(testDeps(ch, model, steps), fastCfg(), models.KernelAuto)
	result, err := k.Run(context.Background(), "quick")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "hybrid:auto(structured)", result.Mode)
}
