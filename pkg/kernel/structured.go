package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/GaryChine-byte/phonefleet/pkg/action"
	"github.com/GaryChine-byte/phonefleet/pkg/channel"
	"github.com/GaryChine-byte/phonefleet/pkg/llm"
	"github.com/GaryChine-byte/phonefleet/pkg/models"
	"github.com/GaryChine-byte/phonefleet/pkg/perception"
)

// Structured-kernel bailout thresholds.
const (
	maxConsecutiveEmptyUI     = 2
	maxConsecutiveActionFails = 3
	maxConsecutiveParseErrors = 2
)

// Structured is the cheap kernel: it reasons over the UI element tree with a
// text-only model in JSON mode, and signals fallback when the tree stops
// being useful.
type Structured struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	history []llm.Message
}

// NewStructured creates a structured kernel.
func NewStructured(deps Deps, cfg Config) *Structured {
	cfg.applyDefaults()
	return &Structured{
		deps:   deps,
		cfg:    cfg,
		logger: slog.With("component", "structured-kernel"),
	}
}

// Reset implements Kernel.
func (k *Structured) Reset() {
	k.history = nil
}

// perceive returns the indexed element list plus the screen it was taken on.
func (k *Structured) perceive(ctx context.Context) ([]perception.Element, channel.Screen, error) {
	if provider, ok := k.deps.Channel.(channel.ElementProvider); ok {
		return provider.Elements(ctx)
	}
	scr, err := k.deps.Channel.ScreenSize(ctx)
	if err != nil {
		return nil, channel.Screen{}, err
	}
	xml, err := k.deps.Channel.UIHierarchy(ctx)
	if err != nil {
		return nil, scr, err
	}
	elements, err := perception.Parse(xml, scr.Width, scr.Height)
	if err != nil {
		return nil, scr, err
	}
	return elements, scr, nil
}

// windowedHistory keeps the first exchange plus the last N-1 exchanges.
func windowedHistory(history []llm.Message, window int) []llm.Message {
	// An exchange is a user+assistant pair.
	keep := 2 * window
	if len(history) <= keep+2 {
		return history
	}
	out := make([]llm.Message, 0, keep+2)
	out = append(out, history[:2]...)
	out = append(out, history[len(history)-keep+2:]...)
	return out
}

// Run implements Kernel.
func (k *Structured) Run(ctx context.Context, instruction string) (*RunResult, error) {
	result := &RunResult{Mode: string(models.KernelStructured)}

	emptyUI := 0
	actionFails := 0
	parseErrors := 0

	for step := 1; step <= k.cfg.MaxSteps; step++ {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		index := k.cfg.StartStep + step
		result.LastStep = index

		elements, scr, err := k.perceive(ctx)
		if err != nil || len(elements) == 0 {
			emptyUI++
			k.logger.Warn("Empty UI perception", "step", index, "consecutive", emptyUI, "error", err)
			if emptyUI >= maxConsecutiveEmptyUI {
				result.ShouldFallback = true
				result.Bailout = BailoutUIEmpty
				result.Message = "UI hierarchy consistently empty"
				return result, nil
			}
			if !sleepSettle(ctx, k.cfg.SettleDelay) {
				return result, ctx.Err()
			}
			continue
		}
		emptyUI = 0

		prompt := k.buildUserPrompt(instruction, elements)
		messages := append(windowedHistory(k.history, k.cfg.HistoryWindow), llm.TextMessage(llm.RoleUser, prompt))
		full := append([]llm.Message{llm.TextMessage(llm.RoleSystem, structuredSystemPrompt)}, messages...)

		completion, err := k.deps.LLM.Chat(ctx, llm.Request{Messages: full, JSONMode: true})
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			parseErrors++
			k.logger.Error("LLM call failed", "step", index, "error", err)
			if parseErrors >= maxConsecutiveParseErrors {
				result.ShouldFallback = true
				result.Bailout = BailoutExceptions
				result.Message = "repeated model failures"
				return result, nil
			}
			continue
		}
		result.Tokens.PromptTokens += completion.Usage.PromptTokens
		result.Tokens.CompletionTokens += completion.Usage.CompletionTokens
		result.Tokens.TotalTokens += completion.Usage.TotalTokens

		thinking, parsed := llm.Parse(completion.Content)
		act, ok := k.decodeAction(parsed)
		if !ok {
			parseErrors++
			k.logger.Warn("Unparseable model response", "step", index, "consecutive", parseErrors)
			k.recordWaitStep(ctx, index, thinking, scr, elements)
			result.Steps++
			if parseErrors >= maxConsecutiveParseErrors {
				result.ShouldFallback = true
				result.Bailout = BailoutExceptions
				result.Message = "repeated parse errors"
				return result, nil
			}
			continue
		}
		parseErrors = 0

		k.history = append(k.history, llm.TextMessage(llm.RoleUser, prompt))
		k.history = append(k.history, llm.TextMessage(llm.RoleAssistant, completion.Content))

		k.deps.Steps.OnStepStart(index, StepStart{
			Thinking: thinking,
			Action:   &act,
			Tokens: models.TokenUsage{
				PromptTokens:     completion.Usage.PromptTokens,
				CompletionTokens: completion.Usage.CompletionTokens,
				TotalTokens:      completion.Usage.TotalTokens,
			},
		})

		exec := Execute(ctx, act, k.deps.Channel, scr, elements, k.deps.Exec)
		k.deps.Steps.OnStepComplete(index, exec.Success, thinking, exec.Observation)
		result.Steps++

		if exec.Terminal {
			result.Success = exec.TerminalSuccess
			result.Message = exec.Message
			result.Data = exec.Data
			return result, nil
		}

		if !exec.Success {
			actionFails++
			if exec.ErrorKind == channel.ErrKindUnreachable || exec.ErrorKind == channel.ErrKindOffline {
				result.Bailout = BailoutCritical
				result.Message = "device unavailable: " + exec.Observation
				return result, nil
			}
			if actionFails >= maxConsecutiveActionFails {
				result.ShouldFallback = true
				result.Bailout = BailoutActionFailing
				result.Message = "actions consistently failing"
				return result, nil
			}
		} else {
			actionFails = 0
		}

		if !sleepSettle(ctx, k.cfg.SettleDelay) {
			return result, ctx.Err()
		}
	}

	result.ShouldFallback = true
	result.Bailout = BailoutMaxSteps
	result.Message = fmt.Sprintf("no terminal action within %d steps", k.cfg.MaxSteps)
	return result, nil
}

// decodeAction turns parser output into a typed action. The structured
// kernel runs in JSON mode, so only dict output counts.
func (k *Structured) decodeAction(parsed llm.ParsedAction) (action.Action, bool) {
	if parsed.Dict == nil {
		return action.Action{}, false
	}
	dict := parsed.Dict
	// Tolerate the {"think":..,"action":{...}} shape arriving whole.
	if inner, ok := dict["action"].(map[string]any); ok {
		dict = inner
	}
	act, err := action.FromDict(dict)
	if err != nil {
		k.logger.Warn("Rejected malformed action", "error", err)
		return action.Action{}, false
	}
	return act, true
}

// recordWaitStep emits the wait step that stands in for an unparseable
// response.
func (k *Structured) recordWaitStep(ctx context.Context, index int, thinking string, scr channel.Screen, elements []perception.Element) {
	waitAct := action.Action{Name: action.Wait, Seconds: 1}
	k.deps.Steps.OnStepStart(index, StepStart{Thinking: thinking, Action: &waitAct})
	exec := Execute(ctx, waitAct, k.deps.Channel, scr, elements, k.deps.Exec)
	k.deps.Steps.OnStepComplete(index, exec.Success, thinking, "model response unparseable; waiting")
}

func (k *Structured) buildUserPrompt(instruction string, elements []perception.Element) string {
	payload, _ := json.Marshal(elements)
	mem := ""
	if k.cfg.Memory != nil {
		mem = memorySection(k.cfg.Memory())
	}
	return fmt.Sprintf("Task: %s\n%sInteractive elements:\n%s\nElements (JSON): %s",
		instruction, mem, perception.FormatForLLM(elements), payload)
}
