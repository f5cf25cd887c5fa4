package kernel

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/GaryChine-byte/phonefleet/pkg/action"
	"github.com/GaryChine-byte/phonefleet/pkg/channel"
	"github.com/GaryChine-byte/phonefleet/pkg/llm"
	"github.com/GaryChine-byte/phonefleet/pkg/models"
)

// Context-length watchdog thresholds. The vision kernel never truncates
// forcibly: context integrity beats token savings.
const (
	contextNoticeSteps = 30
	contextWarnSteps   = 80
)

// Vision is the expensive kernel: it reasons over screenshots with a
// multimodal model. Older user messages keep only their text so context
// growth stays linear in text, not images.
type Vision struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	history []llm.Message
	// Seed is prepended to the first prompt when a hybrid run hands over.
	Seed string
}

// NewVision creates a vision kernel.
func NewVision(deps Deps, cfg Config) *Vision {
	cfg.applyDefaults()
	return &Vision{
		deps:   deps,
		cfg:    cfg,
		logger: slog.With("component", "vision-kernel"),
	}
}

// Reset implements Kernel.
func (k *Vision) Reset() {
	k.history = nil
}

// Run implements Kernel.
func (k *Vision) Run(ctx context.Context, instruction string) (*RunResult, error) {
	result := &RunResult{Mode: string(models.KernelVision)}

	parseErrors := 0

	for step := 1; step <= k.cfg.MaxSteps; step++ {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		index := k.cfg.StartStep + step
		result.LastStep = index
		k.watchContext(step)

		pngData, scr, err := k.deps.Channel.Screenshot(ctx)
		if err != nil {
			kind := channel.Classify(err)
			if kind == channel.ErrKindUnreachable || kind == channel.ErrKindOffline {
				result.Bailout = BailoutCritical
				result.Message = "device unavailable: " + err.Error()
				return result, nil
			}
			k.logger.Warn("Screenshot failed, retrying after settle", "step", index, "error", err)
			if !sleepSettle(ctx, k.cfg.SettleDelay) {
				return result, ctx.Err()
			}
			continue
		}

		prompt := k.buildUserText(instruction, step)
		userMsg := llm.ImageMessage(prompt, base64.StdEncoding.EncodeToString(pngData))

		// Strip images from everything but the newest user message.
		messages := make([]llm.Message, 0, len(k.history)+2)
		messages = append(messages, llm.TextMessage(llm.RoleSystem, visionSystemPrompt))
		for _, m := range k.history {
			messages = append(messages, m.StripImages())
		}
		messages = append(messages, userMsg)

		completion, err := k.deps.LLM.Chat(ctx, llm.Request{Messages: messages})
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			parseErrors++
			k.logger.Error("LLM call failed", "step", index, "error", err)
			if parseErrors >= maxConsecutiveParseErrors {
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
		act, ok := decodeVisionAction(parsed)
		if !ok {
			parseErrors++
			k.logger.Warn("Unparseable model response", "step", index, "consecutive", parseErrors)
			waitAct := action.Action{Name: action.Wait, Seconds: 1}
			k.deps.Steps.OnStepStart(index, StepStart{Thinking: thinking, Action: &waitAct})
			exec := Execute(ctx, waitAct, k.deps.Channel, scr, nil, k.deps.Exec)
			k.deps.Steps.OnStepComplete(index, exec.Success, thinking, "model response unparseable; waiting")
			result.Steps++
			if parseErrors >= maxConsecutiveParseErrors {
				result.Bailout = BailoutExceptions
				result.Message = "repeated parse errors"
				return result, nil
			}
			continue
		}
		parseErrors = 0

		k.history = append(k.history, userMsg)
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

		exec := Execute(ctx, act, k.deps.Channel, scr, nil, k.deps.Exec)
		k.deps.Steps.OnStepComplete(index, exec.Success, thinking, exec.Observation)
		result.Steps++

		if exec.Terminal {
			result.Success = exec.TerminalSuccess
			result.Message = exec.Message
			result.Data = exec.Data
			return result, nil
		}

		if !exec.Success && (exec.ErrorKind == channel.ErrKindUnreachable || exec.ErrorKind == channel.ErrKindOffline) {
			result.Bailout = BailoutCritical
			result.Message = "device unavailable: " + exec.Observation
			return result, nil
		}

		if !sleepSettle(ctx, k.cfg.SettleDelay) {
			return result, ctx.Err()
		}
	}

	result.Bailout = BailoutMaxSteps
	result.Message = fmt.Sprintf("no terminal action within %d steps", k.cfg.MaxSteps)
	return result, nil
}

func (k *Vision) watchContext(step int) {
	switch {
	case step == contextWarnSteps:
		k.logger.Warn("Vision context very long", "steps", step)
	case step == contextNoticeSteps:
		k.logger.Info("Vision context getting long", "steps", step)
	}
}

func (k *Vision) buildUserText(instruction string, step int) string {
	mem := ""
	if k.cfg.Memory != nil {
		mem = memorySection(k.cfg.Memory())
	}
	if step == 1 && k.Seed != "" {
		return fmt.Sprintf("Task: %s\n%sPrior progress summary:\n%s\nCurrent screen attached.", instruction, mem, k.Seed)
	}
	return fmt.Sprintf("Task: %s\n%sCurrent screen attached.", instruction, mem)
}

// decodeVisionAction accepts dict output or a raw legacy string; raw strings
// count as parse failures for execution purposes.
func decodeVisionAction(parsed llm.ParsedAction) (action.Action, bool) {
	if parsed.Dict == nil {
		return action.Action{}, false
	}
	dict := parsed.Dict
	if inner, ok := dict["action"].(map[string]any); ok {
		dict = inner
	}
	act, err := action.FromDict(dict)
	if err != nil {
		return action.Action{}, false
	}
	return act, true
}
