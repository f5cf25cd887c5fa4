package kernel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/GaryChine-byte/phonefleet/pkg/models"
)

// Hybrid runs the structured kernel first and falls back to the vision
// kernel when it bails out. Fallback is one-way and happens at most once per
// task.
type Hybrid struct {
	deps   Deps
	cfg    Config
	mode   models.KernelMode
	logger *slog.Logger

	structured *Structured
	vision     *Vision
}

// NewHybrid creates a hybrid kernel for the requested mode: structured,
// vision, or auto.
func NewHybrid(deps Deps, cfg Config, mode models.KernelMode) *Hybrid {
	cfg.applyDefaults()
	return &Hybrid{
		deps:   deps,
		cfg:    cfg,
		mode:   mode,
		logger: slog.With("component", "hybrid-kernel", "mode", mode),
	}
}

// Reset implements Kernel.
func (k *Hybrid) Reset() {
	if k.structured != nil {
		k.structured.Reset()
	}
	if k.vision != nil {
		k.vision.Reset()
	}
}

// Run implements Kernel.
func (k *Hybrid) Run(ctx context.Context, instruction string) (*RunResult, error) {
	switch k.mode {
	case models.KernelStructured:
		k.structured = NewStructured(k.deps, k.cfg)
		return k.structured.Run(ctx, instruction)
	case models.KernelVision:
		k.vision = NewVision(k.deps, k.cfg)
		return k.vision.Run(ctx, instruction)
	}

	// auto: structured first, vision on bailout.
	k.structured = NewStructured(k.deps, k.cfg)
	first, err := k.structured.Run(ctx, instruction)
	if err != nil {
		return first, err
	}
	if !first.ShouldFallback {
		first.Mode = "hybrid:auto(structured)"
		return first, nil
	}

	k.logger.Info("Structured kernel bailed out, falling back to vision",
		"reason", first.Bailout, "steps", first.Steps)

	visionCfg := k.cfg
	visionCfg.StartStep = first.LastStep
	k.vision = NewVision(k.deps, visionCfg)
	k.vision.Seed = fmt.Sprintf(
		"A structured-UI attempt ran %d step(s) and stopped (%s). Continue the task from the current screen.",
		first.Steps, first.Bailout)

	second, err := k.vision.Run(ctx, instruction)
	second.Mode = "hybrid:auto(structured→vision)"
	second.Steps += first.Steps
	second.Tokens.PromptTokens += first.Tokens.PromptTokens
	second.Tokens.CompletionTokens += first.Tokens.CompletionTokens
	second.Tokens.TotalTokens += first.Tokens.TotalTokens
	// The fallback already happened; never signal another.
	second.ShouldFallback = false
	return second, err
}
