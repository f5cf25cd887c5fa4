// Package preprocess is the rule engine that runs before a kernel: pure
// system commands ("open X") are executed directly without burning an LLM
// round trip, and compound instructions get their system prefix executed
// eagerly while the kernel handles the rest.
package preprocess

import (
	"regexp"
	"strings"
)

// Confidence thresholds from the rule tables.
const (
	pureThreshold     = 0.9
	compoundThreshold = 0.85
)

// Kind classifies the rule-engine outcome.
type Kind string

// Outcome kinds.
const (
	KindNone     Kind = "none"
	KindSystem   Kind = "system"
	KindCompound Kind = "compound"
)

// Decision is the rule-engine verdict for an instruction.
type Decision struct {
	Kind       Kind
	App        string  // app to launch for system/compound
	Remainder  string  // the in-app part of a compound instruction
	Confidence float64
	// SkipLLM means the task finishes right after the system command.
	SkipLLM bool
}

var openPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(?:please\s+)?(?:open|launch|start)\s+(.+)$`),
	regexp.MustCompile(`^(?:请)?(?:打开|启动|运行)\s*(.+)$`),
}

// compoundSplitters separate "open X and/then <rest>" forms.
var compoundSplitters = []string{
	" and then ", " then ", " and ", "，然后", ",然后", "然后", "，再", "并且", "，", ",",
}

// Analyze runs the rule tables over an instruction.
func Analyze(instruction string) Decision {
	text := strings.TrimSpace(instruction)
	if text == "" {
		return Decision{Kind: KindNone}
	}

	lower := strings.ToLower(text)
	for _, re := range openPatterns {
		m := re.FindStringSubmatch(lower)
		if m == nil {
			// Chinese patterns match against the original casing.
			m = re.FindStringSubmatch(text)
		}
		if m == nil {
			continue
		}
		target := strings.TrimSpace(m[1])
		if target == "" {
			continue
		}

		if app, rest, ok := splitCompound(target); ok {
			return Decision{
				Kind:       KindCompound,
				App:        app,
				Remainder:  rest,
				Confidence: 0.87,
			}
		}

		// Long tails after the app name usually mean an in-app task the
		// pattern failed to split; stay out of the way.
		if len(strings.Fields(target)) > 4 {
			return Decision{Kind: KindNone}
		}
		return Decision{
			Kind:       KindSystem,
			App:        target,
			Confidence: 0.95,
			SkipLLM:    true,
		}
	}

	return Decision{Kind: KindNone}
}

// Actionable reports whether the decision clears its confidence threshold.
func (d Decision) Actionable() bool {
	switch d.Kind {
	case KindSystem:
		return d.Confidence >= pureThreshold && d.SkipLLM
	case KindCompound:
		return d.Confidence >= compoundThreshold
	}
	return false
}

func splitCompound(target string) (app, rest string, ok bool) {
	for _, sep := range compoundSplitters {
		if idx := strings.Index(target, sep); idx > 0 {
			app = strings.TrimSpace(target[:idx])
			rest = strings.TrimSpace(target[idx+len(sep):])
			// App names are short; a long prefix is a sentence, not an app.
			if app != "" && rest != "" && len(strings.Fields(app)) <= 3 {
				return app, rest, true
			}
		}
	}
	return "", "", false
}
