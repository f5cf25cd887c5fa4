package llm

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
)

// ParsedAction is the parser output: either a decoded tool-call dict
// (Dict != nil) or a legacy action string (Raw != ""). Both empty means the
// response was unparseable.
type ParsedAction struct {
	Dict map[string]any
	Raw  string
}

// Empty reports a total parse failure.
func (p ParsedAction) Empty() bool {
	return p.Dict == nil && p.Raw == ""
}

// withLegacyFixups renames a dict's "element" key to "coordinates" and the
// action name "finish" to "done". String actions pass through unchanged.
func (p ParsedAction) withLegacyFixups() ParsedAction {
	if v, ok := p.Dict["element"]; ok {
		p.Dict["coordinates"] = v
		delete(p.Dict, "element")
	}
	if name, _ := p.Dict["action"].(string); name == "finish" {
		p.Dict["action"] = "done"
	}
	return p
}

var (
	thinkingTagRe = regexp.MustCompile(`(?s)<thinking>(.*?)</thinking>`)
	toolCallRe    = regexp.MustCompile(`(?s)<tool_call>(.*?)</tool_call>`)
	doCallRe      = regexp.MustCompile(`(?:do|finish)\s*\([^()]*(?:\[[^\]]*\])?[^()]*(?:\([^()]*\)[^()]*)*\)`)
	jsonThinkRe   = regexp.MustCompile(`(?s)"think"\s*:\s*"(.*?)",\s*"action"`)
	jsonActionRe  = regexp.MustCompile(`"action"\s*:\s*"(do\([^)]+\))"`)
	glmThinkRe    = regexp.MustCompile(`(?s)\{think\}(.*?)\{action\}`)
	glmBoxRe      = regexp.MustCompile(`(?s)<\|begin_of_box\|>(.*?)<\|end_of_box\|>`)
	glmBoxThinkRe = regexp.MustCompile(`(?s)\{think[>]?(.*?)\}`)
	actionCallRe  = regexp.MustCompile(`(?:do|finish)\([^)]+\)`)
	lineCommentRe = regexp.MustCompile(`//[^\n]*`)
)

// Parse recovers a (thinking, action) pair from a raw model response. The
// documented formats are attempted in fixed order; the first match wins.
// On total failure it returns ("", ParsedAction{}) and the caller treats the
// step as a parse error.
func Parse(content string) (string, ParsedAction) {
	if thinking, act, ok := parseToolCallFormat(content); ok {
		return thinking, act.withLegacyFixups()
	}
	if thinking, act, ok := parseThinkAnswerFormat(content); ok {
		return thinking, act
	}
	if thinking, act, ok := parseJSONFormat(content); ok {
		return thinking, act.withLegacyFixups()
	}
	if thinking, act, ok := parseBraceThinkingFormat(content); ok {
		return thinking, act
	}
	if thinking, act, ok := parseBoxFormat(content); ok {
		return thinking, act
	}
	if thinking, act, ok := parseTrailingCall(content); ok {
		return thinking, act
	}

	slog.Warn("Unparseable model response", "head", truncate(content, 200))
	return "", ParsedAction{}
}

// parseToolCallFormat handles the preferred
// <thinking>…</thinking><tool_call>{json}</tool_call> format, tolerating a
// missing </thinking>, a missing </tool_call>, or a missing <tool_call>
// entirely when a JSON object follows; truncated JSON gets a single-brace
// completion attempt.
func parseToolCallFormat(content string) (string, ParsedAction, bool) {
	if !strings.Contains(content, "<thinking>") {
		return "", ParsedAction{}, false
	}
	hasToolCallTag := strings.Contains(content, "<tool_call>")

	thinking := ""
	if m := thinkingTagRe.FindStringSubmatch(content); m != nil {
		thinking = strings.TrimSpace(m[1])
	} else {
		start := strings.Index(content, "<thinking>") + len("<thinking>")
		end := -1
		if hasToolCallTag {
			end = strings.Index(content, "<tool_call>")
		} else {
			end = strings.Index(content[start:], "{")
			if end >= 0 {
				end += start
			}
		}
		if end > start {
			thinking = strings.TrimSpace(content[start:end])
		}
	}

	var payload string
	if hasToolCallTag {
		if m := toolCallRe.FindStringSubmatch(content); m != nil {
			payload = strings.TrimSpace(m[1])
		} else {
			idx := strings.Index(content, "<tool_call>")
			payload = strings.TrimSpace(content[idx+len("<tool_call>"):])
		}
	} else {
		if idx := strings.Index(content, "</thinking>"); idx != -1 {
			payload = strings.TrimSpace(content[idx+len("</thinking>"):])
		} else if idx := strings.Index(content, "{"); idx != -1 {
			payload = strings.TrimSpace(content[idx:])
		} else {
			return "", ParsedAction{}, false
		}
	}

	dict, ok := decodeActionJSON(payload)
	if !ok {
		// Legacy do() payload inside tool_call tags falls through to the
		// string path.
		if strings.HasPrefix(payload, "do(") {
			return thinking, ParsedAction{Raw: payload}, true
		}
		return "", ParsedAction{}, false
	}

	// Misformatted action names like "tap(500,500)" carry their arguments in
	// the name; hand back the raw payload for downstream handling.
	if name, _ := dict["action"].(string); strings.ContainsAny(name, "()") {
		return thinking, ParsedAction{Raw: payload}, true
	}
	return thinking, ParsedAction{Dict: dict}, true
}

// decodeActionJSON decodes a tool-call JSON object, attempting a single
// closing-brace completion when the payload was truncated mid-object.
func decodeActionJSON(payload string) (map[string]any, bool) {
	attempt := func(s string) (map[string]any, bool) {
		var dict map[string]any
		if err := json.Unmarshal([]byte(s), &dict); err != nil {
			return nil, false
		}
		if _, hasAction := dict["action"]; !hasAction {
			return nil, false
		}
		return dict, true
	}

	if dict, ok := attempt(payload); ok {
		return dict, true
	}
	trimmed := strings.TrimSpace(payload)
	if strings.HasPrefix(trimmed, "{") && !strings.HasSuffix(trimmed, "}") {
		if dict, ok := attempt(trimmed + "\n}"); ok {
			return dict, true
		}
	}
	return nil, false
}

// parseThinkAnswerFormat handles the legacy <think>…</think><answer>…</answer>
// format and returns the answer body as a string action.
func parseThinkAnswerFormat(content string) (string, ParsedAction, bool) {
	if !strings.Contains(content, "<answer>") {
		return "", ParsedAction{}, false
	}
	parts := strings.SplitN(content, "<answer>", 2)
	thinking := strings.TrimSpace(strings.NewReplacer("<think>", "", "</think>", "").Replace(parts[0]))
	act := strings.TrimSpace(strings.ReplaceAll(parts[1], "</answer>", ""))
	return thinking, ParsedAction{Raw: act}, true
}

// parseJSONFormat handles a bare {"think":…, "action":…} object. The action
// value may itself be a dict.
func parseJSONFormat(content string) (string, ParsedAction, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") || !strings.Contains(trimmed, `"think"`) || !strings.Contains(trimmed, `"action"`) {
		return "", ParsedAction{}, false
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(trimmed), &data); err == nil {
		thinkVal, hasThink := data["think"]
		actionVal, hasAction := data["action"]
		if hasThink && hasAction {
			thinking, _ := thinkVal.(string)
			if dict, ok := actionVal.(map[string]any); ok {
				return thinking, ParsedAction{Dict: dict}, true
			}
			if s, ok := actionVal.(string); ok {
				return thinking, ParsedAction{Raw: s}, true
			}
		}
		return "", ParsedAction{}, false
	}

	// Malformed JSON: regex salvage of think + do() action.
	thinkMatch := jsonThinkRe.FindStringSubmatch(content)
	actionMatch := jsonActionRe.FindStringSubmatch(content)
	if thinkMatch != nil && actionMatch != nil {
		return strings.TrimSpace(thinkMatch[1]), ParsedAction{Raw: strings.TrimSpace(actionMatch[1])}, true
	}
	return "", ParsedAction{}, false
}

// parseBraceThinkingFormat handles the legacy {think}…{action}… format.
func parseBraceThinkingFormat(content string) (string, ParsedAction, bool) {
	if !strings.Contains(content, "{think}") || !strings.Contains(content, "{action}") {
		return "", ParsedAction{}, false
	}
	m := glmThinkRe.FindStringSubmatch(content)
	if m == nil {
		return "", ParsedAction{}, false
	}
	thinking := strings.TrimSpace(m[1])

	section := strings.SplitN(content, "{action}", 2)[1]
	act := ""
	if call := actionCallRe.FindString(section); call != "" {
		act = call
	} else {
		act = strings.TrimSpace(strings.SplitN(section, "\n", 2)[0])
	}
	act = strings.TrimSpace(lineCommentRe.ReplaceAllString(act, ""))
	return thinking, ParsedAction{Raw: act}, true
}

// parseBoxFormat handles the legacy box-delimited format
// {think>…}<|begin_of_box|>…<|end_of_box|>.
func parseBoxFormat(content string) (string, ParsedAction, bool) {
	if !strings.Contains(content, "{think>") && !strings.Contains(content, "{think}") {
		return "", ParsedAction{}, false
	}

	thinking := ""
	if m := glmBoxThinkRe.FindStringSubmatch(content); m != nil {
		thinking = strings.TrimSpace(m[1])
	}

	var act string
	if m := glmBoxRe.FindStringSubmatch(content); m != nil {
		act = strings.TrimSpace(m[1])
		act = strings.TrimSpace(strings.TrimPrefix(act, "{action}"))
	} else if idx := strings.Index(content, "{action}"); idx != -1 {
		act = strings.TrimSpace(content[idx+len("{action}"):])
	}
	act = strings.TrimSpace(lineCommentRe.ReplaceAllString(act, ""))
	if act == "" {
		return "", ParsedAction{}, false
	}
	return thinking, ParsedAction{Raw: act}, true
}

// parseTrailingCall is the last-resort branch: regex-extract the final
// do(…)/finish(…) call and treat everything before it as thinking. When no
// call is present but a thinking tag is, the thinking survives with an empty
// action — callers count that as a parse failure but keep the reasoning.
func parseTrailingCall(content string) (string, ParsedAction, bool) {
	matches := doCallRe.FindAllString(content, -1)
	if len(matches) == 0 {
		if m := thinkingTagRe.FindStringSubmatch(content); m != nil {
			return strings.TrimSpace(m[1]), ParsedAction{}, true
		}
		return "", ParsedAction{}, false
	}
	act := strings.TrimSpace(matches[len(matches)-1])

	thinking := ""
	if idx := strings.LastIndex(content, act); idx > 0 {
		thinking = content[:idx]
	}
	thinking = strings.NewReplacer(
		"<think>", "", "</think>", "",
		"<thinking>", "", "</thinking>", "",
	).Replace(thinking)
	thinking = strings.TrimSpace(thinking)
	if len(thinking) > 500 {
		thinking = thinking[len(thinking)-500:]
	}
	return thinking, ParsedAction{Raw: act}, true
}
