package kernel

import (
	"fmt"
	"strings"

	"github.com/GaryChine-byte/phonefleet/pkg/models"
)

const structuredSystemPrompt = `You are an automation agent operating a remote device through its UI element tree.

Each turn you receive the task, your progress so far, and the current interactive elements as a numbered list with normalized centers in [0,1000].

Respond with a single JSON object:
{"think": "<short reasoning>", "action": {"action": "<name>", ...parameters}}

Actions:
- {"action":"tap","index":N} or {"action":"tap","coordinates":[x,y]}
- {"action":"long_press","index":N,"duration_ms":800}
- {"action":"double_tap","index":N}
- {"action":"input_text","text":"...","index":N}  (index optional: taps the field first)
- {"action":"swipe","direction":"up|down|left|right"} or {"action":"swipe","start":[x,y],"end":[x,y]}
- {"action":"scroll","coordinates":[x,y],"distance":300}  (negative scrolls up)
- {"action":"key_event","key":"enter"} / {"action":"press_key","key":"back|home|recent"}
- {"action":"launch_app","app":"..."}
- {"action":"wait","seconds":1}
- {"action":"read_clipboard"} / {"action":"write_clipboard","text":"..."}
- {"action":"ask_user","question":"...","options":["..."]}
- {"action":"record_important_content","text":"...","category":"..."}
- {"action":"generate_or_update_todos","text":"- [ ] ..."}
- {"action":"answer","answer":"..."}  (finish with an answer)
- {"action":"done","success":true,"message":"..."}  (finish; must be your only action)

Rules: use element indices when one matches; one action per turn; finish with done or answer as soon as the task is complete.`

const visionSystemPrompt = `You are an automation agent operating a remote device from screenshots.

Each turn you receive the task and the current screen. Coordinates are normalized to [0,1000] on both axes.

Respond in exactly this format:
<thinking>short reasoning about the screen and next step</thinking>
<tool_call>{"action":"<name>", ...parameters}</tool_call>

Available actions: tap, long_press, double_tap, input_text, swipe, drag, scroll, key_event, press_key, launch_app, wait, read_clipboard, write_clipboard, ask_user, record_important_content, generate_or_update_todos, answer, done.
Tap-like actions take "coordinates":[x,y]. Finish with {"action":"done","success":true,"message":"..."} — done must be your only action in a turn.`

// memorySection renders the task memory for inclusion in prompts.
func memorySection(mem models.TaskMemory) string {
	if len(mem.Notes) == 0 && mem.Todos == "" {
		return ""
	}
	var b strings.Builder
	if len(mem.Notes) > 0 {
		b.WriteString("Recorded content:\n")
		for _, n := range mem.Notes {
			if n.Category != "" {
				fmt.Fprintf(&b, "- [%s] %s\n", n.Category, n.Text)
			} else {
				fmt.Fprintf(&b, "- %s\n", n.Text)
			}
		}
	}
	if mem.Todos != "" {
		b.WriteString("Todo list:\n")
		b.WriteString(mem.Todos)
		b.WriteString("\n")
	}
	return b.String()
}
