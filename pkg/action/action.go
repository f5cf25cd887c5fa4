// Package action defines the typed action algebra shared by the kernels and
// the executor. Every decision an LLM makes is normalized into an Action
// before anything touches a device.
package action

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Name identifies an action variant.
type Name string

// Action variants.
const (
	Tap                    Name = "tap"
	LongPress              Name = "long_press"
	DoubleTap              Name = "double_tap"
	InputText              Name = "input_text"
	Swipe                  Name = "swipe"
	Drag                   Name = "drag"
	Scroll                 Name = "scroll"
	KeyEvent               Name = "key_event"
	PressKey               Name = "press_key"
	LaunchApp              Name = "launch_app"
	Wait                   Name = "wait"
	ReadClipboard          Name = "read_clipboard"
	WriteClipboard         Name = "write_clipboard"
	AskUser                Name = "ask_user"
	RecordImportantContent Name = "record_important_content"
	GenerateOrUpdateTodos  Name = "generate_or_update_todos"
	Answer                 Name = "answer"
	Done                   Name = "done"
)

// Direction is a swipe direction relative to the screen.
type Direction string

// Swipe directions.
const (
	DirUp    Direction = "up"
	DirDown  Direction = "down"
	DirLeft  Direction = "left"
	DirRight Direction = "right"
)

// Point is a normalized coordinate pair in [0,1000]².
type Point struct {
	X int
	Y int
}

// MarshalJSON encodes a Point as the wire form [x, y].
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{p.X, p.Y})
}

// UnmarshalJSON accepts the wire form [x, y].
func (p *Point) UnmarshalJSON(data []byte) error {
	var arr []int
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 2 {
		return fmt.Errorf("coordinates must be [x, y], got %d values", len(arr))
	}
	p.X, p.Y = arr[0], arr[1]
	return nil
}

// Action is the sum type carried from parser to executor. The Name selects
// the variant; all other fields are variant payload and zero when unused.
// Tap-like variants carry exactly one of Coordinates or Index.
type Action struct {
	Name Name `json:"action"`

	Coordinates *Point `json:"coordinates,omitempty"`
	Index       *int   `json:"index,omitempty"`

	Start      *Point `json:"start,omitempty"`
	End        *Point `json:"end,omitempty"`
	StartIndex *int   `json:"start_index,omitempty"`
	EndIndex   *int   `json:"end_index,omitempty"`

	Direction  Direction `json:"direction,omitempty"`
	Button     string    `json:"button,omitempty"`
	Clicks     int       `json:"clicks,omitempty"`
	DurationMS int       `json:"duration_ms,omitempty"`
	Distance   int       `json:"distance,omitempty"`

	Text     string `json:"text,omitempty"`
	Key      string `json:"key,omitempty"`
	App      string `json:"app,omitempty"`
	Seconds  float64 `json:"seconds,omitempty"`
	Category string `json:"category,omitempty"`

	Question string   `json:"question,omitempty"`
	Options  []string `json:"options,omitempty"`

	Answer  string `json:"answer,omitempty"`
	Success *bool  `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// Terminal reports whether the action ends the kernel loop.
func (a Action) Terminal() bool {
	return a.Name == Done || a.Name == Answer
}

// TouchesDevice reports whether the action results in a device-channel call.
// Memory actions (record/todos) and the rendezvous never touch the device.
func (a Action) TouchesDevice() bool {
	switch a.Name {
	case AskUser, RecordImportantContent, GenerateOrUpdateTodos, Answer, Done, Wait:
		return false
	}
	return true
}

// Validate checks the variant's payload invariants.
func (a Action) Validate() error {
	switch a.Name {
	case Tap, LongPress, DoubleTap:
		if (a.Coordinates == nil) == (a.Index == nil) {
			return fmt.Errorf("%s requires exactly one of coordinates or index", a.Name)
		}
	case InputText:
		if a.Text == "" {
			return fmt.Errorf("input_text requires text")
		}
	case Swipe:
		if a.Direction == "" && (a.Start == nil || a.End == nil) {
			return fmt.Errorf("swipe requires a direction or start+end coordinates")
		}
	case Drag:
		hasCoords := a.Start != nil && a.End != nil
		hasIndices := a.StartIndex != nil && a.EndIndex != nil
		if !hasCoords && !hasIndices {
			return fmt.Errorf("drag requires start+end coordinates or indices")
		}
	case Scroll:
		if a.Coordinates == nil {
			return fmt.Errorf("scroll requires coordinates")
		}
		if a.Distance == 0 {
			return fmt.Errorf("scroll requires a non-zero distance")
		}
	case KeyEvent:
		if a.Key == "" {
			return fmt.Errorf("key_event requires a key")
		}
	case PressKey:
		switch a.Key {
		case "back", "home", "recent":
		default:
			return fmt.Errorf("press_key key must be back, home or recent, got %q", a.Key)
		}
	case LaunchApp:
		if a.App == "" {
			return fmt.Errorf("launch_app requires an app name")
		}
	case Wait:
		if a.Seconds <= 0 {
			return fmt.Errorf("wait requires positive seconds")
		}
	case AskUser:
		if a.Question == "" {
			return fmt.Errorf("ask_user requires a question")
		}
	case RecordImportantContent:
		if a.Text == "" {
			return fmt.Errorf("record_important_content requires text")
		}
	case GenerateOrUpdateTodos:
		if a.Text == "" {
			return fmt.Errorf("generate_or_update_todos requires markdown text")
		}
	case Answer:
		if a.Answer == "" {
			return fmt.Errorf("answer requires an answer")
		}
	case Done, ReadClipboard, WriteClipboard:
	default:
		return fmt.Errorf("unknown action %q", a.Name)
	}
	return nil
}

// FromDict builds an Action from a parsed LLM tool-call dict, applying the
// legacy compatibility fixups: "element" → "coordinates" and action name
// "finish" → "done".
func FromDict(raw map[string]any) (Action, error) {
	fixed := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "element" {
			k = "coordinates"
		}
		fixed[k] = v
	}
	if name, ok := fixed["action"].(string); ok && strings.EqualFold(name, "finish") {
		fixed["action"] = string(Done)
	}

	data, err := json.Marshal(fixed)
	if err != nil {
		return Action{}, fmt.Errorf("re-encoding action dict: %w", err)
	}
	var a Action
	if err := json.Unmarshal(data, &a); err != nil {
		return Action{}, fmt.Errorf("decoding action: %w", err)
	}
	if a.Name == "" {
		return Action{}, fmt.Errorf("action dict has no action name")
	}
	if err := a.Validate(); err != nil {
		return Action{}, err
	}
	return a, nil
}

// ToDict serializes the action back to its wire dict. FromDict(ToDict(a))
// yields an identical action for every valid variant.
func (a Action) ToDict() (map[string]any, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Describe renders a short human-readable summary for logs and step records.
func (a Action) Describe() string {
	var b strings.Builder
	b.WriteString(string(a.Name))
	switch {
	case a.Coordinates != nil:
		fmt.Fprintf(&b, " @(%d,%d)", a.Coordinates.X, a.Coordinates.Y)
	case a.Index != nil:
		fmt.Fprintf(&b, " [#%d]", *a.Index)
	case a.Direction != "":
		fmt.Fprintf(&b, " %s", a.Direction)
	}
	if a.Text != "" {
		text := a.Text
		if len(text) > 40 {
			text = text[:40] + "…"
		}
		fmt.Fprintf(&b, " %q", text)
	}
	if a.App != "" {
		fmt.Fprintf(&b, " %q", a.App)
	}
	return b.String()
}
