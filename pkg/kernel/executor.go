// Package kernel contains the agent loop implementations (structured,
// vision, hybrid) and the stateless executor that dispatches typed actions
// onto a device channel.
package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/GaryChine-byte/phonefleet/pkg/action"
	"github.com/GaryChine-byte/phonefleet/pkg/channel"
	"github.com/GaryChine-byte/phonefleet/pkg/models"
	"github.com/GaryChine-byte/phonefleet/pkg/perception"
)

// ExecResult is the executor's verdict on one action. Channel errors never
// escape as Go errors: they are classified into ErrorKind and reported with
// Success=false.
type ExecResult struct {
	Success     bool
	Observation string
	ErrorKind   channel.ErrorKind
	// Terminal is set for done/answer.
	Terminal        bool
	TerminalSuccess bool
	Message         string
	Data            any
	// Answer carries the user's reply after an ask_user rendezvous.
	Answer string
}

func failure(kind channel.ErrorKind, obs string) ExecResult {
	return ExecResult{Success: false, ErrorKind: kind, Observation: obs}
}

func channelFailure(err error) ExecResult {
	return failure(channel.Classify(err), err.Error())
}

// ExecCallback receives the executor's non-device side effects.
type ExecCallback interface {
	// OnRecordContent appends to task memory.
	OnRecordContent(text, category string)
	// OnUpdateTodos replaces the task todo list.
	OnUpdateTodos(markdown string)
	// AskUser suspends the task until the user answers, the wait times out
	// or the task is cancelled.
	AskUser(ctx context.Context, question models.Question) (string, error)
}

// longPressDefault is used when the model omits a long-press duration.
const longPressDefault = 800 * time.Millisecond

// Execute dispatches one action onto the device channel. scr is the screen
// from the perception that produced the action; elements is that
// perception's element list (for index-based variants). It never panics or
// returns a Go error: every failure is classified into the result.
func Execute(ctx context.Context, act action.Action, ch channel.Channel, scr channel.Screen, elements []perception.Element, cb ExecCallback) ExecResult {
	resolve := func(p *action.Point, idx *int) (int, int, bool) {
		if p != nil {
			x, y := action.ResolvePixel(*p, scr.Width, scr.Height)
			return x, y, true
		}
		if idx != nil {
			for _, e := range elements {
				if e.Index == *idx {
					x, y := action.ResolvePixel(e.Center, scr.Width, scr.Height)
					return x, y, true
				}
			}
		}
		return 0, 0, false
	}

	switch act.Name {
	case action.Tap:
		x, y, ok := resolve(act.Coordinates, act.Index)
		if !ok {
			return failure(channel.ErrKindCommandFailed, "tap target not resolvable")
		}
		clicks := act.Clicks
		if clicks < 1 {
			clicks = 1
		}
		if err := ch.Tap(ctx, x, y, act.Button, clicks); err != nil {
			return channelFailure(err)
		}
		return ExecResult{Success: true, Observation: fmt.Sprintf("tapped (%d,%d)", x, y)}

	case action.DoubleTap:
		x, y, ok := resolve(act.Coordinates, act.Index)
		if !ok {
			return failure(channel.ErrKindCommandFailed, "double_tap target not resolvable")
		}
		if err := ch.Tap(ctx, x, y, act.Button, 2); err != nil {
			return channelFailure(err)
		}
		return ExecResult{Success: true, Observation: fmt.Sprintf("double-tapped (%d,%d)", x, y)}

	case action.LongPress:
		x, y, ok := resolve(act.Coordinates, act.Index)
		if !ok {
			return failure(channel.ErrKindCommandFailed, "long_press target not resolvable")
		}
		dur := act.DurationMS
		if dur <= 0 {
			dur = int(longPressDefault / time.Millisecond)
		}
		// Down-hold-up is a zero-distance swipe.
		if err := ch.Swipe(ctx, x, y, x, y, dur); err != nil {
			return channelFailure(err)
		}
		return ExecResult{Success: true, Observation: fmt.Sprintf("long-pressed (%d,%d) for %dms", x, y, dur)}

	case action.InputText:
		if act.Index != nil {
			if x, y, ok := resolve(nil, act.Index); ok {
				if err := ch.Tap(ctx, x, y, "", 1); err != nil {
					return channelFailure(err)
				}
			}
		}
		if err := ch.InputText(ctx, act.Text); err != nil {
			return channelFailure(err)
		}
		return ExecResult{Success: true, Observation: "typed text"}

	case action.Swipe:
		var x1, y1, x2, y2 int
		if act.Direction != "" {
			x1, y1, x2, y2 = action.DirectionSegment(act.Direction, scr.Width, scr.Height)
		} else {
			a, b, ok1 := resolve(act.Start, nil)
			c, d, ok2 := resolve(act.End, nil)
			if !ok1 || !ok2 {
				return failure(channel.ErrKindCommandFailed, "swipe endpoints not resolvable")
			}
			x1, y1, x2, y2 = a, b, c, d
		}
		dur := act.DurationMS
		if dur <= 0 {
			dur = 300
		}
		if err := ch.Swipe(ctx, x1, y1, x2, y2, dur); err != nil {
			return channelFailure(err)
		}
		return ExecResult{Success: true, Observation: fmt.Sprintf("swiped (%d,%d)→(%d,%d)", x1, y1, x2, y2)}

	case action.Drag:
		x1, y1, ok1 := resolve(act.Start, act.StartIndex)
		x2, y2, ok2 := resolve(act.End, act.EndIndex)
		if !ok1 || !ok2 {
			return failure(channel.ErrKindCommandFailed, "drag endpoints not resolvable")
		}
		dur := act.DurationMS
		if dur <= 0 {
			dur = 1500 // low-speed swipe
		}
		if err := ch.Swipe(ctx, x1, y1, x2, y2, dur); err != nil {
			return channelFailure(err)
		}
		return ExecResult{Success: true, Observation: fmt.Sprintf("dragged (%d,%d)→(%d,%d)", x1, y1, x2, y2)}

	case action.Scroll:
		x, y, ok := resolve(act.Coordinates, nil)
		if !ok {
			return failure(channel.ErrKindCommandFailed, "scroll origin not resolvable")
		}
		endY := y + act.Distance
		if endY < 0 {
			endY = 0
		}
		if scr.Height > 0 && endY >= scr.Height {
			endY = scr.Height - 1
		}
		if err := ch.Swipe(ctx, x, y, x, endY, 300); err != nil {
			return channelFailure(err)
		}
		return ExecResult{Success: true, Observation: fmt.Sprintf("scrolled %dpx", act.Distance)}

	case action.KeyEvent:
		key := act.Key
		if ch.Kind() == channel.KindPhone {
			key = action.AndroidKeycode(key)
		}
		if err := ch.KeyEvent(ctx, key); err != nil {
			return channelFailure(err)
		}
		return ExecResult{Success: true, Observation: "sent key " + act.Key}

	case action.PressKey:
		key := act.Key
		if ch.Kind() == channel.KindPhone {
			key = action.AndroidKeycode(key)
		}
		if err := ch.KeyEvent(ctx, key); err != nil {
			return channelFailure(err)
		}
		return ExecResult{Success: true, Observation: "pressed " + act.Key}

	case action.LaunchApp:
		if err := ch.LaunchApp(ctx, act.App); err != nil {
			return channelFailure(err)
		}
		return ExecResult{Success: true, Observation: "launched " + act.App}

	case action.Wait:
		select {
		case <-ctx.Done():
			return failure(channel.ErrKindTimeout, "wait interrupted")
		case <-time.After(time.Duration(act.Seconds * float64(time.Second))):
		}
		return ExecResult{Success: true, Observation: fmt.Sprintf("waited %.1fs", act.Seconds)}

	case action.ReadClipboard:
		text, err := ch.ReadClipboard(ctx)
		if err != nil {
			return channelFailure(err)
		}
		return ExecResult{Success: true, Observation: "clipboard: " + text, Data: text}

	case action.WriteClipboard:
		if err := ch.WriteClipboard(ctx, act.Text); err != nil {
			return channelFailure(err)
		}
		return ExecResult{Success: true, Observation: "wrote clipboard"}

	case action.AskUser:
		answer, err := cb.AskUser(ctx, models.Question{
			Text:    act.Question,
			Options: act.Options,
			AskedAt: time.Now(),
		})
		if err != nil {
			return failure(channel.ErrKindTimeout, "ask_user: "+err.Error())
		}
		return ExecResult{Success: true, Observation: "user answered: " + answer, Answer: answer}

	case action.RecordImportantContent:
		cb.OnRecordContent(act.Text, act.Category)
		return ExecResult{Success: true, Observation: "recorded content"}

	case action.GenerateOrUpdateTodos:
		cb.OnUpdateTodos(act.Text)
		return ExecResult{Success: true, Observation: "updated todos"}

	case action.Answer:
		return ExecResult{
			Success:         true,
			Terminal:        true,
			TerminalSuccess: true,
			Message:         act.Answer,
			Data:            act.Data,
			Observation:     "answered",
		}

	case action.Done:
		success := true
		if act.Success != nil {
			success = *act.Success
		}
		return ExecResult{
			Success:         true,
			Terminal:        true,
			TerminalSuccess: success,
			Message:         act.Message,
			Data:            act.Data,
			Observation:     "done",
		}
	}

	return failure(channel.ErrKindCommandFailed, fmt.Sprintf("unknown action %q", act.Name))
}
