package kernel

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GaryChine-byte/phonefleet/pkg/action"
	"github.com/GaryChine-byte/phonefleet/pkg/channel"
	"github.com/GaryChine-byte/phonefleet/pkg/models"
	"github.com/GaryChine-byte/phonefleet/pkg/perception"
)

// fakeChannel records calls for executor assertions.
type fakeChannel struct {
	kind  channel.Kind
	calls []string
	fail  error

	clipboard string
	elements  []perception.Element
	screen    channel.Screen
	png       []byte
	uiXML     string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		kind:   channel.KindPhone,
		screen: channel.Screen{Width: 1080, Height: 2400},
		png:    []byte("\x89PNG fake"),
	}
}

func (f *fakeChannel) record(format string, args ...any) error {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	return f.fail
}

func (f *fakeChannel) Kind() channel.Kind { return f.kind }
func (f *fakeChannel) Screenshot(context.Context) ([]byte, channel.Screen, error) {
	if f.fail != nil {
		return nil, channel.Screen{}, f.fail
	}
	return f.png, f.screen, nil
}
func (f *fakeChannel) ScreenSize(context.Context) (channel.Screen, error) { return f.screen, nil }
func (f *fakeChannel) UIHierarchy(context.Context) (string, error) {
	return f.uiXML, nil
}
func (f *fakeChannel) Tap(_ context.Context, x, y int, button string, clicks int) error {
	return f.record("tap %d %d %s %d", x, y, button, clicks)
}
func (f *fakeChannel) Swipe(_ context.Context, x1, y1, x2, y2, dur int) error {
	return f.record("swipe %d %d %d %d %d", x1, y1, x2, y2, dur)
}
func (f *fakeChannel) InputText(_ context.Context, text string) error {
	return f.record("input %s", text)
}
func (f *fakeChannel) KeyEvent(_ context.Context, key string) error {
	return f.record("key %s", key)
}
func (f *fakeChannel) LaunchApp(_ context.Context, app string) error {
	return f.record("launch %s", app)
}
func (f *fakeChannel) ReadClipboard(context.Context) (string, error) {
	_ = f.record("read_clipboard")
	return f.clipboard, f.fail
}
func (f *fakeChannel) WriteClipboard(_ context.Context, text string) error {
	return f.record("write_clipboard %s", text)
}
func (f *fakeChannel) Health(context.Context) error { return f.fail }
func (f *fakeChannel) Reset()                       {}
func (f *fakeChannel) Close() error                 { return nil }

// fakeExec collects execution-side effects.
type fakeExec struct {
	notes   []string
	todos   string
	answer  string
	askErr  error
	questions []models.Question
}

func (f *fakeExec) OnRecordContent(text, category string) {
	f.notes = append(f.notes, category+":"+text)
}
func (f *fakeExec) OnUpdateTodos(md string) { f.todos = md }
func (f *fakeExec) AskUser(_ context.Context, q models.Question) (string, error) {
	f.questions = append(f.questions, q)
	return f.answer, f.askErr
}

func intp(v int) *int { return &v }

func TestExecuteTapNormalizedCoordinates(t *testing.T) {
	ch := newFakeChannel()
	cb := &fakeExec{}
	scr := channel.Screen{Width: 1080, Height: 2400}

	res := Execute(context.Background(), action.Action{
		Name:        action.Tap,
		Coordinates: &action.Point{X: 500, Y: 500},
	}, ch, scr, nil, cb)

	require.True(t, res.Success)
	require.Len(t, ch.calls, 1)
	assert.Equal(t, "tap 540 1200  1", ch.calls[0])
}

func TestExecuteTapByElementIndex(t *testing.T) {
	ch := newFakeChannel()
	cb := &fakeExec{}
	scr := channel.Screen{Width: 1000, Height: 1000}
	elements := []perception.Element{
		{Index: 1, Center: action.Point{X: 100, Y: 100}},
		{Index: 2, Center: action.Point{X: 900, Y: 900}},
	}

	res := Execute(context.Background(), action.Action{Name: action.Tap, Index: intp(2)}, ch, scr, elements, cb)
	require.True(t, res.Success)
	assert.Equal(t, "tap 900 900  1", ch.calls[0])

	// Unknown index fails without touching the device.
	ch.calls = nil
	res = Execute(context.Background(), action.Action{Name: action.Tap, Index: intp(9)}, ch, scr, elements, cb)
	assert.False(t, res.Success)
	assert.Empty(t, ch.calls)
}

func TestExecuteLongPressIsZeroDistanceSwipe(t *testing.T) {
	ch := newFakeChannel()
	res := Execute(context.Background(), action.Action{
		Name:        action.LongPress,
		Coordinates: &action.Point{X: 0, Y: 0},
		DurationMS:  900,
	}, ch, channel.Screen{Width: 100, Height: 100}, nil, &fakeExec{})
	require.True(t, res.Success)
	assert.Equal(t, "swipe 0 0 0 0 900", ch.calls[0])
}

func TestExecuteSwipeDirection(t *testing.T) {
	ch := newFakeChannel()
	res := Execute(context.Background(), action.Action{
		Name:      action.Swipe,
		Direction: action.DirUp,
	}, ch, channel.Screen{Width: 1000, Height: 2000}, nil, &fakeExec{})
	require.True(t, res.Success)
	assert.Equal(t, "swipe 500 1800 500 200 300", ch.calls[0])
}

func TestExecuteScrollClampsToScreen(t *testing.T) {
	ch := newFakeChannel()
	res := Execute(context.Background(), action.Action{
		Name:        action.Scroll,
		Coordinates: &action.Point{X: 500, Y: 900},
		Distance:    5000,
	}, ch, channel.Screen{Width: 1000, Height: 1000}, nil, &fakeExec{})
	require.True(t, res.Success)
	assert.Equal(t, "swipe 500 900 500 999 300", ch.calls[0])
}

func TestExecuteKeyEventMapsFriendlyNames(t *testing.T) {
	ch := newFakeChannel()
	res := Execute(context.Background(), action.Action{Name: action.PressKey, Key: "back"},
		ch, channel.Screen{Width: 100, Height: 100}, nil, &fakeExec{})
	require.True(t, res.Success)
	assert.Equal(t, "key KEYCODE_BACK", ch.calls[0])

	// PC channels receive the friendly name untouched.
	pc := newFakeChannel()
	pc.kind = channel.KindPC
	res = Execute(context.Background(), action.Action{Name: action.KeyEvent, Key: "enter"},
		pc, channel.Screen{Width: 100, Height: 100}, nil, &fakeExec{})
	require.True(t, res.Success)
	assert.Equal(t, "key enter", pc.calls[0])
}

func TestExecuteTerminalActions(t *testing.T) {
	ch := newFakeChannel()
	success := true

	res := Execute(context.Background(), action.Action{
		Name:    action.Done,
		Success: &success,
		Message: "Settings opened",
	}, ch, channel.Screen{}, nil, &fakeExec{})
	assert.True(t, res.Terminal)
	assert.True(t, res.TerminalSuccess)
	assert.Equal(t, "Settings opened", res.Message)
	assert.Empty(t, ch.calls)

	res = Execute(context.Background(), action.Action{
		Name:   action.Answer,
		Answer: "北京今天晴",
	}, ch, channel.Screen{}, nil, &fakeExec{})
	assert.True(t, res.Terminal)
	assert.True(t, res.TerminalSuccess)
	assert.Equal(t, "北京今天晴", res.Message)
}

func TestExecuteMemoryActions(t *testing.T) {
	ch := newFakeChannel()
	cb := &fakeExec{}

	res := Execute(context.Background(), action.Action{
		Name:     action.RecordImportantContent,
		Text:     "order 42",
		Category: "order",
	}, ch, channel.Screen{}, nil, cb)
	require.True(t, res.Success)
	assert.Equal(t, []string{"order:order 42"}, cb.notes)
	assert.Empty(t, ch.calls)

	res = Execute(context.Background(), action.Action{
		Name: action.GenerateOrUpdateTodos,
		Text: "- [ ] step one",
	}, ch, channel.Screen{}, nil, cb)
	require.True(t, res.Success)
	assert.Equal(t, "- [ ] step one", cb.todos)
}

func TestExecuteAskUser(t *testing.T) {
	ch := newFakeChannel()
	cb := &fakeExec{answer: "123456"}

	res := Execute(context.Background(), action.Action{
		Name:     action.AskUser,
		Question: "输入短信验证码",
	}, ch, channel.Screen{}, nil, cb)
	require.True(t, res.Success)
	assert.Equal(t, "123456", res.Answer)
	require.Len(t, cb.questions, 1)
	assert.Equal(t, "输入短信验证码", cb.questions[0].Text)
}

func TestExecuteClassifiesChannelErrors(t *testing.T) {
	ch := newFakeChannel()
	ch.fail = fmt.Errorf("%w: adb gone", channel.ErrUnreachable)

	res := Execute(context.Background(), action.Action{
		Name:        action.Tap,
		Coordinates: &action.Point{X: 1, Y: 1},
	}, ch, channel.Screen{Width: 100, Height: 100}, nil, &fakeExec{})
	assert.False(t, res.Success)
	assert.Equal(t, channel.ErrKindUnreachable, res.ErrorKind)
}
