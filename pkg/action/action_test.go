package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int      { return &v }
func boolPtr(v bool) *bool   { return &v }
func pointPtr(x, y int) *Point { return &Point{X: x, Y: y} }

// allVariants covers every action the kernels can produce.
func allVariants() []Action {
	return []Action{
		{Name: Tap, Coordinates: pointPtr(500, 500), Button: "left", Clicks: 1},
		{Name: Tap, Index: intPtr(3)},
		{Name: LongPress, Coordinates: pointPtr(100, 900), DurationMS: 1200},
		{Name: DoubleTap, Index: intPtr(7)},
		{Name: InputText, Text: "hello world", Index: intPtr(2)},
		{Name: Swipe, Direction: DirUp, DurationMS: 300},
		{Name: Swipe, Start: pointPtr(100, 800), End: pointPtr(100, 200)},
		{Name: Drag, Start: pointPtr(10, 10), End: pointPtr(500, 500), DurationMS: 1500},
		{Name: Drag, StartIndex: intPtr(1), EndIndex: intPtr(4)},
		{Name: Scroll, Coordinates: pointPtr(500, 500), Distance: -300},
		{Name: KeyEvent, Key: "enter"},
		{Name: PressKey, Key: "back"},
		{Name: LaunchApp, App: "Settings"},
		{Name: Wait, Seconds: 1.5},
		{Name: ReadClipboard},
		{Name: WriteClipboard, Text: "粘贴内容"},
		{Name: AskUser, Question: "输入短信验证码", Options: []string{"重发", "取消"}},
		{Name: RecordImportantContent, Text: "order id 42", Category: "order"},
		{Name: GenerateOrUpdateTodos, Text: "- [ ] open app\n- [x] log in"},
		{Name: Answer, Answer: "北京今天晴"},
		{Name: Done, Success: boolPtr(true), Message: "Settings opened"},
	}
}

func TestRoundTripAllVariants(t *testing.T) {
	for _, act := range allVariants() {
		t.Run(string(act.Name), func(t *testing.T) {
			dict, err := act.ToDict()
			require.NoError(t, err)
			back, err := FromDict(dict)
			require.NoError(t, err)
			assert.Equal(t, act, back)
		})
	}
}

func TestFromDictLegacyFixups(t *testing.T) {
	// element → coordinates
	act, err := FromDict(map[string]any{
		"action":  "tap",
		"element": []any{float64(250), float64(750)},
	})
	require.NoError(t, err)
	require.NotNil(t, act.Coordinates)
	assert.Equal(t, 250, act.Coordinates.X)
	assert.Equal(t, 750, act.Coordinates.Y)

	// finish → done
	act, err = FromDict(map[string]any{
		"action":  "finish",
		"message": "all good",
	})
	require.NoError(t, err)
	assert.Equal(t, Done, act.Name)
	assert.Equal(t, "all good", act.Message)
}

func TestFromDictRejectsInvalid(t *testing.T) {
	cases := []map[string]any{
		{},                                       // no action name
		{"action": "tap"},                        // neither coords nor index
		{"action": "tap", "coordinates": []any{float64(1), float64(2)}, "index": float64(3)}, // both
		{"action": "press_key", "key": "enter"},  // not a nav key
		{"action": "teleport"},                   // unknown variant
		{"action": "wait"},                       // missing seconds
		{"action": "scroll", "coordinates": []any{float64(1), float64(2)}}, // zero distance
	}
	for _, raw := range cases {
		_, err := FromDict(raw)
		assert.Error(t, err, "raw=%v", raw)
	}
}

func TestResolvePixelBoundaries(t *testing.T) {
	// (0,0) maps to the origin.
	x, y := ResolvePixel(Point{0, 0}, 1080, 2400)
	assert.Equal(t, 0, x)
	assert.Equal(t, 0, y)

	// (1000,1000) maps to the last addressable pixel after truncation and
	// the edge clamp.
	x, y = ResolvePixel(Point{1000, 1000}, 1080, 2400)
	assert.Equal(t, 1079, x)
	assert.Equal(t, 2399, y)

	// Midpoint uses integer truncation.
	x, y = ResolvePixel(Point{500, 500}, 1080, 2400)
	assert.Equal(t, 540, x)
	assert.Equal(t, 1200, y)
}

func TestDirectionSegment(t *testing.T) {
	x1, y1, x2, y2 := DirectionSegment(DirUp, 1000, 2000)
	assert.Equal(t, 500, x1)
	assert.Equal(t, 500, x2)
	assert.Equal(t, 1800, y1)
	assert.Equal(t, 200, y2)
	assert.Equal(t, 1600, y1-y2) // 80% of height

	x1, y1, x2, y2 = DirectionSegment(DirRight, 1000, 2000)
	assert.Equal(t, 100, x1)
	assert.Equal(t, 900, x2)
	assert.Equal(t, 1000, y1)
	assert.Equal(t, 1000, y2)
}

func TestAndroidKeycode(t *testing.T) {
	assert.Equal(t, "KEYCODE_BACK", AndroidKeycode("back"))
	assert.Equal(t, "KEYCODE_APP_SWITCH", AndroidKeycode("recent"))
	assert.Equal(t, "KEYCODE_VOLUME_UP", AndroidKeycode("volume_up"))
	// Unknown names pass through.
	assert.Equal(t, "KEYCODE_F1", AndroidKeycode("KEYCODE_F1"))
	assert.Equal(t, "66", AndroidKeycode("66"))
}

func TestTerminalAndDeviceTouch(t *testing.T) {
	assert.True(t, Action{Name: Done}.Terminal())
	assert.True(t, Action{Name: Answer}.Terminal())
	assert.False(t, Action{Name: Tap}.Terminal())

	assert.False(t, Action{Name: AskUser}.TouchesDevice())
	assert.False(t, Action{Name: RecordImportantContent}.TouchesDevice())
	assert.True(t, Action{Name: Tap}.TouchesDevice())
}
