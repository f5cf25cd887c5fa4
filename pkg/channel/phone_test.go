package channel

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptRunner fakes the adb binary.
type scriptRunner struct {
	mu       sync.Mutex
	commands []string
	// respond maps a substring of the joined command to its output.
	respond map[string]string
	err     error
}

func (r *scriptRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	joined := name + " " + strings.Join(args, " ")
	r.mu.Lock()
	r.commands = append(r.commands, joined)
	r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	for needle, out := range r.respond {
		if strings.Contains(joined, needle) {
			return out, nil
		}
	}
	return "", nil
}

func (r *scriptRunner) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.commands) == 0 {
		return ""
	}
	return r.commands[len(r.commands)-1]
}

func TestParseWMSize(t *testing.T) {
	scr, err := parseWMSize("Physical size: 1080x2400\n")
	require.NoError(t, err)
	assert.Equal(t, Screen{Width: 1080, Height: 2400}, scr)

	// Override wins over physical.
	scr, err = parseWMSize("Physical size: 1080x2400\nOverride size: 720x1600\n")
	require.NoError(t, err)
	assert.Equal(t, Screen{Width: 720, Height: 1600}, scr)

	_, err = parseWMSize("no sizes here")
	assert.Error(t, err)
}

func TestPhoneScreenSizeCached(t *testing.T) {
	runner := &scriptRunner{respond: map[string]string{"wm size": "Physical size: 1080x2400"}}
	p := NewPhone(6100, runner)

	scr, err := p.ScreenSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1080, scr.Width)

	before := len(runner.commands)
	_, err = p.ScreenSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, len(runner.commands), "second call served from cache")

	p.Reset()
	_, err = p.ScreenSize(context.Background())
	require.NoError(t, err)
	assert.Greater(t, len(runner.commands), before)
}

func TestPhoneInputTextASCIIUsesInputText(t *testing.T) {
	runner := &scriptRunner{}
	p := NewPhone(6100, runner)

	require.NoError(t, p.InputText(context.Background(), "hello world"))
	assert.Contains(t, runner.last(), "input text hello%sworld")
}

func TestPhoneInputTextCJKUsesYadb(t *testing.T) {
	runner := &scriptRunner{respond: map[string]string{"ls /data/local/tmp/yadb": "/data/local/tmp/yadb"}}
	p := NewPhone(6100, runner)

	require.NoError(t, p.InputText(context.Background(), "你好世界"))
	assert.Contains(t, runner.last(), "com.ysbing.yadb.Main -keyboard 你好世界")
}

func TestPhoneInputTextCJKFailsWithoutYadb(t *testing.T) {
	runner := &scriptRunner{respond: map[string]string{"ls /data/local/tmp/yadb": "No such file or directory"}}
	p := NewPhone(6100, runner)

	err := p.InputText(context.Background(), "你好")
	assert.Error(t, err)
}

func TestPhoneUIHierarchyStrategyCache(t *testing.T) {
	runner := &scriptRunner{respond: map[string]string{
		"cat /sdcard/ui_dump.xml": `<hierarchy rotation="0"></hierarchy>`,
	}}
	p := NewPhone(6100, runner)

	xml, err := p.UIHierarchy(context.Background())
	require.NoError(t, err)
	assert.Contains(t, xml, "<hierarchy")

	// The plain strategy won and is remembered.
	p.mu.Lock()
	assert.Equal(t, dumpPlain, p.strategy)
	p.mu.Unlock()

	p.Reset()
	p.mu.Lock()
	assert.Equal(t, dumpUnknown, p.strategy)
	p.mu.Unlock()
}

func TestPhoneTapSendsInputTap(t *testing.T) {
	runner := &scriptRunner{}
	p := NewPhone(6100, runner)

	require.NoError(t, p.Tap(context.Background(), 540, 1200, "", 1))
	assert.Contains(t, runner.last(), "-s localhost:6100 shell input tap 540 1200")
}

func TestPhoneKeyEvent(t *testing.T) {
	runner := &scriptRunner{}
	p := NewPhone(6100, runner)
	require.NoError(t, p.KeyEvent(context.Background(), "KEYCODE_BACK"))
	assert.Contains(t, runner.last(), "input keyevent KEYCODE_BACK")
}

func TestPhoneCloseDisconnects(t *testing.T) {
	runner := &scriptRunner{}
	p := NewPhone(6100, runner)
	require.NoError(t, p.Close())
	assert.Contains(t, runner.last(), "adb disconnect localhost:6100")
}

func TestIsASCIIPrintable(t *testing.T) {
	assert.True(t, isASCIIPrintable("hello 123!"))
	assert.False(t, isASCIIPrintable("你好"))
	assert.False(t, isASCIIPrintable("tab\there"))
}
