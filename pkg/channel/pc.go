package channel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/GaryChine-byte/phonefleet/pkg/action"
	"github.com/GaryChine-byte/phonefleet/pkg/perception"
)

// ElementProvider is implemented by channels that return a pre-parsed element
// list instead of a raw hierarchy dump. The structured kernel prefers it when
// available.
type ElementProvider interface {
	Elements(ctx context.Context) ([]perception.Element, Screen, error)
}

// PC drives a desktop agent over its JSON HTTP control API at the tunnel
// port.
type PC struct {
	baseURL string
	httpc   *http.Client
	logger  *slog.Logger

	// ratio is the pixel scaling factor reported by /health (2.0 on Retina);
	// logical coordinates sent to the agent are physical/ratio.
	ratio float64

	ctrlKey   string // "ctrl" on Windows/Linux, "command" on macOS
	searchKey string // shortcut that opens the app search prompt
}

// NewPC creates a PC channel for the given tunnel port.
func NewPC(port int) *PC {
	return &PC{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		httpc:   &http.Client{Timeout: 15 * time.Second},
		logger:  slog.With("component", "pc-channel", "port", port),
		ratio:   1.0,
		ctrlKey: "ctrl",
	}
}

// Kind implements Channel.
func (p *PC) Kind() Kind { return KindPC }

type pcHealth struct {
	Status     string  `json:"status"`
	DeviceType string  `json:"device_type"`
	OS         string  `json:"os"`
	Ratio      float64 `json:"ratio"`
	CtrlKey    string  `json:"ctrl_key"`
	SearchKey  string  `json:"search_key"`
}

// Health implements Channel; also refreshes the ratio and platform keys.
func (p *PC) Health(ctx context.Context) error {
	var h pcHealth
	if err := p.get(ctx, "/health", &h); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if h.Ratio > 0 {
		p.ratio = h.Ratio
	}
	if h.CtrlKey != "" {
		p.ctrlKey = h.CtrlKey
	}
	if h.SearchKey != "" {
		p.searchKey = h.SearchKey
	}
	return nil
}

// HealthInfo probes /health and returns the reported fields.
func (p *PC) HealthInfo(ctx context.Context) (map[string]string, error) {
	var h pcHealth
	if err := p.get(ctx, "/health", &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if h.Ratio > 0 {
		p.ratio = h.Ratio
	}
	return map[string]string{
		"os":          h.OS,
		"device_type": h.DeviceType,
	}, nil
}

// scale converts physical pixels to the agent's logical coordinates.
func (p *PC) scale(v int) int {
	if p.ratio <= 0 {
		return v
	}
	return int(float64(v) / p.ratio)
}

// Screenshot implements Channel.
func (p *PC) Screenshot(ctx context.Context) ([]byte, Screen, error) {
	var resp struct {
		Success bool   `json:"success"`
		Image   string `json:"image"`
		Format  string `json:"format"`
	}
	if err := p.post(ctx, "/api/control/screenshot", nil, &resp); err != nil {
		return nil, Screen{}, err
	}
	if !resp.Success {
		return nil, Screen{}, fmt.Errorf("%w: screenshot rejected", ErrCommandFailed)
	}
	data, err := base64.StdEncoding.DecodeString(resp.Image)
	if err != nil {
		return nil, Screen{}, fmt.Errorf("%w: bad screenshot encoding", ErrCommandFailed)
	}
	scr, err := p.ScreenSize(ctx)
	if err != nil {
		return nil, Screen{}, err
	}
	return data, scr, nil
}

// ScreenSize implements Channel.
func (p *PC) ScreenSize(ctx context.Context) (Screen, error) {
	var resp struct {
		Success bool `json:"success"`
		Width   int  `json:"width"`
		Height  int  `json:"height"`
	}
	if err := p.get(ctx, "/api/control/screen_size", &resp); err != nil {
		return Screen{}, err
	}
	if !resp.Success || resp.Width <= 0 || resp.Height <= 0 {
		return Screen{}, fmt.Errorf("%w: bad screen size", ErrCommandFailed)
	}
	return Screen{Width: resp.Width, Height: resp.Height}, nil
}

// UIHierarchy implements Channel. PCs expose a parsed element list instead of
// an XML tree; callers should use Elements.
func (p *PC) UIHierarchy(ctx context.Context) (string, error) {
	return "", fmt.Errorf("%w: pc channel has no XML hierarchy, use Elements", ErrCommandFailed)
}

// Elements implements ElementProvider via GET /api/control/perception.
func (p *PC) Elements(ctx context.Context) ([]perception.Element, Screen, error) {
	var resp struct {
		Success  bool `json:"success"`
		Elements []struct {
			Role   string `json:"role"`
			Text   string `json:"text"`
			Center [2]int `json:"center"`
			Click  bool   `json:"clickable"`
		} `json:"elements"`
		ScreenSize struct {
			W int `json:"w"`
			H int `json:"h"`
		} `json:"screen_size"`
	}
	if err := p.get(ctx, "/api/control/perception", &resp); err != nil {
		return nil, Screen{}, err
	}
	if !resp.Success {
		return nil, Screen{}, fmt.Errorf("%w: perception rejected", ErrCommandFailed)
	}
	scr := Screen{Width: resp.ScreenSize.W, Height: resp.ScreenSize.H}
	elements := make([]perception.Element, 0, len(resp.Elements))
	for i, e := range resp.Elements {
		center := action.Point{}
		if scr.Width > 0 && scr.Height > 0 {
			center = action.Point{
				X: e.Center[0] * action.NormalizedMax / scr.Width,
				Y: e.Center[1] * action.NormalizedMax / scr.Height,
			}
		}
		elements = append(elements, perception.Element{
			Index:     i + 1,
			Role:      e.Role,
			Text:      e.Text,
			Center:    center,
			Clickable: e.Click,
		})
	}
	return elements, scr, nil
}

// Tap implements Channel.
func (p *PC) Tap(ctx context.Context, x, y int, button string, clicks int) error {
	if button == "" {
		button = "left"
	}
	if clicks < 1 {
		clicks = 1
	}
	return p.post(ctx, "/api/control/click", map[string]any{
		"x": p.scale(x), "y": p.scale(y), "button": button, "clicks": clicks,
	}, nil)
}

// Swipe implements Channel. Desktop agents have no native swipe; it is
// modeled as move + scroll for vertical gestures and as a second pointer
// move to the end point otherwise (no button is held).
func (p *PC) Swipe(ctx context.Context, x1, y1, x2, y2, durationMS int) error {
	if err := p.post(ctx, "/api/control/move", map[string]any{
		"x": p.scale(x1), "y": p.scale(y1),
	}, nil); err != nil {
		return err
	}
	dy := y2 - y1
	if dy != 0 {
		// Positive scroll clicks move content up.
		clicks := -dy / 100
		if clicks == 0 {
			if dy > 0 {
				clicks = -1
			} else {
				clicks = 1
			}
		}
		return p.post(ctx, "/api/control/scroll", map[string]any{"clicks": clicks}, nil)
	}
	return p.post(ctx, "/api/control/move", map[string]any{
		"x": p.scale(x2), "y": p.scale(y2),
	}, nil)
}

// InputText implements Channel.
func (p *PC) InputText(ctx context.Context, text string) error {
	return p.post(ctx, "/api/control/type", map[string]any{"text": text}, nil)
}

// KeyEvent implements Channel.
func (p *PC) KeyEvent(ctx context.Context, key string) error {
	return p.post(ctx, "/api/control/key", map[string]any{"key": key, "modifiers": []string{}}, nil)
}

// LaunchApp implements Channel: opens the platform search prompt, types the
// app name, and confirms. The search prompt not appearing in time is still
// reported as success; the post-actions run unconditionally.
func (p *PC) LaunchApp(ctx context.Context, app string) error {
	search := p.searchKey
	if search == "" {
		search = "win"
	}
	if err := p.KeyEvent(ctx, search); err != nil {
		return err
	}
	time.Sleep(800 * time.Millisecond)
	if err := p.InputText(ctx, app); err != nil {
		return err
	}
	time.Sleep(500 * time.Millisecond)
	return p.KeyEvent(ctx, "enter")
}

// ReadClipboard implements Channel via GET /api/control/clipboard on the
// agent.
func (p *PC) ReadClipboard(ctx context.Context) (string, error) {
	var resp struct {
		Success bool   `json:"success"`
		Text    string `json:"text"`
	}
	if err := p.get(ctx, "/api/control/clipboard", &resp); err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("%w: clipboard read rejected", ErrCommandFailed)
	}
	return resp.Text, nil
}

// WriteClipboard implements Channel via POST /api/control/clipboard on the
// agent; nothing is typed.
func (p *PC) WriteClipboard(ctx context.Context, text string) error {
	return p.post(ctx, "/api/control/clipboard", map[string]any{"text": text}, nil)
}

// Reset implements Channel.
func (p *PC) Reset() {}

// Close implements Channel. HTTP channels hold no persistent attachment.
func (p *PC) Close() error { return nil }

func (p *PC) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return err
	}
	return p.do(req, out)
}

func (p *PC) post(ctx context.Context, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req, out)
}

func (p *PC) do(req *http.Request, out any) error {
	resp, err := p.httpc.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: %s", ErrTimeout, req.URL.Path)
		}
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s returned %d", ErrCommandFailed, req.URL.Path, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", ErrCommandFailed, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 32<<20)).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", ErrCommandFailed, req.URL.Path, err)
	}
	return nil
}
