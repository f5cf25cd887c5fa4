package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pcAgentStub fakes the desktop agent's control API.
type pcAgentStub struct {
	srv    *httptest.Server
	clicks  []map[string]any
	typed   []string
	keys    []string
	ratio   float64
}

func newPCAgentStub(t *testing.T) (*pcAgentStub, *PC) {
	t.Helper()
	stub := &pcAgentStub{ratio: 2.0}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ok", "device_type": "pc", "os": "darwin",
			"ratio": stub.ratio, "ctrl_key": "command", "search_key": "cmd+space",
		})
	})
	mux.HandleFunc("/api/control/click", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		stub.clicks = append(stub.clicks, body)
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	mux.HandleFunc("/api/control/type", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		stub.typed = append(stub.typed, body["text"])
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	mux.HandleFunc("/api/control/key", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		stub.keys = append(stub.keys, body["key"].(string))
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	mux.HandleFunc("/api/control/screenshot", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"image":   base64.StdEncoding.EncodeToString([]byte("\x89PNGfake")),
			"format":  "png",
		})
	})
	mux.HandleFunc("/api/control/screen_size", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": true, "width": 2880, "height": 1800})
	})
	mux.HandleFunc("/api/control/perception", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"elements": []map[string]any{
				{"role": "button", "text": "OK", "center": []int{1440, 900}, "clickable": true},
			},
			"screen_size": map[string]int{"w": 2880, "h": 1800},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	stub.srv = srv

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	pc := NewPC(port)
	pc.baseURL = srv.URL
	return stub, pc
}

func TestPCHealthPicksUpRatio(t *testing.T) {
	_, pc := newPCAgentStub(t)
	require.NoError(t, pc.Health(context.Background()))
	assert.Equal(t, 2.0, pc.ratio)
	assert.Equal(t, "command", pc.ctrlKey)
	assert.Equal(t, "cmd+space", pc.searchKey)
}

func TestPCTapScalesByRatio(t *testing.T) {
	stub, pc := newPCAgentStub(t)
	require.NoError(t, pc.Health(context.Background())) // ratio = 2.0

	require.NoError(t, pc.Tap(context.Background(), 1440, 900, "", 1))
	require.Len(t, stub.clicks, 1)
	assert.Equal(t, float64(720), stub.clicks[0]["x"])
	assert.Equal(t, float64(450), stub.clicks[0]["y"])
	assert.Equal(t, "left", stub.clicks[0]["button"])
}

func TestPCScreenshot(t *testing.T) {
	_, pc := newPCAgentStub(t)
	data, scr, err := pc.Screenshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNGfake"), data)
	assert.Equal(t, Screen{Width: 2880, Height: 1800}, scr)
}

func TestPCElements(t *testing.T) {
	_, pc := newPCAgentStub(t)
	elements, scr, err := pc.Elements(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2880, scr.Width)
	require.Len(t, elements, 1)
	assert.Equal(t, 1, elements[0].Index)
	assert.Equal(t, "OK", elements[0].Text)
	// Center normalized to [0,1000]².
	assert.Equal(t, 500, elements[0].Center.X)
	assert.Equal(t, 500, elements[0].Center.Y)
}

func TestPCLaunchAppUsesSearchFlow(t *testing.T) {
	stub, pc := newPCAgentStub(t)
	require.NoError(t, pc.Health(context.Background()))

	require.NoError(t, pc.LaunchApp(context.Background(), "Safari"))
	require.Len(t, stub.keys, 2)
	assert.Equal(t, "cmd+space", stub.keys[0])
	assert.Equal(t, "enter", stub.keys[1])
	assert.Equal(t, []string{"Safari"}, stub.typed)
}

func TestPCUnreachableClassification(t *testing.T) {
	pc := NewPC(1) // nothing listens on port 1
	err := pc.Health(context.Background())
	require.Error(t, err)
	assert.Equal(t, ErrKindUnreachable, Classify(err))
}
