package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatRoundTrip(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "<thinking>ok</thinking><tool_call>{\"action\":\"done\"}</tool_call>"}},
			},
			"usage": map[string]any{"prompt_tokens": 321, "completion_tokens": 45, "total_tokens": 366},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "test-key", Model: "glm-4v-plus", Temperature: 0.1})
	comp, err := c.Chat(context.Background(), Request{
		Messages: []Message{
			TextMessage(RoleSystem, "you are an agent"),
			TextMessage(RoleUser, "open settings"),
		},
		JSONMode: true,
	})
	require.NoError(t, err)

	assert.Contains(t, comp.Content, "tool_call")
	assert.Equal(t, 321, comp.Usage.PromptTokens)
	assert.Equal(t, 366, comp.Usage.TotalTokens)

	assert.Equal(t, "glm-4v-plus", captured["model"])
	rf := captured["response_format"].(map[string]any)
	assert.Equal(t, "json_object", rf["type"])
	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 2)
	first := msgs[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
	assert.Equal(t, "you are an agent", first["content"])
}

func TestChatMultimodalEncoding(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}},
			"usage":   map[string]any{},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Model: "glm-4v-plus"})
	_, err := c.Chat(context.Background(), Request{
		Messages: []Message{ImageMessage("what is on screen", "aGVsbG8=")},
	})
	require.NoError(t, err)

	msgs := captured["messages"].([]any)
	first := msgs[0].(map[string]any)
	parts := first["content"].([]any)
	require.Len(t, parts, 2)
	img := parts[1].(map[string]any)
	assert.Equal(t, "image_url", img["type"])
	url := img["image_url"].(map[string]any)["url"].(string)
	assert.Equal(t, "data:image/png;base64,aGVsbG8=", url)
}

func TestChatErrorStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Model: "m"})
	_, err := c.Chat(context.Background(), Request{Messages: []Message{TextMessage(RoleUser, "x")}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestChatNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Model: "m"})
	_, err := c.Chat(context.Background(), Request{Messages: []Message{TextMessage(RoleUser, "x")}})
	assert.Error(t, err)
}

func TestStripImages(t *testing.T) {
	msg := ImageMessage("look at this", "aGVsbG8=")
	stripped := msg.StripImages()
	assert.Empty(t, stripped.Parts)
	assert.Equal(t, "look at this", stripped.Text)
	assert.Equal(t, RoleUser, stripped.Role)

	plain := TextMessage(RoleAssistant, "hi")
	assert.Equal(t, plain, plain.StripImages())
}

func TestUsageAdd(t *testing.T) {
	u := Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}
	u.Add(Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30})
	assert.Equal(t, Usage{PromptTokens: 11, CompletionTokens: 22, TotalTokens: 33}, u)
}
