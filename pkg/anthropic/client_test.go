package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToParams(t *testing.T) {
	temp := 0.0
	params := toParams(Prompt{
		Model:       "claude-sonnet-4-5-20250929",
		MaxTokens:   512,
		System:      "Reply with JSON only.",
		SystemTTL:   "1h",
		User:        "How did Jane Doe die?",
		Temperature: &temp,
	})
	assert.Equal(t, int64(512), params.MaxTokens)
	require.Len(t, params.Messages, 1)
	assert.Equal(t, "user", string(params.Messages[0].Role))
	require.Len(t, params.System, 1)
	assert.Equal(t, "1h", string(params.System[0].CacheControl.TTL))
}

func TestToParams_NoSystem(t *testing.T) {
	params := toParams(Prompt{Model: "m", MaxTokens: 1, User: "q"})
	assert.Empty(t, params.System)

	params = toParams(Prompt{Model: "m", MaxTokens: 1, System: "plain", User: "q"})
	require.Len(t, params.System, 1)
	assert.Empty(t, string(params.System[0].CacheControl.TTL))
}

func TestFromSDKMessage(t *testing.T) {
	msg := &sdk.Message{
		ID:         "msg_1",
		Model:      "claude-sonnet-4-5-20250929",
		StopReason: "max_tokens",
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: `{"cause":`},
			{Type: "tool_use", Text: "ignored"},
			{Type: "text", Text: `"stroke"}`},
		},
		Usage: sdk.Usage{InputTokens: 120, OutputTokens: 40, CacheReadInputTokens: 900},
	}

	r := fromSDKMessage(msg)
	assert.Equal(t, "msg_1", r.ID)
	assert.Equal(t, `{"cause":"stroke"}`, r.Text)
	assert.True(t, r.Truncated())
	assert.Equal(t, int64(900), r.Usage.CacheReadInputTokens)
}

func newTestClient(baseURL string) Client {
	return NewClient("test-key", WithBaseURL(baseURL), WithMaxRetries(0))
}

func TestAsk(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/messages")
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Len(t, body["messages"], 1)
		assert.Len(t, body["system"], 1)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":          "msg_test_001",
			"type":        "message",
			"role":        "assistant",
			"content":     []map[string]any{{"type": "text", "text": `{"cause":"heart failure"}`}},
			"model":       "claude-sonnet-4-5-20250929",
			"stop_reason": "end_turn",
			"usage": map[string]any{
				"input_tokens":                10,
				"output_tokens":               5,
				"cache_creation_input_tokens": 5000,
				"cache_read_input_tokens":     0,
			},
		})
	}))
	defer ts.Close()

	r, err := newTestClient(ts.URL).Ask(context.Background(), Prompt{
		Model:     "claude-sonnet-4-5-20250929",
		MaxTokens: 1024,
		System:    "You research deaths of public figures.",
		SystemTTL: "1h",
		User:      "How did Jane Doe die?",
	})
	require.NoError(t, err)
	assert.Equal(t, "msg_test_001", r.ID)
	assert.Equal(t, `{"cause":"heart failure"}`, r.Text)
	assert.False(t, r.Truncated())
	assert.Equal(t, int64(10), r.Usage.InputTokens)
	assert.Equal(t, int64(5000), r.Usage.CacheCreationInputTokens)
}

func TestAsk_APIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"type":  "error",
			"error": map[string]any{"type": "rate_limit_error", "message": "slow down"},
		})
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).Ask(context.Background(), Prompt{Model: "m", MaxTokens: 1, User: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic: create message")
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(err))
}

func TestAsk_EmptyPrompt(t *testing.T) {
	_, err := newTestClient("http://127.0.0.1:1").Ask(context.Background(), Prompt{Model: "m", User: "  "})
	assert.ErrorContains(t, err, "empty prompt")
}

func TestStatusCode_NonAPIError(t *testing.T) {
	assert.Equal(t, 0, StatusCode(context.Canceled))
	assert.Equal(t, 0, StatusCode(nil))
}
