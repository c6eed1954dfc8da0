package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicGenerate(t *testing.T) {
	var got anthropicChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		fmt.Fprint(w, `{
			"model": "claude-3-5-sonnet-20241022",
			"stop_reason": "end_turn",
			"content": [
				{"type": "thinking", "thinking": "consider"},
				{"type": "text", "text": "Hello"}
			],
			"usage": {"input_tokens": 9, "output_tokens": 2}
		}`)
	}))
	defer server.Close()

	p := NewAnthropicProvider(&ClientConfig{Endpoint: server.URL, APIKey: "sk-ant"})
	msgs := []Message{
		{Role: "system", Content: "extra rules"},
		{Role: "user", Content: "hi"},
	}

	resp, err := p.Generate(context.Background(), msgs, "be nice", DefaultProviderConfig("claude-3-5-sonnet-20241022"))
	require.NoError(t, err)

	assert.Equal(t, "Hello", resp.Text)
	assert.Equal(t, "consider", resp.Reasoning)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, 9, resp.InputTokens)
	assert.Equal(t, 2, resp.OutputTokens)

	// System-role messages are folded into the system field
	assert.Equal(t, "be nice\n\nextra rules", got.System)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
}

func TestAnthropicTemperatureBound(t *testing.T) {
	p := NewAnthropicProvider(&ClientConfig{APIKey: "sk-ant"})
	cfg := DefaultProviderConfig("")
	cfg.Temperature = 1.5

	_, err := p.Generate(context.Background(), userMessage("hi"), "", cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = p.GenerateStream(context.Background(), userMessage("hi"), "", cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestAnthropicGenerateStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []struct{ name, data string }{
			{"message_start", `{"type":"message_start","message":{"model":"claude-sonnet-4-20250514","usage":{"input_tokens":11}}}`},
			{"content_block_delta", `{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"plan"}}`},
			{"content_block_delta", `{"type":"content_block_delta","delta":{"type":"text_delta","text":"Bon"}}`},
			{"content_block_delta", `{"type":"content_block_delta","delta":{"type":"text_delta","text":"jour"}}`},
			{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`},
			{"message_stop", `{"type":"message_stop"}`},
		}
		for _, e := range events {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.name, e.data)
			w.(http.Flusher).Flush()
		}
	}))
	defer server.Close()

	p := NewAnthropicProvider(&ClientConfig{Endpoint: server.URL, APIKey: "sk-ant"})
	stream, err := p.GenerateStream(context.Background(), userMessage("hi"), "", DefaultProviderConfig(""))
	require.NoError(t, err)

	result, err := CollectStream(context.Background(), stream)
	require.NoError(t, err)
	assert.Equal(t, "Bonjour", result.Text)
	assert.Equal(t, "plan", result.Reasoning)
	assert.Equal(t, "claude-sonnet-4-20250514", result.Model)
	assert.Equal(t, "end_turn", result.FinishReason)
	assert.Equal(t, 11, result.InputTokens)
	assert.Equal(t, 3, result.OutputTokens)
}

func TestAnthropicStreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	}))
	defer server.Close()

	p := NewAnthropicProvider(&ClientConfig{Endpoint: server.URL, APIKey: "sk-ant"})
	stream, err := p.GenerateStream(context.Background(), userMessage("hi"), "", DefaultProviderConfig(""))
	require.NoError(t, err)

	_, err = CollectStream(context.Background(), stream)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Overloaded", apiErr.Body)
}

func TestAnthropicEmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"model":"claude","content":[]}`)
	}))
	defer server.Close()

	p := NewAnthropicProvider(&ClientConfig{Endpoint: server.URL, APIKey: "sk-ant"})
	_, err := p.Generate(context.Background(), userMessage("hi"), "", DefaultProviderConfig(""))
	assert.ErrorIs(t, err, ErrEmptyResponse)
}
