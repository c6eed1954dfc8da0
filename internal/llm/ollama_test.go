package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeOllamaLine(w http.ResponseWriter, line api.ChatResponse) {
	json.NewEncoder(w).Encode(line)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func userMessage(content string) []Message {
	return []Message{{Role: "user", Content: content}}
}

// TestOllamaStreamingContextCancellation verifies that streaming goroutines exit cleanly on cancellation.
func TestOllamaStreamingContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		for i := 0; i < 10; i++ {
			writeOllamaLine(w, api.ChatResponse{
				Model:   "test-model",
				Message: api.Message{Role: "assistant", Content: "token "},
				Done:    i == 9,
			})
			select {
			case <-r.Context().Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
	}))
	defer server.Close()

	provider := NewOllamaProvider(&ClientConfig{Endpoint: server.URL, Model: "test-model"})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	var err error
	go func() {
		_, err = provider.Generate(ctx, userMessage("test"), "", DefaultProviderConfig(""))
		close(done)
	}()

	// Let it receive a few tokens
	time.Sleep(150 * time.Millisecond)
	cancel()

	select {
	case <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Generate did not return after cancellation")
	}
}

// TestOllamaStreamingNoLeak verifies that abandoned streams do not leak goroutines.
func TestOllamaStreamingNoLeak(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		for i := 0; i < 5; i++ {
			writeOllamaLine(w, api.ChatResponse{
				Model:   "test-model",
				Message: api.Message{Role: "assistant", Content: "token "},
				Done:    i == 4,
			})
		}
	}))
	defer server.Close()

	provider := NewOllamaProvider(&ClientConfig{Endpoint: server.URL, Model: "test-model"})

	runtime.GC()
	time.Sleep(100 * time.Millisecond)
	baseline := runtime.NumGoroutine()

	const numStreams = 10
	var wg sync.WaitGroup
	for i := 0; i < numStreams; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()

			// Open a stream and walk away after the first chunk.
			stream, err := provider.GenerateStream(ctx, userMessage("test"), "", DefaultProviderConfig(""))
			if err != nil {
				return
			}
			<-stream
		}()
	}
	wg.Wait()

	runtime.GC()
	time.Sleep(200 * time.Millisecond)

	leaked := runtime.NumGoroutine() - baseline
	// httptest.Server keeps a few background goroutines around
	assert.LessOrEqual(t, leaked, 10, "leaked %d goroutines", leaked)
}

// TestOllamaStreamingErrorHandling verifies malformed lines end the stream with an error.
func TestOllamaStreamingErrorHandling(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		writeOllamaLine(w, api.ChatResponse{
			Model:   "test-model",
			Message: api.Message{Role: "assistant", Content: "token"},
		})
		w.Write([]byte("{invalid json\n"))
	}))
	defer server.Close()

	provider := NewOllamaProvider(&ClientConfig{Endpoint: server.URL, Model: "test-model"})

	_, err := provider.Generate(context.Background(), userMessage("test"), "", DefaultProviderConfig(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ollama chat")
}

func TestOllamaServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("{}\n"))
	}))
	defer server.Close()

	provider := NewOllamaProvider(&ClientConfig{Endpoint: server.URL, Model: "missing"})

	_, err := provider.Generate(context.Background(), userMessage("test"), "", DefaultProviderConfig(""))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.False(t, apiErr.Retryable())
}

func TestOllamaServerErrorMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model \"missing\" not found, try pulling it first"}` + "\n"))
	}))
	defer server.Close()

	provider := NewOllamaProvider(&ClientConfig{Endpoint: server.URL, Model: "missing"})

	_, err := provider.Generate(context.Background(), userMessage("test"), "", DefaultProviderConfig(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "try pulling it first")
}

func TestOllamaInvalidEndpoint(t *testing.T) {
	provider := NewOllamaProvider(&ClientConfig{Endpoint: "http://bad host:11434"})
	assert.False(t, provider.Available())

	_, err := provider.GenerateStream(context.Background(), userMessage("test"), "", DefaultProviderConfig(""))
	assert.ErrorContains(t, err, "invalid ollama endpoint")
	assert.Error(t, provider.Ping(context.Background()))
}

// TestOllamaFirstTokenTimeout verifies the cold-start timeout.
func TestOllamaFirstTokenTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		// Flush headers but never send data
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer server.Close()

	provider := NewOllamaProvider(&ClientConfig{Endpoint: server.URL, Model: "test-model"},
		WithFirstTokenTimeout(200*time.Millisecond))

	start := time.Now()
	_, err := provider.Generate(context.Background(), userMessage("test"), "", DefaultProviderConfig(""))
	duration := time.Since(start)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout waiting for first token")
	assert.Less(t, duration, 2*time.Second)
}

// TestOllamaStreamIdleTimeout verifies idle timeout between tokens.
func TestOllamaStreamIdleTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		writeOllamaLine(w, api.ChatResponse{
			Model:   "test-model",
			Message: api.Message{Role: "assistant", Content: "first "},
		})
		// Stall
		<-r.Context().Done()
	}))
	defer server.Close()

	provider := NewOllamaProvider(&ClientConfig{Endpoint: server.URL, Model: "test-model"},
		WithStreamIdleTimeout(100*time.Millisecond))

	start := time.Now()
	resp, err := provider.Generate(context.Background(), userMessage("test"), "", DefaultProviderConfig(""))
	duration := time.Since(start)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream idle timeout")
	assert.Nil(t, resp)
	assert.Less(t, duration, time.Second)
}

// TestOllamaStreamingNormalCompletion verifies normal stream completion.
func TestOllamaStreamingNormalCompletion(t *testing.T) {
	var got api.ChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		tokens := []string{"Hello", " ", "world", "!"}
		for i, token := range tokens {
			writeOllamaLine(w, api.ChatResponse{
				Model:   "test-model",
				Message: api.Message{Role: "assistant", Content: token},
				Done:    i == len(tokens)-1,
				Metrics: api.Metrics{PromptEvalCount: 10, EvalCount: 4},
			})
		}
	}))
	defer server.Close()

	provider := NewOllamaProvider(&ClientConfig{Endpoint: server.URL, Model: "test-model"})

	resp, err := provider.Generate(context.Background(), userMessage("test"), "be brief", DefaultProviderConfig("ollama:test-model"))
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, "Hello world!", resp.Text)
	assert.Equal(t, "test-model", resp.Model)
	assert.Equal(t, 10, resp.InputTokens)
	assert.Equal(t, 4, resp.OutputTokens)
	assert.Equal(t, 14, resp.TotalTokens())

	// Routing prefix stripped, system prompt first
	assert.Equal(t, "test-model", got.Model)
	require.NotNil(t, got.Stream)
	assert.True(t, *got.Stream)
	assert.InDelta(t, 0.7, got.Options["temperature"], 1e-9)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "be brief", got.Messages[0].Content)
}

func TestOllamaGenerateStreamChunks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		writeOllamaLine(w, api.ChatResponse{Model: "qwen3", Message: api.Message{Content: "Hi"}})
		writeOllamaLine(w, api.ChatResponse{Model: "qwen3", Message: api.Message{Content: " there"}})
		writeOllamaLine(w, api.ChatResponse{Model: "qwen3", Done: true, DoneReason: "stop", Metrics: api.Metrics{EvalCount: 2}})
	}))
	defer server.Close()

	provider := NewOllamaProvider(&ClientConfig{Endpoint: server.URL})

	stream, err := provider.GenerateStream(context.Background(), userMessage("hi"), "", DefaultProviderConfig("qwen3"))
	require.NoError(t, err)

	var chunks []StreamChunk
	for c := range stream {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 3)
	assert.Equal(t, "Hi", chunks[0].Text)
	assert.Equal(t, " there", chunks[1].Text)
	assert.Equal(t, "qwen3", chunks[2].Model)
	assert.True(t, chunks[2].Final)
	assert.Equal(t, 2, chunks[2].OutputTokens)
	assert.Equal(t, "stop", chunks[2].FinishReason)
	assert.NoError(t, chunks[2].Err)
}

// TestOllamaStreamingMaxResponseSize verifies size limit protection.
func TestOllamaStreamingMaxResponseSize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		largeContent := strings.Repeat("x", 256*1024)
		for i := 0; i < 240; i++ {
			line := api.ChatResponse{
				Model:   "test-model",
				Message: api.Message{Role: "assistant", Content: largeContent},
			}
			if err := json.NewEncoder(w).Encode(line); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}))
	defer server.Close()

	provider := NewOllamaProvider(&ClientConfig{Endpoint: server.URL, Model: "test-model"})

	_, err := provider.Generate(context.Background(), userMessage("test"), "", DefaultProviderConfig(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "response size exceeded limit")
}

func TestOllamaInvalidConfig(t *testing.T) {
	provider := NewOllamaProvider(&ClientConfig{Endpoint: "http://localhost:11434"})

	cfg := DefaultProviderConfig("")
	cfg.Temperature = 3
	_, err := provider.Generate(context.Background(), userMessage("test"), "", cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestOllamaTimeoutConfigOptions(t *testing.T) {
	t.Run("default_config", func(t *testing.T) {
		cfg := DefaultTimeoutConfig()
		assert.Equal(t, 30*time.Second, cfg.ConnectionTimeout)
		assert.Equal(t, 120*time.Second, cfg.FirstTokenTimeout)
		assert.Equal(t, 30*time.Second, cfg.StreamIdleTimeout)
	})

	t.Run("remote_config", func(t *testing.T) {
		provider := NewOllamaProvider(&ClientConfig{Endpoint: "http://gpu-box.lan:11434"})
		assert.Equal(t, RemoteTimeoutConfig(), provider.timeouts)
	})

	t.Run("custom_config", func(t *testing.T) {
		custom := TimeoutConfig{
			ConnectionTimeout: 10 * time.Second,
			FirstTokenTimeout: 20 * time.Second,
			StreamIdleTimeout: 5 * time.Second,
		}
		provider := NewOllamaProvider(&ClientConfig{Endpoint: "http://localhost:11434"}, WithTimeoutConfig(custom))
		assert.Equal(t, custom, provider.timeouts)
	})

	t.Run("individual_options", func(t *testing.T) {
		provider := NewOllamaProvider(&ClientConfig{Endpoint: "http://localhost:11434"},
			WithConnectionTimeout(15*time.Second),
			WithFirstTokenTimeout(45*time.Second),
			WithStreamIdleTimeout(10*time.Second),
		)
		assert.Equal(t, 15*time.Second, provider.timeouts.ConnectionTimeout)
		assert.Equal(t, 45*time.Second, provider.timeouts.FirstTokenTimeout)
		assert.Equal(t, 10*time.Second, provider.timeouts.StreamIdleTimeout)
	})
}

func TestOllamaPing(t *testing.T) {
	models := `{"models":[{"name":"llama3.2"}]}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		w.Write([]byte(models))
	}))
	defer server.Close()

	provider := NewOllamaProvider(&ClientConfig{Endpoint: server.URL})
	assert.True(t, provider.Available())
	assert.NoError(t, provider.Ping(context.Background()))

	models = `{"models":[]}`
	assert.ErrorIs(t, provider.Ping(context.Background()), ErrNotConfigured)
}

// TestIsRemoteEndpoint verifies remote endpoint detection.
func TestIsRemoteEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		want     bool
	}{
		{"http://localhost:11434", false},
		{"http://127.0.0.1:11434", false},
		{"http://[::1]:11434", false},
		{"http://host.docker.internal:11434", false},
		{"http://docker.for.mac.localhost:11434", false},
		{"http://192.168.1.100:11434", true},
		{"http://example.com:11434", true},
		{"https://api.ollama.ai", true},
		{"invalid-url", true},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			assert.Equal(t, tt.want, isRemoteEndpoint(tt.endpoint))
		})
	}
}
