package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/ollama/ollama/api"
)

// TimeoutConfig defines the 3-phase timeout system for Ollama.
// Local models can take a long time to load (cold start) but once they
// start emitting tokens, a long gap means the stream has stalled.
type TimeoutConfig struct {
	ConnectionTimeout time.Duration // Time to establish HTTP connection
	FirstTokenTimeout time.Duration // Time to receive first token (cold start model loading)
	StreamIdleTimeout time.Duration // Max time between tokens during streaming
}

// DefaultTimeoutConfig returns timeouts for a local Ollama server.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		ConnectionTimeout: 30 * time.Second,
		FirstTokenTimeout: 120 * time.Second,
		StreamIdleTimeout: 30 * time.Second,
	}
}

// RemoteTimeoutConfig returns timeouts for a remote Ollama server, where
// network latency and queueing add to model load time.
func RemoteTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		ConnectionTimeout: 60 * time.Second,
		FirstTokenTimeout: 300 * time.Second,
		StreamIdleTimeout: 60 * time.Second,
	}
}

// isRemoteEndpoint checks if the Ollama endpoint is a remote server (not localhost).
func isRemoteEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1", "host.docker.internal", "docker.for.mac.localhost":
		return false
	}
	return true
}

// OllamaProvider implements the Provider interface for a local or remote
// Ollama server through the official api client. Requests always stream so
// the first-token and idle timeouts can be enforced; Generate collects the
// stream.
type OllamaProvider struct {
	baseProvider
	timeouts TimeoutConfig
	api      *api.Client
	apiErr   error
}

// OllamaOption configures an OllamaProvider.
type OllamaOption func(*OllamaProvider)

// WithTimeoutConfig sets custom timeout configuration for the Ollama provider.
func WithTimeoutConfig(cfg TimeoutConfig) OllamaOption {
	return func(p *OllamaProvider) {
		p.timeouts = cfg
	}
}

// WithConnectionTimeout sets the connection timeout.
func WithConnectionTimeout(d time.Duration) OllamaOption {
	return func(p *OllamaProvider) {
		p.timeouts.ConnectionTimeout = d
	}
}

// WithFirstTokenTimeout sets the first token (cold start) timeout.
func WithFirstTokenTimeout(d time.Duration) OllamaOption {
	return func(p *OllamaProvider) {
		p.timeouts.FirstTokenTimeout = d
	}
}

// WithStreamIdleTimeout sets the streaming idle timeout.
func WithStreamIdleTimeout(d time.Duration) OllamaOption {
	return func(p *OllamaProvider) {
		p.timeouts.StreamIdleTimeout = d
	}
}

// NewOllamaProvider creates a new Ollama provider. Remote endpoints get the
// more lenient RemoteTimeoutConfig unless overridden by options.
func NewOllamaProvider(cfg *ClientConfig, opts ...OllamaOption) *OllamaProvider {
	p := &OllamaProvider{
		baseProvider: newBaseProvider(cfg, VendorOllama),
		timeouts:     DefaultTimeoutConfig(),
	}
	if isRemoteEndpoint(p.config.Endpoint) {
		p.timeouts = RemoteTimeoutConfig()
	}
	for _, opt := range opts {
		opt(p)
	}

	// No Client.Timeout: it would cover body reading and cut off long
	// generations. Header wait and streaming phases are bounded separately.
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: p.timeouts.ConnectionTimeout}).DialContext,
		ResponseHeaderTimeout: p.timeouts.FirstTokenTimeout,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
	}
	p.client = &http.Client{Transport: transport}
	p.streamClient = p.client

	base, err := url.Parse(p.config.Endpoint)
	if err != nil {
		p.apiErr = fmt.Errorf("invalid ollama endpoint %q: %w", p.config.Endpoint, err)
		return p
	}
	p.api = api.NewClient(base, p.client)
	return p
}

// Available reports whether an endpoint is configured. Ollama needs no
// credential.
func (p *OllamaProvider) Available() bool {
	return p.config.Endpoint != "" && p.apiErr == nil
}

// Ping checks that the server is up and has at least one model pulled.
func (p *OllamaProvider) Ping(ctx context.Context) error {
	if p.apiErr != nil {
		return p.apiErr
	}
	list, err := p.api.List(ctx)
	if err != nil {
		return p.chatError(err)
	}
	if len(list.Models) == 0 {
		return fmt.Errorf("ollama has no models: %w", ErrNotConfigured)
	}
	return nil
}

// Generate collects a streamed chat response.
func (p *OllamaProvider) Generate(ctx context.Context, msgs []Message, system string, cfg ProviderConfig) (*GenerationResult, error) {
	start := time.Now()

	// The chat goroutine must not outlive this call.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := p.GenerateStream(ctx, msgs, system, cfg)
	if err != nil {
		return nil, err
	}
	result, err := CollectStream(ctx, stream)
	if err != nil {
		return nil, err
	}
	if result.Model == "" && result.Text == "" {
		return nil, fmt.Errorf("%s: %w", p.Name(), ErrEmptyResponse)
	}
	result.Latency = time.Since(start)
	return result, nil
}

// GenerateStream streams a chat response.
func (p *OllamaProvider) GenerateStream(ctx context.Context, msgs []Message, system string, cfg ProviderConfig) (<-chan StreamChunk, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if p.apiErr != nil {
		return nil, p.apiErr
	}

	req := p.buildRequest(msgs, system, cfg)
	out := make(chan StreamChunk, streamBufferSize)
	go func() {
		defer close(out)
		p.chat(ctx, req, &chunkSender{ctx: ctx, ch: out})
	}()
	return out, nil
}

// errStopped aborts a chat whose sender already delivered its terminal chunk.
var errStopped = errors.New("stream stopped")

// chat runs one streaming request, enforcing the first-token and idle
// timeouts with a watchdog that cancels the request:
//   - first-token: no response within FirstTokenTimeout of the request
//   - idle: gap between responses exceeds StreamIdleTimeout
func (p *OllamaProvider) chat(ctx context.Context, req *api.ChatRequest, s *chunkSender) {
	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	start := time.Now()
	var started atomic.Bool
	watchdog := time.AfterFunc(p.timeouts.FirstTokenTimeout, func() {
		if started.Load() {
			cancel(fmt.Errorf("stream idle timeout (no token received for %v) - model appears to have stalled",
				p.timeouts.StreamIdleTimeout))
			return
		}
		cancel(fmt.Errorf("timeout waiting for first token (waited %v, limit %v) - model may be loading or request stalled",
			time.Since(start).Round(time.Millisecond), p.timeouts.FirstTokenTimeout))
	})
	defer watchdog.Stop()

	var (
		model string
		done  *api.ChatResponse
	)
	err := p.api.Chat(reqCtx, req, func(resp api.ChatResponse) error {
		started.Store(true)
		watchdog.Reset(p.timeouts.StreamIdleTimeout)

		if resp.Model != "" {
			model = resp.Model
		}
		if !s.send(resp.Message.Content, false) {
			return errStopped
		}
		if resp.Done {
			done = &resp
		}
		return nil
	})

	switch {
	case errors.Is(err, errStopped):
		return
	case ctx.Err() != nil:
		s.fail(ctx.Err())
		return
	case err != nil:
		if cause := context.Cause(reqCtx); cause != nil && !errors.Is(cause, context.Canceled) {
			s.fail(cause)
			return
		}
		s.fail(p.chatError(err))
		return
	case done != nil:
		reason := done.DoneReason
		if reason == "" {
			reason = "stop"
		}
		s.finish(model, reason, done.PromptEvalCount, done.EvalCount)
	case model == "":
		s.fail(fmt.Errorf("%s: %w", p.Name(), ErrEmptyResponse))
	default:
		s.finish(model, "stop", 0, 0)
	}
}

// chatError maps api client failures onto the package's error types.
func (p *OllamaProvider) chatError(err error) error {
	var status api.StatusError
	if errors.As(err, &status) {
		body := status.ErrorMessage
		if body == "" {
			body = status.Status
		}
		return &APIError{Provider: p.Name(), Status: status.StatusCode, Body: body}
	}
	return fmt.Errorf("ollama chat: %w", err)
}

func (p *OllamaProvider) buildRequest(msgs []Message, system string, cfg ProviderConfig) *api.ChatRequest {
	stream := true
	options := map[string]any{"temperature": cfg.Temperature}
	if n := p.maxTokens(cfg); n > 0 {
		options["num_predict"] = n
	}
	if cfg.TopP > 0 {
		options["top_p"] = cfg.TopP
	}

	req := &api.ChatRequest{
		Model:    StripVendorPrefix(p.model(cfg)),
		Stream:   &stream,
		Options:  options,
		Messages: make([]api.Message, 0, len(msgs)+1),
	}
	if system != "" {
		req.Messages = append(req.Messages, api.Message{Role: "system", Content: system})
	}
	for _, msg := range msgs {
		req.Messages = append(req.Messages, api.Message{Role: msg.Role, Content: msg.Content})
	}
	return req
}
