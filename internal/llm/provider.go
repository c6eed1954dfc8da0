// Package llm provides the text-generation provider abstraction for cortex-rag.
// Supports OpenAI-compatible vendors (OpenAI, Groq, Grok, OpenRouter),
// Anthropic, Google Gemini and Ollama behind one Provider interface.
package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Security limits to prevent unbounded memory usage
const (
	// MaxErrorBodySize limits how much error response body we read (1MB)
	MaxErrorBodySize = 1 * 1024 * 1024

	// MaxStreamedResponseSize limits total streamed response size (50MB)
	MaxStreamedResponseSize = 50 * 1024 * 1024
)

// readLimitedBody reads up to maxBytes from r, returning the bytes read.
func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// Provider defines the interface for text-generation backends.
type Provider interface {
	// Name returns the provider identifier (the vendor name).
	Name() string

	// Models returns the model identifiers this provider advertises.
	Models() []string

	// Available returns true if the provider has a credential (or, for local
	// providers, an endpoint) configured.
	Available() bool

	// Generate produces a complete answer.
	Generate(ctx context.Context, msgs []Message, system string, cfg ProviderConfig) (*GenerationResult, error)

	// GenerateStream produces the answer incrementally. The returned channel
	// is closed after the final chunk; an error ends the stream with a chunk
	// whose Err is set.
	GenerateStream(ctx context.Context, msgs []Message, system string, cfg ProviderConfig) (<-chan StreamChunk, error)
}

// Message represents a conversation message.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// ProviderConfig holds the per-call generation parameters. It is a value
// object: callers build a fresh one for every call.
type ProviderConfig struct {
	// Model is the model identifier. Empty uses the provider default.
	Model string `json:"model,omitempty"`

	// Temperature controls randomness.
	Temperature float64 `json:"temperature"`

	// MaxTokens limits the response length. Zero uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// TopP is the nucleus-sampling parameter. Zero leaves it unset.
	TopP float64 `json:"top_p,omitempty"`

	// Reflection asks for a reasoning trace separate from the answer.
	Reflection bool `json:"reflection,omitempty"`

	// Streaming marks calls made through GenerateStream.
	Streaming bool `json:"streaming,omitempty"`

	// Extra carries provider-specific parameters passed through verbatim.
	Extra map[string]any `json:"extra,omitempty"`
}

// DefaultProviderConfig returns the generation defaults used by the engine.
func DefaultProviderConfig(model string) ProviderConfig {
	return ProviderConfig{
		Model:       model,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// Validate checks the generic parameter bounds. Providers may apply tighter
// limits of their own.
func (c ProviderConfig) Validate() error {
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: temperature %.2f outside [0, 2]", ErrInvalidConfig, c.Temperature)
	}
	if c.TopP < 0 || c.TopP > 1 {
		return fmt.Errorf("%w: top_p %.2f outside [0, 1]", ErrInvalidConfig, c.TopP)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("%w: max_tokens cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// GenerationResult contains a completed generation.
type GenerationResult struct {
	Text         string        `json:"text"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Model        string        `json:"model"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Latency      time.Duration `json:"latency"`
	Reasoning    string        `json:"reasoning,omitempty"`
}

// TotalTokens returns input plus output tokens.
func (r *GenerationResult) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}

// StreamChunk is one incremental piece of a streamed generation.
type StreamChunk struct {
	// Text is the new fragment.
	Text string
	// Reasoning marks fragments that belong to the reasoning trace.
	Reasoning bool
	// Final is set on the last chunk of a stream.
	Final bool
	// Tokens is the running output token count (estimated until the
	// backend reports usage on the final chunk).
	Tokens int

	// Populated on the final chunk only.
	Model        string
	FinishReason string
	InputTokens  int
	OutputTokens int

	// Err terminates the stream.
	Err error
}

// ClientConfig contains connection configuration for a provider.
type ClientConfig struct {
	// Name identifies the provider (openai, anthropic, gemini, ...).
	Name string

	// Endpoint is the API base URL.
	Endpoint string

	// APIKey for authentication.
	APIKey string

	// Model is the default model to use.
	Model string

	// MaxTokens default for responses.
	MaxTokens int

	// Temperature default.
	Temperature float64

	// Timeout for non-streaming API calls.
	Timeout time.Duration
}

// DefaultClientConfig returns sensible defaults for a vendor.
func DefaultClientConfig(vendor Vendor) *ClientConfig {
	cfg := &ClientConfig{
		Name:        string(vendor),
		MaxTokens:   4096,
		Temperature: 0.7,
		Timeout:     2 * time.Minute,
	}
	switch vendor {
	case VendorOllama:
		cfg.Endpoint = "http://127.0.0.1:11434"
		cfg.Model = "llama3.2"
	case VendorOpenAI:
		cfg.Endpoint = "https://api.openai.com/v1"
		cfg.Model = "gpt-4o-mini"
	case VendorAnthropic:
		cfg.Endpoint = "https://api.anthropic.com"
		cfg.Model = "claude-3-5-sonnet-20241022"
	case VendorGemini:
		cfg.Endpoint = "https://generativelanguage.googleapis.com/v1beta"
		cfg.Model = "gemini-1.5-flash"
	case VendorGrok:
		cfg.Endpoint = "https://api.x.ai/v1"
		cfg.Model = "grok-3-fast"
	case VendorGroq:
		// Groq is fast, short timeout is fine
		cfg.Endpoint = "https://api.groq.com/openai/v1"
		cfg.Model = "llama-3.3-70b-versatile"
		cfg.MaxTokens = 2048
		cfg.Timeout = 30 * time.Second
	case VendorOpenRouter:
		cfg.Endpoint = "https://openrouter.ai/api/v1"
		cfg.Model = "anthropic/claude-3.5-sonnet"
	}
	return cfg
}

// ═══════════════════════════════════════════════════════════════════════════════
// BASE PROVIDER (shared by the HTTP providers)
// ═══════════════════════════════════════════════════════════════════════════════

// baseProvider provides common functionality for HTTP-based providers.
type baseProvider struct {
	config *ClientConfig
	vendor Vendor
	models []string
	// client serves non-streaming calls; streamClient has no overall
	// timeout so long generations are bounded by ctx only.
	client       *http.Client
	streamClient *http.Client
}

// newBaseProvider creates a new base provider with defaults applied.
func newBaseProvider(cfg *ClientConfig, vendor Vendor) baseProvider {
	defaults := DefaultClientConfig(vendor)
	if cfg == nil {
		cfg = defaults
	}

	// Copy so the caller's config is never mutated.
	c := *cfg
	if c.Endpoint == "" {
		c.Endpoint = defaults.Endpoint
	}
	if c.Model == "" {
		c.Model = defaults.Model
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.Timeout
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = defaults.MaxTokens
	}
	c.Name = string(vendor)

	return baseProvider{
		config:       &c,
		vendor:       vendor,
		models:       KnownModels(vendor),
		client:       &http.Client{Timeout: c.Timeout},
		streamClient: &http.Client{},
	}
}

// Name returns the provider identifier.
func (b *baseProvider) Name() string {
	return b.config.Name
}

// Models returns the advertised model identifiers.
func (b *baseProvider) Models() []string {
	out := make([]string, len(b.models))
	copy(out, b.models)
	return out
}

// Available checks if the API key is configured.
func (b *baseProvider) Available() bool {
	return b.config.APIKey != ""
}

// requireKey returns ErrNotConfigured when the provider has no credential.
func (b *baseProvider) requireKey() error {
	if b.config.APIKey == "" {
		return fmt.Errorf("%s: %w", b.config.Name, ErrNotConfigured)
	}
	return nil
}

// model resolves the per-call model against the provider default.
func (b *baseProvider) model(cfg ProviderConfig) string {
	if cfg.Model != "" {
		return cfg.Model
	}
	return b.config.Model
}

// maxTokens resolves the per-call max tokens against the provider default.
func (b *baseProvider) maxTokens(cfg ProviderConfig) int {
	if cfg.MaxTokens > 0 {
		return cfg.MaxTokens
	}
	return b.config.MaxTokens
}

// apiError builds an APIError from a non-2xx response.
func (b *baseProvider) apiError(resp *http.Response) error {
	bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
	return &APIError{
		Provider: b.config.Name,
		Status:   resp.StatusCode,
		Body:     string(bodyBytes),
	}
}

// estimateTokens approximates a token count from text length.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
