// Package engine composes routing, retrieval and guarded generation into
// the query-time pipeline. One Engine is created at startup and shared by
// every request.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/normanking/cortex-rag/internal/llm"
	"github.com/normanking/cortex-rag/internal/retrieval"
	"github.com/normanking/cortex-rag/internal/router"
)

// ═══════════════════════════════════════════════════════════════════════════════
// COLLABORATORS
// ═══════════════════════════════════════════════════════════════════════════════

// Turn is one remembered conversation message.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MemoryStore keeps per-conversation history. Recent returns turns oldest
// first.
type MemoryStore interface {
	Append(ctx context.Context, scopeID, role, content string) error
	Recent(ctx context.Context, scopeID string, limit int) ([]Turn, error)
}

// Entry is one answered query as written to the conversation log.
type Entry struct {
	ID             string                  `json:"id"`
	TenantID       string                  `json:"tenant_id,omitempty"`
	ConversationID string                  `json:"conversation_id,omitempty"`
	Query          string                  `json:"query"`
	Answer         string                  `json:"answer"`
	Sources        []retrieval.Source      `json:"sources"`
	Routing        *router.RoutingDecision `json:"routing"`
	Provider       string                  `json:"provider"`
	Model          string                  `json:"model"`
	InputTokens    int                     `json:"input_tokens"`
	OutputTokens   int                     `json:"output_tokens"`
	Latency        time.Duration           `json:"latency"`
	Fallback       bool                    `json:"fallback"`
	Streamed       bool                    `json:"streamed"`
	CreatedAt      time.Time               `json:"created_at"`
}

// ConversationLog receives a record of every successful answer. Writes are
// fire-and-forget: failures are logged and never reach the caller.
type ConversationLog interface {
	Record(ctx context.Context, e Entry) error
}

// CredentialStore resolves a tenant's own key for a vendor. A missing key
// is reported with ok=false, not an error.
type CredentialStore interface {
	Resolve(ctx context.Context, tenantID, vendor string) (key string, ok bool)
}

// ═══════════════════════════════════════════════════════════════════════════════
// REQUEST / RESPONSE
// ═══════════════════════════════════════════════════════════════════════════════

// Options are the per-query parameters.
type Options struct {
	TenantID       string
	ConversationID string

	// Provider selects a vendor explicitly. Model alone selects the vendor
	// by DetectVendor.
	Provider string
	Model    string

	// APIKey is a caller-supplied credential for the primary provider.
	APIKey string

	Overrides router.Overrides

	// Zero values use the engine configuration.
	SystemPrompt string
	Temperature  *float64
	MaxTokens    int
	MemoryLimit  int
}

// Answer is the result of a non-streaming query.
type Answer struct {
	Text    string                  `json:"text"`
	Sources []retrieval.Source      `json:"sources"`
	Routing *router.RoutingDecision `json:"routing"`

	// Reasoning is the trace produced in reflection mode.
	Reasoning string `json:"reasoning,omitempty"`

	ModelUsed    string        `json:"model_used"`
	ProviderUsed string        `json:"provider_used"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Elapsed      time.Duration `json:"elapsed"`

	// Fallback is set when the fallback provider produced the text.
	Fallback bool `json:"fallback"`
}

// EventType identifies a streaming event.
type EventType string

const (
	EventRouting         EventType = "routing"
	EventSearchStart     EventType = "search_start"
	EventSearchComplete  EventType = "search_complete"
	EventGenerationStart EventType = "generation_start"
	EventChunk           EventType = "chunk"
	EventThought         EventType = "thought"
	EventComplete        EventType = "complete"
	EventError           EventType = "error"
)

// Event is one element of a streamed answer.
type Event struct {
	Type EventType `json:"type"`

	// routing
	Routing *router.RoutingDecision `json:"routing,omitempty"`

	// search_start, search_complete
	Kind    retrieval.SourceKind `json:"kind,omitempty"`
	Sources []retrieval.Source   `json:"sources,omitempty"`

	// generation_start
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Fallback bool   `json:"fallback,omitempty"`

	// chunk, thought
	Text string `json:"text,omitempty"`

	// complete
	Answer *Answer `json:"answer,omitempty"`

	// error
	Err error `json:"-"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ═══════════════════════════════════════════════════════════════════════════════

// ErrEmptyQuery is returned for a blank query.
var ErrEmptyQuery = errors.New("query is empty")

// GenerationError reports a provider failure that the fallback (if any)
// could not recover.
type GenerationError struct {
	Provider string
	Model    string
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed (%s/%s): %v", e.Provider, e.Model, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ═══════════════════════════════════════════════════════════════════════════════

const (
	DefaultMemoryLimit = 10
	DefaultLogTimeout  = 5 * time.Second
)

// Config holds the engine defaults.
type Config struct {
	DefaultVendor  llm.Vendor
	DefaultModel   string
	FallbackVendor llm.Vendor
	FallbackModel  string

	SystemPrompt string

	// Temperature is the sampling temperature; nil selects the default.
	// Zero is a valid, deterministic setting.
	Temperature *float64
	MaxTokens   int

	// MemoryLimit is how many remembered turns are replayed per query.
	MemoryLimit int

	// LogTimeout bounds one detached conversation-log write.
	LogTimeout time.Duration
}

// DefaultConfig returns the engine defaults: Ollama locally, no fallback.
func DefaultConfig() Config {
	temperature := 0.7
	return Config{
		DefaultVendor: llm.VendorOllama,
		SystemPrompt:  DefaultSystemPrompt,
		Temperature:   &temperature,
		MaxTokens:     4096,
		MemoryLimit:   DefaultMemoryLimit,
		LogTimeout:    DefaultLogTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultVendor == "" {
		c.DefaultVendor = llm.DetectVendor(c.DefaultModel, d.DefaultVendor)
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = d.SystemPrompt
	}
	if c.Temperature == nil || *c.Temperature < 0 {
		c.Temperature = d.Temperature
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.MemoryLimit < 0 {
		c.MemoryLimit = 0
	} else if c.MemoryLimit == 0 {
		c.MemoryLimit = d.MemoryLimit
	}
	if c.LogTimeout <= 0 {
		c.LogTimeout = d.LogTimeout
	}
	return c
}
