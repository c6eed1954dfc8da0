// Package router classifies a query into an intent and decides which
// context sources (document index, web search) and which generation mode
// the engine should use. Fast pattern rules handle most queries; a cheap
// model call classifies the rest.
package router

import (
	"strings"
	"time"
)

// Intent is the classification of a user query.
type Intent string

const (
	// IntentGeneral is the default for queries answerable from the model alone.
	IntentGeneral Intent = "general"
	// IntentDocuments is for questions about the user's indexed documents.
	IntentDocuments Intent = "documents"
	// IntentWebSearch is for questions that need fresh information.
	IntentWebSearch Intent = "web_search"
	// IntentHybrid needs both the document index and the web.
	IntentHybrid Intent = "hybrid"
	// IntentGreeting is small talk that needs no context at all.
	IntentGreeting Intent = "greeting"
)

// AllIntents returns all valid intents.
func AllIntents() []Intent {
	return []Intent{
		IntentGeneral,
		IntentDocuments,
		IntentWebSearch,
		IntentHybrid,
		IntentGreeting,
	}
}

// String returns the string representation of an Intent.
func (i Intent) String() string {
	return string(i)
}

// IsValid checks if an Intent is a known value.
func (i Intent) IsValid() bool {
	for _, valid := range AllIntents() {
		if i == valid {
			return true
		}
	}
	return false
}

// ParseIntent maps free text (typically a classifier reply) to an Intent.
// Unrecognized values map to IntentGeneral.
func ParseIntent(s string) Intent {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.NewReplacer("-", "_", " ", "_").Replace(v)

	switch v {
	case "documents", "document", "docs", "rag", "index":
		return IntentDocuments
	case "web_search", "websearch", "web", "search", "news":
		return IntentWebSearch
	case "hybrid", "both":
		return IntentHybrid
	case "greeting", "greetings", "small_talk", "chitchat":
		return IntentGreeting
	default:
		return IntentGeneral
	}
}

// Path indicates which stage of the router produced a decision.
type Path string

const (
	// PathCache means the base decision came from the decision cache.
	PathCache Path = "cache"
	// PathFast means a fast pattern rule matched.
	PathFast Path = "fast"
	// PathModel means the model classifier produced the decision.
	PathModel Path = "model"
	// PathFallback means classification was disabled or failed.
	PathFallback Path = "fallback"
)

// Overrides are per-call flags supplied by the caller. Disable flags always
// win over force flags.
type Overrides struct {
	ForceIndex      bool `json:"force_index,omitempty"`
	ForceWeb        bool `json:"force_web,omitempty"`
	DisableIndex    bool `json:"disable_index,omitempty"`
	DisableWeb      bool `json:"disable_web,omitempty"`
	ForceReflection bool `json:"force_reflection,omitempty"`
}

// RoutingDecision is the router's output for one query. It is not modified
// after Route returns it.
type RoutingDecision struct {
	Intent        Intent  `json:"intent"`
	UseIndex      bool    `json:"use_index"`
	UseWeb        bool    `json:"use_web"`
	UseReflection bool    `json:"use_reflection"`
	Confidence    float64 `json:"confidence"`
	Reasoning     string  `json:"reasoning"`

	// Latency is the time spent routing this call.
	Latency time.Duration `json:"latency"`
	Path    Path          `json:"path"`

	// Caller overrides, overlaid on every call and never cached.
	ForceIndex      bool `json:"force_index"`
	ForceWeb        bool `json:"force_web"`
	DisableIndex    bool `json:"disable_index"`
	DisableWeb      bool `json:"disable_web"`
	ForceReflection bool `json:"force_reflection"`

	// CachedAt is when the base decision entered the cache.
	CachedAt time.Time `json:"cached_at"`
}

// ShouldUseIndex reports whether the document index should be searched.
func (d *RoutingDecision) ShouldUseIndex() bool {
	return (d.UseIndex || d.ForceIndex) && !d.DisableIndex
}

// ShouldUseWeb reports whether web search should run.
func (d *RoutingDecision) ShouldUseWeb() bool {
	return (d.UseWeb || d.ForceWeb) && !d.DisableWeb
}

// ShouldUseReflection reports whether the answer should be generated in
// reflection mode.
func (d *RoutingDecision) ShouldUseReflection() bool {
	return d.UseReflection || d.ForceReflection
}

// withOverrides returns a copy of d carrying o.
func (d *RoutingDecision) withOverrides(o Overrides) *RoutingDecision {
	out := *d
	out.ForceIndex = o.ForceIndex
	out.ForceWeb = o.ForceWeb
	out.DisableIndex = o.DisableIndex
	out.DisableWeb = o.DisableWeb
	out.ForceReflection = o.ForceReflection
	return &out
}

// base strips per-call fields so the decision can be cached.
func (d *RoutingDecision) base() RoutingDecision {
	out := *d.withOverrides(Overrides{})
	out.Latency = 0
	return out
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests      int64            `json:"total_requests"`
	CacheHits          int64            `json:"cache_hits"`
	FastHits           int64            `json:"fast_hits"`
	ModelHits          int64            `json:"model_hits"`
	Fallbacks          int64            `json:"fallbacks"`
	AverageConfidence  float64          `json:"average_confidence"`
	IntentDistribution map[Intent]int64 `json:"intent_distribution"`
	CacheSize          int              `json:"cache_size"`
}
