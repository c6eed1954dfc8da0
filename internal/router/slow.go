package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/normanking/cortex-rag/internal/llm"
)

const (
	// ParseFailureConfidence is the confidence of the decision returned when
	// the classifier reply cannot be parsed.
	ParseFailureConfidence = 0.3

	// ClassificationPrompt is the system prompt for the classifier model.
	ClassificationPrompt = `You are a query router for a question-answering assistant. Decide how the user's query should be answered.

Intents:
- greeting: small talk, greetings, thanks
- documents: questions about the user's own uploaded documents
- web_search: questions that need current or external information
- hybrid: questions that need both the user's documents and the web
- general: anything the assistant can answer from its own knowledge

Set use_reflection to true only for multi-step reasoning, math or analysis.

Respond with ONLY a JSON object, no prose, in exactly this shape:
{"intent": "general", "use_index": false, "use_web": false, "use_reflection": false, "confidence": 0.8, "reasoning": "short rationale"}`
)

// Classifier produces a routing decision through a model call. The router
// bounds each call with its own timeout.
type Classifier interface {
	Classify(ctx context.Context, query string) (*RoutingDecision, error)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, query string) (*RoutingDecision, error)

// Classify implements Classifier.
func (f ClassifierFunc) Classify(ctx context.Context, query string) (*RoutingDecision, error) {
	return f(ctx, query)
}

// LLMClassifier classifies queries with a single low-cost model call.
type LLMClassifier struct {
	provider llm.Provider
	model    string
}

// NewLLMClassifier creates a classifier backed by provider. An empty model
// uses the provider default.
func NewLLMClassifier(provider llm.Provider, model string) *LLMClassifier {
	return &LLMClassifier{
		provider: provider,
		model:    model,
	}
}

// Classify implements Classifier. Transport errors are returned; malformed
// replies are not, they yield a low-confidence general decision.
func (c *LLMClassifier) Classify(ctx context.Context, query string) (*RoutingDecision, error) {
	if c.provider == nil {
		return nil, fmt.Errorf("classifier provider not configured")
	}

	cfg := llm.DefaultProviderConfig(c.model)
	cfg.Temperature = 0
	cfg.MaxTokens = 256

	resp, err := c.provider.Generate(ctx, []llm.Message{{Role: "user", Content: query}}, ClassificationPrompt, cfg)
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	return ParseClassification(resp.Text), nil
}

// classifierReply is the expected reply shape. Pointer fields distinguish
// missing values from zero values.
type classifierReply struct {
	Intent        *string  `json:"intent"`
	UseIndex      *bool    `json:"use_index"`
	UseWeb        *bool    `json:"use_web"`
	UseReflection *bool    `json:"use_reflection"`
	Confidence    *float64 `json:"confidence"`
	Reasoning     *string  `json:"reasoning"`
}

// ParseClassification decodes a classifier reply. It never fails: code
// fences are stripped, the first JSON object is decoded, and a reply with
// missing or mistyped fields becomes a general decision at
// ParseFailureConfidence with the index enabled.
func ParseClassification(raw string) *RoutingDecision {
	obj, ok := extractJSONObject(stripCodeFence(raw))
	if !ok {
		return parseFailure("no JSON object in classifier reply")
	}

	var reply classifierReply
	if err := json.Unmarshal([]byte(obj), &reply); err != nil {
		return parseFailure("malformed classifier reply: " + err.Error())
	}
	if reply.Intent == nil || reply.UseIndex == nil || reply.UseWeb == nil {
		return parseFailure("classifier reply missing required fields")
	}

	d := &RoutingDecision{
		Intent:     ParseIntent(*reply.Intent),
		UseIndex:   *reply.UseIndex,
		UseWeb:     *reply.UseWeb,
		Confidence: 0.7,
		Path:       PathModel,
	}
	if reply.UseReflection != nil {
		d.UseReflection = *reply.UseReflection
	}
	if reply.Confidence != nil {
		d.Confidence = clamp(*reply.Confidence, 0, 1)
	}
	if reply.Reasoning != nil {
		d.Reasoning = strings.TrimSpace(*reply.Reasoning)
	}
	return d
}

func parseFailure(reason string) *RoutingDecision {
	return &RoutingDecision{
		Intent:     IntentGeneral,
		UseIndex:   true,
		Confidence: ParseFailureConfidence,
		Reasoning:  reason,
		Path:       PathModel,
	}
}

// stripCodeFence removes a surrounding ``` or ```json fence.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// Drop the language tag line.
		if tag := strings.TrimSpace(s[:nl]); !strings.HasPrefix(tag, "{") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

// extractJSONObject returns the first balanced {...} in s, ignoring braces
// inside string literals.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
