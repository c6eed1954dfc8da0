package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectVendor(t *testing.T) {
	tests := []struct {
		model string
		want  Vendor
	}{
		{"claude-3-5-sonnet-20241022", VendorAnthropic},
		{"Claude-Opus", VendorAnthropic},
		{"gpt-4o", VendorOpenAI},
		{"chatgpt-4o-latest", VendorOpenAI},
		{"o1-mini", VendorOpenAI},
		{"o3-mini", VendorOpenAI},
		{"o4-mini", VendorOpenAI},
		{"gemini-1.5-pro", VendorGemini},
		{"grok-3", VendorGrok},
		{"llama-3.3-70b-versatile", VendorGroq},
		{"mixtral-8x7b-32768", VendorGroq},
		{"gemma2-9b-it", VendorGroq},
		{"anthropic/claude-3.5-sonnet", VendorOpenRouter},
		{"meta-llama/llama-3.1-70b-instruct", VendorOpenRouter},
		{"ollama:llama3.2", VendorOllama},
		{"mistral", VendorOpenAI}, // unknown → fallback
		{"", VendorOpenAI},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectVendor(tt.model, VendorOpenAI))
		})
	}
}

func TestDetectVendorFirstMatchWins(t *testing.T) {
	// "ollama:" precedes the vendor-token rules
	assert.Equal(t, VendorOllama, DetectVendor("ollama:gemma2", VendorOpenAI))
	// Prefix rules precede the org/model rule
	assert.Equal(t, VendorAnthropic, DetectVendor("claude/custom", VendorOpenAI))
}

func TestDetectVendorFallback(t *testing.T) {
	assert.Equal(t, VendorAnthropic, DetectVendor("some-local-model", VendorAnthropic))
}

func TestVendorHelpers(t *testing.T) {
	for _, v := range AllVendors() {
		assert.True(t, v.IsValid(), v.String())
		assert.NotEmpty(t, KnownModels(v), v.String())
	}
	assert.False(t, Vendor("mlx").IsValid())
	assert.True(t, VendorOllama.IsLocal())
	assert.False(t, VendorOpenAI.IsLocal())
	assert.Equal(t, "llama3", StripVendorPrefix("ollama:llama3"))
	assert.Equal(t, "gpt-4o", StripVendorPrefix("gpt-4o"))
}
