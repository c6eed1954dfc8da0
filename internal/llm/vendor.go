package llm

import "strings"

// Vendor identifies a generation backend family.
type Vendor string

const (
	VendorOpenAI     Vendor = "openai"
	VendorAnthropic  Vendor = "anthropic"
	VendorGemini     Vendor = "gemini"
	VendorGroq       Vendor = "groq"
	VendorGrok       Vendor = "grok"
	VendorOpenRouter Vendor = "openrouter"
	VendorOllama     Vendor = "ollama"
)

// AllVendors returns every supported vendor.
func AllVendors() []Vendor {
	return []Vendor{
		VendorOpenAI,
		VendorAnthropic,
		VendorGemini,
		VendorGroq,
		VendorGrok,
		VendorOpenRouter,
		VendorOllama,
	}
}

// String returns the string representation of a Vendor.
func (v Vendor) String() string {
	return string(v)
}

// IsValid checks if a Vendor is known.
func (v Vendor) IsValid() bool {
	for _, known := range AllVendors() {
		if v == known {
			return true
		}
	}
	return false
}

// IsLocal returns true for vendors that run without a credential.
func (v Vendor) IsLocal() bool {
	return v == VendorOllama
}

// vendorRule maps a model-identifier prefix to a vendor.
type vendorRule struct {
	prefix string
	vendor Vendor
}

// vendorRules is evaluated in order; first match wins.
var vendorRules = []vendorRule{
	{"ollama:", VendorOllama},
	{"claude", VendorAnthropic},
	{"gpt-", VendorOpenAI},
	{"chatgpt", VendorOpenAI},
	{"o1", VendorOpenAI},
	{"o3", VendorOpenAI},
	{"o4", VendorOpenAI},
	{"gemini", VendorGemini},
	{"grok", VendorGrok},
	{"llama-", VendorGroq},
	{"mixtral", VendorGroq},
	{"gemma", VendorGroq},
	{"deepseek-r1-distill", VendorGroq},
}

// DetectVendor maps a model identifier to its vendor. Identifiers of the
// form "org/model" go to OpenRouter. Unknown identifiers map to fallback.
func DetectVendor(model string, fallback Vendor) Vendor {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return fallback
	}
	for _, rule := range vendorRules {
		if strings.HasPrefix(m, rule.prefix) {
			return rule.vendor
		}
	}
	if strings.Contains(m, "/") {
		return VendorOpenRouter
	}
	return fallback
}

// StripVendorPrefix removes routing-only prefixes ("ollama:") from a model id.
func StripVendorPrefix(model string) string {
	return strings.TrimPrefix(model, "ollama:")
}

// KnownModels returns the model identifiers advertised for a vendor.
func KnownModels(v Vendor) []string {
	switch v {
	case VendorOpenAI:
		return []string{"gpt-4o", "gpt-4o-mini", "gpt-4.1", "gpt-4.1-mini", "o3-mini"}
	case VendorAnthropic:
		return []string{"claude-3-5-sonnet-20241022", "claude-3-5-haiku-20241022", "claude-sonnet-4-20250514"}
	case VendorGemini:
		return []string{"gemini-1.5-flash", "gemini-1.5-pro", "gemini-2.0-flash"}
	case VendorGroq:
		return []string{"llama-3.3-70b-versatile", "llama-3.1-8b-instant", "mixtral-8x7b-32768"}
	case VendorGrok:
		return []string{"grok-3", "grok-3-fast", "grok-3-mini"}
	case VendorOpenRouter:
		return []string{"anthropic/claude-3.5-sonnet", "openai/gpt-4o", "meta-llama/llama-3.1-70b-instruct"}
	case VendorOllama:
		return []string{"llama3.2", "llama3", "mistral", "qwen2.5"}
	default:
		return nil
	}
}
