package llm

import (
	"fmt"
	"os"
	"sort"
	"sync"
)

// Factory builds a provider from a connection config.
type Factory func(cfg *ClientConfig) Provider

// builtinFactories maps every supported vendor to its constructor.
var builtinFactories = map[Vendor]Factory{
	VendorOpenAI:     func(cfg *ClientConfig) Provider { return NewOpenAIProvider(cfg) },
	VendorAnthropic:  func(cfg *ClientConfig) Provider { return NewAnthropicProvider(cfg) },
	VendorGemini:     func(cfg *ClientConfig) Provider { return NewGeminiProvider(cfg) },
	VendorGroq:       func(cfg *ClientConfig) Provider { return NewGroqProvider(cfg) },
	VendorGrok:       func(cfg *ClientConfig) Provider { return NewGrokProvider(cfg) },
	VendorOpenRouter: func(cfg *ClientConfig) Provider { return NewOpenRouterProvider(cfg) },
	VendorOllama:     func(cfg *ClientConfig) Provider { return NewOllamaProvider(cfg) },
}

// envKeys are the conventional environment variables for vendor credentials.
var envKeys = map[Vendor]string{
	VendorGrok:       "XAI_API_KEY",
	VendorGroq:       "GROQ_API_KEY",
	VendorOpenAI:     "OPENAI_API_KEY",
	VendorAnthropic:  "ANTHROPIC_API_KEY",
	VendorGemini:     "GEMINI_API_KEY",
	VendorOpenRouter: "OPENROUTER_API_KEY",
}

// APIKeyFromEnv retrieves a vendor's key from its standard environment variable.
func APIKeyFromEnv(v Vendor) string {
	if envVar, ok := envKeys[v]; ok {
		return os.Getenv(envVar)
	}
	return ""
}

// Registry is the startup-time table of vendor → factory. Every vendor has
// an entry whether or not a credential exists; a provider without a key
// answers Generate with ErrNotConfigured.
type Registry struct {
	mu        sync.RWMutex
	factories map[Vendor]Factory
	configs   map[Vendor]*ClientConfig
	instances map[Vendor]Provider
	metrics   *Metrics
}

// NewRegistry creates a registry holding the built-in factories. metrics may
// be nil, in which case providers are not wrapped.
func NewRegistry(metrics *Metrics) *Registry {
	r := &Registry{
		factories: make(map[Vendor]Factory, len(builtinFactories)),
		configs:   make(map[Vendor]*ClientConfig),
		instances: make(map[Vendor]Provider),
		metrics:   metrics,
	}
	for v, f := range builtinFactories {
		r.factories[v] = f
	}
	return r
}

// Register adds or replaces the factory for a vendor.
func (r *Registry) Register(v Vendor, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[v] = f
	delete(r.instances, v)
}

// Configure sets the process-wide connection config for a vendor. An empty
// APIKey is filled from the vendor's environment variable.
func (r *Registry) Configure(v Vendor, cfg *ClientConfig) {
	c := *cfg
	if c.APIKey == "" {
		c.APIKey = APIKeyFromEnv(v)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[v] = &c
	delete(r.instances, v)
}

// Provider returns the provider for a vendor. A non-empty apiKey is a
// per-call override (BYOK) and yields a fresh, uncached instance; an empty
// one falls back to the process default credential.
func (r *Registry) Provider(v Vendor, apiKey string) (Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[v]
	cfg := r.configs[v]
	cached := r.instances[v]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVendor, v)
	}

	if apiKey != "" {
		c := r.baseConfig(v, cfg)
		c.APIKey = apiKey
		return r.wrap(factory(c)), nil
	}
	if cached != nil {
		return cached, nil
	}

	p := r.wrap(factory(r.baseConfig(v, cfg)))

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.instances[v]; ok {
		return existing, nil
	}
	r.instances[v] = p
	return p, nil
}

// ForModel detects the vendor from a model identifier and returns its
// provider.
func (r *Registry) ForModel(model string, fallback Vendor, apiKey string) (Provider, Vendor, error) {
	v := DetectVendor(model, fallback)
	p, err := r.Provider(v, apiKey)
	return p, v, err
}

// Vendors returns every registered vendor, sorted.
func (r *Registry) Vendors() []Vendor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Vendor, 0, len(r.factories))
	for v := range r.factories {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Available returns the vendors whose default provider reports Available.
func (r *Registry) Available() []Vendor {
	var out []Vendor
	for _, v := range r.Vendors() {
		p, err := r.Provider(v, "")
		if err == nil && p.Available() {
			out = append(out, v)
		}
	}
	return out
}

func (r *Registry) baseConfig(v Vendor, cfg *ClientConfig) *ClientConfig {
	if cfg != nil {
		c := *cfg
		return &c
	}
	c := DefaultClientConfig(v)
	c.APIKey = APIKeyFromEnv(v)
	return c
}

func (r *Registry) wrap(p Provider) Provider {
	if r.metrics == nil {
		return p
	}
	return NewMetricsProvider(p, r.metrics)
}
