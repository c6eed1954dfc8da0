package llm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// COST RATES (per million tokens)
// ═══════════════════════════════════════════════════════════════════════════════

// ProviderCostRates defines cost per million tokens for a vendor.
type ProviderCostRates struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// CostRates maps vendors to their token costs (USD per million tokens).
// Local providers are free; OpenRouter varies by model, the rate is an average.
var CostRates = map[Vendor]ProviderCostRates{
	VendorOllama:     {0.0, 0.0},
	VendorOpenAI:     {2.50, 10.00},
	VendorAnthropic:  {3.00, 15.00},
	VendorGemini:     {0.075, 0.30},
	VendorGroq:       {0.05, 0.08},
	VendorGrok:       {2.00, 10.00},
	VendorOpenRouter: {1.00, 2.00},
}

// CostRate returns the cost rate for a vendor. Unknown vendors get moderate
// cloud pricing.
func CostRate(v Vendor) ProviderCostRates {
	if rate, ok := CostRates[v]; ok {
		return rate
	}
	return ProviderCostRates{1.0, 2.0}
}

// Cost estimates the USD cost of a call.
func (r ProviderCostRates) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1_000_000.0*r.InputPerMillion +
		float64(outputTokens)/1_000_000.0*r.OutputPerMillion
}

// ═══════════════════════════════════════════════════════════════════════════════
// PROMETHEUS COLLECTORS
// ═══════════════════════════════════════════════════════════════════════════════

// Metrics holds the Prometheus collectors shared by every MetricsProvider.
type Metrics struct {
	calls   *prometheus.CounterVec
	errors  *prometheus.CounterVec
	tokens  *prometheus.CounterVec
	cost    *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewMetrics creates the provider collectors and registers them on reg.
// A nil reg leaves them unregistered (useful in tests).
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cortex_rag",
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "Generation calls per provider and model.",
		}, []string{"provider", "model", "mode"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cortex_rag",
			Subsystem: "llm",
			Name:      "errors_total",
			Help:      "Failed generation calls per provider and model.",
		}, []string{"provider", "model", "mode"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cortex_rag",
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Tokens consumed per provider, model and direction.",
		}, []string{"provider", "model", "direction"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cortex_rag",
			Subsystem: "llm",
			Name:      "estimated_cost_usd_total",
			Help:      "Estimated spend per provider.",
		}, []string{"provider"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cortex_rag",
			Subsystem: "llm",
			Name:      "latency_seconds",
			Help:      "Generation latency per provider and model.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model", "mode"}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	if m.calls, err = register(reg, m.calls); err != nil {
		return nil, err
	}
	if m.errors, err = register(reg, m.errors); err != nil {
		return nil, err
	}
	if m.tokens, err = register(reg, m.tokens); err != nil {
		return nil, err
	}
	if m.cost, err = register(reg, m.cost); err != nil {
		return nil, err
	}
	if m.latency, err = register(reg, m.latency); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, reusing the collector already registered under
// the same descriptor.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// METRICS PROVIDER (decorator)
// ═══════════════════════════════════════════════════════════════════════════════

// MetricsProvider wraps a provider with timing and metrics collection.
type MetricsProvider struct {
	provider Provider
	metrics  *Metrics
	vendor   Vendor

	mu     sync.Mutex
	totals ProviderTotals
}

// ProviderTotals is the in-process summary of a MetricsProvider.
type ProviderTotals struct {
	Calls            int64
	Errors           int64
	InputTokens      int64
	OutputTokens     int64
	EstimatedCostUSD float64
	TotalLatency     time.Duration
}

// AvgLatency returns the mean call latency.
func (t ProviderTotals) AvgLatency() time.Duration {
	if t.Calls == 0 {
		return 0
	}
	return t.TotalLatency / time.Duration(t.Calls)
}

// NewMetricsProvider wraps a provider with metrics collection.
func NewMetricsProvider(provider Provider, metrics *Metrics) *MetricsProvider {
	return &MetricsProvider{
		provider: provider,
		metrics:  metrics,
		vendor:   Vendor(provider.Name()),
	}
}

// Name implements Provider.
func (m *MetricsProvider) Name() string { return m.provider.Name() }

// Models implements Provider.
func (m *MetricsProvider) Models() []string { return m.provider.Models() }

// Available implements Provider.
func (m *MetricsProvider) Available() bool { return m.provider.Available() }

// Unwrap returns the underlying provider.
func (m *MetricsProvider) Unwrap() Provider { return m.provider }

// Totals returns a snapshot of the in-process counters.
func (m *MetricsProvider) Totals() ProviderTotals {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totals
}

// Generate implements Provider with metrics.
func (m *MetricsProvider) Generate(ctx context.Context, msgs []Message, system string, cfg ProviderConfig) (*GenerationResult, error) {
	start := time.Now()
	log.Debug().Str("provider", m.Name()).Str("model", cfg.Model).Msg("starting generation")

	resp, err := m.provider.Generate(ctx, msgs, system, cfg)

	model := cfg.Model
	in, out := 0, 0
	if resp != nil {
		if resp.Model != "" {
			model = resp.Model
		}
		in, out = resp.InputTokens, resp.OutputTokens
	}
	m.record("complete", model, time.Since(start), in, out, err)
	return resp, err
}

// GenerateStream implements Provider with metrics. Usage is recorded when
// the final chunk passes through.
func (m *MetricsProvider) GenerateStream(ctx context.Context, msgs []Message, system string, cfg ProviderConfig) (<-chan StreamChunk, error) {
	start := time.Now()
	stream, err := m.provider.GenerateStream(ctx, msgs, system, cfg)
	if err != nil {
		m.record("stream", cfg.Model, time.Since(start), 0, 0, err)
		return nil, err
	}

	out := make(chan StreamChunk, streamBufferSize)
	go func() {
		defer close(out)
		recorded := false
		for chunk := range stream {
			if chunk.Final && !recorded {
				recorded = true
				model := chunk.Model
				if model == "" {
					model = cfg.Model
				}
				m.record("stream", model, time.Since(start), chunk.InputTokens, chunk.OutputTokens, chunk.Err)
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				// Drain so the inner producer can exit.
				for range stream {
				}
				if !recorded {
					m.record("stream", cfg.Model, time.Since(start), 0, 0, ctx.Err())
				}
				return
			}
		}
		if !recorded {
			m.record("stream", cfg.Model, time.Since(start), 0, 0, ctx.Err())
		}
	}()
	return out, nil
}

func (m *MetricsProvider) record(mode, model string, latency time.Duration, in, out int, err error) {
	provider := m.Name()
	cost := CostRate(m.vendor).Cost(in, out)

	if m.metrics != nil {
		m.metrics.calls.WithLabelValues(provider, model, mode).Inc()
		m.metrics.latency.WithLabelValues(provider, model, mode).Observe(latency.Seconds())
		if err != nil {
			m.metrics.errors.WithLabelValues(provider, model, mode).Inc()
		}
		m.metrics.tokens.WithLabelValues(provider, model, "input").Add(float64(in))
		m.metrics.tokens.WithLabelValues(provider, model, "output").Add(float64(out))
		m.metrics.cost.WithLabelValues(provider).Add(cost)
	}

	m.mu.Lock()
	m.totals.Calls++
	if err != nil {
		m.totals.Errors++
	}
	m.totals.InputTokens += int64(in)
	m.totals.OutputTokens += int64(out)
	m.totals.EstimatedCostUSD += cost
	m.totals.TotalLatency += latency
	m.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Str("provider", provider).Str("model", model).Dur("latency", latency).Msg("generation failed")
		return
	}
	log.Info().Str("provider", provider).Str("model", model).Dur("latency", latency).
		Int("tokens", in+out).Float64("cost_usd", cost).Msg("generation completed")
}
