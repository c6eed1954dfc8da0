package engine

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/cortex-rag/internal/breaker"
	"github.com/normanking/cortex-rag/internal/llm"
	"github.com/normanking/cortex-rag/internal/logging"
	"github.com/normanking/cortex-rag/internal/retrieval"
	"github.com/normanking/cortex-rag/internal/router"
)

// Engine answers queries. It owns the router, retriever, provider registry
// and breaker; none of them refer back to it.
type Engine struct {
	router    *router.Router
	retriever *retrieval.Retriever
	registry  *llm.Registry
	breaker   *breaker.Breaker
	cfg       Config

	memory MemoryStore
	convo  ConversationLog
	creds  CredentialStore

	pending sync.WaitGroup
}

// Option configures optional collaborators.
type Option func(*Engine)

// WithMemory enables conversation memory.
func WithMemory(m MemoryStore) Option {
	return func(e *Engine) { e.memory = m }
}

// WithConversationLog enables the analytics log.
func WithConversationLog(l ConversationLog) Option {
	return func(e *Engine) { e.convo = l }
}

// WithCredentials enables per-tenant provider keys.
func WithCredentials(c CredentialStore) Option {
	return func(e *Engine) { e.creds = c }
}

// New creates an Engine. retriever may be nil, in which case no context is
// ever retrieved.
func New(r *router.Router, retriever *retrieval.Retriever, registry *llm.Registry, b *breaker.Breaker, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		router:    r,
		retriever: retriever,
		registry:  registry,
		breaker:   b,
		cfg:       cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Wait blocks until pending conversation-log writes finish.
func (e *Engine) Wait() {
	e.pending.Wait()
}

// ═══════════════════════════════════════════════════════════════════════════════
// PLANNING
// ═══════════════════════════════════════════════════════════════════════════════

// target is a resolved provider/model pair and the circuit guarding it.
type target struct {
	vendor   llm.Vendor
	model    string
	provider llm.Provider
	circuit  string
}

// plan is everything decided before generation starts.
type plan struct {
	query     string
	opts      Options
	start     time.Time
	decision  *router.RoutingDecision
	retrieved *retrieval.Result

	primary      target
	fallback     *target
	msgs         []llm.Message
	fallbackMsgs []llm.Message
	system       string
	reflect      bool
}

// generation is the output of one guarded provider call.
type generation struct {
	result   *llm.GenerationResult
	target   target
	fallback bool
}

// searchKinds returns the retrieval sources the decision will actually use.
func (e *Engine) searchKinds(d *router.RoutingDecision) (index, web bool) {
	if e.retriever == nil {
		return false, false
	}
	return d.ShouldUseIndex() && e.retriever.HasIndex(), d.ShouldUseWeb() && e.retriever.HasWeb()
}

func (e *Engine) retrieve(ctx context.Context, query, tenant string, d *router.RoutingDecision) *retrieval.Result {
	index, web := e.searchKinds(d)
	if !index && !web {
		return &retrieval.Result{}
	}
	return e.retriever.Fetch(ctx, query, tenant, index, web)
}

// resolve picks the primary provider: explicit vendor, else the vendor of
// an explicit model, else the configured default. The key comes from the
// request, then the credential store, then the process default.
func (e *Engine) resolve(ctx context.Context, opts Options) (target, error) {
	var t target
	switch {
	case opts.Provider != "":
		t.vendor = llm.Vendor(strings.ToLower(strings.TrimSpace(opts.Provider)))
		t.model = opts.Model
	case opts.Model != "":
		t.vendor = llm.DetectVendor(opts.Model, e.cfg.DefaultVendor)
		t.model = opts.Model
	default:
		t.vendor = e.cfg.DefaultVendor
		t.model = e.cfg.DefaultModel
	}

	key := opts.APIKey
	if key == "" {
		key = e.tenantKey(ctx, opts.TenantID, t.vendor)
	}
	p, err := e.registry.Provider(t.vendor, key)
	if err != nil {
		return target{}, fmt.Errorf("resolve provider: %w", err)
	}
	t.provider = p
	t.circuit = string(t.vendor)
	return t, nil
}

// resolveFallback returns the configured secondary target, or nil when none
// is configured or it equals the primary. A fallback on the primary's vendor
// gets a circuit of its own, named vendor:model, so its outcomes never reset
// or trip the primary's circuit.
func (e *Engine) resolveFallback(ctx context.Context, opts Options, primary target) *target {
	if e.cfg.FallbackVendor == "" && e.cfg.FallbackModel == "" {
		return nil
	}
	t := target{vendor: e.cfg.FallbackVendor, model: e.cfg.FallbackModel}
	if t.vendor == "" {
		t.vendor = llm.DetectVendor(t.model, e.cfg.DefaultVendor)
	}
	if t.vendor == primary.vendor && t.model == primary.model {
		return nil
	}

	key := e.tenantKey(ctx, opts.TenantID, t.vendor)
	if key == "" && t.vendor == primary.vendor {
		key = opts.APIKey
	}
	p, err := e.registry.Provider(t.vendor, key)
	if err != nil {
		log.Warn().Err(err).Str("provider", string(t.vendor)).Msg("fallback provider unavailable")
		return nil
	}
	t.provider = p
	t.circuit = fallbackCircuit(t, primary)
	return &t
}

func fallbackCircuit(fb, primary target) string {
	if fb.vendor == primary.vendor {
		return string(fb.vendor) + ":" + fb.model
	}
	return string(fb.vendor)
}

func (e *Engine) tenantKey(ctx context.Context, tenant string, v llm.Vendor) string {
	if e.creds == nil || tenant == "" {
		return ""
	}
	if key, ok := e.creds.Resolve(ctx, tenant, string(v)); ok {
		return key
	}
	return ""
}

// MemoryScope returns the memory scope of a tenant's conversation.
// Conversation IDs are chosen by callers, so two tenants may share one; the
// escaped tenant prefix keeps their histories apart.
func MemoryScope(tenantID, conversationID string) string {
	return url.PathEscape(tenantID) + "/" + conversationID
}

func (e *Engine) recall(ctx context.Context, opts Options) []Turn {
	limit := e.cfg.MemoryLimit
	if opts.MemoryLimit > 0 {
		limit = opts.MemoryLimit
	}
	if e.memory == nil || opts.ConversationID == "" || limit <= 0 {
		return nil
	}
	turns, err := e.memory.Recent(ctx, MemoryScope(opts.TenantID, opts.ConversationID), limit)
	if err != nil {
		log.Warn().Err(err).Str("conversation", opts.ConversationID).Msg("memory recall failed")
		return nil
	}
	return turns
}

// prepare resolves providers and builds both message sequences once
// routing and retrieval are done.
func (e *Engine) prepare(ctx context.Context, p *plan) error {
	primary, err := e.resolve(ctx, p.opts)
	if err != nil {
		return err
	}
	p.primary = primary
	p.fallback = e.resolveFallback(ctx, p.opts, primary)

	p.msgs = buildMessages(e.recall(ctx, p.opts), p.query, p.retrieved.Context)
	p.fallbackMsgs = buildMessages(nil, p.query, p.retrieved.Context)

	p.system = e.cfg.SystemPrompt
	if p.opts.SystemPrompt != "" {
		p.system = p.opts.SystemPrompt
	}
	p.reflect = p.decision.ShouldUseReflection()
	return nil
}

func (e *Engine) providerConfig(opts Options, model string) llm.ProviderConfig {
	cfg := llm.DefaultProviderConfig(model)
	cfg.Temperature = *e.cfg.Temperature
	cfg.MaxTokens = e.cfg.MaxTokens
	if opts.Temperature != nil {
		cfg.Temperature = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		cfg.MaxTokens = opts.MaxTokens
	}
	return cfg
}

func cleanQuery(query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", ErrEmptyQuery
	}
	return query, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ANSWER
// ═══════════════════════════════════════════════════════════════════════════════

// Answer runs the full pipeline and returns the complete answer.
//
// Routing and retrieval failures only reduce context. A provider failure
// the fallback cannot recover is a *GenerationError; an open circuit with
// no fallback is a *breaker.OpenError carrying RetryAfter.
func (e *Engine) Answer(ctx context.Context, query string, opts Options) (*Answer, error) {
	query, err := cleanQuery(query)
	if err != nil {
		return nil, err
	}
	p := &plan{query: query, opts: opts, start: time.Now()}
	p.decision = e.router.Route(ctx, query, opts.Overrides)
	p.retrieved = e.retrieve(ctx, query, opts.TenantID, p.decision)
	if err := e.prepare(ctx, p); err != nil {
		return nil, err
	}

	primary := func(ctx context.Context) (*generation, error) {
		return e.generate(ctx, p.primary, p.msgs, p.system, p.opts, p.reflect)
	}
	var fallback func(context.Context) (*generation, error)
	if p.fallback != nil {
		fb := *p.fallback
		fallback = func(ctx context.Context) (*generation, error) {
			out := breaker.Guard(ctx, e.breaker, fb.circuit, func(ctx context.Context) (*generation, error) {
				return e.generate(ctx, fb, p.fallbackMsgs, p.system, p.opts, p.reflect)
			}, nil)
			g, err := out.Unwrap()
			if err != nil {
				return nil, err
			}
			g.fallback = true
			return g, nil
		}
	}

	out := breaker.Guard(ctx, e.breaker, p.primary.circuit, primary, fallback)
	switch out.Kind {
	case breaker.OpenCircuit:
		log.Warn().Str("provider", string(p.primary.vendor)).Dur("retry_after", out.RetryAfter).Msg("circuit open, no fallback")
		return nil, out.Err
	case breaker.Failed:
		log.Error().Err(out.Err).
			Str("provider", string(p.primary.vendor)).
			Str("model", p.primary.model).
			Dur("latency", time.Since(p.start)).
			Msg("generation failed")
		return nil, &GenerationError{Provider: string(p.primary.vendor), Model: p.primary.model, Err: out.Err}
	case breaker.Fallback:
		log.Warn().Err(out.Cause).
			Str("provider", string(p.primary.vendor)).
			Str("fallback", string(out.Value.target.vendor)).
			Msg("answered by fallback provider")
	}

	g := out.Value
	answer := &Answer{
		Text:         g.result.Text,
		Sources:      sourcesOrEmpty(p.retrieved.Sources),
		Routing:      p.decision,
		Reasoning:    g.result.Reasoning,
		ModelUsed:    modelUsed(g.result.Model, g.target.model),
		ProviderUsed: string(g.target.vendor),
		InputTokens:  g.result.InputTokens,
		OutputTokens: g.result.OutputTokens,
		Elapsed:      time.Since(p.start),
		Fallback:     g.fallback,
	}
	e.persist(ctx, p, answer, false)
	return answer, nil
}

// generate makes one provider call, in reflection mode when asked.
func (e *Engine) generate(ctx context.Context, t target, msgs []llm.Message, system string, opts Options, reflect bool) (*generation, error) {
	cfg := e.providerConfig(opts, t.model)
	var (
		res *llm.GenerationResult
		err error
	)
	if reflect {
		res, err = llm.GenerateWithReflection(ctx, t.provider, msgs, system, cfg)
	} else {
		res, err = t.provider.Generate(ctx, msgs, system, cfg)
	}
	if err != nil {
		return nil, err
	}
	return &generation{result: res, target: t}, nil
}

func modelUsed(reported, requested string) string {
	if reported != "" {
		return reported
	}
	return requested
}

func sourcesOrEmpty(s []retrieval.Source) []retrieval.Source {
	if s == nil {
		return []retrieval.Source{}
	}
	return s
}

// ═══════════════════════════════════════════════════════════════════════════════
// PERSISTENCE
// ═══════════════════════════════════════════════════════════════════════════════

// persist writes the exchange to memory, then hands the log entry to a
// background writer. Neither can fail the request.
func (e *Engine) persist(ctx context.Context, p *plan, a *Answer, streamed bool) {
	if e.memory != nil && p.opts.ConversationID != "" {
		scope := MemoryScope(p.opts.TenantID, p.opts.ConversationID)
		mctx, cancel := logging.DetachContextWithTimeout(ctx, e.cfg.LogTimeout)
		if err := e.memory.Append(mctx, scope, "user", p.query); err != nil {
			log.Warn().Err(err).Str("conversation", p.opts.ConversationID).Msg("memory append failed")
		} else if err := e.memory.Append(mctx, scope, "assistant", a.Text); err != nil {
			log.Warn().Err(err).Str("conversation", p.opts.ConversationID).Msg("memory append failed")
		}
		cancel()
	}

	if e.convo == nil {
		return
	}
	entry := Entry{
		TenantID:       p.opts.TenantID,
		ConversationID: p.opts.ConversationID,
		Query:          p.query,
		Answer:         a.Text,
		Sources:        a.Sources,
		Routing:        a.Routing,
		Provider:       a.ProviderUsed,
		Model:          a.ModelUsed,
		InputTokens:    a.InputTokens,
		OutputTokens:   a.OutputTokens,
		Latency:        a.Elapsed,
		Fallback:       a.Fallback,
		Streamed:       streamed,
		CreatedAt:      time.Now(),
	}

	logCtx, cancel := logging.DetachContextWithTimeout(ctx, e.cfg.LogTimeout)
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		defer cancel()
		if err := e.convo.Record(logCtx, entry); err != nil {
			log.Warn().Err(err).Str("tenant", entry.TenantID).Msg("conversation log write failed")
		}
	}()
}
