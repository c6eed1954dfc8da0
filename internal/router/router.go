package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultCacheTTL is how long a cached decision stays valid.
	DefaultCacheTTL = 300 * time.Second

	// DefaultCacheCapacity is the entry count above which the cache is pruned.
	DefaultCacheCapacity = 1000

	// DefaultCacheRetain is how many of the most recently inserted entries
	// survive a prune.
	DefaultCacheRetain = 500

	// DefaultClassifierTimeout bounds one model classification call.
	DefaultClassifierTimeout = 2000 * time.Millisecond

	// FallbackConfidence is the confidence of the default decision.
	FallbackConfidence = 0.5
)

// Router implements the cache → fast rules → model → fallback pipeline.
// It is safe for concurrent use; the cache lock is never held across a
// classifier call.
type Router struct {
	fast              *FastClassifier
	documentKeywords  []string
	classifier        Classifier
	classifierTimeout time.Duration
	modelEnabled      bool
	fallback          RoutingDecision
	ttl               time.Duration
	capacity          int
	retain            int
	now               func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
	seq   uint64

	// Statistics (guarded by mu)
	stats         Stats
	confidenceSum float64
}

type cacheEntry struct {
	decision RoutingDecision
	seq      uint64
}

// Option is a functional option for configuring Router.
type Option func(*Router)

// WithClassifier sets the model classifier and enables model classification.
func WithClassifier(c Classifier) Option {
	return func(r *Router) {
		r.classifier = c
		r.modelEnabled = c != nil
	}
}

// WithModelClassification enables or disables the model step without
// removing the classifier.
func WithModelClassification(enabled bool) Option {
	return func(r *Router) {
		r.modelEnabled = enabled
	}
}

// WithClassifierTimeout sets the per-call classifier timeout.
func WithClassifierTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.classifierTimeout = d
		}
	}
}

// WithDefaultDecision sets the index/web flags of the fallback decision.
func WithDefaultDecision(useIndex, useWeb bool) Option {
	return func(r *Router) {
		r.fallback.UseIndex = useIndex
		r.fallback.UseWeb = useWeb
		switch {
		case useIndex && useWeb:
			r.fallback.Intent = IntentHybrid
		case useWeb:
			r.fallback.Intent = IntentWebSearch
		default:
			r.fallback.Intent = IntentGeneral
		}
	}
}

// WithCacheTTL sets the decision cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Router) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithCacheCapacity sets the prune threshold and how many entries survive
// a prune.
func WithCacheCapacity(capacity, retain int) Option {
	return func(r *Router) {
		if capacity <= 0 {
			return
		}
		r.capacity = capacity
		r.retain = retain
		if r.retain <= 0 || r.retain > capacity {
			r.retain = capacity / 2
		}
	}
}

// WithDocumentKeywords adds phrases that always route to the document index.
func WithDocumentKeywords(keywords ...string) Option {
	return func(r *Router) {
		r.documentKeywords = append(r.documentKeywords, keywords...)
	}
}

// WithClock sets the clock used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		r.now = now
	}
}

// New creates a Router. Without WithClassifier, queries no fast rule
// matches get the default decision.
func New(opts ...Option) *Router {
	r := &Router{
		classifierTimeout: DefaultClassifierTimeout,
		fallback: RoutingDecision{
			Intent:   IntentGeneral,
			UseIndex: true,
		},
		ttl:      DefaultCacheTTL,
		capacity: DefaultCacheCapacity,
		retain:   DefaultCacheRetain,
		now:      time.Now,
		cache:    make(map[string]cacheEntry),
		stats: Stats{
			IntentDistribution: make(map[Intent]int64),
		},
	}

	for _, opt := range opts {
		opt(r)
	}

	r.fast = NewFastClassifier(r.documentKeywords...)
	return r
}

// Route classifies query and returns a fresh decision carrying overrides.
// It never fails: classifier problems degrade to the default decision.
func (r *Router) Route(ctx context.Context, query string, overrides Overrides) *RoutingDecision {
	start := time.Now()
	key := normalize(query)

	// 1. Cache
	if d, ok := r.lookup(key); ok {
		d.Path = PathCache
		return r.finish(&d, overrides, start)
	}

	// 2. Fast rules
	if d, ok := r.fast.Classify(key); ok {
		r.store(key, d)
		return r.finish(d, overrides, start)
	}

	// 3. Model classification, 4. fallback
	d, cacheable := r.classify(ctx, query)
	if cacheable {
		r.store(key, d)
	}
	return r.finish(d, overrides, start)
}

// classify runs the model step. Fallback decisions caused by classifier
// errors are not cacheable so the next call retries the model.
func (r *Router) classify(ctx context.Context, query string) (*RoutingDecision, bool) {
	if !r.modelEnabled || r.classifier == nil {
		return r.fallbackDecision("model classification disabled"), true
	}
	if normalize(query) == "" {
		return r.fallbackDecision("empty query"), false
	}

	cctx, cancel := context.WithTimeout(ctx, r.classifierTimeout)
	defer cancel()

	type result struct {
		d   *RoutingDecision
		err error
	}
	done := make(chan result, 1)
	go func() {
		d, err := r.classifier.Classify(cctx, query)
		done <- result{d, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-cctx.Done():
		res.err = cctx.Err()
	}

	if res.err == nil && res.d == nil {
		res.err = errors.New("classifier returned no decision")
	}
	if res.err != nil {
		reason := "classifier failed"
		if errors.Is(res.err, context.DeadlineExceeded) {
			reason = fmt.Sprintf("classifier timed out after %s", r.classifierTimeout)
		}
		log.Warn().Err(res.err).Dur("timeout", r.classifierTimeout).Msg("model classification failed, using default decision")
		return r.fallbackDecision(reason), false
	}

	d := *res.d
	d.Path = PathModel
	d.Confidence = clamp(d.Confidence, 0, 1)
	if !d.Intent.IsValid() {
		d.Intent = IntentGeneral
	}
	return &d, true
}

func (r *Router) fallbackDecision(reason string) *RoutingDecision {
	d := r.fallback
	d.Confidence = FallbackConfidence
	d.Reasoning = "fallback: " + reason
	d.Path = PathFallback
	return &d
}

// lookup returns a copy of the cached base decision for key. Expired
// entries are removed.
func (r *Router) lookup(key string) (RoutingDecision, bool) {
	if key == "" {
		return RoutingDecision{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.cache[key]
	if !ok {
		return RoutingDecision{}, false
	}
	if r.now().Sub(entry.decision.CachedAt) >= r.ttl {
		delete(r.cache, key)
		return RoutingDecision{}, false
	}
	return entry.decision, true
}

// store caches the base form of d and stamps d.CachedAt.
func (r *Router) store(key string, d *RoutingDecision) {
	if key == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	d.CachedAt = r.now()
	r.seq++
	r.cache[key] = cacheEntry{decision: d.base(), seq: r.seq}

	if len(r.cache) > r.capacity {
		r.prune()
	}
}

// prune keeps the r.retain most recently inserted entries. Caller holds mu.
func (r *Router) prune() {
	type keyed struct {
		key string
		seq uint64
	}
	entries := make([]keyed, 0, len(r.cache))
	for k, e := range r.cache {
		entries = append(entries, keyed{k, e.seq})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq > entries[j].seq })

	for _, e := range entries[r.retain:] {
		delete(r.cache, e.key)
	}
	log.Debug().Int("evicted", len(entries)-r.retain).Int("retained", r.retain).Msg("routing cache pruned")
}

// finish overlays the caller's overrides and updates statistics.
func (r *Router) finish(d *RoutingDecision, overrides Overrides, start time.Time) *RoutingDecision {
	out := d.withOverrides(overrides)
	out.Latency = time.Since(start)

	r.mu.Lock()
	r.stats.TotalRequests++
	switch out.Path {
	case PathCache:
		r.stats.CacheHits++
	case PathFast:
		r.stats.FastHits++
	case PathModel:
		r.stats.ModelHits++
	case PathFallback:
		r.stats.Fallbacks++
	}
	r.confidenceSum += out.Confidence
	r.stats.AverageConfidence = r.confidenceSum / float64(r.stats.TotalRequests)
	r.stats.IntentDistribution[out.Intent]++
	r.mu.Unlock()

	log.Debug().
		Str("intent", out.Intent.String()).
		Str("path", string(out.Path)).
		Float64("confidence", out.Confidence).
		Bool("index", out.ShouldUseIndex()).
		Bool("web", out.ShouldUseWeb()).
		Dur("latency", out.Latency).
		Msg("query routed")

	return out
}

// Stats returns a copy of the current routing statistics.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	dist := make(map[Intent]int64, len(r.stats.IntentDistribution))
	for k, v := range r.stats.IntentDistribution {
		dist[k] = v
	}

	s := r.stats
	s.IntentDistribution = dist
	s.CacheSize = len(r.cache)
	return s
}

// ResetStats resets all routing statistics.
func (r *Router) ResetStats() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats = Stats{IntentDistribution: make(map[Intent]int64)}
	r.confidenceSum = 0
}

// ClearCache drops every cached decision.
func (r *Router) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cache = make(map[string]cacheEntry)
}
