package main

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/normanking/cortex-rag/internal/breaker"
	"github.com/normanking/cortex-rag/internal/embedding"
	"github.com/normanking/cortex-rag/internal/engine"
	"github.com/normanking/cortex-rag/internal/llm"
	"github.com/normanking/cortex-rag/internal/retrieval"
	"github.com/normanking/cortex-rag/internal/router"
	"github.com/normanking/cortex-rag/internal/store"
	"github.com/normanking/cortex-rag/internal/vectorstore"
	"github.com/normanking/cortex-rag/internal/websearch"
)

// app holds the wired pipeline for one CLI invocation.
type app struct {
	registry  *llm.Registry
	breaker   *breaker.Breaker
	router    *router.Router
	retriever *retrieval.Retriever
	engine    *engine.Engine
	store     *store.Store

	closers []io.Closer
}

// newApp builds the pipeline from the loaded configuration.
func newApp() (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &app{}

	metrics, err := llm.NewMetrics(metricsReg)
	if err != nil {
		return nil, fmt.Errorf("register llm metrics: %w", err)
	}
	a.registry = llm.NewRegistry(metrics)
	for _, v := range llm.AllVendors() {
		a.registry.Configure(v, cfg.ClientConfig(v))
	}
	log.Debug().Interface("available", a.registry.Available()).Msg("providers configured")

	gauge, err := breaker.NewStateGauge(metricsReg)
	if err != nil {
		return nil, fmt.Errorf("register breaker metrics: %w", err)
	}
	a.breaker = breaker.New(cfg.Breaker, breaker.WithStateGauge(gauge))

	a.router = router.New(cfg.RouterOptions(a.classifier())...)

	a.retriever, err = a.newRetriever()
	if err != nil {
		a.Close()
		return nil, err
	}

	var opts []engine.Option
	if cfg.Storage.Enabled {
		a.store, err = store.Open(cfg.Storage.DBPath)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.closers = append(a.closers, a.store)
		opts = append(opts, engine.WithMemory(a.store), engine.WithConversationLog(a.store))
	}
	opts = append(opts, engine.WithCredentials(store.NewEnvCredentials(cfg.Credentials)))

	a.engine = engine.New(a.router, a.retriever, a.registry, a.breaker, cfg.EngineConfig(), opts...)
	return a, nil
}

// classifier returns the model classifier, or nil when it is disabled or
// its provider cannot be built.
func (a *app) classifier() router.Classifier {
	c := cfg.Router.Classifier
	if !c.Enabled {
		return nil
	}
	p, err := a.registry.Provider(llm.Vendor(c.Provider), "")
	if err != nil {
		log.Warn().Err(err).Str("provider", c.Provider).Msg("intent classifier unavailable, using fast rules only")
		return nil
	}
	return router.NewLLMClassifier(p, c.Model)
}

func (a *app) newRetriever() (*retrieval.Retriever, error) {
	rc := cfg.Retrieval

	var (
		embedder retrieval.Embedder
		index    retrieval.VectorStore
		web      retrieval.WebSearcher
	)

	if rc.Qdrant.Enabled {
		ollama, err := embedding.NewOllamaEmbedder(rc.Embedding.OllamaConfig, nil)
		if err != nil {
			return nil, fmt.Errorf("create embedder: %w", err)
		}
		cached, err := embedding.NewCachedEmbedder(ollama, rc.Embedding.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create embedding cache: %w", err)
		}
		qs, err := vectorstore.DialQdrant(rc.Qdrant.QdrantConfig)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, qs)
		embedder, index = cached, qs
	}

	if rc.Web.Enabled {
		ws := websearch.NewTavilySearcher(rc.Web.Config)
		if !ws.Enabled() {
			log.Debug().Msg("web search enabled without an API key; skipping")
		}
		web = ws
	}

	return retrieval.New(embedder, index, web, rc.Config), nil
}

// Close waits for pending conversation log writes and releases resources.
func (a *app) Close() {
	if a.engine != nil {
		a.engine.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			log.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}
