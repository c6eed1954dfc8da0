package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Retriever fetches context from the document index and the web. Any of
// its collaborators may be nil; the matching source is then skipped.
type Retriever struct {
	embedder Embedder
	store    VectorStore
	web      WebSearcher
	cfg      Config
}

// New creates a Retriever.
func New(embedder Embedder, store VectorStore, web WebSearcher, cfg Config) *Retriever {
	return &Retriever{
		embedder: embedder,
		store:    store,
		web:      web,
		cfg:      cfg.withDefaults(),
	}
}

// Config returns the effective configuration.
func (r *Retriever) Config() Config {
	return r.cfg
}

// HasIndex reports whether index search is possible.
func (r *Retriever) HasIndex() bool {
	return r.embedder != nil && r.store != nil
}

// HasWeb reports whether web search is configured and enabled.
func (r *Retriever) HasWeb() bool {
	return r.web != nil && r.web.Enabled()
}

// ═══════════════════════════════════════════════════════════════════════════════
// INDEX SEARCH
// ═══════════════════════════════════════════════════════════════════════════════

// SearchIndex embeds query and returns the matches at or above the
// similarity threshold. No matches is an empty result, not an error.
func (r *Retriever) SearchIndex(ctx context.Context, query, tenant string) (*Result, error) {
	if !r.HasIndex() {
		return nil, ErrIndexNotConfigured
	}
	start := time.Now()

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	matches, err := r.store.Nearest(ctx, vector, r.cfg.Threshold, r.cfg.Limit, tenant)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	result := &Result{Sources: make([]Source, 0, len(matches))}
	texts := make([]string, 0, len(matches))
	for _, m := range matches {
		// Stores are asked for threshold and limit, but not all honor both
		if m.Score < r.cfg.Threshold || len(texts) == r.cfg.Limit {
			continue
		}
		score := m.Score
		texts = append(texts, m.Text)
		result.Sources = append(result.Sources, Source{
			Kind:    SourceIndex,
			Preview: truncate(m.Text, r.cfg.PreviewLength),
			Score:   &score,
			Locator: m.Locator,
		})
	}
	result.Context = strings.Join(texts, MatchSeparator)

	log.Debug().
		Str("tenant", tenant).
		Int("matches", len(texts)).
		Dur("latency", time.Since(start)).
		Msg("index search completed")
	return result, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// WEB SEARCH
// ═══════════════════════════════════════════════════════════════════════════════

// SearchWeb runs a web search. It returns nil when web search is disabled,
// finds nothing, or fails; failures are logged.
func (r *Retriever) SearchWeb(ctx context.Context, query string) *WebResult {
	if !r.HasWeb() {
		return nil
	}
	start := time.Now()

	res, err := r.web.Search(ctx, query, r.cfg.WebMaxChars)
	if err != nil {
		log.Warn().Err(err).Dur("latency", time.Since(start)).Msg("web search failed")
		return nil
	}
	if res == nil || strings.TrimSpace(res.Text) == "" {
		return nil
	}

	res.Text = truncate(res.Text, r.cfg.WebMaxChars)
	log.Debug().Int("urls", len(res.URLs)).Dur("latency", time.Since(start)).Msg("web search completed")
	return res
}

// webSources builds one Source per result URL, or a single unlocated source
// when the searcher returned none.
func (r *Retriever) webSources(res *WebResult) []Source {
	if len(res.URLs) == 0 {
		return []Source{{Kind: SourceWeb, Preview: truncate(res.Text, r.cfg.PreviewLength)}}
	}

	sources := make([]Source, 0, len(res.URLs))
	for i, u := range res.URLs {
		preview := res.Text
		if i < len(res.Snippets) && res.Snippets[i] != "" {
			preview = res.Snippets[i]
		}
		sources = append(sources, Source{
			Kind:    SourceWeb,
			Preview: truncate(preview, r.cfg.PreviewLength),
			Locator: u,
		})
	}
	return sources
}

// ═══════════════════════════════════════════════════════════════════════════════
// FETCH + FUSION
// ═══════════════════════════════════════════════════════════════════════════════

// Fetch runs the requested searches concurrently and fuses their context.
// Failures degrade to less context; Fetch itself never fails. Index
// sources come before web sources.
func (r *Retriever) Fetch(ctx context.Context, query, tenant string, useIndex, useWeb bool) *Result {
	var (
		g   errgroup.Group
		idx *Result
		web *WebResult
	)

	if useIndex && r.HasIndex() {
		g.Go(func() error {
			res, err := r.SearchIndex(ctx, query, tenant)
			if err != nil {
				return fmt.Errorf("index search: %w", err)
			}
			idx = res
			return nil
		})
	}
	if useWeb {
		g.Go(func() error {
			web = r.SearchWeb(ctx, query)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Str("tenant", tenant).Msg("retrieval degraded")
	}

	out := &Result{}
	indexCtx, webCtx := "", ""
	if idx != nil {
		indexCtx = idx.Context
		out.Sources = append(out.Sources, idx.Sources...)
	}
	if web != nil {
		webCtx = web.Text
		out.Sources = append(out.Sources, r.webSources(web)...)
	}
	out.Context = Fuse(indexCtx, webCtx)
	return out
}

// Fuse merges index and web context. Both present gives two labeled
// sections; one present is returned as is; none gives "".
func Fuse(indexCtx, webCtx string) string {
	indexCtx = strings.TrimSpace(indexCtx)
	webCtx = strings.TrimSpace(webCtx)

	switch {
	case indexCtx != "" && webCtx != "":
		return DocumentsHeader + "\n\n" + indexCtx + "\n\n" + WebHeader + "\n\n" + webCtx
	case indexCtx != "":
		return indexCtx
	default:
		return webCtx
	}
}
