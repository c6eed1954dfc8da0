// Package retrieval builds supporting context for a query from a semantic
// document index and from live web search, with provenance for every piece.
package retrieval

import (
	"context"
)

// Embedder turns text into a vector.
type Embedder interface {
	// Embed returns the embedding of text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorStore is the semantic document index.
type VectorStore interface {
	// Nearest returns up to limit matches whose similarity is at least
	// threshold, best first. An empty tenant searches unscoped documents.
	Nearest(ctx context.Context, vector []float32, threshold float64, limit int, tenant string) ([]Match, error)
}

// WebSearcher is a live web search backend.
type WebSearcher interface {
	// Search returns at most maxChars of result text. A nil result with a nil
	// error means nothing was found.
	Search(ctx context.Context, query string, maxChars int) (*WebResult, error)

	// Enabled reports whether the searcher has the credentials it needs.
	Enabled() bool
}

// Match is one vector store hit.
type Match struct {
	ID    string  `json:"id"`
	Text  string  `json:"text"`
	Score float64 `json:"score"` // similarity in [0, 1]

	// Locator identifies the source document (file name, URL), if known.
	Locator string `json:"locator,omitempty"`
}

// WebResult is the output of a web search.
type WebResult struct {
	Text string   `json:"text"`
	URLs []string `json:"urls"`

	// Snippets optionally holds one excerpt per URL, aligned by index.
	Snippets []string `json:"snippets,omitempty"`
}
