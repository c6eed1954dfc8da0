package embedding

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/normanking/cortex-rag/internal/retrieval"
)

// DefaultCacheSize is the number of query vectors kept by CachedEmbedder.
const DefaultCacheSize = 1024

// CachedEmbedder memoizes another embedder by normalized text.
type CachedEmbedder struct {
	next  retrieval.Embedder
	cache *lru.Cache[string, []float32]
}

// NewCachedEmbedder wraps next with an LRU cache holding size vectors.
func NewCachedEmbedder(next retrieval.Embedder, size int) (*CachedEmbedder, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("init embedding cache: %w", err)
	}
	return &CachedEmbedder{next: next, cache: cache}, nil
}

// Embed implements retrieval.Embedder. Returned vectors are copies.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	if v, ok := c.cache.Get(key); ok {
		return clone(v), nil
	}

	v, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, clone(v))
	return v, nil
}

// Len returns the number of cached vectors.
func (c *CachedEmbedder) Len() int {
	return c.cache.Len()
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
