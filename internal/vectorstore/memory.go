package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/normanking/cortex-rag/internal/retrieval"
)

// Document is an entry of a MemoryStore.
type Document struct {
	ID      string
	Text    string
	Vector  []float32
	Tenant  string
	Locator string
}

// MemoryStore is an in-process vector index using cosine similarity. It
// serves tests and offline runs.
type MemoryStore struct {
	mu   sync.RWMutex
	docs []Document
}

// NewMemoryStore creates a store holding docs.
func NewMemoryStore(docs ...Document) *MemoryStore {
	s := &MemoryStore{}
	for _, d := range docs {
		s.Add(d)
	}
	return s
}

// Add inserts a document. An empty ID gets a random one.
func (s *MemoryStore) Add(d Document) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.docs = append(s.docs, d)
	s.mu.Unlock()
}

// Len returns the number of documents.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Nearest implements retrieval.VectorStore. Documents with a tenant are
// only visible to that tenant; an empty tenant sees unscoped documents.
func (s *MemoryStore) Nearest(ctx context.Context, vector []float32, threshold float64, limit int, tenant string) ([]retrieval.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	matches := make([]retrieval.Match, 0)
	for _, d := range s.docs {
		if d.Tenant != tenant {
			continue
		}
		score := Cosine(vector, d.Vector)
		if score < threshold {
			continue
		}
		matches = append(matches, retrieval.Match{ID: d.ID, Text: d.Text, Score: score, Locator: d.Locator})
	}
	s.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Cosine returns the cosine similarity of a and b, clamped to [0, 1].
// Mismatched or zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(0, math.Min(1, sim))
}
