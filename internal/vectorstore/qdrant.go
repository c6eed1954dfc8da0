// Package vectorstore provides document index backends for retrieval.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/normanking/cortex-rag/internal/retrieval"
)

const (
	// DefaultCollection is the collection searched when none is configured.
	DefaultCollection = "documents"

	// TenantField is the payload key that scopes points to a tenant.
	TenantField = "tenant"

	textField   = "text"
	sourceField = "source"
)

// QdrantConfig configures a QdrantStore.
type QdrantConfig struct {
	Host       string `yaml:"host" mapstructure:"host"`
	Port       int    `yaml:"port" mapstructure:"port"` // gRPC port
	Collection string `yaml:"collection" mapstructure:"collection"`
}

// DefaultQdrantConfig returns the local Qdrant settings.
func DefaultQdrantConfig() QdrantConfig {
	return QdrantConfig{
		Host:       "localhost",
		Port:       6334,
		Collection: DefaultCollection,
	}
}

// Addr returns host:port.
func (c QdrantConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// QdrantStore searches a Qdrant collection over gRPC.
type QdrantStore struct {
	points     qdrant.PointsClient
	conn       *grpc.ClientConn
	collection string
}

// DialQdrant connects to Qdrant. The connection is lazy; the first search
// surfaces connectivity problems.
func DialQdrant(cfg QdrantConfig) (*QdrantStore, error) {
	def := DefaultQdrantConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}

	conn, err := grpc.NewClient(cfg.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect to qdrant at %s: %w", cfg.Addr(), err)
	}
	store := NewQdrantStore(qdrant.NewPointsClient(conn), cfg.Collection)
	store.conn = conn
	return store, nil
}

// NewQdrantStore wraps an existing points client.
func NewQdrantStore(points qdrant.PointsClient, collection string) *QdrantStore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &QdrantStore{
		points:     points,
		collection: collection,
	}
}

// Close releases the gRPC connection opened by DialQdrant.
func (s *QdrantStore) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Nearest implements retrieval.VectorStore.
func (s *QdrantStore) Nearest(ctx context.Context, vector []float32, threshold float64, limit int, tenant string) ([]retrieval.Match, error) {
	if len(vector) == 0 {
		return nil, errors.New("qdrant: empty query vector")
	}

	scoreThreshold := float32(threshold)
	req := &qdrant.SearchPoints{
		CollectionName: s.collection,
		Vector:         vector,
		Limit:          uint64(limit),
		ScoreThreshold: &scoreThreshold,
		WithPayload: &qdrant.WithPayloadSelector{
			SelectorOptions: &qdrant.WithPayloadSelector_Include{
				Include: &qdrant.PayloadIncludeSelector{
					Fields: []string{textField, sourceField},
				},
			},
		},
	}
	if tenant != "" {
		req.Filter = tenantFilter(tenant)
	}

	resp, err := s.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("qdrant search %s: %w", s.collection, err)
	}

	matches := make([]retrieval.Match, 0, len(resp.GetResult()))
	for _, point := range resp.GetResult() {
		m := retrieval.Match{
			ID:    pointID(point.GetId()),
			Score: float64(point.GetScore()),
		}
		if v, ok := point.GetPayload()[textField]; ok {
			m.Text = v.GetStringValue()
		}
		if v, ok := point.GetPayload()[sourceField]; ok {
			m.Locator = v.GetStringValue()
		}
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		matches = append(matches, m)
	}

	log.Debug().Str("collection", s.collection).Str("tenant", tenant).Int("matches", len(matches)).Msg("qdrant search")
	return matches, nil
}

func tenantFilter(tenant string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: TenantField,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: tenant},
					},
				},
			},
		}},
	}
}

func pointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return fmt.Sprint(id.GetNum())
}
