package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/normanking/cortex-rag/internal/engine"
	"github.com/normanking/cortex-rag/internal/retrieval"
	"github.com/normanking/cortex-rag/internal/router"
)

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Record implements engine.ConversationLog. An entry without an ID gets a
// random one.
func (s *Store) Record(ctx context.Context, e engine.Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Sources == nil {
		e.Sources = []retrieval.Source{}
	}

	sources, err := json.Marshal(e.Sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	var routing sql.NullString
	intent := ""
	if e.Routing != nil {
		raw, err := json.Marshal(e.Routing)
		if err != nil {
			return fmt.Errorf("marshal routing: %w", err)
		}
		routing = sql.NullString{String: string(raw), Valid: true}
		intent = e.Routing.Intent.String()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_log (
			id, tenant_id, conversation_id, query, answer, sources, routing, intent,
			provider, model, input_tokens, output_tokens, latency_ms, fallback, streamed, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.ConversationID, e.Query, e.Answer, string(sources), routing, intent,
		e.Provider, e.Model, e.InputTokens, e.OutputTokens, e.Latency.Milliseconds(),
		e.Fallback, e.Streamed, e.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("record conversation %s: %w", e.ID, err)
	}
	return nil
}

// Entries returns the newest log entries, optionally for one tenant.
func (s *Store) Entries(ctx context.Context, tenantID string, limit int) ([]engine.Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, tenant_id, conversation_id, query, answer, sources, routing,
		provider, model, input_tokens, output_tokens, latency_ms, fallback, streamed, created_at
		FROM conversation_log`
	args := []any{}
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversation log: %w", err)
	}
	defer rows.Close()

	var out []engine.Entry
	for rows.Next() {
		var (
			e         engine.Entry
			sources   string
			routing   sql.NullString
			latencyMS int64
			created   string
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ConversationID, &e.Query, &e.Answer, &sources, &routing,
			&e.Provider, &e.Model, &e.InputTokens, &e.OutputTokens, &latencyMS, &e.Fallback, &e.Streamed, &created); err != nil {
			return nil, fmt.Errorf("scan conversation log: %w", err)
		}
		e.Latency = time.Duration(latencyMS) * time.Millisecond
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("decode created_at of %s: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(sources), &e.Sources); err != nil {
			return nil, fmt.Errorf("decode sources of %s: %w", e.ID, err)
		}
		if routing.Valid {
			e.Routing = &router.RoutingDecision{}
			if err := json.Unmarshal([]byte(routing.String), e.Routing); err != nil {
				return nil, fmt.Errorf("decode routing of %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation log: %w", err)
	}
	return out, nil
}

// parseTime reads a stored timestamp. The driver may hand back a TIMESTAMP
// column already converted, which database/sql renders as RFC 3339.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// ProviderStats aggregates the conversation log per provider.
type ProviderStats struct {
	Provider       string  `json:"provider"`
	RequestCount   int64   `json:"request_count"`
	FallbackRate   float64 `json:"fallback_rate"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	TotalTokensIn  int64   `json:"total_tokens_in"`
	TotalTokensOut int64   `json:"total_tokens_out"`
}

// ProviderStats returns per-provider statistics for entries created at or
// after since, busiest provider first.
func (s *Store) ProviderStats(ctx context.Context, since time.Time) ([]ProviderStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider,
		       COUNT(*) AS request_count,
		       SUM(CASE WHEN fallback THEN 1 ELSE 0 END) * 100.0 / COUNT(*) AS fallback_rate,
		       AVG(latency_ms) AS avg_latency,
		       SUM(input_tokens) AS total_tokens_in,
		       SUM(output_tokens) AS total_tokens_out
		FROM conversation_log
		WHERE created_at >= ?
		GROUP BY provider
		ORDER BY request_count DESC, provider
	`, since.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("query provider stats: %w", err)
	}
	defer rows.Close()

	var stats []ProviderStats
	for rows.Next() {
		var p ProviderStats
		if err := rows.Scan(&p.Provider, &p.RequestCount, &p.FallbackRate,
			&p.AvgLatencyMs, &p.TotalTokensIn, &p.TotalTokensOut); err != nil {
			return nil, fmt.Errorf("scan provider stats: %w", err)
		}
		stats = append(stats, p)
	}
	return stats, rows.Err()
}
