package store

import (
	"context"
	"fmt"

	"github.com/normanking/cortex-rag/internal/engine"
)

// Append implements engine.MemoryStore.
func (s *Store) Append(ctx context.Context, scopeID, role, content string) error {
	if scopeID == "" {
		return fmt.Errorf("append turn: scope id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_turns (scope_id, role, content) VALUES (?, ?, ?)`,
		scopeID, role, content)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// Recent implements engine.MemoryStore. It returns the last limit turns of
// scopeID, oldest first.
func (s *Store) Recent(ctx context.Context, scopeID string, limit int) ([]engine.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM memory_turns WHERE scope_id = ? ORDER BY id DESC LIMIT ?`,
		scopeID, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []engine.Turn
	for rows.Next() {
		var t engine.Turn
		if err := rows.Scan(&t.Role, &t.Content); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Forget deletes the memory of scopeID and returns the number of turns
// removed.
func (s *Store) Forget(ctx context.Context, scopeID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_turns WHERE scope_id = ?`, scopeID)
	if err != nil {
		return 0, fmt.Errorf("forget %s: %w", scopeID, err)
	}
	return res.RowsAffected()
}
