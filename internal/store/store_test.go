package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortex-rag/internal/engine"
	"github.com/normanking/cortex-rag/internal/retrieval"
	"github.com/normanking/cortex-rag/internal/router"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "cortex-rag.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "cortex-rag.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Health(context.Background()))
	require.NoError(t, s.Close())

	_, err = os.Stat(path)
	require.NoError(t, err)

	// Reopening applies no migration twice
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSplitSQL(t *testing.T) {
	stmts := splitSQL("-- comment\nCREATE TABLE a (x INT);\n\nCREATE INDEX i ON a(x);\n")
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE INDEX i ON a(x)"}, stmts)
}

func TestMemoryRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, turn := range []engine.Turn{
		{Role: "user", Content: "q1"},
		{Role: "assistant", Content: "a1"},
		{Role: "user", Content: "q2"},
		{Role: "assistant", Content: "a2"},
	} {
		require.NoError(t, s.Append(ctx, "c1", turn.Role, turn.Content))
	}
	require.NoError(t, s.Append(ctx, "c2", "user", "other"))

	turns, err := s.Recent(ctx, "c1", 3)
	require.NoError(t, err)
	assert.Equal(t, []engine.Turn{
		{Role: "assistant", Content: "a1"},
		{Role: "user", Content: "q2"},
		{Role: "assistant", Content: "a2"},
	}, turns)

	turns, err = s.Recent(ctx, "missing", 10)
	require.NoError(t, err)
	assert.Empty(t, turns)

	turns, err = s.Recent(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestMemoryRejectsBadInput(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	assert.Error(t, s.Append(ctx, "", "user", "x"))
	assert.Error(t, s.Append(ctx, "c1", "system", "x"), "role is constrained")
}

func TestMemoryForget(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "c1", "user", "q"))
	require.NoError(t, s.Append(ctx, "c1", "assistant", "a"))

	n, err := s.Forget(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	turns, err := s.Recent(ctx, "c1", 10)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestConversationLog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	score := 0.91

	entry := engine.Entry{
		TenantID:       "acme",
		ConversationID: "c1",
		Query:          "refund policy?",
		Answer:         "14 days.",
		Sources: []retrieval.Source{
			{Kind: retrieval.SourceIndex, Preview: "Refunds...", Score: &score, Locator: "policy.pdf"},
		},
		Routing:      &router.RoutingDecision{Intent: router.IntentDocuments, UseIndex: true, Confidence: 0.9, Path: router.PathFast},
		Provider:     "openai",
		Model:        "gpt-4o",
		InputTokens:  120,
		OutputTokens: 8,
		Latency:      1500 * time.Millisecond,
		Fallback:     true,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, s.Record(ctx, entry))
	require.NoError(t, s.Record(ctx, engine.Entry{TenantID: "globex", Query: "hi", Answer: "hello"}))

	got, err := s.Entries(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	e := got[0]
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "refund policy?", e.Query)
	assert.Equal(t, "gpt-4o", e.Model)
	assert.Equal(t, 1500*time.Millisecond, e.Latency)
	assert.True(t, e.Fallback)
	assert.False(t, e.Streamed)
	require.Len(t, e.Sources, 1)
	require.NotNil(t, e.Sources[0].Score)
	assert.InDelta(t, 0.91, *e.Sources[0].Score, 1e-9)
	require.NotNil(t, e.Routing)
	assert.Equal(t, router.IntentDocuments, e.Routing.Intent)
	assert.WithinDuration(t, entry.CreatedAt, e.CreatedAt, time.Second)

	all, err := s.Entries(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	var intent string
	require.NoError(t, s.db.QueryRow(`SELECT intent FROM conversation_log WHERE id = ?`, e.ID).Scan(&intent))
	assert.Equal(t, "documents", intent)
}

func TestRecordDuplicateID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	e := engine.Entry{ID: "fixed", Query: "q", Answer: "a"}
	require.NoError(t, s.Record(ctx, e))
	assert.Error(t, s.Record(ctx, e))
}

func TestProviderStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Record(ctx, engine.Entry{Provider: "openai", Latency: 100 * time.Millisecond, InputTokens: 10, OutputTokens: 5, CreatedAt: now}))
	require.NoError(t, s.Record(ctx, engine.Entry{Provider: "openai", Latency: 300 * time.Millisecond, InputTokens: 20, OutputTokens: 5, CreatedAt: now}))
	require.NoError(t, s.Record(ctx, engine.Entry{Provider: "anthropic", Latency: 200 * time.Millisecond, Fallback: true, CreatedAt: now}))
	require.NoError(t, s.Record(ctx, engine.Entry{Provider: "ollama", CreatedAt: now.Add(-48 * time.Hour)}))

	stats, err := s.ProviderStats(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, "openai", stats[0].Provider)
	assert.Equal(t, int64(2), stats[0].RequestCount)
	assert.InDelta(t, 200, stats[0].AvgLatencyMs, 1e-9)
	assert.Equal(t, int64(30), stats[0].TotalTokensIn)
	assert.Zero(t, stats[0].FallbackRate)

	assert.Equal(t, "anthropic", stats[1].Provider)
	assert.InDelta(t, 100, stats[1].FallbackRate, 1e-9)
}

func TestEnvCredentials(t *testing.T) {
	c := NewEnvCredentials(map[string]map[string]string{
		"Acme": {"OpenAI": "sk-config"},
	})
	env := map[string]string{"CORTEX_RAG_GLOBEX_CORP_ANTHROPIC_KEY": "sk-env"}
	c.lookup = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	ctx := context.Background()

	key, ok := c.Resolve(ctx, "acme", "openai")
	assert.True(t, ok)
	assert.Equal(t, "sk-config", key)

	key, ok = c.Resolve(ctx, "globex-corp", "anthropic")
	assert.True(t, ok)
	assert.Equal(t, "sk-env", key)

	_, ok = c.Resolve(ctx, "acme", "gemini")
	assert.False(t, ok)
	_, ok = c.Resolve(ctx, "", "openai")
	assert.False(t, ok)

	// Environment wins over the static table
	env["CORTEX_RAG_ACME_OPENAI_KEY"] = "sk-env-acme"
	key, _ = c.Resolve(ctx, "acme", "openai")
	assert.Equal(t, "sk-env-acme", key)
}

func TestCredentialEnvVar(t *testing.T) {
	assert.Equal(t, "CORTEX_RAG_ACME_OPENROUTER_KEY", CredentialEnvVar("acme", "openrouter"))
	assert.Equal(t, "CORTEX_RAG_TEAM_1_GROQ_KEY", CredentialEnvVar("team.1", "groq"))
}

var (
	_ engine.MemoryStore     = (*Store)(nil)
	_ engine.ConversationLog = (*Store)(nil)
	_ engine.CredentialStore = (*EnvCredentials)(nil)
)
