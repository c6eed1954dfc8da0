package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tavilyServer(t *testing.T, calls *atomic.Int32, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		var req TavilyRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tvly-test", req.APIKey)
		assert.Equal(t, "basic", req.SearchDepth)
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
}

const sampleResponse = `{
	"answer": "Rates were held at 4%.",
	"query": "ecb rates",
	"results": [
		{"title": "ECB holds rates", "url": "https://news.example/ecb", "content": "The ECB held rates <script>alert(1)</script>steady.", "score": 0.9},
		{"title": "Markets react", "url": "https://markets.example/r", "content": "Stocks rose.", "score": 0.7}
	]
}`

func TestTavilySearch(t *testing.T) {
	var calls atomic.Int32
	server := tavilyServer(t, &calls, http.StatusOK, sampleResponse)
	defer server.Close()

	s := NewTavilySearcher(Config{APIKey: "tvly-test", Endpoint: server.URL})
	require.True(t, s.Enabled())

	res, err := s.Search(context.Background(), "ECB rates", 0)
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, []string{"https://news.example/ecb", "https://markets.example/r"}, res.URLs)
	assert.Equal(t, "The ECB held rates steady.", res.Snippets[0])
	assert.True(t, strings.HasPrefix(res.Text, "Summary: Rates were held at 4%."))
	assert.Contains(t, res.Text, "1. ECB holds rates")
	assert.Contains(t, res.Text, "Source: https://markets.example/r")
	assert.NotContains(t, res.Text, "<script>")
}

func TestTavilySearchCaches(t *testing.T) {
	var calls atomic.Int32
	server := tavilyServer(t, &calls, http.StatusOK, sampleResponse)
	defer server.Close()

	s := NewTavilySearcher(Config{APIKey: "tvly-test", Endpoint: server.URL})
	_, err := s.Search(context.Background(), "ECB rates", 0)
	require.NoError(t, err)
	_, err = s.Search(context.Background(), "  ecb RATES ", 0)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
}

func TestTavilySearchMaxChars(t *testing.T) {
	var calls atomic.Int32
	server := tavilyServer(t, &calls, http.StatusOK, sampleResponse)
	defer server.Close()

	s := NewTavilySearcher(Config{APIKey: "tvly-test", Endpoint: server.URL})
	res, err := s.Search(context.Background(), "ecb", 20)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Text), 20)
	assert.Len(t, res.URLs, 2)
}

func TestTavilySearchEmpty(t *testing.T) {
	var calls atomic.Int32
	server := tavilyServer(t, &calls, http.StatusOK, `{"results":[]}`)
	defer server.Close()

	s := NewTavilySearcher(Config{APIKey: "tvly-test", Endpoint: server.URL})
	res, err := s.Search(context.Background(), "nothing", 0)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestTavilySearchErrors(t *testing.T) {
	var calls atomic.Int32
	server := tavilyServer(t, &calls, http.StatusUnauthorized, `{"detail":"invalid key"}`)
	defer server.Close()

	s := NewTavilySearcher(Config{APIKey: "tvly-test", Endpoint: server.URL})
	_, err := s.Search(context.Background(), "q", 0)
	assert.ErrorContains(t, err, "status 401")

	_, err = s.Search(context.Background(), "   ", 0)
	assert.Error(t, err)
}

func TestTavilyDisabledWithoutKey(t *testing.T) {
	s := NewTavilySearcher(Config{})
	assert.False(t, s.Enabled())

	_, err := s.Search(context.Background(), "q", 0)
	assert.Error(t, err)
}
