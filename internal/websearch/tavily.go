// Package websearch implements live web search for context retrieval.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"

	"github.com/normanking/cortex-rag/internal/retrieval"
)

// ===========================================================================
// TAVILY API TYPES
// ===========================================================================

// DefaultEndpoint is the Tavily search API.
const DefaultEndpoint = "https://api.tavily.com/search"

// TavilyRequest represents a request to the Tavily Search API.
type TavilyRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	SearchDepth   string `json:"search_depth"` // "basic" or "advanced"
	MaxResults    int    `json:"max_results"`
	IncludeAnswer bool   `json:"include_answer"`
}

// TavilyResponse represents the response from Tavily Search API.
type TavilyResponse struct {
	Answer  string         `json:"answer"`
	Query   string         `json:"query"`
	Results []TavilyResult `json:"results"`
}

// TavilyResult represents a single search result.
type TavilyResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// ===========================================================================
// CONFIG AND CONSTRUCTOR
// ===========================================================================

// Config configures a TavilySearcher.
type Config struct {
	APIKey      string        `yaml:"api_key" mapstructure:"api_key"`
	Endpoint    string        `yaml:"endpoint" mapstructure:"endpoint"`
	MaxResults  int           `yaml:"max_results" mapstructure:"max_results"`
	SearchDepth string        `yaml:"search_depth" mapstructure:"search_depth"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
	CacheSize   int           `yaml:"cache_size" mapstructure:"cache_size"`
	CacheTTL    time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// DefaultConfig returns the standard search settings (no API key).
func DefaultConfig() Config {
	return Config{
		Endpoint:    DefaultEndpoint,
		MaxResults:  5,
		SearchDepth: "basic",
		Timeout:     30 * time.Second,
		CacheSize:   100,
		CacheTTL:    5 * time.Minute,
	}
}

// TavilySearcher searches the web using the Tavily API.
type TavilySearcher struct {
	cfg               Config
	httpClient        *http.Client
	cache             *expirable.LRU[string, *TavilyResponse]
	dangerousPatterns []*regexp.Regexp
}

// Option configures the TavilySearcher.
type Option func(*TavilySearcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *TavilySearcher) {
		s.httpClient = client
	}
}

// NewTavilySearcher creates a searcher. Without an API key it is disabled.
func NewTavilySearcher(cfg Config, opts ...Option) *TavilySearcher {
	def := DefaultConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.MaxResults < 1 || cfg.MaxResults > 10 {
		cfg.MaxResults = def.MaxResults
	}
	if cfg.SearchDepth != "advanced" {
		cfg.SearchDepth = def.SearchDepth
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}

	s := &TavilySearcher{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cache:      expirable.NewLRU[string, *TavilyResponse](cfg.CacheSize, nil, cfg.CacheTTL),
	}
	s.compileDangerousPatterns()

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// compileDangerousPatterns compiles regex patterns for content sanitization.
func (s *TavilySearcher) compileDangerousPatterns() {
	patterns := []string{
		`<script[^>]*>.*?</script>`, // Script tags
		`javascript:`,               // JS protocol
		`on\w+\s*=`,                 // Event handlers (onclick, onload, etc.)
		`data:\s*text/html`,         // Data URLs with HTML
		`\x00`,                      // Null bytes
		`<iframe[^>]*>`,
		`<object[^>]*>`,
		`<embed[^>]*>`,
	}

	for _, p := range patterns {
		if re, err := regexp.Compile("(?i)" + p); err == nil {
			s.dangerousPatterns = append(s.dangerousPatterns, re)
		}
	}
}

// Enabled implements retrieval.WebSearcher.
func (s *TavilySearcher) Enabled() bool {
	return s.cfg.APIKey != ""
}

// ===========================================================================
// SEARCH
// ===========================================================================

// Search implements retrieval.WebSearcher. Results are cached per
// normalized query for the configured TTL.
func (s *TavilySearcher) Search(ctx context.Context, query string, maxChars int) (*retrieval.WebResult, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("tavily API key not configured")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search query cannot be empty")
	}
	if len(query) > 400 {
		query = query[:400]
	}

	key := strings.ToLower(query)
	resp, ok := s.cache.Get(key)
	if ok {
		log.Debug().Str("query", query).Msg("web search cache hit")
	} else {
		start := time.Now()
		var err error
		resp, err = s.callTavily(ctx, &TavilyRequest{
			APIKey:        s.cfg.APIKey,
			Query:         query,
			SearchDepth:   s.cfg.SearchDepth,
			MaxResults:    s.cfg.MaxResults,
			IncludeAnswer: true,
		})
		if err != nil {
			return nil, err
		}
		s.sanitizeResponse(resp)
		s.cache.Add(key, resp)
		log.Info().Int("results", len(resp.Results)).Dur("latency", time.Since(start)).Msg("web search completed")
	}

	if resp.Answer == "" && len(resp.Results) == 0 {
		return nil, nil
	}
	return toWebResult(resp, maxChars), nil
}

// ===========================================================================
// TAVILY API CLIENT
// ===========================================================================

func (s *TavilySearcher) callTavily(ctx context.Context, req *TavilyRequest) (*TavilyResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tavily call failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return nil, fmt.Errorf("tavily returned status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var resp TavilyResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// ===========================================================================
// FORMATTING AND SANITIZATION
// ===========================================================================

// toWebResult formats the response as numbered evidence and collects URLs.
// Text is cut to maxChars bytes on a rune boundary when maxChars > 0.
func toWebResult(resp *TavilyResponse, maxChars int) *retrieval.WebResult {
	var b strings.Builder
	if resp.Answer != "" {
		fmt.Fprintf(&b, "Summary: %s\n\n", resp.Answer)
	}

	out := &retrieval.WebResult{}
	for i, r := range resp.Results {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r.Title)
		if r.Content != "" {
			fmt.Fprintf(&b, "   %s\n", r.Content)
		}
		if r.URL != "" {
			fmt.Fprintf(&b, "   Source: %s\n", r.URL)
			out.URLs = append(out.URLs, r.URL)
			out.Snippets = append(out.Snippets, r.Content)
		}
	}

	out.Text = strings.TrimSpace(b.String())
	if maxChars > 0 && len(out.Text) > maxChars {
		cut := maxChars
		for cut > 0 && !isRuneStart(out.Text[cut]) {
			cut--
		}
		out.Text = out.Text[:cut]
	}
	return out
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

func (s *TavilySearcher) sanitizeResponse(resp *TavilyResponse) {
	resp.Answer = s.sanitizeText(resp.Answer)
	for i := range resp.Results {
		resp.Results[i].Title = s.sanitizeText(resp.Results[i].Title)
		resp.Results[i].Content = s.sanitizeText(resp.Results[i].Content)
		// URLs are validated, not sanitized (would break them)
	}
}

func (s *TavilySearcher) sanitizeText(text string) string {
	for _, pattern := range s.dangerousPatterns {
		text = pattern.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(text)
}
