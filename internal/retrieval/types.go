package retrieval

import (
	"errors"
	"unicode/utf8"
)

// SourceKind tells where a piece of context came from.
type SourceKind string

const (
	SourceIndex SourceKind = "index"
	SourceWeb   SourceKind = "web"
)

// Source is the provenance of one piece of retrieved context.
type Source struct {
	Kind    SourceKind `json:"kind"`
	Preview string     `json:"preview"`

	// Score is the similarity for index sources; nil for web sources.
	Score   *float64 `json:"score,omitempty"`
	Locator string   `json:"locator,omitempty"`
}

// Result is retrieved context plus its sources.
type Result struct {
	Context string   `json:"context"`
	Sources []Source `json:"sources"`
}

// Empty reports whether no context was retrieved.
func (r *Result) Empty() bool {
	return r == nil || r.Context == ""
}

const (
	// MatchSeparator joins index match texts in the context block.
	MatchSeparator = "\n\n---\n\n"

	// DocumentsHeader and WebHeader label the sections of fused context.
	DocumentsHeader = "## Documents"
	WebHeader       = "## Web"
)

// ErrIndexNotConfigured is returned by SearchIndex when the retriever has no
// embedder or vector store.
var ErrIndexNotConfigured = errors.New("document index not configured")

// Config holds retriever tuning.
type Config struct {
	// Threshold is the minimum similarity of an index match.
	Threshold float64 `yaml:"threshold" mapstructure:"threshold"`

	// Limit caps the number of index matches.
	Limit int `yaml:"limit" mapstructure:"limit"`

	// PreviewLength caps Source.Preview, in characters.
	PreviewLength int `yaml:"preview_length" mapstructure:"preview_length"`

	// WebMaxChars caps the web search text handed to the model.
	WebMaxChars int `yaml:"web_max_chars" mapstructure:"web_max_chars"`
}

// DefaultConfig returns the standard retriever settings.
func DefaultConfig() Config {
	return Config{
		Threshold:     0.7,
		Limit:         5,
		PreviewLength: 500,
		WebMaxChars:   8000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Limit <= 0 {
		c.Limit = d.Limit
	}
	if c.PreviewLength <= 0 {
		c.PreviewLength = d.PreviewLength
	}
	if c.WebMaxChars <= 0 {
		c.WebMaxChars = d.WebMaxChars
	}
	return c
}

// truncate cuts s to at most n characters (runes).
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
