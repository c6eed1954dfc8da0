// Package embedding provides query embedders for the document index.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
)

const (
	// DefaultOllamaHost is the local Ollama endpoint.
	DefaultOllamaHost = "http://127.0.0.1:11434"

	// DefaultModel is the embedding model used when none is configured.
	DefaultModel = "nomic-embed-text"

	// MaxInputChars caps the text sent for embedding.
	MaxInputChars = 8192
)

// ErrEmptyEmbedding is returned when the backend answers with no vector.
var ErrEmptyEmbedding = errors.New("empty embedding")

// OllamaConfig configures an OllamaEmbedder.
type OllamaConfig struct {
	Host  string `yaml:"host" mapstructure:"host"`
	Model string `yaml:"model" mapstructure:"model"`

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint64 `yaml:"max_retries" mapstructure:"max_retries"`
	// BaseDelay is the first backoff delay; it doubles on every retry.
	BaseDelay time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	// AttemptTimeout bounds each individual request.
	AttemptTimeout time.Duration `yaml:"attempt_timeout" mapstructure:"attempt_timeout"`
}

// DefaultOllamaConfig returns the standard embedder settings.
func DefaultOllamaConfig() OllamaConfig {
	return OllamaConfig{
		Host:           DefaultOllamaHost,
		Model:          DefaultModel,
		MaxRetries:     2,
		BaseDelay:      500 * time.Millisecond,
		AttemptTimeout: 10 * time.Second,
	}
}

// OllamaEmbedder embeds text with an Ollama embedding model.
type OllamaEmbedder struct {
	client *api.Client
	cfg    OllamaConfig
}

// NewOllamaEmbedder creates an embedder talking to cfg.Host. A nil
// httpClient uses http.DefaultClient.
func NewOllamaEmbedder(cfg OllamaConfig, httpClient *http.Client) (*OllamaEmbedder, error) {
	def := DefaultOllamaConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	base, err := url.Parse(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("parse ollama host %q: %w", cfg.Host, err)
	}

	return &OllamaEmbedder{
		client: api.NewClient(base, httpClient),
		cfg:    cfg,
	}, nil
}

// Model returns the embedding model name.
func (e *OllamaEmbedder) Model() string {
	return e.cfg.Model
}

// Embed implements retrieval.Embedder. Transient failures (network errors,
// 5xx and 429 responses) are retried with exponential backoff.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if len(text) > MaxInputChars {
		text = text[:MaxInputChars]
	}
	req := &api.EmbeddingRequest{
		Model:  e.cfg.Model,
		Prompt: text,
	}

	backoff := retry.WithMaxRetries(e.cfg.MaxRetries, retry.NewExponential(e.cfg.BaseDelay))

	var vector []float32
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		defer cancel()

		resp, err := e.client.Embeddings(attemptCtx, req)
		if err != nil {
			if ctx.Err() == nil && retryable(err) {
				log.Debug().Err(err).Int("attempt", attempt).Str("model", e.cfg.Model).Msg("embedding attempt failed, retrying")
				return retry.RetryableError(err)
			}
			return err
		}
		if len(resp.Embedding) == 0 {
			return ErrEmptyEmbedding
		}

		vector = make([]float32, len(resp.Embedding))
		for i, v := range resp.Embedding {
			vector[i] = float32(v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embed (%s, %d attempts): %w", e.cfg.Model, attempt, err)
	}
	return vector, nil
}

// retryable reports whether err is worth another attempt.
func retryable(err error) bool {
	var status api.StatusError
	if errors.As(err, &status) {
		return status.StatusCode >= 500 || status.StatusCode == http.StatusTooManyRequests
	}
	// Transport errors and per-attempt timeouts
	return true
}
