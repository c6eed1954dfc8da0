package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OpenAIProvider implements Provider for OpenAI and every vendor exposing
// the OpenAI chat-completions wire format (Groq, Grok, OpenRouter).
type OpenAIProvider struct {
	baseProvider
	headers map[string]string
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(cfg *ClientConfig) *OpenAIProvider {
	return newOpenAICompatible(cfg, VendorOpenAI)
}

// NewGroqProvider creates a provider for Groq's OpenAI-compatible API.
func NewGroqProvider(cfg *ClientConfig) *OpenAIProvider {
	return newOpenAICompatible(cfg, VendorGroq)
}

// NewGrokProvider creates a provider for xAI Grok.
func NewGrokProvider(cfg *ClientConfig) *OpenAIProvider {
	return newOpenAICompatible(cfg, VendorGrok)
}

// NewOpenRouterProvider creates a provider for OpenRouter.
func NewOpenRouterProvider(cfg *ClientConfig) *OpenAIProvider {
	p := newOpenAICompatible(cfg, VendorOpenRouter)
	p.headers["HTTP-Referer"] = "https://github.com/normanking/cortex-rag"
	p.headers["X-Title"] = "cortex-rag"
	return p
}

func newOpenAICompatible(cfg *ClientConfig, vendor Vendor) *OpenAIProvider {
	return &OpenAIProvider{
		baseProvider: newBaseProvider(cfg, vendor),
		headers:      make(map[string]string),
	}
}

// Generate sends a chat completion request.
func (p *OpenAIProvider) Generate(ctx context.Context, msgs []Message, system string, cfg ProviderConfig) (*GenerationResult, error) {
	if err := p.requireKey(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()

	resp, err := p.do(ctx, p.client, p.buildRequest(msgs, system, cfg, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var openaiResp openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&openaiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if len(openaiResp.Choices) == 0 {
		return nil, fmt.Errorf("%s: no choices in response: %w", p.Name(), ErrEmptyResponse)
	}

	choice := openaiResp.Choices[0]
	return &GenerationResult{
		Text:         choice.Message.Content,
		Reasoning:    choice.Message.ReasoningContent,
		Model:        openaiResp.Model,
		InputTokens:  openaiResp.Usage.PromptTokens,
		OutputTokens: openaiResp.Usage.CompletionTokens,
		Latency:      time.Since(start),
		FinishReason: choice.FinishReason,
	}, nil
}

// GenerateStream streams a chat completion over SSE.
func (p *OpenAIProvider) GenerateStream(ctx context.Context, msgs []Message, system string, cfg ProviderConfig) (<-chan StreamChunk, error) {
	if err := p.requireKey(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	resp, err := p.do(ctx, p.streamClient, p.buildRequest(msgs, system, cfg, true))
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk, streamBufferSize)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		p.readStream(ctx, resp.Body, &chunkSender{ctx: ctx, ch: out})
	}()
	return out, nil
}

func (p *OpenAIProvider) readStream(ctx context.Context, body io.Reader, s *chunkSender) {
	reader := newSSEReader(body)
	var model, finishReason string
	var inTokens, outTokens int

	for {
		_, data, err := reader.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				s.fail(ctx.Err())
			} else {
				s.fail(fmt.Errorf("read stream: %w", err))
			}
			return
		}
		if string(data) == "[DONE]" {
			break
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			s.fail(fmt.Errorf("decode stream chunk: %w", err))
			return
		}
		if chunk.Error != nil {
			s.fail(&APIError{Provider: p.Name(), Status: http.StatusBadGateway, Body: chunk.Error.Message})
			return
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			inTokens = chunk.Usage.PromptTokens
			outTokens = chunk.Usage.CompletionTokens
		}
		for _, choice := range chunk.Choices {
			reasoning := choice.Delta.ReasoningContent
			if reasoning == "" {
				reasoning = choice.Delta.Reasoning
			}
			if !s.send(reasoning, true) || !s.send(choice.Delta.Content, false) {
				return
			}
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
		}
	}

	if ctx.Err() != nil {
		s.fail(ctx.Err())
		return
	}
	s.finish(model, finishReason, inTokens, outTokens)
}

func (p *OpenAIProvider) buildRequest(msgs []Message, system string, cfg ProviderConfig, stream bool) openAIChatRequest {
	req := openAIChatRequest{
		Model:       p.model(cfg),
		MaxTokens:   p.maxTokens(cfg),
		Temperature: cfg.Temperature,
		Stream:      stream,
		Extra:       cfg.Extra,
	}
	if cfg.TopP > 0 {
		topP := cfg.TopP
		req.TopP = &topP
	}
	if stream {
		req.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}

	if system != "" {
		req.Messages = append(req.Messages, openAIMessage{Role: "system", Content: system})
	}
	for _, msg := range msgs {
		req.Messages = append(req.Messages, openAIMessage{Role: msg.Role, Content: msg.Content})
	}
	return req
}

func (p *OpenAIProvider) do(ctx context.Context, client *http.Client, req openAIChatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.apiError(resp)
	}
	return resp, nil
}

// OpenAI API types
type openAIChatRequest struct {
	Model         string               `json:"model"`
	Messages      []openAIMessage      `json:"messages"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   float64              `json:"temperature"`
	TopP          *float64             `json:"top_p,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openAIStreamOptions `json:"stream_options,omitempty"`
	Extra         map[string]any       `json:"-"`
}

// MarshalJSON flattens provider-specific extras into the request body.
func (r openAIChatRequest) MarshalJSON() ([]byte, error) {
	type plain openAIChatRequest
	base, err := json.Marshal(plain(r))
	if err != nil || len(r.Extra) == 0 {
		return base, err
	}
	merged := make(map[string]any, len(r.Extra)+8)
	for k, v := range r.Extra {
		merged[k] = v
	}
	var fields map[string]any
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int           `json:"index"`
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage openAIUsage `json:"usage"`
}

type openAIStreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			Reasoning        string `json:"reasoning"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}
