package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// GeminiProvider implements the Provider interface for Google Gemini.
type GeminiProvider struct {
	baseProvider
}

// NewGeminiProvider creates a new Gemini provider.
func NewGeminiProvider(cfg *ClientConfig) *GeminiProvider {
	return &GeminiProvider{
		baseProvider: newBaseProvider(cfg, VendorGemini),
	}
}

// Generate calls models/{model}:generateContent.
func (p *GeminiProvider) Generate(ctx context.Context, msgs []Message, system string, cfg ProviderConfig) (*GenerationResult, error) {
	if err := p.requireKey(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	model := p.model(cfg)

	resp, err := p.do(ctx, p.client, fmt.Sprintf("%s/models/%s:generateContent", p.config.Endpoint, model), p.buildRequest(msgs, system, cfg))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var geminiResp geminiGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(geminiResp.Candidates) == 0 {
		return nil, fmt.Errorf("%s: no candidates in response: %w", p.Name(), ErrEmptyResponse)
	}

	candidate := geminiResp.Candidates[0]
	var content, thought strings.Builder
	for _, part := range candidate.Content.Parts {
		if part.Thought {
			thought.WriteString(part.Text)
		} else {
			content.WriteString(part.Text)
		}
	}

	return &GenerationResult{
		Text:         content.String(),
		Reasoning:    thought.String(),
		Model:        model,
		InputTokens:  geminiResp.UsageMetadata.PromptTokenCount,
		OutputTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
		Latency:      time.Since(start),
		FinishReason: candidate.FinishReason,
	}, nil
}

// GenerateStream calls models/{model}:streamGenerateContent with SSE framing.
func (p *GeminiProvider) GenerateStream(ctx context.Context, msgs []Message, system string, cfg ProviderConfig) (<-chan StreamChunk, error) {
	if err := p.requireKey(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	model := p.model(cfg)
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", p.config.Endpoint, model)
	resp, err := p.do(ctx, p.streamClient, url, p.buildRequest(msgs, system, cfg))
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk, streamBufferSize)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		p.readStream(ctx, resp.Body, model, &chunkSender{ctx: ctx, ch: out})
	}()
	return out, nil
}

func (p *GeminiProvider) readStream(ctx context.Context, body io.Reader, model string, s *chunkSender) {
	reader := newSSEReader(body)
	var finishReason string
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

		var chunk geminiGenerateResponse
		if err := json.Unmarshal(data, &chunk); err != nil {
			s.fail(fmt.Errorf("decode stream chunk: %w", err))
			return
		}
		if chunk.UsageMetadata.PromptTokenCount > 0 {
			inTokens = chunk.UsageMetadata.PromptTokenCount
		}
		if chunk.UsageMetadata.CandidatesTokenCount > 0 {
			outTokens = chunk.UsageMetadata.CandidatesTokenCount
		}
		for _, candidate := range chunk.Candidates {
			for _, part := range candidate.Content.Parts {
				if !s.send(part.Text, part.Thought) {
					return
				}
			}
			if candidate.FinishReason != "" {
				finishReason = candidate.FinishReason
			}
		}
	}

	if ctx.Err() != nil {
		s.fail(ctx.Err())
		return
	}
	s.finish(model, finishReason, inTokens, outTokens)
}

func (p *GeminiProvider) buildRequest(msgs []Message, system string, cfg ProviderConfig) geminiGenerateRequest {
	req := geminiGenerateRequest{
		Contents: []geminiContent{},
		GenerationConfig: geminiGenerationConfig{
			MaxOutputTokens: p.maxTokens(cfg),
			Temperature:     cfg.Temperature,
			TopP:            cfg.TopP,
		},
	}

	systemParts := []string{}
	if system != "" {
		systemParts = append(systemParts, system)
	}
	for _, msg := range msgs {
		role := msg.Role
		switch role {
		case "system":
			systemParts = append(systemParts, msg.Content)
			continue
		case "assistant":
			// Gemini uses "user" and "model"
			role = "model"
		}
		req.Contents = append(req.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: msg.Content}},
		})
	}
	if len(systemParts) > 0 {
		req.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: strings.Join(systemParts, "\n\n")}},
		}
	}
	return req
}

func (p *GeminiProvider) do(ctx context.Context, client *http.Client, url string, req geminiGenerateRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// Key in a header, not the URL, so it never shows up in logs
	httpReq.Header.Set("x-goog-api-key", p.config.APIKey)

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

// Gemini API types
type geminiGenerateRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text    string `json:"text"`
	Thought bool   `json:"thought,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"topP,omitempty"`
}

type geminiGenerateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
			Role  string       `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}
