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

const anthropicVersion = "2023-06-01"

// AnthropicProvider implements the Provider interface for Anthropic Claude.
type AnthropicProvider struct {
	baseProvider
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(cfg *ClientConfig) *AnthropicProvider {
	return &AnthropicProvider{
		baseProvider: newBaseProvider(cfg, VendorAnthropic),
	}
}

// validate applies Anthropic's tighter temperature range on top of the
// generic bounds.
func (p *AnthropicProvider) validate(cfg ProviderConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Temperature > 1 {
		return fmt.Errorf("%w: anthropic temperature %.2f outside [0, 1]", ErrInvalidConfig, cfg.Temperature)
	}
	return nil
}

// Generate sends a messages request to Anthropic.
func (p *AnthropicProvider) Generate(ctx context.Context, msgs []Message, system string, cfg ProviderConfig) (*GenerationResult, error) {
	if err := p.requireKey(); err != nil {
		return nil, err
	}
	if err := p.validate(cfg); err != nil {
		return nil, err
	}

	start := time.Now()

	resp, err := p.do(ctx, p.client, p.buildRequest(msgs, system, cfg, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var anthropicResp anthropicChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&anthropicResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	var content, thinking strings.Builder
	for _, block := range anthropicResp.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "thinking":
			thinking.WriteString(block.Thinking)
		}
	}
	if content.Len() == 0 && thinking.Len() == 0 {
		return nil, fmt.Errorf("%s: %w", p.Name(), ErrEmptyResponse)
	}

	return &GenerationResult{
		Text:         content.String(),
		Reasoning:    thinking.String(),
		Model:        anthropicResp.Model,
		InputTokens:  anthropicResp.Usage.InputTokens,
		OutputTokens: anthropicResp.Usage.OutputTokens,
		Latency:      time.Since(start),
		FinishReason: anthropicResp.StopReason,
	}, nil
}

// GenerateStream streams a messages response over SSE.
func (p *AnthropicProvider) GenerateStream(ctx context.Context, msgs []Message, system string, cfg ProviderConfig) (<-chan StreamChunk, error) {
	if err := p.requireKey(); err != nil {
		return nil, err
	}
	if err := p.validate(cfg); err != nil {
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

func (p *AnthropicProvider) readStream(ctx context.Context, body io.Reader, s *chunkSender) {
	reader := newSSEReader(body)
	var model, stopReason string
	var inTokens, outTokens int

	for {
		event, data, err := reader.next()
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

		var ev anthropicStreamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.fail(fmt.Errorf("decode stream event: %w", err))
			return
		}
		if ev.Type == "" {
			ev.Type = event
		}

		switch ev.Type {
		case "message_start":
			model = ev.Message.Model
			inTokens = ev.Message.Usage.InputTokens
		case "content_block_delta":
			var ok bool
			switch ev.Delta.Type {
			case "text_delta":
				ok = s.send(ev.Delta.Text, false)
			case "thinking_delta":
				ok = s.send(ev.Delta.Thinking, true)
			default:
				ok = true
			}
			if !ok {
				return
			}
		case "message_delta":
			if ev.Delta.StopReason != "" {
				stopReason = ev.Delta.StopReason
			}
			if ev.Usage.OutputTokens > 0 {
				outTokens = ev.Usage.OutputTokens
			}
		case "error":
			s.fail(&APIError{Provider: p.Name(), Status: http.StatusBadGateway, Body: ev.Error.Message})
			return
		case "message_stop":
			s.finish(model, stopReason, inTokens, outTokens)
			return
		}
	}

	if ctx.Err() != nil {
		s.fail(ctx.Err())
		return
	}
	s.finish(model, stopReason, inTokens, outTokens)
}

func (p *AnthropicProvider) buildRequest(msgs []Message, system string, cfg ProviderConfig, stream bool) anthropicChatRequest {
	req := anthropicChatRequest{
		Model:       p.model(cfg),
		MaxTokens:   p.maxTokens(cfg),
		Temperature: cfg.Temperature,
		Stream:      stream,
	}
	if cfg.TopP > 0 {
		topP := cfg.TopP
		req.TopP = &topP
	}

	// Anthropic takes the system prompt out of band; system-role messages
	// are folded into it.
	systemParts := []string{}
	if system != "" {
		systemParts = append(systemParts, system)
	}
	for _, msg := range msgs {
		if msg.Role == "system" {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		req.Messages = append(req.Messages, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}
	req.System = strings.Join(systemParts, "\n\n")
	return req
}

func (p *AnthropicProvider) do(ctx context.Context, client *http.Client, req anthropicChatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.config.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

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

// Anthropic API types
type anthropicChatRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicChatResponse struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Role       string `json:"role"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"content"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message struct {
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		Thinking   string `json:"thinking"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
