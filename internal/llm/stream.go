package llm

import (
	"context"
	"strings"
)

// streamBufferSize is the channel buffer for stream chunks.
const streamBufferSize = 16

// chunkSender writes chunks to a stream channel while tracking totals.
type chunkSender struct {
	ctx    context.Context
	ch     chan<- StreamChunk
	bytes  int64
	tokens int
	text   strings.Builder
}

// send delivers a text fragment. It returns false when the consumer is gone
// (context cancelled) or the response grew past MaxStreamedResponseSize.
func (s *chunkSender) send(text string, reasoning bool) bool {
	if text == "" {
		return true
	}
	s.bytes += int64(len(text))
	if s.bytes > MaxStreamedResponseSize {
		s.fail(errResponseTooLarge)
		return false
	}
	s.tokens += estimateTokens(text)
	if !reasoning {
		s.text.WriteString(text)
	}
	return s.deliver(StreamChunk{Text: text, Reasoning: reasoning, Tokens: s.tokens})
}

// finish delivers the final chunk with usage. Zero output tokens fall back
// to the running estimate.
func (s *chunkSender) finish(model, finishReason string, inTokens, outTokens int) {
	if outTokens == 0 {
		outTokens = s.tokens
	}
	s.deliver(StreamChunk{
		Final:        true,
		Tokens:       outTokens,
		Model:        model,
		FinishReason: finishReason,
		InputTokens:  inTokens,
		OutputTokens: outTokens,
	})
}

// fail delivers a terminal error chunk.
func (s *chunkSender) fail(err error) {
	s.deliver(StreamChunk{Final: true, Tokens: s.tokens, Err: err})
}

// deliver is a goroutine-safe send: it never blocks past cancellation.
func (s *chunkSender) deliver(c StreamChunk) bool {
	select {
	case <-s.ctx.Done():
		return false
	case s.ch <- c:
		return true
	}
}

// CollectStream drains a stream into a GenerationResult. Reasoning chunks
// go to Reasoning, everything else to Text.
func CollectStream(ctx context.Context, stream <-chan StreamChunk) (*GenerationResult, error) {
	var text, reasoning strings.Builder
	result := &GenerationResult{}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-stream:
			if !ok {
				// Producers stop without a final chunk only when cancelled.
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				result.Text = text.String()
				result.Reasoning = reasoning.String()
				return result, nil
			}
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			if chunk.Reasoning {
				reasoning.WriteString(chunk.Text)
			} else {
				text.WriteString(chunk.Text)
			}
			if chunk.Final {
				result.Model = chunk.Model
				result.FinishReason = chunk.FinishReason
				result.InputTokens = chunk.InputTokens
				result.OutputTokens = chunk.OutputTokens
			}
		}
	}
}
