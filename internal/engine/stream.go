package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/cortex-rag/internal/breaker"
	"github.com/normanking/cortex-rag/internal/llm"
	"github.com/normanking/cortex-rag/internal/retrieval"
)

// eventBufferSize is the channel buffer for stream events.
const eventBufferSize = 32

// Stream runs the pipeline and delivers the answer as events: routing,
// search_start/search_complete per source used, generation_start, then
// chunk and thought events, ending with complete or error. The channel is
// closed after the last event, or early when ctx is cancelled.
//
// Only a blank query fails synchronously. Text already delivered is never
// retracted: a provider failure mid-stream ends with an error event and
// counts against the provider's circuit.
func (e *Engine) Stream(ctx context.Context, query string, opts Options) (<-chan Event, error) {
	query, err := cleanQuery(query)
	if err != nil {
		return nil, err
	}

	events := make(chan Event, eventBufferSize)
	go func() {
		defer close(events)
		e.stream(ctx, &plan{query: query, opts: opts, start: time.Now()}, events)
	}()
	return events, nil
}

func (e *Engine) stream(ctx context.Context, p *plan, events chan<- Event) {
	emit := func(ev Event) bool {
		select {
		case <-ctx.Done():
			return false
		case events <- ev:
			return true
		}
	}

	p.decision = e.router.Route(ctx, p.query, p.opts.Overrides)
	if !emit(Event{Type: EventRouting, Routing: p.decision}) {
		return
	}

	index, web := e.searchKinds(p.decision)
	var kinds []retrieval.SourceKind
	if index {
		kinds = append(kinds, retrieval.SourceIndex)
	}
	if web {
		kinds = append(kinds, retrieval.SourceWeb)
	}
	for _, k := range kinds {
		if !emit(Event{Type: EventSearchStart, Kind: k}) {
			return
		}
	}
	p.retrieved = e.retrieve(ctx, p.query, p.opts.TenantID, p.decision)
	for _, k := range kinds {
		if !emit(Event{Type: EventSearchComplete, Kind: k, Sources: sourcesOfKind(p.retrieved.Sources, k)}) {
			return
		}
	}

	if err := e.prepare(ctx, p); err != nil {
		emit(Event{Type: EventError, Err: err})
		return
	}

	s, err := e.openStream(ctx, p)
	if err != nil {
		emit(Event{Type: EventError, Err: err})
		return
	}
	if !emit(Event{Type: EventGenerationStart, Provider: string(s.target.vendor), Model: s.target.model, Fallback: s.fallback}) {
		s.call.Done(ctx.Err())
		return
	}

	answer, started, err := e.relay(ctx, p, s, emit)
	if err != nil && !started && !s.fallback && p.fallback != nil && ctx.Err() == nil {
		// Nothing reached the caller yet, so the fallback can still take over.
		s.call.Done(err)
		log.Warn().Err(err).
			Str("provider", string(s.target.vendor)).
			Str("fallback", string(p.fallback.vendor)).
			Msg("stream failed before first chunk, streaming from fallback provider")

		fb, fbErr := e.startStream(ctx, *p.fallback, p.fallbackMsgs, p)
		if fbErr != nil {
			emit(Event{Type: EventError, Err: &GenerationError{Provider: string(s.target.vendor), Model: s.target.model, Err: errors.Join(err, fbErr)}})
			return
		}
		fb.fallback = true
		s = fb
		if !emit(Event{Type: EventGenerationStart, Provider: string(s.target.vendor), Model: s.target.model, Fallback: true}) {
			s.call.Done(ctx.Err())
			return
		}
		answer, _, err = e.relay(ctx, p, s, emit)
	}
	if err != nil {
		s.call.Done(err)
		log.Error().Err(err).
			Str("provider", string(s.target.vendor)).
			Str("model", s.target.model).
			Dur("latency", time.Since(p.start)).
			Msg("stream failed")
		emit(Event{Type: EventError, Err: &GenerationError{Provider: string(s.target.vendor), Model: s.target.model, Err: err}})
		return
	}
	s.call.Done(nil)

	e.persist(ctx, p, answer, true)
	emit(Event{Type: EventComplete, Answer: answer})
}

// openedStream is a provider stream admitted by the breaker.
type openedStream struct {
	chunks   <-chan llm.StreamChunk
	call     *breaker.Call
	target   target
	fallback bool
	reflect  bool
}

// openStream starts the primary stream, or the fallback when the primary's
// circuit is open or the stream cannot be started. Failures are classified
// the same way as in Answer.
func (e *Engine) openStream(ctx context.Context, p *plan) (*openedStream, error) {
	s, primaryErr := e.startStream(ctx, p.primary, p.msgs, p)
	if primaryErr == nil {
		return s, nil
	}

	var openErr *breaker.OpenError
	if p.fallback == nil {
		if errors.As(primaryErr, &openErr) {
			return nil, primaryErr
		}
		return nil, &GenerationError{Provider: string(p.primary.vendor), Model: p.primary.model, Err: primaryErr}
	}

	log.Warn().Err(primaryErr).
		Str("provider", string(p.primary.vendor)).
		Str("fallback", string(p.fallback.vendor)).
		Msg("streaming from fallback provider")

	s, err := e.startStream(ctx, *p.fallback, p.fallbackMsgs, p)
	if err != nil {
		return nil, &GenerationError{Provider: string(p.primary.vendor), Model: p.primary.model, Err: errors.Join(primaryErr, err)}
	}
	s.fallback = true
	return s, nil
}

func (e *Engine) startStream(ctx context.Context, t target, msgs []llm.Message, p *plan) (*openedStream, error) {
	call, err := e.breaker.Acquire(t.circuit)
	if err != nil {
		return nil, err
	}

	cfg := e.providerConfig(p.opts, t.model)
	cfg.Streaming = true
	system := p.system
	if p.reflect {
		cfg.Reflection = true
		system = llm.ReflectionSystemPrompt(system)
	}

	chunks, err := t.provider.GenerateStream(ctx, msgs, system, cfg)
	if err != nil {
		call.Done(err)
		return nil, err
	}
	return &openedStream{chunks: chunks, call: call, target: t, reflect: p.reflect}, nil
}

// relay forwards provider chunks as events and assembles the final answer.
// started reports whether any chunk or thought event was emitted.
func (e *Engine) relay(ctx context.Context, p *plan, s *openedStream, emit func(Event) bool) (answer *Answer, started bool, err error) {
	var (
		text, reasoning strings.Builder
		final           llm.StreamChunk
		split           thoughtSplitter
	)

	forward := func(answerText, thought string) bool {
		if thought != "" || answerText != "" {
			started = true
		}
		if thought != "" {
			reasoning.WriteString(thought)
			if !emit(Event{Type: EventThought, Text: thought}) {
				return false
			}
		}
		if answerText != "" {
			text.WriteString(answerText)
			if !emit(Event{Type: EventChunk, Text: answerText}) {
				return false
			}
		}
		return true
	}

	for done := false; !done; {
		select {
		case <-ctx.Done():
			return nil, started, ctx.Err()
		case chunk, ok := <-s.chunks:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil, started, err
				}
				done = true
				break
			}
			if chunk.Err != nil {
				return nil, started, chunk.Err
			}

			var a, t string
			switch {
			case chunk.Reasoning:
				t = chunk.Text
			case s.reflect:
				a, t = split.feed(chunk.Text)
			default:
				a = chunk.Text
			}
			if !forward(a, t) {
				return nil, started, ctx.Err()
			}
			if chunk.Final {
				final = chunk
				done = true
			}
		}
	}

	if s.reflect {
		a, t := split.flush()
		if !forward(a, t) {
			return nil, started, ctx.Err()
		}
	}

	return &Answer{
		Text:         strings.TrimSpace(text.String()),
		Sources:      sourcesOrEmpty(p.retrieved.Sources),
		Routing:      p.decision,
		Reasoning:    strings.TrimSpace(reasoning.String()),
		ModelUsed:    modelUsed(final.Model, s.target.model),
		ProviderUsed: string(s.target.vendor),
		InputTokens:  final.InputTokens,
		OutputTokens: final.OutputTokens,
		Elapsed:      time.Since(p.start),
		Fallback:     s.fallback,
	}, started, nil
}

func sourcesOfKind(all []retrieval.Source, k retrieval.SourceKind) []retrieval.Source {
	out := make([]retrieval.Source, 0, len(all))
	for _, s := range all {
		if s.Kind == k {
			out = append(out, s)
		}
	}
	return out
}
