package llm

import (
	"context"
	"strings"
	"time"
)

// Reflection delimiters. Streaming consumers split on the same tags.
const (
	ThinkingOpen  = "<thinking>"
	ThinkingClose = "</thinking>"
	AnswerOpen    = "<answer>"
	AnswerClose   = "</answer>"
)

// reflectionInstructions is appended to the system prompt in reflection mode.
const reflectionInstructions = `Before answering, reason through the question step by step.
Put your internal reasoning inside <thinking></thinking> tags.
Then put the final answer for the user inside <answer></answer> tags.
Only the content of the <answer> tags is shown to the user.`

// ReflectionSystemPrompt appends the reasoning instructions to system.
func ReflectionSystemPrompt(system string) string {
	if system == "" {
		return reflectionInstructions
	}
	return system + "\n\n" + reflectionInstructions
}

// GenerateWithReflection asks p to reason before answering and splits the
// output into Reasoning and Text. Output without the delimiters is taken as
// the answer in full. A reasoning trace reported natively by the backend is
// kept when the output carries no <thinking> block.
func GenerateWithReflection(ctx context.Context, p Provider, msgs []Message, system string, cfg ProviderConfig) (*GenerationResult, error) {
	start := time.Now()
	cfg.Reflection = true

	result, err := p.Generate(ctx, msgs, ReflectionSystemPrompt(system), cfg)
	if err != nil {
		return nil, err
	}

	reasoning, answer := SplitReflection(result.Text)
	result.Text = answer
	if reasoning != "" {
		result.Reasoning = reasoning
	}
	result.Latency = time.Since(start)
	return result, nil
}

// SplitReflection separates a <thinking> block from an <answer> block.
// Without an <answer> block, whatever follows the reasoning is the answer.
func SplitReflection(raw string) (reasoning, answer string) {
	reasoning, rest, found := between(raw, ThinkingOpen, ThinkingClose)
	if !found {
		rest = raw
	}

	if a, _, ok := between(rest, AnswerOpen, AnswerClose); ok {
		return strings.TrimSpace(reasoning), strings.TrimSpace(a)
	}
	// Unterminated <answer>: keep everything after the opening tag.
	if i := strings.Index(rest, AnswerOpen); i >= 0 {
		return strings.TrimSpace(reasoning), strings.TrimSpace(rest[i+len(AnswerOpen):])
	}
	if !found {
		return "", raw
	}
	return strings.TrimSpace(reasoning), strings.TrimSpace(rest)
}

// between returns the text inside the first open…close pair and the input
// with that pair removed.
func between(s, open, closeTag string) (inner, rest string, ok bool) {
	i := strings.Index(s, open)
	if i < 0 {
		return "", s, false
	}
	j := strings.Index(s[i+len(open):], closeTag)
	if j < 0 {
		return "", s, false
	}
	j += i + len(open)
	return s[i+len(open) : j], s[:i] + s[j+len(closeTag):], true
}
