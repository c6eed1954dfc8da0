package engine

import (
	"fmt"

	"github.com/normanking/cortex-rag/internal/llm"
)

// DefaultSystemPrompt is used when neither the configuration nor the
// request supplies one.
const DefaultSystemPrompt = `You are a helpful assistant. Answer accurately and concisely.
When context is provided, ground your answer in it and say when it does not cover the question.
Answer in the language of the question.`

const contextTemplate = `Use the following context to answer the question. If the context does not contain the answer, say so before answering from general knowledge.

Context:
%s

Question: %s`

// userTurn builds the single user message carrying context and question.
func userTurn(query, context string) llm.Message {
	if context == "" {
		return llm.Message{Role: "user", Content: query}
	}
	return llm.Message{Role: "user", Content: fmt.Sprintf(contextTemplate, context, query)}
}

// buildMessages replays history, then appends the user turn. Turns with an
// unknown role are dropped.
func buildMessages(history []Turn, query, context string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+1)
	for _, t := range history {
		if t.Role != "user" && t.Role != "assistant" {
			continue
		}
		if t.Content == "" {
			continue
		}
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
	}
	return append(msgs, userTurn(query, context))
}
