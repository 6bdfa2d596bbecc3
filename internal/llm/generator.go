// Package llm drives grounded answer generation. The generator is a
// pull-based token stream: the query pipeline consumes one token at a
// time and forwards it immediately, and closing the stream early stops
// generation without draining it.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// FallbackAnswer is the exact sentence returned when retrieval finds
// nothing. The prompt instructs the model to emit it verbatim, and the
// pipeline short-circuits with it when no chunks match at all.
const FallbackAnswer = "Information not found in knowledge base."

// HistoryMessage is one prior conversation turn fed to the generator.
type HistoryMessage struct {
	Role    string
	Content string
}

// TokenStream yields generated tokens one at a time. Recv returns
// io.EOF when generation completes normally. Close releases the
// underlying connection and may be called before EOF to cancel.
type TokenStream interface {
	Recv() (string, error)
	Close() error
}

// Generator produces a grounded answer as a token stream.
type Generator interface {
	GenerateStream(ctx context.Context, question, contextBlock string, history []HistoryMessage) (TokenStream, error)
}

// BuildPrompt assembles the extraction-style answer prompt. The rules
// block keeps the model from speculating beyond retrieved context.
func BuildPrompt(question, contextBlock string, history []HistoryMessage) string {
	var historyBlock string
	if len(history) > 0 {
		var lines []string
		for _, msg := range history {
			content := strings.TrimSpace(msg.Content)
			if content == "" {
				continue
			}
			role := msg.Role
			if role != "" {
				role = strings.ToUpper(role[:1]) + role[1:]
			}
			lines = append(lines, fmt.Sprintf("%s: %s", role, content))
		}
		if len(lines) > 0 {
			historyBlock = "\nConversation History (most recent messages):\n" + strings.Join(lines, "\n") + "\n"
		}
	}

	return fmt.Sprintf(`You are a helpful AI assistant.

The user may ask questions in any language.
You MUST always respond in English.
Use only the provided context to answer.

Rules:
- Extract relevant information directly from the context
- Do NOT add new explanations or interpretations
- Do NOT speculate or make assumptions
- Do NOT extend beyond what is in the context
- If the answer is not found in the context, respond exactly with:
"`+FallbackAnswer+`"
- Always respond in English, regardless of the question language
%s
Question:
%s

Context:
%s

Answer (in English):
`, historyBlock, question, contextBlock)
}
