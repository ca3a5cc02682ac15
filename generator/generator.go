// Package generator is the text-generation abstraction behind the
// summarize handler and retrieval's Ask operation (spec §4.2, §5).
package generator

import "context"

// Message is one turn of a chat-style completion request.
type Message struct {
	Role    string // "system", "user", or "assistant"
	Content string
}

// Generator produces a single completion from a sequence of messages.
type Generator interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}
