// Package chat provides text completion providers for voice conversations.
package chat

import (
	"context"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is a single turn of conversation history.
type Message struct {
	Role    string
	Content string
}

// Request describes one completion turn.
type Request struct {
	// Text is the latest user utterance.
	Text string

	// History holds prior turns, oldest first. The latest utterance is not
	// included.
	History []Message

	// UseWeb enables provider-side web search when supported.
	UseWeb bool

	// Context is retrieved document text to ground the answer on. Empty when
	// retrieval is disabled for this turn.
	Context string

	// Model overrides the provider's default model when non-empty.
	Model string
}

// Provider is the interface for chat completion backends.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Complete returns the assistant reply for the request.
	Complete(ctx context.Context, req *Request) (string, error)
}

const systemPrompt = "You are a helpful voice assistant. Keep answers short and conversational; they will be read aloud."

// buildMessages flattens a request into role/content turns shared by the
// OpenAI-compatible providers.
func buildMessages(req *Request) []Message {
	msgs := make([]Message, 0, len(req.History)+3)
	msgs = append(msgs, Message{Role: RoleSystem, Content: systemPrompt})
	if req.Context != "" {
		msgs = append(msgs, Message{
			Role:    RoleSystem,
			Content: "Use the following retrieved context to answer when relevant:\n\n" + req.Context,
		})
	}
	msgs = append(msgs, req.History...)
	msgs = append(msgs, Message{Role: RoleUser, Content: req.Text})
	return msgs
}
