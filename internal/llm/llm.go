// Package llm holds the chat-completion backends the analysis stage talks
// to: any OpenAI-compatible hosted API, or a local Ollama instance.
package llm

import "context"

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single non-streaming completion request.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	// JSON asks the backend to constrain output to a JSON object when it
	// supports doing so.
	JSON bool
}

// Completer returns the raw text of a model completion. Failures are
// classified with the failure package kinds.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}
