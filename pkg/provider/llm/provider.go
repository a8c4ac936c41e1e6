// Package llm defines the Provider interface for chat-completion backends.
//
// A chat provider wraps a remote or local model API (e.g., OpenAI, Anthropic,
// or a local Ollama instance) behind a minimal completion interface. toolmux
// uses it for exactly one job: rewriting upstream tool descriptions into
// search phrases before they are embedded into the tool index.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Message represents a single message in a chat conversation.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting information returned by the backend.
// All counts are in the model's native token unit and may differ between
// providers for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens. Provided as a
	// convenience; some providers return it directly rather than computing it
	// from the parts.
	TotalTokens int
}

// CompletionRequest carries everything the model needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages
// must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation. Providers without a dedicated system slot prepend it
	// as a "system"-role message.
	SystemPrompt string

	// Messages is the ordered conversation. The last message is typically
	// from the "user" role and drives the response.
	Messages []Message

	// Temperature controls output randomness. Pointer so an explicit 0
	// (greedy decoding) is distinguishable from unset; nil selects the
	// backend default.
	Temperature *float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any chat-completion backend.
//
// Implementations must be safe for concurrent use from multiple goroutines
// and must propagate context cancellation promptly.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or if ctx is cancelled before
	// the completion arrives.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// ModelID returns the provider-specific model identifier
	// (e.g., "gpt-4o-mini", "llama3.2"). Useful for logging.
	ModelID() string
}
