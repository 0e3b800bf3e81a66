package numina

import "context"

// Request is the prompt handed to a model provider: ordered system
// sections, the flattened message window, and the available tools.
type Request struct {
	System   []string
	Messages []Message
	Tools    []ToolDescriptor
}

// Response is a provider's complete answer to one request.
type Response struct {
	Content    string
	Reasoning  string
	ToolCalls  []ToolCall
	Usage      Usage
	StopReason string
}

// ProviderEventType identifies one streamed provider event.
type ProviderEventType string

const (
	// ProviderTextDelta carries an incremental text chunk.
	ProviderTextDelta ProviderEventType = "text-delta"
	// ProviderReasoningDelta carries an incremental reasoning chunk.
	ProviderReasoningDelta ProviderEventType = "reasoning-delta"
	// ProviderToolCall carries one fully assembled tool call.
	ProviderToolCall ProviderEventType = "tool-call"
	// ProviderDone carries the final assembled response; always the last
	// event on a successful stream.
	ProviderDone ProviderEventType = "done"
	// ProviderError carries a terminal stream error.
	ProviderError ProviderEventType = "error"
)

// ProviderEvent is one element of a completion stream.
type ProviderEvent struct {
	Type     ProviderEventType
	Text     string
	ToolCall *ToolCall
	Response *Response
	Err      error
}

// Provider abstracts the model backend. Implementations live under
// provider/; the runtime composes them with WithRetry and WithRateLimit.
type Provider interface {
	// Name returns the provider name (e.g. "openai", "anthropic").
	Name() string
	// ListModels returns the models this provider serves. Callers pass the
	// result through EnhanceModelInfo before relying on it.
	ListModels(ctx context.Context) ([]ModelInfo, error)
	// Complete sends a request and returns the full response.
	Complete(ctx context.Context, opts ResponseOptions, req Request) (Response, error)
	// CompleteStream sends a request and emits events on the returned
	// channel. The channel is closed after a ProviderDone or ProviderError
	// event.
	CompleteStream(ctx context.Context, opts ResponseOptions, req Request) (<-chan ProviderEvent, error)
}

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// Embed returns the embedding vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}
