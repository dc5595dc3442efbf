// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote model API (OpenAI, Anthropic, Gemini, a local
// Ollama instance, ...) and exposes a uniform interface for the completion
// client to run chat completions, count tokens and inspect model limits
// without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use.
package llm

import (
	"context"
	"errors"
)

// ErrContextLengthExceeded is wrapped by providers when the backend rejects a
// request because the prompt does not fit the model's context window. Callers
// test for it with [errors.Is] and shorten the prompt before retrying.
var ErrContextLengthExceeded = errors.New("llm: context length exceeded")

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens. Some providers return it
	// directly rather than computing it from the parts.
	TotalTokens int
}

// Total returns TotalTokens, or the sum of the parts when the provider left it
// unset.
func (u Usage) Total() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is from
	// the "user" role and drives the response.
	Messages []Message

	// SystemPrompt is injected before the conversation history as a
	// "system"-role message.
	SystemPrompt string

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// means use the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means use the
	// provider default.
	MaxTokens int
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// FinishReason is why generation stopped ("stop", "length", ...).
	FinishReason string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response. When
	// the backend rejects the prompt as too long the returned error wraps
	// [ErrContextLengthExceeded].
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the number of tokens the given messages would
	// consume in the model's context window. The result should not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata describing the underlying model.
	Capabilities() ModelCapabilities
}
