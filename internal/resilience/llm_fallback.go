package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/chatrelay/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// LLM backends. Each backend has its own circuit breaker; when the primary fails
// or its breaker is open, the next healthy fallback is tried.
//
// [llm.ErrContextLengthExceeded] is a caller error: it is returned at once so
// the completion client can shorten the history and retry.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.CircuitBreaker.IsCallerError == nil {
		cfg.CircuitBreaker.IsCallerError = isLLMCallerError
	}
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

func isLLMCallerError(err error) bool {
	return errors.Is(err, llm.ErrContextLengthExceeded) ||
		errors.Is(err, context.Canceled)
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete sends the request to the first healthy provider and returns its
// response.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CountTokens uses the primary's tokenizer. Counting is local and never fails
// over.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return f.group.Primary().CountTokens(messages)
}

// Capabilities returns the smallest context window and output limit across all
// entries, so a prompt sized for the primary also fits every fallback.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	var caps llm.ModelCapabilities
	for i, e := range f.group.entries {
		c := e.value.Capabilities()
		if i == 0 || (c.ContextWindow > 0 && c.ContextWindow < caps.ContextWindow) {
			caps.ContextWindow = c.ContextWindow
		}
		if i == 0 || (c.MaxOutputTokens > 0 && c.MaxOutputTokens < caps.MaxOutputTokens) {
			caps.MaxOutputTokens = c.MaxOutputTokens
		}
	}
	return caps
}

// States returns the breaker state of every backend, keyed by name.
func (f *LLMFallback) States() map[string]State {
	return f.group.States()
}
