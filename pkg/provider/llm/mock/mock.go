// Package mock provides a scripted [llm.Provider] for tests.
//
//	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Hello!"}}
//
// Configure the fields before the first call. Recorded calls are read back
// with [Provider.Calls].
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/chatrelay/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// CompleteCall is one recorded Complete invocation.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider answers from its fields. Zero values yield zero results and nil
// errors.
type Provider struct {
	mu sync.Mutex

	// CompleteResponse and CompleteErr are returned by Complete unless
	// CompleteFunc is set. CompleteFunc receives the zero-based call index.
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error
	CompleteFunc     func(call int, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// TokenCount is returned by CountTokens unless CountTokensFunc is set.
	// CountTokensErr wins over both.
	TokenCount      int
	CountTokensFunc func(messages []llm.Message) int
	CountTokensErr  error

	ModelCapabilities llm.ModelCapabilities

	// CompleteCalls holds every Complete call in order. Prefer [Provider.Calls]
	// while other goroutines may still be calling.
	CompleteCalls []CompleteCall
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := len(p.CompleteCalls)
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	if fn := p.CompleteFunc; fn != nil {
		return fn(idx, req)
	}
	return p.CompleteResponse, p.CompleteErr
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.CountTokensErr != nil:
		return 0, p.CountTokensErr
	case p.CountTokensFunc != nil:
		return p.CountTokensFunc(slices.Clone(messages)), nil
	default:
		return p.TokenCount, nil
	}
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Calls returns a copy of the recorded Complete calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.CompleteCalls)
}

// Reset forgets the recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
}
