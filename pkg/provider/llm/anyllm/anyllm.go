// Package anyllm adapts github.com/mozilla-ai/any-llm-go to [llm.Provider],
// giving chatrelay access to every vendor that library speaks to (Anthropic,
// Gemini, Ollama, Mistral, Groq, DeepSeek, llama.cpp servers and OpenAI
// itself) behind one completion type.
//
//	p, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey(key))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/chatrelay/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

type backendFactory func(...anyllmlib.Option) (anyllmlib.Provider, error)

// factories maps the vendor names accepted by [New] to any-llm-go
// constructors. Each constructor returns a concrete type, hence the wrappers.
var factories = map[string]backendFactory{
	"anthropic": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) },
	"deepseek":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) },
	"gemini":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) },
	"groq":      func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) },
	"llamacpp":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) },
	"llamafile": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamafile.New(o...) },
	"mistral":   func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) },
	"ollama":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) },
	"openai":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) },
}

// Provider sends completions through one any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// New builds a Provider for vendor (case-insensitive, see
// [SupportedProviders]) and model. Without an API key option the backend
// reads its vendor's usual environment variable.
func New(vendor, model string, opts ...anyllmlib.Option) (*Provider, error) {
	switch {
	case vendor == "":
		return nil, errors.New("anyllm: vendor must not be empty")
	case model == "":
		return nil, errors.New("anyllm: model must not be empty")
	}

	factory, ok := factories[strings.ToLower(vendor)]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported vendor %q (supported: %s)",
			vendor, strings.Join(SupportedProviders(), ", "))
	}
	backend, err := factory(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %s backend: %w", vendor, err)
	}
	return &Provider{backend: backend, model: model}, nil
}

// SupportedProviders returns the vendor names accepted by [New], sorted.
func SupportedProviders() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	switch {
	case err != nil && isContextLengthError(err):
		return nil, fmt.Errorf("anyllm: completion: %w: %w", llm.ErrContextLengthExceeded, err)
	case err != nil:
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	case len(resp.Choices) == 0:
		return nil, errors.New("anyllm: completion: response has no choices")
	}

	first := resp.Choices[0]
	out := &llm.CompletionResponse{
		Content:      first.Message.ContentString(),
		FinishReason: string(first.FinishReason),
	}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

// CountTokens implements llm.Provider. Most vendors keep their tokenizer
// private, so cl100k stands in as an estimate.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.CountMessageTokens(p.model, messages), nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return modelCapabilities(p.model)
}

// contextLengthPhrases are the prompt-too-long wordings used across vendors.
// Their SDK errors share no common type.
var contextLengthPhrases = []string{
	"context_length_exceeded",
	"maximum context length",
	"context window",
	"prompt is too long",
	"input is too long",
}

func isContextLengthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return slices.ContainsFunc(contextLengthPhrases, func(s string) bool {
		return strings.Contains(msg, s)
	})
}

func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, convertMessage(m))
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: msgs}
	if t := req.Temperature; t != 0 {
		params.Temperature = &t
	}
	if n := req.MaxTokens; n > 0 {
		params.MaxTokens = &n
	}
	return params
}

func convertMessage(m llm.Message) anyllmlib.Message {
	return anyllmlib.Message{Role: m.Role, Content: m.Content}
}

// capabilityRule applies when match reports true for the lower-cased model.
type capabilityRule struct {
	match  func(model string) bool
	window int
	output int
}

func prefix(p string) func(string) bool   { return func(m string) bool { return strings.HasPrefix(m, p) } }
func contains(s string) func(string) bool { return func(m string) bool { return strings.Contains(m, s) } }

// capabilityRules is checked in order; more specific names come first.
var capabilityRules = []capabilityRule{
	{prefix("gpt-4o"), 128_000, 16_384},
	{prefix("gpt-4-turbo"), 128_000, 16_384},
	{prefix("gpt-4"), 8_192, 1_000},
	{prefix("gpt-3.5-turbo"), 16_385, 1_000},
	{contains("claude-3-opus"), 200_000, 4_096},
	{prefix("claude"), 200_000, 8_192},
	{contains("gemini-1.5-pro"), 2_097_152, 8_192},
	{prefix("gemini"), 1_048_576, 8_192},
	{contains("llama3"), 8_192, 2_048},
	{contains("llama-3"), 8_192, 2_048},
	{contains("mistral"), 32_768, 4_096},
	{contains("mixtral"), 32_768, 4_096},
	{prefix("deepseek"), 64_000, 8_192},
}

// modelCapabilities looks model up in capabilityRules. Unknown models get a
// 32k window with 4k of output.
func modelCapabilities(model string) llm.ModelCapabilities {
	lower := strings.ToLower(model)
	for _, r := range capabilityRules {
		if r.match(lower) {
			return llm.ModelCapabilities{ContextWindow: r.window, MaxOutputTokens: r.output}
		}
	}
	return llm.ModelCapabilities{ContextWindow: 32_768, MaxOutputTokens: 4_096}
}
