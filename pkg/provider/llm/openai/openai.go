// Package openai sends completions to the OpenAI Chat Completions API through
// the official SDK. Any compatible server (Azure, vLLM, LM Studio, ...) works
// with [WithBaseURL]; give it [WithContextWindow] when the model name is one
// this package does not know.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/chatrelay/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Provider is an [llm.Provider] for one OpenAI model.
type Provider struct {
	client oai.Client
	model  string
	caps   llm.ModelCapabilities
}

type settings struct {
	baseURL      string
	organization string
	timeout      time.Duration
	caps         llm.ModelCapabilities
}

// requestOptions turns the settings into SDK client options.
func (s settings) requestOptions(apiKey string) []option.RequestOption {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if s.baseURL != "" {
		opts = append(opts, option.WithBaseURL(s.baseURL))
	}
	if s.organization != "" {
		opts = append(opts, option.WithOrganization(s.organization))
	}
	if s.timeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: s.timeout}))
	}
	return opts
}

// Option customises a Provider.
type Option func(*settings)

// WithBaseURL points the client at another OpenAI-compatible endpoint.
func WithBaseURL(url string) Option { return func(s *settings) { s.baseURL = url } }

// WithOrganization sends the organization header on every request.
func WithOrganization(org string) Option { return func(s *settings) { s.organization = org } }

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option { return func(s *settings) { s.timeout = d } }

// WithContextWindow replaces the context window guessed from the model name.
func WithContextWindow(tokens int) Option {
	return func(s *settings) { s.caps.ContextWindow = tokens }
}

// WithMaxOutputTokens replaces the output limit guessed from the model name.
// It is also sent as max_completion_tokens when a request sets none.
func WithMaxOutputTokens(tokens int) Option {
	return func(s *settings) { s.caps.MaxOutputTokens = tokens }
}

// New creates a Provider for model.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	switch {
	case apiKey == "":
		return nil, errors.New("openai: api key must not be empty")
	case model == "":
		return nil, errors.New("openai: model must not be empty")
	}

	var s settings
	for _, o := range opts {
		o(&s)
	}
	caps := modelCapabilities(model)
	if s.caps.ContextWindow > 0 {
		caps.ContextWindow = s.caps.ContextWindow
	}
	if s.caps.MaxOutputTokens > 0 {
		caps.MaxOutputTokens = s.caps.MaxOutputTokens
	}

	return &Provider{
		client: oai.NewClient(s.requestOptions(apiKey)...),
		model:  model,
		caps:   caps,
	}, nil
}

// Complete implements llm.Provider. The usage block of the response is
// passed through unchanged.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	switch {
	case err != nil && isContextLengthError(err):
		return nil, fmt.Errorf("openai: chat completion: %w: %w", llm.ErrContextLengthExceeded, err)
	case err != nil:
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	case len(resp.Choices) == 0:
		return nil, errors.New("openai: chat completion: response has no choices")
	}

	u := resp.Usage
	return &llm.CompletionResponse{
		Content:      resp.Choices[0].Message.Content,
		FinishReason: resp.Choices[0].FinishReason,
		Usage: llm.Usage{
			PromptTokens:     int(u.PromptTokens),
			CompletionTokens: int(u.CompletionTokens),
			TotalTokens:      int(u.TotalTokens),
		},
	}, nil
}

// CountTokens implements llm.Provider with the model's tiktoken encoding.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.CountMessageTokens(p.model, messages), nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return p.caps
}

func isContextLengthError(err error) bool {
	var apiErr *oai.Error
	return errors.As(err, &apiErr) &&
		(apiErr.Code == "context_length_exceeded" || strings.Contains(apiErr.Message, "maximum context length"))
}

// knownModels maps model name prefixes to limits. Longer prefixes of the same
// family come first.
var knownModels = []struct {
	prefix string
	caps   llm.ModelCapabilities
}{
	{"gpt-4.1", llm.ModelCapabilities{ContextWindow: 1_047_576, MaxOutputTokens: 32_768}},
	{"gpt-4o", llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384}},
	{"gpt-4-turbo", llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}},
	{"gpt-4-32k", llm.ModelCapabilities{ContextWindow: 32_768, MaxOutputTokens: 4_096}},
	{"gpt-4", llm.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 1_000}},
	{"gpt-3.5-turbo-instruct", llm.ModelCapabilities{ContextWindow: 4_096, MaxOutputTokens: 1_000}},
	{"gpt-3.5-turbo", llm.ModelCapabilities{ContextWindow: 16_385, MaxOutputTokens: 1_000}},
	{"o1-mini", llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 65_536}},
	{"o1", llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000}},
	{"o3", llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000}},
	{"o4", llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000}},
}

// modelCapabilities returns the limits for model. Unknown names are assumed
// to be recent models with a 128k window.
func modelCapabilities(model string) llm.ModelCapabilities {
	lower := strings.ToLower(model)
	for _, m := range knownModels {
		if strings.HasPrefix(lower, m.prefix) {
			return m.caps
		}
	}
	return llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}
}

func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		msgs = append(msgs, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: msgs,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	limit := req.MaxTokens
	if limit <= 0 {
		limit = p.caps.MaxOutputTokens
	}
	if limit > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(limit))
	}
	return params, nil
}

func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case llm.RoleUser:
		return oai.UserMessage(m.Content), nil
	case llm.RoleAssistant:
		return oai.AssistantMessage(m.Content), nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
}
