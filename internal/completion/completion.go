// Package completion turns a dialog history and a chat mode into a request to
// an [llm.Provider], keeping the prompt inside the model's context window.
//
// When the history does not fit, whole turns are dropped from the front until
// it does. The number of dropped turns is reported back so the bot can tell
// the user that early messages were forgotten.
package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/chatrelay/internal/chatmode"
	"github.com/MrWong99/chatrelay/internal/observe"
	"github.com/MrWong99/chatrelay/pkg/provider/llm"
	"github.com/MrWong99/chatrelay/pkg/store"
)

// ErrContextTooLong is returned when the new message alone, without any
// history, is rejected as too long by the provider.
var ErrContextTooLong = errors.New("completion: message does not fit the model context window")

// Result is the outcome of a completion.
type Result struct {
	// Answer is the assistant reply with surrounding whitespace removed.
	Answer string

	// UsedTokens is prompt plus completion tokens of the successful request.
	UsedTokens int

	// RemovedMessages is how many leading dialog turns were dropped.
	RemovedMessages int
}

// Completer produces an answer for message given a dialog history.
type Completer interface {
	Complete(ctx context.Context, message string, history []store.Turn, mode chatmode.Mode) (Result, error)
}

// Option is a functional option for Client.
type Option func(*Client)

// WithTemperature sets the sampling temperature sent with every request.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = t }
}

// WithMetrics records latency, errors and truncations into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithProviderName sets the provider label used in metrics.
func WithProviderName(name string) Option {
	return func(c *Client) { c.providerName = name }
}

// Client implements Completer on top of an llm.Provider.
type Client struct {
	provider     llm.Provider
	providerName string
	temperature  float64
	metrics      *observe.Metrics
}

var _ Completer = (*Client)(nil)

// New creates a Client. The default temperature is 0.7.
func New(p llm.Provider, opts ...Option) *Client {
	c := &Client{
		provider:     p,
		providerName: "llm",
		temperature:  0.7,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Complete implements Completer.
func (c *Client) Complete(ctx context.Context, message string, history []store.Turn, mode chatmode.Mode) (Result, error) {
	ctx, span := observe.StartSpan(ctx, "completion.Complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("chat.mode", mode.Key),
		attribute.Int("dialog.turns", len(history)),
	)

	start := time.Now()
	res, err := c.complete(ctx, message, history, mode)
	if c.metrics != nil {
		c.metrics.CompletionDuration.Record(ctx, time.Since(start).Seconds())
		if res.RemovedMessages > 0 {
			c.metrics.TruncatedMessages.Add(ctx, int64(res.RemovedMessages))
		}
		status := "ok"
		if err != nil {
			status = "error"
			c.metrics.RecordProviderError(ctx, c.providerName, "completion")
		}
		c.metrics.RecordProviderRequest(ctx, c.providerName, "completion", status)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	span.SetAttributes(
		attribute.Int("completion.used_tokens", res.UsedTokens),
		attribute.Int("completion.removed_messages", res.RemovedMessages),
	)
	return res, nil
}

func (c *Client) complete(ctx context.Context, message string, history []store.Turn, mode chatmode.Mode) (Result, error) {
	caps := c.provider.Capabilities()
	budget := caps.PromptBudget()
	removed := 0

	for {
		msgs := BuildMessages(message, history)

		promptTokens, err := c.provider.CountTokens(withSystem(mode.PromptStart, msgs))
		if err != nil {
			return Result{}, fmt.Errorf("completion: count tokens: %w", err)
		}
		if budget > 0 && promptTokens > budget && len(history) > 0 {
			history = history[1:]
			removed++
			continue
		}

		req := llm.CompletionRequest{
			Messages:     msgs,
			SystemPrompt: mode.PromptStart,
			Temperature:  c.temperature,
			MaxTokens:    caps.MaxOutputTokens,
		}
		resp, err := c.provider.Complete(ctx, req)
		if errors.Is(err, llm.ErrContextLengthExceeded) {
			if len(history) == 0 {
				return Result{}, fmt.Errorf("%w: %w", ErrContextTooLong, err)
			}
			observe.Logger(ctx).Debug("completion: provider rejected prompt length, dropping oldest turn",
				"prompt_tokens", promptTokens, "turns", len(history))
			history = history[1:]
			removed++
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("completion: %w", err)
		}
		if resp == nil {
			return Result{}, errors.New("completion: provider returned no response")
		}

		answer := strings.TrimSpace(resp.Content)
		used := resp.Usage.Total()
		if used == 0 {
			// Some self-hosted backends report no usage.
			answerTokens, _ := c.provider.CountTokens([]llm.Message{{Role: llm.RoleAssistant, Content: answer}})
			used = promptTokens + answerTokens
		}
		return Result{
			Answer:          answer,
			UsedTokens:      used,
			RemovedMessages: removed,
		}, nil
	}
}

// BuildMessages renders history and the new message as alternating user and
// assistant messages, oldest first. The system prompt is not included.
func BuildMessages(message string, history []store.Turn) []llm.Message {
	msgs := make([]llm.Message, 0, 2*len(history)+1)
	for _, t := range history {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: t.User},
			llm.Message{Role: llm.RoleAssistant, Content: t.Bot},
		)
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: message})
}

func withSystem(prompt string, msgs []llm.Message) []llm.Message {
	if prompt == "" {
		return msgs
	}
	out := make([]llm.Message, 0, len(msgs)+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: prompt})
	return append(out, msgs...)
}
