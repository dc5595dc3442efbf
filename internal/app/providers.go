package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/chatrelay/internal/config"
	"github.com/MrWong99/chatrelay/internal/observe"
	"github.com/MrWong99/chatrelay/internal/resilience"
	"github.com/MrWong99/chatrelay/pkg/provider/llm"
	"github.com/MrWong99/chatrelay/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/chatrelay/pkg/provider/llm/openai"
	"github.com/MrWong99/chatrelay/pkg/provider/stt"
	oastt "github.com/MrWong99/chatrelay/pkg/provider/stt/openai"
	"github.com/MrWong99/chatrelay/pkg/provider/stt/whisper"
)

// Providers holds the backends selected by the config. Each slot wraps the
// primary and its fallbacks behind per-backend circuit breakers.
// Transcription is nil when no transcription provider is configured.
type Providers struct {
	Completion    *resilience.LLMFallback
	Transcription *resilience.STTFallback

	// CompletionName labels the primary completion backend in metrics.
	CompletionName string
}

// RegisterBuiltinProviders wires all built-in provider factories into reg.
func RegisterBuiltinProviders(reg *config.Registry) {
	// ── Completion ────────────────────────────────────────────────────────────

	// openai goes through the native SDK for exact token counting and the
	// Chat Completions usage report.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := config.OptString(entry.Options, "organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oallm.WithTimeout(d))
		}
		if n, ok := config.OptFloat(entry.Options, "context_window"); ok {
			opts = append(opts, oallm.WithContextWindow(int(n)))
		}
		if n, ok := config.OptFloat(entry.Options, "max_output_tokens"); ok {
			opts = append(opts, oallm.WithMaxOutputTokens(int(n)))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// Every other vendor shares the any-llm-go pattern: optional APIKey and
	// optional BaseURL.
	for _, providerName := range anyllm.SupportedProviders() {
		if providerName == "openai" {
			continue
		}
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── Transcription ─────────────────────────────────────────────────────────

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oastt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oastt.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, oastt.WithModel(entry.Model))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, oastt.WithLanguage(lang))
		}
		if prompt := config.OptString(entry.Options, "prompt"); prompt != "" {
			opts = append(opts, oastt.WithPrompt(prompt))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oastt.WithTimeout(d))
		}
		return oastt.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	for kind, names := range reg.Names() {
		slog.Debug("registered providers", "kind", kind, "names", names)
	}
}

// BuildProviders instantiates the configured completion and transcription
// backends through reg and wraps them in failover groups. Breaker state
// changes are logged and counted in m when it is non-nil.
func BuildProviders(cfg config.ProvidersConfig, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:   cfg.CircuitBreaker.MaxFailures,
			ResetTimeout:  cfg.CircuitBreaker.ResetTimeout,
			OnStateChange: breakerHook(m),
		},
	}

	ps := &Providers{CompletionName: cfg.Completion.Label()}

	primary, err := reg.CreateLLM(cfg.Completion)
	if err != nil {
		return nil, fmt.Errorf("app: create completion provider %q: %w", cfg.Completion.Name, err)
	}
	ps.Completion = resilience.NewLLMFallback(primary, cfg.Completion.Label(), fbCfg)
	slog.Info("provider created", "kind", "completion", "name", cfg.Completion.Label())
	for _, entry := range cfg.CompletionFallbacks {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("app: create completion fallback %q: %w", entry.Name, err)
		}
		ps.Completion.AddFallback(entry.Label(), p)
		slog.Info("provider created", "kind", "completion_fallback", "name", entry.Label())
	}

	if !cfg.Transcription.Configured() {
		slog.Info("no transcription provider configured; voice messages are declined")
		return ps, nil
	}
	sttPrimary, err := reg.CreateSTT(cfg.Transcription)
	if err != nil {
		return nil, fmt.Errorf("app: create transcription provider %q: %w", cfg.Transcription.Name, err)
	}
	ps.Transcription = resilience.NewSTTFallback(sttPrimary, cfg.Transcription.Label(), fbCfg)
	slog.Info("provider created", "kind", "transcription", "name", cfg.Transcription.Label())
	for _, entry := range cfg.TranscriptionFallbacks {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, fmt.Errorf("app: create transcription fallback %q: %w", entry.Name, err)
		}
		ps.Transcription.AddFallback(entry.Label(), p)
		slog.Info("provider created", "kind", "transcription_fallback", "name", entry.Label())
	}
	return ps, nil
}

func breakerHook(m *observe.Metrics) func(name string, from, to resilience.State) {
	return func(name string, from, to resilience.State) {
		slog.Warn("circuit breaker state changed", "provider", name, "from", from, "to", to)
		if m != nil {
			m.RecordBreakerTransition(context.Background(), name, to.String())
		}
	}
}

// optDuration reads a duration option written either as a Go duration string
// ("30s") or as a number of seconds.
func optDuration(opts map[string]any, key string) time.Duration {
	if s := config.OptString(opts, key); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			slog.Warn("ignoring invalid duration option", "key", key, "value", s, "err", err)
			return 0
		}
		return d
	}
	if n, ok := config.OptFloat(opts, key); ok {
		return time.Duration(n * float64(time.Second))
	}
	return 0
}
