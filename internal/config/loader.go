package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"completion":    {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"transcription": {"openai", "whisper"},
}

// envRef matches ${NAME} references. Bare $NAME is left alone so tokens and
// DSNs containing '$' survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands ${ENV} references, decodes a YAML config from r,
// applies defaults and validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces every ${NAME} in data with the value of the environment
// variable NAME. Unset variables expand to the empty string.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Front-ends
	if !cfg.Telegram.Enabled() && !cfg.Discord.Enabled() {
		slog.Warn("neither telegram.token nor discord.token is set; the bot will not receive messages")
	}
	if cfg.Telegram.PollTimeout < 0 {
		errs = append(errs, errors.New("telegram.poll_timeout must not be negative"))
	}

	// Providers
	if !cfg.Providers.Completion.Configured() {
		errs = append(errs, errors.New("providers.completion.name is required"))
	}
	errs = append(errs, validateEntry("completion", "providers.completion", cfg.Providers.Completion)...)
	for i, e := range cfg.Providers.CompletionFallbacks {
		prefix := fmt.Sprintf("providers.completion_fallbacks[%d]", i)
		if !e.Configured() {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		errs = append(errs, validateEntry("completion", prefix, e)...)
	}
	if len(cfg.Providers.TranscriptionFallbacks) > 0 && !cfg.Providers.Transcription.Configured() {
		errs = append(errs, errors.New("providers.transcription_fallbacks requires providers.transcription"))
	}
	errs = append(errs, validateEntry("transcription", "providers.transcription", cfg.Providers.Transcription)...)
	for i, e := range cfg.Providers.TranscriptionFallbacks {
		prefix := fmt.Sprintf("providers.transcription_fallbacks[%d]", i)
		if !e.Configured() {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		errs = append(errs, validateEntry("transcription", prefix, e)...)
	}
	if cfg.Providers.CircuitBreaker.MaxFailures < 0 {
		errs = append(errs, errors.New("providers.circuit_breaker.max_failures must not be negative"))
	}

	// Storage
	if !cfg.Storage.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("storage.driver %q is invalid; valid values: memory, sqlite, postgres", cfg.Storage.Driver))
	}
	if cfg.Storage.Driver == StoragePostgres && cfg.Storage.DSN == "" {
		errs = append(errs, errors.New("storage.dsn is required for the postgres driver"))
	}
	if cfg.Storage.Driver == StorageMemory {
		slog.Warn("storage.driver is memory; dialogs and usage are lost on restart")
	}

	// Dialog
	if cfg.Dialog.NewDialogTimeout != nil && *cfg.Dialog.NewDialogTimeout < 0 {
		errs = append(errs, errors.New("dialog.new_dialog_timeout must not be negative"))
	}
	if cfg.Dialog.MaxConcurrentCompletions < 0 {
		errs = append(errs, errors.New("dialog.max_concurrent_completions must not be negative"))
	}

	// Pricing
	if err := cfg.Pricing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pricing: %w", err))
	}

	return errors.Join(errs...)
}

// validateEntry checks option types and warns about unknown provider names.
func validateEntry(kind, prefix string, e ProviderEntry) []error {
	if !e.Configured() {
		return nil
	}
	validateProviderName(kind, e.Name)

	var errs []error
	if v, ok := e.Options["temperature"]; ok {
		t, isNum := optFloat(v)
		if !isNum || t < 0 || t > 2 {
			errs = append(errs, fmt.Errorf("%s.options.temperature %v is out of range [0, 2]", prefix, v))
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// OptString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func OptString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// OptFloat extracts a number from a provider Options map. YAML integers are
// accepted.
func OptFloat(opts map[string]any, key string) (float64, bool) {
	v, ok := opts[key]
	if !ok {
		return 0, false
	}
	return optFloat(v)
}

func optFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
