package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/chatrelay/internal/app"
	"github.com/MrWong99/chatrelay/internal/config"
	"github.com/MrWong99/chatrelay/internal/observe"
	"github.com/MrWong99/chatrelay/internal/resilience"
	"github.com/MrWong99/chatrelay/pkg/provider/llm"
	llmmock "github.com/MrWong99/chatrelay/pkg/provider/llm/mock"
	"github.com/MrWong99/chatrelay/pkg/provider/stt"
	sttmock "github.com/MrWong99/chatrelay/pkg/provider/stt/mock"
	"github.com/MrWong99/chatrelay/pkg/store/memory"
	storemock "github.com/MrWong99/chatrelay/pkg/store/mock"
)

// fakeFrontend blocks until its context is cancelled, or fails at once when
// err is set.
type fakeFrontend struct {
	name    string
	err     error
	started atomic.Bool
}

func (f *fakeFrontend) Name() string { return f.name }

func (f *fakeFrontend) Run(ctx context.Context) error {
	f.started.Store(true)
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func testConfig() *config.Config {
	timeout := 5 * time.Minute
	return &config.Config{
		Server:  config.ServerConfig{LogLevel: config.LogInfo},
		Storage: config.StorageConfig{Driver: config.StorageMemory},
		Dialog: config.DialogConfig{
			NewDialogTimeout:         &timeout,
			MaxConcurrentCompletions: 4,
		},
	}
}

func testProviders() *app.Providers {
	return &app.Providers{
		Completion:     resilience.NewLLMFallback(&llmmock.Provider{}, "mock/model", resilience.FallbackConfig{}),
		CompletionName: "mock/model",
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	base := []app.Option{
		app.WithStore(memory.New()),
		app.WithMetrics(testMetrics(t)),
		app.WithFrontends(&fakeFrontend{name: "fake"}),
	}
	a, err := app.New(context.Background(), cfg, testProviders(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

// ─── New ─────────────────────────────────────────────────────────────────────

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig())
	if a.Dialogs() == nil {
		t.Fatal("Dialogs() is nil")
	}
	if got := a.Dialogs().NewDialogTimeout(); got != 5*time.Minute {
		t.Errorf("NewDialogTimeout = %v, want 5m", got)
	}
	if _, ok := a.Dialogs().Modes().Get("assistant"); !ok {
		t.Error("builtin catalog should contain the assistant mode")
	}
}

func TestNew_NoFrontends(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), testConfig(), testProviders(),
		app.WithStore(memory.New()),
		app.WithMetrics(testMetrics(t)),
	)
	if err == nil {
		t.Fatal("expected error when no front-end is configured")
	}
	if !strings.Contains(err.Error(), "no front-end") {
		t.Errorf("err = %v, want it to mention the missing front-end", err)
	}
}

func TestNew_ChatModesFileMissing(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ChatModes = t.TempDir() + "/missing.yaml"
	st := storemock.New()
	_, err := app.New(context.Background(), cfg, testProviders(),
		app.WithStore(st),
		app.WithMetrics(testMetrics(t)),
		app.WithFrontends(&fakeFrontend{name: "fake"}),
	)
	if err == nil {
		t.Fatal("expected error for a missing chat modes file")
	}
	if st.CallCount("Close") != 1 {
		t.Errorf("store Close calls = %d, want 1", st.CallCount("Close"))
	}
}

func TestOpenStore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     config.StorageConfig
		wantErr bool
	}{
		{name: "memory", cfg: config.StorageConfig{Driver: config.StorageMemory}},
		{name: "sqlite", cfg: config.StorageConfig{Driver: config.StorageSQLite, DSN: t.TempDir() + "/relay.db"}},
		{name: "unknown", cfg: config.StorageConfig{Driver: "redis"}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st, err := app.OpenStore(context.Background(), tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("OpenStore: %v", err)
			}
			defer st.Close()
			if err := st.Ping(context.Background()); err != nil {
				t.Errorf("Ping: %v", err)
			}
		})
	}
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

func TestHandler_Probes(t *testing.T) {
	t.Parallel()

	pingErr := errors.New("db gone")
	tests := []struct {
		name       string
		path       string
		pingErr    error
		wantStatus int
	}{
		{name: "healthz", path: "/healthz", wantStatus: http.StatusOK},
		{name: "readyz ok", path: "/readyz", wantStatus: http.StatusOK},
		{name: "readyz store down", path: "/readyz", pingErr: pingErr, wantStatus: http.StatusServiceUnavailable},
		{name: "healthz ignores store", path: "/healthz", pingErr: pingErr, wantStatus: http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st := storemock.New()
			st.PingErr = tc.pingErr
			a := newTestApp(t, testConfig(), app.WithStore(st))

			rec := httptest.NewRecorder()
			a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.wantStatus, rec.Body)
			}
			var body struct {
				Status string            `json:"status"`
				Checks map[string]string `json:"checks"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if tc.path == "/readyz" {
				if _, ok := body.Checks["completion"]; !ok {
					t.Errorf("checks = %v, want a completion entry", body.Checks)
				}
			}
		})
	}
}

func TestHandler_Metrics(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig())
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	f1 := &fakeFrontend{name: "one"}
	f2 := &fakeFrontend{name: "two"}
	a := newTestApp(t, cfg, app.WithFrontends(f1, f2))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !f1.started.Load() || !f2.started.Load() {
		t.Error("every front-end should have been started")
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// Idempotent.
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestApp_RunFrontendFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("token revoked")
	healthy := &fakeFrontend{name: "healthy"}
	a := newTestApp(t, testConfig(), app.WithFrontends(healthy, &fakeFrontend{name: "broken", err: boom}))

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("Run err = %v, want %v", err, boom)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after a front-end failed")
	}
}

func TestApp_ShutdownDeadline(t *testing.T) {
	t.Parallel()

	st := storemock.New()
	a := newTestApp(t, testConfig(), app.WithStore(st))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Shutdown err = %v, want context.Canceled", err)
	}
	if st.CallCount("Close") != 0 {
		t.Error("closers must be skipped once the deadline passed")
	}
}

// ─── BuildProviders ──────────────────────────────────────────────────────────

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	backup := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from backup"}}
	transcriber := &sttmock.Provider{Result: stt.Transcript{Text: "hi"}}

	reg := config.NewRegistry()
	reg.RegisterLLM("primary", func(config.ProviderEntry) (llm.Provider, error) { return primary, nil })
	reg.RegisterLLM("backup", func(config.ProviderEntry) (llm.Provider, error) { return backup, nil })
	reg.RegisterSTT("voice", func(config.ProviderEntry) (stt.Provider, error) { return transcriber, nil })

	cfg := config.ProvidersConfig{
		Completion:          config.ProviderEntry{Name: "primary", Model: "big"},
		CompletionFallbacks: []config.ProviderEntry{{Name: "backup", Model: "small"}},
		Transcription:       config.ProviderEntry{Name: "voice"},
	}
	ps, err := app.BuildProviders(cfg, reg, testMetrics(t))
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if ps.CompletionName != "primary/big" {
		t.Errorf("CompletionName = %q, want primary/big", ps.CompletionName)
	}

	resp, err := ps.Completion.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from backup" {
		t.Errorf("Content = %q, want the fallback's reply", resp.Content)
	}
	if len(primary.CompleteCalls) != 1 || len(backup.CompleteCalls) != 1 {
		t.Errorf("calls primary=%d backup=%d, want 1 each", len(primary.CompleteCalls), len(backup.CompleteCalls))
	}

	if ps.Transcription == nil {
		t.Fatal("Transcription is nil")
	}
	tr, err := ps.Transcription.Transcribe(context.Background(), stt.Audio{Data: []byte{1}})
	if err != nil || tr.Text != "hi" {
		t.Errorf("Transcribe = %q, %v; want hi", tr.Text, err)
	}
}

func TestBuildProviders_NoTranscription(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	reg.RegisterLLM("primary", func(config.ProviderEntry) (llm.Provider, error) { return &llmmock.Provider{}, nil })

	ps, err := app.BuildProviders(config.ProvidersConfig{Completion: config.ProviderEntry{Name: "primary"}}, reg, nil)
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if ps.Transcription != nil {
		t.Error("Transcription should be nil when unconfigured")
	}
}

func TestBuildProviders_Unregistered(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  config.ProvidersConfig
	}{
		{name: "completion", cfg: config.ProvidersConfig{Completion: config.ProviderEntry{Name: "nope"}}},
		{name: "completion fallback", cfg: config.ProvidersConfig{
			Completion:          config.ProviderEntry{Name: "primary"},
			CompletionFallbacks: []config.ProviderEntry{{Name: "nope"}},
		}},
		{name: "transcription", cfg: config.ProvidersConfig{
			Completion:    config.ProviderEntry{Name: "primary"},
			Transcription: config.ProviderEntry{Name: "nope"},
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			reg := config.NewRegistry()
			reg.RegisterLLM("primary", func(config.ProviderEntry) (llm.Provider, error) { return &llmmock.Provider{}, nil })
			_, err := app.BuildProviders(tc.cfg, reg, nil)
			if !errors.Is(err, config.ErrProviderNotRegistered) {
				t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
			}
		})
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)
	names := reg.Names()

	for _, want := range []string{"openai", "anthropic", "ollama"} {
		if !contains(names["completion"], want) {
			t.Errorf("completion providers %v missing %q", names["completion"], want)
		}
	}
	for _, want := range []string{"openai", "whisper"} {
		if !contains(names["transcription"], want) {
			t.Errorf("transcription providers %v missing %q", names["transcription"], want)
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
