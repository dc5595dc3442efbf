// Package app wires all chatrelay subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the store and builds the
// dialog service and chat front-ends, Run serves until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithFrontends, WithMetrics). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/chatrelay/internal/bot"
	"github.com/MrWong99/chatrelay/internal/chatmode"
	"github.com/MrWong99/chatrelay/internal/completion"
	"github.com/MrWong99/chatrelay/internal/config"
	"github.com/MrWong99/chatrelay/internal/dialog"
	"github.com/MrWong99/chatrelay/internal/discord"
	"github.com/MrWong99/chatrelay/internal/health"
	"github.com/MrWong99/chatrelay/internal/observe"
	"github.com/MrWong99/chatrelay/internal/telegram"
	"github.com/MrWong99/chatrelay/pkg/store"
	"github.com/MrWong99/chatrelay/pkg/store/memory"
	"github.com/MrWong99/chatrelay/pkg/store/postgres"
	"github.com/MrWong99/chatrelay/pkg/store/sqlite"
)

// shutdownTimeout bounds the HTTP server drain during Shutdown.
const shutdownTimeout = 10 * time.Second

// Frontend is a chat platform connection that serves updates until ctx is
// cancelled.
type Frontend interface {
	Name() string
	Run(ctx context.Context) error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	level     *slog.LevelVar

	store     store.Store
	metrics   *observe.Metrics
	modes     *chatmode.Catalog
	dialogs   *dialog.Service
	access    map[string]*bot.Access
	frontends []Frontend
	server    *http.Server
	scrape    http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of opening one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithFrontends replaces the Telegram and Discord front-ends built from
// config.
func WithFrontends(fs ...Frontend) Option {
	return func(a *App) { a.frontends = fs }
}

// WithMetrics injects metric instruments instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at /metrics instead of the default Prometheus
// registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithLogLevel lets the App adjust the process log level on config reload.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from [BuildProviders]. Front-ends connect to their platforms here, so a bad
// token fails fast.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		access:    make(map[string]*bot.Access),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if a.store == nil {
		st, err := OpenStore(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("app: open store: %w", err)
		}
		a.store = st
	}
	a.closers = append(a.closers, a.store.Close)

	// ── 2. Chat modes ────────────────────────────────────────────────────
	a.modes = chatmode.Builtin()
	if cfg.ChatModes != "" {
		modes, err := chatmode.Load(cfg.ChatModes)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: load chat modes: %w", err)
		}
		a.modes = modes
	}

	// ── 3. Dialog service ────────────────────────────────────────────────
	var temperatureOpts []completion.Option
	if t, ok := config.OptFloat(cfg.Providers.Completion.Options, "temperature"); ok {
		temperatureOpts = append(temperatureOpts, completion.WithTemperature(t))
	}
	completer := completion.New(providers.Completion, append(temperatureOpts,
		completion.WithMetrics(a.metrics),
		completion.WithProviderName(providers.CompletionName),
	)...)
	a.dialogs = dialog.New(a.store, completer, a.modes,
		dialog.WithNewDialogTimeout(cfg.Dialog.Timeout()),
		dialog.WithMaxConcurrentCompletions(cfg.Dialog.MaxConcurrentCompletions),
		dialog.WithPricing(cfg.Pricing),
		dialog.WithMetrics(a.metrics),
	)

	// ── 4. Front-ends ────────────────────────────────────────────────────
	if a.frontends == nil {
		if err := a.initFrontends(ctx); err != nil {
			a.closeAll()
			return nil, err
		}
	}
	if len(a.frontends) == 0 {
		a.closeAll()
		return nil, errors.New("app: no front-end configured; set telegram.token or discord.token")
	}

	// ── 5. HTTP server ───────────────────────────────────────────────────
	if cfg.Server.ListenAddr != "" {
		a.server = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return a, nil
}

// OpenStore opens the configured store backend. SQLite and PostgreSQL apply
// their schema on open.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.StorageMemory:
		return memory.New(), nil
	case config.StorageSQLite:
		return sqlite.Open(cfg.DSN)
	case config.StoragePostgres:
		return postgres.NewStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// handlers builds the chat handlers for one platform with its own allow-list.
func (a *App) handlers(platform string, allowed []string) *bot.Handlers {
	acc := bot.NewAccess(allowed)
	a.access[platform] = acc

	opts := []bot.Option{bot.WithAccess(acc), bot.WithMetrics(a.metrics)}
	if a.providers.Transcription != nil {
		opts = append(opts, bot.WithTranscriber(a.providers.Transcription))
	}
	return bot.New(a.dialogs, opts...)
}

func (a *App) initFrontends(ctx context.Context) error {
	if c := a.cfg.Telegram; c.Enabled() {
		tg, err := telegram.New(ctx, telegram.Config{
			Token:          c.Token,
			APIURL:         c.APIURL,
			PollTimeout:    c.PollTimeout,
			HandlerTimeout: c.HandlerTimeout,
		}, a.handlers(telegram.Platform, c.AllowedUsernames))
		if err != nil {
			return fmt.Errorf("app: telegram: %w", err)
		}
		a.frontends = append(a.frontends, telegramFrontend{tg})
	}

	if c := a.cfg.Discord; c.Enabled() {
		dc, err := discord.New(ctx, discord.Config{
			Token:          c.Token,
			GuildID:        c.GuildID,
			RoleID:         c.RoleID,
			HandlerTimeout: c.HandlerTimeout,
		}, a.handlers(discord.Platform, c.AllowedUsernames))
		if err != nil {
			return fmt.Errorf("app: discord: %w", err)
		}
		a.frontends = append(a.frontends, discordFrontend{dc})
		// Discord unregisters its commands on close, before the store goes.
		a.closers = append([]func() error{dc.Close}, a.closers...)
	}
	return nil
}

type telegramFrontend struct{ *telegram.Bot }

func (telegramFrontend) Name() string { return telegram.Platform }

type discordFrontend struct{ *discord.Bot }

func (discordFrontend) Name() string { return discord.Platform }

// Handler returns the operational HTTP handler serving /metrics, /healthz
// and /readyz.
func (a *App) Handler() http.Handler {
	checks := []health.Checker{
		health.PingCheck("store", a.store),
	}
	if a.providers.Completion != nil {
		checks = append(checks, health.BreakerCheck("completion", a.providers.Completion.States))
	}
	if a.providers.Transcription != nil {
		checks = append(checks, health.BreakerCheck("transcription", a.providers.Transcription.States))
	}

	mux := http.NewServeMux()
	health.New(checks...).Register(mux)
	scrape := a.scrape
	if scrape == nil {
		scrape = promhttp.Handler()
	}
	mux.Handle("GET /metrics", scrape)
	return observe.Middleware(a.metrics)(mux)
}

// Dialogs returns the dialog service.
func (a *App) Dialogs() *dialog.Service { return a.dialogs }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves every front-end and the HTTP listener until ctx is cancelled or
// one of them fails. A cancelled context is a clean exit and returns nil.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, f := range a.frontends {
		g.Go(func() error {
			slog.Info("front-end started", "platform", f.Name())
			if err := f.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("app: %s: %w", f.Name(), err)
			}
			return nil
		})
	}

	if a.server != nil {
		ln, err := net.Listen("tcp", a.server.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
		}
		slog.Info("http server listening", "addr", ln.Addr().String())
		g.Go(func() error {
			if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return a.server.Shutdown(sctx)
		})
	}

	return g.Wait()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of updated. Changes that need a
// restart are logged.
func (a *App) Reload(old, updated *config.Config) {
	d := config.Diff(old, updated)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TelegramAllowedChanged {
		if acc, ok := a.access[telegram.Platform]; ok {
			acc.Set(updated.Telegram.AllowedUsernames)
			slog.Info("telegram allow-list updated", "count", len(updated.Telegram.AllowedUsernames))
		}
	}
	if d.DiscordAllowedChanged {
		if acc, ok := a.access[discord.Platform]; ok {
			acc.Set(updated.Discord.AllowedUsernames)
			slog.Info("discord allow-list updated", "count", len(updated.Discord.AllowedUsernames))
		}
	}
	if d.NewDialogTimeoutChanged {
		a.dialogs.SetNewDialogTimeout(updated.Dialog.Timeout())
		slog.Info("new dialog timeout changed", "timeout", updated.Dialog.Timeout())
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases what New opened so far when it fails part-way.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
}
