// Package app wires all toolmux subsystems into a running proxy.
//
// The App struct owns the full lifecycle. New creates and connects all
// subsystems. Run brings up the upstream fleet and the initial tool index,
// then serves HTTP until the context ends. Shutdown tears everything down
// in order.
//
// For testing, inject mock implementations via functional options
// (WithSupervisor, WithLogger, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/toolmux/internal/config"
	"github.com/MrWong99/toolmux/internal/health"
	"github.com/MrWong99/toolmux/internal/index"
	"github.com/MrWong99/toolmux/internal/mcp"
	"github.com/MrWong99/toolmux/internal/mcp/upstream"
	"github.com/MrWong99/toolmux/internal/observe"
	"github.com/MrWong99/toolmux/internal/server"
	"github.com/MrWong99/toolmux/pkg/provider/embeddings"
	"github.com/MrWong99/toolmux/pkg/provider/llm"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	// Embeddings powers semantic search. Nil runs the index in catalog mode:
	// listing and call forwarding work, search_tools_semantic reports that
	// search is disabled.
	Embeddings embeddings.Provider

	// Chat rewrites tool descriptions into search phrases when enhanced
	// phrase generation is enabled. Nil falls back to the heuristic phrase
	// template.
	Chat llm.Provider
}

// App owns all subsystem lifetimes and orchestrates the toolmux proxy.
type App struct {
	cfg       *config.Config
	providers *Providers
	logger    *slog.Logger
	metrics   *observe.Metrics
	version   string

	// Subsystems created in New, torn down in Shutdown.
	sup    mcp.Supervisor
	index  *index.Index
	server *server.Server

	// hooks run at the end of Shutdown, after the HTTP server and the
	// upstream fleet have stopped.
	hooks []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSupervisor injects an upstream supervisor instead of creating one from
// the configured server list.
func WithSupervisor(sup mcp.Supervisor) Option {
	return func(a *App) {
		if sup != nil {
			a.sup = sup
		}
	}
}

// WithLogger sets the logger for all subsystems. Default: [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink for all subsystems.
// Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) {
		if m != nil {
			a.metrics = m
		}
	}
}

// WithVersion sets the version reported to MCP clients and in telemetry.
func WithVersion(v string) Option {
	return func(a *App) {
		if v != "" {
			a.version = v
		}
	}
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option values
// to inject test doubles for any subsystem.
//
// New does no I/O: the upstream sessions connect and the initial index is
// built when Run is called.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if providers == nil {
		providers = &Providers{}
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		logger:    slog.Default(),
		metrics:   observe.DefaultMetrics(),
		version:   "dev",
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.sup == nil {
		grace := time.Duration(cfg.Server.StopGraceSeconds) * time.Second
		a.sup = upstream.New(cfg.MCPServers, grace, a.logger, a.metrics)
	}

	a.index = index.New(a.sup, a.indexOptions()...)

	enabled := 0
	for _, srv := range cfg.MCPServers {
		if srv.IsEnabled() {
			enabled++
		}
	}
	checks := health.New(
		health.Upstreams(enabled, func() int { return len(a.sup.Running()) }),
		health.IndexRefreshed(func() time.Time { return a.index.Info().LastRefresh }),
	)

	a.server = server.New(cfg.Server, a.sup, a.index,
		server.WithLogger(a.logger),
		server.WithMetrics(a.metrics),
		server.WithHealth(checks),
		server.WithVersion(a.version),
	)

	return a, nil
}

// indexOptions translates the semantic configuration block into index
// options, including the optional embedding provider and phrase generator.
func (a *App) indexOptions() []index.Option {
	opts := []index.Option{
		index.WithLogger(a.logger),
		index.WithMetrics(a.metrics),
		index.WithCollection(a.cfg.Semantic.CollectionName),
		index.WithAdvisoryDimensions(a.cfg.Semantic.EmbeddingDimensions),
		index.WithServerHintFilter(a.cfg.Semantic.ServerHintFilter),
	}

	if a.providers.Embeddings != nil {
		opts = append(opts, index.WithEmbedding(a.providers.Embeddings))
	}

	if a.cfg.Semantic.UseEnhancedPhraseGeneration {
		if a.providers.Chat == nil {
			a.logger.Warn("enhanced phrase generation is enabled but no chat provider was created, using heuristic phrases")
			return opts
		}
		popts := []index.PhraseOption{
			index.WithPhraseLogger(a.logger),
			index.WithPhraseMetrics(a.metrics),
		}
		if c := a.cfg.Semantic.Chat; c != nil {
			if c.Temperature != nil {
				popts = append(popts, index.WithPhraseTemperature(*c.Temperature))
			}
			popts = append(popts, index.WithPhrasePrompt(c.PhrasePrompt))
		}
		opts = append(opts, index.WithPhrases(index.NewPhraseGenerator(a.providers.Chat, popts...)))
	}

	return opts
}

// OnShutdown registers fn to run during Shutdown after the HTTP server and
// the upstream fleet have stopped. main uses this to flush telemetry.
func (a *App) OnShutdown(fn func(context.Context) error) {
	if fn != nil {
		a.hooks = append(a.hooks, fn)
	}
}

// Addr returns the host:port the HTTP server binds to.
func (a *App) Addr() string {
	return a.server.Addr()
}

// Handler returns the full HTTP surface without binding a listener. Tests
// drive it through httptest.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Run starts the upstream sessions and the initial index build, then serves
// HTTP until ctx is cancelled or the listener fails.
//
// Startup is tolerant: upstream servers that fail to connect and an initial
// refresh that fails are logged, not fatal. The proxy comes up regardless and
// the refresh_tool_index meta-tool can repair the index once upstreams
// recover.
func (a *App) Run(ctx context.Context) error {
	started, total := a.sup.StartAll(ctx)
	if total > 0 && started == 0 {
		a.logger.Warn("no upstream MCP server reached running; serving an empty catalog until refresh_tool_index succeeds",
			"configured", total)
	}

	if stats, err := a.index.Refresh(ctx); err != nil {
		a.logger.Warn("initial tool index build failed; index stays empty until the next refresh", "error", err)
	} else {
		a.logger.Info("tool index ready",
			"servers", stats.Servers,
			"tools", stats.Indexed,
			"skipped", stats.Skipped,
			"duration", stats.Duration,
		)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.server.Run() }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	}
}

// Shutdown tears down all subsystems: the HTTP server stops accepting
// requests first, then the upstream sessions close, then registered hooks
// run. It respects the context deadline: if ctx expires, remaining hooks are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down")

		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("http server shutdown error", "error", err)
			shutdownErr = err
		}

		a.sup.StopAll(ctx)

		for i, fn := range a.hooks {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.hooks)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := fn(ctx); err != nil {
				a.logger.Warn("shutdown hook error", "index", i, "error", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}
