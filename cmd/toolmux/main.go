// Command toolmux is the MCP tool-aggregation proxy server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/toolmux/internal/app"
	"github.com/MrWong99/toolmux/internal/config"
	"github.com/MrWong99/toolmux/internal/observe"
	"github.com/MrWong99/toolmux/pkg/provider/embeddings"
	ollamaembed "github.com/MrWong99/toolmux/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/toolmux/pkg/provider/embeddings/openai"
	"github.com/MrWong99/toolmux/pkg/provider/llm"
	"github.com/MrWong99/toolmux/pkg/provider/llm/anyllm"
)

// version is stamped by the build: go build -ldflags "-X main.version=v1.2.3".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "toolmux: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	debug := flag.Bool("debug", false, "force debug logging regardless of the configured level")
	flag.Parse()

	// API keys usually arrive via .env during development. A missing file is
	// fine; a broken one is worth a note.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "toolmux: load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", *configPath)
	}
	if err != nil {
		return err
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel, *debug))

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	slog.Info("toolmux starting",
		"version", version,
		"config", *configPath,
		"addr", addr,
		"log_level", cfg.Server.LogLevel,
	)

	telemetry, err := observe.Setup(context.Background(), observe.TelemetryConfig{
		ServiceName:    "toolmux",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("set up telemetry: %w", err)
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}

	printStartupSummary(cfg, addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(cfg, providers, app.WithVersion(version))
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}
	application.OnShutdown(telemetry.Shutdown)

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	slog.Info("shutdown signal received, stopping…")

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(stopCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	slog.Info("goodbye")
	return nil
}

// builtins names the provider implementations compiled into toolmux, by
// category. The chat list drives registration; both lists feed the startup
// debug log.
var builtins = map[string][]string{
	"chat":       {"openai", "anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "ollama"},
	"embeddings": {"openai", "ollama"},
}

// registerBuiltinProviders wires the factory for every provider that ships
// with the binary into reg.
func registerBuiltinProviders(reg *config.Registry) {
	for _, name := range builtins["chat"] {
		reg.RegisterChat(name, chatFactory(name))
	}

	reg.RegisterEmbeddings("openai", newOpenAIEmbeddings)
	reg.RegisterEmbeddings("ollama", newOllamaEmbeddings)

	for kind, names := range builtins {
		slog.Debug("providers registered", "kind", kind, "names", names)
	}
}

// chatFactory adapts one any-llm backend to the registry. All chat backends
// share the same option surface; ollama is the exception in that it runs
// locally and takes no API key.
func chatFactory(provider string) config.ChatFactory {
	return func(cfg config.ChatConfig) (llm.Provider, error) {
		var options []anyllmlib.Option
		if provider != "ollama" && cfg.APIKey != "" {
			options = append(options, anyllmlib.WithAPIKey(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			options = append(options, anyllmlib.WithBaseURL(cfg.BaseURL))
		}
		return anyllm.New(provider, cfg.Model, options...)
	}
}

func newOpenAIEmbeddings(entry config.ProviderEntry) (embeddings.Provider, error) {
	var options []oaembed.Option
	if entry.BaseURL != "" {
		options = append(options, oaembed.WithBaseURL(entry.BaseURL))
	}
	if org, ok := optionString(entry.Options, "organization"); ok {
		options = append(options, oaembed.WithOrganization(org))
	}
	if dims, ok := optionInt(entry.Options, "dimensions"); ok {
		options = append(options, oaembed.WithDimensions(dims))
	}
	if d, ok := optionDuration(entry.Options, "timeout"); ok {
		options = append(options, oaembed.WithTimeout(d))
	}
	return oaembed.New(entry.APIKey, entry.Model, options...)
}

func newOllamaEmbeddings(entry config.ProviderEntry) (embeddings.Provider, error) {
	var options []ollamaembed.Option
	if keepAlive, ok := optionString(entry.Options, "keep_alive"); ok {
		options = append(options, ollamaembed.WithKeepAlive(keepAlive))
	}
	if dims, ok := optionInt(entry.Options, "dimensions"); ok {
		options = append(options, ollamaembed.WithDimensions(dims))
	}
	if d, ok := optionDuration(entry.Options, "timeout"); ok {
		options = append(options, ollamaembed.WithTimeout(d))
	}
	return ollamaembed.New(entry.BaseURL, entry.Model, options...)
}

// optionString reads a non-empty string from a provider options map.
func optionString(options map[string]any, key string) (string, bool) {
	s, ok := options[key].(string)
	return s, ok && s != ""
}

// optionInt reads an integer from a provider options map. YAML decodes
// integers as int, but the numeric alternatives are accepted too.
func optionInt(options map[string]any, key string) (int, bool) {
	switch v := options[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// optionDuration reads a Go duration string ("90s", "5m") from a provider
// options map. Unparseable values are logged and ignored rather than failing
// startup.
func optionDuration(options map[string]any, key string) (time.Duration, bool) {
	s, ok := optionString(options, key)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring unparseable duration in provider options", "key", key, "value", s, "error", err)
		return 0, false
	}
	return d, true
}

// buildProviders instantiates the providers named in cfg using the registry
// and hands them to the application in an [app.Providers] struct. An
// unregistered provider name is logged and skipped so the proxy still comes
// up in catalog mode; a registered provider that fails to construct is fatal.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	var ps app.Providers

	if entry := cfg.Semantic.Embedding; entry != nil && entry.Provider != "" {
		p, err := reg.CreateEmbeddings(*entry)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			slog.Warn("embedding provider not registered, semantic search stays disabled", "name", entry.Provider)
		case err != nil:
			return nil, fmt.Errorf("create embedding provider %q: %w", entry.Provider, err)
		default:
			ps.Embeddings = p
			slog.Info("provider created", "kind", "embeddings", "name", entry.Provider, "model", p.ModelID())
		}
	}

	if c := cfg.Semantic.Chat; c != nil && c.Provider != "" {
		p, err := reg.CreateChat(*c)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			slog.Warn("chat provider not registered, phrase generation falls back to the heuristic template", "name", c.Provider)
		case err != nil:
			return nil, fmt.Errorf("create chat provider %q: %w", c.Provider, err)
		default:
			ps.Chat = p
			slog.Info("provider created", "kind", "chat", "name", c.Provider, "model", c.Model)
		}
	}

	return &ps, nil
}

// printStartupSummary draws the boxed configuration recap that greets the
// operator on stdout before the server starts serving.
func printStartupSummary(cfg *config.Config, addr string) {
	var emb, chat string
	if e := cfg.Semantic.Embedding; e != nil {
		emb = providerLabel(e.Provider, e.Model)
	}
	if c := cfg.Semantic.Chat; c != nil {
		chat = providerLabel(c.Provider, c.Model)
	}
	phraseMode := "heuristic"
	if cfg.Semantic.UseEnhancedPhraseGeneration {
		phraseMode = "enhanced (LLM)"
	}

	border := strings.Repeat("═", 41)
	fmt.Println("╔" + border + "╗")
	fmt.Printf("║ %-39s ║\n", "toolmux "+version+" — startup summary")
	fmt.Println("╠" + border + "╣")
	summaryRow("Embeddings", emb)
	summaryRow("Chat", chat)
	summaryRow("Phrase mode", phraseMode)
	summaryRow("MCP servers", strconv.Itoa(len(cfg.MCPServers)))
	summaryRow("Listen addr", addr)
	fmt.Println("╚" + border + "╝")
}

func providerLabel(name, model string) string {
	switch {
	case name == "":
		return ""
	case model == "":
		return name
	}
	return name + " / " + model
}

func summaryRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 24 {
		value = value[:23] + "…"
	}
	fmt.Printf("║ %-13s: %-24s ║\n", label, value)
}

var logLevels = map[config.LogLevel]slog.Level{
	config.LogDebug: slog.LevelDebug,
	config.LogInfo:  slog.LevelInfo,
	config.LogWarn:  slog.LevelWarn,
	config.LogError: slog.LevelError,
}

func newLogger(level config.LogLevel, debug bool) *slog.Logger {
	lvl, ok := logLevels[level]
	if !ok {
		lvl = slog.LevelInfo
	}
	if debug {
		lvl = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}
