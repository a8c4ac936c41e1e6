package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"github.com/MrWong99/toolmux/internal/mcp"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames holds the recognised provider names per provider kind.
// Validation only warns about names missing here, so third-party providers
// registered at runtime keep working.
var ValidProviderNames = map[string][]string{
	"embedding": {"openai", "ollama"},
	"chat":      {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads and validates the YAML configuration file at path, filling
// unset fields with their documented defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Unknown YAML keys are rejected so a typo surfaces at
// startup instead of silently configuring nothing.
func LoadFromReader(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = DefaultHost
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.StopGraceSeconds == 0 {
		cfg.Server.StopGraceSeconds = DefaultStopGraceSeconds
	}
	if cfg.Semantic.CollectionName == "" {
		cfg.Semantic.CollectionName = DefaultCollectionName
	}
	if cfg.Semantic.EmbeddingDimensions == 0 {
		cfg.Semantic.EmbeddingDimensions = DefaultEmbeddingDimensions
	}
}

// Validate checks cfg for contradictions. Every failure is collected into one
// joined error so an operator can fix the whole file in a single pass.
func Validate(cfg *Config) error {
	errs := validateServer(cfg.Server)
	errs = append(errs, validateSemantic(cfg.Semantic)...)
	errs = append(errs, validateMCPServers(cfg.MCPServers)...)
	return errors.Join(errs...)
}

func validateServer(s ServerConfig) []error {
	var errs []error
	if s.LogLevel != "" && !s.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is not one of debug, info, warn, error", s.LogLevel))
	}
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", s.Port))
	}
	if s.StopGraceSeconds < 0 {
		errs = append(errs, fmt.Errorf("server.stop_grace_seconds %d must not be negative", s.StopGraceSeconds))
	}
	return errs
}

func validateSemantic(s SemanticConfig) []error {
	var errs []error
	if s.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("semantic.embedding_dimensions %d must not be negative", s.EmbeddingDimensions))
	}

	switch {
	case s.Embedding == nil:
		slog.Warn("semantic.embedding is not configured; semantic search is disabled, listing and call forwarding remain available")
	case s.Embedding.Provider == "":
		errs = append(errs, errors.New("semantic.embedding.provider is required when semantic.embedding is set"))
	default:
		warnUnknownProvider("embedding", s.Embedding.Provider)
	}

	if s.UseEnhancedPhraseGeneration {
		switch {
		case s.Chat == nil:
			errs = append(errs, errors.New("semantic.use_enhanced_phrase_generation requires semantic.chat to be configured"))
		case s.Chat.Provider == "":
			errs = append(errs, errors.New("semantic.chat.provider is required when enhanced phrase generation is enabled"))
		}
	}
	if s.Chat != nil {
		warnUnknownProvider("chat", s.Chat.Provider)
	}
	return errs
}

func validateMCPServers(servers []MCPServerConfig) []error {
	var errs []error
	seen := make(map[string]int, len(servers))

	for i, srv := range servers {
		prefix := fmt.Sprintf("mcp_servers[%d]", i)

		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name must not be empty", prefix))
		} else if prev, dup := seen[srv.Name]; dup {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp_servers[%d]", prefix, srv.Name, prev))
		} else {
			seen[srv.Name] = i
		}

		if !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is not one of stdio, http, streamable-http, sse", prefix, srv.Transport))
			continue
		}
		if srv.Transport == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required for the stdio transport", prefix))
		}
		if srv.Transport.NeedsURL() {
			if srv.URL == "" {
				errs = append(errs, fmt.Errorf("%s.url is required for the %s transport", prefix, srv.Transport))
			} else if u, err := url.Parse(srv.URL); err != nil || u.Scheme == "" || u.Host == "" {
				errs = append(errs, fmt.Errorf("%s.url %q is not a valid absolute URL", prefix, srv.URL))
			}
		}
	}
	return errs
}

// warnUnknownProvider logs when a configured provider name is missing from
// the [ValidProviderNames] list for its kind.
func warnUnknownProvider(kind, name string) {
	known := ValidProviderNames[kind]
	if name == "" || len(known) == 0 || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
