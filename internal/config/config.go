// Package config provides the configuration schema, loader, and provider
// registry for the toolmux server.
package config

import "github.com/MrWong99/toolmux/internal/mcp"

// LogLevel controls log verbosity for the toolmux server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l names a known level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [Validate] when the corresponding field is unset.
const (
	DefaultHost                = "localhost"
	DefaultPort                = 3030
	DefaultCollectionName      = "mcp_tools"
	DefaultEmbeddingDimensions = 1536
	DefaultStopGraceSeconds    = 10
)

// Config is the root configuration structure for toolmux. [Load] and
// [LoadFromReader] produce it from YAML.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Semantic   SemanticConfig    `yaml:"semantic"`
	MCPServers []MCPServerConfig `yaml:"mcp_servers"`
}

// ServerConfig holds network and logging settings for the toolmux server.
type ServerConfig struct {
	// Host is the interface the HTTP server binds to. Default: "localhost".
	Host string `yaml:"host"`

	// Port is the TCP port the HTTP server listens on. Default: 3030.
	Port int `yaml:"port"`

	// LogLevel is the minimum level that gets logged.
	LogLevel LogLevel `yaml:"log_level"`

	// StopGraceSeconds bounds how long shutdown waits for upstream sessions
	// to close before abandoning them. Default: 10.
	StopGraceSeconds int `yaml:"stop_grace_seconds"`
}

// SemanticConfig configures the semantic tool index: which models produce
// embeddings and search phrases, and how search behaves.
type SemanticConfig struct {
	// CollectionName identifies the in-memory vector collection.
	// Default: "mcp_tools".
	CollectionName string `yaml:"collection_name"`

	// EmbeddingDimensions is the expected embedding vector width. Advisory:
	// the dimension observed from the first successful embedding wins, with a
	// warning logged on mismatch. Default: 1536.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`

	// Embedding selects the embedding provider. When nil, toolmux runs in
	// catalog mode: listing and call forwarding work, semantic search is
	// disabled.
	Embedding *ProviderEntry `yaml:"embedding"`

	// Chat selects the chat-completion provider used for enhanced phrase
	// generation. Required when UseEnhancedPhraseGeneration is true.
	Chat *ChatConfig `yaml:"chat"`

	// UseEnhancedPhraseGeneration asks a chat model to rewrite each tool
	// description into a search phrase before embedding. When false, a
	// heuristic template is used.
	UseEnhancedPhraseGeneration bool `yaml:"use_enhanced_phrase_generation"`

	// ServerHintFilter restricts search results to the hinted server when a
	// query names one. When false (default), a recognised server name only
	// boosts ranking.
	ServerHintFilter bool `yaml:"server_hint_filter"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Provider field is used to look up the constructor in the
// [Registry].
type ProviderEntry struct {
	// Provider selects the registered implementation (e.g., "openai", "ollama").
	Provider string `yaml:"provider"`

	// APIKey authenticates against the provider's API, when it needs one.
	APIKey string `yaml:"api_key"`

	// BaseURL points the provider at a non-default API endpoint, such as a
	// self-hosted gateway. Empty keeps the provider's own default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider
	// (e.g., "text-embedding-3-small", "nomic-embed-text").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above, e.g. dimensions, organization and timeout
	// for openai, or keep_alive for ollama. Unknown keys are silently
	// ignored by the provider factories.
	Options map[string]any `yaml:"options"`
}

// ChatConfig configures the chat-completion provider for phrase generation.
type ChatConfig struct {
	ProviderEntry `yaml:",inline"`

	// Temperature for phrase generation. Pointer so an explicit 0 is
	// distinguishable from unset; nil defaults to 0.1.
	Temperature *float64 `yaml:"temperature"`

	// PhrasePrompt overrides the built-in prompt template used to rewrite
	// tool descriptions into search phrases. Empty selects the default.
	PhrasePrompt string `yaml:"phrase_prompt"`
}

// MCPServerConfig describes how to connect to a single upstream MCP tool
// server.
type MCPServerConfig struct {
	// Name is a unique identifier for this server. It prefixes indexed tool
	// ids ("{name}.{tool}") and appears in logs and error texts.
	Name string `yaml:"name"`

	// Description is a short operator-facing summary of what the server
	// offers. Used in search phrases when tool descriptions are sparse.
	Description string `yaml:"description"`

	// Transport names the connection mechanism for this server.
	Transport mcp.Transport `yaml:"transport"`

	// Command is the executable launched when Transport is "stdio".
	// Ignored for HTTP transports.
	Command string `yaml:"command"`

	// Args are passed to Command. Ignored for HTTP transports.
	Args []string `yaml:"args"`

	// Env holds additional environment variables injected into the
	// subprocess on top of the inherited environment when Transport is
	// "stdio". May be nil.
	Env map[string]string `yaml:"env"`

	// Workdir is the working directory for the subprocess. Empty means the
	// user's home directory.
	Workdir string `yaml:"workdir"`

	// URL is the MCP endpoint address used for HTTP transports
	// (e.g., "https://mcp.example.com/mcp"). Ignored for stdio.
	URL string `yaml:"url"`

	// Enabled controls whether the supervisor starts this server.
	// Pointer so omission defaults to true.
	Enabled *bool `yaml:"enabled"`

	// Tools lists tool names to fall back on when discovery fails at
	// startup. Fallback descriptors carry empty descriptions until a
	// successful refresh replaces them.
	Tools []string `yaml:"tools"`
}

// IsEnabled reports whether the server should be started. Unset means yes.
func (c MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
