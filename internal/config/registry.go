package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/toolmux/pkg/provider/embeddings"
	"github.com/MrWong99/toolmux/pkg/provider/llm"
)

// ErrProviderNotRegistered reports a Create* call for a provider name no
// factory was registered under.
var ErrProviderNotRegistered = errors.New("config: no provider factory registered")

// EmbeddingsFactory builds an embeddings provider from its config block.
type EmbeddingsFactory func(ProviderEntry) (embeddings.Provider, error)

// ChatFactory builds a chat-completion provider from its config block.
type ChatFactory func(ChatConfig) (llm.Provider, error)

// Registry resolves the provider names found in a config file to the
// factories the binary registered at startup. Registration and lookup may
// happen from different goroutines.
type Registry struct {
	mu         sync.RWMutex
	embeddings map[string]EmbeddingsFactory
	chat       map[string]ChatFactory
}

// NewRegistry returns a Registry with no factories registered.
func NewRegistry() *Registry {
	return &Registry{
		embeddings: make(map[string]EmbeddingsFactory),
		chat:       make(map[string]ChatFactory),
	}
}

// RegisterEmbeddings makes factory available under name, replacing any
// earlier registration for that name.
func (r *Registry) RegisterEmbeddings(name string, factory EmbeddingsFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// RegisterChat makes factory available under name, replacing any earlier
// registration for that name.
func (r *Registry) RegisterChat(name string, factory ChatFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chat[name] = factory
}

// CreateEmbeddings builds the embeddings provider entry.Provider names.
// The error wraps [ErrProviderNotRegistered] when the name is unknown.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	build, ok := r.embeddings[entry.Provider]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: embedding/%q", ErrProviderNotRegistered, entry.Provider)
	}
	return build(entry)
}

// CreateChat builds the chat-completion provider cfg.Provider names.
// The error wraps [ErrProviderNotRegistered] when the name is unknown.
func (r *Registry) CreateChat(cfg ChatConfig) (llm.Provider, error) {
	r.mu.RLock()
	build, ok := r.chat[cfg.Provider]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: chat/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return build(cfg)
}
