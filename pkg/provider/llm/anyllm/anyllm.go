// Package anyllm adapts github.com/mozilla-ai/any-llm-go to the llm.Provider
// interface. One constructor covers every backend the library ships: OpenAI,
// Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, llama.cpp, and
// llamafile.
//
// toolmux selects the backend from config rather than code:
//
//	p, err := anyllm.New(cfg.Provider, cfg.Model, anyllmlib.WithAPIKey(cfg.APIKey))
//
// Hosted backends fall back to their usual environment variable
// (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...) when no WithAPIKey option is
// given; local backends such as ollama and llamacpp need none.
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/toolmux/pkg/provider/llm"
)

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)

// backends maps accepted provider names to their library constructors.
var backends = map[string]func(...anyllmlib.Option) (anyllmlib.Provider, error){
	"anthropic": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) },
	"deepseek":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) },
	"gemini":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) },
	"groq":      func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) },
	"llamacpp":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) },
	"llamafile": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamafile.New(o...) },
	"mistral":   func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) },
	"ollama":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) },
	"openai":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) },
}

// Provider pairs an any-llm-go backend with the model it queries.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// New opens the named backend and binds it to model. The name is matched
// case-insensitively against the keys of the backend table; opts are passed
// through to the backend constructor unchanged.
func New(name, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("anyllm: model name required")
	}

	key := strings.ToLower(name)
	open, ok := backends[key]
	if !ok {
		return nil, fmt.Errorf("anyllm: unknown provider %q, expected one of: %s",
			name, strings.Join(backendNames(), ", "))
	}

	b, err := open(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: open %s backend: %w", key, err)
	}
	return &Provider{backend: b, model: model}, nil
}

// backendNames returns the accepted provider names, sorted for stable error
// messages.
func backendNames() []string {
	return slices.Sorted(maps.Keys(backends))
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.completionParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("anyllm: response carried no choices")
	}

	out := &llm.CompletionResponse{
		Content: resp.Choices[0].Message.ContentString(),
	}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

// ModelID implements llm.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

// completionParams translates a CompletionRequest into the library's params.
// The optional system prompt becomes the first message; a nil Temperature
// leaves the backend default untouched.
func (p *Provider) completionParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}

	cp := anyllmlib.CompletionParams{Model: p.model, Messages: msgs}
	if req.Temperature != nil {
		t := *req.Temperature
		cp.Temperature = &t
	}
	if req.MaxTokens > 0 {
		n := req.MaxTokens
		cp.MaxTokens = &n
	}
	return cp
}
