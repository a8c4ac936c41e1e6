package index

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/toolmux/internal/mcp"
	"github.com/MrWong99/toolmux/internal/observe"
	llm "github.com/MrWong99/toolmux/pkg/provider/llm"
)

const defaultPhraseTemperature = 0.1

// defaultPhrasePrompt is the built-in system prompt for enhanced phrase
// generation. Operators can replace it via semantic.chat.phrase_prompt.
const defaultPhrasePrompt = `You write search phrases for a tool retrieval index.

You receive one tool: its name, the server offering it, its description, and its parameter names. Rewrite it as a short imperative phrase of two to three sentences describing what a user would want to accomplish with this tool.

Rules:
- Describe the task in plain language a user would type when looking for this capability.
- Mention concrete inputs or outputs when the parameters make them obvious.
- Name the tool and its server exactly once, at the end, in the form: Use "<tool>" from the server <server>.
- Respond with ONLY the phrase. No markdown, no quotes around the whole answer, no preamble.`

// heuristicPhrase produces the templated search phrase used when enhanced
// generation is disabled or fails for a tool. Including the server name
// shifts ranking toward the hinted server when a query mentions one.
func heuristicPhrase(serverName string, tool mcp.ToolDescriptor) string {
	return fmt.Sprintf(`"%s" that is used for "%s". "%s" is available from the server: %s.`,
		tool.Name, tool.Description, tool.Name, serverName)
}

// phraseJob pairs a tool descriptor with the server that offers it.
type phraseJob struct {
	server string
	tool   mcp.ToolDescriptor
}

// PhraseOption is a functional option for configuring a [PhraseGenerator].
type PhraseOption func(*PhraseGenerator)

// WithPhraseTemperature sets the sampling temperature for enhanced phrase
// generation. Lower values produce more stable phrases. Default: 0.1.
func WithPhraseTemperature(t float64) PhraseOption {
	return func(g *PhraseGenerator) {
		g.temperature = t
	}
}

// WithPhrasePrompt replaces the built-in system prompt. Empty keeps the
// default.
func WithPhrasePrompt(prompt string) PhraseOption {
	return func(g *PhraseGenerator) {
		if prompt != "" {
			g.prompt = prompt
		}
	}
}

// WithPhraseLogger sets the logger. Default: [slog.Default].
func WithPhraseLogger(logger *slog.Logger) PhraseOption {
	return func(g *PhraseGenerator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithPhraseMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithPhraseMetrics(m *observe.Metrics) PhraseOption {
	return func(g *PhraseGenerator) {
		if m != nil {
			g.metrics = m
		}
	}
}

// PhraseGenerator derives one search phrase per tool before embedding.
//
// With a chat provider it asks the model to rewrite each tool description
// into a task-oriented phrase; any per-tool failure falls back to the
// heuristic template for that tool only. With a nil provider it always uses
// the heuristic template. Safe for concurrent use.
type PhraseGenerator struct {
	chat        llm.Provider
	temperature float64
	prompt      string
	logger      *slog.Logger
	metrics     *observe.Metrics
}

// NewPhraseGenerator returns a generator backed by the given chat provider.
// A nil provider selects heuristic-only generation.
func NewPhraseGenerator(chat llm.Provider, opts ...PhraseOption) *PhraseGenerator {
	g := &PhraseGenerator{
		chat:        chat,
		temperature: defaultPhraseTemperature,
		prompt:      defaultPhrasePrompt,
		logger:      slog.Default(),
		metrics:     observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Enhanced reports whether a chat provider backs this generator.
func (g *PhraseGenerator) Enhanced() bool {
	return g.chat != nil
}

// generate derives a phrase for every job, in order. The returned slice has
// the same length as jobs. fallbacks counts how many tools fell back to the
// heuristic template because the chat call failed or the context was done.
//
// Jobs run sequentially so that a local inference backend is never asked to
// juggle chat and embedding models at the same time; callers embed only
// after every phrase exists.
func (g *PhraseGenerator) generate(ctx context.Context, jobs []phraseJob) (phrases []string, fallbacks int) {
	phrases = make([]string, len(jobs))
	for i, job := range jobs {
		if g.chat == nil {
			phrases[i] = heuristicPhrase(job.server, job.tool)
			continue
		}
		if ctx.Err() != nil {
			phrases[i] = heuristicPhrase(job.server, job.tool)
			fallbacks++
			continue
		}
		phrase, err := g.generateOne(ctx, job)
		if err != nil {
			g.logger.Warn("phrase generation failed, using heuristic phrase",
				"server", job.server, "tool", job.tool.Name, "error", err)
			g.metrics.PhraseFallbacks.Add(ctx, 1)
			phrases[i] = heuristicPhrase(job.server, job.tool)
			fallbacks++
			continue
		}
		phrases[i] = phrase
	}
	return phrases, fallbacks
}

// generateOne asks the chat model for a single phrase.
func (g *PhraseGenerator) generateOne(ctx context.Context, job phraseJob) (string, error) {
	temp := g.temperature
	req := llm.CompletionRequest{
		SystemPrompt: g.prompt,
		Temperature:  &temp,
		Messages: []llm.Message{
			{Role: "user", Content: describeForPhrase(job)},
		},
	}

	resp, err := g.chat.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("complete: %w", err)
	}

	phrase := stripFences(resp.Content)
	if phrase == "" {
		return "", fmt.Errorf("model returned an empty phrase")
	}
	return phrase, nil
}

// describeForPhrase formats one tool as the user message for the chat model.
func describeForPhrase(job phraseJob) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tool: %s\nServer: %s\n", job.tool.Name, job.server)
	if job.tool.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", job.tool.Description)
	}
	if len(job.tool.Parameters) > 0 {
		sb.WriteString("Parameters:")
		for _, p := range job.tool.Parameters {
			sb.WriteString(" ")
			sb.WriteString(p.Name)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// stripFences removes optional markdown code fences that some models wrap
// around their output despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "```text"); ok {
		s = rest
	} else if rest, ok := strings.CutPrefix(s, "```"); ok {
		s = rest
	}
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
