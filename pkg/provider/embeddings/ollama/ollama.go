// Package ollama provides an embeddings provider backed by a local Ollama server.
//
// Ollama (https://ollama.com) serves local embedding models such as
// nomic-embed-text, mxbai-embed-large, and all-minilm over its native
// /api/embed endpoint. toolmux uses it to embed tool search phrases without
// sending tool metadata to a hosted API, which keeps fully local setups
// possible: a local chat model for phrase generation, a local embedding
// model for the index.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/toolmux/pkg/provider/embeddings"
)

// DefaultBaseURL is where a locally running Ollama instance listens.
const DefaultBaseURL = "http://localhost:11434"

// DefaultTimeout bounds a single embed request. A cold model may need to be
// loaded into memory first, so the default is deliberately generous.
const DefaultTimeout = 5 * time.Minute

var _ embeddings.Provider = (*Provider)(nil)

// Provider embeds text through an Ollama server's /api/embed endpoint.
//
// The vector width is taken from [WithDimensions] when given, then from the
// built-in model table, and is otherwise probed with a single embed request
// on the first [Provider.Dimensions] call. Safe for concurrent use.
type Provider struct {
	embedURL  string
	model     string
	keepAlive string
	client    *http.Client

	dims      int
	probeOnce sync.Once
}

// Option adjusts a Provider during construction.
type Option func(*Provider)

// WithTimeout replaces the default per-request timeout. Zero keeps
// [DefaultTimeout]; a negative value removes the timeout entirely.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d != 0 {
			p.client.Timeout = max(d, 0)
		}
	}
}

// WithDimensions pins the embedding width, bypassing both the model table
// and the probe request unknown models would otherwise trigger.
func WithDimensions(dims int) Option {
	return func(p *Provider) {
		p.dims = dims
	}
}

// WithKeepAlive sets the keep_alive value sent with every embed request,
// which tells the server how long to keep the model loaded afterwards
// ("10m", "24h", "-1" for indefinitely). Index refreshes arrive in bursts
// with long idle stretches between them; a raised keep_alive spares the
// model reload on the next burst. Empty leaves the server default.
func WithKeepAlive(keepAlive string) Option {
	return func(p *Provider) {
		p.keepAlive = keepAlive
	}
}

// New connects a Provider to the Ollama server at baseURL, or to
// [DefaultBaseURL] when baseURL is empty. model names the embedding model
// ("nomic-embed-text") and must not be empty.
func New(baseURL string, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("ollama embeddings: model name required")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	p := &Provider{
		embedURL: strings.TrimRight(baseURL, "/") + "/api/embed",
		model:    model,
		client:   &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.dims == 0 {
		// The model table spares well-known models the probe request.
		p.dims = builtinDimensions(model)
	}
	return p, nil
}

// apiRequest is the body of an /api/embed call.
type apiRequest struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	KeepAlive string   `json:"keep_alive,omitempty"`
}

// apiResponse carries the only field toolmux reads from /api/embed replies.
type apiResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// apiError is the body Ollama sends with non-200 statuses,
// e.g. {"error":"model \"nope\" not found, try pulling it first"}.
type apiError struct {
	Error string `json:"error"`
}

// Embed returns the vector for a single text. The text goes to the server
// verbatim; model-specific prompt prefixes, such as the "query: " nomic
// models expect for retrieval queries, are the caller's responsibility.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.requestEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed: %w", err)
	}
	if len(vecs) == 0 {
		return nil, errors.New("ollama embeddings: embed: no vector returned")
	}
	return vecs[0], nil
}

// EmbedBatch embeds all texts in one request, with vecs[i] matching
// texts[i]. An empty batch returns (nil, nil) without touching the network;
// on any error the whole result is nil.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := p.requestEmbeddings(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed batch: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("ollama embeddings: embed batch: got %d vectors for %d inputs", len(vecs), len(texts))
	}
	return vecs, nil
}

// Dimensions returns the embedding width. Unknown models cost one probe
// request against the live server on the first call; a failed probe reports
// 0 and is not retried.
func (p *Provider) Dimensions() int {
	p.probeOnce.Do(func() {
		if p.dims != 0 {
			return
		}
		if vec, err := p.Embed(context.Background(), "dimension probe"); err == nil {
			p.dims = len(vec)
		}
	})
	return p.dims
}

// ModelID returns the configured model name.
func (p *Provider) ModelID() string { return p.model }

// requestEmbeddings POSTs one /api/embed call and returns the raw vectors.
func (p *Provider) requestEmbeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	payload, err := json.Marshal(apiRequest{Model: p.model, Input: inputs, KeepAlive: p.keepAlive})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.embedURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, readError(resp.Body))
	}

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(out.Embeddings) == 0 {
		return nil, errors.New("response carried no embeddings")
	}
	return out.Embeddings, nil
}

// readError extracts the error text from a non-200 response body. Ollama
// reports failures as {"error": "..."}; anything else is returned as raw
// text so misrouted proxies still produce a readable message.
func readError(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "no error detail"
	}
	var e apiError
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(raw))
}

// Output widths of common Ollama embedding models. Substring matching covers
// tag suffixes like "nomic-embed-text:v1.5".
var builtinModels = []struct {
	substr string
	width  int
}{
	{"nomic-embed-text", 768},
	{"mxbai-embed-large", 1024},
	{"all-minilm", 384},
}

// builtinDimensions returns the output width of a recognised model name, or
// 0 for models that need the probe.
func builtinDimensions(model string) int {
	name := strings.ToLower(model)
	for _, m := range builtinModels {
		if strings.Contains(name, m.substr) {
			return m.width
		}
	}
	return 0
}
