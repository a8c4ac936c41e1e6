// Package openai provides an embeddings provider backed by the OpenAI
// embeddings API.
//
// toolmux embeds one search phrase per aggregated tool, so a full index
// refresh over a large server fleet can produce thousands of inputs at once.
// EmbedBatch therefore splits work into API-sized chunks transparently. The
// text-embedding-3 model family also supports server-side dimension
// truncation, exposed here through WithDimensions, which lets operators trade
// recall for index size and distance-computation cost.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/toolmux/pkg/provider/embeddings"
)

// DefaultModel is the embeddings model used when none is configured.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

// DefaultTimeout bounds a single embeddings request. Indexing a large tool
// fleet issues many requests back to back, so a hung one must not stall the
// whole refresh.
const DefaultTimeout = 5 * time.Minute

// maxInputsPerRequest is the input array limit the embeddings API enforces
// per request. Batches beyond it are split into sequential requests.
const maxInputsPerRequest = 2048

var _ embeddings.Provider = (*Provider)(nil)

// Provider embeds text through the OpenAI embeddings API. Safe for
// concurrent use.
type Provider struct {
	client oai.Client
	model  string

	// requestDims, when positive, is sent as the dimensions parameter on
	// every request and takes precedence over the model's native width.
	requestDims int64
}

// settings collects construction choices before the API client exists.
type settings struct {
	requestOpts []option.RequestOption
	timeout     time.Duration
	dims        int64
}

// Option adjusts how the API client behind a Provider is built.
type Option func(*settings)

// WithBaseURL routes requests to an OpenAI-compatible gateway or proxy
// instead of the public API.
func WithBaseURL(rawURL string) Option {
	return func(s *settings) {
		s.requestOpts = append(s.requestOpts, option.WithBaseURL(rawURL))
	}
}

// WithOrganization stamps the OpenAI organization ID onto every request.
func WithOrganization(org string) Option {
	return func(s *settings) {
		s.requestOpts = append(s.requestOpts, option.WithOrganization(org))
	}
}

// WithTimeout replaces the default per-request timeout. Zero keeps
// [DefaultTimeout]; a negative value removes the timeout entirely.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d != 0 {
			s.timeout = d
		}
	}
}

// WithDimensions requests vectors truncated to dims and makes Dimensions
// report that value. Only the text-embedding-3 model family accepts the
// parameter; requests for other models are rejected by the API.
func WithDimensions(dims int) Option {
	return func(s *settings) {
		s.dims = int64(dims)
	}
}

// New builds a Provider for the given API key and model. An empty model
// selects [DefaultModel] (text-embedding-3-small).
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai embeddings: api key required")
	}
	if model == "" {
		model = DefaultModel
	}

	s := settings{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&s)
	}
	if s.dims < 0 {
		return nil, fmt.Errorf("openai embeddings: dimensions must be positive, got %d", s.dims)
	}

	clientOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, s.requestOpts...)
	if s.timeout > 0 {
		clientOpts = append(clientOpts, option.WithHTTPClient(&http.Client{Timeout: s.timeout}))
	}

	return &Provider{
		client:      oai.NewClient(clientOpts...),
		model:       model,
		requestDims: s.dims,
	}, nil
}

// newParams assembles request parameters for the given input, attaching the
// configured dimension truncation when one is set.
func (p *Provider) newParams(input oai.EmbeddingNewParamsInputUnion) oai.EmbeddingNewParams {
	params := oai.EmbeddingNewParams{
		Model: p.model,
		Input: input,
	}
	if p.requestDims > 0 {
		params.Dimensions = param.NewOpt(p.requestDims)
	}
	return params
}

// Embed returns the vector for a single text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, p.newParams(oai.EmbeddingNewParamsInputUnion{
		OfString: param.NewOpt(text),
	}))
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai embeddings: embed: no vector returned")
	}
	return toFloat32(resp.Data[0].Embedding), nil
}

// EmbedBatch embeds all texts, splitting batches beyond the API's
// per-request input limit into sequential requests. result[i] always
// corresponds to texts[i]; on any error the whole result is nil.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	result := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += maxInputsPerRequest {
		end := min(start+maxInputsPerRequest, len(texts))
		if err := p.embedChunk(ctx, texts[start:end], result[start:end]); err != nil {
			return nil, fmt.Errorf("openai embeddings: embed batch (inputs %d-%d): %w", start, end-1, err)
		}
	}
	return result, nil
}

// embedChunk issues one embeddings request for texts and writes the vectors
// into out, which must have the same length. The API may return data entries
// in any order, so each vector is placed by its reported index.
func (p *Provider) embedChunk(ctx context.Context, texts []string, out [][]float32) error {
	resp, err := p.client.Embeddings.New(ctx, p.newParams(oai.EmbeddingNewParamsInputUnion{
		OfArrayOfStrings: texts,
	}))
	if err != nil {
		return err
	}
	if len(resp.Data) != len(texts) {
		return fmt.Errorf("got %d embeddings for %d inputs", len(resp.Data), len(texts))
	}
	for _, e := range resp.Data {
		if e.Index < 0 || int(e.Index) >= len(texts) {
			return fmt.Errorf("embedding index %d out of range for %d inputs", e.Index, len(texts))
		}
		out[e.Index] = toFloat32(e.Embedding)
	}
	return nil
}

// Dimensions reports the vector width: a WithDimensions override wins,
// otherwise the model's native width. Unknown models report 0, which lets
// the index adopt the width of the first stored vector.
func (p *Provider) Dimensions() int {
	if p.requestDims > 0 {
		return int(p.requestDims)
	}
	return nativeDimensions(p.model)
}

// ModelID returns the configured model name.
func (p *Provider) ModelID() string { return p.model }

// Untruncated output widths of the OpenAI embedding models.
var nativeWidths = []struct {
	substr string
	width  int
}{
	{"text-embedding-3-large", 3072},
	{"text-embedding-3-small", 1536},
	{"text-embedding-ada-002", 1536},
}

// nativeDimensions returns the native output width of a recognised model
// name, or 0 for models the table does not cover.
func nativeDimensions(model string) int {
	name := strings.ToLower(model)
	for _, m := range nativeWidths {
		if strings.Contains(name, m.substr) {
			return m.width
		}
	}
	return 0
}

// toFloat32 narrows the API's float64 vectors to the float32 layout
// the tool index stores.
func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
