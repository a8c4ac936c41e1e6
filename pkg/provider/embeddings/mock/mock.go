// Package mock provides a scriptable in-memory embeddings.Provider for
// tests. Answers come from the Provider's fields, and every Embed and
// EmbedBatch call is recorded for later inspection.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/toolmux/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider answers embedding requests from its fields. Configure it before
// handing it to the code under test; read the recorded calls once that code
// is done.
type Provider struct {
	// EmbedFunc computes the vector for a single text, allowing distinct
	// vectors per tool phrase or failures on selected texts only. When nil,
	// Embed answers with EmbedResult and EmbedErr instead.
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)

	// EmbedResult and EmbedErr are the fixed answer for Embed when
	// EmbedFunc is nil.
	EmbedResult []float32
	EmbedErr    error

	// EmbedBatchErr, when set, fails EmbedBatch outright, and
	// EmbedBatchResult, when set, answers it verbatim. With neither set the
	// batch is built text by text the same way Embed answers, and the first
	// per-text failure fails the whole batch, so a mock configured only
	// through EmbedFunc behaves consistently on both paths.
	EmbedBatchResult [][]float32
	EmbedBatchErr    error

	// DimensionsValue and ModelIDValue back the metadata methods.
	DimensionsValue int
	ModelIDValue    string

	mu sync.Mutex

	// EmbedCalls holds the text of every Embed call in order. Texts
	// embedded while deriving a batch are not included.
	EmbedCalls []string

	// EmbedBatchCalls holds a copy of the texts of every EmbedBatch call.
	EmbedBatchCalls [][]string
}

// Embed records the call and answers it from EmbedFunc or the fixed fields.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	p.mu.Unlock()
	return p.embedOne(ctx, text)
}

// EmbedBatch records the call and answers it from the batch fields, or by
// embedding each text in turn.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, slices.Clone(texts))
	p.mu.Unlock()

	if p.EmbedBatchErr != nil {
		return nil, p.EmbedBatchErr
	}
	if p.EmbedBatchResult != nil {
		return p.EmbedBatchResult, nil
	}

	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		vecs[i] = vec
	}
	return vecs, nil
}

func (p *Provider) embedOne(ctx context.Context, text string) ([]float32, error) {
	if p.EmbedFunc != nil {
		return p.EmbedFunc(ctx, text)
	}
	return p.EmbedResult, p.EmbedErr
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int { return p.DimensionsValue }

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string { return p.ModelIDValue }
