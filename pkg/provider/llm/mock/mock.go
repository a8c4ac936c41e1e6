// Package mock provides a scriptable in-memory llm.Provider for tests.
// Answers come from the Provider's fields, and every completion request is
// recorded for later inspection.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/toolmux/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Provider answers completion requests from its fields. Configure it before
// handing it to the code under test; read the recorded requests once that
// code is done.
type Provider struct {
	// CompleteFunc computes the answer for a single request, allowing
	// distinct phrases per tool or failures on selected requests only. When
	// nil, Complete answers with CompleteResponse and CompleteErr instead.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// CompleteResponse and CompleteErr are the fixed answer for Complete
	// when CompleteFunc is nil.
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// ModelIDValue backs the ModelID method.
	ModelIDValue string

	mu sync.Mutex

	// CompleteCalls holds every request passed to Complete, in order.
	CompleteCalls []llm.CompletionRequest
}

// Complete records the request and answers it from CompleteFunc or the fixed
// fields.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, req)
	p.mu.Unlock()

	if p.CompleteFunc != nil {
		return p.CompleteFunc(ctx, req)
	}
	return p.CompleteResponse, p.CompleteErr
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string { return p.ModelIDValue }
