// Package mock provides a test double for the embeddings.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/renfield-ai/renfield/pkg/provider/embeddings"
)

// Provider is a mock implementation of embeddings.Provider.
//
// By default every text embeds to a deterministic vector derived from its
// bytes, so distinct texts yield distinct vectors without any configuration.
// Set Vectors to pin specific outputs per input text.
type Provider struct {
	mu sync.Mutex

	// Dim is the dimensionality of generated vectors. Defaults to 8 when zero.
	Dim int

	// Vectors maps input text to a fixed output vector.
	Vectors map[string][]float32

	// Err, if non-nil, is returned by Embed and EmbedBatch.
	Err error

	// Calls records every text passed to Embed or EmbedBatch, in order.
	Calls []string
}

var _ embeddings.Provider = (*Provider)(nil)

// Embed records the call and returns a deterministic vector for text.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, text)
	if p.Err != nil {
		return nil, p.Err
	}
	return p.vectorFor(text), nil
}

// EmbedBatch records the calls and returns deterministic vectors.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, texts...)
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vectorFor(t)
	}
	return out, nil
}

// Dimensions returns Dim, defaulting to 8.
func (p *Provider) Dimensions() int {
	if p.Dim <= 0 {
		return 8
	}
	return p.Dim
}

// ModelID identifies the mock.
func (p *Provider) ModelID() string {
	return "mock-embed"
}

// vectorFor derives a stable vector from the text bytes. Must be called with
// p.mu held.
func (p *Provider) vectorFor(text string) []float32 {
	if v, ok := p.Vectors[text]; ok {
		return v
	}
	dim := p.Dim
	if dim <= 0 {
		dim = 8
	}
	vec := make([]float32, dim)
	for i, b := range []byte(text) {
		vec[i%dim] += float32(b) / 255
	}
	return vec
}
