// Package ollama provides an embeddings provider backed by a local Ollama
// server.
//
// It uses Ollama's native /api/embed endpoint to generate dense float32
// vectors with models such as nomic-embed-text, mxbai-embed-large, and
// all-minilm.
//
// Example usage:
//
//	p, err := ollama.New("", "nomic-embed-text") // http://localhost:11434
//	vec, err := p.Embed(ctx, "where did I park the car?")
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/renfield-ai/renfield/pkg/provider/embeddings"
)

// DefaultBaseURL is the default base URL for a locally running Ollama instance.
const DefaultBaseURL = "http://localhost:11434"

// Ensure Provider implements the embeddings.Provider interface at compile time.
var _ embeddings.Provider = (*Provider)(nil)

// knownDimensions maps recognised Ollama embedding models to their vector size.
var knownDimensions = map[string]int{
	"nomic-embed-text":  768,
	"mxbai-embed-large": 1024,
	"all-minilm":        384,
	"snowflake-arctic-embed": 1024,
}

// Provider implements embeddings.Provider using a local Ollama server.
//
// Dimension resolution happens in this order:
//  1. Value supplied via WithDimensions (highest priority).
//  2. Look-up in the built-in knownDimensions table.
//  3. Auto-detection: a single probe embed is issued on the first Dimensions
//     call and the length of the returned vector is cached.
//
// Provider is safe for concurrent use.
type Provider struct {
	baseURL    string
	model      string
	httpClient *http.Client

	dimensions int
	detectOnce sync.Once
	detectErr  error
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithTimeout sets a per-request HTTP timeout on the underlying HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithDimensions pre-sets the embedding dimension, bypassing the look-up table
// and the probe request.
func WithDimensions(dims int) Option {
	return func(p *Provider) { p.dimensions = dims }
}

// New constructs a new Ollama Provider. baseURL defaults to DefaultBaseURL
// when empty; model must not be empty.
func New(baseURL string, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama embeddings: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	p := &Provider{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	if p.dimensions == 0 {
		// Strip any tag suffix ("nomic-embed-text:latest") before the lookup.
		base := model
		if i := strings.IndexByte(base, ':'); i >= 0 {
			base = base[:i]
		}
		p.dimensions = knownDimensions[base]
	}
	return p, nil
}

// embedRequest is the JSON body for POST /api/embed.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse is the JSON body returned by POST /api/embed.
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error"`
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	body, err := json.Marshal(embedRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed request: %w", err)
	}
	defer resp.Body.Close()

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("ollama embeddings: decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := er.Error
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("ollama embeddings: server error: %s", msg)
	}
	if len(er.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embeddings: got %d vectors for %d inputs", len(er.Embeddings), len(texts))
	}
	return er.Embeddings, nil
}

// Dimensions implements embeddings.Provider. Unknown models are probed once
// with a single-token embed; a probe failure leaves the dimension at zero.
func (p *Provider) Dimensions() int {
	if p.dimensions > 0 {
		return p.dimensions
	}
	p.detectOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		vec, err := p.Embed(ctx, "dimension probe")
		if err != nil {
			p.detectErr = err
			return
		}
		p.dimensions = len(vec)
	})
	return p.dimensions
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return p.model
}
