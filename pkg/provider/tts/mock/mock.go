// Package mock provides a test double for the tts.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/renfield-ai/renfield/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the text passed to Synthesize.
	Text string
	// Language is the language hint passed to Synthesize.
	Language string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Audio is returned by Synthesize.
	Audio []byte

	// Err, if non-nil, is returned instead of Audio.
	Err error

	// Calls records every invocation in order.
	Calls []SynthesizeCall
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize records the call and returns Audio or Err.
func (p *Provider) Synthesize(_ context.Context, text string, language string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, SynthesizeCall{Text: text, Language: language})
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Audio, nil
}
