// Package mock provides a test double for the stt.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/renfield-ai/renfield/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe or
// TranscribeWithSpeaker.
type TranscribeCall struct {
	// WAV is the audio payload passed to the call.
	WAV []byte
	// Language is the language hint passed to the call.
	Language string
	// WithSpeaker reports whether the speaker-identifying variant was used.
	WithSpeaker bool
}

// Provider is a mock implementation of stt.Provider and stt.SpeakerIdentifier.
type Provider struct {
	mu sync.Mutex

	// Result is returned by both transcription methods.
	Result stt.Result

	// Err, if non-nil, is returned instead of Result.
	Err error

	// Calls records every invocation in order.
	Calls []TranscribeCall
}

var (
	_ stt.Provider          = (*Provider)(nil)
	_ stt.SpeakerIdentifier = (*Provider)(nil)
)

// Transcribe records the call and returns Result or Err.
func (p *Provider) Transcribe(_ context.Context, wav []byte, language string) (stt.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, TranscribeCall{WAV: wav, Language: language})
	if p.Err != nil {
		return stt.Result{}, p.Err
	}
	return p.Result, nil
}

// TranscribeWithSpeaker records the call and returns Result or Err.
func (p *Provider) TranscribeWithSpeaker(_ context.Context, wav []byte, language string) (stt.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, TranscribeCall{WAV: wav, Language: language, WithSpeaker: true})
	if p.Err != nil {
		return stt.Result{}, p.Err
	}
	return p.Result, nil
}
