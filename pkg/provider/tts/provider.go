// Package tts defines the Provider interface for text-to-speech backends.
//
// Renfield synthesizes one complete reply at a time: text in, encoded audio
// bytes out. The payload is forwarded to the device base64-encoded inside a
// tts_audio frame, so the wire format is whatever the engine emits (WAV for
// the bundled Coqui provider).
//
// Implementors must be safe for concurrent use and must honour context
// cancellation on every call.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts text into audio bytes. language is an optional
	// BCP-47 hint; empty means the provider default.
	Synthesize(ctx context.Context, text string, language string) ([]byte, error)
}
