// Package stt defines the Provider interface for speech-to-text backends.
//
// Renfield submits one fully assembled utterance per call: canonical audio
// (mono, 16-bit, 16 kHz PCM in a WAV container) in, transcript out. Providers
// that can additionally identify the speaker implement the optional
// SpeakerIdentifier interface; the audio pipeline feature-detects it with a
// type assertion.
//
// Implementors must be safe for concurrent use and must honour context
// cancellation on every call.
package stt

import "context"

// Result holds the outcome of a transcription call.
type Result struct {
	// Text is the transcribed utterance. May be empty or whitespace-only when
	// the audio contained no recognisable speech.
	Text string

	// Language is the BCP-47 code the engine detected or was given. Optional.
	Language string

	// SpeakerName is the display name of the recognised speaker. Only set by
	// SpeakerIdentifier implementations.
	SpeakerName string

	// SpeakerAlias is the normalised identifier of the recognised speaker.
	SpeakerAlias string

	// SpeakerConfidence is the speaker-match confidence in [0, 1].
	SpeakerConfidence float64
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe submits a complete WAV-framed utterance and returns the
	// transcript. language is an optional BCP-47 hint; empty means auto-detect
	// or the provider default.
	Transcribe(ctx context.Context, wav []byte, language string) (Result, error)
}

// SpeakerIdentifier is an optional capability: engines that maintain a voice
// database can identify who spoke in addition to what was said.
type SpeakerIdentifier interface {
	// TranscribeWithSpeaker behaves like Provider.Transcribe and additionally
	// fills the Speaker* fields of the Result when a match is found.
	TranscribeWithSpeaker(ctx context.Context, wav []byte, language string) (Result, error)
}
