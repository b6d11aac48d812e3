// Package pipeline runs the voice path of a session: assembled audio in,
// spoken reply out.
//
// On audio_end it moves the session to PROCESSING, frames the buffered PCM as
// canonical WAV, transcribes it, hands the transcript to the router, and
// finally synthesizes and delivers the reply while the session is SPEAKING.
// Failures at any stage end the session with a reason the device can show.
package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/renfield-ai/renfield/internal/observe"
	"github.com/renfield-ai/renfield/internal/presence"
	"github.com/renfield-ai/renfield/internal/protocol"
	"github.com/renfield-ai/renfield/internal/registry"
	"github.com/renfield-ai/renfield/internal/resilience"
	"github.com/renfield-ai/renfield/internal/router"
	"github.com/renfield-ai/renfield/internal/store"
	"github.com/renfield-ai/renfield/pkg/audio"
	"github.com/renfield-ai/renfield/pkg/provider/stt"
	"github.com/renfield-ai/renfield/pkg/provider/tts"
)

// Session end reasons reported to the device.
const (
	ReasonCompleted          = "completed"
	ReasonEmptyAudio         = "empty_audio"
	ReasonEmptyTranscription = "empty_transcription"
	ReasonTranscriptionError = "transcription_error"
	ReasonLLMError           = "llm_error"
)

// silenceRMS is the PCM energy floor below which an utterance is treated as
// silence and never sent to the STT engine.
const silenceRMS = 50.0

// defaultMaxTTSPayload caps the base64 payload of a single tts_audio frame.
const defaultMaxTTSPayload = 2 << 20

// Responder produces the reply for a transcript. Implemented by
// router.Router.
type Responder interface {
	Handle(ctx context.Context, req router.Request) (*router.Reply, error)
}

// Observer records who was heard where. Implemented by presence.Tracker.
type Observer interface {
	Observe(person string, roomID int64, roomName string, source presence.Source, confidence float64)
}

// Pipeline drives a session from buffered audio to delivered reply.
type Pipeline struct {
	registry *registry.Registry
	rooms    store.RoomStore
	stt      stt.Provider
	tts      tts.Provider
	router   Responder
	presence Observer

	sttBreaker *resilience.CircuitBreaker
	ttsBreaker *resilience.CircuitBreaker

	language    string
	maxTTSBytes int
	metrics     *observe.Metrics
	log         *slog.Logger
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithPresence attaches the presence tracker, fed on speaker recognition.
func WithPresence(o Observer) Option {
	return func(p *Pipeline) { p.presence = o }
}

// WithLanguage sets the BCP-47 hint passed to STT and TTS. Empty means
// provider default.
func WithLanguage(lang string) Option {
	return func(p *Pipeline) { p.language = lang }
}

// WithMaxTTSPayload caps the base64 payload of one tts_audio frame. A reply
// whose synthesized speech exceeds the cap is delivered as text only.
func WithMaxTTSPayload(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxTTSBytes = n
		}
	}
}

// New builds a Pipeline.
func New(reg *registry.Registry, rooms store.RoomStore, sttp stt.Provider, ttsp tts.Provider, resp Responder, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry:    reg,
		rooms:       rooms,
		stt:         sttp,
		tts:         ttsp,
		router:      resp,
		sttBreaker:  resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "stt"}),
		ttsBreaker:  resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "tts"}),
		maxTTSBytes: defaultMaxTTSPayload,
		metrics:     observe.DefaultMetrics(),
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessAudioEnd runs the full voice turn for a session whose device sent
// audio_end. It blocks until the reply is delivered or the session is ended
// with a failure reason; callers run it on a per-session goroutine.
func (p *Pipeline) ProcessAudioEnd(ctx context.Context, sessionID string) error {
	sess, ok := p.registry.Session(sessionID)
	if !ok {
		return fmt.Errorf("pipeline: unknown session %q", sessionID)
	}
	// The session context ends the turn on cancel or disconnect.
	ctx = sess.Context()

	if err := p.registry.SetSessionState(ctx, sessionID, registry.StateProcessing); err != nil {
		return fmt.Errorf("pipeline: enter processing: %w", err)
	}

	pcm, gap, err := p.registry.GetAudio(sessionID)
	if err != nil {
		return fmt.Errorf("pipeline: fetch audio: %w", err)
	}
	if len(pcm) == 0 || audio.RMS(pcm) < silenceRMS {
		p.log.Info("utterance is empty or silent, ending session",
			"session_id", sessionID, "bytes", len(pcm))
		return p.registry.EndSession(ctx, sessionID, ReasonEmptyAudio)
	}
	if gap {
		p.log.Warn("audio sequence has gaps, transcribing best-effort", "session_id", sessionID)
	}

	result, err := p.transcribe(ctx, audio.EncodeCanonicalWAV(pcm))
	if err != nil {
		p.log.Error("transcription failed", "session_id", sessionID, "error", err)
		p.metrics.RecordProviderError(ctx, "stt", "transcribe")
		return p.registry.EndSession(ctx, sessionID, ReasonTranscriptionError)
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return p.registry.EndSession(ctx, sessionID, ReasonEmptyTranscription)
	}

	if err := p.registry.SetTranscript(sessionID, text); err != nil {
		return fmt.Errorf("pipeline: set transcript: %w", err)
	}
	p.send(sess.DeviceID, protocol.NewTranscription(sessionID, text, result.SpeakerName, result.SpeakerAlias))

	roomName := p.roomName(ctx, sess.RoomID)
	if p.presence != nil && result.SpeakerName != "" {
		p.presence.Observe(result.SpeakerName, sess.RoomID, roomName, presence.SourceVoice, result.SpeakerConfidence)
	}

	reply, err := p.router.Handle(ctx, router.Request{
		SessionID: sessionID,
		DeviceID:  sess.DeviceID,
		RoomID:    sess.RoomID,
		RoomName:  roomName,
		UserID:    result.SpeakerAlias,
		Text:      text,
		Stream: func(chunk string) {
			p.send(sess.DeviceID, protocol.NewStream(sessionID, chunk))
		},
		Emit: func(frame any) {
			p.send(sess.DeviceID, frame)
		},
	})
	if err != nil {
		p.log.Error("reply generation failed", "session_id", sessionID, "error", err)
		return p.registry.EndSession(ctx, sessionID, ReasonLLMError)
	}

	if err := p.registry.SetSessionState(ctx, sessionID, registry.StateSpeaking); err != nil {
		// The session ended underneath us (cancel, disconnect). Nothing to
		// deliver to.
		return nil
	}
	p.deliver(ctx, sess.DeviceID, sessionID, reply)
	return p.registry.EndSession(ctx, sessionID, ReasonCompleted)
}

// transcribe invokes STT through the circuit breaker, preferring the
// speaker-identifying variant when the engine offers one.
func (p *Pipeline) transcribe(ctx context.Context, wav []byte) (stt.Result, error) {
	var result stt.Result
	if p.stt == nil {
		return result, fmt.Errorf("pipeline: no stt provider configured")
	}
	start := time.Now()
	err := p.sttBreaker.Execute(func() error {
		var err error
		if ident, ok := p.stt.(stt.SpeakerIdentifier); ok {
			result, err = ident.TranscribeWithSpeaker(ctx, wav, p.language)
		} else {
			result, err = p.stt.Transcribe(ctx, wav, p.language)
		}
		return err
	})
	p.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	return result, err
}

// deliver sends the reply to the device: synthesized speech when TTS is up,
// text always, then the closing done frame. TTS failure is not fatal; the
// device falls back to its own voice.
func (p *Pipeline) deliver(ctx context.Context, deviceID, sessionID string, reply *router.Reply) {
	ttsHandled := false
	if reply.Text != "" && p.tts != nil {
		start := time.Now()
		var speech []byte
		err := p.ttsBreaker.Execute(func() error {
			var err error
			speech, err = p.tts.Synthesize(ctx, reply.Text, p.language)
			return err
		})
		p.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			p.log.Warn("synthesis failed, sending text only", "session_id", sessionID, "error", err)
			p.metrics.RecordProviderError(ctx, "tts", "synthesize")
		} else if len(speech) > 0 {
			encoded := base64.StdEncoding.EncodeToString(speech)
			if len(encoded) > p.maxTTSBytes {
				p.log.Warn("synthesized audio exceeds the frame cap, sending text only",
					"session_id", sessionID, "payload_bytes", len(encoded), "cap_bytes", p.maxTTSBytes)
			} else {
				p.send(deviceID, protocol.NewTTSAudio(sessionID, encoded, true))
				ttsHandled = true
			}
		}
	}

	p.send(deviceID, protocol.NewResponseText(sessionID, reply.Text, true))
	p.send(deviceID, protocol.NewDone(ttsHandled, reply.AgentSteps, reply.Intent))
}

// roomName resolves the display name of a room, "" when unknown.
func (p *Pipeline) roomName(ctx context.Context, roomID int64) string {
	if p.rooms == nil || roomID == 0 {
		return ""
	}
	room, err := p.rooms.GetRoom(ctx, roomID)
	if err != nil || room == nil {
		return ""
	}
	return room.Name
}

// send forwards a frame to the device, logging delivery failures. The device
// may have disconnected mid-turn.
func (p *Pipeline) send(deviceID string, frame any) {
	if err := p.registry.Send(deviceID, frame); err != nil {
		p.log.Debug("frame delivery failed", "device_id", deviceID, "error", err)
	}
}
