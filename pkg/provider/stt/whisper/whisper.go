// Package whisper provides an STT provider backed by a whisper.cpp server.
//
// It targets the REST API of a running whisper-server binary: each call POSTs
// the WAV-framed utterance to /inference as multipart/form-data and parses the
// JSON reply. When the server is deployed with a speaker-identification
// sidecar, the same upload against /inference_with_speaker also yields the
// matched speaker; enable it with WithSpeakerEndpoint.
//
// Usage:
//
//	p := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("de"),
//	    whisper.WithTimeout(30*time.Second),
//	)
//	res, err := p.Transcribe(ctx, wavBytes, "")
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/renfield-ai/renfield/pkg/provider/stt"
)

const (
	inferenceEndpoint = "/inference"
	speakerEndpoint   = "/inference_with_speaker"

	defaultTimeout = 60 * time.Second
)

// Compile-time assertions for the stt interfaces.
var (
	_ stt.Provider          = (*Provider)(nil)
	_ stt.SpeakerIdentifier = (*Provider)(nil)
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with — this is the default.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default BCP-47 language code sent with every request
// that does not carry its own hint (e.g., "en", "de").
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 60 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithSpeakerEndpoint enables the speaker-identification endpoint. Without it,
// TranscribeWithSpeaker falls back to plain transcription.
func WithSpeakerEndpoint() Option {
	return func(p *Provider) { p.speakerCapable = true }
}

// Provider implements stt.Provider against a whisper.cpp HTTP server.
// It is safe for concurrent use; each call is an independent HTTP request.
type Provider struct {
	serverURL      string
	model          string
	language       string
	speakerCapable bool
	client         *http.Client
}

// New creates a Provider targeting the whisper server at serverURL
// (e.g., "http://localhost:8080").
func New(serverURL string, opts ...Option) *Provider {
	p := &Provider{
		serverURL: serverURL,
		client:    &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// inferenceResponse is the JSON body returned by whisper-server.
type inferenceResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`

	// Speaker fields are present only on the speaker endpoint.
	SpeakerName       string  `json:"speaker_name"`
	SpeakerAlias      string  `json:"speaker_alias"`
	SpeakerConfidence float64 `json:"speaker_confidence"`

	Error string `json:"error"`
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, wav []byte, language string) (stt.Result, error) {
	return p.infer(ctx, inferenceEndpoint, wav, language)
}

// TranscribeWithSpeaker implements stt.SpeakerIdentifier. When the speaker
// endpoint is not enabled it degrades to plain transcription.
func (p *Provider) TranscribeWithSpeaker(ctx context.Context, wav []byte, language string) (stt.Result, error) {
	if !p.speakerCapable {
		return p.infer(ctx, inferenceEndpoint, wav, language)
	}
	return p.infer(ctx, speakerEndpoint, wav, language)
}

// infer uploads wav to the given endpoint as multipart/form-data and parses
// the JSON response.
func (p *Provider) infer(ctx context.Context, endpoint string, wav []byte, language string) (stt.Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: write wav data: %w", err)
	}

	lang := language
	if lang == "" {
		lang = p.language
	}
	if lang != "" {
		if err := mw.WriteField("language", lang); err != nil {
			return stt.Result{}, fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return stt.Result{}, fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: write format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+endpoint, &body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: inference request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return stt.Result{}, fmt.Errorf("whisper: server returned %s: %s", resp.Status, truncate(raw, 200))
	}

	var ir inferenceResponse
	if err := json.Unmarshal(raw, &ir); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: decode response: %w", err)
	}
	if ir.Error != "" {
		return stt.Result{}, fmt.Errorf("whisper: server error: %s", ir.Error)
	}

	return stt.Result{
		Text:              ir.Text,
		Language:          ir.Language,
		SpeakerName:       ir.SpeakerName,
		SpeakerAlias:      ir.SpeakerAlias,
		SpeakerConfidence: ir.SpeakerConfidence,
	}, nil
}

// truncate limits raw to n bytes for error messages.
func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "…"
}
