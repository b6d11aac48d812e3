// Package coqui provides a TTS provider that connects to either a Coqui XTTS
// v2 server or a standard Coqui TTS server via its REST API.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): targets the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is performed via GET /api/tts with
//     URL query parameters.
//
//   - APIModeXTTS: targets the Coqui XTTS v2 API server. Synthesis is
//     performed via POST /tts_to_audio/ with a JSON body.
//
// Typical usage:
//
//	p := coqui.New("http://localhost:5002",
//	    coqui.WithLanguage("en"),
//	    coqui.WithTimeout(15*time.Second),
//	)
//	wav, err := p.Synthesize(ctx, "Done. The kitchen light is on.", "")
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/renfield-ai/renfield/pkg/provider/tts"
)

const (
	apiTTSEndpoint = "/api/tts"
	xttsEndpoint   = "/tts_to_audio/"

	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	// maxResponseBytes caps the synthesized payload read from the server.
	// Matches the hard cap applied to outgoing tts_audio frames.
	maxResponseBytes = 8 << 20
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// APIMode selects which Coqui server API the provider will target.
type APIMode string

const (
	// APIModeStandard targets the standard Coqui TTS server (GET /api/tts).
	APIModeStandard APIMode = "standard"

	// APIModeXTTS targets the XTTS v2 API server (POST /tts_to_audio/).
	APIModeXTTS APIMode = "xtts"
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the default language code used when a call carries no
// hint. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSpeaker sets the speaker/voice identifier forwarded to the server.
func WithSpeaker(speaker string) Option {
	return func(p *Provider) { p.speaker = speaker }
}

// WithAPIMode selects the server API flavour. Defaults to APIModeStandard.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.mode = mode }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// Provider implements tts.Provider against a Coqui server.
// It is safe for concurrent use; each call is an independent HTTP request.
type Provider struct {
	serverURL string
	language  string
	speaker   string
	mode      APIMode
	client    *http.Client
}

// New creates a Provider targeting the Coqui server at serverURL
// (e.g., "http://localhost:5002").
func New(serverURL string, opts ...Option) *Provider {
	p := &Provider{
		serverURL: serverURL,
		language:  defaultLanguage,
		mode:      APIModeStandard,
		client:    &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, language string) ([]byte, error) {
	if text == "" {
		return nil, fmt.Errorf("coqui: text must not be empty")
	}
	lang := language
	if lang == "" {
		lang = p.language
	}

	switch p.mode {
	case APIModeXTTS:
		return p.synthesizeXTTS(ctx, text, lang)
	default:
		return p.synthesizeStandard(ctx, text, lang)
	}
}

// synthesizeStandard performs a GET /api/tts call against the standard server.
func (p *Provider) synthesizeStandard(ctx context.Context, text, lang string) ([]byte, error) {
	q := url.Values{}
	q.Set("text", text)
	q.Set("language_id", lang)
	if p.speaker != "" {
		q.Set("speaker_id", p.speaker)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: build request: %w", err)
	}
	return p.doAudioRequest(req)
}

// synthesizeXTTS performs a POST /tts_to_audio/ call against the XTTS server.
func (p *Provider) synthesizeXTTS(ctx context.Context, text, lang string) ([]byte, error) {
	payload := struct {
		Text       string `json:"text"`
		Language   string `json:"language"`
		SpeakerWAV string `json:"speaker_wav,omitempty"`
	}{Text: text, Language: lang, SpeakerWAV: p.speaker}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+xttsEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return p.doAudioRequest(req)
}

// doAudioRequest executes req and returns the raw audio body.
func (p *Provider) doAudioRequest(req *http.Request) ([]byte, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("coqui: server returned %s: %s", resp.Status, snippet)
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("coqui: read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("coqui: server returned empty audio")
	}
	return audio, nil
}
