// Package homeassistant is a thin client for the Home Assistant REST API.
//
// Calls are wrapped in a circuit breaker so a dead or flapping controller
// fails fast instead of stalling the voice pipeline.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/renfield-ai/renfield/internal/config"
	"github.com/renfield-ai/renfield/internal/resilience"
)

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.New("homeassistant: entity not found")

// State is one entity state row.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
}

// FriendlyName returns the entity's display name, falling back to its id.
func (s *State) FriendlyName() string {
	if name, ok := s.Attributes["friendly_name"].(string); ok && name != "" {
		return name
	}
	return s.EntityID
}

// Area is one entry of the controller's area registry.
type Area struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// areaTemplate renders the area registry as JSON through the template API;
// the REST API has no direct area endpoint.
const areaTemplate = `[{% for id in areas() %}{"id": {{ id | to_json }}, "name": {{ area_name(id) | to_json }}}{% if not loop.last %},{% endif %}{% endfor %}]`

// Client talks to one Home Assistant instance.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *resilience.CircuitBreaker
	log     *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New builds a Client from configuration.
func New(cfg config.HomeAssistantConfig, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("homeassistant: base_url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "homeassistant"}),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CallService invokes domain.service with the given payload.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	path := fmt.Sprintf("/api/services/%s/%s", domain, service)
	return c.breaker.Execute(func() error {
		_, err := c.do(ctx, http.MethodPost, path, data)
		return err
	})
}

// GetState returns the state of one entity, or [ErrNotFound]. A missing
// entity does not count as a controller failure for the circuit breaker.
func (c *Client) GetState(ctx context.Context, entityID string) (*State, error) {
	var state State
	var notFound bool
	err := c.breaker.Execute(func() error {
		body, err := c.do(ctx, http.MethodGet, "/api/states/"+entityID, nil)
		if errors.Is(err, ErrNotFound) {
			notFound = true
			return nil
		}
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &state)
	})
	if err != nil {
		return nil, err
	}
	if notFound {
		return nil, ErrNotFound
	}
	return &state, nil
}

// ListStates returns all entity states.
func (c *Client) ListStates(ctx context.Context) ([]State, error) {
	var states []State
	err := c.breaker.Execute(func() error {
		body, err := c.do(ctx, http.MethodGet, "/api/states", nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &states)
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}

// MediaPlayers returns the states of all media_player entities.
func (c *Client) MediaPlayers(ctx context.Context) ([]State, error) {
	states, err := c.ListStates(ctx)
	if err != nil {
		return nil, err
	}
	var players []State
	for _, s := range states {
		if strings.HasPrefix(s.EntityID, "media_player.") {
			players = append(players, s)
		}
	}
	return players, nil
}

// ListAreas returns the controller's area registry.
func (c *Client) ListAreas(ctx context.Context) ([]Area, error) {
	var areas []Area
	err := c.breaker.Execute(func() error {
		body, err := c.do(ctx, http.MethodPost, "/api/template", map[string]any{"template": areaTemplate})
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &areas)
	})
	if err != nil {
		return nil, err
	}
	return areas, nil
}

// do issues one authenticated request and returns the response body.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("homeassistant: encode payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("homeassistant: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("homeassistant: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("homeassistant: read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("homeassistant: %s %s: status %d: %s",
			method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}
