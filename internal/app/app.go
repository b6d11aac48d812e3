// Package app wires all Renfield subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject stores or subsystems via functional options; when an
// option is not provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/renfield-ai/renfield/internal/config"
	"github.com/renfield-ai/renfield/internal/homeassistant"
	"github.com/renfield-ai/renfield/internal/memory"
	"github.com/renfield-ai/renfield/internal/output"
	"github.com/renfield-ai/renfield/internal/pipeline"
	"github.com/renfield-ai/renfield/internal/presence"
	"github.com/renfield-ai/renfield/internal/registry"
	"github.com/renfield-ai/renfield/internal/retrieval"
	"github.com/renfield-ai/renfield/internal/router"
	"github.com/renfield-ai/renfield/internal/store"
	"github.com/renfield-ai/renfield/internal/store/postgres"
	"github.com/renfield-ai/renfield/internal/tools"
	"github.com/renfield-ai/renfield/internal/tools/mcp"
	"github.com/renfield-ai/renfield/internal/wakeword"
	"github.com/renfield-ai/renfield/internal/ws"
	"github.com/renfield-ai/renfield/pkg/provider/embeddings"
	"github.com/renfield-ai/renfield/pkg/provider/llm"
	"github.com/renfield-ai/renfield/pkg/provider/stt"
	"github.com/renfield-ai/renfield/pkg/provider/tts"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
}

// Stores bundles the persistence interfaces the subsystems consume. In
// production every field is backed by the same postgres.Store; tests inject
// mocks.
type Stores struct {
	Rooms         store.RoomStore
	Devices       store.DeviceStore
	Outputs       store.OutputDeviceStore
	Conversations store.ConversationStore
	Chunks        store.ChunkStore
	Settings      store.SettingsStore
	Memories      store.MemoryStore
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger

	stores   Stores
	pg       *postgres.Store
	registry *registry.Registry
	wake     *wakeword.Broadcaster
	ha       *homeassistant.Client
	outputs  *output.Router
	presence *presence.Tracker
	engine   *retrieval.Engine
	memory   *memory.Service
	mcp      *mcp.Client
	executor *tools.Executor
	router   *router.Router
	pipeline *pipeline.Pipeline
	server   *ws.Server
	http     *http.Server

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStores injects persistence implementations instead of connecting to
// PostgreSQL.
func WithStores(s Stores) Option {
	return func(a *App) { a.stores = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go, populated via the config registry. An LLM provider is
// mandatory; STT, TTS, and embeddings degrade individual features when absent.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, fmt.Errorf("app: an llm provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initStores(ctx); err != nil {
		return nil, fmt.Errorf("app: init storage: %w", err)
	}
	if err := a.initRegistry(); err != nil {
		return nil, fmt.Errorf("app: init registry: %w", err)
	}
	if err := a.initWakeword(ctx); err != nil {
		return nil, fmt.Errorf("app: init wakeword: %w", err)
	}
	if err := a.initHomeAssistant(); err != nil {
		return nil, fmt.Errorf("app: init home assistant: %w", err)
	}
	a.initRetrievalAndMemory()
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}
	a.initRouterAndPipeline()
	a.initServer()
	return a, nil
}

func (a *App) initStores(ctx context.Context) error {
	if a.stores.Rooms != nil {
		return nil
	}
	dims := a.cfg.Storage.EmbeddingDimensions
	if dims <= 0 {
		dims = 768
	}
	pg, err := postgres.NewStore(ctx, a.cfg.Storage.PostgresDSN, dims)
	if err != nil {
		return err
	}
	a.pg = pg
	a.stores = Stores{
		Rooms:         pg,
		Devices:       pg,
		Outputs:       pg,
		Conversations: pg,
		Chunks:        pg,
		Settings:      pg,
		Memories:      pg,
	}
	return nil
}

func (a *App) initRegistry() error {
	opts := []registry.Option{
		registry.WithLogger(a.log),
		registry.WithAutoCreateRooms(a.cfg.Storage.AutoCreateRooms),
	}
	if n := a.cfg.Server.Limits.MaxAudioBufferBytes; n > 0 {
		opts = append(opts, registry.WithMaxBufferBytes(n))
	}
	if d := a.cfg.Server.ListeningTimeout; d > 0 {
		opts = append(opts, registry.WithListeningTimeout(d))
	}
	if d := a.cfg.Server.ProcessingTimeout; d > 0 {
		opts = append(opts, registry.WithProcessingTimeout(d))
	}
	a.registry = registry.New(a.stores.Rooms, a.stores.Devices, opts...)
	return nil
}

func (a *App) initWakeword(ctx context.Context) error {
	wake, err := wakeword.New(ctx, a.cfg.WakeWord, a.stores.Settings, wakeword.WithLogger(a.log))
	if err != nil {
		return err
	}
	a.wake = wake
	return nil
}

func (a *App) initHomeAssistant() error {
	if a.cfg.HomeAssistant.BaseURL == "" {
		a.log.Info("home assistant not configured, smart-home tools disabled")
		return nil
	}
	ha, err := homeassistant.New(a.cfg.HomeAssistant, homeassistant.WithLogger(a.log))
	if err != nil {
		return err
	}
	a.ha = ha
	return nil
}

func (a *App) initRetrievalAndMemory() {
	a.presence = presence.NewTracker(a.cfg.Presence)

	if a.providers.Embeddings == nil {
		a.log.Info("no embeddings provider, retrieval and memory disabled")
		return
	}
	a.engine = retrieval.NewEngine(a.stores.Chunks, a.providers.Embeddings, a.cfg.Retrieval, a.log)
	if a.cfg.Memory.Enabled {
		a.memory = memory.NewService(a.providers.LLM, a.providers.Embeddings, a.stores.Memories, a.cfg.Memory, a.log)
	}
}

func (a *App) initTools(ctx context.Context) error {
	execOpts := []tools.ExecutorOption{
		tools.WithLogger(a.log),
		// Every registered device is trusted with every tool; the executor's
		// permission gate stays in place for future per-user policies.
		tools.WithPermissionChecker(func(string, string) bool { return true }),
	}
	if d := a.cfg.Router.ToolTimeout; d > 0 {
		execOpts = append(execOpts, tools.WithToolTimeout(d))
	}

	if len(a.cfg.MCP.Servers) > 0 {
		a.mcp = mcp.New()
		for _, srv := range a.cfg.MCP.Servers {
			err := a.mcp.Connect(ctx, mcp.ServerConfig{
				Name:      srv.Name,
				Transport: srv.Transport,
				Command:   srv.Command,
				URL:       srv.URL,
				Token:     srv.Token,
				Env:       srv.Env,
			})
			if err != nil {
				a.log.Warn("mcp server unavailable", "name", srv.Name, "error", err)
				continue
			}
			a.log.Info("mcp server connected", "name", srv.Name)
		}
		execOpts = append(execOpts, tools.WithMCP(a.mcp))
	}

	a.executor = tools.NewExecutor(execOpts...)
	a.outputs = output.NewRouter(a.stores.Outputs, a.registry, haStateGetter(a.ha), a.log)

	builtins := &tools.Builtins{
		Rooms:    a.stores.Rooms,
		Router:   a.outputs,
		Presence: a.presence,
		Log:      a.log,
	}
	if a.ha != nil {
		builtins.HA = a.ha
	}
	if a.engine != nil {
		builtins.Knowledge = a.engine
	}
	return builtins.RegisterAll(a.executor)
}

func (a *App) initRouterAndPipeline() {
	routerOpts := []router.Option{router.WithLogger(a.log)}
	if a.engine != nil {
		routerOpts = append(routerOpts, router.WithKnowledge(a.engine))
	}
	if a.memory != nil {
		routerOpts = append(routerOpts, router.WithMemory(a.memory))
	}
	a.router = router.New(a.providers.LLM, a.executor, a.stores.Conversations, a.cfg.Router, routerOpts...)

	pipelineOpts := []pipeline.Option{
		pipeline.WithLogger(a.log),
		pipeline.WithPresence(a.presence),
	}
	if n := a.cfg.Server.Limits.MaxTTSPayloadBytes; n > 0 {
		pipelineOpts = append(pipelineOpts, pipeline.WithMaxTTSPayload(n))
	}
	a.pipeline = pipeline.New(a.registry, a.stores.Rooms, a.providers.STT, a.providers.TTS, a.router, pipelineOpts...)
}

func (a *App) initServer() {
	a.server = ws.New(a.cfg.Server, a.registry, a.pipeline, a.router, a.wake,
		ws.WithLogger(a.log),
		ws.WithPresence(a.presence),
	)
	a.http = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Registry exposes the device registry, for admin surfaces built on top of
// the App.
func (a *App) Registry() *registry.Registry { return a.registry }

// Wakeword exposes the wake-word broadcaster.
func (a *App) Wakeword() *wakeword.Broadcaster { return a.wake }

// Run serves until ctx is cancelled, then drains connections.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("listening", "addr", a.http.Addr)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.http.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.http.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.http.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown releases all resources. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if a.http != nil {
			if err := a.http.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs = append(errs, err)
			}
		}
		if a.memory != nil {
			a.memory.Close()
		}
		if a.mcp != nil {
			if err := a.mcp.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if a.pg != nil {
			a.pg.Close()
		}
	})
	return errors.Join(errs...)
}

// haStateGetter converts a possibly-nil client into the output router's
// interface without smuggling a typed nil through.
func haStateGetter(ha *homeassistant.Client) output.StateGetter {
	if ha == nil {
		return nil
	}
	return ha
}
