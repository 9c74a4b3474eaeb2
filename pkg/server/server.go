// Package server provides the public entry point for initializing the
// AgentVBX orchestration service.
//
// It wires the full pipeline: priority queue, message router, provider
// dispatcher, recipe engine, health prober, and the HTTP operations
// surface. It lives in pkg/ so embedders can compose the service with
// their own adapters and recipes before starting it.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	srv.Start(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/willhutson/agentvbx/internal/api"
	"github.com/willhutson/agentvbx/internal/catalog"
	"github.com/willhutson/agentvbx/internal/config"
	"github.com/willhutson/agentvbx/internal/dispatch"
	"github.com/willhutson/agentvbx/internal/health"
	"github.com/willhutson/agentvbx/internal/integration"
	"github.com/willhutson/agentvbx/internal/notify"
	"github.com/willhutson/agentvbx/internal/orchestrator"
	"github.com/willhutson/agentvbx/internal/providers"
	"github.com/willhutson/agentvbx/internal/queue"
	"github.com/willhutson/agentvbx/internal/recipe"
	"github.com/willhutson/agentvbx/internal/retention"
	"github.com/willhutson/agentvbx/internal/router"
	"github.com/willhutson/agentvbx/internal/telemetry"
)

// Server holds the initialized AgentVBX service.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Core components, exposed so embedders can register their own
	// agents, recipes, adapters, and integration platforms.
	Queue        *queue.Queue
	Router       *router.Router
	Dispatcher   *dispatch.Dispatcher
	Engine       *recipe.Engine
	Confirmer    *recipe.ChannelConfirmer
	Orchestrator *orchestrator.Orchestrator
	Integrations *integration.Registry
	Prober       *health.Prober
	Catalog      *catalog.Catalog
	Janitor      *retention.Janitor

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush
	// telemetry.
	ShutdownFunc func(context.Context) error

	cfg *config.Config
}

// New initializes all components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the service with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	q := queue.New(
		queue.WithBatchSize(cfg.Queue.BatchSize),
		queue.WithMaxAttempts(cfg.Queue.MaxAttempts),
		queue.WithPollInterval(cfg.Queue.PollInterval),
	)
	rt := router.New()
	disp := dispatch.New()
	log.Info().Msg("✅ Queue, router, and dispatcher initialized")

	probeIDs, err := registerAdapters(disp, cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("register providers: %w", err)
	}

	integrations := integration.NewRegistry()

	var sender notify.Sender
	if cfg.Outbound.WebhookURL != "" {
		sender = notify.NewWebhookSender(cfg.Outbound.WebhookURL, cfg.Outbound.WebhookSecret)
		log.Info().Str("url", cfg.Outbound.WebhookURL).Msg("✅ Outbound webhook sender initialized")
	} else {
		sender = notify.LogSender{}
		log.Info().Msg("✅ Outbound log sender initialized (no webhook configured)")
	}

	confirmer := recipe.NewChannelConfirmer()
	eng := recipe.NewEngine(
		recipe.WithConfirmer(confirmer),
		recipe.WithNotifier(&recipe.SummaryNotifier{Sender: sender}),
	)
	recipe.RegisterBuiltins(eng, rt, disp, integrations, sender)
	log.Info().Msg("✅ Recipe engine initialized")

	orch := orchestrator.New(q, rt, disp, eng, sender,
		orchestrator.WithMaxInFlight(int64(cfg.Queue.MaxInFlight)),
		orchestrator.WithClaimMinIdle(cfg.Queue.ClaimMinIdle),
	)

	defs, err := recipe.LoadDir(cfg.Recipes.Dir)
	if err != nil {
		return nil, fmt.Errorf("load recipes: %w", err)
	}
	for _, def := range defs {
		orch.RegisterRecipe(def)
	}

	prober := health.NewProber(disp, rt, probeIDs, cfg.Providers.ProbeInterval)

	cat := catalog.New(cfg.Agents.Dir, rt,
		catalog.WithRefreshInterval(cfg.Agents.RefreshInterval),
	)

	archiver := retention.NewLocalFileArchiver(cfg.Retention.ArchiveDir, cfg.Retention.Compress)
	janitor := retention.NewJanitor(q, eng, archiver,
		retention.WithDeadLetterWindow(cfg.Retention.DeadLetterWindow),
		retention.WithExecutionWindow(cfg.Retention.ExecutionWindow),
		retention.WithSweepInterval(cfg.Retention.SweepInterval),
	)

	h := &api.Handlers{
		Queue:        q,
		Router:       rt,
		Dispatcher:   disp,
		Engine:       eng,
		Confirmer:    confirmer,
		Orchestrator: orch,
	}

	return &Server{
		Handler:      api.NewRouter(cfg, h),
		Queue:        q,
		Router:       rt,
		Dispatcher:   disp,
		Engine:       eng,
		Confirmer:    confirmer,
		Orchestrator: orch,
		Integrations: integrations,
		Prober:       prober,
		Catalog:      cat,
		Janitor:      janitor,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
		cfg:          cfg,
	}, nil
}

// Start launches the consumer loop, the availability prober, the agent
// catalog rescan loop, and the retention janitor.
func (s *Server) Start(ctx context.Context) {
	if err := s.Catalog.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("Agent catalog load failed")
	}
	s.Orchestrator.Start(ctx)
	s.Prober.Start(ctx)
	s.Janitor.Start(ctx)
}

// Stop drains in-flight work and tears down provider adapters.
func (s *Server) Stop(timeout time.Duration) {
	s.Janitor.Stop()
	s.Catalog.Stop()
	s.Prober.Stop()
	s.Orchestrator.Stop(timeout)
	s.Dispatcher.Close()
}

// registerAdapters builds the configured provider adapters and returns
// the ids the availability prober should track. Providers without
// credentials are skipped; the dispatcher reports them as gaps when an
// agent's priority list references them.
func registerAdapters(disp *dispatch.Dispatcher, cfg config.ProvidersConfig) ([]string, error) {
	var ids []string

	if cfg.OpenAIKey != "" {
		a := providers.NewOpenAI(providers.Config{ID: "openai", APIKey: cfg.OpenAIKey})
		if err := disp.Register(a); err != nil {
			return nil, err
		}
		ids = append(ids, "openai")
	}
	if cfg.AnthropicKey != "" {
		a := providers.NewAnthropic(providers.Config{ID: "anthropic", APIKey: cfg.AnthropicKey})
		if err := disp.Register(a); err != nil {
			return nil, err
		}
		ids = append(ids, "anthropic")
	}
	if cfg.OllamaEndpoint != "" {
		a := providers.NewLocal(providers.Config{ID: "ollama", Endpoint: cfg.OllamaEndpoint})
		if err := disp.Register(a); err != nil {
			return nil, err
		}
		ids = append(ids, "ollama")
	}
	if cfg.SessionEndpoint != "" {
		a := providers.NewSession(providers.Config{
			ID:           "session",
			Endpoint:     cfg.SessionEndpoint,
			SessionToken: cfg.SessionToken,
		})
		if err := disp.Register(a); err != nil {
			return nil, err
		}
		ids = append(ids, "session")
	}

	// Session provider ids are flagged even when no adapter registered:
	// a blueprint naming an unconnected session provider must surface a
	// gap, not fall through silently.
	if len(cfg.SessionProviders) > 0 {
		disp.MarkSessionBased(cfg.SessionProviders...)
	}

	log.Info().Strs("providers", ids).Msg("✅ Provider adapters registered")
	return ids, nil
}
