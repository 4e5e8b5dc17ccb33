package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nugget/funnair/internal/agent"
	"github.com/nugget/funnair/internal/booking"
	"github.com/nugget/funnair/internal/config"
	"github.com/nugget/funnair/internal/embeddings"
	"github.com/nugget/funnair/internal/events"
	"github.com/nugget/funnair/internal/health"
	"github.com/nugget/funnair/internal/llm"
	"github.com/nugget/funnair/internal/mcp"
	"github.com/nugget/funnair/internal/memory"
	"github.com/nugget/funnair/internal/pending"
	"github.com/nugget/funnair/internal/prompts"
	"github.com/nugget/funnair/internal/terms"
	"github.com/nugget/funnair/internal/tools"
)

// appOptions tune newApp per subcommand.
type appOptions struct {
	// interactive registers changeSeat, which needs a front-end to
	// fulfill the seat request.
	interactive bool
}

// app is the set of components every subcommand shares.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      *events.Bus
	llm      llm.Client
	store    *booking.Store
	bookings *booking.Service
	broker   *pending.Broker
	terms    *terms.Store
	registry *tools.Registry
	invoker  *tools.Invoker
	sessions *memory.Store
	loop     *agent.Loop
	mcp      []mcpServer
}

// mcpServer is a connected MCP client and the bridge that mirrors its
// tools into the registry.
type mcpServer struct {
	client *mcp.Client
	bridge *mcp.Bridge
}

// newApp opens the booking store, registers the tools, connects the
// configured MCP servers and builds the agent loop.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		bus:      events.New(),
		registry: tools.NewRegistry(),
	}

	store, err := booking.Open(cfg.Booking.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open booking store %s: %w", cfg.Booking.DBPath, err)
	}
	a.store = store
	a.bookings = booking.NewService(store, booking.Policy{
		ChangeWindow: cfg.Booking.ChangeWindow,
		CancelWindow: cfg.Booking.CancelWindow,
	}, a.bus, logger)

	if cfg.Booking.Seed {
		existing, err := a.bookings.List(ctx)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("list bookings: %w", err)
		}
		if len(existing) == 0 {
			if err := a.bookings.SeedDemo(ctx, nil); err != nil {
				a.Close()
				return nil, fmt.Errorf("seed bookings: %w", err)
			}
			logger.Info("seeded demo bookings", "path", cfg.Booking.DBPath)
		}
	}

	a.broker = pending.NewBroker(pending.Config{
		TTL:       cfg.Broker.RequestTTL,
		Retention: cfg.Broker.Retention,
	}, a.bus, logger)

	toolCfg := booking.ToolConfig{
		Service:     a.bookings,
		SeatTimeout: cfg.Broker.SeatTimeout,
		Logger:      logger,
	}
	if opts.interactive {
		toolCfg.Broker = a.broker
	}
	if err := booking.RegisterTools(a.registry, toolCfg); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.loadTerms(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.connectMCP(ctx)

	a.invoker = tools.NewInvoker(logger, cfg.Agent.ToolTimeout)
	a.llm = newLLMClient(cfg, logger)

	sessions, err := memory.NewStore(memory.StoreConfig{
		SystemPrompt: func() string { return prompts.SystemPrompt(cfg.Conversation.SystemPrompt, time.Now()) },
		MaxMessages:  cfg.Conversation.MaxMessages,
		MaxSessions:  cfg.Conversation.MaxSessions,
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create session store: %w", err)
	}
	a.sessions = sessions

	a.loop = agent.New(
		agent.NewLLMProvider(a.llm, cfg.LLM.Model, logger),
		a.registry, a.invoker, a.sessions,
		agent.Options{
			MaxToolRounds:   cfg.Agent.MaxToolRounds,
			ProviderTimeout: cfg.Agent.ProviderTimeout,
			ToolTimeout:     cfg.Agent.ToolTimeout,
			ParallelTools:   cfg.Agent.ParallelTools,
			MaxParallel:     cfg.Agent.MaxParallelTools,
			Logger:          logger,
			Bus:             a.bus,
		},
	)

	logger.Info("agent ready",
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"tools", a.registry.Len(),
	)
	return a, nil
}

// loadTerms ingests the terms of service and registers searchTerms.
// An unreachable embedder degrades search to keyword matching.
func (a *app) loadTerms(ctx context.Context) error {
	cfg := a.cfg.Terms
	source, doc := terms.DefaultSource, terms.DefaultDocument()
	if cfg.Path != "" {
		data, err := os.ReadFile(cfg.Path)
		if err != nil {
			return fmt.Errorf("read terms %s: %w", cfg.Path, err)
		}
		source, doc = cfg.Path, string(data)
	}

	var embedder embeddings.Embedder
	switch cfg.Embedder {
	case "ollama":
		embedder = embeddings.NewOllama(embeddings.Config{
			BaseURL: a.cfg.LLM.OllamaURL,
			Model:   cfg.EmbeddingModel,
			Logger:  a.logger,
		})
	case "openai":
		embedder = embeddings.NewOpenAI(a.cfg.LLM.OpenAI.APIKey, a.cfg.LLM.OpenAI.BaseURL, cfg.EmbeddingModel)
	}

	a.terms = terms.NewStore(terms.Config{
		Embedder:       embedder,
		MaxChunkTokens: cfg.MaxChunkTokens,
		Logger:         a.logger,
	})
	if _, err := a.terms.Ingest(ctx, source, doc); err != nil {
		return fmt.Errorf("ingest terms: %w", err)
	}
	return terms.RegisterTool(a.registry, a.terms, cfg.TopK)
}

// connectMCP bridges the tools of every configured MCP server into the
// registry. A server that fails to start is logged and skipped.
func (a *app) connectMCP(ctx context.Context) {
	for _, sc := range a.cfg.MCP.Servers {
		var transport mcp.Transport
		switch sc.Transport {
		case "stdio":
			transport = mcp.NewStdioTransport(mcp.StdioConfig{
				Command: sc.Command,
				Args:    sc.Args,
				Env:     sc.Env,
				Logger:  a.logger,
			})
		case "http":
			transport = mcp.NewHTTPTransport(mcp.HTTPConfig{
				URL:     sc.URL,
				Headers: sc.Headers,
				Timeout: a.cfg.Agent.ToolTimeout,
				Logger:  a.logger,
			})
		}

		client := mcp.NewClient(sc.Name, transport, a.logger)

		initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
		err := client.Initialize(initCtx)
		initCancel()
		if err != nil {
			a.logger.Error("MCP server initialization failed", "server", sc.Name, "error", err)
			client.Close()
			continue
		}

		bridge := mcp.NewBridge(client, a.registry, mcp.BridgeConfig{
			Include: sc.Include,
			Exclude: sc.Exclude,
			Bus:     a.bus,
			Logger:  a.logger,
		})
		syncCtx, syncCancel := context.WithTimeout(ctx, 30*time.Second)
		count, err := bridge.Sync(syncCtx)
		syncCancel()
		if err != nil {
			a.logger.Error("MCP tool bridge failed", "server", sc.Name, "error", err)
			client.Close()
			continue
		}

		a.mcp = append(a.mcp, mcpServer{client: client, bridge: bridge})
		a.logger.Info("MCP server connected", "server", sc.Name, "tools", count)
	}
}

// watch registers health checks for the LLM provider and every MCP
// server. When an MCP server comes back its tools are re-synced.
func (a *app) watch(ctx context.Context, m *health.Monitor) {
	m.Watch(ctx, health.Check{Name: "llm", Probe: a.llm.Ping})
	for _, s := range a.mcp {
		m.Watch(ctx, health.Check{
			Name:  "mcp:" + s.client.Name(),
			Probe: s.client.Ping,
			OnUp: func() {
				sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
				defer cancel()
				if _, err := s.bridge.Sync(sctx); err != nil {
					a.logger.Warn("MCP tool resync failed", "server", s.client.Name(), "error", err)
				}
			},
		})
	}
}

// newLLMClient routes the configured model to its provider. Ollama is
// always present as the fallback for unmapped models.
func newLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollama := llm.NewOllamaClient(cfg.LLM.OllamaURL, logger)
	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)

	if cfg.LLM.Anthropic.APIKey != "" {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.LLM.Anthropic.APIKey, cfg.LLM.Anthropic.BaseURL, logger))
		logger.Info("Anthropic provider configured")
	}
	if cfg.LLM.OpenAI.APIKey != "" {
		multi.AddProvider("openai", llm.NewOpenAIClient(cfg.LLM.OpenAI.APIKey, cfg.LLM.OpenAI.BaseURL, logger))
		logger.Info("OpenAI provider configured")
	}
	multi.AddModel(cfg.LLM.Model, cfg.LLM.Provider)
	return multi
}

// Close releases MCP clients and the booking store.
func (a *app) Close() {
	for _, s := range a.mcp {
		if err := s.client.Close(); err != nil {
			a.logger.Warn("MCP client close failed", "server", s.client.Name(), "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("booking store close failed", "error", err)
		}
	}
}
