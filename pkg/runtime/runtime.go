// SPDX-License-Identifier: Apache-2.0

// Package runtime wires the kernel from configuration: storage, the
// skill tree, the evolution engine, plugins, tool servers and the
// orchestrator. The CLI and the HTTP server both build on a Kernel.
package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kelicblan/seerlord-ai/pkg/checkpoint"
	"github.com/kelicblan/seerlord-ai/pkg/config"
	"github.com/kelicblan/seerlord-ai/pkg/core"
	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
	"github.com/kelicblan/seerlord-ai/pkg/llm"
	"github.com/kelicblan/seerlord-ai/pkg/mcp"
	"github.com/kelicblan/seerlord-ai/pkg/mcp/pool"
	"github.com/kelicblan/seerlord-ai/pkg/memory"
	"github.com/kelicblan/seerlord-ai/pkg/memory/ollama"
	"github.com/kelicblan/seerlord-ai/pkg/memory/qdrant"
	"github.com/kelicblan/seerlord-ai/pkg/orchestrator"
	"github.com/kelicblan/seerlord-ai/pkg/plugin"
	"github.com/kelicblan/seerlord-ai/pkg/skill"
	"github.com/kelicblan/seerlord-ai/pkg/telemetry"
)

// Kernel is the fully wired orchestration kernel. Fields are exported
// so the server and the CLI can reach individual components; the
// orchestrator remains the only writer of session state.
type Kernel struct {
	Config *config.Config

	Provider llm.Provider
	Embedder memory.Embedder
	Vector   memory.VectorStore

	Skills   *skill.Service
	Router   *skill.Router
	Engine   *skill.Engine
	Feedback *skill.FeedbackService

	Plugins *plugin.Registry
	// Tools is the provider plugins resolve MCP tools through. It is the
	// registry itself, or an allowlist over it when any server scopes
	// its tools.
	Tools         core.ToolProvider
	Checkpoints   checkpoint.Store
	Approvals     orchestrator.ApprovalStore
	Conversations memory.ConversationMemory

	Orchestrator *orchestrator.Orchestrator
	Metrics      *telemetry.KernelMetrics

	db           *sql.DB
	sweeper      *orchestrator.ApprovalSweeper
	toolRegistry *mcp.Registry
	toolPool     *pool.Pool
}

// Option overrides a component before the remaining wiring is derived
// from configuration.
type Option func(*Kernel) error

// WithProvider substitutes the LLM provider (tests use scripted mocks).
func WithProvider(provider llm.Provider) Option {
	return func(k *Kernel) error {
		k.Provider = provider
		return nil
	}
}

// WithEmbedder substitutes the embedding backend.
func WithEmbedder(embedder memory.Embedder) Option {
	return func(k *Kernel) error {
		k.Embedder = embedder
		return nil
	}
}

// WithVectorStore substitutes the vector index backend.
func WithVectorStore(store memory.VectorStore) Option {
	return func(k *Kernel) error {
		k.Vector = store
		return nil
	}
}

// WithPlugins registers sub-agents on top of the config-driven builtin
// set. Duplicate IDs fail the build.
func WithPlugins(plugins ...plugin.Plugin) Option {
	return func(k *Kernel) error {
		for _, p := range plugins {
			if err := k.Plugins.Register(p); err != nil {
				return err
			}
		}
		return nil
	}
}

// New wires a Kernel from configuration. Components not overridden by
// options are built from their config sections; the skill tree is
// initialized (collection ensured, seeds loaded, meta fallback
// guaranteed) before New returns.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Kernel, error) {
	if cfg == nil {
		return nil, kerrors.New(kerrors.CodeConfiguration, "kernel requires a configuration", nil)
	}

	metrics, err := telemetry.NewKernelMetrics()
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		Config:  cfg,
		Plugins: plugin.NewRegistry(),
		Metrics: metrics,
	}
	for _, opt := range opts {
		if err := opt(k); err != nil {
			return nil, err
		}
	}

	if err := k.registerBuiltins(cfg.Plugins.Enabled); err != nil {
		return nil, err
	}
	if err := k.openStorage(cfg.Storage); err != nil {
		return nil, err
	}
	if err := k.buildProviders(cfg); err != nil {
		return nil, err
	}
	if err := k.buildSkills(ctx, cfg); err != nil {
		k.closeDB()
		return nil, err
	}
	if err := k.buildTools(cfg.MCP); err != nil {
		k.closeDB()
		return nil, err
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Config:      cfg.Orchestrator,
		LLM:         cfg.LLM,
		Provider:    k.Provider,
		Router:      k.Router,
		Skills:      k.Skills,
		Evolution:   k.Engine,
		Plugins:     k.Plugins,
		Checkpoints: k.Checkpoints,
		Approvals:   k.Approvals,
		Metrics:     k.Metrics,
		Tools:       k.Tools,
	})
	if err != nil {
		k.closeDB()
		return nil, err
	}
	k.Orchestrator = orch
	k.sweeper = orchestrator.NewApprovalSweeper(k.Approvals, cfg.Orchestrator.Approval.SweepInterval(), k.Metrics)
	return k, nil
}

// Start launches the background workers: the evolution engine and the
// approval expiry sweeper. Idempotent.
func (k *Kernel) Start() {
	if k.Engine != nil {
		k.Engine.Start()
	}
	if k.Config.Orchestrator.Approval.Enabled {
		k.sweeper.Start()
	}
}

// Close drains the evolution queue, stops the workers and releases
// storage and tool connections.
func (k *Kernel) Close(ctx context.Context) error {
	k.sweeper.Stop()
	if k.Engine != nil {
		drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := k.Engine.Drain(drainCtx); err != nil {
			slog.Warn("kernel.close.evolution_drain", slog.String("error", err.Error()))
		}
		cancel()
		k.Engine.Stop()
	}
	if k.toolRegistry != nil {
		if err := k.toolRegistry.Close(); err != nil {
			slog.Warn("kernel.close.tools", slog.String("error", err.Error()))
		}
	}
	if k.toolPool != nil {
		if err := k.toolPool.Close(); err != nil {
			slog.Warn("kernel.close.tool_pool", slog.String("error", err.Error()))
		}
	}
	k.closeDB()
	return nil
}

func (k *Kernel) closeDB() {
	if k.db != nil {
		_ = k.db.Close()
		k.db = nil
	}
}

func (k *Kernel) openStorage(cfg config.StorageConfig) error {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return nil
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = "seerlord.db"
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return kerrors.New(kerrors.CodeUnavailable, "opening sqlite storage", err).
				WithAttribute("path", path)
		}
		// modernc sqlite serializes writes itself; a single connection
		// avoids SQLITE_BUSY under concurrent sessions.
		db.SetMaxOpenConns(1)
		k.db = db
		return nil
	default:
		return kerrors.New(kerrors.CodeConfiguration, "unknown storage driver: "+cfg.Driver, nil)
	}
}

func (k *Kernel) buildProviders(cfg *config.Config) error {
	if k.Provider == nil {
		switch strings.ToLower(cfg.LLM.Provider) {
		case "", "ollama":
			k.Provider = llm.NewOllama(cfg.LLM.BaseURL)
		case "mock":
			k.Provider = &llm.MockProvider{Response: "ok"}
		default:
			return kerrors.New(kerrors.CodeConfiguration, "unknown llm provider: "+cfg.LLM.Provider, nil)
		}
	}
	if k.Embedder == nil {
		switch strings.ToLower(cfg.Embedding.Provider) {
		case "", "hash":
			k.Embedder = memory.NewHashEmbedder(cfg.Embedding.Dim)
		case "ollama":
			k.Embedder = ollama.NewEmbedder(cfg.Embedding.BaseURL, cfg.Embedding.Model)
		default:
			return kerrors.New(kerrors.CodeConfiguration, "unknown embedding provider: "+cfg.Embedding.Provider, nil)
		}
	}
	if k.Vector == nil {
		if cfg.Qdrant.Enabled {
			store, err := qdrant.New(cfg.Qdrant.Addr)
			if err != nil {
				return err
			}
			k.Vector = store
		} else {
			k.Vector = memory.NewInMemoryVectorStore()
		}
	}
	return nil
}

func (k *Kernel) buildSkills(ctx context.Context, cfg *config.Config) error {
	var (
		store     skill.Store
		proposals skill.ProposalStore
		ratings   skill.RatingStore
		err       error
	)
	if k.db != nil {
		if store, err = skill.NewSQLiteStore(k.db); err != nil {
			return err
		}
		if proposals, err = skill.NewSQLiteProposalStore(k.db); err != nil {
			return err
		}
		if ratings, err = skill.NewSQLiteRatingStore(k.db); err != nil {
			return err
		}
		if k.Checkpoints, err = checkpoint.NewSQLiteStore(k.db); err != nil {
			return err
		}
		if k.Approvals, err = orchestrator.NewSQLiteApprovalStore(k.db); err != nil {
			return err
		}
		if k.Conversations, err = memory.NewSQLiteConversation(memory.SQLiteConversationConfig{DB: k.db}); err != nil {
			return err
		}
	} else {
		store = skill.NewMemoryStore()
		proposals = skill.NewMemoryProposalStore()
		ratings = skill.NewMemoryRatingStore()
		k.Checkpoints = checkpoint.NewMemoryStore()
		k.Approvals = orchestrator.NewMemoryApprovalStore()
		k.Conversations = memory.NewInMemoryConversation(memory.ConversationConfig{})
	}

	collection := cfg.Qdrant.Collection
	if collection == "" {
		collection = skill.DefaultCollection
	}
	dim := cfg.Embedding.Dim
	if dim <= 0 {
		dim = 1536
	}
	service, err := skill.NewService(skill.ServiceConfig{
		Store:      store,
		Vector:     k.Vector,
		Embedder:   k.Embedder,
		Collection: collection,
		VectorSize: uint64(dim),
	})
	if err != nil {
		return err
	}
	if err := service.Initialize(ctx); err != nil {
		return err
	}
	k.Skills = service

	if cfg.Skills.SeedDir != "" {
		seeds, err := skill.LoadSeedDir(cfg.Skills.SeedDir)
		if err != nil {
			return err
		}
		created, err := service.Seed(ctx, seeds)
		if err != nil {
			return err
		}
		if created > 0 {
			slog.Info("kernel.skills.seeded", slog.Int("created", created))
		}
	}
	if cfg.Skills.EnsureDefaults {
		if _, err := service.EnsureDefaults(ctx, cfg.Skills.DefaultCategories); err != nil {
			return err
		}
	}

	k.Router = skill.NewRouter(service, skill.RouterConfig{
		ThresholdSpecific: float32(cfg.Router.ThresholdSpecific),
		ThresholdDomain:   float32(cfg.Router.ThresholdDomain),
		SearchLimit:       cfg.Router.SearchLimit,
	}, k.Metrics)

	if cfg.Evolution.Enabled {
		k.Engine = skill.NewEngine(service, proposals, k.Provider, nil, k.Metrics, skill.EngineConfig{
			QueueSize:              cfg.Evolution.QueueSize,
			InstantiationThreshold: cfg.Evolution.InstantiationThreshold,
			Model:                  cfg.LLM.Model,
			InductionInterval:      cfg.Evolution.InductionInterval(),
			InductionMinSiblings:   cfg.Evolution.InductionMinSiblings,
			InductionSimilarity:    float32(cfg.Evolution.InductionSimilarity),
		})
	}
	k.Feedback, err = skill.NewFeedbackService(ratings, service, k.Engine, skill.FeedbackConfig{
		RefineRatingThreshold: cfg.Evolution.RefineRatingThreshold,
		RefineMinRatings:      cfg.Evolution.RefineMinRatings,
	})
	return err
}

// buildTools registers configured MCP servers behind a connection pool.
// Connections are dialed lazily on first tool use, so a kernel starts
// even when a tool server is temporarily down.
func (k *Kernel) buildTools(cfg config.MCPConfig) error {
	if len(cfg.Servers) == 0 {
		return nil
	}
	toolPool := pool.New()
	registry := mcp.NewRegistry()
	for name, server := range cfg.Servers {
		spec, err := poolServerConfig(name, server)
		if err != nil {
			_ = toolPool.Close()
			return err
		}
		if err := toolPool.Register(spec); err != nil {
			_ = toolPool.Close()
			return err
		}
		if err := registry.AddServer(name, toolPool.Source(name)); err != nil {
			_ = toolPool.Close()
			return err
		}
	}
	k.toolRegistry = registry
	k.toolPool = toolPool
	k.Tools = registry

	if entries, scoped := allowlistEntries(cfg.Servers); scoped {
		allow, err := mcp.NewAllowlist(registry, entries...)
		if err != nil {
			_ = toolPool.Close()
			return err
		}
		k.Tools = allow
	}
	return nil
}

// allowlistEntries flattens per-server allowed_tools into allowlist
// entries. Servers without a list stay fully exposed; scoped is false
// when no server restricts anything, so the registry is used bare.
func allowlistEntries(servers map[string]config.MCPServerConfig) ([]string, bool) {
	var entries []string
	scoped := false
	for name, server := range servers {
		if len(server.AllowedTools) == 0 {
			entries = append(entries, name)
			continue
		}
		scoped = true
		for _, tool := range server.AllowedTools {
			entries = append(entries, name+"/"+strings.TrimSpace(tool))
		}
	}
	return entries, scoped
}

func poolServerConfig(name string, cfg config.MCPServerConfig) (pool.ServerConfig, error) {
	var opts []mcp.ClientOption
	if cfg.TimeoutSeconds != nil {
		opts = append(opts, mcp.WithTimeout(time.Duration(*cfg.TimeoutSeconds)*time.Second))
	}
	if cfg.RetryCount != nil || cfg.RetryBackoffMs != nil {
		retries, backoff := 0, time.Duration(0)
		if cfg.RetryCount != nil {
			retries = *cfg.RetryCount
		}
		if cfg.RetryBackoffMs != nil {
			backoff = time.Duration(*cfg.RetryBackoffMs) * time.Millisecond
		}
		opts = append(opts, mcp.WithRetry(retries, backoff))
	}

	spec := pool.ServerConfig{
		Name:            name,
		ProtocolVersion: cfg.ProtocolVersion,
		ClientOptions:   opts,
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Transport)) {
	case "", "stdio":
		if strings.TrimSpace(cfg.Command) == "" {
			return spec, kerrors.New(kerrors.CodeConfiguration,
				fmt.Sprintf("mcp server %q missing command", name), nil)
		}
		spec.Type = pool.ServerTypeStdio
		spec.Command = cfg.Command
		spec.Args = cfg.Args
	case "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return spec, kerrors.New(kerrors.CodeConfiguration,
				fmt.Sprintf("mcp server %q missing url", name), nil)
		}
		spec.Type = pool.ServerTypeHTTP
		spec.URL = cfg.URL
	default:
		return spec, kerrors.New(kerrors.CodeConfiguration,
			fmt.Sprintf("mcp server %q has unsupported transport %q", name, cfg.Transport), nil)
	}
	return spec, nil
}

func (k *Kernel) registerBuiltins(enabled []string) error {
	for _, name := range enabled {
		if k.Plugins.Has(name) {
			continue
		}
		p, err := BuiltinPlugin(name)
		if err != nil {
			return err
		}
		if err := k.Plugins.Register(p); err != nil {
			return err
		}
	}
	return nil
}
