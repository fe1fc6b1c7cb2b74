package runtime

import (
	"context"
	"strings"
	"testing"

	"github.com/kelicblan/seerlord-ai/pkg/bus"
	"github.com/kelicblan/seerlord-ai/pkg/config"
	"github.com/kelicblan/seerlord-ai/pkg/core"
	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
	"github.com/kelicblan/seerlord-ai/pkg/llm"
	"github.com/kelicblan/seerlord-ai/pkg/mcp"
	"github.com/kelicblan/seerlord-ai/pkg/orchestrator"
	"github.com/kelicblan/seerlord-ai/pkg/skill"
)

// memoryConfig is the smallest configuration that wires a complete
// kernel without touching disk or the network.
func memoryConfig() *config.Config {
	return &config.Config{
		LLM:       config.LLMConfig{Provider: "mock", Model: "test-model", MaxRetries: 1, TimeoutSeconds: 5},
		Embedding: config.EmbeddingConfig{Provider: "hash", Dim: 64},
		Storage:   config.StorageConfig{Driver: "memory"},
		Orchestrator: config.OrchestratorConfig{
			MaxRetriesPerTask:    2,
			MaxReplansPerSession: 1,
			MaxTransitions:       64,
			EventBuffer:          64,
			Approval:             config.ApprovalConfig{TTLSeconds: 3600},
		},
		Router: config.RouterConfig{ThresholdSpecific: 0.85, ThresholdDomain: 0.70, SearchLimit: 3},
		Evolution: config.EvolutionConfig{
			Enabled:                true,
			InstantiationThreshold: 1,
			QueueSize:              16,
			InductionMinSiblings:   3,
			InductionSimilarity:    0.8,
			RefineRatingThreshold:  3,
			RefineMinRatings:       3,
		},
		Skills:  config.SkillsConfig{EnsureDefaults: true, DefaultCategories: []string{"general"}},
		Plugins: config.PluginsConfig{Enabled: []string{PluginCalculator, PluginEcho}},
	}
}

func newKernel(t *testing.T, cfg *config.Config, opts ...Option) *Kernel {
	t.Helper()
	k, err := New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("new kernel: %v", err)
	}
	t.Cleanup(func() { _ = k.Close(context.Background()) })
	return k
}

func invokeCollect(t *testing.T, k *Kernel, req orchestrator.InvokeRequest) (*orchestrator.RunResult, []core.Event, error) {
	t.Helper()
	ctx, runID := core.EnsureRunID(context.Background())
	stream := bus.NewStream(runID, req.ThreadID, 64)
	done := make(chan []core.Event, 1)
	go func() { done <- bus.Drain(stream) }()
	result, err := k.Orchestrator.Invoke(ctx, req, stream)
	return result, <-done, err
}

func TestNewWiresMemoryKernel(t *testing.T) {
	k := newKernel(t, memoryConfig(), WithProvider(&llm.MockProvider{Response: "ok"}))

	if k.Skills == nil || k.Router == nil || k.Engine == nil || k.Feedback == nil {
		t.Fatal("skill stack not wired")
	}
	if k.Orchestrator == nil || k.Checkpoints == nil || k.Approvals == nil || k.Conversations == nil {
		t.Fatal("orchestration stack not wired")
	}
	for _, id := range []string{PluginCalculator, PluginEcho} {
		if !k.Plugins.Has(id) {
			t.Fatalf("builtin %q not registered", id)
		}
	}

	// EnsureDefaults guarantees the meta fallback before the kernel is
	// handed out.
	meta, err := k.Skills.MetaSkill(context.Background(), "general")
	if err != nil {
		t.Fatalf("meta skill: %v", err)
	}
	if meta.Level != skill.LevelMeta {
		t.Fatalf("meta level = %d", meta.Level)
	}

	k.Start()
	k.Start() // idempotent
}

func TestNewRequiresConfig(t *testing.T) {
	if _, err := New(context.Background(), nil); !kerrors.IsCode(err, kerrors.CodeConfiguration) {
		t.Fatalf("err = %v, want configuration error", err)
	}
}

func TestNewRejectsUnknownDrivers(t *testing.T) {
	cases := map[string]func(*config.Config){
		"storage":   func(c *config.Config) { c.Storage.Driver = "etcd" },
		"llm":       func(c *config.Config) { c.LLM.Provider = "gpt-9" },
		"embedding": func(c *config.Config) { c.Embedding.Provider = "word2vec" },
		"builtin":   func(c *config.Config) { c.Plugins.Enabled = []string{"ghost"} },
	}
	for name, tweak := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := memoryConfig()
			tweak(cfg)
			if _, err := New(context.Background(), cfg); !kerrors.IsCode(err, kerrors.CodeConfiguration) {
				t.Fatalf("err = %v, want configuration error", err)
			}
		})
	}
}

func TestNewRejectsMisconfiguredMCPServer(t *testing.T) {
	cfg := memoryConfig()
	cfg.MCP.Servers = map[string]config.MCPServerConfig{
		"files": {Transport: "stdio"}, // no command
	}
	if _, err := New(context.Background(), cfg, WithProvider(&llm.MockProvider{Response: "ok"})); !kerrors.IsCode(err, kerrors.CodeConfiguration) {
		t.Fatalf("err = %v, want configuration error", err)
	}
}

func TestBuildToolsAppliesAllowlist(t *testing.T) {
	cfg := memoryConfig()
	cfg.MCP.Servers = map[string]config.MCPServerConfig{
		"files": {Transport: "stdio", Command: "mcp-files", AllowedTools: []string{"read"}},
		"web":   {Transport: "http", URL: "http://localhost:9999/mcp"},
	}
	k := newKernel(t, cfg, WithProvider(&llm.MockProvider{Response: "ok"}))

	allow, ok := k.Tools.(*mcp.Allowlist)
	if !ok {
		t.Fatalf("tools = %T, want allowlist", k.Tools)
	}
	if !allow.Allows("files", "read") || allow.Allows("files", "write") {
		t.Fatal("files scope not applied")
	}
	// A server without allowed_tools stays fully exposed.
	if !allow.Allows("web", "search") {
		t.Fatal("unscoped server was restricted")
	}
}

func TestBuildToolsSkipsAllowlistWithoutScopes(t *testing.T) {
	cfg := memoryConfig()
	cfg.MCP.Servers = map[string]config.MCPServerConfig{
		"files": {Transport: "stdio", Command: "mcp-files"},
	}
	k := newKernel(t, cfg, WithProvider(&llm.MockProvider{Response: "ok"}))
	if _, ok := k.Tools.(*mcp.Registry); !ok {
		t.Fatalf("tools = %T, want the bare registry", k.Tools)
	}
}

func TestSQLiteStorageDefaultsPath(t *testing.T) {
	cfg := memoryConfig()
	cfg.Storage = config.StorageConfig{Driver: "sqlite", Path: t.TempDir() + "/kernel.db"}

	k := newKernel(t, cfg, WithProvider(&llm.MockProvider{Response: "ok"}))
	if k.db == nil {
		t.Fatal("sqlite storage not opened")
	}

	// A second kernel over the same file must see the first one's meta
	// skill instead of duplicating it.
	k2 := newKernel(t, cfg, WithProvider(&llm.MockProvider{Response: "ok"}))
	metas, err := k2.Skills.List(context.Background(), skill.ListFilter{Level: skill.LevelMeta, Category: "general"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(metas) != 1 {
		t.Fatalf("meta skills = %d, want 1", len(metas))
	}
}

func TestKernelRunsCalculatorPlan(t *testing.T) {
	provider := &llm.MockProvider{GenerateFunc: func(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		var system string
		if len(req.Messages) > 0 {
			system = req.Messages[0].Content
		}
		switch {
		case strings.Contains(system, "planning component"):
			return &llm.ChatResponse{Content: `{"tasks":[{"action":"compute 12*12","target":"calculator"}]}`}, nil
		case strings.Contains(system, "quality critic"):
			return &llm.ChatResponse{Content: `{"satisfactory":true,"verdict":"pass","feedback":""}`}, nil
		default:
			return &llm.ChatResponse{Content: "done"}, nil
		}
	}}
	k := newKernel(t, memoryConfig(), WithProvider(provider))
	k.Start()

	result, events, err := invokeCollect(t, k, orchestrator.InvokeRequest{ThreadID: "t1", Input: "what is 12*12?"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.State != core.StateEnd || result.FinalAnswer != "144" {
		t.Fatalf("result = %+v", result)
	}

	// Only the meta fallback exists, so the router reports a fallback
	// and the run proceeds through planning.
	routed := false
	for _, e := range events {
		if e.Type == core.EventCustomSignal && e.Signal == "skill_usage" {
			routed = true
		}
	}
	if !routed {
		t.Fatal("skill_usage signal not emitted")
	}
}
