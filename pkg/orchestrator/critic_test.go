package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kelicblan/seerlord-ai/pkg/core"
	"github.com/kelicblan/seerlord-ai/pkg/llm"
	"github.com/kelicblan/seerlord-ai/pkg/plugin"
)

func TestCriticExecutionErrorRetriesWithoutModel(t *testing.T) {
	calls := 0
	provider := &llm.MockProvider{GenerateFunc: func(_ context.Context, _ llm.ChatRequest) (*llm.ChatResponse, error) {
		calls++
		return &llm.ChatResponse{Content: "{}"}, nil
	}}
	critic := NewCritic(testCaller(provider), registryWith(t, "search"))

	verdict := critic.Review(context.Background(),
		core.Task{Action: "find articles", Target: "search"},
		"", errors.New("connection refused"))

	if calls != 0 {
		t.Fatalf("model consulted for an execution failure")
	}
	if verdict.Verdict != VerdictRetry {
		t.Fatalf("verdict = %q, want retry", verdict.Verdict)
	}
	if !strings.Contains(verdict.Feedback, "connection refused") {
		t.Fatalf("feedback = %q", verdict.Feedback)
	}
}

func TestCriticEmptyOutputRetriesWithoutModel(t *testing.T) {
	calls := 0
	provider := &llm.MockProvider{GenerateFunc: func(_ context.Context, _ llm.ChatRequest) (*llm.ChatResponse, error) {
		calls++
		return &llm.ChatResponse{Content: "{}"}, nil
	}}
	critic := NewCritic(testCaller(provider), registryWith(t, "search"))

	verdict := critic.Review(context.Background(),
		core.Task{Action: "find articles", Target: "search"}, "   ", nil)

	if calls != 0 {
		t.Fatalf("model consulted for an empty output")
	}
	if verdict.Verdict != VerdictRetry || !strings.Contains(verdict.Feedback, "no output") {
		t.Fatalf("verdict = %+v", verdict)
	}
}

func TestCriticParsesVerdicts(t *testing.T) {
	cases := map[string]struct {
		response string
		want     string
	}{
		"pass":   {`{"satisfactory":true,"verdict":"pass","feedback":""}`, VerdictPass},
		"retry":  {`{"satisfactory":false,"verdict":"retry","feedback":"cite sources"}`, VerdictRetry},
		"replan": {`{"satisfactory":false,"verdict":"replan","feedback":"wrong plugin"}`, VerdictReplan},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			critic := NewCritic(testCaller(&llm.MockProvider{Response: tc.response}), registryWith(t, "search"))
			verdict := critic.Review(context.Background(),
				core.Task{Action: "find articles", Target: "search"}, "some output", nil)
			if verdict.Verdict != tc.want {
				t.Fatalf("verdict = %q, want %q", verdict.Verdict, tc.want)
			}
		})
	}
}

func TestCriticDegradesToPassOnProviderError(t *testing.T) {
	critic := NewCritic(testCaller(&llm.FailingMockProvider{}), registryWith(t, "search"))

	verdict := critic.Review(context.Background(),
		core.Task{Action: "find articles", Target: "search"}, "some output", nil)
	if verdict.Verdict != VerdictPass || !verdict.Satisfactory {
		t.Fatalf("verdict = %+v, want degraded pass", verdict)
	}
}

func TestCriticDegradesToPassOnGarbage(t *testing.T) {
	critic := NewCritic(testCaller(&llm.MockProvider{Response: "the output seems fine to me"}),
		registryWith(t, "search"))

	verdict := critic.Review(context.Background(),
		core.Task{Action: "find articles", Target: "search"}, "some output", nil)
	if verdict.Verdict != VerdictPass {
		t.Fatalf("verdict = %q, want pass", verdict.Verdict)
	}
}

func TestCriticUnknownVerdictBecomesPass(t *testing.T) {
	critic := NewCritic(testCaller(&llm.MockProvider{
		Response: `{"satisfactory":false,"verdict":"escalate","feedback":"??"}`,
	}), registryWith(t, "search"))

	verdict := critic.Review(context.Background(),
		core.Task{Action: "find articles", Target: "search"}, "some output", nil)
	if verdict.Verdict != VerdictPass || !verdict.Satisfactory {
		t.Fatalf("verdict = %+v, want normalized pass", verdict)
	}
}

func TestCriticUsesPluginStandard(t *testing.T) {
	registry := plugin.NewRegistry()
	p, err := plugin.NewFunc("math", func(_ context.Context, _ plugin.Request) (*plugin.Result, error) {
		return &plugin.Result{Output: "42"}, nil
	}, plugin.WithCritiqueInstructions("Check the arithmetic digit by digit."))
	if err != nil {
		t.Fatalf("new plugin: %v", err)
	}
	if err := registry.Register(p); err != nil {
		t.Fatalf("register: %v", err)
	}

	provider := llm.NewScriptedMockProvider("test-model",
		`{"satisfactory":true,"verdict":"pass","feedback":""}`)
	critic := NewCritic(testCaller(provider), registry)

	critic.Review(context.Background(),
		core.Task{Action: "compute 6*7", Target: "math"}, "42", nil)

	if len(provider.Requests) != 1 {
		t.Fatalf("requests = %d", len(provider.Requests))
	}
	system := provider.Requests[0].Messages[0].Content
	if !strings.Contains(system, "digit by digit") {
		t.Fatalf("critique instructions missing: %q", system)
	}
}
