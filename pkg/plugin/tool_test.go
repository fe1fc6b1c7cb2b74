package plugin

import (
	"context"
	"fmt"
	"testing"

	"github.com/kelicblan/seerlord-ai/pkg/core"
	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
	"github.com/kelicblan/seerlord-ai/pkg/flow"
)

type stubTool struct {
	name string
	fn   func(ctx context.Context, input any) (any, error)
}

func (s *stubTool) Name() string { return s.name }

func (s *stubTool) Call(ctx context.Context, input any) (any, error) { return s.fn(ctx, input) }

type stubToolProvider struct {
	tools map[string]core.Tool
}

func (s *stubToolProvider) Tool(_ context.Context, server, name string) (core.Tool, error) {
	tool, ok := s.tools[server+"/"+name]
	if !ok {
		return nil, kerrors.New(kerrors.CodeNotFound, "tool not found: "+server+"/"+name, nil)
	}
	return tool, nil
}

func searchGraph(t *testing.T) *FlowPlugin {
	t.Helper()
	p, err := NewFlow("research", &flow.Graph{
		ID:    "research",
		Start: "search",
		Nodes: map[string]flow.Node{"search": {Type: "tool"}},
	}, WithNodeHandler("tool", ToolHandler("web", "search")))
	if err != nil {
		t.Fatalf("new flow: %v", err)
	}
	return p
}

func TestToolHandlerCallsTool(t *testing.T) {
	var seen map[string]any
	provider := &stubToolProvider{tools: map[string]core.Tool{
		"web/search": &stubTool{name: "search", fn: func(_ context.Context, input any) (any, error) {
			seen = input.(map[string]any)
			return fmt.Sprintf("results for %v", seen["action"]), nil
		}},
	}}

	res, err := searchGraph(t).Execute(context.Background(), Request{
		ThreadID: "t1",
		TaskID:   1,
		Action:   "find recent papers",
		Input:    "what changed in battery chemistry",
		Params:   map[string]any{"limit": 5},
		Tools:    provider,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Output != "results for find recent papers" {
		t.Fatalf("unexpected output: %q", res.Output)
	}
	if seen["input"] != "what changed in battery chemistry" {
		t.Fatalf("input not passed: %v", seen)
	}
	if seen["limit"] != 5 {
		t.Fatalf("params not merged: %v", seen)
	}
}

func TestToolHandlerWithoutProvider(t *testing.T) {
	_, err := searchGraph(t).Execute(context.Background(), Request{Action: "find papers"})
	if !kerrors.IsCode(err, kerrors.CodeConfiguration) {
		t.Fatalf("expected configuration error without a provider, got %v", err)
	}
}

func TestToolHandlerResolutionErrorPropagates(t *testing.T) {
	provider := &stubToolProvider{tools: map[string]core.Tool{}}
	_, err := searchGraph(t).Execute(context.Background(), Request{
		Action: "find papers",
		Tools:  provider,
	})
	if !kerrors.IsCode(err, kerrors.CodeNotFound) {
		t.Fatalf("expected not-found error from the provider, got %v", err)
	}
}
