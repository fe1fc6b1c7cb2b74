package mcp

import (
	"context"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
)

type fakeSource struct {
	tools    []mcpgo.Tool
	listErr  error
	lastCall string
	closed   bool
}

func (f *fakeSource) ListTools(_ context.Context) ([]mcpgo.Tool, error) {
	return f.tools, f.listErr
}

func (f *fakeSource) CallTool(_ context.Context, name string, _ map[string]interface{}) (*mcpgo.CallToolResult, error) {
	f.lastCall = name
	return &mcpgo.CallToolResult{
		Content: []mcpgo.Content{mcpgo.TextContent{Type: "text", Text: "done"}},
	}, nil
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *fakeSource) {
	t.Helper()
	source := &fakeSource{tools: []mcpgo.Tool{
		{Name: "search"},
		{Name: "fetch"},
	}}
	registry := NewRegistry()
	if err := registry.AddServer("web", source); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	return registry, source
}

func TestRegistryResolvesTool(t *testing.T) {
	registry, source := newTestRegistry(t)

	tool, err := registry.Tool(context.Background(), "web", "search")
	if err != nil {
		t.Fatalf("Tool: %v", err)
	}
	if tool.Name() != "search" {
		t.Fatalf("unexpected tool: %q", tool.Name())
	}

	out, err := tool.Call(context.Background(), nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != "done" || source.lastCall != "search" {
		t.Fatalf("unexpected call result %v via %q", out, source.lastCall)
	}
}

func TestRegistryMissingIsNotFound(t *testing.T) {
	registry, _ := newTestRegistry(t)

	if _, err := registry.Tool(context.Background(), "ghost", "search"); !kerrors.IsCode(err, kerrors.CodeNotFound) {
		t.Fatalf("expected not-found for unknown server, got %v", err)
	}
	if _, err := registry.Tool(context.Background(), "web", "launch"); !kerrors.IsCode(err, kerrors.CodeNotFound) {
		t.Fatalf("expected not-found for unknown tool, got %v", err)
	}
}

func TestRegistryRejectsDuplicateServers(t *testing.T) {
	registry, source := newTestRegistry(t)
	if err := registry.AddServer("web", source); !kerrors.IsCode(err, kerrors.CodeConfiguration) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
}

func TestRegistryDefinitions(t *testing.T) {
	registry, _ := newTestRegistry(t)

	defs, err := registry.Definitions(context.Background(), "web")
	if err != nil {
		t.Fatalf("Definitions: %v", err)
	}
	if len(defs) != 2 || defs[0].Function.Name != "search" {
		t.Fatalf("unexpected definitions: %+v", defs)
	}
}

func TestRegistryCloseClosesSources(t *testing.T) {
	registry, source := newTestRegistry(t)
	if err := registry.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !source.closed {
		t.Fatal("source not closed")
	}
	if len(registry.Servers()) != 0 {
		t.Fatal("registry not emptied")
	}
}

func TestAllowlist(t *testing.T) {
	registry, _ := newTestRegistry(t)

	scoped, err := NewAllowlist(registry, "web/search")
	if err != nil {
		t.Fatalf("NewAllowlist: %v", err)
	}

	if _, err := scoped.Tool(context.Background(), "web", "search"); err != nil {
		t.Fatalf("allowed tool rejected: %v", err)
	}
	if _, err := scoped.Tool(context.Background(), "web", "fetch"); !kerrors.IsCode(err, kerrors.CodeNotFound) {
		t.Fatalf("expected denial as not-found, got %v", err)
	}
}

func TestAllowlistWildcard(t *testing.T) {
	registry, _ := newTestRegistry(t)

	scoped, err := NewAllowlist(registry, "web/*")
	if err != nil {
		t.Fatalf("NewAllowlist: %v", err)
	}
	if !scoped.Allows("web", "fetch") || !scoped.Allows("web", "search") {
		t.Fatal("wildcard should admit every tool on the server")
	}
	if scoped.Allows("other", "search") {
		t.Fatal("wildcard must not leak to other servers")
	}

	bare, err := NewAllowlist(registry, "web")
	if err != nil {
		t.Fatalf("NewAllowlist: %v", err)
	}
	if !bare.Allows("web", "fetch") {
		t.Fatal("bare server entry should admit every tool")
	}
}

func TestAllowlistWildcardAbsorbsNarrowEntries(t *testing.T) {
	registry, _ := newTestRegistry(t)

	scoped, err := NewAllowlist(registry, "web/search", "web/*", "web/fetch")
	if err != nil {
		t.Fatalf("NewAllowlist: %v", err)
	}
	if !scoped.Allows("web", "anything") {
		t.Fatal("wildcard should win regardless of entry order")
	}
}

func TestAllowlistRejectsMalformedEntries(t *testing.T) {
	registry, _ := newTestRegistry(t)

	if _, err := NewAllowlist(registry, "/search"); !kerrors.IsCode(err, kerrors.CodeConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := NewAllowlist(registry, "web/"); !kerrors.IsCode(err, kerrors.CodeConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := NewAllowlist(nil, "web"); !kerrors.IsCode(err, kerrors.CodeConfiguration) {
		t.Fatalf("expected configuration error for nil provider, got %v", err)
	}
}
