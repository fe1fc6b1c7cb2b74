// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kelicblan/seerlord-ai/pkg/core"
	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
	"github.com/kelicblan/seerlord-ai/pkg/llm"
)

// ToolSource lists and calls tools on one MCP server. *Client satisfies
// it, as does a pooled connection view.
type ToolSource interface {
	ToolCaller
	ListTools(ctx context.Context) ([]mcp.Tool, error)
}

// Registry resolves tools across named MCP servers and implements
// core.ToolProvider. A missing server or tool is reported as not-found:
// tool absence is not fatal to the kernel, callers substitute a
// fallback.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]ToolSource
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]ToolSource)}
}

// AddServer registers a named tool source. Duplicate names are
// rejected.
func (r *Registry) AddServer(name string, source ToolSource) error {
	if name == "" {
		return kerrors.New(kerrors.CodeConfiguration, "mcp server name is required", nil)
	}
	if source == nil {
		return kerrors.New(kerrors.CodeConfiguration, "mcp server source is required: "+name, nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sources[name]; exists {
		return kerrors.New(kerrors.CodeConfiguration, "mcp server already registered: "+name, nil)
	}
	r.sources[name] = source
	return nil
}

// Servers returns registered server names, sorted.
func (r *Registry) Servers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tool resolves one tool by server and name.
func (r *Registry) Tool(ctx context.Context, server, name string) (core.Tool, error) {
	source, err := r.source(server)
	if err != nil {
		return nil, err
	}
	tools, err := source.ListTools(ctx)
	if err != nil {
		return nil, kerrors.New(kerrors.CodeUnavailable, "listing tools on mcp server "+server, err)
	}
	for _, tool := range tools {
		if tool.Name == name {
			return NewToolAdapter(tool, source)
		}
	}
	return nil, kerrors.New(kerrors.CodeNotFound, "tool "+name+" not found on mcp server "+server, nil)
}

// Definitions returns LLM function definitions for every tool on a
// server, for planner and explain output.
func (r *Registry) Definitions(ctx context.Context, server string) ([]llm.Tool, error) {
	source, err := r.source(server)
	if err != nil {
		return nil, err
	}
	tools, err := source.ListTools(ctx)
	if err != nil {
		return nil, kerrors.New(kerrors.CodeUnavailable, "listing tools on mcp server "+server, err)
	}
	return ToolDefinitions(tools), nil
}

// Close closes every source that supports closing.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, source := range r.sources {
		if closer, ok := source.(io.Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	r.sources = make(map[string]ToolSource)
	return firstErr
}

func (r *Registry) source(server string) (ToolSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	source, ok := r.sources[server]
	if !ok {
		return nil, kerrors.New(kerrors.CodeNotFound, "mcp server not registered: "+server, nil)
	}
	return source, nil
}

var _ core.ToolProvider = (*Registry)(nil)

// Allowlist scopes a tool provider to an explicit set of tools, so each
// plugin only sees the servers and tools it was granted. Entries are
// "server/tool"; "server/*" or a bare "server" admits every tool on
// that server. A denied lookup reads as not-found, which keeps the
// caller on its usual substitute-a-fallback path.
type Allowlist struct {
	provider core.ToolProvider
	allowed  map[string]map[string]struct{}
}

// NewAllowlist wraps a provider with an entry list.
func NewAllowlist(provider core.ToolProvider, entries ...string) (*Allowlist, error) {
	if provider == nil {
		return nil, kerrors.New(kerrors.CodeConfiguration, "allowlist requires a tool provider", nil)
	}
	allowed := make(map[string]map[string]struct{})
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		server, tool, ok := strings.Cut(entry, "/")
		if server == "" {
			return nil, kerrors.New(kerrors.CodeConfiguration, "invalid allowlist entry: "+entry, nil)
		}
		if !ok || tool == "*" {
			allowed[server] = nil
			continue
		}
		if tool == "" {
			return nil, kerrors.New(kerrors.CodeConfiguration, "invalid allowlist entry: "+entry, nil)
		}
		if tools, exists := allowed[server]; exists && tools == nil {
			// Whole server already admitted.
			continue
		}
		if allowed[server] == nil {
			allowed[server] = make(map[string]struct{})
		}
		allowed[server][tool] = struct{}{}
	}
	return &Allowlist{provider: provider, allowed: allowed}, nil
}

// Allows reports whether the entry set admits server/name.
func (a *Allowlist) Allows(server, name string) bool {
	tools, ok := a.allowed[server]
	if !ok {
		return false
	}
	if tools == nil {
		return true
	}
	_, ok = tools[name]
	return ok
}

// Tool implements core.ToolProvider, denying tools outside the entry
// set.
func (a *Allowlist) Tool(ctx context.Context, server, name string) (core.Tool, error) {
	if !a.Allows(server, name) {
		return nil, kerrors.New(kerrors.CodeNotFound, "tool "+server+"/"+name+" is not in the allowlist", nil)
	}
	return a.provider.Tool(ctx, server, name)
}

var _ core.ToolProvider = (*Allowlist)(nil)
