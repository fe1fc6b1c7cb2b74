// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/kelicblan/seerlord-ai/pkg/mcp"
)

// Source is a mcp.ToolSource view over one pooled server. Each call
// acquires a pooled connection and releases it when done, so the tool
// registry never holds a connection between tasks.
type Source struct {
	pool   *Pool
	server string
}

// Source returns a tool-source view of a registered server.
func (p *Pool) Source(server string) *Source {
	return &Source{pool: p, server: server}
}

// ListTools implements mcp.ToolSource.
func (s *Source) ListTools(ctx context.Context) ([]mcpgo.Tool, error) {
	client, err := s.pool.Get(ctx, s.server)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(s.server, client)
	return client.ListTools(ctx)
}

// CallTool implements mcp.ToolCaller.
func (s *Source) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcpgo.CallToolResult, error) {
	client, err := s.pool.Get(ctx, s.server)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(s.server, client)
	return client.CallTool(ctx, name, args)
}

var _ mcp.ToolSource = (*Source)(nil)
