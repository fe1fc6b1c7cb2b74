package core

import "context"

// Tool is a callable capability, typically backed by an MCP server.
type Tool interface {
	Name() string
	Call(ctx context.Context, input any) (any, error)
}

// ToolProvider resolves tools by server and name. Absence of a tool is not
// fatal to the kernel; callers substitute a fallback.
type ToolProvider interface {
	Tool(ctx context.Context, server, name string) (Tool, error)
}
