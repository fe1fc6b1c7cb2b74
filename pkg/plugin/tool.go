// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"

	"github.com/kelicblan/seerlord-ai/pkg/core"
	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
	"github.com/kelicblan/seerlord-ai/pkg/flow"
)

// ToolHandler returns a flow handler that runs the dispatched task
// through one MCP tool. The dispatcher injects the tool provider into
// the flow state; a graph that uses tools on a kernel without tool
// servers is a wiring error. Resolution failures propagate as-is so
// the critic's retry path sees the typed error.
func ToolHandler(server, name string) flow.Handler {
	return func(ctx context.Context, _ flow.Node, state *flow.State) (any, error) {
		provider, _ := state.Values["tools"].(core.ToolProvider)
		if provider == nil {
			return nil, kerrors.New(kerrors.CodeConfiguration,
				"no tool provider wired for "+server+"/"+name, nil)
		}
		tool, err := provider.Tool(ctx, server, name)
		if err != nil {
			return nil, err
		}

		args := make(map[string]any)
		if action, ok := state.Values["action"].(string); ok && action != "" {
			args["action"] = action
		}
		if input, ok := state.Values["input"].(string); ok && input != "" {
			args["input"] = input
		}
		if feedback, ok := state.Values["feedback"].(string); ok && feedback != "" {
			args["feedback"] = feedback
		}
		if params, ok := state.Values["params"].(map[string]any); ok {
			for k, v := range params {
				args[k] = v
			}
		}
		return tool.Call(ctx, args)
	}
}
