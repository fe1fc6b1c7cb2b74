// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
	"github.com/kelicblan/seerlord-ai/pkg/flow"
)

// FlowPlugin executes a declarative graph per task. The request is
// injected into the state's Values before the run, and the final node's
// output becomes the result text.
type FlowPlugin struct {
	desc     Descriptor
	graph    *flow.Graph
	executor *flow.Executor
	timeout  time.Duration
}

// NewFlow creates a plugin backed by a flow graph. The graph is
// validated at construction so wiring errors surface at startup, not
// on the first dispatched task.
func NewFlow(id string, graph *flow.Graph, opts ...Option) (*FlowPlugin, error) {
	if id == "" {
		return nil, kerrors.New(kerrors.CodeConfiguration, "plugin id is required", nil)
	}
	if graph == nil {
		return nil, kerrors.New(kerrors.CodeConfiguration, "plugin graph is required: "+id, nil)
	}
	if err := graph.Validate(); err != nil {
		return nil, kerrors.New(kerrors.CodeConfiguration, "plugin graph is invalid: "+id, err)
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	executor := flow.NewExecutor(o.handlers)
	executor.HandlersByID = o.handlersByID
	executor.MaxSteps = o.maxSteps
	return &FlowPlugin{
		desc: Descriptor{
			ID:                   id,
			Description:          o.description,
			Capabilities:         o.capabilities,
			CritiqueInstructions: o.critique,
		},
		graph:    graph,
		executor: executor,
		timeout:  o.timeout,
	}, nil
}

// Descriptor implements Plugin.
func (p *FlowPlugin) Descriptor() Descriptor { return p.desc }

// Graph returns the plugin's graph, for inspection tooling.
func (p *FlowPlugin) Graph() *flow.Graph { return p.graph }

// Execute implements Plugin by running the graph to completion.
func (p *FlowPlugin) Execute(ctx context.Context, req Request) (*Result, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	state := flow.NewState()
	state.Values["thread_id"] = req.ThreadID
	state.Values["task_id"] = req.TaskID
	state.Values["action"] = req.Action
	state.Values["input"] = req.Input
	state.Values["feedback"] = req.Feedback
	if len(req.Params) > 0 {
		state.Values["params"] = req.Params
	}
	if req.Tools != nil {
		state.Values["tools"] = req.Tools
	}
	final, err := p.executor.Execute(ctx, p.graph, state)
	if err != nil {
		if _, ok := flow.AsInterrupt(err); ok {
			// Suspension belongs to the orchestrator loop; a plugin
			// graph that interrupts is miswired.
			return nil, kerrors.New(kerrors.CodeConfiguration, "plugin flow interrupted: "+p.desc.ID, err)
		}
		return nil, err
	}
	return &Result{Output: resultText(final.Last), Data: final.Outputs}, nil
}

func resultText(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}

var _ Plugin = (*FlowPlugin)(nil)
