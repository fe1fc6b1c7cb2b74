// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kelicblan/seerlord-ai/pkg/core"
)

// DefaultMaxSteps bounds graph execution when the executor does not set
// its own limit. Graphs may loop, so the bound is on steps, not nodes.
const DefaultMaxSteps = 256

// Handler executes a node and can update state.
type Handler func(ctx context.Context, node Node, state *State) (any, error)

// State holds data produced during graph execution. Values is a scratch
// area for cross-node data, including inputs injected on resume.
type State struct {
	Last    any
	Outputs map[string]any
	Values  map[string]any
}

// NewState creates an initialized execution state.
func NewState() *State {
	return &State{
		Outputs: make(map[string]any),
		Values:  make(map[string]any),
	}
}

// Interrupt pauses a run at the node that returned it. The executor
// hands it back to the caller, which checkpoints state and later
// re-enters the graph at the same node via ExecuteFrom.
type Interrupt struct {
	NodeID  string
	Reason  string
	Payload any
}

func (i *Interrupt) Error() string {
	return fmt.Sprintf("execution interrupted at node %q: %s", i.NodeID, i.Reason)
}

// AsInterrupt extracts an Interrupt from an executor error.
func AsInterrupt(err error) (*Interrupt, bool) {
	var intr *Interrupt
	if errors.As(err, &intr) {
		return intr, true
	}
	return nil, false
}

// Executor runs a graph using node handlers. Handlers are resolved by
// node ID first, then by node type.
type Executor struct {
	Handlers     map[string]Handler
	HandlersByID map[string]Handler

	// AuditHook receives a started event and a terminal event per
	// executed node. Optional.
	AuditHook func(ctx context.Context, event AuditEvent)

	// MaxSteps bounds the number of node executions in a single run.
	// Zero means DefaultMaxSteps.
	MaxSteps int

	tracer trace.Tracer
}

// NewExecutor creates an executor with provided handlers.
func NewExecutor(handlers map[string]Handler) *Executor {
	return &Executor{
		Handlers: handlers,
		tracer:   otel.Tracer("seerlord/flow"),
	}
}

// Execute runs the graph from its start node and returns the final state.
func (e *Executor) Execute(ctx context.Context, graph *Graph, state *State) (*State, error) {
	return e.ExecuteFrom(ctx, graph, "", state)
}

// ExecuteFrom runs the graph beginning at startID, or at the graph's
// start node when startID is empty. Used to resume interrupted runs.
func (e *Executor) ExecuteFrom(ctx context.Context, graph *Graph, startID string, state *State) (*State, error) {
	if graph == nil {
		return nil, fmt.Errorf("graph is nil")
	}
	if err := graph.Validate(); err != nil {
		return nil, err
	}
	if state == nil {
		state = NewState()
	}
	if state.Outputs == nil {
		state.Outputs = make(map[string]any)
	}
	if state.Values == nil {
		state.Values = make(map[string]any)
	}

	currentID := startID
	if currentID == "" {
		resolved, err := resolveStartNode(graph)
		if err != nil {
			return nil, err
		}
		currentID = resolved
	} else if _, ok := graph.Nodes[currentID]; !ok {
		return nil, fmt.Errorf("start node %q not found", currentID)
	}

	maxSteps := e.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	runID, _ := core.RunID(ctx)

	steps := 0
	for currentID != "" {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		steps++
		if steps > maxSteps {
			return nil, fmt.Errorf("graph %q exceeded %d steps", graph.ID, maxSteps)
		}

		node, ok := graph.Nodes[currentID]
		if !ok {
			return nil, fmt.Errorf("node %q not found", currentID)
		}

		handler := e.HandlersByID[node.ID]
		if handler == nil {
			handler = e.Handlers[node.Type]
		}
		if handler == nil {
			return nil, fmt.Errorf("no handler for node type %q", node.Type)
		}

		startedAt := time.Now().UTC()
		e.audit(ctx, AuditEvent{
			GraphID:   graph.ID,
			RunID:     runID,
			NodeID:    node.ID,
			NodeType:  node.Type,
			Status:    AuditStarted,
			StartedAt: startedAt,
		})

		nodeCtx, span := e.tracer.Start(ctx, "Flow.Node",
			trace.WithAttributes(
				attribute.String("graph.id", graph.ID),
				attribute.String("node.id", node.ID),
				attribute.String("node.type", node.Type),
			),
		)
		output, err := handler(nodeCtx, node, state)
		span.End()

		if intr, ok := AsInterrupt(err); ok {
			intr.NodeID = node.ID
			if output != nil {
				state.Outputs[node.ID] = output
				state.Last = output
			}
			e.audit(ctx, AuditEvent{
				GraphID:    graph.ID,
				RunID:      runID,
				NodeID:     node.ID,
				NodeType:   node.Type,
				Status:     AuditInterrupted,
				Output:     output,
				StartedAt:  startedAt,
				FinishedAt: time.Now().UTC(),
			})
			return state, intr
		}
		if err != nil {
			e.audit(ctx, AuditEvent{
				GraphID:    graph.ID,
				RunID:      runID,
				NodeID:     node.ID,
				NodeType:   node.Type,
				Status:     AuditFailed,
				Error:      err.Error(),
				StartedAt:  startedAt,
				FinishedAt: time.Now().UTC(),
			})
			return nil, fmt.Errorf("node %q failed: %w", node.ID, err)
		}

		state.Outputs[node.ID] = output
		state.Last = output
		e.audit(ctx, AuditEvent{
			GraphID:    graph.ID,
			RunID:      runID,
			NodeID:     node.ID,
			NodeType:   node.Type,
			Status:     AuditCompleted,
			Output:     output,
			StartedAt:  startedAt,
			FinishedAt: time.Now().UTC(),
		})

		next, err := e.nextNode(graph, currentID, state)
		if err != nil {
			return nil, err
		}
		currentID = next
	}

	return state, nil
}

// nextNode selects the outgoing edge for fromID. Conditional edges win
// in declaration order; the default edge is the fallback. No outgoing
// edges ends the run.
func (e *Executor) nextNode(graph *Graph, fromID string, state *State) (string, error) {
	var fallback string
	hasFallback := false
	conditional := 0

	for _, edge := range graph.Edges {
		if edge.From != fromID {
			continue
		}
		if isFallbackCondition(edge.Condition) {
			fallback = edge.To
			hasFallback = true
			continue
		}
		conditional++
		ok, err := evaluateCondition(edge.Condition, state)
		if err != nil {
			return "", fmt.Errorf("edge %s -> %s: %w", edge.From, edge.To, err)
		}
		if ok {
			return edge.To, nil
		}
	}

	if hasFallback {
		return fallback, nil
	}
	if conditional > 0 {
		return "", fmt.Errorf("no matching edge from %q", fromID)
	}
	return "", nil
}

func (e *Executor) audit(ctx context.Context, event AuditEvent) {
	if e.AuditHook == nil {
		return
	}
	e.AuditHook(ctx, event)
}

func resolveStartNode(graph *Graph) (string, error) {
	if graph.Start != "" {
		if _, ok := graph.Nodes[graph.Start]; !ok {
			return "", fmt.Errorf("start node %q not found", graph.Start)
		}
		return graph.Start, nil
	}

	incoming := make(map[string]int)
	for id := range graph.Nodes {
		incoming[id] = 0
	}
	for _, edge := range graph.Edges {
		incoming[edge.To]++
	}

	var candidates []string
	for id, count := range incoming {
		if count == 0 {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no start node found")
	}
	return "", fmt.Errorf("multiple start nodes found")
}
