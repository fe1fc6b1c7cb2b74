package flow_test

import (
	"context"
	"fmt"

	"github.com/kelicblan/seerlord-ai/pkg/flow"
)

func ExampleExecutor() {
	graph := &flow.Graph{
		Start: "start",
		Nodes: map[string]flow.Node{
			"start": {ID: "start", Type: "echo", Input: "hello"},
			"end":   {ID: "end", Type: "echo", Input: "done"},
		},
		Edges: []flow.Edge{{From: "start", To: "end"}},
	}

	executor := flow.NewExecutor(map[string]flow.Handler{
		"echo": func(_ context.Context, node flow.Node, _ *flow.State) (any, error) {
			return node.Input, nil
		},
	})

	state, err := executor.Execute(context.Background(), graph, nil)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(state.Last)
	// Output: done
}
