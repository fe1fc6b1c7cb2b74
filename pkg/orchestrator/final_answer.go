// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/kelicblan/seerlord-ai/pkg/core"
	"github.com/kelicblan/seerlord-ai/pkg/llm"
)

const composerSystemPrompt = `You are the answer composer of a task orchestrator.
Several plugins produced partial results for the user's request. Merge them
into one coherent answer. Do not mention plugins, tasks or internal machinery.
Do not invent results that are not in the material below.`

// Composer produces the final answer from completed task results.
type Composer struct {
	caller *caller
}

// NewComposer creates the final-answer composer.
func NewComposer(caller *caller) *Composer {
	return &Composer{caller: caller}
}

// Compose streams the final answer. A single result passes through
// unchanged; multiple results are merged by the model. When synthesis
// fails the results are joined verbatim so the user still gets the
// work that was done.
func (c *Composer) Compose(ctx context.Context, input string, plan *core.Plan, emit func(string)) string {
	results := completedResults(plan)
	switch len(results) {
	case 0:
		return ""
	case 1:
		if emit != nil {
			emit(results[0])
		}
		return results[0]
	}

	var sb strings.Builder
	sb.WriteString("Request: ")
	sb.WriteString(input)
	sb.WriteString("\n\nResults:\n")
	for i, result := range results {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, result))
	}

	var answer strings.Builder
	err := c.caller.stream(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: composerSystemPrompt},
			{Role: llm.RoleUser, Content: sb.String()},
		},
	}, func(token llm.Token) error {
		if token.Content != "" {
			answer.WriteString(token.Content)
			if emit != nil {
				emit(token.Content)
			}
		}
		return nil
	})
	if err != nil {
		joined := strings.Join(results, "\n\n")
		if emit != nil && answer.Len() == 0 {
			emit(joined)
		}
		return joined
	}
	return answer.String()
}

func completedResults(plan *core.Plan) []string {
	if plan == nil {
		return nil
	}
	var results []string
	for i := range plan.Tasks {
		task := plan.Tasks[i]
		if task.Status == core.TaskDone && strings.TrimSpace(task.Result) != "" {
			results = append(results, task.Result)
		}
	}
	return results
}
