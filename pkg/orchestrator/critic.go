// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kelicblan/seerlord-ai/pkg/core"
	"github.com/kelicblan/seerlord-ai/pkg/llm"
	"github.com/kelicblan/seerlord-ai/pkg/plugin"
	"github.com/kelicblan/seerlord-ai/pkg/resilience"
)

// Critic verdicts.
const (
	VerdictPass   = "pass"
	VerdictRetry  = "retry"
	VerdictReplan = "replan"
)

// Verdict is the critic's judgement of one task execution.
type Verdict struct {
	Satisfactory bool   `json:"satisfactory"`
	Verdict      string `json:"verdict"`
	Feedback     string `json:"feedback"`
}

var verdictSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"satisfactory": map[string]any{"type": "boolean"},
		"verdict":      map[string]any{"type": "string", "enum": []string{VerdictPass, VerdictRetry, VerdictReplan}},
		"feedback":     map[string]any{"type": "string"},
	},
	"required": []string{"satisfactory", "verdict"},
}

const criticSystemPrompt = `You are the quality critic of a task orchestrator.
Judge whether the plugin output below accomplishes the task.

Verdicts:
- "pass": the output accomplishes the task.
- "retry": the output is wrong or incomplete but the same plugin could succeed
  with another attempt. Give actionable feedback.
- "replan": the task itself is misdirected; the plan needs to change. Give
  feedback the planner can act on.

Respond with JSON only, matching the schema you were given.`

// Critic judges plugin outputs. It degrades to a pass when its own LLM
// call fails or returns garbage: a broken critic must not stall the
// session.
type Critic struct {
	caller  *caller
	plugins *plugin.Registry
}

// NewCritic creates a critic over the registry.
func NewCritic(caller *caller, plugins *plugin.Registry) *Critic {
	return &Critic{caller: caller, plugins: plugins}
}

// Review judges one execution. Execution failures and empty outputs
// are retry verdicts without consulting the model.
func (c *Critic) Review(ctx context.Context, task core.Task, output string, execErr error) *Verdict {
	if execErr != nil {
		return &Verdict{
			Verdict:  VerdictRetry,
			Feedback: "plugin failed: " + execErr.Error(),
		}
	}
	if strings.TrimSpace(output) == "" {
		return &Verdict{
			Verdict:  VerdictRetry,
			Feedback: "plugin produced no output",
		}
	}

	system := criticSystemPrompt
	if p, err := c.plugins.Get(task.Target); err == nil {
		if instructions := p.Descriptor().CritiqueInstructions; instructions != "" {
			system += "\n\nPlugin-specific standard:\n" + instructions
		}
	}

	// The critic never fails the run: a dead or garbled model degrades
	// to a pass verdict.
	value, _ := resilience.WithFallback(ctx, func() (interface{}, error) {
		resp, err := c.caller.generate(ctx, llm.ChatRequest{
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: system},
				{Role: llm.RoleUser, Content: fmt.Sprintf("Task: %s\n\nOutput:\n%s", task.Action, output)},
			},
			Temperature:    0,
			ResponseSchema: verdictSchema,
		})
		if err != nil {
			slog.Warn("kernel.critic.degraded", slog.String("error", err.Error()))
			c.caller.recovered(ctx, err)
			return nil, err
		}
		var verdict Verdict
		if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &verdict); err != nil {
			slog.Warn("kernel.critic.unparseable", slog.String("content", truncate(resp.Content, 200)))
			c.caller.recovered(ctx, err)
			return nil, err
		}
		return &verdict, nil
	}, &resilience.StaticFallback{Value: &Verdict{Satisfactory: true, Verdict: VerdictPass}})

	verdict := value.(*Verdict)
	switch verdict.Verdict {
	case VerdictPass, VerdictRetry, VerdictReplan:
	default:
		verdict.Verdict = VerdictPass
		verdict.Satisfactory = true
	}
	return verdict
}
