// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kelicblan/seerlord-ai/pkg/core"
	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
	"github.com/kelicblan/seerlord-ai/pkg/llm"
	"github.com/kelicblan/seerlord-ai/pkg/plugin"
)

const plannerSystemPrompt = `You are the planning component of a task orchestrator.
Decompose the user's request into an ordered list of tasks. Each task names the
plugin that executes it. Use only the plugins listed below. For conversational
requests that need no plugin, or for parts of the request no plugin covers, use
the special target "chitchat".

Respond with JSON only, matching the schema you were given.`

// planSchema constrains planner output to an ordered task list.
var planSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"tasks": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action":    map[string]any{"type": "string"},
					"target":    map[string]any{"type": "string"},
					"rationale": map[string]any{"type": "string"},
				},
				"required": []string{"action", "target"},
			},
		},
	},
	"required": []string{"tasks"},
}

type plannedTask struct {
	Action    string `json:"action"`
	Target    string `json:"target"`
	Rationale string `json:"rationale"`
}

type plannedResponse struct {
	Tasks []plannedTask `json:"tasks"`
}

// Planner turns a request into an ordered task plan. With no plugins
// registered there is nothing to orchestrate, so it short-circuits to a
// single chitchat task without consulting the model.
type Planner struct {
	caller  *caller
	plugins *plugin.Registry
}

// NewPlanner creates a planner over the registry.
func NewPlanner(caller *caller, plugins *plugin.Registry) *Planner {
	return &Planner{caller: caller, plugins: plugins}
}

// Plan produces a plan for the input. Feedback from failed prior plans
// is folded into the prompt so the model avoids repeating the mistake.
func (p *Planner) Plan(ctx context.Context, input string, feedback []string) (*core.Plan, error) {
	descriptors := p.plugins.List()
	if len(descriptors) == 0 {
		return chitchatPlan("llm", input), nil
	}

	var sb strings.Builder
	sb.WriteString("Available plugins:\n")
	for _, d := range descriptors {
		sb.WriteString("- ")
		sb.WriteString(d.ID)
		sb.WriteString(": ")
		sb.WriteString(d.Description)
		if len(d.Capabilities) > 0 {
			sb.WriteString(" (")
			sb.WriteString(strings.Join(d.Capabilities, ", "))
			sb.WriteString(")")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nRequest: ")
	sb.WriteString(input)
	for _, note := range feedback {
		sb.WriteString("\n\n[ATTENTION] A previous plan failed. Feedback: ")
		sb.WriteString(note)
	}

	resp, err := p.caller.generate(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: plannerSystemPrompt},
			{Role: llm.RoleUser, Content: sb.String()},
		},
		Temperature:    0,
		ResponseSchema: planSchema,
	})
	if err != nil {
		return nil, err
	}

	var parsed plannedResponse
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		return nil, kerrors.New(kerrors.CodeLLMError, "unparseable plan", err).
			WithContext("content", truncate(resp.Content, 200))
	}
	if len(parsed.Tasks) == 0 {
		return chitchatPlan("llm", input), nil
	}

	tasks := make([]core.Task, 0, len(parsed.Tasks))
	for _, t := range parsed.Tasks {
		if strings.TrimSpace(t.Action) == "" || strings.TrimSpace(t.Target) == "" {
			continue
		}
		tasks = append(tasks, core.Task{
			Action:    strings.TrimSpace(t.Action),
			Target:    strings.TrimSpace(t.Target),
			Rationale: strings.TrimSpace(t.Rationale),
		})
	}
	if len(tasks) == 0 {
		return chitchatPlan("llm", input), nil
	}
	return core.NewPlan("llm", tasks...), nil
}

// ManualPlan builds the single-task plan for a forced plugin.
func (p *Planner) ManualPlan(pluginID, input string) *core.Plan {
	return core.NewPlan("manual", core.Task{
		Action: input,
		Target: pluginID,
	})
}

// FallbackPlan is used when planning itself failed: answer
// conversationally rather than failing the session.
func FallbackPlan(input string) *core.Plan {
	return chitchatPlan("fallback", input)
}

func chitchatPlan(source, input string) *core.Plan {
	return core.NewPlan(source, core.Task{
		Action: fmt.Sprintf("Respond to: %s", input),
		Target: core.TargetChitchat,
	})
}

// extractJSON strips common wrapping (markdown fences, prose margins)
// around a JSON object.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "```"); idx >= 0 {
		content = content[idx+3:]
		content = strings.TrimPrefix(content, "json")
		if end := strings.Index(content, "```"); end >= 0 {
			content = content[:end]
		}
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		content = content[start : end+1]
	}
	return strings.TrimSpace(content)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
