// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/kelicblan/seerlord-ai/pkg/llm"
)

// ScriptedProvider is an llm.Provider for kernel tests. Responses are
// routed by the calling component, recognized by its system prompt, so
// one provider can serve the planner, the critic and conversational
// calls of a single run. Every request is captured for inspection.
type ScriptedProvider struct {
	mu       sync.Mutex
	rules    []scriptRule
	fallback string
	requests []llm.ChatRequest
}

type scriptRule struct {
	match   func(req llm.ChatRequest) bool
	replies []reply
	next    int
}

type reply struct {
	content string
	err     error
}

// NewScriptedProvider creates a provider answering "ok" to anything
// not covered by a rule.
func NewScriptedProvider() *ScriptedProvider {
	return &ScriptedProvider{fallback: "ok"}
}

// PlanWith queues planner responses, returned in order; the last one
// repeats. The planner is recognized by its system prompt.
func (p *ScriptedProvider) PlanWith(planJSON ...string) *ScriptedProvider {
	return p.addSystemRule("planning component", planJSON...)
}

// CriticWith queues critic verdicts.
func (p *ScriptedProvider) CriticWith(verdictJSON ...string) *ScriptedProvider {
	return p.addSystemRule("quality critic", verdictJSON...)
}

// ChatWith sets the response for every other call: chitchat, skill
// execution and answer synthesis.
func (p *ScriptedProvider) ChatWith(content string) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback = content
	return p
}

// FailPlanner makes every planner call return err.
func (p *ScriptedProvider) FailPlanner(err error) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = append(p.rules, scriptRule{
		match:   matchSystem("planning component"),
		replies: []reply{{err: err}},
	})
	return p
}

// RespondWhen adds a custom routing rule checked before the built-in
// ones. Replies are returned in order; the last one repeats.
func (p *ScriptedProvider) RespondWhen(match func(req llm.ChatRequest) bool, contents ...string) *ScriptedProvider {
	replies := make([]reply, 0, len(contents))
	for _, content := range contents {
		replies = append(replies, reply{content: content})
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = append([]scriptRule{{match: match, replies: replies}}, p.rules...)
	return p
}

func (p *ScriptedProvider) addSystemRule(marker string, contents ...string) *ScriptedProvider {
	replies := make([]reply, 0, len(contents))
	for _, content := range contents {
		replies = append(replies, reply{content: content})
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = append(p.rules, scriptRule{match: matchSystem(marker), replies: replies})
	return p
}

func matchSystem(marker string) func(req llm.ChatRequest) bool {
	return func(req llm.ChatRequest) bool {
		return len(req.Messages) > 0 && strings.Contains(req.Messages[0].Content, marker)
	}
}

// Generate implements llm.Provider.
func (p *ScriptedProvider) Generate(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)

	for i := range p.rules {
		rule := &p.rules[i]
		if !rule.match(req) || len(rule.replies) == 0 {
			continue
		}
		r := rule.replies[rule.next]
		if rule.next < len(rule.replies)-1 {
			rule.next++
		}
		if r.err != nil {
			return nil, r.err
		}
		return &llm.ChatResponse{Content: r.content}, nil
	}
	return &llm.ChatResponse{Content: p.fallback}, nil
}

// Stream implements llm.Provider by replaying the generated response
// as a single token.
func (p *ScriptedProvider) Stream(ctx context.Context, req llm.ChatRequest, fn func(llm.Token) error) error {
	resp, err := p.Generate(ctx, req)
	if err != nil {
		return err
	}
	if resp.Content != "" {
		if err := fn(llm.Token{Content: resp.Content}); err != nil {
			return err
		}
	}
	return fn(llm.Token{Done: true, Usage: &resp.Usage})
}

// Requests returns every captured request.
func (p *ScriptedProvider) Requests() []llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.ChatRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

// CallCount returns the number of Generate calls, including streamed
// ones.
func (p *ScriptedProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// PromptsContaining returns captured user prompts containing marker.
func (p *ScriptedProvider) PromptsContaining(marker string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, req := range p.requests {
		for _, msg := range req.Messages {
			if msg.Role == llm.RoleUser && strings.Contains(msg.Content, marker) {
				out = append(out, msg.Content)
			}
		}
	}
	return out
}

// PlanJSON builds a one-task planner response.
func PlanJSON(action, target string) string {
	return fmt.Sprintf(`{"tasks":[{"action":%q,"target":%q}]}`, action, target)
}

// VerdictJSON builds a critic verdict response.
func VerdictJSON(verdict, feedback string) string {
	satisfactory := verdict == "pass"
	return fmt.Sprintf(`{"satisfactory":%t,"verdict":%q,"feedback":%q}`, satisfactory, verdict, feedback)
}
