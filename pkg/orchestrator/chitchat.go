// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"strings"

	"github.com/kelicblan/seerlord-ai/pkg/llm"
)

const chitchatSystemPrompt = `You are a helpful, concise assistant. Answer the
user directly in their language. Do not mention plugins, plans or internal
machinery.`

// Responder handles conversational tasks that need no plugin. Output
// streams token by token through the emit callback.
type Responder struct {
	caller *caller
}

// NewResponder creates the conversational responder.
func NewResponder(caller *caller) *Responder {
	return &Responder{caller: caller}
}

// Respond streams an answer for the input. The planner's task action,
// when it carries more than a generic instruction, steers the answer.
func (r *Responder) Respond(ctx context.Context, input, action string, emit func(string)) (string, error) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: chitchatSystemPrompt},
		{Role: llm.RoleUser, Content: input},
	}
	if action != "" && !strings.Contains(action, input) {
		messages[0].Content += "\n\nInstruction for this turn: " + action
	}

	var sb strings.Builder
	err := r.caller.stream(ctx, llm.ChatRequest{Messages: messages}, func(token llm.Token) error {
		if token.Content != "" {
			sb.WriteString(token.Content)
			if emit != nil {
				emit(token.Content)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}
