// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSessionAttributes(t *testing.T) {
	attrs := SessionAttributes("thread-1", "run-123", "plan", "auto")

	expected := map[string]any{
		AttrSessionThread: "thread-1",
		AttrSessionRunID:  "run-123",
		AttrSessionState:  "plan",
		AttrSessionMode:   "auto",
	}

	assertAttributes(t, attrs, expected)
}

func TestTransitionAttributes(t *testing.T) {
	attrs := TransitionAttributes("plan", "dispatch", 3)

	expected := map[string]any{
		AttrTransitionFrom: "plan",
		AttrTransitionTo:   "dispatch",
		AttrSessionStep:    3,
	}

	assertAttributes(t, attrs, expected)
}

func TestTaskAttributes(t *testing.T) {
	attrs := TaskAttributes(2, "Summarize document", "web_search", "running", 1)

	expected := map[string]any{
		AttrTaskID:       2,
		AttrTaskAction:   "Summarize document",
		AttrTaskTarget:   "web_search",
		AttrTaskStatus:   "running",
		AttrTaskAttempts: 1,
	}

	assertAttributes(t, attrs, expected)
}

func TestTaskAttributes_ActionTruncation(t *testing.T) {
	longAction := string(make([]byte, 300))
	attrs := TaskAttributes(1, longAction, "", "running", 0)

	for _, attr := range attrs {
		if string(attr.Key) == AttrTaskAction {
			val := attr.Value.AsString()
			if len(val) > 204 { // 200 + "..."
				t.Errorf("action not truncated: len=%d", len(val))
			}
		}
	}
}

func TestSkillAttributes(t *testing.T) {
	attrs := SkillAttributes("sk-1", "tutorial-for-quicksort", 1)

	expected := map[string]any{
		AttrSkillID:    "sk-1",
		AttrSkillName:  "tutorial-for-quicksort",
		AttrSkillLevel: 1,
	}

	assertAttributes(t, attrs, expected)
}

func TestRouterAttributes(t *testing.T) {
	attrs := RouterAttributes(2, 0.78, 0.70, false)

	expected := map[string]any{
		AttrRouterLevel:     2,
		AttrRouterScore:     0.78,
		AttrRouterThreshold: 0.70,
		AttrRouterFallback:  false,
	}

	assertAttributes(t, attrs, expected)
}

func TestEvolutionAttributes(t *testing.T) {
	attrs := EvolutionAttributes("instantiation", "sk-9", "created from parent")

	expected := map[string]any{
		AttrEvolutionKind:   "instantiation",
		AttrEvolutionSkill:  "sk-9",
		AttrEvolutionChange: "created from parent",
	}

	assertAttributes(t, attrs, expected)
}

func TestToolCallAttributes(t *testing.T) {
	attrs := ToolCallAttributes("search", "demo", 150.5, true)

	expected := map[string]any{
		AttrToolName:       "search",
		AttrToolServer:     "demo",
		AttrToolDurationMs: 150.5,
		AttrToolSuccess:    true,
	}

	assertAttributes(t, attrs, expected)
}

func TestLLMAttributes(t *testing.T) {
	attrs := LLMAttributes("qwen2.5:7b-instruct", "ollama", 5)

	expected := map[string]any{
		AttrLLMModel:    "qwen2.5:7b-instruct",
		AttrLLMProvider: "ollama",
		AttrLLMMessages: 5,
	}

	assertAttributes(t, attrs, expected)
}

func TestLLMUsageAttributes(t *testing.T) {
	attrs := LLMUsageAttributes(100, 50, 1500.0, "stop")

	expected := map[string]any{
		AttrLLMTokensInput:  100,
		AttrLLMTokensOutput: 50,
		AttrLLMTokensTotal:  150,
		AttrLLMDurationMs:   1500.0,
		AttrLLMFinishReason: "stop",
	}

	assertAttributes(t, attrs, expected)
}

func TestApprovalAttributes(t *testing.T) {
	attrs := ApprovalAttributes("appr-1", "pending")

	expected := map[string]any{
		AttrApprovalID:     "appr-1",
		AttrApprovalStatus: "pending",
	}

	assertAttributes(t, attrs, expected)
}

func TestEventAttributes(t *testing.T) {
	attrs := EventAttributes("custom_signal", "skill_usage", 7)

	expected := map[string]any{
		AttrEventType:   "custom_signal",
		AttrEventSignal: "skill_usage",
	}

	assertAttributes(t, attrs, expected)

	for _, attr := range attrs {
		if string(attr.Key) == AttrEventSeq {
			if attr.Value.AsInt64() != 7 {
				t.Errorf("expected seq 7, got %d", attr.Value.AsInt64())
			}
		}
	}
}

// assertAttributes checks that expected key-value pairs exist in attrs
func assertAttributes(t *testing.T, attrs []attribute.KeyValue, expected map[string]any) {
	t.Helper()

	found := make(map[string]attribute.KeyValue)
	for _, attr := range attrs {
		found[string(attr.Key)] = attr
	}

	for key, expectedVal := range expected {
		attr, ok := found[key]
		if !ok {
			t.Errorf("missing attribute %s", key)
			continue
		}

		var actualVal any
		switch attr.Value.Type() {
		case attribute.STRING:
			actualVal = attr.Value.AsString()
		case attribute.INT64:
			actualVal = int(attr.Value.AsInt64())
		case attribute.FLOAT64:
			actualVal = attr.Value.AsFloat64()
		case attribute.BOOL:
			actualVal = attr.Value.AsBool()
		}

		if actualVal != expectedVal {
			t.Errorf("attribute %s: got %v, want %v", key, actualVal, expectedVal)
		}
	}
}
