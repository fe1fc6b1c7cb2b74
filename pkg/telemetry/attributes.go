// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides OpenTelemetry integration with rich attributes
// for kernel observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic conventions for Seerlord kernel telemetry.
// These follow OpenTelemetry naming conventions where applicable.
const (
	// Session attributes
	AttrSessionThread = "seerlord.session.thread_id"
	AttrSessionRunID  = "seerlord.session.run_id"
	AttrSessionState  = "seerlord.session.state"
	AttrSessionMode   = "seerlord.session.mode"
	AttrSessionStep   = "seerlord.session.step_index"

	// Transition attributes
	AttrTransitionFrom = "seerlord.transition.from"
	AttrTransitionTo   = "seerlord.transition.to"

	// Plan/Task attributes
	AttrPlanSource    = "seerlord.plan.source"
	AttrPlanTaskCount = "seerlord.plan.task_count"
	AttrTaskID        = "seerlord.task.id"
	AttrTaskAction    = "seerlord.task.action"
	AttrTaskTarget    = "seerlord.task.target"
	AttrTaskStatus    = "seerlord.task.status"
	AttrTaskAttempts  = "seerlord.task.attempts"

	// Skill attributes
	AttrSkillID       = "seerlord.skill.id"
	AttrSkillName     = "seerlord.skill.name"
	AttrSkillLevel    = "seerlord.skill.level"
	AttrSkillCategory = "seerlord.skill.category"
	AttrSkillVersion  = "seerlord.skill.version"

	// Router attributes
	AttrRouterLevel     = "seerlord.router.level"
	AttrRouterScore     = "seerlord.router.score"
	AttrRouterThreshold = "seerlord.router.threshold"
	AttrRouterFallback  = "seerlord.router.fallback"

	// Evolution attributes
	AttrEvolutionKind   = "seerlord.evolution.kind"
	AttrEvolutionSkill  = "seerlord.evolution.skill_id"
	AttrEvolutionChange = "seerlord.evolution.change"

	// Tool attributes
	AttrToolName       = "seerlord.tool.name"
	AttrToolServer     = "seerlord.tool.server"
	AttrToolDurationMs = "seerlord.tool.duration_ms"
	AttrToolSuccess    = "seerlord.tool.success"

	// Plugin attributes
	AttrPluginName = "seerlord.plugin.name"

	// Approval attributes
	AttrApprovalID     = "seerlord.approval.id"
	AttrApprovalStatus = "seerlord.approval.status"

	// LLM attributes (extending standard gen_ai conventions)
	AttrLLMModel        = "gen_ai.request.model"
	AttrLLMProvider     = "gen_ai.system"
	AttrLLMMessages     = "gen_ai.request.messages"
	AttrLLMTokensInput  = "gen_ai.usage.input_tokens"
	AttrLLMTokensOutput = "gen_ai.usage.output_tokens"
	AttrLLMTokensTotal  = "gen_ai.usage.total_tokens"
	AttrLLMDurationMs   = "gen_ai.duration_ms"
	AttrLLMFinishReason = "gen_ai.finish_reason"

	// Event attributes
	AttrEventType   = "seerlord.event.type"
	AttrEventSignal = "seerlord.event.signal"
	AttrEventSeq    = "seerlord.event.seq"
)

// SessionAttributes returns common attributes for kernel session spans.
func SessionAttributes(threadID, runID, state, mode string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrSessionThread, threadID),
	}
	if runID != "" {
		attrs = append(attrs, attribute.String(AttrSessionRunID, runID))
	}
	if state != "" {
		attrs = append(attrs, attribute.String(AttrSessionState, state))
	}
	if mode != "" {
		attrs = append(attrs, attribute.String(AttrSessionMode, mode))
	}
	return attrs
}

// TransitionAttributes returns attributes for a state transition span.
func TransitionAttributes(from, to string, stepIndex int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrTransitionFrom, from),
		attribute.String(AttrTransitionTo, to),
		attribute.Int(AttrSessionStep, stepIndex),
	}
}

// PlanAttributes returns attributes describing a generated plan.
func PlanAttributes(source string, taskCount int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int(AttrPlanTaskCount, taskCount),
	}
	if source != "" {
		attrs = append(attrs, attribute.String(AttrPlanSource, source))
	}
	return attrs
}

// TaskAttributes returns attributes for task tracking.
func TaskAttributes(id int, action, target, status string, attempts int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int(AttrTaskID, id),
	}
	if action != "" {
		// Truncate long actions
		if len(action) > 200 {
			action = action[:200] + "..."
		}
		attrs = append(attrs, attribute.String(AttrTaskAction, action))
	}
	if target != "" {
		attrs = append(attrs, attribute.String(AttrTaskTarget, target))
	}
	if status != "" {
		attrs = append(attrs, attribute.String(AttrTaskStatus, status))
	}
	if attempts > 0 {
		attrs = append(attrs, attribute.Int(AttrTaskAttempts, attempts))
	}
	return attrs
}

// SkillAttributes returns attributes for skill spans.
func SkillAttributes(id, name string, level int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{}
	if id != "" {
		attrs = append(attrs, attribute.String(AttrSkillID, id))
	}
	if name != "" {
		attrs = append(attrs, attribute.String(AttrSkillName, name))
	}
	if level > 0 {
		attrs = append(attrs, attribute.Int(AttrSkillLevel, level))
	}
	return attrs
}

// RouterAttributes returns attributes for a routing decision.
func RouterAttributes(level int, score, threshold float64, fallback bool) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int(AttrRouterLevel, level),
		attribute.Bool(AttrRouterFallback, fallback),
	}
	if score > 0 {
		attrs = append(attrs, attribute.Float64(AttrRouterScore, score))
	}
	if threshold > 0 {
		attrs = append(attrs, attribute.Float64(AttrRouterThreshold, threshold))
	}
	return attrs
}

// EvolutionAttributes returns attributes for skill evolution spans.
func EvolutionAttributes(kind, skillID, change string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrEvolutionKind, kind),
	}
	if skillID != "" {
		attrs = append(attrs, attribute.String(AttrEvolutionSkill, skillID))
	}
	if change != "" {
		attrs = append(attrs, attribute.String(AttrEvolutionChange, change))
	}
	return attrs
}

// ToolCallAttributes returns attributes for a tool call span.
func ToolCallAttributes(name, server string, durationMs float64, success bool) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrToolName, name),
		attribute.Float64(AttrToolDurationMs, durationMs),
		attribute.Bool(AttrToolSuccess, success),
	}
	if server != "" {
		attrs = append(attrs, attribute.String(AttrToolServer, server))
	}
	return attrs
}

// LLMAttributes returns attributes for LLM call spans.
func LLMAttributes(model, provider string, msgCount int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrLLMModel, model),
		attribute.Int(AttrLLMMessages, msgCount),
	}
	if provider != "" {
		attrs = append(attrs, attribute.String(AttrLLMProvider, provider))
	}
	return attrs
}

// LLMUsageAttributes returns token usage attributes.
func LLMUsageAttributes(inputTokens, outputTokens int, durationMs float64, finishReason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{}
	if inputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensInput, inputTokens))
	}
	if outputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensOutput, outputTokens))
	}
	if inputTokens > 0 || outputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensTotal, inputTokens+outputTokens))
	}
	if durationMs > 0 {
		attrs = append(attrs, attribute.Float64(AttrLLMDurationMs, durationMs))
	}
	if finishReason != "" {
		attrs = append(attrs, attribute.String(AttrLLMFinishReason, finishReason))
	}
	return attrs
}

// ApprovalAttributes returns attributes for approval lifecycle spans.
func ApprovalAttributes(id, status string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{}
	if id != "" {
		attrs = append(attrs, attribute.String(AttrApprovalID, id))
	}
	if status != "" {
		attrs = append(attrs, attribute.String(AttrApprovalStatus, status))
	}
	return attrs
}

// EventAttributes returns attributes for emitted stream events.
func EventAttributes(eventType, signal string, seq int64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrEventType, eventType),
	}
	if signal != "" {
		attrs = append(attrs, attribute.String(AttrEventSignal, signal))
	}
	if seq > 0 {
		attrs = append(attrs, attribute.Int64(AttrEventSeq, seq))
	}
	return attrs
}
