package core

import (
	"context"
	"time"
)

// EventType identifies a lifecycle event emitted by the kernel.
type EventType string

const (
	EventStepStarted   EventType = "step_started"
	EventStepEnded     EventType = "step_ended"
	EventToolStarted   EventType = "tool_started"
	EventToolEnded     EventType = "tool_ended"
	EventTokenStreamed EventType = "token_streamed"
	EventCustomSignal  EventType = "custom_signal"
)

// Reserved custom signal names. The router emits SignalSkillUsage after every
// resolved route; the evolution engine emits SignalSkillEvolution once per
// committed mutation.
const (
	SignalSkillUsage     = "skill_usage"
	SignalSkillEvolution = "skill_evolution"
)

// Event is one entry of the ordered per-invocation stream. Seq is assigned by
// the stream at publish time and is strictly monotonic per invocation.
type Event struct {
	Type      EventType      `json:"event_type"`
	StepName  string         `json:"step_name,omitempty"`
	Signal    string         `json:"signal,omitempty"`
	RunID     string         `json:"run_id"`
	ThreadID  string         `json:"thread_id"`
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EventEmitter receives kernel events. Emit must preserve call order for a
// given thread; implementations may block to apply backpressure.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEventEmitter is a default no-op implementation.
type NoopEventEmitter struct{}

// Emit implements EventEmitter.
func (NoopEventEmitter) Emit(_ context.Context, _ Event) {}

// NewEvent builds an event with the current timestamp.
func NewEvent(eventType EventType, stepName string, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		StepName:  stepName,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// NewSignal builds a custom_signal event carrying the given signal name.
func NewSignal(signal string, payload map[string]any) Event {
	event := NewEvent(EventCustomSignal, "", payload)
	event.Signal = signal
	return event
}
