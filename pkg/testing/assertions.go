// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"fmt"

	"github.com/kelicblan/seerlord-ai/pkg/core"
)

// StepsStarted returns step names in the order they started.
func StepsStarted(events []core.Event) []string {
	var steps []string
	for _, event := range events {
		if event.Type == core.EventStepStarted {
			steps = append(steps, event.StepName)
		}
	}
	return steps
}

// CountSteps counts step_started events for the named step.
func CountSteps(events []core.Event, step string) int {
	count := 0
	for _, event := range events {
		if event.Type == core.EventStepStarted && event.StepName == step {
			count++
		}
	}
	return count
}

// SignalCount counts custom_signal events with the given name.
func SignalCount(events []core.Event, signal string) int {
	count := 0
	for _, event := range events {
		if event.Type == core.EventCustomSignal && event.Signal == signal {
			count++
		}
	}
	return count
}

// FindSignal returns the first custom_signal with the given name.
func FindSignal(events []core.Event, signal string) (core.Event, bool) {
	for _, event := range events {
		if event.Type == core.EventCustomSignal && event.Signal == signal {
			return event, true
		}
	}
	return core.Event{}, false
}

// StreamedText concatenates token_streamed payload content in order.
func StreamedText(events []core.Event) string {
	var out string
	for _, event := range events {
		if event.Type != core.EventTokenStreamed {
			continue
		}
		if content, ok := event.Payload["content"].(string); ok {
			out += content
		}
	}
	return out
}

// CheckOrdered verifies that sequence numbers are strictly increasing
// and every event carries a run ID.
func CheckOrdered(events []core.Event) error {
	var last int64
	for i, event := range events {
		if i > 0 && event.Seq <= last {
			return fmt.Errorf("event %d: seq %d after %d", i, event.Seq, last)
		}
		last = event.Seq
		if event.RunID == "" {
			return fmt.Errorf("event %d: missing run_id", i)
		}
	}
	return nil
}
