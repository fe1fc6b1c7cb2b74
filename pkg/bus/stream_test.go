package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kelicblan/seerlord-ai/pkg/core"
)

func TestStreamOrderingAndSeq(t *testing.T) {
	stream := NewStream("run-1", "thread-1", 8)
	ctx := context.Background()

	var consumed []core.Event
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		consumed = Drain(stream)
	}()

	names := []string{"START", "SKILL_ROUTE", "PLAN", "DISPATCH", "FINAL_ANSWER"}
	for _, name := range names {
		if err := stream.Publish(ctx, core.NewEvent(core.EventStepStarted, name, nil)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	stream.Close()
	wg.Wait()

	if len(consumed) != len(names) {
		t.Fatalf("expected %d events, got %d", len(names), len(consumed))
	}
	for i, event := range consumed {
		if event.Seq != int64(i+1) {
			t.Errorf("event %d: expected seq %d, got %d", i, i+1, event.Seq)
		}
		if event.StepName != names[i] {
			t.Errorf("event %d: expected step %q, got %q", i, names[i], event.StepName)
		}
		if event.RunID != "run-1" || event.ThreadID != "thread-1" {
			t.Errorf("event %d: ids not stamped: %+v", i, event)
		}
		if event.Timestamp.IsZero() {
			t.Errorf("event %d: timestamp not stamped", i)
		}
	}
}

func TestStreamBackpressure(t *testing.T) {
	stream := NewStream("run-1", "thread-1", 1)
	ctx := context.Background()

	if err := stream.Publish(ctx, core.NewEvent(core.EventStepStarted, "a", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	unblocked := make(chan struct{})
	go func() {
		_ = stream.Publish(ctx, core.NewEvent(core.EventStepStarted, "b", nil))
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("publish should block on full buffer")
	case <-time.After(50 * time.Millisecond):
	}

	<-stream.Events() // drain one slot
	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("publish did not unblock after drain")
	}
}

func TestStreamPublishCanceledContext(t *testing.T) {
	stream := NewStream("run-1", "thread-1", 1)
	ctx, cancel := context.WithCancel(context.Background())

	if err := stream.Publish(ctx, core.NewEvent(core.EventStepStarted, "a", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	cancel()
	if err := stream.Publish(ctx, core.NewEvent(core.EventStepStarted, "b", nil)); err == nil {
		t.Fatal("expected context error on full buffer with canceled context")
	}
}

func TestStreamCloseIdempotent(t *testing.T) {
	stream := NewStream("run-1", "thread-1", 1)
	stream.Close()
	stream.Close() // must not panic

	if err := stream.Publish(context.Background(), core.Event{}); err != ErrStreamClosed {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}

	if _, ok := <-stream.Events(); ok {
		t.Fatal("expected closed events channel")
	}
}

// A publisher blocked on a full buffer must unblock with
// ErrStreamClosed when Close lands, never panic on the closed channel.
// The evolution worker emits on a run's stream from its own goroutine
// while Invoke's deferred close races it.
func TestStreamClosePublishRace(t *testing.T) {
	stream := NewStream("run-1", "thread-1", 1)
	ctx := context.Background()

	if err := stream.Publish(ctx, core.NewEvent(core.EventStepStarted, "a", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	published := make(chan error, 1)
	go func() {
		published <- stream.Publish(ctx, core.NewEvent(core.EventStepStarted, "b", nil))
	}()
	time.Sleep(20 * time.Millisecond) // let the publisher block in the send

	stream.Close()
	select {
	case err := <-published:
		if err != ErrStreamClosed {
			t.Fatalf("expected ErrStreamClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked publish did not unblock on close")
	}

	// The consumer still sees the buffered event, then the closed channel.
	events := Drain(stream)
	if len(events) != 1 || events[0].StepName != "a" {
		t.Fatalf("unexpected events after close: %+v", events)
	}
}

// Hammer publish against close from separate goroutines; under -race
// this is the regression net for the send-on-closed-channel panic.
func TestStreamConcurrentPublishClose(t *testing.T) {
	for i := 0; i < 50; i++ {
		stream := NewStream("run-1", "thread-1", 2)
		ctx := context.Background()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 8; j++ {
				if err := stream.Publish(ctx, core.NewEvent(core.EventStepStarted, "s", nil)); err != nil {
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			Drain(stream)
		}()
		stream.Close()
		wg.Wait()
	}
}

func TestEmitterDropsFailures(t *testing.T) {
	stream := NewStream("run-1", "thread-1", 1)
	stream.Close()

	emitter := Emitter{Stream: stream}
	emitter.Emit(context.Background(), core.NewEvent(core.EventStepStarted, "a", nil)) // must not panic

	var nilEmitter Emitter
	nilEmitter.Emit(context.Background(), core.Event{})
}

func TestStreamSignalEvents(t *testing.T) {
	stream := NewStream("run-1", "thread-1", 4)
	ctx := context.Background()

	signal := core.NewSignal(core.SignalSkillUsage, map[string]any{"skill_id": "s1", "level": 1})
	if err := stream.Publish(ctx, signal); err != nil {
		t.Fatalf("publish: %v", err)
	}
	stream.Close()

	events := Drain(stream)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != core.EventCustomSignal || events[0].Signal != core.SignalSkillUsage {
		t.Fatalf("unexpected signal event: %+v", events[0])
	}
}
