// Package bus provides the per-invocation event stream. The kernel is
// the only producer for a stream; SSE handlers, the CLI and tests
// consume it.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kelicblan/seerlord-ai/pkg/core"
)

// DefaultBuffer is the channel capacity used when none is configured.
const DefaultBuffer = 64

// ErrStreamClosed is returned by Publish after Close.
var ErrStreamClosed = errors.New("event stream closed")

// Stream is a bounded FIFO event channel for one invocation. Publish
// assigns strictly monotonic sequence numbers and blocks when the
// buffer is full, so order is preserved end to end. Publish and Close
// may race: the evolution worker emits on a run's stream from its own
// goroutine, so closure is signalled through an internal done channel
// and the consumer channel is closed only after in-flight publishes
// have left the send.
type Stream struct {
	runID    string
	threadID string
	ch       chan core.Event
	done     chan struct{}

	mu       sync.Mutex
	seq      int64
	inflight sync.WaitGroup

	closeOnce sync.Once
}

// NewStream creates a stream for one invocation.
func NewStream(runID, threadID string, buffer int) *Stream {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Stream{
		runID:    runID,
		threadID: threadID,
		ch:       make(chan core.Event, buffer),
		done:     make(chan struct{}),
	}
}

// RunID returns the invocation run id.
func (s *Stream) RunID() string { return s.runID }

// ThreadID returns the session thread id.
func (s *Stream) ThreadID() string { return s.threadID }

// Publish stamps the event (seq, run/thread ids, timestamp) and
// delivers it. Blocks under backpressure until the consumer drains,
// ctx is canceled or the stream closes; a publish still blocked when
// Close lands returns ErrStreamClosed and its event is dropped.
func (s *Stream) Publish(ctx context.Context, event core.Event) error {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return ErrStreamClosed
	default:
	}
	s.seq++
	event.Seq = s.seq
	event.RunID = s.runID
	event.ThreadID = s.threadID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	// Registered under the same mutex that Close uses to signal done,
	// so Close always waits for this send to resolve.
	s.inflight.Add(1)
	defer s.inflight.Done()
	s.mu.Unlock()

	select {
	case s.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStreamClosed
	}
}

// Events returns the receive side of the stream. It is closed by Close.
func (s *Stream) Events() <-chan core.Event {
	return s.ch
}

// Close ends the stream. Publishes in flight, including ones blocked
// on a full buffer, unblock with ErrStreamClosed; the events channel
// is closed exactly once, after the last of them has returned.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()
		s.inflight.Wait()
		close(s.ch)
	})
}

// Emitter adapts a Stream to the core.EventEmitter interface. Publish
// failures (canceled consumer, closed stream) are dropped: emission
// must never fail the kernel run.
type Emitter struct {
	Stream *Stream
}

// Emit implements core.EventEmitter.
func (e Emitter) Emit(ctx context.Context, event core.Event) {
	if e.Stream == nil {
		return
	}
	_ = e.Stream.Publish(ctx, event)
}

// Drain consumes the stream until it closes and returns all events.
// Intended for tests and the CLI run command.
func Drain(stream *Stream) []core.Event {
	var events []core.Event
	for event := range stream.Events() {
		events = append(events, event)
	}
	return events
}

var _ core.EventEmitter = Emitter{}
