// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kelicblan/seerlord-ai/pkg/bus"
	"github.com/kelicblan/seerlord-ai/pkg/core"
	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
	"github.com/kelicblan/seerlord-ai/pkg/memory"
	"github.com/kelicblan/seerlord-ai/pkg/orchestrator"
)

// Terminal SSE frame types, appended after the kernel's own events.
const (
	frameRunResult = "run_result"
	frameRunError  = "run_error"
)

type invokeBody struct {
	ThreadID string `json:"thread_id"`
	Input    string `json:"input"`
	Mode     string `json:"mode,omitempty"`
}

type resumeBody struct {
	ThreadID string     `json:"thread_id"`
	Decision string     `json:"decision"`
	Reason   string     `json:"reason,omitempty"`
	PlanEdit *core.Plan `json:"plan_edit,omitempty"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var body invokeBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(body.ThreadID) == "" {
		writeError(w, kerrors.New(kerrors.CodeInvalidInput, "thread_id is required", nil))
		return
	}
	if strings.TrimSpace(body.Input) == "" {
		writeError(w, kerrors.New(kerrors.CodeInvalidInput, "input is required", nil))
		return
	}

	s.recordMessage(r.Context(), body.ThreadID, "user", body.Input)
	req := orchestrator.InvokeRequest{ThreadID: body.ThreadID, Input: body.Input, Mode: body.Mode}
	s.streamRun(w, r, body.ThreadID, func(ctx context.Context, stream *bus.Stream) (*orchestrator.RunResult, error) {
		return s.kernel.Orchestrator.Invoke(ctx, req, stream)
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var body resumeBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(body.ThreadID) == "" {
		writeError(w, kerrors.New(kerrors.CodeInvalidInput, "thread_id is required", nil))
		return
	}

	req := orchestrator.ResumeRequest{
		ThreadID: body.ThreadID,
		Decision: body.Decision,
		Reason:   body.Reason,
		PlanEdit: body.PlanEdit,
	}
	s.streamRun(w, r, body.ThreadID, func(ctx context.Context, stream *bus.Stream) (*orchestrator.RunResult, error) {
		return s.kernel.Orchestrator.Resume(ctx, req, stream)
	})
}

// streamRun executes one kernel run while forwarding its event stream
// as SSE frames, then appends a terminal run_result or run_error
// frame. The kernel closes the stream, which ends the forwarding loop.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, threadID string,
	run func(ctx context.Context, stream *bus.Stream) (*orchestrator.RunResult, error)) {

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, kerrors.New(kerrors.CodeInternal, "streaming not supported", nil))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, runID := core.EnsureRunID(r.Context())
	stream := bus.NewStream(runID, threadID, s.kernel.Config.Orchestrator.EventBuffer)

	type outcome struct {
		result *orchestrator.RunResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := run(ctx, stream)
		done <- outcome{result, err}
	}()

	sse := sseWriter{w: w, f: flusher}
	for event := range stream.Events() {
		if err := sse.send(event); err != nil {
			// Client went away; the run finishes on its own and
			// checkpoints as usual.
			slog.Debug("sse client disconnected", slog.String("thread_id", threadID))
			<-done
			return
		}
	}

	out := <-done
	if out.err != nil {
		kerr := kerrors.AsError(out.err)
		_ = sse.send(map[string]any{
			"event_type": frameRunError,
			"thread_id":  threadID,
			"error":      kerr,
		})
		return
	}
	if out.result.FinalAnswer != "" {
		s.recordMessage(r.Context(), threadID, "assistant", out.result.FinalAnswer)
	}
	_ = sse.send(map[string]any{
		"event_type": frameRunResult,
		"thread_id":  threadID,
		"result":     out.result,
	})
}

// recordMessage appends one turn to the thread's conversation history.
// History is best effort; a storage failure must not fail the run.
func (s *Server) recordMessage(ctx context.Context, threadID, role, content string) {
	if s.kernel.Conversations == nil {
		return
	}
	err := s.kernel.Conversations.AppendMessage(ctx, threadID, memory.ConversationMessage{
		ID:        uuid.NewString(),
		SessionID: threadID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("conversation append failed",
			slog.String("thread_id", threadID),
			slog.String("role", role),
			slog.String("error", err.Error()))
	}
}

type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s sseWriter) send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}
