// SPDX-License-Identifier: Apache-2.0

// Package server exposes the kernel over HTTP+JSON. Agent invocations
// stream their event bus as server-sent events; the admin surface
// (skills, feedback, approvals, proposals) is plain JSON. Errors are
// written as application/problem+json bodies.
package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kelicblan/seerlord-ai/pkg/core"
	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
	"github.com/kelicblan/seerlord-ai/pkg/orchestrator"
	"github.com/kelicblan/seerlord-ai/pkg/runtime"
	"github.com/kelicblan/seerlord-ai/pkg/skill"
	"github.com/kelicblan/seerlord-ai/pkg/telemetry"
)

// Server routes HTTP requests to a wired kernel.
type Server struct {
	kernel     *runtime.Kernel
	health     *core.HealthRegistry
	errMetrics *telemetry.ErrorMetrics
	mux        *http.ServeMux
}

// New builds the HTTP surface over the kernel and registers its
// component health checks.
func New(kernel *runtime.Kernel) *Server {
	s := &Server{
		kernel: kernel,
		health: core.NewHealthRegistry(),
		mux:    http.NewServeMux(),
	}
	// Metric methods are nil-safe, so a meter failure just leaves the
	// health gauge unrecorded.
	if em, err := telemetry.NewErrorMetrics(context.Background()); err == nil {
		s.errMetrics = em
	}
	s.routes()
	s.registerHealthChecks()
	return s
}

// Health exposes the registry so callers can add their own checkers.
func (s *Server) Health() *core.HealthRegistry { return s.health }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/agent/invoke", s.handleInvoke)
	s.mux.HandleFunc("POST /v1/agent/resume", s.handleResume)

	s.mux.HandleFunc("GET /v1/skills", s.handleListSkills)
	s.mux.HandleFunc("POST /v1/skills", s.handleCreateSkill)
	s.mux.HandleFunc("GET /v1/skills/{id}", s.handleGetSkill)
	s.mux.HandleFunc("DELETE /v1/skills/{id}", s.handleDeleteSkill)
	s.mux.HandleFunc("GET /v1/skills/{id}/history", s.handleSkillHistory)

	s.mux.HandleFunc("POST /v1/feedback", s.handleFeedback)
	s.mux.HandleFunc("GET /v1/approvals", s.handleListApprovals)

	s.mux.HandleFunc("GET /v1/proposals", s.handleListProposals)
	s.mux.HandleFunc("POST /v1/proposals", s.handleInduct)
	// The path value carries the verb suffix: /v1/proposals/<id>:confirm.
	s.mux.HandleFunc("POST /v1/proposals/{id}", s.handleResolveProposal)

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
}

// ListenAndServe runs the server until ctx is canceled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("http server listening", slog.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerHealthChecks() {
	s.health.Register("skills", core.HealthCheckerFunc(func(ctx context.Context) core.HealthResult {
		metas, err := s.kernel.Skills.List(ctx, skill.ListFilter{Level: skill.LevelMeta})
		switch {
		case err != nil:
			return core.HealthResult{Status: core.HealthUnhealthy, Message: err.Error()}
		case len(metas) == 0:
			return core.HealthResult{Status: core.HealthDegraded, Message: "no meta fallback skill"}
		}
		return core.HealthResult{Status: core.HealthHealthy}
	}))
	s.health.Register("approvals", core.HealthCheckerFunc(func(ctx context.Context) core.HealthResult {
		if _, err := s.kernel.Approvals.List(ctx, orchestrator.ApprovalFilter{Limit: 1}); err != nil {
			return core.HealthResult{Status: core.HealthUnhealthy, Message: err.Error()}
		}
		return core.HealthResult{Status: core.HealthHealthy}
	}))
}

func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return kerrors.New(kerrors.CodeInvalidInput, "reading request body", err)
	}
	if len(body) == 0 {
		return kerrors.New(kerrors.CodeInvalidInput, "empty request body", nil)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return kerrors.New(kerrors.CodeInvalidInput, "decoding request body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError renders err as application/problem+json using the status
// code carried by the error taxonomy.
func writeError(w http.ResponseWriter, err error) {
	kerr := kerrors.AsError(err)
	detail := kerr.Message
	if kerr.Err != nil {
		detail += ": " + kerr.Err.Error()
	}
	body := map[string]any{
		"type":   "about:blank",
		"title":  string(kerr.Code),
		"detail": detail,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(kerr.StatusCode)
	_ = json.NewEncoder(w).Encode(body)
}
