package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/kelicblan/seerlord-ai/pkg/core"
	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
	"github.com/kelicblan/seerlord-ai/pkg/orchestrator"
	"github.com/kelicblan/seerlord-ai/pkg/skill"
)

// actingAgent tags skill mutations made through the admin API.
const actingAgent = "operator"

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	filter := skill.ListFilter{Category: r.URL.Query().Get("category")}
	if level := r.URL.Query().Get("level"); level != "" {
		parsed, err := strconv.Atoi(level)
		if err != nil {
			writeError(w, kerrors.New(kerrors.CodeInvalidInput, "invalid level: "+level, nil))
			return
		}
		filter.Level = parsed
	}
	skills, err := s.kernel.Skills.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"skills": skills})
}

func (s *Server) handleCreateSkill(w http.ResponseWriter, r *http.Request) {
	var sk skill.Skill
	if err := decodeJSON(r, &sk); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.kernel.Skills.Create(r.Context(), &sk, actingAgent, "authored via api")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	sk, err := s.kernel.Skills.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sk)
}

func (s *Server) handleDeleteSkill(w http.ResponseWriter, r *http.Request) {
	if err := s.kernel.Skills.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSkillHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.kernel.Skills.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	history, err := s.kernel.Skills.History(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

type feedbackBody struct {
	ThreadID string `json:"thread_id,omitempty"`
	SkillID  string `json:"skill_id"`
	Rating   int    `json:"rating"`
	Comment  string `json:"comment,omitempty"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var body feedbackBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	average, err := s.kernel.Feedback.Submit(r.Context(), skill.Rating{
		SkillID:  body.SkillID,
		ThreadID: body.ThreadID,
		Rating:   body.Rating,
		Comment:  body.Comment,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"skill_id":       body.SkillID,
		"average_rating": average,
	})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	filter := orchestrator.ApprovalFilter{Status: r.URL.Query().Get("status")}
	records, err := s.kernel.Approvals.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": records})
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	if s.kernel.Engine == nil {
		writeJSON(w, http.StatusOK, map[string]any{"proposals": []any{}})
		return
	}
	status := skill.ProposalStatus(r.URL.Query().Get("status"))
	proposals, err := s.kernel.Engine.ListProposals(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": proposals})
}

// handleInduct runs one induction pass synchronously and reports how
// many proposals it created.
func (s *Server) handleInduct(w http.ResponseWriter, r *http.Request) {
	if s.kernel.Engine == nil {
		writeError(w, kerrors.New(kerrors.CodeUnavailable, "evolution engine disabled", nil))
		return
	}
	created, err := s.kernel.Engine.RunInduction(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals_created": created})
}

func (s *Server) handleResolveProposal(w http.ResponseWriter, r *http.Request) {
	if s.kernel.Engine == nil {
		writeError(w, kerrors.New(kerrors.CodeUnavailable, "evolution engine disabled", nil))
		return
	}
	value := r.PathValue("id")
	switch {
	case strings.HasSuffix(value, ":confirm"):
		id := strings.TrimSuffix(value, ":confirm")
		created, err := s.kernel.Engine.ConfirmProposal(r.Context(), id, actingAgent)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, created)
	case strings.HasSuffix(value, ":reject"):
		id := strings.TrimSuffix(value, ":reject")
		if err := s.kernel.Engine.RejectProposal(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	results, overall := s.health.CheckAll(r.Context())
	for _, result := range results {
		s.errMetrics.RecordHealthStatus(r.Context(), result.Component, healthGaugeValue(result.Status))
	}
	status := http.StatusOK
	if overall == core.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status": overall,
		"checks": results,
	})
}

func healthGaugeValue(status core.HealthStatus) int64 {
	switch status {
	case core.HealthUnhealthy:
		return 0
	case core.HealthDegraded:
		return 1
	default:
		return 2
	}
}
