// SPDX-License-Identifier: Apache-2.0

package skill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kelicblan/seerlord-ai/pkg/core"
	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
	"github.com/kelicblan/seerlord-ai/pkg/llm"
	"github.com/kelicblan/seerlord-ai/pkg/telemetry"
)

// EvolutionAgentID is recorded as the acting agent on history entries
// written by the engine.
const EvolutionAgentID = "evolution_engine"

// Evolution rule names, used in logs, metrics and change descriptions.
const (
	RuleInstantiation = "instantiation"
	RuleRefinement    = "refinement"
	RuleInduction     = "induction"
)

// Observation is one execution outcome reported to the engine.
type Observation struct {
	ThreadID string
	Query    string
	SkillID  string
	Subject  string
	Success  bool
	Feedback string

	// Emitter, when set, receives the skill_evolution signal for
	// mutations this observation triggers. Emissions after the
	// originating stream closed are dropped, which is fine: evolution
	// is asynchronous by contract.
	Emitter core.EventEmitter
}

// EngineConfig tunes the evolution engine.
type EngineConfig struct {
	// QueueSize bounds the observation queue; defaults to 128.
	QueueSize int
	// InstantiationThreshold is the number of successful domain-skill
	// uses on the same subject before a specific child is created.
	// Defaults to 3.
	InstantiationThreshold int
	// Model names the LLM used for refinement rewrites.
	Model string
	// InductionInterval enables the periodic induction scan when > 0.
	InductionInterval time.Duration
	// InductionMinSiblings is the smallest cluster worth proposing a
	// parent for. Defaults to 3.
	InductionMinSiblings int
	// InductionSimilarity is the minimum pairwise similarity for
	// cluster membership. Defaults to 0.80.
	InductionSimilarity float32
}

// Engine mutates the skill tree asynchronously from execution outcomes.
// Observations flow through a bounded queue; when the queue is full the
// observation is dropped with a warning, never blocking the caller.
// A single worker applies the rules, so rule state needs no locking.
// Every failure inside the engine is logged and dropped: evolution must
// never surface on the user path.
type Engine struct {
	service   *Service
	proposals ProposalStore
	provider  llm.Provider
	emitter   core.EventEmitter
	metrics   *telemetry.KernelMetrics
	cfg       EngineConfig

	queue    chan queuedObservation
	subjects map[string]int

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

type queuedObservation struct {
	Observation
	drained chan struct{}
}

// NewEngine builds an Engine. provider may be nil, in which case
// refinement appends feedback to skill knowledge instead of rewriting
// the template. proposals may be nil to disable induction.
func NewEngine(service *Service, proposals ProposalStore, provider llm.Provider,
	emitter core.EventEmitter, metrics *telemetry.KernelMetrics, cfg EngineConfig) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.InstantiationThreshold <= 0 {
		cfg.InstantiationThreshold = 3
	}
	if cfg.InductionMinSiblings <= 0 {
		cfg.InductionMinSiblings = 3
	}
	if cfg.InductionSimilarity <= 0 {
		cfg.InductionSimilarity = 0.80
	}
	if emitter == nil {
		emitter = core.NoopEventEmitter{}
	}
	return &Engine{
		service:   service,
		proposals: proposals,
		provider:  provider,
		emitter:   emitter,
		metrics:   metrics,
		cfg:       cfg,
		queue:     make(chan queuedObservation, cfg.QueueSize),
		subjects:  make(map[string]int),
		done:      make(chan struct{}),
	}
}

// Start launches the worker. Idempotent.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		go e.run(ctx)
	})
}

// Stop cancels the worker and waits for it to exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
			<-e.done
		}
	})
}

// Enqueue hands an observation to the engine without blocking. Returns
// false when the queue is full and the observation was dropped.
func (e *Engine) Enqueue(obs Observation) bool {
	select {
	case e.queue <- queuedObservation{Observation: obs}:
		return true
	default:
		slog.Warn("evolution queue full, observation dropped",
			slog.String("skill_id", obs.SkillID),
			slog.String("thread_id", obs.ThreadID))
		return false
	}
}

// Drain blocks until every observation enqueued before the call has
// been processed. Intended for tests and orderly shutdown.
func (e *Engine) Drain(ctx context.Context) error {
	drained := make(chan struct{})
	select {
	case e.queue <- queuedObservation{drained: drained}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	var tick <-chan time.Time
	if e.cfg.InductionInterval > 0 && e.proposals != nil {
		ticker := time.NewTicker(e.cfg.InductionInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case obs := <-e.queue:
			if obs.drained != nil {
				close(obs.drained)
				continue
			}
			e.process(ctx, obs.Observation)
		case <-tick:
			if _, err := e.RunInduction(ctx); err != nil {
				e.dropped(RuleInduction, "", err)
			}
		}
	}
}

// process applies the evolution rules to one observation.
func (e *Engine) process(ctx context.Context, obs Observation) {
	sk, err := e.service.Get(ctx, obs.SkillID)
	if err != nil {
		e.dropped("observe", obs.SkillID, err)
		return
	}
	switch {
	case sk.Level == LevelDomain && obs.Success && strings.TrimSpace(obs.Subject) != "":
		e.maybeInstantiate(ctx, sk, obs)
	case sk.Level == LevelSpecific && strings.TrimSpace(obs.Feedback) != "":
		e.refine(ctx, sk, obs)
	}
}

// maybeInstantiate creates a specific child once a domain skill has
// succeeded often enough on the same subject.
func (e *Engine) maybeInstantiate(ctx context.Context, domain *Skill, obs Observation) {
	key := domain.ID + "\x00" + Slug(obs.Subject)
	e.subjects[key]++
	if e.subjects[key] < e.cfg.InstantiationThreshold {
		return
	}

	name := childName(domain, obs.Subject)
	if _, err := e.service.GetByName(ctx, name); err == nil {
		delete(e.subjects, key)
		return
	}

	child := domain.Clone()
	child.ID = ""
	child.Name = name
	child.Description = fmt.Sprintf("Specialization of %s for %s", domain.Name, obs.Subject)
	child.Level = LevelSpecific
	child.ParentID = domain.ID
	child.Content.PromptTemplate = RenderTemplate(domain.Content.PromptTemplate,
		map[string]string{"subject": obs.Subject})
	child.Content.ChildNameTemplate = ""
	child.Tags = append(child.Tags, "derived")

	change := fmt.Sprintf("instantiated from domain skill %s for subject %q", domain.Name, obs.Subject)
	created, err := e.service.Create(ctx, child, EvolutionAgentID, change)
	if err != nil {
		e.metrics.RecordEvolution(ctx, RuleInstantiation, false)
		e.dropped(RuleInstantiation, domain.ID, err)
		return
	}
	delete(e.subjects, key)
	e.metrics.RecordEvolution(ctx, RuleInstantiation, true)
	e.committed(ctx, obs, created, RuleInstantiation, change)
}

// refine rewrites a specific skill from corrective feedback. With a
// provider the template is rewritten; without one the feedback is
// appended to the skill's knowledge. The update is optimistic and
// retried once on version conflict.
func (e *Engine) refine(ctx context.Context, sk *Skill, obs Observation) {
	newTemplate := ""
	if e.provider != nil {
		rewritten, err := e.rewriteTemplate(ctx, sk, obs.Feedback)
		if err != nil {
			slog.Warn("refinement rewrite failed, appending feedback instead",
				slog.String("skill", sk.Name),
				slog.String("error", err.Error()))
		} else {
			newTemplate = rewritten
		}
	}

	change := fmt.Sprintf("refined from corrective feedback on thread %s", obs.ThreadID)
	apply := func(target *Skill) *Skill {
		next := target.Clone()
		if newTemplate != "" {
			next.Content.PromptTemplate = newTemplate
		} else {
			next.Content.Knowledge = append(next.Content.Knowledge, "Correction: "+strings.TrimSpace(obs.Feedback))
		}
		return next
	}

	updated := apply(sk)
	_, err := e.service.Update(ctx, updated, sk.Version, EvolutionAgentID, change)
	if errors.Is(err, ErrVersionConflict) {
		fresh, gerr := e.service.Get(ctx, sk.ID)
		if gerr != nil {
			err = gerr
		} else {
			updated = apply(fresh)
			_, err = e.service.Update(ctx, updated, fresh.Version, EvolutionAgentID, change)
		}
	}
	if err != nil {
		e.metrics.RecordEvolution(ctx, RuleRefinement, false)
		e.dropped(RuleRefinement, sk.ID, err)
		return
	}
	e.metrics.RecordEvolution(ctx, RuleRefinement, true)
	e.committed(ctx, obs, updated, RuleRefinement, change)
}

func (e *Engine) rewriteTemplate(ctx context.Context, sk *Skill, feedback string) (string, error) {
	resp, err := e.provider.Generate(ctx, llm.ChatRequest{
		Model: e.cfg.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You maintain a library of prompt templates. " +
				"Rewrite the template below so it addresses the user's correction. " +
				"Keep every {placeholder} intact. Reply with the improved template only."},
			{Role: llm.RoleUser, Content: fmt.Sprintf("Template:\n%s\n\nCorrection:\n%s",
				sk.Content.PromptTemplate, feedback)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return "", fmt.Errorf("empty rewrite")
	}
	return out, nil
}

// committed logs and signals a successful mutation.
func (e *Engine) committed(ctx context.Context, obs Observation, sk *Skill, rule, change string) {
	slog.Info("skill evolved",
		slog.String("rule", rule),
		slog.String("skill", sk.Name),
		slog.Int("version", sk.Version))
	emitter := obs.Emitter
	if emitter == nil {
		emitter = e.emitter
	}
	emitter.Emit(ctx, core.NewSignal(core.SignalSkillEvolution, map[string]any{
		"skill_id":   sk.ID,
		"skill_name": sk.Name,
		"change":     rule + ": " + change,
	}))
}

// dropped logs an evolution failure that is intentionally not
// propagated anywhere.
func (e *Engine) dropped(rule, skillID string, err error) {
	evoErr := kerrors.New(kerrors.CodeEvolution, "evolution "+rule+" failed", err)
	slog.Warn("evolution failure dropped",
		slog.String("rule", rule),
		slog.String("skill_id", skillID),
		slog.String("error", evoErr.Error()))
}

// childName derives a specific child's name from the domain skill's
// template ("learn_{subject}") or from the domain name itself.
func childName(domain *Skill, subject string) string {
	slug := Slug(subject)
	if domain.Content.ChildNameTemplate != "" {
		return Slug(RenderTemplate(domain.Content.ChildNameTemplate, map[string]string{"subject": slug}))
	}
	return domain.Name + "_" + slug
}
