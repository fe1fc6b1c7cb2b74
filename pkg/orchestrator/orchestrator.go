// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/kelicblan/seerlord-ai/pkg/bus"
	"github.com/kelicblan/seerlord-ai/pkg/checkpoint"
	"github.com/kelicblan/seerlord-ai/pkg/config"
	"github.com/kelicblan/seerlord-ai/pkg/core"
	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
	"github.com/kelicblan/seerlord-ai/pkg/flow"
	"github.com/kelicblan/seerlord-ai/pkg/llm"
	"github.com/kelicblan/seerlord-ai/pkg/plugin"
	"github.com/kelicblan/seerlord-ai/pkg/resilience"
	"github.com/kelicblan/seerlord-ai/pkg/skill"
	"github.com/kelicblan/seerlord-ai/pkg/telemetry"
)

// SignalApprovalRequired is emitted when a run suspends for approval.
const SignalApprovalRequired = "approval_required"

// Resume decisions.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

const defaultApprovalTTL = 24 * time.Hour

// Options wires an Orchestrator. Provider, Plugins and Checkpoints are
// required; Router (with its Skills service) enables the fast track,
// Evolution enables skill learning, and a nil Approvals store falls
// back to an in-memory one.
type Options struct {
	Config config.OrchestratorConfig
	LLM    config.LLMConfig

	Provider    llm.Provider
	Router      *skill.Router
	Skills      *skill.Service
	Evolution   *skill.Engine
	Plugins     *plugin.Registry
	Checkpoints checkpoint.Store
	Approvals   ApprovalStore
	Metrics     *telemetry.KernelMetrics

	// Tools is handed to plugins on every dispatched task. Nil when no
	// MCP servers are configured.
	Tools core.ToolProvider

	// PluginRetry overrides the transport-level retry around plugin
	// execution. The default is a single attempt: retries are the
	// critic's job, and stacking both would multiply executions.
	PluginRetry *resilience.RetryConfig
}

// Orchestrator owns the kernel state machine. It is safe for
// concurrent use; runs on the same thread are serialized and rejected
// rather than queued.
type Orchestrator struct {
	cfg         config.OrchestratorConfig
	router      *skill.Router
	skills      *skill.Service
	evolution   *skill.Engine
	plugins     *plugin.Registry
	checkpoints checkpoint.Store
	approvals   ApprovalStore
	metrics     *telemetry.KernelMetrics
	tools       core.ToolProvider

	caller    *caller
	planner   *Planner
	critic    *Critic
	responder *Responder
	composer  *Composer

	pluginRetry resilience.RetryConfig
	graph       *flow.Graph
	locks       *threadLocks
}

// New validates the wiring and builds the orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Provider == nil {
		return nil, kerrors.New(kerrors.CodeConfiguration, "orchestrator requires an llm provider", nil)
	}
	if opts.Plugins == nil {
		return nil, kerrors.New(kerrors.CodeConfiguration, "orchestrator requires a plugin registry", nil)
	}
	if opts.Checkpoints == nil {
		return nil, kerrors.New(kerrors.CodeConfiguration, "orchestrator requires a checkpoint store", nil)
	}
	if opts.Router != nil && opts.Skills == nil {
		return nil, kerrors.New(kerrors.CodeConfiguration, "router requires the skill service", nil)
	}

	cfg := opts.Config
	if cfg.MaxTransitions <= 0 {
		cfg.MaxTransitions = 64
	}
	if cfg.MaxRetriesPerTask < 0 {
		cfg.MaxRetriesPerTask = 0
	}
	if cfg.MaxReplansPerSession < 0 {
		cfg.MaxReplansPerSession = 0
	}

	approvals := opts.Approvals
	if approvals == nil {
		approvals = NewMemoryApprovalStore()
	}

	pluginRetry := resilience.DefaultRetryConfig().WithMaxAttempts(1)
	if opts.PluginRetry != nil {
		pluginRetry = *opts.PluginRetry
	}

	errMetrics, err := telemetry.NewErrorMetrics(context.Background())
	if err != nil {
		return nil, kerrors.New(kerrors.CodeConfiguration, "error metrics init failed", err)
	}

	caller := newCaller(opts.Provider, opts.LLM, opts.Metrics, errMetrics)
	o := &Orchestrator{
		cfg:         cfg,
		router:      opts.Router,
		skills:      opts.Skills,
		evolution:   opts.Evolution,
		plugins:     opts.Plugins,
		checkpoints: opts.Checkpoints,
		approvals:   approvals,
		metrics:     opts.Metrics,
		tools:       opts.Tools,
		caller:      caller,
		planner:     NewPlanner(caller, opts.Plugins),
		critic:      NewCritic(caller, opts.Plugins),
		responder:   NewResponder(caller),
		composer:    NewComposer(caller),
		pluginRetry: pluginRetry,
		graph:       KernelGraph(),
		locks:       newThreadLocks(),
	}
	return o, nil
}

// ApprovalStore exposes the approval store for servers and tooling.
func (o *Orchestrator) ApprovalStore() ApprovalStore { return o.approvals }

// CheckpointStore exposes the checkpoint store for servers and tooling.
func (o *Orchestrator) CheckpointStore() checkpoint.Store { return o.checkpoints }

// InvokeRequest starts or restarts a thread's conversation turn.
type InvokeRequest struct {
	ThreadID string
	Input    string
	// Mode is "auto" (default) or "manual:<plugin_id>".
	Mode string
}

// ResumeRequest resolves a suspended thread.
type ResumeRequest struct {
	ThreadID string
	// Decision is "approve" or "reject".
	Decision string
	// Reason is the operator's note, recorded on the approval.
	Reason string
	// PlanEdit, when set on an approval, replaces the suspended plan.
	// Ignored when the session already moved past the gate.
	PlanEdit *core.Plan
}

// RunResult is the terminal outcome of an Invoke or Resume call.
type RunResult struct {
	RunID       string          `json:"run_id"`
	ThreadID    string          `json:"thread_id"`
	State       core.State      `json:"state"`
	FinalAnswer string          `json:"final_answer,omitempty"`
	Suspended   bool            `json:"suspended,omitempty"`
	Approval    *ApprovalRecord `json:"approval,omitempty"`
	// Failure carries the budget error of a session that ended with a
	// failure answer. The run itself still completed.
	Failure error `json:"-"`
}

// Invoke runs one conversation turn to completion or suspension,
// publishing events to stream as it goes. The stream may be nil; it is
// closed before Invoke returns in every case.
func (o *Orchestrator) Invoke(ctx context.Context, req InvokeRequest, stream *bus.Stream) (*RunResult, error) {
	defer closeStream(stream)

	if strings.TrimSpace(req.ThreadID) == "" {
		return nil, kerrors.New(kerrors.CodeInvalidInput, "thread id is required", nil)
	}
	if strings.TrimSpace(req.Input) == "" {
		return nil, kerrors.New(kerrors.CodeInvalidInput, "input is required", nil)
	}
	mode, forced, ok := core.ParseMode(req.Mode)
	if !ok {
		return nil, kerrors.New(kerrors.CodeInvalidInput, "invalid mode: "+req.Mode, nil)
	}
	if mode == core.ModeManual {
		if _, err := o.plugins.Get(forced); err != nil {
			return nil, err
		}
	}

	if err := o.locks.acquire(req.ThreadID); err != nil {
		return nil, err
	}
	defer o.locks.release(req.ThreadID)

	ctx, runID := core.EnsureRunID(ctx)
	ctx = core.WithThreadID(ctx, req.ThreadID)
	o.metrics.RecordSession(ctx, string(mode))
	slog.Info("kernel.invoke",
		slog.String("run_id", runID),
		slog.String("thread_id", req.ThreadID),
		slog.String("mode", string(mode)))

	o.supersedePending(ctx, req.ThreadID)

	session := core.NewSession(req.ThreadID, req.Input, mode, forced)
	return o.execute(ctx, session, stream, "")
}

// Resume continues a thread suspended for approval. Replays are
// idempotent: a resolved approval's stored decision wins over the
// caller's, and a completed session returns its answer without
// re-executing anything.
func (o *Orchestrator) Resume(ctx context.Context, req ResumeRequest, stream *bus.Stream) (*RunResult, error) {
	defer closeStream(stream)

	if strings.TrimSpace(req.ThreadID) == "" {
		return nil, kerrors.New(kerrors.CodeInvalidInput, "thread id is required", nil)
	}
	if req.Decision != DecisionApprove && req.Decision != DecisionReject {
		return nil, kerrors.New(kerrors.CodeInvalidInput, "decision must be approve or reject", nil)
	}

	if err := o.locks.acquire(req.ThreadID); err != nil {
		return nil, err
	}
	defer o.locks.release(req.ThreadID)

	ctx, runID := core.EnsureRunID(ctx)
	ctx = core.WithThreadID(ctx, req.ThreadID)

	snap, err := o.checkpoints.Load(ctx, req.ThreadID)
	if err != nil {
		return nil, err
	}
	session := snap.Session

	// A session that already finished replays its outcome.
	if session.State == core.StateEnd {
		slog.Info("kernel.resume.replay",
			slog.String("run_id", runID),
			slog.String("thread_id", req.ThreadID))
		return &RunResult{
			RunID:       runID,
			ThreadID:    session.ThreadID,
			State:       session.State,
			FinalAnswer: session.FinalAnswer,
		}, nil
	}

	record, decision, err := o.resolveApproval(ctx, req)
	if err != nil {
		return nil, err
	}

	slog.Info("kernel.resume",
		slog.String("run_id", runID),
		slog.String("thread_id", req.ThreadID),
		slog.String("decision", decision))

	if decision == DecisionReject {
		reason := req.Reason
		if record != nil && record.Status == ApprovalStatusRejected && record.Reason != "" {
			reason = record.Reason
		}
		if reason == "" {
			reason = "rejected by operator"
		}
		if record != nil && record.Status == ApprovalStatusPending {
			if _, err := o.approvals.UpdateStatus(ctx, record.ID, ApprovalStatusRejected, reason); err != nil {
				return nil, err
			}
		}
		session.LastFailure = "plan rejected: " + reason
		return o.execute(ctx, session, stream, nodeFinalAnswer)
	}

	if req.PlanEdit != nil {
		if session.State == core.StateAwaitApproval {
			edited, err := o.normalizePlanEdit(req.PlanEdit)
			if err != nil {
				return nil, err
			}
			session.Plan = edited
		} else {
			slog.Warn("kernel.resume.plan_edit_ignored",
				slog.String("thread_id", req.ThreadID),
				slog.String("state", string(session.State)))
		}
	}
	if record != nil && record.Status == ApprovalStatusPending {
		if _, err := o.approvals.UpdateStatus(ctx, record.ID, ApprovalStatusApproved, req.Reason); err != nil {
			return nil, err
		}
	}
	return o.execute(ctx, session, stream, nodeDispatch)
}

// resolveApproval loads the thread's approval record and derives the
// effective decision. Expired gates reject the resume with a
// session-not-found error; already-resolved gates override the
// caller's decision.
func (o *Orchestrator) resolveApproval(ctx context.Context, req ResumeRequest) (*ApprovalRecord, string, error) {
	record, err := o.approvals.Latest(ctx, req.ThreadID)
	if err != nil {
		if kerrors.IsCode(err, kerrors.CodeNotFound) {
			slog.Warn("kernel.resume.no_approval_record",
				slog.String("thread_id", req.ThreadID))
			return nil, req.Decision, nil
		}
		return nil, "", err
	}

	switch record.Status {
	case ApprovalStatusExpired:
		return nil, "", kerrors.New(kerrors.CodeSessionNotFound, "session expired: approval "+record.ID, nil)
	case ApprovalStatusPending:
		if record.Expired(time.Now().UTC()) {
			if _, uerr := o.approvals.UpdateStatus(ctx, record.ID, ApprovalStatusExpired, "approval ttl exceeded"); uerr != nil {
				slog.Warn("kernel.approval.expire failed",
					slog.String("approval_id", record.ID),
					slog.String("error", uerr.Error()))
			}
			return nil, "", kerrors.New(kerrors.CodeSessionNotFound, "session expired: approval "+record.ID, nil)
		}
		return record, req.Decision, nil
	case ApprovalStatusApproved, ApprovalStatusRejected:
		effective := DecisionApprove
		if record.Status == ApprovalStatusRejected {
			effective = DecisionReject
		}
		if effective != req.Decision {
			slog.Warn("kernel.resume.decision_replayed",
				slog.String("approval_id", record.ID),
				slog.String("stored", record.Status),
				slog.String("requested", req.Decision))
		}
		return record, effective, nil
	default:
		return record, req.Decision, nil
	}
}

func (o *Orchestrator) normalizePlanEdit(edit *core.Plan) (*core.Plan, error) {
	if edit == nil || len(edit.Tasks) == 0 {
		return nil, kerrors.New(kerrors.CodeInvalidInput, "edited plan has no tasks", nil)
	}
	tasks := make([]core.Task, 0, len(edit.Tasks))
	for _, t := range edit.Tasks {
		action := strings.TrimSpace(t.Action)
		target := strings.TrimSpace(t.Target)
		if action == "" || target == "" {
			return nil, kerrors.New(kerrors.CodeInvalidInput, "edited task needs an action and a target", nil)
		}
		if target != core.TargetChitchat && !o.plugins.Has(target) {
			return nil, kerrors.New(kerrors.CodeInvalidInput, "edited task targets unknown plugin: "+target, nil)
		}
		tasks = append(tasks, core.Task{Action: action, Target: target, Rationale: t.Rationale})
	}
	return core.NewPlan("edited", tasks...), nil
}

// supersedePending retires a leftover pending approval when its thread
// is invoked anew: the old plan no longer reflects what would run.
func (o *Orchestrator) supersedePending(ctx context.Context, threadID string) {
	record, err := o.approvals.Latest(ctx, threadID)
	if err != nil || record.Status != ApprovalStatusPending {
		return
	}
	if _, err := o.approvals.UpdateStatus(ctx, record.ID, ApprovalStatusExpired, "superseded by new invocation"); err != nil {
		slog.Warn("kernel.approval.supersede failed",
			slog.String("approval_id", record.ID),
			slog.String("error", err.Error()))
		return
	}
	slog.Info("kernel.approval.superseded",
		slog.String("approval_id", record.ID),
		slog.String("thread_id", threadID))
}

// execute drives the graph from startNode ("" for the start node) and
// shapes the outcome. Interrupts become suspensions; other errors
// surface as-is.
func (o *Orchestrator) execute(ctx context.Context, session *core.Session, stream *bus.Stream, startNode string) (*RunResult, error) {
	emitter := bus.Emitter{Stream: stream}
	r := &run{o: o, session: session, emitter: emitter}

	exec := flow.NewExecutor(nil)
	exec.HandlersByID = r.handlers()
	exec.MaxSteps = o.cfg.MaxTransitions
	exec.AuditHook = r.audit
	_, err := exec.ExecuteFrom(ctx, o.graph, startNode, flow.NewState())
	if err != nil {
		if intr, ok := flow.AsInterrupt(err); ok {
			return o.suspend(ctx, session, emitter, intr)
		}
		return nil, err
	}

	runID, _ := core.RunID(ctx)
	return &RunResult{
		RunID:       runID,
		ThreadID:    session.ThreadID,
		State:       session.State,
		FinalAnswer: session.FinalAnswer,
		Failure:     r.failure,
	}, nil
}

// suspend persists the gate durably. Unlike per-step checkpoints, a
// failure here fails the run: a suspension that cannot be resumed
// after a restart is worse than an error the caller can retry.
func (o *Orchestrator) suspend(ctx context.Context, session *core.Session, emitter core.EventEmitter, intr *flow.Interrupt) (*RunResult, error) {
	err := o.checkpoints.Save(ctx, session.ThreadID, checkpoint.Snapshot{Session: session.Clone()})
	if err != nil {
		return nil, kerrors.New(kerrors.CodeUnavailable, "suspend checkpoint failed", err)
	}

	ttl := o.cfg.Approval.TTL()
	if ttl <= 0 {
		ttl = defaultApprovalTTL
	}
	plan, _ := intr.Payload.(*core.Plan)
	record, err := o.approvals.Create(ctx, &ApprovalRecord{
		ThreadID:     session.ThreadID,
		PlanSnapshot: plan,
		ExpiresAt:    time.Now().UTC().Add(ttl),
	})
	if err != nil {
		return nil, err
	}

	emitter.Emit(ctx, core.NewSignal(SignalApprovalRequired, map[string]any{
		"approval_id": record.ID,
		"expires_at":  record.ExpiresAt,
	}))
	slog.Info("kernel.suspended",
		slog.String("thread_id", session.ThreadID),
		slog.String("approval_id", record.ID))

	runID, _ := core.RunID(ctx)
	return &RunResult{
		RunID:     runID,
		ThreadID:  session.ThreadID,
		State:     session.State,
		Suspended: true,
		Approval:  record,
	}, nil
}

func closeStream(stream *bus.Stream) {
	if stream != nil {
		stream.Close()
	}
}
