// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/kelicblan/seerlord-ai/pkg/checkpoint"
	"github.com/kelicblan/seerlord-ai/pkg/core"
	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
	"github.com/kelicblan/seerlord-ai/pkg/flow"
	"github.com/kelicblan/seerlord-ai/pkg/llm"
	"github.com/kelicblan/seerlord-ai/pkg/plugin"
	"github.com/kelicblan/seerlord-ai/pkg/resilience"
	"github.com/kelicblan/seerlord-ai/pkg/skill"
)

// Kernel graph node IDs. Step events carry these as step names.
const (
	nodeStart         = "start"
	nodeSkillRoute    = "skill_route"
	nodeSkillExec     = "skill_exec"
	nodePlan          = "plan"
	nodeAwaitApproval = "await_approval"
	nodeDispatch      = "dispatch"
	nodePluginExec    = "plugin_exec"
	nodeChitchatExec  = "chitchat_exec"
	nodeCritic        = "critic"
	nodeProgress      = "progress"
	nodeFinalAnswer   = "final_answer"
	nodeEnd           = "end"
)

// Directives are handler outputs the graph's edge conditions match on.
const (
	dirRoute    = "route"
	dirSkill    = "skill"
	dirPlan     = "plan"
	dirApproval = "approval"
	dirDispatch = "dispatch"
	dirPlugin   = "plugin"
	dirChitchat = "chitchat"
	dirCritic   = "critic"
	dirProgress = "progress"
	dirRetry    = "retry"
	dirReplan   = "replan"
	dirFinal    = "final"
	dirEnd      = "end"
	dirDone     = "done"
)

// stateForNode maps graph nodes to the session state they establish.
var stateForNode = map[string]core.State{
	nodeStart:         core.StateStart,
	nodeSkillRoute:    core.StateSkillRoute,
	nodeSkillExec:     core.StateSkillExec,
	nodePlan:          core.StatePlan,
	nodeAwaitApproval: core.StateAwaitApproval,
	nodeDispatch:      core.StateDispatch,
	nodePluginExec:    core.StatePluginExec,
	nodeChitchatExec:  core.StateChitchatExec,
	nodeCritic:        core.StateCritic,
	nodeProgress:      core.StateProgress,
	nodeFinalAnswer:   core.StateFinalAnswer,
	nodeEnd:           core.StateEnd,
}

// KernelGraph declares the orchestration state machine. Handlers are
// bound per run; the graph itself is immutable and shared.
func KernelGraph() *flow.Graph {
	nodes := make(map[string]flow.Node, len(stateForNode))
	for id, state := range stateForNode {
		nodes[id] = flow.Node{
			ID:       id,
			Type:     id,
			Metadata: map[string]string{"state": string(state)},
		}
	}
	return &flow.Graph{
		ID:    "kernel",
		Start: nodeStart,
		Nodes: nodes,
		Edges: []flow.Edge{
			{From: nodeStart, To: nodeSkillRoute, Condition: "last==" + dirRoute},
			{From: nodeStart, To: nodePlan},

			{From: nodeSkillRoute, To: nodeSkillExec, Condition: "last==" + dirSkill},
			{From: nodeSkillRoute, To: nodePlan},

			{From: nodeSkillExec, To: nodeEnd},

			{From: nodePlan, To: nodeAwaitApproval, Condition: "last==" + dirApproval},
			{From: nodePlan, To: nodeDispatch},

			// Traversed only when a resumed run re-enters the gate;
			// approval resumes normally start directly at dispatch.
			{From: nodeAwaitApproval, To: nodeDispatch},

			{From: nodeDispatch, To: nodePluginExec, Condition: "last==" + dirPlugin},
			{From: nodeDispatch, To: nodeChitchatExec, Condition: "last==" + dirChitchat},
			{From: nodeDispatch, To: nodeFinalAnswer},

			{From: nodePluginExec, To: nodeCritic},

			{From: nodeChitchatExec, To: nodeProgress},

			{From: nodeCritic, To: nodeDispatch, Condition: "last==" + dirRetry},
			{From: nodeCritic, To: nodePlan, Condition: "last==" + dirReplan},
			{From: nodeCritic, To: nodeFinalAnswer, Condition: "last==" + dirFinal},
			{From: nodeCritic, To: nodeProgress},

			{From: nodeProgress, To: nodeDispatch},

			{From: nodeFinalAnswer, To: nodeEnd},
		},
	}
}

// run is the mutable state of one graph execution: the session being
// advanced plus data that never outlives the invocation.
type run struct {
	o       *Orchestrator
	session *core.Session
	emitter core.EventEmitter

	route      *skill.Route
	feedback   []string
	lastOutput string
	lastErr    error

	// failure holds the budget error surfaced in the run result after
	// the failure answer is composed.
	failure error
}

func (r *run) handlers() map[string]flow.Handler {
	return map[string]flow.Handler{
		nodeStart:         r.start,
		nodeSkillRoute:    r.skillRoute,
		nodeSkillExec:     r.skillExec,
		nodePlan:          r.plan,
		nodeAwaitApproval: r.awaitApproval,
		nodeDispatch:      r.dispatch,
		nodePluginExec:    r.pluginExec,
		nodeChitchatExec:  r.chitchatExec,
		nodeCritic:        r.critic,
		nodeProgress:      r.progress,
		nodeFinalAnswer:   r.finalAnswer,
		nodeEnd:           r.end,
	}
}

// enter moves the session to the node's state and counts the
// transition.
func (r *run) enter(ctx context.Context, state core.State) {
	from := r.session.State
	r.session.Touch(state)
	if from != state {
		r.o.metrics.RecordTransition(ctx, string(from), string(state))
	}
}

func (r *run) emitToken(ctx context.Context, step, content string) {
	if content == "" {
		return
	}
	r.emitter.Emit(ctx, core.NewEvent(core.EventTokenStreamed, step, map[string]any{
		"content": content,
	}))
}

func (r *run) start(ctx context.Context, _ flow.Node, _ *flow.State) (any, error) {
	r.enter(ctx, core.StateStart)
	if r.session.Mode == core.ModeManual || r.o.router == nil {
		return dirPlan, nil
	}
	return dirRoute, nil
}

// skillRoute consults the hierarchical router. A confident match goes
// to the fast track. A fallback route still fast-tracks when no
// plugins are registered: the meta skill is the only component that
// can answer. With plugins present the planner takes over.
func (r *run) skillRoute(ctx context.Context, _ flow.Node, _ *flow.State) (any, error) {
	r.enter(ctx, core.StateSkillRoute)

	route, err := r.o.router.Route(ctx, r.session.Input, "")
	if err != nil {
		slog.Warn("kernel.route.failed",
			slog.String("thread_id", r.session.ThreadID),
			slog.String("error", err.Error()))
		return dirPlan, nil
	}
	r.route = route

	used := make([]map[string]any, 0, 3)
	if chain, ok := r.o.skills.ResolveChain(ctx, route.Skill); ok {
		for _, sk := range chain {
			used = append(used, map[string]any{
				"skill_id":   sk.ID,
				"skill_name": sk.Name,
				"level":      sk.Level,
			})
		}
	} else {
		used = append(used, map[string]any{
			"skill_id":   route.Skill.ID,
			"skill_name": route.Skill.Name,
			"level":      route.Skill.Level,
		})
	}
	r.emitter.Emit(ctx, core.NewSignal(core.SignalSkillUsage, map[string]any{
		"used_skills": used,
		"match_level": route.MatchLevel,
		"score":       route.Score,
		"fallback":    route.Fallback,
	}))

	if route.Fallback && r.o.plugins.Len() > 0 {
		return dirPlan, nil
	}
	return dirSkill, nil
}

// skillExec answers directly from the routed skill: rendered template
// as system prompt, raw request as the user turn, tokens streamed.
func (r *run) skillExec(ctx context.Context, _ flow.Node, _ *flow.State) (any, error) {
	r.enter(ctx, core.StateSkillExec)
	sk := r.route.Skill

	system := skill.RenderTemplate(sk.Content.PromptTemplate, r.route.Bindings)
	if len(sk.Content.Knowledge) > 0 {
		system += "\n\nRelevant knowledge:\n- " + strings.Join(sk.Content.Knowledge, "\n- ")
	}

	var sb strings.Builder
	err := r.o.caller.stream(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: r.session.Input},
		},
	}, func(token llm.Token) error {
		if token.Content != "" {
			sb.WriteString(token.Content)
			r.emitToken(ctx, nodeSkillExec, token.Content)
		}
		return nil
	})
	if err != nil {
		r.o.skills.RecordUsage(ctx, sk.ID, false)
		r.observe(ctx, false, err.Error())
		return nil, err
	}

	r.session.FinalAnswer = sb.String()
	r.o.skills.RecordUsage(ctx, sk.ID, true)
	r.observe(ctx, true, "")
	return dirEnd, nil
}

// observe reports the fast-track outcome to the evolution engine.
func (r *run) observe(ctx context.Context, success bool, feedback string) {
	if r.o.evolution == nil || r.route == nil {
		return
	}
	if !r.o.evolution.Enqueue(skill.Observation{
		ThreadID: r.session.ThreadID,
		Query:    r.session.Input,
		SkillID:  r.route.Skill.ID,
		Subject:  r.route.Bindings["subject"],
		Success:  success,
		Feedback: feedback,
		Emitter:  r.emitter,
	}) {
		slog.Warn("kernel.evolution.queue_full",
			slog.String("skill_id", r.route.Skill.ID))
	}
}

func (r *run) plan(ctx context.Context, _ flow.Node, _ *flow.State) (any, error) {
	r.enter(ctx, core.StatePlan)

	var plan *core.Plan
	if r.session.Mode == core.ModeManual {
		plan = r.o.planner.ManualPlan(r.session.ForcedPlugin, r.session.Input)
	} else {
		// A planner failure degrades to the single-task fallback plan
		// rather than failing the run.
		value, _ := resilience.WithFallback(ctx, func() (interface{}, error) {
			return r.o.planner.Plan(ctx, r.session.Input, r.feedback)
		}, resilience.FallbackFunc(func(_ context.Context, primaryErr error) (interface{}, error) {
			slog.Warn("kernel.plan.fallback",
				slog.String("thread_id", r.session.ThreadID),
				slog.String("error", primaryErr.Error()))
			r.o.caller.recovered(ctx, primaryErr)
			return FallbackPlan(r.session.Input), nil
		}))
		plan = value.(*core.Plan)
	}
	r.session.Plan = plan

	if r.o.cfg.Approval.Enabled && !plan.ChitchatOnly() {
		return dirApproval, nil
	}
	return dirDispatch, nil
}

// awaitApproval suspends the run. The caller checkpoints the session
// and opens an approval record; Resume re-enters at dispatch.
func (r *run) awaitApproval(ctx context.Context, _ flow.Node, _ *flow.State) (any, error) {
	r.enter(ctx, core.StateAwaitApproval)
	return nil, &flow.Interrupt{
		NodeID:  nodeAwaitApproval,
		Reason:  "awaiting human approval",
		Payload: clonePlan(r.session.Plan),
	}
}

func (r *run) dispatch(ctx context.Context, _ flow.Node, _ *flow.State) (any, error) {
	r.enter(ctx, core.StateDispatch)

	task := r.session.Plan.NextPending()
	if task == nil {
		return dirFinal, nil
	}
	task.Status = core.TaskRunning
	if task.IsChitchat() {
		return dirChitchat, nil
	}
	if _, err := r.o.plugins.Get(task.Target); err != nil {
		return nil, err
	}
	return dirPlugin, nil
}

func (r *run) pluginExec(ctx context.Context, _ flow.Node, _ *flow.State) (any, error) {
	r.enter(ctx, core.StatePluginExec)

	task := r.session.Plan.NextPending()
	if task == nil {
		return nil, kerrors.New(kerrors.CodeInternal, "plugin exec without a running task", nil)
	}
	pl, err := r.o.plugins.Get(task.Target)
	if err != nil {
		return nil, err
	}

	task.Attempts++
	r.emitter.Emit(ctx, core.NewEvent(core.EventToolStarted, nodePluginExec, map[string]any{
		"plugin":  task.Target,
		"task_id": task.ID,
		"attempt": task.Attempts,
	}))

	start := time.Now()
	var result *plugin.Result
	execErr := r.o.pluginRetry.Do(ctx, func() error {
		res, err := pl.Execute(ctx, plugin.Request{
			ThreadID: r.session.ThreadID,
			TaskID:   task.ID,
			Action:   task.Action,
			Input:    r.session.Input,
			Feedback: task.Feedback,
			Tools:    r.o.tools,
		})
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	r.o.metrics.RecordToolDuration(ctx, task.Target, float64(time.Since(start).Milliseconds()))

	status := "ok"
	if execErr != nil {
		status = "error"
	}
	r.emitter.Emit(ctx, core.NewEvent(core.EventToolEnded, nodePluginExec, map[string]any{
		"plugin":  task.Target,
		"task_id": task.ID,
		"status":  status,
	}))

	if kerrors.IsCode(execErr, kerrors.CodeConfiguration) {
		return nil, execErr
	}
	r.lastErr = execErr
	r.lastOutput = ""
	if execErr == nil && result != nil {
		r.lastOutput = result.Output
	}
	return dirCritic, nil
}

func (r *run) chitchatExec(ctx context.Context, _ flow.Node, _ *flow.State) (any, error) {
	r.enter(ctx, core.StateChitchatExec)

	task := r.session.Plan.NextPending()
	if task == nil {
		return nil, kerrors.New(kerrors.CodeInternal, "chitchat exec without a running task", nil)
	}
	answer, err := r.o.responder.Respond(ctx, r.session.Input, task.Action, func(chunk string) {
		r.emitToken(ctx, nodeChitchatExec, chunk)
	})
	if err != nil {
		return nil, err
	}
	task.Status = core.TaskDone
	task.Result = answer
	return dirProgress, nil
}

// critic judges the last plugin output and charges the budgets. The
// conversational handler is never criticized; its tasks complete in
// chitchatExec.
func (r *run) critic(ctx context.Context, _ flow.Node, _ *flow.State) (any, error) {
	r.enter(ctx, core.StateCritic)

	task := r.session.Plan.NextPending()
	if task == nil {
		return nil, kerrors.New(kerrors.CodeInternal, "critic without a running task", nil)
	}

	verdict := r.o.critic.Review(ctx, *task, r.lastOutput, r.lastErr)
	switch verdict.Verdict {
	case VerdictRetry:
		r.session.RetryCount++
		task.Feedback = verdict.Feedback
		if task.Attempts > r.o.cfg.MaxRetriesPerTask {
			return r.escalate(ctx, task, verdict.Feedback)
		}
		slog.Info("kernel.critic.retry",
			slog.String("thread_id", r.session.ThreadID),
			slog.Int("task_id", task.ID),
			slog.Int("attempt", task.Attempts))
		return dirRetry, nil
	case VerdictReplan:
		return r.escalate(ctx, task, verdict.Feedback)
	default:
		task.Status = core.TaskDone
		task.Result = r.lastOutput
		task.Feedback = ""
		return dirProgress, nil
	}
}

// escalate fails the current task and charges the replan budget. Once
// the budget is gone the session ends with a failure answer instead of
// looping.
func (r *run) escalate(ctx context.Context, task *core.Task, feedback string) (any, error) {
	task.Status = core.TaskFailed
	if feedback != "" {
		r.feedback = append(r.feedback, feedback)
	}
	r.session.ReplanCount++
	if r.session.ReplanCount > r.o.cfg.MaxReplansPerSession {
		r.failure = kerrors.New(kerrors.CodeBudgetExhausted, "replan budget exhausted", nil).
			WithContext("replans", r.session.ReplanCount).
			WithContext("retries", r.session.RetryCount)
		r.session.LastFailure = "budget exhausted: the plan kept failing after retries and a replan"
		slog.Warn("kernel.budget.exhausted",
			slog.String("thread_id", r.session.ThreadID),
			slog.Int("replans", r.session.ReplanCount),
			slog.Int("retries", r.session.RetryCount))
		return dirFinal, nil
	}
	slog.Info("kernel.critic.replan",
		slog.String("thread_id", r.session.ThreadID),
		slog.Int("task_id", task.ID),
		slog.String("feedback", truncate(feedback, 120)))
	return dirReplan, nil
}

func (r *run) progress(ctx context.Context, _ flow.Node, _ *flow.State) (any, error) {
	r.enter(ctx, core.StateProgress)
	r.session.StepIndex++
	return dirDispatch, nil
}

// finalAnswer composes the session's answer. Chitchat results were
// already streamed during execution and are not re-emitted; plugin
// results stream here, merged by the model when there is more than
// one.
func (r *run) finalAnswer(ctx context.Context, _ flow.Node, _ *flow.State) (any, error) {
	r.enter(ctx, core.StateFinalAnswer)

	var answer string
	results := completedResults(r.session.Plan)
	switch {
	case r.session.LastFailure != "":
		answer = "I could not complete the request: " + r.session.LastFailure
		r.emitToken(ctx, nodeFinalAnswer, answer)
	case len(results) == 0:
		answer = "I was not able to produce a result for this request."
		r.emitToken(ctx, nodeFinalAnswer, answer)
	case r.session.Plan.ChitchatOnly():
		answer = strings.Join(results, "\n\n")
	case len(results) == 1:
		answer = results[0]
		r.emitToken(ctx, nodeFinalAnswer, answer)
	default:
		answer = r.o.composer.Compose(ctx, r.session.Input, r.session.Plan, func(chunk string) {
			r.emitToken(ctx, nodeFinalAnswer, chunk)
		})
	}

	r.session.FinalAnswer = answer
	return dirEnd, nil
}

func (r *run) end(ctx context.Context, _ flow.Node, _ *flow.State) (any, error) {
	r.enter(ctx, core.StateEnd)
	return dirDone, nil
}

// audit bridges executor lifecycle events onto the per-run stream and
// checkpoints the session after every node, so a crash resumes from
// the last completed step.
func (r *run) audit(ctx context.Context, event flow.AuditEvent) {
	state := stateForNode[event.NodeID]
	switch event.Status {
	case flow.AuditStarted:
		r.emitter.Emit(ctx, core.NewEvent(core.EventStepStarted, event.NodeID, map[string]any{
			"state": string(state),
		}))
	case flow.AuditCompleted:
		r.emitter.Emit(ctx, core.NewEvent(core.EventStepEnded, event.NodeID, map[string]any{
			"state":  string(state),
			"status": "ok",
		}))
		r.checkpoint(ctx)
	case flow.AuditInterrupted:
		r.emitter.Emit(ctx, core.NewEvent(core.EventStepEnded, event.NodeID, map[string]any{
			"state":  string(state),
			"status": "suspended",
		}))
	case flow.AuditFailed:
		r.emitter.Emit(ctx, core.NewEvent(core.EventStepEnded, event.NodeID, map[string]any{
			"state":  string(state),
			"status": "error",
			"error":  event.Error,
		}))
		r.checkpoint(ctx)
	}
}

// checkpoint persists the session after a step. Failures are logged
// and tolerated: the run carries on and the next step overwrites.
func (r *run) checkpoint(ctx context.Context) {
	err := r.o.checkpoints.Save(ctx, r.session.ThreadID, checkpoint.Snapshot{
		Session: r.session.Clone(),
	})
	if err != nil {
		slog.Warn("kernel.checkpoint.failed",
			slog.String("thread_id", r.session.ThreadID),
			slog.String("error", err.Error()))
	}
}
