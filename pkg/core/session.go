package core

import (
	"strings"
	"time"
)

// State names the position of a session inside the orchestration graph.
type State string

const (
	StateStart         State = "START"
	StateSkillRoute    State = "SKILL_ROUTE"
	StateSkillExec     State = "SKILL_EXEC"
	StatePlan          State = "PLAN"
	StateAwaitApproval State = "AWAIT_APPROVAL"
	StateDispatch      State = "DISPATCH"
	StatePluginExec    State = "PLUGIN_EXEC"
	StateChitchatExec  State = "CHITCHAT_EXEC"
	StateCritic        State = "CRITIC"
	StateProgress      State = "PROGRESS"
	StateFinalAnswer   State = "FINAL_ANSWER"
	StateEnd           State = "END"
)

// Mode selects how a session enters the graph.
type Mode string

const (
	// ModeAuto lets the router try the skill fast track before planning.
	ModeAuto Mode = "auto"
	// ModeManual bypasses the fast track and plans a single task for the
	// forced plugin.
	ModeManual Mode = "manual"
)

// ParseMode parses "auto" or "manual:<plugin_id>". An empty value defaults
// to auto. The second return is the forced plugin id for manual mode.
func ParseMode(value string) (Mode, string, bool) {
	value = strings.TrimSpace(value)
	switch {
	case value == "" || value == string(ModeAuto):
		return ModeAuto, "", true
	case value == string(ModeManual):
		return ModeManual, "", false
	case strings.HasPrefix(value, string(ModeManual)+":"):
		plugin := strings.TrimPrefix(value, string(ModeManual)+":")
		if strings.TrimSpace(plugin) == "" {
			return ModeManual, "", false
		}
		return ModeManual, plugin, true
	default:
		return ModeAuto, "", false
	}
}

// TaskStatus describes the lifecycle state of a planned task.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// TargetChitchat routes a task to the conversational handler instead of a
// registered plugin.
const TargetChitchat = "chitchat"

// Task is one planned unit of work. ID is the sequence position inside the
// owning plan, starting at zero.
type Task struct {
	ID        int        `json:"id"`
	Action    string     `json:"action"`
	Target    string     `json:"target"`
	Rationale string     `json:"rationale,omitempty"`
	Status    TaskStatus `json:"status"`
	Result    string     `json:"result,omitempty"`
	Feedback  string     `json:"feedback,omitempty"`
	Attempts  int        `json:"attempts,omitempty"`
}

// IsChitchat reports whether the task targets the conversational handler.
func (t Task) IsChitchat() bool { return t.Target == TargetChitchat }

// Plan is an ordered list of tasks produced by the planner.
type Plan struct {
	Tasks     []Task    `json:"tasks"`
	Source    string    `json:"source,omitempty"` // llm, fallback, manual, edited
	CreatedAt time.Time `json:"created_at"`
}

// NewPlan builds a plan and assigns sequential task IDs.
func NewPlan(source string, tasks ...Task) *Plan {
	plan := &Plan{Source: source, CreatedAt: time.Now().UTC()}
	for i := range tasks {
		tasks[i].ID = i
		if tasks[i].Status == "" {
			tasks[i].Status = TaskPending
		}
	}
	plan.Tasks = tasks
	return plan
}

// NextPending returns the first task that is not done or failed, or nil when
// every task has completed.
func (p *Plan) NextPending() *Task {
	if p == nil {
		return nil
	}
	for i := range p.Tasks {
		switch p.Tasks[i].Status {
		case TaskPending, TaskRunning:
			return &p.Tasks[i]
		}
	}
	return nil
}

// Done reports whether every task in the plan finished successfully.
func (p *Plan) Done() bool {
	if p == nil {
		return true
	}
	for i := range p.Tasks {
		if p.Tasks[i].Status != TaskDone {
			return false
		}
	}
	return true
}

// ChitchatOnly reports whether the plan contains no plugin-targeted work.
// Such plans never require human approval.
func (p *Plan) ChitchatOnly() bool {
	if p == nil || len(p.Tasks) == 0 {
		return true
	}
	for i := range p.Tasks {
		if !p.Tasks[i].IsChitchat() {
			return false
		}
	}
	return true
}

// Session is one continuous conversation thread. It is owned exclusively by
// the state machine for the duration of a run and serialized into the
// checkpoint store between runs.
type Session struct {
	ThreadID     string    `json:"thread_id"`
	State        State     `json:"state"`
	StepIndex    int       `json:"step_index"`
	Plan         *Plan     `json:"plan,omitempty"`
	RetryCount   int       `json:"retry_count"`
	ReplanCount  int       `json:"replan_count"`
	Mode         Mode      `json:"mode"`
	ForcedPlugin string    `json:"forced_plugin,omitempty"`
	Input        string    `json:"input"`
	FinalAnswer  string    `json:"final_answer,omitempty"`
	LastFailure  string    `json:"last_failure,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewSession creates a session positioned at START.
func NewSession(threadID, input string, mode Mode, forcedPlugin string) *Session {
	now := time.Now().UTC()
	return &Session{
		ThreadID:     threadID,
		State:        StateStart,
		Mode:         mode,
		ForcedPlugin: forcedPlugin,
		Input:        input,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Touch records a state transition.
func (s *Session) Touch(state State) {
	s.State = state
	s.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy with a detached plan.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.Plan != nil {
		plan := *s.Plan
		plan.Tasks = append([]Task(nil), s.Plan.Tasks...)
		out.Plan = &plan
	}
	return &out
}
