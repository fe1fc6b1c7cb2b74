package core

import "testing"

func TestParseMode(t *testing.T) {
	cases := []struct {
		in     string
		mode   Mode
		plugin string
		ok     bool
	}{
		{"", ModeAuto, "", true},
		{"auto", ModeAuto, "", true},
		{"manual:tutor", ModeManual, "tutor", true},
		{"manual", ModeManual, "", false},
		{"manual:", ModeManual, "", false},
		{"bogus", ModeAuto, "", false},
	}
	for _, tc := range cases {
		mode, plugin, ok := ParseMode(tc.in)
		if mode != tc.mode || plugin != tc.plugin || ok != tc.ok {
			t.Errorf("ParseMode(%q) = (%s, %q, %t), want (%s, %q, %t)",
				tc.in, mode, plugin, ok, tc.mode, tc.plugin, tc.ok)
		}
	}
}

func TestPlanTaskOrdering(t *testing.T) {
	plan := NewPlan("llm",
		Task{Action: "first", Target: "alpha"},
		Task{Action: "second", Target: "beta"},
	)
	if len(plan.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(plan.Tasks))
	}
	if plan.Tasks[0].ID != 0 || plan.Tasks[1].ID != 1 {
		t.Fatalf("task ids not sequential: %d, %d", plan.Tasks[0].ID, plan.Tasks[1].ID)
	}
	if plan.Tasks[0].Status != TaskPending {
		t.Fatalf("expected pending status, got %s", plan.Tasks[0].Status)
	}

	next := plan.NextPending()
	if next == nil || next.ID != 0 {
		t.Fatalf("expected first pending task, got %+v", next)
	}
	next.Status = TaskDone

	next = plan.NextPending()
	if next == nil || next.ID != 1 {
		t.Fatalf("expected second pending task, got %+v", next)
	}
	if plan.Done() {
		t.Fatal("plan should not be done with a pending task")
	}
	next.Status = TaskDone
	if !plan.Done() {
		t.Fatal("plan should be done once every task completed")
	}
}

func TestPlanChitchatOnly(t *testing.T) {
	if !NewPlan("fallback", Task{Action: "hi", Target: TargetChitchat}).ChitchatOnly() {
		t.Fatal("single chitchat plan should be chitchat-only")
	}
	if NewPlan("llm", Task{Action: "x", Target: "worker"}).ChitchatOnly() {
		t.Fatal("plugin-targeted plan must not be chitchat-only")
	}
	var empty *Plan
	if !empty.ChitchatOnly() {
		t.Fatal("nil plan counts as chitchat-only")
	}
	if empty.NextPending() != nil {
		t.Fatal("nil plan has no pending task")
	}
}

func TestNewSignalCarriesName(t *testing.T) {
	event := NewSignal(SignalSkillUsage, map[string]any{"used_skills": []string{}})
	if event.Type != EventCustomSignal {
		t.Fatalf("expected custom_signal type, got %s", event.Type)
	}
	if event.Signal != SignalSkillUsage {
		t.Fatalf("expected signal %q, got %q", SignalSkillUsage, event.Signal)
	}
	if event.Timestamp.IsZero() {
		t.Fatal("timestamp must be set")
	}
}
