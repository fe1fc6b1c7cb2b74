package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kelicblan/seerlord-ai/pkg/orchestrator"
)

func TestParseGlobalFlags(t *testing.T) {
	flags, rest, err := parseGlobalFlags([]string{
		"--json", "--timeout", "10s", "--set", "llm.provider=mock", "run", "--thread", "t1",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !flags.JSON || flags.Timeout != 10*time.Second {
		t.Fatalf("flags = %+v", flags)
	}
	if len(flags.ConfigArgs) != 2 || flags.ConfigArgs[0] != "--set" {
		t.Fatalf("config args = %v", flags.ConfigArgs)
	}
	if len(rest) != 3 || rest[0] != "run" {
		t.Fatalf("rest = %v", rest)
	}

	if _, _, err := parseGlobalFlags([]string{"--bogus"}); err == nil {
		t.Fatal("unknown flag accepted")
	}
}

func TestRenderDotCoversKernelGraph(t *testing.T) {
	out := renderDot(orchestrator.KernelGraph())
	if !strings.HasPrefix(out, "digraph \"kernel\" {") {
		t.Fatalf("header missing: %q", out[:40])
	}
	for _, want := range []string{
		`"start" -> "skill_route" [label="last==route"];`,
		`"critic" -> "dispatch" [label="last==retry"];`,
		`"final_answer" -> "end";`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("dot output missing %q:\n%s", want, out)
		}
	}
}

func TestLoadPlanFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "plan.yaml")
	if err := os.WriteFile(yamlPath, []byte("tasks:\n  - action: add numbers\n    target: calculator\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	plan, err := loadPlanFile(yamlPath)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if plan.Source != "edited" || len(plan.Tasks) != 1 || plan.Tasks[0].Target != "calculator" {
		t.Fatalf("plan = %+v", plan)
	}

	jsonPath := filepath.Join(dir, "plan.json")
	if err := os.WriteFile(jsonPath, []byte(`{"tasks":[{"action":"echo it","target":"echo"}]}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	plan, err = loadPlanFile(jsonPath)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if len(plan.Tasks) != 1 || plan.Tasks[0].Action != "echo it" {
		t.Fatalf("plan = %+v", plan)
	}

	emptyPath := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(emptyPath, []byte("tasks: []\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadPlanFile(emptyPath); err == nil {
		t.Fatal("empty plan accepted")
	}
}
