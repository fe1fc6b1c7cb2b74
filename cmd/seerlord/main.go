package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kelicblan/seerlord-ai/pkg/bus"
	"github.com/kelicblan/seerlord-ai/pkg/config"
	"github.com/kelicblan/seerlord-ai/pkg/core"
	"github.com/kelicblan/seerlord-ai/pkg/flow"
	"github.com/kelicblan/seerlord-ai/pkg/orchestrator"
	"github.com/kelicblan/seerlord-ai/pkg/runtime"
	"github.com/kelicblan/seerlord-ai/pkg/server"
	"github.com/kelicblan/seerlord-ai/pkg/skill"
	"github.com/kelicblan/seerlord-ai/pkg/telemetry"
)

const version = "dev"

type globalFlags struct {
	ConfigArgs []string
	Timeout    time.Duration
	JSON       bool
	Help       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(err)
	}
	if global.Help || len(args) == 0 {
		printUsage()
		return
	}

	cfg, err := config.LoadWithCLI(global.ConfigArgs)
	if err != nil {
		fatal(err)
	}

	switch args[0] {
	case "serve":
		ensureNoArgs(args[1:])
		runServe(ctx, cfg)
	case "run":
		runInvoke(ctx, global, cfg, args[1:])
	case "resume":
		runResume(ctx, global, cfg, args[1:])
	case "explain":
		runExplain(ctx, global, cfg, args[1:])
	case "graph":
		runGraph(args[1:])
	case "validate":
		runValidate(ctx, global, cfg)
	case "skills":
		runSkills(ctx, global, cfg, args[1:])
	case "init":
		runInit(args[1:])
	case "version":
		fmt.Println(version)
	case "help":
		printUsage()
	default:
		fatal(fmt.Errorf("unknown command %q", args[0]))
	}
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	flags := globalFlags{Timeout: 5 * time.Minute}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return flags, args[i+1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}
		switch {
		case arg == "-h" || arg == "--help":
			flags.Help = true
			return flags, nil, nil
		case arg == "--json":
			flags.JSON = true
		case arg == "--config" || arg == "--set" || arg == "--profile":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for %s", arg)
			}
			flags.ConfigArgs = append(flags.ConfigArgs, arg, args[i+1])
			i++
		case strings.HasPrefix(arg, "--config=") ||
			strings.HasPrefix(arg, "--set=") ||
			strings.HasPrefix(arg, "--profile="):
			flags.ConfigArgs = append(flags.ConfigArgs, arg)
		case arg == "--timeout":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for --timeout")
			}
			value, err := time.ParseDuration(args[i+1])
			if err != nil {
				return flags, nil, fmt.Errorf("invalid --timeout: %w", err)
			}
			flags.Timeout = value
			i++
		case strings.HasPrefix(arg, "--timeout="):
			value, err := time.ParseDuration(strings.TrimPrefix(arg, "--timeout="))
			if err != nil {
				return flags, nil, fmt.Errorf("invalid --timeout: %w", err)
			}
			flags.Timeout = value
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
	}
	return flags, nil, nil
}

func runServe(ctx context.Context, cfg *config.Config) {
	telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitWithConfig(cfg.Telemetry.ServiceName, version, telemetry.Config{
			Exporter:     cfg.Telemetry.Exporter,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			OTLPHeaders:  cfg.Telemetry.OTLPHeaders,
			OTLPUser:     cfg.Telemetry.OTLPUser,
			OTLPToken:    cfg.Telemetry.OTLPToken,
		})
		if err != nil {
			fatal(err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	kernel, err := runtime.New(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	kernel.Start()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = kernel.Close(closeCtx)
	}()

	srv := server.New(kernel)
	if err := srv.ListenAndServe(ctx, cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatal(err)
	}
}

func runInvoke(ctx context.Context, global globalFlags, cfg *config.Config, args []string) {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	thread := cmd.String("thread", "", "Thread (session) ID")
	mode := cmd.String("mode", "", "Execution mode: auto or manual:<plugin>")
	if err := cmd.Parse(args); err != nil {
		fatal(err)
	}
	input := strings.TrimSpace(strings.Join(cmd.Args(), " "))
	if *thread == "" || input == "" {
		fatal(errors.New("usage: seerlord run --thread <id> [--mode auto|manual:<plugin>] \"<input>\""))
	}

	kernel := buildKernel(ctx, cfg)
	defer closeKernel(kernel)

	req := orchestrator.InvokeRequest{ThreadID: *thread, Input: input, Mode: *mode}
	streamToStdout(ctx, global, kernel, *thread, func(ctx context.Context, stream *bus.Stream) (*orchestrator.RunResult, error) {
		return kernel.Orchestrator.Invoke(ctx, req, stream)
	})
}

func runResume(ctx context.Context, global globalFlags, cfg *config.Config, args []string) {
	cmd := flag.NewFlagSet("resume", flag.ContinueOnError)
	thread := cmd.String("thread", "", "Thread (session) ID")
	decision := cmd.String("decision", "", "approve or reject")
	reason := cmd.String("reason", "", "Operator note recorded on the approval")
	planPath := cmd.String("plan", "", "Edited plan file (YAML or JSON) applied on approve")
	if err := cmd.Parse(args); err != nil {
		fatal(err)
	}
	if *thread == "" || *decision == "" {
		fatal(errors.New("usage: seerlord resume --thread <id> --decision approve|reject [--reason <text>] [--plan <file>]"))
	}

	var planEdit *core.Plan
	if *planPath != "" {
		plan, err := loadPlanFile(*planPath)
		if err != nil {
			fatal(err)
		}
		planEdit = plan
	}

	kernel := buildKernel(ctx, cfg)
	defer closeKernel(kernel)

	req := orchestrator.ResumeRequest{
		ThreadID: *thread,
		Decision: *decision,
		Reason:   *reason,
		PlanEdit: planEdit,
	}
	streamToStdout(ctx, global, kernel, *thread, func(ctx context.Context, stream *bus.Stream) (*orchestrator.RunResult, error) {
		return kernel.Orchestrator.Resume(ctx, req, stream)
	})
}

// streamToStdout runs one kernel turn, printing streamed tokens to
// stdout and step markers to stderr. --json switches to one JSON event
// per line followed by the run result.
func streamToStdout(ctx context.Context, global globalFlags, kernel *runtime.Kernel, threadID string,
	run func(ctx context.Context, stream *bus.Stream) (*orchestrator.RunResult, error)) {

	ctx, cancel := context.WithTimeout(ctx, global.Timeout)
	defer cancel()
	ctx, runID := core.EnsureRunID(ctx)
	stream := bus.NewStream(runID, threadID, kernel.Config.Orchestrator.EventBuffer)

	type outcome struct {
		result *orchestrator.RunResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := run(ctx, stream)
		done <- outcome{result, err}
	}()

	for event := range stream.Events() {
		if global.JSON {
			writeJSONLine(os.Stdout, event)
			continue
		}
		switch event.Type {
		case core.EventTokenStreamed:
			if content, ok := event.Payload["content"].(string); ok {
				fmt.Print(content)
			}
		case core.EventStepStarted:
			fmt.Fprintf(os.Stderr, "-> %s\n", event.StepName)
		case core.EventCustomSignal:
			fmt.Fprintf(os.Stderr, "** %s\n", event.Signal)
		}
	}

	out := <-done
	if out.err != nil {
		fatal(out.err)
	}
	if global.JSON {
		printJSON(out.result)
		return
	}
	fmt.Println()
	if out.result.Suspended && out.result.Approval != nil {
		fmt.Printf("suspended for approval %s (expires %s)\n",
			out.result.Approval.ID, formatTime(out.result.Approval.ExpiresAt))
		fmt.Printf("resume with: seerlord resume --thread %s --decision approve\n", threadID)
		return
	}
	fmt.Printf("[%s] %s\n", out.result.State, out.result.FinalAnswer)
}

func runExplain(ctx context.Context, global globalFlags, cfg *config.Config, args []string) {
	cmd := flag.NewFlagSet("explain", flag.ContinueOnError)
	category := cmd.String("category", "", "Restrict matching to one category")
	if err := cmd.Parse(args); err != nil {
		fatal(err)
	}
	query := strings.TrimSpace(strings.Join(cmd.Args(), " "))
	if query == "" {
		fatal(errors.New("usage: seerlord explain [--category <c>] \"<query>\""))
	}

	kernel := buildKernel(ctx, cfg)
	defer closeKernel(kernel)

	ctx, cancel := context.WithTimeout(ctx, global.Timeout)
	defer cancel()

	vector, err := kernel.Skills.EmbedQuery(ctx, query)
	if err != nil {
		fatal(err)
	}
	thresholds := map[int]float64{
		skill.LevelSpecific: kernel.Config.Router.ThresholdSpecific,
		skill.LevelDomain:   kernel.Config.Router.ThresholdDomain,
		skill.LevelMeta:     0,
	}

	type levelMatch struct {
		Level     int     `json:"level"`
		Skill     string  `json:"skill,omitempty"`
		Score     float32 `json:"score,omitempty"`
		Threshold float64 `json:"threshold"`
	}
	var matches []levelMatch
	for _, level := range []int{skill.LevelSpecific, skill.LevelDomain, skill.LevelMeta} {
		found, err := kernel.Skills.SearchLevel(ctx, vector, level, *category, kernel.Config.Router.SearchLimit, 0)
		if err != nil {
			fatal(err)
		}
		entry := levelMatch{Level: level, Threshold: thresholds[level]}
		if len(found) > 0 {
			entry.Skill = found[0].Skill.Name
			entry.Score = found[0].Score
		}
		matches = append(matches, entry)
	}

	route, err := kernel.Router.Route(ctx, query, *category)
	if err != nil {
		fatal(err)
	}

	if global.JSON {
		printJSON(map[string]any{
			"query":    query,
			"levels":   matches,
			"selected": route.Skill.Name,
			"level":    route.MatchLevel,
			"score":    route.Score,
			"fallback": route.Fallback,
			"bindings": route.Bindings,
		})
		return
	}

	writer := newTabWriter()
	writeRow(writer, "LEVEL", "BEST MATCH", "SCORE", "THRESHOLD")
	for _, m := range matches {
		writeRow(writer, fmt.Sprintf("%d", m.Level), m.Skill,
			fmt.Sprintf("%.3f", m.Score), fmt.Sprintf("%.2f", m.Threshold))
	}
	_ = writer.Flush()
	fmt.Printf("\nselected: %s (level %d, fallback=%t)\n", route.Skill.Name, route.MatchLevel, route.Fallback)
	for key, value := range route.Bindings {
		fmt.Printf("  %s = %s\n", key, value)
	}
}

func runGraph(args []string) {
	cmd := flag.NewFlagSet("graph", flag.ContinueOnError)
	format := cmd.String("format", "dot", "Output format: dot or yaml")
	if err := cmd.Parse(args); err != nil {
		fatal(err)
	}

	graph := orchestrator.KernelGraph()
	switch *format {
	case "dot":
		fmt.Print(renderDot(graph))
	case "yaml":
		data, err := flow.MarshalYAML(graph)
		if err != nil {
			fatal(err)
		}
		fmt.Print(string(data))
	default:
		fatal(fmt.Errorf("unknown graph format %q", *format))
	}
}

// renderDot emits the graph as Graphviz dot, conditions as edge labels.
func renderDot(graph *flow.Graph) string {
	ids := make([]string, 0, len(graph.Nodes))
	for id := range graph.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sb strings.Builder
	fmt.Fprintf(&sb, "digraph %q {\n", graph.ID)
	sb.WriteString("  rankdir=LR;\n")
	for _, id := range ids {
		fmt.Fprintf(&sb, "  %q;\n", id)
	}
	for _, edge := range graph.Edges {
		if edge.Condition != "" {
			fmt.Fprintf(&sb, "  %q -> %q [label=%q];\n", edge.From, edge.To, edge.Condition)
		} else {
			fmt.Fprintf(&sb, "  %q -> %q;\n", edge.From, edge.To)
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}

func runValidate(ctx context.Context, global globalFlags, cfg *config.Config) {
	type check struct {
		Name   string `json:"name"`
		OK     bool   `json:"ok"`
		Detail string `json:"detail,omitempty"`
	}
	var checks []check
	add := func(name string, err error) {
		c := check{Name: name, OK: err == nil}
		if err != nil {
			c.Detail = err.Error()
		}
		checks = append(checks, c)
	}

	add("graph", orchestrator.KernelGraph().Validate())

	if cfg.Skills.SeedDir != "" {
		_, err := skill.LoadSeedDir(cfg.Skills.SeedDir)
		add("seeds", err)
	}

	kernel, err := runtime.New(ctx, cfg)
	add("wiring", err)
	if err == nil {
		closeKernel(kernel)
	}

	failed := false
	for _, c := range checks {
		if !c.OK {
			failed = true
		}
	}

	if global.JSON {
		printJSON(map[string]any{"ok": !failed, "checks": checks})
	} else {
		writer := newTabWriter()
		writeRow(writer, "CHECK", "STATUS", "DETAIL")
		for _, c := range checks {
			status := "ok"
			if !c.OK {
				status = "FAIL"
			}
			writeRow(writer, c.Name, status, c.Detail)
		}
		_ = writer.Flush()
	}
	if failed {
		os.Exit(1)
	}
}

func runSkills(ctx context.Context, global globalFlags, cfg *config.Config, args []string) {
	if len(args) == 0 {
		fatal(errors.New("usage: seerlord skills <list|show|history|proposals|induct>"))
	}

	kernel := buildKernel(ctx, cfg)
	defer closeKernel(kernel)
	ctx, cancel := context.WithTimeout(ctx, global.Timeout)
	defer cancel()

	switch args[0] {
	case "list":
		cmd := flag.NewFlagSet("skills list", flag.ContinueOnError)
		level := cmd.Int("level", 0, "Filter by level (1, 2 or 3)")
		category := cmd.String("category", "", "Filter by category")
		if err := cmd.Parse(args[1:]); err != nil {
			fatal(err)
		}
		skills, err := kernel.Skills.List(ctx, skill.ListFilter{Level: *level, Category: *category})
		if err != nil {
			fatal(err)
		}
		if global.JSON {
			printJSON(skills)
			return
		}
		writer := newTabWriter()
		writeRow(writer, "ID", "NAME", "LEVEL", "CATEGORY", "VERSION", "OK", "FAIL")
		for _, sk := range skills {
			writeRow(writer, sk.ID, sk.Name, fmt.Sprintf("%d", sk.Level), sk.Category,
				fmt.Sprintf("%d", sk.Version),
				fmt.Sprintf("%d", sk.Stats.SuccessCount), fmt.Sprintf("%d", sk.Stats.FailureCount))
		}
		_ = writer.Flush()
	case "show":
		if len(args) < 2 {
			fatal(errors.New("usage: seerlord skills show <id|name>"))
		}
		sk, err := kernel.Skills.Get(ctx, args[1])
		if err != nil {
			sk, err = kernel.Skills.GetByName(ctx, args[1])
		}
		if err != nil {
			fatal(err)
		}
		printJSON(sk)
	case "history":
		if len(args) < 2 {
			fatal(errors.New("usage: seerlord skills history <id>"))
		}
		history, err := kernel.Skills.History(ctx, args[1])
		if err != nil {
			fatal(err)
		}
		if global.JSON {
			printJSON(history)
			return
		}
		writer := newTabWriter()
		writeRow(writer, "VERSION", "CHANGE", "AGENT", "AT")
		for _, entry := range history {
			writeRow(writer, fmt.Sprintf("%d", entry.Version), entry.ChangeDescription,
				entry.ActingAgentID, formatTime(entry.CreatedAt))
		}
		_ = writer.Flush()
	case "proposals":
		cmd := flag.NewFlagSet("skills proposals", flag.ContinueOnError)
		status := cmd.String("status", "pending", "Proposal status filter (empty for all)")
		if err := cmd.Parse(args[1:]); err != nil {
			fatal(err)
		}
		if kernel.Engine == nil {
			fatal(errors.New("evolution engine is disabled"))
		}
		proposals, err := kernel.Engine.ListProposals(ctx, skill.ProposalStatus(*status))
		if err != nil {
			fatal(err)
		}
		if global.JSON {
			printJSON(proposals)
			return
		}
		writer := newTabWriter()
		writeRow(writer, "ID", "PARENT", "MEMBERS", "SIMILARITY", "STATUS")
		for _, p := range proposals {
			writeRow(writer, p.ID, p.ParentName, fmt.Sprintf("%d", len(p.MemberIDs)),
				fmt.Sprintf("%.2f", p.Similarity), string(p.Status))
		}
		_ = writer.Flush()
	case "induct":
		if kernel.Engine == nil {
			fatal(errors.New("evolution engine is disabled"))
		}
		created, err := kernel.Engine.RunInduction(ctx)
		if err != nil {
			fatal(err)
		}
		if global.JSON {
			printJSON(map[string]int{"proposals_created": created})
			return
		}
		fmt.Printf("%d proposal(s) created\n", created)
	default:
		fatal(fmt.Errorf("unknown skills subcommand %q", args[0]))
	}
}

func runInit(args []string) {
	cmd := flag.NewFlagSet("init", flag.ContinueOnError)
	dir := cmd.String("dir", ".", "Directory to initialize")
	if err := cmd.Parse(args); err != nil {
		fatal(err)
	}

	configPath := filepath.Join(*dir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		fatal(fmt.Errorf("%s already exists", configPath))
	}
	if err := os.WriteFile(configPath, []byte(starterConfig), 0o644); err != nil {
		fatal(err)
	}

	seedDir := filepath.Join(*dir, "skills", "language-teaching")
	if err := os.MkdirAll(seedDir, 0o755); err != nil {
		fatal(err)
	}
	seedPath := filepath.Join(seedDir, "SKILL.md")
	if err := os.WriteFile(seedPath, []byte(starterSeed), 0o644); err != nil {
		fatal(err)
	}

	fmt.Printf("wrote %s\n", configPath)
	fmt.Printf("wrote %s\n", seedPath)
	fmt.Println("start the kernel with: seerlord --config config.yaml serve")
}

const starterConfig = `log:
  level: info
  format: text

server:
  addr: ":8420"

llm:
  provider: ollama
  model: qwen2.5:7b-instruct
  base_url: http://localhost:11434

embedding:
  provider: hash
  dim: 1536

storage:
  driver: sqlite
  path: seerlord.db

skills:
  seed_dir: ./skills
  ensure_defaults: true
  default_categories: [general]

evolution:
  enabled: true
`

const starterSeed = `---
name: language_teaching
description: Teaches natural languages with structured lessons and practice.
level: 2
category: general
parent: general_problem_solver
tags: [teaching, language]
child-name-template: "{subject}_teaching"
---
You are a patient language teacher. Teach {subject} with short lessons,
concrete examples and a practice exercise at the end of every answer.
`

// loadPlanFile reads an edited plan from a YAML or JSON file. Only the
// task list is taken; the kernel renumbers and stamps the plan.
func loadPlanFile(path string) (*core.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Tasks []struct {
			Action    string `json:"action" yaml:"action"`
			Target    string `json:"target" yaml:"target"`
			Rationale string `json:"rationale" yaml:"rationale"`
		} `json:"tasks" yaml:"tasks"`
	}
	if strings.HasSuffix(path, ".json") {
		err = json.Unmarshal(data, &parsed)
	} else {
		err = yaml.Unmarshal(data, &parsed)
	}
	if err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	if len(parsed.Tasks) == 0 {
		return nil, fmt.Errorf("plan %s has no tasks", path)
	}
	tasks := make([]core.Task, 0, len(parsed.Tasks))
	for _, t := range parsed.Tasks {
		tasks = append(tasks, core.Task{Action: t.Action, Target: t.Target, Rationale: t.Rationale})
	}
	return core.NewPlan("edited", tasks...), nil
}

func buildKernel(ctx context.Context, cfg *config.Config) *runtime.Kernel {
	telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	kernel, err := runtime.New(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	kernel.Start()
	return kernel
}

func closeKernel(kernel *runtime.Kernel) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = kernel.Close(ctx)
}

func printJSON(value any) {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(payload))
}

func writeJSONLine(writer io.Writer, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		fatal(err)
	}
	_, _ = writer.Write(append(payload, '\n'))
}

func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
}

func writeRow(writer *tabwriter.Writer, cols ...string) {
	for i, col := range cols {
		cols[i] = normalizeCell(col)
	}
	fmt.Fprintln(writer, strings.Join(cols, "\t"))
}

func normalizeCell(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return strings.Join(strings.Fields(value), " ")
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return "-"
	}
	return value.UTC().Format(time.RFC3339)
}

func printUsage() {
	fmt.Println(`SeerLord orchestration kernel

Usage:
  seerlord [global flags] <command> [args]

Global flags:
  --config <path>      Path to config.yaml
  --profile <name>     Profile overlay (config.<name>.yaml)
  --set key=value      Override config (repeatable)
  --timeout <dur>      Run timeout (default 5m)
  --json               JSON output

Commands:
  serve                                  Run the HTTP kernel
  run --thread <id> [--mode m] "<input>" One conversation turn, events streamed
  resume --thread <id> --decision approve|reject [--reason <text>] [--plan <file>]
  explain [--category <c>] "<query>"     Dry-run the skill router
  graph [--format dot|yaml]              Print the kernel state machine
  validate                               Check config, graph, seeds and wiring
  skills list [--level N] [--category c]
  skills show <id|name>
  skills history <id>
  skills proposals [--status <s>]
  skills induct                          Run one induction pass now
  init [--dir <path>]                    Write a starter config and seed skills
  version`)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func ensureNoArgs(args []string) {
	if len(args) > 0 {
		fatal(fmt.Errorf("unexpected args: %v", args))
	}
}
