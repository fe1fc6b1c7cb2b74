// SPDX-License-Identifier: Apache-2.0

// Package testing provides a scenario kit for exercising the
// orchestration kernel: a scripted LLM provider routed by component,
// declarative run expectations, and event stream helpers.
//
// Example:
//
//	provider := seertesting.NewScriptedProvider().
//	    PlanWith(seertesting.PlanJSON("compute 2+2", "calculator")).
//	    CriticWith(seertesting.VerdictJSON("pass", ""))
//
//	result := seertesting.NewScenario("calculator").
//	    WithThread("t1").
//	    WithInput("what is 2+2?").
//	    ExpectAnswer(seertesting.Contains("4")).
//	    ExpectStep("plugin_exec").
//	    Run(t, orch)
//	result.Assert(t)
package testing

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/kelicblan/seerlord-ai/pkg/bus"
	"github.com/kelicblan/seerlord-ai/pkg/core"
	"github.com/kelicblan/seerlord-ai/pkg/orchestrator"
)

// Scenario is one declarative kernel interaction.
type Scenario struct {
	name         string
	threadID     string
	input        string
	mode         string
	timeout      time.Duration
	expectations []Expectation
}

// Expectation is a condition verified against a finished run.
type Expectation interface {
	Check(result *ScenarioResult) error
	Description() string
}

// ScenarioResult is the outcome of one scenario run.
type ScenarioResult struct {
	Result   *orchestrator.RunResult
	Events   []core.Event
	Err      error
	Duration time.Duration

	scenario *Scenario
}

// NewScenario creates a scenario with a 30s timeout.
func NewScenario(name string) *Scenario {
	return &Scenario{name: name, threadID: "thread-" + name, timeout: 30 * time.Second}
}

// WithThread sets the session thread ID.
func (s *Scenario) WithThread(threadID string) *Scenario {
	s.threadID = threadID
	return s
}

// WithInput sets the user input for the turn.
func (s *Scenario) WithInput(input string) *Scenario {
	s.input = input
	return s
}

// WithMode sets the execution mode ("auto" or "manual:<plugin>").
func (s *Scenario) WithMode(mode string) *Scenario {
	s.mode = mode
	return s
}

// WithTimeout overrides the run deadline.
func (s *Scenario) WithTimeout(d time.Duration) *Scenario {
	s.timeout = d
	return s
}

// Expect appends a custom expectation.
func (s *Scenario) Expect(exp Expectation) *Scenario {
	s.expectations = append(s.expectations, exp)
	return s
}

// ExpectAnswer expects the final answer to match.
func (s *Scenario) ExpectAnswer(matcher StringMatcher) *Scenario {
	return s.Expect(&answerExpectation{matcher: matcher})
}

// ExpectState expects the terminal session state.
func (s *Scenario) ExpectState(state core.State) *Scenario {
	return s.Expect(&stateExpectation{state: state})
}

// ExpectSuspended expects the run to suspend for approval.
func (s *Scenario) ExpectSuspended() *Scenario {
	return s.Expect(&suspendedExpectation{})
}

// ExpectNoError expects the run to finish without error.
func (s *Scenario) ExpectNoError() *Scenario {
	return s.Expect(&noErrorExpectation{})
}

// ExpectError expects a run error matching the given pattern.
func (s *Scenario) ExpectError(matcher StringMatcher) *Scenario {
	return s.Expect(&errorExpectation{matcher: matcher})
}

// ExpectStep expects at least one step_started for the named step.
func (s *Scenario) ExpectStep(step string) *Scenario {
	return s.Expect(&stepExpectation{step: step, count: -1})
}

// ExpectStepCount expects the named step to start exactly count times.
func (s *Scenario) ExpectStepCount(step string, count int) *Scenario {
	return s.Expect(&stepExpectation{step: step, count: count})
}

// ExpectSignal expects exactly count custom_signal events with the
// given name; ExpectSignal(name, 0) asserts absence.
func (s *Scenario) ExpectSignal(name string, count int) *Scenario {
	return s.Expect(&signalExpectation{name: name, count: count})
}

// ExpectOrderedEvents expects strictly monotonic sequence numbers.
func (s *Scenario) ExpectOrderedEvents() *Scenario {
	return s.Expect(&orderedExpectation{})
}

// Run executes the scenario as one Invoke turn against the kernel.
func (s *Scenario) Run(t *testing.T, orch *orchestrator.Orchestrator) *ScenarioResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	ctx, runID := core.EnsureRunID(ctx)

	stream := bus.NewStream(runID, s.threadID, bus.DefaultBuffer)
	collected := make(chan []core.Event, 1)
	go func() { collected <- bus.Drain(stream) }()

	start := time.Now()
	result, err := orch.Invoke(ctx, orchestrator.InvokeRequest{
		ThreadID: s.threadID,
		Input:    s.input,
		Mode:     s.mode,
	}, stream)

	return &ScenarioResult{
		Result:   result,
		Events:   <-collected,
		Err:      err,
		Duration: time.Since(start),
		scenario: s,
	}
}

// Resume continues a suspended scenario thread with the decision.
func (s *Scenario) Resume(t *testing.T, orch *orchestrator.Orchestrator, decision string) *ScenarioResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	ctx, runID := core.EnsureRunID(ctx)

	stream := bus.NewStream(runID, s.threadID, bus.DefaultBuffer)
	collected := make(chan []core.Event, 1)
	go func() { collected <- bus.Drain(stream) }()

	start := time.Now()
	result, err := orch.Resume(ctx, orchestrator.ResumeRequest{
		ThreadID: s.threadID,
		Decision: decision,
	}, stream)

	return &ScenarioResult{
		Result:   result,
		Events:   <-collected,
		Err:      err,
		Duration: time.Since(start),
		scenario: s,
	}
}

// Assert checks every expectation, reporting failures on t.
func (r *ScenarioResult) Assert(t *testing.T) {
	t.Helper()
	for _, exp := range r.scenario.expectations {
		if err := exp.Check(r); err != nil {
			t.Errorf("scenario %q: expectation %q failed: %v", r.scenario.name, exp.Description(), err)
		}
	}
}

// StringMatcher matches strings in expectations.
type StringMatcher interface {
	Match(s string) bool
	Description() string
}

type funcMatcher struct {
	fn   func(string) bool
	desc string
}

func (m funcMatcher) Match(s string) bool { return m.fn(s) }
func (m funcMatcher) Description() string { return m.desc }

// Contains matches strings containing substr.
func Contains(substr string) StringMatcher {
	return funcMatcher{
		fn:   func(s string) bool { return strings.Contains(s, substr) },
		desc: fmt.Sprintf("contains %q", substr),
	}
}

// Equals matches the exact string.
func Equals(expected string) StringMatcher {
	return funcMatcher{
		fn:   func(s string) bool { return s == expected },
		desc: fmt.Sprintf("equals %q", expected),
	}
}

// Regex matches against a regular expression.
func Regex(pattern string) StringMatcher {
	re := regexp.MustCompile(pattern)
	return funcMatcher{
		fn:   re.MatchString,
		desc: fmt.Sprintf("matches %q", pattern),
	}
}

type answerExpectation struct{ matcher StringMatcher }

func (e *answerExpectation) Check(r *ScenarioResult) error {
	if r.Result == nil {
		return fmt.Errorf("run returned no result (err = %v)", r.Err)
	}
	if !e.matcher.Match(r.Result.FinalAnswer) {
		return fmt.Errorf("final answer %q does not match", r.Result.FinalAnswer)
	}
	return nil
}
func (e *answerExpectation) Description() string { return "answer " + e.matcher.Description() }

type stateExpectation struct{ state core.State }

func (e *stateExpectation) Check(r *ScenarioResult) error {
	if r.Result == nil {
		return fmt.Errorf("run returned no result (err = %v)", r.Err)
	}
	if r.Result.State != e.state {
		return fmt.Errorf("state = %s", r.Result.State)
	}
	return nil
}
func (e *stateExpectation) Description() string { return fmt.Sprintf("state %s", e.state) }

type suspendedExpectation struct{}

func (e *suspendedExpectation) Check(r *ScenarioResult) error {
	if r.Result == nil {
		return fmt.Errorf("run returned no result (err = %v)", r.Err)
	}
	if !r.Result.Suspended || r.Result.Approval == nil {
		return fmt.Errorf("result = %+v", r.Result)
	}
	return nil
}
func (e *suspendedExpectation) Description() string { return "suspended for approval" }

type noErrorExpectation struct{}

func (e *noErrorExpectation) Check(r *ScenarioResult) error {
	if r.Err != nil {
		return fmt.Errorf("unexpected error: %v", r.Err)
	}
	return nil
}
func (e *noErrorExpectation) Description() string { return "no error" }

type errorExpectation struct{ matcher StringMatcher }

func (e *errorExpectation) Check(r *ScenarioResult) error {
	if r.Err == nil {
		return fmt.Errorf("expected error, got nil")
	}
	if !e.matcher.Match(r.Err.Error()) {
		return fmt.Errorf("error %q does not match", r.Err.Error())
	}
	return nil
}
func (e *errorExpectation) Description() string { return "error " + e.matcher.Description() }

type stepExpectation struct {
	step  string
	count int // -1 means at least once
}

func (e *stepExpectation) Check(r *ScenarioResult) error {
	got := CountSteps(r.Events, e.step)
	if e.count < 0 {
		if got == 0 {
			return fmt.Errorf("step never started (steps: %v)", StepsStarted(r.Events))
		}
		return nil
	}
	if got != e.count {
		return fmt.Errorf("started %d times, want %d (steps: %v)", got, e.count, StepsStarted(r.Events))
	}
	return nil
}
func (e *stepExpectation) Description() string { return fmt.Sprintf("step %q", e.step) }

type signalExpectation struct {
	name  string
	count int
}

func (e *signalExpectation) Check(r *ScenarioResult) error {
	got := SignalCount(r.Events, e.name)
	if got != e.count {
		return fmt.Errorf("emitted %d times, want %d", got, e.count)
	}
	return nil
}
func (e *signalExpectation) Description() string { return fmt.Sprintf("signal %q", e.name) }

type orderedExpectation struct{}

func (e *orderedExpectation) Check(r *ScenarioResult) error {
	return CheckOrdered(r.Events)
}
func (e *orderedExpectation) Description() string { return "ordered events" }
