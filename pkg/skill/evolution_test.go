package skill

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kelicblan/seerlord-ai/pkg/core"
	"github.com/kelicblan/seerlord-ai/pkg/llm"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []core.Event
}

func (c *captureEmitter) Emit(_ context.Context, event core.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureEmitter) signals(name string) []core.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []core.Event
	for _, e := range c.events {
		if e.Type == core.EventCustomSignal && e.Signal == name {
			out = append(out, e)
		}
	}
	return out
}

func startEngine(t *testing.T, svc *Service, provider llm.Provider, cfg EngineConfig) *Engine {
	t.Helper()
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 16
	}
	engine := NewEngine(svc, nil, provider, nil, nil, cfg)
	engine.Start()
	t.Cleanup(engine.Stop)
	return engine
}

func drain(t *testing.T, engine *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := engine.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestInstantiationCreatesChildAfterThreshold(t *testing.T) {
	svc := newTestService(t)
	_, domain, _ := seedTestTree(t, svc)
	emitter := &captureEmitter{}
	engine := startEngine(t, svc, nil, EngineConfig{InstantiationThreshold: 3})

	obs := Observation{
		ThreadID: "t-1",
		SkillID:  domain.ID,
		Subject:  "french",
		Success:  true,
		Emitter:  emitter,
	}
	engine.Enqueue(obs)
	engine.Enqueue(obs)
	drain(t, engine)

	ctx := context.Background()
	if _, err := svc.GetByName(ctx, "learn_french"); err == nil {
		t.Fatal("child created before threshold")
	}

	engine.Enqueue(obs)
	drain(t, engine)

	child, err := svc.GetByName(ctx, "learn_french")
	if err != nil {
		t.Fatalf("child not created: %v", err)
	}
	if child.Level != LevelSpecific || child.ParentID != domain.ID {
		t.Fatalf("child tree position wrong: %+v", child)
	}
	if child.Content.PromptTemplate != "Teach french patiently." {
		t.Fatalf("child template = %q", child.Content.PromptTemplate)
	}
	hasDerived := false
	for _, tag := range child.Tags {
		if tag == "derived" {
			hasDerived = true
		}
	}
	if !hasDerived {
		t.Fatalf("child tags = %v", child.Tags)
	}

	entries, err := svc.History(ctx, child.ID)
	if err != nil || len(entries) == 0 {
		t.Fatalf("child history: %v %v", err, entries)
	}
	if entries[0].ActingAgentID != EvolutionAgentID {
		t.Fatalf("acting agent = %q", entries[0].ActingAgentID)
	}

	evolved := emitter.signals(core.SignalSkillEvolution)
	if len(evolved) != 1 {
		t.Fatalf("skill_evolution signals = %d", len(evolved))
	}
	if evolved[0].Payload["skill_name"] != "learn_french" {
		t.Fatalf("signal payload = %+v", evolved[0].Payload)
	}
}

func TestInstantiationDoesNotDuplicate(t *testing.T) {
	svc := newTestService(t)
	_, domain, _ := seedTestTree(t, svc)
	engine := startEngine(t, svc, nil, EngineConfig{InstantiationThreshold: 2})

	obs := Observation{SkillID: domain.ID, Subject: "german", Success: true}
	for i := 0; i < 6; i++ {
		engine.Enqueue(obs)
	}
	drain(t, engine)

	children, err := svc.List(context.Background(), ListFilter{ParentID: domain.ID})
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	germanCount := 0
	for _, c := range children {
		if c.Name == "learn_german" {
			germanCount++
		}
	}
	if germanCount != 1 {
		t.Fatalf("learn_german created %d times", germanCount)
	}
}

func TestRefinementAppendsKnowledgeWithoutProvider(t *testing.T) {
	svc := newTestService(t)
	_, _, specific := seedTestTree(t, svc)
	engine := startEngine(t, svc, nil, EngineConfig{})

	engine.Enqueue(Observation{
		ThreadID: "t-9",
		SkillID:  specific.ID,
		Success:  false,
		Feedback: "use simpler vocabulary for beginners",
	})
	drain(t, engine)

	ctx := context.Background()
	got, err := svc.Get(ctx, specific.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("version = %d, want 2", got.Version)
	}
	found := false
	for _, k := range got.Content.Knowledge {
		if strings.Contains(k, "use simpler vocabulary") {
			found = true
		}
	}
	if !found {
		t.Fatalf("feedback not appended: %v", got.Content.Knowledge)
	}

	entries, err := svc.History(ctx, specific.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if entries[0].SnapshotContent.PromptTemplate != "Teach English patiently." {
		t.Fatalf("snapshot = %+v", entries[0].SnapshotContent)
	}
}

func TestRefinementRewritesTemplateWithProvider(t *testing.T) {
	svc := newTestService(t)
	_, _, specific := seedTestTree(t, svc)
	provider := &llm.MockProvider{Response: "Teach English with phonetic examples."}
	engine := startEngine(t, svc, provider, EngineConfig{})

	engine.Enqueue(Observation{
		SkillID:  specific.ID,
		Success:  false,
		Feedback: "add pronunciation guidance",
	})
	drain(t, engine)

	got, err := svc.Get(context.Background(), specific.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content.PromptTemplate != "Teach English with phonetic examples." {
		t.Fatalf("template = %q", got.Content.PromptTemplate)
	}
	if got.Version != 2 {
		t.Fatalf("version = %d", got.Version)
	}
}

func TestRefinementFallsBackWhenProviderFails(t *testing.T) {
	svc := newTestService(t)
	_, _, specific := seedTestTree(t, svc)
	provider := &llm.FailingMockProvider{}
	engine := startEngine(t, svc, provider, EngineConfig{})

	engine.Enqueue(Observation{
		SkillID:  specific.ID,
		Success:  false,
		Feedback: "be more concise",
	})
	drain(t, engine)

	got, err := svc.Get(context.Background(), specific.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content.PromptTemplate != "Teach English patiently." {
		t.Fatalf("template should be untouched, got %q", got.Content.PromptTemplate)
	}
	if len(got.Content.Knowledge) == 0 {
		t.Fatal("feedback not preserved as knowledge")
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	svc := newTestService(t)
	_, domain, _ := seedTestTree(t, svc)
	// Not started: the queue fills and stays full.
	engine := NewEngine(svc, nil, nil, nil, nil, EngineConfig{QueueSize: 1})

	obs := Observation{SkillID: domain.ID, Subject: "x", Success: true}
	if !engine.Enqueue(obs) {
		t.Fatal("first enqueue should fit")
	}
	if engine.Enqueue(obs) {
		t.Fatal("second enqueue should be dropped")
	}
}

func TestObservationForUnknownSkillIsDropped(t *testing.T) {
	svc := newTestService(t)
	seedTestTree(t, svc)
	engine := startEngine(t, svc, nil, EngineConfig{})

	engine.Enqueue(Observation{SkillID: "missing", Subject: "x", Success: true})
	drain(t, engine) // must not wedge the worker

	engine.Enqueue(Observation{SkillID: "missing", Feedback: "f"})
	drain(t, engine)
}
