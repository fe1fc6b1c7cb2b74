package plugin

import (
	"fmt"
	"testing"

	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
)

func registerEcho(t *testing.T, r *Registry, id string) {
	t.Helper()
	p, err := NewFunc(id, echoHandler, WithDescription("echo "+id))
	if err != nil {
		t.Fatalf("new func: %v", err)
	}
	if err := r.Register(p); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	registerEcho(t, r, "calculator")

	p, err := r.Get("calculator")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Descriptor().ID != "calculator" {
		t.Fatalf("unexpected plugin: %q", p.Descriptor().ID)
	}
	if !r.Has("calculator") || r.Has("unknown") {
		t.Fatal("unexpected Has results")
	}
	if r.Len() != 1 {
		t.Fatalf("unexpected len: %d", r.Len())
	}
}

func TestRegistryUnknownTargetIsConfigurationError(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("ghost"); !kerrors.IsCode(err, kerrors.CodeConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	registerEcho(t, r, "calculator")

	dup, err := NewFunc("calculator", echoHandler)
	if err != nil {
		t.Fatalf("new func: %v", err)
	}
	if err := r.Register(dup); !kerrors.IsCode(err, kerrors.CodeConfiguration) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("duplicate changed registry size: %d", r.Len())
	}
}

func TestRegistryRejectsNilAndAnonymous(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(nil); !kerrors.IsCode(err, kerrors.CodeConfiguration) {
		t.Fatalf("expected error for nil plugin, got %v", err)
	}
	anon := &FuncPlugin{handler: echoHandler}
	if err := r.Register(anon); !kerrors.IsCode(err, kerrors.CodeConfiguration) {
		t.Fatalf("expected error for empty id, got %v", err)
	}
}

func TestRegistryListKeepsRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 5; i++ {
		registerEcho(t, r, fmt.Sprintf("plugin_%d", i))
	}

	descriptors := r.List()
	if len(descriptors) != 5 {
		t.Fatalf("unexpected list size: %d", len(descriptors))
	}
	for i, desc := range descriptors {
		if want := fmt.Sprintf("plugin_%d", i); desc.ID != want {
			t.Fatalf("position %d: got %q want %q", i, desc.ID, want)
		}
	}
}
