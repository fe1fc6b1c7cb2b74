package telemetry

import (
	"context"
	"testing"
)

func TestInit(t *testing.T) {
	shutdown, err := Init("test-service", "v0.0.1")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if shutdown == nil {
		t.Fatal("Shutdown function should not be nil")
	}

	// Ensure shutdown works
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestInitWithConfigUnknownExporter(t *testing.T) {
	if _, err := InitWithConfig("test-service", "v0.0.1", Config{Exporter: "bogus"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInitOTLPRequiresEndpoint(t *testing.T) {
	if _, err := InitWithConfig("test-service", "v0.0.1", Config{Exporter: "otlp"}); err == nil {
		t.Fatal("expected error for missing otlp endpoint")
	}
}

func TestOTLPHeadersBasicAuth(t *testing.T) {
	headers := otlpHeaders(Config{OTLPUser: "tenant", OTLPToken: "secret"})
	if headers["Authorization"] == "" {
		t.Fatal("expected Authorization header from user/token")
	}

	// Explicit Authorization wins over user/token.
	headers = otlpHeaders(Config{
		OTLPHeaders: map[string]string{"Authorization": "Bearer abc"},
		OTLPUser:    "tenant",
		OTLPToken:   "secret",
	})
	if headers["Authorization"] != "Bearer abc" {
		t.Fatalf("expected explicit Authorization to win, got %q", headers["Authorization"])
	}
}
