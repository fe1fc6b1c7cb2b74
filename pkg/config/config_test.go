package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.LLM.Provider != "ollama" {
		t.Errorf("expected default provider ollama, got %s", cfg.LLM.Provider)
	}
	if cfg.Orchestrator.MaxRetriesPerTask != 2 {
		t.Errorf("expected max_retries_per_task 2, got %d", cfg.Orchestrator.MaxRetriesPerTask)
	}
	if cfg.Orchestrator.MaxReplansPerSession != 1 {
		t.Errorf("expected max_replans_per_session 1, got %d", cfg.Orchestrator.MaxReplansPerSession)
	}
	if cfg.Router.ThresholdSpecific != 0.85 {
		t.Errorf("expected threshold_specific 0.85, got %f", cfg.Router.ThresholdSpecific)
	}
	if cfg.Router.ThresholdDomain != 0.70 {
		t.Errorf("expected threshold_domain 0.70, got %f", cfg.Router.ThresholdDomain)
	}
	if cfg.Evolution.InstantiationThreshold != 1 {
		t.Errorf("expected instantiation_threshold 1, got %d", cfg.Evolution.InstantiationThreshold)
	}
	if cfg.Qdrant.Collection != "skills" {
		t.Errorf("expected qdrant collection skills, got %s", cfg.Qdrant.Collection)
	}
	if cfg.Embedding.Dim != 1536 {
		t.Errorf("expected embedding dim 1536, got %d", cfg.Embedding.Dim)
	}
}

func TestLoadEnv(t *testing.T) {
	os.Setenv("SEERLORD_LLM__PROVIDER", "mock")
	os.Setenv("SEERLORD_ROUTER__THRESHOLD_SPECIFIC", "0.9")
	defer os.Unsetenv("SEERLORD_LLM__PROVIDER")
	defer os.Unsetenv("SEERLORD_ROUTER__THRESHOLD_SPECIFIC")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.LLM.Provider != "mock" {
		t.Errorf("expected provider mock from env, got %s", cfg.LLM.Provider)
	}
	if cfg.Router.ThresholdSpecific != 0.9 {
		t.Errorf("expected threshold 0.9 from env, got %f", cfg.Router.ThresholdSpecific)
	}
}

func TestLoadWithProfile(t *testing.T) {
	tmpDir := t.TempDir()

	baseConfig := `
llm:
  provider: "ollama"
  model: "llama3.1"
log:
  level: "info"
`
	basePath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(basePath, []byte(baseConfig), 0644); err != nil {
		t.Fatalf("failed to write base config: %v", err)
	}

	devConfig := `
llm:
  provider: "mock"
log:
  level: "debug"
`
	devPath := filepath.Join(tmpDir, "config.dev.yaml")
	if err := os.WriteFile(devPath, []byte(devConfig), 0644); err != nil {
		t.Fatalf("failed to write dev config: %v", err)
	}

	tests := []struct {
		name         string
		profile      string
		wantProvider string
		wantLogLevel string
		wantModel    string
	}{
		{
			name:         "no profile - base only",
			profile:      "",
			wantProvider: "ollama",
			wantLogLevel: "info",
			wantModel:    "llama3.1",
		},
		{
			name:         "dev profile",
			profile:      "dev",
			wantProvider: "mock",
			wantLogLevel: "debug",
			wantModel:    "llama3.1", // not overridden in dev
		},
		{
			name:         "nonexistent profile - falls back to base",
			profile:      "staging",
			wantProvider: "ollama",
			wantLogLevel: "info",
			wantModel:    "llama3.1",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadWithProfile(basePath, tc.profile)
			if err != nil {
				t.Fatalf("LoadWithProfile failed: %v", err)
			}

			if cfg.LLM.Provider != tc.wantProvider {
				t.Errorf("provider: got %s, want %s", cfg.LLM.Provider, tc.wantProvider)
			}
			if cfg.Log.Level != tc.wantLogLevel {
				t.Errorf("log level: got %s, want %s", cfg.Log.Level, tc.wantLogLevel)
			}
			if cfg.LLM.Model != tc.wantModel {
				t.Errorf("model: got %s, want %s", cfg.LLM.Model, tc.wantModel)
			}
		})
	}
}

func TestLoadWithCLIProfile(t *testing.T) {
	tmpDir := t.TempDir()

	basePath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(basePath, []byte("llm:\n  provider: \"ollama\"\n"), 0644); err != nil {
		t.Fatalf("failed to write base config: %v", err)
	}
	devPath := filepath.Join(tmpDir, "config.dev.yaml")
	if err := os.WriteFile(devPath, []byte("llm:\n  provider: \"mock\"\n"), 0644); err != nil {
		t.Fatalf("failed to write dev config: %v", err)
	}

	tests := []struct {
		name         string
		args         []string
		wantProvider string
	}{
		{
			name:         "profile flag",
			args:         []string{"--config", basePath, "--profile", "dev"},
			wantProvider: "mock",
		},
		{
			name:         "env flag alias",
			args:         []string{"--config", basePath, "--env", "dev"},
			wantProvider: "mock",
		},
		{
			name:         "profile with equals",
			args:         []string{"--config=" + basePath, "--profile=dev"},
			wantProvider: "mock",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadWithCLI(tc.args)
			if err != nil {
				t.Fatalf("LoadWithCLI failed: %v", err)
			}

			if cfg.LLM.Provider != tc.wantProvider {
				t.Errorf("provider: got %s, want %s", cfg.LLM.Provider, tc.wantProvider)
			}
		})
	}
}

func TestLoadWithCLITelemetryHeaders(t *testing.T) {
	args := []string{
		"--set", "telemetry.exporter=otlp",
		"--set", "telemetry.otlp_endpoint=http://localhost:4317",
		"--set", "telemetry.otlp_headers.x-api-key=secret-token",
	}

	cfg, err := LoadWithCLI(args)
	if err != nil {
		t.Fatalf("LoadWithCLI failed: %v", err)
	}

	if cfg.Telemetry.Exporter != "otlp" {
		t.Errorf("expected exporter otlp, got %s", cfg.Telemetry.Exporter)
	}
	if cfg.Telemetry.OTLPEndpoint != "http://localhost:4317" {
		t.Errorf("expected endpoint, got %s", cfg.Telemetry.OTLPEndpoint)
	}
	if cfg.Telemetry.OTLPHeaders["x-api-key"] != "secret-token" {
		t.Errorf("expected x-api-key header, got %v", cfg.Telemetry.OTLPHeaders)
	}
}

func TestLoadWithCLIPolicyOverrides(t *testing.T) {
	args := []string{
		"--set", "orchestrator.max_retries_per_task=5",
		"--set", "router.threshold_domain=0.55",
		"--set", "evolution.instantiation_threshold=3",
	}

	cfg, err := LoadWithCLI(args)
	if err != nil {
		t.Fatalf("LoadWithCLI failed: %v", err)
	}
	if cfg.Orchestrator.MaxRetriesPerTask != 5 {
		t.Errorf("expected max retries 5, got %d", cfg.Orchestrator.MaxRetriesPerTask)
	}
	if cfg.Router.ThresholdDomain != 0.55 {
		t.Errorf("expected threshold 0.55, got %f", cfg.Router.ThresholdDomain)
	}
	if cfg.Evolution.InstantiationThreshold != 3 {
		t.Errorf("expected instantiation threshold 3, got %d", cfg.Evolution.InstantiationThreshold)
	}
}

func TestProfileConfigPath(t *testing.T) {
	tmpDir := t.TempDir()

	devPath := filepath.Join(tmpDir, "config.dev.yaml")
	if err := os.WriteFile(devPath, []byte("test"), 0644); err != nil {
		t.Fatalf("failed to create dev config: %v", err)
	}

	basePath := filepath.Join(tmpDir, "config.yaml")

	tests := []struct {
		name     string
		base     string
		profile  string
		wantPath string
	}{
		{"existing profile", basePath, "dev", devPath},
		{"nonexistent profile", basePath, "prod", ""},
		{"empty profile", basePath, "", ""},
		{"empty base", "", "dev", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := profileConfigPath(tc.base, tc.profile)
			if got != tc.wantPath {
				t.Errorf("profileConfigPath(%q, %q) = %q, want %q", tc.base, tc.profile, got, tc.wantPath)
			}
		})
	}
}
