// Package config loads kernel configuration from defaults, YAML files and
// environment variables, in that order of precedence (later wins).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "SEERLORD_"

type Config struct {
	Log          LogConfig          `koanf:"log"`
	Server       ServerConfig       `koanf:"server"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	LLM          LLMConfig          `koanf:"llm"`
	Embedding    EmbeddingConfig    `koanf:"embedding"`
	Qdrant       QdrantConfig       `koanf:"qdrant"`
	Storage      StorageConfig      `koanf:"storage"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Router       RouterConfig       `koanf:"router"`
	Evolution    EvolutionConfig    `koanf:"evolution"`
	Skills       SkillsConfig       `koanf:"skills"`
	Plugins      PluginsConfig      `koanf:"plugins"`
	MCP          MCPConfig          `koanf:"mcp"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

type TelemetryConfig struct {
	Enabled      bool              `koanf:"enabled"`
	Exporter     string            `koanf:"exporter"` // stdout, otlp
	ServiceName  string            `koanf:"service_name"`
	OTLPEndpoint string            `koanf:"otlp_endpoint"`
	OTLPHeaders  map[string]string `koanf:"otlp_headers"`
	OTLPUser     string            `koanf:"otlp_user"`
	OTLPToken    string            `koanf:"otlp_token"`
}

type LLMConfig struct {
	Provider       string `koanf:"provider"` // ollama, mock
	Model          string `koanf:"model"`
	BaseURL        string `koanf:"base_url"`
	APIKey         string `koanf:"api_key"`
	TimeoutSeconds int    `koanf:"timeout_seconds"`
	MaxRetries     int    `koanf:"max_retries"`
}

// Timeout returns the per-call LLM deadline.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type EmbeddingConfig struct {
	Provider string `koanf:"provider"` // ollama, hash
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	Dim      int    `koanf:"dim"`
}

type QdrantConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Addr       string `koanf:"addr"`
	Collection string `koanf:"collection"`
}

type StorageConfig struct {
	Driver string `koanf:"driver"` // sqlite, memory
	Path   string `koanf:"path"`
}

type OrchestratorConfig struct {
	MaxRetriesPerTask    int            `koanf:"max_retries_per_task"`
	MaxReplansPerSession int            `koanf:"max_replans_per_session"`
	MaxTransitions       int            `koanf:"max_transitions"`
	EventBuffer          int            `koanf:"event_buffer"`
	Approval             ApprovalConfig `koanf:"approval"`
}

type ApprovalConfig struct {
	Enabled              bool `koanf:"enabled"`
	TTLSeconds           int  `koanf:"ttl_seconds"`
	SweepIntervalSeconds int  `koanf:"sweep_interval_seconds"`
}

// TTL returns how long a pending approval stays resumable.
func (c ApprovalConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// SweepInterval returns the cadence of the expiry sweeper. Zero disables it.
func (c ApprovalConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

type RouterConfig struct {
	ThresholdSpecific float64 `koanf:"threshold_specific"`
	ThresholdDomain   float64 `koanf:"threshold_domain"`
	SearchLimit       int     `koanf:"search_limit"`
}

type EvolutionConfig struct {
	Enabled                  bool    `koanf:"enabled"`
	InstantiationThreshold   int     `koanf:"instantiation_threshold"`
	QueueSize                int     `koanf:"queue_size"`
	InductionIntervalSeconds int     `koanf:"induction_interval_seconds"`
	InductionMinSiblings     int     `koanf:"induction_min_siblings"`
	InductionSimilarity      float64 `koanf:"induction_similarity"`
	RefineRatingThreshold    float64 `koanf:"refine_rating_threshold"`
	RefineMinRatings         int     `koanf:"refine_min_ratings"`
}

// InductionInterval returns the cadence of the induction batch. Zero
// disables periodic induction; manual triggers still work.
func (c EvolutionConfig) InductionInterval() time.Duration {
	return time.Duration(c.InductionIntervalSeconds) * time.Second
}

type SkillsConfig struct {
	SeedDir           string   `koanf:"seed_dir"`
	EnsureDefaults    bool     `koanf:"ensure_defaults"`
	DefaultCategories []string `koanf:"default_categories"`
}

type PluginsConfig struct {
	Enabled []string `koanf:"enabled"`
}

type MCPConfig struct {
	Servers map[string]MCPServerConfig `koanf:"servers"`
}

type MCPServerConfig struct {
	Transport       string   `koanf:"transport"` // stdio, http
	Command         string   `koanf:"command"`
	Args            []string `koanf:"args"`
	URL             string   `koanf:"url"`
	ProtocolVersion string   `koanf:"protocol_version"`
	TimeoutSeconds  *int     `koanf:"timeout_seconds"`
	RetryCount      *int     `koanf:"retry_count"`
	RetryBackoffMs  *int     `koanf:"retry_backoff_ms"`
	AllowedTools    []string `koanf:"allowed_tools"`
}

func setDefaults(k *koanf.Koanf) {
	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("server.addr", ":8420")

	k.Set("telemetry.enabled", true)
	k.Set("telemetry.exporter", "stdout")
	k.Set("telemetry.service_name", "seerlord")

	k.Set("llm.provider", "ollama")
	k.Set("llm.model", "qwen2.5:7b-instruct")
	k.Set("llm.base_url", "http://localhost:11434")
	k.Set("llm.timeout_seconds", 30)
	k.Set("llm.max_retries", 3)

	k.Set("embedding.provider", "hash")
	k.Set("embedding.model", "nomic-embed-text")
	k.Set("embedding.base_url", "http://localhost:11434")
	k.Set("embedding.dim", 1536)

	k.Set("qdrant.enabled", false)
	k.Set("qdrant.addr", "localhost:6334")
	k.Set("qdrant.collection", "skills")

	k.Set("storage.driver", "sqlite")
	k.Set("storage.path", "seerlord.db")

	k.Set("orchestrator.max_retries_per_task", 2)
	k.Set("orchestrator.max_replans_per_session", 1)
	k.Set("orchestrator.max_transitions", 64)
	k.Set("orchestrator.event_buffer", 64)
	k.Set("orchestrator.approval.enabled", false)
	k.Set("orchestrator.approval.ttl_seconds", 86400)
	k.Set("orchestrator.approval.sweep_interval_seconds", 60)

	k.Set("router.threshold_specific", 0.85)
	k.Set("router.threshold_domain", 0.70)
	k.Set("router.search_limit", 3)

	k.Set("evolution.enabled", true)
	k.Set("evolution.instantiation_threshold", 1)
	k.Set("evolution.queue_size", 128)
	k.Set("evolution.induction_interval_seconds", 0)
	k.Set("evolution.induction_min_siblings", 3)
	k.Set("evolution.induction_similarity", 0.80)
	k.Set("evolution.refine_rating_threshold", 3.0)
	k.Set("evolution.refine_min_ratings", 3)

	k.Set("skills.seed_dir", "")
	k.Set("skills.ensure_defaults", true)
	k.Set("skills.default_categories", []string{"general"})
}

// Load builds the configuration from defaults, an optional YAML file, and
// SEERLORD_* environment variables (SEERLORD_LLM__PROVIDER -> llm.provider).
func Load(path string) (*Config, error) {
	return load(path, "", nil)
}

// LoadWithProfile loads the base file plus an optional profile overlay
// (config.yaml + config.<profile>.yaml). Missing profile files fall back to
// the base configuration.
func LoadWithProfile(path, profile string) (*Config, error) {
	return load(path, profile, nil)
}

// LoadWithCLI parses --config, --profile/--env and repeated --set key=value
// arguments on top of the regular load order. CLI overrides win over files
// and environment.
func LoadWithCLI(args []string) (*Config, error) {
	path, profile, overrides, err := parseCLIArgs(args)
	if err != nil {
		return nil, err
	}
	return load(path, profile, overrides)
}

func load(path, profile string, overrides map[string]string) (*Config, error) {
	k := koanf.New(".")
	setDefaults(k)

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if profilePath := profileConfigPath(path, profile); profilePath != "" {
		if err := k.Load(file.Provider(profilePath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load profile config %s: %w", profilePath, err)
		}
	}

	// SEERLORD_ROUTER__THRESHOLD_SPECIFIC -> router.threshold_specific.
	// Double underscore separates sections so keys may contain underscores.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range overrides {
		k.Set(key, value)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// profileConfigPath resolves config.<profile>.yaml next to the base config.
// Returns "" when the profile file does not exist.
func profileConfigPath(base, profile string) string {
	if base == "" || profile == "" {
		return ""
	}
	dir := filepath.Dir(base)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(filepath.Base(base), ext)
	candidate := filepath.Join(dir, name+"."+profile+ext)
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}

func parseCLIArgs(args []string) (path, profile string, overrides map[string]string, err error) {
	overrides = make(map[string]string)
	setOverride := func(pair string) error {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("invalid --set %q, want key=value", pair)
		}
		overrides[key] = value
		return nil
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--config":
			if i+1 >= len(args) {
				return "", "", nil, fmt.Errorf("missing value for --config")
			}
			i++
			path = args[i]
		case strings.HasPrefix(arg, "--config="):
			path = strings.TrimPrefix(arg, "--config=")
		case arg == "--profile" || arg == "--env":
			if i+1 >= len(args) {
				return "", "", nil, fmt.Errorf("missing value for %s", arg)
			}
			i++
			profile = args[i]
		case strings.HasPrefix(arg, "--profile="):
			profile = strings.TrimPrefix(arg, "--profile=")
		case strings.HasPrefix(arg, "--env="):
			profile = strings.TrimPrefix(arg, "--env=")
		case arg == "--set":
			if i+1 >= len(args) {
				return "", "", nil, fmt.Errorf("missing value for --set")
			}
			i++
			if err := setOverride(args[i]); err != nil {
				return "", "", nil, err
			}
		case strings.HasPrefix(arg, "--set="):
			if err := setOverride(strings.TrimPrefix(arg, "--set=")); err != nil {
				return "", "", nil, err
			}
		default:
			return "", "", nil, fmt.Errorf("unknown config flag %q", arg)
		}
	}
	return path, profile, overrides, nil
}
