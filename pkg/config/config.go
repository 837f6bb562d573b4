// Package config loads the flow engine's configuration from a YAML/JSON
// file plus environment overrides, following the same envdecode+godotenv+
// yaml.v3 layering the rest of this codebase uses.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the public HTTP Flow API.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// AuthConfig controls HTTP API authentication for the public and internal
// actor-protocol surfaces.
type AuthConfig struct {
	Tokens    []string `json:"tokens"`
	JWTSecret string   `json:"jwt_secret" env:"AUTH_JWT_SECRET"`
}

// TracingConfig configures OTLP/Tracing exporters.
type TracingConfig struct {
	Endpoint           string            `json:"endpoint" env:"TRACING_OTLP_ENDPOINT"`
	Insecure           bool              `json:"insecure" env:"TRACING_OTLP_INSECURE"`
	ServiceName        string            `json:"service_name" env:"TRACING_SERVICE_NAME"`
	ResourceAttributes map[string]string `json:"resource_attributes" mapstructure:"resource_attributes"`
	AttributesEnv      string            `json:"-" yaml:"-" env:"TRACING_OTLP_ATTRIBUTES"`
}

// FlowConfig holds the recognized options of §6.5: store sharding/TTL,
// idempotency capacity, rate limiting, cycle-detection bounds, and hook
// timeout defaults.
type FlowConfig struct {
	DefaultFlowTTLMs       int `json:"default_flow_ttl_ms" env:"FLOW_DEFAULT_TTL_MS"`
	MaxProcessedRequestIDs int `json:"max_processed_request_ids" env:"FLOW_MAX_PROCESSED_REQUEST_IDS"`
	ShardCount             int `json:"shard_count" env:"FLOW_SHARD_COUNT"`

	RateLimitWindowMs   int `json:"rate_limit_window_ms" env:"FLOW_RATE_LIMIT_WINDOW_MS"`
	MaxRequestsPerWindow int `json:"max_requests_per_window" env:"FLOW_MAX_REQUESTS_PER_WINDOW"`
	SessionTimeoutMs    int `json:"session_timeout_ms" env:"FLOW_SESSION_TIMEOUT_MS"`

	MaxVisitsPerNode   int `json:"max_visits_per_node" env:"FLOW_MAX_VISITS_PER_NODE"`
	MaxTotalNodes      int `json:"max_total_nodes" env:"FLOW_MAX_TOTAL_NODES"`
	MaxVisitedHistory  int `json:"max_visited_history" env:"FLOW_MAX_VISITED_HISTORY"`

	BeforeHookTimeoutMs int `json:"before_hook_timeout_ms" env:"FLOW_BEFORE_HOOK_TIMEOUT_MS"`
	AfterHookTimeoutMs  int `json:"after_hook_timeout_ms" env:"FLOW_AFTER_HOOK_TIMEOUT_MS"`
	DefaultHookPriority int `json:"default_hook_priority" env:"FLOW_DEFAULT_HOOK_PRIORITY"`
}

func (f FlowConfig) TTL() time.Duration {
	return time.Duration(f.DefaultFlowTTLMs) * time.Millisecond
}

func (f FlowConfig) RateLimitWindow() time.Duration {
	return time.Duration(f.RateLimitWindowMs) * time.Millisecond
}

func (f FlowConfig) SessionTimeout() time.Duration {
	return time.Duration(f.SessionTimeoutMs) * time.Millisecond
}

func (f FlowConfig) BeforeHookTimeout() time.Duration {
	return time.Duration(f.BeforeHookTimeoutMs) * time.Millisecond
}

func (f FlowConfig) AfterHookTimeout() time.Duration {
	return time.Duration(f.AfterHookTimeoutMs) * time.Millisecond
}

// Config is the top-level configuration structure.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Logging LoggingConfig `json:"logging"`
	Auth    AuthConfig    `json:"auth"`
	Tracing TracingConfig `json:"tracing"`
	Flow    FlowConfig    `json:"flow"`
}

// New returns a configuration populated with the defaults of spec §6.5.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "flowengine",
		},
		Auth:    AuthConfig{},
		Tracing: TracingConfig{},
		Flow: FlowConfig{
			DefaultFlowTTLMs:       600_000,
			MaxProcessedRequestIDs: 100,
			ShardCount:             32,
			RateLimitWindowMs:      60_000,
			MaxRequestsPerWindow:   30,
			SessionTimeoutMs:       1_800_000,
			MaxVisitsPerNode:       3,
			MaxTotalNodes:          50,
			MaxVisitedHistory:      200,
			BeforeHookTimeoutMs:    5_000,
			AfterHookTimeoutMs:     30_000,
			DefaultHookPriority:    0,
		},
	}
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func (t *TracingConfig) normalize() {
	if t == nil {
		return
	}
	t.MergeAttributes(t.AttributesEnv)
}

// MergeAttributes merges comma-separated key=value pairs into ResourceAttributes.
func (t *TracingConfig) MergeAttributes(raw string) {
	if t == nil {
		return
	}
	pairs := parseAttributePairs(raw)
	if len(pairs) == 0 {
		return
	}
	if t.ResourceAttributes == nil {
		t.ResourceAttributes = make(map[string]string, len(pairs))
	}
	for k, v := range pairs {
		if k == "" {
			continue
		}
		t.ResourceAttributes[k] = v
	}
}

func parseAttributePairs(raw string) map[string]string {
	result := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		key := strings.TrimSpace(kv[0])
		if key == "" {
			continue
		}
		val := ""
		if len(kv) > 1 {
			val = strings.TrimSpace(kv[1])
		}
		result[key] = val
	}
	return result
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	c.Tracing.normalize()
}
