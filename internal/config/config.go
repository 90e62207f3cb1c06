// Package config handles loading and validating Idhini configuration,
// and owns the runtime snapshot store shared by every component.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Idhini. DataDir defaults to ~/.idhini
// and is overridden by the IDHINI_DATA_DIR env var; a nil Gateway disables
// the HTTP operator API and a nil Observability disables metrics and tracing.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`
	Model         string               `json:"model" yaml:"model"`
	Budget        BudgetConfig         `json:"budget" yaml:"budget"`
	Approval      ApprovalConfig       `json:"approval" yaml:"approval"`
	Provider      ProviderConfig       `json:"provider" yaml:"provider"`
	RateLimit     RateLimitConfig      `json:"rate_limit" yaml:"rate_limit"`
	Gateway       *GatewayConfig       `json:"gateway,omitempty" yaml:"gateway,omitempty"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"`
	Tools         ToolsConfig          `json:"tools" yaml:"tools"`
}

// BudgetConfig configures the token budget guard on the dispatch path.
type BudgetConfig struct {
	MaxInputTokens int `json:"max_input_tokens" yaml:"max_input_tokens"` // Hard ceiling per outbound request. 0 = unlimited.
	WarnTokens     int `json:"warn_tokens" yaml:"warn_tokens"`           // Advisory threshold. Must be <= max_input_tokens.
}

// ApprovalConfig configures the human-in-the-loop approval gate.
type ApprovalConfig struct {
	TimeoutS        int    `json:"timeout_s" yaml:"timeout_s"`               // Seconds to wait for a decision. Default: 300.
	RetentionS      int    `json:"retention_s" yaml:"retention_s"`           // Seconds to keep decided requests for audit. Default: 2x timeout.
	CleanupSchedule string `json:"cleanup_schedule" yaml:"cleanup_schedule"` // Cron expression for the retention sweep. Default: "@every 5m".
	AuditDBPath     string `json:"audit_db_path" yaml:"audit_db_path"`       // SQLite file for the decision audit trail. Empty = derived from data_dir.
}

// Timeout returns the approval timeout, defaulting to 5 minutes.
func (a *ApprovalConfig) Timeout() time.Duration {
	if a.TimeoutS > 0 {
		return time.Duration(a.TimeoutS) * time.Second
	}
	return 5 * time.Minute
}

// Retention returns how long decided requests stay available for audit.
func (a *ApprovalConfig) Retention() time.Duration {
	if a.RetentionS > 0 {
		return time.Duration(a.RetentionS) * time.Second
	}
	return 2 * a.Timeout()
}

// Schedule returns the cron expression for the retention sweep.
func (a *ApprovalConfig) Schedule() string {
	if a.CleanupSchedule != "" {
		return a.CleanupSchedule
	}
	return "@every 5m"
}

// ProviderConfig holds LLM provider settings.
// The API key can be set here or overridden by the ANTHROPIC_API_KEY env var.
type ProviderConfig struct {
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"` // Override for testing / proxies.
}

// RateLimitConfig configures the client-side request limiter per model.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // 0 = defaults to RequestsPerMinute.
}

// GatewayConfig configures the HTTP operator API.
type GatewayConfig struct {
	ListenAddr        string            `json:"listen_addr" yaml:"listen_addr"` // e.g. ":8080"
	APIKeys           map[string]string `json:"api_keys" yaml:"api_keys"`       // API key -> operator ID mapping.
	RequestsPerMinute int               `json:"requests_per_minute" yaml:"requests_per_minute"`
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry tracing via OTLP.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP collector endpoint.
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" (default) or "http".
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Disable TLS to the collector.
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0 = 1.0 (sample everything).
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "idhini".
}

// ToolsConfig controls which built-in tools are registered.
type ToolsConfig struct {
	Shell ShellToolConfig `json:"shell" yaml:"shell"`
	File  FileToolConfig  `json:"file" yaml:"file"`
}

// ShellToolConfig configures the shell execution tool.
type ShellToolConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	DefaultTimeout string `json:"default_timeout" yaml:"default_timeout"` // Duration string. Default: "30s".
	WorkingDir     string `json:"working_dir" yaml:"working_dir"`         // Empty = process working directory.
}

// FileToolConfig configures the read-only file tool.
type FileToolConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Root    string `json:"root" yaml:"root"` // Reads are confined under this directory. Empty = data dir.
}

// DefaultConfigPath returns ~/.idhini/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".idhini", "config.yaml")
}

// Load reads a YAML config file and returns a validated Config.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", resolved, err)
	}

	// Environment variable overrides.
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		cfg.Provider.APIKey = envKey
	}
	if envDD := os.Getenv("IDHINI_DATA_DIR"); envDD != "" {
		cfg.DataDir = envDD
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolvedDataDir returns the data directory, defaulting to ~/.idhini.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir != "" {
		if dir, err := resolvePath(c.DataDir); err == nil {
			return dir
		}
		return c.DataDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".idhini"
	}
	return filepath.Join(home, ".idhini")
}

// AuditDBPath returns the SQLite audit trail path, derived from the data dir
// when not set explicitly.
func (c *Config) AuditDBPath() string {
	if c.Approval.AuditDBPath != "" {
		return c.Approval.AuditDBPath
	}
	return filepath.Join(c.ResolvedDataDir(), "approvals.db")
}

// Snapshot derives the initial runtime snapshot from the file config.
func (c *Config) Snapshot() Snapshot {
	return Snapshot{
		Model:           c.Model,
		TokenBudget:     c.Budget.MaxInputTokens,
		WarnThreshold:   c.Budget.WarnTokens,
		ApprovalTimeout: c.Approval.Timeout(),
	}
}

func (c *Config) validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Budget.MaxInputTokens < 0 {
		return fmt.Errorf("budget.max_input_tokens must be >= 0, got %d", c.Budget.MaxInputTokens)
	}
	if c.Budget.WarnTokens < 0 {
		return fmt.Errorf("budget.warn_tokens must be >= 0, got %d", c.Budget.WarnTokens)
	}
	if c.Budget.MaxInputTokens > 0 && c.Budget.WarnTokens > c.Budget.MaxInputTokens {
		return fmt.Errorf("budget.warn_tokens (%d) must be <= budget.max_input_tokens (%d)",
			c.Budget.WarnTokens, c.Budget.MaxInputTokens)
	}
	if c.Approval.TimeoutS < 0 {
		return fmt.Errorf("approval.timeout_s must be >= 0, got %d", c.Approval.TimeoutS)
	}
	if c.Gateway != nil {
		if c.Gateway.ListenAddr == "" {
			return fmt.Errorf("gateway.listen_addr is required when the gateway is configured")
		}
		if len(c.Gateway.APIKeys) == 0 {
			return fmt.Errorf("gateway.api_keys must not be empty when the gateway is configured")
		}
	}
	return nil
}

func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
