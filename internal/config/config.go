// Package config provides the configuration schema for the policy engine.
//
// Configuration is file-based (policy-engine.yaml) with environment variable
// overrides under the POLICY_ENGINE prefix. Every field has a working
// default: a bare `policy-engine serve` starts with an empty in-memory
// corpus, the memory record sink and telemetry off.
package config

import (
	"log/slog"
	"time"

	"github.com/spf13/viper"
)

// Record sink backends.
const (
	SinkMemory = "memory"
	SinkFile   = "file"
	SinkSQLite = "sqlite"
)

// Config is the top-level configuration for the policy engine.
type Config struct {
	// Server configures the HTTP listener and logging.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Env names the deployment environment. It is stamped on every
	// decision event and exposed through the info endpoint.
	Env string `yaml:"env" mapstructure:"env" validate:"omitempty,oneof=dev staging prod"`

	// Policy configures corpus loading and the decision cache.
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// Governance configures the budget alert thresholds the validator
	// checks numeric literals against.
	Governance GovernanceConfig `yaml:"governance" mapstructure:"governance"`

	// Approval configures the routing agent: rule source and the timezone
	// used for business-hours auto-approval windows.
	Approval ApprovalConfig `yaml:"approval" mapstructure:"approval"`

	// RecordSink configures decision and audit persistence.
	RecordSink RecordSinkConfig `yaml:"record_sink" mapstructure:"record_sink"`

	// Telemetry configures the OpenTelemetry span/metric mirror.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
}

// ServerConfig configures the HTTP server and logging.
type ServerConfig struct {
	// HTTPAddr is the address to listen on. Defaults to "127.0.0.1:3000"
	// (localhost only); set ":3000" or "0.0.0.0:3000" for network access.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error". Defaults to "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// JSONLogs switches the slog handler from text to JSON.
	JSONLogs bool `yaml:"json_logs" mapstructure:"json_logs"`
}

// PolicyConfig configures where the corpus comes from and how decisions are
// cached.
type PolicyConfig struct {
	// Dir is a directory of policy documents (YAML or JSON) walked at
	// boot. Empty means no file corpus; policies arrive through the admin
	// API instead.
	Dir string `yaml:"dir" mapstructure:"dir"`

	// Cache configures the decision cache.
	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`
}

// CacheConfig configures the decision cache.
type CacheConfig struct {
	// Enabled turns the cache on. Defaults to true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// TTLSeconds is how long a cached decision stays fresh. Defaults to 60.
	TTLSeconds int `yaml:"ttl_seconds" mapstructure:"ttl_seconds" validate:"omitempty,min=1"`

	// MaxEntries bounds the cache size. Defaults to 1024.
	MaxEntries int `yaml:"max_entries" mapstructure:"max_entries" validate:"omitempty,min=1"`
}

// TTL returns the configured entry lifetime as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// GovernanceConfig carries the budget alert levels. A policy rule that
// triggers at or above the critical level without denying raises an advisory
// violation; zero disables the corresponding check.
type GovernanceConfig struct {
	// WarningThresholdPercent is the budget warning level. Defaults to 80.
	WarningThresholdPercent float64 `yaml:"warning_threshold_percent" mapstructure:"warning_threshold_percent" validate:"omitempty,min=0,max=100"`

	// CriticalThresholdPercent is the budget critical level. Defaults to 95.
	CriticalThresholdPercent float64 `yaml:"critical_threshold_percent" mapstructure:"critical_threshold_percent" validate:"omitempty,min=0,max=100"`
}

// ApprovalConfig configures the approval routing agent.
type ApprovalConfig struct {
	// RulesFile is a YAML or JSON file of approval rules loaded at boot.
	// Empty means routing starts with no rules and builds empty chains.
	RulesFile string `yaml:"rules_file" mapstructure:"rules_file"`

	// Timezone is the IANA location for business-hours auto-approval
	// windows ("America/New_York"). Defaults to "Local".
	Timezone string `yaml:"timezone" mapstructure:"timezone" validate:"omitempty,tzlocation"`
}

// RecordSinkConfig configures decision/audit persistence.
type RecordSinkConfig struct {
	// Backend selects the sink: "memory", "file" (JSONL with rotation) or
	// "sqlite". Defaults to "memory".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory file sqlite"`

	// TimeoutMS bounds every synchronous sink write. Defaults to 2000.
	TimeoutMS int `yaml:"timeout_ms" mapstructure:"timeout_ms" validate:"omitempty,min=1"`

	// Dir is the record directory for the file backend.
	Dir string `yaml:"dir" mapstructure:"dir"`

	// DSN is the database path/DSN for the sqlite backend.
	DSN string `yaml:"dsn" mapstructure:"dsn"`
}

// Timeout returns the configured sink write bound as a duration.
func (r RecordSinkConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// TelemetryConfig configures the OpenTelemetry sink.
type TelemetryConfig struct {
	// Enabled turns span/metric mirroring on. Defaults to false.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Endpoint selects the exporter. Only "stdout" is supported.
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint" validate:"omitempty,oneof=stdout"`
}

// Level maps the configured log level to its slog value. Unknown strings
// fall back to info.
func (s ServerConfig) Level() slog.Level {
	switch s.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetDefaults applies the documented default values to zero fields.
func (c *Config) SetDefaults() {
	// Bind to localhost only unless the operator opts into network access.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:3000"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.Env == "" {
		c.Env = "dev"
	}

	// Cache defaults to on. viper.IsSet distinguishes "not set" from an
	// explicit false.
	if !viper.IsSet("policy.cache.enabled") {
		c.Policy.Cache.Enabled = true
	}
	if c.Policy.Cache.TTLSeconds == 0 {
		c.Policy.Cache.TTLSeconds = 60
	}
	if c.Policy.Cache.MaxEntries == 0 {
		c.Policy.Cache.MaxEntries = 1024
	}

	if c.Governance.WarningThresholdPercent == 0 {
		c.Governance.WarningThresholdPercent = 80
	}
	if c.Governance.CriticalThresholdPercent == 0 {
		c.Governance.CriticalThresholdPercent = 95
	}

	if c.Approval.Timezone == "" {
		c.Approval.Timezone = "Local"
	}

	if c.RecordSink.Backend == "" {
		c.RecordSink.Backend = SinkMemory
	}
	if c.RecordSink.TimeoutMS == 0 {
		c.RecordSink.TimeoutMS = 2000
	}

	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = "stdout"
	}
}
