package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for policy-engine.yaml/.yml
// in standard locations. The search requires an explicit YAML extension so
// the binary itself (same base name, no extension) never matches.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file in any standard location. Set name/type without
		// search paths so ReadInConfig returns ConfigFileNotFoundError,
		// which callers treat as env-vars-only mode.
		viper.SetConfigName("policy-engine")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: POLICY_ENGINE_SERVER_HTTP_ADDR
	viper.SetEnvPrefix("POLICY_ENGINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a policy-engine config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".policy-engine"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "policy-engine"))
		}
	} else {
		paths = append(paths, "/etc/policy-engine")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths returns the first policy-engine.yaml or .yml found
// in the given directories, or empty string.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "policy-engine"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds every config key for environment variable
// support. Example: POLICY_ENGINE_RECORD_SINK_BACKEND overrides
// record_sink.backend.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.json_logs")

	_ = viper.BindEnv("env")

	_ = viper.BindEnv("policy.dir")
	_ = viper.BindEnv("policy.cache.enabled")
	_ = viper.BindEnv("policy.cache.ttl_seconds")
	_ = viper.BindEnv("policy.cache.max_entries")

	_ = viper.BindEnv("governance.warning_threshold_percent")
	_ = viper.BindEnv("governance.critical_threshold_percent")

	_ = viper.BindEnv("approval.rules_file")
	_ = viper.BindEnv("approval.timezone")

	_ = viper.BindEnv("record_sink.backend")
	_ = viper.BindEnv("record_sink.timeout_ms")
	_ = viper.BindEnv("record_sink.dir")
	_ = viper.BindEnv("record_sink.dsn")

	_ = viper.BindEnv("telemetry.enabled")
	_ = viper.BindEnv("telemetry.endpoint")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults and validates. A missing config file is not an error; the
// engine runs on defaults plus environment variables.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration and applies defaults but does NOT
// validate. Use when CLI flags override fields before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or empty
// string in env-vars-only mode.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
