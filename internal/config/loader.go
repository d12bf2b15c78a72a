// Package config provides configuration loading for mcpmux.
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
// variables. If configFile is empty, it searches for mcpmux.yaml/.yml in
// standard locations. The search requires an explicit YAML extension to
// avoid matching the binary itself, which Viper's built-in SetConfigName
// would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("mcpmux")
		viper.SetConfigType("yaml")
	}

	// General environment variable support: MCPMUX_SERVER_HTTP_ADDR, etc.
	viper.SetEnvPrefix("MCPMUX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
	bindNamedEnvKeys()
}

// findConfigFile searches standard locations for an mcpmux config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".mcpmux"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "mcpmux"))
		}
	} else {
		paths = append(paths, "/etc/mcpmux")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for mcpmux.yaml or
// .yml. Returns the full path of the first match, or empty string if none
// found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "mcpmux"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds the nested config keys for MCPMUX_-prefixed
// environment variable support (e.g. MCPMUX_SERVER_HTTP_ADDR overrides
// server.http_addr).
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.base_url")
	_ = viper.BindEnv("server.legacy_mode")
	_ = viper.BindEnv("server.tls_cert_file")
	_ = viper.BindEnv("server.tls_key_file")

	_ = viper.BindEnv("store.backend")
	_ = viper.BindEnv("store.path")

	_ = viper.BindEnv("rate_limit.enabled")
	_ = viper.BindEnv("rate_limit.ip_rate")
	_ = viper.BindEnv("rate_limit.user_rate")
	_ = viper.BindEnv("rate_limit.cleanup_interval")
	_ = viper.BindEnv("rate_limit.max_ttl")

	_ = viper.BindEnv("dev_mode")

	// Identities/api_keys are arrays, complex to override via env; use the
	// config file for these.
}

// bindNamedEnvKeys binds the five environment variables named by the wire
// contract under their literal names, unprefixed, taking precedence over
// the generic MCPMUX_-prefixed equivalents.
func bindNamedEnvKeys() {
	_ = viper.BindEnv("server.auth_secret", "AUTH_SECRET")
	_ = viper.BindEnv("server.disable_auth", "DISABLE_AUTH")
	_ = viper.BindEnv("server.session_timeout_minutes", "MCP_SESSION_TIMEOUT_MINUTES")
	_ = viper.BindEnv("server.session_cleanup_interval_minutes", "MCP_SESSION_CLEANUP_INTERVAL_MINUTES")
	_ = viper.BindEnv("server.base_url", "MCP_SERVER_BASE_URL")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and returns the Config. Callers that need to apply CLI
// flag overrides (e.g. --dev) before dev defaults/validation should use
// LoadConfigRaw instead.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but
// does NOT apply dev defaults or validate.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file found - continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded. Returns an empty string if no config file was found (env vars
// only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
