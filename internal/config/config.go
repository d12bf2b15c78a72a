// Package config provides the configuration schema for mcpmux, the
// multi-tenant MCP orchestrating proxy.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for mcpmux.
type Config struct {
	// Server configures the SSE listener and the unified endpoint's
	// authentication/session behavior.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Store selects and configures the ConfigStore backend that holds
	// project -> upstream definitions and tool preferences.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Auth seeds the reference access-controller's identity/API-key store.
	// Optional: when empty and DisableAuth is false, no API-key credential
	// will ever resolve (only a valid JWT can authenticate).
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// RateLimit configures optional per-IP rate limiting on the SSE
	// transport.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// DevMode enables permissive defaults suited to local development
	// (verbose logging, a seeded dev identity, unsigned JWTs accepted).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the SSE listener (C6) and the session/auth
// behavior of the unified and per-server endpoints.
type ServerConfig struct {
	// HTTPAddr is the address the SSE transport listens on.
	// Defaults to "127.0.0.1:8080" if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level: "debug", "info", "warn", "error".
	// Defaults to "info". DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// BaseURL is the base URL advertised in a client-config export for this
	// server's unified endpoint (e.g. "https://mcp.example.com"). Bound to
	// the MCP_SERVER_BASE_URL environment variable.
	BaseURL string `yaml:"base_url" mapstructure:"base_url" validate:"omitempty,url"`

	// LegacyMode disables tool-name namespacing. Every ClientSession the
	// SSE transport opens takes this value; a client cannot choose its own
	// mode on connect.
	LegacyMode bool `yaml:"legacy_mode" mapstructure:"legacy_mode"`

	// AllowedOrigins is the Origin allow-list of the SSE transport's
	// DNS-rebinding protection. Empty rejects every request that carries
	// an Origin header; requests without one are always let through.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`

	// TLSCertFile and TLSKeyFile enable TLS on the listener when both are
	// set. Leave both empty to serve plain HTTP (e.g. behind a reverse
	// proxy that terminates TLS).
	TLSCertFile string `yaml:"tls_cert_file" mapstructure:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file" mapstructure:"tls_key_file"`

	// AuthSecret is the HMAC key used to verify signed JWT bearer tokens.
	// Bound to the AUTH_SECRET environment variable. Unless DisableAuth is
	// true, validation requires it, an API key, or AllowUnsignedJWT.
	AuthSecret string `yaml:"auth_secret" mapstructure:"auth_secret"`

	// DisableAuth turns off credential verification entirely: every
	// request is accepted as an anonymous principal. Bound to the
	// DISABLE_AUTH environment variable. Never true outside local
	// development.
	DisableAuth bool `yaml:"disable_auth" mapstructure:"disable_auth"`

	// AllowUnsignedJWT accepts alg=none JWTs. Only ever set in DevMode.
	AllowUnsignedJWT bool `yaml:"allow_unsigned_jwt" mapstructure:"allow_unsigned_jwt"`

	// SessionTimeoutMinutes is how long an idle upstream session, and a
	// ClientSession without activity, survive before eviction. Bound to MCP_SESSION_TIMEOUT_MINUTES. Defaults to
	// 30 if zero.
	SessionTimeoutMinutes int `yaml:"session_timeout_minutes" mapstructure:"session_timeout_minutes" validate:"omitempty,min=1"`

	// SessionCleanupIntervalMinutes is how often the eviction sweeps (of
	// upstream sessions and of ClientSessions) run.
	// Bound to MCP_SESSION_CLEANUP_INTERVAL_MINUTES. Defaults to 5 if
	// zero.
	SessionCleanupIntervalMinutes int `yaml:"session_cleanup_interval_minutes" mapstructure:"session_cleanup_interval_minutes" validate:"omitempty,min=1"`
}

// SessionTimeout returns the configured session idle timeout as a
// Duration, applying the default when unset.
func (c ServerConfig) SessionTimeout() time.Duration {
	if c.SessionTimeoutMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.SessionTimeoutMinutes) * time.Minute
}

// SessionCleanupInterval returns the configured eviction-sweep interval as
// a Duration, applying the default when unset.
func (c ServerConfig) SessionCleanupInterval() time.Duration {
	if c.SessionCleanupIntervalMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.SessionCleanupIntervalMinutes) * time.Minute
}

// StoreConfig selects the ConfigStore backend.
type StoreConfig struct {
	// Backend is "sqlite" or "yaml".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"required,oneof=sqlite yaml"`
	// Path is the sqlite database file, or the YAML document, depending on
	// Backend.
	Path string `yaml:"path" mapstructure:"path" validate:"required"`
}

// AuthConfig seeds the reference access-controller's file-based
// identity/API-key store.
type AuthConfig struct {
	// Identities defines the known identities (projects/services).
	Identities []IdentityConfig `yaml:"identities" mapstructure:"identities" validate:"omitempty,dive"`

	// APIKeys defines the API keys that map to identities.
	APIKeys []APIKeyConfig `yaml:"api_keys" mapstructure:"api_keys" validate:"omitempty,dive"`
}

// IdentityConfig defines a file-based identity.
type IdentityConfig struct {
	ID    string   `yaml:"id" mapstructure:"id" validate:"required"`
	Name  string   `yaml:"name" mapstructure:"name" validate:"required"`
	Roles []string `yaml:"roles" mapstructure:"roles" validate:"required,min=1"`
}

// APIKeyConfig defines an API key that authenticates as an identity.
type APIKeyConfig struct {
	// KeyHash is the Argon2id hash of the API key, as produced by
	// auth.HashKeyArgon2id.
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required"`
	// IdentityID references the identity this key authenticates as. Must
	// match an ID in Auth.Identities.
	IdentityID string `yaml:"identity_id" mapstructure:"identity_id" validate:"required"`
}

// RateLimitConfig configures the SSE transport's rate limiter.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// IPRate is the maximum requests per minute per IP address.
	IPRate int `yaml:"ip_rate" mapstructure:"ip_rate" validate:"omitempty,min=1"`

	// UserRate is the maximum requests per minute per authenticated
	// principal. It is validated and defaulted but not applied: the SSE
	// transport limits by client IP only.
	UserRate int `yaml:"user_rate" mapstructure:"user_rate" validate:"omitempty,min=1"`

	// CleanupInterval is how often expired rate-limit entries are purged
	// (e.g. "5m").
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty"`

	// MaxTTL is the maximum age of a rate-limit entry before removal
	// (e.g. "1h").
	MaxTTL string `yaml:"max_ttl" mapstructure:"max_ttl" validate:"omitempty"`
}

// CleanupIntervalDuration parses CleanupInterval, defaulting to 5 minutes.
func (c RateLimitConfig) CleanupIntervalDuration() time.Duration {
	if c.CleanupInterval == "" {
		return 5 * time.Minute
	}
	d, err := time.ParseDuration(c.CleanupInterval)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// MaxTTLDuration parses MaxTTL, defaulting to 1 hour.
func (c RateLimitConfig) MaxTTLDuration() time.Duration {
	if c.MaxTTL == "" {
		return time.Hour
	}
	d, err := time.ParseDuration(c.MaxTTL)
	if err != nil {
		return time.Hour
	}
	return d
}

// SetDevDefaults applies permissive defaults for development mode. Applied
// before validation so required fields (a config store, at least) are
// satisfied with minimal YAML.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	if c.Store.Backend == "" {
		c.Store.Backend = "yaml"
	}
	if c.Store.Path == "" {
		c.Store.Path = "mcpmux.dev.yaml"
	}

	if len(c.Auth.Identities) == 0 {
		c.Auth.Identities = []IdentityConfig{
			{ID: "dev-project", Name: "Development Project", Roles: []string{"admin"}},
		}
	}

	c.Server.AllowUnsignedJWT = true
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	// Rate limiting is enabled by default. viper.IsSet distinguishes
	// "not set" (zero value) from "explicitly false".
	if !viper.IsSet("rate_limit.enabled") {
		c.RateLimit.Enabled = true
	}
	if c.RateLimit.IPRate == 0 {
		c.RateLimit.IPRate = 100
	}
	if c.RateLimit.UserRate == 0 {
		c.RateLimit.UserRate = 1000
	}
	if c.RateLimit.CleanupInterval == "" {
		c.RateLimit.CleanupInterval = "5m"
	}
	if c.RateLimit.MaxTTL == "" {
		c.RateLimit.MaxTTL = "1h"
	}
}
