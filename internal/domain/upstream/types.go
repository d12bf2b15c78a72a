// Package upstream contains domain types describing configured MCP upstream
// servers: the immutable definition fetched from the configuration store,
// and the transient descriptors the multiplexer builds while aggregating
// catalogs.
package upstream

import (
	"fmt"
	"net/url"
	"regexp"
	"time"
)

// TransportType identifies how the proxy talks to an upstream MCP server.
type TransportType string

const (
	// TransportStdio spawns the upstream as a local subprocess speaking
	// JSON-RPC over stdin/stdout.
	TransportStdio TransportType = "stdio"
	// TransportSSE connects to a remote upstream speaking JSON-RPC over a
	// long-lived SSE GET stream with a companion POST endpoint.
	TransportSSE TransportType = "sse"
)

// namePattern allows alphanumeric, spaces, hyphens, and underscores; the
// same character class the teacher enforces for its (single-tenant)
// upstream names, applied here to the server-name half of the (project,
// server) identity.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9 _-]+$`)

const nameMaxLength = 100

// Def is the immutable-per-lookup upstream definition read from the
// configuration store. Identity is the
// (ProjectID, ServerName) pair.
type Def struct {
	ProjectID  string
	ServerName string

	Transport TransportType

	// stdio fields
	Command string
	Args    []string
	Env     map[string]string

	// sse fields
	URL     string
	Headers map[string]string

	TimeoutSeconds int
	Enabled        bool
	JWTRequired    bool
}

// Key returns the (project-id, server-name) composite identity used to key
// the session manager registry and the namespace registry.
func (d Def) Key() string {
	return d.ProjectID + "\x00" + d.ServerName
}

// Timeout returns the configured per-request timeout, defaulting to 30s
// when unset (matching C2's initialize() default for heavy servers).
func (d Def) Timeout() time.Duration {
	if d.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// Validate checks that the definition has valid, unambiguous configuration.
// Invariant: exactly one of (command, url) non-empty for each
// transport.
func (d *Def) Validate() error {
	if d.ProjectID == "" {
		return fmt.Errorf("project id is required")
	}
	if d.ServerName == "" {
		return fmt.Errorf("server name is required")
	}
	if len(d.ServerName) > nameMaxLength {
		return fmt.Errorf("server name must be %d characters or less", nameMaxLength)
	}
	if !namePattern.MatchString(d.ServerName) {
		return fmt.Errorf("server name contains invalid characters (allowed: alphanumeric, spaces, hyphens, underscores)")
	}

	switch d.Transport {
	case TransportStdio:
		if d.Command == "" {
			return fmt.Errorf("command is required for stdio upstream")
		}
		if d.URL != "" {
			return fmt.Errorf("url must be empty for stdio upstream")
		}
	case TransportSSE:
		if d.URL == "" {
			return fmt.Errorf("url is required for sse upstream")
		}
		if d.Command != "" {
			return fmt.Errorf("command must be empty for sse upstream")
		}
		parsed, err := url.Parse(d.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("url is not a valid URL")
		}
	default:
		return fmt.Errorf("transport must be %q or %q", TransportStdio, TransportSSE)
	}

	return nil
}

// ToolDescriptor is the transient, per-catalog-collection view of a tool
// surfaced by the multiplexer.
type ToolDescriptor struct {
	OriginalName  string
	Description   string
	InputSchema   []byte // raw JSON Schema, passed through unmodified
	SourceServer  string
	NamespacedName string
}
