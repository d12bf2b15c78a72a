package outbound

import (
	"context"
	"errors"

	"github.com/mcpmux/mcpmux/internal/domain/upstream"
)

// ErrUpstreamNotFound is returned when a (project, server) pair has no
// configured upstream.
var ErrUpstreamNotFound = errors.New("upstream not found")

// ToolPreference is a single (project, server, tool) enable/disable
// overlay entry, as read from the configuration store.
type ToolPreference struct {
	ProjectID  string
	ServerName string
	ToolName   string
	Enabled    bool
}

// ConfigStore is the narrow read interface the proxy uses to resolve
// project configuration: which upstreams a project has, and which tools
// are enabled or disabled for them. The proxy never writes through this
// port; provisioning is entirely the store's own concern.
type ConfigStore interface {
	// ListUpstreams returns every configured upstream for a project,
	// enabled and disabled alike.
	ListUpstreams(ctx context.Context, projectID string) ([]upstream.Def, error)

	// GetUpstream returns a single upstream definition.
	// Returns ErrUpstreamNotFound if none is configured.
	GetUpstream(ctx context.Context, projectID, serverName string) (upstream.Def, error)

	// ListToolPreferences returns every explicit tool-preference override
	// recorded for a project. Entries not present default to enabled.
	ListToolPreferences(ctx context.Context, projectID string) ([]ToolPreference, error)
}
