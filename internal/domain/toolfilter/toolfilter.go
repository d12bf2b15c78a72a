// Package toolfilter resolves the per-(project, server, tool) enable
// overlay the multiplexer consults before surfacing or invoking a tool.
// Absence of an explicit entry means enabled; the store is consulted on
// every call, never cached, so an operator's disable takes effect on the
// very next request.
package toolfilter

import "context"

// Store looks up tool-preference overlays. The reference implementation
// lives outside this package, in the external configuration store; Filter
// wraps whatever Store is configured.
type Store interface {
	// IsEnabled reports whether (projectID, serverName, toolName) is
	// enabled. ok is false if no explicit preference is recorded, in
	// which case the caller must treat the tool as enabled.
	IsEnabled(ctx context.Context, projectID, serverName, toolName string) (enabled bool, ok bool, err error)
}

// Filter answers enable/disable questions for the multiplexer. It holds
// no state of its own and must not be wrapped in a cache: spec requires
// the overlay to be re-read every request.
type Filter struct {
	store Store
}

// New creates a Filter backed by store.
func New(store Store) *Filter {
	return &Filter{store: store}
}

// Allowed reports whether a tool may be listed or called. Store errors
// fail open is deliberately NOT the default: a store error is treated as
// disabled, since silently exposing a tool the operator couldn't
// successfully gate is worse than hiding one the operator meant to allow.
func (f *Filter) Allowed(ctx context.Context, projectID, serverName, toolName string) (bool, error) {
	enabled, ok, err := f.store.IsEnabled(ctx, projectID, serverName, toolName)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return enabled, nil
}
