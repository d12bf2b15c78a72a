package proxy

import "sync"

// namespaceSeparator joins a registered server name to a tool's original
// name: "<server><sep><original>".
const namespaceSeparator = "."

// NamespaceRegistry assigns and remembers the namespace prefix for each
// upstream server discovered within one project's endpoint lifetime. The
// mapping is stable for as long as the project endpoint runs: a server
// registered once keeps its prefix even if it later goes down and a
// different server of the same name in another project does not collide,
// because each project has its own registry instance.
type NamespaceRegistry struct {
	mu       sync.RWMutex
	byServer map[string]string // server name -> namespace prefix (== server name, separator is fixed)
	order    []string          // servers in the order they were first registered
}

// NewNamespaceRegistry creates an empty registry.
func NewNamespaceRegistry() *NamespaceRegistry {
	return &NamespaceRegistry{byServer: make(map[string]string)}
}

// Register records serverName in the registry if not already present and
// returns its namespace prefix. Registration order is whatever order
// callers first call Register in (typically the order upstreams are
// iterated for a tools/list fan-out), not map-iteration order, which Go
// deliberately randomizes; that order is preserved in order for callers
// needing the exact sequence servers were first seen in.
func (r *NamespaceRegistry) Register(serverName string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prefix, ok := r.byServer[serverName]; ok {
		return prefix
	}
	r.byServer[serverName] = serverName
	r.order = append(r.order, serverName)
	return serverName
}

// Namespaced returns "<server><sep><original>" for a tool. Register must
// have been called for serverName first; Namespaced does not implicitly
// register.
func Namespaced(serverName, originalName string) string {
	return serverName + namespaceSeparator + originalName
}

// Split parses a namespaced tool name back into its server and original
// parts. ok is false if name has no registered prefix matching a known
// server in this registry.
func (r *NamespaceRegistry) Split(name string) (serverName, originalName string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for server := range r.byServer {
		prefix := server + namespaceSeparator
		if len(name) > len(prefix) && name[:len(prefix)] == prefix {
			return server, name[len(prefix):], true
		}
	}
	return "", "", false
}

// KnownServers returns the servers registered so far, in no particular
// order (callers needing deterministic output should use
// KnownServersInOrder).
func (r *NamespaceRegistry) KnownServers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byServer))
	for server := range r.byServer {
		out = append(out, server)
	}
	return out
}

// KnownServersInOrder returns the servers registered so far, in
// namespace-registration order: the order each server was first seen by
// Register (e.g. the order upstreams were first enumerated in a
// tools/list fan-out), not the iteration order of the underlying map.
func (r *NamespaceRegistry) KnownServersInOrder() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
