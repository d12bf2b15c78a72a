// Package proxy implements the unified per-project MCP endpoint: it
// aggregates tools/list across every enabled upstream of a project behind
// one namespaced catalog, and routes tools/call to the upstream that owns
// the requested tool.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcpmux/mcpmux/internal/domain/toolfilter"
	"github.com/mcpmux/mcpmux/internal/domain/upstream"
	"github.com/mcpmux/mcpmux/internal/domain/upstreamsession"
	"github.com/mcpmux/mcpmux/internal/port/outbound"
)

// protocolVersion is advertised back to the client on initialize.
const protocolVersion = "2025-03-26"

// unifiedServerName is the serverInfo.name advertised by the unified
// endpoint's initialize handshake.
const unifiedServerName = "mcp-orch-unified"

// tracer and meter are resolved against the global OpenTelemetry
// providers. Before observability.New installs a real provider (or in
// tests, where it never runs), both resolve to no-op implementations:
// every call below is always safe to make unconditionally.
var (
	tracer = otel.Tracer("github.com/mcpmux/mcpmux/internal/domain/proxy")
	meter  = otel.Meter("github.com/mcpmux/mcpmux/internal/domain/proxy")
)

var (
	toolCallLatency, _ = meter.Float64Histogram(
		"mcpmux.tool_call.duration_ms",
		metric.WithDescription("tools/call latency by server and tool, in milliseconds"),
		metric.WithUnit("ms"),
	)
	circuitStateGauge, _ = meter.Int64Gauge(
		"mcpmux.circuit.state",
		metric.WithDescription("upstream circuit breaker state: 0=closed, 1=half-open, 2=open"),
	)
)

// recordCircuitState reports breaker's current state for project/server to
// the circuit-state gauge.
func recordCircuitState(ctx context.Context, projectID, serverName string, state CircuitState) {
	circuitStateGauge.Record(ctx, int64(state), metric.WithAttributes(
		attribute.String("mcpmux.project_id", projectID),
		attribute.String("mcpmux.server", serverName),
	))
}

// Sentinel errors surfaced to the transport layer, which maps them to
// JSON-RPC error codes.
var (
	// ErrToolNotFound means no enabled, allowed upstream tool matched the
	// requested name.
	ErrToolNotFound = errors.New("tool not found")
	// ErrCircuitOpen means the owning upstream's circuit breaker is open.
	ErrCircuitOpen = errors.New("upstream circuit open")
)

// SessionProvider is the subset of the session manager the multiplexer
// needs: get-or-create by upstream definition.
type SessionProvider interface {
	GetOrCreate(ctx context.Context, def upstream.Def) (*upstreamsession.Session, error)
}

// ToolEntry is a single tool as surfaced to an MCP client: namespaced
// unless the caller is in legacy mode.
type ToolEntry struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// breakerKey joins project and server for the breaker map; deliberately
// not upstream.Def.Key's NUL separator so the two are visually distinct
// in logs.
func breakerKey(projectID, serverName string) string {
	return projectID + "/" + serverName
}

// Multiplexer is the per-project virtual MCP endpoint.
type Multiplexer struct {
	configStore outbound.ConfigStore
	sessions    SessionProvider
	filter      *toolfilter.Filter
	logger      *slog.Logger
	activityLog outbound.ActivityLogSink

	mu         sync.Mutex
	namespaces map[string]*NamespaceRegistry
	breakers   map[string]*CircuitBreaker
}

// Option configures optional Multiplexer behavior.
type Option func(*Multiplexer)

// WithActivityLog records every ToolsCall outcome to sink. Omitted by
// default: the multiplexer has no opinion on whether tool calls are
// audited.
func WithActivityLog(sink outbound.ActivityLogSink) Option {
	return func(m *Multiplexer) { m.activityLog = sink }
}

// New creates a Multiplexer.
func New(configStore outbound.ConfigStore, sessions SessionProvider, filter *toolfilter.Filter, logger *slog.Logger, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		configStore: configStore,
		sessions:    sessions,
		filter:      filter,
		logger:      logger,
		namespaces:  make(map[string]*NamespaceRegistry),
		breakers:    make(map[string]*CircuitBreaker),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// recordActivity forwards a completed tools/call outcome to the activity
// log sink, if one is configured. Failures to record are logged and
// otherwise swallowed: a broken sink must never fail the tool call itself.
func (m *Multiplexer) recordActivity(ctx context.Context, projectID, serverName, toolName, namespacedName string, success bool, errMsg string, started time.Time) {
	if m.activityLog == nil {
		return
	}
	event := outbound.ActivityEvent{
		ProjectID:      projectID,
		ServerName:     serverName,
		ToolName:       toolName,
		NamespacedName: namespacedName,
		Success:        success,
		ErrorMessage:   errMsg,
		DurationMillis: time.Since(started).Milliseconds(),
	}
	if err := m.activityLog.Record(ctx, event); err != nil {
		m.logger.Warn("failed to record activity event", "project", projectID, "server", serverName, "tool", toolName, "error", err)
	}
}

func (m *Multiplexer) namespaceFor(projectID string) *NamespaceRegistry {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.namespaces[projectID]
	if !ok {
		ns = NewNamespaceRegistry()
		m.namespaces[projectID] = ns
	}
	return ns
}

func (m *Multiplexer) breakerFor(projectID, serverName string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := breakerKey(projectID, serverName)
	b, ok := m.breakers[key]
	if !ok {
		b = NewCircuitBreaker()
		m.breakers[key] = b
	}
	return b
}

// Initialize answers the MCP initialize handshake for the unified
// endpoint itself; it never forwards to an upstream. The tools capability
// is advertised iff at least one enabled upstream exists for projectID;
// resources/prompts/logging are always present but empty, for client
// compatibility with servers that probe for their existence.
func (m *Multiplexer) Initialize(ctx context.Context, projectID string) (map[string]any, error) {
	capabilities := map[string]any{
		"resources": map[string]any{},
		"prompts":   map[string]any{},
		"logging":   map[string]any{},
	}

	hasEnabledUpstream, err := m.hasEnabledUpstream(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if hasEnabledUpstream {
		capabilities["tools"] = map[string]any{"listChanged": false}
	}

	return map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    capabilities,
		"serverInfo": map[string]any{
			"name":    unifiedServerName,
			"version": "1.0.0",
		},
	}, nil
}

// hasEnabledUpstream reports whether project has at least one enabled
// upstream definition, gating the initialize handshake's tools
// capability.
func (m *Multiplexer) hasEnabledUpstream(ctx context.Context, projectID string) (bool, error) {
	defs, err := m.configStore.ListUpstreams(ctx, projectID)
	if err != nil {
		return false, fmt.Errorf("list upstreams for project %s: %w", projectID, err)
	}
	for _, def := range defs {
		if def.Enabled {
			return true, nil
		}
	}
	return false, nil
}

// ResourcesList and ResourcesTemplatesList always return empty catalogs:
// this proxy does not aggregate upstream resources.
func (m *Multiplexer) ResourcesList(ctx context.Context, projectID string) ([]any, error) {
	return []any{}, nil
}

func (m *Multiplexer) ResourcesTemplatesList(ctx context.Context, projectID string) ([]any, error) {
	return []any{}, nil
}

// upstreamToolsListResult mirrors the shape of a tools/list response's
// result field.
type upstreamToolsListResult struct {
	Tools []struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	} `json:"tools"`
}

// ToolsList concurrently queries tools/list on every enabled upstream of
// projectID, applies the tool filter, and returns the aggregated,
// namespaced (unless legacyMode) catalog sorted by name for a stable
// client-visible order. One upstream's failure (timeout, circuit open,
// connection error) never prevents another upstream's tools from
// appearing: each upstream is queried on its own goroutine and failures
// are logged and skipped, not propagated.
func (m *Multiplexer) ToolsList(ctx context.Context, projectID string, legacyMode bool) ([]ToolEntry, error) {
	defs, err := m.configStore.ListUpstreams(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list upstreams for project %s: %w", projectID, err)
	}

	ns := m.namespaceFor(projectID)

	var mu sync.Mutex
	tools := firstPartyTools()
	var wg sync.WaitGroup

	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		// Registration happens unconditionally and before the fan-out: the
		// namespace registry tracks every server this project has ever seen,
		// in enumeration order, regardless of any one client's legacy-mode
		// flag (other clients connected without legacy mode still need
		// namespaced lookups to resolve, and probeLegacy needs the order even
		// when every current client is in legacy mode).
		ns.Register(def.ServerName)
		def := def
		wg.Add(1)
		go func() {
			defer wg.Done()
			found := m.listUpstreamTools(ctx, projectID, def)

			mu.Lock()
			defer mu.Unlock()
			for _, t := range found {
				allowed, ferr := m.filter.Allowed(ctx, projectID, def.ServerName, t.Name)
				if ferr != nil || !allowed {
					continue
				}
				name := t.Name
				if !legacyMode {
					name = Namespaced(def.ServerName, t.Name)
				}
				tools = append(tools, ToolEntry{Name: name, Description: t.Description, InputSchema: t.InputSchema})
			}
		}()
	}
	wg.Wait()

	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools, nil
}

// listUpstreamTools queries one upstream's tools/list, honoring its
// circuit breaker and recording the outcome. Returns nil on any failure;
// callers treat that the same as "this upstream currently has no tools".
func (m *Multiplexer) listUpstreamTools(ctx context.Context, projectID string, def upstream.Def) []upstreamToolsListResult_tool {
	breaker := m.breakerFor(projectID, def.ServerName)
	if !breaker.Allow() {
		return nil
	}

	sess, err := m.sessions.GetOrCreate(ctx, def)
	if err != nil {
		breaker.RecordFailure()
		recordCircuitState(ctx, projectID, def.ServerName, breaker.State())
		m.logger.Warn("tools/list: upstream unavailable", "project", projectID, "server", def.ServerName, "error", err)
		return nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, def.Timeout())
	defer cancel()

	resp, err := sess.Request(reqCtx, "tools/list", nil, def.Timeout())
	if err != nil {
		breaker.RecordFailure()
		recordCircuitState(ctx, projectID, def.ServerName, breaker.State())
		m.logger.Warn("tools/list: upstream request failed", "project", projectID, "server", def.ServerName, "error", err)
		return nil
	}
	if resp.Error != nil {
		breaker.RecordFailure()
		recordCircuitState(ctx, projectID, def.ServerName, breaker.State())
		m.logger.Warn("tools/list: upstream returned an error", "project", projectID, "server", def.ServerName)
		return nil
	}

	var result upstreamToolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		breaker.RecordFailure()
		recordCircuitState(ctx, projectID, def.ServerName, breaker.State())
		m.logger.Warn("tools/list: malformed upstream result", "project", projectID, "server", def.ServerName, "error", err)
		return nil
	}

	breaker.RecordSuccess()
	recordCircuitState(ctx, projectID, def.ServerName, breaker.State())
	out := make([]upstreamToolsListResult_tool, len(result.Tools))
	for i, t := range result.Tools {
		out[i] = upstreamToolsListResult_tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}
	return out
}

type upstreamToolsListResult_tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolsCall resolves name to an owning upstream and forwards the call,
// applying the tool filter before dispatch. In legacy mode (no
// namespaces), resolution falls back to probing every enabled upstream's
// catalog for a matching original name, in namespace-registration order
// (see probeLegacy), never Go map-iteration order, which is randomized
// and would make the winning upstream nondeterministic when two servers
// share a tool name.
func (m *Multiplexer) ToolsCall(ctx context.Context, projectID, name string, arguments json.RawMessage, legacyMode bool) (resp *jsonrpc.Response, err error) {
	if resp, ok := m.callFirstPartyTool(ctx, projectID, name, arguments); ok {
		return resp, nil
	}

	ctx, span := tracer.Start(ctx, "tools/call", trace.WithAttributes(
		attribute.String("mcpmux.project_id", projectID),
		attribute.String("mcpmux.requested_name", name),
	))
	var serverName, originalName string
	started := time.Now()
	defer func() {
		span.SetAttributes(
			attribute.String("mcpmux.server", serverName),
			attribute.String("mcpmux.tool", originalName),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		toolCallLatency.Record(ctx, float64(time.Since(started).Milliseconds()), metric.WithAttributes(
			attribute.String("mcpmux.project_id", projectID),
			attribute.String("mcpmux.server", serverName),
			attribute.String("mcpmux.tool", originalName),
		))
		span.End()
	}()

	if legacyMode {
		var err error
		serverName, originalName, err = m.probeLegacy(ctx, projectID, name)
		if err != nil {
			return nil, err
		}
	} else {
		ns := m.namespaceFor(projectID)
		var ok bool
		serverName, originalName, ok = ns.Split(name)
		if !ok {
			return nil, ErrToolNotFound
		}
	}

	allowed, err := m.filter.Allowed(ctx, projectID, serverName, originalName)
	if err != nil {
		m.recordActivity(ctx, projectID, serverName, originalName, name, false, err.Error(), started)
		return nil, fmt.Errorf("check tool filter: %w", err)
	}
	if !allowed {
		m.recordActivity(ctx, projectID, serverName, originalName, name, false, ErrToolNotFound.Error(), started)
		return nil, ErrToolNotFound
	}

	def, err := m.configStore.GetUpstream(ctx, projectID, serverName)
	if err != nil {
		m.recordActivity(ctx, projectID, serverName, originalName, name, false, err.Error(), started)
		return nil, fmt.Errorf("get upstream %s: %w", serverName, err)
	}

	breaker := m.breakerFor(projectID, serverName)
	if !breaker.Allow() {
		m.recordActivity(ctx, projectID, serverName, originalName, name, false, ErrCircuitOpen.Error(), started)
		return nil, ErrCircuitOpen
	}

	sess, err := m.sessions.GetOrCreate(ctx, def)
	if err != nil {
		breaker.RecordFailure()
		recordCircuitState(ctx, projectID, serverName, breaker.State())
		m.recordActivity(ctx, projectID, serverName, originalName, name, false, err.Error(), started)
		return nil, fmt.Errorf("get upstream session: %w", err)
	}

	params, err := json.Marshal(map[string]any{"name": originalName, "arguments": arguments})
	if err != nil {
		return nil, fmt.Errorf("marshal tools/call params: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, def.Timeout())
	defer cancel()

	resp, err = sess.Request(reqCtx, "tools/call", params, def.Timeout())
	if err != nil {
		breaker.RecordFailure()
		recordCircuitState(ctx, projectID, serverName, breaker.State())
		m.recordActivity(ctx, projectID, serverName, originalName, name, false, err.Error(), started)
		return nil, fmt.Errorf("call tool %s on %s: %w", originalName, serverName, err)
	}
	breaker.RecordSuccess()
	recordCircuitState(ctx, projectID, serverName, breaker.State())
	m.recordActivity(ctx, projectID, serverName, originalName, name, resp.Error == nil, respErrMessage(resp), started)
	return resp, nil
}

func respErrMessage(resp *jsonrpc.Response) string {
	if resp.Error == nil {
		return ""
	}
	return resp.Error.Message
}

// probeLegacy finds the first enabled upstream whose tools/list catalog
// contains toolName, without namespacing. Upstreams are probed in
// namespace-registration order — the order servers were first seen by
// tools/list — not ListUpstreams order, so the winning upstream is
// deterministic across probes even as the config store's own listing
// order changes. An upstream the registry has never seen (e.g. added
// after the last tools/list fan-out) is probed last, in ListUpstreams
// order, so newly enabled upstreams are never skipped outright.
func (m *Multiplexer) probeLegacy(ctx context.Context, projectID, toolName string) (serverName, originalName string, err error) {
	defs, err := m.configStore.ListUpstreams(ctx, projectID)
	if err != nil {
		return "", "", fmt.Errorf("list upstreams for project %s: %w", projectID, err)
	}

	byServer := make(map[string]upstream.Def, len(defs))
	for _, def := range defs {
		byServer[def.ServerName] = def
	}

	ns := m.namespaceFor(projectID)
	ordered := ns.KnownServersInOrder()
	visited := make(map[string]bool, len(ordered))

	probe := func(def upstream.Def) (string, string, bool) {
		found := m.listUpstreamTools(ctx, projectID, def)
		for _, t := range found {
			if t.Name == toolName {
				return def.ServerName, t.Name, true
			}
		}
		return "", "", false
	}

	for _, server := range ordered {
		visited[server] = true
		def, ok := byServer[server]
		if !ok || !def.Enabled {
			continue
		}
		if s, t, ok := probe(def); ok {
			return s, t, nil
		}
	}

	for _, def := range defs {
		if visited[def.ServerName] || !def.Enabled {
			continue
		}
		if s, t, ok := probe(def); ok {
			return s, t, nil
		}
	}

	return "", "", ErrToolNotFound
}
