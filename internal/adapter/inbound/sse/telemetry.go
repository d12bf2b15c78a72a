package sse

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// tracer and activeClientSessions resolve against the global OpenTelemetry
// providers. Before cmd/mcpmux wires a real exporting provider (or in
// tests, which never install one), both resolve to no-op implementations.
var tracer = otel.Tracer("github.com/mcpmux/mcpmux/internal/adapter/inbound/sse")

var activeClientSessions, _ = otel.Meter("github.com/mcpmux/mcpmux/internal/adapter/inbound/sse").Int64UpDownCounter(
	"mcpmux.client_sessions.active",
	metric.WithDescription("currently connected ClientSessions, by project"),
)
