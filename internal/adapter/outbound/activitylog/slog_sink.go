// Package activitylog is the reference ActivityLogSink adapter: it logs
// every completed tool call through slog rather than persisting it
// anywhere. Operators who need durable audit storage provide their own
// outbound.ActivityLogSink.
package activitylog

import (
	"context"
	"log/slog"

	"github.com/mcpmux/mcpmux/internal/port/outbound"
)

// SlogSink records activity events as structured log lines.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a SlogSink that writes through logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

// Record logs event at info level on success, warn level on failure.
func (s *SlogSink) Record(ctx context.Context, event outbound.ActivityEvent) error {
	attrs := []any{
		"project", event.ProjectID,
		"server", event.ServerName,
		"tool", event.ToolName,
		"namespaced_name", event.NamespacedName,
		"duration_ms", event.DurationMillis,
	}
	if event.ClientSession != "" {
		attrs = append(attrs, "client_session", event.ClientSession)
	}
	if event.Success {
		s.logger.Info("tool call completed", attrs...)
		return nil
	}
	attrs = append(attrs, "error", event.ErrorMessage)
	s.logger.Warn("tool call failed", attrs...)
	return nil
}

var _ outbound.ActivityLogSink = (*SlogSink)(nil)
