package mcpclient

import (
	"fmt"
	"log/slog"

	"github.com/mcpmux/mcpmux/internal/domain/upstream"
	"github.com/mcpmux/mcpmux/internal/port/outbound"
)

// NewFactory returns a sessionmanager.ClientFactory-shaped function that
// builds the right outbound.MCPClient for def's transport.
func NewFactory(logger *slog.Logger) func(def upstream.Def) (outbound.MCPClient, error) {
	return func(def upstream.Def) (outbound.MCPClient, error) {
		switch def.Transport {
		case upstream.TransportStdio:
			return NewStdioClient(def), nil
		case upstream.TransportSSE:
			return NewSSEClient(def, logger), nil
		default:
			return nil, fmt.Errorf("unsupported upstream transport %q", def.Transport)
		}
	}
}
