// Package sse is the multi-tenant SSE transport adapter: one
// GET stream plus a companion POST sink per project, and per (project,
// server) pair, bridging browser/CLI MCP clients to the proxy core.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/mcpmux/mcpmux/internal/domain/proxy"
	"github.com/mcpmux/mcpmux/internal/domain/upstream"
	"github.com/mcpmux/mcpmux/internal/domain/upstreamsession"
	"github.com/mcpmux/mcpmux/internal/port/outbound"
)

// Multiplexer is the subset of proxy.Multiplexer the unified endpoint
// dispatches into.
type Multiplexer interface {
	Initialize(ctx context.Context, projectID string) (map[string]any, error)
	ToolsList(ctx context.Context, projectID string, legacyMode bool) ([]proxy.ToolEntry, error)
	ToolsCall(ctx context.Context, projectID, name string, arguments json.RawMessage, legacyMode bool) (*jsonrpc.Response, error)
	ResourcesList(ctx context.Context, projectID string) ([]any, error)
	ResourcesTemplatesList(ctx context.Context, projectID string) ([]any, error)
}

// SessionProvider is the subset of sessionmanager.Manager the per-server
// endpoint dispatches into directly, bypassing namespacing and the tool
// filter.
type SessionProvider interface {
	GetOrCreate(ctx context.Context, def upstream.Def) (*upstreamsession.Session, error)
}

// incomingMessage is the client-facing JSON-RPC envelope as received on a
// POST /messages body. A nil ID marks a notification per JSON-RPC 2.0.
type incomingMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (m incomingMessage) isNotification() bool { return len(m.ID) == 0 }

// wireResponse is the JSON-RPC response envelope emitted as an SSE
// "message" event payload. ID is always re-stamped with the client's own
// request id — never an upstream's internal one. Error reuses jsonrpc.Error
// directly rather than a local copy, since it's already the exact wire
// shape (code/message) the client expects.
type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpc.Error  `json:"error,omitempty"`
}

func errorResponse(id json.RawMessage, code int64, message string) wireResponse {
	return wireResponse{JSONRPC: "2.0", ID: id, Error: &jsonrpc.Error{Code: code, Message: message}}
}

func resultResponse(id json.RawMessage, result any) wireResponse {
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, -32603, "internal error: failed to marshal result")
	}
	return wireResponse{JSONRPC: "2.0", ID: id, Result: raw}
}

// fromUpstream re-stamps an upstream *jsonrpc.Response with the client's
// own request id, passing its result or error through unmodified.
func fromUpstream(id json.RawMessage, resp *jsonrpc.Response) wireResponse {
	if resp.Error != nil {
		return wireResponse{JSONRPC: "2.0", ID: id, Error: resp.Error}
	}
	return wireResponse{JSONRPC: "2.0", ID: id, Result: resp.Result}
}

const requestTimeout = 30 * time.Second

// dispatchUnified handles one message against the project's aggregated
// catalog. Returns (nil, nil) for a notification that produced no reply.
func dispatchUnified(ctx context.Context, mux Multiplexer, projectID string, legacyMode bool, msg incomingMessage) (*wireResponse, error) {
	switch msg.Method {
	case "initialize":
		result, err := mux.Initialize(ctx, projectID)
		if err != nil {
			resp := errorResponse(msg.ID, -32603, err.Error())
			return &resp, nil
		}
		resp := resultResponse(msg.ID, result)
		return &resp, nil

	case "notifications/initialized":
		return nil, nil

	case "tools/list":
		tools, err := mux.ToolsList(ctx, projectID, legacyMode)
		if err != nil {
			resp := errorResponse(msg.ID, -32603, err.Error())
			return &resp, nil
		}
		resp := resultResponse(msg.ID, toolsListResult(tools))
		return &resp, nil

	case "tools/call":
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			resp := errorResponse(msg.ID, -32602, "invalid params")
			return &resp, nil
		}
		upstreamResp, err := mux.ToolsCall(ctx, projectID, params.Name, params.Arguments, legacyMode)
		if err != nil {
			resp := errorResponse(msg.ID, -32603, err.Error())
			return &resp, nil
		}
		resp := fromUpstream(msg.ID, upstreamResp)
		return &resp, nil

	case "resources/list":
		resources, err := mux.ResourcesList(ctx, projectID)
		if err != nil {
			resp := errorResponse(msg.ID, -32603, err.Error())
			return &resp, nil
		}
		resp := resultResponse(msg.ID, map[string]any{"resources": resources})
		return &resp, nil

	case "resources/templates/list":
		templates, err := mux.ResourcesTemplatesList(ctx, projectID)
		if err != nil {
			resp := errorResponse(msg.ID, -32603, err.Error())
			return &resp, nil
		}
		resp := resultResponse(msg.ID, map[string]any{"resourceTemplates": templates})
		return &resp, nil

	default:
		if msg.isNotification() {
			return nil, nil
		}
		resp := errorResponse(msg.ID, -32601, fmt.Sprintf("method not found: %s", msg.Method))
		return &resp, nil
	}
}

type toolEntryWire struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

func toolsListResult(tools []proxy.ToolEntry) map[string]any {
	wire := make([]toolEntryWire, 0, len(tools))
	for _, t := range tools {
		wire = append(wire, toolEntryWire{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return map[string]any{"tools": wire}
}

// dispatchServer forwards one message verbatim to the single upstream
// behind (projectID, serverName) — the per-server endpoint is a
// transparent passthrough, not an aggregation point, so no namespacing or
// filtering applies.
func dispatchServer(ctx context.Context, configStore outbound.ConfigStore, sessions SessionProvider, projectID, serverName string, msg incomingMessage) (*wireResponse, error) {
	def, err := configStore.GetUpstream(ctx, projectID, serverName)
	if err != nil {
		resp := errorResponse(msg.ID, -32601, "upstream not found")
		return &resp, nil
	}
	if !def.Enabled {
		resp := errorResponse(msg.ID, -32601, "upstream disabled")
		return &resp, nil
	}

	sess, err := sessions.GetOrCreate(ctx, def)
	if err != nil {
		resp := errorResponse(msg.ID, -32603, fmt.Sprintf("upstream unavailable: %v", err))
		return &resp, nil
	}

	if msg.isNotification() {
		_ = sess.Notify(ctx, msg.Method, msg.Params)
		return nil, nil
	}

	timeout := def.Timeout()
	if timeout <= 0 {
		timeout = requestTimeout
	}
	upstreamResp, err := sess.Request(ctx, msg.Method, msg.Params, timeout)
	if err != nil {
		resp := errorResponse(msg.ID, -32603, fmt.Sprintf("upstream request failed: %v", err))
		return &resp, nil
	}
	resp := fromUpstream(msg.ID, upstreamResp)
	return &resp, nil
}
