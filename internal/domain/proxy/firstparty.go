package proxy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// firstPartyServer is the pseudo server name first-party tool calls are
// recorded against in the activity log; it never appears in any project's
// configured upstreams.
const firstPartyServer = "mcpmux"

// echoToolName and pingToolName are un-namespaced: they belong to the
// multiplexer itself, not to any upstream, so they are never passed through
// Namespaced/NamespaceRegistry.Split.
const (
	echoToolName = "echo"
	pingToolName = "mcpmux.ping"
)

var echoInputSchema = json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
var pingInputSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// firstPartyTools lists the tools the multiplexer answers itself, always
// present in a project's catalog regardless of its configured upstreams.
func firstPartyTools() []ToolEntry {
	return []ToolEntry{
		{
			Name:        echoToolName,
			Description: "Echoes back the text argument, unchanged.",
			InputSchema: echoInputSchema,
		},
		{
			Name:        pingToolName,
			Description: "Reports the health of every upstream configured for the calling project.",
			InputSchema: pingInputSchema,
		},
	}
}

// callFirstPartyTool answers name directly if it names a first-party tool,
// returning ok=false if name belongs to an upstream instead.
func (m *Multiplexer) callFirstPartyTool(ctx context.Context, projectID, name string, arguments json.RawMessage) (resp *jsonrpc.Response, ok bool) {
	switch name {
	case echoToolName:
		return m.callEcho(ctx, projectID, arguments), true
	case pingToolName:
		return m.callPing(ctx, projectID), true
	default:
		return nil, false
	}
}

func (m *Multiplexer) callEcho(ctx context.Context, projectID string, arguments json.RawMessage) *jsonrpc.Response {
	started := time.Now()
	var args struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		m.recordActivity(ctx, projectID, firstPartyServer, echoToolName, echoToolName, false, err.Error(), started)
		return toolErrorResponse("invalid arguments: " + err.Error())
	}
	m.recordActivity(ctx, projectID, firstPartyServer, echoToolName, echoToolName, true, "", started)
	return toolTextResponse(args.Text)
}

// pingResult is the JSON payload returned by mcpmux.ping's text content:
// one entry per configured upstream, reporting whether it is enabled and
// whether its circuit breaker is currently tripped.
type pingResult struct {
	Status    string             `json:"status"`
	Upstreams []pingUpstreamInfo `json:"upstreams"`
}

type pingUpstreamInfo struct {
	ServerName  string `json:"serverName"`
	Enabled     bool   `json:"enabled"`
	CircuitOpen bool   `json:"circuitOpen"`
}

func (m *Multiplexer) callPing(ctx context.Context, projectID string) *jsonrpc.Response {
	started := time.Now()
	defs, err := m.configStore.ListUpstreams(ctx, projectID)
	if err != nil {
		m.recordActivity(ctx, projectID, firstPartyServer, pingToolName, pingToolName, false, err.Error(), started)
		return toolErrorResponse("list upstreams: " + err.Error())
	}

	result := pingResult{Status: "ok"}
	for _, def := range defs {
		breaker := m.breakerFor(projectID, def.ServerName)
		result.Upstreams = append(result.Upstreams, pingUpstreamInfo{
			ServerName:  def.ServerName,
			Enabled:     def.Enabled,
			CircuitOpen: breaker.State() == CircuitOpen,
		})
	}

	payload, err := json.Marshal(result)
	if err != nil {
		m.recordActivity(ctx, projectID, firstPartyServer, pingToolName, pingToolName, false, err.Error(), started)
		return toolErrorResponse("marshal ping result: " + err.Error())
	}

	m.recordActivity(ctx, projectID, firstPartyServer, pingToolName, pingToolName, true, "", started)
	return toolTextResponse(string(payload))
}

// toolTextResponse wraps text in the standard single-text-block tool result
// content shape.
func toolTextResponse(text string) *jsonrpc.Response {
	result, _ := json.Marshal(map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	})
	return &jsonrpc.Response{Result: result}
}

// toolErrorResponse wraps message as a tool-level error: isError is set so
// the client surfaces it as a failed tool call, not a transport error.
func toolErrorResponse(message string) *jsonrpc.Response {
	result, _ := json.Marshal(map[string]any{
		"content": []map[string]any{{"type": "text", "text": message}},
		"isError": true,
	})
	return &jsonrpc.Response{Result: result}
}
