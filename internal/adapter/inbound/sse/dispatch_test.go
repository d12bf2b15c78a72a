package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/mcpmux/mcpmux/internal/domain/proxy"
	"github.com/mcpmux/mcpmux/internal/domain/upstream"
	"github.com/mcpmux/mcpmux/internal/domain/upstreamsession"
	"github.com/mcpmux/mcpmux/internal/port/outbound"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeMultiplexer is a scriptable Multiplexer test double.
type fakeMultiplexer struct {
	initResult map[string]any
	initErr    error
	tools      []proxy.ToolEntry
	toolsErr   error
	callResp   *jsonrpc.Response
	callErr    error
}

func (f *fakeMultiplexer) Initialize(ctx context.Context, projectID string) (map[string]any, error) {
	return f.initResult, f.initErr
}
func (f *fakeMultiplexer) ToolsList(ctx context.Context, projectID string, legacyMode bool) ([]proxy.ToolEntry, error) {
	return f.tools, f.toolsErr
}
func (f *fakeMultiplexer) ToolsCall(ctx context.Context, projectID, name string, arguments json.RawMessage, legacyMode bool) (*jsonrpc.Response, error) {
	return f.callResp, f.callErr
}
func (f *fakeMultiplexer) ResourcesList(ctx context.Context, projectID string) ([]any, error) {
	return []any{}, nil
}
func (f *fakeMultiplexer) ResourcesTemplatesList(ctx context.Context, projectID string) ([]any, error) {
	return []any{}, nil
}

func TestDispatchUnifiedInitialize(t *testing.T) {
	mux := &fakeMultiplexer{initResult: map[string]any{"protocolVersion": "2025-06-18"}}
	msg := incomingMessage{JSONRPC: "2.0", ID: json.RawMessage("1"), Method: "initialize"}

	resp, err := dispatchUnified(context.Background(), mux, "proj-1", false, msg)
	if err != nil {
		t.Fatalf("dispatchUnified() error: %v", err)
	}
	if resp == nil || resp.Error != nil {
		t.Fatalf("resp = %+v, want a successful result", resp)
	}
	var result map[string]any
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result["protocolVersion"] != "2025-06-18" {
		t.Errorf("protocolVersion = %v", result["protocolVersion"])
	}
}

func TestDispatchUnifiedNotificationInitializedProducesNoReply(t *testing.T) {
	mux := &fakeMultiplexer{}
	msg := incomingMessage{JSONRPC: "2.0", Method: "notifications/initialized"}

	resp, err := dispatchUnified(context.Background(), mux, "proj-1", false, msg)
	if err != nil {
		t.Fatalf("dispatchUnified() error: %v", err)
	}
	if resp != nil {
		t.Errorf("resp = %+v, want nil (no reply for a notification)", resp)
	}
}

func TestDispatchUnifiedToolsListWrapsEntries(t *testing.T) {
	mux := &fakeMultiplexer{tools: []proxy.ToolEntry{
		{Name: "files.read_file", Description: "reads a file"},
		{Name: "git.status"},
	}}
	msg := incomingMessage{JSONRPC: "2.0", ID: json.RawMessage("2"), Method: "tools/list"}

	resp, err := dispatchUnified(context.Background(), mux, "proj-1", false, msg)
	if err != nil {
		t.Fatalf("dispatchUnified() error: %v", err)
	}
	var result struct {
		Tools []toolEntryWire `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(result.Tools) != 2 || result.Tools[0].Name != "files.read_file" {
		t.Errorf("tools = %+v", result.Tools)
	}
}

func TestDispatchUnifiedToolsCallPassesThroughUpstreamResult(t *testing.T) {
	mux := &fakeMultiplexer{callResp: &jsonrpc.Response{Result: json.RawMessage(`{"echo":true}`)}}
	msg := incomingMessage{
		JSONRPC: "2.0", ID: json.RawMessage("3"), Method: "tools/call",
		Params: json.RawMessage(`{"name":"files.read_file","arguments":{"path":"/tmp/x"}}`),
	}

	resp, err := dispatchUnified(context.Background(), mux, "proj-1", false, msg)
	if err != nil {
		t.Fatalf("dispatchUnified() error: %v", err)
	}
	if string(resp.ID) != `3` {
		t.Errorf("ID = %s, want 3 (re-stamped with the client's own id)", resp.ID)
	}
	if string(resp.Result) != `{"echo":true}` {
		t.Errorf("Result = %s", resp.Result)
	}
}

func TestDispatchUnifiedToolsCallUpstreamErrorBecomesWireError(t *testing.T) {
	mux := &fakeMultiplexer{callResp: &jsonrpc.Response{Error: &jsonrpc.Error{Code: -32603, Message: "boom"}}}
	msg := incomingMessage{
		JSONRPC: "2.0", ID: json.RawMessage("4"), Method: "tools/call",
		Params: json.RawMessage(`{"name":"x.y","arguments":{}}`),
	}

	resp, err := dispatchUnified(context.Background(), mux, "proj-1", false, msg)
	if err != nil {
		t.Fatalf("dispatchUnified() error: %v", err)
	}
	if resp.Error == nil || resp.Error.Message != "boom" {
		t.Errorf("resp.Error = %+v", resp.Error)
	}
}

func TestDispatchUnifiedUnknownMethod(t *testing.T) {
	mux := &fakeMultiplexer{}
	msg := incomingMessage{JSONRPC: "2.0", ID: json.RawMessage("5"), Method: "nonexistent/method"}

	resp, err := dispatchUnified(context.Background(), mux, "proj-1", false, msg)
	if err != nil {
		t.Fatalf("dispatchUnified() error: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Errorf("resp.Error = %+v, want code -32601", resp.Error)
	}
}

// echoClient is a minimal outbound.MCPClient backed by an io.Pipe that
// answers every request by echoing its params back as the result.
type echoClient struct {
	serverIn  *io.PipeReader
	serverOut *io.PipeWriter
	clientIn  *io.PipeWriter
	clientOut *io.PipeReader
}

func newEchoClient() *echoClient {
	cr, sw := io.Pipe()
	sr, cw := io.Pipe()
	return &echoClient{serverIn: cr, serverOut: cw, clientIn: sw, clientOut: sr}
}

func (c *echoClient) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	go c.serve()
	return c.clientIn, c.clientOut, nil
}

func (c *echoClient) serve() {
	scanner := bufio.NewScanner(c.serverIn)
	for scanner.Scan() {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		if len(req.ID) == 0 {
			continue
		}
		resp := map[string]any{
			"jsonrpc": "2.0",
			"id":      json.RawMessage(req.ID),
			"result":  json.RawMessage(req.Params),
		}
		line, _ := json.Marshal(resp)
		_, _ = c.serverOut.Write(append(line, '\n'))
	}
}

func (c *echoClient) Wait() error  { return nil }
func (c *echoClient) Close() error { return c.serverOut.Close() }

var _ outbound.MCPClient = (*echoClient)(nil)

// fakeSessionProvider hands out a single pre-started session per call,
// caching by def.Key() the way sessionmanager.Manager does.
type fakeSessionProvider struct {
	mu       sync.Mutex
	client   outbound.MCPClient
	sessions map[string]*upstreamsession.Session
	createErr error
}

func (p *fakeSessionProvider) GetOrCreate(ctx context.Context, def upstream.Def) (*upstreamsession.Session, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessions == nil {
		p.sessions = make(map[string]*upstreamsession.Session)
	}
	if sess, ok := p.sessions[def.Key()]; ok {
		return sess, nil
	}
	sess := upstreamsession.New(def, p.client, testLogger())
	if err := sess.Start(ctx, true); err != nil {
		return nil, err
	}
	p.sessions[def.Key()] = sess
	return sess, nil
}

// fakeConfigStore is a minimal outbound.ConfigStore test double.
type fakeConfigStore struct {
	defs map[string]upstream.Def
}

func (s *fakeConfigStore) ListUpstreams(ctx context.Context, projectID string) ([]upstream.Def, error) {
	var out []upstream.Def
	for _, d := range s.defs {
		if d.ProjectID == projectID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *fakeConfigStore) GetUpstream(ctx context.Context, projectID, serverName string) (upstream.Def, error) {
	def := upstream.Def{ProjectID: projectID, ServerName: serverName}
	if d, ok := s.defs[def.Key()]; ok {
		return d, nil
	}
	return upstream.Def{}, outbound.ErrUpstreamNotFound
}

func (s *fakeConfigStore) ListToolPreferences(ctx context.Context, projectID string) ([]outbound.ToolPreference, error) {
	return nil, nil
}

func TestDispatchServerEchoesRequestThroughSingleUpstream(t *testing.T) {
	client := newEchoClient()
	def := upstream.Def{ProjectID: "proj-1", ServerName: "files", Transport: upstream.TransportStdio, Command: "n/a", Enabled: true}
	store := &fakeConfigStore{defs: map[string]upstream.Def{def.Key(): def}}
	sessions := &fakeSessionProvider{client: client}

	msg := incomingMessage{
		JSONRPC: "2.0", ID: json.RawMessage("9"), Method: "tools/call",
		Params: json.RawMessage(`{"name":"read_file","arguments":{"path":"/tmp/x"}}`),
	}

	resp, err := dispatchServer(context.Background(), store, sessions, "proj-1", "files", msg)
	if err != nil {
		t.Fatalf("dispatchServer() error: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("resp.Error = %+v", resp.Error)
	}
	var echoed struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(resp.Result, &echoed); err != nil {
		t.Fatalf("unmarshal echoed result: %v", err)
	}
	if echoed.Name != "read_file" {
		t.Errorf("echoed.Name = %q, want read_file", echoed.Name)
	}
}

func TestDispatchServerUnknownUpstream(t *testing.T) {
	store := &fakeConfigStore{defs: map[string]upstream.Def{}}
	sessions := &fakeSessionProvider{}
	msg := incomingMessage{JSONRPC: "2.0", ID: json.RawMessage("1"), Method: "tools/list"}

	resp, err := dispatchServer(context.Background(), store, sessions, "proj-1", "missing", msg)
	if err != nil {
		t.Fatalf("dispatchServer() error: %v", err)
	}
	if resp.Error == nil {
		t.Error("expected a wire error for an unknown upstream")
	}
}

func TestDispatchServerSessionCreationFailureSurfacesError(t *testing.T) {
	def := upstream.Def{ProjectID: "proj-1", ServerName: "flaky", Enabled: true}
	store := &fakeConfigStore{defs: map[string]upstream.Def{def.Key(): def}}
	sessions := &fakeSessionProvider{createErr: errors.New("connection refused")}
	msg := incomingMessage{JSONRPC: "2.0", ID: json.RawMessage("1"), Method: "tools/list"}

	resp, err := dispatchServer(context.Background(), store, sessions, "proj-1", "flaky", msg)
	if err != nil {
		t.Fatalf("dispatchServer() error: %v", err)
	}
	if resp.Error == nil || !strings.Contains(resp.Error.Message, "unavailable") {
		t.Errorf("resp.Error = %+v, want an upstream-unavailable message", resp.Error)
	}
}

func TestDispatchServerNotificationProducesNoReply(t *testing.T) {
	client := newEchoClient()
	def := upstream.Def{ProjectID: "proj-1", ServerName: "files", Transport: upstream.TransportStdio, Command: "n/a", Enabled: true}
	store := &fakeConfigStore{defs: map[string]upstream.Def{def.Key(): def}}
	sessions := &fakeSessionProvider{client: client}

	msg := incomingMessage{JSONRPC: "2.0", Method: "notifications/progress", Params: json.RawMessage(`{}`)}
	resp, err := dispatchServer(context.Background(), store, sessions, "proj-1", "files", msg)
	if err != nil {
		t.Fatalf("dispatchServer() error: %v", err)
	}
	if resp != nil {
		t.Errorf("resp = %+v, want nil for a notification", resp)
	}
}

