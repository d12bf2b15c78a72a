package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mcpmux/mcpmux/internal/adapter/outbound/memory"
	"github.com/mcpmux/mcpmux/internal/domain/clientsession"
	"github.com/mcpmux/mcpmux/internal/domain/upstream"
)

func newTestTransport(t *testing.T, mux Multiplexer, store *fakeConfigStore, sessions SessionProvider) (*Transport, *http.ServeMux) {
	t.Helper()
	clientSessions := clientsession.NewManager(memory.NewClientSessionStore(), clientsession.Config{Timeout: time.Minute})
	tr := NewTransport(mux, store, sessions, clientSessions,
		WithDisableAuth(true),
		WithLogger(testLogger()),
	)
	tr.metrics = newMetrics(newTestRegistry())

	routes := http.NewServeMux()
	routes.HandleFunc("GET /projects/{project_id}/unified/sse", tr.handleUnifiedSSE)
	routes.HandleFunc("POST /projects/{project_id}/unified/messages", tr.handleUnifiedMessages)
	routes.HandleFunc("GET /projects/{project_id}/servers/{server}/sse", tr.handleServerSSE)
	routes.HandleFunc("POST /projects/{project_id}/servers/{server}/messages", tr.handleServerMessages)
	return tr, routes
}

// readSSEEvent reads one "event: ...\ndata: ...\n\n" frame from r, blocking
// until the delimiter (double newline) appears; a read error fails the test.
func readSSEEvent(t *testing.T, reader *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("reading SSE stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if event != "" {
				return event, data
			}
		}
	}
}

func TestHandleSSEEmitsBootstrapEndpointEvent(t *testing.T) {
	mux := &fakeMultiplexer{}
	_, routes := newTestTransport(t, mux, &fakeConfigStore{}, &fakeSessionProvider{})

	req := httptest.NewRequest(http.MethodGet, "/projects/proj-1/unified/sse", nil)
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		routes.ServeHTTP(rec, req)
		close(done)
	}()

	// Poll the recorder body until the bootstrap event has been flushed.
	deadline := time.After(2 * time.Second)
	for {
		body := rec.Body.String()
		if strings.Contains(body, "event: endpoint") {
			if !strings.Contains(body, "/projects/proj-1/unified/messages?session_id=") {
				t.Errorf("unexpected endpoint body: %s", body)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for bootstrap endpoint event, body so far: %s", body)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after context cancellation")
	}
}

func TestHandlePostAcceptsImmediatelyAndDeliversOverSSE(t *testing.T) {
	mux := &fakeMultiplexer{tools: nil}
	_, routes := newTestTransport(t, mux, &fakeConfigStore{}, &fakeSessionProvider{})

	server := httptest.NewServer(routes)
	defer server.Close()

	getReq, _ := http.NewRequest(http.MethodGet, server.URL+"/projects/proj-1/unified/sse", nil)
	getCtx, cancelGet := context.WithCancel(context.Background())
	defer cancelGet()
	getReq = getReq.WithContext(getCtx)

	resp, err := http.DefaultClient.Do(getReq)
	if err != nil {
		t.Fatalf("GET sse: %v", err)
	}
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)

	event, data := readSSEEvent(t, reader)
	if event != "endpoint" {
		t.Fatalf("first event = %q, want endpoint", event)
	}
	messagesURL := server.URL + data

	body := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	postResp, err := http.Post(messagesURL, "application/json", body)
	if err != nil {
		t.Fatalf("POST messages: %v", err)
	}
	defer postResp.Body.Close()
	if postResp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST status = %d, want 202", postResp.StatusCode)
	}

	start := time.Now()
	event, data = readSSEEvent(t, reader)
	elapsed := time.Since(start)
	if event != "message" {
		t.Fatalf("second event = %q, want message", event)
	}
	if elapsed < stabilizationDelay/2 {
		t.Errorf("first message delivered too fast (%v), expected stabilization delay around %v", elapsed, stabilizationDelay)
	}
	var wire wireResponse
	if err := json.Unmarshal([]byte(data), &wire); err != nil {
		t.Fatalf("unmarshal delivered message: %v", err)
	}
	if string(wire.ID) != "1" {
		t.Errorf("delivered response id = %s, want 1", wire.ID)
	}
}

func TestHandlePostUnknownSessionReturns404(t *testing.T) {
	mux := &fakeMultiplexer{}
	_, routes := newTestTransport(t, mux, &fakeConfigStore{}, &fakeSessionProvider{})

	body := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	req := httptest.NewRequest(http.MethodPost, "/projects/proj-1/unified/messages?session_id=does-not-exist", body)
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleServerSSEUnknownUpstreamReturns404(t *testing.T) {
	mux := &fakeMultiplexer{}
	_, routes := newTestTransport(t, mux, &fakeConfigStore{defs: map[string]upstream.Def{}}, &fakeSessionProvider{})

	req := httptest.NewRequest(http.MethodGet, "/projects/proj-1/servers/missing/sse", nil)
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleServerMessagesRoundTrip(t *testing.T) {
	client := newEchoClient()
	def := upstream.Def{ProjectID: "proj-1", ServerName: "files", Transport: upstream.TransportStdio, Command: "n/a", Enabled: true}
	store := &fakeConfigStore{defs: map[string]upstream.Def{def.Key(): def}}
	sessions := &fakeSessionProvider{client: client}
	mux := &fakeMultiplexer{}

	_, routes := newTestTransport(t, mux, store, sessions)
	server := httptest.NewServer(routes)
	defer server.Close()

	getReq, _ := http.NewRequest(http.MethodGet, server.URL+"/projects/proj-1/servers/files/sse", nil)
	getCtx, cancelGet := context.WithCancel(context.Background())
	defer cancelGet()
	resp, err := http.DefaultClient.Do(getReq.WithContext(getCtx))
	if err != nil {
		t.Fatalf("GET sse: %v", err)
	}
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)

	event, data := readSSEEvent(t, reader)
	if event != "endpoint" {
		t.Fatalf("first event = %q, want endpoint", event)
	}
	if !strings.Contains(data, "/projects/proj-1/servers/files/messages?session_id=") {
		t.Errorf("unexpected companion path: %s", data)
	}
	messagesURL := server.URL + data

	payload := fmt.Sprintf(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"read_file","arguments":{"path":"/tmp"}}}`)
	postResp, err := http.Post(messagesURL, "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("POST messages: %v", err)
	}
	defer postResp.Body.Close()
	if postResp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST status = %d, want 202", postResp.StatusCode)
	}

	_, data = readSSEEvent(t, reader)
	var wire wireResponse
	if err := json.Unmarshal([]byte(data), &wire); err != nil {
		t.Fatalf("unmarshal delivered message: %v", err)
	}
	if wire.Error != nil {
		t.Fatalf("wire.Error = %+v", wire.Error)
	}
}
