package sessionmanager

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mcpmux/mcpmux/internal/domain/upstream"
	"github.com/mcpmux/mcpmux/internal/port/outbound"
)

// echoClient is a minimal in-process outbound.MCPClient that answers every
// request with an empty result, counting how many times it was started.
type echoClient struct {
	starts    int32
	closed    int32
	serverIn  *io.PipeReader
	serverOut *io.PipeWriter
	clientIn  *io.PipeWriter
	clientOut *io.PipeReader
}

func newEchoClient() *echoClient {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	return &echoClient{serverIn: inR, serverOut: outW, clientIn: inW, clientOut: outR}
}

func (c *echoClient) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	atomic.AddInt32(&c.starts, 1)
	go c.serve()
	return c.clientIn, c.clientOut, nil
}

func (c *echoClient) Wait() error { return nil }
func (c *echoClient) Close() error {
	atomic.AddInt32(&c.closed, 1)
	_ = c.clientIn.Close()
	return nil
}

func (c *echoClient) serve() {
	scanner := bufio.NewScanner(c.serverIn)
	for scanner.Scan() {
		var req struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || req.ID == nil {
			continue
		}
		resp, _ := json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"id":      json.RawMessage(req.ID),
			"result":  map[string]any{},
		})
		c.serverOut.Write(append(resp, '\n'))
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestManagerGetOrCreateReusesSession(t *testing.T) {
	var created []*echoClient
	var mu sync.Mutex

	factory := func(def upstream.Def) (outbound.MCPClient, error) {
		c := newEchoClient()
		mu.Lock()
		created = append(created, c)
		mu.Unlock()
		return c, nil
	}

	mgr := New(factory, testLogger(), Config{})
	defer mgr.Close()

	def := upstream.Def{ProjectID: "proj-1", ServerName: "tools", Transport: upstream.TransportStdio, Command: "fake", TimeoutSeconds: 2}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s1, err := mgr.GetOrCreate(ctx, def)
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}
	s2, err := mgr.GetOrCreate(ctx, def)
	if err != nil {
		t.Fatalf("GetOrCreate() second call error: %v", err)
	}
	if s1 != s2 {
		t.Error("expected the second GetOrCreate to reuse the existing session")
	}
	if len(created) != 1 {
		t.Errorf("expected exactly 1 client to be created, got %d", len(created))
	}
}

func TestManagerGetOrCreateIsolatesProjects(t *testing.T) {
	factory := func(def upstream.Def) (outbound.MCPClient, error) {
		return newEchoClient(), nil
	}
	mgr := New(factory, testLogger(), Config{})
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	defA := upstream.Def{ProjectID: "proj-a", ServerName: "tools", Transport: upstream.TransportStdio, Command: "fake", TimeoutSeconds: 2}
	defB := upstream.Def{ProjectID: "proj-b", ServerName: "tools", Transport: upstream.TransportStdio, Command: "fake", TimeoutSeconds: 2}

	sA, err := mgr.GetOrCreate(ctx, defA)
	if err != nil {
		t.Fatalf("GetOrCreate(A) error: %v", err)
	}
	sB, err := mgr.GetOrCreate(ctx, defB)
	if err != nil {
		t.Fatalf("GetOrCreate(B) error: %v", err)
	}
	if sA == sB {
		t.Error("expected distinct sessions for distinct projects with the same server name")
	}
}

func TestManagerEvictsIdleSessions(t *testing.T) {
	var client *echoClient
	factory := func(def upstream.Def) (outbound.MCPClient, error) {
		client = newEchoClient()
		return client, nil
	}
	mgr := New(factory, testLogger(), Config{SweepInterval: 20 * time.Millisecond, IdleTimeout: 30 * time.Millisecond})
	defer mgr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	def := upstream.Def{ProjectID: "proj-1", ServerName: "tools", Transport: upstream.TransportStdio, Command: "fake", TimeoutSeconds: 2}
	if _, err := mgr.GetOrCreate(ctx, def); err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}
	if len(mgr.Sessions()) != 1 {
		t.Fatalf("expected 1 session, got %d", len(mgr.Sessions()))
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(mgr.Sessions()) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(mgr.Sessions()) != 0 {
		t.Error("expected idle session to be evicted")
	}
	if atomic.LoadInt32(&client.closed) == 0 {
		t.Error("expected the evicted session's underlying client to be closed")
	}
}
