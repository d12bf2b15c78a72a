package mcpclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mcpmux/mcpmux/internal/domain/upstream"
	"github.com/mcpmux/mcpmux/internal/port/outbound"
)

// endpointWait is how long Start waits for the server's bootstrap
// "endpoint" event before failing with ErrEndpointMissing. A var, not a
// const, so tests can shorten it rather than waiting out the real value.
var endpointWait = 5 * time.Second

// endpointStabilization is a short pause after the endpoint event arrives,
// giving the upstream's own stream setup time to settle before the first
// request is sent.
const endpointStabilization = 100 * time.Millisecond

// ErrEndpointMissing is returned by Start when the upstream's SSE stream
// never announces a message endpoint within endpointWait.
var ErrEndpointMissing = errors.New("sse upstream did not announce a message endpoint")

// SSEClient connects to a remote MCP server that speaks JSON-RPC over a
// long-lived SSE GET stream with a companion POST endpoint. It bridges
// that protocol to the io.WriteCloser/io.ReadCloser shape outbound.MCPClient
// expects: writes are POSTed to the announced endpoint, and "message"
// events received on the SSE stream are delivered as newline-delimited
// JSON on the read side — upstreamsession's own request/response
// correlation runs unmodified on top of that byte stream.
type SSEClient struct {
	def        upstream.Def
	httpClient *http.Client
	logger     *slog.Logger

	mu              sync.Mutex
	messageEndpoint string
	closed          bool

	stopOnce sync.Once
	stop     chan struct{}

	respW *io.PipeWriter
}

// NewSSEClient creates a client for an sse-transport upstream definition.
func NewSSEClient(def upstream.Def, logger *slog.Logger) *SSEClient {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 15 * time.Second,
		}).DialContext,
		IdleConnTimeout:       0,
		ResponseHeaderTimeout: 10 * time.Second,
	}
	return &SSEClient{
		def:        def,
		httpClient: &http.Client{Transport: transport},
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Start opens the SSE GET stream, waits for the endpoint event, and
// returns a request writer and a response reader bridged to it.
func (c *SSEClient) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.def.URL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create sse request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range c.def.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("connect sse upstream %s: %w", c.def.ServerName, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, nil, fmt.Errorf("connect sse upstream %s: status %d", c.def.ServerName, resp.StatusCode)
	}

	respR, respW := io.Pipe()
	c.respW = respW

	endpointReady := make(chan struct{})
	go c.eventLoop(resp.Body, endpointReady)

	select {
	case <-endpointReady:
	case <-time.After(endpointWait):
		resp.Body.Close()
		return nil, nil, ErrEndpointMissing
	case <-ctx.Done():
		resp.Body.Close()
		return nil, nil, ctx.Err()
	}
	time.Sleep(endpointStabilization)

	reqW := newPostWriter(c)
	return reqW, respR, nil
}

// eventLoop parses the SSE byte stream, resolving endpointReady the first
// time an "endpoint" event arrives and writing each "message" event's
// data, plus a trailing newline, to the response pipe.
func (c *SSEClient) eventLoop(body io.ReadCloser, endpointReady chan struct{}) {
	defer body.Close()
	defer c.respW.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType, eventData string
	var endpointSignaled bool
	signalEndpoint := func() {
		if !endpointSignaled {
			endpointSignaled = true
			close(endpointReady)
		}
	}

	flush := func() {
		if eventType == "" && eventData == "" {
			return
		}
		c.handleEvent(eventType, eventData, signalEndpoint)
		eventType, eventData = "", ""
	}

	for scanner.Scan() {
		select {
		case <-c.stop:
			return
		default:
		}

		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// comment/keepalive
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if eventData != "" {
				eventData += "\n"
			}
			eventData += data
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("sse upstream stream error", "upstream", c.def.ServerName, "error", err)
	}
}

func (c *SSEClient) handleEvent(eventType, data string, signalEndpoint func()) {
	switch eventType {
	case "endpoint":
		c.mu.Lock()
		c.messageEndpoint = c.resolveEndpoint(data)
		c.mu.Unlock()
		signalEndpoint()
	case "message":
		if _, err := c.respW.Write([]byte(data)); err != nil {
			return
		}
		_, _ = c.respW.Write([]byte("\n"))
	default:
		c.logger.Debug("unhandled sse event", "upstream", c.def.ServerName, "event", eventType)
	}
}

func (c *SSEClient) resolveEndpoint(data string) string {
	if strings.HasPrefix(data, "http://") || strings.HasPrefix(data, "https://") {
		return data
	}
	base, err := url.Parse(c.def.URL)
	if err != nil {
		return data
	}
	ref, err := url.Parse(data)
	if err != nil {
		return data
	}
	return base.ResolveReference(ref).String()
}

func (c *SSEClient) endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messageEndpoint
}

// Wait blocks until the stream is closed.
func (c *SSEClient) Wait() error {
	<-c.stop
	return nil
}

// Close stops the event loop and fails any writer still posting.
func (c *SSEClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

var _ outbound.MCPClient = (*SSEClient)(nil)

// postWriter is the io.WriteCloser handed to upstreamsession.Session as
// its "stdin": each Write is one newline-delimited JSON-RPC line, which
// it POSTs to the SSE upstream's announced message endpoint. The
// response, if any, arrives asynchronously on the SSE stream rather than
// in the POST's body, matching the wire protocol described above.
type postWriter struct {
	client *SSEClient
}

func newPostWriter(c *SSEClient) *postWriter {
	return &postWriter{client: c}
}

func (w *postWriter) Write(p []byte) (int, error) {
	w.client.mu.Lock()
	closed := w.client.closed
	w.client.mu.Unlock()
	if closed {
		return 0, errors.New("sse client closed")
	}

	endpoint := w.client.endpoint()
	if endpoint == "" {
		return 0, errors.New("no message endpoint available")
	}

	line := trimTrailingNewline(p)
	req, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(string(line)))
	if err != nil {
		return 0, fmt.Errorf("create post request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.client.def.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post to sse upstream %s: %w", w.client.def.ServerName, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return 0, fmt.Errorf("post to sse upstream %s: status %d", w.client.def.ServerName, resp.StatusCode)
	}
	return len(p), nil
}

func (w *postWriter) Close() error {
	return nil
}

func trimTrailingNewline(p []byte) []byte {
	for len(p) > 0 && (p[len(p)-1] == '\n' || p[len(p)-1] == '\r') {
		p = p[:len(p)-1]
	}
	return p
}
