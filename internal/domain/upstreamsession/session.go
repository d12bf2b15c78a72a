package upstreamsession

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/mcpmux/mcpmux/internal/domain/upstream"
	"github.com/mcpmux/mcpmux/internal/port/outbound"
	"github.com/mcpmux/mcpmux/pkg/mcp"
)

// protocolVersion is the MCP protocol version advertised during the
// initialize handshake.
const protocolVersion = "2025-03-26"

// responseEnvelope is used to peek at a raw response line's id and error
// without relying on unconfirmed methods of the SDK's jsonrpc.ID type.
type responseEnvelope struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Error  *struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// rawResponse pairs a decoded response with its original wire bytes, so
// callers can classify error messages from the raw JSON (the SDK's
// jsonrpc.Response error shape is not relied upon directly here).
type rawResponse struct {
	raw  []byte
	resp *jsonrpc.Response
}

// Session is one persistent JSON-RPC connection to one upstream MCP
// server. Sends on a Session are serialized by sendMu; reads happen on a
// single background goroutine that demultiplexes responses to waiting
// callers by request id.
type Session struct {
	def    upstream.Def
	client outbound.MCPClient
	logger *slog.Logger

	mu    sync.Mutex
	state State

	stdin  io.WriteCloser
	stdout io.ReadCloser
	sendMu sync.Mutex

	nextID  int64
	pending map[int64]chan rawResponse

	lastActivity time.Time

	readDone  chan struct{}
	closeOnce sync.Once
}

// New constructs a Session for def. client must not yet be started.
func New(def upstream.Def, client outbound.MCPClient, logger *slog.Logger) *Session {
	return &Session{
		def:          def,
		client:       client,
		logger:       logger,
		state:        StateNew,
		pending:      make(map[int64]chan rawResponse),
		lastActivity: time.Now(),
		readDone:     make(chan struct{}),
	}
}

// Def returns the upstream definition this session was started from.
func (s *Session) Def() upstream.Def {
	return s.def
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IdleFor returns how long it has been since the last request or notify
// completed on this session.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// processLivenessChecker is implemented by transports backed by a local
// subprocess (StdioClient); SSE transports have no process to probe.
type processLivenessChecker interface {
	IsAlive() bool
}

// ProcessAlive reports whether the underlying transport's subprocess is
// still running. Transports with no subprocess (e.g. SSE) always report
// true here; a dead connection on those surfaces through a failed
// request instead.
func (s *Session) ProcessAlive() bool {
	checker, ok := s.client.(processLivenessChecker)
	if !ok {
		return true
	}
	return checker.IsAlive()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Start spawns the upstream connection and, unless skipInit is true,
// performs the initialize handshake before returning. skipInit exists for
// upstreams that are known to already be initialized (e.g. a shared
// connection being re-wrapped) and for tests driving the handshake
// manually.
func (s *Session) Start(ctx context.Context, skipInit bool) error {
	s.setState(StateStarting)

	stdin, stdout, err := s.client.Start(ctx)
	if err != nil {
		s.setState(StateClosed)
		return fmt.Errorf("start upstream %s: %w", s.def.ServerName, err)
	}
	s.stdin = stdin
	s.stdout = stdout

	go s.readLoop()

	if skipInit {
		s.setState(StateReady)
		return nil
	}

	if err := s.initialize(ctx); err != nil {
		_ = s.Close()
		return err
	}

	s.setState(StateReady)
	return nil
}

// initialize performs the MCP initialize handshake, retrying up to
// initBackoffAttempts times on a transient "not ready yet" error, and
// sends the notifications/initialized acknowledgement on success.
func (s *Session) initialize(ctx context.Context) error {
	params, err := json.Marshal(map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "mcpmux",
			"version": "1.0.0",
		},
	})
	if err != nil {
		return fmt.Errorf("marshal initialize params: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= initBackoffAttempts; attempt++ {
		if delay := initBackoffDelay(attempt); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		resp, raw, err := s.requestRaw(ctx, "initialize", params, s.def.Timeout())
		if err == nil {
			_ = resp
			if msg := responseErrorMessage(raw); msg != "" {
				if isInitializationIncomplete(msg) && attempt < initBackoffAttempts {
					lastErr = fmt.Errorf("initialize: %s", msg)
					continue
				}
				return fmt.Errorf("initialize rejected by upstream: %s", msg)
			}
			return s.Notify(ctx, "notifications/initialized", nil)
		}
		lastErr = err
		if !isInitializationIncomplete(err.Error()) {
			return err
		}
	}
	return fmt.Errorf("initialize did not complete after %d attempts: %w", initBackoffAttempts, lastErr)
}

// responseErrorMessage extracts a JSON-RPC error's message from a
// response's raw wire bytes, or "" if it carries a result instead.
func responseErrorMessage(raw []byte) string {
	var head responseEnvelope
	if err := json.Unmarshal(raw, &head); err != nil || head.Error == nil {
		return ""
	}
	return head.Error.Message
}

// Request sends method/params and blocks for the correlated response for up
// to timeout (DefaultRequestTimeout if timeout is zero or negative).
func (s *Session) Request(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (*jsonrpc.Response, error) {
	resp, _, err := s.requestRaw(ctx, method, params, timeout)
	return resp, err
}

// requestRaw is Request plus the response's original wire bytes, needed
// internally to classify error messages without relying on the SDK's
// jsonrpc.Response error shape.
func (s *Session) requestRaw(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (*jsonrpc.Response, []byte, error) {
	if s.State() == StateClosed || s.State() == StateClosing {
		return nil, nil, ErrClosed
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	idNum := atomic.AddInt64(&s.nextID, 1)
	id, err := jsonrpc.MakeID(float64(idNum))
	if err != nil {
		return nil, nil, fmt.Errorf("make request id: %w", err)
	}

	respCh := make(chan rawResponse, 1)
	s.mu.Lock()
	s.pending[idNum] = respCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, idNum)
		s.mu.Unlock()
	}()

	req := &jsonrpc.Request{ID: id, Method: method, Params: params}
	line, err := mcp.EncodeLine(req)
	if err != nil {
		return nil, nil, fmt.Errorf("encode request: %w", err)
	}

	s.sendMu.Lock()
	_, err = s.stdin.Write(line)
	s.sendMu.Unlock()
	if err != nil {
		return nil, nil, fmt.Errorf("write to upstream %s: %w", s.def.ServerName, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case got := <-respCh:
		s.mu.Lock()
		s.lastActivity = time.Now()
		s.mu.Unlock()
		return got.resp, got.raw, nil
	case <-timer.C:
		return nil, nil, ErrTimeout
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-s.readDone:
		return nil, nil, ErrClosed
	}
}

// Notify sends a fire-and-forget JSON-RPC notification (no id, no
// response expected).
func (s *Session) Notify(ctx context.Context, method string, params json.RawMessage) error {
	if s.State() == StateClosed || s.State() == StateClosing {
		return ErrClosed
	}

	req := &jsonrpc.Request{Method: method, Params: params}
	line, err := mcp.EncodeLine(req)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	s.sendMu.Lock()
	_, err = s.stdin.Write(line)
	s.sendMu.Unlock()
	if err != nil {
		return fmt.Errorf("write notification to upstream %s: %w", s.def.ServerName, err)
	}

	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return nil
}

// readLoop decodes newline-delimited JSON-RPC messages from the upstream's
// stdout and dispatches responses to the Request call waiting on each
// one's id. It runs until stdout closes or Close is called.
func (s *Session) readLoop() {
	defer close(s.readDone)

	decoder := mcp.NewLineDecoder()
	buf := make([]byte, 32*1024)
	reader := bufio.NewReaderSize(s.stdout, 64*1024)

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			lines, malformed := decoder.Feed(buf[:n])
			if malformed > 0 {
				s.logger.Warn("upstream sent malformed UTF-8 line", "upstream", s.def.ServerName, "count", malformed)
			}
			for _, line := range lines {
				s.dispatchLine(line)
			}
		}
		if err != nil {
			if err != io.EOF {
				s.logger.Warn("upstream read error", "upstream", s.def.ServerName, "error", err)
			}
			return
		}
	}
}

// dispatchLine decodes a single line and, if it correlates to a pending
// request, delivers it on that request's channel. Requests/notifications
// initiated by the upstream itself (head.Method != "") are not yet
// supported by any upstream in this deployment's scope and are dropped
// with a log line rather than silently ignored.
func (s *Session) dispatchLine(line []byte) {
	var head responseEnvelope
	if err := json.Unmarshal(line, &head); err != nil {
		s.logger.Warn("upstream sent invalid JSON", "upstream", s.def.ServerName, "error", err)
		return
	}
	if head.Method != "" {
		s.logger.Debug("dropping unsolicited upstream message", "upstream", s.def.ServerName, "method", head.Method)
		return
	}
	if head.ID == nil {
		return
	}

	var idNum int64
	if err := json.Unmarshal(head.ID, &idNum); err != nil {
		s.logger.Warn("upstream response id is not a number", "upstream", s.def.ServerName, "id", string(head.ID))
		return
	}

	decoded, err := mcp.DecodeMessage(line)
	if err != nil {
		s.logger.Warn("failed to decode upstream response", "upstream", s.def.ServerName, "error", err)
		return
	}
	resp, ok := decoded.(*jsonrpc.Response)
	if !ok {
		return
	}

	s.mu.Lock()
	ch, found := s.pending[idNum]
	s.mu.Unlock()
	if !found {
		// Response for a request whose caller already gave up (timeout or
		// canceled context); this is expected under load, not an error.
		return
	}

	select {
	case ch <- rawResponse{raw: line, resp: resp}:
	default:
	}
}

// Close tears down the upstream connection. Safe to call multiple times.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		err = s.client.Close()
		s.setState(StateClosed)
	})
	return err
}
