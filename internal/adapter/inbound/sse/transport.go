package sse

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mcpmux/mcpmux/internal/domain/clientsession"
	"github.com/mcpmux/mcpmux/internal/domain/ratelimit"
	"github.com/mcpmux/mcpmux/internal/port/inbound"
	"github.com/mcpmux/mcpmux/internal/port/outbound"
)

// Transport is the inbound adapter exposing the unified and per-server SSE
// endpoints. It implements inbound.ProxyService (Start/Close).
type Transport struct {
	multiplexer      Multiplexer
	configStore      outbound.ConfigStore
	sessions         SessionProvider
	clientSessions   *clientsession.Manager
	accessController outbound.AccessController

	addr           string
	certFile       string
	keyFile        string
	allowedOrigins []string
	disableAuth    bool
	legacyMode     bool
	logger         *slog.Logger

	rateLimiter ratelimit.RateLimiter
	rateLimit   ratelimit.RateLimitConfig

	sweepInterval time.Duration

	server  *http.Server
	metrics *Metrics

	sweepCancel context.CancelFunc
}

// Option configures a Transport.
type Option func(*Transport)

// WithAddr sets the listen address. Default "127.0.0.1:8090".
func WithAddr(addr string) Option {
	return func(t *Transport) { t.addr = addr }
}

// WithTLS enables TLS with the given certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(t *Transport) { t.certFile, t.keyFile = certFile, keyFile }
}

// WithAllowedOrigins configures DNS-rebinding protection's origin allowlist.
func WithAllowedOrigins(origins []string) Option {
	return func(t *Transport) { t.allowedOrigins = origins }
}

// WithAccessController sets the port used to resolve bearer credentials.
// A nil controller means every credentialed request is rejected on routes
// that require auth, and accepted anonymously on routes that don't.
func WithAccessController(ac outbound.AccessController) Option {
	return func(t *Transport) { t.accessController = ac }
}

// WithDisableAuth bypasses authentication on every route, matching the
// DISABLE_AUTH environment variable.
func WithDisableAuth(disable bool) Option {
	return func(t *Transport) { t.disableAuth = disable }
}

// WithLegacyMode sets the default ClientSession.LegacyMode for sessions
// this transport opens. Namespaces are authoritative (false) by default.
func WithLegacyMode(legacy bool) Option {
	return func(t *Transport) { t.legacyMode = legacy }
}

// WithLogger sets the transport's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithRateLimiter installs an IP-keyed GCRA rate limiter ahead of every
// route. If never called, the transport runs without rate limiting.
func WithRateLimiter(limiter ratelimit.RateLimiter, config ratelimit.RateLimitConfig) Option {
	return func(t *Transport) { t.rateLimiter, t.rateLimit = limiter, config }
}

// WithSweepInterval sets how often the ClientSession eviction sweep runs.
// Default: clientsession.DefaultTimeout / 6.
func WithSweepInterval(interval time.Duration) Option {
	return func(t *Transport) { t.sweepInterval = interval }
}

// NewTransport builds an SSE transport. configStore and sessions back the
// per-server passthrough routes; multiplexer backs the unified routes;
// clientSessions tracks connected ClientSessions for both.
func NewTransport(multiplexer Multiplexer, configStore outbound.ConfigStore, sessions SessionProvider, clientSessions *clientsession.Manager, opts ...Option) *Transport {
	t := &Transport{
		multiplexer:    multiplexer,
		configStore:    configStore,
		sessions:       sessions,
		clientSessions: clientSessions,
		addr:           "127.0.0.1:8090",
		allowedOrigins: []string{},
		legacyMode:     false,
		logger:         slog.Default(),
		rateLimit:      defaultIPRateLimit,
		sweepInterval:  clientsession.DefaultTimeout / 6,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins serving the SSE routes and blocks until ctx is canceled or
// the server fails. It also runs the ClientSession eviction sweep for the
// lifetime of the call.
func (t *Transport) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	t.metrics = newMetrics(reg)

	sweepCtx, cancel := context.WithCancel(context.Background())
	t.sweepCancel = cancel
	go t.clientSessions.RunEvictionSweep(sweepCtx, t.sweepInterval)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /projects/{project_id}/unified/sse", t.handleUnifiedSSE)
	mux.HandleFunc("POST /projects/{project_id}/unified/messages", t.handleUnifiedMessages)
	mux.HandleFunc("GET /projects/{project_id}/servers/{server}/sse", t.handleServerSSE)
	mux.HandleFunc("POST /projects/{project_id}/servers/{server}/messages", t.handleServerMessages)
	mux.Handle("/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	var handler http.Handler = mux
	handler = realIPMiddleware(handler)
	if t.rateLimiter != nil {
		handler = rateLimitMiddleware(t.rateLimiter, t.rateLimit)(handler)
	}
	handler = dnsRebindingProtection(t.allowedOrigins)(handler)
	handler = requestIDMiddleware(t.logger)(handler)
	handler = metricsMiddleware(t.metrics)(handler)

	t.server = &http.Server{Addr: t.addr, Handler: handler}
	if t.certFile != "" && t.keyFile != "" {
		t.server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if t.certFile != "" && t.keyFile != "" {
			t.logger.Info("starting sse transport (tls)", "addr", t.addr)
			err = t.server.ListenAndServeTLS(t.certFile, t.keyFile)
		} else {
			t.logger.Info("starting sse transport", "addr", t.addr)
			err = t.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context canceled, shutting down sse transport")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

func (t *Transport) shutdown() error {
	if t.sweepCancel != nil {
		t.sweepCancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during sse transport shutdown", "error", err)
		return err
	}
	return nil
}

// Close gracefully shuts down the transport.
func (t *Transport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}

var _ inbound.ProxyService = (*Transport)(nil)
