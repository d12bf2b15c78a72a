package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpmux/mcpmux/internal/adapter/inbound/sse"
	"github.com/mcpmux/mcpmux/internal/adapter/outbound/accesscontrol"
	"github.com/mcpmux/mcpmux/internal/adapter/outbound/activitylog"
	"github.com/mcpmux/mcpmux/internal/adapter/outbound/mcpclient"
	"github.com/mcpmux/mcpmux/internal/adapter/outbound/memory"
	"github.com/mcpmux/mcpmux/internal/adapter/outbound/sqlitestore"
	"github.com/mcpmux/mcpmux/internal/adapter/outbound/yamlstore"
	"github.com/mcpmux/mcpmux/internal/config"
	"github.com/mcpmux/mcpmux/internal/domain/auth"
	"github.com/mcpmux/mcpmux/internal/domain/clientsession"
	"github.com/mcpmux/mcpmux/internal/domain/proxy"
	"github.com/mcpmux/mcpmux/internal/domain/ratelimit"
	"github.com/mcpmux/mcpmux/internal/domain/toolfilter"
	"github.com/mcpmux/mcpmux/internal/observability"
	"github.com/mcpmux/mcpmux/internal/port/outbound"
	"github.com/mcpmux/mcpmux/internal/service/sessionmanager"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy server",
	Long: `Start the mcpmux proxy server.

Each project's upstream MCP servers are read from the configured store
(sqlite or yaml, see store.backend) and exposed behind one unified SSE
endpoint per project, plus one passthrough SSE endpoint per upstream
server, for clients that still expect a single-server connection.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	logger.Debug("log level configured", "level", cfg.Server.LogLevel, "effective", logLevel.String())

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}
	if cfg.DevMode {
		logger.Warn("dev_mode is enabled: authentication is weakened (unsigned JWTs accepted) and a yaml store is seeded. Do not use in production.")
	}

	// Graceful shutdown: first Ctrl+C cancels ctx, second does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	return runProxy(ctx, cfg, logger)
}

// runProxy wires every component together and blocks until ctx is
// canceled or the transport fails.
func runProxy(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	telemetry, err := observability.New(os.Stderr)
	if err != nil {
		return fmt.Errorf("start telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	configStore, err := openConfigStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}

	authStore := memory.NewAuthStore()
	if err := seedAuthStore(authStore, cfg.Auth); err != nil {
		return fmt.Errorf("seed auth store: %w", err)
	}

	var accessController outbound.AccessController
	if !cfg.Server.DisableAuth {
		accessController = accesscontrol.New(authStore,
			accesscontrol.WithJWTSecret(cfg.Server.AuthSecret),
			accesscontrol.WithAllowUnsignedJWT(cfg.Server.AllowUnsignedJWT),
		)
	}

	sessions := sessionmanager.New(mcpclient.NewFactory(logger), logger, sessionmanager.Config{
		SweepInterval: cfg.Server.SessionCleanupInterval(),
		IdleTimeout:   cfg.Server.SessionTimeout(),
	})
	go sessions.Run(ctx)
	defer func() { _ = sessions.Close() }()

	filter := toolfilter.New(configStore)
	multiplexer := proxy.New(configStore, sessions, filter, logger,
		proxy.WithActivityLog(activitylog.NewSlogSink(logger)),
	)

	clientSessions := clientsession.NewManager(memory.NewClientSessionStore(), clientsession.Config{
		Timeout: cfg.Server.SessionTimeout(),
	})

	opts := []sse.Option{
		sse.WithAddr(cfg.Server.HTTPAddr),
		sse.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		sse.WithAccessController(accessController),
		sse.WithDisableAuth(cfg.Server.DisableAuth),
		sse.WithLegacyMode(cfg.Server.LegacyMode),
		sse.WithLogger(logger),
		sse.WithSweepInterval(cfg.Server.SessionCleanupInterval()),
	}
	if cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != "" {
		opts = append(opts, sse.WithTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile))
	}
	if cfg.RateLimit.Enabled {
		limiter := memory.NewRateLimiterWithConfig(cfg.RateLimit.CleanupIntervalDuration(), cfg.RateLimit.MaxTTLDuration())
		rateLimit := ratelimit.RateLimitConfig{Rate: cfg.RateLimit.IPRate, Burst: cfg.RateLimit.IPRate * 2, Period: time.Minute}
		opts = append(opts, sse.WithRateLimiter(limiter, rateLimit))
	}

	transport := sse.NewTransport(multiplexer, configStore, sessions, clientSessions, opts...)

	logger.Info("mcpmux starting", "addr", cfg.Server.HTTPAddr, "store", cfg.Store.Backend, "disable_auth", cfg.Server.DisableAuth)
	if cfg.Server.BaseURL != "" {
		logger.Info("unified endpoint base url", "example", strings.TrimSuffix(cfg.Server.BaseURL, "/")+"/projects/{project_id}/unified/sse")
	}

	return transport.Start(ctx)
}

func openConfigStore(cfg config.StoreConfig) (interface {
	outbound.ConfigStore
	toolfilter.Store
}, error) {
	switch cfg.Backend {
	case "sqlite":
		return sqlitestore.Open(cfg.Path)
	case "yaml":
		return yamlstore.Load(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}

// seedAuthStore populates an in-memory auth.AuthStore from the
// configuration file's identities and API keys.
func seedAuthStore(store *memory.AuthStore, cfg config.AuthConfig) error {
	for _, id := range cfg.Identities {
		roles := make([]auth.Role, 0, len(id.Roles))
		for _, r := range id.Roles {
			role := auth.Role(r)
			if !role.IsValid() {
				return fmt.Errorf("identity %q: unknown role %q", id.ID, r)
			}
			roles = append(roles, role)
		}
		store.AddIdentity(&auth.Identity{ID: id.ID, Name: id.Name, Roles: roles})
	}
	for _, key := range cfg.APIKeys {
		store.AddKey(&auth.APIKey{Key: key.KeyHash, IdentityID: key.IdentityID})
	}
	return nil
}
