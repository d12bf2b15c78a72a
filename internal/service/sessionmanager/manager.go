// Package sessionmanager is the process-wide registry of UpstreamSessions,
// keyed by (project-id, server-name): get_or_create with liveness probing,
// and idle eviction of sessions nobody has used recently.
package sessionmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mcpmux/mcpmux/internal/domain/upstream"
	"github.com/mcpmux/mcpmux/internal/domain/upstreamsession"
	"github.com/mcpmux/mcpmux/internal/port/outbound"
)

// DefaultSweepInterval and DefaultIdleTimeout match the eviction defaults;
// both are overridable via Config (and, one layer up, via environment
// variables read by internal/config).
const (
	DefaultSweepInterval = 5 * time.Minute
	DefaultIdleTimeout   = 30 * time.Minute
)

// ClientFactory creates an outbound.MCPClient for a given upstream
// definition. The default factory (wired in cmd/mcpmux) dispatches on
// def.Transport to a stdio or sse adapter.
type ClientFactory func(def upstream.Def) (outbound.MCPClient, error)

// Config holds Manager tuning parameters.
type Config struct {
	SweepInterval time.Duration
	IdleTimeout   time.Duration
}

// Manager is the process-wide (project-id, server-name) -> UpstreamSession
// registry.
type Manager struct {
	factory ClientFactory
	logger  *slog.Logger

	sweepInterval time.Duration
	idleTimeout   time.Duration

	mu       sync.RWMutex
	sessions map[string]*upstreamsession.Session

	// keyLocks serializes get_or_create per key: two concurrent lookups
	// for the same (project, server) must not race to start two
	// subprocesses, but lookups for different keys must not block each
	// other.
	keyLocks sync.Map // string -> *sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Manager. Call Run to start the idle-eviction sweep.
func New(factory ClientFactory, logger *slog.Logger, cfg Config) *Manager {
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		factory:       factory,
		logger:        logger,
		sweepInterval: sweep,
		idleTimeout:   idle,
		sessions:      make(map[string]*upstreamsession.Session),
		ctx:           ctx,
		cancel:        cancel,
	}
}

func (m *Manager) keyLock(key string) *sync.Mutex {
	lock, _ := m.keyLocks.LoadOrStore(key, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// GetOrCreate returns the existing ready session for def's (project,
// server) identity, probing it for liveness first, or starts a new one.
// Concurrent calls for the same key are serialized; calls for different
// keys proceed independently.
func (m *Manager) GetOrCreate(ctx context.Context, def upstream.Def) (*upstreamsession.Session, error) {
	key := def.Key()
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	existing, ok := m.sessions[key]
	m.mu.RUnlock()

	if ok {
		if m.isAlive(ctx, existing) {
			return existing, nil
		}
		m.logger.Warn("upstream session failed liveness probe, recreating", "project", def.ProjectID, "server", def.ServerName)
		_ = existing.Close()
		m.mu.Lock()
		delete(m.sessions, key)
		m.mu.Unlock()
	}

	client, err := m.factory(def)
	if err != nil {
		return nil, fmt.Errorf("create client for %s: %w", def.ServerName, err)
	}

	sess := upstreamsession.New(def, client, m.logger)
	if err := sess.Start(ctx, false); err != nil {
		return nil, fmt.Errorf("start upstream %s: %w", def.ServerName, err)
	}

	m.mu.Lock()
	m.sessions[key] = sess
	m.mu.Unlock()

	return sess, nil
}

// isAlive probes a cached session without generating upstream traffic: a
// session in StateReady whose subprocess (when it has one) is still
// running is considered live. This deliberately avoids sending a request.
func (m *Manager) isAlive(ctx context.Context, sess *upstreamsession.Session) bool {
	return sess.State() == upstreamsession.StateReady && sess.ProcessAlive()
}

// Close closes every managed session and stops the eviction sweep.
func (m *Manager) Close() error {
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	sessions := make([]*upstreamsession.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*upstreamsession.Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.Close()
	}
	return nil
}

// Run starts the idle-eviction sweep goroutine. Blocks until ctx is
// canceled or Close is called; callers typically invoke it with `go`.
func (m *Manager) Run(ctx context.Context) {
	m.wg.Add(1)
	defer m.wg.Done()

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

// evictIdle closes and removes every session idle longer than
// idleTimeout.
func (m *Manager) evictIdle() {
	m.mu.Lock()
	toEvict := make(map[string]*upstreamsession.Session)
	for key, sess := range m.sessions {
		if sess.IdleFor() > m.idleTimeout {
			toEvict[key] = sess
		}
	}
	for key := range toEvict {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	for key, sess := range toEvict {
		m.logger.Info("evicting idle upstream session", "key", key)
		_ = sess.Close()
	}
}

// Sessions returns a snapshot of every currently managed session, for
// diagnostics and tests.
func (m *Manager) Sessions() []*upstreamsession.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*upstreamsession.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}
