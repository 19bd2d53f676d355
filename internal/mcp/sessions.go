package mcp

import (
	"context"
	"log/slog"
	"time"

	"mcpgate/internal/config"
	"mcpgate/internal/credentials"
	"mcpgate/internal/domain"
	"mcpgate/internal/telemetry"
	"mcpgate/internal/upstream"

	"golang.org/x/sync/errgroup"
)

// initializeFanOut caps concurrent upstream handshakes per initialize
const initializeFanOut = 8

// SessionManager owns the gateway session lifecycle: creating a session on
// initialize, fanning the handshake out to every real upstream in the bundle,
// expiring idle sessions lazily on access and in a background janitor.
type SessionManager struct {
	sessions domain.SessionRepository
	accounts domain.AccountRepository
	catalog  domain.CatalogRepository
	creds    *credentials.Manager
	metrics  *telemetry.Metrics

	ttl           time.Duration
	sweepInterval time.Duration
	connTimeout   time.Duration
	readTimeout   time.Duration
}

// NewSessionManager builds a session manager over the given repositories
func NewSessionManager(sessions domain.SessionRepository, accounts domain.AccountRepository,
	catalog domain.CatalogRepository, creds *credentials.Manager, cfg config.GatewayConfig) *SessionManager {
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	interval := cfg.SessionSweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &SessionManager{
		sessions:      sessions,
		accounts:      accounts,
		catalog:       catalog,
		creds:         creds,
		ttl:           ttl,
		sweepInterval: interval,
		connTimeout:   cfg.UpstreamConnTimeout,
		readTimeout:   cfg.UpstreamReadTimeout,
	}
}

// WithMetrics wires the session gauge
func (m *SessionManager) WithMetrics(metrics *telemetry.Metrics) *SessionManager {
	m.metrics = metrics
	return m
}

// Initialize creates a session for the bundle and opens an upstream session
// with every real server the bundle's configurations reference. Upstream
// failures are logged and skipped: a dead upstream must not block the
// handshake for the rest of the bundle.
func (m *SessionManager) Initialize(ctx context.Context, bundle *domain.MCPServerBundle) (*domain.MCPSession, error) {
	session := &domain.MCPSession{
		BundleID:            bundle.ID,
		ExternalMCPSessions: make(map[string]string),
	}
	if err := m.sessions.CreateSession(ctx, session); err != nil {
		return nil, domain.WrapError(domain.KindStorage, err, "create session for bundle %s", bundle.ID)
	}
	m.metrics.SessionOpened()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(initializeFanOut)
	for _, cfgID := range bundle.MCPServerConfigurationIDs {
		g.Go(func() error {
			m.openUpstream(gctx, session.ID, bundle, cfgID)
			return nil
		})
	}
	g.Wait()

	// Re-read to pick up the ids the fan-out merged
	merged, err := m.sessions.GetSession(ctx, session.ID)
	if err == nil && merged != nil {
		session = merged
	}
	return session, nil
}

// openUpstream performs the handshake with one configuration's server and
// merges the upstream session id into the session row. Concurrent merges for
// distinct servers are safe; the repository updates under a row lock.
func (m *SessionManager) openUpstream(ctx context.Context, sessionID string, bundle *domain.MCPServerBundle, cfgID string) {
	cfg, err := m.accounts.GetMCPServerConfiguration(ctx, cfgID)
	if err != nil || cfg == nil {
		slog.Warn("skipping unresolvable configuration at initialize",
			"configuration", cfgID, "error", err)
		return
	}
	server, err := m.catalog.GetMCPServer(ctx, cfg.MCPServerID)
	if err != nil || server == nil {
		slog.Warn("skipping configuration with missing server at initialize",
			"configuration", cfgID, "server", cfg.MCPServerID, "error", err)
		return
	}
	// Virtual servers execute in-process and have no session to open
	if server.IsVirtual() {
		return
	}

	authConfig, err := credentials.ResolveAuthConfig(server, cfg)
	if err != nil {
		slog.Warn("skipping upstream with unresolvable auth at initialize",
			"server", server.Name, "error", err)
		return
	}
	creds, err := m.creds.GetCredentials(ctx, server, cfg, bundle.UserID)
	if err != nil {
		slog.Warn("skipping upstream without usable credentials at initialize",
			"server", server.Name, "error", err)
		return
	}

	start := time.Now()
	client := upstream.NewClient(server, authConfig, creds).
		WithTimeouts(m.connTimeout, m.readTimeout)
	upstreamID, err := client.Initialize(ctx)
	m.metrics.RecordUpstreamCall(server.Name, domain.MethodInitialize,
		telemetry.StatusLabel(err), time.Since(start))
	if err != nil {
		slog.Warn("upstream initialize failed", "server", server.Name, "error", err)
		return
	}
	if upstreamID == "" {
		return
	}
	if err := m.sessions.MergeExternalSession(ctx, sessionID, server.ID, upstreamID); err != nil {
		slog.Warn("recording upstream session id failed",
			"server", server.Name, "session", sessionID, "error", err)
	}
}

// Resume loads a live session and refreshes its idle clock. Unknown, deleted
// and idle-expired ids all resolve to nil: the caller proceeds as if the
// client had never initialized.
func (m *SessionManager) Resume(ctx context.Context, sessionID string) (*domain.MCPSession, error) {
	if sessionID == "" {
		return nil, nil
	}
	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, err, "load session %s", sessionID)
	}
	if session == nil {
		return nil, nil
	}
	if time.Since(session.LastAccessedAt) >= m.ttl {
		if err := m.sessions.SoftDeleteSession(ctx, sessionID); err != nil {
			slog.Warn("expiring idle session failed", "session", sessionID, "error", err)
		} else {
			m.metrics.SessionsClosed(1)
		}
		return nil, nil
	}
	if err := m.sessions.TouchSession(ctx, sessionID, time.Now().UTC()); err != nil {
		slog.Warn("touching session failed", "session", sessionID, "error", err)
	}
	return session, nil
}

// MergeUpstreamSession records an upstream session id discovered during a
// tool call. No-op for stateless requests and for ids already on file.
func (m *SessionManager) MergeUpstreamSession(ctx context.Context, session *domain.MCPSession, serverID, upstreamID string) error {
	if session == nil || upstreamID == "" {
		return nil
	}
	if session.ExternalMCPSessions[serverID] == upstreamID {
		return nil
	}
	if err := m.sessions.MergeExternalSession(ctx, session.ID, serverID, upstreamID); err != nil {
		return domain.WrapError(domain.KindStorage, err, "merge upstream session for server %s", serverID)
	}
	return nil
}

// TerminateForBundle soft-deletes the session only when it belongs to the
// bundle, so a request cannot tear down another bundle's session by naming
// its id. Unknown sessions and foreign sessions are a no-op.
func (m *SessionManager) TerminateForBundle(ctx context.Context, sessionID, bundleID string) error {
	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return domain.WrapError(domain.KindStorage, err, "load session %s", sessionID)
	}
	if session == nil || session.BundleID != bundleID {
		return nil
	}
	return m.Terminate(ctx, sessionID)
}

// Terminate soft-deletes the session. Upstream sessions are left to their
// own expiry; the gateway never terminates them on the client's behalf.
func (m *SessionManager) Terminate(ctx context.Context, sessionID string) error {
	if err := m.sessions.SoftDeleteSession(ctx, sessionID); err != nil {
		return domain.WrapError(domain.KindStorage, err, "terminate session %s", sessionID)
	}
	m.metrics.SessionsClosed(1)
	return nil
}

// Sweep soft-deletes every session idle for at least the TTL
func (m *SessionManager) Sweep(ctx context.Context) (int, error) {
	swept, err := m.sessions.SweepIdleSessions(ctx, time.Now().UTC().Add(-m.ttl))
	if err != nil {
		return 0, domain.WrapError(domain.KindStorage, err, "sweep idle sessions")
	}
	m.metrics.SessionsClosed(swept)
	return swept, nil
}

// RunJanitor sweeps idle sessions on an interval until the context ends.
// Meant to run as a goroutine next to the HTTP server.
func (m *SessionManager) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := m.Sweep(ctx)
			if err != nil {
				slog.Error("session sweep failed", "error", err)
				continue
			}
			if swept > 0 {
				slog.Info("swept idle sessions", "count", swept)
			}
		}
	}
}
