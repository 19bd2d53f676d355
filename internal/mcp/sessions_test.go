package mcp

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"mcpgate/internal/config"
	"mcpgate/internal/credentials"
	"mcpgate/internal/domain"
	"mcpgate/internal/storage"
)

// sessionFixture wires a session manager over two real upstreams and one
// virtual server, all reachable through a single bundle.
type sessionFixture struct {
	store   *storage.MemoryStore
	alpha   *fakeGmail
	beta    *fakeGmail
	manager *SessionManager
	bundle  *domain.MCPServerBundle
}

func newSessionFixture(t *testing.T, gw config.GatewayConfig) *sessionFixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()

	alpha := &fakeGmail{}
	alphaSrv := httptest.NewServer(alpha)
	t.Cleanup(alphaSrv.Close)
	beta := &fakeGmail{}
	betaSrv := httptest.NewServer(beta)
	t.Cleanup(betaSrv.Close)

	seed(t, store.CreateMCPServer(ctx, &domain.MCPServer{
		ID: "srv-alpha", Name: "ALPHA", URL: alphaSrv.URL,
		Transport:   domain.TransportStreamableHTTP,
		AuthConfigs: []domain.AuthConfig{{Type: domain.AuthTypeNoAuth}},
	}))
	seed(t, store.CreateMCPServer(ctx, &domain.MCPServer{
		ID: "srv-beta", Name: "BETA", URL: betaSrv.URL,
		Transport:   domain.TransportStreamableHTTP,
		AuthConfigs: []domain.AuthConfig{{Type: domain.AuthTypeNoAuth}},
	}))
	seed(t, store.CreateMCPServer(ctx, &domain.MCPServer{
		ID: "srv-wiki", Name: "WIKI",
		AuthConfigs:    []domain.AuthConfig{{Type: domain.AuthTypeNoAuth}},
		ServerMetadata: domain.ServerMetadata{IsVirtualMCPServer: true},
	}))

	for _, cfg := range []*domain.MCPServerConfiguration{
		{ID: "cfg-alpha", OrganizationID: "org-1", MCPServerID: "srv-alpha", Name: "alpha"},
		{ID: "cfg-beta", OrganizationID: "org-1", MCPServerID: "srv-beta", Name: "beta"},
		{ID: "cfg-wiki", OrganizationID: "org-1", MCPServerID: "srv-wiki", Name: "wiki"},
	} {
		cfg.AuthType = domain.AuthTypeNoAuth
		cfg.ConnectedAccountOwnership = domain.OwnershipOperational
		cfg.AllToolsEnabled = true
		seed(t, store.CreateMCPServerConfiguration(ctx, cfg))
	}

	bundle := &domain.MCPServerBundle{
		ID: "bundle-up", UserID: "user-1", OrganizationID: "org-1", Name: "up",
		MCPServerConfigurationIDs: []string{"cfg-alpha", "cfg-beta", "cfg-wiki", "cfg-stale"},
	}
	seed(t, store.CreateBundle(ctx, bundle))

	creds := credentials.NewManager(store, time.Minute)
	return &sessionFixture{
		store:   store,
		alpha:   alpha,
		beta:    beta,
		manager: NewSessionManager(store, store, store, creds, gw),
		bundle:  bundle,
	}
}

func TestInitializeOpensAllUpstreams(t *testing.T) {
	f := newSessionFixture(t, config.Default().Gateway)

	session, err := f.manager.Initialize(context.Background(), f.bundle)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if session.ID == "" {
		t.Fatal("Expected a session id")
	}
	if session.ExternalMCPSessions["srv-alpha"] != "up-1" {
		t.Errorf("Expected alpha's session id, got: %+v", session.ExternalMCPSessions)
	}
	if session.ExternalMCPSessions["srv-beta"] != "up-1" {
		t.Errorf("Expected beta's session id, got: %+v", session.ExternalMCPSessions)
	}
	if _, ok := session.ExternalMCPSessions["srv-wiki"]; ok {
		t.Error("Expected no handshake with the virtual server")
	}
	f.alpha.mu.Lock()
	alphaInits := f.alpha.initializes
	f.alpha.mu.Unlock()
	f.beta.mu.Lock()
	betaInits := f.beta.initializes
	f.beta.mu.Unlock()
	if alphaInits != 1 || betaInits != 1 {
		t.Errorf("Expected one handshake per upstream, got: %d / %d", alphaInits, betaInits)
	}
}

func TestInitializeToleratesUpstreamFailure(t *testing.T) {
	f := newSessionFixture(t, config.Default().Gateway)
	f.beta.failInitialize = true

	session, err := f.manager.Initialize(context.Background(), f.bundle)
	if err != nil {
		t.Fatalf("Expected the handshake to survive a dead upstream, got: %v", err)
	}
	if session.ExternalMCPSessions["srv-alpha"] != "up-1" {
		t.Errorf("Expected the healthy upstream recorded, got: %+v", session.ExternalMCPSessions)
	}
	if _, ok := session.ExternalMCPSessions["srv-beta"]; ok {
		t.Errorf("Expected no entry for the failed upstream, got: %+v", session.ExternalMCPSessions)
	}
}

func TestResumeRefreshesIdleClock(t *testing.T) {
	f := newSessionFixture(t, config.Default().Gateway)
	ctx := context.Background()

	session, err := f.manager.Initialize(ctx, f.bundle)
	seed(t, err)
	seed(t, f.store.TouchSession(ctx, session.ID, time.Now().UTC().Add(-30*time.Minute)))

	resumed, err := f.manager.Resume(ctx, session.ID)
	if err != nil || resumed == nil {
		t.Fatalf("Expected the session resumed, got: %v / %v", resumed, err)
	}

	stored, err := f.store.GetSession(ctx, session.ID)
	seed(t, err)
	if stored.LastAccessedAt.Before(time.Now().Add(-time.Minute)) {
		t.Errorf("Expected the idle clock refreshed, got: %v", stored.LastAccessedAt)
	}
}

func TestResumeExpiresIdleSession(t *testing.T) {
	f := newSessionFixture(t, config.Default().Gateway)
	ctx := context.Background()

	session, err := f.manager.Initialize(ctx, f.bundle)
	seed(t, err)
	seed(t, f.store.TouchSession(ctx, session.ID, time.Now().UTC().Add(-2*time.Hour)))

	resumed, err := f.manager.Resume(ctx, session.ID)
	if err != nil || resumed != nil {
		t.Fatalf("Expected an idle session to expire, got: %v / %v", resumed, err)
	}
	if stored, _ := f.store.GetSession(ctx, session.ID); stored != nil {
		t.Error("Expected the expired session soft-deleted")
	}
}

func TestResumeWithoutSession(t *testing.T) {
	f := newSessionFixture(t, config.Default().Gateway)
	ctx := context.Background()

	if session, err := f.manager.Resume(ctx, ""); session != nil || err != nil {
		t.Errorf("Expected nothing for an empty id, got: %v / %v", session, err)
	}
	if session, err := f.manager.Resume(ctx, "ghost"); session != nil || err != nil {
		t.Errorf("Expected nothing for an unknown id, got: %v / %v", session, err)
	}
}

func TestTerminateSoftDeletes(t *testing.T) {
	f := newSessionFixture(t, config.Default().Gateway)
	ctx := context.Background()

	session, err := f.manager.Initialize(ctx, f.bundle)
	seed(t, err)
	if err := f.manager.Terminate(ctx, session.ID); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if stored, _ := f.store.GetSession(ctx, session.ID); stored != nil {
		t.Error("Expected the session gone after terminate")
	}
}

func TestTerminateForBundleChecksOwnership(t *testing.T) {
	f := newSessionFixture(t, config.Default().Gateway)
	ctx := context.Background()

	session, err := f.manager.Initialize(ctx, f.bundle)
	seed(t, err)

	if err := f.manager.TerminateForBundle(ctx, session.ID, "bundle-other"); err != nil {
		t.Fatalf("TerminateForBundle failed: %v", err)
	}
	if stored, _ := f.store.GetSession(ctx, session.ID); stored == nil {
		t.Error("Expected a foreign bundle's terminate to be a no-op")
	}

	if err := f.manager.TerminateForBundle(ctx, session.ID, f.bundle.ID); err != nil {
		t.Fatalf("TerminateForBundle failed: %v", err)
	}
	if stored, _ := f.store.GetSession(ctx, session.ID); stored != nil {
		t.Error("Expected the owning bundle's terminate to soft-delete")
	}

	// Unknown ids are a no-op, not an error
	if err := f.manager.TerminateForBundle(ctx, "ghost", f.bundle.ID); err != nil {
		t.Errorf("Expected no error for an unknown id, got: %v", err)
	}
}

func TestSweepRemovesOnlyIdleSessions(t *testing.T) {
	f := newSessionFixture(t, config.Default().Gateway)
	ctx := context.Background()

	stale1, err := f.manager.Initialize(ctx, f.bundle)
	seed(t, err)
	stale2, err := f.manager.Initialize(ctx, f.bundle)
	seed(t, err)
	fresh, err := f.manager.Initialize(ctx, f.bundle)
	seed(t, err)

	idleAt := time.Now().UTC().Add(-2 * time.Hour)
	seed(t, f.store.TouchSession(ctx, stale1.ID, idleAt))
	seed(t, f.store.TouchSession(ctx, stale2.ID, idleAt))

	swept, err := f.manager.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if swept != 2 {
		t.Errorf("Expected two sessions swept, got: %d", swept)
	}
	if stored, _ := f.store.GetSession(ctx, fresh.ID); stored == nil {
		t.Error("Expected the fresh session to survive the sweep")
	}
	if stored, _ := f.store.GetSession(ctx, stale1.ID); stored != nil {
		t.Error("Expected the idle session swept")
	}
}

func TestConcurrentMergesKeepBothServers(t *testing.T) {
	f := newSessionFixture(t, config.Default().Gateway)
	ctx := context.Background()

	session := &domain.MCPSession{BundleID: f.bundle.ID}
	seed(t, f.store.CreateSession(ctx, session))

	var wg sync.WaitGroup
	for _, merge := range []struct{ server, upstream string }{
		{"srv-alpha", "up-a"},
		{"srv-beta", "up-b"},
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.manager.MergeUpstreamSession(ctx, session, merge.server, merge.upstream); err != nil {
				t.Errorf("Merge for %s failed: %v", merge.server, err)
			}
		}()
	}
	wg.Wait()

	stored, err := f.store.GetSession(ctx, session.ID)
	seed(t, err)
	if stored.ExternalMCPSessions["srv-alpha"] != "up-a" || stored.ExternalMCPSessions["srv-beta"] != "up-b" {
		t.Errorf("Expected both merges persisted, got: %+v", stored.ExternalMCPSessions)
	}
}

func TestJanitorSweepsInBackground(t *testing.T) {
	gw := config.Default().Gateway
	gw.SessionSweepInterval = 20 * time.Millisecond
	f := newSessionFixture(t, gw)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, err := f.manager.Initialize(ctx, f.bundle)
	seed(t, err)
	seed(t, f.store.TouchSession(ctx, session.ID, time.Now().UTC().Add(-2*time.Hour)))

	go f.manager.RunJanitor(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if stored, _ := f.store.GetSession(ctx, session.ID); stored == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Expected the janitor to sweep the idle session")
}
