package sync

import (
	"context"
	"log/slog"
	"time"

	"mcpgate/internal/config"
	"mcpgate/internal/credentials"
	"mcpgate/internal/domain"
	"mcpgate/internal/embeddings"
	"mcpgate/internal/telemetry"
	"mcpgate/internal/upstream"
)

// ToolLister is the slice of the upstream client the synchronizer uses
type ToolLister interface {
	ListTools(ctx context.Context) ([]domain.ToolDefinition, error)
}

// DialFunc opens an upstream client with resolved credentials
type DialFunc func(server *domain.MCPServer, authConfig domain.AuthConfig, creds domain.AuthCredentials) ToolLister

// Report summarizes one sync run
type Report struct {
	Server     string    `json:"server"`
	Created    int       `json:"created"`
	Updated    int       `json:"updated"`
	Reembedded int       `json:"reembedded"`
	Deleted    int       `json:"deleted"`
	Unchanged  int       `json:"unchanged"`
	SyncedAt   time.Time `json:"synced_at"`
}

// Synchronizer refreshes a server's tool catalog from its upstream. Each run
// lists the upstream exhaustively, diffs against the stored tools, embeds
// what changed and applies the batch atomically.
type Synchronizer struct {
	catalog  domain.CatalogRepository
	accounts domain.AccountRepository
	creds    *credentials.Manager
	embedder *embeddings.Service
	metrics  *telemetry.Metrics
	dial     DialFunc

	connTimeout time.Duration
	readTimeout time.Duration
}

// NewSynchronizer wires the synchronizer against storage, credential
// resolution and the embedder.
func NewSynchronizer(catalog domain.CatalogRepository, accounts domain.AccountRepository, creds *credentials.Manager, embedder *embeddings.Service, cfg *config.GatewayConfig) *Synchronizer {
	s := &Synchronizer{
		catalog:     catalog,
		accounts:    accounts,
		creds:       creds,
		embedder:    embedder,
		connTimeout: cfg.UpstreamConnTimeout,
		readTimeout: cfg.UpstreamReadTimeout,
	}
	s.dial = s.defaultDial
	return s
}

// WithDialer replaces upstream client construction, for tests
func (s *Synchronizer) WithDialer(dial DialFunc) *Synchronizer {
	s.dial = dial
	return s
}

// WithMetrics wires the sync run and change counters
func (s *Synchronizer) WithMetrics(metrics *telemetry.Metrics) *Synchronizer {
	s.metrics = metrics
	return s
}

func (s *Synchronizer) defaultDial(server *domain.MCPServer, authConfig domain.AuthConfig, creds domain.AuthCredentials) ToolLister {
	return upstream.NewClient(server, authConfig, creds).WithTimeouts(s.connTimeout, s.readTimeout)
}

// SyncServer refreshes the catalog for the named server from its upstream.
// The server's operational configuration is the bar to list tools: without
// one the sync is refused.
func (s *Synchronizer) SyncServer(ctx context.Context, serverName string) (*Report, error) {
	report, err := s.syncServer(ctx, serverName)
	s.metrics.RecordSyncRun(serverName, telemetry.StatusLabel(err))
	if report != nil {
		s.metrics.RecordSyncChange(serverName, "created", report.Created)
		s.metrics.RecordSyncChange(serverName, "updated", report.Updated)
		s.metrics.RecordSyncChange(serverName, "deleted", report.Deleted)
	}
	return report, err
}

func (s *Synchronizer) syncServer(ctx context.Context, serverName string) (*Report, error) {
	server, err := s.catalog.GetMCPServerByName(ctx, serverName)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, err, "load server %s", serverName)
	}
	if server == nil {
		return nil, domain.NewError(domain.KindServerNotConfigured, "server %s is not registered", serverName)
	}
	if server.IsVirtual() {
		return nil, domain.NewError(domain.KindInvalidParams, "virtual server %s has no upstream to sync", serverName)
	}

	opCfg, err := s.operationalConfiguration(ctx, server)
	if err != nil {
		return nil, err
	}
	authConfig, err := credentials.ResolveAuthConfig(server, opCfg)
	if err != nil {
		return nil, err
	}
	creds, err := s.creds.GetCredentials(ctx, server, opCfg, "")
	if err != nil {
		return nil, err
	}

	defs, err := s.dial(server, authConfig, creds).ListTools(ctx)
	if err != nil {
		return nil, err
	}
	existing, err := s.catalog.ListMCPTools(ctx, server.ID)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, err, "list stored tools for %s", serverName)
	}

	plan, err := BuildPlan(server, defs, existing)
	if err != nil {
		return nil, err
	}
	if err := s.embedPlan(ctx, plan); err != nil {
		return nil, err
	}

	batch := domain.ToolSyncBatch{
		Create:   plan.Create,
		Update:   append(plan.UpdateWithReembedding, plan.UpdateWithoutReembedding...),
		SyncedAt: time.Now().UTC(),
	}
	for _, tool := range plan.Delete {
		batch.DeleteIDs = append(batch.DeleteIDs, tool.ID)
	}
	if err := s.catalog.ApplyToolSync(ctx, server.ID, batch); err != nil {
		return nil, domain.WrapError(domain.KindStorage, err, "apply tool sync for %s", serverName)
	}

	report := &Report{
		Server:     serverName,
		Created:    len(plan.Create),
		Updated:    len(plan.UpdateWithReembedding) + len(plan.UpdateWithoutReembedding),
		Reembedded: len(plan.UpdateWithReembedding),
		Deleted:    len(plan.Delete),
		Unchanged:  plan.Unchanged,
		SyncedAt:   batch.SyncedAt,
	}
	slog.Info("tool catalog synced",
		"server", serverName,
		"created", report.Created,
		"updated", report.Updated,
		"reembedded", report.Reembedded,
		"deleted", report.Deleted,
		"unchanged", report.Unchanged,
	)
	return report, nil
}

// operationalConfiguration finds the server's operational configuration
func (s *Synchronizer) operationalConfiguration(ctx context.Context, server *domain.MCPServer) (*domain.MCPServerConfiguration, error) {
	cfgs, err := s.accounts.ListConfigurationsByServer(ctx, server.ID)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, err, "list configurations for server %s", server.Name)
	}
	for _, cfg := range cfgs {
		if cfg.ConnectedAccountOwnership == domain.OwnershipOperational {
			return cfg, nil
		}
	}
	return nil, domain.NewError(domain.KindConfigNotFound,
		"server %s has no operational configuration to sync with", server.Name)
}

// embedPlan fills vectors for created and reembedded tools. With no embedder
// configured the catalog keeps nil vectors and search falls back to name
// ordering.
func (s *Synchronizer) embedPlan(ctx context.Context, plan *Plan) error {
	if !s.embedder.Enabled() {
		return nil
	}
	targets := make([]*domain.MCPTool, 0, len(plan.Create)+len(plan.UpdateWithReembedding))
	targets = append(targets, plan.Create...)
	targets = append(targets, plan.UpdateWithReembedding...)
	if len(targets) == 0 {
		return nil
	}

	texts := make([]string, len(targets))
	for i, tool := range targets {
		texts[i] = EmbeddingText(tool)
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}
	for i, tool := range targets {
		tool.Embedding = vectors[i]
	}
	return nil
}
