package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mcpgate/internal/config"
	"mcpgate/internal/credentials"
	"mcpgate/internal/domain"
	"mcpgate/internal/embeddings"
	"mcpgate/internal/telemetry"
	"mcpgate/internal/upstream"
	"mcpgate/internal/virtual"

	"github.com/agnivade/levenshtein"
)

// Router resolves the two meta-tools against a bundle: SEARCH_TOOLS over the
// catalog, EXECUTE_TOOL against the owning upstream or the virtual executor.
type Router struct {
	catalog    domain.CatalogRepository
	accounts   domain.AccountRepository
	executions domain.ExecutionRepository
	creds      *credentials.Manager
	embedder   *embeddings.Service
	sessions   *SessionManager
	virtual    *virtual.Executor
	metrics    *telemetry.Metrics

	cache      *searchCache
	httpClient *http.Client

	virtualBase   string
	connTimeout   time.Duration
	readTimeout   time.Duration
	defaultLimit  int
	maxSuggestion int
}

// NewRouter builds a router. The virtual executor handles tools of virtual
// servers in-process unless the config points at a remote virtual endpoint.
func NewRouter(catalog domain.CatalogRepository, accounts domain.AccountRepository,
	executions domain.ExecutionRepository, creds *credentials.Manager,
	embedder *embeddings.Service, sessions *SessionManager,
	vexec *virtual.Executor, cfg config.GatewayConfig) *Router {
	limit := cfg.SearchDefaultLimit
	if limit <= 0 {
		limit = 100
	}
	cacheTTL := cfg.SearchCacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &Router{
		catalog:       catalog,
		accounts:      accounts,
		executions:    executions,
		creds:         creds,
		embedder:      embedder,
		sessions:      sessions,
		virtual:       vexec,
		cache:         newSearchCache(cacheTTL),
		httpClient:    &http.Client{Timeout: cfg.UpstreamReadTimeout},
		virtualBase:   strings.TrimSuffix(cfg.VirtualMCPBaseURL, "/"),
		connTimeout:   cfg.UpstreamConnTimeout,
		readTimeout:   cfg.UpstreamReadTimeout,
		defaultLimit:  limit,
		maxSuggestion: cfg.SuggestionMaxDistance,
	}
}

// WithMetrics wires the router's counters
func (r *Router) WithMetrics(metrics *telemetry.Metrics) *Router {
	r.metrics = metrics
	return r
}

// WithHTTPClient replaces the client used for remote virtual dispatch
func (r *Router) WithHTTPClient(client *http.Client) *Router {
	r.httpClient = client
	return r
}

// SearchTools runs SEARCH_TOOLS: the bundle's servers bound the search, the
// disabled tools of each configuration are excluded, and an intent orders the
// rest by embedding distance. Each hit is one text content block holding the
// tool's name, description and input schema as JSON.
func (r *Router) SearchTools(ctx context.Context, bundle *domain.MCPServerBundle, args SearchArgs) (*domain.CallToolResult, error) {
	start := time.Now()
	limit := args.Limit
	if limit <= 0 {
		limit = r.defaultLimit
	}
	offset := args.Offset
	if offset < 0 {
		offset = 0
	}

	key := searchCacheKey(bundle.ID, args.Intent, limit, offset)
	if cached := r.cache.Get(key); cached != nil {
		return cached, nil
	}

	serverIDs, disabled, err := r.bundleScope(ctx, bundle)
	if err != nil {
		return nil, err
	}

	var vector []float32
	if args.Intent != "" && r.embedder.Enabled() {
		vector, err = r.embedder.Embed(ctx, args.Intent)
		if err != nil {
			return nil, err
		}
	}

	tools, err := r.catalog.SearchTools(ctx, domain.ToolSearchQuery{
		AllowedServerIDs: serverIDs,
		DisabledToolIDs:  disabled,
		QueryVector:      vector,
		Limit:            limit,
		Offset:           offset,
	})
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, err, "search tools for bundle %s", bundle.ID)
	}

	content := make([]domain.ContentBlock, 0, len(tools))
	for _, tool := range tools {
		payload, err := json.Marshal(struct {
			Name        string         `json:"name"`
			Description string         `json:"description,omitempty"`
			InputSchema map[string]any `json:"inputSchema"`
		}{tool.Name, tool.Description, tool.InputSchema})
		if err != nil {
			return nil, fmt.Errorf("encoding tool %s: %w", tool.Name, err)
		}
		content = append(content, domain.NewTextContent(string(payload)))
	}

	result := &domain.CallToolResult{Content: content}
	r.cache.Set(key, result)
	r.metrics.ObserveToolSearch(time.Since(start))
	return result, nil
}

// ExecuteTool runs EXECUTE_TOOL: look the tool up, check it is reachable and
// enabled through the bundle, resolve credentials, then dispatch to the real
// upstream or the virtual executor. Every attempt lands in the audit log.
func (r *Router) ExecuteTool(ctx context.Context, bundle *domain.MCPServerBundle, session *domain.MCPSession, args ExecuteArgs) (*domain.CallToolResult, error) {
	start := time.Now()

	tool, err := r.catalog.GetMCPToolByName(ctx, args.ToolName)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, err, "load tool %s", args.ToolName)
	}
	if tool == nil {
		return nil, r.toolNotFound(ctx, bundle, args.ToolName)
	}

	cfg, err := r.bundleConfigurationFor(ctx, bundle, tool.MCPServerID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, domain.NewError(domain.KindServerNotConfigured,
			"server %s is not configured in this bundle", tool.ServerPrefix())
	}
	if !cfg.AllToolsEnabled && !cfg.ToolEnabled(tool.ID) {
		return nil, domain.NewError(domain.KindToolNotEnabled,
			"tool %s is not enabled in configuration %s", tool.Name, cfg.Name)
	}

	server, err := r.catalog.GetMCPServer(ctx, tool.MCPServerID)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, err, "load server %s", tool.MCPServerID)
	}
	if server == nil {
		return nil, domain.NewError(domain.KindStorage,
			"tool %s references missing server %s", tool.Name, tool.MCPServerID)
	}

	authConfig, err := credentials.ResolveAuthConfig(server, cfg)
	if err != nil {
		return nil, err
	}
	creds, err := r.creds.GetCredentials(ctx, server, cfg, bundle.UserID)
	if err != nil {
		return nil, err
	}

	var result *domain.CallToolResult
	if server.IsVirtual() {
		result, err = r.executeVirtual(ctx, server, tool, args.ToolArguments, authConfig, creds)
	} else {
		result, err = r.executeUpstream(ctx, session, server, tool, args.ToolArguments, authConfig, creds)
	}
	r.logExecution(ctx, bundle, session, tool, server, result, err, time.Since(start))
	return result, err
}

// bundleScope resolves the bundle's configurations into the allowed server
// ids and the union of every configuration's disabled tool ids. Stale
// configuration ids are skipped; the access cleaner removes them eventually.
func (r *Router) bundleScope(ctx context.Context, bundle *domain.MCPServerBundle) ([]string, []string, error) {
	var serverIDs, disabled []string
	seen := make(map[string]bool)
	for _, cfgID := range bundle.MCPServerConfigurationIDs {
		cfg, err := r.accounts.GetMCPServerConfiguration(ctx, cfgID)
		if err != nil {
			return nil, nil, domain.WrapError(domain.KindStorage, err, "load configuration %s", cfgID)
		}
		if cfg == nil {
			slog.Debug("bundle references missing configuration",
				"bundle", bundle.ID, "configuration", cfgID)
			continue
		}
		if !seen[cfg.MCPServerID] {
			seen[cfg.MCPServerID] = true
			serverIDs = append(serverIDs, cfg.MCPServerID)
		}
		if cfg.AllToolsEnabled {
			continue
		}
		tools, err := r.catalog.ListMCPTools(ctx, cfg.MCPServerID)
		if err != nil {
			return nil, nil, domain.WrapError(domain.KindStorage, err,
				"list tools of server %s", cfg.MCPServerID)
		}
		enabled := make(map[string]bool, len(cfg.EnabledTools))
		for _, id := range cfg.EnabledTools {
			enabled[id] = true
		}
		for _, tool := range tools {
			if !enabled[tool.ID] {
				disabled = append(disabled, tool.ID)
			}
		}
	}
	return serverIDs, disabled, nil
}

// bundleConfigurationFor returns the first configuration in bundle order that
// points at the server, nil when the server is not in the bundle.
func (r *Router) bundleConfigurationFor(ctx context.Context, bundle *domain.MCPServerBundle, serverID string) (*domain.MCPServerConfiguration, error) {
	for _, cfgID := range bundle.MCPServerConfigurationIDs {
		cfg, err := r.accounts.GetMCPServerConfiguration(ctx, cfgID)
		if err != nil {
			return nil, domain.WrapError(domain.KindStorage, err, "load configuration %s", cfgID)
		}
		if cfg != nil && cfg.MCPServerID == serverID {
			return cfg, nil
		}
	}
	return nil, nil
}

// toolNotFound builds the lookup failure, suggesting the closest visible
// tool name when one is within editing distance.
func (r *Router) toolNotFound(ctx context.Context, bundle *domain.MCPServerBundle, name string) error {
	if suggestion := r.nearestTool(ctx, bundle, name); suggestion != "" {
		return domain.NewError(domain.KindToolNotFound,
			"tool %s not found; did you mean %s?", name, suggestion)
	}
	return domain.NewError(domain.KindToolNotFound, "tool %s not found", name)
}

// nearestTool scans the bundle's visible tools for the name closest to the
// requested one. Failure paths return empty; the suggestion is best-effort.
func (r *Router) nearestTool(ctx context.Context, bundle *domain.MCPServerBundle, name string) string {
	if r.maxSuggestion <= 0 {
		return ""
	}
	serverIDs, disabled, err := r.bundleScope(ctx, bundle)
	if err != nil {
		return ""
	}
	hidden := make(map[string]bool, len(disabled))
	for _, id := range disabled {
		hidden[id] = true
	}

	wanted := strings.ToUpper(name)
	best := ""
	bestDist := r.maxSuggestion + 1
	for _, serverID := range serverIDs {
		tools, err := r.catalog.ListMCPTools(ctx, serverID)
		if err != nil {
			continue
		}
		for _, tool := range tools {
			if hidden[tool.ID] {
				continue
			}
			if d := levenshtein.ComputeDistance(wanted, tool.Name); d < bestDist {
				best, bestDist = tool.Name, d
			}
		}
	}
	return best
}

// executeUpstream calls the tool on its real server, resuming the stored
// upstream session when the gateway session has one and persisting any id the
// upstream hands back.
func (r *Router) executeUpstream(ctx context.Context, session *domain.MCPSession, server *domain.MCPServer,
	tool *domain.MCPTool, arguments map[string]any, authConfig domain.AuthConfig, creds domain.AuthCredentials) (*domain.CallToolResult, error) {
	client := upstream.NewClient(server, authConfig, creds).
		WithTimeouts(r.connTimeout, r.readTimeout)
	stored := ""
	if session != nil {
		stored = session.ExternalMCPSessions[server.ID]
	}
	if stored != "" {
		client.WithSessionID(stored)
	}

	// Upstreams know the tool by its canonical name, not the prefixed one
	name := tool.ToolMetadata.CanonicalToolName
	if name == "" {
		name = strings.TrimPrefix(tool.Name, tool.ServerPrefix()+"__")
	}

	start := time.Now()
	result, err := client.CallTool(ctx, name, arguments)
	r.metrics.RecordUpstreamCall(server.Name, domain.MethodToolsCall,
		telemetry.StatusLabel(err), time.Since(start))
	if err != nil {
		return nil, err
	}

	if upstreamID := client.SessionID(); upstreamID != stored {
		if merr := r.sessions.MergeUpstreamSession(ctx, session, server.ID, upstreamID); merr != nil {
			slog.Warn("persisting upstream session id failed",
				"server", server.Name, "error", merr)
		}
	}
	return result, nil
}

// executeVirtual runs a virtual tool, in-process by default or through the
// remote virtual endpoint when one is configured. The resolved credentials
// travel as the virtual auth token either way.
func (r *Router) executeVirtual(ctx context.Context, server *domain.MCPServer, tool *domain.MCPTool,
	arguments map[string]any, authConfig domain.AuthConfig, creds domain.AuthCredentials) (*domain.CallToolResult, error) {
	token := virtual.AuthTokenFor(authConfig, creds)

	var result *domain.CallToolResult
	var err error
	if r.virtualBase == "" {
		result, err = r.virtual.CallTool(ctx, server.Name, tool.Name, arguments, token)
	} else {
		result, err = r.callVirtualHTTP(ctx, server.Name, tool.Name, arguments, token)
	}
	r.metrics.RecordVirtualExecution(server.Name, string(tool.ToolMetadata.Type), telemetry.StatusLabel(err))
	return result, err
}

type virtualEnvelope struct {
	Result json.RawMessage  `json:"result"`
	Error  *domain.RPCError `json:"error"`
}

func (r *Router) callVirtualHTTP(ctx context.Context, serverName, toolName string,
	arguments map[string]any, token *virtual.AuthToken) (*domain.CallToolResult, error) {
	params, err := json.Marshal(domain.CallToolParams{Name: toolName, Arguments: arguments})
	if err != nil {
		return nil, fmt.Errorf("encoding virtual call params: %w", err)
	}
	body, err := json.Marshal(domain.JSONRPCRequest{
		JSONRPC: domain.JSONRPCVersion,
		ID:      1,
		Method:  domain.MethodToolsCall,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding virtual call request: %w", err)
	}

	endpoint := r.virtualBase + "/virtual/mcp?server_name=" + url.QueryEscape(serverName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building virtual call request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != nil {
		req.Header.Set(domain.HeaderVirtualAuthToken, token.Format())
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, domain.WrapError(domain.KindUpstreamTransient, err,
			"virtual call to %s failed", serverName)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.WrapError(domain.KindUpstreamTransient, err,
			"reading virtual response from %s", serverName)
	}

	var envelope virtualEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, domain.WrapError(domain.KindUpstreamPermanent, err,
			"malformed virtual response from %s", serverName)
	}
	if envelope.Error != nil {
		return nil, envelope.Error
	}
	var result domain.CallToolResult
	if err := json.Unmarshal(envelope.Result, &result); err != nil {
		return nil, domain.WrapError(domain.KindUpstreamPermanent, err,
			"malformed virtual result from %s", serverName)
	}
	return &result, nil
}

// logExecution appends the attempt to the audit trail. Audit failures are
// logged, never surfaced into the call.
func (r *Router) logExecution(ctx context.Context, bundle *domain.MCPServerBundle, session *domain.MCPSession,
	tool *domain.MCPTool, server *domain.MCPServer, result *domain.CallToolResult, callErr error, elapsed time.Duration) {
	record := &domain.ToolExecution{
		BundleID:   bundle.ID,
		ToolName:   tool.Name,
		ServerName: server.Name,
		Status:     domain.ExecutionSuccess,
		LatencyMs:  elapsed.Milliseconds(),
	}
	if session != nil {
		record.SessionID = session.ID
	}
	if callErr != nil {
		record.Status = domain.ExecutionError
		record.ErrorKind = string(domain.KindOf(callErr))
	} else if result != nil && result.IsError {
		record.Status = domain.ExecutionError
	}
	if err := r.executions.LogToolExecution(ctx, record); err != nil {
		slog.Warn("recording tool execution failed", "tool", tool.Name, "error", err)
	}
}
