package virtual

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"mcpgate/internal/domain"
)

// Handler serves the virtual MCP endpoint: a stateless JSON-RPC surface
// over the tools of one virtual server, selected with ?server_name=. The
// caller's credential arrives in the x-virtual-mcp-auth-token header.
type Handler struct {
	catalog  domain.CatalogRepository
	executor *Executor
}

func NewHandler(catalog domain.CatalogRepository, executor *Executor) *Handler {
	return &Handler{catalog: catalog, executor: executor}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
	case http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req domain.JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, http.StatusOK, domain.NewErrorResponse(nil, domain.CodeParseError, "request body is not a JSON-RPC object", nil))
		return
	}
	if req.IsNotification() {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	serverName := r.URL.Query().Get("server_name")
	if serverName == "" {
		writeRPC(w, http.StatusOK, domain.NewErrorResponse(req.ID, domain.CodeInvalidRequest, "server_name query parameter is required", nil))
		return
	}

	var auth *AuthToken
	if raw := r.Header.Get(domain.HeaderVirtualAuthToken); raw != "" {
		parsed, err := ParseAuthToken(raw)
		if err != nil {
			writeRPC(w, http.StatusOK, domain.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: domain.RPCErrorFor(err)})
			return
		}
		auth = parsed
	}

	switch req.Method {
	case domain.MethodInitialize:
		w.Header().Set(domain.HeaderProtocolVersion, domain.ProtocolVersion)
		writeRPC(w, http.StatusOK, domain.NewResponse(req.ID, h.initializeResult(serverName)))
	case domain.MethodPing:
		writeRPC(w, http.StatusOK, domain.NewResponse(req.ID, map[string]any{}))
	case domain.MethodToolsList:
		h.listTools(r.Context(), w, req, serverName)
	case domain.MethodToolsCall:
		h.callTool(r.Context(), w, req, serverName, auth)
	default:
		writeRPC(w, http.StatusOK, domain.NewErrorResponse(req.ID, domain.CodeMethodNotFound, "method not found: "+req.Method, nil))
	}
}

func (h *Handler) initializeResult(serverName string) domain.InitializeResult {
	return domain.InitializeResult{
		ProtocolVersion: domain.ProtocolVersion,
		Capabilities:    domain.ServerCapabilities{Tools: &domain.ToolsCapability{}},
		ServerInfo:      domain.Implementation{Name: serverName, Version: domain.GatewayVersion},
	}
}

func (h *Handler) listTools(ctx context.Context, w http.ResponseWriter, req domain.JSONRPCRequest, serverName string) {
	server, err := h.catalog.GetMCPServerByName(ctx, serverName)
	if err != nil {
		h.writeError(w, req, domain.WrapError(domain.KindStorage, err, "loading server %s", serverName))
		return
	}
	if server == nil || !server.IsVirtual() {
		h.writeError(w, req, domain.NewError(domain.KindServerNotConfigured, "no virtual server named %s", serverName))
		return
	}
	tools, err := h.catalog.ListMCPTools(ctx, server.ID)
	if err != nil {
		h.writeError(w, req, domain.WrapError(domain.KindStorage, err, "listing tools for %s", serverName))
		return
	}
	defs := make([]domain.ToolDefinition, 0, len(tools))
	for _, tool := range tools {
		defs = append(defs, domain.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: visibleSchema(tool.InputSchema),
		})
	}
	writeRPC(w, http.StatusOK, domain.NewResponse(req.ID, domain.ListToolsResult{Tools: defs}))
}

func (h *Handler) callTool(ctx context.Context, w http.ResponseWriter, req domain.JSONRPCRequest, serverName string, auth *AuthToken) {
	var params domain.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		writeRPC(w, http.StatusOK, domain.NewErrorResponse(req.ID, domain.CodeInvalidParams, "tools/call params need a tool name", nil))
		return
	}
	result, err := h.executor.CallTool(ctx, serverName, params.Name, params.Arguments, auth)
	if err != nil {
		h.writeError(w, req, err)
		return
	}
	writeRPC(w, http.StatusOK, domain.NewResponse(req.ID, result))
}

func (h *Handler) writeError(w http.ResponseWriter, req domain.JSONRPCRequest, err error) {
	slog.Debug("virtual mcp request failed", "method", req.Method, "error", err)
	writeRPC(w, http.StatusOK, domain.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: domain.RPCErrorFor(err)})
}

func writeRPC(w http.ResponseWriter, status int, resp domain.JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("writing virtual mcp response", "error", err)
	}
}
