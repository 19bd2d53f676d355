package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"mcpgate/internal/domain"
	"mcpgate/internal/telemetry"
)

// Server is the JSON-RPC engine behind POST /mcp. One request carries one
// JSON object; batches are not accepted. Notifications are acknowledged with
// 202 and an empty body, requests always answer 200 with a JSON-RPC envelope.
type Server struct {
	bundles  domain.BundleRepository
	sessions *SessionManager
	router   *Router
	metrics  *telemetry.Metrics
}

// NewServer builds the gateway MCP endpoint
func NewServer(bundles domain.BundleRepository, sessions *SessionManager, router *Router) *Server {
	return &Server{
		bundles:  bundles,
		sessions: sessions,
		router:   router,
	}
}

// WithMetrics wires the request counters
func (s *Server) WithMetrics(metrics *telemetry.Metrics) *Server {
	s.metrics = metrics
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodDelete:
		// Explicit goodbye, bound to the addressed bundle. Idle sessions
		// expire on their own, so a failed delete is not worth surfacing
		// to the client.
		if sessionID := r.Header.Get(domain.HeaderSessionID); sessionID != "" {
			if bundle, err := s.resolveBundle(r.Context(), r); err != nil {
				slog.Warn("ignoring session delete for unresolvable bundle", "session", sessionID, "error", err)
			} else if err := s.sessions.TerminateForBundle(r.Context(), sessionID, bundle.ID); err != nil {
				slog.Warn("terminating session failed", "session", sessionID, "error", err)
			}
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		// No server-initiated streams, so GET has nothing to offer
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	method := "invalid"
	var failed bool

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("mcp handler panicked", "method", method, "panic", rec)
			writeRPC(w, http.StatusOK, domain.NewErrorResponse(nil, domain.CodeInternalError, "internal error", nil))
			failed = true
		}
		s.metrics.RecordRPC(method, statusLabel(failed), time.Since(start))
	}()

	var req domain.JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// Covers malformed JSON and batch arrays alike; the id is unknowable
		writeRPC(w, http.StatusOK, domain.NewErrorResponse(nil, domain.CodeParseError,
			"request body is not a JSON-RPC object", nil))
		failed = true
		return
	}
	method = req.Method

	if req.IsNotification() {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	bundle, err := s.resolveBundle(ctx, r)
	if err != nil {
		s.writeError(w, req, err)
		failed = true
		return
	}

	switch req.Method {
	case domain.MethodInitialize:
		failed = !s.handleInitialize(ctx, w, r, req, bundle)
	case domain.MethodPing:
		s.touchSession(ctx, r)
		writeRPC(w, http.StatusOK, domain.NewResponse(req.ID, map[string]any{}))
	case domain.MethodToolsList:
		s.touchSession(ctx, r)
		writeRPC(w, http.StatusOK, domain.NewResponse(req.ID, domain.ListToolsResult{Tools: Definitions()}))
	case domain.MethodToolsCall:
		failed = !s.handleCallTool(ctx, w, r, req, bundle)
	default:
		writeRPC(w, http.StatusOK, domain.NewErrorResponse(req.ID, domain.CodeMethodNotFound,
			"method not found: "+req.Method, nil))
		failed = true
	}
}

// resolveBundle loads the bundle addressed by the bundle_id query parameter
func (s *Server) resolveBundle(ctx context.Context, r *http.Request) (*domain.MCPServerBundle, error) {
	bundleID := r.URL.Query().Get("bundle_id")
	if bundleID == "" {
		return nil, domain.NewError(domain.KindInvalidRequest, "bundle_id query parameter is required")
	}
	bundle, err := s.bundles.GetBundle(ctx, bundleID)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, err, "load bundle %s", bundleID)
	}
	if bundle == nil {
		return nil, domain.NewError(domain.KindBundleNotFound, "bundle %s not found", bundleID)
	}
	return bundle, nil
}

func (s *Server) handleInitialize(ctx context.Context, w http.ResponseWriter, r *http.Request,
	req domain.JSONRPCRequest, bundle *domain.MCPServerBundle) bool {
	// The client's requested version is echoed back; the gateway's own
	// version only answers clients that named none.
	protocolVersion := domain.ProtocolVersion
	if len(req.Params) > 0 {
		var params domain.InitializeParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.writeError(w, req, domain.WrapError(domain.KindInvalidParams, err, "decoding initialize params"))
			return false
		}
		if params.ProtocolVersion != "" {
			protocolVersion = params.ProtocolVersion
		}
	}

	session, err := s.sessions.Initialize(ctx, bundle)
	if err != nil {
		s.writeError(w, req, err)
		return false
	}

	w.Header().Set(domain.HeaderSessionID, session.ID)
	w.Header().Set(domain.HeaderProtocolVersion, protocolVersion)
	writeRPC(w, http.StatusOK, domain.NewResponse(req.ID, domain.InitializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: domain.ServerCapabilities{
			Tools: &domain.ToolsCapability{ListChanged: false},
		},
		ServerInfo: domain.Implementation{
			Name:    domain.MCPServerName,
			Title:   domain.MCPServerTitle,
			Version: domain.GatewayVersion,
		},
		Instructions: gatewayInstructions,
	}))
	return true
}

func (s *Server) handleCallTool(ctx context.Context, w http.ResponseWriter, r *http.Request,
	req domain.JSONRPCRequest, bundle *domain.MCPServerBundle) bool {
	var params domain.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		s.writeError(w, req, domain.NewError(domain.KindInvalidParams, "tools/call params need a tool name"))
		return false
	}

	session := s.resumeSession(ctx, r)

	var result *domain.CallToolResult
	var err error
	switch params.Name {
	case SearchToolsName:
		var args SearchArgs
		if err = decodeArgs(searchToolsDefinition, params.Arguments, &args); err == nil {
			result, err = s.router.SearchTools(ctx, bundle, args)
		}
	case ExecuteToolName:
		var args ExecuteArgs
		if err = decodeArgs(executeToolDefinition, params.Arguments, &args); err == nil {
			result, err = s.router.ExecuteTool(ctx, bundle, session, args)
		}
	default:
		err = domain.NewError(domain.KindToolNotFound,
			"unknown tool %s; this gateway exposes %s and %s", params.Name, SearchToolsName, ExecuteToolName)
	}

	if err != nil {
		s.writeError(w, req, err)
		return false
	}
	writeRPC(w, http.StatusOK, domain.NewResponse(req.ID, result))
	return true
}

// resumeSession loads the request's session if the header names a live one.
// Requests without a resolvable session run stateless.
func (s *Server) resumeSession(ctx context.Context, r *http.Request) *domain.MCPSession {
	sessionID := r.Header.Get(domain.HeaderSessionID)
	session, err := s.sessions.Resume(ctx, sessionID)
	if err != nil {
		slog.Warn("resuming session failed", "session", sessionID, "error", err)
		return nil
	}
	return session
}

// touchSession refreshes the idle clock for methods that do not need the
// session's contents.
func (s *Server) touchSession(ctx context.Context, r *http.Request) {
	if sessionID := r.Header.Get(domain.HeaderSessionID); sessionID != "" {
		if _, err := s.sessions.Resume(ctx, sessionID); err != nil {
			slog.Warn("touching session failed", "session", sessionID, "error", err)
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, req domain.JSONRPCRequest, err error) {
	slog.Debug("mcp request failed", "method", req.Method, "error", err)
	writeRPC(w, http.StatusOK, domain.JSONRPCResponse{
		JSONRPC: domain.JSONRPCVersion,
		ID:      req.ID,
		Error:   domain.RPCErrorFor(err),
	})
}

func writeRPC(w http.ResponseWriter, status int, resp domain.JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("writing mcp response failed", "error", err)
	}
}

func statusLabel(failed bool) string {
	if failed {
		return "error"
	}
	return "ok"
}
