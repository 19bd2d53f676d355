// Package upstream implements the MCP client side of the gateway: opening
// streamable-HTTP or SSE transports to real upstream servers, injecting
// credentials, and exposing initialize, tools/list and tools/call.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"mcpgate/internal/domain"
)

const (
	defaultConnTimeout = 10 * time.Second
	defaultReadTimeout = 30 * time.Second
)

// sessionTerminatedMessage is MCP's sentinel for an upstream that dropped
// the session mid-flight.
const sessionTerminatedMessage = "Session terminated"

// Client is a short-lived MCP client for one upstream server. It lives for
// the scope of a single gateway request; the logical upstream session
// outlives it, so closing a Client never terminates the session upstream.
//
// Not safe for concurrent use.
type Client struct {
	server     *domain.MCPServer
	authConfig domain.AuthConfig
	creds      domain.AuthCredentials

	httpClient  *http.Client
	sessionID   string
	initialized bool
	nextID      int64
}

// NewClient builds a client for server using a resolved auth config and
// credentials. Timeouts default to 10s connect, 30s read.
func NewClient(server *domain.MCPServer, authConfig domain.AuthConfig, creds domain.AuthCredentials) *Client {
	return &Client{
		server:     server,
		authConfig: authConfig,
		creds:      creds,
		httpClient: newHTTPClient(defaultConnTimeout, defaultReadTimeout),
	}
}

// WithTimeouts replaces the transport timeouts
func (c *Client) WithTimeouts(conn, read time.Duration) *Client {
	c.httpClient = newHTTPClient(conn, read)
	return c
}

// WithHTTPClient replaces the underlying HTTP client
func (c *Client) WithHTTPClient(client *http.Client) *Client {
	c.httpClient = client
	return c
}

// WithSessionID resumes an existing upstream session: requests carry the id
// and initialize is skipped.
func (c *Client) WithSessionID(id string) *Client {
	c.sessionID = id
	if id != "" {
		c.initialized = true
	}
	return c
}

// SessionID returns the upstream session id captured at initialize or
// supplied at construction. Empty for session-less upstreams.
func (c *Client) SessionID() string {
	return c.sessionID
}

func newHTTPClient(connTimeout, readTimeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: readTimeout,
		Transport: &http.Transport{
			DialContext:         (&net.Dialer{Timeout: connTimeout}).DialContext,
			TLSHandshakeTimeout: connTimeout,
		},
	}
}

// Initialize performs the MCP handshake and returns the upstream session id
// if the server issued one. Streamable-HTTP servers hand it back in the
// Mcp-Session-Id response header; SSE servers are session-less.
func (c *Client) Initialize(ctx context.Context) (string, error) {
	params := domain.InitializeParams{
		ProtocolVersion: domain.ProtocolVersion,
		Capabilities:    json.RawMessage(`{}`),
		ClientInfo: domain.Implementation{
			Name:    domain.MCPServerName,
			Version: domain.GatewayVersion,
		},
	}
	raw, header, err := c.do(ctx, domain.MethodInitialize, params)
	if err != nil {
		return "", err
	}
	var result domain.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", domain.WrapError(domain.KindUpstreamPermanent, err,
			"malformed initialize result from %s", c.server.Name)
	}
	if c.server.Transport != domain.TransportSSE {
		c.sessionID = header.Get(domain.HeaderSessionID)
	}
	c.initialized = true

	// Completes the handshake; sent with the fresh session id
	c.notify(ctx, domain.NotificationInitialized)
	return c.sessionID, nil
}

func (c *Client) ensureSession(ctx context.Context) error {
	if c.initialized {
		return nil
	}
	_, err := c.Initialize(ctx)
	return err
}

// ListTools fetches the complete upstream tool list, walking the pagination
// cursor chain until exhausted.
func (c *Client) ListTools(ctx context.Context) ([]domain.ToolDefinition, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}
	var tools []domain.ToolDefinition
	cursor := ""
	for {
		raw, _, err := c.do(ctx, domain.MethodToolsList, domain.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		var page domain.ListToolsResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, domain.WrapError(domain.KindUpstreamPermanent, err,
				"malformed tools/list result from %s", c.server.Name)
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// CallTool invokes an upstream tool by its canonical name. When the upstream
// reports the session terminated, the client re-initializes once and retries
// the same call; a second failure is surfaced.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*domain.CallToolResult, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}
	params := domain.CallToolParams{Name: name, Arguments: c.withBodyCredential(arguments)}
	raw, _, err := c.do(ctx, domain.MethodToolsCall, params)
	if domain.IsKind(err, domain.KindUpstreamSessionTerminated) {
		slog.Warn("upstream session terminated, reinitializing",
			"server", c.server.Name, "tool", name)
		c.sessionID = ""
		c.initialized = false
		if _, err := c.Initialize(ctx); err != nil {
			return nil, err
		}
		raw, _, err = c.do(ctx, domain.MethodToolsCall, params)
	}
	if err != nil {
		return nil, err
	}
	var result domain.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, domain.WrapError(domain.KindUpstreamPermanent, err,
			"malformed tools/call result from %s", c.server.Name)
	}
	return &result, nil
}

type rpcEnvelope struct {
	Result json.RawMessage  `json:"result"`
	Error  *domain.RPCError `json:"error"`
}

// do runs one JSON-RPC round trip and returns the raw result plus the
// response headers. JSON-RPC errors come back as errors: the session
// terminated sentinel as a kinded error, everything else as the RPCError
// itself so callers can pass upstream codes through unchanged.
func (c *Client) do(ctx context.Context, method string, params any) (json.RawMessage, http.Header, error) {
	var rawParams json.RawMessage
	if params != nil {
		var err error
		rawParams, err = json.Marshal(params)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal %s params: %w", method, err)
		}
	}
	c.nextID++
	body, err := json.Marshal(domain.JSONRPCRequest{
		JSONRPC: domain.JSONRPCVersion,
		ID:      c.nextID,
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	req, err := c.newHTTPRequest(ctx, body)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, domain.WrapError(domain.KindUpstreamTransient, err,
			"%s request to %s failed", method, c.server.Name)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, domain.WrapError(domain.KindUpstreamTransient, err,
			"reading %s response from %s", method, c.server.Name)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, statusError(resp.StatusCode, c.server.Name, method, respBody)
	}

	envelope, err := decodeEnvelope(resp.Header.Get("Content-Type"), respBody)
	if err != nil {
		return nil, nil, domain.WrapError(domain.KindUpstreamPermanent, err,
			"decoding %s response from %s", method, c.server.Name)
	}
	if envelope.Error != nil {
		if envelope.Error.Code == domain.CodeInvalidRequest && envelope.Error.Message == sessionTerminatedMessage {
			return nil, nil, domain.WrapError(domain.KindUpstreamSessionTerminated, envelope.Error,
				"upstream %s dropped the session", c.server.Name)
		}
		return nil, nil, envelope.Error
	}
	return envelope.Result, resp.Header, nil
}

// notify sends a JSON-RPC notification. A failed notification never fails
// the call path.
func (c *Client) notify(ctx context.Context, method string) {
	body, err := json.Marshal(domain.JSONRPCRequest{JSONRPC: domain.JSONRPCVersion, Method: method})
	if err != nil {
		return
	}
	req, err := c.newHTTPRequest(ctx, body)
	if err != nil {
		return
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Debug("upstream notification failed",
			"server", c.server.Name, "method", method, "error", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func (c *Client) newHTTPRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", c.server.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set(domain.HeaderProtocolVersion, domain.ProtocolVersion)
	if c.sessionID != "" {
		req.Header.Set(domain.HeaderSessionID, c.sessionID)
	}
	c.injectCredential(req)
	return req, nil
}

// injectCredential places the credential where the auth config declares it.
// Credentials never travel in the URL path; body-located api keys are merged
// into tool arguments instead (see withBodyCredential).
func (c *Client) injectCredential(req *http.Request) {
	token := c.credentialValue()
	if token == "" {
		return
	}
	switch c.authConfig.Location {
	case domain.LocationHeader:
		value := token
		if c.authConfig.Prefix != "" {
			value = c.authConfig.Prefix + " " + token
		}
		req.Header.Set(c.authConfig.Name, value)
	case domain.LocationQuery:
		q := req.URL.Query()
		q.Set(c.authConfig.Name, token)
		req.URL.RawQuery = q.Encode()
	case domain.LocationCookie:
		req.AddCookie(&http.Cookie{Name: c.authConfig.Name, Value: token})
	}
}

func (c *Client) credentialValue() string {
	switch c.creds.Type {
	case domain.AuthTypeOAuth2:
		return c.creds.AccessToken
	case domain.AuthTypeAPIKey:
		return c.creds.SecretKey
	}
	return ""
}

// withBodyCredential merges a body-located api key into the call arguments.
// Only tools/call carries an arguments object to merge into.
func (c *Client) withBodyCredential(arguments map[string]any) map[string]any {
	if c.authConfig.Location != domain.LocationBody {
		return arguments
	}
	token := c.credentialValue()
	if token == "" {
		return arguments
	}
	merged := make(map[string]any, len(arguments)+1)
	for k, v := range arguments {
		merged[k] = v
	}
	merged[c.authConfig.Name] = token
	return merged
}

// statusError classifies an HTTP-level failure. Throttling and server side
// failures are retryable, the rest are not.
func statusError(status int, server, method string, body []byte) error {
	kind := domain.KindUpstreamPermanent
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500 {
		kind = domain.KindUpstreamTransient
	}
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	return domain.NewError(kind, "%s to %s returned status %d: %s", method, server, status, detail)
}

// decodeEnvelope parses a JSON-RPC response that may arrive as plain JSON or
// as a single-event SSE stream with the payload on a "data:" line.
func decodeEnvelope(contentType string, body []byte) (*rpcEnvelope, error) {
	payload := body
	if strings.Contains(contentType, "text/event-stream") {
		payload = nil
		for _, line := range strings.Split(string(body), "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "data:") {
				payload = []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
				break
			}
		}
		if payload == nil {
			return nil, fmt.Errorf("no data field in event stream")
		}
	}
	var envelope rpcEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, err
	}
	return &envelope, nil
}
