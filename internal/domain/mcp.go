package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Identity the gateway presents to MCP clients.
const (
	MCPServerName   = "ACI.dev MCP Gateway"
	MCPServerTitle  = "ACI.dev MCP Gateway"
	GatewayVersion  = "0.1.0"
	ProtocolVersion = "2025-06-18"
)

// MCP method names handled by the gateway
const (
	MethodInitialize        = "initialize"
	MethodPing              = "ping"
	MethodToolsList         = "tools/list"
	MethodToolsCall         = "tools/call"
	NotificationInitialized = "notifications/initialized"
)

// MCP transport headers
const (
	HeaderSessionID        = "Mcp-Session-Id"
	HeaderProtocolVersion  = "Mcp-Protocol-Version"
	HeaderVirtualAuthToken = "X-Virtual-Mcp-Auth-Token"
)

const JSONRPCVersion = "2.0"

// JSON-RPC 2.0 error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// JSONRPCRequest is a single JSON-RPC 2.0 request or notification.
// Params stay raw until the method handler knows their shape.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// expects no response body.
func (r JSONRPCRequest) IsNotification() bool {
	return r.ID == nil
}

// JSONRPCResponse is a single JSON-RPC 2.0 response. Exactly one of Result
// and Error is set.
type JSONRPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error object
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// RPCErrorFor maps a gateway error onto the JSON-RPC error object. Errors
// that already are RPC errors, including ones arriving from upstream
// servers, keep their code, message and data unchanged. Everything else is
// mapped by kind, and the kind travels in data.kind so clients can branch
// without parsing messages.
func RPCErrorFor(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	message := err.Error()
	var kinded *Error
	if errors.As(err, &kinded) {
		message = kinded.Message
	}
	code := CodeInternalError
	kind := KindOf(err)
	switch kind {
	case KindParseError:
		code = CodeParseError
	case KindInvalidRequest, KindBundleNotFound, KindConfigNotFound, KindConfigMismatch, KindServerNotConfigured:
		code = CodeInvalidRequest
	case KindMethodNotFound:
		code = CodeMethodNotFound
	case KindInvalidParams, KindToolNotFound, KindToolNotEnabled:
		code = CodeInvalidParams
	}
	rpc := &RPCError{Code: code, Message: message}
	if kind != "" {
		rpc.Data = map[string]any{"kind": string(kind)}
	}
	return rpc
}

// NewResponse builds a success response for the given request id
func NewResponse(id any, result any) JSONRPCResponse {
	return JSONRPCResponse{JSONRPC: JSONRPCVersion, ID: id, Result: result}
}

// NewErrorResponse builds an error response for the given request id
func NewErrorResponse(id any, code int, message string, data any) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	}
}

// Implementation identifies an MCP client or server
type Implementation struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// ToolsCapability advertises tool support. The gateway never pushes
// list_changed notifications.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ServerCapabilities lists what the server supports
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// InitializeParams is the client's half of the MCP handshake
type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ClientInfo      Implementation  `json:"clientInfo"`
}

// InitializeResult is the server's half of the MCP handshake
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// ToolDefinition is one entry of a tools/list result
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ListToolsParams carries the optional pagination cursor
type ListToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult is a page of tool definitions
type ListToolsResult struct {
	Tools      []ToolDefinition `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// CallToolParams names a tool and its arguments
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ContentBlock is one piece of tool output. The gateway only emits text
// blocks.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolResult is the outcome of a tool execution. IsError marks tool
// level failures that still produced a well formed response.
type CallToolResult struct {
	Content           []ContentBlock `json:"content"`
	StructuredContent any            `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError,omitempty"`
}

// NewTextContent wraps text in a content block
func NewTextContent(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// NewToolError builds an error-flagged tool result with a single text block
func NewToolError(format string, args ...any) CallToolResult {
	return CallToolResult{
		Content: []ContentBlock{NewTextContent(fmt.Sprintf(format, args...))},
		IsError: true,
	}
}

// NewToolText builds a success tool result with a single text block
func NewToolText(text string) CallToolResult {
	return CallToolResult{Content: []ContentBlock{NewTextContent(text)}}
}
