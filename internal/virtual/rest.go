package virtual

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xeipuuv/gojsonschema"

	"mcpgate/internal/domain"
)

const (
	restConnTimeout = 10 * time.Second
	restReadTimeout = 30 * time.Second
)

// RESTExecutor turns a rest-typed virtual tool call into the HTTP request
// its metadata describes. Arguments are validated against the visible part
// of the tool schema, routed to their declared locations, and the response
// is shaped into tool content. Upstream 4xx and 5xx become error results,
// never transport failures.
type RESTExecutor struct {
	httpClient *http.Client
}

func NewRESTExecutor() *RESTExecutor {
	return &RESTExecutor{
		httpClient: &http.Client{
			Timeout: restReadTimeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: restConnTimeout}).DialContext,
				TLSHandshakeTimeout: restConnTimeout,
			},
		},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (e *RESTExecutor) WithHTTPClient(client *http.Client) *RESTExecutor {
	e.httpClient = client
	return e
}

// Execute runs one rest virtual tool call.
func (e *RESTExecutor) Execute(ctx context.Context, tool *domain.MCPTool, arguments map[string]any, auth *AuthToken) (*domain.CallToolResult, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}
	if err := validateVisible(tool, arguments); err != nil {
		return nil, err
	}
	merged, err := injectInvisibleDefaults(tool, arguments)
	if err != nil {
		return nil, err
	}
	merged = stripNulls(merged)

	parts := partitionArguments(tool.InputSchema, merged)
	endpoint, err := substitutePath(tool.ToolMetadata.Endpoint, parts.path)
	if err != nil {
		return nil, err
	}

	req, err := e.buildRequest(ctx, tool, endpoint, parts, auth)
	if err != nil {
		return nil, err
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, domain.WrapError(domain.KindUpstreamTransient, err, "request for %s failed", tool.Name)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.WrapError(domain.KindUpstreamTransient, err, "reading response for %s failed", tool.Name)
	}
	if resp.StatusCode >= 400 {
		failure := domain.NewToolError("%s returned status %d: %s", tool.Name, resp.StatusCode, strings.TrimSpace(string(body)))
		return &failure, nil
	}
	return shapeResponse(resp.Header.Get("Content-Type"), body), nil
}

func (e *RESTExecutor) buildRequest(ctx context.Context, tool *domain.MCPTool, endpoint string, parts *argumentParts, auth *AuthToken) (*http.Request, error) {
	body := parts.body
	if auth != nil && auth.Location == domain.LocationBody {
		body[auth.Name] = auth.Token
	}
	var reader io.Reader
	if len(body) > 0 {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, domain.WrapError(domain.KindInvalidParams, err, "encoding body for %s", tool.Name)
		}
		reader = bytes.NewReader(payload)
	}

	method := strings.ToUpper(tool.ToolMetadata.Method)
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, domain.WrapError(domain.KindInvalidParams, err, "building request for %s", tool.Name)
	}

	q := req.URL.Query()
	for name, value := range parts.query {
		q.Set(name, fmt.Sprint(value))
	}
	if auth != nil && auth.Location == domain.LocationQuery {
		q.Set(auth.Name, auth.Token)
	}
	req.URL.RawQuery = q.Encode()

	for name, value := range parts.header {
		req.Header.Set(name, fmt.Sprint(value))
	}
	for name, value := range parts.cookie {
		req.AddCookie(&http.Cookie{Name: name, Value: fmt.Sprint(value)})
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != nil {
		switch auth.Location {
		case domain.LocationHeader:
			value := auth.Token
			if auth.Prefix != "" {
				value = auth.Prefix + " " + auth.Token
			}
			req.Header.Set(auth.Name, value)
		case domain.LocationCookie:
			req.AddCookie(&http.Cookie{Name: auth.Name, Value: auth.Token})
		}
	}
	return req, nil
}

// validateVisible checks the caller's arguments against the tool schema
// with invisible properties removed, so callers are never asked for values
// the gateway injects itself.
func validateVisible(tool *domain.MCPTool, arguments map[string]any) error {
	schema := visibleSchema(tool.InputSchema)
	if len(schema) == 0 {
		return nil
	}
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(arguments))
	if err != nil {
		return domain.WrapError(domain.KindInvalidParams, err, "schema for %s did not compile", tool.Name)
	}
	if !result.Valid() {
		var errs []string
		for _, verr := range result.Errors() {
			errs = append(errs, verr.String())
		}
		return domain.NewError(domain.KindInvalidParams, "invalid arguments for %s: %s", tool.Name, strings.Join(errs, "; "))
	}
	return nil
}

// visibleSchema copies the schema with invisible properties dropped from
// both properties and required.
func visibleSchema(schema map[string]any) map[string]any {
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return schema
	}
	hidden := map[string]bool{}
	visibleProps := make(map[string]any, len(props))
	for name, raw := range props {
		if prop, ok := raw.(map[string]any); ok {
			if visible, declared := prop["visible"].(bool); declared && !visible {
				hidden[name] = true
				continue
			}
		}
		visibleProps[name] = raw
	}
	if len(hidden) == 0 {
		return schema
	}
	filtered := make(map[string]any, len(schema))
	for k, v := range schema {
		filtered[k] = v
	}
	filtered["properties"] = visibleProps
	if required, ok := schema["required"].([]any); ok {
		kept := make([]any, 0, len(required))
		for _, name := range required {
			if s, ok := name.(string); ok && hidden[s] {
				continue
			}
			kept = append(kept, name)
		}
		filtered["required"] = kept
	}
	return filtered
}

// injectInvisibleDefaults fills in every required invisible property from
// its schema default. A required invisible property without a default means
// the tool definition itself is broken.
func injectInvisibleDefaults(tool *domain.MCPTool, arguments map[string]any) (map[string]any, error) {
	props, _ := tool.InputSchema["properties"].(map[string]any)
	required, _ := tool.InputSchema["required"].([]any)
	if len(props) == 0 || len(required) == 0 {
		return arguments, nil
	}
	requiredSet := make(map[string]bool, len(required))
	for _, name := range required {
		if s, ok := name.(string); ok {
			requiredSet[s] = true
		}
	}
	merged := make(map[string]any, len(arguments))
	for k, v := range arguments {
		merged[k] = v
	}
	for name, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		visible, declared := prop["visible"].(bool)
		if !declared || visible || !requiredSet[name] {
			continue
		}
		def, ok := prop["default"]
		if !ok {
			return nil, domain.NewError(domain.KindConfigMismatch,
				"tool %s requires invisible property %s but declares no default", tool.Name, name)
		}
		merged[name] = def
	}
	return merged, nil
}

// stripNulls drops null members from objects so absent optionals never
// reach the wire. Array elements keep their positions.
func stripNulls(arguments map[string]any) map[string]any {
	return stripNullValues(arguments).(map[string]any)
}

func stripNullValues(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			if item == nil {
				continue
			}
			out[k] = stripNullValues(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = stripNullValues(item)
		}
		return out
	default:
		return value
	}
}

type argumentParts struct {
	path   map[string]any
	query  map[string]any
	header map[string]any
	cookie map[string]any
	body   map[string]any
}

// partitionArguments routes each argument to the location its property
// declares. Properties without a location, and arguments the schema does
// not know, go to the body.
func partitionArguments(schema map[string]any, arguments map[string]any) *argumentParts {
	props, _ := schema["properties"].(map[string]any)
	parts := &argumentParts{
		path:   map[string]any{},
		query:  map[string]any{},
		header: map[string]any{},
		cookie: map[string]any{},
		body:   map[string]any{},
	}
	for name, value := range arguments {
		location := "body"
		if prop, ok := props[name].(map[string]any); ok {
			if declared, ok := prop["location"].(string); ok && declared != "" {
				location = declared
			}
		}
		switch location {
		case "path":
			parts.path[name] = value
		case "query":
			parts.query[name] = value
		case "header":
			parts.header[name] = value
		case "cookie":
			parts.cookie[name] = value
		default:
			parts.body[name] = value
		}
	}
	return parts
}

// substitutePath fills {name} placeholders in the endpoint with the path
// arguments. A placeholder left unfilled makes the URL unusable.
func substitutePath(endpoint string, path map[string]any) (string, error) {
	out := endpoint
	for name, value := range path {
		out = strings.ReplaceAll(out, "{"+name+"}", url.PathEscape(fmt.Sprint(value)))
	}
	if strings.ContainsRune(out, '{') {
		return "", domain.NewError(domain.KindInvalidParams, "endpoint %s still has unfilled placeholders", out)
	}
	return out, nil
}

// shapeResponse converts the HTTP body into tool content. JSON is
// re-serialized compactly and also carried as structured content, text
// passes through, anything else is base64 encoded.
func shapeResponse(contentType string, body []byte) *domain.CallToolResult {
	if len(bytes.TrimSpace(body)) == 0 {
		result := domain.NewToolText("")
		return &result
	}
	if strings.Contains(contentType, "json") || (contentType == "" && looksLikeJSON(body)) {
		var decoded any
		if err := json.Unmarshal(body, &decoded); err == nil {
			compact, _ := json.Marshal(decoded)
			result := domain.NewToolText(string(compact))
			result.StructuredContent = decoded
			return &result
		}
	}
	if strings.HasPrefix(contentType, "text/") || (contentType == "" && utf8.Valid(body)) {
		result := domain.NewToolText(string(body))
		return &result
	}
	result := domain.NewToolText(base64.StdEncoding.EncodeToString(body))
	return &result
}

func looksLikeJSON(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}
