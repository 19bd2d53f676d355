package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"mcpgate/internal/domain"
)

// fakeUpstream is a minimal streamable-HTTP MCP server. It issues
// "session-N" ids per initialize and can reject tools/call with the
// session-terminated sentinel.
type fakeUpstream struct {
	t *testing.T

	mu            sync.Mutex
	initializes   int
	notifications int
	toolCalls     []domain.CallToolParams

	lastCallHeader  http.Header
	lastCallQuery   url.Values
	lastCallCookies []*http.Cookie
	notifySessionID string
	pages           map[string]domain.ListToolsResult
	terminateNext   int
	issueSessionID  bool
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	return &fakeUpstream{t: t, issueSessionID: true}
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	body, _ := io.ReadAll(r.Body)
	var req domain.JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		f.t.Errorf("Malformed request body: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch req.Method {
	case domain.MethodInitialize:
		f.initializes++
		if f.issueSessionID {
			w.Header().Set(domain.HeaderSessionID, fmt.Sprintf("session-%d", f.initializes))
		}
		writeResult(w, req.ID, domain.InitializeResult{
			ProtocolVersion: domain.ProtocolVersion,
			ServerInfo:      domain.Implementation{Name: "fake-upstream", Version: "1.0"},
		})

	case domain.NotificationInitialized:
		f.notifications++
		f.notifySessionID = r.Header.Get(domain.HeaderSessionID)
		w.WriteHeader(http.StatusAccepted)

	case domain.MethodToolsList:
		var params domain.ListToolsParams
		json.Unmarshal(req.Params, &params)
		page, ok := f.pages[params.Cursor]
		if !ok {
			writeError(w, req.ID, domain.CodeInvalidParams, "unknown cursor "+params.Cursor)
			return
		}
		writeResult(w, req.ID, page)

	case domain.MethodToolsCall:
		f.lastCallHeader = r.Header.Clone()
		f.lastCallQuery = r.URL.Query()
		f.lastCallCookies = r.Cookies()
		var params domain.CallToolParams
		json.Unmarshal(req.Params, &params)
		f.toolCalls = append(f.toolCalls, params)
		if f.terminateNext > 0 {
			f.terminateNext--
			writeError(w, req.ID, domain.CodeInvalidRequest, "Session terminated")
			return
		}
		writeResult(w, req.ID, domain.NewToolText("ok"))

	default:
		writeError(w, req.ID, domain.CodeMethodNotFound, "unknown method "+req.Method)
	}
}

func writeResult(w http.ResponseWriter, id any, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(domain.NewResponse(id, result))
}

func writeError(w http.ResponseWriter, id any, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(domain.NewErrorResponse(id, code, message, nil))
}

func testServer(url string, transport domain.TransportType) *domain.MCPServer {
	return &domain.MCPServer{
		ID: "server-1", Name: "GMAIL", URL: url, Transport: transport,
	}
}

func oauthInjection() (domain.AuthConfig, domain.AuthCredentials) {
	cfg := domain.AuthConfig{Type: domain.AuthTypeOAuth2}.Normalize()
	return cfg, domain.AuthCredentials{Type: domain.AuthTypeOAuth2, AccessToken: "tok-1"}
}

func TestInitialize(t *testing.T) {
	t.Run("captures session id and completes handshake", func(t *testing.T) {
		fake := newFakeUpstream(t)
		srv := httptest.NewServer(fake)
		defer srv.Close()

		cfg, creds := oauthInjection()
		client := NewClient(testServer(srv.URL, domain.TransportStreamableHTTP), cfg, creds)

		id, err := client.Initialize(context.Background())
		if err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		if id != "session-1" || client.SessionID() != "session-1" {
			t.Errorf("Expected session-1, got: %s / %s", id, client.SessionID())
		}
		fake.mu.Lock()
		notifications, notifySessionID := fake.notifications, fake.notifySessionID
		fake.mu.Unlock()
		if notifications != 1 {
			t.Errorf("Expected one initialized notification, got: %d", notifications)
		}
		if notifySessionID != "session-1" {
			t.Errorf("Expected notification with fresh session id, got: %q", notifySessionID)
		}
	})

	t.Run("sse transports are session-less", func(t *testing.T) {
		fake := newFakeUpstream(t)
		srv := httptest.NewServer(fake)
		defer srv.Close()

		cfg, creds := oauthInjection()
		client := NewClient(testServer(srv.URL, domain.TransportSSE), cfg, creds)

		id, err := client.Initialize(context.Background())
		if err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		if id != "" {
			t.Errorf("Expected no session id for SSE, got: %s", id)
		}
	})
}

func TestSessionReuseSkipsInitialize(t *testing.T) {
	fake := newFakeUpstream(t)
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cfg, creds := oauthInjection()
	client := NewClient(testServer(srv.URL, domain.TransportStreamableHTTP), cfg, creds).
		WithSessionID("resumed-7")

	result, err := client.CallTool(context.Background(), "send_email", map[string]any{"to": "a@b.c"})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if result.IsError {
		t.Errorf("Expected success result, got: %+v", result)
	}
	fake.mu.Lock()
	initializes, header := fake.initializes, fake.lastCallHeader
	fake.mu.Unlock()
	if initializes != 0 {
		t.Errorf("Expected no initialize for resumed session, got: %d", initializes)
	}
	if got := header.Get(domain.HeaderSessionID); got != "resumed-7" {
		t.Errorf("Expected resumed session id on the wire, got: %q", got)
	}
}

func TestListToolsPagination(t *testing.T) {
	fake := newFakeUpstream(t)
	fake.pages = map[string]domain.ListToolsResult{
		"":   {Tools: []domain.ToolDefinition{{Name: "send_email"}, {Name: "list_drafts"}}, NextCursor: "p2"},
		"p2": {Tools: []domain.ToolDefinition{{Name: "archive"}, {Name: "search"}}, NextCursor: "p3"},
		"p3": {Tools: []domain.ToolDefinition{{Name: "delete"}}},
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cfg, creds := oauthInjection()
	client := NewClient(testServer(srv.URL, domain.TransportStreamableHTTP), cfg, creds)

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	want := "send_email,list_drafts,archive,search,delete"
	if strings.Join(names, ",") != want {
		t.Errorf("Expected %s, got: %s", want, strings.Join(names, ","))
	}
	fake.mu.Lock()
	initializes := fake.initializes
	fake.mu.Unlock()
	if initializes != 1 {
		t.Errorf("Expected one initialize before listing, got: %d", initializes)
	}
}

func TestCallToolSessionTerminated(t *testing.T) {
	t.Run("reinitializes once and retries", func(t *testing.T) {
		fake := newFakeUpstream(t)
		fake.terminateNext = 1
		srv := httptest.NewServer(fake)
		defer srv.Close()

		cfg, creds := oauthInjection()
		client := NewClient(testServer(srv.URL, domain.TransportStreamableHTTP), cfg, creds).
			WithSessionID("stale-session")

		result, err := client.CallTool(context.Background(), "send_email", map[string]any{"to": "a@b.c"})
		if err != nil {
			t.Fatalf("CallTool failed: %v", err)
		}
		if result.IsError {
			t.Errorf("Expected success after recovery, got: %+v", result)
		}
		fake.mu.Lock()
		initializes, calls := fake.initializes, fake.toolCalls
		fake.mu.Unlock()
		if initializes != 1 {
			t.Errorf("Expected exactly one reinitialize, got: %d", initializes)
		}
		if len(calls) != 2 {
			t.Fatalf("Expected the call to be retried, got %d calls", len(calls))
		}
		if calls[1].Arguments["to"] != "a@b.c" {
			t.Errorf("Expected retry with same arguments, got: %+v", calls[1].Arguments)
		}
		if client.SessionID() != "session-1" {
			t.Errorf("Expected rotated session id, got: %s", client.SessionID())
		}
	})

	t.Run("second failure surfaces", func(t *testing.T) {
		fake := newFakeUpstream(t)
		fake.terminateNext = 2
		srv := httptest.NewServer(fake)
		defer srv.Close()

		cfg, creds := oauthInjection()
		client := NewClient(testServer(srv.URL, domain.TransportStreamableHTTP), cfg, creds).
			WithSessionID("stale-session")

		_, err := client.CallTool(context.Background(), "send_email", nil)
		if !domain.IsKind(err, domain.KindUpstreamSessionTerminated) {
			t.Errorf("Expected UpstreamSessionTerminated, got: %v", err)
		}
		fake.mu.Lock()
		initializes := fake.initializes
		fake.mu.Unlock()
		if initializes != 1 {
			t.Errorf("Expected exactly one reinitialize, got: %d", initializes)
		}
	})
}

func TestCredentialInjection(t *testing.T) {
	ctx := context.Background()

	t.Run("header with prefix", func(t *testing.T) {
		fake := newFakeUpstream(t)
		srv := httptest.NewServer(fake)
		defer srv.Close()

		cfg, creds := oauthInjection()
		client := NewClient(testServer(srv.URL, domain.TransportStreamableHTTP), cfg, creds).
			WithSessionID("s")

		if _, err := client.CallTool(ctx, "send_email", nil); err != nil {
			t.Fatalf("CallTool failed: %v", err)
		}
		fake.mu.Lock()
		header := fake.lastCallHeader
		fake.mu.Unlock()
		if got := header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Expected bearer header, got: %q", got)
		}
	})

	t.Run("query api key", func(t *testing.T) {
		fake := newFakeUpstream(t)
		srv := httptest.NewServer(fake)
		defer srv.Close()

		cfg := domain.AuthConfig{Type: domain.AuthTypeAPIKey, Location: domain.LocationQuery, Name: "api_key"}
		creds := domain.AuthCredentials{Type: domain.AuthTypeAPIKey, SecretKey: "sk-9"}
		client := NewClient(testServer(srv.URL, domain.TransportStreamableHTTP), cfg, creds).
			WithSessionID("s")

		if _, err := client.CallTool(ctx, "send_email", nil); err != nil {
			t.Fatalf("CallTool failed: %v", err)
		}
		fake.mu.Lock()
		query := fake.lastCallQuery
		fake.mu.Unlock()
		if got := query.Get("api_key"); got != "sk-9" {
			t.Errorf("Expected api key in query, got: %q", got)
		}
	})

	t.Run("cookie api key", func(t *testing.T) {
		fake := newFakeUpstream(t)
		srv := httptest.NewServer(fake)
		defer srv.Close()

		cfg := domain.AuthConfig{Type: domain.AuthTypeAPIKey, Location: domain.LocationCookie, Name: "auth"}
		creds := domain.AuthCredentials{Type: domain.AuthTypeAPIKey, SecretKey: "sk-9"}
		client := NewClient(testServer(srv.URL, domain.TransportStreamableHTTP), cfg, creds).
			WithSessionID("s")

		if _, err := client.CallTool(ctx, "send_email", nil); err != nil {
			t.Fatalf("CallTool failed: %v", err)
		}
		fake.mu.Lock()
		cookies := fake.lastCallCookies
		fake.mu.Unlock()
		found := false
		for _, cookie := range cookies {
			if cookie.Name == "auth" && cookie.Value == "sk-9" {
				found = true
			}
		}
		if !found {
			t.Errorf("Expected auth cookie, got: %v", cookies)
		}
	})

	t.Run("body api key merges into arguments", func(t *testing.T) {
		fake := newFakeUpstream(t)
		srv := httptest.NewServer(fake)
		defer srv.Close()

		cfg := domain.AuthConfig{Type: domain.AuthTypeAPIKey, Location: domain.LocationBody, Name: "api_key"}
		creds := domain.AuthCredentials{Type: domain.AuthTypeAPIKey, SecretKey: "sk-9"}
		client := NewClient(testServer(srv.URL, domain.TransportStreamableHTTP), cfg, creds).
			WithSessionID("s")

		if _, err := client.CallTool(ctx, "send_email", map[string]any{"to": "a@b.c"}); err != nil {
			t.Fatalf("CallTool failed: %v", err)
		}
		fake.mu.Lock()
		args := fake.toolCalls[0].Arguments
		fake.mu.Unlock()
		if args["api_key"] != "sk-9" || args["to"] != "a@b.c" {
			t.Errorf("Expected merged arguments, got: %+v", args)
		}
	})
}

func TestSSEFormattedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req domain.JSONRPCRequest
		json.Unmarshal(body, &req)

		resp, _ := json.Marshal(domain.NewResponse(req.ID, domain.NewToolText("streamed")))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", resp)
	}))
	defer srv.Close()

	cfg, creds := oauthInjection()
	client := NewClient(testServer(srv.URL, domain.TransportStreamableHTTP), cfg, creds).
		WithSessionID("s")

	result, err := client.CallTool(context.Background(), "send_email", nil)
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "streamed" {
		t.Errorf("Expected streamed text content, got: %+v", result)
	}
}

func TestUpstreamHTTPErrors(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		kind      domain.ErrorKind
		retryable bool
	}{
		{"bad gateway is transient", http.StatusBadGateway, domain.KindUpstreamTransient, true},
		{"throttling is transient", http.StatusTooManyRequests, domain.KindUpstreamTransient, true},
		{"not found is permanent", http.StatusNotFound, domain.KindUpstreamPermanent, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "upstream unhappy", tc.status)
			}))
			defer srv.Close()

			cfg, creds := oauthInjection()
			client := NewClient(testServer(srv.URL, domain.TransportStreamableHTTP), cfg, creds).
				WithSessionID("s")

			_, err := client.CallTool(context.Background(), "send_email", nil)
			if !domain.IsKind(err, tc.kind) {
				t.Errorf("Expected %s, got: %v", tc.kind, err)
			}
			if domain.Retryable(err) != tc.retryable {
				t.Errorf("Expected retryable=%v, got: %v", tc.retryable, err)
			}
		})
	}
}

func TestUpstreamRPCErrorPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req domain.JSONRPCRequest
		json.Unmarshal(body, &req)
		writeError(w, req.ID, 42, "upstream exploded")
	}))
	defer srv.Close()

	cfg, creds := oauthInjection()
	client := NewClient(testServer(srv.URL, domain.TransportStreamableHTTP), cfg, creds).
		WithSessionID("s")

	_, err := client.CallTool(context.Background(), "send_email", nil)
	var rpcErr *domain.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Expected RPCError passthrough, got: %v", err)
	}
	if rpcErr.Code != 42 || rpcErr.Message != "upstream exploded" {
		t.Errorf("Expected upstream code and message preserved, got: %+v", rpcErr)
	}
}
