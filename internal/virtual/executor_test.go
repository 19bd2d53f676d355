package virtual

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"mcpgate/internal/domain"
	"mcpgate/internal/storage"
)

func seedVirtualServer(t *testing.T, store *storage.MemoryStore, id, name string, tools ...*domain.MCPTool) {
	t.Helper()
	ctx := context.Background()
	server := &domain.MCPServer{
		ID:             id,
		Name:           name,
		ServerMetadata: domain.ServerMetadata{IsVirtualMCPServer: true},
	}
	if err := store.CreateMCPServer(ctx, server); err != nil {
		t.Fatalf("Expected server create to succeed, got: %v", err)
	}
	if err := store.ApplyToolSync(ctx, id, domain.ToolSyncBatch{Create: tools}); err != nil {
		t.Fatalf("Expected tool seed to succeed, got: %v", err)
	}
}

func connectorTool(id, name, description string) *domain.MCPTool {
	return &domain.MCPTool{
		ID:          id,
		Name:        name,
		Description: description,
		InputSchema: map[string]any{"type": "object"},
		ToolMetadata: domain.ToolMetadata{
			Type:   domain.VirtualToolConnector,
			Method: strings.ToLower(name[strings.Index(name, "__")+2:]),
		},
	}
}

func timeFixture(t *testing.T) (*storage.MemoryStore, *Registry, *Executor) {
	t.Helper()
	store := storage.NewMemoryStore()
	seedVirtualServer(t, store, "srv-time", "TIME",
		connectorTool("tool-now", "TIME__CURRENT_TIME", "Current time in a timezone"),
		connectorTool("tool-convert", "TIME__CONVERT_TIME", "Convert a time between timezones"),
	)
	registry := NewRegistry()
	RegisterTimeConnector(registry)
	return store, registry, NewExecutor(store, registry)
}

type panicConnector struct{}

func (panicConnector) Invoke(context.Context, string, map[string]any) (*domain.CallToolResult, error) {
	panic("connector exploded")
}

func TestExecutorCallTool(t *testing.T) {
	ctx := context.Background()

	t.Run("dispatches connectors by tool suffix", func(t *testing.T) {
		_, _, exec := timeFixture(t)
		result, err := exec.CallTool(ctx, "TIME", "TIME__CURRENT_TIME", map[string]any{"timezone": "UTC"}, nil)
		if err != nil {
			t.Fatalf("Expected call to succeed, got: %v", err)
		}
		structured, ok := result.StructuredContent.(map[string]any)
		if !ok || structured["timezone"] != "UTC" {
			t.Errorf("Expected structured time result, got: %v", result.StructuredContent)
		}
		if structured["day_of_week"] == "" {
			t.Error("Expected a day of week")
		}
	})

	t.Run("dispatches rest tools through the http executor", func(t *testing.T) {
		store, registry, _ := timeFixture(t)
		srv, captured := captureServer(t, http.StatusOK, "application/json", []byte(`{"exported":3}`))
		seedVirtualServer(t, store, "srv-crm", "CRM", &domain.MCPTool{
			ID:           "tool-export",
			Name:         "CRM__EXPORT",
			InputSchema:  map[string]any{"type": "object"},
			ToolMetadata: domain.ToolMetadata{Type: domain.VirtualToolREST, Method: "GET", Endpoint: srv.URL + "/export"},
		})
		exec := NewExecutor(store, registry)

		result, err := exec.CallTool(ctx, "CRM", "CRM__EXPORT", nil, nil)
		if err != nil {
			t.Fatalf("Expected call to succeed, got: %v", err)
		}
		if captured.method != http.MethodGet {
			t.Errorf("Expected a GET, got: %q", captured.method)
		}
		if structured, ok := result.StructuredContent.(map[string]any); !ok || structured["exported"] != float64(3) {
			t.Errorf("Expected structured response, got: %v", result.StructuredContent)
		}
	})

	t.Run("unknown tool", func(t *testing.T) {
		_, _, exec := timeFixture(t)
		_, err := exec.CallTool(ctx, "TIME", "TIME__MISSING", nil, nil)
		if !domain.IsKind(err, domain.KindToolNotFound) {
			t.Fatalf("Expected ToolNotFound, got: %v", err)
		}
	})

	t.Run("tool of another server", func(t *testing.T) {
		store, registry, _ := timeFixture(t)
		seedVirtualServer(t, store, "srv-other", "OTHER", connectorTool("tool-other", "OTHER__PING", ""))
		exec := NewExecutor(store, registry)

		_, err := exec.CallTool(ctx, "TIME", "OTHER__PING", nil, nil)
		if !domain.IsKind(err, domain.KindToolNotFound) {
			t.Fatalf("Expected ToolNotFound, got: %v", err)
		}
	})

	t.Run("unregistered connector server", func(t *testing.T) {
		store, registry, _ := timeFixture(t)
		seedVirtualServer(t, store, "srv-ghost", "GHOST", connectorTool("tool-ghost", "GHOST__PEEK", ""))
		exec := NewExecutor(store, registry)

		_, err := exec.CallTool(ctx, "GHOST", "GHOST__PEEK", nil, nil)
		if !domain.IsKind(err, domain.KindServerNotConfigured) {
			t.Fatalf("Expected ServerNotConfigured, got: %v", err)
		}
	})

	t.Run("tool without virtual metadata", func(t *testing.T) {
		store, registry, _ := timeFixture(t)
		seedVirtualServer(t, store, "srv-plain", "PLAIN", &domain.MCPTool{
			ID: "tool-plain", Name: "PLAIN__GET", InputSchema: map[string]any{"type": "object"},
		})
		exec := NewExecutor(store, registry)

		_, err := exec.CallTool(ctx, "PLAIN", "PLAIN__GET", nil, nil)
		if !domain.IsKind(err, domain.KindConfigMismatch) {
			t.Fatalf("Expected ConfigMismatch, got: %v", err)
		}
	})

	t.Run("connector errors become error results", func(t *testing.T) {
		_, _, exec := timeFixture(t)
		result, err := exec.CallTool(ctx, "TIME", "TIME__CONVERT_TIME", map[string]any{"time": "12:00"}, nil)
		if err != nil {
			t.Fatalf("Expected an error result instead of an error, got: %v", err)
		}
		if !result.IsError || !strings.Contains(result.Content[0].Text, "target_timezone") {
			t.Errorf("Expected a failed result naming the missing argument, got: %+v", result)
		}
	})

	t.Run("panicking connector fails only its call", func(t *testing.T) {
		store, registry, _ := timeFixture(t)
		seedVirtualServer(t, store, "srv-boom", "BOOM", connectorTool("tool-boom", "BOOM__RUN", ""))
		registry.Register("BOOM", func(*AuthToken) Connector { return panicConnector{} })
		exec := NewExecutor(store, registry)

		result, err := exec.CallTool(ctx, "BOOM", "BOOM__RUN", nil, nil)
		if err != nil {
			t.Fatalf("Expected the panic to surface as an error result, got: %v", err)
		}
		if !result.IsError || !strings.Contains(result.Content[0].Text, "failed internally") {
			t.Errorf("Expected an internal failure result, got: %+v", result)
		}
	})
}

func TestTimeConnectorConvert(t *testing.T) {
	ctx := context.Background()
	conn := &TimeConnector{}

	t.Run("converted instant matches the source", func(t *testing.T) {
		result, err := conn.Invoke(ctx, "convert_time", map[string]any{
			"time":            "12:30",
			"source_timezone": "UTC",
			"target_timezone": "America/New_York",
		})
		if err != nil {
			t.Fatalf("Expected conversion to succeed, got: %v", err)
		}
		structured := result.StructuredContent.(map[string]any)
		source := structured["source"].(map[string]any)["datetime"].(string)
		target := structured["target"].(map[string]any)["datetime"].(string)
		sourceAt, err := time.Parse(time.RFC3339, source)
		if err != nil {
			t.Fatalf("Expected RFC3339 source time, got: %v", err)
		}
		targetAt, err := time.Parse(time.RFC3339, target)
		if err != nil {
			t.Fatalf("Expected RFC3339 target time, got: %v", err)
		}
		if !sourceAt.Equal(targetAt) {
			t.Errorf("Expected the same instant in both zones, got: %s vs %s", source, target)
		}
		if sourceAt.Hour() != 12 || sourceAt.Minute() != 30 {
			t.Errorf("Expected the source clock to be kept, got: %s", source)
		}
	})

	t.Run("unknown timezone is a tool failure", func(t *testing.T) {
		result, err := conn.Invoke(ctx, "current_time", map[string]any{"timezone": "Mars/Olympus"})
		if err != nil {
			t.Fatalf("Expected an error result, got: %v", err)
		}
		if !result.IsError || !strings.Contains(result.Content[0].Text, "Mars/Olympus") {
			t.Errorf("Expected a failure naming the zone, got: %+v", result)
		}
	})

	t.Run("unknown method", func(t *testing.T) {
		if _, err := conn.Invoke(ctx, "stopwatch", nil); !domain.IsKind(err, domain.KindToolNotFound) {
			t.Fatalf("Expected ToolNotFound, got: %v", err)
		}
	})
}
