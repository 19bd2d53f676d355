package virtual

import (
	"context"
	"log/slog"
	"strings"

	"mcpgate/internal/domain"
)

// Executor dispatches a virtual tool call to the REST executor or the
// connector registry, depending on the tool's metadata.
type Executor struct {
	catalog  domain.CatalogRepository
	rest     *RESTExecutor
	registry *Registry
}

func NewExecutor(catalog domain.CatalogRepository, registry *Registry) *Executor {
	return &Executor{catalog: catalog, rest: NewRESTExecutor(), registry: registry}
}

// WithRESTExecutor replaces the REST executor.
func (e *Executor) WithRESTExecutor(rest *RESTExecutor) *Executor {
	e.rest = rest
	return e
}

// CallTool executes one virtual tool and reports failures inside the tool
// as error results. A panicking connector is caught here; it can fail its
// own call but never the gateway.
func (e *Executor) CallTool(ctx context.Context, serverName, toolName string, arguments map[string]any, auth *AuthToken) (result *domain.CallToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("virtual tool panicked", "server", serverName, "tool", toolName, "panic", r)
			failure := domain.NewToolError("tool %s failed internally: %v", toolName, r)
			result, err = &failure, nil
		}
	}()

	tool, err := e.catalog.GetMCPToolByName(ctx, toolName)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, err, "loading tool %s", toolName)
	}
	if tool == nil {
		return nil, domain.NewError(domain.KindToolNotFound, "tool %s not found", toolName)
	}
	if tool.ServerPrefix() != serverName {
		return nil, domain.NewError(domain.KindToolNotFound, "tool %s does not belong to server %s", toolName, serverName)
	}

	switch tool.ToolMetadata.Type {
	case domain.VirtualToolREST:
		return e.rest.Execute(ctx, tool, arguments, auth)
	case domain.VirtualToolConnector:
		return e.invokeConnector(ctx, tool, serverName, arguments, auth)
	default:
		return nil, domain.NewError(domain.KindConfigMismatch, "tool %s is not a virtual tool", toolName)
	}
}

func (e *Executor) invokeConnector(ctx context.Context, tool *domain.MCPTool, serverName string, arguments map[string]any, auth *AuthToken) (*domain.CallToolResult, error) {
	factory, ok := e.registry.Resolve(serverName)
	if !ok {
		return nil, domain.NewError(domain.KindServerNotConfigured, "no connector registered for server %s", serverName)
	}
	method := strings.ToLower(strings.TrimPrefix(tool.Name, serverName+"__"))
	result, err := factory(auth).Invoke(ctx, method, arguments)
	if err != nil {
		failure := domain.NewToolError("tool %s failed: %v", tool.Name, err)
		return &failure, nil
	}
	if result == nil {
		failure := domain.NewToolError("tool %s returned no result", tool.Name)
		return &failure, nil
	}
	return result, nil
}
