package virtual

import (
	"context"

	"mcpgate/internal/domain"
)

// Connector is an in-process implementation of a virtual MCP server. A
// fresh instance is built per call, bound to the caller's auth token, and
// invoked with the lowercased tool suffix as the method name.
type Connector interface {
	Invoke(ctx context.Context, method string, arguments map[string]any) (*domain.CallToolResult, error)
}

// ConnectorFactory builds a connector for one call.
type ConnectorFactory func(auth *AuthToken) Connector

// Registry maps virtual server names to connector factories. It is
// populated once at startup; nothing is ever loaded by name at runtime.
type Registry struct {
	factories map[string]ConnectorFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ConnectorFactory)}
}

// Register binds a server name to a factory, replacing any previous one.
func (r *Registry) Register(serverName string, factory ConnectorFactory) {
	r.factories[serverName] = factory
}

// Resolve returns the factory registered for the server name.
func (r *Registry) Resolve(serverName string) (ConnectorFactory, bool) {
	factory, ok := r.factories[serverName]
	return factory, ok
}

// Names lists the registered server names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
