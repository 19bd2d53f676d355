package sync

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"mcpgate/internal/domain"
)

// Plan is the catalog delta for one server between upstream truth and the
// stored tools, keyed by gateway tool name.
type Plan struct {
	Create                   []*domain.MCPTool
	UpdateWithReembedding    []*domain.MCPTool
	UpdateWithoutReembedding []*domain.MCPTool
	Delete                   []*domain.MCPTool
	Unchanged                int
}

// BuildPlan classifies every upstream tool against the stored catalog.
// Stored ids and user-curated tags survive updates; an upstream rename
// arrives as a delete plus a create.
func BuildPlan(server *domain.MCPServer, upstream []domain.ToolDefinition, existing []*domain.MCPTool) (*Plan, error) {
	stored := make(map[string]*domain.MCPTool, len(existing))
	for _, tool := range existing {
		stored[tool.Name] = tool
	}

	plan := &Plan{}
	seen := make(map[string]string, len(upstream))
	for _, def := range upstream {
		name, err := GatewayToolName(server.Name, def.Name)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[name]; ok {
			return nil, domain.NewError(domain.KindSanitization,
				"upstream tools %q and %q collide on gateway name %s", prev, def.Name, name)
		}
		seen[name] = def.Name

		schemaHash, err := HashNormalizedObject(def.InputSchema)
		if err != nil {
			return nil, err
		}
		incoming := &domain.MCPTool{
			MCPServerID: server.ID,
			Name:        name,
			Description: def.Description,
			InputSchema: def.InputSchema,
			ToolMetadata: domain.ToolMetadata{
				CanonicalToolName:            def.Name,
				CanonicalToolDescriptionHash: HashNormalizedString(def.Description),
				CanonicalToolInputSchemaHash: schemaHash,
			},
		}

		current, ok := stored[name]
		if !ok {
			plan.Create = append(plan.Create, incoming)
			continue
		}
		incoming.ID = current.ID
		incoming.Tags = current.Tags
		switch {
		case embeddingRelevantChange(current, incoming):
			plan.UpdateWithReembedding = append(plan.UpdateWithReembedding, incoming)
		case storedDrift(current, incoming):
			plan.UpdateWithoutReembedding = append(plan.UpdateWithoutReembedding, incoming)
		default:
			plan.Unchanged++
		}
	}

	for _, tool := range existing {
		if _, ok := seen[tool.Name]; !ok {
			plan.Delete = append(plan.Delete, tool)
		}
	}
	return plan, nil
}

func embeddingRelevantChange(current, incoming *domain.MCPTool) bool {
	return current.ToolMetadata.CanonicalToolName != incoming.ToolMetadata.CanonicalToolName ||
		current.ToolMetadata.CanonicalToolDescriptionHash != incoming.ToolMetadata.CanonicalToolDescriptionHash ||
		current.ToolMetadata.CanonicalToolInputSchemaHash != incoming.ToolMetadata.CanonicalToolInputSchemaHash
}

// storedDrift reports raw differences the normalized hashes cannot see, like
// punctuation-only description edits. These refresh storage but keep the
// stored embedding.
func storedDrift(current, incoming *domain.MCPTool) bool {
	if current.Description != incoming.Description {
		return true
	}
	return !reflect.DeepEqual(current.InputSchema, incoming.InputSchema)
}

// EmbeddingText composes the text a tool is embedded under: gateway name,
// description and a parameter summary with property names in sorted order so
// the text is deterministic.
func EmbeddingText(tool *domain.MCPTool) string {
	text := fmt.Sprintf("%s: %s", tool.Name, tool.Description)
	props, ok := tool.InputSchema["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		return text
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		prop, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		sb.WriteString(fmt.Sprintf("- %s (%v): %v\n", name, prop["type"], prop["description"]))
	}
	if sb.Len() == 0 {
		return text
	}
	return text + "\nParameters:\n" + sb.String()
}
