// Package mcp implements the gateway's MCP server side: the JSON-RPC engine
// behind POST /mcp, the session lifecycle over bundles, and the router that
// turns the two meta-tools into catalog searches and upstream executions.
package mcp

import (
	"encoding/json"
	"strings"

	"mcpgate/internal/domain"

	"github.com/xeipuuv/gojsonschema"
)

// The gateway exposes exactly two tools. Models discover everything else
// through SEARCH_TOOLS and run it through EXECUTE_TOOL.
const (
	SearchToolsName = "SEARCH_TOOLS"
	ExecuteToolName = "EXECUTE_TOOL"
)

const gatewayInstructions = "This gateway fronts every MCP server in your bundle. " +
	"Call SEARCH_TOOLS with a natural-language intent to discover relevant tools, " +
	"then call EXECUTE_TOOL with a discovered tool's name and arguments to run it."

var searchToolsDefinition = domain.ToolDefinition{
	Name: SearchToolsName,
	Description: "Search the tools available in this bundle. Returns one JSON document " +
		"per tool with its name, description and input schema, most relevant first.",
	InputSchema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"intent": map[string]any{
				"type":        "string",
				"description": "Natural-language description of what you want to do, e.g. \"send an email\".",
			},
			"limit": map[string]any{
				"type":        "integer",
				"minimum":     1,
				"maximum":     1000,
				"description": "Maximum number of tools to return. Defaults to 100.",
			},
			"offset": map[string]any{
				"type":        "integer",
				"minimum":     0,
				"description": "Pagination offset into the result list.",
			},
		},
		"additionalProperties": false,
	},
}

var executeToolDefinition = domain.ToolDefinition{
	Name: ExecuteToolName,
	Description: "Execute a tool discovered through SEARCH_TOOLS by its exact name, " +
		"e.g. GMAIL__SEND_EMAIL, with the arguments its input schema describes.",
	InputSchema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tool_name": map[string]any{
				"type":        "string",
				"description": "Exact tool name as returned by SEARCH_TOOLS.",
			},
			"tool_arguments": map[string]any{
				"type":                 "object",
				"description":          "Arguments matching the tool's input schema.",
				"additionalProperties": true,
			},
		},
		"required":             []any{"tool_name"},
		"additionalProperties": false,
	},
}

// Definitions returns the gateway's fixed tool surface
func Definitions() []domain.ToolDefinition {
	return []domain.ToolDefinition{searchToolsDefinition, executeToolDefinition}
}

// SearchArgs are the arguments of SEARCH_TOOLS
type SearchArgs struct {
	Intent string `json:"intent,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// ExecuteArgs are the arguments of EXECUTE_TOOL
type ExecuteArgs struct {
	ToolName      string         `json:"tool_name"`
	ToolArguments map[string]any `json:"tool_arguments,omitempty"`
}

// decodeArgs validates arguments against a meta-tool's input schema and
// unmarshals them into the typed form. Violations surface as InvalidParams.
func decodeArgs(def domain.ToolDefinition, arguments map[string]any, into any) error {
	if arguments == nil {
		arguments = map[string]any{}
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(def.InputSchema),
		gojsonschema.NewGoLoader(arguments),
	)
	if err != nil {
		return domain.WrapError(domain.KindInvalidParams, err, "validating %s arguments", def.Name)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, verr := range result.Errors() {
			details = append(details, verr.String())
		}
		return domain.NewError(domain.KindInvalidParams,
			"invalid arguments for %s: %s", def.Name, strings.Join(details, "; "))
	}

	raw, err := json.Marshal(arguments)
	if err != nil {
		return domain.WrapError(domain.KindInvalidParams, err, "encoding %s arguments", def.Name)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return domain.WrapError(domain.KindInvalidParams, err, "decoding %s arguments", def.Name)
	}
	return nil
}
