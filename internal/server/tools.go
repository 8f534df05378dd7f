package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/chris-schra/mcp-funnel-sub012/internal/command"
	"github.com/chris-schra/mcp-funnel-sub012/internal/registry"
)

// Core tool names. These execute in-process and are always routable; they
// only disappear from tools/list when expose_core_tools is off.
const (
	toolDiscover       = "discover_tools_by_words"
	toolGetSchema      = "get_tool_schema"
	toolBridge         = "bridge_tool_request"
	toolLoadToolset    = "load_toolset"
	toolManageCommands = "manage_commands"
)

// coreTools builds the proxy-native tool set. Rebuilt per sync; the
// definitions are cheap and stateless.
func (s *Server) coreTools() []mcpserver.ServerTool {
	discover := mcp.NewTool(toolDiscover,
		mcp.WithDescription("Search the aggregated tool catalog across all upstream servers by keywords. "+
			"Matches tool names, descriptions, and server ids (case-insensitive). "+
			"Returns namespaced names (<server>__<tool>) usable with bridge_tool_request or directly. "+
			"Set enable=true to make every match callable in one step."),
		mcp.WithString("words",
			mcp.Required(),
			mcp.Description("Keywords separated by spaces or commas, e.g. 'github issues' or 'read,file'"),
		),
		mcp.WithString("mode",
			mcp.Description("AND requires every keyword to match, OR any single one (default: AND)"),
			mcp.Enum("AND", "OR"),
		),
		mcp.WithBoolean("enable",
			mcp.Description("Atomically enable all matching tools (default: false)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of matches to return (default: 20)"),
		),
	)

	getSchema := mcp.NewTool(toolGetSchema,
		mcp.WithDescription("Return a tool's JSON input schema by its namespaced name. "+
			"Use this before bridge_tool_request when the required arguments are unclear."),
		mcp.WithString("tool",
			mcp.Required(),
			mcp.Description("Namespaced tool name from discover_tools_by_words (format: <server>__<tool>)"),
		),
	)

	bridge := mcp.NewTool(toolBridge,
		mcp.WithDescription("Invoke a tool by its namespaced name with the given arguments. "+
			"The entry point for calling discovered tools without waiting for a tools/list refresh."),
		mcp.WithString("tool",
			mcp.Required(),
			mcp.Description("Namespaced tool name (format: <server>__<tool>)"),
		),
		mcp.WithObject("arguments",
			mcp.Description("Arguments object passed to the tool; see get_tool_schema for the shape"),
		),
	)

	loadToolset := mcp.NewTool(toolLoadToolset,
		mcp.WithDescription("Enable a pre-configured named list of tools in one step. "+
			"Toolsets come from the configuration file or <toolset_dir>/<name>.yaml."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Toolset name to load"),
		),
	)

	manageCommands := mcp.NewTool(toolManageCommands,
		mcp.WithDescription("Manage in-process JavaScript commands. Installed commands appear in the "+
			"catalog under the funnel namespace (funnel__<name>) and can orchestrate other tools via "+
			"call_tool(name, args) from script code."),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("Operation to perform"),
			mcp.Enum("list", "install", "update", "remove"),
		),
		mcp.WithString("name",
			mcp.Description("Command name (required for remove)"),
		),
		mcp.WithString("source",
			mcp.Description("JavaScript source (required for install/update)"),
		),
		mcp.WithString("manifest",
			mcp.Description("TOML manifest with name, description, version, and limits (required for install/update)"),
		),
	)

	return []mcpserver.ServerTool{
		{Tool: discover, Handler: s.handleDiscover},
		{Tool: getSchema, Handler: s.handleGetSchema},
		{Tool: bridge, Handler: s.handleBridge},
		{Tool: loadToolset, Handler: s.handleLoadToolset},
		{Tool: manageCommands, Handler: s.handleManageCommands},
	}
}

type discoveredTool struct {
	Name        string `json:"name"`
	Server      string `json:"server"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

type discoverResponse struct {
	Total   int              `json:"total"`
	Enabled int              `json:"newly_enabled,omitempty"`
	Tools   []discoveredTool `json:"tools"`
}

func (s *Server) handleDiscover(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	words, err := request.RequireString("words")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'words': %v", err)), nil
	}
	keywords := splitKeywords(words)
	if len(keywords) == 0 {
		return mcp.NewToolResultError("'words' must contain at least one keyword"), nil
	}
	mode, err := registry.ParseMatchMode(request.GetString("mode", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := int(request.GetFloat("limit", 20))
	enable := request.GetBool("enable", false)

	hits := s.registry.SearchRanked(keywords, mode, limit)

	resp := discoverResponse{Total: len(hits)}
	if enable && len(hits) > 0 {
		names := make([]string, 0, len(hits))
		for _, hit := range hits {
			names = append(names, hit.FullName)
		}
		resp.Enabled = s.registry.Enable(names, "discover_tools_by_words")
	}
	for _, hit := range hits {
		resp.Tools = append(resp.Tools, discoveredTool{
			Name:        hit.FullName,
			Server:      hit.UpstreamID,
			Description: hit.Description,
			Enabled:     hit.Enabled || enable,
		})
	}
	return jsonResult(resp)
}

func (s *Server) handleGetSchema(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("tool")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'tool': %v", err)), nil
	}
	fullName, err := s.resolveToolName(name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tool, ok := s.registry.Get(fullName)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown tool %q", fullName)), nil
	}

	schema := tool.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	return jsonResult(map[string]interface{}{
		"name":        tool.FullName,
		"server":      tool.UpstreamID,
		"description": tool.Description,
		"inputSchema": schema,
	})
}

func (s *Server) handleBridge(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("tool")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'tool': %v", err)), nil
	}
	fullName, err := s.resolveToolName(name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var args map[string]interface{}
	if raw, ok := request.GetArguments()["arguments"]; ok && raw != nil {
		args, ok = raw.(map[string]interface{})
		if !ok {
			return mcp.NewToolResultError("'arguments' must be an object"), nil
		}
	}

	result, err := s.dispatch(ctx, fullName, args)
	if err != nil {
		return s.errorResult(fullName, err), nil
	}
	return s.renderResult(result), nil
}

func (s *Server) handleLoadToolset(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'name': %v", err)), nil
	}
	toolset, err := s.cfg.LoadToolset(name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var missing []string
	for _, toolName := range toolset.Tools {
		if _, ok := s.registry.Get(toolName); !ok {
			missing = append(missing, toolName)
		}
	}
	enabled := s.registry.Enable(toolset.Tools, "load_toolset "+name)

	return jsonResult(map[string]interface{}{
		"toolset":       toolset.Name,
		"tools":         len(toolset.Tools),
		"newly_enabled": enabled,
		"missing":       missing,
	})
}

func (s *Server) handleManageCommands(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := request.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'action': %v", err)), nil
	}
	if s.commands == nil {
		return mcp.NewToolResultError("command support is disabled"), nil
	}

	switch action {
	case "list":
		type commandInfo struct {
			Name        string `json:"name"`
			Description string `json:"description,omitempty"`
			Version     string `json:"version,omitempty"`
		}
		records := s.commands.List()
		out := make([]commandInfo, 0, len(records))
		for _, rec := range records {
			out = append(out, commandInfo{Name: rec.Name, Description: rec.Description, Version: rec.Version})
		}
		return jsonResult(map[string]interface{}{"commands": out})

	case "install", "update":
		source := request.GetString("source", "")
		manifest := request.GetString("manifest", "")
		if manifest == "" {
			return mcp.NewToolResultError("'manifest' is required for install/update"), nil
		}
		record, err := s.commands.Install(source, manifest)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{
			"installed": record.Name,
			"version":   record.Version,
			"tool":      registry.FullName(command.Namespace, record.Name),
		})

	case "remove":
		name := request.GetString("name", "")
		if name == "" {
			return mcp.NewToolResultError("'name' is required for remove"), nil
		}
		if err := s.commands.Remove(name); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{"removed": name})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q", action)), nil
	}
}

// splitKeywords accepts space or comma separated keyword lists.
func splitKeywords(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t' || r == '\n'
	})
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to serialize result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}
