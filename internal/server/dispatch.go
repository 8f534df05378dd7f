package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/chris-schra/mcp-funnel-sub012/internal/command"
	"github.com/chris-schra/mcp-funnel-sub012/internal/observability"
	"github.com/chris-schra/mcp-funnel-sub012/internal/registry"
)

// resolveToolName maps a caller-supplied name to a full name. Bare local
// names only resolve when short-name resolution is configured.
func (s *Server) resolveToolName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("tool name is required")
	}
	if _, _, ok := registry.SplitFullName(name); ok {
		return name, nil
	}
	if !s.cfg.AllowShortNames {
		return "", fmt.Errorf("tool name %q must be fully qualified as <server>%s<tool>",
			name, registry.Separator)
	}
	return s.registry.Resolve(name)
}

// dispatch routes one call by full name: the funnel namespace executes
// in-process commands, everything else goes to its upstream session.
// Disabled and unknown tools are rejected before any wire work.
func (s *Server) dispatch(ctx context.Context, fullName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	upstreamID, localName, ok := registry.SplitFullName(fullName)
	if !ok {
		return nil, fmt.Errorf("invalid tool name %q", fullName)
	}

	tool, found := s.registry.Get(fullName)
	if !found {
		return nil, fmt.Errorf("unknown tool %q - use discover_tools_by_words to find tools", fullName)
	}
	if !tool.Enabled {
		return nil, fmt.Errorf("tool %q is disabled - enable it via discover_tools_by_words or load_toolset", fullName)
	}

	ctx, span := observability.StartToolSpan(ctx, upstreamID, localName)
	start := time.Now()
	result, err := s.dispatchResolved(ctx, upstreamID, localName, args)
	s.metrics.ObserveToolCall(upstreamID, time.Since(start), err)
	observability.EndSpan(span, err)

	if err == nil && s.stats != nil {
		if statErr := s.stats.IncrementToolStats(fullName); statErr != nil {
			s.logger.Warn("tool stats update failed",
				zap.String("tool", fullName), zap.Error(statErr))
		}
	}
	return result, err
}

func (s *Server) dispatchResolved(ctx context.Context, upstreamID, localName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if upstreamID == command.Namespace {
		if s.commands == nil {
			return nil, fmt.Errorf("command support is disabled")
		}
		res, err := s.commands.Execute(ctx, localName, args)
		if err != nil {
			return nil, err
		}
		return commandResult(res)
	}

	sess, ok := s.upstreams.Session(upstreamID)
	if !ok {
		return nil, fmt.Errorf("no session for upstream %q", upstreamID)
	}
	return sess.CallTool(ctx, localName, args)
}

// CallTool implements command.ToolCaller: scripts invoke tools by full
// name and get the decoded result value back. Tool-level errors surface as
// Go errors so the script's {ok,error} wrapper can carry them.
func (s *Server) CallTool(ctx context.Context, fullName string, args map[string]interface{}) (interface{}, error) {
	result, err := s.dispatch(ctx, fullName, args)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	if result.IsError {
		return nil, fmt.Errorf("tool %s returned an error: %s", fullName, resultText(result))
	}
	return decodeResult(result), nil
}

// commandResult converts a command execution outcome into the MCP result
// shape used by upstream tools.
func commandResult(res *command.Result) (*mcp.CallToolResult, error) {
	if res == nil {
		return mcp.NewToolResultText(""), nil
	}
	if !res.Ok {
		return nil, res.Error
	}
	raw, err := json.Marshal(res.Value)
	if err != nil {
		return nil, fmt.Errorf("command result is not serializable: %w", err)
	}
	return mcp.NewToolResultText(string(raw)), nil
}

// resultText flattens a result's text contents for error reporting.
func resultText(result *mcp.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if text, ok := content.(mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// decodeResult returns the most useful Go value for a script: a single
// text content parses as JSON when possible, anything richer is handed
// over as the marshaled result structure.
func decodeResult(result *mcp.CallToolResult) interface{} {
	if len(result.Content) == 1 {
		if text, ok := result.Content[0].(mcp.TextContent); ok {
			var decoded interface{}
			if err := json.Unmarshal([]byte(text.Text), &decoded); err == nil {
				return decoded
			}
			return text.Text
		}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return resultText(result)
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return resultText(result)
	}
	return decoded
}
