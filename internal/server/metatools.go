package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/toolmux/internal/index"
)

// Meta-tool names. These five tools are the entire MCP surface of the proxy;
// every upstream tool is reached through call_external_tool.
const (
	toolSearch    = "search_tools_semantic"
	toolList      = "list_all_servers_and_tools_json"
	toolIndexInfo = "get_tool_index_info"
	toolCall      = "call_external_tool"
	toolRefresh   = "refresh_tool_index"
)

// registerMetaTools adds the aggregator meta-tools to srv.
func (s *Server) registerMetaTools(srv *mcpsdk.Server) {
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name: toolSearch,
		Description: "Find the most relevant tools across all connected MCP servers for a natural-language task description. " +
			"Returns ranked matches with their parameters and a ready-to-fill invocation template for call_external_tool.",
	}, s.metaSearchTools)

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name: toolList,
		Description: "List every connected MCP server and all of its tools as a JSON document, " +
			"including each tool's parameters. Use this to browse when search does not find what you need.",
	}, s.metaListTools)

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name: toolIndexInfo,
		Description: "Report how the tool index is configured: semantic or catalog mode, embedding model and " +
			"dimensions, per-server tool counts, and when the index was last refreshed.",
	}, s.metaIndexInfo)

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name: toolCall,
		Description: "Invoke a tool on one of the connected MCP servers and return its text output. " +
			"Discover server and tool names with search_tools_semantic or list_all_servers_and_tools_json first.",
	}, s.metaCallTool)

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name: toolRefresh,
		Description: "Re-discover tools on all running MCP servers and rebuild the search index. " +
			"Run this after upstream servers add, remove, or change tools.",
	}, s.metaRefreshIndex)
}

// searchToolsInput is the input schema of search_tools_semantic.
type searchToolsInput struct {
	Query             string   `json:"query" jsonschema:"Natural-language description of the task you need a tool for (e.g., 'read a file from disk', 'create a GitHub issue')."`
	MaxResults        *int     `json:"maxResults,omitempty" jsonschema:"Maximum number of tools to return. Default: 5."`
	MinRelevanceScore *float64 `json:"minRelevanceScore,omitempty" jsonschema:"Minimum relevance score between 0 and 1; matches scoring below it are dropped. Default: 0.55."`
}

// callToolInput is the input schema of call_external_tool.
type callToolInput struct {
	ServerName string         `json:"serverName" jsonschema:"Name of the MCP server offering the tool, exactly as reported by search or listing."`
	ToolName   string         `json:"toolName" jsonschema:"Name of the tool to invoke on that server."`
	Parameters map[string]any `json:"parameters,omitempty" jsonschema:"Arguments for the tool as a JSON object. Omit for tools without parameters."`
}

// emptyInput is the input schema of meta-tools that take no arguments.
type emptyInput struct{}

// textResult wraps text in a successful tool result.
func textResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
	}
}

// errorResult wraps a failure message in an in-band tool error: the calling
// model sees the text and can react, while the MCP request itself succeeds.
func errorResult(format string, args ...any) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: fmt.Sprintf(format, args...)}},
	}
}

func (s *Server) metaSearchTools(ctx context.Context, _ *mcpsdk.CallToolRequest, input searchToolsInput) (*mcpsdk.CallToolResult, any, error) {
	maxResults := index.DefaultMaxResults
	if input.MaxResults != nil {
		maxResults = *input.MaxResults
	}
	minScore := index.DefaultMinScore
	if input.MinRelevanceScore != nil {
		minScore = *input.MinRelevanceScore
	}

	results, err := s.index.Search(ctx, input.Query, maxResults, minScore)
	if err != nil {
		return errorResult("Error performing tool search: %v. Check that the embedding backend is reachable and retry, "+
			"or use %s to browse tools directly.", err, toolList), nil, nil
	}
	if len(results) == 0 {
		return textResult(noToolsFoundText(input.Query, minScore)), nil, nil
	}
	return textResult(searchResultsText(results)), nil, nil
}

func (s *Server) metaListTools(_ context.Context, _ *mcpsdk.CallToolRequest, _ emptyInput) (*mcpsdk.CallToolResult, any, error) {
	doc, err := listingJSON(s.index.Listing(), time.Now().UTC())
	if err != nil {
		return errorResult("Error listing servers and tools: %v", err), nil, nil
	}
	return textResult(doc), nil, nil
}

func (s *Server) metaIndexInfo(_ context.Context, _ *mcpsdk.CallToolRequest, _ emptyInput) (*mcpsdk.CallToolResult, any, error) {
	return textResult(infoText(s.index.Info())), nil, nil
}

func (s *Server) metaCallTool(ctx context.Context, _ *mcpsdk.CallToolRequest, input callToolInput) (*mcpsdk.CallToolResult, any, error) {
	if strings.TrimSpace(input.ServerName) == "" || strings.TrimSpace(input.ToolName) == "" {
		return errorResult("Error calling tool: serverName and toolName are both required. "+
			"Use %s to see what is available.", toolList), nil, nil
	}
	out, err := s.index.Call(ctx, input.ServerName, input.ToolName, input.Parameters)
	if err != nil {
		return errorResult("Error calling tool %q on server %q: %v", input.ToolName, input.ServerName, err), nil, nil
	}
	return textResult(out), nil, nil
}

func (s *Server) metaRefreshIndex(ctx context.Context, _ *mcpsdk.CallToolRequest, _ emptyInput) (*mcpsdk.CallToolResult, any, error) {
	s.sup.RefreshAllTools(ctx)
	stats, err := s.index.Refresh(ctx)
	if err != nil {
		return errorResult("Error refreshing tool index: %v", err), nil, nil
	}
	return textResult(refreshStatusText(stats)), nil, nil
}
