package server

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/toolmux/internal/index"
	"github.com/MrWong99/toolmux/internal/mcp"
)

// TestResultBlock_Golden pins the full rendered block for one search hit,
// envelope included. Clients are prompted with this exact shape.
func TestResultBlock_Golden(t *testing.T) {
	t.Parallel()

	r := index.SearchResult{
		ServerName: "files",
		Tool: mcp.ToolDescriptor{
			Name:        "read_file",
			Description: "Reads a file from disk.",
			Parameters: []mcp.Parameter{
				{Name: "path", Type: "string", Description: "Absolute path to the file", Required: true},
			},
		},
		Score: 0.8734,
	}

	want := `files.read_file (score: 0.873)
Reads a file from disk.
Parameters:
  - path (string) (required): Absolute path to the file
Invoke with:
{
  "jsonrpc": "2.0",
  "id": 1,
  "method": "tools/call",
  "params": {
    "name": "call_external_tool",
    "arguments": {
      "serverName": "files",
      "toolName": "read_file",
      "parameters": {
        "path": "<absolute_path_to_the_file>"
      }
    }
  }
}`

	if got := resultBlock(r); got != want {
		t.Errorf("resultBlock() =\n%s\nwant:\n%s", got, want)
	}
}

// TestResultBlock_NoDescriptionNoParameters verifies the block stays well
// formed for a bare tool: no description line, no parameter section, and an
// empty parameters object in the envelope.
func TestResultBlock_NoDescriptionNoParameters(t *testing.T) {
	t.Parallel()

	r := index.SearchResult{
		ServerName: "web",
		Tool:       mcp.ToolDescriptor{Name: "ping"},
		Score:      0.5,
	}

	got := resultBlock(r)
	if !strings.HasPrefix(got, "web.ping (score: 0.500)\nInvoke with:\n") {
		t.Errorf("resultBlock() header/body = %q", got)
	}
	if !strings.Contains(got, `"parameters": {}`) {
		t.Errorf("resultBlock() missing empty parameters object:\n%s", got)
	}
	if strings.Contains(got, "Parameters:") {
		t.Errorf("resultBlock() rendered a parameter section for a tool without parameters:\n%s", got)
	}
}

// TestSearchResultsText_JoinsBlocksWithBlankLine verifies multiple hits are
// separated by exactly one blank line.
func TestSearchResultsText_JoinsBlocksWithBlankLine(t *testing.T) {
	t.Parallel()

	results := []index.SearchResult{
		{ServerName: "files", Tool: mcp.ToolDescriptor{Name: "read_file"}, Score: 0.9},
		{ServerName: "web", Tool: mcp.ToolDescriptor{Name: "fetch_page"}, Score: 0.6},
	}

	out := searchResultsText(results)
	blocks := strings.Split(out, "\n\n")
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2:\n%s", len(blocks), out)
	}
	if !strings.HasPrefix(blocks[0], "files.read_file") {
		t.Errorf("first block = %q", blocks[0])
	}
	if !strings.HasPrefix(blocks[1], "web.fetch_page") {
		t.Errorf("second block = %q", blocks[1])
	}
}

// TestInvocationEnvelope_PlaceholderTypes verifies every JSON-schema type
// maps to its documented placeholder literal, floats keeping their decimal
// point and strings their angle-bracket hint.
func TestInvocationEnvelope_PlaceholderTypes(t *testing.T) {
	t.Parallel()

	tool := mcp.ToolDescriptor{
		Name: "configure",
		Parameters: []mcp.Parameter{
			{Name: "count", Type: "integer", Description: "How many items"},
			{Name: "enabled", Type: "boolean"},
			{Name: "filters", Type: "object"},
			{Name: "path", Type: "string"},
			{Name: "ratio", Type: "number"},
			{Name: "tags", Type: "array"},
		},
	}

	out := invocationEnvelope("cfg", tool)
	for _, want := range []string{
		`"count": 0`,
		`"enabled": false`,
		`"filters": {}`,
		`"path": "<path>"`,
		`"ratio": 0.0`,
		`"tags": []`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("envelope missing %s:\n%s", want, out)
		}
	}
	if !json.Valid([]byte(out)) {
		t.Errorf("envelope is not valid JSON:\n%s", out)
	}
}

// TestInvocationEnvelope_StringHintFromDescription verifies a string
// parameter's placeholder is its snake_cased description, falling back to the
// parameter name when the description is empty.
func TestInvocationEnvelope_StringHintFromDescription(t *testing.T) {
	t.Parallel()

	tool := mcp.ToolDescriptor{
		Name: "search",
		Parameters: []mcp.Parameter{
			{Name: "q", Type: "string", Description: "The search query text"},
			{Name: "pageToken", Type: "string"},
		},
	}

	out := invocationEnvelope("web", tool)
	if !strings.Contains(out, `"q": "<the_search_query_text>"`) {
		t.Errorf("envelope missing description hint:\n%s", out)
	}
	if !strings.Contains(out, `"pageToken": "<page_token>"`) {
		t.Errorf("envelope missing name fallback hint:\n%s", out)
	}
}

// TestInvocationEnvelope_UnknownTypeTreatedAsString verifies parameters with
// exotic or missing schema types fall back to the string placeholder.
func TestInvocationEnvelope_UnknownTypeTreatedAsString(t *testing.T) {
	t.Parallel()

	tool := mcp.ToolDescriptor{
		Name: "misc",
		Parameters: []mcp.Parameter{
			{Name: "blob", Type: "binary"},
			{Name: "anything"},
		},
	}

	out := invocationEnvelope("x", tool)
	if !strings.Contains(out, `"blob": "<blob>"`) {
		t.Errorf("envelope = %s", out)
	}
	if !strings.Contains(out, `"anything": "<anything>"`) {
		t.Errorf("envelope = %s", out)
	}
}

// TestInvocationEnvelope_Decodes verifies the rendered template round-trips
// through a JSON decoder with the invocation fields intact.
func TestInvocationEnvelope_Decodes(t *testing.T) {
	t.Parallel()

	out := invocationEnvelope("files", mcp.ToolDescriptor{Name: "read_file"})

	var env struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int    `json:"id"`
		Method  string `json:"method"`
		Params  struct {
			Name      string `json:"name"`
			Arguments struct {
				ServerName string         `json:"serverName"`
				ToolName   string         `json:"toolName"`
				Parameters map[string]any `json:"parameters"`
			} `json:"arguments"`
		} `json:"params"`
	}
	if err := json.Unmarshal([]byte(out), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.JSONRPC != "2.0" || env.ID != 1 || env.Method != "tools/call" {
		t.Errorf("envelope header = %q/%d/%q", env.JSONRPC, env.ID, env.Method)
	}
	if env.Params.Name != "call_external_tool" {
		t.Errorf("params.name = %q, want call_external_tool", env.Params.Name)
	}
	if env.Params.Arguments.ServerName != "files" || env.Params.Arguments.ToolName != "read_file" {
		t.Errorf("arguments = %+v", env.Params.Arguments)
	}
	if env.Params.Arguments.Parameters == nil {
		t.Error("arguments.parameters decoded to nil, want empty object")
	}
}

// TestSnakeCase covers separator collapsing and camelCase splitting.
func TestSnakeCase(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"Absolute path to the file", "absolute_path_to_the_file"},
		{"filePath", "file_path"},
		{"FILE", "file"},
		{"API Key", "api_key"},
		{"a  b--c", "a_b_c"},
		{"  leading and trailing  ", "leading_and_trailing"},
		{"path2file", "path2file"},
		{"Path, to file!", "path_to_file"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := snakeCase(tc.in); got != tc.want {
			t.Errorf("snakeCase(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// TestNoToolsFoundText verifies the empty-result message names the query and
// the effective threshold and starts with the stable prefix.
func TestNoToolsFoundText(t *testing.T) {
	t.Parallel()

	got := noToolsFoundText("transcode video", 0.55)
	if !strings.HasPrefix(got, "No tools found ") {
		t.Errorf("message prefix = %q", got)
	}
	if !strings.Contains(got, `"transcode video"`) {
		t.Errorf("message does not name the query: %q", got)
	}
	if !strings.Contains(got, "0.55") {
		t.Errorf("message does not name the threshold: %q", got)
	}
}

// TestListingJSON_Golden pins the exact listing document shape: camelCase
// keys, counts first, RFC 3339 timestamp.
func TestListingJSON_Golden(t *testing.T) {
	t.Parallel()

	servers := []index.ServerListing{
		{Name: "files", Tools: []mcp.ToolDescriptor{
			{
				Name:        "read_file",
				Description: "Reads a file",
				Parameters: []mcp.Parameter{
					{Name: "path", Type: "string", Description: "File path", Required: true},
				},
			},
		}},
	}
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	want := `{
  "totalServers": 1,
  "totalTools": 1,
  "timestamp": "2026-08-25T10:00:00Z",
  "servers": [
    {
      "serverName": "files",
      "toolCount": 1,
      "tools": [
        {
          "name": "read_file",
          "description": "Reads a file",
          "parameters": [
            {
              "name": "path",
              "type": "string",
              "description": "File path",
              "required": true
            }
          ]
        }
      ]
    }
  ]
}`

	got, err := listingJSON(servers, now)
	if err != nil {
		t.Fatalf("listingJSON() error: %v", err)
	}
	if got != want {
		t.Errorf("listingJSON() =\n%s\nwant:\n%s", got, want)
	}
}

// TestListingJSON_EmptyIndex verifies an unrefreshed or empty index renders
// zero counts and an empty servers array, never null.
func TestListingJSON_EmptyIndex(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	got, err := listingJSON(nil, now)
	if err != nil {
		t.Fatalf("listingJSON() error: %v", err)
	}

	want := `{
  "totalServers": 0,
  "totalTools": 0,
  "timestamp": "2026-08-25T10:00:00Z",
  "servers": []
}`
	if got != want {
		t.Errorf("listingJSON() =\n%s\nwant:\n%s", got, want)
	}
}

// TestListingJSON_CountsAndOrder verifies totals aggregate across servers,
// server order is preserved, and paramless tools render an empty array.
func TestListingJSON_CountsAndOrder(t *testing.T) {
	t.Parallel()

	servers := []index.ServerListing{
		{Name: "zeta", Tools: []mcp.ToolDescriptor{{Name: "a"}, {Name: "b"}}},
		{Name: "alpha", Tools: []mcp.ToolDescriptor{{Name: "c"}}},
	}

	out, err := listingJSON(servers, time.Now().UTC())
	if err != nil {
		t.Fatalf("listingJSON() error: %v", err)
	}

	var doc listingDocument
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("unmarshal listing: %v", err)
	}
	if doc.TotalServers != 2 || doc.TotalTools != 3 {
		t.Errorf("totals = %d servers / %d tools, want 2/3", doc.TotalServers, doc.TotalTools)
	}
	if doc.Servers[0].ServerName != "zeta" || doc.Servers[1].ServerName != "alpha" {
		t.Errorf("server order = %q, %q; want zeta, alpha", doc.Servers[0].ServerName, doc.Servers[1].ServerName)
	}
	if doc.Servers[0].ToolCount != 2 {
		t.Errorf("zeta toolCount = %d, want 2", doc.Servers[0].ToolCount)
	}
	if !strings.Contains(out, `"parameters": []`) {
		t.Errorf("paramless tool should render an empty array:\n%s", out)
	}
}

// TestInfoText_Semantic pins the operator summary for a semantic index.
func TestInfoText_Semantic(t *testing.T) {
	t.Parallel()

	info := index.Info{
		ServiceKind:     index.ServiceKindSemantic,
		SemanticEnabled: true,
		Collection:      "mcp_tools",
		Dimensions:      768,
		EmbeddingModel:  "nomic-embed-text",
		TotalServers:    2,
		TotalTools:      3,
		IndexedTools:    3,
		Servers: []index.ServerCount{
			{Name: "files", Tools: 2},
			{Name: "web", Tools: 1},
		},
		LastRefresh: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
	}

	want := `Tool index service: semantic
Semantic search: enabled (model "nomic-embed-text", 768 dimensions, collection "mcp_tools")
Servers: 2, tools: 3 (3 indexed)
  - files: 2 tools
  - web: 1 tools
Last refresh: 2026-08-25T10:00:00Z`

	if got := infoText(info); got != want {
		t.Errorf("infoText() =\n%s\nwant:\n%s", got, want)
	}
}

// TestInfoText_CatalogNeverRefreshed pins the summary for a catalog-mode
// index before any refresh.
func TestInfoText_CatalogNeverRefreshed(t *testing.T) {
	t.Parallel()

	info := index.Info{
		ServiceKind: index.ServiceKindCatalog,
		Collection:  "mcp_tools",
	}

	want := `Tool index service: catalog
Semantic search: disabled (no embedding provider configured)
Servers: 0, tools: 0 (0 indexed)
Last refresh: never`

	if got := infoText(info); got != want {
		t.Errorf("infoText() =\n%s\nwant:\n%s", got, want)
	}
}

// TestRefreshStatusText covers the clean and degraded refresh summaries.
func TestRefreshStatusText(t *testing.T) {
	t.Parallel()

	clean := index.RefreshStats{Servers: 2, Indexed: 3, Duration: 1234567890 * time.Nanosecond}
	if got := refreshStatusText(clean); got != "Tool index refreshed: 3 tools indexed from 2 servers in 1.235s." {
		t.Errorf("refreshStatusText(clean) = %q", got)
	}

	degraded := index.RefreshStats{Servers: 2, Indexed: 1, Skipped: 2, PhraseFallbacks: 1, Duration: 50 * time.Millisecond}
	got := refreshStatusText(degraded)
	if !strings.Contains(got, "1 tools indexed from 2 servers") {
		t.Errorf("refreshStatusText(degraded) = %q", got)
	}
	if !strings.Contains(got, "2 tools were skipped") {
		t.Errorf("refreshStatusText(degraded) missing skip note: %q", got)
	}
	if !strings.Contains(got, "1 search phrases fell back") {
		t.Errorf("refreshStatusText(degraded) missing fallback note: %q", got)
	}
}
