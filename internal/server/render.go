package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/toolmux/internal/index"
	"github.com/MrWong99/toolmux/internal/mcp"
)

// marshalPretty renders v as indented JSON without HTML escaping, which would
// garble the angle-bracket placeholders and tool descriptions.
func marshalPretty(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// searchResultsText renders ranked search hits as plain text for a calling
// model: one block per hit, blocks separated by blank lines. Each block names
// the tool as "{server}.{tool}" with its relevance score, describes the
// parameters, and ends with a JSON-RPC envelope the caller can fill in and
// send back through call_external_tool.
func searchResultsText(results []index.SearchResult) string {
	blocks := make([]string, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, resultBlock(r))
	}
	return strings.Join(blocks, "\n\n")
}

// resultBlock renders one search hit.
func resultBlock(r index.SearchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s.%s (score: %.3f)\n", r.ServerName, r.Tool.Name, r.Score)
	if r.Tool.Description != "" {
		b.WriteString(r.Tool.Description)
		b.WriteByte('\n')
	}
	if len(r.Tool.Parameters) > 0 {
		b.WriteString("Parameters:\n")
		for _, p := range r.Tool.Parameters {
			typ := p.Type
			if typ == "" {
				typ = "string"
			}
			requirement := "optional"
			if p.Required {
				requirement = "required"
			}
			fmt.Fprintf(&b, "  - %s (%s) (%s)", p.Name, typ, requirement)
			if p.Description != "" {
				fmt.Fprintf(&b, ": %s", p.Description)
			}
			b.WriteByte('\n')
		}
	}
	b.WriteString("Invoke with:\n")
	b.WriteString(invocationEnvelope(r.ServerName, r.Tool))
	return b.String()
}

// rpcEnvelope is the ready-to-execute invocation template embedded in each
// search result block. Field order mirrors how clients write JSON-RPC by
// hand: jsonrpc, id, method, params.
type rpcEnvelope struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int       `json:"id"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
}

type rpcParams struct {
	Name      string       `json:"name"`
	Arguments rpcArguments `json:"arguments"`
}

type rpcArguments struct {
	ServerName string                     `json:"serverName"`
	ToolName   string                     `json:"toolName"`
	Parameters map[string]json.RawMessage `json:"parameters"`
}

// invocationEnvelope renders the tools/call envelope that invokes tool on
// serverName through the call_external_tool meta-tool, with one placeholder
// value per declared parameter.
func invocationEnvelope(serverName string, tool mcp.ToolDescriptor) string {
	params := make(map[string]json.RawMessage, len(tool.Parameters))
	for _, p := range tool.Parameters {
		params[p.Name] = placeholderValue(p)
	}
	env := rpcEnvelope{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "tools/call",
		Params: rpcParams{
			Name: "call_external_tool",
			Arguments: rpcArguments{
				ServerName: serverName,
				ToolName:   tool.Name,
				Parameters: params,
			},
		},
	}
	out, _ := marshalPretty(env)
	return out
}

// placeholderValue renders the example value for one parameter in the
// invocation template. Strings carry a snake_cased hint derived from the
// parameter description, or from the parameter name when the description is
// empty, so the calling model can see what belongs there. Unrecognised types
// get the string treatment.
func placeholderValue(p mcp.Parameter) json.RawMessage {
	switch strings.ToLower(p.Type) {
	case "int", "integer":
		return json.RawMessage("0")
	case "number", "float", "double":
		return json.RawMessage("0.0")
	case "bool", "boolean":
		return json.RawMessage("false")
	case "array":
		return json.RawMessage("[]")
	case "object":
		return json.RawMessage("{}")
	}
	hint := p.Description
	if hint == "" {
		hint = p.Name
	}
	// snakeCase output is plain [a-z0-9_], so the quoted form is valid JSON
	// as-is and keeps its angle brackets unescaped.
	return json.RawMessage(`"<` + snakeCase(hint) + `>"`)
}

// snakeCase lowercases s, splitting camelCase boundaries and collapsing
// every run of other characters into a single underscore.
func snakeCase(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	var prevLower, pendingSep bool
	for _, r := range s {
		isLower := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		isUpper := r >= 'A' && r <= 'Z'
		switch {
		case isLower:
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			pendingSep = false
			prevLower = true
		case isUpper:
			if b.Len() > 0 && (pendingSep || prevLower) {
				b.WriteByte('_')
			}
			b.WriteRune(r + 'a' - 'A')
			pendingSep = false
			prevLower = false
		default:
			pendingSep = b.Len() > 0
			prevLower = false
		}
	}
	return b.String()
}

// noToolsFoundText explains an empty search outcome and names the knobs that
// widen it. An empty result is a normal outcome, not an error.
func noToolsFoundText(query string, minScore float64) string {
	return fmt.Sprintf("No tools found matching %q with relevance score >= %s. "+
		"Lower minRelevanceScore, rephrase the query, or run refresh_tool_index if upstream servers changed recently.",
		query, strconv.FormatFloat(minScore, 'g', -1, 64))
}

// listedTool is one tool entry in the listing document.
type listedTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []mcp.Parameter `json:"parameters"`
}

// listedServer is one server entry in the listing document.
type listedServer struct {
	ServerName string       `json:"serverName"`
	ToolCount  int          `json:"toolCount"`
	Tools      []listedTool `json:"tools"`
}

// listingDocument is the JSON body returned by list_all_servers_and_tools_json.
type listingDocument struct {
	TotalServers int            `json:"totalServers"`
	TotalTools   int            `json:"totalTools"`
	Timestamp    time.Time      `json:"timestamp"`
	Servers      []listedServer `json:"servers"`
}

// listingJSON renders the full server and tool inventory as a pretty-printed
// JSON document stamped with now.
func listingJSON(servers []index.ServerListing, now time.Time) (string, error) {
	doc := listingDocument{
		TotalServers: len(servers),
		Timestamp:    now,
		Servers:      make([]listedServer, 0, len(servers)),
	}
	for _, srv := range servers {
		ls := listedServer{
			ServerName: srv.Name,
			ToolCount:  len(srv.Tools),
			Tools:      make([]listedTool, 0, len(srv.Tools)),
		}
		for _, tool := range srv.Tools {
			params := tool.Parameters
			if params == nil {
				params = []mcp.Parameter{}
			}
			ls.Tools = append(ls.Tools, listedTool{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			})
		}
		doc.TotalTools += len(srv.Tools)
		doc.Servers = append(doc.Servers, ls)
	}
	out, err := marshalPretty(doc)
	if err != nil {
		return "", fmt.Errorf("server: marshal tool listing: %w", err)
	}
	return out, nil
}

// infoText renders the index configuration summary returned by
// get_tool_index_info.
func infoText(info index.Info) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tool index service: %s\n", info.ServiceKind)
	if info.SemanticEnabled {
		fmt.Fprintf(&b, "Semantic search: enabled (model %q, %d dimensions, collection %q)\n",
			info.EmbeddingModel, info.Dimensions, info.Collection)
	} else {
		b.WriteString("Semantic search: disabled (no embedding provider configured)\n")
	}
	fmt.Fprintf(&b, "Servers: %d, tools: %d (%d indexed)\n",
		info.TotalServers, info.TotalTools, info.IndexedTools)
	for _, srv := range info.Servers {
		fmt.Fprintf(&b, "  - %s: %d tools\n", srv.Name, srv.Tools)
	}
	if info.LastRefresh.IsZero() {
		b.WriteString("Last refresh: never")
	} else {
		fmt.Fprintf(&b, "Last refresh: %s", info.LastRefresh.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// refreshStatusText summarises one completed index rebuild.
func refreshStatusText(stats index.RefreshStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tool index refreshed: %d tools indexed from %d servers in %s.",
		stats.Indexed, stats.Servers, stats.Duration.Round(time.Millisecond))
	if stats.Skipped > 0 {
		fmt.Fprintf(&b, " %d tools were skipped because their embedding failed.", stats.Skipped)
	}
	if stats.PhraseFallbacks > 0 {
		fmt.Fprintf(&b, " %d search phrases fell back to the heuristic template.", stats.PhraseFallbacks)
	}
	return b.String()
}
