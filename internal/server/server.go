// Package server exposes toolmux over HTTP.
//
// One listener carries two surfaces:
//
//   - /mcp: the MCP Streamable HTTP endpoint. Connected clients see exactly
//     five meta-tools (search, list, index info, call, refresh); every
//     upstream tool is reached through call_external_tool.
//   - Plain REST endpoints for clients that do not speak MCP: GET /health,
//     GET /tool-index-info, POST /search-tools, plus the operational
//     /healthz, /readyz, and /metrics routes.
//
// All routes run behind the observe middleware, so each request is traced,
// measured, and logged with a correlation ID.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/toolmux/internal/config"
	"github.com/MrWong99/toolmux/internal/health"
	"github.com/MrWong99/toolmux/internal/index"
	"github.com/MrWong99/toolmux/internal/mcp"
	"github.com/MrWong99/toolmux/internal/observe"
)

// Server hosts the MCP endpoint and the REST endpoints over one listener.
type Server struct {
	cfg     config.ServerConfig
	sup     mcp.Supervisor
	index   *index.Index
	logger  *slog.Logger
	metrics *observe.Metrics
	health  *health.Handler
	version string

	mcpServer *mcpsdk.Server
	httpSrv   *http.Server
}

// Option is a functional option for configuring a [Server].
type Option func(*Server)

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithHealth sets the /healthz and /readyz handler, usually carrying the
// upstream and index checkers. Default: a handler with no checkers.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) {
		if h != nil {
			s.health = h
		}
	}
}

// WithVersion sets the version reported during the MCP handshake.
// Default: "dev".
func WithVersion(v string) Option {
	return func(s *Server) {
		if v != "" {
			s.version = v
		}
	}
}

// New assembles the HTTP surface over the given supervisor and tool index.
func New(cfg config.ServerConfig, sup mcp.Supervisor, ix *index.Index, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		sup:     sup,
		index:   ix,
		logger:  slog.Default(),
		metrics: observe.DefaultMetrics(),
		health:  health.New(),
		version: "dev",
	}
	for _, o := range opts {
		o(s)
	}

	s.mcpServer = mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "toolmux",
		Version: s.version,
	}, nil)
	s.registerMetaTools(s.mcpServer)

	s.httpSrv = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Addr returns the listen address in host:port form.
func (s *Server) Addr() string {
	return s.httpSrv.Addr
}

// Handler returns the fully-routed HTTP handler, wrapped in the
// observability shell. Exposed so tests can drive the server without a
// listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// The streamable handler manages MCP sessions itself and accepts GET,
	// POST, and DELETE on the endpoint.
	mux.Handle("/mcp", mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server {
		return s.mcpServer
	}, nil))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /tool-index-info", s.handleToolIndexInfo)
	mux.HandleFunc("POST /search-tools", s.handleSearchTools)

	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Instrument(mux, s.metrics)
}

// Run starts the HTTP listener and blocks until the server stops. It returns
// nil after a clean [Server.Shutdown].
func (s *Server) Run() error {
	s.logger.Info("HTTP server listening",
		"addr", s.httpSrv.Addr,
		"mcp_endpoint", "/mcp")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen on %s: %w", s.httpSrv.Addr, err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests,
// bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// handleHealth reports liveness as plain text. Body and status are stable:
// monitoring clients match on the exact string.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "MCP Server is running")
}

// toolIndexInfoResponse is the /tool-index-info response body. Clients match
// on the PascalCase keys.
type toolIndexInfoResponse struct {
	ServiceType             string `json:"ServiceType"`
	IsSemanticKernelEnabled bool   `json:"IsSemanticKernelEnabled"`
}

// handleToolIndexInfo reports which index service is active.
func (s *Server) handleToolIndexInfo(w http.ResponseWriter, _ *http.Request) {
	info := s.index.Info()
	writeJSON(w, http.StatusOK, toolIndexInfoResponse{
		ServiceType:             info.ServiceKind,
		IsSemanticKernelEnabled: info.SemanticEnabled,
	})
}

// searchToolsRequest is the POST /search-tools request body. MaxResults and
// MinRelevanceScore are pointers so an omitted field is distinguishable from
// an explicit zero.
type searchToolsRequest struct {
	Prompt            string   `json:"Prompt"`
	MaxResults        *int     `json:"MaxResults"`
	MinRelevanceScore *float64 `json:"MinRelevanceScore"`
}

// searchToolsMatch is one ranked hit in the /search-tools response.
type searchToolsMatch struct {
	ServerName  string          `json:"serverName"`
	ToolName    string          `json:"toolName"`
	Description string          `json:"description"`
	Score       float64         `json:"score"`
	Parameters  []mcp.Parameter `json:"parameters"`
}

// searchToolsResponse is the POST /search-tools response body. It echoes the
// effective query parameters so callers can see which defaults applied.
type searchToolsResponse struct {
	Query             string             `json:"Query"`
	MaxResults        int                `json:"MaxResults"`
	MinRelevanceScore float64            `json:"MinRelevanceScore"`
	Tools             []searchToolsMatch `json:"Tools"`
}

// handleSearchTools is the REST twin of the search_tools_semantic meta-tool.
func (s *Server) handleSearchTools(w http.ResponseWriter, r *http.Request) {
	var req searchToolsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "Prompt must not be empty")
		return
	}

	maxResults := index.DefaultMaxResults
	if req.MaxResults != nil {
		maxResults = *req.MaxResults
	}
	minScore := index.DefaultMinScore
	if req.MinRelevanceScore != nil {
		minScore = *req.MinRelevanceScore
	}

	results, err := s.index.Search(r.Context(), req.Prompt, maxResults, minScore)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := searchToolsResponse{
		Query:             req.Prompt,
		MaxResults:        maxResults,
		MinRelevanceScore: minScore,
		Tools:             make([]searchToolsMatch, 0, len(results)),
	}
	for _, res := range results {
		params := res.Tool.Parameters
		if params == nil {
			params = []mcp.Parameter{}
		}
		resp.Tools = append(resp.Tools, searchToolsMatch{
			ServerName:  res.ServerName,
			ToolName:    res.Tool.Name,
			Description: res.Tool.Description,
			Score:       res.Score,
			Parameters:  params,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeJSON encodes v as JSON with the given status code. On encoding failure
// it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failure"}`, http.StatusInternalServerError)
	}
}

// writeJSONError writes a JSON error body with the given status code.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
