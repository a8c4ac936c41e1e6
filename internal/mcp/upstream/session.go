package upstream

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/toolmux/internal/config"
	"github.com/MrWong99/toolmux/internal/mcp"
	"github.com/MrWong99/toolmux/internal/observe"
	"github.com/MrWong99/toolmux/internal/suggest"
)

// namedTransport pairs a dialable SDK transport with the protocol it speaks,
// so connect attempts and fallbacks can be logged by name.
type namedTransport struct {
	kind      string
	transport mcpsdk.Transport
}

// Session is one upstream MCP server connection.
//
// The zero value is not usable; create instances with [NewSession]. All
// methods are safe for concurrent use.
type Session struct {
	cfg     config.MCPServerConfig
	client  *mcpsdk.Client
	logger  *slog.Logger
	metrics *observe.Metrics

	// transports builds the candidate transports to dial, in order. The
	// default derives them from the config; tests swap in in-memory pairs.
	transports func(ctx context.Context) ([]namedTransport, error)

	mu         sync.Mutex
	state      mcp.State
	starting   chan struct{} // non-nil while a start attempt is in flight
	procCancel context.CancelFunc
	sess       *mcpsdk.ClientSession
	tools      []mcp.ToolDescriptor
	discovered bool // true once discovery has succeeded at least once
}

// Compile-time check: Session must implement mcp.Session.
var _ mcp.Session = (*Session)(nil)

// NewSession builds a stopped session for cfg. client is the SDK client
// shared by all sessions of a [Supervisor]; a nil metrics falls back to
// [observe.DefaultMetrics].
func NewSession(cfg config.MCPServerConfig, client *mcpsdk.Client, logger *slog.Logger, metrics *observe.Metrics) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	s := &Session{
		cfg:     cfg,
		client:  client,
		logger:  logger.With("server", cfg.Name),
		metrics: metrics,
	}
	s.transports = s.buildTransports
	return s
}

// Name implements mcp.Session.
func (s *Session) Name() string { return s.cfg.Name }

// Description implements mcp.Session.
func (s *Session) Description() string { return s.cfg.Description }

// State implements mcp.Session.
func (s *Session) State() mcp.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Tools implements mcp.Session. Before the first successful discovery it
// returns the configured fallback tool names with empty descriptions.
func (s *Session) Tools() []mcp.ToolDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.discovered {
		return s.fallbackTools()
	}
	out := make([]mcp.ToolDescriptor, len(s.tools))
	copy(out, s.tools)
	return out
}

// fallbackTools derives bare descriptors from the configured tool names.
func (s *Session) fallbackTools() []mcp.ToolDescriptor {
	if len(s.cfg.Tools) == 0 {
		return nil
	}
	out := make([]mcp.ToolDescriptor, 0, len(s.cfg.Tools))
	for _, name := range s.cfg.Tools {
		out = append(out, mcp.ToolDescriptor{Name: name})
	}
	return out
}

// Start brings the session from Stopped or Failed to Running: it dials the
// transport, then performs the MCP handshake and initial tool discovery.
// It reports whether the session is Running when it returns.
//
// Start is idempotent. A Running session reports true immediately, and a
// concurrent Start waits for the in-flight attempt instead of dialing a
// second time. Disabled sessions never start. On any failure the partial
// state is torn down and the session lands in Failed, where it stays until
// the next explicit Start; there is no automatic reconnection.
func (s *Session) Start(ctx context.Context) bool {
	if !s.cfg.IsEnabled() {
		s.logger.Debug("server disabled, not starting")
		return false
	}

	s.mu.Lock()
	switch s.state {
	case mcp.StateRunning:
		s.mu.Unlock()
		return true
	case mcp.StateStarting:
		ch := s.starting
		s.mu.Unlock()
		select {
		case <-ch:
			return s.State() == mcp.StateRunning
		case <-ctx.Done():
			return false
		}
	case mcp.StateStopping:
		s.mu.Unlock()
		s.logger.Warn("start ignored, session is stopping")
		return false
	}

	ch := make(chan struct{})
	s.starting = ch
	s.state = mcp.StateStarting

	// The child process (stdio) must outlive the start context, so it gets
	// its own cancel that Stop or a failed start fires.
	procCtx, procCancel := context.WithCancel(context.Background())
	s.procCancel = procCancel
	s.mu.Unlock()

	s.logger.Info("starting upstream server", "transport", s.cfg.Transport)

	sess, kind, err := s.connect(ctx, procCtx)
	var tools []mcp.ToolDescriptor
	if err == nil {
		tools, err = discoverTools(ctx, sess)
		if err != nil {
			_ = sess.Close()
		}
	}

	s.mu.Lock()
	s.starting = nil
	if s.state != mcp.StateStarting {
		// A Stop raced the attempt; discard whatever was built.
		s.mu.Unlock()
		close(ch)
		if err == nil {
			_ = sess.Close()
		}
		procCancel()
		return false
	}
	if err != nil {
		s.state = mcp.StateFailed
		s.procCancel = nil
		s.mu.Unlock()
		close(ch)
		procCancel()
		s.logger.Error("failed to start upstream server", "error", err)
		return false
	}
	s.sess = sess
	s.tools = tools
	s.discovered = true
	s.state = mcp.StateRunning
	s.mu.Unlock()
	close(ch)

	s.metrics.SessionUp(ctx)
	s.logger.Info("upstream server running", "transport", kind, "tools", len(tools))
	return true
}

// Stop closes the MCP session (which closes the transport) and clears the
// discovered tools. It is safe to call from any state, including while a
// Start is still in flight. ctx bounds how long a graceful close may take;
// past that the transport is cut.
func (s *Session) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.state == mcp.StateStopped {
		s.mu.Unlock()
		return
	}
	wasRunning := s.state == mcp.StateRunning
	sess := s.sess
	procCancel := s.procCancel
	s.state = mcp.StateStopping
	s.sess = nil
	s.tools = nil
	s.discovered = false
	s.procCancel = nil
	s.mu.Unlock()

	if sess != nil {
		done := make(chan struct{})
		go func() {
			if err := sess.Close(); err != nil {
				s.logger.Warn("error closing upstream session", "error", err)
			}
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.logger.Warn("graceful close timed out, cutting transport")
		}
	}
	if procCancel != nil {
		procCancel()
	}

	s.mu.Lock()
	if s.state == mcp.StateStopping {
		s.state = mcp.StateStopped
	}
	s.mu.Unlock()

	if wasRunning {
		s.metrics.SessionDown(ctx)
	}
	s.logger.Info("upstream server stopped")
}

// RefreshTools re-runs tool discovery on a Running session. When the new
// list comes back empty but tools were known before, the previous list is
// kept and a warning logged, so a transient empty response never degrades a
// good catalog.
func (s *Session) RefreshTools(ctx context.Context) error {
	s.mu.Lock()
	if s.state != mcp.StateRunning || s.sess == nil {
		s.mu.Unlock()
		return fmt.Errorf("upstream: refresh tools for %q: %w", s.cfg.Name, mcp.ErrNotRunning)
	}
	sess := s.sess
	s.mu.Unlock()

	tools, err := discoverTools(ctx, sess)
	if err != nil {
		return fmt.Errorf("upstream: refresh tools for %q: %w", s.cfg.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != mcp.StateRunning {
		return fmt.Errorf("upstream: refresh tools for %q: %w", s.cfg.Name, mcp.ErrNotRunning)
	}
	if len(tools) == 0 && len(s.tools) > 0 {
		s.logger.Warn("tool re-discovery returned nothing, keeping previous list",
			"previous", len(s.tools))
		return nil
	}
	s.tools = tools
	s.discovered = true
	return nil
}

// Call implements mcp.Session.
func (s *Session) Call(ctx context.Context, tool string, params map[string]any) (string, error) {
	if !s.cfg.IsEnabled() {
		return "", fmt.Errorf("upstream: server %q: %w", s.cfg.Name, mcp.ErrDisabled)
	}

	s.mu.Lock()
	if s.state != mcp.StateRunning || s.sess == nil {
		state := s.state
		s.mu.Unlock()
		return "", fmt.Errorf("upstream: server %q is %s: %w", s.cfg.Name, state, mcp.ErrNotRunning)
	}
	wireName, ok := s.resolveToolLocked(tool)
	if !ok {
		names := s.toolNamesLocked()
		s.mu.Unlock()
		sugg, _ := suggest.Closest(tool, names)
		return "", &mcp.UnknownToolError{
			Server:     s.cfg.Name,
			Tool:       tool,
			Available:  names,
			Suggestion: sugg,
		}
	}
	sess := s.sess
	s.mu.Unlock()

	start := time.Now()
	result, err := sess.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      wireName,
		Arguments: params,
	})
	if err != nil {
		s.metrics.RecordUpstreamCall(ctx, s.cfg.Name, wireName, "error", time.Since(start))
		return "", fmt.Errorf("upstream: call %q on server %q: %w (the connection may have dropped; retry or restart the server)",
			wireName, s.cfg.Name, err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		s.metrics.RecordUpstreamCall(ctx, s.cfg.Name, wireName, "upstream_error", time.Since(start))
		if text == "" {
			text = "the tool reported an error without details"
		}
		return "", fmt.Errorf("upstream: tool %q on server %q failed: %s", wireName, s.cfg.Name, text)
	}

	s.metrics.RecordUpstreamCall(ctx, s.cfg.Name, wireName, "ok", time.Since(start))
	return text, nil
}

// resolveToolLocked finds the upstream spelling of tool in the discovered
// set. Lookup is case-insensitive with exact matches winning; the returned
// name is the one the server reported, which is what goes on the wire.
func (s *Session) resolveToolLocked(tool string) (string, bool) {
	for _, t := range s.tools {
		if t.Name == tool {
			return t.Name, true
		}
	}
	for _, t := range s.tools {
		if strings.EqualFold(t.Name, tool) {
			return t.Name, true
		}
	}
	return "", false
}

func (s *Session) toolNamesLocked() []string {
	names := make([]string, len(s.tools))
	for i, t := range s.tools {
		names[i] = t.Name
	}
	return names
}

// connect dials the candidate transports in order and returns the first
// session that comes up. procCtx owns any child process spawned for stdio;
// ctx bounds the dial itself.
func (s *Session) connect(ctx, procCtx context.Context) (*mcpsdk.ClientSession, string, error) {
	candidates, err := s.transports(procCtx)
	if err != nil {
		return nil, "", err
	}

	var errs []error
	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		sess, err := s.client.Connect(ctx, c.transport, nil)
		if err == nil {
			if i > 0 {
				s.logger.Info("connected on fallback transport", "transport", c.kind)
			}
			return sess, c.kind, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", c.kind, err))
		if i < len(candidates)-1 {
			s.logger.Warn("transport connect failed, trying fallback",
				"transport", c.kind, "error", err)
		}
	}
	return nil, "", errors.Join(errs...)
}

// buildTransports derives the transport candidates from the configuration.
// http and streamable-http dial Streamable HTTP first and fall back to SSE
// once; sse goes straight to SSE; stdio spawns the configured command.
func (s *Session) buildTransports(ctx context.Context) ([]namedTransport, error) {
	switch s.cfg.Transport {
	case mcp.TransportStdio:
		cmd, err := s.command(ctx)
		if err != nil {
			return nil, err
		}
		return []namedTransport{
			{kind: "stdio", transport: &mcpsdk.CommandTransport{Command: cmd}},
		}, nil

	case mcp.TransportHTTP, mcp.TransportStreamableHTTP:
		if s.cfg.URL == "" {
			return nil, fmt.Errorf("upstream: server %q: transport %q requires a url", s.cfg.Name, s.cfg.Transport)
		}
		return []namedTransport{
			{kind: "streamable-http", transport: &mcpsdk.StreamableClientTransport{Endpoint: s.cfg.URL}},
			{kind: "sse", transport: &mcpsdk.SSEClientTransport{Endpoint: s.cfg.URL}},
		}, nil

	case mcp.TransportSSE:
		if s.cfg.URL == "" {
			return nil, fmt.Errorf("upstream: server %q: transport %q requires a url", s.cfg.Name, s.cfg.Transport)
		}
		return []namedTransport{
			{kind: "sse", transport: &mcpsdk.SSEClientTransport{Endpoint: s.cfg.URL}},
		}, nil
	}
	return nil, fmt.Errorf("upstream: server %q: unsupported transport %q", s.cfg.Name, s.cfg.Transport)
}

// command builds the child process for a stdio transport. The child inherits
// the parent environment with the configured variables layered on top; the
// parent environment is never mutated. The working directory defaults to the
// user's home.
func (s *Session) command(ctx context.Context) (*exec.Cmd, error) {
	if s.cfg.Command == "" {
		return nil, fmt.Errorf("upstream: server %q: stdio transport requires a command", s.cfg.Name)
	}

	cmd := exec.CommandContext(ctx, s.cfg.Command, s.cfg.Args...)

	env := os.Environ()
	for k, v := range s.cfg.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	dir := s.cfg.Workdir
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = home
		}
	}
	cmd.Dir = dir

	return cmd, nil
}

// discoverTools drains the session's tool iterator into descriptors.
func discoverTools(ctx context.Context, sess *mcpsdk.ClientSession) ([]mcp.ToolDescriptor, error) {
	var out []mcp.ToolDescriptor
	for tool, err := range sess.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("list tools: %w", err)
		}
		out = append(out, describeTool(tool))
	}
	return out, nil
}

// describeTool converts an SDK tool into a descriptor, extracting parameters
// from the JSON input schema.
func describeTool(t *mcpsdk.Tool) mcp.ToolDescriptor {
	raw := marshalSchema(t.InputSchema)
	return mcp.ToolDescriptor{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  parseParameters(raw),
		RawSchema:   raw,
	}
}

// marshalSchema renders whatever schema value the SDK carries as raw JSON.
func marshalSchema(schema any) json.RawMessage {
	if schema == nil {
		return nil
	}
	if raw, ok := schema.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	return data
}

// parseParameters extracts the properties and required lists from a JSON
// input schema. Unparseable schemas yield no parameters rather than an
// error; the raw schema is still kept on the descriptor.
func parseParameters(raw json.RawMessage) []mcp.Parameter {
	if len(raw) == 0 {
		return nil
	}

	var schema struct {
		Properties map[string]struct {
			Type        any    `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(raw, &schema); err != nil || len(schema.Properties) == 0 {
		return nil
	}

	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}

	params := make([]mcp.Parameter, 0, len(schema.Properties))
	for name, prop := range schema.Properties {
		params = append(params, mcp.Parameter{
			Name:        name,
			Type:        schemaType(prop.Type),
			Description: prop.Description,
			Required:    required[name],
		})
	}
	slices.SortFunc(params, func(a, b mcp.Parameter) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return params
}

// schemaType normalises a JSON-schema "type" member, which may be a string
// or an array of strings, to a single type name. Missing types default to
// string, the most forgiving choice for placeholder rendering.
func schemaType(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok {
				return s
			}
		}
	}
	return "string"
}

// flattenContent joins all text content blocks with newlines. Non-text
// blocks carry nothing useful for a text-only caller and are dropped.
func flattenContent(content []mcpsdk.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
