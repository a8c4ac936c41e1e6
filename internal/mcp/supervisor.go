// Package mcp defines the shared contract between toolmux and its fleet of
// upstream Model Context Protocol (MCP) servers.
//
// The Supervisor owns one Session per configured upstream server and is the
// only component allowed to touch session transports. Everything above it
// (the tool index, the meta-tool surface) holds read-only views obtained
// through the interfaces in this package.
//
// Lifecycle:
//
//  1. Build a Supervisor from the enabled server configurations.
//  2. Call [Supervisor.StartAll] to bring all sessions up in parallel.
//  3. Use [Supervisor.Running] and [Session.Tools] to enumerate what the
//     fleet currently offers, and [Session.Call] to forward invocations.
//  4. Call [Supervisor.RefreshAllTools] to re-run discovery when upstreams
//     are known to have changed (refresh is operator-driven, never automatic).
//  5. Call [Supervisor.StopAll] on shutdown.
//
// All methods must be safe for concurrent use.
package mcp

import "context"

// Session is a live view of one upstream MCP server connection.
//
// Implementations must be safe for concurrent use.
type Session interface {
	// Name returns the configured server name, unique within a Supervisor.
	Name() string

	// Description returns the configured human-readable description.
	Description() string

	// State returns the session's current lifecycle state.
	State() State

	// Tools returns the latest discovered tool descriptors. Until discovery
	// has completed at least once, the configured fallback tool names are
	// returned with empty descriptions. The returned slice is a copy.
	Tools() []ToolDescriptor

	// Call invokes the named tool upstream and returns the flattened result:
	// all text content blocks concatenated with "\n", non-text blocks
	// ignored. Tool lookup is case-insensitive, but the exact
	// upstream-reported name is sent on the wire.
	//
	// Fails with [ErrDisabled] when the server is disabled in configuration,
	// [ErrNotRunning] when the session is not live, or [*UnknownToolError]
	// when the name is not in the current tool set. Upstream application
	// errors (result.IsError) surface as errors carrying the upstream text.
	Call(ctx context.Context, tool string, params map[string]any) (string, error)
}

// Supervisor manages the full set of upstream sessions.
//
// Implementations must be safe for concurrent use.
type Supervisor interface {
	// StartAll starts every enabled session in parallel and reports how many
	// reached Running out of the enabled total. A failed session never
	// prevents others from starting; failures are logged, not returned.
	StartAll(ctx context.Context) (started, total int)

	// StopAll signals every session to stop and waits for completion,
	// bounded by the configured grace period, after which transports are
	// closed forcibly.
	StopAll(ctx context.Context)

	// Get returns the session with exactly the given name.
	Get(name string) (Session, bool)

	// Names returns every registered server name in configuration order,
	// regardless of state. Unknown-server errors quote this list.
	Names() []string

	// Running returns the sessions currently in StateRunning, in
	// configuration order.
	Running() []Session

	// RefreshAllTools re-runs tool discovery on every Running session.
	// Failures and empty discovery results are logged; a session keeps its
	// previous tool list when re-discovery yields nothing.
	RefreshAllTools(ctx context.Context)
}
