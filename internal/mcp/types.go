package mcp

import "encoding/json"

// Transport selects the connection mechanism for an upstream MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportHTTP communicates via the MCP Streamable HTTP protocol and
	// falls back to SSE when the endpoint rejects the streamable handshake.
	TransportHTTP Transport = "http"

	// TransportStreamableHTTP is the explicit spelling of the Streamable
	// HTTP protocol, with the same SSE fallback as TransportHTTP.
	TransportStreamableHTTP Transport = "streamable-http"

	// TransportSSE communicates via HTTP Server-Sent Events only.
	TransportSSE Transport = "sse"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	switch t {
	case TransportStdio, TransportHTTP, TransportStreamableHTTP, TransportSSE:
		return true
	}
	return false
}

// NeedsURL reports whether t connects to a URL rather than spawning a command.
func (t Transport) NeedsURL() bool {
	return t == TransportHTTP || t == TransportStreamableHTTP || t == TransportSSE
}

// State is the lifecycle state of an upstream session.
type State int

const (
	// StateStopped means the session has not been started, or has completed
	// a stop.
	StateStopped State = iota

	// StateStarting means the transport is being established and the MCP
	// handshake plus initial tool discovery are in flight.
	StateStarting

	// StateRunning means the session is live and can serve tool calls.
	StateRunning

	// StateFailed means startup or the transport failed. The session stays
	// failed until it is explicitly started again; there is no automatic
	// reconnection.
	StateFailed

	// StateStopping means the session is shutting down.
	StateStopping
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Parameter describes one input parameter of a tool, derived from the
// "properties" and "required" members of the tool's JSON input schema.
type Parameter struct {
	// Name is the property name as declared by the upstream server.
	Name string `json:"name"`

	// Type is the JSON-schema type of the property. When the schema declares
	// a type array, this is its first element.
	Type string `json:"type"`

	// Description is the property description; may be empty.
	Description string `json:"description"`

	// Required reports whether the property appears in the schema's
	// "required" list.
	Required bool `json:"required"`
}

// ToolDescriptor is one tool as reported by an upstream server's tools/list.
type ToolDescriptor struct {
	// Name is the exact tool name reported upstream. Invocations must use
	// this spelling on the wire even when the caller matched the tool
	// case-insensitively.
	Name string

	// Description is the upstream tool description; may be empty.
	Description string

	// Parameters lists the tool's inputs sorted by name, so repeated
	// discoveries of an unchanged tool yield identical descriptors.
	Parameters []Parameter

	// RawSchema is the tool's JSON input schema verbatim, as sent upstream.
	RawSchema json.RawMessage
}
