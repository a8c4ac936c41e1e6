package mcp

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotRunning is returned by [Session.Call] when the session is not live.
var ErrNotRunning = errors.New("session not running")

// ErrDisabled is returned by [Session.Call] when the server is disabled in
// configuration.
var ErrDisabled = errors.New("session disabled")

// UnknownServerError reports a call aimed at a server name that is not
// registered with the Supervisor.
type UnknownServerError struct {
	// Name is the requested server name.
	Name string

	// Known lists the registered server names in configuration order.
	Known []string

	// Suggestion is the closest known name, or empty when nothing is close.
	Suggestion string
}

func (e *UnknownServerError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "unknown server %q", e.Name)
	if e.Suggestion != "" {
		fmt.Fprintf(&b, " (did you mean %q?)", e.Suggestion)
	}
	if len(e.Known) > 0 {
		fmt.Fprintf(&b, "; known servers: %s", strings.Join(e.Known, ", "))
	}
	return b.String()
}

// UnknownToolError reports a call aimed at a tool the target server does not
// currently expose.
type UnknownToolError struct {
	// Server is the server that was asked.
	Server string

	// Tool is the requested tool name.
	Tool string

	// Available lists the tool names the server currently exposes.
	Available []string

	// Suggestion is the closest available name, or empty when nothing is
	// close.
	Suggestion string
}

func (e *UnknownToolError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "unknown tool %q on server %q", e.Tool, e.Server)
	if e.Suggestion != "" {
		fmt.Fprintf(&b, " (did you mean %q?)", e.Suggestion)
	}
	if len(e.Available) > 0 {
		fmt.Fprintf(&b, "; available tools: %s", strings.Join(e.Available, ", "))
	} else {
		b.WriteString("; the server exposes no tools")
	}
	return b.String()
}
