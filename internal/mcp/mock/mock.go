// Package mock provides in-memory test doubles for the [mcp.Session] and
// [mcp.Supervisor] interfaces.
//
// Both doubles answer from exported fields and record every method call for
// later inspection:
//
//	files := &mock.Session{
//	    NameValue:  "files",
//	    StateValue: mcp.StateRunning,
//	    ToolsResult: []mcp.ToolDescriptor{{Name: "read_file"}},
//	    CallResult:  "content of /etc/motd",
//	}
//	sup := &mock.Supervisor{Sessions: []*mock.Session{files}}
//
//	// inject sup into the system under test …
//
//	if got := files.CallCount("Call"); got != 1 {
//	    t.Errorf("expected 1 Call, got %d", got)
//	}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/toolmux/internal/mcp"
)

var (
	_ mcp.Session    = (*Session)(nil)
	_ mcp.Supervisor = (*Supervisor)(nil)
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// recorder accumulates method invocations. Both doubles embed it, which also
// provides the mutex guarding their mutable fields.
type recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *recorder) record(method string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded method invocations.
func (r *recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// CallCount returns how many times the named method was invoked.
func (r *recorder) CallCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Session is a configurable test double for [mcp.Session]. All exported *Err
// fields default to nil (success).
type Session struct {
	recorder

	// NameValue is returned by [Session.Name].
	NameValue string

	// DescriptionValue is returned by [Session.Description].
	DescriptionValue string

	// StateValue is returned by [Session.State]. The zero value is
	// [mcp.StateStopped]; set [mcp.StateRunning] for a live session.
	StateValue mcp.State

	// ToolsResult is returned by [Session.Tools]. When nil, Tools returns
	// an empty non-nil slice.
	ToolsResult []mcp.ToolDescriptor

	// CallFunc, when non-nil, takes precedence over CallResult/CallErr and
	// computes [Session.Call] results per invocation. Useful for returning
	// different payloads per tool.
	CallFunc func(ctx context.Context, tool string, params map[string]any) (string, error)

	// CallResult is returned by [Session.Call] when CallErr is nil.
	CallResult string

	// CallErr is returned by [Session.Call] when non-nil.
	CallErr error
}

// Name implements [mcp.Session].
func (s *Session) Name() string { return s.NameValue }

// Description implements [mcp.Session].
func (s *Session) Description() string { return s.DescriptionValue }

// State implements [mcp.Session].
func (s *Session) State() mcp.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StateValue
}

// SetState changes the state reported by [Session.State].
func (s *Session) SetState(state mcp.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StateValue = state
}

// Tools implements [mcp.Session].
func (s *Session) Tools() []mcp.ToolDescriptor {
	s.record("Tools")
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mcp.ToolDescriptor, len(s.ToolsResult))
	copy(out, s.ToolsResult)
	return out
}

// Call implements [mcp.Session].
func (s *Session) Call(ctx context.Context, tool string, params map[string]any) (string, error) {
	s.record("Call", tool, params)
	if s.CallFunc != nil {
		return s.CallFunc(ctx, tool, params)
	}
	if s.CallErr != nil {
		return "", s.CallErr
	}
	return s.CallResult, nil
}

// Supervisor is a configurable test double for [mcp.Supervisor]. Get, Names,
// and Running are derived from the Sessions slice, so a test usually only
// has to populate that.
type Supervisor struct {
	recorder

	// Sessions lists the registered sessions in configuration order.
	Sessions []*Session

	// StartAllStarted and StartAllTotal are returned by [Supervisor.StartAll].
	StartAllStarted int
	StartAllTotal   int
}

// StartAll implements [mcp.Supervisor].
func (s *Supervisor) StartAll(_ context.Context) (started, total int) {
	s.record("StartAll")
	return s.StartAllStarted, s.StartAllTotal
}

// StopAll implements [mcp.Supervisor].
func (s *Supervisor) StopAll(_ context.Context) {
	s.record("StopAll")
}

// Get implements [mcp.Supervisor].
func (s *Supervisor) Get(name string) (mcp.Session, bool) {
	s.record("Get", name)
	for _, sess := range s.Sessions {
		if sess.NameValue == name {
			return sess, true
		}
	}
	return nil, false
}

// Names implements [mcp.Supervisor].
func (s *Supervisor) Names() []string {
	names := make([]string, len(s.Sessions))
	for i, sess := range s.Sessions {
		names[i] = sess.NameValue
	}
	return names
}

// Running implements [mcp.Supervisor].
func (s *Supervisor) Running() []mcp.Session {
	s.record("Running")
	var running []mcp.Session
	for _, sess := range s.Sessions {
		if sess.State() == mcp.StateRunning {
			running = append(running, sess)
		}
	}
	return running
}

// RefreshAllTools implements [mcp.Supervisor].
func (s *Supervisor) RefreshAllTools(_ context.Context) {
	s.record("RefreshAllTools")
}
