// Package upstream implements the [mcp.Supervisor] and [mcp.Session]
// contracts over the official MCP Go SDK
// (github.com/modelcontextprotocol/go-sdk).
//
// Each configured server gets one [Session] holding its live ClientSession
// and the tools it reported; a single SDK client is shared by all of them.
// Sessions move Stopped to Starting to Running and land in Failed on any
// startup error, where they stay until explicitly started again. Nothing in
// this package reconnects on its own; re-discovery is operator-driven via
// the refresh operations.
//
// Typical usage:
//
//	sup := upstream.New(cfg.MCPServers, 10*time.Second, logger, metrics)
//	started, total := sup.StartAll(ctx)
//	defer sup.StopAll(context.Background())
//
//	for _, sess := range sup.Running() {
//	    for _, tool := range sess.Tools() { ... }
//	}
package upstream

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/toolmux/internal/config"
	"github.com/MrWong99/toolmux/internal/mcp"
	"github.com/MrWong99/toolmux/internal/observe"
)

// Supervisor owns the full set of upstream sessions. It is the only
// component that touches session transports; everything above it works
// through the read-only [mcp.Session] views.
//
// The zero value is not usable; create instances with [New].
type Supervisor struct {
	sessions []*Session // configuration order
	byName   map[string]*Session
	grace    time.Duration
	logger   *slog.Logger
}

// Compile-time check: Supervisor must implement mcp.Supervisor.
var _ mcp.Supervisor = (*Supervisor)(nil)

// New builds a Supervisor for the given server configurations. Every server
// is registered, including disabled ones, so that calls against a disabled
// server fail with [mcp.ErrDisabled] rather than reporting it unknown; only
// enabled servers take part in [Supervisor.StartAll]. grace bounds how long
// StopAll waits before transports are cut. A nil metrics falls back to
// [observe.DefaultMetrics].
func New(servers []config.MCPServerConfig, grace time.Duration, logger *slog.Logger, metrics *observe.Metrics) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}

	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "toolmux", Version: "1.0.0"},
		nil,
	)

	sup := &Supervisor{
		byName: make(map[string]*Session, len(servers)),
		grace:  grace,
		logger: logger,
	}
	for _, cfg := range servers {
		sess := NewSession(cfg, client, logger, metrics)
		sup.sessions = append(sup.sessions, sess)
		sup.byName[cfg.Name] = sess
	}
	return sup
}

// StartAll starts every enabled session in parallel and reports how many
// reached Running out of the enabled total. Failures are logged by the
// sessions themselves and never abort the fan-out.
func (s *Supervisor) StartAll(ctx context.Context) (started, total int) {
	var enabled []*Session
	for _, sess := range s.sessions {
		if !sess.cfg.IsEnabled() {
			s.logger.Info("skipping disabled upstream server", "server", sess.Name())
			continue
		}
		enabled = append(enabled, sess)
	}

	var up atomic.Int64
	var g errgroup.Group
	for _, sess := range enabled {
		g.Go(func() error {
			if sess.Start(ctx) {
				up.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	started = int(up.Load())
	s.logger.Info("upstream servers started", "running", started, "enabled", len(enabled))
	return started, len(enabled)
}

// StopAll stops every session in parallel, bounded by the grace period.
// Sessions that cannot close gracefully in time have their transports cut.
func (s *Supervisor) StopAll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.grace)
	defer cancel()

	var g errgroup.Group
	for _, sess := range s.sessions {
		g.Go(func() error {
			sess.Stop(ctx)
			return nil
		})
	}
	_ = g.Wait()
	s.logger.Info("all upstream servers stopped")
}

// Get implements mcp.Supervisor.
func (s *Supervisor) Get(name string) (mcp.Session, bool) {
	sess, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	return sess, true
}

// Names implements mcp.Supervisor.
func (s *Supervisor) Names() []string {
	names := make([]string, len(s.sessions))
	for i, sess := range s.sessions {
		names[i] = sess.Name()
	}
	return names
}

// Running implements mcp.Supervisor.
func (s *Supervisor) Running() []mcp.Session {
	var out []mcp.Session
	for _, sess := range s.sessions {
		if sess.State() == mcp.StateRunning {
			out = append(out, sess)
		}
	}
	return out
}

// RefreshAllTools re-runs tool discovery on every Running session in
// parallel. Failures are logged, never returned; a session keeps its
// previous tools when re-discovery fails or comes back empty.
func (s *Supervisor) RefreshAllTools(ctx context.Context) {
	var g errgroup.Group
	for _, sess := range s.sessions {
		if sess.State() != mcp.StateRunning {
			continue
		}
		g.Go(func() error {
			if err := sess.RefreshTools(ctx); err != nil {
				s.logger.Warn("tool re-discovery failed", "server", sess.Name(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
