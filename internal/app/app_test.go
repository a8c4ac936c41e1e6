package app_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/toolmux/internal/app"
	"github.com/MrWong99/toolmux/internal/config"
	"github.com/MrWong99/toolmux/internal/mcp"
	mcpmock "github.com/MrWong99/toolmux/internal/mcp/mock"
	embmock "github.com/MrWong99/toolmux/pkg/provider/embeddings/mock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a minimal config with one enabled upstream server.
// Port 0 keeps Run-based tests on ephemeral listeners.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:             "localhost",
			Port:             0,
			LogLevel:         config.LogInfo,
			StopGraceSeconds: 1,
		},
		Semantic: config.SemanticConfig{
			CollectionName:      "test_tools",
			EmbeddingDimensions: 3,
		},
		MCPServers: []config.MCPServerConfig{
			{Name: "files", Transport: mcp.TransportStdio, Command: "echo"},
		},
	}
}

// testSupervisor returns a mock fleet with one running session offering one
// tool.
func testSupervisor() *mcpmock.Supervisor {
	files := &mcpmock.Session{
		NameValue:  "files",
		StateValue: mcp.StateRunning,
		ToolsResult: []mcp.ToolDescriptor{
			{Name: "read_file", Description: "Reads a file from disk"},
		},
	}
	return &mcpmock.Supervisor{
		Sessions:        []*mcpmock.Session{files},
		StartAllStarted: 1,
		StartAllTotal:   1,
	}
}

// testProviders returns providers with a mock embedding backend.
func testProviders() *app.Providers {
	return &app.Providers{
		Embeddings: &embmock.Provider{
			DimensionsValue: 3,
			ModelIDValue:    "test-embed",
			EmbedFunc: func(context.Context, string) ([]float32, error) {
				return []float32{1, 0, 0}, nil
			},
		},
	}
}

// probe drives the app's HTTP surface without a listener.
func probe(a *app.App, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

// waitFor polls the given endpoint until cond accepts the response or the
// deadline passes.
func waitFor(t *testing.T, a *app.App, path string, cond func(*httptest.ResponseRecorder) bool) *httptest.ResponseRecorder {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := probe(a, path)
		if cond(rec) {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition on %s never met", path)
	return nil
}

// TestNew_WiresEndpoints verifies New connects config, supervisor, index, and
// HTTP surface without any I/O.
func TestNew_WiresEndpoints(t *testing.T) {
	t.Parallel()

	a, err := app.New(testConfig(), testProviders(),
		app.WithSupervisor(testSupervisor()),
		app.WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	rec := probe(a, "/health")
	if rec.Code != http.StatusOK || rec.Body.String() != "MCP Server is running" {
		t.Errorf("/health = %d %q", rec.Code, rec.Body.String())
	}

	rec = probe(a, "/tool-index-info")
	if !strings.Contains(rec.Body.String(), `"IsSemanticKernelEnabled":true`) {
		t.Errorf("/tool-index-info = %s", rec.Body.String())
	}
}

// TestNew_NilConfig verifies the config guard.
func TestNew_NilConfig(t *testing.T) {
	t.Parallel()

	if _, err := app.New(nil, nil); err == nil {
		t.Fatal("New(nil, ...) returned no error")
	}
}

// TestNew_CatalogModeWithoutEmbeddings verifies the index runs in catalog
// mode when no embedding provider is supplied.
func TestNew_CatalogModeWithoutEmbeddings(t *testing.T) {
	t.Parallel()

	a, err := app.New(testConfig(), nil,
		app.WithSupervisor(testSupervisor()),
		app.WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	rec := probe(a, "/tool-index-info")
	want := `{"ServiceType":"catalog","IsSemanticKernelEnabled":false}`
	if got := strings.TrimSpace(rec.Body.String()); got != want {
		t.Errorf("/tool-index-info = %s, want %s", got, want)
	}
}

// TestRun_StartsFleetAndBuildsIndex verifies the startup sequence of StartAll
// followed by the initial index refresh, and that teardown is clean.
func TestRun_StartsFleetAndBuildsIndex(t *testing.T) {
	t.Parallel()

	sup := testSupervisor()
	a, err := app.New(testConfig(), testProviders(),
		app.WithSupervisor(sup),
		app.WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	waitFor(t, a, "/readyz", func(rec *httptest.ResponseRecorder) bool {
		return rec.Code == http.StatusOK
	})

	if got := sup.CallCount("StartAll"); got != 1 {
		t.Errorf("StartAll call count = %d, want 1", got)
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() returned %v, want context.Canceled", err)
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	if err := a.Shutdown(shutCtx); err != nil {
		t.Errorf("Shutdown() returned error: %v", err)
	}
	if got := sup.CallCount("StopAll"); got != 1 {
		t.Errorf("StopAll call count = %d, want 1", got)
	}
}

// TestRun_ComesUpWithNoUpstreams verifies startup is tolerant: with every
// upstream down the proxy still serves, alive but not ready.
func TestRun_ComesUpWithNoUpstreams(t *testing.T) {
	t.Parallel()

	sup := &mcpmock.Supervisor{
		Sessions:      []*mcpmock.Session{{NameValue: "files"}},
		StartAllTotal: 1,
	}
	a, err := app.New(testConfig(), nil,
		app.WithSupervisor(sup),
		app.WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	// The initial refresh publishes an empty snapshot, so the index check
	// passes while the upstream check keeps readiness at 503.
	rec := waitFor(t, a, "/readyz", func(rec *httptest.ResponseRecorder) bool {
		return strings.Contains(rec.Body.String(), `"index":"ok"`)
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if !strings.Contains(rec.Body.String(), "0 of 1 upstream MCP sessions running") {
		t.Errorf("/readyz body = %s", rec.Body.String())
	}

	if rec := probe(a, "/health"); rec.Code != http.StatusOK {
		t.Errorf("/health = %d, want %d", rec.Code, http.StatusOK)
	}

	cancel()
	<-errCh
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	_ = a.Shutdown(shutCtx)
}

// TestShutdown_RunsHooksOnce verifies hooks fire exactly once even when
// Shutdown is called twice.
func TestShutdown_RunsHooksOnce(t *testing.T) {
	t.Parallel()

	sup := testSupervisor()
	a, err := app.New(testConfig(), nil,
		app.WithSupervisor(sup),
		app.WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	hookCalls := 0
	a.OnShutdown(func(context.Context) error {
		hookCalls++
		return nil
	})

	ctx := context.Background()
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("first Shutdown() returned error: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() returned error: %v", err)
	}

	if hookCalls != 1 {
		t.Errorf("hook ran %d times, want 1", hookCalls)
	}
	if got := sup.CallCount("StopAll"); got != 1 {
		t.Errorf("StopAll call count = %d, want 1", got)
	}
}

// TestShutdown_DeadlineSkipsHooks verifies an expired context aborts the hook
// chain and surfaces the context error.
func TestShutdown_DeadlineSkipsHooks(t *testing.T) {
	t.Parallel()

	a, err := app.New(testConfig(), nil,
		app.WithSupervisor(testSupervisor()),
		app.WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	hookCalls := 0
	a.OnShutdown(func(context.Context) error {
		hookCalls++
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown() returned %v, want context.Canceled", err)
	}
	if hookCalls != 0 {
		t.Errorf("hook ran %d times, want 0", hookCalls)
	}
}
