// Package index maintains the searchable tool index across all running
// upstream sessions.
//
// The published state is one immutable snapshot: the per-server descriptor
// lists, the vector records backing semantic search, the embedding dimension,
// and the refresh timestamp. [Index.Refresh] builds a complete replacement
// snapshot off to the side and swaps the pointer under a lock, so readers
// observe either the full old state or the full new state, never a partial
// rebuild. Concurrent refreshes are coalesced: callers that arrive while a
// rebuild is in flight share its outcome instead of queueing a second one.
//
// Semantic capability is optional. Without an embedding provider the index
// runs in catalog mode: listing and call forwarding work as usual and
// [Index.Search] fails with [ErrSemanticDisabled].
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/toolmux/internal/mcp"
	"github.com/MrWong99/toolmux/internal/observe"
	"github.com/MrWong99/toolmux/internal/suggest"
	"github.com/MrWong99/toolmux/pkg/provider/embeddings"
)

// Service kinds reported by [Index.Info].
const (
	ServiceKindSemantic = "semantic"
	ServiceKindCatalog  = "catalog"
)

const (
	defaultCollection       = "mcp_tools"
	defaultEmbedConcurrency = 4
)

// Record is one indexed tool. The ID is "{server}.{tool}"; both halves may
// themselves contain dots, so the separate name fields stay authoritative.
type Record struct {
	ID             string
	ServerName     string
	ToolName       string
	Description    string
	ParametersJSON json.RawMessage
	ParameterCount int
	ParameterNames []string
	SearchPhrase   string
	Embedding      []float32
	LastUpdated    time.Time
}

// descriptor rebuilds the tool descriptor captured at discovery from the
// record's metadata.
func (r Record) descriptor() (mcp.ToolDescriptor, error) {
	var params []mcp.Parameter
	if len(r.ParametersJSON) > 0 {
		if err := json.Unmarshal(r.ParametersJSON, &params); err != nil {
			return mcp.ToolDescriptor{}, fmt.Errorf("index: record %q: unmarshal parameters: %w", r.ID, err)
		}
	}
	return mcp.ToolDescriptor{
		Name:        r.ToolName,
		Description: r.Description,
		Parameters:  params,
	}, nil
}

// SearchResult is one ranked hit returned by [Index.Search].
type SearchResult struct {
	// ServerName identifies the upstream server offering the tool.
	ServerName string

	// Tool is the descriptor captured at the last refresh.
	Tool mcp.ToolDescriptor

	// Score is the cosine similarity of the query to the tool's search
	// phrase, clamped to [0, 1].
	Score float64
}

// RefreshStats reports what one index rebuild accomplished.
type RefreshStats struct {
	// Servers is the number of Running sessions enumerated.
	Servers int

	// Indexed is the number of records in the published snapshot.
	Indexed int

	// Skipped counts tools dropped because their embedding failed or had
	// the wrong dimension.
	Skipped int

	// PhraseFallbacks counts tools whose enhanced phrase generation failed
	// and fell back to the heuristic template.
	PhraseFallbacks int

	// Duration is the wall-clock time of the rebuild.
	Duration time.Duration
}

// ServerCount pairs a server name with its listed tool count.
type ServerCount struct {
	Name  string
	Tools int
}

// Info describes the published index for operators and downstream clients.
type Info struct {
	// ServiceKind is "semantic" or "catalog".
	ServiceKind string

	// SemanticEnabled reports whether an embedding provider is configured.
	SemanticEnabled bool

	// Collection is the configured vector collection name.
	Collection string

	// Dimensions is the embedding width observed from the first successful
	// embedding, or 0 before one exists.
	Dimensions int

	// EmbeddingModel identifies the embedding model, empty in catalog mode.
	EmbeddingModel string

	// TotalServers counts the servers in the published snapshot.
	TotalServers int

	// TotalTools counts the listed tools across all servers.
	TotalTools int

	// IndexedTools counts the published records. Lower than TotalTools when
	// tools were skipped during the last refresh.
	IndexedTools int

	// Servers lists per-server tool counts in configuration order.
	Servers []ServerCount

	// LastRefresh is when the snapshot was published; zero when the index
	// has never been refreshed.
	LastRefresh time.Time
}

// ServerListing is one server's entry in [Index.Listing].
type ServerListing struct {
	Name  string
	Tools []mcp.ToolDescriptor
}

// snapshot is the immutable published state. A new snapshot replaces the old
// one wholesale; nothing mutates a snapshot after publication.
type snapshot struct {
	byServer    map[string][]mcp.ToolDescriptor
	serverOrder []string
	records     map[string]Record
	dims        int
	refreshedAt time.Time
}

// Option is a functional option for configuring an [Index].
type Option func(*Index)

// WithEmbedding enables semantic search backed by the given provider.
// Without it the index runs in catalog mode.
func WithEmbedding(p embeddings.Provider) Option {
	return func(ix *Index) {
		ix.embed = p
	}
}

// WithPhrases sets the search-phrase generator. Default: heuristic-only.
func WithPhrases(g *PhraseGenerator) Option {
	return func(ix *Index) {
		if g != nil {
			ix.phrases = g
		}
	}
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(ix *Index) {
		if logger != nil {
			ix.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(ix *Index) {
		if m != nil {
			ix.metrics = m
		}
	}
}

// WithCollection names the vector collection. Default: "mcp_tools".
func WithCollection(name string) Option {
	return func(ix *Index) {
		if name != "" {
			ix.collection = name
		}
	}
}

// WithAdvisoryDimensions records the embedding width the configuration
// expects. The width observed from the provider always wins; a mismatch is
// logged once.
func WithAdvisoryDimensions(d int) Option {
	return func(ix *Index) {
		ix.advisoryDims = d
	}
}

// WithServerHintFilter restricts search candidates to servers named in the
// query. Without it a recognised server name only influences ranking through
// the search phrases.
func WithServerHintFilter(enabled bool) Option {
	return func(ix *Index) {
		ix.hintFilter = enabled
	}
}

// WithEmbedConcurrency bounds how many per-phrase embedding requests run at
// once when a refresh falls back from batch embedding. Default: 4.
func WithEmbedConcurrency(n int) Option {
	return func(ix *Index) {
		if n > 0 {
			ix.embedConcurrency = n
		}
	}
}

// Index owns the vector records and fast-lookup maps for every discovered
// tool. All methods are safe for concurrent use.
type Index struct {
	sup              mcp.Supervisor
	embed            embeddings.Provider
	phrases          *PhraseGenerator
	logger           *slog.Logger
	metrics          *observe.Metrics
	collection       string
	advisoryDims     int
	hintFilter       bool
	embedConcurrency int

	flight singleflight.Group

	mu   sync.RWMutex
	snap *snapshot

	// dims is fixed for the process lifetime by the first successful
	// embedding; later refreshes reject vectors of any other length.
	dims int
}

// New returns an empty index over the given supervisor. Apply [Option]
// values to enable semantic search and adjust behavior.
func New(sup mcp.Supervisor, opts ...Option) *Index {
	ix := &Index{
		sup:              sup,
		logger:           slog.Default(),
		metrics:          observe.DefaultMetrics(),
		collection:       defaultCollection,
		embedConcurrency: defaultEmbedConcurrency,
		snap:             &snapshot{},
	}
	for _, o := range opts {
		o(ix)
	}
	if ix.phrases == nil {
		ix.phrases = NewPhraseGenerator(nil, WithPhraseLogger(ix.logger), WithPhraseMetrics(ix.metrics))
	}
	return ix
}

// published returns the current snapshot pointer. Snapshots are immutable,
// so callers may read the result without holding any lock.
func (ix *Index) published() *snapshot {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.snap
}

// Refresh rebuilds the entire index from the currently Running sessions and
// publishes the result atomically. Concurrent callers are coalesced onto the
// in-flight rebuild and share its stats; the rebuild runs under the first
// caller's context.
//
// Per-tool failures (phrase generation, embedding, dimension mismatch) are
// logged and counted, never fatal. Refresh only returns an error when its
// context ends before the new snapshot is published, in which case the
// previously published snapshot remains visible.
func (ix *Index) Refresh(ctx context.Context) (RefreshStats, error) {
	v, err, _ := ix.flight.Do("refresh", func() (any, error) {
		return ix.refresh(ctx)
	})
	if err != nil {
		return RefreshStats{}, err
	}
	return v.(RefreshStats), nil
}

func (ix *Index) refresh(ctx context.Context) (RefreshStats, error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "index.refresh")
	defer span.End()

	sessions := ix.sup.Running()

	byServer := make(map[string][]mcp.ToolDescriptor, len(sessions))
	serverOrder := make([]string, 0, len(sessions))
	var jobs []phraseJob
	for _, sess := range sessions {
		name := sess.Name()
		tools := sess.Tools()
		byServer[name] = tools
		serverOrder = append(serverOrder, name)
		for _, tool := range tools {
			jobs = append(jobs, phraseJob{server: name, tool: tool})
		}
	}

	// Every phrase exists before the first embedding request so a local
	// inference backend never has to swap between chat and embedding models
	// mid-refresh.
	phrases, fallbacks := ix.phrases.generate(ctx, jobs)

	vectors := ix.embedAll(ctx, jobs, phrases)

	now := time.Now()
	records := make(map[string]Record, len(jobs))
	skipped := 0
	for i, job := range jobs {
		if ix.embed != nil && vectors[i] == nil {
			skipped++
			continue
		}
		rec := newRecord(job, phrases[i], vectors[i], now)
		records[rec.ID] = rec
	}

	// A cancelled refresh must not publish a half-embedded snapshot; the
	// previous one stays live.
	if err := ctx.Err(); err != nil {
		return RefreshStats{}, fmt.Errorf("index: refresh: %w", err)
	}

	ix.mu.Lock()
	previous := len(ix.snap.records)
	ix.snap = &snapshot{
		byServer:    byServer,
		serverOrder: serverOrder,
		records:     records,
		dims:        ix.dims,
		refreshedAt: now,
	}
	ix.mu.Unlock()

	stats := RefreshStats{
		Servers:         len(sessions),
		Indexed:         len(records),
		Skipped:         skipped,
		PhraseFallbacks: fallbacks,
		Duration:        time.Since(start),
	}
	ix.metrics.RecordRefresh(ctx, stats.Duration, previous, stats.Indexed, stats.Skipped)

	if stats.Skipped > 0 {
		ix.logger.Warn("refresh skipped tools whose embedding failed",
			"skipped", stats.Skipped, "indexed", stats.Indexed)
	}
	ix.logger.Info("tool index refreshed",
		"servers", stats.Servers,
		"tools", stats.Indexed,
		"skipped", stats.Skipped,
		"duration", stats.Duration)

	return stats, nil
}

// embedAll returns one vector per job, nil where embedding failed. In
// catalog mode it returns all-nil without contacting any backend.
//
// One batched call covers the whole refresh first, since providers price and
// rate-limit round trips rather than inputs. The batch contract is
// all-or-nothing, so when it fails every phrase is retried individually and
// a single bad phrase only costs its own tool.
//
// The first accepted vector fixes the process-wide dimension; vectors of any
// other length are rejected so every published record stays comparable.
func (ix *Index) embedAll(ctx context.Context, jobs []phraseJob, phrases []string) [][]float32 {
	vectors := make([][]float32, len(jobs))
	if ix.embed == nil || len(jobs) == 0 {
		return vectors
	}

	candidates, ok := ix.embedBatch(ctx, phrases)
	if !ok {
		candidates = ix.embedEach(ctx, jobs, phrases)
	}

	ix.mu.RLock()
	dims := ix.dims
	ix.mu.RUnlock()

	for i, vec := range candidates {
		if len(vec) == 0 {
			continue // embedding failed or came back empty; the tool is skipped
		}
		if dims == 0 {
			dims = len(vec)
			if ix.advisoryDims != 0 && dims != ix.advisoryDims {
				ix.logger.Warn("embedding dimensions differ from configuration, using actual",
					"configured", ix.advisoryDims, "actual", dims)
			}
		}
		if len(vec) != dims {
			ix.logger.Warn("embedding dimension mismatch, skipping tool",
				"server", jobs[i].server, "tool", jobs[i].tool.Name,
				"got", len(vec), "want", dims)
			continue
		}
		vectors[i] = vec
	}

	ix.mu.Lock()
	ix.dims = dims
	ix.mu.Unlock()

	return vectors
}

// embedBatch embeds all phrases in one provider call. ok is false when the
// provider failed or returned the wrong count, in which case per-phrase
// embedding should run instead.
func (ix *Index) embedBatch(ctx context.Context, phrases []string) (vecs [][]float32, ok bool) {
	t0 := time.Now()
	vecs, err := ix.embed.EmbedBatch(ctx, phrases)
	ix.metrics.EmbeddingDuration.Record(ctx, time.Since(t0).Seconds())
	if err != nil {
		ix.logger.Warn("batch embedding failed, retrying phrases individually", "error", err)
		return nil, false
	}
	if len(vecs) != len(phrases) {
		ix.logger.Warn("batch embedding returned a wrong-sized result, retrying phrases individually",
			"got", len(vecs), "want", len(phrases))
		return nil, false
	}
	return vecs, true
}

// embedEach embeds every phrase with bounded parallelism, leaving nil where
// a phrase failed.
func (ix *Index) embedEach(ctx context.Context, jobs []phraseJob, phrases []string) [][]float32 {
	vectors := make([][]float32, len(jobs))
	var g errgroup.Group
	g.SetLimit(ix.embedConcurrency)
	for i := range jobs {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			t0 := time.Now()
			vec, err := ix.embed.Embed(ctx, phrases[i])
			ix.metrics.EmbeddingDuration.Record(ctx, time.Since(t0).Seconds())
			if err != nil {
				ix.logger.Warn("embedding failed, skipping tool",
					"server", jobs[i].server, "tool", jobs[i].tool.Name, "error", err)
				return nil
			}
			vectors[i] = vec
			return nil
		})
	}
	_ = g.Wait() // failures are logged and skipped, not returned
	return vectors
}

// newRecord builds the index record for one tool.
func newRecord(job phraseJob, phrase string, vec []float32, now time.Time) Record {
	paramsJSON, _ := json.Marshal(job.tool.Parameters)
	names := make([]string, len(job.tool.Parameters))
	for i, p := range job.tool.Parameters {
		names[i] = p.Name
	}
	return Record{
		ID:             job.server + "." + job.tool.Name,
		ServerName:     job.server,
		ToolName:       job.tool.Name,
		Description:    job.tool.Description,
		ParametersJSON: paramsJSON,
		ParameterCount: len(job.tool.Parameters),
		ParameterNames: names,
		SearchPhrase:   phrase,
		Embedding:      vec,
		LastUpdated:    now,
	}
}

// AllTools returns a copy of the published per-server descriptor lists.
func (ix *Index) AllTools() map[string][]mcp.ToolDescriptor {
	snap := ix.published()
	out := make(map[string][]mcp.ToolDescriptor, len(snap.byServer))
	for name, tools := range snap.byServer {
		out[name] = slices.Clone(tools)
	}
	return out
}

// ServerTools returns the published descriptors for one server. ok is false
// when the server was not part of the last refresh.
func (ix *Index) ServerTools(name string) ([]mcp.ToolDescriptor, bool) {
	snap := ix.published()
	tools, ok := snap.byServer[name]
	if !ok {
		return nil, false
	}
	return slices.Clone(tools), true
}

// Listing returns the published servers in configuration order with their
// tool descriptors. Unlike [Index.AllTools] the result preserves order, so
// rendered listings stay stable across calls.
func (ix *Index) Listing() []ServerListing {
	snap := ix.published()
	out := make([]ServerListing, 0, len(snap.serverOrder))
	for _, name := range snap.serverOrder {
		out = append(out, ServerListing{Name: name, Tools: slices.Clone(snap.byServer[name])})
	}
	return out
}

// Call forwards a tool invocation to the named server. The index only
// resolves the session; argument validation and tool lookup happen upstream.
func (ix *Index) Call(ctx context.Context, server, tool string, params map[string]any) (string, error) {
	sess, ok := ix.sup.Get(server)
	if !ok {
		known := ix.sup.Names()
		sugg, _ := suggest.Closest(server, known)
		return "", &mcp.UnknownServerError{Name: server, Known: known, Suggestion: sugg}
	}
	return sess.Call(ctx, tool, params)
}

// Info summarises the published index state.
func (ix *Index) Info() Info {
	snap := ix.published()

	info := Info{
		ServiceKind:     ServiceKindCatalog,
		SemanticEnabled: ix.embed != nil,
		Collection:      ix.collection,
		Dimensions:      snap.dims,
		TotalServers:    len(snap.serverOrder),
		IndexedTools:    len(snap.records),
		Servers:         make([]ServerCount, 0, len(snap.serverOrder)),
		LastRefresh:     snap.refreshedAt,
	}
	if ix.embed != nil {
		info.ServiceKind = ServiceKindSemantic
		info.EmbeddingModel = ix.embed.ModelID()
	}
	for _, name := range snap.serverOrder {
		n := len(snap.byServer[name])
		info.Servers = append(info.Servers, ServerCount{Name: name, Tools: n})
		info.TotalTools += n
	}
	return info
}
