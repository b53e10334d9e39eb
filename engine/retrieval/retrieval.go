package retrieval

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hrygo/recall/engine/enhance"
	engerr "github.com/hrygo/recall/internal/errors"
	"github.com/hrygo/recall/internal/observability"
	"github.com/hrygo/recall/plugin/ai"
	"github.com/hrygo/recall/store"
)

// Source names used in logs and the partial-result report.
const (
	SourceSemantic = "semantic"
	SourceGraph    = "graph"
	SourceTemporal = "temporal"
)

// Config holds the retrieval and fusion knobs.
type Config struct {
	// Source weights for fusion. Items found by multiple sources sum their
	// weighted scores, rewarding cross-source agreement.
	SemanticWeight float64
	GraphWeight    float64
	TemporalWeight float64

	// PerSourceTimeout bounds each sub-search independently.
	PerSourceTimeout time.Duration
	// GraphDepth bounds graph traversal from the query's seed entities.
	GraphDepth int
	// RecencyDecay is the per-hour exponential decay of temporal scores.
	RecencyDecay float64
}

// DefaultConfig returns the default retrieval configuration.
func DefaultConfig() Config {
	return Config{
		SemanticWeight:   0.5,
		GraphWeight:      0.3,
		TemporalWeight:   0.2,
		PerSourceTimeout: 300 * time.Millisecond,
		GraphDepth:       3,
		RecencyDecay:     0.9,
	}
}

// ScoredMemory is one fused retrieval result.
type ScoredMemory struct {
	// ID is the underlying event or consolidated-memory id.
	ID string
	// Kind is "event" or a consolidated memory kind.
	Kind    string
	Summary string
	Score   float64
	// Sources lists which sub-searches found this item.
	Sources   []string
	Timestamp int64
}

// MemoryContext is the ranked, fused answer to one retrieval call.
type MemoryContext struct {
	Memories []*ScoredMemory
	// Summary is a structured, ordered digest of the fused memories.
	Summary []string
	// Confidence reflects the fraction of requested sub-results returned,
	// penalized when sources were unavailable.
	Confidence float64
	// Partial is set when at least one source failed or timed out.
	Partial bool
	// FailedSources names the sub-searches that could not complete.
	FailedSources []string
}

// Retriever fans out to the three stores in parallel and fuses the ranked
// results. It never fails the whole call because one source is down; only
// query validation errors surface to the caller.
type Retriever struct {
	store    *store.Store
	embedder ai.EmbeddingService
	config   Config
	logger   *slog.Logger
	cache    *QueryCache
}

// New creates a retriever. cache may be nil to disable result caching.
func New(s *store.Store, embedder ai.EmbeddingService, config Config, cache *QueryCache, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{store: s, embedder: embedder, config: config, cache: cache, logger: logger}
}

type sourceResult struct {
	name  string
	items []*ScoredMemory
	err   error
}

// Retrieve runs the fused three-source search. The caller's deadline is
// propagated to every sub-search; on expiry partial results are returned
// rather than an error.
func (r *Retriever) Retrieve(ctx context.Context, query, threadID string, maxResults int) (*MemoryContext, error) {
	if strings.TrimSpace(query) == "" {
		return nil, engerr.Validation("query is required")
	}
	if threadID == "" {
		return nil, engerr.Validation("thread id is required")
	}
	if maxResults <= 0 {
		return nil, engerr.Validation("max results must be positive")
	}

	reqCtx := observability.NewRequestContext(r.logger, "retrieval", threadID)

	if r.cache != nil {
		if cached, ok := r.cache.Get(ctx, threadID, query, maxResults); ok {
			reqCtx.Debug("cache hit")
			return cached, nil
		}
	}

	results := r.fanOut(ctx, query, threadID, maxResults)
	mc := r.fuse(results, maxResults)

	if err := r.recordAccess(ctx, mc); err != nil {
		reqCtx.Warn("failed to record memory access", slog.String("error", err.Error()))
	}
	if r.cache != nil && !mc.Partial {
		r.cache.Set(ctx, threadID, query, maxResults, mc)
	}

	reqCtx.Info("retrieval complete",
		slog.Int("results", len(mc.Memories)),
		slog.Bool("partial", mc.Partial),
		slog.Float64("confidence", mc.Confidence),
		slog.Int64(observability.LogFieldDuration, reqCtx.DurationMs()),
	)
	return mc, nil
}

// fanOut runs the three sub-searches concurrently, each under its own
// timeout. A failing source is captured locally, never propagated.
func (r *Retriever) fanOut(ctx context.Context, query, threadID string, maxResults int) []sourceResult {
	results := make([]sourceResult, 3)
	g, gctx := errgroup.WithContext(ctx)

	run := func(idx int, name string, search func(context.Context) ([]*ScoredMemory, error)) {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, r.config.PerSourceTimeout)
			defer cancel()
			items, err := search(sctx)
			if err != nil {
				err = engerr.SourceUnavailable(name, err)
			}
			results[idx] = sourceResult{name: name, items: items, err: err}
			return nil
		})
	}

	run(0, SourceSemantic, func(sctx context.Context) ([]*ScoredMemory, error) {
		return r.searchSemantic(sctx, query, threadID, maxResults)
	})
	run(1, SourceGraph, func(sctx context.Context) ([]*ScoredMemory, error) {
		return r.searchGraph(sctx, query, threadID, maxResults)
	})
	run(2, SourceTemporal, func(sctx context.Context) ([]*ScoredMemory, error) {
		return r.searchTemporal(sctx, query, threadID, maxResults)
	})

	_ = g.Wait()
	return results
}

// fuse deduplicates by id, combines scores by weighted sum, ranks, truncates,
// and computes confidence. Budgets are ~50/33/17 with a minimum of one each;
// a failed source's budget is redistributed to the surviving sources.
func (r *Retriever) fuse(results []sourceResult, maxResults int) *MemoryContext {
	budgets := map[string]int{
		SourceSemantic: atLeast1(int(math.Round(float64(maxResults) * 0.50))),
		SourceGraph:    atLeast1(int(math.Round(float64(maxResults) * 0.33))),
		SourceTemporal: atLeast1(int(math.Round(float64(maxResults) * 0.17))),
	}
	weights := map[string]float64{
		SourceSemantic: r.config.SemanticWeight,
		SourceGraph:    r.config.GraphWeight,
		SourceTemporal: r.config.TemporalWeight,
	}

	failed := []string{}
	alive := []string{}
	for _, res := range results {
		if res.err != nil {
			failed = append(failed, res.name)
		} else {
			alive = append(alive, res.name)
		}
	}
	// Redistribute failed budgets across surviving sources.
	if len(failed) > 0 && len(alive) > 0 {
		spare := 0
		for _, name := range failed {
			spare += budgets[name]
			budgets[name] = 0
		}
		for i, name := range alive {
			extra := spare / len(alive)
			if i < spare%len(alive) {
				extra++
			}
			budgets[name] += extra
		}
	}

	requested := 0
	returned := 0
	fused := map[string]*ScoredMemory{}
	for _, res := range results {
		budget := budgets[res.name]
		requested += budget
		if res.err != nil {
			continue
		}
		items := res.items
		if len(items) > budget {
			items = items[:budget]
		}
		returned += len(items)
		for _, item := range items {
			if existing, ok := fused[item.ID]; ok {
				existing.Score += weights[res.name] * item.Score
				existing.Sources = append(existing.Sources, res.name)
				if existing.Summary == "" {
					existing.Summary = item.Summary
				}
			} else {
				fused[item.ID] = &ScoredMemory{
					ID:        item.ID,
					Kind:      item.Kind,
					Summary:   item.Summary,
					Score:     weights[res.name] * item.Score,
					Sources:   []string{res.name},
					Timestamp: item.Timestamp,
				}
			}
		}
	}

	memories := make([]*ScoredMemory, 0, len(fused))
	for _, m := range fused {
		memories = append(memories, m)
	}
	// Rank by combined score; equal scores tie-break by recency, then id for
	// full determinism.
	sort.Slice(memories, func(i, j int) bool {
		if memories[i].Score != memories[j].Score {
			return memories[i].Score > memories[j].Score
		}
		if memories[i].Timestamp != memories[j].Timestamp {
			return memories[i].Timestamp > memories[j].Timestamp
		}
		return memories[i].ID < memories[j].ID
	})
	if len(memories) > maxResults {
		memories = memories[:maxResults]
	}

	confidence := 0.0
	if requested > 0 {
		confidence = float64(returned) / float64(requested)
		if confidence > 1 {
			confidence = 1
		}
	}
	// Proportional penalty for unavailable sources, never zeroed.
	confidence *= float64(len(alive)) / 3

	summary := make([]string, 0, len(memories))
	for _, m := range memories {
		summary = append(summary, strings.Join([]string{
			m.Kind, m.ID, strings.Join(m.Sources, "+"),
			strings.TrimSpace(firstLine(m.Summary)),
		}, " | "))
	}

	return &MemoryContext{
		Memories:      memories,
		Summary:       summary,
		Confidence:    confidence,
		Partial:       len(failed) > 0,
		FailedSources: failed,
	}
}

// searchSemantic embeds the query and searches the vector layer over both
// event and consolidated-memory records.
func (r *Retriever) searchSemantic(ctx context.Context, query, threadID string, limit int) ([]*ScoredMemory, error) {
	embedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := r.store.VectorSearch(ctx, &store.VectorSearchOptions{
		ThreadID: threadID,
		Vector:   embedding,
		Limit:    limit,
	})
	if err != nil {
		return nil, err
	}

	items := make([]*ScoredMemory, 0, len(hits))
	for _, hit := range hits {
		kind := hit.Record.Payload.MemoryKind
		if kind == "" {
			kind = hit.Record.OwnerKind
		}
		items = append(items, &ScoredMemory{
			ID:        hit.Record.ID,
			Kind:      kind,
			Score:     float64(hit.Score),
			Timestamp: hit.Record.Payload.Timestamp,
		})
	}
	return r.dropTombstoned(ctx, items)
}

// searchGraph seeds traversal with entities extracted from the query and
// walks open edges up to the configured depth, collecting event and memory
// nodes. Scores decay with distance from the seed set.
func (r *Retriever) searchGraph(ctx context.Context, query, threadID string, limit int) ([]*ScoredMemory, error) {
	seeds := enhance.ExtractEntities(query)
	for _, topic := range enhance.ExtractTopics(query, nil) {
		seeds = append(seeds, topic)
	}
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		seeds = append(seeds, tok)
	}
	seeds = dedupe(seeds)
	if len(seeds) == 0 {
		return nil, nil
	}

	type found struct {
		score float64
		ts    int64
	}
	collected := map[string]found{}
	frontier := seeds
	visited := map[string]bool{}

	for depth := 1; depth <= r.config.GraphDepth && len(frontier) > 0; depth++ {
		edges, err := r.store.ListGraphEdges(ctx, &store.FindGraphEdge{
			ThreadID:     &threadID,
			TouchingKeys: frontier,
			OpenOnly:     true,
		})
		if err != nil {
			return nil, err
		}
		for _, key := range frontier {
			visited[key] = true
		}

		next := []string{}
		decay := 1 / float64(depth)
		for _, edge := range edges {
			for _, side := range []struct{ typ, key string }{
				{edge.SubjectType, edge.SubjectKey},
				{edge.ObjectType, edge.ObjectKey},
			} {
				if side.typ == store.NodeTypeEvent {
					score := float64(edge.Strength) * decay
					if prev, ok := collected[side.key]; !ok || score > prev.score {
						collected[side.key] = found{score: score, ts: edge.StartTs}
					}
				}
				if !visited[side.key] {
					visited[side.key] = true
					next = append(next, side.key)
				}
			}
		}
		frontier = next
	}

	ids := make([]string, 0, len(collected))
	for id := range collected {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	items := make([]*ScoredMemory, 0, len(ids))
	for _, id := range ids {
		f := collected[id]
		items = append(items, &ScoredMemory{
			ID:        id,
			Kind:      store.VectorOwnerEvent,
			Score:     clamp01(f.score),
			Timestamp: f.ts,
		})
	}
	items, err := r.dropTombstoned(ctx, items)
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].ID < items[j].ID
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// dropTombstoned removes event-kind items whose backing event has been
// logically deleted. The event store is the source of truth; the derived
// vector and graph layers may lag behind a tombstone.
func (r *Retriever) dropTombstoned(ctx context.Context, items []*ScoredMemory) ([]*ScoredMemory, error) {
	ids := []string{}
	for _, item := range items {
		if item.Kind == store.VectorOwnerEvent {
			ids = append(ids, item.ID)
		}
	}
	if len(ids) == 0 {
		return items, nil
	}
	events, err := r.store.ListEvents(ctx, &store.FindEvent{IDs: ids})
	if err != nil {
		return nil, err
	}
	alive := make(map[string]bool, len(events))
	for _, ev := range events {
		alive[ev.ID] = true
	}
	out := items[:0]
	for _, item := range items {
		if item.Kind == store.VectorOwnerEvent && !alive[item.ID] {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

// searchTemporal is keyword search over the event store with an exponential
// recency decay.
func (r *Retriever) searchTemporal(ctx context.Context, query, threadID string, limit int) ([]*ScoredMemory, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	now := time.Now().Unix()
	matches := map[string]*ScoredMemory{}
	hitCounts := map[string]int{}
	for _, term := range terms {
		term := term
		events, err := r.store.ListEvents(ctx, &store.FindEvent{
			ThreadID: &threadID,
			Keyword:  &term,
			Limit:    limit * 2,
		})
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			hitCounts[ev.ID]++
			if _, ok := matches[ev.ID]; !ok {
				ageHours := float64(now-ev.CreatedTs) / 3600
				if ageHours < 0 {
					ageHours = 0
				}
				matches[ev.ID] = &ScoredMemory{
					ID:        ev.ID,
					Kind:      store.VectorOwnerEvent,
					Summary:   firstLine(ev.Content),
					Timestamp: ev.CreatedTs,
					Score:     math.Pow(r.config.RecencyDecay, ageHours),
				}
			}
		}
	}

	items := make([]*ScoredMemory, 0, len(matches))
	for id, m := range matches {
		// Matching more query terms scales the recency score up.
		m.Score = clamp01(m.Score * float64(hitCounts[id]) / float64(len(terms)))
		items = append(items, m)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].Timestamp > items[j].Timestamp
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// recordAccess bumps access counters for returned consolidated memories so
// tiering sees retrieval traffic.
func (r *Retriever) recordAccess(ctx context.Context, mc *MemoryContext) error {
	ids := []string{}
	for _, m := range mc.Memories {
		switch m.Kind {
		case store.MemoryKindEpisodic, store.MemoryKindSemantic, store.MemoryKindProcedural, store.VectorOwnerMemory:
			ids = append(ids, m.ID)
		}
	}
	return r.store.RecordMemoryAccess(ctx, ids)
}

func atLeast1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, s := range in {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
