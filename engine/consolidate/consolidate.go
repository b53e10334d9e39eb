package consolidate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"

	engerr "github.com/hrygo/recall/internal/errors"
	"github.com/hrygo/recall/internal/observability"
	"github.com/hrygo/recall/plugin/ai"
	"github.com/hrygo/recall/store"
)

// Weights are the importance-score factors. They always sum to 1 in the
// default configuration; the score is clamped to [0,1] regardless.
type Weights struct {
	Recency             float64
	Frequency           float64
	SemanticCentrality  float64
	GraphCentrality     float64
	AgentPreference     float64
	OutcomeSignificance float64
}

// DefaultWeights returns the canonical importance weighting.
func DefaultWeights() Weights {
	return Weights{
		Recency:             0.20,
		Frequency:           0.20,
		SemanticCentrality:  0.20,
		GraphCentrality:     0.15,
		AgentPreference:     0.15,
		OutcomeSignificance: 0.10,
	}
}

// Config holds the consolidation knobs, passed explicitly so the engine is
// testable in isolation.
type Config struct {
	Weights Weights
	// MinClusterSize is the smallest event group that counts as a pattern.
	MinClusterSize int
	// SharedEntities is how many salient entities two events must share to
	// belong to the same pattern when they carry no common topic.
	SharedEntities int
	// MaxChainDepth bounds the followed_by walk for procedural memories.
	MaxChainDepth int
}

// DefaultConfig returns the default consolidation configuration.
func DefaultConfig() Config {
	return Config{
		Weights:        DefaultWeights(),
		MinClusterSize: 2,
		SharedEntities: 2,
		MaxChainDepth:  5,
	}
}

// Window is the closed-open time range [StartTs, EndTs) a consolidation run
// covers. Importance recency is computed relative to EndTs, which keeps
// re-runs over the same window deterministic.
type Window struct {
	StartTs int64
	EndTs   int64
}

// WindowEnding builds a window of the given length ending at end.
func WindowEnding(end time.Time, length time.Duration) Window {
	return Window{StartTs: end.Add(-length).Unix(), EndTs: end.Unix()}
}

// Result groups the memories emitted by one consolidation run.
type Result struct {
	Episodic   []*store.ConsolidatedMemory
	Semantic   []*store.ConsolidatedMemory
	Procedural []*store.ConsolidatedMemory
}

// Engine derives episodic, semantic and procedural memories from enhanced
// events. Runs over overlapping windows supersede prior memories instead of
// deleting them.
type Engine struct {
	store    *store.Store
	embedder ai.EmbeddingService
	config   Config
	logger   *slog.Logger
}

// New creates a consolidation engine.
func New(s *store.Store, embedder ai.EmbeddingService, config Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, embedder: embedder, config: config, logger: logger}
}

// Consolidate scans the thread's enhanced events within the window, clusters
// recurring patterns, and persists the derived memories. Re-running on an
// unchanged window produces memories with identical importance scores.
func (e *Engine) Consolidate(ctx context.Context, threadID string, window Window) (*Result, error) {
	if threadID == "" {
		return nil, engerr.Validation("thread id is required")
	}
	if window.EndTs <= window.StartTs {
		return nil, engerr.Validation("window end must be after window start")
	}
	reqCtx := observability.NewRequestContext(e.logger, "consolidate", threadID)

	input, err := e.loadWindow(ctx, threadID, window)
	if err != nil {
		return nil, err
	}
	if len(input.events) == 0 {
		return &Result{}, nil
	}

	result := &Result{}
	clusters := e.cluster(input)
	for _, cluster := range clusters {
		m := e.buildEpisodic(input, window, cluster)
		result.Episodic = append(result.Episodic, m)
	}
	for _, m := range e.buildSemantic(input, window, clusters) {
		result.Semantic = append(result.Semantic, m)
	}
	for _, m := range e.buildProcedural(input, window) {
		result.Procedural = append(result.Procedural, m)
	}

	for _, m := range allMemories(result) {
		if err := e.persist(ctx, threadID, window, m); err != nil {
			return nil, engerr.TransientStore("failed to persist consolidated memory", err)
		}
	}

	reqCtx.Info("consolidation complete",
		slog.Int("events", len(input.events)),
		slog.Int("episodic", len(result.Episodic)),
		slog.Int("semantic", len(result.Semantic)),
		slog.Int("procedural", len(result.Procedural)),
		slog.Int64(observability.LogFieldDuration, reqCtx.DurationMs()),
	)
	return result, nil
}

// windowInput is everything one run reads: enhanced events, their vector
// payloads, and the thread's graph edges.
type windowInput struct {
	threadID string
	events   []*store.Event
	vectors  map[string]*store.VectorRecord
	edges    []*store.GraphEdge
	// prefs maps agent name to learned topic weights.
	prefs map[string]map[string]float64
}

func (e *Engine) loadWindow(ctx context.Context, threadID string, window Window) (*windowInput, error) {
	all, err := e.store.ListEvents(ctx, &store.FindEvent{
		ThreadID: &threadID,
		AfterTs:  &window.StartTs,
		BeforeTs: &window.EndTs,
		OrderAsc: true,
	})
	if err != nil {
		return nil, engerr.TransientStore("failed to load window events", err)
	}
	events := make([]*store.Event, 0, len(all))
	for _, ev := range all {
		if ev.EnhancedTs > 0 {
			events = append(events, ev)
		}
	}

	records, err := e.store.ListVectorRecords(ctx, &store.FindVectorRecord{ThreadID: &threadID})
	if err != nil {
		return nil, engerr.TransientStore("failed to load vector records", err)
	}
	vectors := make(map[string]*store.VectorRecord, len(records))
	for _, r := range records {
		vectors[r.ID] = r
	}

	edges, err := e.store.ListGraphEdges(ctx, &store.FindGraphEdge{ThreadID: &threadID})
	if err != nil {
		return nil, engerr.TransientStore("failed to load graph edges", err)
	}

	prefs := map[string]map[string]float64{}
	for _, ev := range events {
		if _, ok := prefs[ev.AgentName]; ok {
			continue
		}
		pref, err := e.store.GetAgentPreference(ctx, ev.AgentName)
		if err != nil {
			return nil, engerr.TransientStore("failed to load agent preference", err)
		}
		if pref != nil {
			prefs[ev.AgentName] = pref.TopicWeights
		} else {
			prefs[ev.AgentName] = nil
		}
	}

	return &windowInput{threadID: threadID, events: events, vectors: vectors, edges: edges, prefs: prefs}, nil
}

// cluster groups events into patterns: events sharing the minimum number of
// salient entities or any topic label end up in the same cluster. Clusters
// below the minimum size are not patterns.
func (e *Engine) cluster(input *windowInput) [][]*store.Event {
	n := len(input.events)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(i, j int) { parent[find(i)] = find(j) }

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if e.related(input, input.events[i], input.events[j]) {
				union(i, j)
			}
		}
	}

	groups := map[int][]*store.Event{}
	for i, ev := range input.events {
		root := find(i)
		groups[root] = append(groups[root], ev)
	}

	clusters := [][]*store.Event{}
	for _, g := range groups {
		if len(g) >= e.config.MinClusterSize {
			clusters = append(clusters, g)
		}
	}
	// Events are already time-ordered; order clusters by their first event
	// so output is stable across runs.
	sort.Slice(clusters, func(i, j int) bool {
		return clusters[i][0].ID < clusters[j][0].ID
	})
	return clusters
}

func (e *Engine) related(input *windowInput, a, b *store.Event) bool {
	pa, pb := payloadOf(input, a.ID), payloadOf(input, b.ID)
	shared := 0
	for _, ea := range pa.Entities {
		for _, eb := range pb.Entities {
			if ea == eb {
				shared++
			}
		}
	}
	if shared >= e.config.SharedEntities {
		return true
	}
	for _, ta := range pa.Topics {
		for _, tb := range pb.Topics {
			if ta == tb {
				return true
			}
		}
	}
	return false
}

// buildEpisodic captures one pattern cluster: the specific events, in order.
func (e *Engine) buildEpisodic(input *windowInput, window Window, cluster []*store.Event) *store.ConsolidatedMemory {
	ids := eventIDs(cluster)
	topic := dominantTopic(input, cluster)
	summary := fmt.Sprintf("episode %q: %d events (%s .. %s) involving %s",
		topic, len(cluster),
		time.Unix(cluster[0].CreatedTs, 0).UTC().Format(time.RFC3339),
		time.Unix(cluster[len(cluster)-1].CreatedTs, 0).UTC().Format(time.RFC3339),
		strings.Join(agentNames(cluster), ", "),
	)
	return &store.ConsolidatedMemory{
		Kind:            store.MemoryKindEpisodic,
		ThreadID:        input.threadID,
		SourceEventIDs:  ids,
		Summary:         summary,
		Topic:           topic,
		WindowStartTs:   window.StartTs,
		WindowEndTs:     window.EndTs,
		ImportanceScore: e.importance(input, window, cluster, topic),
	}
}

// buildSemantic generalizes across clusters sharing a topic, independent of
// the specific events.
func (e *Engine) buildSemantic(input *windowInput, window Window, clusters [][]*store.Event) []*store.ConsolidatedMemory {
	byTopic := map[string][]*store.Event{}
	for _, cluster := range clusters {
		topic := dominantTopic(input, cluster)
		if topic == "" {
			continue
		}
		byTopic[topic] = append(byTopic[topic], cluster...)
	}

	topics := make([]string, 0, len(byTopic))
	for t := range byTopic {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	memories := []*store.ConsolidatedMemory{}
	for _, topic := range topics {
		events := dedupeEvents(byTopic[topic])
		summary := fmt.Sprintf("topic %q recurred across %d events in thread %s", topic, len(events), input.threadID)
		memories = append(memories, &store.ConsolidatedMemory{
			Kind:            store.MemoryKindSemantic,
			ThreadID:        input.threadID,
			SourceEventIDs:  eventIDs(events),
			Summary:         summary,
			Topic:           topic,
			WindowStartTs:   window.StartTs,
			WindowEndTs:     window.EndTs,
			ImportanceScore: e.importance(input, window, events, topic),
		})
	}
	return memories
}

// buildProcedural finds action sequences ending at an outcome node: it walks
// followed_by chains backwards from each led_to edge.
func (e *Engine) buildProcedural(input *windowInput, window Window) []*store.ConsolidatedMemory {
	predecessor := map[string]string{}
	for _, edge := range input.edges {
		if edge.Predicate == store.PredicateFollowedBy && edge.EndTs == nil {
			predecessor[edge.ObjectKey] = edge.SubjectKey
		}
	}
	byID := map[string]*store.Event{}
	for _, ev := range input.events {
		byID[ev.ID] = ev
	}

	memories := []*store.ConsolidatedMemory{}
	for _, edge := range input.edges {
		if edge.Predicate != store.PredicateLedTo || edge.EndTs != nil {
			continue
		}
		terminal, ok := byID[edge.SubjectKey]
		if !ok {
			continue
		}

		chain := []*store.Event{terminal}
		cursor := terminal.ID
		for len(chain) < e.config.MaxChainDepth {
			prev, ok := predecessor[cursor]
			if !ok {
				break
			}
			ev, ok := byID[prev]
			if !ok {
				break
			}
			chain = append([]*store.Event{ev}, chain...)
			cursor = prev
		}
		if len(chain) < e.config.MinClusterSize {
			continue
		}

		outcome := edge.Value
		topic := dominantTopic(input, chain)
		summary := fmt.Sprintf("procedure: %d steps leading to outcome %q (topic %q)", len(chain), outcome, topic)
		memories = append(memories, &store.ConsolidatedMemory{
			Kind:            store.MemoryKindProcedural,
			ThreadID:        input.threadID,
			SourceEventIDs:  eventIDs(chain),
			Summary:         summary,
			Topic:           topic,
			WindowStartTs:   window.StartTs,
			WindowEndTs:     window.EndTs,
			ImportanceScore: e.importance(input, window, chain, topic),
		})
	}

	sort.Slice(memories, func(i, j int) bool { return memories[i].Summary < memories[j].Summary })
	return memories
}

// persist stores the memory, supersedes overlapping active memories of the
// same kind, and indexes the summary in the vector layer.
func (e *Engine) persist(ctx context.Context, threadID string, window Window, m *store.ConsolidatedMemory) error {
	overlapping, err := e.store.ListConsolidatedMemories(ctx, &store.FindConsolidatedMemory{
		ThreadID:       &threadID,
		Kinds:          []string{m.Kind},
		ActiveOnly:     true,
		OverlapStartTs: &window.StartTs,
		OverlapEndTs:   &window.EndTs,
	})
	if err != nil {
		return err
	}

	m.ID = shortuuid.New()
	created, err := e.store.CreateConsolidatedMemory(ctx, m)
	if err != nil {
		return err
	}

	for _, old := range overlapping {
		if old.Topic != m.Topic {
			continue
		}
		if _, err := e.store.UpdateConsolidatedMemory(ctx, &store.UpdateConsolidatedMemory{
			ID:           old.ID,
			SupersededBy: &created.ID,
		}); err != nil {
			return err
		}
	}

	embedding, err := e.embedder.Embed(ctx, m.Summary)
	if err != nil {
		// The memory row is authoritative; a missing summary embedding only
		// weakens semantic retrieval and is rebuilt on the next run.
		e.logger.Warn("failed to embed memory summary",
			slog.String("memory_id", created.ID), slog.String("error", err.Error()))
		return nil
	}
	_, err = e.store.UpsertVectorRecord(ctx, &store.VectorRecord{
		ID:        created.ID,
		OwnerKind: store.VectorOwnerMemory,
		Embedding: embedding,
		Payload: store.VectorPayload{
			ThreadID:   threadID,
			Timestamp:  window.EndTs,
			Importance: m.ImportanceScore,
			MemoryKind: m.Kind,
			Topics:     []string{m.Topic},
		},
	})
	return err
}

// importance computes the weighted-sum score. Every factor is normalized to
// [0,1] and derived only from stored data plus the window bounds, so replaying
// the same window converges to the same score.
func (e *Engine) importance(input *windowInput, window Window, events []*store.Event, topic string) float32 {
	w := e.config.Weights
	score := w.Recency*e.recency(window, events) +
		w.Frequency*e.frequency(input, events) +
		w.SemanticCentrality*e.semanticCentrality(input, events) +
		w.GraphCentrality*e.graphCentrality(input, events) +
		w.AgentPreference*e.agentPreference(input, events, topic) +
		w.OutcomeSignificance*e.outcomeSignificance(events)
	return float32(clamp01(score))
}

func (e *Engine) recency(window Window, events []*store.Event) float64 {
	span := float64(window.EndTs - window.StartTs)
	if span <= 0 || len(events) == 0 {
		return 0
	}
	var totalAge float64
	for _, ev := range events {
		totalAge += float64(window.EndTs - ev.CreatedTs)
	}
	return clamp01(1 - totalAge/float64(len(events))/span)
}

func (e *Engine) frequency(input *windowInput, events []*store.Event) float64 {
	if len(input.events) == 0 {
		return 0
	}
	return clamp01(float64(len(events)) / float64(len(input.events)))
}

// semanticCentrality is the mean cosine similarity of member embeddings to
// their centroid.
func (e *Engine) semanticCentrality(input *windowInput, events []*store.Event) float64 {
	vectors := [][]float32{}
	for _, ev := range events {
		if r, ok := input.vectors[ev.ID]; ok && len(r.Embedding) > 0 {
			vectors = append(vectors, r.Embedding)
		}
	}
	if len(vectors) == 0 {
		return 0
	}
	if len(vectors) == 1 {
		return 1
	}

	centroid := make([]float64, len(vectors[0]))
	for _, v := range vectors {
		for i := range centroid {
			centroid[i] += float64(v[i])
		}
	}
	for i := range centroid {
		centroid[i] /= float64(len(vectors))
	}

	var total float64
	for _, v := range vectors {
		total += cosine(v, centroid)
	}
	return clamp01(total / float64(len(vectors)))
}

// graphCentrality is the share of the thread's open edges touching the
// member events or their entities.
func (e *Engine) graphCentrality(input *windowInput, events []*store.Event) float64 {
	open := 0
	touching := 0
	keys := map[string]bool{}
	for _, ev := range events {
		keys[ev.ID] = true
		if r, ok := input.vectors[ev.ID]; ok {
			for _, entity := range r.Payload.Entities {
				keys[entity] = true
			}
		}
	}
	for _, edge := range input.edges {
		if edge.EndTs != nil {
			continue
		}
		open++
		if keys[edge.SubjectKey] || keys[edge.ObjectKey] {
			touching++
		}
	}
	if open == 0 {
		return 0
	}
	return clamp01(float64(touching) / float64(open))
}

// agentPreference averages the participating agents' learned weight for the
// memory's topic; agents without recorded preferences contribute a neutral 0.5.
func (e *Engine) agentPreference(input *windowInput, events []*store.Event, topic string) float64 {
	if len(events) == 0 {
		return 0.5
	}
	var total float64
	for _, ev := range events {
		weight := 0.5
		if weights := input.prefs[ev.AgentName]; weights != nil {
			if w, ok := weights[topic]; ok {
				weight = clamp01(w)
			}
		}
		total += weight
	}
	return clamp01(total / float64(len(events)))
}

func (e *Engine) outcomeSignificance(events []*store.Event) float64 {
	if len(events) == 0 {
		return 0
	}
	with := 0
	for _, ev := range events {
		if ev.Metadata["outcome"] != "" {
			with++
		}
	}
	return clamp01(float64(with) / float64(len(events)))
}

func payloadOf(input *windowInput, id string) store.VectorPayload {
	if r, ok := input.vectors[id]; ok {
		return r.Payload
	}
	return store.VectorPayload{}
}

// dominantTopic picks the most frequent topic across the events,
// alphabetical on ties.
func dominantTopic(input *windowInput, events []*store.Event) string {
	counts := map[string]int{}
	for _, ev := range events {
		for _, t := range payloadOf(input, ev.ID).Topics {
			counts[t]++
		}
	}
	best, bestCount := "", 0
	topics := make([]string, 0, len(counts))
	for t := range counts {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	for _, t := range topics {
		if counts[t] > bestCount {
			best, bestCount = t, counts[t]
		}
	}
	return best
}

func eventIDs(events []*store.Event) []string {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	sort.Strings(ids)
	return ids
}

func agentNames(events []*store.Event) []string {
	seen := map[string]bool{}
	names := []string{}
	for _, ev := range events {
		if !seen[ev.AgentName] {
			seen[ev.AgentName] = true
			names = append(names, ev.AgentName)
		}
	}
	sort.Strings(names)
	return names
}

func dedupeEvents(events []*store.Event) []*store.Event {
	seen := map[string]bool{}
	out := []*store.Event{}
	for _, ev := range events {
		if !seen[ev.ID] {
			seen[ev.ID] = true
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func allMemories(r *Result) []*store.ConsolidatedMemory {
	all := []*store.ConsolidatedMemory{}
	all = append(all, r.Episodic...)
	all = append(all, r.Semantic...)
	all = append(all, r.Procedural...)
	return all
}

func cosine(a []float32, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * b[i]
		normA += float64(a[i]) * float64(a[i])
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return clamp01((dot/(math.Sqrt(normA)*math.Sqrt(normB)) + 1) / 2)
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
