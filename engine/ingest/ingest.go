package ingest

import (
	"context"
	"crypto/rand"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/hrygo/recall/engine/enhance"
	engerr "github.com/hrygo/recall/internal/errors"
	"github.com/hrygo/recall/internal/observability"
	"github.com/hrygo/recall/plugin/ai"
	"github.com/hrygo/recall/store"
)

// graphLabelMax caps node labels so raw content never bloats the graph.
const graphLabelMax = 1000

// ApprovedEvent is an event that already passed the external approval gate.
// The pipeline performs no authorization check of its own.
type ApprovedEvent struct {
	// ID is optional; when empty the pipeline assigns a monotonic ULID.
	ID        string
	ThreadID  string
	AgentName string
	EventType string
	Content   string
	Metadata  map[string]string
	Tags      []string
	CreatedTs int64
}

// IngestResult reports the ids written across the three layers.
type IngestResult struct {
	EventID        string
	VectorID       string
	LinkedEntities []string
	// LinkStatus is "linked" when all three layers were written, otherwise
	// "partially_linked" pending the reconciliation sweep.
	LinkStatus string
}

// Pipeline writes one approved event across the event, vector and graph
// layers. The event store is the source of truth; the other two layers are
// derived and self-healing, so a failed derived write marks the event
// partially_linked instead of failing the call.
type Pipeline struct {
	store    *store.Store
	embedder ai.EmbeddingService
	logger   *slog.Logger
	backoff  engerr.BackoffConfig

	// group serializes concurrent ingests of the same event id.
	group singleflight.Group

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New creates an ingestion pipeline.
func New(s *store.Store, embedder ai.EmbeddingService, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:    s,
		embedder: embedder,
		logger:   logger,
		backoff:  engerr.DefaultBackoff(),
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
}

// NewEventID returns a monotonic-sortable unique event id.
func (p *Pipeline) NewEventID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), p.entropy).String()
}

// Ingest persists the event to all three layers and records the cross-layer
// links. Re-ingesting the same id any number of times yields exactly one
// event, one vector record, and no duplicate graph nodes or edges.
func (p *Pipeline) Ingest(ctx context.Context, approved *ApprovedEvent) (*IngestResult, error) {
	if err := validate(approved); err != nil {
		return nil, err
	}
	if approved.ID == "" {
		approved.ID = p.NewEventID()
	}
	if approved.CreatedTs == 0 {
		approved.CreatedTs = time.Now().Unix()
	}

	v, err, _ := p.group.Do(approved.ID, func() (any, error) {
		return p.ingestOne(ctx, approved)
	})
	if err != nil {
		return nil, err
	}
	return v.(*IngestResult), nil
}

func (p *Pipeline) ingestOne(ctx context.Context, approved *ApprovedEvent) (*IngestResult, error) {
	reqCtx := observability.NewRequestContext(p.logger, "ingest", approved.ThreadID)

	// The source-of-truth write is retried with backoff before the event is
	// surfaced as lost.
	var event *store.Event
	err := engerr.Retry(ctx, p.backoff, func() error {
		var uerr error
		event, uerr = p.store.UpsertEvent(ctx, &store.Event{
			ID:        approved.ID,
			ThreadID:  approved.ThreadID,
			AgentName: approved.AgentName,
			EventType: approved.EventType,
			Content:   approved.Content,
			Metadata:  cloneMetadata(approved.Metadata),
			Tags:      approved.Tags,
			CreatedTs: approved.CreatedTs,
		})
		return uerr
	})
	if err != nil {
		return nil, engerr.TransientStore("failed to persist event", err)
	}

	result := &IngestResult{EventID: event.ID}
	if err := p.linkDerivedLayers(ctx, event, result); err != nil {
		reqCtx.Warn("event left partially linked",
			slog.String(observability.LogFieldEventID, event.ID),
			slog.String(observability.LogFieldErrorCode, string(engerr.CodeOf(err))),
			slog.String("error", err.Error()),
		)
	}
	reqCtx.Info("event ingested",
		slog.String(observability.LogFieldEventID, event.ID),
		slog.String("link_status", result.LinkStatus),
		slog.Int64(observability.LogFieldDuration, reqCtx.DurationMs()),
	)
	return result, nil
}

// Relink re-runs the derived-layer writes (vector, graph, metadata links)
// for an already persisted event. The reconciliation sweep uses it to heal
// partially_linked events, and its idempotence is what makes the vector and
// graph layers rebuildable from the event store.
func (p *Pipeline) Relink(ctx context.Context, event *store.Event) error {
	result := &IngestResult{EventID: event.ID}
	return p.linkDerivedLayers(ctx, event, result)
}

// Tombstone logically deletes an event. The event row is kept for audit, but
// retrieval stops returning it; the derived vector record is removed so the
// rebuildable layers do not keep serving deleted content.
func (p *Pipeline) Tombstone(ctx context.Context, eventID string) error {
	if eventID == "" {
		return engerr.Validation("event id is required")
	}
	event, err := p.store.GetEvent(ctx, eventID)
	if err != nil {
		return engerr.TransientStore("failed to load event", err)
	}
	if event == nil {
		return engerr.Validation("unknown event id")
	}

	flag := true
	if _, err := p.store.UpdateEvent(ctx, &store.UpdateEvent{ID: eventID, Tombstone: &flag}); err != nil {
		return engerr.TransientStore("failed to tombstone event", err)
	}
	if err := p.store.DeleteVectorRecord(ctx, eventID); err != nil {
		// Retrieval filters tombstoned ids from every source, so a leftover
		// record is wasted space, not a leak.
		p.logger.Warn("failed to remove vector record for tombstoned event",
			slog.String(observability.LogFieldEventID, eventID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (p *Pipeline) linkDerivedLayers(ctx context.Context, event *store.Event, result *IngestResult) error {
	var missing []string

	vectorID, vecErr := p.writeVector(ctx, event)
	if vecErr != nil {
		missing = append(missing, "vector")
	} else {
		result.VectorID = vectorID
	}

	nodeIDs, entities, graphErr := p.writeGraph(ctx, event)
	if graphErr != nil {
		missing = append(missing, "graph")
	} else {
		result.LinkedEntities = entities
	}

	metadata := cloneMetadata(event.Metadata)
	if vecErr == nil {
		metadata[store.MetadataKeyVectorID] = vectorID
	}
	if graphErr == nil {
		metadata[store.MetadataKeyGraphNodeIDs] = strings.Join(nodeIDs, ",")
	}

	status := store.LinkStatusLinked
	if len(missing) > 0 {
		status = store.LinkStatusPartiallyLinked
		metadata[store.MetadataKeyMissingLayers] = strings.Join(missing, ",")
	} else {
		delete(metadata, store.MetadataKeyMissingLayers)
	}
	result.LinkStatus = status

	if err := engerr.Retry(ctx, p.backoff, func() error {
		_, uerr := p.store.UpdateEvent(ctx, &store.UpdateEvent{
			ID:         event.ID,
			Metadata:   &metadata,
			LinkStatus: &status,
		})
		return uerr
	}); err != nil {
		return engerr.TransientStore("failed to record cross-layer links", err)
	}

	if len(missing) > 0 {
		cause := vecErr
		if cause == nil {
			cause = graphErr
		}
		return engerr.PartialLink("missing layers: "+strings.Join(missing, ","), cause)
	}
	return nil
}

func (p *Pipeline) writeVector(ctx context.Context, event *store.Event) (string, error) {
	embedding, err := p.embedder.Embed(ctx, event.Content)
	if err != nil {
		return "", err
	}
	record, err := p.store.UpsertVectorRecord(ctx, &store.VectorRecord{
		ID:        event.ID,
		OwnerKind: store.VectorOwnerEvent,
		Embedding: embedding,
		Payload: store.VectorPayload{
			ThreadID:  event.ThreadID,
			AgentName: event.AgentName,
			EventType: event.EventType,
			Timestamp: event.CreatedTs,
		},
	})
	if err != nil {
		return "", err
	}
	return record.ID, nil
}

// writeGraph performs the lightweight pre-enhancement graph pass: thread,
// agent and event anchor nodes, entity mentions, and the followed_by chain to
// the thread's previous event.
func (p *Pipeline) writeGraph(ctx context.Context, event *store.Event) ([]string, []string, error) {
	nodes := []*store.GraphNode{
		{Type: store.NodeTypeThread, Key: event.ThreadID, Label: event.ThreadID},
		{Type: store.NodeTypeAgent, Key: event.AgentName, Label: event.AgentName},
		{Type: store.NodeTypeEvent, Key: event.ID, Label: truncate(event.Content, graphLabelMax)},
	}
	entities := enhance.ExtractEntities(event.Content)
	for _, e := range entities {
		nodes = append(nodes, &store.GraphNode{Type: store.NodeTypeEntity, Key: e, Label: e})
	}

	nodeIDs := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if _, err := p.store.UpsertGraphNode(ctx, n); err != nil {
			return nil, nil, err
		}
		nodeIDs = append(nodeIDs, n.NodeID())
	}

	observations := []*store.GraphEdgeObservation{
		{
			SubjectType: store.NodeTypeAgent, SubjectKey: event.AgentName,
			Predicate:  store.PredicateParticipatedIn,
			ObjectType: store.NodeTypeThread, ObjectKey: event.ThreadID,
			ThreadID: event.ThreadID, Value: "member", Strength: 0.5,
			ObservedTs: event.CreatedTs,
		},
	}
	for _, e := range entities {
		observations = append(observations, &store.GraphEdgeObservation{
			SubjectType: store.NodeTypeEvent, SubjectKey: event.ID,
			Predicate:  store.PredicateMentions,
			ObjectType: store.NodeTypeEntity, ObjectKey: e,
			ThreadID: event.ThreadID, Value: "mention", Strength: 0.5,
			ObservedTs: event.CreatedTs,
		})
	}

	if prev, err := p.previousEvent(ctx, event); err == nil && prev != nil {
		observations = append(observations, &store.GraphEdgeObservation{
			SubjectType: store.NodeTypeEvent, SubjectKey: prev.ID,
			Predicate:  store.PredicateFollowedBy,
			ObjectType: store.NodeTypeEvent, ObjectKey: event.ID,
			ThreadID: event.ThreadID, Value: "sequence", Strength: 1,
			ObservedTs: event.CreatedTs,
		})
	}

	for _, obs := range observations {
		if _, err := p.store.ObserveGraphEdge(ctx, obs); err != nil {
			return nil, nil, err
		}
	}
	return nodeIDs, entities, nil
}

// previousEvent finds the thread's latest event created before this one.
func (p *Pipeline) previousEvent(ctx context.Context, event *store.Event) (*store.Event, error) {
	before := event.CreatedTs + 1
	list, err := p.store.ListEvents(ctx, &store.FindEvent{
		ThreadID: &event.ThreadID,
		BeforeTs: &before,
		Limit:    2,
	})
	if err != nil {
		return nil, err
	}
	for _, e := range list {
		if e.ID != event.ID && (e.CreatedTs < event.CreatedTs || (e.CreatedTs == event.CreatedTs && e.ID < event.ID)) {
			return e, nil
		}
	}
	return nil, nil
}

func validate(approved *ApprovedEvent) error {
	if approved == nil {
		return engerr.Validation("event is required")
	}
	if approved.ThreadID == "" {
		return engerr.Validation("thread id is required")
	}
	if approved.AgentName == "" {
		return engerr.Validation("agent name is required")
	}
	if approved.EventType == "" {
		return engerr.Validation("event type is required")
	}
	if strings.TrimSpace(approved.Content) == "" {
		return engerr.Validation("content is required")
	}
	return nil
}

func cloneMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
