package ingest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	engerr "github.com/hrygo/recall/internal/errors"
	"github.com/hrygo/recall/internal/profile"
	"github.com/hrygo/recall/plugin/ai"
	"github.com/hrygo/recall/store"
	"github.com/hrygo/recall/store/db/sqlite"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	p := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "recall_test.db"),
	}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	require.NoError(t, driver.Migrate(context.Background()))
	s := store.New(driver, p)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIngestWritesAllLayers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	pipeline := New(s, ai.NewDeterministicEmbedder(16), nil)

	result, err := pipeline.Ingest(ctx, &ApprovedEvent{
		ThreadID:  "t1",
		AgentName: "agent-a",
		EventType: store.EventTypeMessage,
		Content:   "Deploying service-api to production",
		Tags:      []string{"deploy"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.EventID)
	require.Equal(t, result.EventID, result.VectorID)
	require.Equal(t, store.LinkStatusLinked, result.LinkStatus)
	require.NotEmpty(t, result.LinkedEntities)

	event, err := s.GetEvent(ctx, result.EventID)
	require.NoError(t, err)
	require.NotNil(t, event)
	require.Equal(t, store.LinkStatusLinked, event.LinkStatus)
	require.Equal(t, result.EventID, event.Metadata[store.MetadataKeyVectorID])
	require.NotEmpty(t, event.Metadata[store.MetadataKeyGraphNodeIDs])

	record, err := s.GetVectorRecord(ctx, result.EventID)
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Equal(t, store.VectorOwnerEvent, record.OwnerKind)
	require.Equal(t, "t1", record.Payload.ThreadID)

	threadType := store.NodeTypeThread
	nodes, err := s.ListGraphNodes(ctx, &store.FindGraphNode{Type: &threadType})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
}

func TestIngestIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	pipeline := New(s, ai.NewDeterministicEmbedder(16), nil)

	approved := &ApprovedEvent{
		ID:        pipeline.NewEventID(),
		ThreadID:  "t1",
		AgentName: "agent-a",
		EventType: store.EventTypeMessage,
		Content:   "Deploying service-api to production",
		CreatedTs: 100,
	}
	first, err := pipeline.Ingest(ctx, approved)
	require.NoError(t, err)

	edgesBefore, err := s.ListGraphEdges(ctx, &store.FindGraphEdge{ThreadID: strPtr("t1")})
	require.NoError(t, err)

	second, err := pipeline.Ingest(ctx, approved)
	require.NoError(t, err)
	require.Equal(t, first.EventID, second.EventID)

	threadID := "t1"
	events, err := s.ListEvents(ctx, &store.FindEvent{ThreadID: &threadID})
	require.NoError(t, err)
	require.Len(t, events, 1)

	records, err := s.ListVectorRecords(ctx, &store.FindVectorRecord{ThreadID: &threadID})
	require.NoError(t, err)
	require.Len(t, records, 1)

	// Re-observation reinforces existing edges instead of duplicating them.
	edgesAfter, err := s.ListGraphEdges(ctx, &store.FindGraphEdge{ThreadID: strPtr("t1")})
	require.NoError(t, err)
	require.Len(t, edgesAfter, len(edgesBefore))
	for _, e := range edgesAfter {
		require.Nil(t, e.EndTs)
	}
}

func TestIngestChainsFollowedBy(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	pipeline := New(s, ai.NewDeterministicEmbedder(16), nil)

	first, err := pipeline.Ingest(ctx, &ApprovedEvent{
		ThreadID: "t1", AgentName: "agent-a", EventType: store.EventTypeMessage,
		Content: "first step", CreatedTs: 100,
	})
	require.NoError(t, err)
	second, err := pipeline.Ingest(ctx, &ApprovedEvent{
		ThreadID: "t1", AgentName: "agent-a", EventType: store.EventTypeMessage,
		Content: "second step", CreatedTs: 200,
	})
	require.NoError(t, err)

	predicate := store.PredicateFollowedBy
	chain, err := s.ListGraphEdges(ctx, &store.FindGraphEdge{ThreadID: strPtr("t1"), Predicate: &predicate})
	require.NoError(t, err)
	require.Len(t, chain, 1)
	require.Equal(t, first.EventID, chain[0].SubjectKey)
	require.Equal(t, second.EventID, chain[0].ObjectKey)
}

func TestIngestValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	pipeline := New(s, ai.NewDeterministicEmbedder(16), nil)

	tests := []struct {
		name     string
		approved *ApprovedEvent
	}{
		{name: "nil event", approved: nil},
		{name: "missing thread", approved: &ApprovedEvent{AgentName: "a", EventType: "message", Content: "c"}},
		{name: "missing agent", approved: &ApprovedEvent{ThreadID: "t1", EventType: "message", Content: "c"}},
		{name: "missing type", approved: &ApprovedEvent{ThreadID: "t1", AgentName: "a", Content: "c"}},
		{name: "blank content", approved: &ApprovedEvent{ThreadID: "t1", AgentName: "a", EventType: "message", Content: "   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pipeline.Ingest(ctx, tt.approved)
			require.Error(t, err)
			require.Equal(t, engerr.ErrCodeValidation, engerr.CodeOf(err))
		})
	}
}

func TestIngestSurvivesEmbeddingFailure(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	pipeline := New(s, failingEmbedder{}, nil)

	result, err := pipeline.Ingest(ctx, &ApprovedEvent{
		ThreadID: "t1", AgentName: "agent-a", EventType: store.EventTypeMessage,
		Content: "vector layer is down",
	})
	require.NoError(t, err)
	require.Equal(t, store.LinkStatusPartiallyLinked, result.LinkStatus)
	require.Empty(t, result.VectorID)

	event, err := s.GetEvent(ctx, result.EventID)
	require.NoError(t, err)
	require.Equal(t, store.LinkStatusPartiallyLinked, event.LinkStatus)
	require.Contains(t, event.Metadata[store.MetadataKeyMissingLayers], "vector")
}

func TestRelinkHealsPartialEvent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	broken := New(s, failingEmbedder{}, nil)
	result, err := broken.Ingest(ctx, &ApprovedEvent{
		ThreadID: "t1", AgentName: "agent-a", EventType: store.EventTypeMessage,
		Content: "heal me later",
	})
	require.NoError(t, err)
	require.Equal(t, store.LinkStatusPartiallyLinked, result.LinkStatus)

	event, err := s.GetEvent(ctx, result.EventID)
	require.NoError(t, err)

	healthy := New(s, ai.NewDeterministicEmbedder(16), nil)
	require.NoError(t, healthy.Relink(ctx, event))

	healed, err := s.GetEvent(ctx, result.EventID)
	require.NoError(t, err)
	require.Equal(t, store.LinkStatusLinked, healed.LinkStatus)
	require.NotContains(t, healed.Metadata, store.MetadataKeyMissingLayers)

	record, err := s.GetVectorRecord(ctx, result.EventID)
	require.NoError(t, err)
	require.NotNil(t, record)
}

func TestIngestRetriesTransientStoreFailure(t *testing.T) {
	ctx := context.Background()
	p := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "recall_test.db"),
	}
	inner, err := sqlite.NewDB(p)
	require.NoError(t, err)
	require.NoError(t, inner.Migrate(ctx))
	t.Cleanup(func() { _ = inner.Close() })

	flaky := &flakyDriver{Driver: inner, failures: 2}
	pipeline := New(store.New(flaky, p), ai.NewDeterministicEmbedder(16), nil)

	result, err := pipeline.Ingest(ctx, &ApprovedEvent{
		ThreadID: "t1", AgentName: "agent-a", EventType: store.EventTypeMessage,
		Content: "deploying service-api",
	})
	require.NoError(t, err)
	require.Equal(t, store.LinkStatusLinked, result.LinkStatus)
	require.Zero(t, flaky.failures)

	// More consecutive failures than the retry budget surface as an error.
	exhausted := &flakyDriver{Driver: inner, failures: 5}
	_, err = New(store.New(exhausted, p), ai.NewDeterministicEmbedder(16), nil).Ingest(ctx, &ApprovedEvent{
		ThreadID: "t1", AgentName: "agent-a", EventType: store.EventTypeMessage,
		Content: "store is down",
	})
	require.Error(t, err)
	require.Equal(t, engerr.ErrCodeTransientStore, engerr.CodeOf(err))
}

func TestTombstoneRemovesDerivedVector(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	pipeline := New(s, ai.NewDeterministicEmbedder(16), nil)

	result, err := pipeline.Ingest(ctx, &ApprovedEvent{
		ThreadID: "t1", AgentName: "agent-a", EventType: store.EventTypeMessage,
		Content: "to be deleted",
	})
	require.NoError(t, err)

	require.NoError(t, pipeline.Tombstone(ctx, result.EventID))

	// The event row survives for audit but is excluded by default listings.
	threadID := "t1"
	events, err := s.ListEvents(ctx, &store.FindEvent{ThreadID: &threadID})
	require.NoError(t, err)
	require.Empty(t, events)

	event, err := s.GetEvent(ctx, result.EventID)
	require.NoError(t, err)
	require.NotNil(t, event)
	require.True(t, event.Tombstone)

	record, err := s.GetVectorRecord(ctx, result.EventID)
	require.NoError(t, err)
	require.Nil(t, record)

	require.Equal(t, engerr.ErrCodeValidation, engerr.CodeOf(pipeline.Tombstone(ctx, "")))
	require.Equal(t, engerr.ErrCodeValidation, engerr.CodeOf(pipeline.Tombstone(ctx, "no-such-event")))
}

func TestNewEventIDMonotonic(t *testing.T) {
	pipeline := New(newTestStore(t), ai.NewDeterministicEmbedder(16), nil)
	prev := pipeline.NewEventID()
	for i := 0; i < 100; i++ {
		next := pipeline.NewEventID()
		require.Greater(t, next, prev)
		prev = next
	}
}

// flakyDriver fails the first failures UpsertEvent calls, then delegates.
type flakyDriver struct {
	store.Driver
	failures int
}

func (d *flakyDriver) UpsertEvent(ctx context.Context, upsert *store.Event) (*store.Event, error) {
	if d.failures > 0 {
		d.failures--
		return nil, engerr.TransientStore("connection reset", nil)
	}
	return d.Driver.UpsertEvent(ctx, upsert)
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, context.DeadlineExceeded
}

func (failingEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, context.DeadlineExceeded
}

func (failingEmbedder) Dimensions() int { return 16 }

func strPtr(s string) *string { return &s }
