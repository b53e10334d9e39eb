package enhance

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/recall/internal/profile"
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

func seedEvent(t *testing.T, s *store.Store, event *store.Event) *store.Event {
	t.Helper()
	ctx := context.Background()
	created, err := s.UpsertEvent(ctx, event)
	require.NoError(t, err)
	_, err = s.UpsertVectorRecord(ctx, &store.VectorRecord{
		ID:        event.ID,
		OwnerKind: store.VectorOwnerEvent,
		Embedding: []float32{1, 0, 0},
		Payload: store.VectorPayload{
			ThreadID:  event.ThreadID,
			AgentName: event.AgentName,
			EventType: event.EventType,
			Timestamp: event.CreatedTs,
		},
	})
	require.NoError(t, err)
	return created
}

func TestEnhanceBatchEnrichesEvent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedEvent(t, s, &store.Event{
		ID: "e1", ThreadID: "t1", AgentName: "agent-a",
		EventType: store.EventTypeMessage,
		Content:   "Deployment of service-api failed with a timeout",
		Tags:      []string{"incident"},
		CreatedTs: 100,
	})

	enhancer := New(s, DefaultConfig(), nil)
	processed, err := enhancer.EnhanceBatch(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	event, err := s.GetEvent(ctx, "e1")
	require.NoError(t, err)
	require.NotZero(t, event.EnhancedTs)
	require.Empty(t, event.ClaimedBy)

	record, err := s.GetVectorRecord(ctx, "e1")
	require.NoError(t, err)
	require.Contains(t, record.Payload.Entities, "service-api")
	require.Contains(t, record.Payload.Topics, "deploy")
	require.Contains(t, record.Payload.Topics, "incident")
	require.Equal(t, "negative", record.Payload.Sentiment)
	require.Equal(t, "report", record.Payload.Intent)

	// Mention edges were reinforced at enhancement strength.
	predicate := store.PredicateMentions
	edges, err := s.ListGraphEdges(ctx, &store.FindGraphEdge{Predicate: &predicate, OpenOnly: true})
	require.NoError(t, err)
	require.NotEmpty(t, edges)

	// Nothing left unenhanced.
	processed, err = enhancer.EnhanceBatch(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, processed)
}

func TestEnhanceBatchOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedEvent(t, s, &store.Event{
		ID: "young", ThreadID: "t1", AgentName: "a", EventType: store.EventTypeMessage,
		Content: "deploy finished", CreatedTs: 200,
	})
	seedEvent(t, s, &store.Event{
		ID: "old", ThreadID: "t1", AgentName: "a", EventType: store.EventTypeMessage,
		Content: "deploy started", CreatedTs: 100,
	})

	enhancer := New(s, DefaultConfig(), nil)
	processed, err := enhancer.EnhanceBatch(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	oldEvent, err := s.GetEvent(ctx, "old")
	require.NoError(t, err)
	require.NotZero(t, oldEvent.EnhancedTs)

	youngEvent, err := s.GetEvent(ctx, "young")
	require.NoError(t, err)
	require.Zero(t, youngEvent.EnhancedTs)
}

func TestEnhanceRecordsOutcomeChain(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedEvent(t, s, &store.Event{
		ID: "e1", ThreadID: "t1", AgentName: "a",
		EventType: store.EventTypeToolExecution,
		Content:   "ran the release pipeline",
		Metadata:  map[string]string{"outcome": "success"},
		CreatedTs: 100,
	})

	enhancer := New(s, DefaultConfig(), nil)
	_, err := enhancer.EnhanceBatch(ctx, 10)
	require.NoError(t, err)

	predicate := store.PredicateLedTo
	edges, err := s.ListGraphEdges(ctx, &store.FindGraphEdge{Predicate: &predicate})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, "e1", edges[0].SubjectKey)
	require.Equal(t, "t1:success", edges[0].ObjectKey)
	require.InDelta(t, 0.9, float64(edges[0].Strength), 1e-6)
}

func TestEnhanceWithoutVectorRecordStillCompletes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	// Partially linked event: no vector record yet.
	_, err := s.UpsertEvent(ctx, &store.Event{
		ID: "e1", ThreadID: "t1", AgentName: "a",
		EventType: store.EventTypeMessage,
		Content:   "vector layer missing",
		CreatedTs: 100,
	})
	require.NoError(t, err)

	enhancer := New(s, DefaultConfig(), nil)
	processed, err := enhancer.EnhanceBatch(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	event, err := s.GetEvent(ctx, "e1")
	require.NoError(t, err)
	require.NotZero(t, event.EnhancedTs)
}

func TestEnhanceIdempotentOnPayload(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	event := seedEvent(t, s, &store.Event{
		ID: "e1", ThreadID: "t1", AgentName: "a",
		EventType: store.EventTypeMessage,
		Content:   "Deployment of service-api failed",
		CreatedTs: 100,
	})

	enhancer := New(s, DefaultConfig(), nil)
	_, err := enhancer.EnhanceBatch(ctx, 10)
	require.NoError(t, err)

	first, err := s.GetVectorRecord(ctx, "e1")
	require.NoError(t, err)

	// Force a second pass over the same event.
	require.NoError(t, enhancer.enhanceOne(ctx, event))

	second, err := s.GetVectorRecord(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, first.Payload.Entities, second.Payload.Entities)
	require.Equal(t, first.Payload.Topics, second.Payload.Topics)
	require.Equal(t, first.Payload.Sentiment, second.Payload.Sentiment)
	require.Equal(t, first.Payload.Intent, second.Payload.Intent)
}

func TestMergeStrings(t *testing.T) {
	require.Equal(t, []string{"a", "b", "c"}, mergeStrings([]string{"b", "a"}, []string{"c", "a"}))
	require.Equal(t, []string{"x"}, mergeStrings(nil, []string{"x", "x"}))
	require.Equal(t, []string{}, mergeStrings(nil, nil))
}
