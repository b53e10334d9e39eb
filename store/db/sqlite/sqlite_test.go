package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/recall/internal/profile"
	"github.com/hrygo/recall/store"
)

func newTestDriver(t *testing.T) store.Driver {
	t.Helper()
	p := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "recall_test.db"),
	}
	driver, err := NewDB(p)
	require.NoError(t, err)
	require.NoError(t, driver.Migrate(context.Background()))
	t.Cleanup(func() { _ = driver.Close() })
	return driver
}

func TestUpsertEventIdempotent(t *testing.T) {
	ctx := context.Background()
	driver := newTestDriver(t)

	event := &store.Event{
		ID:        "01TESTEVENT",
		ThreadID:  "t1",
		AgentName: "agent-a",
		EventType: store.EventTypeMessage,
		Content:   "hello",
		Tags:      []string{"greeting"},
		CreatedTs: 100,
	}
	_, err := driver.UpsertEvent(ctx, event)
	require.NoError(t, err)

	// Re-ingesting the same id must not duplicate and must keep bookkeeping.
	ts := int64(200)
	_, err = driver.UpdateEvent(ctx, &store.UpdateEvent{ID: event.ID, EnhancedTs: &ts})
	require.NoError(t, err)

	again, err := driver.UpsertEvent(ctx, &store.Event{
		ID:        "01TESTEVENT",
		ThreadID:  "t1",
		AgentName: "agent-a",
		EventType: store.EventTypeMessage,
		Content:   "hello again",
		CreatedTs: 100,
	})
	require.NoError(t, err)
	require.Equal(t, "hello again", again.Content)
	require.Equal(t, int64(200), again.EnhancedTs)

	threadID := "t1"
	list, err := driver.ListEvents(ctx, &store.FindEvent{ThreadID: &threadID})
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestListEventsFilters(t *testing.T) {
	ctx := context.Background()
	driver := newTestDriver(t)

	for i, content := range []string{"deploy started", "deploy finished", "auth bug found"} {
		_, err := driver.UpsertEvent(ctx, &store.Event{
			ID:        string(rune('a' + i)),
			ThreadID:  "t1",
			AgentName: "agent-a",
			EventType: store.EventTypeMessage,
			Content:   content,
			Tags:      []string{"tag" + string(rune('a'+i))},
			CreatedTs: int64(100 + i),
		})
		require.NoError(t, err)
	}

	keyword := "deploy"
	list, err := driver.ListEvents(ctx, &store.FindEvent{Keyword: &keyword})
	require.NoError(t, err)
	require.Len(t, list, 2)

	// Keyword matching is case-insensitive and escapes LIKE wildcards.
	keyword = "DEPLOY"
	list, err = driver.ListEvents(ctx, &store.FindEvent{Keyword: &keyword})
	require.NoError(t, err)
	require.Len(t, list, 2)

	keyword = "_eploy"
	list, err = driver.ListEvents(ctx, &store.FindEvent{Keyword: &keyword})
	require.NoError(t, err)
	require.Empty(t, list)

	keyword = "100%"
	list, err = driver.ListEvents(ctx, &store.FindEvent{Keyword: &keyword})
	require.NoError(t, err)
	require.Empty(t, list)

	tag := "taga"
	list, err = driver.ListEvents(ctx, &store.FindEvent{Tag: &tag})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "a", list[0].ID)

	after := int64(101)
	list, err = driver.ListEvents(ctx, &store.FindEvent{AfterTs: &after, OrderAsc: true})
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "b", list[0].ID)
}

func TestClaimUnenhancedEvents(t *testing.T) {
	ctx := context.Background()
	driver := newTestDriver(t)

	for i := 0; i < 3; i++ {
		_, err := driver.UpsertEvent(ctx, &store.Event{
			ID:        string(rune('a' + i)),
			ThreadID:  "t1",
			AgentName: "agent-a",
			EventType: store.EventTypeMessage,
			Content:   "c",
			CreatedTs: int64(100 + i),
		})
		require.NoError(t, err)
	}

	now := time.Now().Unix()
	first, err := driver.ClaimUnenhancedEvents(ctx, "w1", 2, now+60, now)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Equal(t, "a", first[0].ID)
	require.Equal(t, "w1", first[0].ClaimedBy)

	// A second worker only sees the unclaimed remainder.
	second, err := driver.ClaimUnenhancedEvents(ctx, "w2", 2, now+60, now)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, "c", second[0].ID)

	// After the lease expires the events become claimable again.
	third, err := driver.ClaimUnenhancedEvents(ctx, "w3", 5, now+120, now+90)
	require.NoError(t, err)
	require.Len(t, third, 3)
}

func TestObserveGraphEdgeIntervals(t *testing.T) {
	ctx := context.Background()
	driver := newTestDriver(t)

	obs := &store.GraphEdgeObservation{
		SubjectType: store.NodeTypeAgent, SubjectKey: "agent-a",
		Predicate:  store.PredicateRelatesTo,
		ObjectType: store.NodeTypeConcept, ObjectKey: "deploy",
		ThreadID: "t1", Value: "positive", Strength: 0.5, ObservedTs: 100,
	}
	first, err := driver.ObserveGraphEdge(ctx, obs)
	require.NoError(t, err)
	require.Equal(t, 1, first.ReinforcementCount)

	// Agreeing observation reinforces the open interval.
	obs.Strength = 0.9
	obs.ObservedTs = 200
	reinforced, err := driver.ObserveGraphEdge(ctx, obs)
	require.NoError(t, err)
	require.Equal(t, first.ID, reinforced.ID)
	require.Equal(t, 2, reinforced.ReinforcementCount)
	require.Greater(t, reinforced.Strength, float32(0.5))

	// Contradicting observation closes the interval and opens a new one.
	obs.Value = "negative"
	obs.ObservedTs = 300
	replaced, err := driver.ObserveGraphEdge(ctx, obs)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, replaced.ID)

	all, err := driver.ListGraphEdges(ctx, &store.FindGraphEdge{ThreadID: strPtr("t1")})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.NotNil(t, all[0].EndTs)
	require.Equal(t, int64(300), *all[0].EndTs)
	require.Nil(t, all[1].EndTs)

	open, err := driver.ListGraphEdges(ctx, &store.FindGraphEdge{ThreadID: strPtr("t1"), OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "negative", open[0].Value)
}

func TestConsolidatedMemoryOverlap(t *testing.T) {
	ctx := context.Background()
	driver := newTestDriver(t)

	_, err := driver.CreateConsolidatedMemory(ctx, &store.ConsolidatedMemory{
		ID: "m1", Kind: store.MemoryKindEpisodic, ThreadID: "t1",
		SourceEventIDs: []string{"a"}, ImportanceScore: 0.4,
		Summary: "s", Topic: "deploy",
		WindowStartTs: 100, WindowEndTs: 200,
	})
	require.NoError(t, err)

	start, end := int64(150), int64(250)
	overlapping, err := driver.ListConsolidatedMemories(ctx, &store.FindConsolidatedMemory{
		ThreadID: strPtr("t1"), ActiveOnly: true,
		OverlapStartTs: &start, OverlapEndTs: &end,
	})
	require.NoError(t, err)
	require.Len(t, overlapping, 1)

	// Disjoint window does not overlap.
	start, end = 200, 300
	overlapping, err = driver.ListConsolidatedMemories(ctx, &store.FindConsolidatedMemory{
		ThreadID: strPtr("t1"), ActiveOnly: true,
		OverlapStartTs: &start, OverlapEndTs: &end,
	})
	require.NoError(t, err)
	require.Empty(t, overlapping)

	superseded := "m2"
	_, err = driver.UpdateConsolidatedMemory(ctx, &store.UpdateConsolidatedMemory{ID: "m1", SupersededBy: &superseded})
	require.NoError(t, err)

	active, err := driver.ListConsolidatedMemories(ctx, &store.FindConsolidatedMemory{
		ThreadID: strPtr("t1"), ActiveOnly: true,
	})
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestConsumeHandoffTokenOnce(t *testing.T) {
	ctx := context.Background()
	driver := newTestDriver(t)

	_, err := driver.CreateHandoffToken(ctx, &store.HandoffToken{
		Token: "tok", ThreadID: "t1", TargetDevice: "laptop",
		CreatedTs: 100, ExpiresTs: 10000,
	})
	require.NoError(t, err)

	ok, err := driver.ConsumeHandoffToken(ctx, "tok", 200)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = driver.ConsumeHandoffToken(ctx, "tok", 300)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAcquireLease(t *testing.T) {
	ctx := context.Background()
	driver := newTestDriver(t)

	ok, err := driver.AcquireLease(ctx, "sweep", "h1", 1000, 100)
	require.NoError(t, err)
	require.True(t, ok)

	// Another holder cannot take an unexpired lease.
	ok, err = driver.AcquireLease(ctx, "sweep", "h2", 1000, 100)
	require.NoError(t, err)
	require.False(t, ok)

	// The current holder can renew.
	ok, err = driver.AcquireLease(ctx, "sweep", "h1", 2000, 100)
	require.NoError(t, err)
	require.True(t, ok)

	// After expiry anyone can take it.
	ok, err = driver.AcquireLease(ctx, "sweep", "h2", 5000, 3000)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, driver.ReleaseLease(ctx, "sweep", "h2"))
	ok, err = driver.AcquireLease(ctx, "sweep", "h3", 6000, 3000)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVectorSearchBruteForce(t *testing.T) {
	ctx := context.Background()
	driver := newTestDriver(t)

	upsert := func(id string, embedding []float32, ts int64) {
		_, err := driver.UpsertVectorRecord(ctx, &store.VectorRecord{
			ID: id, OwnerKind: store.VectorOwnerEvent, Embedding: embedding,
			Payload: store.VectorPayload{ThreadID: "t1", Timestamp: ts},
		})
		require.NoError(t, err)
	}
	upsert("close", []float32{1, 0, 0}, 100)
	upsert("far", []float32{-1, 0, 0}, 100)
	upsert("mid", []float32{0.5, 0.5, 0}, 100)

	hits, err := driver.VectorSearch(ctx, &store.VectorSearchOptions{
		ThreadID: "t1", Vector: []float32{1, 0, 0}, Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "close", hits[0].Record.ID)
	require.Equal(t, "mid", hits[1].Record.ID)
	require.InDelta(t, 1.0, float64(hits[0].Score), 1e-6)
}

func strPtr(s string) *string { return &s }
