package consolidate

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/recall/engine/enhance"
	"github.com/hrygo/recall/engine/ingest"
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

// seedThread ingests and enhances n deploy-tagged events in one thread,
// one hour apart starting at base.
func seedThread(t *testing.T, s *store.Store, threadID string, base int64, n int) []string {
	t.Helper()
	ctx := context.Background()
	embedder := ai.NewDeterministicEmbedder(16)
	pipeline := ingest.New(s, embedder, nil)

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		result, err := pipeline.Ingest(ctx, &ingest.ApprovedEvent{
			ID:        fmt.Sprintf("e%d", i+1),
			ThreadID:  threadID,
			AgentName: "agent-a",
			EventType: store.EventTypeMessage,
			Content:   fmt.Sprintf("deploy step %d for service-api", i+1),
			Tags:      []string{"deploy"},
			CreatedTs: base + int64(i)*3600,
		})
		require.NoError(t, err)
		ids = append(ids, result.EventID)
	}

	enhancer := enhance.New(s, enhance.DefaultConfig(), nil)
	processed, err := enhancer.EnhanceBatch(ctx, n)
	require.NoError(t, err)
	require.Equal(t, n, processed)
	return ids
}

func TestConsolidateProducesEpisodicAndSemantic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := int64(1_000_000)
	ids := seedThread(t, s, "t1", base, 5)

	engine := New(s, ai.NewDeterministicEmbedder(16), DefaultConfig(), nil)
	window := Window{StartTs: base - 1, EndTs: base + 24*3600}

	result, err := engine.Consolidate(ctx, "t1", window)
	require.NoError(t, err)

	require.Len(t, result.Episodic, 1)
	episodic := result.Episodic[0]
	require.ElementsMatch(t, ids, episodic.SourceEventIDs)
	require.Equal(t, "deploy", episodic.Topic)
	require.Greater(t, episodic.ImportanceScore, float32(0))
	require.LessOrEqual(t, episodic.ImportanceScore, float32(1))

	require.Len(t, result.Semantic, 1)
	semantic := result.Semantic[0]
	require.Equal(t, "deploy", semantic.Topic)
	require.ElementsMatch(t, ids, semantic.SourceEventIDs)

	require.Empty(t, result.Procedural)

	// The summaries are indexed in the vector layer for retrieval.
	memoryKind := store.VectorOwnerMemory
	records, err := s.ListVectorRecords(ctx, &store.FindVectorRecord{OwnerKind: &memoryKind})
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestConsolidateDeterministicScores(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := int64(1_000_000)
	seedThread(t, s, "t1", base, 5)

	engine := New(s, ai.NewDeterministicEmbedder(16), DefaultConfig(), nil)
	window := Window{StartTs: base - 1, EndTs: base + 24*3600}

	first, err := engine.Consolidate(ctx, "t1", window)
	require.NoError(t, err)
	second, err := engine.Consolidate(ctx, "t1", window)
	require.NoError(t, err)

	require.Equal(t, first.Episodic[0].ImportanceScore, second.Episodic[0].ImportanceScore)
	require.Equal(t, first.Semantic[0].ImportanceScore, second.Semantic[0].ImportanceScore)
}

func TestConsolidateSupersedesOverlappingRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := int64(1_000_000)
	seedThread(t, s, "t1", base, 5)

	engine := New(s, ai.NewDeterministicEmbedder(16), DefaultConfig(), nil)
	window := Window{StartTs: base - 1, EndTs: base + 24*3600}

	first, err := engine.Consolidate(ctx, "t1", window)
	require.NoError(t, err)
	second, err := engine.Consolidate(ctx, "t1", window)
	require.NoError(t, err)

	// The earlier memories survive but are no longer active.
	superseded, err := s.ListConsolidatedMemories(ctx, &store.FindConsolidatedMemory{
		ID: &first.Episodic[0].ID,
	})
	require.NoError(t, err)
	require.Len(t, superseded, 1)
	require.NotNil(t, superseded[0].SupersededBy)
	require.Equal(t, second.Episodic[0].ID, *superseded[0].SupersededBy)

	threadID := "t1"
	active, err := s.ListConsolidatedMemories(ctx, &store.FindConsolidatedMemory{
		ThreadID: &threadID, ActiveOnly: true,
	})
	require.NoError(t, err)
	require.Len(t, active, 2)
}

func TestConsolidateProceduralChain(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	embedder := ai.NewDeterministicEmbedder(16)
	pipeline := ingest.New(s, embedder, nil)
	base := int64(1_000_000)

	steps := []struct {
		id        string
		eventType string
		content   string
		metadata  map[string]string
	}{
		{id: "s1", eventType: store.EventTypeMessage, content: "start the release checklist"},
		{id: "s2", eventType: store.EventTypeToolExecution, content: "run migration scripts"},
		{id: "s3", eventType: store.EventTypeToolExecution, content: "deploy completed",
			metadata: map[string]string{"outcome": "success"}},
	}
	for i, step := range steps {
		_, err := pipeline.Ingest(ctx, &ingest.ApprovedEvent{
			ID: step.id, ThreadID: "t1", AgentName: "agent-a",
			EventType: step.eventType, Content: step.content,
			Metadata: step.metadata, Tags: []string{"deploy"},
			CreatedTs: base + int64(i)*60,
		})
		require.NoError(t, err)
	}
	enhancer := enhance.New(s, enhance.DefaultConfig(), nil)
	_, err := enhancer.EnhanceBatch(ctx, 10)
	require.NoError(t, err)

	engine := New(s, embedder, DefaultConfig(), nil)
	result, err := engine.Consolidate(ctx, "t1", Window{StartTs: base - 1, EndTs: base + 3600})
	require.NoError(t, err)

	require.Len(t, result.Procedural, 1)
	procedural := result.Procedural[0]
	require.Equal(t, []string{"s1", "s2", "s3"}, procedural.SourceEventIDs)
	require.Contains(t, procedural.Summary, `"success"`)
}

func TestConsolidateEmptyWindow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	engine := New(s, ai.NewDeterministicEmbedder(16), DefaultConfig(), nil)
	result, err := engine.Consolidate(ctx, "t1", Window{StartTs: 0, EndTs: 100})
	require.NoError(t, err)
	require.Empty(t, result.Episodic)
	require.Empty(t, result.Semantic)
	require.Empty(t, result.Procedural)
}

func TestConsolidateValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	engine := New(s, ai.NewDeterministicEmbedder(16), DefaultConfig(), nil)

	_, err := engine.Consolidate(ctx, "", Window{StartTs: 0, EndTs: 100})
	require.Equal(t, engerr.ErrCodeValidation, engerr.CodeOf(err))

	_, err = engine.Consolidate(ctx, "t1", Window{StartTs: 100, EndTs: 100})
	require.Equal(t, engerr.ErrCodeValidation, engerr.CodeOf(err))
}

func TestConsolidateAgentPreferenceRaisesImportance(t *testing.T) {
	ctx := context.Background()
	base := int64(1_000_000)

	baseline := func(weights map[string]float64) float32 {
		s := newTestStore(t)
		if weights != nil {
			_, err := s.UpsertAgentPreference(ctx, &store.UpsertAgentPreference{
				AgentName: "agent-a", TopicWeights: weights,
			})
			require.NoError(t, err)
		}
		seedThread(t, s, "t1", base, 5)
		engine := New(s, ai.NewDeterministicEmbedder(16), DefaultConfig(), nil)
		result, err := engine.Consolidate(ctx, "t1", Window{StartTs: base - 1, EndTs: base + 24*3600})
		require.NoError(t, err)
		require.Len(t, result.Episodic, 1)
		return result.Episodic[0].ImportanceScore
	}

	neutral := baseline(nil)
	preferred := baseline(map[string]float64{"deploy": 1.0})
	require.Greater(t, preferred, neutral)
}
