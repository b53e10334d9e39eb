package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/recall/internal/profile"
	"github.com/hrygo/recall/store"
	"github.com/hrygo/recall/store/db/sqlite"
)

func TestStoreStats(t *testing.T) {
	ctx := context.Background()
	p := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "recall_test.db"),
	}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	require.NoError(t, driver.Migrate(ctx))
	s := store.New(driver, p)
	t.Cleanup(func() { _ = s.Close() })

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Events)

	_, err = s.UpsertEvent(ctx, &store.Event{
		ID: "e1", ThreadID: "t1", AgentName: "a",
		EventType: store.EventTypeMessage, Content: "hello", CreatedTs: 100,
	})
	require.NoError(t, err)
	_, err = s.UpsertVectorRecord(ctx, &store.VectorRecord{
		ID: "e1", OwnerKind: store.VectorOwnerEvent, Embedding: []float32{1, 0},
		Payload: store.VectorPayload{ThreadID: "t1", Timestamp: 100},
	})
	require.NoError(t, err)
	_, err = s.UpsertGraphNode(ctx, &store.GraphNode{Type: store.NodeTypeThread, Key: "t1", Label: "t1"})
	require.NoError(t, err)

	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Events)
	require.Equal(t, int64(1), stats.UnenhancedEvents)
	require.Equal(t, int64(1), stats.VectorRecords)
	require.Equal(t, int64(1), stats.GraphNodes)
	require.Zero(t, stats.GraphEdges)
	require.Zero(t, stats.ConsolidatedMemories)
}
