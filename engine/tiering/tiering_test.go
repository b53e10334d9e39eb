package tiering

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/recall/engine/ingest"
	"github.com/hrygo/recall/engine/retrieval"
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

func newManager(t *testing.T, s *store.Store) *Manager {
	t.Helper()
	pipeline := ingest.New(s, ai.NewDeterministicEmbedder(16), nil)
	return New(s, pipeline, nil, DefaultConfig(), nil)
}

func seedMemory(t *testing.T, s *store.Store, m *store.ConsolidatedMemory) *store.ConsolidatedMemory {
	t.Helper()
	if m.Kind == "" {
		m.Kind = store.MemoryKindEpisodic
	}
	if m.ThreadID == "" {
		m.ThreadID = "t1"
	}
	m.SourceEventIDs = []string{"e1"}
	m.Summary = "seeded"
	created, err := s.CreateConsolidatedMemory(context.Background(), m)
	require.NoError(t, err)
	return created
}

func getMemory(t *testing.T, s *store.Store, id string) *store.ConsolidatedMemory {
	t.Helper()
	list, err := s.ListConsolidatedMemories(context.Background(), &store.FindConsolidatedMemory{ID: &id})
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0]
}

func daysAgo(d int) int64 {
	return time.Now().Add(-time.Duration(d) * 24 * time.Hour).Unix()
}

func TestSweepDemotesIdleHotMemory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	idle := seedMemory(t, s, &store.ConsolidatedMemory{
		ID: "idle", ImportanceScore: 0.5, CreatedTs: daysAgo(8),
	})
	fresh := seedMemory(t, s, &store.ConsolidatedMemory{
		ID: "fresh", ImportanceScore: 0.5, CreatedTs: daysAgo(1),
	})

	require.NoError(t, newManager(t, s).Sweep(ctx))

	require.Equal(t, store.TierWarm, getMemory(t, s, idle.ID).Tier)
	require.Equal(t, store.TierHot, getMemory(t, s, fresh.ID).Tier)
}

func TestSweepNeverDemotesCriticalToCold(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	critical := seedMemory(t, s, &store.ConsolidatedMemory{
		ID: "critical", Tier: store.TierWarm, ImportanceScore: 0.9, CreatedTs: daysAgo(40),
	})
	stale := seedMemory(t, s, &store.ConsolidatedMemory{
		ID: "stale", Tier: store.TierWarm, ImportanceScore: 0.5, CreatedTs: daysAgo(40),
	})

	require.NoError(t, newManager(t, s).Sweep(ctx))

	// Critical memories go the other way; only the unimportant one ages out.
	got := getMemory(t, s, critical.ID)
	require.Equal(t, store.TierHot, got.Tier)
	require.True(t, got.Critical)
	require.Equal(t, store.TierCold, getMemory(t, s, stale.ID).Tier)
}

func TestSweepPromotesAccessedColdMemory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	accessed := seedMemory(t, s, &store.ConsolidatedMemory{
		ID: "accessed", Tier: store.TierCold, ImportanceScore: 0.5, CreatedTs: daysAgo(60),
	})
	quiet := seedMemory(t, s, &store.ConsolidatedMemory{
		ID: "quiet", Tier: store.TierCold, ImportanceScore: 0.5, CreatedTs: daysAgo(60),
	})
	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordMemoryAccess(ctx, []string{accessed.ID}))
	}

	require.NoError(t, newManager(t, s).Sweep(ctx))

	promoted := getMemory(t, s, accessed.ID)
	require.Equal(t, store.TierWarm, promoted.Tier)
	// Promotion refreshes the promotion timestamp the cold demotion clock
	// runs against.
	require.Greater(t, promoted.LastPromotionTs, accessed.CreatedTs)
	require.Equal(t, store.TierCold, getMemory(t, s, quiet.ID).Tier)
}

func TestSweepPromotesWarmOnAccessSpike(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	spiking := seedMemory(t, s, &store.ConsolidatedMemory{
		ID: "spiking", Tier: store.TierWarm, ImportanceScore: 0.5, CreatedTs: daysAgo(2),
	})
	for i := 0; i < 10; i++ {
		require.NoError(t, s.RecordMemoryAccess(ctx, []string{spiking.ID}))
	}

	require.NoError(t, newManager(t, s).Sweep(ctx))
	require.Equal(t, store.TierHot, getMemory(t, s, spiking.ID).Tier)
}

func TestSweepSkipsWhenLeaseHeldElsewhere(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	idle := seedMemory(t, s, &store.ConsolidatedMemory{
		ID: "idle", ImportanceScore: 0.5, CreatedTs: daysAgo(8),
	})

	ok, err := s.AcquireLease(ctx, sweepLease, "another-node", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	// Sweep is a no-op while another holder owns the lease.
	require.NoError(t, newManager(t, s).Sweep(ctx))
	require.Equal(t, store.TierHot, getMemory(t, s, idle.ID).Tier)

	require.NoError(t, s.ReleaseLease(ctx, sweepLease, "another-node"))
	require.NoError(t, newManager(t, s).Sweep(ctx))
	require.Equal(t, store.TierWarm, getMemory(t, s, idle.ID).Tier)
}

func TestSweepHealsPartiallyLinkedEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	broken := ingest.New(s, unavailableEmbedder{}, nil)
	result, err := broken.Ingest(ctx, &ingest.ApprovedEvent{
		ThreadID: "t1", AgentName: "agent-a", EventType: store.EventTypeMessage,
		Content: "vector write failed at ingest time",
	})
	require.NoError(t, err)
	require.Equal(t, store.LinkStatusPartiallyLinked, result.LinkStatus)

	require.NoError(t, newManager(t, s).Sweep(ctx))

	healed, err := s.GetEvent(ctx, result.EventID)
	require.NoError(t, err)
	require.Equal(t, store.LinkStatusLinked, healed.LinkStatus)

	record, err := s.GetVectorRecord(ctx, result.EventID)
	require.NoError(t, err)
	require.NotNil(t, record)
}

func TestAdaptCacheResizesPartitions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	queryCache := retrieval.NewQueryCache(time.Minute, 128)
	t.Cleanup(queryCache.Close)

	pipeline := ingest.New(s, ai.NewDeterministicEmbedder(16), nil)
	m := New(s, pipeline, queryCache, DefaultConfig(), nil)

	// Episodic partition: all misses, should grow.
	episodic := queryCache.Partition(store.MemoryKindEpisodic)
	for i := 0; i < 10; i++ {
		episodic.Get(ctx, "absent")
	}

	// Semantic partition: all hits, should shrink.
	semantic := queryCache.Partition(store.MemoryKindSemantic)
	semantic.Set(ctx, "k", "v")
	for i := 0; i < 25; i++ {
		_, ok := semantic.Get(ctx, "k")
		require.True(t, ok)
	}

	m.adaptCache()

	require.Equal(t, 256, episodic.MaxItems())
	require.Equal(t, 64, semantic.MaxItems())
	// Counters reset for the next window.
	require.Equal(t, 0.0, episodic.HitRate())
}

type unavailableEmbedder struct{}

func (unavailableEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, context.DeadlineExceeded
}

func (unavailableEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, context.DeadlineExceeded
}

func (unavailableEmbedder) Dimensions() int { return 16 }
