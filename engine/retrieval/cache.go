package retrieval

import (
	"context"
	"time"

	"github.com/hrygo/recall/store"
	"github.com/hrygo/recall/store/cache"
)

// QueryCache is the predictive cache in front of Retrieve. Entries are keyed
// by a normalized (query, thread, scope) signature and partitioned per memory
// kind so the tiering sweep can grow or shrink each kind's allocation from
// its observed hit rate.
type QueryCache struct {
	byKind map[string]*cache.Cache
}

// Memory kinds tracked by the cache; events without a consolidated kind fall
// into the episodic partition.
var cacheKinds = []string{
	store.MemoryKindEpisodic,
	store.MemoryKindSemantic,
	store.MemoryKindProcedural,
}

// NewQueryCache creates a query cache with the given TTL and per-kind size.
func NewQueryCache(ttl time.Duration, itemsPerKind int) *QueryCache {
	byKind := make(map[string]*cache.Cache, len(cacheKinds))
	for _, kind := range cacheKinds {
		byKind[kind] = cache.New(cache.Config{
			DefaultTTL:      ttl,
			CleanupInterval: ttl,
			MaxItems:        itemsPerKind,
		})
	}
	return &QueryCache{byKind: byKind}
}

// Get looks the signature up in every partition.
func (q *QueryCache) Get(ctx context.Context, threadID, query string, limit int) (*MemoryContext, bool) {
	key := cache.GenerateQueryKey(threadID, query, limit, "thread")
	for _, kind := range cacheKinds {
		if v, ok := q.byKind[kind].Get(ctx, key); ok {
			if mc, ok := v.(*MemoryContext); ok {
				return mc, true
			}
		}
	}
	return nil, false
}

// Set stores the result in the partition of its dominant memory kind.
func (q *QueryCache) Set(ctx context.Context, threadID, query string, limit int, mc *MemoryContext) {
	key := cache.GenerateQueryKey(threadID, query, limit, "thread")
	q.byKind[dominantKind(mc)].Set(ctx, key, mc)
}

// Partition exposes one kind's cache for sizing and stats.
func (q *QueryCache) Partition(kind string) *cache.Cache {
	return q.byKind[kind]
}

// Kinds lists the partition keys.
func (q *QueryCache) Kinds() []string {
	return cacheKinds
}

// Close stops all partitions.
func (q *QueryCache) Close() {
	for _, c := range q.byKind {
		c.Close()
	}
}

func dominantKind(mc *MemoryContext) string {
	counts := map[string]int{}
	for _, m := range mc.Memories {
		switch m.Kind {
		case store.MemoryKindSemantic, store.MemoryKindProcedural:
			counts[m.Kind]++
		default:
			counts[store.MemoryKindEpisodic]++
		}
	}
	best, bestCount := store.MemoryKindEpisodic, 0
	for _, kind := range cacheKinds {
		if counts[kind] > bestCount {
			best, bestCount = kind, counts[kind]
		}
	}
	return best
}
