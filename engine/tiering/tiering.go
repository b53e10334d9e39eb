package tiering

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hrygo/recall/engine/ingest"
	"github.com/hrygo/recall/engine/retrieval"
	"github.com/hrygo/recall/internal/observability"
	"github.com/hrygo/recall/store"
)

// Config holds the tier state machine thresholds and cache sizing rules.
type Config struct {
	// HotIdle demotes hot memories untouched for this long to warm.
	HotIdle time.Duration
	// WarmAge demotes warm memories this long past their last promotion to cold.
	WarmAge time.Duration
	// ColdAccessThreshold promotes cold memories accessed at least this many
	// times within AccessWindow back to warm.
	ColdAccessThreshold int
	// AccessWindow is the trailing window for access-frequency decisions.
	AccessWindow time.Duration
	// CriticalImportance flags memories at or above this score critical;
	// critical memories are promoted to hot and never demoted to cold.
	CriticalImportance float32
	// SpikeAccessThreshold promotes warm memories to hot on an access spike
	// inside SpikeWindow.
	SpikeAccessThreshold int
	SpikeWindow          time.Duration

	// SweepInterval and LeaseTTL control the singleton periodic sweep.
	SweepInterval time.Duration
	LeaseTTL      time.Duration

	// Cache hit-rate bands: a partition grows below GrowBelow and shrinks
	// above ShrinkAbove, re-evaluated each sweep.
	GrowBelow    float64
	ShrinkAbove  float64
	MinCacheSize int
	MaxCacheSize int
}

// DefaultConfig returns the default tiering configuration.
func DefaultConfig() Config {
	return Config{
		HotIdle:              7 * 24 * time.Hour,
		WarmAge:              30 * 24 * time.Hour,
		ColdAccessThreshold:  3,
		AccessWindow:         7 * 24 * time.Hour,
		CriticalImportance:   0.85,
		SpikeAccessThreshold: 10,
		SpikeWindow:          24 * time.Hour,
		SweepInterval:        10 * time.Minute,
		LeaseTTL:             5 * time.Minute,
		GrowBelow:            0.7,
		ShrinkAbove:          0.95,
		MinCacheSize:         64,
		MaxCacheSize:         4096,
	}
}

const sweepLease = "tiering_sweep"

// Manager applies tier transitions as a periodic sweep, heals partially
// linked events, and adapts the retrieval cache allocation. The sweep is a
// singleton: a store lease keeps it mutually exclusive across restarts.
type Manager struct {
	store    *store.Store
	pipeline *ingest.Pipeline
	cache    *retrieval.QueryCache
	config   Config
	logger   *slog.Logger
	holder   string
}

// New creates a tiering manager. cache may be nil when no retrieval cache is
// in use.
func New(s *store.Store, pipeline *ingest.Pipeline, cache *retrieval.QueryCache, config Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    s,
		pipeline: pipeline,
		cache:    cache,
		config:   config,
		logger:   logger,
		holder:   "tiering-" + uuid.New().String()[:8],
	}
}

// Start runs the sweep on a ticker until the context is canceled.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.logger.Warn("tiering sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep runs one pass: tier transitions, reconciliation of partially linked
// events, and cache adaptation. It is idempotent and returns nil without
// doing work when another holder owns the lease.
func (m *Manager) Sweep(ctx context.Context) error {
	ok, err := m.store.AcquireLease(ctx, sweepLease, m.holder, m.config.LeaseTTL)
	if err != nil {
		return err
	}
	if !ok {
		m.logger.Debug("tiering sweep lease held elsewhere")
		return nil
	}
	defer func() {
		if err := m.store.ReleaseLease(context.WithoutCancel(ctx), sweepLease, m.holder); err != nil {
			m.logger.Warn("failed to release sweep lease", slog.String("error", err.Error()))
		}
	}()

	reqCtx := observability.NewRequestContext(m.logger, "tiering", "")

	transitions, err := m.applyTransitions(ctx)
	if err != nil {
		return err
	}
	healed, err := m.reconcile(ctx)
	if err != nil {
		return err
	}
	m.adaptCache()

	reqCtx.Info("sweep complete",
		slog.Int("transitions", transitions),
		slog.Int("healed", healed),
		slog.Int64(observability.LogFieldDuration, reqCtx.DurationMs()),
	)
	return nil
}

// applyTransitions runs the hot/warm/cold state machine over active memories.
// Transitions are metadata-only moves; readers never block on them.
func (m *Manager) applyTransitions(ctx context.Context) (int, error) {
	memories, err := m.store.ListConsolidatedMemories(ctx, &store.FindConsolidatedMemory{ActiveOnly: true})
	if err != nil {
		return 0, err
	}

	now := time.Now()
	transitions := 0
	for _, mem := range memories {
		target, critical := m.nextTier(mem, now)
		if target == mem.Tier && critical == mem.Critical {
			continue
		}

		update := &store.UpdateConsolidatedMemory{ID: mem.ID}
		if target != mem.Tier {
			update.Tier = &target
			if rank(target) > rank(mem.Tier) {
				ts := now.Unix()
				update.LastPromotionTs = &ts
			}
		}
		if critical != mem.Critical {
			update.Critical = &critical
		}
		if _, err := m.store.UpdateConsolidatedMemory(ctx, update); err != nil {
			return transitions, err
		}
		transitions++
	}
	return transitions, nil
}

// nextTier evaluates the state machine for one memory.
func (m *Manager) nextTier(mem *store.ConsolidatedMemory, now time.Time) (string, bool) {
	critical := mem.Critical || mem.ImportanceScore >= m.config.CriticalImportance

	lastTouch := mem.LastAccessTs
	if lastTouch == 0 {
		lastTouch = mem.CreatedTs
	}
	idle := now.Sub(time.Unix(lastTouch, 0))
	sincePromotion := now.Sub(time.Unix(mem.LastPromotionTs, 0))
	recentAccess := mem.LastAccessTs > 0 && now.Sub(time.Unix(mem.LastAccessTs, 0)) <= m.config.AccessWindow
	spike := mem.LastAccessTs > 0 &&
		now.Sub(time.Unix(mem.LastAccessTs, 0)) <= m.config.SpikeWindow &&
		mem.AccessCount >= m.config.SpikeAccessThreshold

	switch mem.Tier {
	case store.TierHot:
		if idle >= m.config.HotIdle && !critical {
			return store.TierWarm, critical
		}
	case store.TierWarm:
		if critical || spike {
			return store.TierHot, critical
		}
		// Critical memories are never demoted to cold.
		if sincePromotion >= m.config.WarmAge {
			return store.TierCold, critical
		}
	case store.TierCold:
		if critical {
			return store.TierHot, critical
		}
		if recentAccess && mem.AccessCount >= m.config.ColdAccessThreshold {
			return store.TierWarm, critical
		}
	}
	return mem.Tier, critical
}

// reconcile re-runs the derived-layer writes for partially linked events.
// This is what makes the vector and graph layers rebuildable from the event
// store.
func (m *Manager) reconcile(ctx context.Context) (int, error) {
	status := store.LinkStatusPartiallyLinked
	events, err := m.store.ListEvents(ctx, &store.FindEvent{
		LinkStatus: &status,
		OrderAsc:   true,
		Limit:      100,
	})
	if err != nil {
		return 0, err
	}

	healed := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			return healed, ctx.Err()
		}
		if err := m.pipeline.Relink(ctx, ev); err != nil {
			m.logger.Warn("reconciliation left event partially linked",
				slog.String(observability.LogFieldEventID, ev.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		healed++
	}
	return healed, nil
}

// adaptCache grows partitions that miss too often and shrinks ones that
// essentially always hit, then resets the counters for the next window.
func (m *Manager) adaptCache() {
	if m.cache == nil {
		return
	}
	for _, kind := range m.cache.Kinds() {
		part := m.cache.Partition(kind)
		rate := part.HitRate()
		size := part.MaxItems()
		switch {
		case rate < m.config.GrowBelow && size < m.config.MaxCacheSize:
			size *= 2
			if size > m.config.MaxCacheSize {
				size = m.config.MaxCacheSize
			}
			part.SetMaxItems(size)
		case rate > m.config.ShrinkAbove && size > m.config.MinCacheSize:
			size /= 2
			if size < m.config.MinCacheSize {
				size = m.config.MinCacheSize
			}
			part.SetMaxItems(size)
		}
		part.ResetCounters()
	}
}

func rank(tier string) int {
	switch tier {
	case store.TierCold:
		return 0
	case store.TierWarm:
		return 1
	case store.TierHot:
		return 2
	}
	return -1
}
