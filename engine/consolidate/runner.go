package consolidate

import (
	"context"
	"log/slog"
	"time"

	"github.com/hrygo/recall/store"
)

// Runner drives periodic consolidation over every thread with recent
// activity.
type Runner struct {
	store  *store.Store
	engine *Engine
	logger *slog.Logger

	// Interval between runs; Window is the length of the scanned window.
	Interval time.Duration
	Window   time.Duration
}

// NewRunner creates a consolidation runner.
func NewRunner(s *store.Store, engine *Engine, interval, window time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: s, engine: engine, logger: logger, Interval: interval, Window: window}
}

// Start runs consolidation on a ticker until the context is canceled.
func (r *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce consolidates every thread that produced events inside the current
// window.
func (r *Runner) RunOnce(ctx context.Context) {
	end := time.Now()
	window := WindowEnding(end, r.Window)

	events, err := r.store.ListEvents(ctx, &store.FindEvent{AfterTs: &window.StartTs})
	if err != nil {
		r.logger.Warn("failed to scan recent events", slog.String("error", err.Error()))
		return
	}
	threads := map[string]bool{}
	for _, ev := range events {
		threads[ev.ThreadID] = true
	}

	for threadID := range threads {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.engine.Consolidate(ctx, threadID, window); err != nil {
			r.logger.Warn("consolidation failed",
				slog.String("thread_id", threadID), slog.String("error", err.Error()))
		}
	}
}
