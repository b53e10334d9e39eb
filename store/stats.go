package store

import (
	"context"

	"github.com/pkg/errors"
)

// Stats is a point-in-time count of every keyspace, used for health
// reporting and operational logging.
type Stats struct {
	Events               int64
	UnenhancedEvents     int64
	PartiallyLinked      int64
	VectorRecords        int64
	GraphNodes           int64
	GraphEdges           int64
	ConsolidatedMemories int64
	EventCacheHitRate    float64
}

// Stats counts rows across all keyspaces.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	db := s.driver.GetDB()
	stats := &Stats{EventCacheHitRate: s.eventCache.HitRate()}

	queries := []struct {
		dest  *int64
		query string
	}{
		{&stats.Events, "SELECT COUNT(*) FROM event"},
		{&stats.UnenhancedEvents, "SELECT COUNT(*) FROM event WHERE enhanced_ts = 0"},
		{&stats.PartiallyLinked, "SELECT COUNT(*) FROM event WHERE link_status = 'partially_linked'"},
		{&stats.VectorRecords, "SELECT COUNT(*) FROM vector_record"},
		{&stats.GraphNodes, "SELECT COUNT(*) FROM graph_node"},
		{&stats.GraphEdges, "SELECT COUNT(*) FROM graph_edge"},
		{&stats.ConsolidatedMemories, "SELECT COUNT(*) FROM consolidated_memory"},
	}
	for _, q := range queries {
		if err := db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, errors.Wrap(err, "failed to collect store stats")
		}
	}
	return stats, nil
}
