package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/recall/store"
)

func (d *DB) CreateConsolidatedMemory(ctx context.Context, create *store.ConsolidatedMemory) (*store.ConsolidatedMemory, error) {
	if create.CreatedTs == 0 {
		create.CreatedTs = time.Now().Unix()
	}
	if create.Tier == "" {
		create.Tier = store.TierHot
	}

	stmt := `
		INSERT INTO consolidated_memory (id, kind, thread_id, source_event_ids, importance_score, summary, topic,
			window_start_ts, window_end_ts, tier, critical, last_promotion_ts, created_ts)
		VALUES (` + placeholders(13) + `)
	`
	if _, err := d.db.ExecContext(ctx, stmt,
		create.ID,
		create.Kind,
		create.ThreadID,
		marshalJSON(create.SourceEventIDs),
		create.ImportanceScore,
		create.Summary,
		create.Topic,
		create.WindowStartTs,
		create.WindowEndTs,
		create.Tier,
		create.Critical,
		create.CreatedTs,
		create.CreatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to create consolidated memory")
	}
	create.LastPromotionTs = create.CreatedTs
	return create, nil
}

func (d *DB) ListConsolidatedMemories(ctx context.Context, find *store.FindConsolidatedMemory) ([]*store.ConsolidatedMemory, error) {
	if find == nil {
		return nil, errors.New("find parameter cannot be nil")
	}

	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.ThreadID != nil {
		where, args = append(where, "thread_id = "+placeholder(len(args)+1)), append(args, *find.ThreadID)
	}
	if len(find.Kinds) > 0 {
		ph := make([]string, len(find.Kinds))
		for i, k := range find.Kinds {
			ph[i] = placeholder(len(args) + 1)
			args = append(args, k)
		}
		where = append(where, "kind IN ("+strings.Join(ph, ", ")+")")
	}
	if find.Topic != nil {
		where, args = append(where, "topic = "+placeholder(len(args)+1)), append(args, *find.Topic)
	}
	if find.Tier != nil {
		where, args = append(where, "tier = "+placeholder(len(args)+1)), append(args, *find.Tier)
	}
	if find.ActiveOnly {
		where = append(where, "superseded_by IS NULL")
	}
	if find.OverlapStartTs != nil && find.OverlapEndTs != nil {
		// Interval overlap: window_start < overlapEnd AND window_end > overlapStart.
		where, args = append(where, "window_start_ts < "+placeholder(len(args)+1)), append(args, *find.OverlapEndTs)
		where, args = append(where, "window_end_ts > "+placeholder(len(args)+1)), append(args, *find.OverlapStartTs)
	}

	query := `SELECT id, kind, thread_id, source_event_ids, importance_score, summary, topic,
			window_start_ts, window_end_ts, superseded_by, tier, critical, access_count,
			last_access_ts, last_promotion_ts, created_ts
		FROM consolidated_memory WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY importance_score DESC, created_ts DESC`
	if find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", find.Limit)
		if find.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", find.Offset)
		}
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list consolidated memories")
	}
	defer rows.Close()

	list := []*store.ConsolidatedMemory{}
	for rows.Next() {
		var m store.ConsolidatedMemory
		var sourceIDs []byte
		var supersededBy sql.NullString
		if err := rows.Scan(
			&m.ID, &m.Kind, &m.ThreadID, &sourceIDs, &m.ImportanceScore, &m.Summary, &m.Topic,
			&m.WindowStartTs, &m.WindowEndTs, &supersededBy, &m.Tier, &m.Critical, &m.AccessCount,
			&m.LastAccessTs, &m.LastPromotionTs, &m.CreatedTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan consolidated memory")
		}
		m.SourceEventIDs = unmarshalStringSlice(sourceIDs)
		if supersededBy.Valid {
			v := supersededBy.String
			m.SupersededBy = &v
		}
		list = append(list, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate consolidated memories")
	}
	return list, nil
}

func (d *DB) UpdateConsolidatedMemory(ctx context.Context, update *store.UpdateConsolidatedMemory) (*store.ConsolidatedMemory, error) {
	set, args := []string{}, []any{}

	if update.SupersededBy != nil {
		set, args = append(set, "superseded_by = "+placeholder(len(args)+1)), append(args, *update.SupersededBy)
	}
	if update.Tier != nil {
		set, args = append(set, "tier = "+placeholder(len(args)+1)), append(args, *update.Tier)
	}
	if update.Critical != nil {
		set, args = append(set, "critical = "+placeholder(len(args)+1)), append(args, *update.Critical)
	}
	if update.LastPromotionTs != nil {
		set, args = append(set, "last_promotion_ts = "+placeholder(len(args)+1)), append(args, *update.LastPromotionTs)
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE consolidated_memory SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args))
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, errors.Wrap(err, "failed to update consolidated memory")
	}

	list, err := d.ListConsolidatedMemories(ctx, &store.FindConsolidatedMemory{ID: &update.ID})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, errors.Errorf("consolidated memory not found: %s", update.ID)
	}
	return list[0], nil
}

func (d *DB) RecordMemoryAccess(ctx context.Context, ids []string, accessTs int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{accessTs}
	ph := make([]string, len(ids))
	for i, id := range ids {
		ph[i] = placeholder(len(args) + 1)
		args = append(args, id)
	}
	stmt := `UPDATE consolidated_memory SET access_count = access_count + 1, last_access_ts = $1
		WHERE id IN (` + strings.Join(ph, ", ") + `)`
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return errors.Wrap(err, "failed to record memory access")
	}
	return nil
}
