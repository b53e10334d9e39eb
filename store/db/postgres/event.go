package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/recall/store"
)

func (d *DB) UpsertEvent(ctx context.Context, upsert *store.Event) (*store.Event, error) {
	if upsert.CreatedTs == 0 {
		upsert.CreatedTs = time.Now().Unix()
	}
	if upsert.LinkStatus == "" {
		upsert.LinkStatus = store.LinkStatusLinked
	}
	if upsert.Metadata == nil {
		upsert.Metadata = map[string]string{}
	}

	// Re-ingesting the same id upserts the fact columns and leaves the
	// bookkeeping columns (enhancement state, retries, tombstone) untouched.
	stmt := `
		INSERT INTO event (id, thread_id, agent_name, event_type, content, metadata, tags, created_ts, link_status)
		VALUES (` + placeholders(9) + `)
		ON CONFLICT (id)
		DO UPDATE SET
			thread_id = EXCLUDED.thread_id,
			agent_name = EXCLUDED.agent_name,
			event_type = EXCLUDED.event_type,
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			tags = EXCLUDED.tags,
			link_status = EXCLUDED.link_status
	`
	if _, err := d.db.ExecContext(ctx, stmt,
		upsert.ID,
		upsert.ThreadID,
		upsert.AgentName,
		upsert.EventType,
		upsert.Content,
		marshalJSON(upsert.Metadata),
		marshalJSON(upsert.Tags),
		upsert.CreatedTs,
		upsert.LinkStatus,
	); err != nil {
		return nil, errors.Wrap(err, "failed to upsert event")
	}

	list, err := d.ListEvents(ctx, &store.FindEvent{ID: &upsert.ID, IncludeTombstoned: true})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, errors.Errorf("event not found after upsert: %s", upsert.ID)
	}
	return list[0], nil
}

func (d *DB) ListEvents(ctx context.Context, find *store.FindEvent) ([]*store.Event, error) {
	if find == nil {
		return nil, errors.New("find parameter cannot be nil")
	}

	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if len(find.IDs) > 0 {
		ph := make([]string, len(find.IDs))
		for i, id := range find.IDs {
			ph[i] = placeholder(len(args) + 1)
			args = append(args, id)
		}
		where = append(where, "id IN ("+strings.Join(ph, ", ")+")")
	}
	if find.ThreadID != nil {
		where, args = append(where, "thread_id = "+placeholder(len(args)+1)), append(args, *find.ThreadID)
	}
	if find.AgentName != nil {
		where, args = append(where, "agent_name = "+placeholder(len(args)+1)), append(args, *find.AgentName)
	}
	if find.EventType != nil {
		where, args = append(where, "event_type = "+placeholder(len(args)+1)), append(args, *find.EventType)
	}
	if find.Tag != nil {
		where, args = append(where, "tags @> "+placeholder(len(args)+1)), append(args, marshalJSON([]string{*find.Tag}))
	}
	if find.Keyword != nil && *find.Keyword != "" {
		where = append(where, "content ILIKE "+placeholder(len(args)+1))
		args = append(args, "%"+escapeLike(*find.Keyword)+"%")
	}
	if find.AfterTs != nil {
		where, args = append(where, "created_ts >= "+placeholder(len(args)+1)), append(args, *find.AfterTs)
	}
	if find.BeforeTs != nil {
		where, args = append(where, "created_ts < "+placeholder(len(args)+1)), append(args, *find.BeforeTs)
	}
	if find.LinkStatus != nil {
		where, args = append(where, "link_status = "+placeholder(len(args)+1)), append(args, *find.LinkStatus)
	}
	if find.Unenhanced {
		where = append(where, "enhanced_ts = 0")
	}
	if !find.IncludeTombstoned {
		where = append(where, "tombstone = FALSE")
	}

	order := "DESC"
	if find.OrderAsc {
		order = "ASC"
	}
	query := `SELECT id, thread_id, agent_name, event_type, content, metadata, tags, created_ts,
			link_status, enhanced_ts, claimed_by, claim_expires_ts, retry_count, tombstone
		FROM event WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_ts ` + order + `, id ` + order

	limit := find.Limit
	if limit > 1000 {
		limit = 1000
	}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
		if find.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", find.Offset)
		}
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list events")
	}
	defer rows.Close()

	list := make([]*store.Event, 0)
	for rows.Next() {
		var e store.Event
		var metadata, tags []byte
		if err := rows.Scan(
			&e.ID, &e.ThreadID, &e.AgentName, &e.EventType, &e.Content, &metadata, &tags, &e.CreatedTs,
			&e.LinkStatus, &e.EnhancedTs, &e.ClaimedBy, &e.ClaimExpiresTs, &e.RetryCount, &e.Tombstone,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan event")
		}
		e.Metadata = unmarshalStringMap(metadata)
		e.Tags = unmarshalStringSlice(tags)
		list = append(list, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate events")
	}
	return list, nil
}

func (d *DB) UpdateEvent(ctx context.Context, update *store.UpdateEvent) (*store.Event, error) {
	set, args := []string{}, []any{}

	if update.Metadata != nil {
		set, args = append(set, "metadata = "+placeholder(len(args)+1)), append(args, marshalJSON(*update.Metadata))
	}
	if update.LinkStatus != nil {
		set, args = append(set, "link_status = "+placeholder(len(args)+1)), append(args, *update.LinkStatus)
	}
	if update.EnhancedTs != nil {
		set, args = append(set, "enhanced_ts = "+placeholder(len(args)+1)), append(args, *update.EnhancedTs)
	}
	if update.RetryCount != nil {
		set, args = append(set, "retry_count = "+placeholder(len(args)+1)), append(args, *update.RetryCount)
	}
	if update.Tombstone != nil {
		set, args = append(set, "tombstone = "+placeholder(len(args)+1)), append(args, *update.Tombstone)
	}
	if update.ClearClaim {
		set = append(set, "claimed_by = '', claim_expires_ts = 0")
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE event SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args))
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, errors.Wrap(err, "failed to update event")
	}

	list, err := d.ListEvents(ctx, &store.FindEvent{ID: &update.ID, IncludeTombstoned: true})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, errors.Errorf("event not found: %s", update.ID)
	}
	return list[0], nil
}

func (d *DB) ClaimUnenhancedEvents(ctx context.Context, workerID string, limit int, leaseUntilTs int64, nowTs int64) ([]*store.Event, error) {
	if limit <= 0 {
		limit = 10
	}

	// SKIP LOCKED keeps concurrent workers from fighting over the same batch.
	rows, err := d.db.QueryContext(ctx, fmt.Sprintf(`
		UPDATE event
		SET claimed_by = $1, claim_expires_ts = $2
		WHERE id IN (
			SELECT id FROM event
			WHERE enhanced_ts = 0 AND tombstone = FALSE AND claim_expires_ts < $3
			ORDER BY created_ts ASC, id ASC
			LIMIT %d
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, thread_id, agent_name, event_type, content, metadata, tags, created_ts,
			link_status, enhanced_ts, claimed_by, claim_expires_ts, retry_count, tombstone`, limit),
		workerID, leaseUntilTs, nowTs,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim events")
	}
	defer rows.Close()

	list := make([]*store.Event, 0)
	for rows.Next() {
		var e store.Event
		var metadata, tags []byte
		if err := rows.Scan(
			&e.ID, &e.ThreadID, &e.AgentName, &e.EventType, &e.Content, &metadata, &tags, &e.CreatedTs,
			&e.LinkStatus, &e.EnhancedTs, &e.ClaimedBy, &e.ClaimExpiresTs, &e.RetryCount, &e.Tombstone,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan claimed event")
		}
		e.Metadata = unmarshalStringMap(metadata)
		e.Tags = unmarshalStringSlice(tags)
		list = append(list, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate claimed events")
	}
	return list, nil
}
