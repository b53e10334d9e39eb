package sqlite

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
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if len(find.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(find.IDs))+")")
		for _, id := range find.IDs {
			args = append(args, id)
		}
	}
	if find.ThreadID != nil {
		where, args = append(where, "thread_id = ?"), append(args, *find.ThreadID)
	}
	if find.AgentName != nil {
		where, args = append(where, "agent_name = ?"), append(args, *find.AgentName)
	}
	if find.EventType != nil {
		where, args = append(where, "event_type = ?"), append(args, *find.EventType)
	}
	if find.Tag != nil {
		// Tags are stored as a JSON array of strings.
		where, args = append(where, `tags LIKE ? ESCAPE '\'`), append(args, `%"`+escapeLike(*find.Tag)+`"%`)
	}
	if find.Keyword != nil && *find.Keyword != "" {
		where, args = append(where, `LOWER(content) LIKE ? ESCAPE '\'`), append(args, "%"+strings.ToLower(escapeLike(*find.Keyword))+"%")
	}
	if find.AfterTs != nil {
		where, args = append(where, "created_ts >= ?"), append(args, *find.AfterTs)
	}
	if find.BeforeTs != nil {
		where, args = append(where, "created_ts < ?"), append(args, *find.BeforeTs)
	}
	if find.LinkStatus != nil {
		where, args = append(where, "link_status = ?"), append(args, *find.LinkStatus)
	}
	if find.Unenhanced {
		where = append(where, "enhanced_ts = 0")
	}
	if !find.IncludeTombstoned {
		where = append(where, "tombstone = 0")
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
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate events")
	}
	return list, nil
}

func (d *DB) UpdateEvent(ctx context.Context, update *store.UpdateEvent) (*store.Event, error) {
	set, args := []string{}, []any{}

	if update.Metadata != nil {
		set, args = append(set, "metadata = ?"), append(args, marshalJSON(*update.Metadata))
	}
	if update.LinkStatus != nil {
		set, args = append(set, "link_status = ?"), append(args, *update.LinkStatus)
	}
	if update.EnhancedTs != nil {
		set, args = append(set, "enhanced_ts = ?"), append(args, *update.EnhancedTs)
	}
	if update.RetryCount != nil {
		set, args = append(set, "retry_count = ?"), append(args, *update.RetryCount)
	}
	if update.Tombstone != nil {
		set, args = append(set, "tombstone = ?"), append(args, boolToInt(*update.Tombstone))
	}
	if update.ClearClaim {
		set = append(set, "claimed_by = '', claim_expires_ts = 0")
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE event SET ` + strings.Join(set, ", ") + ` WHERE id = ?`
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

	// Claim oldest-first; an id is claimable when unenhanced, not tombstoned,
	// and either unclaimed or holding an expired lease.
	stmt := fmt.Sprintf(`
		UPDATE event
		SET claimed_by = ?, claim_expires_ts = ?
		WHERE id IN (
			SELECT id FROM event
			WHERE enhanced_ts = 0 AND tombstone = 0 AND claim_expires_ts < ?
			ORDER BY created_ts ASC, id ASC
			LIMIT %d
		)`, limit)
	if _, err := d.db.ExecContext(ctx, stmt, workerID, leaseUntilTs, nowTs); err != nil {
		return nil, errors.Wrap(err, "failed to claim events")
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, thread_id, agent_name, event_type, content, metadata, tags, created_ts,
			link_status, enhanced_ts, claimed_by, claim_expires_ts, retry_count, tombstone
		FROM event
		WHERE claimed_by = ? AND claim_expires_ts = ? AND enhanced_ts = 0
		ORDER BY created_ts ASC, id ASC`, workerID, leaseUntilTs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load claimed events")
	}
	defer rows.Close()

	list := make([]*store.Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate claimed events")
	}
	return list, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*store.Event, error) {
	var e store.Event
	var metadata, tags string
	var tombstone int
	if err := row.Scan(
		&e.ID,
		&e.ThreadID,
		&e.AgentName,
		&e.EventType,
		&e.Content,
		&metadata,
		&tags,
		&e.CreatedTs,
		&e.LinkStatus,
		&e.EnhancedTs,
		&e.ClaimedBy,
		&e.ClaimExpiresTs,
		&e.RetryCount,
		&tombstone,
	); err != nil {
		return nil, errors.Wrap(err, "failed to scan event")
	}
	e.Metadata = unmarshalStringMap(metadata)
	e.Tags = unmarshalStringSlice(tags)
	e.Tombstone = tombstone != 0
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// escapeLike escapes LIKE special characters to prevent pattern injection.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
