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

func (d *DB) UpsertGraphNode(ctx context.Context, upsert *store.GraphNode) (*store.GraphNode, error) {
	if upsert.CreatedTs == 0 {
		upsert.CreatedTs = time.Now().Unix()
	}

	// Idempotent on (type, key); the label follows the latest observation.
	stmt := `
		INSERT INTO graph_node (node_type, node_key, label, created_ts)
		VALUES (` + placeholders(4) + `)
		ON CONFLICT (node_type, node_key)
		DO UPDATE SET label = CASE WHEN EXCLUDED.label != '' THEN EXCLUDED.label ELSE graph_node.label END
	`
	if _, err := d.db.ExecContext(ctx, stmt, upsert.Type, upsert.Key, upsert.Label, upsert.CreatedTs); err != nil {
		return nil, errors.Wrap(err, "failed to upsert graph node")
	}
	return upsert, nil
}

func (d *DB) ListGraphNodes(ctx context.Context, find *store.FindGraphNode) ([]*store.GraphNode, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.Type != nil {
		where, args = append(where, "node_type = "+placeholder(len(args)+1)), append(args, *find.Type)
	}
	if find.Key != nil {
		where, args = append(where, "node_key = "+placeholder(len(args)+1)), append(args, *find.Key)
	}
	if len(find.Keys) > 0 {
		ph := make([]string, len(find.Keys))
		for i, k := range find.Keys {
			ph[i] = placeholder(len(args) + 1)
			args = append(args, k)
		}
		where = append(where, "node_key IN ("+strings.Join(ph, ", ")+")")
	}

	query := `SELECT node_type, node_key, label, created_ts FROM graph_node
		WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_ts ASC`
	if find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list graph nodes")
	}
	defer rows.Close()

	list := []*store.GraphNode{}
	for rows.Next() {
		var n store.GraphNode
		if err := rows.Scan(&n.Type, &n.Key, &n.Label, &n.CreatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan graph node")
		}
		list = append(list, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate graph nodes")
	}
	return list, nil
}

// ObserveGraphEdge applies the append-only interval-versioned edge semantics:
// an agreeing re-observation reinforces the open interval, a contradicting
// one closes it and opens a new interval. History is never overwritten.
func (d *DB) ObserveGraphEdge(ctx context.Context, obs *store.GraphEdgeObservation) (*store.GraphEdge, error) {
	if obs.ObservedTs == 0 {
		obs.ObservedTs = time.Now().Unix()
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var open store.GraphEdge
	var endTs sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT id, subject_type, subject_key, predicate, object_type, object_key, thread_id, value,
			start_ts, end_ts, strength, reinforcement_count
		FROM graph_edge
		WHERE subject_type = $1 AND subject_key = $2 AND predicate = $3 AND object_type = $4 AND object_key = $5
			AND end_ts IS NULL
		ORDER BY start_ts DESC LIMIT 1
		FOR UPDATE`,
		obs.SubjectType, obs.SubjectKey, obs.Predicate, obs.ObjectType, obs.ObjectKey,
	).Scan(
		&open.ID, &open.SubjectType, &open.SubjectKey, &open.Predicate, &open.ObjectType, &open.ObjectKey,
		&open.ThreadID, &open.Value, &open.StartTs, &endTs, &open.Strength, &open.ReinforcementCount,
	)

	switch {
	case err == sql.ErrNoRows:
		edge, err := insertEdge(ctx, tx, obs)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, errors.Wrap(err, "failed to commit edge insert")
		}
		return edge, nil

	case err != nil:
		return nil, errors.Wrap(err, "failed to load open edge")
	}

	if open.Value == obs.Value {
		strength := store.ReinforcedStrength(open.Strength, obs.Strength, open.ReinforcementCount)
		if _, err := tx.ExecContext(ctx, `
			UPDATE graph_edge SET strength = $1, reinforcement_count = reinforcement_count + 1
			WHERE id = $2`, strength, open.ID); err != nil {
			return nil, errors.Wrap(err, "failed to reinforce edge")
		}
		if err := tx.Commit(); err != nil {
			return nil, errors.Wrap(err, "failed to commit edge reinforcement")
		}
		open.Strength = strength
		open.ReinforcementCount++
		return &open, nil
	}

	// Contradiction: close the prior interval before opening the new one.
	if _, err := tx.ExecContext(ctx, `UPDATE graph_edge SET end_ts = $1 WHERE id = $2`, obs.ObservedTs, open.ID); err != nil {
		return nil, errors.Wrap(err, "failed to close edge interval")
	}
	edge, err := insertEdge(ctx, tx, obs)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit edge transition")
	}
	return edge, nil
}

func insertEdge(ctx context.Context, tx *sql.Tx, obs *store.GraphEdgeObservation) (*store.GraphEdge, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO graph_edge (subject_type, subject_key, predicate, object_type, object_key, thread_id, value, start_ts, strength, reinforcement_count)
		VALUES (`+placeholders(10)+`)
		RETURNING id`,
		obs.SubjectType, obs.SubjectKey, obs.Predicate, obs.ObjectType, obs.ObjectKey,
		obs.ThreadID, obs.Value, obs.ObservedTs, obs.Strength, 1,
	).Scan(&id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert graph edge")
	}
	return &store.GraphEdge{
		ID:                 id,
		SubjectType:        obs.SubjectType,
		SubjectKey:         obs.SubjectKey,
		Predicate:          obs.Predicate,
		ObjectType:         obs.ObjectType,
		ObjectKey:          obs.ObjectKey,
		ThreadID:           obs.ThreadID,
		Value:              obs.Value,
		StartTs:            obs.ObservedTs,
		Strength:           obs.Strength,
		ReinforcementCount: 1,
	}, nil
}

func (d *DB) ListGraphEdges(ctx context.Context, find *store.FindGraphEdge) ([]*store.GraphEdge, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.SubjectType != nil {
		where, args = append(where, "subject_type = "+placeholder(len(args)+1)), append(args, *find.SubjectType)
	}
	if find.SubjectKey != nil {
		where, args = append(where, "subject_key = "+placeholder(len(args)+1)), append(args, *find.SubjectKey)
	}
	if find.Predicate != nil {
		where, args = append(where, "predicate = "+placeholder(len(args)+1)), append(args, *find.Predicate)
	}
	if find.ObjectKey != nil {
		where, args = append(where, "object_key = "+placeholder(len(args)+1)), append(args, *find.ObjectKey)
	}
	if find.ThreadID != nil {
		where, args = append(where, "thread_id = "+placeholder(len(args)+1)), append(args, *find.ThreadID)
	}
	if len(find.TouchingKeys) > 0 {
		ph := make([]string, len(find.TouchingKeys))
		for i, k := range find.TouchingKeys {
			ph[i] = placeholder(len(args) + 1)
			args = append(args, k)
		}
		in := strings.Join(ph, ", ")
		where = append(where, "(subject_key IN ("+in+") OR object_key IN ("+in+"))")
	}
	if find.OpenOnly {
		where = append(where, "end_ts IS NULL")
	}

	query := `SELECT id, subject_type, subject_key, predicate, object_type, object_key, thread_id, value,
			start_ts, end_ts, strength, reinforcement_count
		FROM graph_edge WHERE ` + strings.Join(where, " AND ") + ` ORDER BY start_ts ASC, id ASC`
	if find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list graph edges")
	}
	defer rows.Close()

	list := []*store.GraphEdge{}
	for rows.Next() {
		var e store.GraphEdge
		var endTs sql.NullInt64
		if err := rows.Scan(
			&e.ID, &e.SubjectType, &e.SubjectKey, &e.Predicate, &e.ObjectType, &e.ObjectKey,
			&e.ThreadID, &e.Value, &e.StartTs, &endTs, &e.Strength, &e.ReinforcementCount,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan graph edge")
		}
		if endTs.Valid {
			v := endTs.Int64
			e.EndTs = &v
		}
		list = append(list, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate graph edges")
	}
	return list, nil
}
