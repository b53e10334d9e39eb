package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"github.com/hrygo/recall/store"
)

func (d *DB) UpsertVectorRecord(ctx context.Context, upsert *store.VectorRecord) (*store.VectorRecord, error) {
	now := time.Now().Unix()
	if upsert.CreatedTs == 0 {
		upsert.CreatedTs = now
	}
	upsert.UpdatedTs = now

	var contextEmbedding any
	if len(upsert.ContextEmbedding) > 0 {
		contextEmbedding = pgvector.NewVector(upsert.ContextEmbedding)
	}

	stmt := `
		INSERT INTO vector_record (id, owner_kind, thread_id, embedding, context_embedding, payload, model, created_ts, updated_ts)
		VALUES (` + placeholders(9) + `)
		ON CONFLICT (id)
		DO UPDATE SET
			owner_kind = EXCLUDED.owner_kind,
			thread_id = EXCLUDED.thread_id,
			embedding = EXCLUDED.embedding,
			context_embedding = COALESCE(EXCLUDED.context_embedding, vector_record.context_embedding),
			payload = EXCLUDED.payload,
			model = EXCLUDED.model,
			updated_ts = EXCLUDED.updated_ts
	`
	if _, err := d.db.ExecContext(ctx, stmt,
		upsert.ID,
		upsert.OwnerKind,
		upsert.Payload.ThreadID,
		pgvector.NewVector(upsert.Embedding),
		contextEmbedding,
		marshalJSON(upsert.Payload),
		upsert.Model,
		upsert.CreatedTs,
		upsert.UpdatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to upsert vector record")
	}
	return upsert, nil
}

func (d *DB) ListVectorRecords(ctx context.Context, find *store.FindVectorRecord) ([]*store.VectorRecord, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.OwnerKind != nil {
		where, args = append(where, "owner_kind = "+placeholder(len(args)+1)), append(args, *find.OwnerKind)
	}
	if find.ThreadID != nil {
		where, args = append(where, "thread_id = "+placeholder(len(args)+1)), append(args, *find.ThreadID)
	}

	query := `
		SELECT id, owner_kind, embedding, context_embedding, payload, model, created_ts, updated_ts
		FROM vector_record
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_ts DESC`
	if find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list vector records")
	}
	defer rows.Close()

	list := []*store.VectorRecord{}
	for rows.Next() {
		r, err := scanVectorRecord(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate vector records")
	}
	return list, nil
}

func (d *DB) DeleteVectorRecord(ctx context.Context, id string) error {
	if _, err := d.db.ExecContext(ctx, "DELETE FROM vector_record WHERE id = $1", id); err != nil {
		return errors.Wrap(err, "failed to delete vector record")
	}
	return nil
}

// VectorSearch uses the pgvector cosine distance operator. The distance is
// mapped into the same [0,1] similarity range the SQLite driver produces.
func (d *DB) VectorSearch(ctx context.Context, opts *store.VectorSearchOptions) ([]*store.VectorHit, error) {
	if opts == nil || len(opts.Vector) == 0 {
		return nil, errors.New("vector search requires a query vector")
	}

	where := []string{"thread_id = $1"}
	args := []any{opts.ThreadID, pgvector.NewVector(opts.Vector)}

	if len(opts.OwnerKinds) > 0 {
		ph := make([]string, len(opts.OwnerKinds))
		for i, k := range opts.OwnerKinds {
			ph[i] = placeholder(len(args) + 1)
			args = append(args, k)
		}
		where = append(where, "owner_kind IN ("+strings.Join(ph, ", ")+")")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	// cosine distance d is in [0,2]; similarity = 1 - d/2.
	query := `
		SELECT id, owner_kind, embedding, context_embedding, payload, model, created_ts, updated_ts,
			1 - (embedding <=> $2) / 2 AS score
		FROM vector_record
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY embedding <=> $2 ASC
		LIMIT ` + fmt.Sprintf("%d", limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to search vectors")
	}
	defer rows.Close()

	hits := []*store.VectorHit{}
	for rows.Next() {
		var r store.VectorRecord
		var embedding pgvector.Vector
		var contextEmbedding sql.NullString
		var payload []byte
		var score float32
		if err := rows.Scan(
			&r.ID, &r.OwnerKind, &embedding, &contextEmbedding, &payload, &r.Model,
			&r.CreatedTs, &r.UpdatedTs, &score,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan vector hit")
		}
		r.Embedding = embedding.Slice()
		if contextEmbedding.Valid {
			var v pgvector.Vector
			if err := v.Parse(contextEmbedding.String); err != nil {
				return nil, errors.Wrap(err, "failed to parse context embedding")
			}
			r.ContextEmbedding = v.Slice()
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &r.Payload); err != nil {
				return nil, errors.Wrap(err, "failed to unmarshal vector payload")
			}
		}
		if score < opts.MinScore {
			continue
		}
		hits = append(hits, &store.VectorHit{Record: &r, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate vector hits")
	}
	return hits, nil
}

func scanVectorRecord(rows *sql.Rows) (*store.VectorRecord, error) {
	var r store.VectorRecord
	var embedding pgvector.Vector
	var contextEmbedding sql.NullString
	var payload []byte
	if err := rows.Scan(
		&r.ID,
		&r.OwnerKind,
		&embedding,
		&contextEmbedding,
		&payload,
		&r.Model,
		&r.CreatedTs,
		&r.UpdatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to scan vector record")
	}
	r.Embedding = embedding.Slice()
	if contextEmbedding.Valid {
		var v pgvector.Vector
		if err := v.Parse(contextEmbedding.String); err != nil {
			return nil, errors.Wrap(err, "failed to parse context embedding")
		}
		r.ContextEmbedding = v.Slice()
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &r.Payload); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal vector payload")
		}
	}
	return &r, nil
}
