package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

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
		contextEmbedding = marshalJSON(upsert.ContextEmbedding)
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
		marshalJSON(upsert.Embedding),
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
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.OwnerKind != nil {
		where, args = append(where, "owner_kind = ?"), append(args, *find.OwnerKind)
	}
	if find.ThreadID != nil {
		where, args = append(where, "thread_id = ?"), append(args, *find.ThreadID)
	}

	query := `
		SELECT id, owner_kind, embedding, context_embedding, payload, model, created_ts, updated_ts
		FROM vector_record
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_ts DESC`
	if find.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, find.Limit)
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
	if _, err := d.db.ExecContext(ctx, "DELETE FROM vector_record WHERE id = ?", id); err != nil {
		return errors.Wrap(err, "failed to delete vector record")
	}
	return nil
}

// VectorSearch performs a brute-force cosine scan over the thread's records.
// This is a best-effort implementation for development and tests; PostgreSQL
// with pgvector is the production path.
func (d *DB) VectorSearch(ctx context.Context, opts *store.VectorSearchOptions) ([]*store.VectorHit, error) {
	if opts == nil || len(opts.Vector) == 0 {
		return nil, errors.New("vector search requires a query vector")
	}

	find := &store.FindVectorRecord{ThreadID: &opts.ThreadID}
	records, err := d.ListVectorRecords(ctx, find)
	if err != nil {
		return nil, err
	}

	kinds := map[string]bool{}
	for _, k := range opts.OwnerKinds {
		kinds[k] = true
	}

	hits := []*store.VectorHit{}
	for _, r := range records {
		if len(kinds) > 0 && !kinds[r.OwnerKind] {
			continue
		}
		score := cosineSimilarity(opts.Vector, r.Embedding)
		if score < opts.MinScore {
			continue
		}
		hits = append(hits, &store.VectorHit{Record: r, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Record.Payload.Timestamp > hits[j].Record.Payload.Timestamp
	})

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func scanVectorRecord(rows *sql.Rows) (*store.VectorRecord, error) {
	var r store.VectorRecord
	var embedding, payload string
	var contextEmbedding sql.NullString
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
	r.Embedding = unmarshalFloat32Slice(embedding)
	if contextEmbedding.Valid {
		r.ContextEmbedding = unmarshalFloat32Slice(contextEmbedding.String)
	}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal vector payload")
		}
	}
	return &r, nil
}

// cosineSimilarity maps the cosine of two vectors into [0,1].
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return float32((cos + 1) / 2)
}
