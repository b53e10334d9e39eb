package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/recall/store"
)

func (d *DB) UpsertAgentPreference(ctx context.Context, upsert *store.UpsertAgentPreference) (*store.AgentPreference, error) {
	now := time.Now().Unix()
	stmt := `
		INSERT INTO agent_preference (agent_name, topic_weights, traits, updated_ts)
		VALUES (` + placeholders(4) + `)
		ON CONFLICT (agent_name)
		DO UPDATE SET topic_weights = EXCLUDED.topic_weights, traits = EXCLUDED.traits, updated_ts = EXCLUDED.updated_ts
	`
	if _, err := d.db.ExecContext(ctx, stmt,
		upsert.AgentName,
		marshalJSON(upsert.TopicWeights),
		marshalJSON(upsert.Traits),
		now,
	); err != nil {
		return nil, errors.Wrap(err, "failed to upsert agent preference")
	}
	return &store.AgentPreference{
		AgentName:    upsert.AgentName,
		TopicWeights: upsert.TopicWeights,
		Traits:       upsert.Traits,
		UpdatedTs:    now,
	}, nil
}

func (d *DB) GetAgentPreference(ctx context.Context, find *store.FindAgentPreference) (*store.AgentPreference, error) {
	if find == nil || find.AgentName == nil {
		return nil, errors.New("agent name is required")
	}

	var pref store.AgentPreference
	var weights, traits string
	err := d.db.QueryRowContext(ctx,
		`SELECT agent_name, topic_weights, traits, updated_ts FROM agent_preference WHERE agent_name = ?`,
		*find.AgentName,
	).Scan(&pref.AgentName, &weights, &traits, &pref.UpdatedTs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get agent preference")
	}

	pref.TopicWeights = map[string]float64{}
	if weights != "" {
		_ = json.Unmarshal([]byte(weights), &pref.TopicWeights)
	}
	pref.Traits = unmarshalStringMap(traits)
	return &pref, nil
}

func (d *DB) CreateHandoffToken(ctx context.Context, create *store.HandoffToken) (*store.HandoffToken, error) {
	if create.CreatedTs == 0 {
		create.CreatedTs = time.Now().Unix()
	}
	stmt := `INSERT INTO handoff_token (token, thread_id, target_device, created_ts, expires_ts)
		VALUES (` + placeholders(5) + `)`
	if _, err := d.db.ExecContext(ctx, stmt,
		create.Token, create.ThreadID, create.TargetDevice, create.CreatedTs, create.ExpiresTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to create handoff token")
	}
	return create, nil
}

func (d *DB) GetHandoffToken(ctx context.Context, token string) (*store.HandoffToken, error) {
	var t store.HandoffToken
	var consumedTs sql.NullInt64
	err := d.db.QueryRowContext(ctx,
		`SELECT token, thread_id, target_device, created_ts, expires_ts, consumed_ts FROM handoff_token WHERE token = ?`,
		token,
	).Scan(&t.Token, &t.ThreadID, &t.TargetDevice, &t.CreatedTs, &t.ExpiresTs, &consumedTs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get handoff token")
	}
	if consumedTs.Valid {
		v := consumedTs.Int64
		t.ConsumedTs = &v
	}
	return &t, nil
}

func (d *DB) ConsumeHandoffToken(ctx context.Context, token string, consumedTs int64) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE handoff_token SET consumed_ts = ? WHERE token = ? AND consumed_ts IS NULL`,
		consumedTs, token,
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to consume handoff token")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
	}
	return n == 1, nil
}

func (d *DB) AcquireLease(ctx context.Context, name, holder string, expiresTs int64, nowTs int64) (bool, error) {
	// A lease is grantable when absent, expired, or already held by the caller.
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO lease (name, holder, expires_ts) VALUES (?, ?, ?)
		ON CONFLICT (name)
		DO UPDATE SET holder = EXCLUDED.holder, expires_ts = EXCLUDED.expires_ts
		WHERE lease.expires_ts < ? OR lease.holder = EXCLUDED.holder`,
		name, holder, expiresTs, nowTs,
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to acquire lease")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
	}
	return n == 1, nil
}

func (d *DB) ReleaseLease(ctx context.Context, name, holder string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM lease WHERE name = ? AND holder = ?`, name, holder); err != nil {
		return errors.Wrap(err, "failed to release lease")
	}
	return nil
}
