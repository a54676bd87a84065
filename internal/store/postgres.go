package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/triage-ai/arbiter/internal/model"
)

// Schema creates the tables used by PostgresPersister. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS arbiter_state (
	id      SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	version BIGINT   NOT NULL
);
INSERT INTO arbiter_state (id, version) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;

CREATE TABLE IF NOT EXISTS policies (
	id          TEXT        PRIMARY KEY,
	name        TEXT        NOT NULL,
	type        TEXT        NOT NULL,
	description TEXT        NOT NULL DEFAULT '',
	priority    INTEGER     NOT NULL,
	status      TEXT        NOT NULL,
	rules       JSONB       NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS policy_history (
	id          TEXT        PRIMARY KEY,
	version     BIGINT      NOT NULL UNIQUE,
	action      TEXT        NOT NULL,
	policy_id   TEXT        NOT NULL,
	policy_name TEXT        NOT NULL,
	policy_type TEXT        NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	old_data    JSONB,
	new_data    JSONB
);
CREATE INDEX IF NOT EXISTS policy_history_policy_idx ON policy_history (policy_id, version DESC);
`

// PostgresPersister stores policies, history and the version counter in PostgreSQL.
// Each Commit is one transaction guarded by a compare-and-set on the version row.
type PostgresPersister struct {
	db *sql.DB
}

// OpenPostgres opens and pings a pgx-backed connection pool.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("OpenPostgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("OpenPostgres: %w", err)
	}
	return db, nil
}

// NewPostgresPersister creates a persister over db.
func NewPostgresPersister(db *sql.DB) *PostgresPersister {
	return &PostgresPersister{db: db}
}

// Migrate applies Schema.
func (p *PostgresPersister) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("Migrate: %w", err)
	}
	return nil
}

func (p *PostgresPersister) Load(ctx context.Context) (*State, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	st := &State{}
	if err := tx.QueryRowContext(ctx, `SELECT version FROM arbiter_state WHERE id = 1`).Scan(&st.Version); err != nil {
		return nil, fmt.Errorf("Load: version: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, name, type, description, priority, status, rules, created_at, updated_at
		FROM policies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("Load: policies: %w", err)
	}
	for rows.Next() {
		var (
			pol   model.Policy
			rules []byte
		)
		if err := rows.Scan(&pol.ID, &pol.Name, &pol.Type, &pol.Description, &pol.Priority,
			&pol.Status, &rules, &pol.CreatedAt, &pol.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("Load: policies: %w", err)
		}
		if err := json.Unmarshal(rules, &pol.Rules); err != nil {
			rows.Close()
			return nil, fmt.Errorf("Load: policy %s rules: %w", pol.ID, err)
		}
		pol.CreatedAt = pol.CreatedAt.UTC()
		pol.UpdatedAt = pol.UpdatedAt.UTC()
		st.Policies = append(st.Policies, &pol)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Load: policies: %w", err)
	}
	rows.Close()

	rows, err = tx.QueryContext(ctx, `
		SELECT id, version, action, policy_id, policy_name, policy_type, ts, old_data, new_data
		FROM policy_history ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("Load: history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e                model.HistoryEntry
			oldData, newData []byte
		)
		if err := rows.Scan(&e.ID, &e.Version, &e.Action, &e.PolicyID, &e.PolicyName,
			&e.PolicyType, &e.Timestamp, &oldData, &newData); err != nil {
			return nil, fmt.Errorf("Load: history: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		if e.OldData, err = decodePolicy(oldData); err != nil {
			return nil, fmt.Errorf("Load: history %s: %w", e.ID, err)
		}
		if e.NewData, err = decodePolicy(newData); err != nil {
			return nil, fmt.Errorf("Load: history %s: %w", e.ID, err)
		}
		st.History = append(st.History, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Load: history: %w", err)
	}
	return st, nil
}

func (p *PostgresPersister) Commit(ctx context.Context, ch Change) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Commit: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE arbiter_state SET version = $1 WHERE id = 1 AND version = $2`,
		ch.Version, ch.Version-1)
	if err != nil {
		return fmt.Errorf("Commit: version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// An earlier attempt may have committed before its reply was lost.
		var applied bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM policy_history WHERE id = $1 AND version = $2)`,
			ch.Entry.ID, ch.Version).Scan(&applied); err != nil {
			return fmt.Errorf("Commit: version: %w", err)
		}
		if applied {
			return nil
		}
		return fmt.Errorf("Commit: %w", errVersionConflict)
	}

	if ch.Put != nil {
		rules, err := json.Marshal(ch.Put.Rules)
		if err != nil {
			return fmt.Errorf("Commit: rules: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO policies (id, name, type, description, priority, status, rules, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				name        = EXCLUDED.name,
				type        = EXCLUDED.type,
				description = EXCLUDED.description,
				priority    = EXCLUDED.priority,
				status      = EXCLUDED.status,
				rules       = EXCLUDED.rules,
				updated_at  = EXCLUDED.updated_at`,
			ch.Put.ID, ch.Put.Name, ch.Put.Type, ch.Put.Description, ch.Put.Priority,
			string(ch.Put.Status), json.RawMessage(rules), ch.Put.CreatedAt, ch.Put.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("Commit: put policy: %w", err)
		}
	}
	if ch.DeleteID != "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, ch.DeleteID); err != nil {
			return fmt.Errorf("Commit: delete policy: %w", err)
		}
	}

	oldData, err := encodePolicy(ch.Entry.OldData)
	if err != nil {
		return fmt.Errorf("Commit: history: %w", err)
	}
	newData, err := encodePolicy(ch.Entry.NewData)
	if err != nil {
		return fmt.Errorf("Commit: history: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO policy_history (id, version, action, policy_id, policy_name, policy_type, ts, old_data, new_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ch.Entry.ID, ch.Entry.Version, string(ch.Entry.Action), ch.Entry.PolicyID,
		ch.Entry.PolicyName, ch.Entry.PolicyType, ch.Entry.Timestamp, oldData, newData,
	)
	if err != nil {
		return fmt.Errorf("Commit: history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Commit: %w", err)
	}
	return nil
}

func (p *PostgresPersister) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresPersister) Close() error {
	return p.db.Close()
}

// encodePolicy returns nil (SQL NULL) for a nil policy, otherwise its JSON.
func encodePolicy(p *model.Policy) (interface{}, error) {
	if p == nil {
		return nil, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

func decodePolicy(raw []byte) (*model.Policy, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var p model.Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
