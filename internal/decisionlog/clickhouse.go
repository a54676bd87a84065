package decisionlog

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/triage-ai/arbiter/internal/model"
	"github.com/triage-ai/arbiter/internal/retry"
	"go.uber.org/zap"
)

// ClickHouseSchema creates the policy_decisions table.
const ClickHouseSchema = `
CREATE TABLE IF NOT EXISTS policy_decisions (
	decision_id        String,
	timestamp          DateTime64(6, 'UTC'),
	component          String,
	result             LowCardinality(String),
	policy_version     Int64,
	snapshot_hash      String,
	decision_path      Array(String),
	policies_evaluated UInt32,
	execution_time_ms  Float64,
	complexity         LowCardinality(String),
	payload            String CODEC(ZSTD)
) ENGINE = MergeTree
ORDER BY (timestamp, decision_id)
SETTINGS non_replicated_deduplication_window = 10000`

// dedupWindowMigration enables insert deduplication on tables created before
// the setting was part of ClickHouseSchema.
const dedupWindowMigration = `ALTER TABLE policy_decisions MODIFY SETTING non_replicated_deduplication_window = 10000`

// ClickHouseLog writes decisions to ClickHouse synchronously. The full decision
// is stored as JSON in payload; the other columns exist for filtering.
type ClickHouseLog struct {
	conn     driver.Conn
	retry    retry.Policy
	maxBytes int
	logger   *zap.Logger
}

// NewClickHouseLog opens and pings a ClickHouse connection.
func NewClickHouseLog(ctx context.Context, dsn string, maxBytes int, rp retry.Policy, logger *zap.Logger) (*ClickHouseLog, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseLog: %w", err)
	}

	// ParseDSN sets TLS for ?secure=true; ClickHouse Cloud requires it regardless.
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseLog: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("NewClickHouseLog: %w", err)
	}

	return newClickHouseLog(conn, maxBytes, rp, logger), nil
}

func newClickHouseLog(conn driver.Conn, maxBytes int, rp retry.Policy, logger *zap.Logger) *ClickHouseLog {
	return &ClickHouseLog{conn: conn, retry: rp, maxBytes: maxBytes, logger: logger}
}

// Migrate creates the decisions table if it does not exist.
func (l *ClickHouseLog) Migrate(ctx context.Context) error {
	for _, stmt := range []string{ClickHouseSchema, dedupWindowMigration} {
		if err := l.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("Migrate: %w", err)
		}
	}
	return nil
}

func (l *ClickHouseLog) Append(ctx context.Context, d *model.Decision) error {
	raw, err := encode(d, l.maxBytes)
	if err != nil {
		l.logger.Error("decision rejected by size limit",
			zap.String("decision_id", d.ID),
			zap.Error(err),
		)
		return err
	}

	err = retry.Do(ctx, l.retry, l.logger, "append decision", func(ctx context.Context) error {
		batch, err := l.conn.PrepareBatch(insertContext(ctx, d.ID), `
			INSERT INTO policy_decisions (
				decision_id, timestamp, component, result,
				policy_version, snapshot_hash, decision_path, policies_evaluated,
				execution_time_ms, complexity, payload
			)
		`)
		if err != nil {
			return fmt.Errorf("prepare batch: %w", err)
		}
		if err := batch.Append(
			d.ID,
			d.Timestamp,
			d.Component,
			string(d.Result),
			d.PolicyVersion,
			d.SnapshotHash,
			d.DecisionPath,
			uint32(d.PoliciesEvaluated),
			safeFloat(float64(d.ExecutionTime.Microseconds())/1000),
			string(d.Complexity),
			string(raw),
		); err != nil {
			_ = batch.Abort()
			return retry.Permanent(fmt.Errorf("append row: %w", err))
		}
		return batch.Send()
	})
	if err != nil {
		l.logger.Error("clickhouse decision insert failed",
			zap.String("decision_id", d.ID),
			zap.Error(err),
		)
		return model.StorageErr("append decision", err)
	}
	return nil
}

func (l *ClickHouseLog) Query(ctx context.Context, q Query) ([]*model.Decision, error) {
	q = q.normalize()

	conditions := []string{"1 = 1"}
	var args []any
	if !q.Start.IsZero() {
		conditions = append(conditions, "timestamp >= @start_time")
		args = append(args, clickhouse.Named("start_time", q.Start))
	}
	if !q.End.IsZero() {
		conditions = append(conditions, "timestamp <= @end_time")
		args = append(args, clickhouse.Named("end_time", q.End))
	}
	if q.PolicyID != "" {
		conditions = append(conditions, "has(decision_path, @policy_id)")
		args = append(args, clickhouse.Named("policy_id", q.PolicyID))
	}
	if q.Component != "" {
		conditions = append(conditions, "component = @component")
		args = append(args, clickhouse.Named("component", q.Component))
	}
	if q.Result != "" {
		conditions = append(conditions, "result = @result")
		args = append(args, clickhouse.Named("result", string(q.Result)))
	}
	args = append(args, clickhouse.Named("limit", uint32(q.Limit)))

	query := fmt.Sprintf(
		"SELECT payload FROM policy_decisions WHERE %s "+
			"ORDER BY timestamp ASC, decision_id ASC "+
			"LIMIT 1 BY decision_id "+
			"LIMIT @limit",
		strings.Join(conditions, " AND "),
	)

	rows, err := l.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, model.StorageErr("query decisions", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*model.Decision, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, model.StorageErr("query decisions", err)
		}
		d, err := decode([]byte(payload))
		if err != nil {
			return nil, model.StorageErr("query decisions", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, model.StorageErr("query decisions", err)
	}
	return out, nil
}

func (l *ClickHouseLog) Get(ctx context.Context, id string) (*model.Decision, error) {
	rows, err := l.conn.Query(ctx,
		"SELECT payload FROM policy_decisions WHERE decision_id = @decision_id LIMIT 1",
		clickhouse.Named("decision_id", id),
	)
	if err != nil {
		return nil, model.StorageErr("get decision", err)
	}
	defer func() { _ = rows.Close() }()

	// ClickHouse doesn't return sql.ErrNoRows, so check for an empty result.
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, model.StorageErr("get decision", err)
		}
		return nil, decisionNotFound(id)
	}
	var payload string
	if err := rows.Scan(&payload); err != nil {
		return nil, model.StorageErr("get decision", err)
	}
	d, err := decode([]byte(payload))
	if err != nil {
		return nil, model.StorageErr("get decision", err)
	}
	return d, nil
}

// insertContext tags an insert with the decision id as its deduplication
// token. A retry after a lost acknowledgement then leaves a single row.
func insertContext(ctx context.Context, decisionID string) context.Context {
	return clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"insert_deduplication_token": decisionID,
	}))
}

func (l *ClickHouseLog) Ping(ctx context.Context) error {
	return l.conn.Ping(ctx)
}

func (l *ClickHouseLog) Close() error {
	return l.conn.Close()
}

// safeFloat replaces NaN/Inf with 0.0.
func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0.0
	}
	return f
}
