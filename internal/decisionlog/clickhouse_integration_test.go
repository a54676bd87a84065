//go:build integration

package decisionlog

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/triage-ai/arbiter/internal/model"
	"github.com/triage-ai/arbiter/internal/retry"
	"go.uber.org/zap"
)

// Run with: go test -tags=integration -timeout 180s -run TestClickHouseLog ./internal/decisionlog/...
func TestClickHouseLog_RetriedInsertStoredOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "clickhouse/clickhouse-server:24.8",
			ExposedPorts: []string{"9000/tcp", "8123/tcp"},
			Env: map[string]string{
				"CLICKHOUSE_DB":       "arbiter",
				"CLICKHOUSE_USER":     "arbiter",
				"CLICKHOUSE_PASSWORD": "arbiter",
			},
			WaitingFor: wait.ForHTTP("/ping").WithPort("8123/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start clickhouse container: %v", err)
	}
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			log.Printf("failed to terminate clickhouse container: %v", err)
		}
	}()

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "9000/tcp")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{host + ":" + port.Port()},
		Auth: clickhouse.Auth{Database: "arbiter", Username: "arbiter", Password: "arbiter"},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	l := newClickHouseLog(conn, DefaultMaxDecisionBytes, retry.Policy{Attempts: 1}, zap.NewNop())
	defer func() { _ = l.Close() }()

	if err := l.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := l.Migrate(ctx); err != nil {
		t.Fatalf("second migrate should be a no-op: %v", err)
	}

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := &model.Decision{
		ID:           "dec_retry",
		Timestamp:    ts,
		Component:    "billing",
		Result:       model.ResultDeny,
		DecisionPath: []string{"pol_a"},
		Complexity:   model.ComplexitySimple,
	}
	// A second insert of the same decision is what a retry sends after the
	// first acknowledgement was lost.
	for i := 0; i < 2; i++ {
		if err := l.Append(ctx, d); err != nil {
			t.Fatalf("append #%d: %v", i+1, err)
		}
	}

	got, err := l.Query(ctx, Query{Start: ts.Add(-time.Minute), End: ts.Add(time.Minute)})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "dec_retry" {
		t.Fatalf("expected the decision once, got %d rows", len(got))
	}

	var rows uint64
	if err := conn.QueryRow(ctx, "SELECT count() FROM policy_decisions WHERE decision_id = 'dec_retry'").Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 1 {
		t.Errorf("expected one stored row, got %d", rows)
	}

	if _, err := l.Get(ctx, "dec_retry"); err != nil {
		t.Errorf("get: %v", err)
	}
}
