//go:build integration

package store

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/triage-ai/arbiter/internal/history"
	"github.com/triage-ai/arbiter/internal/model"
	"go.uber.org/zap"
)

// Run with: go test -tags=integration -timeout 120s -run TestPostgresPersister ./internal/store/...
func TestPostgresPersister_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("arbiter"),
		postgres.WithUsername("arbiter"),
		postgres.WithPassword("arbiter"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	db, err := OpenPostgres(ctx, connStr)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	p := NewPostgresPersister(db)
	defer func() { _ = p.Close() }()
	if err := p.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := p.Migrate(ctx); err != nil {
		t.Fatalf("second migrate should be a no-op: %v", err)
	}

	s := New(p, history.NewMemoryRecorder(), zap.NewNop())
	if err := s.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	a, err := s.Create(ctx, &model.Policy{
		Name: "gpu", Type: "resource", Priority: 5,
		Rules: []model.Rule{{Action: "throttle", Match: map[string]any{"gpus": map[string]any{"$gt": 4}}, Parameters: map[string]any{"max": 4}}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.SetStatus(ctx, a.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	b, _ := s.Create(ctx, &model.Policy{Name: "net", Type: "network", Priority: 1, Rules: []model.Rule{{Action: "deny"}}})
	if err := s.Delete(ctx, b.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	rec := history.NewMemoryRecorder()
	restarted := New(p, rec, zap.NewNop())
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if restarted.CurrentVersion() != 4 {
		t.Fatalf("expected version 4, got %d", restarted.CurrentVersion())
	}
	got, err := restarted.Get(a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusInactive || got.Rules[0].Parameters["max"] != 4.0 {
		t.Errorf("unexpected reloaded policy: %+v", got)
	}
	page := rec.Query(history.Query{})
	if page.TotalCount != 4 || page.Entries[0].Action != model.ActionDelete || page.Entries[0].OldData == nil {
		t.Errorf("unexpected reloaded history: %+v", page)
	}

	stale := Change{Version: 2, Put: got, Entry: model.HistoryEntry{ID: "stale", Version: 2, Action: model.ActionUpdate, Timestamp: time.Now()}}
	if err := p.Commit(ctx, stale); !errors.Is(err, errVersionConflict) {
		t.Errorf("expected version conflict for a stale commit, got %v", err)
	}
}
