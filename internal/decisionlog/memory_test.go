package decisionlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/triage-ai/arbiter/internal/model"
	"go.uber.org/zap"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func decision(id string, offset time.Duration, result model.Result, component string, path ...string) *model.Decision {
	return &model.Decision{
		ID:           id,
		Timestamp:    base.Add(offset),
		Component:    component,
		Context:      map[string]any{"env": "prod"},
		Result:       result,
		DecisionPath: path,
	}
}

func TestMemoryLog_QueryOrderedAscending(t *testing.T) {
	l := NewMemoryLog(0, zap.NewNop())
	ctx := context.Background()
	_ = l.Append(ctx, decision("c", 3*time.Second, model.ResultAllow, "net"))
	_ = l.Append(ctx, decision("a", 1*time.Second, model.ResultDeny, "sched", "p1"))
	_ = l.Append(ctx, decision("b", 2*time.Second, model.ResultAllow, "sched", "p2"))
	_ = l.Append(ctx, decision("b2", 2*time.Second, model.ResultModify, "sched", "p1", "p2"))

	got, err := l.Query(ctx, Query{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	ids := make([]string, len(got))
	for i, d := range got {
		ids[i] = d.ID
	}
	if strings.Join(ids, ",") != "a,b,b2,c" {
		t.Errorf("expected a,b,b2,c, got %v", ids)
	}
}

func TestMemoryLog_QueryFilters(t *testing.T) {
	l := NewMemoryLog(0, zap.NewNop())
	ctx := context.Background()
	_ = l.Append(ctx, decision("a", 1*time.Second, model.ResultDeny, "sched", "p1"))
	_ = l.Append(ctx, decision("b", 2*time.Second, model.ResultAllow, "sched", "p2"))
	_ = l.Append(ctx, decision("c", 3*time.Second, model.ResultModify, "net", "p1", "p2"))

	cases := []struct {
		name string
		q    Query
		want string
	}{
		{"window", Query{Start: base.Add(2 * time.Second), End: base.Add(3 * time.Second)}, "b,c"},
		{"policy", Query{PolicyID: "p1"}, "a,c"},
		{"component", Query{Component: "sched"}, "a,b"},
		{"result", Query{Result: model.ResultAllow}, "b"},
		{"limit", Query{Limit: 2}, "a,b"},
	}
	for _, c := range cases {
		got, err := l.Query(ctx, c.q)
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		ids := make([]string, len(got))
		for i, d := range got {
			ids[i] = d.ID
		}
		if strings.Join(ids, ",") != c.want {
			t.Errorf("%s: expected %s, got %v", c.name, c.want, ids)
		}
	}
}

func TestMemoryLog_GetAndNotFound(t *testing.T) {
	l := NewMemoryLog(0, zap.NewNop())
	ctx := context.Background()
	_ = l.Append(ctx, decision("a", 0, model.ResultAllow, ""))
	d, err := l.Get(ctx, "a")
	if err != nil || d.ID != "a" || d.Context["env"] != "prod" {
		t.Fatalf("unexpected get result: %+v %v", d, err)
	}
	if _, err := l.Get(ctx, "zzz"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryLog_SizeLimitFailsWrite(t *testing.T) {
	l := NewMemoryLog(512, zap.NewNop())
	big := decision("big", 0, model.ResultAllow, "")
	big.Context["blob"] = strings.Repeat("x", 2048)

	err := l.Append(context.Background(), big)
	if !errors.Is(err, model.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if l.Len() != 0 {
		t.Error("oversized decision was stored")
	}
}

func TestMemoryLog_LargeDecisionNotTruncated(t *testing.T) {
	l := NewMemoryLog(DefaultMaxDecisionBytes, zap.NewNop())
	d := decision("big", 0, model.ResultAllow, "")
	blob := strings.Repeat("y", 64*1024)
	d.Context["blob"] = blob
	if err := l.Append(context.Background(), d); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, _ := l.Get(context.Background(), "big")
	if got.Context["blob"] != blob {
		t.Error("stored context was altered")
	}
}

func TestMemoryLog_StoredDecisionIsImmutable(t *testing.T) {
	l := NewMemoryLog(0, zap.NewNop())
	d := decision("a", 0, model.ResultAllow, "")
	_ = l.Append(context.Background(), d)
	d.Context["env"] = "dev"
	got, _ := l.Get(context.Background(), "a")
	got.Result = model.ResultDeny

	again, _ := l.Get(context.Background(), "a")
	if again.Context["env"] != "prod" || again.Result != model.ResultAllow {
		t.Errorf("stored decision changed: %+v", again)
	}
}

func TestMemoryLog_DuplicateIDRejected(t *testing.T) {
	l := NewMemoryLog(0, zap.NewNop())
	_ = l.Append(context.Background(), decision("a", 0, model.ResultAllow, ""))
	if err := l.Append(context.Background(), decision("a", 0, model.ResultDeny, "")); !errors.Is(err, model.ErrStorage) {
		t.Fatalf("expected storage error for duplicate id, got %v", err)
	}
}

func TestMemoryLog_ConcurrentAppends(t *testing.T) {
	l := NewMemoryLog(0, zap.NewNop())
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = l.Append(context.Background(), decision(fmt.Sprintf("d%d", i), time.Duration(i)*time.Millisecond, model.ResultAllow, ""))
		}(i)
	}
	wg.Wait()
	got, _ := l.Query(context.Background(), Query{Limit: MaxQueryLimit})
	if len(got) != 100 {
		t.Fatalf("expected 100 decisions, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Fatal("query result not ordered by timestamp")
		}
	}
}
