package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// fakeArbiter serves a listing whose version the test can bump.
type fakeArbiter struct {
	version      atomic.Int64
	listCalls    atomic.Int64
	checkCalls   atomic.Int64
	decideStatus int
}

func (f *fakeArbiter) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /policies", func(w http.ResponseWriter, r *http.Request) {
		f.listCalls.Add(1)
		v := f.version.Load()
		writeTestJSON(w, http.StatusOK, Listing{
			Policies: []Policy{{ID: "pol_a", Name: "a", Type: "security", Status: "active"}},
			Version:  v,
			Count:    1,
		})
	})
	mux.HandleFunc("POST /cache-check", func(w http.ResponseWriter, r *http.Request) {
		f.checkCalls.Add(1)
		var req struct {
			PolicyVersion int64 `json:"policy_version"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		cur := f.version.Load()
		writeTestJSON(w, http.StatusOK, Validity{
			Valid:          req.PolicyVersion == cur,
			CurrentVersion: cur,
			NeedsRefresh:   req.PolicyVersion != cur,
		})
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, VersionInfo{Version: f.version.Load(), SnapshotHash: "abc", PolicyCount: 1})
	})
	mux.HandleFunc("POST /decisions", func(w http.ResponseWriter, r *http.Request) {
		switch f.decideStatus {
		case 0, http.StatusOK:
			writeTestJSON(w, http.StatusOK, map[string]any{
				"id":                "dec_1",
				"component":         "billing",
				"result":            "deny",
				"reason":            "matched",
				"policy_version":    f.version.Load(),
				"execution_time_ms": 0.5,
			})
		case http.StatusBadRequest:
			writeTestJSON(w, http.StatusBadRequest, map[string]string{"detail": "component is required", "kind": "validation_error"})
		default:
			writeTestJSON(w, f.decideStatus, map[string]string{"detail": "storage unavailable", "kind": "storage_error"})
		}
	})
	return mux
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, f *fakeArbiter) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func TestDecide_Success(t *testing.T) {
	f := &fakeArbiter{}
	f.version.Store(3)
	c := newTestClient(t, f)

	d, err := c.Decide(context.Background(), "billing", map[string]any{"amount": 10})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Result != "deny" || d.PolicyVersion != 3 || d.Degraded {
		t.Errorf("unexpected decision: %+v", d)
	}
}

func TestDecide_ClientErrorNotDegraded(t *testing.T) {
	c := newTestClient(t, &fakeArbiter{decideStatus: http.StatusBadRequest})

	d, err := c.Decide(context.Background(), "", nil)
	if d != nil {
		t.Errorf("expected no decision, got %+v", d)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest || apiErr.Kind != "validation_error" {
		t.Fatalf("expected 400 APIError, got %v", err)
	}
	if errors.Is(err, ErrDegraded) {
		t.Error("4xx must not be reported as degraded")
	}
}

func TestDecide_ServerErrorFailClosed(t *testing.T) {
	c := newTestClient(t, &fakeArbiter{decideStatus: http.StatusServiceUnavailable})

	d, err := c.Decide(context.Background(), "billing", nil)
	if !errors.Is(err, ErrDegraded) {
		t.Fatalf("expected ErrDegraded, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected wrapped 503 APIError, got %v", err)
	}
	if d == nil || d.Result != "deny" || !d.Degraded || d.Component != "billing" {
		t.Errorf("expected degraded deny, got %+v", d)
	}
}

func TestDecide_UnreachableFailOpen(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url)
	c.FailMode = FailOpen
	d, err := c.Decide(context.Background(), "billing", nil)
	if !errors.Is(err, ErrDegraded) {
		t.Fatalf("expected ErrDegraded, got %v", err)
	}
	if d.Result != "allow" || !d.Degraded {
		t.Errorf("expected degraded allow, got %+v", d)
	}
}

func TestVersionAndCheckCache(t *testing.T) {
	f := &fakeArbiter{}
	f.version.Store(7)
	c := newTestClient(t, f)

	info, err := c.Version(context.Background())
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if info.Version != 7 || info.SnapshotHash != "abc" {
		t.Errorf("unexpected version info: %+v", info)
	}

	v, err := c.CheckCache(context.Background(), 6)
	if err != nil {
		t.Fatalf("CheckCache: %v", err)
	}
	if v.Valid || !v.NeedsRefresh || v.CurrentVersion != 7 {
		t.Errorf("expected stale answer, got %+v", v)
	}
}

func TestPolicies_StateMachine(t *testing.T) {
	f := &fakeArbiter{}
	f.version.Store(1)
	c := newTestClient(t, f)
	ctx := context.Background()

	if s, _ := c.CacheState(); s != CacheUnknown {
		t.Fatalf("expected unknown, got %s", s)
	}

	l, err := c.Policies(ctx)
	if err != nil {
		t.Fatalf("Policies: %v", err)
	}
	if l.Version != 1 || f.listCalls.Load() != 1 || f.checkCalls.Load() != 0 {
		t.Fatalf("first fetch: version=%d lists=%d checks=%d", l.Version, f.listCalls.Load(), f.checkCalls.Load())
	}
	if s, v := c.CacheState(); s != CacheValid || v != 1 {
		t.Fatalf("expected valid(1), got %s(%d)", s, v)
	}

	// Unchanged version: revalidate only.
	if _, err := c.Policies(ctx); err != nil {
		t.Fatalf("Policies: %v", err)
	}
	if f.listCalls.Load() != 1 || f.checkCalls.Load() != 1 {
		t.Errorf("expected check without refetch, lists=%d checks=%d", f.listCalls.Load(), f.checkCalls.Load())
	}

	// Version bump: stale, then refetched.
	f.version.Store(2)
	l, err = c.Policies(ctx)
	if err != nil {
		t.Fatalf("Policies: %v", err)
	}
	if l.Version != 2 || f.listCalls.Load() != 2 {
		t.Errorf("expected refetch at version 2, got version=%d lists=%d", l.Version, f.listCalls.Load())
	}
	if s, v := c.CacheState(); s != CacheValid || v != 2 {
		t.Errorf("expected valid(2), got %s(%d)", s, v)
	}

	c.Invalidate()
	if s, _ := c.CacheState(); s != CacheUnknown {
		t.Errorf("expected unknown after invalidate, got %s", s)
	}
}

func TestPolicies_CheckInterval(t *testing.T) {
	f := &fakeArbiter{}
	f.version.Store(1)
	c := newTestClient(t, f)
	c.CheckInterval = time.Hour

	for i := 0; i < 3; i++ {
		if _, err := c.Policies(context.Background()); err != nil {
			t.Fatalf("Policies: %v", err)
		}
	}
	if f.listCalls.Load() != 1 || f.checkCalls.Load() != 0 {
		t.Errorf("expected a single fetch and no checks, lists=%d checks=%d", f.listCalls.Load(), f.checkCalls.Load())
	}
}

func TestPolicies_ServesPreviousListingOnCheckFailure(t *testing.T) {
	f := &fakeArbiter{}
	f.version.Store(4)
	srv := httptest.NewServer(f.handler())
	c := New(srv.URL)

	if _, err := c.Policies(context.Background()); err != nil {
		t.Fatalf("Policies: %v", err)
	}
	srv.Close()

	l, err := c.Policies(context.Background())
	if err == nil {
		t.Fatal("expected an error from the failed check")
	}
	if l == nil || l.Version != 4 {
		t.Errorf("expected previous listing, got %+v", l)
	}
	if s, _ := c.CacheState(); s != CacheValid {
		t.Errorf("failed check should not change state, got %s", s)
	}
}
