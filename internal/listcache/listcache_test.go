package listcache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
)

func newTestCache(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	c, err := NewRedis(context.Background(), "redis://"+srv.Addr(), ttl, zap.NewNop())
	if err != nil {
		t.Fatalf("cache init: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, srv
}

func TestKey(t *testing.T) {
	if got := Key(3, ""); got != "arbiter:policies:v3:_all" {
		t.Errorf("unexpected key %q", got)
	}
	if got := Key(3, "scheduling"); got != "arbiter:policies:v3:scheduling" {
		t.Errorf("unexpected key %q", got)
	}
}

func TestRedis_PutGet(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	if _, ok := c.Get(ctx, 1, ""); ok {
		t.Fatal("expected miss on empty cache")
	}
	c.Put(ctx, 1, "", []byte(`[{"id":"a"}]`))
	b, ok := c.Get(ctx, 1, "")
	if !ok || string(b) != `[{"id":"a"}]` {
		t.Fatalf("expected hit, got %q %v", b, ok)
	}
}

func TestRedis_VersionBumpMisses(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	c.Put(ctx, 1, "network", []byte(`[]`))
	if _, ok := c.Get(ctx, 2, "network"); ok {
		t.Error("listing for version 1 served for version 2")
	}
	if _, ok := c.Get(ctx, 1, "scheduling"); ok {
		t.Error("listing for one type served for another")
	}
}

func TestRedis_TTLExpires(t *testing.T) {
	c, srv := newTestCache(t, 30*time.Second)
	ctx := context.Background()

	c.Put(ctx, 1, "", []byte(`[]`))
	srv.FastForward(31 * time.Second)
	if _, ok := c.Get(ctx, 1, ""); ok {
		t.Error("expected entry to expire")
	}
}

func TestRedis_ServerDownIsMiss(t *testing.T) {
	c, srv := newTestCache(t, time.Minute)
	ctx := context.Background()

	c.Put(ctx, 1, "", []byte(`[]`))
	srv.Close()
	if _, ok := c.Get(ctx, 1, ""); ok {
		t.Error("expected miss when redis is down")
	}
	c.Put(ctx, 2, "", []byte(`[]`))
}

func TestNop(t *testing.T) {
	var c Cache = Nop{}
	c.Put(context.Background(), 1, "", []byte(`[]`))
	if _, ok := c.Get(context.Background(), 1, ""); ok {
		t.Error("nop cache returned a hit")
	}
}
