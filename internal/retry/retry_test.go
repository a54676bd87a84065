package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 3, Base: time.Millisecond}, zap.NewNop(), "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := Do(context.Background(), Policy{Attempts: 2, Base: time.Millisecond}, zap.NewNop(), "test", func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	bad := errors.New("bad input")
	err := Do(context.Background(), Policy{Attempts: 5, Base: time.Millisecond}, zap.NewNop(), "test", func(context.Context) error {
		calls++
		return Permanent(bad)
	})
	if err != bad {
		t.Fatalf("expected unwrapped permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Attempts: 5, Base: time.Hour}, zap.NewNop(), "test", func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{Base: 10 * time.Millisecond, Max: 25 * time.Millisecond}
	if d := p.Delay(1); d != 0 {
		t.Errorf("first attempt should not wait, got %s", d)
	}
	if d := p.Delay(2); d != 10*time.Millisecond {
		t.Errorf("expected 10ms, got %s", d)
	}
	if d := p.Delay(3); d != 20*time.Millisecond {
		t.Errorf("expected 20ms, got %s", d)
	}
	if d := p.Delay(4); d != 25*time.Millisecond {
		t.Errorf("expected cap of 25ms, got %s", d)
	}
}
