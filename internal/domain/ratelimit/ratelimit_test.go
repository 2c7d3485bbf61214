package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/almudeer/engine/internal/domain/ratelimit"
)

func TestInProcLimiterIncrAndLimit(t *testing.T) {
	t.Parallel()

	l := ratelimit.NewInProc()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		count, limited, err := l.Incr(ctx, 1, ratelimit.WindowMinute, 3)
		if err != nil {
			t.Fatalf("Incr() error = %v", err)
		}
		if count != i {
			t.Fatalf("Incr() count = %d, want %d", count, i)
		}
		if limited {
			t.Fatalf("Incr() limited = true at count %d, want false", count)
		}
	}

	count, limited, err := l.Incr(ctx, 1, ratelimit.WindowMinute, 3)
	if err != nil {
		t.Fatalf("Incr() error = %v", err)
	}
	if count != 4 || !limited {
		t.Fatalf("Incr() = (%d, %v), want (4, true)", count, limited)
	}
}

func TestInProcLimiterSeparateLicensesIndependent(t *testing.T) {
	t.Parallel()

	l := ratelimit.NewInProc()
	ctx := context.Background()

	l.Incr(ctx, 1, ratelimit.WindowDaily, 10)
	l.Incr(ctx, 1, ratelimit.WindowDaily, 10)

	count, _, err := l.Incr(ctx, 2, ratelimit.WindowDaily, 10)
	if err != nil {
		t.Fatalf("Incr() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("Incr() for distinct license = %d, want 1", count)
	}
}

func TestInProcLimiterPeekDoesNotIncrement(t *testing.T) {
	t.Parallel()

	l := ratelimit.NewInProc()
	ctx := context.Background()

	limited, err := l.Peek(ctx, 1, ratelimit.WindowMinute, 3)
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if limited {
		t.Fatal("Peek() on untouched counter = true, want false")
	}

	for i := 0; i < 3; i++ {
		if _, _, err := l.Incr(ctx, 1, ratelimit.WindowMinute, 3); err != nil {
			t.Fatalf("Incr() error = %v", err)
		}
	}

	limited, err = l.Peek(ctx, 1, ratelimit.WindowMinute, 3)
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if !limited {
		t.Fatal("Peek() after reaching limit = false, want true")
	}

	count, _, err := l.Incr(ctx, 1, ratelimit.WindowMinute, 3)
	if err != nil {
		t.Fatalf("Incr() error = %v", err)
	}
	if count != 4 {
		t.Fatalf("Incr() count after Peek calls = %d, want 4 (Peek must not have incremented)", count)
	}
}

func TestInProcLimiterCooldown(t *testing.T) {
	t.Parallel()

	l := ratelimit.NewInProc()
	ctx := context.Background()

	active, err := l.Cooldown(ctx)
	if err != nil {
		t.Fatalf("Cooldown() error = %v", err)
	}
	if active {
		t.Fatal("Cooldown() = true before SetCooldown, want false")
	}

	if err := l.SetCooldown(ctx, 50*time.Millisecond); err != nil {
		t.Fatalf("SetCooldown() error = %v", err)
	}

	active, err = l.Cooldown(ctx)
	if err != nil {
		t.Fatalf("Cooldown() error = %v", err)
	}
	if !active {
		t.Fatal("Cooldown() = false right after SetCooldown, want true")
	}

	time.Sleep(80 * time.Millisecond)

	active, err = l.Cooldown(ctx)
	if err != nil {
		t.Fatalf("Cooldown() error = %v", err)
	}
	if active {
		t.Fatal("Cooldown() = true after expiry, want false")
	}
}
