package tokens

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiter_FixedWindow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := NewMemoryLimiter(2, time.Minute)
	l.clock = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if ok, _, _ := l.Allow(ctx, "u"); !ok {
			t.Fatalf("hit %d should pass", i)
		}
	}
	ok, retry, _ := l.Allow(ctx, "u")
	if ok {
		t.Fatalf("third hit should be capped")
	}
	if retry != time.Minute {
		t.Fatalf("expected full window retry, got %v", retry)
	}
	if ok, _, _ := l.Allow(ctx, "other"); !ok {
		t.Fatalf("other identity has its own window")
	}

	now = now.Add(time.Minute)
	if ok, _, _ := l.Allow(ctx, "u"); !ok {
		t.Fatalf("new window should pass")
	}
}
