package subscriptions

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRegistry(t *testing.T, max int) *Registry {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "proj", "chan", max)
}

func TestSubscribeIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, 10)

	changed, err := r.Subscribe(ctx, "room", "c1")
	if err != nil || !changed {
		t.Fatalf("first subscribe: changed=%v err=%v", changed, err)
	}

	changed, err = r.Subscribe(ctx, "room", "c1")
	if err != nil || changed {
		t.Fatalf("duplicate subscribe should not change set: changed=%v err=%v", changed, err)
	}

	subs, err := r.GetSubscribers(ctx, "room")
	if err != nil {
		t.Fatalf("GetSubscribers: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("len(subs) = %d, want 1", len(subs))
	}
}

func TestSubscribeCapacityBound(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, 3)

	for i := 0; i < 3; i++ {
		if _, err := r.Subscribe(ctx, "room", fmt.Sprintf("c%d", i)); err != nil {
			t.Fatalf("subscribe c%d: %v", i, err)
		}
	}

	_, err := r.Subscribe(ctx, "room", "overflow")
	if err != ErrAtCapacity {
		t.Fatalf("expected ErrAtCapacity, got %v", err)
	}

	n, err := r.Count(ctx, "room")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Fatalf("Count = %d, want 3 (existing subscribers unaffected)", n)
	}
}

func TestIsSubscribedViaWildcard(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, 10)

	if _, err := r.Subscribe(ctx, "*", "c1"); err != nil {
		t.Fatalf("subscribe wildcard: %v", err)
	}

	ok, err := r.IsSubscribed(ctx, "room", "c1")
	if err != nil {
		t.Fatalf("IsSubscribed: %v", err)
	}
	if !ok {
		t.Fatalf("expected wildcard subscription to satisfy IsSubscribed(room)")
	}
}

func TestBulkUnsubscribeRemovesAllResidue(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, 10)

	for _, topic := range []string{"a", "b", "c"} {
		if _, err := r.Subscribe(ctx, topic, "c1"); err != nil {
			t.Fatalf("subscribe %s: %v", topic, err)
		}
	}

	if err := r.BulkUnsubscribe(ctx, "c1", []string{"a", "b", "c"}); err != nil {
		t.Fatalf("BulkUnsubscribe: %v", err)
	}

	for _, topic := range []string{"a", "b", "c"} {
		ok, err := r.IsSubscribed(ctx, topic, "c1")
		if err != nil {
			t.Fatalf("IsSubscribed(%s): %v", topic, err)
		}
		if ok {
			t.Fatalf("expected no residual subscription on %s after bulk unsubscribe", topic)
		}
	}
}
