package devices

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func TestContainsUnknownDevice(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	known, err := New(rdb, "dh", 5).Contains(context.Background(), "user-1", "fp-never-seen")
	if err != nil {
		t.Fatalf("Contains failed: %v", err)
	}
	if known {
		t.Fatal("expected unknown fingerprint to be untrusted")
	}
}

func TestAddAndContains(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	history := New(rdb, "dh", 5)

	if err := history.Add(ctx, "user-1", "fp-a"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	known, err := history.Contains(ctx, "user-1", "fp-a")
	if err != nil {
		t.Fatalf("Contains failed: %v", err)
	}
	if !known {
		t.Fatal("expected added fingerprint to be trusted")
	}

	// Registration is per user.
	known, err = history.Contains(ctx, "user-2", "fp-a")
	if err != nil {
		t.Fatalf("Contains failed: %v", err)
	}
	if known {
		t.Fatal("fingerprint must not leak to another user")
	}
}

func TestEvictionAtCapacity(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	const capacity = 3
	history := New(rdb, "dh", capacity)

	for i := 0; i < capacity+1; i++ {
		if err := history.Add(ctx, "user-1", fmt.Sprintf("fp-%d", i)); err != nil {
			t.Fatalf("Add %d failed: %v", i, err)
		}
		// Distinct scores even on a coarse clock.
		time.Sleep(time.Millisecond)
	}

	size, err := history.Size(ctx, "user-1")
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if size != capacity {
		t.Fatalf("expected set bounded at %d, got %d", capacity, size)
	}

	known, err := history.Contains(ctx, "user-1", "fp-0")
	if err != nil {
		t.Fatalf("Contains failed: %v", err)
	}
	if known {
		t.Fatal("expected the oldest fingerprint to be evicted")
	}
	for i := 1; i <= capacity; i++ {
		known, err := history.Contains(ctx, "user-1", fmt.Sprintf("fp-%d", i))
		if err != nil {
			t.Fatalf("Contains failed: %v", err)
		}
		if !known {
			t.Fatalf("expected fp-%d to survive eviction", i)
		}
	}
}

func TestReAddPromotes(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	const capacity = 2
	history := New(rdb, "dh", capacity)

	for _, fp := range []string{"fp-a", "fp-b"} {
		if err := history.Add(ctx, "user-1", fp); err != nil {
			t.Fatalf("Add %s failed: %v", fp, err)
		}
		time.Sleep(time.Millisecond)
	}

	// Touch fp-a so fp-b becomes the eviction candidate.
	if err := history.Add(ctx, "user-1", "fp-a"); err != nil {
		t.Fatalf("re-Add failed: %v", err)
	}
	time.Sleep(time.Millisecond)

	size, err := history.Size(ctx, "user-1")
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if size != capacity {
		t.Fatalf("re-adding must not grow the set: got %d", size)
	}

	if err := history.Add(ctx, "user-1", "fp-c"); err != nil {
		t.Fatalf("Add fp-c failed: %v", err)
	}

	known, err := history.Contains(ctx, "user-1", "fp-b")
	if err != nil {
		t.Fatalf("Contains failed: %v", err)
	}
	if known {
		t.Fatal("expected least recently used fp-b to be evicted")
	}
	known, err = history.Contains(ctx, "user-1", "fp-a")
	if err != nil {
		t.Fatalf("Contains failed: %v", err)
	}
	if !known {
		t.Fatal("expected promoted fp-a to survive")
	}
}

func TestPurge(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	history := New(rdb, "dh", 5)

	if err := history.Add(ctx, "user-1", "fp-a"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := history.Purge(ctx, "user-1"); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}

	size, err := history.Size(ctx, "user-1")
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if size != 0 {
		t.Fatalf("expected empty set after purge, got %d", size)
	}
}
