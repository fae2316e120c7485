package sqlite

import (
	"context"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "hedge:last_snapshot", "{}"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Set(ctx, "hedge:last_snapshot", `{"active":true}`); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	val, ok, err := store.Get(ctx, "hedge:last_snapshot")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok || val != `{"active":true}` {
		t.Fatalf("unexpected value: %v (ok=%v)", val, ok)
	}
	if err := store.Delete(ctx, "hedge:last_snapshot"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, ok, err = store.Get(ctx, "hedge:last_snapshot")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestStoreListByPrefix(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	for _, key := range []string{"ops:audit:1", "ops:audit:2", "ops:audit:3", "opsXaudit:9", "labels:manual"} {
		if err := store.Set(ctx, key, key); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	entries, err := store.List(ctx, "ops:audit:", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].Key != "ops:audit:3" || entries[1].Key != "ops:audit:2" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}
