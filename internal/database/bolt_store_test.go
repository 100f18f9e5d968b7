package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openBolt(t *testing.T, path string) *BoltStore {
	t.Helper()
	store, err := OpenBoltStore(path, DefaultMaxAttempts)
	if err != nil {
		t.Fatalf("open bolt store: %v", err)
	}
	return store
}

func TestBoltStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) ActionStore {
		store := openBolt(t, filepath.Join(t.TempDir(), "actions.db"))
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "actions.db")

	store := openBolt(t, path)
	pending := NewMessageAction("still here after reload", nil)
	acked := NewOrderAction([]byte(`{"item":"latte"}`))
	_ = store.Enqueue(ctx, pending)
	_ = store.Enqueue(ctx, acked)
	_ = store.MarkAcknowledged(ctx, acked.ID)
	if err := store.SaveSubscription(ctx, []byte(`{"endpoint":"https://push"}`)); err != nil {
		t.Fatalf("save subscription: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openBolt(t, path)
	defer reopened.Close()

	got, err := reopened.Get(ctx, pending.ID)
	if err != nil {
		t.Fatalf("pending action lost after reopen: %v", err)
	}
	if got.Status != StatusPending || string(got.Payload) != "still here after reload" {
		t.Fatalf("unexpected record %+v", got)
	}
	if !got.CreatedAt.Equal(pending.CreatedAt) {
		t.Fatalf("createdAt changed: %v vs %v", got.CreatedAt, pending.CreatedAt)
	}

	_ = reopened.Enqueue(ctx, acked)
	count := 0
	for range reopened.ListPending(ctx) {
		count++
	}
	if count != 1 {
		t.Fatalf("tombstone must survive reopen, got %d pending", count)
	}

	sub, err := reopened.LoadSubscription(ctx)
	if err != nil || string(sub) != `{"endpoint":"https://push"}` {
		t.Fatalf("subscription lost: %q %v", sub, err)
	}
	_ = reopened.DeleteSubscription(ctx)
	if sub, _ := reopened.LoadSubscription(ctx); sub != nil {
		t.Fatalf("expected deleted subscription, got %q", sub)
	}
}

func TestBoltStoreHonoursContext(t *testing.T) {
	store := openBolt(t, filepath.Join(t.TempDir(), "actions.db"))
	defer store.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Enqueue(ctx, QueuedAction{ID: "a", Kind: KindMessage, CreatedAt: time.Now()}); err == nil {
		t.Fatal("expected context error")
	}
	for _, err := range store.ListPending(ctx) {
		if err == nil {
			t.Fatal("expected context error from sequence")
		}
	}
}
