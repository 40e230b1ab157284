// Package storetest holds the behavioral contract every idempotency.Store
// backend must satisfy.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/imrishuroy/go-idempotent-upload/internal/idempotency"
)

// Factory returns a fresh, empty store whose expiry decisions use now.
type Factory func(t *testing.T, now func() time.Time) idempotency.Store

var epoch = time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)

// Run exercises every Store operation against newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("insert then duplicate", func(t *testing.T) { testInsertDuplicate(t, newStore) })
	t.Run("complete and replay", func(t *testing.T) { testCompleteReplay(t, newStore) })
	t.Run("complete requires owner", func(t *testing.T) { testCompleteOwner(t, newStore) })
	t.Run("delete requires owner", func(t *testing.T) { testDeleteOwner(t, newStore) })
	t.Run("delete keeps a completed record", func(t *testing.T) { testDeleteCompleted(t, newStore) })
	t.Run("in progress expires", func(t *testing.T) { testInProgressExpiry(t, newStore) })
	t.Run("completed expires", func(t *testing.T) { testCompletedExpiry(t, newStore) })
	t.Run("concurrent insert has one winner", func(t *testing.T) { testConcurrentInsert(t, newStore) })
}

func testInsertDuplicate(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(epoch)
	store := newStore(t, clock.Now)

	first, err := store.TryInsertInProgress(ctx, "k-insert", time.Minute)
	if err != nil {
		t.Fatalf("TryInsertInProgress: %v", err)
	}
	if !first.Inserted {
		t.Fatalf("expected first insert to win")
	}
	if first.Record.Status != idempotency.StatusInProgress || first.Record.Owner == "" || first.Record.Response != nil {
		t.Fatalf("unexpected inserted record: %+v", first.Record)
	}

	second, err := store.TryInsertInProgress(ctx, "k-insert", time.Minute)
	if err != nil {
		t.Fatalf("second TryInsertInProgress: %v", err)
	}
	if second.Inserted {
		t.Fatalf("expected duplicate insert to be rejected")
	}
	if second.Record.Owner != first.Record.Owner || second.Record.Status != idempotency.StatusInProgress {
		t.Fatalf("expected existing record, got %+v", second.Record)
	}
	if !second.Record.CreatedAt.Equal(first.Record.CreatedAt) {
		t.Fatalf("created_at mismatch: %v vs %v", second.Record.CreatedAt, first.Record.CreatedAt)
	}

	got, err := store.Get(ctx, "k-insert")
	if err != nil || got == nil {
		t.Fatalf("Get: rec=%v err=%v", got, err)
	}
	if got.Status != idempotency.StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", got.Status)
	}

	missing, err := store.Get(ctx, "k-missing")
	if err != nil || missing != nil {
		t.Fatalf("Get missing: rec=%v err=%v", missing, err)
	}
}

func testCompleteReplay(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(epoch)
	store := newStore(t, clock.Now)

	out, err := store.TryInsertInProgress(ctx, "k-complete", time.Minute)
	if err != nil || !out.Inserted {
		t.Fatalf("insert: out=%+v err=%v", out, err)
	}

	resp := idempotency.Response{StatusCode: 200, Body: `{"message":"File uploaded successfully with content: 'héllo/<x>'"}`}
	if err := store.Complete(ctx, "k-complete", out.Record.Owner, resp, time.Hour); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	dup, err := store.TryInsertInProgress(ctx, "k-complete", time.Minute)
	if err != nil {
		t.Fatalf("insert after complete: %v", err)
	}
	if dup.Inserted || dup.Record.Status != idempotency.StatusComplete || dup.Record.Response == nil {
		t.Fatalf("expected completed record, got %+v", dup)
	}
	if *dup.Record.Response != resp {
		t.Fatalf("replayed response mismatch: %+v vs %+v", *dup.Record.Response, resp)
	}

	// A completed record cannot be completed twice.
	if err := store.Complete(ctx, "k-complete", out.Record.Owner, resp, time.Hour); !errors.Is(err, idempotency.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound on second complete, got %v", err)
	}
}

func testCompleteOwner(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(epoch)
	store := newStore(t, clock.Now)

	out, err := store.TryInsertInProgress(ctx, "k-owner", time.Minute)
	if err != nil || !out.Inserted {
		t.Fatalf("insert: out=%+v err=%v", out, err)
	}
	err = store.Complete(ctx, "k-owner", "someone-else", idempotency.Response{StatusCode: 200}, time.Hour)
	if !errors.Is(err, idempotency.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound for foreign owner, got %v", err)
	}
	err = store.Complete(ctx, "k-absent", out.Record.Owner, idempotency.Response{StatusCode: 200}, time.Hour)
	if !errors.Is(err, idempotency.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound for absent key, got %v", err)
	}
}

func testDeleteOwner(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(epoch)
	store := newStore(t, clock.Now)

	out, err := store.TryInsertInProgress(ctx, "k-delete", time.Minute)
	if err != nil || !out.Inserted {
		t.Fatalf("insert: out=%+v err=%v", out, err)
	}

	if err := store.Delete(ctx, "k-delete", "someone-else"); err != nil {
		t.Fatalf("Delete foreign: %v", err)
	}
	if got, err := store.Get(ctx, "k-delete"); err != nil || got == nil {
		t.Fatalf("record should survive foreign delete: rec=%v err=%v", got, err)
	}

	if err := store.Delete(ctx, "k-delete", out.Record.Owner); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, err := store.Get(ctx, "k-delete"); err != nil || got != nil {
		t.Fatalf("record should be gone: rec=%v err=%v", got, err)
	}
	if err := store.Delete(ctx, "k-delete", out.Record.Owner); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}

	again, err := store.TryInsertInProgress(ctx, "k-delete", time.Minute)
	if err != nil || !again.Inserted {
		t.Fatalf("insert after delete: out=%+v err=%v", again, err)
	}
}

func testDeleteCompleted(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(epoch)
	store := newStore(t, clock.Now)

	out, err := store.TryInsertInProgress(ctx, "k-delete-done", time.Minute)
	if err != nil || !out.Inserted {
		t.Fatalf("insert: out=%+v err=%v", out, err)
	}
	resp := idempotency.Response{StatusCode: 200, Body: `{"message":"done"}`}
	if err := store.Complete(ctx, "k-delete-done", out.Record.Owner, resp, time.Hour); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if err := store.Delete(ctx, "k-delete-done", out.Record.Owner); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err := store.Get(ctx, "k-delete-done")
	if err != nil || got == nil {
		t.Fatalf("completed record should survive delete: rec=%v err=%v", got, err)
	}
	if got.Status != idempotency.StatusComplete || got.Response == nil || got.Response.Body != resp.Body {
		t.Fatalf("unexpected record after delete: %+v", got)
	}

	again, err := store.TryInsertInProgress(ctx, "k-delete-done", time.Minute)
	if err != nil || again.Inserted {
		t.Fatalf("insert must still be blocked: out=%+v err=%v", again, err)
	}
}

func testInProgressExpiry(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(epoch)
	store := newStore(t, clock.Now)

	first, err := store.TryInsertInProgress(ctx, "k-expire", 10*time.Second)
	if err != nil || !first.Inserted {
		t.Fatalf("insert: out=%+v err=%v", first, err)
	}

	clock.Advance(9 * time.Second)
	if got, err := store.Get(ctx, "k-expire"); err != nil || got == nil {
		t.Fatalf("record should still be live: rec=%v err=%v", got, err)
	}

	clock.Advance(2 * time.Second)
	if got, err := store.Get(ctx, "k-expire"); err != nil || got != nil {
		t.Fatalf("expired record must be invisible: rec=%v err=%v", got, err)
	}
	err = store.Complete(ctx, "k-expire", first.Record.Owner, idempotency.Response{StatusCode: 200}, time.Hour)
	if !errors.Is(err, idempotency.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound completing expired slot, got %v", err)
	}

	second, err := store.TryInsertInProgress(ctx, "k-expire", 10*time.Second)
	if err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	if !second.Inserted || second.Record.Owner == first.Record.Owner {
		t.Fatalf("expected fresh record after expiry, got %+v", second)
	}
}

func testCompletedExpiry(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(epoch)
	store := newStore(t, clock.Now)

	out, err := store.TryInsertInProgress(ctx, "k-retention", time.Minute)
	if err != nil || !out.Inserted {
		t.Fatalf("insert: out=%+v err=%v", out, err)
	}
	if err := store.Complete(ctx, "k-retention", out.Record.Owner, idempotency.Response{StatusCode: 200, Body: "{}"}, 5*time.Minute); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// Completion resets expiry to the retention window, beyond the original slot.
	clock.Advance(2 * time.Minute)
	if got, err := store.Get(ctx, "k-retention"); err != nil || got == nil || got.Status != idempotency.StatusComplete {
		t.Fatalf("completed record should be live: rec=%v err=%v", got, err)
	}

	clock.Advance(4 * time.Minute)
	if got, err := store.Get(ctx, "k-retention"); err != nil || got != nil {
		t.Fatalf("expired completed record must be invisible: rec=%v err=%v", got, err)
	}
	again, err := store.TryInsertInProgress(ctx, "k-retention", time.Minute)
	if err != nil || !again.Inserted {
		t.Fatalf("insert after retention: out=%+v err=%v", again, err)
	}
}

func testConcurrentInsert(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(epoch)
	store := newStore(t, clock.Now)

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		owners  = map[string]struct{}{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := store.TryInsertInProgress(ctx, "k-race", time.Minute)
			if err != nil {
				t.Errorf("TryInsertInProgress: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if out.Inserted {
				winners++
			}
			owners[out.Record.Owner] = struct{}{}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	if len(owners) != 1 {
		t.Fatalf("all callers must observe the winner's record, saw %d owners", len(owners))
	}
}
