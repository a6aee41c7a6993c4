package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/manuelleigh/paynotify-agent/internal/database"
	"github.com/manuelleigh/paynotify-agent/internal/models"
)

func newTestQueue(t *testing.T, now func() time.Time) *EventQueue {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "queue.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("database.New failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewEventQueue(db.DB, zap.NewNop(), WithNowFunc(now))
}

func event(ref string) *models.QueuedEvent {
	return &models.QueuedEvent{
		AppPackage:  "com.bcp.innovacxion.yapeapp",
		Title:       "Confirmación de Pago",
		Text:        "Recibiste S/ 10.00",
		ReceivedAt:  "2026-10-14T10:00:00-05:00",
		DeviceID:    "android-test",
		ExternalRef: ref,
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	clock := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	q := newTestQueue(t, func() time.Time { return clock })
	ctx := context.Background()

	id, inserted, err := q.Enqueue(ctx, event("yape-abc123"))
	if err != nil || !inserted || id == 0 {
		t.Fatalf("first enqueue: id=%d inserted=%v err=%v", id, inserted, err)
	}

	_, inserted, err = q.Enqueue(ctx, event("yape-abc123"))
	if err != nil {
		t.Fatalf("duplicate enqueue returned error: %v", err)
	}
	if inserted {
		t.Error("Expected duplicate enqueue to be a no-op")
	}

	stats, err := q.Stats(ctx, clock, 20)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 1 {
		t.Errorf("Expected exactly one stored row, got %d", stats.Pending)
	}
}

func TestPendingBatchIsFIFO(t *testing.T) {
	clock := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	q := newTestQueue(t, func() time.Time { return clock })
	ctx := context.Background()

	newer := event("yape-newer")
	newer.CreatedAt = clock.Add(-1 * time.Minute)
	older := event("yape-older")
	older.CreatedAt = clock.Add(-10 * time.Minute)

	// insert newer first so id order disagrees with created_at order
	if _, _, err := q.Enqueue(ctx, newer); err != nil {
		t.Fatal(err)
	}
	if _, _, err := q.Enqueue(ctx, older); err != nil {
		t.Fatal(err)
	}

	batch, err := q.PendingBatch(ctx, clock, 25)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(batch))
	}
	if batch[0].ExternalRef != "yape-older" || batch[1].ExternalRef != "yape-newer" {
		t.Errorf("Expected older before newer, got %s then %s", batch[0].ExternalRef, batch[1].ExternalRef)
	}
}

func TestPendingBatchFiltersStatusDueAndLimit(t *testing.T) {
	clock := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	q := newTestQueue(t, func() time.Time { return clock })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, _, err := q.Enqueue(ctx, event(fmt.Sprintf("yape-%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	future := event("yape-future")
	future.NextAttemptAt = clock.Add(time.Hour)
	q.Enqueue(ctx, future)

	blocked := event("yape-blocked")
	blockedID, _, _ := q.Enqueue(ctx, blocked)
	if err := q.MarkAuthBlocked(ctx, blockedID, "401 Unauthorized"); err != nil {
		t.Fatal(err)
	}

	batch, err := q.PendingBatch(ctx, clock, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 3 {
		t.Fatalf("Expected limit of 3, got %d", len(batch))
	}

	all, err := q.PendingBatch(ctx, clock, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Errorf("Expected 5 eligible events (future and blocked excluded), got %d", len(all))
	}
	for _, ev := range all {
		if ev.ExternalRef == "yape-future" || ev.ExternalRef == "yape-blocked" {
			t.Errorf("Unexpected event in batch: %s", ev.ExternalRef)
		}
	}
}

func TestUpdateRetryIsMonotonic(t *testing.T) {
	clock := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	q := newTestQueue(t, func() time.Time { return clock })
	ctx := context.Background()

	id, _, _ := q.Enqueue(ctx, event("yape-retry"))

	later := clock.Add(2 * time.Minute)
	if err := q.UpdateRetry(ctx, id, 2, "HTTP 500: no body", later); err != nil {
		t.Fatal(err)
	}
	// a stale writer must not move state backwards
	if err := q.UpdateRetry(ctx, id, 1, "HTTP 502: no body", clock.Add(30*time.Second)); err != nil {
		t.Fatal(err)
	}

	ev, err := q.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Attempts != 2 {
		t.Errorf("Expected attempts to stay 2, got %d", ev.Attempts)
	}
	if !ev.NextAttemptAt.Equal(later) {
		t.Errorf("Expected next attempt %s, got %s", later, ev.NextAttemptAt)
	}
	if ev.LastError != "HTTP 502: no body" {
		t.Errorf("Expected last error to be overwritten, got %q", ev.LastError)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	clock := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	q := newTestQueue(t, func() time.Time { return clock })
	ctx := context.Background()

	id, _, _ := q.Enqueue(ctx, event("yape-claim"))

	leaseID, ok, err := q.Claim(ctx, id, clock.Add(time.Minute))
	if err != nil || !ok || leaseID == "" {
		t.Fatalf("first claim: lease=%q ok=%v err=%v", leaseID, ok, err)
	}

	if _, ok, err := q.Claim(ctx, id, clock.Add(time.Minute)); err != nil || ok {
		t.Fatalf("Expected second claim to fail, ok=%v err=%v", ok, err)
	}

	batch, _ := q.PendingBatch(ctx, clock, 10)
	if len(batch) != 0 {
		t.Errorf("Expected in-flight event excluded from batch, got %d", len(batch))
	}

	if err := q.UpdateRetry(ctx, id, 1, "HTTP 500", clock.Add(30*time.Second)); err != nil {
		t.Fatal(err)
	}
	ev, _ := q.Get(ctx, id)
	if ev.Status != models.StatusPending || ev.LeaseID != "" {
		t.Errorf("Expected retry to release lease, status=%s lease=%q", ev.Status, ev.LeaseID)
	}
}

func TestReleaseExpiredLeases(t *testing.T) {
	clock := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	q := newTestQueue(t, func() time.Time { return clock })
	ctx := context.Background()

	id, _, _ := q.Enqueue(ctx, event("yape-lease"))
	if _, ok, _ := q.Claim(ctx, id, clock.Add(time.Minute)); !ok {
		t.Fatal("claim failed")
	}

	if n, _ := q.ReleaseExpiredLeases(ctx, clock.Add(30*time.Second)); n != 0 {
		t.Errorf("Expected live lease to be kept, released %d", n)
	}
	if n, _ := q.ReleaseExpiredLeases(ctx, clock.Add(2*time.Minute)); n != 1 {
		t.Errorf("Expected expired lease to be released, released %d", n)
	}

	ev, _ := q.Get(ctx, id)
	if ev.Status != models.StatusPending {
		t.Errorf("Expected pending after release, got %s", ev.Status)
	}
}

func TestDeleteAndRequeueAuthBlocked(t *testing.T) {
	clock := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	q := newTestQueue(t, func() time.Time { return clock })
	ctx := context.Background()

	keep, _, _ := q.Enqueue(ctx, event("yape-keep"))
	gone, _, _ := q.Enqueue(ctx, event("yape-gone"))

	if err := q.Delete(ctx, gone); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Get(ctx, gone); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}

	q.MarkAuthBlocked(ctx, keep, "401 Unauthorized: no body")
	stats, _ := q.Stats(ctx, clock, 20)
	if stats.AuthBlocked != 1 || stats.Pending != 0 {
		t.Fatalf("Unexpected stats before requeue: %+v", stats)
	}

	n, err := q.RequeueAuthBlocked(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RequeueAuthBlocked: n=%d err=%v", n, err)
	}
	ev, _ := q.Get(ctx, keep)
	if ev.Status != models.StatusPending {
		t.Errorf("Expected pending after requeue, got %s", ev.Status)
	}
	if ev.LastError != "401 Unauthorized: no body" {
		t.Errorf("Expected last error retained, got %q", ev.LastError)
	}
}

func TestStorageErrorsAreWrapped(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "closed.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	q := NewEventQueue(db.DB, zap.NewNop())
	db.Close()

	_, _, err = q.Enqueue(context.Background(), event("yape-closed"))
	if !errors.Is(err, ErrStorage) {
		t.Errorf("Expected ErrStorage, got %v", err)
	}
}
