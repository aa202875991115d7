package repository_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/lifelink/alertcore/internal/domain"
	"github.com/lifelink/alertcore/internal/repository"
	"github.com/lifelink/alertcore/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(); err != nil {
		t.Fatal(err)
	}
	return st
}

func sampleItem(id string, priority int) *domain.QueueItem {
	return &domain.QueueItem{
		ID: id,
		Payload: domain.ComposedNotification{
			Title:   "O- blood needed now",
			Body:    "A patient near you urgently needs a donor.",
			Urgency: domain.TierCritical,
			Actions: []domain.Action{{ID: "accept", Label: "I can donate"}},
			Data:    map[string]string{"requestId": "req-1"},
		},
		Priority:   priority,
		EnqueuedAt: time.Now().UTC(),
		Status:     domain.StatusQueued,
	}
}

func TestQueueRepo_CreateGetRoundTrip(t *testing.T) {
	repo := repository.NewSQLiteQueueRepository(openStore(t))
	ctx := context.Background()

	item := sampleItem("a", 1)
	if err := repo.Create(ctx, item); err != nil {
		t.Fatal(err)
	}

	got, err := repo.GetByID(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if got.Payload.Title != item.Payload.Title || got.Payload.Urgency != domain.TierCritical {
		t.Fatalf("payload mangled in round trip: %+v", got.Payload)
	}
	if got.Status != domain.StatusQueued || got.Attempts != 0 {
		t.Fatalf("unexpected state: status=%s attempts=%d", got.Status, got.Attempts)
	}
	// stored at millisecond precision
	if got.EnqueuedAt.UnixMilli() != item.EnqueuedAt.UnixMilli() {
		t.Fatalf("enqueuedAt drifted: %v vs %v", got.EnqueuedAt, item.EnqueuedAt)
	}
	if got.RetryAfter != nil {
		t.Fatal("retryAfter should be nil on a fresh item")
	}
}

func TestQueueRepo_GetMissing(t *testing.T) {
	repo := repository.NewSQLiteQueueRepository(openStore(t))
	if _, err := repo.GetByID(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestQueueRepo_RetryLifecycle(t *testing.T) {
	repo := repository.NewSQLiteQueueRepository(openStore(t))
	ctx := context.Background()

	if err := repo.Create(ctx, sampleItem("a", 2)); err != nil {
		t.Fatal(err)
	}
	if err := repo.MarkProcessing(ctx, "a", 1); err != nil {
		t.Fatal(err)
	}

	retryAt := time.Now().Add(-time.Second).UTC() // already due
	if err := repo.ScheduleRetry(ctx, "a", 1, retryAt, "agent unreachable"); err != nil {
		t.Fatal(err)
	}

	got, _ := repo.GetByID(ctx, "a")
	if got.Status != domain.StatusRetryScheduled || got.Attempts != 1 {
		t.Fatalf("unexpected state after schedule: %+v", got)
	}
	if got.LastError == nil || *got.LastError != "agent unreachable" {
		t.Fatal("lastError not persisted")
	}

	due, err := repo.FindDueRetries(ctx, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != "a" {
		t.Fatalf("due retries = %v", due)
	}

	// not yet due items stay hidden
	future := time.Now().Add(time.Hour).UTC()
	_ = repo.Create(ctx, sampleItem("b", 1))
	_ = repo.ScheduleRetry(ctx, "b", 1, future, "x")
	due, _ = repo.FindDueRetries(ctx, time.Now().UTC())
	if len(due) != 1 {
		t.Fatalf("future retry surfaced early: %d due", len(due))
	}
}

// Dead-lettering must be atomic: the item appears in the failed partition
// and leaves the live one in one step.
func TestQueueRepo_MoveToFailed(t *testing.T) {
	repo := repository.NewSQLiteQueueRepository(openStore(t))
	ctx := context.Background()

	item := sampleItem("a", 1)
	item.Attempts = 3
	if err := repo.Create(ctx, item); err != nil {
		t.Fatal(err)
	}

	failedAt := time.Now().UTC()
	if err := repo.MoveToFailed(ctx, item, "gave up", failedAt); err != nil {
		t.Fatal(err)
	}

	if _, err := repo.GetByID(ctx, "a"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatal("dead-lettered item still in live partition")
	}

	failed, err := repo.ListFailed(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 {
		t.Fatalf("failed count = %d, want 1", len(failed))
	}
	f := failed[0]
	if f.ID != "a" || f.FailureReason != "gave up" || f.Attempts != 3 {
		t.Fatalf("failed item wrong: %+v", f)
	}
	if f.FailedAt.UnixMilli() != failedAt.UnixMilli() {
		t.Fatalf("failedAt drifted: %v vs %v", f.FailedAt, failedAt)
	}
}

func TestQueueRepo_DeleteFailedBefore(t *testing.T) {
	repo := repository.NewSQLiteQueueRepository(openStore(t))
	ctx := context.Background()

	old := sampleItem("old", 1)
	recent := sampleItem("recent", 1)
	_ = repo.Create(ctx, old)
	_ = repo.Create(ctx, recent)
	_ = repo.MoveToFailed(ctx, old, "x", time.Now().Add(-10*24*time.Hour).UTC())
	_ = repo.MoveToFailed(ctx, recent, "x", time.Now().UTC())

	n, err := repo.DeleteFailedBefore(ctx, time.Now().Add(-7*24*time.Hour).UTC())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged %d items, want 1", n)
	}
	failed, _ := repo.ListFailed(ctx, 10)
	if len(failed) != 1 || failed[0].ID != "recent" {
		t.Fatalf("wrong survivor: %v", failed)
	}
}

// FindActive must return every non-terminal item ordered by priority then
// enqueue time, reconstructing the queue after a crash.
func TestQueueRepo_FindActiveOrdering(t *testing.T) {
	repo := repository.NewSQLiteQueueRepository(openStore(t))
	ctx := context.Background()

	base := time.Now().UTC()
	mk := func(id string, priority int, offset time.Duration) {
		item := sampleItem(id, priority)
		item.EnqueuedAt = base.Add(offset)
		if err := repo.Create(ctx, item); err != nil {
			t.Fatal(err)
		}
	}
	mk("n-late", 4, 2*time.Second)
	mk("n-early", 4, time.Second)
	mk("c", 1, 3*time.Second)
	mk("u", 2, 4*time.Second)

	active, err := repo.FindActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"c", "u", "n-early", "n-late"}
	if len(active) != len(want) {
		t.Fatalf("active = %d items, want %d", len(active), len(want))
	}
	for i, w := range want {
		if active[i].ID != w {
			t.Fatalf("position %d: got %s, want %s", i, active[i].ID, w)
		}
	}
}

func TestSessionRepo_SaveLoadUpsert(t *testing.T) {
	repo := repository.NewSQLiteSessionRepository(openStore(t))
	ctx := context.Background()

	if _, err := repo.Load(ctx); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("empty load err = %v, want ErrNotFound", err)
	}

	snap := &repository.Snapshot{
		DeviceID:      "device-1",
		SchemaVersion: repository.SnapshotSchemaVersion,
		SavedAt:       time.Now().UTC(),
		Entries: map[string]domain.SessionEntry{
			"prefLang": {Key: "prefLang", Value: json.RawMessage(`"en"`), UpdatedAt: time.Now().UTC(), Persist: true},
		},
	}
	if err := repo.Save(ctx, snap); err != nil {
		t.Fatal(err)
	}

	// second save overwrites the singleton row
	snap.Entries["prefLang"] = domain.SessionEntry{Key: "prefLang", Value: json.RawMessage(`"hi"`), UpdatedAt: time.Now().UTC(), Persist: true}
	if err := repo.Save(ctx, snap); err != nil {
		t.Fatal(err)
	}

	got, err := repo.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.DeviceID != "device-1" || got.SchemaVersion != repository.SnapshotSchemaVersion {
		t.Fatalf("envelope wrong: %+v", got)
	}
	var v string
	_ = json.Unmarshal(got.Entries["prefLang"].Value, &v)
	if v != "hi" {
		t.Fatalf("loaded value = %q, want hi (latest save)", v)
	}
}
