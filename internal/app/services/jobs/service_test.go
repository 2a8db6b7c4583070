package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guildworks/economy/internal/app/domain/job"
	"github.com/guildworks/economy/internal/app/storage/memory"
	apperrors "github.com/guildworks/economy/internal/errors"
)

func TestRunDueExecutesAndCompletes(t *testing.T) {
	store := memory.New()
	svc := New(store, Config{})
	ctx := context.Background()

	var runs int32
	svc.Register("test", func(ctx context.Context, j job.Job) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})

	scheduled, err := svc.Schedule(ctx, job.Job{TenantID: "t1", Kind: "test"})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if err := svc.RunDue(ctx); err != nil {
		t.Fatalf("run due: %v", err)
	}
	if atomic.LoadInt32(&runs) != 1 {
		t.Fatalf("expected 1 run, got %d", runs)
	}

	got, err := store.GetJob(ctx, scheduled.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != job.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", got.Status)
	}

	// A second poll must not re-run the completed job.
	if err := svc.RunDue(ctx); err != nil {
		t.Fatalf("second run due: %v", err)
	}
	if atomic.LoadInt32(&runs) != 1 {
		t.Fatalf("completed job re-ran, runs=%d", runs)
	}
}

func TestScheduleDedupsByID(t *testing.T) {
	store := memory.New()
	svc := New(store, Config{})
	ctx := context.Background()

	var runs int32
	svc.Register("test", func(ctx context.Context, j job.Job) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})

	for i := 0; i < 3; i++ {
		if _, err := svc.Schedule(ctx, job.Job{ID: "fixed-id", TenantID: "t1", Kind: "test"}); err != nil {
			t.Fatalf("schedule %d: %v", i, err)
		}
	}

	if err := svc.RunDue(ctx); err != nil {
		t.Fatalf("run due: %v", err)
	}
	if atomic.LoadInt32(&runs) != 1 {
		t.Fatalf("deduplicated job ran %d times", runs)
	}
}

func TestFutureJobNotRun(t *testing.T) {
	store := memory.New()
	svc := New(store, Config{})
	ctx := context.Background()

	var runs int32
	svc.Register("test", func(ctx context.Context, j job.Job) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})

	if _, err := svc.Schedule(ctx, job.Job{TenantID: "t1", Kind: "test", RunAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := svc.RunDue(ctx); err != nil {
		t.Fatalf("run due: %v", err)
	}
	if atomic.LoadInt32(&runs) != 0 {
		t.Fatalf("future job ran early")
	}
}

func TestFailedJobRetriesThenFails(t *testing.T) {
	store := memory.New()
	svc := New(store, Config{MaxAttempts: 2})
	ctx := context.Background()

	svc.Register("flaky", func(ctx context.Context, j job.Job) error {
		return errors.New("downstream unavailable")
	})

	scheduled, err := svc.Schedule(ctx, job.Job{TenantID: "t1", Kind: "flaky"})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if err := svc.RunDue(ctx); err != nil {
		t.Fatalf("run due: %v", err)
	}
	got, _ := store.GetJob(ctx, scheduled.ID)
	if got.Status != job.StatusPending || got.Attempts != 1 {
		t.Fatalf("expected pending retry after first failure, got %s attempts=%d", got.Status, got.Attempts)
	}
	if got.LastError == "" {
		t.Fatal("expected last_error to be recorded")
	}

	// Pull the retry forward and exhaust the attempt budget.
	got.RunAt = time.Now().UTC().Add(-time.Second)
	if _, err := store.UpdateJob(ctx, got); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if err := svc.RunDue(ctx); err != nil {
		t.Fatalf("run due: %v", err)
	}
	got, _ = store.GetJob(ctx, scheduled.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("expected failed after max attempts, got %s", got.Status)
	}
}

func TestUnknownKindFailsJob(t *testing.T) {
	store := memory.New()
	svc := New(store, Config{})
	ctx := context.Background()

	scheduled, err := svc.Schedule(ctx, job.Job{TenantID: "t1", Kind: "nobody-home"})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := svc.RunDue(ctx); err != nil {
		t.Fatalf("run due: %v", err)
	}
	got, _ := store.GetJob(ctx, scheduled.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("expected failed for unhandled kind, got %s", got.Status)
	}
}

func TestScheduleRequiresKind(t *testing.T) {
	svc := New(memory.New(), Config{})
	if _, err := svc.Schedule(context.Background(), job.Job{TenantID: "t1"}); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestReconciliationWindowDedup(t *testing.T) {
	store := memory.New()
	svc := New(store, Config{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := svc.ScheduleReconciliation(ctx, "t1", "u1"); err != nil {
			t.Fatalf("schedule reconciliation %d: %v", i, err)
		}
	}

	due, err := store.ListDueJobs(ctx, time.Now().UTC().Add(time.Minute), 100)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected burst to collapse into 1 job, got %d", len(due))
	}
	if due[0].Kind != job.KindReconciliation {
		t.Fatalf("unexpected kind %s", due[0].Kind)
	}
}

func TestClaimSweepWindowDedup(t *testing.T) {
	store := memory.New()
	svc := New(store, Config{})
	ctx := context.Background()

	// Ticks from several instances inside one window book a single sweep.
	for i := 0; i < 3; i++ {
		if err := svc.ScheduleClaimSweep(ctx, ""); err != nil {
			t.Fatalf("schedule sweep %d: %v", i, err)
		}
	}

	due, err := store.ListDueJobs(ctx, time.Now().UTC().Add(time.Minute), 100)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected ticks to collapse into 1 job, got %d", len(due))
	}
	if due[0].Kind != job.KindClaimSweep {
		t.Fatalf("unexpected kind %s", due[0].Kind)
	}
}

func TestGrantReversalPayload(t *testing.T) {
	store := memory.New()
	svc := New(store, Config{})
	ctx := context.Background()

	runAt := time.Now().Add(time.Hour)
	if err := svc.ScheduleGrantReversal(ctx, "t1", "u1", "item-1", 2, runAt); err != nil {
		t.Fatalf("schedule reversal: %v", err)
	}

	due, err := store.ListDueJobs(ctx, runAt.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 job, got %d", len(due))
	}
	j := due[0]
	if j.Kind != job.KindGrantReversal || j.Payload["item_id"] != "item-1" || j.Payload["qty"] != "2" {
		t.Fatalf("unexpected job %+v", j)
	}
}
