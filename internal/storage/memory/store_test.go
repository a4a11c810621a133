package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quorum-eval/assessor/internal/assessment"
	"github.com/quorum-eval/assessor/internal/storage"
)

func TestMemoryStore_RunsAreCopied(t *testing.T) {
	store := New()
	ctx := context.Background()

	run := &storage.Run{
		ID:       "run-1",
		Status:   "running",
		Snapshot: assessment.Snapshot{Results: []assessment.StoredResult{{Key: "VAIHE 1", Text: "a"}}},
	}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}
	run.Snapshot.Results[0].Text = "mutated"

	got, err := store.LoadRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadRun() error = %v", err)
	}
	if got.Snapshot.Results[0].Text != "a" {
		t.Errorf("stored run aliased the caller's slice: %q", got.Snapshot.Results[0].Text)
	}
}

func TestMemoryStore_ListRunsNewestFirst(t *testing.T) {
	store := New()
	ctx := context.Background()

	for _, id := range []string{"old", "new"} {
		if err := store.SaveRun(ctx, &storage.Run{ID: id}); err != nil {
			t.Fatalf("SaveRun() error = %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	runs, err := store.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "new" {
		t.Errorf("ListRuns() order wrong: %v", runs)
	}

	limited, _ := store.ListRuns(ctx, 1)
	if len(limited) != 1 {
		t.Errorf("limit not applied: %d", len(limited))
	}
}

func TestMemoryStore_DeleteAndRecords(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.DeleteRun(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("DeleteRun() error = %v", err)
	}

	_ = store.Record(ctx, storage.Record{RunID: "r", PhaseID: "phase_1", Text: "x"})
	recs, _ := store.Records(ctx, "r")
	if len(recs) != 1 || recs[0].Timestamp.IsZero() {
		t.Errorf("Records() = %+v", recs)
	}
}
