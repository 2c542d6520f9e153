package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "runs.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleRun(id string) Run {
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return Run{
		ID:         id,
		InstanceID: "abc123",
		Package:    "CSWgzip",
		Mode:       "test",
		Success:    true,
		StartedAt:  started,
		FinishedAt: started.Add(8 * time.Minute),
	}
}

func TestSaveAndGetRun(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	want := sampleRun("run-1")
	if err := store.SaveRun(ctx, want); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.InstanceID != want.InstanceID || got.Package != want.Package || got.Mode != want.Mode {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if !got.Success {
		t.Error("success flag lost")
	}
	if !got.StartedAt.Equal(want.StartedAt) || !got.FinishedAt.Equal(want.FinishedAt) {
		t.Errorf("timestamps %v/%v, want %v/%v", got.StartedAt, got.FinishedAt, want.StartedAt, want.FinishedAt)
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := testStore(t)

	if _, err := store.GetRun(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		run := sampleRun(id)
		run.StartedAt = run.StartedAt.Add(time.Duration(i) * time.Hour)
		run.FinishedAt = run.StartedAt.Add(5 * time.Minute)
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun(%s): %v", id, err)
		}
	}

	runs, err := store.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].ID != "run-c" || runs[1].ID != "run-b" {
		t.Errorf("order = %s, %s; want run-c, run-b", runs[0].ID, runs[1].ID)
	}
}

func TestPackageFailures(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	ok := sampleRun("run-ok")
	if err := store.SaveRun(ctx, ok); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	bad := sampleRun("run-bad")
	bad.Success = false
	bad.ExitStatus = 1
	bad.FilteredOutput = "ERROR: bad dependency"
	bad.StartedAt = bad.StartedAt.Add(time.Hour)
	if err := store.SaveRun(ctx, bad); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	failures, err := store.PackageFailures(ctx, "CSWgzip", 10)
	if err != nil {
		t.Fatalf("PackageFailures: %v", err)
	}
	if len(failures) != 1 {
		t.Fatalf("got %d failures, want 1", len(failures))
	}
	if failures[0].ID != "run-bad" || failures[0].FilteredOutput != "ERROR: bad dependency" {
		t.Errorf("unexpected failure record: %+v", failures[0])
	}
}

func TestInitIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		store, err := NewSQLiteStore(Config{Path: path})
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		if err := store.Init(ctx); err != nil {
			t.Fatalf("Init #%d: %v", i+1, err)
		}
		_ = store.Close()
	}
}
