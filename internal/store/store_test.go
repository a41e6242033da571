package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/funvibe/infera/internal/diagnostics"
)

func openMemory(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestRecordRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := openMemory(t)
	started := time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC)
	rec := RunRecord{
		Module:   "__main__",
		Filename: "demo.py",
		Started:  started,
		Duration: 1500 * time.Millisecond,
		Diagnostics: []*diagnostics.DiagnosticError{
			{Code: diagnostics.ErrNameError, Location: diagnostics.Location{Filename: "demo.py", Line: 3, Function: "<module>"}, Message: "Name 'y' is not defined"},
			{Code: diagnostics.ErrWrongArgCount, Location: diagnostics.Location{Filename: "demo.py", Line: 7, Function: "f"}, Message: "Function f", Details: "expected 1 args, got 2"},
		},
		Globals: map[string]string{"x": "int", "f": "Callable[[Any], Any]"},
	}
	id, err := a.RecordRun(ctx, rec)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("run id %q is not a uuid: %v", id, err)
	}

	run, err := a.Run(ctx, id)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !run.Started.Equal(started) {
		t.Errorf("started: got=%s, want=%s", run.Started, started)
	}
	if run.Duration != rec.Duration || run.Module != rec.Module || run.Failed {
		t.Errorf("run: got=%+v", run)
	}

	diags, err := a.Diagnostics(ctx, id)
	if err != nil {
		t.Fatalf("diagnostics: %v", err)
	}
	if diff := cmp.Diff(rec.Diagnostics, diags); diff != "" {
		t.Errorf("diagnostics (-want +got):\n%s", diff)
	}

	globals, err := a.Globals(ctx, id)
	if err != nil {
		t.Fatalf("globals: %v", err)
	}
	if diff := cmp.Diff(rec.Globals, globals); diff != "" {
		t.Errorf("globals (-want +got):\n%s", diff)
	}
}

func TestRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	a := openMemory(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := a.RecordRun(ctx, RunRecord{Module: "m", Filename: "m.py", Started: base.Add(time.Duration(i) * time.Hour), Failed: i == 1})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		ids = append(ids, id)
	}
	if _, err := a.RecordRun(ctx, RunRecord{Module: "other", Started: base}); err != nil {
		t.Fatalf("record: %v", err)
	}

	runs, err := a.Runs(ctx, "m")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	var got []string
	for _, r := range runs {
		got = append(got, r.ID)
	}
	if diff := cmp.Diff([]string{ids[2], ids[1], ids[0]}, got); diff != "" {
		t.Errorf("runs (-want +got):\n%s", diff)
	}
	if !runs[1].Failed {
		t.Errorf("second run should be marked failed")
	}
}

func TestRunNotFound(t *testing.T) {
	a := openMemory(t)
	_, err := a.Run(context.Background(), "missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("got=%v, want=%v", err, ErrRunNotFound)
	}
}
