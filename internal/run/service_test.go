package run

import (
	"context"
	"errors"
	"testing"

	xerrors "mindloom/internal/errors"
	"mindloom/internal/launcher"
)

// fakeLauncher records launch specs and optionally fails.
type fakeLauncher struct {
	specs []launcher.Spec
	err   error
}

func (f *fakeLauncher) Launch(_ context.Context, spec launcher.Spec) (launcher.Handle, error) {
	if f.err != nil {
		return launcher.Handle{}, f.err
	}
	f.specs = append(f.specs, spec)
	return launcher.Handle{ID: "job-" + spec.RunID}, nil
}

func TestServiceStartSubmitsJob(t *testing.T) {
	store := NewMemoryStore()
	launched := &fakeLauncher{}
	secrets := launcher.Secrets{DatabaseDSN: "user:pass@tcp(db:3306)/mindloom"}
	svc := NewService(store, launched, secrets)

	record, err := svc.Start(context.Background(), StartRequest{
		RunnableID:     "agent-1",
		RunnableType:   "agent",
		InputVariables: map[string]any{"input": "hello"},
	})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if record.ID == "" {
		t.Fatalf("run must get an id")
	}
	if record.Status != StatusPending {
		t.Fatalf("new run should be pending, got %s", record.Status)
	}

	if len(launched.specs) != 1 {
		t.Fatalf("expected one launch, got %d", len(launched.specs))
	}
	spec := launched.specs[0]
	if spec.RunID != record.ID || spec.RunnableID != "agent-1" {
		t.Fatalf("unexpected launch spec: %+v", spec)
	}
	if spec.Secrets.DatabaseDSN != secrets.DatabaseDSN {
		t.Fatalf("launch spec must carry connection secrets")
	}

	stored, err := store.Get(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("get stored run: %v", err)
	}
	if stored.Status != StatusPending {
		t.Fatalf("stored run should stay pending until executor starts, got %s", stored.Status)
	}
}

func TestServiceStartValidation(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, &fakeLauncher{}, launcher.Secrets{})

	cases := []struct {
		name string
		req  StartRequest
	}{
		{"unknown type", StartRequest{RunnableID: "a", RunnableType: "workflow"}},
		{"empty runnable id", StartRequest{RunnableID: "  ", RunnableType: "agent"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Start(context.Background(), tc.req); xerrors.CodeOf(err) != CodeRunValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	// A rejected request must not leave a row behind.
	runs, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("validation failures must not persist runs, got %d", len(runs))
	}
}

func TestServiceStartMarksFailedWhenLaunchFails(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, &fakeLauncher{err: errors.New("no capacity")}, launcher.Secrets{})

	_, err := svc.Start(context.Background(), StartRequest{RunnableID: "agent-1", RunnableType: "agent"})
	if xerrors.CodeOf(err) != xerrors.CodeLaunchFailure {
		t.Fatalf("expected launch failure, got %v", err)
	}

	runs, listErr := store.List(context.Background())
	if listErr != nil {
		t.Fatalf("list runs: %v", listErr)
	}
	if len(runs) != 1 {
		t.Fatalf("expected the failed run to be persisted, got %d", len(runs))
	}
	failed := runs[0]
	if failed.Status != StatusFailed {
		t.Fatalf("run should be failed after launch error, got %s", failed.Status)
	}
	if failed.ErrorMessage == "" {
		t.Fatalf("failed run must carry the launch error")
	}
	if failed.StartedAt != 0 {
		t.Fatalf("run that never started must keep started_at unset")
	}
}

func TestServiceMarkFailed(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, &fakeLauncher{}, launcher.Secrets{})

	record, err := svc.Create(context.Background(), StartRequest{RunnableID: "agent-1", RunnableType: "agent"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	got, err := svc.MarkFailed(context.Background(), record.ID, "broker unavailable")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if got.Status != StatusFailed || got.ErrorMessage != "broker unavailable" {
		t.Fatalf("unexpected run after MarkFailed: %+v", got)
	}
}
