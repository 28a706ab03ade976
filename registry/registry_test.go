package registry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hazyhaar/chartrec/registry"
	"github.com/hazyhaar/chartrec/store"
)

func newRegistry(t *testing.T) (*registry.Registry, *store.Store) {
	t.Helper()
	s := store.OpenMemory(t)
	return registry.New(s, nil), s
}

func validSpec() registry.Spec {
	return registry.Spec{
		Name:      "pull",
		PortalURL: "https://portal.example/login",
		Adapter:   "demo",
		Mode:      registry.ModeAllPatients,
	}
}

func TestCreateValidation(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	sp := validSpec()
	sp.Mode = registry.ModeSinglePatient // missing PRN
	if _, err := r.Create(ctx, sp); !errors.Is(err, registry.ErrInvalidJob) {
		t.Fatalf("got %v, want ErrInvalidJob", err)
	}

	sp.PatientPRN = "MG422049"
	if _, err := r.Create(ctx, sp); err != nil {
		t.Fatal(err)
	}

	sp = validSpec()
	sp.RangeStart, sp.RangeEnd = "2022-09-01", "2022-01-01"
	if _, err := r.Create(ctx, sp); !errors.Is(err, registry.ErrInvalidJob) {
		t.Fatalf("got %v, want ErrInvalidJob for inverted range", err)
	}
}

func TestTransitionGraph(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	job, err := r.Create(ctx, validSpec())
	if err != nil {
		t.Fatal(err)
	}

	// EXTRACTING cannot be entered before AWAITING_USER_CONFIRMATION is cleared.
	err = r.Transition(ctx, job.ID, registry.StatusCreated, registry.StatusExtracting)
	if !errors.Is(err, registry.ErrBadTransition) {
		t.Fatalf("got %v, want ErrBadTransition", err)
	}

	path := []registry.Status{
		registry.StatusPendingLogin,
		registry.StatusLaunchingBrowser,
		registry.StatusAwaitingConfirmation,
		registry.StatusExtracting,
		registry.StatusCompleted,
	}
	from := registry.StatusCreated
	for _, to := range path {
		if err := r.Transition(ctx, job.ID, from, to); err != nil {
			t.Fatalf("%s -> %s: %v", from, to, err)
		}
		from = to
	}

	// Terminal COMPLETED is immutable.
	err = r.Transition(ctx, job.ID, registry.StatusCompleted, registry.StatusFailed)
	if !errors.Is(err, registry.ErrBadTransition) {
		t.Fatalf("got %v, want ErrBadTransition out of COMPLETED", err)
	}
}

func TestTransitionStaleSource(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	job, _ := r.Create(ctx, validSpec())

	if err := r.Transition(ctx, job.ID, registry.StatusCreated, registry.StatusPendingLogin); err != nil {
		t.Fatal(err)
	}
	// Same legal edge, but the job already moved on.
	err := r.Transition(ctx, job.ID, registry.StatusCreated, registry.StatusPendingLogin)
	if !errors.Is(err, registry.ErrBadTransition) {
		t.Fatalf("got %v, want ErrBadTransition for stale source", err)
	}
}

func TestFailIdempotentOnTerminal(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	job, _ := r.Create(ctx, validSpec())

	st, err := r.Fail(ctx, job.ID, "cancelled by user")
	if err != nil || st != registry.StatusFailed {
		t.Fatalf("fail: st=%s err=%v", st, err)
	}

	// Failing again is a no-op, not an error.
	st, err = r.Fail(ctx, job.ID, "cancelled again")
	if err != nil || st != registry.StatusFailed {
		t.Fatalf("second fail: st=%s err=%v", st, err)
	}

	got, _ := r.Get(ctx, job.ID)
	if got.Error != "cancelled by user" {
		t.Fatalf("error overwritten on idempotent fail: %q", got.Error)
	}
}

func TestRetryReentry(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	job, _ := r.Create(ctx, validSpec())
	if _, err := r.Fail(ctx, job.ID, "boom"); err != nil {
		t.Fatal(err)
	}

	if err := r.BeginRetry(ctx, job.ID, false); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get(ctx, job.ID)
	if got.Status != string(registry.StatusPendingLogin) {
		t.Fatalf("restart: got %s, want PENDING_LOGIN", got.Status)
	}
	if got.Attempt != 2 {
		t.Fatalf("got attempt %d, want 2", got.Attempt)
	}
	if got.Error != "" {
		t.Fatal("retry must clear the prior error")
	}
}

func TestProgressMonotonic(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	job, _ := r.Create(ctx, validSpec())

	if err := r.Progress(ctx, job.ID, "patients", 3, 10); err != nil {
		t.Fatal(err)
	}
	// A late, lower report must not move progress backwards.
	if err := r.Progress(ctx, job.ID, "patients", 1, 10); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get(ctx, job.ID)
	if got.StepsDone != 3 {
		t.Fatalf("got steps_done %d, want 3", got.StepsDone)
	}
	// Clamped to total.
	if err := r.Progress(ctx, job.ID, "patients", 99, 10); err != nil {
		t.Fatal(err)
	}
	got, _ = r.Get(ctx, job.ID)
	if got.StepsDone != 10 || got.StepsTotal != 10 {
		t.Fatalf("got %d/%d, want 10/10", got.StepsDone, got.StepsTotal)
	}
}

func TestStalledSweep(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	job, _ := r.Create(ctx, validSpec())

	stalled, err := r.Stalled(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(stalled) != 0 {
		t.Fatal("fresh job must not be reported stalled")
	}

	stalled, err = r.Stalled(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(stalled) != 1 || stalled[0].ID != job.ID {
		t.Fatalf("got %d stalled jobs, want the created one", len(stalled))
	}

	// Terminal jobs never show up.
	if _, err := r.Fail(ctx, job.ID, "done"); err != nil {
		t.Fatal(err)
	}
	stalled, _ = r.Stalled(ctx, time.Now().Add(time.Hour))
	if len(stalled) != 0 {
		t.Fatal("terminal job reported stalled")
	}
}
