package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/chartrec/adapter"
	"github.com/hazyhaar/chartrec/chart"
	"github.com/hazyhaar/chartrec/registry"
	"github.com/hazyhaar/chartrec/store"
)

// runner is the in-process handle for one live job goroutine.
type runner struct {
	jobID   string
	confirm chan struct{}
	cancel  context.CancelFunc

	mu     sync.Mutex
	reason string
}

// requestCancel cancels the runner's context and records why. The first
// reason wins; later requests are no-ops.
func (r *runner) requestCancel(reason string) {
	r.mu.Lock()
	if r.reason == "" {
		r.reason = reason
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *runner) cancelReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// run owns one job from browser acquisition to terminal state. Bookkeeping
// writes use a non-cancellable context so a cancelled job still records its
// failure cleanly.
func (s *Scheduler) run(ctx context.Context, r *runner, resume bool) {
	bg := context.WithoutCancel(ctx)

	job, err := s.reg.Get(bg, r.jobID)
	if err != nil {
		s.log.Error("scheduler: runner cannot load job", "job_id", r.jobID, "error", err)
		return
	}

	sess, err := s.pool.Acquire(ctx)
	if err != nil {
		s.fail(bg, r, fmt.Sprintf("browser session unavailable: %v", err))
		return
	}
	defer sess.Close()

	if resume {
		s.runResume(ctx, bg, r, job, sess)
		return
	}

	if err := s.reg.Transition(bg, job.ID, registry.StatusPendingLogin, registry.StatusLaunchingBrowser); err != nil {
		s.fail(bg, r, fmt.Sprintf("cannot enter browser launch: %v", err))
		return
	}
	_ = s.reg.MarkStarted(bg, job.ID)
	s.publish(bg, job.ID, registry.StatusLaunchingBrowser, "opening portal", 0, 0)

	if err := sess.Navigate(ctx, job.PortalURL); err != nil {
		s.fail(bg, r, fmt.Sprintf("portal navigation failed: %v", err))
		return
	}
	if err := sess.WaitStable(ctx); err != nil {
		s.log.Warn("scheduler: portal page never settled", "job_id", job.ID, "error", err)
	}

	if err := s.reg.Transition(bg, job.ID, registry.StatusLaunchingBrowser, registry.StatusAwaitingConfirmation); err != nil {
		s.fail(bg, r, fmt.Sprintf("cannot enter confirmation wait: %v", err))
		return
	}
	s.publish(bg, job.ID, registry.StatusAwaitingConfirmation, "waiting for login confirmation", 0, 0)

	if err := s.awaitConfirmation(ctx, r); err != nil {
		s.fail(bg, r, err.Error())
		return
	}

	if !s.opts.SkipLivenessCheck && !sess.Alive(ctx) {
		s.fail(bg, r, "browser session stopped responding after login confirmation")
		return
	}

	if err := s.reg.Transition(bg, job.ID, registry.StatusAwaitingConfirmation, registry.StatusExtracting); err != nil {
		s.fail(bg, r, fmt.Sprintf("cannot enter extraction: %v", err))
		return
	}
	s.publish(bg, job.ID, registry.StatusExtracting, "extraction started", 0, 0)

	if err := s.extract(ctx, bg, job, sess, nil); err != nil {
		s.fail(bg, r, err.Error())
		return
	}
	s.complete(bg, r, job.ID)
}

// runResume handles a retry in resume mode: the job re-entered EXTRACTING
// directly, relying on the browser profile still holding portal credentials.
// The liveness probe guards against a silently expired portal session; when
// it fails the user is pointed at a full restart.
func (s *Scheduler) runResume(ctx context.Context, bg context.Context, r *runner, job *store.Job, sess Session) {
	_ = s.reg.MarkStarted(bg, job.ID)

	if err := sess.Navigate(ctx, job.PortalURL); err != nil {
		s.fail(bg, r, fmt.Sprintf("portal navigation failed: %v", err))
		return
	}
	if err := sess.WaitStable(ctx); err != nil {
		s.log.Warn("scheduler: portal page never settled", "job_id", job.ID, "error", err)
	}
	if !s.opts.SkipLivenessCheck && !sess.Alive(ctx) {
		s.fail(bg, r, "portal session expired; retry with restart to log in again")
		return
	}

	analysis, err := s.ResumeAnalysis(bg, job.ID)
	if err != nil {
		s.fail(bg, r, fmt.Sprintf("resume analysis failed: %v", err))
		return
	}
	var only []string
	if !analysis.NeedsRestart {
		if len(analysis.Incomplete) == 0 {
			s.publish(bg, job.ID, registry.StatusExtracting, "nothing to resume", 0, 0)
			s.complete(bg, r, job.ID)
			return
		}
		only = analysis.Incomplete
		s.publish(bg, job.ID, registry.StatusExtracting,
			fmt.Sprintf("resuming %d of %d patients", len(only), analysis.Patients), 0, 0)
	}

	if err := s.extract(ctx, bg, job, sess, only); err != nil {
		s.fail(bg, r, err.Error())
		return
	}
	s.complete(bg, r, job.ID)
}

// awaitConfirmation parks the runner until the human confirms login, the
// optional timeout fires, or the job is cancelled.
func (s *Scheduler) awaitConfirmation(ctx context.Context, r *runner) error {
	var timeout <-chan time.Time
	if s.opts.ConfirmTimeout > 0 {
		t := time.NewTimer(s.opts.ConfirmTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-r.confirm:
		return nil
	case <-timeout:
		return fmt.Errorf("login confirmation timed out after %s", s.opts.ConfirmTimeout)
	case <-ctx.Done():
		return errors.New("cancelled before login confirmation")
	}
}

// extract invokes the adapter, persists the session and hands the bundles to
// the reconciliation engine. A non-empty only restricts a resume run to those
// PRNs: the restriction is passed to the adapter so complete patients are not
// crawled again, and applied once more over the returned bundles in case an
// adapter ignores it.
func (s *Scheduler) extract(ctx context.Context, bg context.Context, job *store.Job, sess Session, only []string) error {
	start, end := job.RangeStart, job.RangeEnd
	if start == "" {
		start = s.opts.DefaultRangeStart
	}
	if end == "" {
		end = s.opts.DefaultRangeEnd
	}

	report := func(step string, done, total int) {
		_ = s.reg.Progress(bg, job.ID, step, done, total)
		s.publish(bg, job.ID, registry.StatusExtracting, step, done, total)
	}

	bundles, err := s.inv.Invoke(ctx, job.Adapter, sess, adapter.Params{
		Mode:             job.Mode,
		PatientPRN:       job.PatientPRN,
		MedicationFilter: job.MedicationFilter,
		RangeStart:       start,
		RangeEnd:         end,
		Provider:         job.Provider,
		OnlyPRNs:         only,
	}, report)
	if err != nil {
		return fmt.Errorf("extraction failed: %w", err)
	}

	if len(only) > 0 {
		keep := make(map[string]bool, len(only))
		for _, prn := range only {
			keep[prn] = true
		}
		kept := bundles[:0]
		for _, b := range bundles {
			if keep[b.Demographics.PRN] {
				kept = append(kept, b)
			}
		}
		bundles = kept
	}

	sessRow, err := s.st.InsertSession(bg, store.Session{
		JobID:            job.ID,
		MedicationFilter: job.MedicationFilter,
		RangeStart:       start,
		RangeEnd:         end,
		Source:           job.PortalURL,
		PatientCount:     len(bundles),
	})
	if err != nil {
		return fmt.Errorf("persist session: %w", err)
	}

	res, err := s.eng.IngestSession(bg, sessRow, bundles)
	if err != nil {
		return fmt.Errorf("reconciliation failed: %w", err)
	}
	s.log.Info("scheduler: extraction reconciled",
		"job_id", job.ID, "session", sessRow.ID, "patients", res.Patients,
		"new", res.NewLinks, "duplicates", res.Duplicates, "conflicts", res.Conflicts)
	return nil
}

func (s *Scheduler) complete(bg context.Context, r *runner, jobID string) {
	if err := s.reg.Transition(bg, jobID, registry.StatusExtracting, registry.StatusCompleted); err != nil {
		s.fail(bg, r, fmt.Sprintf("cannot complete: %v", err))
		return
	}
	_ = s.reg.MarkCompleted(bg, jobID)
	s.publish(bg, jobID, registry.StatusCompleted, "completed", 0, 0)
}

// fail records a terminal failure. A cancellation reason set on the runner
// outranks the mechanical error it produced (a cancelled navigate reports
// "cancelled by user", not a context error).
func (s *Scheduler) fail(bg context.Context, r *runner, msg string) {
	if reason := r.cancelReason(); reason != "" {
		msg = reason
	}
	status, err := s.reg.Fail(bg, r.jobID, msg)
	if err != nil {
		s.log.Error("scheduler: cannot record failure", "job_id", r.jobID, "error", err)
		return
	}
	if status == registry.StatusFailed {
		s.publish(bg, r.jobID, registry.StatusFailed, msg, 0, 0)
	}
}

// detailSatisfies reports whether one clinical detail matches the job's
// medication filter.
func detailSatisfies(d chart.Detail, filter string) bool {
	return d.Category == chart.CategoryMedication &&
		strings.Contains(strings.ToLower(d.Name), strings.ToLower(filter))
}
