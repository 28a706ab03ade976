// Package scheduler drives extraction jobs through their lifecycle.
//
// Each running job is one goroutine that owns a pooled browser session from
// acquisition until the job reaches a terminal state. Control arrives through
// the durable command queue (start, confirm-login, cancel, retry, force-fail)
// so a human's confirmation click survives a scheduler restart. The
// AWAITING_USER_CONFIRMATION suspension holds only the browser session, never
// a lock on shared state: confirmation is delivered over a channel while job
// state lives in the registry.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/chartrec/adapter"
	"github.com/hazyhaar/chartrec/browser"
	"github.com/hazyhaar/chartrec/cmdq"
	"github.com/hazyhaar/chartrec/progress"
	"github.com/hazyhaar/chartrec/recon"
	"github.com/hazyhaar/chartrec/registry"
	"github.com/hazyhaar/chartrec/store"
)

// Session is a pooled browser session as the scheduler sees it: the
// extraction driver plus its pooled lifetime.
type Session interface {
	browser.Driver
	Close() error
}

// Pool hands out bounded browser sessions. Production uses *browser.Pool
// behind a thin wrapper; tests inject fakes.
type Pool interface {
	Acquire(ctx context.Context) (Session, error)
}

// Options configures scheduler behaviour.
type Options struct {
	// ConfirmTimeout bounds the AWAITING_USER_CONFIRMATION suspension.
	// 0 means wait indefinitely, matching the portal-operator workflow
	// where login can take as long as the human needs.
	ConfirmTimeout time.Duration

	// SkipLivenessCheck disables the pre-extraction probe that verifies the
	// browser session still answers after login confirmation.
	SkipLivenessCheck bool

	// SweepInterval is how often the health sweep looks for stalled jobs.
	// Default: 1m.
	SweepInterval time.Duration

	// StallThreshold is how long a non-terminal job may go untouched before
	// the sweep reports it. Default: 10m.
	StallThreshold time.Duration

	// DefaultRangeStart/End bound sessions for jobs created without an
	// explicit date range. Defaults cover all representable dates so the
	// overlap test still behaves.
	DefaultRangeStart string
	DefaultRangeEnd   string

	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.StallThreshold <= 0 {
		o.StallThreshold = 10 * time.Minute
	}
	if o.DefaultRangeStart == "" {
		o.DefaultRangeStart = "0000-01-01"
	}
	if o.DefaultRangeEnd == "" {
		o.DefaultRangeEnd = "9999-12-31"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Scheduler consumes job commands and runs one goroutine per active job.
type Scheduler struct {
	reg  *registry.Registry
	st   *store.Store
	q    *cmdq.Q
	pool Pool
	inv  *adapter.Invoker
	eng  *recon.Engine
	bus  *progress.Broadcaster
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	runners map[string]*runner
	wg      sync.WaitGroup
	base    context.Context
}

// New wires a Scheduler. All collaborators are injected; nothing is a
// package singleton.
func New(reg *registry.Registry, st *store.Store, q *cmdq.Q, pool Pool,
	inv *adapter.Invoker, eng *recon.Engine, bus *progress.Broadcaster,
	opts Options) *Scheduler {
	opts.defaults()
	return &Scheduler{
		reg: reg, st: st, q: q, pool: pool, inv: inv, eng: eng, bus: bus,
		opts: opts, log: opts.Logger,
		runners: make(map[string]*runner),
	}
}

// Start launches the command consumer and the health sweep. It returns
// immediately; both loops stop when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()
	go s.q.Run(ctx, s.dispatch)
	go s.sweepLoop(ctx)
}

// Wait blocks until every active job runner has finished. Call after
// cancelling the Start context during shutdown.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Active reports how many job runners are currently live.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runners)
}

// dispatch handles one claimed command. A nil return acks the command; an
// error nacks it for redelivery.
func (s *Scheduler) dispatch(ctx context.Context, cmd *cmdq.Command) error {
	switch cmd.Kind {
	case cmdq.KindStart:
		return s.handleStart(ctx, cmd.JobID)
	case cmdq.KindConfirmLogin:
		return s.handleConfirm(ctx, cmd.JobID)
	case cmdq.KindCancel:
		return s.handleCancel(ctx, cmd.JobID)
	case cmdq.KindRetry:
		return s.handleRetry(ctx, cmd.JobID, cmd.Payload)
	case cmdq.KindForceFail:
		return s.handleForceFail(ctx, cmd.JobID)
	default:
		s.log.Warn("scheduler: unknown command kind", "kind", cmd.Kind, "job_id", cmd.JobID)
		return nil
	}
}

func (s *Scheduler) handleStart(ctx context.Context, jobID string) error {
	job, err := s.reg.Get(ctx, jobID)
	if err != nil {
		return err
	}
	switch registry.Status(job.Status) {
	case registry.StatusCreated:
		if err := s.reg.Transition(ctx, jobID, registry.StatusCreated, registry.StatusPendingLogin); err != nil {
			return err
		}
		s.publish(ctx, jobID, registry.StatusPendingLogin, "queued for browser", 0, 0)
	case registry.StatusPendingLogin:
		// Redelivered start after a crash; pick the job back up.
	default:
		s.log.Warn("scheduler: start ignored", "job_id", jobID, "status", job.Status)
		return nil
	}
	s.launch(jobID, false)
	return nil
}

// handleConfirm delivers the human login signal to the waiting runner. A
// confirm for a terminal job is dropped: the click raced completion or
// cancellation. With no runner on a live job the command is nacked for
// bounded redelivery, covering a runner that is still registering; a job
// orphaned by a restart is surfaced by the stall sweep instead.
func (s *Scheduler) handleConfirm(ctx context.Context, jobID string) error {
	s.mu.Lock()
	r := s.runners[jobID]
	s.mu.Unlock()
	if r != nil {
		select {
		case r.confirm <- struct{}{}:
		default: // already confirmed
		}
		return nil
	}

	job, err := s.reg.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if registry.Status(job.Status).Terminal() {
		return nil
	}
	return fmt.Errorf("no active runner for job %s", jobID)
}

// handleCancel honours cancellation promptly, even mid-extraction. It is
// idempotent: cancelling a terminal job is a no-op.
func (s *Scheduler) handleCancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	r := s.runners[jobID]
	s.mu.Unlock()
	if r != nil {
		r.requestCancel("cancelled by user")
		return nil
	}

	// No runner: the job never launched or the process restarted mid-flight.
	status, err := s.reg.Fail(ctx, jobID, "cancelled by user")
	if err != nil {
		return err
	}
	if status == registry.StatusFailed {
		s.publish(ctx, jobID, registry.StatusFailed, "cancelled by user", 0, 0)
	}
	return nil
}

func (s *Scheduler) handleRetry(ctx context.Context, jobID, payload string) error {
	resume := payload != "restart"
	if err := s.reg.BeginRetry(ctx, jobID, resume); err != nil {
		s.log.Warn("scheduler: retry rejected", "job_id", jobID, "mode", payload, "error", err)
		return nil // not retryable from this state; do not redeliver
	}
	if resume {
		s.publish(ctx, jobID, registry.StatusExtracting, "retry: resuming", 0, 0)
	} else {
		s.publish(ctx, jobID, registry.StatusPendingLogin, "retry: restarting", 0, 0)
	}
	s.launch(jobID, resume)
	return nil
}

func (s *Scheduler) handleForceFail(ctx context.Context, jobID string) error {
	s.mu.Lock()
	r := s.runners[jobID]
	s.mu.Unlock()
	if r != nil {
		r.requestCancel("forced failure after stall")
		return nil
	}
	status, err := s.reg.Fail(ctx, jobID, "forced failure after stall")
	if err != nil {
		return err
	}
	if status == registry.StatusFailed {
		s.publish(ctx, jobID, registry.StatusFailed, "forced failure after stall", 0, 0)
	}
	return nil
}

// launch spawns the runner goroutine for a job unless one is already live.
func (s *Scheduler) launch(jobID string, resume bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runners[jobID]; exists {
		s.log.Warn("scheduler: job already running", "job_id", jobID)
		return
	}
	base := s.base
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	r := &runner{
		jobID:   jobID,
		confirm: make(chan struct{}, 1),
		cancel:  cancel,
	}
	s.runners[jobID] = r

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer s.forget(jobID)
		s.run(ctx, r, resume)
	}()
}

func (s *Scheduler) forget(jobID string) {
	s.mu.Lock()
	delete(s.runners, jobID)
	s.mu.Unlock()
}

// publish emits a progress event and tolerates nothing going wrong: event
// delivery is best-effort, polling the registry is the source of truth.
func (s *Scheduler) publish(ctx context.Context, jobID string, status registry.Status, step string, done, total int) {
	s.bus.Publish(progress.Event{
		JobID:      jobID,
		Status:     string(status),
		Step:       step,
		StepsDone:  done,
		StepsTotal: total,
	})
}

// sweepLoop periodically reports jobs stalled past the threshold. The sweep
// never transitions anything itself; a human decides via force-fail.
func (s *Scheduler) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	stalled, err := s.reg.Stalled(ctx, time.Now().UTC().Add(-s.opts.StallThreshold))
	if err != nil {
		s.log.Warn("scheduler: stall sweep failed", "error", err)
		return
	}
	for _, job := range stalled {
		s.log.Warn("scheduler: job stalled",
			"job_id", job.ID, "status", job.Status,
			"idle", time.Since(job.UpdatedAt).Round(time.Second))
		s.publish(ctx, job.ID, registry.Status(job.Status),
			fmt.Sprintf("stalled for %s", time.Since(job.UpdatedAt).Round(time.Second)),
			job.StepsDone, job.StepsTotal)
	}
}
