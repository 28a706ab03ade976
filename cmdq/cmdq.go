// Package cmdq is the durable command entry point for the job scheduler.
//
// Control operations (start, confirm-login, cancel, retry, force-fail) are
// published as rows in the job_commands table and consumed by the scheduler's
// Run loop. Claimed commands stay invisible for a configurable duration: if
// the scheduler crashes between claim and dispatch the command reappears and
// is redelivered after restart. Commands the handler cannot act on yet are
// nacked for redelivery up to MaxAttempts, then discarded with a warning; a
// job left waiting past that is surfaced by the scheduler's stall sweep.
//
// The queue is pure SQLite — no external broker.
package cmdq

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/hazyhaar/chartrec/ids"
)

// Kind enumerates job control commands.
type Kind string

const (
	KindStart        Kind = "start"
	KindConfirmLogin Kind = "confirm_login"
	KindCancel       Kind = "cancel"
	KindRetry        Kind = "retry" // payload: "resume" or "restart"
	KindForceFail    Kind = "force_fail"
)

// Command is one row in the queue.
type Command struct {
	ID        string
	JobID     string
	Kind      Kind
	Payload   string
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures queue behaviour.
type Options struct {
	// Visibility is how long a claimed command stays invisible. Default: 30s.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in the Run loop.
	// Default: 250ms — control commands should feel immediate.
	PollInterval time.Duration
	// MaxAttempts limits redelivery before a command is discarded.
	// 0 means unlimited. Default: 5.
	MaxAttempts int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle. The job_commands table is part of the store schema.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle over an already-opened chartrec database.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// Publish inserts a command that is immediately visible and returns its ID.
func (q *Q) Publish(ctx context.Context, jobID string, kind Kind, payload string) (string, error) {
	id := ids.NewCommandID()
	now := time.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO job_commands (id, job_id, kind, payload, visible_at, created_at)
		VALUES (?,?,?,?,?,?)`,
		id, jobID, string(kind), payload, now, now)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Claim atomically picks the oldest visible command and hides it for the
// visibility window. Returns nil, nil when nothing is visible.
func (q *Q) Claim(ctx context.Context) (*Command, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE job_commands
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM job_commands
			WHERE visible_at <= ?
			ORDER BY visible_at ASC, created_at ASC
			LIMIT 1
		)
		RETURNING id, job_id, kind, payload, visible_at, created_at, attempts`,
		hideUntil, now.UnixMilli())

	var c Command
	var kind string
	var visAt, creAt int64
	err := row.Scan(&c.ID, &c.JobID, &kind, &c.Payload, &visAt, &creAt, &c.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Kind = Kind(kind)
	c.VisibleAt = time.UnixMilli(visAt)
	c.CreatedAt = time.UnixMilli(creAt)
	return &c, nil
}

// Ack deletes a successfully dispatched command.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM job_commands WHERE id = ?`, id)
	return err
}

// Nack makes a command immediately visible again for redelivery.
func (q *Q) Nack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE job_commands SET visible_at = 0 WHERE id = ?`, id)
	return err
}

// Len returns the number of commands (visible and claimed) in the queue.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_commands`).Scan(&n)
	return n, err
}

// Handler dispatches a claimed command. Return nil to ack, non-nil to nack.
type Handler func(ctx context.Context, cmd *Command) error

// Run polls for visible commands and dispatches each through handler. It
// blocks until ctx is cancelled.
func (q *Q) Run(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	log.Info("cmdq: consumer started", "visibility", q.opts.Visibility, "poll", q.opts.PollInterval)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("cmdq: consumer stopped")
			return
		case <-ticker.C:
			q.poll(ctx, handler, log)
		}
	}
}

func (q *Q) poll(ctx context.Context, handler Handler, log *slog.Logger) {
	for {
		cmd, err := q.Claim(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("cmdq: claim failed", "error", err)
			}
			return
		}
		if cmd == nil {
			return
		}

		if q.opts.MaxAttempts > 0 && cmd.Attempts > q.opts.MaxAttempts {
			log.Warn("cmdq: command exceeded max attempts, discarding",
				"id", cmd.ID, "job_id", cmd.JobID, "kind", cmd.Kind, "attempts", cmd.Attempts)
			_ = q.Ack(ctx, cmd.ID)
			continue
		}

		if err := handler(ctx, cmd); err != nil {
			log.Warn("cmdq: dispatch failed, nacking",
				"id", cmd.ID, "job_id", cmd.JobID, "kind", cmd.Kind, "error", err)
			_ = q.Nack(ctx, cmd.ID)
		} else {
			_ = q.Ack(ctx, cmd.ID)
		}
	}
}
