package cmdq_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/chartrec/cmdq"
	"github.com/hazyhaar/chartrec/store"
)

func newQ(t *testing.T, opts cmdq.Options) *cmdq.Q {
	t.Helper()
	s := store.OpenMemory(t)
	return cmdq.New(s.DB, opts)
}

func TestPublishClaimAck(t *testing.T) {
	q := newQ(t, cmdq.Options{Visibility: time.Second})
	ctx := context.Background()

	id, err := q.Publish(ctx, "job_1", cmdq.KindConfirmLogin, "")
	if err != nil {
		t.Fatal(err)
	}

	cmd, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cmd == nil || cmd.ID != id {
		t.Fatalf("got %+v, want command %s", cmd, id)
	}
	if cmd.JobID != "job_1" || cmd.Kind != cmdq.KindConfirmLogin {
		t.Fatalf("got %s/%s", cmd.JobID, cmd.Kind)
	}

	// Claimed command is invisible.
	if c2, _ := q.Claim(ctx); c2 != nil {
		t.Fatal("command should be invisible while claimed")
	}

	if err := q.Ack(ctx, cmd.ID); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("queue not empty after ack: %d", n)
	}
}

func TestNackRedelivers(t *testing.T) {
	q := newQ(t, cmdq.Options{Visibility: 10 * time.Second})
	ctx := context.Background()

	if _, err := q.Publish(ctx, "job_1", cmdq.KindCancel, ""); err != nil {
		t.Fatal(err)
	}
	cmd, _ := q.Claim(ctx)
	if err := q.Nack(ctx, cmd.ID); err != nil {
		t.Fatal(err)
	}

	again, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again == nil {
		t.Fatal("expected redelivery after nack")
	}
	if again.Attempts != 2 {
		t.Fatalf("got attempts %d, want 2", again.Attempts)
	}
}

func TestVisibilityExpiry(t *testing.T) {
	q := newQ(t, cmdq.Options{Visibility: 40 * time.Millisecond})
	ctx := context.Background()

	q.Publish(ctx, "job_1", cmdq.KindRetry, "resume")
	if c, _ := q.Claim(ctx); c == nil {
		t.Fatal("first claim failed")
	}
	time.Sleep(70 * time.Millisecond)

	cmd, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cmd == nil {
		t.Fatal("command should reappear after visibility expiry")
	}
	if cmd.Payload != "resume" {
		t.Fatalf("payload lost: %q", cmd.Payload)
	}
}

func TestRunDispatchesInOrder(t *testing.T) {
	q := newQ(t, cmdq.Options{Visibility: time.Second, PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Publish(ctx, "job_1", cmdq.KindStart, "")
	q.Publish(ctx, "job_1", cmdq.KindConfirmLogin, "")

	var got []cmdq.Kind
	var n atomic.Int32
	done := make(chan struct{})
	go q.Run(ctx, func(_ context.Context, cmd *cmdq.Command) error {
		got = append(got, cmd.Kind)
		if n.Add(1) == 2 {
			close(done)
		}
		return nil
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("commands not dispatched")
	}
	cancel()

	if got[0] != cmdq.KindStart || got[1] != cmdq.KindConfirmLogin {
		t.Fatalf("out of order dispatch: %v", got)
	}
}

func TestRunNacksFailedHandler(t *testing.T) {
	q := newQ(t, cmdq.Options{Visibility: time.Second, PollInterval: 10 * time.Millisecond, MaxAttempts: 10})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Publish(ctx, "job_1", cmdq.KindCancel, "")

	var n atomic.Int32
	done := make(chan struct{})
	go q.Run(ctx, func(_ context.Context, cmd *cmdq.Command) error {
		if n.Add(1) == 1 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("failed command was not redelivered")
	}
}
