package progress_test

import (
	"testing"
	"time"

	"github.com/hazyhaar/chartrec/progress"
)

func TestPublishOrdering(t *testing.T) {
	b := progress.New(nil)
	defer b.Close()

	ch, cancel := b.Subscribe(8)
	defer cancel()

	for i := 1; i <= 3; i++ {
		b.Publish(progress.Event{JobID: "job_1", StepsDone: i, StepsTotal: 3})
	}

	for i := 1; i <= 3; i++ {
		ev := <-ch
		if ev.StepsDone != i {
			t.Fatalf("event %d: got steps_done %d", i, ev.StepsDone)
		}
		if ev.At.IsZero() {
			t.Fatal("event timestamp not set")
		}
	}
}

func TestJobFilter(t *testing.T) {
	b := progress.New(nil)
	defer b.Close()

	ch, cancel := b.SubscribeJob("job_2", 8)
	defer cancel()

	b.Publish(progress.Event{JobID: "job_1"})
	b.Publish(progress.Event{JobID: "job_2"})

	ev := <-ch
	if ev.JobID != "job_2" {
		t.Fatalf("got event for %q", ev.JobID)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event: %+v", ev)
	default:
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	b := progress.New(nil)
	defer b.Close()

	_, cancel := b.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish(progress.Event{JobID: "job_3", StepsDone: i})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on full subscriber")
	}
	if b.Dropped() == 0 {
		t.Fatal("expected dropped events")
	}
}

func TestCancelTwice(t *testing.T) {
	b := progress.New(nil)
	defer b.Close()

	_, cancel := b.Subscribe(1)
	cancel()
	cancel() // must not panic

	b.Publish(progress.Event{JobID: "job_4"})
}

func TestCloseStopsDelivery(t *testing.T) {
	b := progress.New(nil)
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Close()
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed")
	}
	b.Publish(progress.Event{JobID: "job_5"}) // no-op after close
}
