// Package progress publishes job-state and step-progress events to
// interested subscribers (UI feeds, logs) without ever blocking extraction.
//
// Delivery is ordered per publisher but best-effort: a subscriber whose
// buffer is full misses events rather than applying backpressure. Consumers
// that need a complete picture poll the job registry; the event stream is a
// convenience, not the source of truth.
package progress

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one job-state or extraction-milestone notification.
type Event struct {
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"`
	Step       string    `json:"current_step,omitempty"`
	StepsDone  int       `json:"steps_completed"`
	StepsTotal int       `json:"total_steps"`
	At         time.Time `json:"timestamp"`
}

type subscriber struct {
	ch    chan Event
	jobID string // empty = all jobs
}

// Broadcaster fans events out to subscribers.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool

	dropped atomic.Int64
	log     *slog.Logger
}

// New creates a Broadcaster.
func New(log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{subs: make(map[int]*subscriber), log: log}
}

// Subscribe registers a listener for all jobs. buffer bounds how far the
// subscriber may lag before events are dropped. The returned cancel func
// unregisters and closes the channel; it is safe to call twice.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	return b.subscribe("", buffer)
}

// SubscribeJob registers a listener for a single job's events.
func (b *Broadcaster) SubscribeJob(jobID string, buffer int) (<-chan Event, func()) {
	return b.subscribe(jobID, buffer)
}

func (b *Broadcaster) subscribe(jobID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan Event, buffer), jobID: jobID}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish fans an event out to matching subscribers. Never blocks: full
// buffers drop the event and bump the drop counter.
func (b *Broadcaster) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.jobID != "" && sub.jobID != ev.JobID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many events were lost to slow subscribers.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Close unregisters every subscriber and closes their channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
