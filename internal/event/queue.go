package event

import (
	"context"
	"sync"
	"time"
)

const subscriberBuffer = 64

// Queue is an unbounded FIFO of events with one primary consumer (the rule
// engine) and any number of lossy observers. Publish never blocks, so a slow
// consumer cannot stall the loop that produced the event.
type Queue struct {
	mu      sync.Mutex
	pending []Event
	signal  chan struct{}
	subs    map[int]chan Envelope
	nextSub int
	now     func() time.Time
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		signal: make(chan struct{}, 1),
		subs:   make(map[int]chan Envelope),
		now:    time.Now,
	}
}

// Publish appends ev and fans a copy out to observers. Observers that are not
// keeping up miss the event; the primary queue never drops.
func (q *Queue) Publish(ev Event) {
	q.mu.Lock()
	q.pending = append(q.pending, ev)
	env := Envelope{Kind: ev.Kind(), At: q.now(), Data: ev}
	for _, ch := range q.subs {
		select {
		case ch <- env:
		default:
		}
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available or ctx is done.
func (q *Queue) Next(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			ev := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return ev, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// Drain removes and returns every pending event.
func (q *Queue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Subscribe registers an observer. The returned cancel func closes the channel.
func (q *Queue) Subscribe() (<-chan Envelope, func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextSub
	q.nextSub++
	ch := make(chan Envelope, subscriberBuffer)
	q.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			q.mu.Lock()
			delete(q.subs, id)
			q.mu.Unlock()
			close(ch)
		})
	}
}
