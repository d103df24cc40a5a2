package summary

import (
	"context"
	"sync"
	"time"
)

// Throttle is a sliding-window rate limiter shared by every summary call.
type Throttle struct {
	mu       sync.Mutex
	rpm      int
	window   time.Duration // defaults to 1 minute; exposed for testing
	requests []time.Time
}

// NewThrottle allows rpm requests per minute. It returns nil if rpm <= 0,
// and a nil Throttle never blocks.
func NewThrottle(rpm int) *Throttle {
	if rpm <= 0 {
		return nil
	}
	return &Throttle{
		rpm:    rpm,
		window: time.Minute,
	}
}

// Wait blocks until a slot is free in the window or ctx is cancelled.
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil {
		return nil
	}

	for {
		wait := t.reserve()
		if wait == 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			continue
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// reserve takes a slot and returns 0, or returns how long until one opens.
func (t *Throttle) reserve() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.requests) && t.requests[i].Before(cutoff) {
		i++
	}
	t.requests = t.requests[i:]

	if len(t.requests) < t.rpm {
		t.requests = append(t.requests, now)
		return 0
	}
	return t.requests[0].Add(t.window).Sub(now)
}
