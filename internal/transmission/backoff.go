package transmission

import (
	"sync"
	"time"
)

// Backoff gates non-forced drains after a failed batch. It lives for the
// process only; a restart starts from the initial delay.
type Backoff struct {
	mu          sync.Mutex
	initial     time.Duration
	max         time.Duration
	delay       time.Duration
	lastFailure time.Time
}

func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{initial: initial, max: max, delay: initial}
}

// Failure records a failed batch at now and doubles the delay up to max.
func (b *Backoff) Failure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = now
	b.delay *= 2
	if b.delay > b.max {
		b.delay = b.max
	}
}

// Success is called after a delivered batch.
func (b *Backoff) Success() {
	b.Reset()
}

// Reset forgets every failure.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delay = b.initial
	b.lastFailure = time.Time{}
}

// Remaining is how long a non-forced drain must still wait at now. A clock
// that moved backwards past the last failure does not block.
func (b *Backoff) Remaining(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastFailure.IsZero() || now.Before(b.lastFailure) {
		return 0
	}
	if elapsed := now.Sub(b.lastFailure); elapsed < b.delay {
		return b.delay - elapsed
	}
	return 0
}

func (b *Backoff) Delay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delay
}
