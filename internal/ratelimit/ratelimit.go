package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

const MaxBackoff = 5 * time.Minute

// JitterDelay produces uniformly random waits in [Min, Max].
type JitterDelay struct {
	min time.Duration
	max time.Duration
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewJitterDelay(min, max time.Duration) *JitterDelay {
	if max < min {
		min, max = max, min
	}
	return &JitterDelay{
		min: min,
		max: max,
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (j *JitterDelay) Next() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.min == j.max {
		return j.min
	}

	delta := j.max - j.min
	return j.min + time.Duration(j.rnd.Int63n(int64(delta)+1))
}

func (j *JitterDelay) Wait(ctx context.Context) error {
	return Sleep(ctx, j.Next())
}

// Backoff returns unit * 2^attempt, capped at MaxBackoff.
func Backoff(attempt int, unit time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return MaxBackoff
	}

	d := unit * time.Duration(1<<uint(attempt))
	if d > MaxBackoff || d < 0 {
		return MaxBackoff
	}
	return d
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
