package engine

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy bounds reconnect attempts to the replication source.
type RetryPolicy struct {
	// MaxAttempts is the number of consecutive failed attempts tolerated
	// before giving up. Zero retries forever, still bounded by MaxBackoff.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// HandlerRetryPolicy says what to do when the handler fails. The zero value
// halts on the first failure and keeps the position.
type HandlerRetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// backoff returns an exponentially growing, jittered delay for the given
// zero-based attempt, capped at MaxBackoff.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	ceiling := p.MaxBackoff
	if ceiling <= 0 || ceiling < p.InitialBackoff {
		ceiling = p.InitialBackoff
	}

	d := p.InitialBackoff
	for i := 0; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}

	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
