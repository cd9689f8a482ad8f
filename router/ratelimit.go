package router

import (
	"context"
	"sync"
	"time"
)

// tokenBucket paces order submission per broker. Refill is continuous at
// rate tokens/sec up to burst; Wait blocks until a token is available or the
// context dies.
type tokenBucket struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
}

func newTokenBucket(perMinute float64, burst float64) *tokenBucket {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:   perMinute / 60.0,
		burst:  burst,
		tokens: burst,
		last:   time.Now(),
	}
}

// take consumes a token when one is available; otherwise it reports how long
// until one accrues without consuming anything, so a caller that gives up
// while waiting never charges the bucket.
func (b *tokenBucket) take(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	if b.tokens >= 1 {
		b.tokens--
		return 0
	}
	return time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
}

// Wait blocks until a token is granted or the context dies. The token is only
// consumed on the successful path.
func (b *tokenBucket) Wait(ctx context.Context) error {
	for {
		delay := b.take(time.Now())
		if delay <= 0 {
			return nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
	}
}
