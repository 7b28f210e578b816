package relay

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// FlushPolicy schedules replay of the durable queue. A pass that leaves
// entries behind (or fails) is retried with exponential backoff plus
// jitter; a clean pass waits Interval.
type FlushPolicy struct {
	Interval    time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (p FlushPolicy) withDefaults() FlushPolicy {
	if p.Interval <= 0 {
		p.Interval = time.Minute
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = 5 * time.Second
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = 5 * time.Minute
	}
	if p.BackoffMax < p.BackoffBase {
		p.BackoffMax = p.BackoffBase
	}
	return p
}

// Backoff returns the wait before retry number attempt (starting at 1).
func (p FlushPolicy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	exp := math.Pow(2, float64(attempt-1))
	backoff := time.Duration(float64(p.BackoffBase) * exp)
	if backoff <= 0 || exp > float64(p.BackoffMax/p.BackoffBase) {
		backoff = p.BackoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(p.BackoffBase)))
	sleep := backoff + jitter
	if sleep > p.BackoffMax {
		sleep = p.BackoffMax
	}
	return sleep
}

// RunFlushLoop flushes once immediately and then keeps draining the queue
// according to p until ctx is cancelled. A recovery signal from the link
// state engine short-circuits the wait.
func (c *Client) RunFlushLoop(ctx context.Context, p FlushPolicy) error {
	p = p.withDefaults()
	log.Info().Dur("interval", p.Interval).Dur("backoff_max", p.BackoffMax).Msg("flush loop started")

	failures := 0
	for {
		res, err := c.Flush(ctx)
		if ctx.Err() != nil {
			return nil
		}

		wait := p.Interval
		switch {
		case err != nil:
			failures++
			wait = p.Backoff(failures)
			log.Error().Err(err).Int("attempt", failures).Dur("retry_in", wait).Msg("relay queue flush failed")
		case res.Retained > 0:
			failures++
			wait = p.Backoff(failures)
			log.Warn().Int("retained", res.Retained).Int("attempt", failures).Dur("retry_in", wait).Msg("relay queue not drained, will retry")
		default:
			failures = 0
		}

		// Deliveries made by this pass may have flagged a recovery already.
		select {
		case <-c.recovered:
		default:
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("flush loop stopping")
			return nil
		case <-c.clock.After(wait):
		case <-c.recovered:
			log.Info().Msg("relay recovered, replaying queue")
		}
	}
}
