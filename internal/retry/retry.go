// Package retry reruns transiently failed probes with capped
// exponential backoff. Terminal failures and successes return
// immediately.
package retry

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ignite/transport-probe/internal/probe"
)

// Policy controls how often and how fast an endpoint is reprobed.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration

	log   zerolog.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPolicy(log zerolog.Logger, maxAttempts int, base, cap time.Duration) *Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if base <= 0 {
		base = 2 * time.Second
	}
	if cap <= 0 {
		cap = 30 * time.Second
	}
	return &Policy{
		MaxAttempts: maxAttempts,
		Base:        base,
		Cap:         cap,
		log:         log,
		sleep:       sleepContext,
	}
}

// Do runs fn up to MaxAttempts times, backing off between attempts.
// Only transient failure kinds are retried. The outcome of the final
// attempt is returned unchanged, whatever it is; cancellation during
// a backoff wait returns the last outcome early.
func (p *Policy) Do(ctx context.Context, fn func(context.Context) probe.Outcome) probe.Outcome {
	for attempt := 1; ; attempt++ {
		out := fn(ctx)
		if out.Success || !out.Kind.Transient() || attempt >= p.MaxAttempts {
			return out
		}

		delay := p.delay(attempt)
		p.log.Debug().
			Int("attempt", attempt).
			Dur("delay", delay).
			Str("kind", string(out.Kind)).
			Msg("retrying after transient failure")

		if err := p.sleep(ctx, delay); err != nil {
			return out
		}
	}
}

// delay doubles per attempt from Base and never exceeds Cap.
func (p *Policy) delay(attempt int) time.Duration {
	d := p.Base * time.Duration(1<<uint(attempt-1))
	if d > p.Cap || d <= 0 {
		return p.Cap
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
