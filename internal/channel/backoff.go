package channel

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff configures reconnect delays: Initial * Multiplier^attempt, capped at
// Max, with +/- Jitter applied.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is a fraction in [0, 1).
	Jitter float64
	// MaxAttempts is the number of consecutive failed dials before giving up.
	// Zero retries forever.
	MaxAttempts int
}

// DefaultBackoff retries forever from 500ms up to 30s.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

func (b Backoff) norm() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		b.Jitter = d.Jitter
	}
	return b
}

// policy returns a fresh retry schedule. NextBackOff yields backoff.Stop
// once MaxAttempts consecutive dials have failed; elapsed time alone never
// stops it.
func (b Backoff) policy() backoff.BackOff {
	b = b.norm()
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.Initial
	exp.MaxInterval = b.Max
	exp.Multiplier = b.Multiplier
	exp.RandomizationFactor = b.Jitter
	exp.MaxElapsedTime = 0
	exp.Reset()
	if b.MaxAttempts > 0 {
		// The last failed dial asks for one more delay and gets Stop.
		return backoff.WithMaxRetries(exp, uint64(b.MaxAttempts-1))
	}
	return exp
}
