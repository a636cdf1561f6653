// Package retry wraps a single provider call in bounded exponential backoff.
// Only transient failures (rate limiting, network faults) are retried.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/felixgeelhaar/llmgate/internal/errors"
	"github.com/felixgeelhaar/llmgate/internal/log"
)

// Policy configures retry behaviour.
type Policy struct {
	// InitialInterval is the delay before the first retry
	InitialInterval time.Duration

	// MaxInterval caps every delay
	MaxInterval time.Duration

	// Multiplier grows the delay after each retry
	Multiplier float64

	// MaxAttempts is the total number of calls, including the first
	MaxAttempts int

	// NewTimer overrides the wall clock timer; tests use it to skip waiting
	NewTimer func() backoff.Timer

	// OnRetry is called before each wait
	OnRetry func(attempt int, delay time.Duration, err error)

	Logger *log.Logger
}

// DefaultPolicy returns 3 attempts with delays starting at 2s, capped at 60s.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 2 * time.Second,
		MaxInterval:     60 * time.Second,
		Multiplier:      2,
		MaxAttempts:     3,
	}
}

// Operation is one attempt. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

func (p Policy) backOff() backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.InitialInterval
	expo.MaxInterval = p.MaxInterval
	expo.Multiplier = p.Multiplier
	expo.RandomizationFactor = 0
	expo.MaxElapsedTime = 0
	expo.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(expo, uint64(retries))
}

// Delays returns the wait before each retry, in order.
func (p Policy) Delays() []time.Duration {
	b := p.backOff()
	var out []time.Duration
	for {
		d := b.NextBackOff()
		if d == backoff.Stop {
			return out
		}
		out = append(out, d)
	}
}

// Execute runs op until it succeeds, fails fatally, or the attempt budget
// is spent, returning the last error. Waiting honours ctx and happens on
// the caller's goroutine with no locks held.
func (p Policy) Execute(ctx context.Context, op Operation) error {
	logger := log.OrDefault(p.Logger)
	attempt := 0

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		if !errors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		logger.WithError(err).WarnContext(ctx, "retrying provider call",
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"delay", delay.String(),
		)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
	}

	var timer backoff.Timer
	if p.NewTimer != nil {
		timer = p.NewTimer()
	}
	return backoff.RetryNotifyWithTimer(operation, backoff.WithContext(p.backOff(), ctx), notify, timer)
}

// InstantTimer fires immediately. It satisfies backoff.Timer for tests
// and dry runs.
type InstantTimer struct {
	c chan time.Time
}

// NewInstantTimer creates an InstantTimer. It matches Policy.NewTimer.
func NewInstantTimer() backoff.Timer {
	return &InstantTimer{c: make(chan time.Time, 1)}
}

// Start implements backoff.Timer.
func (t *InstantTimer) Start(time.Duration) {
	select {
	case t.c <- time.Now():
	default:
	}
}

// Stop implements backoff.Timer.
func (t *InstantTimer) Stop() {}

// C implements backoff.Timer.
func (t *InstantTimer) C() <-chan time.Time {
	return t.c
}
