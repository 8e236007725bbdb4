package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds how an operation is retried.
// MaxRetries counts retries after the first attempt; zero disables retrying.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// DefaultPolicy starts at 5s and triples the delay on each retry
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  5 * time.Second,
		Multiplier: 3,
		MaxDelay:   5 * time.Minute,
	}
}

// Operation is a single attempt
type Operation func(ctx context.Context) error

type options struct {
	retryable func(error) bool
	notify    func(err error, delay time.Duration)
	timer     backoff.Timer
}

// Option customizes Do
type Option func(*options)

// If restricts retrying to errors accepted by fn. Others end the loop immediately.
func If(fn func(error) bool) Option {
	return func(o *options) { o.retryable = fn }
}

// OnRetry is called before each delayed retry
func OnRetry(fn func(err error, delay time.Duration)) Option {
	return func(o *options) { o.notify = fn }
}

// WithTimer replaces the timer used to wait between attempts
func WithTimer(t backoff.Timer) Option {
	return func(o *options) { o.timer = t }
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.Reset()

	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}

// Do runs op until it succeeds, returns a non-retryable error, the retry budget
// is spent or ctx is done. The last error is returned unwrapped.
func Do(ctx context.Context, p Policy, op Operation, opts ...Option) error {
	o := options{retryable: func(error) bool { return true }}
	for _, opt := range opts {
		opt(&o)
	}

	attempt := func() error {
		err := op(ctx)
		if err != nil && !o.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.RetryNotifyWithTimer(attempt, backoff.WithContext(p.backOff(), ctx), o.notify, o.timer)
}
