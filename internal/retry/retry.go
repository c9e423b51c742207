// Package retry runs an operation a bounded number of times with jittered
// exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"

	logx "storyloom/pkg/logx"
)

// Policy configures Do. Attempts includes the first call.
type Policy struct {
	Attempts int
	Base     time.Duration // default 500ms
	MaxDelay time.Duration // default 15s
	Jitter   float64       // fraction, default 0.2
}

// NoRetry marks an error as permanent so Do stops immediately.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay (e.g. from an HTTP 429) to err.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// Do calls fn until it succeeds, returns a NoRetry error, ctx ends, or the
// attempts run out. Panics in fn become errors. The last error is returned
// unwrapped from NoRetry.
func Do(ctx context.Context, p Policy, log logx.Logger, op string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = call(ctx, fn)
		if err == nil {
			return nil
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			return nr.err
		}
		if attempt >= attempts || ctx.Err() != nil {
			break
		}

		delay := Delay(p, attempt, err, rng)
		log.Debug("retry scheduled", logx.String("op", op), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return errors.CombineErrors(err, ctx.Err())
		case <-tmr.C:
		}
	}
	return err
}

func call(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic: %v", r)
			err = errors.WithDetail(err, string(debug.Stack()))
		}
	}()
	return fn(ctx)
}

// Delay returns the wait before retry number retry (1-based), honouring a
// RetryAfter hint when err carries one.
func Delay(p Policy, retry int, err error, rng *rand.Rand) time.Duration {
	maxD := p.MaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	j := p.Jitter
	if j <= 0 {
		j = 0.2
	}

	var d time.Duration
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		d = p.Base
		if d <= 0 {
			d = 500 * time.Millisecond
		}
		for i := 1; i < retry; i++ {
			d *= 2
			if d > maxD {
				d = maxD
				break
			}
		}
	}
	if d > maxD {
		d = maxD
	}
	if d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
