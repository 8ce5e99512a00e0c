package remote

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/sovsapp/enroll/pkg/errors"
	"github.com/sovsapp/enroll/pkg/logger"
	"github.com/sovsapp/enroll/pkg/metrics"
)

// DefaultTimeout bounds a single attempt against a remote service.
const DefaultTimeout = 30 * time.Second

// Policy describes how a remote operation is retried.
type Policy struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff: delay k is BaseDelay * 2^(k-1).
	BaseDelay time.Duration
	// Timeout bounds each individual attempt. Zero means DefaultTimeout.
	Timeout time.Duration
	// Retryable decides whether a failed attempt is repeated. Nil means the
	// default classification: retry everything except auth and validation
	// failures.
	Retryable func(error) bool
}

// NewPolicy is a convenience constructor for the common case.
func NewPolicy(maxAttempts int, baseDelay time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay}
}

// Caller wraps remote operations with per-attempt timeouts and
// retry-with-backoff. It is safe for concurrent use.
type Caller struct {
	log   *zap.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customises the Caller.
type Option func(*Caller)

// WithLogger overrides the retry diagnostics logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Caller) {
		if log != nil {
			c.log = log
		}
	}
}

// WithSleep injects the backoff sleeper, primarily for testing.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Caller) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// NewCaller constructs a Caller.
func NewCaller(opts ...Option) *Caller {
	caller := &Caller{
		log:   logger.WithModule("remote"),
		sleep: sleepContext,
	}
	for _, opt := range opts {
		opt(caller)
	}
	return caller
}

// Do runs op under the supplied policy and returns its result, the timeout
// error class, or the final attempt's error. An attempt whose timer fires
// first fails with the timeout class and any late result is discarded.
func Do[T any](ctx context.Context, c *Caller, operation string, policy Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T

	if c == nil {
		c = NewCaller()
	}
	if op == nil {
		return zero, errors.New("remote: operation is required")
	}

	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	timeout := policy.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	retryable := policy.Retryable
	if retryable == nil {
		retryable = appErrors.IsRetryable
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		value, err := runAttempt(ctx, timeout, op)
		if err == nil {
			return value, nil
		}
		lastErr = err

		// A cancelled parent context means the caller has moved on.
		if ctx.Err() != nil {
			break
		}

		if attempt == maxAttempts || !retryable(err) {
			break
		}

		delay := policy.BaseDelay << (attempt - 1)
		c.log.Debug("retrying remote call",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("delay", delay),
			zap.String("error", err.Error()),
		)
		metrics.RemoteCallRetries.WithLabelValues(operation).Inc()

		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			break
		}
	}

	metrics.RemoteCallFailures.WithLabelValues(operation, appErrors.FromError(lastErr).Code).Inc()
	return zero, lastErr
}

// runAttempt races op against the attempt timer. The operation runs in its
// own goroutine so a hung call cannot stall the workflow; its eventual result
// is thrown away once the timer has fired.
func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}

	done := make(chan outcome, 1)
	go func() {
		value, err := op(attemptCtx)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) {
			var zero T
			return zero, appErrors.ErrTimeout.WithInternal(out.err)
		}
		return out.value, out.err
	case <-attemptCtx.Done():
		var zero T
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return zero, appErrors.ErrTimeout.WithInternal(attemptCtx.Err())
		}
		return zero, attemptCtx.Err()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
