package remote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	appErrors "github.com/sovsapp/enroll/pkg/errors"
)

func newTestCaller(delays *[]time.Duration) *Caller {
	return NewCaller(WithSleep(func(_ context.Context, d time.Duration) error {
		if delays != nil {
			*delays = append(*delays, d)
		}
		return nil
	}))
}

func TestDoRetriesWithExponentialBackoff(t *testing.T) {
	var delays []time.Duration
	caller := newTestCaller(&delays)

	invocations := 0
	_, err := Do(context.Background(), caller, "always-fails", NewPolicy(4, time.Second),
		func(context.Context) (string, error) {
			invocations++
			return "", appErrors.ErrTransientNetwork
		})

	require.Error(t, err)
	require.ErrorIs(t, err, appErrors.ErrTransientNetwork)
	require.Equal(t, 4, invocations, "a permanently failing operation runs exactly MaxAttempts times")
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)
}

func TestDoReturnsFirstSuccess(t *testing.T) {
	var delays []time.Duration
	caller := newTestCaller(&delays)

	invocations := 0
	value, err := Do(context.Background(), caller, "flaky", NewPolicy(3, 500*time.Millisecond),
		func(context.Context) (int, error) {
			invocations++
			if invocations < 3 {
				return 0, appErrors.ErrTransientNetwork
			}
			return 42, nil
		})

	require.NoError(t, err)
	require.Equal(t, 42, value)
	require.Equal(t, 3, invocations)
	require.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, delays)
}

func TestDoStopsWhenPredicateRejects(t *testing.T) {
	caller := newTestCaller(nil)

	invocations := 0
	_, err := Do(context.Background(), caller, "rejected", Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		Retryable:   func(error) bool { return false },
	}, func(context.Context) (string, error) {
		invocations++
		return "", appErrors.ErrTransientNetwork
	})

	require.Error(t, err)
	require.Equal(t, 1, invocations, "a rejecting predicate means exactly one invocation")
}

func TestDoDefaultPredicateSkipsAuthErrors(t *testing.T) {
	caller := newTestCaller(nil)

	invocations := 0
	_, err := Do(context.Background(), caller, "unauthorized", NewPolicy(3, time.Second),
		func(context.Context) (string, error) {
			invocations++
			return "", appErrors.ErrAuth
		})

	require.ErrorIs(t, err, appErrors.ErrAuth)
	require.Equal(t, 1, invocations)
}

func TestDoTimesOutSlowAttempt(t *testing.T) {
	caller := newTestCaller(nil)

	_, err := Do(context.Background(), caller, "hangs", Policy{
		MaxAttempts: 1,
		BaseDelay:   time.Millisecond,
		Timeout:     20 * time.Millisecond,
	}, func(ctx context.Context) (string, error) {
		// Ignores its context entirely; the caller must still give up.
		time.Sleep(500 * time.Millisecond)
		return "late", nil
	})

	require.ErrorIs(t, err, appErrors.ErrTimeout)
}

func TestDoTimeoutIsRetryable(t *testing.T) {
	caller := newTestCaller(nil)

	invocations := 0
	value, err := Do(context.Background(), caller, "slow-then-fast", Policy{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		Timeout:     20 * time.Millisecond,
	}, func(ctx context.Context) (string, error) {
		invocations++
		if invocations == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "ok", nil
	})

	require.NoError(t, err)
	require.Equal(t, "ok", value)
	require.Equal(t, 2, invocations)
}

func TestDoStopsOnCancelledParent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	caller := NewCaller(WithSleep(func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}))

	invocations := 0
	_, err := Do(ctx, caller, "cancelled", NewPolicy(5, time.Second),
		func(context.Context) (string, error) {
			invocations++
			cancel()
			return "", appErrors.ErrTransientNetwork
		})

	require.Error(t, err)
	require.Equal(t, 1, invocations, "no retries once the caller has moved on")
}

func TestDoZeroAttemptsStillRunsOnce(t *testing.T) {
	caller := newTestCaller(nil)

	invocations := 0
	value, err := Do(context.Background(), caller, "single", Policy{}, func(context.Context) (string, error) {
		invocations++
		return "done", nil
	})

	require.NoError(t, err)
	require.Equal(t, "done", value)
	require.Equal(t, 1, invocations)
}
