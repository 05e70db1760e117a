package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbed/backtestd/internal/domain"
)

func TestChainAppliesOutsideIn(t *testing.T) {
	var order []string
	mw := func(label string) Middleware[string] {
		return func(next Handler[string]) Handler[string] {
			return func(ctx context.Context, msg Message[string]) error {
				order = append(order, label)
				return next(ctx, msg)
			}
		}
	}
	h := Chain(func(context.Context, Message[string]) error {
		order = append(order, "handler")
		return nil
	}, mw("outer"), mw("inner"))

	require.NoError(t, h(context.Background(), Message[string]{}))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestWithTimeoutReportsRetryable(t *testing.T) {
	h := Chain(func(ctx context.Context, _ Message[string]) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, WithTimeout[string](10*time.Millisecond))

	err := h(context.Background(), Message[string]{})
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
}

func TestWithTimeoutPassesThroughFastHandlers(t *testing.T) {
	h := Chain(func(context.Context, Message[string]) error {
		return nil
	}, WithTimeout[string](time.Second))

	assert.NoError(t, h(context.Background(), Message[string]{}))
}

func TestWithBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	h := Chain(func(context.Context, Message[string]) error {
		calls++
		return errors.New("dependency down")
	}, WithBreaker[string]("test-breaker", 2, time.Minute))

	// Two consecutive failures trip the circuit.
	require.Error(t, h(context.Background(), Message[string]{}))
	require.Error(t, h(context.Background(), Message[string]{}))
	assert.Equal(t, 2, calls)

	// The third call is rejected without invoking the handler.
	err := h(context.Background(), Message[string]{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, 2, calls)
}

func TestWithBreakerIgnoresFatalVerdicts(t *testing.T) {
	calls := 0
	h := Chain(func(context.Context, Message[string]) error {
		calls++
		return domain.Fatal(errors.New("bad payload"))
	}, WithBreaker[string]("fatal-breaker", 2, time.Minute))

	// Fatal errors judge the message, not the dependency; the circuit stays
	// closed no matter how many arrive.
	for i := 0; i < 5; i++ {
		err := h(context.Background(), Message[string]{})
		require.True(t, domain.IsFatal(err))
	}
	assert.Equal(t, 5, calls)
}

func TestWithRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	h := Chain(func(context.Context, Message[string]) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRetry[string](time.Millisecond, 5*time.Millisecond, time.Second))

	require.NoError(t, h(context.Background(), Message[string]{}))
	assert.Equal(t, 3, calls)
}

func TestWithRetryStopsOnFatal(t *testing.T) {
	calls := 0
	h := Chain(func(context.Context, Message[string]) error {
		calls++
		return domain.Fatal(errors.New("unknown family"))
	}, WithRetry[string](time.Millisecond, 5*time.Millisecond, time.Second))

	err := h(context.Background(), Message[string]{})
	require.True(t, domain.IsFatal(err))
	assert.Equal(t, 1, calls)
}

func TestWithLogDurationPassesThrough(t *testing.T) {
	wrapped := Chain(func(context.Context, Message[string]) error {
		return errors.New("boom")
	}, WithLogDuration[string](time.Hour))

	assert.Error(t, wrapped(context.Background(), Message[string]{}))
}
