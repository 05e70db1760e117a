package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/quantbed/backtestd/internal/domain"
	"github.com/quantbed/backtestd/internal/observability"
)

// Middleware wraps a Handler with extra behavior.
type Middleware[T any] func(Handler[T]) Handler[T]

// Chain applies middlewares so that the first one listed is outermost.
func Chain[T any](h Handler[T], mws ...Middleware[T]) Handler[T] {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// WithTimeout bounds one handler invocation. A handler that fails because
// the deadline expired is reported retryable so the consumer loop backs off
// and tries again.
func WithTimeout[T any](d time.Duration) Middleware[T] {
	return func(next Handler[T]) Handler[T] {
		return func(ctx context.Context, msg Message[T]) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			err := next(tctx, msg)
			if err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return domain.Retryable(fmt.Errorf("handler timed out after %s: %w", d, err))
			}
			return err
		}
	}
}

// WithRetry retries the handler in process with exponential backoff before
// the consumer-level delays kick in. Fatal errors and context cancellation
// stop immediately. Intended for cheap idempotent handlers.
func WithRetry[T any](initial, max, maxElapsed time.Duration) Middleware[T] {
	return func(next Handler[T]) Handler[T] {
		return func(ctx context.Context, msg Message[T]) error {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = initial
			bo.MaxInterval = max
			bo.MaxElapsedTime = maxElapsed
			op := func() error {
				err := next(ctx, msg)
				if err == nil {
					return nil
				}
				if domain.IsFatal(err) || errors.Is(err, context.Canceled) {
					return backoff.Permanent(err)
				}
				return err
			}
			return backoff.Retry(op, backoff.WithContext(bo, ctx))
		}
	}
}

// WithBreaker guards the handler with a circuit breaker. While the circuit
// is open, messages are reported retryable without invoking the handler, so
// they redeliver once the dependency recovers. Fatal errors are handler
// verdicts about the message, not dependency failures, and do not count
// against the circuit.
func WithBreaker[T any](name string, failureThreshold uint32, recoveryTimeout time.Duration) Middleware[T] {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     recoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || domain.IsFatal(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return func(next Handler[T]) Handler[T] {
		return func(ctx context.Context, msg Message[T]) error {
			_, err := cb.Execute(func() (any, error) {
				return nil, next(ctx, msg)
			})
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return domain.Retryable(fmt.Errorf("%s: %w", name, domain.ErrCircuitOpen))
			}
			return err
		}
	}
}

// WithLogDuration logs handlers that run longer than threshold.
func WithLogDuration[T any](threshold time.Duration) Middleware[T] {
	return func(next Handler[T]) Handler[T] {
		return func(ctx context.Context, msg Message[T]) error {
			start := time.Now()
			err := next(ctx, msg)
			if d := time.Since(start); d >= threshold {
				observability.LoggerFromContext(ctx).Warn("slow handler",
					slog.String("topic", msg.Topic),
					slog.Int64("offset", msg.Offset),
					slog.Duration("duration", d),
					slog.Duration("threshold", threshold))
			}
			return err
		}
	}
}
