// Package retry provides the single backoff-retry primitive used by the ES
// submitter and the CA notification callback, so both share one retry
// orchestration. The CA blob upload does not use it: its account
// re-selection loop (cablob.Sink.uploadWithReselection) retries
// immediately, without backoff.
package retry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Unbounded signals "retry on transport failure only, forever" — a named
// option rather than an int.MaxValue sentinel left in calling code.
const Unbounded = -1

const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	// backoff doubles only every tenth attempt.
	doublingPeriod = 10
)

// Action performs one attempt and returns its response alongside any
// transport-level error. A non-nil error always means "retry" (subject to
// maxRetries); a nil error with a response the predicate rejects also
// retries.
type Action[T any] func(ctx context.Context) (T, error)

// Predicate decides whether a response is acceptable. It is not called when
// Action itself returned an error.
type Predicate[T any] func(resp T) bool

// SendWithRetries implements the shared retry policy: exponential backoff
// starting at 100ms capped at 5s, doubled only every tenth attempt,
// with a log line emitted every tenth retry. An action error or a response
// the predicate rejects leads to another attempt, in every mode; callers
// choose the predicate that fits the mode. maxRetries == Unbounded keeps
// trying until the predicate accepts or ctx is cancelled; any other value
// caps the total number of attempts at maxRetries (at least one is made).
// When the cap is reached, an action error is returned as the error, and a
// predicate miss returns the last response as-is (not an error).
func SendWithRetries[T any](ctx context.Context, logger *zap.Logger, action Action[T], predicate Predicate[T], maxRetries int) (T, error) {
	var (
		zero    T
		attempt int
		backoff = initialBackoff
	)
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		resp, err := action(ctx)
		if err != nil {
			attempt++
			if maxRetries != Unbounded && attempt >= maxRetries {
				return zero, err
			}
			if !sleep(ctx, logger, attempt, &backoff) {
				return zero, ctx.Err()
			}
			continue
		}

		if predicate == nil || predicate(resp) {
			return resp, nil
		}
		if maxRetries != Unbounded {
			attempt++
			if attempt >= maxRetries {
				// Predicate still rejects the response, but retries are
				// exhausted: return the last response as-is, not an error.
				return resp, nil
			}
		} else {
			attempt++
		}
		if !sleep(ctx, logger, attempt, &backoff) {
			return resp, ctx.Err()
		}
	}
}

// sleep waits out the current backoff, doubling it every tenth attempt, and
// returns false if ctx was cancelled first.
func sleep(ctx context.Context, logger *zap.Logger, attempt int, backoff *time.Duration) bool {
	if attempt%doublingPeriod == 0 {
		if logger != nil {
			logger.Warn("retrying after repeated failures", zap.Int("attempt", attempt), zap.Duration("backoff", *backoff))
		}
		*backoff *= 2
		if *backoff > maxBackoff {
			*backoff = maxBackoff
		}
	}
	timer := time.NewTimer(*backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
