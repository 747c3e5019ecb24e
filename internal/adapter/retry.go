package adapter

import (
	"context"
	"errors"
	"time"
)

// ErrUnderpriced is returned by a chain-specific submit function to signal
// that a transaction was rejected for offering too low a fee, distinct
// from a generic Transient failure so the retry loop can bump the fee
// multiplier between attempts rather than just waiting and repeating the
// same bid.
var ErrUnderpriced = errors.New("adapter: transaction underpriced")

// RetryUnderpriced retries submit up to 3 times on ErrUnderpriced, scaling
// the gas multiplier by 1.5x each attempt, per the EVM adapter's fee-bump
// policy (the non-EVM adapter does not use it). submit receives the multiplier to use for that
// attempt and is expected to fold it into its broadcast transaction.
func RetryUnderpriced(ctx context.Context, baseMultiplier float64, submit func(ctx context.Context, multiplier float64) (SubmissionResult, error)) (SubmissionResult, error) {
	if baseMultiplier <= 0 {
		baseMultiplier = 1.2
	}

	const maxAttempts = 3
	const backoff = 1.5

	multiplier := baseMultiplier
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := submit(ctx, multiplier)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, ErrUnderpriced) {
			return SubmissionResult{}, err
		}
		lastErr = err
		multiplier *= backoff

		select {
		case <-ctx.Done():
			return SubmissionResult{}, ctx.Err()
		default:
		}
	}

	return SubmissionResult{}, lastErr
}

// RetryTransient retries op with exponential backoff on Transient errors,
// per the 250ms -> 4s, max-5-attempts policy every component shares.
// Non-Transient errors are returned immediately without retrying.
func RetryTransient(ctx context.Context, initial, max time.Duration, maxAttempts int, op func(ctx context.Context) error) error {
	if initial <= 0 {
		initial = 250 * time.Millisecond
	}
	if max <= 0 {
		max = 4 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	delay := initial
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if KindOf(err) != KindTransient {
			return err
		}
		lastErr = err

		if attempt == maxAttempts-1 {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > max {
			delay = max
		}
	}

	return lastErr
}
