package adapter

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryUnderpricedSucceedsEventually(t *testing.T) {
	attempts := 0
	var seenMultipliers []float64

	result, err := RetryUnderpriced(context.Background(), 1.2, func(ctx context.Context, multiplier float64) (SubmissionResult, error) {
		attempts++
		seenMultipliers = append(seenMultipliers, multiplier)
		if attempts < 3 {
			return SubmissionResult{}, ErrUnderpriced
		}
		return SubmissionResult{TxHash: "0xabc"}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TxHash != "0xabc" {
		t.Errorf("unexpected tx hash: %s", result.TxHash)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if seenMultipliers[1] <= seenMultipliers[0] {
		t.Errorf("expected multiplier to grow between attempts: %v", seenMultipliers)
	}
}

func TestRetryUnderpricedExhausted(t *testing.T) {
	attempts := 0
	_, err := RetryUnderpriced(context.Background(), 1.2, func(ctx context.Context, multiplier float64) (SubmissionResult, error) {
		attempts++
		return SubmissionResult{}, ErrUnderpriced
	})
	if !errors.Is(err, ErrUnderpriced) {
		t.Errorf("expected ErrUnderpriced, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", attempts)
	}
}

func TestRetryUnderpricedNonUnderpricedStopsImmediately(t *testing.T) {
	attempts := 0
	boom := errors.New("boom")
	_, err := RetryUnderpriced(context.Background(), 1.2, func(ctx context.Context, multiplier float64) (SubmissionResult, error) {
		attempts++
		return SubmissionResult{}, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt for non-underpriced error, got %d", attempts)
	}
}

func TestRetryTransientRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	err := RetryTransient(context.Background(), time.Millisecond, 10*time.Millisecond, 5, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return NewError(KindTransient, "submit", "swap-1", errors.New("timeout"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryTransientNonTransientStopsImmediately(t *testing.T) {
	attempts := 0
	err := RetryTransient(context.Background(), time.Millisecond, 10*time.Millisecond, 5, func(ctx context.Context) error {
		attempts++
		return NewError(KindValidation, "submit", "swap-1", errors.New("bad amount"))
	})
	if KindOf(err) != KindValidation {
		t.Errorf("expected validation error to pass through, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetryTransientExhausted(t *testing.T) {
	attempts := 0
	err := RetryTransient(context.Background(), time.Millisecond, 2*time.Millisecond, 3, func(ctx context.Context) error {
		attempts++
		return NewError(KindTransient, "submit", "swap-1", errors.New("still down"))
	})
	if KindOf(err) != KindTransient {
		t.Errorf("expected transient error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestIdempotencyTableOnce(t *testing.T) {
	table := NewIdempotencyTable()
	calls := 0

	submit := func() (SubmissionResult, error) {
		calls++
		return SubmissionResult{TxHash: "0x1", Handle: "order-1"}, nil
	}

	r1, err := table.Once("swap-1", LegSource, "create_order", submit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r2, err := table.Once("swap-1", LegSource, "create_order", submit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if calls != 1 {
		t.Errorf("expected submit to run once, ran %d times", calls)
	}
	if r1 != r2 {
		t.Errorf("expected identical results, got %+v and %+v", r1, r2)
	}
}

func TestIdempotencyTableDistinctKeys(t *testing.T) {
	table := NewIdempotencyTable()
	calls := 0
	submit := func() (SubmissionResult, error) {
		calls++
		return SubmissionResult{TxHash: "0x1"}, nil
	}

	if _, err := table.Once("swap-1", LegSource, "create_order", submit); err != nil {
		t.Fatal(err)
	}
	if _, err := table.Once("swap-1", LegDest, "create_order", submit); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls for distinct legs, got %d", calls)
	}
}

func TestKindOfUnwrapsWrappedError(t *testing.T) {
	inner := NewError(KindChain, "claim", "swap-1", errors.New("reverted"))
	wrapped := errors.New("wrapping: " + inner.Error())
	if KindOf(wrapped) != KindInternal {
		t.Errorf("expected plain wrapped string error to report KindInternal")
	}
	if KindOf(inner) != KindChain {
		t.Errorf("expected KindChain for direct error")
	}
	viaW := fmt.Errorf("wrapping: %w", inner)
	if KindOf(viaW) != KindChain {
		t.Errorf("expected KindChain through a %%w-wrapped error")
	}
}
