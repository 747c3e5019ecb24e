// Package batchrunner runs a list of independent swap requests with
// bounded parallelism, aggregating per-swap outcomes into one report. A
// failure in one swap never cancels or blocks the others.
package batchrunner

import (
	"context"
	"fmt"
	"sync"

	"github.com/fusion-labs/swapd/internal/orchestrator"
	"github.com/fusion-labs/swapd/pkg/logging"
)

// DefaultConcurrency is how many swaps run at once when a Runner's
// Concurrency field is left at zero.
const DefaultConcurrency = 4

// Result is one swap's outcome within a batch.
type Result struct {
	SwapID string
	Record *orchestrator.SwapRecord
	Err    error
}

// Report is the aggregate outcome of running a batch to completion.
type Report struct {
	Successes []Result
	Failures  []Result
}

// Item pairs a caller-chosen swap id with the request to run under it.
type Item struct {
	SwapID  string
	Request orchestrator.SwapRequest
}

// Runner drives a batch of swaps through a shared Orchestrator, at most
// Concurrency of them in flight at once.
type Runner struct {
	Orchestrator *orchestrator.Orchestrator
	Concurrency  int

	// OnItemDone, if set, is called once per item as soon as its result
	// is known, from whichever goroutine ran it. It must not block,
	// since Run's wait group only finishes once every call returns.
	OnItemDone func(Result)

	log *logging.Logger
}

// New returns a Runner bounded to DefaultConcurrency; callers may override
// Concurrency on the returned value before calling Run.
func New(o *orchestrator.Orchestrator) *Runner {
	return &Runner{
		Orchestrator: o,
		Concurrency:  DefaultConcurrency,
		log:          logging.GetDefault().Component("batchrunner"),
	}
}

// Run admits every item independently and runs up to Concurrency of them
// in parallel. It blocks until every item has reached a terminal state (or
// ctx is cancelled, in which case in-flight swaps still resolve through
// their own cancellation handling before Run returns).
func (r *Runner) Run(ctx context.Context, items []Item) Report {
	concurrency := r.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	results := make([]Result, len(items))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		go func(i int, item Item) {
			defer wg.Done()

			finish := func(res Result) {
				results[i] = res
				if r.OnItemDone != nil {
					r.OnItemDone(res)
				}
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				finish(Result{SwapID: item.SwapID, Err: ctx.Err()})
				return
			}
			defer func() { <-sem }()

			record, err := r.Orchestrator.Run(ctx, item.SwapID, item.Request)
			if err != nil {
				r.log.Error("swap admission failed", "swap_id", item.SwapID, "err", err)
				finish(Result{SwapID: item.SwapID, Err: err})
				return
			}

			if record.State != orchestrator.StateCompleted {
				finish(Result{SwapID: item.SwapID, Record: record, Err: fmt.Errorf("swap ended in %s: %s", record.State, record.FailReason)})
				return
			}

			finish(Result{SwapID: item.SwapID, Record: record})
		}(i, item)
	}

	wg.Wait()

	var report Report
	for _, res := range results {
		if res.Err != nil {
			report.Failures = append(report.Failures, res)
		} else {
			report.Successes = append(report.Successes, res)
		}
	}
	return report
}
