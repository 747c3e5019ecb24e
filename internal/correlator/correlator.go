// Package correlator wraps a swap's two chain-adapter subscriptions into a
// single observation stream, restarting subscriptions
// that drop and suppressing the duplicate observations that restart can
// produce.
package correlator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fusion-labs/swapd/internal/adapter"
	"github.com/fusion-labs/swapd/pkg/logging"
)

// defaultDedupWindow is the number of recent (chain, tx_hash, log_index)
// keys retained to suppress replays after a subscription restart.
const defaultDedupWindow = 10000

// reconnectBackoff is the delay between subscription restart attempts.
const reconnectBackoff = time.Second

// Correlator delivers a single per-swap stream of observations gathered
// from one or more chain adapters. Observations are forwarded in the
// order each adapter delivers them: Watch does not buffer or reorder them
// by (block_number, log_index), and cross-chain interleaving is not
// ordered either. OrderByChain sorts an already-collected batch.
type Correlator struct {
	log *logging.Logger

	mu       sync.Mutex
	dedup    *dedupWindow
	pending  map[adapter.ChainKind][]adapter.Observation
	checkpts map[adapter.ChainKind]adapter.Checkpoint
}

// New returns a Correlator for a single swap.
func New() *Correlator {
	return &Correlator{
		log:      logging.GetDefault().Component("correlator"),
		dedup:    newDedupWindow(defaultDedupWindow),
		pending:  make(map[adapter.ChainKind][]adapter.Observation),
		checkpts: make(map[adapter.ChainKind]adapter.Checkpoint),
	}
}

// Watch subscribes to adp filtered to filter and forwards
// deduplicated observations onto out until ctx is cancelled. On a
// subscription error it restarts from the last checkpointed position
// after reconnectBackoff. Watch blocks until ctx is done; callers should
// run it in its own goroutine per (swap, chain).
func (c *Correlator) Watch(ctx context.Context, adp adapter.Adapter, filter adapter.SubscribeFilter, out chan<- adapter.Observation) {
	chain := adp.Kind()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		if cp, ok := c.checkpts[chain]; ok {
			filter.Resume = cp
		}
		c.mu.Unlock()

		obsCh, err := adp.Subscribe(ctx, filter)
		if err != nil {
			c.log.Warn("subscribe failed, retrying", "chain", chain, "err", err)
			if !sleepOrDone(ctx, reconnectBackoff) {
				return
			}
			continue
		}

		disconnected := c.drain(ctx, chain, obsCh, out)
		if !disconnected {
			return
		}
		if !sleepOrDone(ctx, reconnectBackoff) {
			return
		}
	}
}

// drain forwards observations from obsCh until it closes or ctx is
// cancelled. Returns true if obsCh closed unexpectedly (so the caller
// should reconnect), false if ctx was cancelled.
func (c *Correlator) drain(ctx context.Context, chain adapter.ChainKind, obsCh <-chan adapter.Observation, out chan<- adapter.Observation) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case obs, ok := <-obsCh:
			if !ok {
				return true
			}

			key := dedupKey{chain: string(chain), txHash: obs.TxHash, logIndex: obs.LogIndex}

			c.mu.Lock()
			if c.dedup.seenBefore(key) {
				c.mu.Unlock()
				continue
			}
			c.checkpts[chain] = adapter.Checkpoint{BlockNumber: obs.BlockNumber, LogIndex: obs.LogIndex}
			c.mu.Unlock()

			select {
			case out <- obs:
			case <-ctx.Done():
				return false
			}
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// OrderByChain sorts a batch of already-collected observations into
// (chain, block_number, log_index) lexicographic order. Only tests call
// it; the orchestrator's Reconstruct folds a transitions log instead.
func OrderByChain(observations []adapter.Observation) []adapter.Observation {
	sorted := make([]adapter.Observation, len(observations))
	copy(sorted, observations)

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Chain != b.Chain {
			return a.Chain < b.Chain
		}
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		return a.LogIndex < b.LogIndex
	})

	return sorted
}
