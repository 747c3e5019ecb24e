// Package simadapter provides an in-memory Adapter that never touches a
// network: every Submit* call logs what it would have sent and returns a
// synthetic handle. The batch runner's dry-run mode uses it so an operator
// can validate a batch of swap requests — amounts, recipients, deadlines —
// without spending gas or waiting on chain confirmations.
package simadapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fusion-labs/swapd/internal/adapter"
	"github.com/fusion-labs/swapd/pkg/logging"
)

// Adapter simulates one chain's side of a swap. It is safe for concurrent
// use: the batch runner drives many swaps through the same simulated chain
// at once.
type Adapter struct {
	chain ChainKind
	log   *logging.Logger

	mu     sync.Mutex
	ledger map[string]adapter.LegState

	seq atomic.Uint64
}

// ChainKind is a re-export so callers constructing a simulated adapter
// don't need to import internal/adapter just to name the chain family.
type ChainKind = adapter.ChainKind

// New returns a simulated adapter pretending to be chain.
func New(chain ChainKind) *Adapter {
	return &Adapter{
		chain:  chain,
		log:    logging.GetDefault().Component("simadapter").With("chain", chain),
		ledger: make(map[string]adapter.LegState),
	}
}

func (a *Adapter) Kind() adapter.ChainKind { return a.chain }

func (a *Adapter) SubmitCreateOrder(ctx context.Context, swapID string, spec adapter.LegSpec) (string, string, error) {
	return a.submitCreate(swapID, "create_order", spec)
}

func (a *Adapter) SubmitCreateHTLC(ctx context.Context, swapID string, spec adapter.LegSpec) (string, string, error) {
	return a.submitCreate(swapID, "create_htlc", spec)
}

func (a *Adapter) submitCreate(swapID, op string, spec adapter.LegSpec) (string, string, error) {
	if spec.Amount == nil || spec.Amount.Sign() <= 0 {
		return "", "", adapter.NewError(adapter.KindValidation, op, swapID, fmt.Errorf("amount must be positive"))
	}
	if spec.Recipient == "" {
		return "", "", adapter.NewError(adapter.KindValidation, op, swapID, fmt.Errorf("recipient is required"))
	}

	handle := a.syntheticHandle(swapID, spec.Leg)
	txHash := a.syntheticTxHash(swapID, op)

	a.log.Info("would submit",
		"op", op,
		"swap_id", swapID,
		"leg", spec.Leg,
		"amount", spec.Amount.String(),
		"recipient", spec.Recipient,
		"deadline", spec.DeadlineAbsoluteSeconds,
	)

	a.mu.Lock()
	a.ledger[handle] = adapter.LegState{
		Chain:         a.chain,
		Handle:        handle,
		TxHashes:      []string{txHash},
		Status:        adapter.StatusConfirmed,
		ObservedBlock: a.seq.Add(1),
	}
	a.mu.Unlock()

	return txHash, handle, nil
}

func (a *Adapter) SubmitClaim(ctx context.Context, swapID, handle string, preimage [32]byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.ledger[handle]
	if !ok {
		return "", adapter.NewError(adapter.KindChain, "claim", swapID, fmt.Errorf("unknown handle %s", handle))
	}

	txHash := a.syntheticTxHash(swapID, "claim")
	state.Status = adapter.StatusClaimed
	state.TxHashes = append(state.TxHashes, txHash)
	state.ObservedBlock = a.seq.Add(1)
	a.ledger[handle] = state

	a.log.Info("would claim", "swap_id", swapID, "handle", handle)
	return txHash, nil
}

func (a *Adapter) SubmitRefund(ctx context.Context, swapID, handle string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.ledger[handle]
	if !ok {
		return "", adapter.NewError(adapter.KindChain, "refund", swapID, fmt.Errorf("unknown handle %s", handle))
	}

	txHash := a.syntheticTxHash(swapID, "refund")
	state.Status = adapter.StatusRefunded
	state.TxHashes = append(state.TxHashes, txHash)
	state.ObservedBlock = a.seq.Add(1)
	a.ledger[handle] = state

	a.log.Info("would refund", "swap_id", swapID, "handle", handle)
	return txHash, nil
}

func (a *Adapter) ReadLegState(ctx context.Context, handle string) (adapter.LegState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.ledger[handle]
	if !ok {
		return adapter.LegState{}, adapter.NewError(adapter.KindChain, "read_state", "", fmt.Errorf("unknown handle %s", handle))
	}
	return state, nil
}

// Subscribe returns a channel that is immediately closed: the simulator
// never produces asynchronous observations, since every state change it
// makes is already visible synchronously through ReadLegState.
func (a *Adapter) Subscribe(ctx context.Context, filter adapter.SubscribeFilter) (<-chan adapter.Observation, error) {
	ch := make(chan adapter.Observation)
	close(ch)
	return ch, nil
}

func (a *Adapter) syntheticHandle(swapID string, leg adapter.LegKind) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:handle", swapID, leg)))
	return "sim" + hex.EncodeToString(sum[:16])
}

func (a *Adapter) syntheticTxHash(swapID, op string) string {
	n := a.seq.Add(1)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", swapID, op, n)))
	return "0xsim" + hex.EncodeToString(sum[:16])
}
